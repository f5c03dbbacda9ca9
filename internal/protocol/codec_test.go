package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRequests() []Message {
	return []Message{
		{Opcode: OpLoginPassword, Fields: []Field{
			Str("alice"), Str("pw"), Raw(make([]byte, 6)), Raw([]byte{0xDE, 0xAD, 0xBE, 0xEF}),
		}},
		{Opcode: OpServerStatusRequest, Fields: []Field{U16(0)}},
		{Opcode: OpCharSelectWithPic, Fields: []Field{
			Str("1234"), U32(42), U32(0), Str("00-11-22-33-44-55"), Str("001122334455_DEADBEEF"),
		}},
		{Opcode: OpPong},
	}
}

func sampleReplies() []Message {
	return []Message{
		BuildLoginFailed(ReasonWrongPassword),
		BuildAuthSuccess(AuthInfo{AccountID: 7, Gender: 1, GMLevel: 0, Name: "alice", Characters: 2}),
		BuildPermBan(5),
		BuildTempBan(time.UnixMilli(1_700_000_000_000), 2),
		BuildServerStatus(StatusAlert),
		BuildServerIP(net.ParseIP("10.0.0.5"), 7575, 42),
		BuildAfterLoginError(AfterLoginProcessing),
		BuildWrongPic(),
		BuildPing(),
	}
}

func TestRoundTripEveryOpcode(t *testing.T) {
	cases := []struct {
		name string
		reg  *Registry
		msgs []Message
	}{
		{"requests", RequestRegistry(), sampleRequests()},
		{"replies", ReplyRegistry(), sampleReplies()},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			seen := make(map[uint16]bool)
			for _, msg := range tc.msgs {
				data, err := tc.reg.Encode(msg)
				require.NoError(t, err)

				got, n, err := tc.reg.Decode(data)
				require.NoError(t, err)
				assert.Equal(t, len(data), n)
				assert.Equal(t, msg.Opcode, got.Opcode)
				require.Len(t, got.Fields, len(msg.Fields))
				for i := range msg.Fields {
					assert.Equal(t, msg.Fields[i].Kind, got.Fields[i].Kind)
					assert.Equal(t, msg.Fields[i].Uint, got.Fields[i].Uint)
					assert.Equal(t, msg.Fields[i].Str, got.Fields[i].Str)
					if msg.Fields[i].Kind == KindBytes {
						assert.Equal(t, msg.Fields[i].Raw, got.Fields[i].Raw)
					}
				}
				seen[msg.Opcode] = true
			}
			for _, op := range tc.reg.Opcodes() {
				assert.True(t, seen[op], "opcode 0x%04X has no round trip sample", op)
			}
		})
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	reg := ReplyRegistry()
	msg := BuildAuthSuccess(AuthInfo{AccountID: 99, Name: "bob"})

	first, err := reg.Encode(msg)
	require.NoError(t, err)
	second, err := reg.Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestEncodeLayout(t *testing.T) {
	data, err := ReplyRegistry().Encode(BuildServerStatus(StatusFull))
	require.NoError(t, err)
	// length=4, opcode=0x0003, status=2
	assert.Equal(t, []byte{0x04, 0x00, 0x03, 0x00, 0x02, 0x00}, data)
}

func TestDecodeEveryPrefixIsIncomplete(t *testing.T) {
	reg := RequestRegistry()
	for _, msg := range sampleRequests() {
		data, err := reg.Encode(msg)
		require.NoError(t, err)

		for i := 0; i < len(data); i++ {
			_, n, err := reg.Decode(data[:i])
			require.ErrorIs(t, err, ErrIncompleteFrame, "prefix %d of opcode 0x%04X", i, msg.Opcode)
			assert.Zero(t, n)
			assert.False(t, IsProtocolError(err))
		}
	}
}

func TestDecodeUnknownOpcode(t *testing.T) {
	frame := []byte{0x02, 0x00, 0xFF, 0x7F}
	_, n, err := RequestRegistry().Decode(frame)
	require.ErrorIs(t, err, ErrUnknownOpcode)
	assert.True(t, IsProtocolError(err))
	assert.Equal(t, 4, n)
}

func TestDecodeFieldMismatch(t *testing.T) {
	reg := RequestRegistry()

	t.Run("trailing bytes", func(t *testing.T) {
		frame := []byte{0x05, 0x00, 0x06, 0x00, 0x01, 0x00, 0xAA}
		_, _, err := reg.Decode(frame)
		require.ErrorIs(t, err, ErrFieldMismatch)
		assert.True(t, IsProtocolError(err))
	})

	t.Run("short payload", func(t *testing.T) {
		frame := []byte{0x03, 0x00, 0x06, 0x00, 0x01}
		_, _, err := reg.Decode(frame)
		require.ErrorIs(t, err, ErrFieldMismatch)
	})

	t.Run("string longer than frame", func(t *testing.T) {
		b := NewPacketBuilder()
		b.WriteUint16(OpLoginPassword).WriteUint16(50).WriteBytes([]byte("abc"))
		_, _, err := reg.Decode(b.BuildWithLength())
		require.ErrorIs(t, err, ErrFieldMismatch)
	})
}

func TestDecodeMalformedLength(t *testing.T) {
	for _, frame := range [][]byte{{0x00, 0x00}, {0x01, 0x00, 0x06}} {
		_, _, err := RequestRegistry().Decode(frame)
		require.ErrorIs(t, err, ErrMalformedFrame)
	}
}

func TestDecodeLeavesFollowingFrame(t *testing.T) {
	reg := RequestRegistry()
	a, err := reg.Encode(Message{Opcode: OpServerStatusRequest, Fields: []Field{U16(3)}})
	require.NoError(t, err)
	b, err := reg.Encode(Message{Opcode: OpPong})
	require.NoError(t, err)

	buf := append(append([]byte{}, a...), b...)
	msg, n, err := reg.Decode(buf)
	require.NoError(t, err)
	assert.Equal(t, len(a), n)
	assert.Equal(t, uint64(3), msg.Fields[0].Uint)

	msg, _, err = reg.Decode(buf[n:])
	require.NoError(t, err)
	assert.Equal(t, OpPong, msg.Opcode)
}

func TestEncodeRejectsSchemaViolations(t *testing.T) {
	reg := ReplyRegistry()

	_, err := reg.Encode(Message{Opcode: OpServerStatus})
	require.ErrorIs(t, err, ErrFieldMismatch)

	_, err = reg.Encode(Message{Opcode: OpServerStatus, Fields: []Field{U8(1)}})
	require.ErrorIs(t, err, ErrFieldMismatch)

	_, err = reg.Encode(Message{Opcode: OpServerIP, Fields: []Field{
		U16(0), Raw([]byte{1, 2, 3}), U16(1), U32(1), U8(0), U32(0),
	}})
	require.ErrorIs(t, err, ErrFieldMismatch)

	_, err = reg.Encode(Message{Opcode: 0x7777})
	require.ErrorIs(t, err, ErrUnknownOpcode)
}

func TestStringsUseLatin1(t *testing.T) {
	reg := ReplyRegistry()
	data, err := reg.Encode(BuildAuthSuccess(AuthInfo{Name: "José"}))
	require.NoError(t, err)
	assert.True(t, bytes.Contains(data, []byte{0x04, 0x00, 'J', 'o', 's', 0xE9}))

	msg, _, err := reg.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "José", msg.Fields[6].Str)

	_, err = reg.Encode(BuildAuthSuccess(AuthInfo{Name: "名前"}))
	require.ErrorIs(t, err, ErrFieldMismatch)
}

func TestFileTime(t *testing.T) {
	assert.Equal(t, uint64(fileTimeEpochOffset), FileTime(time.UnixMilli(0)))
	assert.Equal(t, uint64(1000*10000+fileTimeEpochOffset), FileTime(time.UnixMilli(1000)))
}

// chunkReader hands out at most n bytes per Read.
type chunkReader struct {
	data []byte
	n    int
}

func (c *chunkReader) Read(p []byte) (int, error) {
	if len(c.data) == 0 {
		return 0, io.EOF
	}
	size := c.n
	if size > len(p) {
		size = len(p)
	}
	if size > len(c.data) {
		size = len(c.data)
	}
	copy(p, c.data[:size])
	c.data = c.data[size:]
	return size, nil
}

func TestFrameReaderResumesAcrossReads(t *testing.T) {
	reg := RequestRegistry()
	var stream []byte
	for _, msg := range sampleRequests() {
		data, err := reg.Encode(msg)
		require.NoError(t, err)
		stream = append(stream, data...)
	}

	fr := NewFrameReader(&chunkReader{data: stream, n: 3}, reg)
	for _, want := range sampleRequests() {
		got, err := fr.Next()
		require.NoError(t, err)
		assert.Equal(t, want.Opcode, got.Opcode)
	}

	_, err := fr.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestFrameReaderTruncatedStream(t *testing.T) {
	reg := RequestRegistry()
	data, err := reg.Encode(sampleRequests()[0])
	require.NoError(t, err)

	fr := NewFrameReader(bytes.NewReader(data[:len(data)-2]), reg)
	_, err = fr.Next()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestFrameReaderProtocolError(t *testing.T) {
	frame := make([]byte, 4)
	binary.LittleEndian.PutUint16(frame, 2)
	binary.LittleEndian.PutUint16(frame[2:], 0x4242)

	fr := NewFrameReader(bytes.NewReader(frame), RequestRegistry())
	_, err := fr.Next()
	var pe *ProtocolError
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, uint16(0x4242), pe.Opcode)
}

func TestParseRequests(t *testing.T) {
	reqs := sampleRequests()

	login, err := ParseLoginPassword(reqs[0])
	require.NoError(t, err)
	assert.Equal(t, "alice", login.Name)
	assert.Equal(t, "pw", login.Password)
	assert.Equal(t, [4]byte{0xDE, 0xAD, 0xBE, 0xEF}, login.Hwid)

	world, err := ParseServerStatusRequest(reqs[1])
	require.NoError(t, err)
	assert.Equal(t, 0, world)

	sel, err := ParseCharSelectWithPic(reqs[2])
	require.NoError(t, err)
	assert.Equal(t, 42, sel.CharacterID)
	assert.Equal(t, "001122334455_DEADBEEF", sel.HostString)

	_, err = ParseLoginPassword(reqs[1])
	assert.True(t, IsProtocolError(err))
}
