package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const readChunkSize = 4096

// FrameReader decodes frames from a stream, buffering partial input
// across reads so handlers only ever see whole messages.
type FrameReader struct {
	r      io.Reader
	reg    *Registry
	buf    []byte
	chunk  []byte
	logger zerolog.Logger
}

// NewFrameReader creates a FrameReader that decodes with reg.
func NewFrameReader(r io.Reader, reg *Registry) *FrameReader {
	return &FrameReader{
		r:      r,
		reg:    reg,
		chunk:  make([]byte, readChunkSize),
		logger: log.With().Str("component", "frame_reader").Logger(),
	}
}

// Buffered returns the number of bytes read but not yet decoded.
func (f *FrameReader) Buffered() int {
	return len(f.buf)
}

// Next returns the next complete message. Read errors are returned as-is
// (io.EOF on a clean close); codec violations come back as *ProtocolError.
func (f *FrameReader) Next() (Message, error) {
	for {
		msg, n, err := f.reg.Decode(f.buf)
		if err == nil {
			f.consume(n)
			f.logger.Trace().
				Uint16("opcode", msg.Opcode).
				Int("fields", len(msg.Fields)).
				Msg("frame decoded")
			return msg, nil
		}
		if !errors.Is(err, ErrIncompleteFrame) {
			f.consume(n)
			return Message{}, err
		}

		read, rerr := f.r.Read(f.chunk)
		if read > 0 {
			f.buf = append(f.buf, f.chunk[:read]...)
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) && len(f.buf) > 0 {
				return Message{}, fmt.Errorf("stream closed mid-frame (%d bytes buffered): %w", len(f.buf), io.ErrUnexpectedEOF)
			}
			return Message{}, rerr
		}
	}
}

func (f *FrameReader) consume(n int) {
	if n <= 0 {
		return
	}
	if n >= len(f.buf) {
		f.buf = f.buf[:0]
		return
	}
	f.buf = append(f.buf[:0], f.buf[n:]...)
}

// WriteFrame encodes msg with reg and writes the frame to w.
func WriteFrame(w io.Writer, reg *Registry, msg Message) error {
	data, err := reg.Encode(msg)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write frame 0x%04X: %w", msg.Opcode, err)
	}
	return nil
}

// ---- Request parsers ----
// Each expects a message already validated by RequestRegistry.

// LoginPasswordRequest is the decoded OpLoginPassword frame.
type LoginPasswordRequest struct {
	Name     string
	Password string
	Hwid     [4]byte
}

// ParseLoginPassword extracts a LoginPasswordRequest.
func ParseLoginPassword(m Message) (LoginPasswordRequest, error) {
	if err := expect(m, OpLoginPassword, 4); err != nil {
		return LoginPasswordRequest{}, err
	}
	req := LoginPasswordRequest{
		Name:     m.Fields[0].Str,
		Password: m.Fields[1].Str,
	}
	copy(req.Hwid[:], m.Fields[3].Raw)
	return req, nil
}

// ParseServerStatusRequest returns the queried world id.
func ParseServerStatusRequest(m Message) (int, error) {
	if err := expect(m, OpServerStatusRequest, 1); err != nil {
		return 0, err
	}
	return int(m.Fields[0].Uint), nil
}

// CharSelectRequest is the decoded OpCharSelectWithPic frame.
type CharSelectRequest struct {
	Pic         string
	CharacterID int
	World       int
	MAC         string
	HostString  string
}

// ParseCharSelectWithPic extracts a CharSelectRequest.
func ParseCharSelectWithPic(m Message) (CharSelectRequest, error) {
	if err := expect(m, OpCharSelectWithPic, 5); err != nil {
		return CharSelectRequest{}, err
	}
	return CharSelectRequest{
		Pic:         m.Fields[0].Str,
		CharacterID: int(m.Fields[1].Uint),
		World:       int(m.Fields[2].Uint),
		MAC:         m.Fields[3].Str,
		HostString:  m.Fields[4].Str,
	}, nil
}

func expect(m Message, op uint16, fields int) error {
	if m.Opcode != op {
		return protocolErr(m.Opcode, ErrUnknownOpcode, "expected 0x%04X", op)
	}
	if len(m.Fields) != fields {
		return protocolErr(m.Opcode, ErrFieldMismatch, "expected %d fields, got %d", fields, len(m.Fields))
	}
	return nil
}
