package protocol

import (
	"encoding/binary"

	"golang.org/x/text/encoding/charmap"
)

// PacketReader walks a frame body. Every read reports false once the body
// is exhausted so callers can map short reads to a field mismatch.
type PacketReader struct {
	data []byte
	pos  int
}

// NewPacketReader creates a reader over body.
func NewPacketReader(body []byte) *PacketReader {
	return &PacketReader{data: body}
}

// Remaining returns the number of unread bytes.
func (r *PacketReader) Remaining() int {
	return len(r.data) - r.pos
}

func (r *PacketReader) take(n int) ([]byte, bool) {
	if n < 0 || r.Remaining() < n {
		return nil, false
	}
	out := r.data[r.pos : r.pos+n]
	r.pos += n
	return out, true
}

// ReadUint8 reads one byte.
func (r *PacketReader) ReadUint8() (uint8, bool) {
	b, ok := r.take(1)
	if !ok {
		return 0, false
	}
	return b[0], true
}

// ReadUint16 reads a little-endian uint16.
func (r *PacketReader) ReadUint16() (uint16, bool) {
	b, ok := r.take(2)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint16(b), true
}

// ReadUint32 reads a little-endian uint32.
func (r *PacketReader) ReadUint32() (uint32, bool) {
	b, ok := r.take(4)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint32(b), true
}

// ReadUint64 reads a little-endian uint64.
func (r *PacketReader) ReadUint64() (uint64, bool) {
	b, ok := r.take(8)
	if !ok {
		return 0, false
	}
	return binary.LittleEndian.Uint64(b), true
}

// ReadString reads a 2-byte length-prefixed ISO-8859-1 string.
func (r *PacketReader) ReadString() (string, bool) {
	n, ok := r.ReadUint16()
	if !ok {
		return "", false
	}
	b, ok := r.take(int(n))
	if !ok {
		return "", false
	}
	// ISO-8859-1 maps every byte, decoding cannot fail.
	s, _ := charmap.ISO8859_1.NewDecoder().Bytes(b)
	return string(s), true
}

// ReadBytes reads exactly n raw bytes. The returned slice is a copy.
func (r *PacketReader) ReadBytes(n int) ([]byte, bool) {
	b, ok := r.take(n)
	if !ok {
		return nil, false
	}
	out := make([]byte, n)
	copy(out, b)
	return out, true
}
