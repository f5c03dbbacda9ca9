package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"golang.org/x/text/encoding/charmap"
)

// PacketBuilder constructs little-endian frame bodies. String encoding
// failures are sticky and reported by Err.
type PacketBuilder struct {
	buf bytes.Buffer
	err error
}

// NewPacketBuilder creates a new PacketBuilder.
func NewPacketBuilder() *PacketBuilder {
	return &PacketBuilder{}
}

// Reset clears the builder for reuse.
func (b *PacketBuilder) Reset() {
	b.buf.Reset()
	b.err = nil
}

// WriteUint8 writes a single byte.
func (b *PacketBuilder) WriteUint8(v uint8) *PacketBuilder {
	b.buf.WriteByte(v)
	return b
}

// WriteUint16 writes a uint16 in little-endian order.
func (b *PacketBuilder) WriteUint16(v uint16) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint16(nil, v))
	return b
}

// WriteUint32 writes a uint32 in little-endian order.
func (b *PacketBuilder) WriteUint32(v uint32) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint32(nil, v))
	return b
}

// WriteUint64 writes a uint64 in little-endian order.
func (b *PacketBuilder) WriteUint64(v uint64) *PacketBuilder {
	b.buf.Write(binary.LittleEndian.AppendUint64(nil, v))
	return b
}

// WriteString writes a length-prefixed ISO-8859-1 string.
// Format: [length:2][string bytes...]
func (b *PacketBuilder) WriteString(s string) *PacketBuilder {
	if b.err != nil {
		return b
	}
	data, err := charmap.ISO8859_1.NewEncoder().Bytes([]byte(s))
	if err != nil {
		b.err = fmt.Errorf("string %q is not representable in ISO-8859-1: %w", s, err)
		return b
	}
	if len(data) > MaxPacketSize {
		b.err = fmt.Errorf("string too long: %d bytes", len(data))
		return b
	}
	b.WriteUint16(uint16(len(data)))
	b.buf.Write(data)
	return b
}

// WriteBytes writes raw bytes.
func (b *PacketBuilder) WriteBytes(data []byte) *PacketBuilder {
	b.buf.Write(data)
	return b
}

// Err returns the first encoding error, if any.
func (b *PacketBuilder) Err() error {
	return b.err
}

// Build returns the constructed body bytes.
func (b *PacketBuilder) Build() []byte {
	return b.buf.Bytes()
}

// BuildWithLength returns the body with a 2-byte LE length prefix.
func (b *PacketBuilder) BuildWithLength() []byte {
	data := b.buf.Bytes()
	result := make([]byte, LengthPrefixSize+len(data))
	binary.LittleEndian.PutUint16(result[:LengthPrefixSize], uint16(len(data)))
	copy(result[LengthPrefixSize:], data)
	return result
}

// Len returns the current size of the body being built.
func (b *PacketBuilder) Len() int {
	return b.buf.Len()
}

// String returns a hex dump of the current body for debugging.
func (b *PacketBuilder) String() string {
	data := b.buf.Bytes()
	return fmt.Sprintf("PacketBuilder[%d bytes]: %x", len(data), data)
}
