package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrIncompleteFrame means the buffer does not yet hold a full frame.
// It is not a protocol violation; the caller should read more bytes.
var ErrIncompleteFrame = errors.New("incomplete frame")

// Protocol violations. They are always wrapped in a *ProtocolError.
var (
	ErrMalformedFrame = errors.New("malformed frame")
	ErrUnknownOpcode  = errors.New("unknown opcode")
	ErrFieldMismatch  = errors.New("field mismatch")
)

// ProtocolError reports a frame that can never be processed. The
// connection that produced it must be closed.
type ProtocolError struct {
	Opcode uint16
	Detail string
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("opcode 0x%04X: %v", e.Opcode, e.Err)
	}
	return fmt.Sprintf("opcode 0x%04X: %v: %s", e.Opcode, e.Err, e.Detail)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// IsProtocolError reports whether err is a connection-fatal codec error.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

func protocolErr(op uint16, sentinel error, format string, args ...any) error {
	return &ProtocolError{Opcode: op, Detail: fmt.Sprintf(format, args...), Err: sentinel}
}

// FieldSpec describes one position of a schema. Size is only used by
// KindBytes.
type FieldSpec struct {
	Name string
	Kind FieldKind
	Size int
}

// Schema is the ordered field layout of one opcode.
type Schema struct {
	Name   string
	Fields []FieldSpec
}

// Registry maps opcodes to schemas for one direction of traffic.
type Registry struct {
	schemas map[uint16]Schema
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[uint16]Schema)}
}

// Register adds or replaces the schema for op.
func (r *Registry) Register(op uint16, s Schema) {
	r.schemas[op] = s
}

// Schema returns the schema registered for op.
func (r *Registry) Schema(op uint16) (Schema, bool) {
	s, ok := r.schemas[op]
	return s, ok
}

// Opcodes returns every registered opcode.
func (r *Registry) Opcodes() []uint16 {
	ops := make([]uint16, 0, len(r.schemas))
	for op := range r.schemas {
		ops = append(ops, op)
	}
	return ops
}

// Encode validates msg against its schema and returns the full frame,
// length prefix included. The output depends only on msg.
func (r *Registry) Encode(msg Message) ([]byte, error) {
	schema, ok := r.schemas[msg.Opcode]
	if !ok {
		return nil, protocolErr(msg.Opcode, ErrUnknownOpcode, "not registered")
	}
	if len(msg.Fields) != len(schema.Fields) {
		return nil, protocolErr(msg.Opcode, ErrFieldMismatch,
			"%s expects %d fields, got %d", schema.Name, len(schema.Fields), len(msg.Fields))
	}

	b := NewPacketBuilder()
	b.WriteUint16(msg.Opcode)
	for i, spec := range schema.Fields {
		f := msg.Fields[i]
		if f.Kind != spec.Kind {
			return nil, protocolErr(msg.Opcode, ErrFieldMismatch,
				"field %s: want %s, got %s", spec.Name, spec.Kind, f.Kind)
		}
		switch spec.Kind {
		case KindU8:
			if f.Uint > 0xFF {
				return nil, protocolErr(msg.Opcode, ErrFieldMismatch, "field %s overflows u8", spec.Name)
			}
			b.WriteUint8(uint8(f.Uint))
		case KindU16:
			if f.Uint > 0xFFFF {
				return nil, protocolErr(msg.Opcode, ErrFieldMismatch, "field %s overflows u16", spec.Name)
			}
			b.WriteUint16(uint16(f.Uint))
		case KindU32:
			if f.Uint > 0xFFFFFFFF {
				return nil, protocolErr(msg.Opcode, ErrFieldMismatch, "field %s overflows u32", spec.Name)
			}
			b.WriteUint32(uint32(f.Uint))
		case KindU64:
			b.WriteUint64(f.Uint)
		case KindString:
			b.WriteString(f.Str)
			if err := b.Err(); err != nil {
				return nil, protocolErr(msg.Opcode, ErrFieldMismatch, "field %s: %v", spec.Name, err)
			}
		case KindBytes:
			if len(f.Raw) != spec.Size {
				return nil, protocolErr(msg.Opcode, ErrFieldMismatch,
					"field %s: want %d bytes, got %d", spec.Name, spec.Size, len(f.Raw))
			}
			b.WriteBytes(f.Raw)
		}
	}

	if b.Len() > MaxPacketSize {
		return nil, protocolErr(msg.Opcode, ErrMalformedFrame, "frame too large: %d bytes", b.Len())
	}
	return b.BuildWithLength(), nil
}

// Decode reads one frame from the front of buf. On success it returns the
// message and the number of bytes consumed. ErrIncompleteFrame means buf
// must grow before trying again; every other error is a *ProtocolError.
func (r *Registry) Decode(buf []byte) (Message, int, error) {
	if len(buf) < LengthPrefixSize {
		return Message{}, 0, ErrIncompleteFrame
	}
	length := int(binary.LittleEndian.Uint16(buf[:LengthPrefixSize]))
	if length < OpcodeSize {
		return Message{}, 0, protocolErr(0, ErrMalformedFrame, "declared length %d", length)
	}
	total := LengthPrefixSize + length
	if len(buf) < total {
		return Message{}, 0, ErrIncompleteFrame
	}

	body := buf[LengthPrefixSize:total]
	op := binary.LittleEndian.Uint16(body[:OpcodeSize])
	schema, ok := r.schemas[op]
	if !ok {
		return Message{}, total, protocolErr(op, ErrUnknownOpcode, "%d byte payload", length-OpcodeSize)
	}

	rd := NewPacketReader(body[OpcodeSize:])
	fields := make([]Field, 0, len(schema.Fields))
	for _, spec := range schema.Fields {
		f, ok := readField(rd, spec)
		if !ok {
			return Message{}, total, protocolErr(op, ErrFieldMismatch, "%s: short field %s", schema.Name, spec.Name)
		}
		fields = append(fields, f)
	}
	if rd.Remaining() != 0 {
		return Message{}, total, protocolErr(op, ErrFieldMismatch, "%s: %d trailing bytes", schema.Name, rd.Remaining())
	}

	return Message{Opcode: op, Fields: fields}, total, nil
}

func readField(rd *PacketReader, spec FieldSpec) (Field, bool) {
	switch spec.Kind {
	case KindU8:
		v, ok := rd.ReadUint8()
		return U8(v), ok
	case KindU16:
		v, ok := rd.ReadUint16()
		return U16(v), ok
	case KindU32:
		v, ok := rd.ReadUint32()
		return U32(v), ok
	case KindU64:
		v, ok := rd.ReadUint64()
		return U64(v), ok
	case KindString:
		v, ok := rd.ReadString()
		return Str(v), ok
	case KindBytes:
		v, ok := rd.ReadBytes(spec.Size)
		return Raw(v), ok
	}
	return Field{}, false
}

// RequestRegistry returns the schemas of client -> gatekeeper frames.
func RequestRegistry() *Registry {
	r := NewRegistry()
	r.Register(OpLoginPassword, Schema{Name: "LoginPassword", Fields: []FieldSpec{
		{Name: "name", Kind: KindString},
		{Name: "password", Kind: KindString},
		{Name: "reserved", Kind: KindBytes, Size: 6},
		{Name: "hwid", Kind: KindBytes, Size: 4},
	}})
	r.Register(OpServerStatusRequest, Schema{Name: "ServerStatusRequest", Fields: []FieldSpec{
		{Name: "world", Kind: KindU16},
	}})
	r.Register(OpCharSelectWithPic, Schema{Name: "CharSelectWithPic", Fields: []FieldSpec{
		{Name: "pic", Kind: KindString},
		{Name: "character", Kind: KindU32},
		{Name: "world", Kind: KindU32},
		{Name: "mac", Kind: KindString},
		{Name: "host", Kind: KindString},
	}})
	r.Register(OpPong, Schema{Name: "Pong"})
	return r
}

// ReplyRegistry returns the schemas of gatekeeper -> client frames.
func ReplyRegistry() *Registry {
	r := NewRegistry()
	r.Register(OpLoginStatus, Schema{Name: "LoginStatus", Fields: []FieldSpec{
		{Name: "reason", Kind: KindU8},
		{Name: "pad", Kind: KindU8},
		{Name: "pad2", Kind: KindU32},
	}})
	r.Register(OpAuthSuccess, Schema{Name: "AuthSuccess", Fields: []FieldSpec{
		{Name: "status", Kind: KindU8},
		{Name: "pad", Kind: KindU8},
		{Name: "pad2", Kind: KindU32},
		{Name: "account", Kind: KindU32},
		{Name: "gender", Kind: KindU8},
		{Name: "gm", Kind: KindU8},
		{Name: "name", Kind: KindString},
		{Name: "characters", Kind: KindU8},
	}})
	r.Register(OpLoginBan, Schema{Name: "LoginBan", Fields: []FieldSpec{
		{Name: "status", Kind: KindU8},
		{Name: "reason", Kind: KindU8},
		{Name: "until", Kind: KindU64},
	}})
	r.Register(OpServerStatus, Schema{Name: "ServerStatus", Fields: []FieldSpec{
		{Name: "status", Kind: KindU16},
	}})
	r.Register(OpServerIP, Schema{Name: "ServerIP", Fields: []FieldSpec{
		{Name: "pad", Kind: KindU16},
		{Name: "ip", Kind: KindBytes, Size: 4},
		{Name: "port", Kind: KindU16},
		{Name: "character", Kind: KindU32},
		{Name: "pad2", Kind: KindU8},
		{Name: "pad3", Kind: KindU32},
	}})
	r.Register(OpAfterLoginError, Schema{Name: "AfterLoginError", Fields: []FieldSpec{
		{Name: "code", Kind: KindU16},
	}})
	r.Register(OpWrongPic, Schema{Name: "WrongPic", Fields: []FieldSpec{
		{Name: "pad", Kind: KindU8},
	}})
	r.Register(OpPing, Schema{Name: "Ping"})
	return r
}
