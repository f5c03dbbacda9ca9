// Package protocol implements the binary wire protocol spoken between game
// clients and the gatekeeper. Every frame is [length:2][opcode:2][fields...]
// in little-endian byte order; length counts the opcode and fields.
package protocol

// Client -> gatekeeper opcodes.
const (
	OpLoginPassword       uint16 = 0x0001 // Credentials + hardware nibbles
	OpServerStatusRequest uint16 = 0x0006 // World capacity query
	OpPong                uint16 = 0x0018 // Keepalive answer
	OpCharSelectWithPic   uint16 = 0x001E // Character picked, PIC entered
)

// Gatekeeper -> client opcodes.
const (
	OpLoginStatus     uint16 = 0x0000 // Login failed with a reason code
	OpAuthSuccess     uint16 = 0x0001 // Login accepted
	OpLoginBan        uint16 = 0x0002 // Account banned (temporary or permanent)
	OpServerStatus    uint16 = 0x0003 // World capacity status
	OpServerIP        uint16 = 0x000C // Channel endpoint handoff
	OpPing            uint16 = 0x0011 // Keepalive probe
	OpAfterLoginError uint16 = 0x001C // Character select failed
	OpWrongPic        uint16 = 0x001D // PIC rejected
)

// Login failure reason codes. These values are fixed by the client.
const (
	ReasonBanned           byte = 3
	ReasonWrongPassword    byte = 4
	ReasonNotRegistered    byte = 5
	ReasonAlreadyLoggedIn  byte = 7
	ReasonSystemError      byte = 8
	ReasonUnknown          byte = 9
	ReasonTooManyConns     byte = 10
	ReasonBadConnection    byte = 14
	ReasonIdentityMismatch byte = 17
	ReasonMustAcceptTerms  byte = 23
)

// After-login error codes sent with OpAfterLoginError.
const (
	AfterLoginLoggedIn         uint16 = 7
	AfterLoginCoordinatorError uint16 = 8
	AfterLoginGeneric          uint16 = 9
	AfterLoginProcessing       uint16 = 10
	AfterLoginIdentityMismatch uint16 = 17
)

// World capacity status values sent with OpServerStatus.
const (
	StatusNormal uint16 = 0
	StatusAlert  uint16 = 1
	StatusFull   uint16 = 2
)

// MaxPacketSize is the maximum allowed size for a single frame body.
const MaxPacketSize = 65535

// LengthPrefixSize is the size of the length prefix in bytes.
const LengthPrefixSize = 2

// OpcodeSize is the size of the opcode that leads every frame body.
const OpcodeSize = 2

// FieldKind identifies the wire encoding of a single field.
type FieldKind uint8

const (
	KindU8 FieldKind = iota + 1
	KindU16
	KindU32
	KindU64
	KindString
	KindBytes
)

var kindNames = map[FieldKind]string{
	KindU8:     "u8",
	KindU16:    "u16",
	KindU32:    "u32",
	KindU64:    "u64",
	KindString: "string",
	KindBytes:  "bytes",
}

// String returns a human-readable name for the kind.
func (k FieldKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Field is one typed value of a message. Integers live in Uint, strings in
// Str and raw spans in Raw.
type Field struct {
	Kind FieldKind
	Uint uint64
	Str  string
	Raw  []byte
}

// U8 returns a one-byte field.
func U8(v uint8) Field { return Field{Kind: KindU8, Uint: uint64(v)} }

// U16 returns a two-byte field.
func U16(v uint16) Field { return Field{Kind: KindU16, Uint: uint64(v)} }

// U32 returns a four-byte field.
func U32(v uint32) Field { return Field{Kind: KindU32, Uint: uint64(v)} }

// U64 returns an eight-byte field.
func U64(v uint64) Field { return Field{Kind: KindU64, Uint: v} }

// Str returns a length-prefixed string field.
func Str(s string) Field { return Field{Kind: KindString, Str: s} }

// Raw returns a fixed-length byte span field.
func Raw(b []byte) Field { return Field{Kind: KindBytes, Raw: b} }

// Message is a decoded frame: an opcode plus its ordered fields.
type Message struct {
	Opcode uint16
	Fields []Field
}
