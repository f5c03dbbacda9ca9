package protocol

import (
	"net"
	"time"
)

// fileTimeEpochOffset is the number of 100ns intervals between 1601-01-01
// and the Unix epoch.
const fileTimeEpochOffset = 116444736000000000

// PermanentBanFileTime is the "until" value the client renders as a
// permanent ban.
const PermanentBanFileTime uint64 = 150842304000000000

// FileTime converts t to 100ns intervals since 1601-01-01 UTC.
func FileTime(t time.Time) uint64 {
	ms := t.UnixMilli()
	if ms < 0 {
		return fileTimeEpochOffset
	}
	return uint64(ms)*10000 + fileTimeEpochOffset
}

// BuildLoginFailed creates a login status frame with a failure reason.
// Format: [reason:1][0:1][0:4]
func BuildLoginFailed(reason byte) Message {
	return Message{Opcode: OpLoginStatus, Fields: []Field{U8(reason), U8(0), U32(0)}}
}

// BuildPermBan creates a permanent ban frame.
// Format: [2:1][reason:1][until:8]
func BuildPermBan(reason byte) Message {
	return Message{Opcode: OpLoginBan, Fields: []Field{U8(2), U8(reason), U64(PermanentBanFileTime)}}
}

// BuildTempBan creates a temporary ban frame that expires at until.
func BuildTempBan(until time.Time, reason byte) Message {
	return Message{Opcode: OpLoginBan, Fields: []Field{U8(2), U8(reason), U64(FileTime(until))}}
}

// AuthInfo is the account summary sent on a successful login.
type AuthInfo struct {
	AccountID  uint32
	Gender     uint8
	GMLevel    uint8
	Name       string
	Characters uint8
}

// BuildAuthSuccess creates the login accepted frame.
// Format: [0:1][0:1][0:4][account:4][gender:1][gm:1][name:str][characters:1]
func BuildAuthSuccess(info AuthInfo) Message {
	return Message{Opcode: OpAuthSuccess, Fields: []Field{
		U8(0), U8(0), U32(0),
		U32(info.AccountID),
		U8(info.Gender),
		U8(info.GMLevel),
		Str(info.Name),
		U8(info.Characters),
	}}
}

// BuildServerStatus creates a world capacity status frame.
func BuildServerStatus(status uint16) Message {
	return Message{Opcode: OpServerStatus, Fields: []Field{U16(status)}}
}

// BuildAfterLoginError creates a character select failure frame.
func BuildAfterLoginError(code uint16) Message {
	return Message{Opcode: OpAfterLoginError, Fields: []Field{U16(code)}}
}

// BuildWrongPic creates the PIC rejected frame.
func BuildWrongPic() Message {
	return Message{Opcode: OpWrongPic, Fields: []Field{U8(0)}}
}

// BuildPing creates a keepalive probe.
func BuildPing() Message {
	return Message{Opcode: OpPing}
}

// BuildServerIP creates the channel handoff frame. Non-IPv4 addresses are
// sent as 0.0.0.0.
// Format: [0:2][ip:4][port:2][character:4][0:1][0:4]
func BuildServerIP(ip net.IP, port uint16, characterID uint32) Message {
	addr := make([]byte, 4)
	if v4 := ip.To4(); v4 != nil {
		copy(addr, v4)
	}
	return Message{Opcode: OpServerIP, Fields: []Field{
		U16(0),
		Raw(addr),
		U16(port),
		U32(characterID),
		U8(0),
		U32(0),
	}}
}
