package session

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedIdentity is returned for host strings or fingerprints that
// cannot be parsed into a Hwid.
var ErrMalformedIdentity = errors.New("malformed hardware identity")

// hwidLength is the number of hex digits in a normalized fingerprint.
const hwidLength = 8

// Hwid is a normalized client hardware fingerprint: eight upper-case hex
// digits. The zero value is not a valid identity.
type Hwid struct {
	value string
}

// ParseHwid validates and normalizes an eight digit hex fingerprint.
// An all-zero fingerprint is what the client sends when it could not
// compute one, so it is rejected too.
func ParseHwid(s string) (Hwid, error) {
	s = strings.TrimSpace(s)
	if len(s) != hwidLength {
		return Hwid{}, fmt.Errorf("%w: want %d hex digits, got %q", ErrMalformedIdentity, hwidLength, s)
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return Hwid{}, fmt.Errorf("%w: %q is not hex", ErrMalformedIdentity, s)
	}
	zero := true
	for _, b := range raw {
		if b != 0 {
			zero = false
			break
		}
	}
	if zero {
		return Hwid{}, fmt.Errorf("%w: empty fingerprint", ErrMalformedIdentity)
	}
	return Hwid{value: strings.ToUpper(s)}, nil
}

// HwidFromNibbles converts the four hardware bytes of a login frame to the
// compact hex form accepted by ParseHwid.
func HwidFromNibbles(b [4]byte) string {
	return strings.ToUpper(hex.EncodeToString(b[:]))
}

// ParseHostString parses the "<MAC>_<HWID>" string sent at character
// select.
func ParseHostString(host string) (Hwid, error) {
	parts := strings.Split(host, "_")
	if len(parts) != 2 || parts[0] == "" {
		return Hwid{}, fmt.Errorf("%w: host string %q", ErrMalformedIdentity, host)
	}
	return ParseHwid(parts[1])
}

// String returns the normalized fingerprint.
func (h Hwid) String() string {
	return h.value
}

// IsZero reports whether h is the unparsed zero value.
func (h Hwid) IsZero() bool {
	return h.value == ""
}
