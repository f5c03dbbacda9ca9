package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHwid(t *testing.T) {
	h, err := ParseHwid("deadbeef")
	require.NoError(t, err)
	assert.Equal(t, "DEADBEEF", h.String())
	assert.False(t, h.IsZero())

	for _, bad := range []string{"", "DEADBEE", "DEADBEEF0", "XYZ12345", "00000000"} {
		_, err := ParseHwid(bad)
		assert.ErrorIs(t, err, ErrMalformedIdentity, "input %q", bad)
	}
}

func TestHwidFromNibbles(t *testing.T) {
	assert.Equal(t, "0A0B0C0D", HwidFromNibbles([4]byte{0x0A, 0x0B, 0x0C, 0x0D}))
}

func TestParseHostString(t *testing.T) {
	h, err := ParseHostString("001122334455_cafebabe")
	require.NoError(t, err)
	assert.Equal(t, "CAFEBABE", h.String())

	for _, bad := range []string{"", "001122334455", "_CAFEBABE", "a_b_c", "001122334455_CAFE"} {
		_, err := ParseHostString(bad)
		assert.ErrorIs(t, err, ErrMalformedIdentity, "input %q", bad)
	}
}
