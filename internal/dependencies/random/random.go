// Package random abstracts randomness used for channel selection and the
// ownership tokens of session leases and transition locks.
package random

import (
	"crypto/rand"
	"encoding/hex"
	"math/big"
)

// Random is the source of randomness. Tests swap in mocks.MockRandom.
type Random interface {
	// Intn picks from [0, n). n <= 0 yields 0.
	Intn(n int) int

	// Token returns 2*size hex characters from size random bytes.
	Token(size int) string
}

// CryptoRandom reads from crypto/rand.
type CryptoRandom struct{}

func New() *CryptoRandom {
	return &CryptoRandom{}
}

func (r *CryptoRandom) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	v, err := rand.Int(rand.Reader, big.NewInt(int64(n)))
	if err != nil {
		return 0
	}
	return int(v.Int64())
}

func (r *CryptoRandom) Token(size int) string {
	if size <= 0 {
		return ""
	}
	buf := make([]byte, size)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
