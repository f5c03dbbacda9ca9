package account

import (
	"crypto/sha1"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// Match is the result of comparing a password with a stored hash.
type Match int

const (
	NoMatch Match = iota
	Matched
	// MatchedLegacy: correct password, stored under a legacy digest.
	MatchedLegacy
)

// Hasher produces and checks password hashes.
type Hasher interface {
	Hash(password string) (string, error)
	Compare(hash, password string) Match
}

// BcryptHasher hashes with bcrypt and still accepts unsalted SHA-512 and
// SHA-1 hex digests written by older account tables.
type BcryptHasher struct {
	Cost int
}

// NewBcryptHasher returns a hasher with the given cost. Out of range costs
// fall back to bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{Cost: cost}
}

func (h *BcryptHasher) Hash(password string) (string, error) {
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.Cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func (h *BcryptHasher) Compare(hash, password string) Match {
	if IsBcrypt(hash) {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil {
			return Matched
		}
		return NoMatch
	}

	var digest string
	switch len(hash) {
	case sha512.Size * 2:
		sum := sha512.Sum512([]byte(password))
		digest = hex.EncodeToString(sum[:])
	case sha1.Size * 2:
		sum := sha1.Sum([]byte(password))
		digest = hex.EncodeToString(sum[:])
	default:
		return NoMatch
	}
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(hash)), []byte(digest)) == 1 {
		return MatchedLegacy
	}
	return NoMatch
}

// IsBcrypt reports whether hash is in bcrypt's modular crypt format.
func IsBcrypt(hash string) bool {
	return strings.HasPrefix(hash, "$2")
}
