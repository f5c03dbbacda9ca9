// Package account defines the account model and the store contract the
// login flow runs against. Concrete stores live in internal/db.
package account

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when an account or character does not exist.
var ErrNotFound = errors.New("not found")

// ErrNameTaken is returned by RegisterAccount when the name exists.
var ErrNameTaken = errors.New("account name already registered")

// Result is the credential check outcome reported by a Store.
type Result int

const (
	ResultOK Result = iota
	ResultNotRegistered
	ResultWrongPassword
	// ResultNeedsMigration: the password matched a legacy hash that must
	// be upgraded before the account can log in.
	ResultNeedsMigration
	ResultMustAcceptTerms
	// ResultRejected: a store-specific refusal carried in Verification.Code.
	ResultRejected
)

var resultNames = map[Result]string{
	ResultOK:              "ok",
	ResultNotRegistered:   "not_registered",
	ResultWrongPassword:   "wrong_password",
	ResultNeedsMigration:  "needs_migration",
	ResultMustAcceptTerms: "must_accept_terms",
	ResultRejected:        "rejected",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return "unknown"
}

// Verification is what VerifyCredentials learned about a login attempt.
// Account is populated whenever the name exists, even for a wrong
// password, so ban state can still be reported.
type Verification struct {
	Result     Result
	Account    Account
	Code       int
	HwidBanned bool
}

// Found reports whether the name matched an account.
func (v Verification) Found() bool {
	return v.Account.ID > 0
}

// BanState is the ban information of an account.
type BanState struct {
	Permanent bool
	TempUntil time.Time
	Reason    byte
}

// TempBanned reports whether a temporary ban is still running at now.
// A ban that ends exactly at now has elapsed.
func (b BanState) TempBanned(now time.Time) bool {
	return b.TempUntil.After(now)
}

// Account is a persistent player account.
type Account struct {
	ID            int
	Name          string
	PasswordHash  string
	Gender        uint8
	GMLevel       uint8
	TermsAccepted bool
	Birthday      time.Time
	Ban           BanState
}

// Character is the slice of a character the login flow needs.
type Character struct {
	ID        int
	AccountID int
	World     int
	Name      string
}

// Defaults are the column values given to an auto-registered account.
type Defaults struct {
	Birthday      time.Time
	TempBan       time.Time
	Gender        uint8
	TermsAccepted bool
}

// DefaultRegistration returns the placeholder values for new accounts.
// Registering by logging in counts as accepting the terms, so the first
// login of a new account is not bounced to the terms prompt.
func DefaultRegistration() Defaults {
	placeholder := time.Date(2005, time.May, 11, 0, 0, 0, 0, time.UTC)
	return Defaults{
		Birthday:      placeholder,
		TempBan:       placeholder,
		Gender:        10,
		TermsAccepted: true,
	}
}

// Store is the persistence contract of the login flow. Implementations
// must honour ctx deadlines; callers never retry a failed call.
type Store interface {
	VerifyCredentials(ctx context.Context, name, password, hwid string) (Verification, error)
	RegisterAccount(ctx context.Context, name, passwordHash string, defaults Defaults) (int, error)
	Rehash(ctx context.Context, accountID int, passwordHash string) error
	GetBanState(ctx context.Context, accountID int) (BanState, error)
	// ClearTempBan resets a temporary ban that ended at or before now.
	// A ban extended in the meantime is left alone.
	ClearTempBan(ctx context.Context, accountID int, now time.Time) error
	IsAddressBanned(ctx context.Context, addr string) (bool, error)
	GetCharacterWorld(ctx context.Context, accountID, characterID int) (int, error)
	ListCharacters(ctx context.Context, accountID int) ([]Character, error)
	CheckPic(ctx context.Context, accountID int, pic string) (bool, error)
}
