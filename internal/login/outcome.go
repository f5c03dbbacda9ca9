package login

import (
	"time"

	"github.com/energizer-project/gatekeeper/internal/account"
	"github.com/energizer-project/gatekeeper/internal/session"
)

// Outcome is the result of one login attempt. The concrete types below
// are the only implementations; the gateway maps them to wire replies.
type Outcome interface {
	// Kind is a stable label used in logs and metrics.
	Kind() string
	outcome()
}

// Success: credentials accepted, bans clear, pending login registered.
type Success struct {
	Account    account.Account
	Hwid       session.Hwid
	Characters []account.Character
	// Lease releases the pending login if the client leaves early.
	Lease string
}

type BadConnection struct{}

type InvalidIdentity struct{}

// StoreUnavailable: the account store or coordinator failed or timed out.
type StoreUnavailable struct {
	Err error
}

type NotRegistered struct{}

type WrongPassword struct{}

type PermBanned struct {
	Reason byte
}

// AddressBanned covers both the originating address and the hardware
// fingerprint ban lists.
type AddressBanned struct{}

type TempBanned struct {
	Until  time.Time
	Reason byte
}

type MustAcceptTerms struct{}

type AlreadyLoggedIn struct{}

// FinishFailed: credentials were fine but the roster could not be loaded.
type FinishFailed struct {
	Err error
}

// Rejected forwards a store-specific refusal code verbatim.
type Rejected struct {
	Code int
}

func (Success) Kind() string          { return "success" }
func (BadConnection) Kind() string    { return "bad_connection" }
func (InvalidIdentity) Kind() string  { return "invalid_identity" }
func (StoreUnavailable) Kind() string { return "store_unavailable" }
func (NotRegistered) Kind() string    { return "not_registered" }
func (WrongPassword) Kind() string    { return "wrong_password" }
func (PermBanned) Kind() string       { return "perm_banned" }
func (AddressBanned) Kind() string    { return "address_banned" }
func (TempBanned) Kind() string       { return "temp_banned" }
func (MustAcceptTerms) Kind() string  { return "must_accept_terms" }
func (AlreadyLoggedIn) Kind() string  { return "already_logged_in" }
func (FinishFailed) Kind() string     { return "finish_failed" }
func (Rejected) Kind() string         { return "rejected" }

func (Success) outcome()          {}
func (BadConnection) outcome()    {}
func (InvalidIdentity) outcome()  {}
func (StoreUnavailable) outcome() {}
func (NotRegistered) outcome()    {}
func (WrongPassword) outcome()    {}
func (PermBanned) outcome()       {}
func (AddressBanned) outcome()    {}
func (TempBanned) outcome()       {}
func (MustAcceptTerms) outcome()  {}
func (AlreadyLoggedIn) outcome()  {}
func (FinishFailed) outcome()     {}
func (Rejected) outcome()         {}

// IsBan reports whether o is one of the terminal ban outcomes.
func IsBan(o Outcome) bool {
	switch o.(type) {
	case PermBanned, TempBanned, AddressBanned:
		return true
	}
	return false
}
