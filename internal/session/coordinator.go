// Package session coordinates login and game sessions across the fleet so
// an account holds at most one live session at a time.
//
// Per account the lifecycle is NoSession -> PendingLogin -> Active ->
// NoSession. Records carry a lease: a pending login that never reaches a
// channel, or an active session whose channel stops refreshing it, expires
// on its own, so a crashed instance cannot strand an account.
package session

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrAlreadyActive is returned when an account already holds a pending
	// or active session.
	ErrAlreadyActive = errors.New("account already has a session")

	// ErrNoSession is returned when no record exists for the account.
	ErrNoSession = errors.New("no session for account")
)

// State is the lifecycle position of a session record.
type State string

const (
	StatePendingLogin State = "pending"
	StateActive       State = "active"
)

// Record is the fleet-visible session state of one account.
type Record struct {
	AccountID int       `json:"account_id"`
	Hwid      string    `json:"hwid"`
	State     State     `json:"state"`
	Instance  string    `json:"instance"`
	World     int       `json:"world"`
	Channel   int       `json:"channel"`
	UpdatedAt time.Time `json:"updated_at"`
	// Lease identifies the registration that created the record. Only its
	// holder may release a pending login.
	Lease string `json:"-"`
}

// AttemptResult is the outcome of promoting a pending login to a game
// session.
type AttemptResult int

const (
	AttemptSuccess AttemptResult = iota
	// AttemptRemoteProcessing: another caller is mid-transition for the
	// account. The client may retry.
	AttemptRemoteProcessing
	// AttemptRemoteLoggedIn: the account is already active somewhere.
	AttemptRemoteLoggedIn
	// AttemptRemoteNoMatch: the presented hwid differs from the one
	// recorded at login. The record is left untouched.
	AttemptRemoteNoMatch
	// AttemptCoordinatorError: no pending record or a backend fault.
	// Not retryable for this attempt.
	AttemptCoordinatorError
)

var attemptNames = map[AttemptResult]string{
	AttemptSuccess:          "success",
	AttemptRemoteProcessing: "remote_processing",
	AttemptRemoteLoggedIn:   "remote_logged_in",
	AttemptRemoteNoMatch:    "remote_no_match",
	AttemptCoordinatorError: "coordinator_error",
}

// String returns a human-readable name for the result.
func (r AttemptResult) String() string {
	if name, ok := attemptNames[r]; ok {
		return name
	}
	return "unknown"
}

// AttemptRequest is the input to AttemptGameSession.
type AttemptRequest struct {
	AccountID int
	Hwid      Hwid
	World     int
	Channel   int
}

// Coordinator is the single-active-session arbiter shared by every login
// instance. All check-then-set transitions are atomic per account.
type Coordinator interface {
	// RegisterPendingLogin moves NoSession -> PendingLogin and returns the
	// lease token of the new record. It returns ErrAlreadyActive if any
	// record exists for the account.
	RegisterPendingLogin(ctx context.Context, accountID int, hwid Hwid) (string, error)

	// AttemptGameSession moves PendingLogin -> Active. The error is set
	// only when the result is AttemptCoordinatorError.
	AttemptGameSession(ctx context.Context, req AttemptRequest) (AttemptResult, error)

	// UnregisterLoginState removes a PendingLogin record if it still
	// carries lease. Active records, records of a later registration and
	// missing records are left alone without error.
	UnregisterLoginState(ctx context.Context, accountID int, lease string) error

	// CloseSession removes any record for the account. A forced close is
	// idempotent; an unforced one returns ErrNoSession when nothing was
	// removed.
	CloseSession(ctx context.Context, accountID int, forced bool) error

	// Refresh renews the lease of an Active record.
	Refresh(ctx context.Context, accountID int) error

	// Lookup returns the current record for the account.
	Lookup(ctx context.Context, accountID int) (Record, error)
}

// Config holds coordinator lease settings and Redis connection settings.
type Config struct {
	// URL is the Redis connection URL (e.g., redis://localhost:6379)
	URL string

	// Pool settings
	PoolSize     int
	MinIdleConns int

	// InstanceID is recorded as the owner of sessions created here.
	InstanceID string

	// Lease settings
	PendingTTL time.Duration
	ActiveTTL  time.Duration
	LockTTL    time.Duration
}

// DefaultConfig returns sensible coordinator defaults.
func DefaultConfig() Config {
	return Config{
		URL:          "redis://localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		InstanceID:   "login-0",
		PendingTTL:   2 * time.Minute,
		ActiveTTL:    5 * time.Minute,
		LockTTL:      5 * time.Second,
	}
}
