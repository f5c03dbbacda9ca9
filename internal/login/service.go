// Package login runs the credential state machine: connection check,
// hardware identity, credential verification with optional
// auto-registration and hash migration, ban checks, and registration of
// the pending login with the session coordinator.
package login

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gatekeeper/internal/account"
	"github.com/energizer-project/gatekeeper/internal/dependencies/clock"
	"github.com/energizer-project/gatekeeper/internal/session"
)

// Policy toggles the optional login behaviours.
type Policy struct {
	AutoRegister  bool
	HashMigration bool
	StoreTimeout  time.Duration
}

// DefaultPolicy returns the production defaults.
func DefaultPolicy() Policy {
	return Policy{
		AutoRegister:  false,
		HashMigration: true,
		StoreTimeout:  5 * time.Second,
	}
}

// Request is one login attempt as received from a client.
type Request struct {
	Name       string
	Password   string
	HwidHex    string
	RemoteAddr string
}

// Service evaluates login attempts. It is safe for concurrent use.
type Service struct {
	store  account.Store
	hasher account.Hasher
	coord  session.Coordinator
	clock  clock.Clock
	policy Policy
	logger zerolog.Logger
}

// NewService wires a login service.
func NewService(store account.Store, hasher account.Hasher, coord session.Coordinator, clk clock.Clock, policy Policy) *Service {
	if policy.StoreTimeout <= 0 {
		policy.StoreTimeout = DefaultPolicy().StoreTimeout
	}
	return &Service{
		store:  store,
		hasher: hasher,
		coord:  coord,
		clock:  clk,
		policy: policy,
		logger: log.With().Str("component", "login").Logger(),
	}
}

// Policy returns the active policy.
func (s *Service) Policy() Policy {
	return s.policy
}

// RemoteHost extracts the host part of a peer address. It reports false
// when the address is missing or not an IP.
func RemoteHost(addr string) (string, bool) {
	addr = strings.TrimSpace(addr)
	if addr == "" || addr == "null" {
		return "", false
	}
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	if net.ParseIP(host) == nil {
		return "", false
	}
	return host, true
}

// Login evaluates req. Steps run in a fixed order and the first one that
// decides the attempt returns.
func (s *Service) Login(ctx context.Context, req Request) Outcome {
	logger := s.logger.With().Str("account", req.Name).Str("remote", req.RemoteAddr).Logger()

	host, ok := RemoteHost(req.RemoteAddr)
	if !ok {
		return BadConnection{}
	}

	hwid, err := session.ParseHwid(req.HwidHex)
	if err != nil {
		logger.Debug().Err(err).Msg("rejecting malformed hwid")
		return InvalidIdentity{}
	}

	v, err := s.verify(ctx, req, hwid)
	if err != nil {
		logger.Error().Err(err).Msg("credential verification failed")
		return StoreUnavailable{Err: err}
	}

	if v.Result == account.ResultNotRegistered && s.policy.AutoRegister {
		v, err = s.autoRegister(ctx, req, hwid)
		if err != nil {
			logger.Error().Err(err).Msg("auto registration failed")
			return StoreUnavailable{Err: err}
		}
	}

	if v.Result == account.ResultNeedsMigration {
		v, err = s.migrate(ctx, req, hwid, v)
		if err != nil {
			logger.Error().Err(err).Int("account_id", v.Account.ID).Msg("password hash migration failed")
			return StoreUnavailable{Err: err}
		}
	}

	banned, err := s.call(ctx, func(ctx context.Context) (bool, error) {
		return s.store.IsAddressBanned(ctx, host)
	})
	if err != nil {
		logger.Error().Err(err).Msg("address ban lookup failed")
		return StoreUnavailable{Err: err}
	}
	if banned || (v.Found() && v.HwidBanned) {
		return AddressBanned{}
	}

	if v.Found() {
		ban, err := callValue(ctx, s.policy.StoreTimeout, func(ctx context.Context) (account.BanState, error) {
			return s.store.GetBanState(ctx, v.Account.ID)
		})
		if err != nil {
			logger.Error().Err(err).Int("account_id", v.Account.ID).Msg("ban state lookup failed")
			return StoreUnavailable{Err: err}
		}
		if ban.Permanent {
			return PermBanned{Reason: ban.Reason}
		}
		now := s.clock.Now()
		if ban.TempBanned(now) {
			return TempBanned{Until: ban.TempUntil, Reason: ban.Reason}
		}
		if !ban.TempUntil.IsZero() {
			s.clearTempBan(ctx, logger, v.Account.ID, now)
		}
	}

	switch v.Result {
	case account.ResultOK:
	case account.ResultNotRegistered:
		return NotRegistered{}
	case account.ResultWrongPassword:
		return WrongPassword{}
	case account.ResultMustAcceptTerms:
		return MustAcceptTerms{}
	case account.ResultRejected:
		return Rejected{Code: v.Code}
	default:
		// Zero carries no store code; the client gets the generic failure.
		logger.Warn().Stringer("result", v.Result).Msg("unexpected credential result")
		return Rejected{}
	}

	chars, err := callValue(ctx, s.policy.StoreTimeout, func(ctx context.Context) ([]account.Character, error) {
		return s.store.ListCharacters(ctx, v.Account.ID)
	})
	if err != nil {
		logger.Error().Err(err).Int("account_id", v.Account.ID).Msg("failed to load character roster")
		return FinishFailed{Err: err}
	}

	lease, err := callValue(ctx, s.policy.StoreTimeout, func(ctx context.Context) (string, error) {
		return s.coord.RegisterPendingLogin(ctx, v.Account.ID, hwid)
	})
	if errors.Is(err, session.ErrAlreadyActive) {
		logger.Info().Int("account_id", v.Account.ID).Msg("account already has a session")
		return AlreadyLoggedIn{}
	}
	if err != nil {
		logger.Error().Err(err).Int("account_id", v.Account.ID).Msg("failed to register pending login")
		return StoreUnavailable{Err: err}
	}

	logger.Info().Int("account_id", v.Account.ID).Int("characters", len(chars)).Msg("login accepted")
	return Success{Account: v.Account, Hwid: hwid, Characters: chars, Lease: lease}
}

// clearTempBan resets an elapsed temporary ban. The login is already
// allowed at this point, so a failed write is only logged and retried on
// the next login.
func (s *Service) clearTempBan(ctx context.Context, logger zerolog.Logger, accountID int, now time.Time) {
	_, err := s.call(ctx, func(ctx context.Context) (bool, error) {
		return true, s.store.ClearTempBan(ctx, accountID, now)
	})
	if err != nil {
		logger.Warn().Err(err).Int("account_id", accountID).Msg("failed to clear elapsed temporary ban")
	}
}

func (s *Service) verify(ctx context.Context, req Request, hwid session.Hwid) (account.Verification, error) {
	return callValue(ctx, s.policy.StoreTimeout, func(ctx context.Context) (account.Verification, error) {
		return s.store.VerifyCredentials(ctx, req.Name, req.Password, hwid.String())
	})
}

// autoRegister creates the account and verifies once more. A name taken
// by a concurrent registration is left to the second verification.
func (s *Service) autoRegister(ctx context.Context, req Request, hwid session.Hwid) (account.Verification, error) {
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return account.Verification{}, err
	}
	id, err := callValue(ctx, s.policy.StoreTimeout, func(ctx context.Context) (int, error) {
		return s.store.RegisterAccount(ctx, req.Name, hash, account.DefaultRegistration())
	})
	if err != nil && !errors.Is(err, account.ErrNameTaken) {
		return account.Verification{Account: account.Account{ID: -1}}, err
	}
	if err == nil {
		s.logger.Info().Str("account", req.Name).Int("account_id", id).Msg("auto-registered account")
	}
	return s.verify(ctx, req, hwid)
}

// migrate upgrades a legacy hash. With migration disabled the legacy
// match is accepted as is.
func (s *Service) migrate(ctx context.Context, req Request, hwid session.Hwid, v account.Verification) (account.Verification, error) {
	if !s.policy.HashMigration {
		v.Result = termsResult(v.Account)
		return v, nil
	}

	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return v, err
	}
	_, err = s.call(ctx, func(ctx context.Context) (bool, error) {
		return true, s.store.Rehash(ctx, v.Account.ID, hash)
	})
	if err != nil {
		return v, err
	}

	migrated, err := s.verify(ctx, req, hwid)
	if err != nil {
		return v, err
	}
	if migrated.Result == account.ResultNeedsMigration {
		// The store still sees a legacy hash; do not leak the sentinel.
		migrated.Result = termsResult(migrated.Account)
	}
	s.logger.Info().Int("account_id", v.Account.ID).Msg("migrated password hash")
	return migrated, nil
}

func termsResult(a account.Account) account.Result {
	if a.TermsAccepted {
		return account.ResultOK
	}
	return account.ResultMustAcceptTerms
}

func (s *Service) call(ctx context.Context, fn func(context.Context) (bool, error)) (bool, error) {
	return callValue(ctx, s.policy.StoreTimeout, fn)
}

type result[T any] struct {
	value T
	err   error
}

// callValue runs fn under a deadline of timeout and returns when either
// fn finishes or the deadline passes, whichever is first. A result that
// is already available wins over the deadline.
func callValue[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(ctx)
		done <- result[T]{value: v, err: err}
	}()

	select {
	case r := <-done:
		return r.value, r.err
	case <-ctx.Done():
		select {
		case r := <-done:
			return r.value, r.err
		default:
		}
		var zero T
		return zero, ctx.Err()
	}
}
