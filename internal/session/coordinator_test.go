package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/energizer-project/gatekeeper/internal/dependencies/mocks"
)

var (
	hwidA = mustHwid("DEADBEEF")
	hwidB = mustHwid("CAFEBABE")
)

func mustHwid(s string) Hwid {
	h, err := ParseHwid(s)
	if err != nil {
		panic(err)
	}
	return h
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.InstanceID = "login-test"
	cfg.PendingTTL = time.Minute
	cfg.ActiveTTL = 5 * time.Minute
	cfg.LockTTL = 5 * time.Second
	return cfg
}

// coordinatorSuite holds behaviour every Coordinator must share. Backend
// suites embed it and fill in coord and expire.
type coordinatorSuite struct {
	suite.Suite
	ctx    context.Context
	clock  *mocks.MockClock
	cfg    Config
	coord  Coordinator
	expire func(d time.Duration)
}

func (s *coordinatorSuite) setupCommon() {
	s.ctx = context.Background()
	s.clock = mocks.NewMockClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s.cfg = testConfig()
}

// register creates a pending login and returns its lease.
func (s *coordinatorSuite) register(accountID int, hwid Hwid) string {
	lease, err := s.coord.RegisterPendingLogin(s.ctx, accountID, hwid)
	s.Require().NoError(err)
	s.Require().NotEmpty(lease)
	return lease
}

func (s *coordinatorSuite) TestRegisterRejectsSecondLogin() {
	s.register(1, hwidA)

	lease, err := s.coord.RegisterPendingLogin(s.ctx, 1, hwidB)
	s.ErrorIs(err, ErrAlreadyActive)
	s.Empty(lease)

	rec, err := s.coord.Lookup(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(StatePendingLogin, rec.State)
	s.Equal(hwidA.String(), rec.Hwid)
	s.Equal("login-test", rec.Instance)
}

func (s *coordinatorSuite) TestConcurrentRegisterExactlyOneWins() {
	const callers = 32
	var wins, conflicts atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.coord.RegisterPendingLogin(s.ctx, 7, hwidA)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrAlreadyActive):
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), wins.Load())
	s.Equal(int32(callers-1), conflicts.Load())
}

func (s *coordinatorSuite) TestAttemptPromotesPendingLogin() {
	s.register(1, hwidA)

	result, err := s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidA, World: 0, Channel: 2})
	s.Require().NoError(err)
	s.Equal(AttemptSuccess, result)

	rec, err := s.coord.Lookup(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(StateActive, rec.State)
	s.Equal(2, rec.Channel)
}

func (s *coordinatorSuite) TestAttemptWithoutPendingIsCoordinatorError() {
	result, err := s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidA})
	s.Equal(AttemptCoordinatorError, result)
	s.ErrorIs(err, ErrNoSession)
}

func (s *coordinatorSuite) TestAttemptHwidMismatchLeavesRecord() {
	s.register(1, hwidA)

	result, err := s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidB})
	s.Require().NoError(err)
	s.Equal(AttemptRemoteNoMatch, result)

	rec, err := s.coord.Lookup(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(StatePendingLogin, rec.State)
	s.Equal(hwidA.String(), rec.Hwid)

	// The rightful client can still complete.
	result, err = s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidA})
	s.Require().NoError(err)
	s.Equal(AttemptSuccess, result)
}

func (s *coordinatorSuite) TestAttemptWhenAlreadyActive() {
	s.register(1, hwidA)
	_, err := s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidA})
	s.Require().NoError(err)

	result, err := s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidA})
	s.Require().NoError(err)
	s.Equal(AttemptRemoteLoggedIn, result)
}

func (s *coordinatorSuite) TestUnregisterFreesSlotForAnotherClient() {
	// Client A logs in, client B is turned away until A disconnects.
	leaseA := s.register(3, hwidA)
	_, err := s.coord.RegisterPendingLogin(s.ctx, 3, hwidB)
	s.ErrorIs(err, ErrAlreadyActive)

	s.Require().NoError(s.coord.UnregisterLoginState(s.ctx, 3, leaseA))
	s.register(3, hwidB)

	rec, err := s.coord.Lookup(s.ctx, 3)
	s.Require().NoError(err)
	s.Equal(hwidB.String(), rec.Hwid)
}

func (s *coordinatorSuite) TestStaleReleaseKeepsNewerPendingLogin() {
	// Client A's pending lease runs out while A is still connected.
	leaseA := s.register(1, hwidA)
	s.expire(s.cfg.PendingTTL + time.Second)

	leaseB := s.register(1, hwidB)
	s.NotEqual(leaseA, leaseB)

	// A disconnecting later must not release B's slot.
	s.Require().NoError(s.coord.UnregisterLoginState(s.ctx, 1, leaseA))

	rec, err := s.coord.Lookup(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(StatePendingLogin, rec.State)
	s.Equal(hwidB.String(), rec.Hwid)

	_, err = s.coord.RegisterPendingLogin(s.ctx, 1, hwidA)
	s.ErrorIs(err, ErrAlreadyActive)

	s.Require().NoError(s.coord.UnregisterLoginState(s.ctx, 1, leaseB))
	_, err = s.coord.Lookup(s.ctx, 1)
	s.ErrorIs(err, ErrNoSession)
}

func (s *coordinatorSuite) TestUnregisterLeavesActiveSession() {
	lease := s.register(1, hwidA)
	_, err := s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidA})
	s.Require().NoError(err)

	s.Require().NoError(s.coord.UnregisterLoginState(s.ctx, 1, lease))

	rec, err := s.coord.Lookup(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(StateActive, rec.State)
}

func (s *coordinatorSuite) TestUnregisterMissingIsNoop() {
	s.NoError(s.coord.UnregisterLoginState(s.ctx, 99, "login-test:1"))
}

func (s *coordinatorSuite) TestCloseSession() {
	s.register(1, hwidA)
	_, err := s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidA})
	s.Require().NoError(err)

	s.Require().NoError(s.coord.CloseSession(s.ctx, 1, false))
	_, err = s.coord.Lookup(s.ctx, 1)
	s.ErrorIs(err, ErrNoSession)

	s.ErrorIs(s.coord.CloseSession(s.ctx, 1, false), ErrNoSession)
	s.NoError(s.coord.CloseSession(s.ctx, 1, true))
	s.NoError(s.coord.CloseSession(s.ctx, 1, true))

	s.register(1, hwidA)
}

func (s *coordinatorSuite) TestRefreshOnlyActive() {
	s.register(1, hwidA)
	s.ErrorIs(s.coord.Refresh(s.ctx, 1), ErrNoSession)

	_, err := s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidA})
	s.Require().NoError(err)
	s.NoError(s.coord.Refresh(s.ctx, 1))

	s.ErrorIs(s.coord.Refresh(s.ctx, 2), ErrNoSession)
}

func (s *coordinatorSuite) TestPendingLeaseExpires() {
	s.register(1, hwidA)

	s.expire(s.cfg.PendingTTL + time.Second)

	_, err := s.coord.Lookup(s.ctx, 1)
	s.ErrorIs(err, ErrNoSession)
	s.register(1, hwidB)
}

func (s *coordinatorSuite) TestActiveLeaseExpiresWithoutRefresh() {
	s.register(1, hwidA)
	_, err := s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidA})
	s.Require().NoError(err)

	s.expire(s.cfg.ActiveTTL - time.Minute)
	s.Require().NoError(s.coord.Refresh(s.ctx, 1))

	s.expire(s.cfg.ActiveTTL - time.Minute)
	_, err = s.coord.Lookup(s.ctx, 1)
	s.NoError(err, "refreshed lease must still be live")

	s.expire(2 * time.Minute)
	_, err = s.coord.Lookup(s.ctx, 1)
	s.ErrorIs(err, ErrNoSession)
}

// Memory backend

type MemoryCoordinatorSuite struct {
	coordinatorSuite
	mem *MemoryCoordinator
}

func TestMemoryCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(MemoryCoordinatorSuite))
}

func (s *MemoryCoordinatorSuite) SetupTest() {
	s.setupCommon()
	s.mem = NewMemoryCoordinator(s.cfg, s.clock)
	s.coord = s.mem
	s.expire = s.clock.Advance
}

func (s *MemoryCoordinatorSuite) TestLenSkipsExpired() {
	s.register(1, hwidA)
	s.register(2, hwidA)
	s.Equal(2, s.mem.Len())

	s.clock.Advance(s.cfg.PendingTTL)
	s.Equal(0, s.mem.Len())
}

// Redis backend

type RedisCoordinatorSuite struct {
	coordinatorSuite
	mini  *miniredis.Miniredis
	redis *RedisCoordinator
}

func TestRedisCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(RedisCoordinatorSuite))
}

func (s *RedisCoordinatorSuite) SetupTest() {
	s.setupCommon()
	s.mini = miniredis.RunT(s.T())

	client := redis.NewClient(&redis.Options{
		Addr: s.mini.Addr(),
	})

	rnd := mocks.NewMockRandom()
	s.redis = NewRedisCoordinatorWithClient(client, s.cfg, s.clock, rnd)
	s.coord = s.redis
	s.expire = func(d time.Duration) {
		s.clock.Advance(d)
		s.mini.FastForward(d)
	}
}

func (s *RedisCoordinatorSuite) TearDownTest() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.mini != nil {
		s.mini.Close()
	}
}

func (s *RedisCoordinatorSuite) TestHeldTransitionLockReportsProcessing() {
	s.register(1, hwidA)
	s.Require().NoError(s.mini.Set(transitionLockKey(1), "login-other:token"))

	result, err := s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidA})
	s.Require().NoError(err)
	s.Equal(AttemptRemoteProcessing, result)

	rec, err := s.coord.Lookup(s.ctx, 1)
	s.Require().NoError(err)
	s.Equal(StatePendingLogin, rec.State)

	// A foreign lock is never released by us.
	s.True(s.mini.Exists(transitionLockKey(1)))
}

func (s *RedisCoordinatorSuite) TestTransitionLockReleasedAfterAttempt() {
	s.register(1, hwidA)

	_, err := s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidA})
	s.Require().NoError(err)
	s.False(s.mini.Exists(transitionLockKey(1)))
}

func (s *RedisCoordinatorSuite) TestRecordStoredAsHash() {
	s.register(12, hwidA)

	s.Equal("pending", s.mini.HGet(sessionKey(12), fieldState))
	s.Equal("DEADBEEF", s.mini.HGet(sessionKey(12), fieldHwid))
	s.Equal(s.cfg.PendingTTL, s.mini.TTL(sessionKey(12)))
	s.Equal("login-test:token-1", s.mini.HGet(sessionKey(12), fieldLease))
}

func (s *RedisCoordinatorSuite) TestBackendFailureIsCoordinatorError() {
	s.mini.Close()

	result, err := s.coord.AttemptGameSession(s.ctx, AttemptRequest{AccountID: 1, Hwid: hwidA})
	s.Equal(AttemptCoordinatorError, result)
	s.Error(err)
	s.NotErrorIs(err, ErrNoSession)

	_, err = s.coord.RegisterPendingLogin(s.ctx, 1, hwidA)
	s.Error(err)
	s.mini = nil
}
