package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/oops"

	"github.com/energizer-project/gatekeeper/internal/dependencies/clock"
	"github.com/energizer-project/gatekeeper/internal/dependencies/random"
)

// tokenBytes is the entropy of lease and lock tokens.
const tokenBytes = 8

// Session hash fields.
const (
	fieldAccount  = "account"
	fieldHwid     = "hwid"
	fieldState    = "state"
	fieldInstance = "instance"
	fieldWorld    = "world"
	fieldChannel  = "channel"
	fieldUpdated  = "updated"
	fieldLease    = "lease"
)

// registerScript creates a pending record only if none exists.
// KEYS[1] session key; ARGV: account, hwid, instance, updated, ttl ms, lease.
var registerScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'account', ARGV[1], 'hwid', ARGV[2], 'state', 'pending',
	'instance', ARGV[3], 'world', '0', 'channel', '0', 'updated', ARGV[4], 'lease', ARGV[6])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// promoteScript moves pending -> active when the hwid matches.
// Returns -1 missing, 1 promoted, 2 already active, 3 hwid mismatch.
// KEYS[1] session key; ARGV: hwid, instance, world, channel, updated, ttl ms.
var promoteScript = redis.NewScript(`
local state = redis.call('HGET', KEYS[1], 'state')
if not state then
	return -1
end
if state == 'active' then
	return 2
end
if redis.call('HGET', KEYS[1], 'hwid') ~= ARGV[1] then
	return 3
end
redis.call('HSET', KEYS[1], 'state', 'active', 'instance', ARGV[2],
	'world', ARGV[3], 'channel', ARGV[4], 'updated', ARGV[5])
redis.call('PEXPIRE', KEYS[1], ARGV[6])
return 1
`)

// releasePendingScript removes a pending record only for the holder of
// its lease. ARGV: lease.
var releasePendingScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') == 'pending' and redis.call('HGET', KEYS[1], 'lease') == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// refreshScript renews an active lease. ARGV: updated, ttl ms.
var refreshScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'state') ~= 'active' then
	return 0
end
redis.call('HSET', KEYS[1], 'updated', ARGV[1])
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return 1
`)

// unlockScript releases the transition lock only for its owner.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisCoordinator is a Coordinator shared by every login and channel
// instance through one Redis deployment. Each account is one hash key
// mutated only by Lua scripts, plus a short-lived transition lock.
type RedisCoordinator struct {
	client *redis.Client
	cfg    Config
	clock  clock.Clock
	random random.Random
	logger zerolog.Logger
}

var _ Coordinator = (*RedisCoordinator)(nil)

// NewRedisCoordinator connects to Redis and verifies the connection.
func NewRedisCoordinator(cfg Config, clk clock.Clock, rnd random.Random) (*RedisCoordinator, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, oops.Code("SESSION_BACKEND_CONFIG").With("url", cfg.URL).Wrap(err)
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(opts)

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, oops.Code("SESSION_BACKEND_UNAVAILABLE").With("url", cfg.URL).Wrap(err)
	}

	return NewRedisCoordinatorWithClient(client, cfg, clk, rnd), nil
}

// NewRedisCoordinatorWithClient wraps an existing client (for testing)
func NewRedisCoordinatorWithClient(client *redis.Client, cfg Config, clk clock.Clock, rnd random.Random) *RedisCoordinator {
	return &RedisCoordinator{
		client: client,
		cfg:    cfg,
		clock:  clk,
		random: rnd,
		logger: log.With().Str("component", "session_redis").Logger(),
	}
}

// Close closes the Redis connection
func (c *RedisCoordinator) Close() error {
	return c.client.Close()
}

// Ping checks that Redis answers.
func (c *RedisCoordinator) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCoordinator) backendErr(op string, accountID int, err error) error {
	return oops.Code("SESSION_BACKEND_FAILED").
		With("op", op).
		With("account_id", accountID).
		Wrap(err)
}

func (c *RedisCoordinator) now() string {
	return strconv.FormatInt(c.clock.Now().UnixMilli(), 10)
}

func (c *RedisCoordinator) token() string {
	return c.cfg.InstanceID + ":" + c.random.Token(tokenBytes)
}

func (c *RedisCoordinator) RegisterPendingLogin(ctx context.Context, accountID int, hwid Hwid) (string, error) {
	lease := c.token()
	created, err := registerScript.Run(ctx, c.client, []string{sessionKey(accountID)},
		accountID, hwid.String(), c.cfg.InstanceID, c.now(), c.cfg.PendingTTL.Milliseconds(), lease,
	).Int()
	if err != nil {
		return "", c.backendErr("register", accountID, err)
	}
	if created == 0 {
		return "", ErrAlreadyActive
	}
	return lease, nil
}

func (c *RedisCoordinator) AttemptGameSession(ctx context.Context, req AttemptRequest) (AttemptResult, error) {
	lockKey := transitionLockKey(req.AccountID)
	token := c.token()

	acquired, err := c.client.SetNX(ctx, lockKey, token, c.cfg.LockTTL).Result()
	if err != nil {
		return AttemptCoordinatorError, c.backendErr("lock", req.AccountID, err)
	}
	if !acquired {
		return AttemptRemoteProcessing, nil
	}
	defer func() {
		// ctx may already be cancelled here.
		unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := unlockScript.Run(unlockCtx, c.client, []string{lockKey}, token).Err(); err != nil {
			c.logger.Warn().Err(err).Int("account_id", req.AccountID).Msg("failed to release transition lock")
		}
	}()

	code, err := promoteScript.Run(ctx, c.client, []string{sessionKey(req.AccountID)},
		req.Hwid.String(), c.cfg.InstanceID, req.World, req.Channel, c.now(), c.cfg.ActiveTTL.Milliseconds(),
	).Int()
	if err != nil {
		return AttemptCoordinatorError, c.backendErr("promote", req.AccountID, err)
	}

	switch code {
	case 1:
		return AttemptSuccess, nil
	case 2:
		return AttemptRemoteLoggedIn, nil
	case 3:
		return AttemptRemoteNoMatch, nil
	case -1:
		return AttemptCoordinatorError, ErrNoSession
	default:
		return AttemptCoordinatorError, c.backendErr("promote", req.AccountID, fmt.Errorf("unexpected script result %d", code))
	}
}

func (c *RedisCoordinator) UnregisterLoginState(ctx context.Context, accountID int, lease string) error {
	err := releasePendingScript.Run(ctx, c.client, []string{sessionKey(accountID)}, lease).Err()
	if err != nil {
		return c.backendErr("unregister", accountID, err)
	}
	return nil
}

func (c *RedisCoordinator) CloseSession(ctx context.Context, accountID int, forced bool) error {
	removed, err := c.client.Del(ctx, sessionKey(accountID)).Result()
	if err != nil {
		return c.backendErr("close", accountID, err)
	}
	if removed == 0 && !forced {
		return ErrNoSession
	}
	return nil
}

func (c *RedisCoordinator) Refresh(ctx context.Context, accountID int) error {
	ok, err := refreshScript.Run(ctx, c.client, []string{sessionKey(accountID)},
		c.now(), c.cfg.ActiveTTL.Milliseconds(),
	).Int()
	if err != nil {
		return c.backendErr("refresh", accountID, err)
	}
	if ok == 0 {
		return ErrNoSession
	}
	return nil
}

func (c *RedisCoordinator) Lookup(ctx context.Context, accountID int) (Record, error) {
	values, err := c.client.HGetAll(ctx, sessionKey(accountID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Record{}, ErrNoSession
		}
		return Record{}, c.backendErr("lookup", accountID, err)
	}
	if len(values) == 0 {
		return Record{}, ErrNoSession
	}
	return recordFromHash(values)
}

func recordFromHash(values map[string]string) (Record, error) {
	account, err := strconv.Atoi(values[fieldAccount])
	if err != nil {
		return Record{}, oops.Code("SESSION_RECORD_CORRUPT").With("field", fieldAccount).Wrap(err)
	}
	world, _ := strconv.Atoi(values[fieldWorld])
	channel, _ := strconv.Atoi(values[fieldChannel])
	updated, _ := strconv.ParseInt(values[fieldUpdated], 10, 64)

	return Record{
		AccountID: account,
		Hwid:      values[fieldHwid],
		State:     State(values[fieldState]),
		Instance:  values[fieldInstance],
		World:     world,
		Channel:   channel,
		UpdatedAt: time.UnixMilli(updated),
		Lease:     values[fieldLease],
	}, nil
}
