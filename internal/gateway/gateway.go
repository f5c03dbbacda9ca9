// Package gateway turns decoded client requests into replies. It owns the
// per-connection login state and is the only place where login outcomes,
// routing failures and coordinator results become wire codes.
package gateway

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gatekeeper/internal/account"
	"github.com/energizer-project/gatekeeper/internal/dependencies/clock"
	"github.com/energizer-project/gatekeeper/internal/events"
	"github.com/energizer-project/gatekeeper/internal/login"
	"github.com/energizer-project/gatekeeper/internal/protocol"
	"github.com/energizer-project/gatekeeper/internal/session"
	"github.com/energizer-project/gatekeeper/internal/world"
)

// Options tune gateway behaviour.
type Options struct {
	// CloseOnBan drops the connection after a ban reply.
	CloseOnBan bool
	// CallTimeout bounds store and coordinator calls made by the gateway.
	CallTimeout time.Duration
	// CleanupTimeout bounds the disconnect cleanup.
	CleanupTimeout time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		CloseOnBan:     true,
		CallTimeout:    5 * time.Second,
		CleanupTimeout: 5 * time.Second,
	}
}

// Deps are the collaborators of a Gateway.
type Deps struct {
	Store       account.Store
	Coordinator session.Coordinator
	Router      *world.Router
	Login       *login.Service
	Bus         *events.EventBus
	Clock       clock.Clock
}

// Gateway dispatches client requests. It is safe for concurrent use; each
// Client must only be driven from a single goroutine.
type Gateway struct {
	deps   Deps
	opts   Options
	logger zerolog.Logger
}

// New creates a Gateway.
func New(deps Deps, opts Options) *Gateway {
	def := DefaultOptions()
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = def.CleanupTimeout
	}
	return &Gateway{
		deps:   deps,
		opts:   opts,
		logger: log.With().Str("component", "gateway").Logger(),
	}
}

// Response is what the connection should do after a request.
type Response struct {
	Replies []protocol.Message
	Close   bool
}

func reply(msgs ...protocol.Message) Response {
	return Response{Replies: msgs}
}

func closing(msgs ...protocol.Message) Response {
	return Response{Replies: msgs, Close: true}
}

// Client is the login state of one connection.
type Client struct {
	mu sync.Mutex

	remote      string
	connectedAt time.Time
	lastSeen    time.Time

	accountID   int
	accountName string
	hwid        session.Hwid
	// pending: this connection owns the account's PendingLogin record,
	// identified by lease.
	pending bool
	lease   string
	// handedOff: the account moved to a channel from this connection.
	handedOff bool

	logger zerolog.Logger
}

// ClientInfo is a read-only view of a Client.
type ClientInfo struct {
	Remote      string    `json:"remote"`
	AccountID   int       `json:"account_id,omitempty"`
	Account     string    `json:"account,omitempty"`
	Pending     bool      `json:"pending"`
	HandedOff   bool      `json:"handed_off"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}

// Info returns a snapshot of the client's state.
func (c *Client) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		Remote:      c.remote,
		AccountID:   c.accountID,
		Account:     c.accountName,
		Pending:     c.pending,
		HandedOff:   c.handedOff,
		ConnectedAt: c.connectedAt,
		LastSeen:    c.lastSeen,
	}
}

func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	c.lastSeen = now
	c.mu.Unlock()
}

// Connect registers a new client connection from remote.
func (g *Gateway) Connect(ctx context.Context, remote string) *Client {
	now := g.deps.Clock.Now()
	c := &Client{
		remote:      remote,
		connectedAt: now,
		lastSeen:    now,
		logger:      g.logger.With().Str("remote", remote).Logger(),
	}
	g.emit(ctx, events.EventClientConnected, events.ClientPayload{Remote: remote})
	return c
}

// Disconnect releases whatever the client still holds. It runs on a fresh
// context so cleanup happens even when the connection context is gone.
func (g *Gateway) Disconnect(c *Client) {
	ctx, cancel := context.WithTimeout(context.Background(), g.opts.CleanupTimeout)
	defer cancel()

	c.mu.Lock()
	pending, accountID, lease := c.pending, c.accountID, c.lease
	c.pending = false
	c.mu.Unlock()

	if pending {
		if err := g.deps.Coordinator.UnregisterLoginState(ctx, accountID, lease); err != nil {
			c.logger.Error().Err(err).Int("account_id", accountID).Msg("failed to release pending login")
		} else {
			c.logger.Debug().Int("account_id", accountID).Msg("released pending login")
		}
	}

	g.emit(context.Background(), events.EventClientDisconnected, events.ClientPayload{Remote: c.remote, AccountID: accountID})
}

// Handle processes one decoded request.
func (g *Gateway) Handle(ctx context.Context, c *Client, msg protocol.Message) (Response, error) {
	c.touch(g.deps.Clock.Now())

	switch msg.Opcode {
	case protocol.OpLoginPassword:
		req, err := protocol.ParseLoginPassword(msg)
		if err != nil {
			return Response{}, err
		}
		return g.handleLogin(ctx, c, req), nil

	case protocol.OpServerStatusRequest:
		worldID, err := protocol.ParseServerStatusRequest(msg)
		if err != nil {
			return Response{}, err
		}
		return g.handleServerStatus(worldID), nil

	case protocol.OpCharSelectWithPic:
		req, err := protocol.ParseCharSelectWithPic(msg)
		if err != nil {
			return Response{}, err
		}
		return g.handleCharSelect(ctx, c, req), nil

	case protocol.OpPong:
		return Response{}, nil
	}

	return Response{}, &protocol.ProtocolError{
		Opcode: msg.Opcode,
		Detail: "no handler",
		Err:    protocol.ErrUnknownOpcode,
	}
}

// ReportProtocolError records a connection that is dropped for bad input.
func (g *Gateway) ReportProtocolError(ctx context.Context, c *Client, err error) {
	var perr *protocol.ProtocolError
	payload := events.ProtocolErrorPayload{Remote: c.remote, Detail: err.Error()}
	if errors.As(err, &perr) {
		payload.Opcode = perr.Opcode
	}
	c.logger.Warn().Err(err).Msg("protocol error, dropping connection")
	g.emit(ctx, events.EventProtocolError, payload)
}

func (g *Gateway) handleLogin(ctx context.Context, c *Client, req protocol.LoginPasswordRequest) Response {
	c.mu.Lock()
	busy := c.pending || c.handedOff
	c.mu.Unlock()
	if busy {
		return reply(protocol.BuildLoginFailed(protocol.ReasonAlreadyLoggedIn))
	}

	outcome := g.deps.Login.Login(ctx, login.Request{
		Name:       req.Name,
		Password:   req.Password,
		HwidHex:    session.HwidFromNibbles(req.Hwid),
		RemoteAddr: c.remote,
	})

	payload := events.LoginPayload{Account: req.Name, Remote: c.remote, Outcome: outcome.Kind()}
	if s, ok := outcome.(login.Success); ok {
		payload.AccountID = s.Account.ID
		c.mu.Lock()
		c.accountID = s.Account.ID
		c.accountName = s.Account.Name
		c.hwid = s.Hwid
		c.pending = true
		c.lease = s.Lease
		c.logger = c.logger.With().Str("account", s.Account.Name).Logger()
		c.mu.Unlock()
	}
	g.emit(ctx, events.EventLoginAttempt, payload)

	resp := reply(LoginReply(outcome))
	if login.IsBan(outcome) && g.opts.CloseOnBan {
		resp.Close = true
	}
	return resp
}

// LoginReply maps a login outcome to its wire reply.
func LoginReply(o login.Outcome) protocol.Message {
	switch o := o.(type) {
	case login.Success:
		chars := len(o.Characters)
		if chars > 255 {
			chars = 255
		}
		return protocol.BuildAuthSuccess(protocol.AuthInfo{
			AccountID:  uint32(o.Account.ID),
			Gender:     o.Account.Gender,
			GMLevel:    o.Account.GMLevel,
			Name:       o.Account.Name,
			Characters: uint8(chars),
		})
	case login.BadConnection:
		return protocol.BuildLoginFailed(protocol.ReasonBadConnection)
	case login.InvalidIdentity:
		return protocol.BuildLoginFailed(protocol.ReasonIdentityMismatch)
	case login.StoreUnavailable:
		return protocol.BuildLoginFailed(protocol.ReasonSystemError)
	case login.NotRegistered:
		return protocol.BuildLoginFailed(protocol.ReasonNotRegistered)
	case login.WrongPassword:
		return protocol.BuildLoginFailed(protocol.ReasonWrongPassword)
	case login.PermBanned:
		return protocol.BuildPermBan(o.Reason)
	case login.AddressBanned:
		return protocol.BuildLoginFailed(protocol.ReasonBanned)
	case login.TempBanned:
		return protocol.BuildTempBan(o.Until, o.Reason)
	case login.MustAcceptTerms:
		return protocol.BuildLoginFailed(protocol.ReasonMustAcceptTerms)
	case login.AlreadyLoggedIn, login.FinishFailed:
		return protocol.BuildLoginFailed(protocol.ReasonAlreadyLoggedIn)
	case login.Rejected:
		if o.Code <= 0 || o.Code > 255 {
			return protocol.BuildLoginFailed(protocol.ReasonUnknown)
		}
		return protocol.BuildLoginFailed(byte(o.Code))
	}
	return protocol.BuildLoginFailed(protocol.ReasonUnknown)
}

func (g *Gateway) handleServerStatus(worldID int) Response {
	// An unknown world reports FULL.
	status, _ := g.deps.Router.CapacityStatus(worldID)
	return reply(protocol.BuildServerStatus(wireStatus(status)))
}

func wireStatus(s world.Status) uint16 {
	switch s {
	case world.StatusOK:
		return protocol.StatusNormal
	case world.StatusAlert:
		return protocol.StatusAlert
	default:
		return protocol.StatusFull
	}
}

// AttemptErrorCode maps a failed coordinator attempt to its after-login
// error code.
func AttemptErrorCode(r session.AttemptResult) uint16 {
	switch r {
	case session.AttemptRemoteProcessing:
		return protocol.AfterLoginProcessing
	case session.AttemptRemoteLoggedIn:
		return protocol.AfterLoginLoggedIn
	case session.AttemptRemoteNoMatch:
		return protocol.AfterLoginIdentityMismatch
	case session.AttemptCoordinatorError:
		return protocol.AfterLoginCoordinatorError
	default:
		return protocol.AfterLoginGeneric
	}
}

func (g *Gateway) handleCharSelect(ctx context.Context, c *Client, req protocol.CharSelectRequest) Response {
	hwid, err := session.ParseHostString(req.HostString)
	if err != nil {
		c.logger.Warn().Err(err).Str("host_string", req.HostString).Msg("invalid host string")
		return reply(protocol.BuildAfterLoginError(protocol.AfterLoginIdentityMismatch))
	}

	c.mu.Lock()
	pending, accountID := c.pending, c.accountID
	c.mu.Unlock()
	if !pending {
		c.logger.Warn().Int("character_id", req.CharacterID).Msg("character select without a login, dropping")
		return closing()
	}

	logger := c.logger.With().Int("account_id", accountID).Int("character_id", req.CharacterID).Logger()
	handoff := events.HandoffPayload{AccountID: accountID, CharacterID: req.CharacterID}
	fail := func(result string, msg protocol.Message) Response {
		handoff.Result = result
		g.emit(ctx, events.EventSessionHandoff, handoff)
		return reply(msg)
	}

	// The world comes from the character row, never from the client.
	worldID, err := withTimeout(ctx, g.opts.CallTimeout, func(ctx context.Context) (int, error) {
		return g.deps.Store.GetCharacterWorld(ctx, accountID, req.CharacterID)
	})
	if errors.Is(err, account.ErrNotFound) {
		logger.Warn().Msg("character not owned by account, closing session")
		g.forceClose(ctx, c, accountID, "character_not_owned")
		return closing()
	}
	if err != nil {
		logger.Error().Err(err).Msg("character lookup failed")
		return fail("store_unavailable", protocol.BuildAfterLoginError(protocol.AfterLoginCoordinatorError))
	}
	handoff.World = worldID

	channel, err := g.deps.Router.SelectChannel(worldID)
	if err != nil {
		logger.Info().Err(err).Int("world", worldID).Msg("no channel available")
		return fail("world_unavailable", protocol.BuildAfterLoginError(protocol.AfterLoginProcessing))
	}
	handoff.Channel = channel

	ok, err := withTimeout(ctx, g.opts.CallTimeout, func(ctx context.Context) (bool, error) {
		return g.deps.Store.CheckPic(ctx, accountID, req.Pic)
	})
	if err != nil {
		logger.Error().Err(err).Msg("pic check failed")
		return fail("store_unavailable", protocol.BuildAfterLoginError(protocol.AfterLoginCoordinatorError))
	}
	if !ok {
		return fail("wrong_pic", protocol.BuildWrongPic())
	}

	host, port, err := g.deps.Router.ResolveEndpoint(worldID, channel)
	ip := net.ParseIP(host).To4()
	if err != nil || ip == nil {
		logger.Warn().Err(err).Int("world", worldID).Int("channel", channel).Msg("channel endpoint unavailable")
		return fail("channel_unavailable", protocol.BuildAfterLoginError(protocol.AfterLoginProcessing))
	}

	if err := g.deps.Router.Admit(worldID, channel); err != nil {
		return fail("channel_full", protocol.BuildAfterLoginError(protocol.AfterLoginProcessing))
	}

	result, err := withTimeout(ctx, g.opts.CallTimeout, func(ctx context.Context) (session.AttemptResult, error) {
		return g.deps.Coordinator.AttemptGameSession(ctx, session.AttemptRequest{
			AccountID: accountID,
			Hwid:      hwid,
			World:     worldID,
			Channel:   channel,
		})
	})
	if err != nil && result == session.AttemptSuccess {
		result = session.AttemptCoordinatorError
	}
	if result != session.AttemptSuccess {
		_ = g.deps.Router.Release(worldID, channel)
		logger.Info().Err(err).Str("result", result.String()).Msg("game session refused")
		return fail(result.String(), protocol.BuildAfterLoginError(AttemptErrorCode(result)))
	}

	c.mu.Lock()
	c.pending = false
	c.handedOff = true
	c.hwid = hwid
	c.mu.Unlock()

	handoff.Result = result.String()
	g.emit(ctx, events.EventSessionHandoff, handoff)
	logger.Info().Int("world", worldID).Int("channel", channel).Msg("handing off to channel")

	return reply(protocol.BuildServerIP(ip, uint16(port), uint32(req.CharacterID)))
}

func (g *Gateway) forceClose(ctx context.Context, c *Client, accountID int, reason string) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.opts.CleanupTimeout)
	defer cancel()

	if err := g.deps.Coordinator.CloseSession(cctx, accountID, true); err != nil {
		c.logger.Error().Err(err).Int("account_id", accountID).Msg("forced session close failed")
	}
	c.mu.Lock()
	c.pending = false
	c.mu.Unlock()

	g.emit(ctx, events.EventSessionClosed, events.SessionClosedPayload{AccountID: accountID, Forced: true, Reason: reason})
}

func (g *Gateway) emit(ctx context.Context, t events.EventType, payload interface{}) {
	if g.deps.Bus == nil {
		return
	}
	g.deps.Bus.Emit(ctx, events.New(t, "gateway", payload))
}

// withTimeout runs fn under a deadline derived from ctx.
func withTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return fn(ctx)
}
