package network

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gatekeeper/internal/gateway"
	"github.com/energizer-project/gatekeeper/internal/protocol"
)

// Options configure a Listener.
type Options struct {
	Address string
	Port    int
	// ReadTimeout drops a client that sent nothing for this long.
	ReadTimeout time.Duration
	// PingInterval is how often idle clients are probed. Zero disables it.
	PingInterval time.Duration
	// MaxConnections caps concurrent clients. Zero means unlimited.
	MaxConnections int
}

// DefaultOptions returns listener defaults.
func DefaultOptions() Options {
	return Options{
		Address:      "0.0.0.0",
		Port:         8484,
		ReadTimeout:  60 * time.Second,
		PingInterval: 15 * time.Second,
	}
}

// Listener accepts client connections and serves each on its own
// goroutine. Requests on a connection are handled strictly in order.
type Listener struct {
	opts     Options
	gw       *gateway.Gateway
	registry *ConnectionRegistry
	requests *protocol.Registry
	replies  *protocol.Registry
	logger   zerolog.Logger

	listener net.Listener
	wg       sync.WaitGroup
}

// NewListener creates a listener that dispatches to gw.
func NewListener(opts Options, gw *gateway.Gateway) *Listener {
	return &Listener{
		opts:     opts,
		gw:       gw,
		registry: NewConnectionRegistry(),
		requests: protocol.RequestRegistry(),
		replies:  protocol.ReplyRegistry(),
		logger:   log.With().Str("component", "listener").Logger(),
	}
}

// Registry returns the live connection registry.
func (l *Listener) Registry() *ConnectionRegistry {
	return l.registry
}

// Listen binds the socket. Port 0 picks a free port; see Addr.
func (l *Listener) Listen(ctx context.Context) error {
	addr := net.JoinHostPort(l.opts.Address, fmt.Sprint(l.opts.Port))
	lc := ListenConfig(30 * time.Second)

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start listener on %s: %w", addr, err)
	}
	l.listener = ln
	l.logger.Info().Str("addr", ln.Addr().String()).Msg("login listener started")
	return nil
}

// Addr returns the bound address. Only valid after Listen.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}

// Start binds and serves until ctx is cancelled.
func (l *Listener) Start(ctx context.Context) error {
	if err := l.Listen(ctx); err != nil {
		return err
	}
	return l.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled, then closes every
// client and waits for their cleanup to finish.
func (l *Listener) Serve(ctx context.Context) error {
	if l.listener == nil {
		return errors.New("listener not bound")
	}

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		l.listener.Close()
	}()
	defer close(stop)

	defer func() {
		l.registry.CloseAll()
		l.wg.Wait()
		l.logger.Info().Msg("login listener stopped")
	}()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			l.logger.Error().Err(err).Msg("failed to accept connection")
			continue
		}

		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConnection(ctx, conn)
		}()
	}
}

// handleConnection serves one client until it disconnects, idles out,
// sends an undecodable frame or the gateway asks to close.
func (l *Listener) handleConnection(ctx context.Context, rawConn net.Conn) {
	conn := NewConnection(rawConn, l.requests, l.replies)
	remote := rawConn.RemoteAddr().String()
	logger := l.logger.With().Str("remote", remote).Logger()

	if l.opts.MaxConnections > 0 && l.registry.Count() >= l.opts.MaxConnections {
		logger.Warn().Int("max", l.opts.MaxConnections).Msg("connection limit reached, refusing client")
		_ = conn.WriteMessage(protocol.BuildLoginFailed(protocol.ReasonTooManyConns))
		_ = conn.Close()
		return
	}

	id := l.registry.Register(conn)
	defer l.registry.Unregister(id)

	client := l.gw.Connect(ctx, remote)
	conn.SetClient(client)
	defer l.gw.Disconnect(client)

	if l.opts.PingInterval > 0 {
		done := make(chan struct{})
		var pinger sync.WaitGroup
		pinger.Add(1)
		go func() {
			defer pinger.Done()
			l.keepAlive(conn, done)
		}()
		defer func() {
			close(done)
			pinger.Wait()
		}()
	}

	logger.Debug().Msg("client connected")

	for {
		msg, err := conn.ReadMessage(l.opts.ReadTimeout)
		if err != nil {
			l.readFailed(ctx, conn, client, logger, err)
			return
		}

		resp, err := l.gw.Handle(ctx, client, msg)
		if err != nil {
			l.gw.ReportProtocolError(ctx, client, err)
			return
		}

		for _, reply := range resp.Replies {
			if err := conn.WriteMessage(reply); err != nil {
				logger.Warn().Err(err).Uint16("opcode", reply.Opcode).Msg("write failed, closing connection")
				return
			}
		}
		if resp.Close {
			logger.Debug().Msg("closing connection after reply")
			return
		}
	}
}

func (l *Listener) readFailed(ctx context.Context, conn *Connection, client *gateway.Client, logger zerolog.Logger, err error) {
	var netErr net.Error
	switch {
	case protocol.IsProtocolError(err):
		l.gw.ReportProtocolError(ctx, client, err)
	case conn.IsClosed(), errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
		logger.Debug().Msg("client disconnected")
	case errors.As(err, &netErr) && netErr.Timeout():
		logger.Info().Dur("timeout", l.opts.ReadTimeout).Msg("client idle, closing connection")
	default:
		logger.Warn().Err(err).Msg("read error, closing connection")
	}
}

// keepAlive sends a ping every PingInterval until done is closed or a
// write fails.
func (l *Listener) keepAlive(conn *Connection, done <-chan struct{}) {
	ticker := time.NewTicker(l.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteMessage(protocol.BuildPing()); err != nil {
				return
			}
		}
	}
}
