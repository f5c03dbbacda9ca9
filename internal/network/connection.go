// Package network accepts client sockets and drives each one through the
// gateway: frames in, replies out, cleanup on close.
package network

import (
	"errors"
	"fmt"
	"net"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/gatekeeper/internal/gateway"
	"github.com/energizer-project/gatekeeper/internal/protocol"
)

// writeTimeout bounds a single reply write.
const writeTimeout = 10 * time.Second

var errConnectionClosed = errors.New("connection is closed")

// Connection wraps one client socket. Reads happen on the connection's own
// goroutine; writes may come from the handler and the keepalive pinger.
type Connection struct {
	id      uint64
	conn    net.Conn
	reader  *protocol.FrameReader
	replies *protocol.Registry
	logger  zerolog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool

	clientMu sync.Mutex
	client   *gateway.Client
}

// NewConnection wraps an existing net.Conn. Requests are decoded with
// requests and replies encoded with replies.
func NewConnection(conn net.Conn, requests, replies *protocol.Registry) *Connection {
	return &Connection{
		conn:    conn,
		reader:  protocol.NewFrameReader(conn, requests),
		replies: replies,
		logger:  log.With().Str("component", "connection").Str("remote", conn.RemoteAddr().String()).Logger(),
	}
}

// ID is assigned when the connection is registered.
func (c *Connection) ID() uint64 {
	return c.id
}

// SetClient attaches the gateway state driven by this connection.
func (c *Connection) SetClient(client *gateway.Client) {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	c.client = client
}

// Client returns the attached gateway state, or nil before the handshake.
func (c *Connection) Client() *gateway.Client {
	c.clientMu.Lock()
	defer c.clientMu.Unlock()
	return c.client
}

// ReadMessage blocks until one whole request is decoded or the timeout
// passes without data.
func (c *Connection) ReadMessage(timeout time.Duration) (protocol.Message, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return protocol.Message{}, err
		}
	}
	return c.reader.Next()
}

// WriteMessage encodes and sends one reply.
func (c *Connection) WriteMessage(msg protocol.Message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return errConnectionClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if err := protocol.WriteFrame(c.conn, c.replies, msg); err != nil {
		return fmt.Errorf("failed to write reply: %w", err)
	}
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (c *Connection) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.logger.Debug().Msg("connection closed")
	return c.conn.Close()
}

// IsClosed returns whether the connection has been closed.
func (c *Connection) IsClosed() bool {
	return c.closed.Load()
}

// RemoteAddr returns the remote address of the connection.
func (c *Connection) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// ConnectionRegistry tracks live client connections.
type ConnectionRegistry struct {
	mu     sync.RWMutex
	conns  map[uint64]*Connection
	nextID uint64
}

// NewConnectionRegistry creates a new ConnectionRegistry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns: make(map[uint64]*Connection),
	}
}

// Register adds a connection and assigns its id.
func (r *ConnectionRegistry) Register(conn *Connection) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	conn.id = r.nextID
	r.conns[conn.id] = conn
	return conn.id
}

// Unregister closes and removes a connection.
func (r *ConnectionRegistry) Unregister(id uint64) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if ok {
		_ = conn.Close()
	}
}

// Count returns the number of live connections.
func (r *ConnectionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Clients returns the gateway view of every live connection, oldest first.
func (r *ConnectionRegistry) Clients() []gateway.ClientInfo {
	r.mu.RLock()
	out := make([]gateway.ClientInfo, 0, len(r.conns))
	for _, conn := range r.conns {
		if client := conn.Client(); client != nil {
			out = append(out, client.Info())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ConnectedAt.Before(out[j].ConnectedAt) })
	return out
}

// CloseAll closes every connection. Their handler goroutines then run the
// usual disconnect cleanup.
func (r *ConnectionRegistry) CloseAll() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	if len(conns) > 0 {
		log.Info().Int("connections", len(conns)).Msg("all connections closed")
	}
}
