// ABOUTME: WebSocket connection wrapper with serialized writes and activity tracking
// ABOUTME: Implements registry.Sink so the conversation registry can fan out to it

package gateway

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/crewhq/crew-gateway/internal/envelope"
)

// Conn wraps a single WebSocket connection. Writes are serialized
// through a mutex because gorilla/websocket permits only one
// concurrent writer per connection.
type Conn struct {
	id      string
	userID  int64
	agentID int64 // non-zero when the connection speaks for an agent

	sock    *websocket.Conn
	writeMu sync.Mutex

	lastActivity atomic.Int64 // unix nanos
	closed       atomic.Bool

	logger *slog.Logger
}

func newConn(sock *websocket.Conn, userID, agentID int64, logger *slog.Logger) *Conn {
	c := &Conn{
		id:      uuid.New().String(),
		userID:  userID,
		agentID: agentID,
		sock:    sock,
		logger:  logger,
	}
	c.touch()
	return c
}

// ID returns the connection's unique identifier.
func (c *Conn) ID() string {
	return c.id
}

// ActorID returns the participant this connection represents: the
// agent ID for agent-bound connections, the user ID otherwise.
func (c *Conn) ActorID() int64 {
	if c.agentID != 0 {
		return c.agentID
	}
	return c.userID
}

func (c *Conn) agentBound() bool {
	return c.agentID != 0
}

// WriteEnvelope encodes env and sends it as a single text frame.
func (c *Conn) WriteEnvelope(env *envelope.Envelope) error {
	if c.closed.Load() {
		return fmt.Errorf("connection %s: closed", c.id)
	}

	data, err := env.Encode()
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("writing to connection %s: %w", c.id, err)
	}
	return nil
}

func (c *Conn) touch() {
	c.lastActivity.Store(time.Now().UnixNano())
}

func (c *Conn) idleFor() time.Duration {
	return time.Since(time.Unix(0, c.lastActivity.Load()))
}

// close tears down the underlying socket. Safe to call more than once.
func (c *Conn) close() {
	if c.closed.Swap(true) {
		return
	}
	if err := c.sock.Close(); err != nil {
		c.logger.Debug("closing websocket", "connection_id", c.id, "error", err)
	}
}
