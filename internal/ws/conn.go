package ws

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/driftbyte/agent-gateway/internal/streaming"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// ErrConnectionClosed is returned by Send after the connection is closed.
var ErrConnectionClosed = errors.New("connection closed")

// Connection is one client WebSocket. Outbound encoding is serialized by the
// write lock: any number of streams plus the dispatcher may call Send, but
// only one writer touches the socket at a time. The dispatcher's read loop
// is the sole reader.
type Connection struct {
	id     string
	userID string
	sock   *websocket.Conn

	writeMu sync.Mutex
	closed  atomic.Bool
}

// NewConnection wraps an upgraded socket for the authenticated user.
func NewConnection(userID string, sock *websocket.Conn) *Connection {
	return &Connection{
		id:     uuid.New().String(),
		userID: userID,
		sock:   sock,
	}
}

// Key identifies this connection in subscriber sets.
func (c *Connection) Key() string { return c.id }

// UserID returns the authenticated owner of the socket.
func (c *Connection) UserID() string { return c.userID }

// Send encodes one frame onto the socket. Safe for concurrent use; the
// write lock is released on every exit path.
func (c *Connection) Send(frame streaming.Frame) error {
	if c.closed.Load() {
		return ErrConnectionClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.sock.WriteJSON(frame)
}

// Close marks the connection closed and closes the socket. Later Send and
// subscribe attempts become no-ops. Idempotent.
func (c *Connection) Close() {
	if c.closed.Swap(true) {
		return
	}
	c.sock.Close()
}

// Closed reports whether Close has been called.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}
