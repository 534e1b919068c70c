package ws

import (
	"log/slog"
	"sync"

	"github.com/driftbyte/agent-gateway/internal/logger"
)

// Hub tracks live connections indexed by user. It owns membership only;
// stream subscriptions are pruned lazily when a send to a dead connection
// fails.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]map[*Connection]struct{}
	logger *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		byUser: make(map[string]map[*Connection]struct{}),
		logger: log.WithComponent("ws_hub"),
	}
}

// Register adds a connection under its user.
func (h *Hub) Register(conn *Connection) {
	h.mu.Lock()
	if h.byUser[conn.UserID()] == nil {
		h.byUser[conn.UserID()] = make(map[*Connection]struct{})
	}
	h.byUser[conn.UserID()][conn] = struct{}{}
	count := len(h.byUser[conn.UserID()])
	h.mu.Unlock()

	h.logger.Debug("connection registered",
		slog.String("connection_id", conn.Key()),
		slog.String("user_id", conn.UserID()),
		slog.Int("user_connections", count))
}

// Unregister removes a connection. Idempotent.
func (h *Hub) Unregister(conn *Connection) {
	h.mu.Lock()
	if conns, ok := h.byUser[conn.UserID()]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.byUser, conn.UserID())
		}
	}
	h.mu.Unlock()

	h.logger.Debug("connection unregistered",
		slog.String("connection_id", conn.Key()),
		slog.String("user_id", conn.UserID()))
}

// UserConnections returns a snapshot of the user's live connections.
func (h *Hub) UserConnections(userID string) []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()

	conns := make([]*Connection, 0, len(h.byUser[userID]))
	for conn := range h.byUser[userID] {
		conns = append(conns, conn)
	}
	return conns
}

// ConnectionCount returns the total number of registered connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	total := 0
	for _, conns := range h.byUser {
		total += len(conns)
	}
	return total
}
