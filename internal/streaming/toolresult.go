package streaming

import (
	"encoding/json"
	"sync"
)

// ToolResultRouter is the side channel for mcp_tool_result frames: the agent
// service asks a client to run a tool, tagged with a request ID, and the
// client's answer comes back over its WebSocket. The router hands that
// answer to whichever caller is waiting on the request ID.
type ToolResultRouter struct {
	mu      sync.Mutex
	waiters map[string]chan json.RawMessage
}

// NewToolResultRouter creates an empty router.
func NewToolResultRouter() *ToolResultRouter {
	return &ToolResultRouter{
		waiters: make(map[string]chan json.RawMessage),
	}
}

// Register creates a single-use waiter for the request ID. The caller must
// Unregister when done.
func (t *ToolResultRouter) Register(requestID string) <-chan json.RawMessage {
	ch := make(chan json.RawMessage, 1)

	t.mu.Lock()
	t.waiters[requestID] = ch
	t.mu.Unlock()

	return ch
}

// Unregister drops the waiter for the request ID. Idempotent.
func (t *ToolResultRouter) Unregister(requestID string) {
	t.mu.Lock()
	delete(t.waiters, requestID)
	t.mu.Unlock()
}

// Deliver routes a result to the registered waiter. Returns false when no
// waiter exists (late or duplicate result); the payload is then dropped.
func (t *ToolResultRouter) Deliver(requestID string, result json.RawMessage) bool {
	t.mu.Lock()
	ch, ok := t.waiters[requestID]
	if ok {
		delete(t.waiters, requestID)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}

	ch <- result
	return true
}
