package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftbyte/agent-gateway/internal/agent"
	"github.com/driftbyte/agent-gateway/internal/config"
	"github.com/driftbyte/agent-gateway/internal/logger"
	"github.com/driftbyte/agent-gateway/internal/store"
	"github.com/driftbyte/agent-gateway/internal/streaming"
	"github.com/gorilla/websocket"
)

// Client frame types.
const (
	clientFrameMessage       = "message"
	clientFrameSubscribe     = "subscribe"
	clientFrameStop          = "stop"
	clientFramePing          = "ping"
	clientFrameMCPToolResult = "mcp_tool_result"
)

// clientFrame is the superset of all inbound frame shapes.
type clientFrame struct {
	Type         string          `json:"type"`
	ChatID       string          `json:"chat_id,omitempty"`
	StreamID     string          `json:"stream_id,omitempty"`
	Content      string          `json:"content,omitempty"`
	Model        string          `json:"model,omitempty"`
	MetaInfo     string          `json:"meta_info,omitempty"`
	EnabledTools map[string]bool `json:"enabled_tools,omitempty"`
	RequestID    string          `json:"request_id,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
}

// ChatStore is the durable collaborator the dispatcher reads and writes.
type ChatStore interface {
	streaming.MessageStore
	GetChat(ctx context.Context, chatID string) (*store.Chat, error)
	ListMessages(ctx context.Context, chatID string) ([]store.Message, error)
	UpdateChatTitle(ctx context.Context, chatID, title string) error
}

// Dispatcher runs one read loop per connection, decoding client frames and
// routing them to the registry. It owns the message path: persist the user
// turn, create the stream, launch its runner, wire up subscribers.
type Dispatcher struct {
	hub         *Hub
	registry    *streaming.Registry
	store       ChatStore
	agentClient streaming.AgentCaller
	toolResults *streaming.ToolResultRouter

	adminUserID  string
	defaultModel string
	mcpServers   []config.MCPServer

	logger *logger.Logger
}

// NewDispatcher wires a dispatcher.
func NewDispatcher(
	hub *Hub,
	registry *streaming.Registry,
	chatStore ChatStore,
	agentClient streaming.AgentCaller,
	toolResults *streaming.ToolResultRouter,
	cfg *config.Config,
	log *logger.Logger,
) *Dispatcher {
	return &Dispatcher{
		hub:          hub,
		registry:     registry,
		store:        chatStore,
		agentClient:  agentClient,
		toolResults:  toolResults,
		adminUserID:  cfg.AdminUserID,
		defaultModel: cfg.DefaultModel,
		mcpServers:   cfg.MCPServers,
		logger:       log.WithComponent("ws_dispatcher"),
	}
}

// HandleConnection registers the connection and runs its read loop until the
// socket dies. Disconnecting never cancels a running stream; subscriptions
// held by this connection are pruned when the next send to it fails.
func (d *Dispatcher) HandleConnection(conn *Connection) {
	d.hub.Register(conn)
	defer func() {
		d.hub.Unregister(conn)
		conn.Close()
	}()

	log := d.logger.With(
		slog.String("connection_id", conn.Key()),
		slog.String("user_id", conn.UserID()))

	for {
		_, data, err := conn.sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warn("connection read failed", slog.String("error", err.Error()))
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn("malformed client frame", slog.String("error", err.Error()))
			_ = conn.Send(streaming.ErrorFrame("malformed frame", ""))
			continue
		}

		ctx := logger.WithUserID(context.Background(), conn.UserID())

		switch frame.Type {
		case clientFrameMessage:
			d.handleMessage(ctx, conn, frame)
		case clientFrameSubscribe:
			d.handleSubscribe(conn, frame)
		case clientFrameStop:
			d.handleStop(conn, frame)
		case clientFramePing:
			_ = conn.Send(streaming.PongFrame())
		case clientFrameMCPToolResult:
			if !d.toolResults.Deliver(frame.RequestID, frame.Result) {
				log.Debug("tool result with no waiter", slog.String("request_id", frame.RequestID))
			}
		default:
			log.Warn("unknown frame type", slog.String("type", frame.Type))
		}
	}
}

// handleMessage persists the user turn, creates a stream for the chat, and
// launches its runner. The originating socket is subscribed first; when an
// admin sends into someone else's chat, the owner's live sockets are
// co-subscribed so they see the exchange too.
func (d *Dispatcher) handleMessage(ctx context.Context, conn *Connection, frame clientFrame) {
	log := d.logger.WithContext(ctx).With(slog.String("chat_id", frame.ChatID))

	if frame.ChatID == "" || frame.Content == "" {
		_ = conn.Send(streaming.ErrorFrame("chat_id and content are required", frame.ChatID))
		return
	}

	chat, err := d.store.GetChat(ctx, frame.ChatID)
	if err != nil {
		if errors.Is(err, store.ErrChatNotFound) {
			_ = conn.Send(streaming.ErrorFrame("chat not found", frame.ChatID))
			return
		}
		log.Error("failed to load chat", slog.String("error", err.Error()))
		_ = conn.Send(streaming.ErrorFrame("failed to load chat", frame.ChatID))
		return
	}

	isAdmin := d.adminUserID != "" && conn.UserID() == d.adminUserID
	if chat.UserID != conn.UserID() && !isAdmin {
		_ = conn.Send(streaming.ErrorFrame("chat not found", frame.ChatID))
		return
	}

	userMsg, err := d.store.CreateMessage(ctx, chat.ID, store.RoleUser, frame.Content)
	if err != nil {
		log.Error("failed to persist user message", slog.String("error", err.Error()))
		_ = conn.Send(streaming.ErrorFrame("failed to persist message", frame.ChatID))
		return
	}
	_ = conn.Send(streaming.UserEchoFrame(userMsg.ID, userMsg.Content, chat.ID, userMsg.CreatedAt))

	// First user message names the chat.
	if chat.Title == "" {
		if err := d.store.UpdateChatTitle(ctx, chat.ID, store.TitleFromContent(frame.Content)); err != nil {
			log.Error("failed to set chat title", slog.String("error", err.Error()))
		}
	}

	history, err := d.store.ListMessages(ctx, chat.ID)
	if err != nil {
		log.Error("failed to load history", slog.String("error", err.Error()))
		_ = conn.Send(streaming.ErrorFrame("failed to load history", frame.ChatID))
		return
	}

	streamID := fmt.Sprintf("stream-%s-%d", chat.ID, time.Now().UnixMilli())
	stream, err := d.registry.Create(streamID, chat.ID, chat.UserID)
	if err != nil {
		if errors.Is(err, streaming.ErrBusyChat) {
			_ = conn.Send(streaming.ErrorFrame("chat already has an active stream", frame.ChatID))
			return
		}
		log.Error("failed to create stream", slog.String("error", err.Error()))
		_ = conn.Send(streaming.ErrorFrame("failed to create stream", frame.ChatID))
		return
	}

	metaInfo := chat.MetaInfo
	if frame.MetaInfo != "" {
		metaInfo = frame.MetaInfo
	}

	model := frame.Model
	if model == "" {
		model = d.defaultModel
	}

	req := agent.Request{
		Messages:     toAgentMessages(history),
		MetaInfo:     metaInfo,
		UserID:       chat.UserID,
		MCPServers:   d.mcpServers,
		EnabledTools: frame.EnabledTools,
		Model:        model,
	}

	// The runner outlives this socket: its context is detached from the
	// connection and cancelled only through the stream.
	runnerCtx, cancel := context.WithCancel(context.Background())
	stream.SetRunnerCancel(cancel)
	runner := streaming.NewRunner(stream, d.store, d.agentClient, req, d.logger)
	go runner.Run(runnerCtx)

	if _, err := stream.Subscribe(conn); err != nil {
		log.Debug("originating connection dropped before subscribe", slog.String("error", err.Error()))
	}

	if chat.UserID != conn.UserID() {
		for _, ownerConn := range d.hub.UserConnections(chat.UserID) {
			if _, err := stream.Subscribe(ownerConn); err != nil {
				log.Debug("owner co-subscribe failed", slog.String("error", err.Error()))
			}
		}
	}

	log.Info("stream launched",
		slog.String("stream_id", streamID),
		slog.String("model", model),
		slog.Int("history_len", len(history)))
}

// resolveStream locates the target of a subscribe or stop frame: by stream
// ID when given, else by the chat's running stream.
func (d *Dispatcher) resolveStream(frame clientFrame) *streaming.Stream {
	if frame.StreamID != "" {
		return d.registry.Get(frame.StreamID)
	}
	if frame.ChatID != "" {
		return d.registry.ActiveForChat(frame.ChatID)
	}
	return nil
}

// mayAccess reports whether the user may observe or cancel the stream: its
// owner always, the admin identity everywhere.
func (d *Dispatcher) mayAccess(stream *streaming.Stream, userID string) bool {
	if stream.UserID() == userID {
		return true
	}
	return d.adminUserID != "" && userID == d.adminUserID
}

// handleSubscribe attaches the connection to an existing stream, replaying
// the accumulated prefix. subscription_confirmed is sent only when the
// stream was still running at subscribe time; for an already-terminal stream
// the backfill itself carries the terminal frame. A stream belonging to
// another user reads as absent, so stream IDs cannot be probed.
func (d *Dispatcher) handleSubscribe(conn *Connection, frame clientFrame) {
	stream := d.resolveStream(frame)
	if stream != nil && !d.mayAccess(stream, conn.UserID()) {
		stream = nil
	}

	if stream == nil {
		_ = conn.Send(streaming.NoActiveStreamFrame(frame.ChatID))
		return
	}

	running, err := stream.Subscribe(conn)
	if err != nil {
		// Replay failed mid-way; the subscription was discarded.
		d.logger.Debug("subscribe replay failed",
			slog.String("stream_id", stream.ID()),
			slog.String("error", err.Error()))
		return
	}

	if running {
		_ = conn.Send(streaming.SubscriptionConfirmedFrame(stream.ID(), stream.ChatID()))
	}
}

// handleStop cancels the target stream. Silent when the stream is absent,
// already terminal, or owned by someone else; repeated stops are no-ops.
func (d *Dispatcher) handleStop(conn *Connection, frame clientFrame) {
	stream := d.resolveStream(frame)
	if stream == nil {
		return
	}

	if !d.mayAccess(stream, conn.UserID()) {
		d.logger.Warn("stop rejected for foreign stream",
			slog.String("stream_id", stream.ID()),
			slog.String("user_id", conn.UserID()))
		return
	}

	d.logger.Info("stop requested",
		slog.String("stream_id", stream.ID()),
		slog.String("chat_id", stream.ChatID()),
		slog.String("user_id", conn.UserID()))

	d.registry.Cancel(stream.ID())
}

func toAgentMessages(history []store.Message) []agent.Message {
	msgs := make([]agent.Message, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, agent.Message{Role: m.Role, Content: m.Content})
	}
	return msgs
}
