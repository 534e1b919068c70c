package streaming

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/driftbyte/agent-gateway/internal/agent"
	"github.com/driftbyte/agent-gateway/internal/logger"
	"github.com/driftbyte/agent-gateway/internal/store"
)

const (
	// maxLineBytes bounds a single wire line. Content deltas are small;
	// this guards against a misbehaving upstream.
	maxLineBytes = 1024 * 1024

	// persistTimeout bounds the final database writes. They run on a fresh
	// context because the runner's own context is already cancelled on the
	// stop path.
	persistTimeout = 30 * time.Second
)

// MessageStore is the durable collaborator the runner writes into.
type MessageStore interface {
	CreateMessage(ctx context.Context, chatID, role, content string) (*store.Message, error)
	TouchChat(ctx context.Context, chatID string) error
	AppendChatMetaInfo(ctx context.Context, chatID, info string) error
}

// AgentCaller issues the upstream streaming request.
type AgentCaller interface {
	StreamCompletion(ctx context.Context, req agent.Request) (io.ReadCloser, error)
}

// chatEvent is the JSON payload of a "data:" line: either an error or a
// choices array carrying a content delta and/or a finish signal.
type chatEvent struct {
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Runner drives one upstream agent call and translates the newline-framed
// wire format into Stream operations. It owns persistence of the final (or
// partial-on-cancel) assistant turn; the stream itself never touches the
// database.
type Runner struct {
	stream *Stream
	store  MessageStore
	client AgentCaller
	req    agent.Request
	logger *logger.Logger
}

// NewRunner builds a runner for the stream. Run must be called exactly once,
// in its own goroutine.
func NewRunner(stream *Stream, st MessageStore, client AgentCaller, req agent.Request, log *logger.Logger) *Runner {
	return &Runner{
		stream: stream,
		store:  st,
		client: client,
		req:    req,
		logger: log.WithComponent("stream_runner"),
	}
}

// Run performs the upstream call and pumps the response into the stream.
// The context is the runner handle: cancelling it stops the read at the next
// suspension point and routes through the partial-persist path.
func (r *Runner) Run(ctx context.Context) {
	log := r.logger.With(
		slog.String("stream_id", r.stream.ID()),
		slog.String("chat_id", r.stream.ChatID()))

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("panic in stream runner", slog.Any("panic", rec))
			_ = r.stream.MarkError(fmt.Sprintf("internal error: %v", rec))
		}
	}()

	body, err := r.client.StreamCompletion(ctx, r.req)
	if err != nil {
		if r.stream.IsCancelled() {
			// Stopped before the upstream call completed; nothing to persist.
			return
		}
		log.Error("upstream request failed", slog.String("error", err.Error()))
		_ = r.stream.MarkError(err.Error())
		return
	}
	defer body.Close()

	log.Info("upstream stream opened")

	// Byte-oriented line assembly: a partial UTF-8 sequence spanning chunk
	// boundaries is only decoded once its newline arrives.
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)

	chunks := 0
	for scanner.Scan() {
		if r.stream.IsCancelled() {
			break
		}

		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		if rest, ok := strings.CutPrefix(line, "info:"); ok {
			info := strings.TrimSpace(rest)
			if info == "" {
				continue
			}
			if err := r.stream.AppendMeta(info); err != nil {
				break
			}
			if err := r.store.AppendChatMetaInfo(ctx, r.stream.ChatID(), info); err != nil {
				log.Error("failed to persist meta info", slog.String("error", err.Error()))
			}
			continue
		}

		rest, ok := strings.CutPrefix(line, "data:")
		if !ok {
			log.Debug("ignoring unrecognized line", slog.String("line", line))
			continue
		}
		data := strings.TrimSpace(rest)

		if data == "[DONE]" {
			break
		}

		var event chatEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			log.Error("malformed upstream event", slog.String("error", err.Error()))
			_ = r.stream.MarkError(fmt.Sprintf("malformed upstream event: %s", err.Error()))
			return
		}

		if event.Error != nil {
			log.Error("upstream reported error", slog.String("error", event.Error.Message))
			_ = r.stream.MarkError(event.Error.Message)
			return
		}

		finished := false
		for _, choice := range event.Choices {
			if choice.Delta.Content != "" {
				if err := r.stream.AppendChunk(choice.Delta.Content); err != nil {
					// Terminal already; a concurrent cancel won the race.
					finished = true
					break
				}
				chunks++
			}
			if choice.FinishReason != nil && *choice.FinishReason == "stop" {
				finished = true
			}
		}
		if finished {
			break
		}
	}

	if err := scanner.Err(); err != nil && !r.stream.IsCancelled() {
		log.Error("upstream read failed", slog.String("error", err.Error()),
			slog.Int("chunks_read", chunks))
		_ = r.stream.MarkError(fmt.Sprintf("upstream read failed: %s", err.Error()))
		return
	}

	r.finish(chunks)
}

// finish persists the transcript and settles the terminal status. On cancel
// the partial content is stored as a plain assistant turn and the stream has
// already sent message_complete; on normal completion the full content is
// stored first, then the stream completes. A persist failure is logged and
// does not change the terminal outcome.
func (r *Runner) finish(chunks int) {
	log := r.logger.With(
		slog.String("stream_id", r.stream.ID()),
		slog.String("chat_id", r.stream.ChatID()))

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	content := r.stream.Content()

	if content != "" {
		if _, err := r.store.CreateMessage(ctx, r.stream.ChatID(), store.RoleAssistant, content); err != nil {
			log.Error("failed to persist assistant message", slog.String("error", err.Error()))
		}
		if err := r.store.TouchChat(ctx, r.stream.ChatID()); err != nil {
			log.Error("failed to touch chat", slog.String("error", err.Error()))
		}
	}

	// On the cancel path the stream is already Cancelled and subscribers
	// have their terminal frame; MarkComplete is then a no-op.
	_ = r.stream.MarkComplete()

	log.Info("stream runner finished",
		slog.Int("chunks", chunks),
		slog.Int("content_len", len(content)),
		slog.String("status", string(r.stream.Status())))
}
