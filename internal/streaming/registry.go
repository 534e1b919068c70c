package streaming

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/driftbyte/agent-gateway/internal/logger"
	"github.com/driftbyte/agent-gateway/internal/metrics"
)

// ErrBusyChat is returned when a chat already has a running stream.
var ErrBusyChat = errors.New("chat already has an active stream")

// Registry is the process-wide map of streams, plus a secondary index from
// chat to its current stream. The registry mutex guards only the two maps;
// every critical section is O(1) map work, no socket send happens while it
// is held, and no stream mutex is taken under it (terminality and end time
// read atomics). Long-lived state lives in each Stream behind its own lock.
//
// Terminal streams stay resident for the retention window so reconnecting
// clients can backfill; the janitor reaps them afterwards.
type Registry struct {
	mu           sync.Mutex
	streams      map[string]*Stream
	activeByChat map[string]string

	retention       time.Duration
	cleanupInterval time.Duration

	logger *logger.Logger
	// streamLogger is the untagged logger handed to each Stream, which adds
	// its own component attr.
	streamLogger *logger.Logger
	metrics      *metrics.Metrics

	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// NewRegistry creates a registry and starts its janitor goroutine. Call
// Shutdown when done.
func NewRegistry(retention, cleanupInterval time.Duration, log *logger.Logger, m *metrics.Metrics) *Registry {
	r := &Registry{
		streams:         make(map[string]*Stream),
		activeByChat:    make(map[string]string),
		retention:       retention,
		cleanupInterval: cleanupInterval,
		logger:          log.WithComponent("stream_registry"),
		streamLogger:    log,
		metrics:         m,
		shutdownCh:      make(chan struct{}),
	}

	r.wg.Add(1)
	go r.janitorLoop()

	r.logger.Info("stream registry initialized",
		slog.Duration("retention", retention),
		slog.Duration("cleanup_interval", cleanupInterval))

	return r
}

// Create registers a fresh Running stream for the chat. Fails with
// ErrBusyChat when the chat's mapped stream is still running; a terminal
// mapping is overwritten.
func (r *Registry) Create(streamID, chatID, userID string) (*Stream, error) {
	stream := NewStream(streamID, chatID, userID, r.streamLogger, r.metrics)

	r.mu.Lock()
	defer r.mu.Unlock()

	if activeID, ok := r.activeByChat[chatID]; ok {
		if active := r.streams[activeID]; active != nil && !active.IsTerminal() {
			return nil, ErrBusyChat
		}
	}

	if _, exists := r.streams[streamID]; exists {
		return nil, fmt.Errorf("stream %s already exists", streamID)
	}

	r.streams[streamID] = stream
	r.activeByChat[chatID] = streamID

	if r.metrics != nil {
		r.metrics.StreamsCreated.Inc()
		r.metrics.ActiveStreams.Inc()
	}

	r.logger.Info("stream created",
		slog.String("stream_id", streamID),
		slog.String("chat_id", chatID),
		slog.String("user_id", userID))

	return stream, nil
}

// Get returns the stream by ID, or nil.
func (r *Registry) Get(streamID string) *Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.streams[streamID]
}

// ActiveForChat returns the chat's Running stream, or nil. A terminal
// mapping counts as absent; the janitor clears the index entry later.
func (r *Registry) ActiveForChat(chatID string) *Stream {
	r.mu.Lock()
	streamID, ok := r.activeByChat[chatID]
	var stream *Stream
	if ok {
		stream = r.streams[streamID]
	}
	r.mu.Unlock()

	if stream == nil || stream.IsTerminal() {
		return nil
	}
	return stream
}

// Cancel cancels the stream by ID. Absent streams are a no-op.
func (r *Registry) Cancel(streamID string) {
	if stream := r.Get(streamID); stream != nil {
		stream.Cancel()
	}
}

// Reap removes terminal streams older than the retention window. Running
// streams are never touched regardless of age.
func (r *Registry) Reap() int {
	now := time.Now()

	r.mu.Lock()
	victims := make([]*Stream, 0)
	for id, stream := range r.streams {
		if !stream.IsTerminal() {
			continue
		}
		endTime := stream.EndTime()
		if endTime.IsZero() || now.Sub(endTime) <= r.retention {
			continue
		}

		delete(r.streams, id)
		if r.activeByChat[stream.ChatID()] == id {
			delete(r.activeByChat, stream.ChatID())
		}
		victims = append(victims, stream)
	}
	remaining := len(r.streams)
	r.mu.Unlock()

	if len(victims) > 0 {
		r.logger.Info("reaped expired streams",
			slog.Int("reaped", len(victims)),
			slog.Int("remaining", remaining))
	}

	return len(victims)
}

// Snapshot returns info for every resident stream.
func (r *Registry) Snapshot() []StreamInfo {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	infos := make([]StreamInfo, 0, len(streams))
	for _, s := range streams {
		infos = append(infos, s.Info())
	}
	return infos
}

func (r *Registry) janitorLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.Reap()
		case <-r.shutdownCh:
			r.logger.Info("stream registry janitor stopped")
			return
		}
	}
}

// Shutdown stops the janitor. Running streams are not cancelled; server
// shutdown owns that decision.
func (r *Registry) Shutdown() {
	close(r.shutdownCh)
	r.wg.Wait()
}
