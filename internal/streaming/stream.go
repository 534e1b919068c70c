package streaming

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftbyte/agent-gateway/internal/logger"
	"github.com/driftbyte/agent-gateway/internal/metrics"
)

// Status is the lifecycle state of a stream. A stream leaves Running at most
// once; terminal statuses are immutable.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// ErrNotRunning is returned by mutating operations after the stream has
// reached a terminal status.
var ErrNotRunning = errors.New("stream is not running")

// Subscriber is a live connection receiving updates for a stream. Send must
// serialize writes internally; a failed Send drops the subscriber.
type Subscriber interface {
	Key() string
	Send(frame Frame) error
}

// Stream is the in-memory record of one agent response: accumulated content,
// meta-info lines, subscriber set, and terminal status.
//
// One mutex guards everything. Subscriber notification happens under the
// lock so that a late joiner's backfill and the live suffix form a single
// total order (a subscriber's Send is short and serialized by the
// connection's own write lock, so holding the stream lock across sends is
// acceptable).
//
// The stream outlives the socket that created it: only Cancel or an upstream
// terminal event ends it.
type Stream struct {
	id     string
	chatID string
	userID string

	mu          sync.Mutex
	content     strings.Builder
	metaInfo    []string
	subscribers map[string]Subscriber
	status      Status
	errText     string
	startTime   time.Time
	endTime     time.Time

	// cancelled is observable without the lock; the runner polls it once
	// per inbound line.
	cancelled atomic.Bool

	// terminal and endNano mirror the status/endTime transition so the
	// registry can check terminality without the stream lock, which is held
	// across subscriber sends.
	terminal atomic.Bool
	endNano  atomic.Int64

	// cancelRunner stops the runner at its next suspension point.
	cancelRunner context.CancelFunc

	logger  *logger.Logger
	metrics *metrics.Metrics
}

// StreamInfo is a point-in-time snapshot for observability endpoints.
type StreamInfo struct {
	StreamID    string    `json:"stream_id"`
	ChatID      string    `json:"chat_id"`
	UserID      string    `json:"user_id"`
	Status      Status    `json:"status"`
	ContentLen  int       `json:"content_len"`
	MetaLines   int       `json:"meta_lines"`
	Subscribers int       `json:"subscribers"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitempty"`
}

// NewStream creates a Running stream. Callers register it with the Registry;
// direct construction is for tests.
func NewStream(id, chatID, userID string, log *logger.Logger, m *metrics.Metrics) *Stream {
	return &Stream{
		id:          id,
		chatID:      chatID,
		userID:      userID,
		subscribers: make(map[string]Subscriber),
		status:      StatusRunning,
		startTime:   time.Now(),
		logger:      log.WithComponent("stream"),
		metrics:     m,
	}
}

// SetRunnerCancel attaches the runner's cancel function. Must be called
// before the stream is exposed to stop requests.
func (s *Stream) SetRunnerCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelRunner = cancel
}

// AppendChunk extends the accumulated content and fans the delta out to
// every current subscriber. A failed send drops that subscriber only.
func (s *Stream) AppendChunk(text string) error {
	if text == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning {
		return ErrNotRunning
	}

	s.content.WriteString(text)
	s.broadcastLocked(chunkFrame(text, s.id, s.chatID))
	return nil
}

// AppendMeta records a meta-info line and fans it out.
func (s *Stream) AppendMeta(info string) error {
	if info == "" {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning {
		return ErrNotRunning
	}

	s.metaInfo = append(s.metaInfo, info)
	s.broadcastLocked(metaInfoFrame(info, s.id, s.chatID))
	return nil
}

// MarkComplete transitions Running -> Completed and delivers one
// message_complete frame to every live subscriber.
func (s *Stream) MarkComplete() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminateLocked(StatusCompleted, completeFrame(s.id, s.chatID))
}

// MarkError transitions Running -> Errored and delivers one error frame.
func (s *Stream) MarkError(message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusRunning {
		return ErrNotRunning
	}
	s.errText = message
	return s.terminateLocked(StatusErrored, errorFrame(message, s.id, s.chatID))
}

// MarkCancelled transitions Running -> Cancelled. Subscribers receive
// message_complete, not error: a stop is a user outcome, not a failure.
func (s *Stream) MarkCancelled() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminateLocked(StatusCancelled, completeFrame(s.id, s.chatID))
}

// terminateLocked performs the single allowed transition out of Running,
// notifies all subscribers exactly once, and empties the subscriber set.
func (s *Stream) terminateLocked(status Status, frame Frame) error {
	if s.status != StatusRunning {
		return ErrNotRunning
	}

	s.status = status
	s.endTime = time.Now()
	s.endNano.Store(s.endTime.UnixNano())
	s.terminal.Store(true)

	s.broadcastLocked(frame)

	if s.metrics != nil {
		s.metrics.StreamsTerminated.WithLabelValues(string(status)).Inc()
		s.metrics.ActiveStreams.Dec()
		s.metrics.Subscribers.Sub(float64(len(s.subscribers)))
	}
	s.subscribers = make(map[string]Subscriber)

	s.logger.Info("stream terminated",
		slog.String("stream_id", s.id),
		slog.String("chat_id", s.chatID),
		slog.String("status", string(status)),
		slog.Int("content_len", s.content.Len()),
		slog.Duration("duration", s.endTime.Sub(s.startTime)))

	return nil
}

// broadcastLocked sends a frame to every subscriber, removing the ones whose
// send fails. Caller holds s.mu.
func (s *Stream) broadcastLocked(frame Frame) {
	for key, sub := range s.subscribers {
		if err := sub.Send(frame); err != nil {
			delete(s.subscribers, key)
			if s.metrics != nil {
				s.metrics.Subscribers.Dec()
			}
			s.logger.Debug("dropping subscriber after failed send",
				slog.String("stream_id", s.id),
				slog.String("subscriber", key),
				slog.String("error", err.Error()))
		}
	}
}

// Subscribe adds a connection and atomically replays the full prefix:
// message_start, one chunk carrying all accumulated content, one
// meta_info_update per observed line, and the terminal frame when the stream
// is already over. The replay and the membership change happen under the
// stream lock, so no live delta can interleave with the backfill.
//
// Returns whether the stream was still Running at subscribe time; a failed
// replay discards the subscription silently.
func (s *Stream) Subscribe(sub Subscriber) (running bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := sub.Send(messageStartFrame(s.id, s.chatID)); err != nil {
		return false, err
	}
	if content := s.content.String(); content != "" {
		if err := sub.Send(chunkFrame(content, s.id, s.chatID)); err != nil {
			return false, err
		}
	}
	for _, info := range s.metaInfo {
		if err := sub.Send(metaInfoFrame(info, s.id, s.chatID)); err != nil {
			return false, err
		}
	}

	switch s.status {
	case StatusRunning:
		s.subscribers[sub.Key()] = sub
		if s.metrics != nil {
			s.metrics.Subscribers.Inc()
			s.metrics.Subscriptions.Inc()
		}
		return true, nil
	case StatusErrored:
		return false, sub.Send(errorFrame(s.errText, s.id, s.chatID))
	default: // Completed or Cancelled
		return false, sub.Send(completeFrame(s.id, s.chatID))
	}
}

// Unsubscribe removes a connection if present. Idempotent.
func (s *Stream) Unsubscribe(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.subscribers[key]; ok {
		delete(s.subscribers, key)
		if s.metrics != nil {
			s.metrics.Subscribers.Dec()
		}
	}
}

// Cancel marks the stream cancelled and stops its runner. Safe to call from
// any context; repeated calls are no-ops.
func (s *Stream) Cancel() {
	if s.cancelled.Swap(true) {
		return
	}

	// Ignore ErrNotRunning: cancelling an already-terminal stream is a no-op.
	_ = s.MarkCancelled()

	s.mu.Lock()
	cancel := s.cancelRunner
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsCancelled reports a pending or applied cancellation without taking the
// stream lock.
func (s *Stream) IsCancelled() bool {
	return s.cancelled.Load()
}

func (s *Stream) ID() string     { return s.id }
func (s *Stream) ChatID() string { return s.chatID }
func (s *Stream) UserID() string { return s.userID }

// Status returns the current lifecycle state.
func (s *Stream) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// IsTerminal reports whether the stream has left Running. Lock-free; the
// registry calls this under its own mutex.
func (s *Stream) IsTerminal() bool {
	return s.terminal.Load()
}

// Content returns the accumulated content so far.
func (s *Stream) Content() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.content.String()
}

// MetaInfo returns a copy of the observed meta-info lines.
func (s *Stream) MetaInfo() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.metaInfo))
	copy(out, s.metaInfo)
	return out
}

// EndTime returns when the stream reached a terminal status, or the zero
// time while Running. Lock-free, like IsTerminal.
func (s *Stream) EndTime() time.Time {
	n := s.endNano.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// SubscriberCount returns the current number of subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers)
}

// Info returns a snapshot for observability.
func (s *Stream) Info() StreamInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return StreamInfo{
		StreamID:    s.id,
		ChatID:      s.chatID,
		UserID:      s.userID,
		Status:      s.status,
		ContentLen:  s.content.Len(),
		MetaLines:   len(s.metaInfo),
		Subscribers: len(s.subscribers),
		StartedAt:   s.startTime,
		EndedAt:     s.endTime,
	}
}
