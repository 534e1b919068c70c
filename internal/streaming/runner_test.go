package streaming

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/driftbyte/agent-gateway/internal/agent"
	"github.com/driftbyte/agent-gateway/internal/store"
)

type persistedMessage struct {
	chatID  string
	role    string
	content string
}

// fakeMessageStore records every write the runner makes.
type fakeMessageStore struct {
	mu        sync.Mutex
	messages  []persistedMessage
	metaInfos []string
	touches   int
	createErr error
}

func (f *fakeMessageStore) CreateMessage(ctx context.Context, chatID, role, content string) (*store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.messages = append(f.messages, persistedMessage{chatID: chatID, role: role, content: content})
	return &store.Message{ID: "m1", ChatID: chatID, Role: role, Content: content}, nil
}

func (f *fakeMessageStore) TouchChat(ctx context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touches++
	return nil
}

func (f *fakeMessageStore) AppendChatMetaInfo(ctx context.Context, chatID, info string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metaInfos = append(f.metaInfos, info)
	return nil
}

func (f *fakeMessageStore) Messages() []persistedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]persistedMessage, len(f.messages))
	copy(out, f.messages)
	return out
}

// fakeAgent serves a canned wire body, or fails the call outright.
type fakeAgent struct {
	body io.ReadCloser
	err  error
}

func (f *fakeAgent) StreamCompletion(ctx context.Context, req agent.Request) (io.ReadCloser, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.body, nil
}

func runRunner(t *testing.T, s *Stream, st MessageStore, wire string) {
	t.Helper()
	client := &fakeAgent{body: io.NopCloser(strings.NewReader(wire))}
	runner := NewRunner(s, st, client, agent.Request{}, s.logger)
	runner.Run(context.Background())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRunnerHappyPath(t *testing.T) {
	s := newTestStream(t)
	st := &fakeMessageStore{}
	sub := newFakeSubscriber("a")
	if _, err := s.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	wire := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"Hel"}}]}`,
		`data: {"choices":[{"delta":{"content":"lo"}}]}`,
		`data: {"choices":[{"delta":{"content":""},"finish_reason":"stop"}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	runRunner(t, s, st, wire)

	if got := s.Status(); got != StatusCompleted {
		t.Errorf("expected Completed, got %s", got)
	}
	if got := s.Content(); got != "Hello" {
		t.Errorf("expected content %q, got %q", "Hello", got)
	}

	msgs := st.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(msgs))
	}
	if msgs[0].role != store.RoleAssistant || msgs[0].content != "Hello" {
		t.Errorf("persisted wrong message: %+v", msgs[0])
	}
	if st.touches != 1 {
		t.Errorf("expected 1 chat touch, got %d", st.touches)
	}

	if got := sub.countType(FrameMessageChunk); got != 2 {
		t.Errorf("expected 2 chunk frames, got %d", got)
	}
	if got := sub.countType(FrameMessageComplete); got != 1 {
		t.Errorf("expected 1 message_complete, got %d", got)
	}
}

func TestRunnerDoneWithoutContent(t *testing.T) {
	s := newTestStream(t)
	st := &fakeMessageStore{}

	runRunner(t, s, st, "data: [DONE]\n")

	if got := s.Status(); got != StatusCompleted {
		t.Errorf("expected Completed, got %s", got)
	}
	if got := st.Messages(); len(got) != 0 {
		t.Errorf("empty response must not persist a message, got %d", len(got))
	}
	if st.touches != 0 {
		t.Errorf("empty response must not touch the chat, got %d touches", st.touches)
	}
}

func TestRunnerIgnoresBlankAndCommentLines(t *testing.T) {
	s := newTestStream(t)
	st := &fakeMessageStore{}

	wire := strings.Join([]string{
		``,
		`: keepalive`,
		`data: {"choices":[{"delta":{"content":"ok"}}]}`,
		``,
		`data: [DONE]`,
		``,
	}, "\n")

	runRunner(t, s, st, wire)

	if got := s.Content(); got != "ok" {
		t.Errorf("expected content %q, got %q", "ok", got)
	}
	if got := s.Status(); got != StatusCompleted {
		t.Errorf("expected Completed, got %s", got)
	}
}

func TestRunnerMetaInfoLines(t *testing.T) {
	s := newTestStream(t)
	st := &fakeMessageStore{}

	wire := strings.Join([]string{
		`info: runtime: box-7`,
		`data: {"choices":[{"delta":{"content":"hi"}}]}`,
		`info: tools: browser`,
		`data: [DONE]`,
		``,
	}, "\n")

	runRunner(t, s, st, wire)

	meta := s.MetaInfo()
	if len(meta) != 2 || meta[0] != "runtime: box-7" || meta[1] != "tools: browser" {
		t.Errorf("unexpected stream meta info: %v", meta)
	}
	if len(st.metaInfos) != 2 {
		t.Errorf("expected 2 persisted meta lines, got %d", len(st.metaInfos))
	}
}

func TestRunnerUpstreamCallFails(t *testing.T) {
	s := newTestStream(t)
	st := &fakeMessageStore{}
	sub := newFakeSubscriber("a")
	if _, err := s.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	client := &fakeAgent{err: &agent.UpstreamError{StatusCode: 503, Body: "overloaded"}}
	runner := NewRunner(s, st, client, agent.Request{}, s.logger)
	runner.Run(context.Background())

	if got := s.Status(); got != StatusErrored {
		t.Errorf("expected Errored, got %s", got)
	}
	if got := st.Messages(); len(got) != 0 {
		t.Errorf("failed call must not persist, got %d messages", len(got))
	}
	if got := sub.countType(FrameError); got != 1 {
		t.Errorf("expected 1 error frame, got %d", got)
	}

	frames := sub.Frames()
	last := frames[len(frames)-1]
	if !strings.Contains(last.Message, "overloaded") {
		t.Errorf("error frame should quote the upstream body, got %q", last.Message)
	}
}

func TestRunnerErrorEvent(t *testing.T) {
	s := newTestStream(t)
	st := &fakeMessageStore{}

	wire := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"par"}}]}`,
		`data: {"error":{"message":"model blew up"}}`,
		`data: {"choices":[{"delta":{"content":"never read"}}]}`,
		``,
	}, "\n")

	runRunner(t, s, st, wire)

	if got := s.Status(); got != StatusErrored {
		t.Errorf("expected Errored, got %s", got)
	}
	if got := s.Content(); got != "par" {
		t.Errorf("content after error event: %q", got)
	}
	if got := st.Messages(); len(got) != 0 {
		t.Errorf("errored stream must not persist, got %d messages", len(got))
	}
}

func TestRunnerMalformedEvent(t *testing.T) {
	s := newTestStream(t)
	st := &fakeMessageStore{}

	runRunner(t, s, st, "data: {not json\n")

	if got := s.Status(); got != StatusErrored {
		t.Errorf("expected Errored, got %s", got)
	}
	if got := st.Messages(); len(got) != 0 {
		t.Errorf("malformed event must not persist, got %d messages", len(got))
	}
}

func TestRunnerFinishReasonStops(t *testing.T) {
	s := newTestStream(t)
	st := &fakeMessageStore{}

	wire := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"done"},"finish_reason":"stop"}]}`,
		`data: {"choices":[{"delta":{"content":"trailing"}}]}`,
		``,
	}, "\n")

	runRunner(t, s, st, wire)

	if got := s.Content(); got != "done" {
		t.Errorf("expected reading to stop at finish_reason, content=%q", got)
	}
	if got := s.Status(); got != StatusCompleted {
		t.Errorf("expected Completed, got %s", got)
	}
}

func TestRunnerCancelPersistsPartial(t *testing.T) {
	s := newTestStream(t)
	st := &fakeMessageStore{}
	sub := newFakeSubscriber("a")
	if _, err := s.Subscribe(sub); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	pr, pw := io.Pipe()
	client := &fakeAgent{body: pr}
	runner := NewRunner(s, st, client, agent.Request{}, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.SetRunnerCancel(cancel)

	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	if _, err := pw.Write([]byte("data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n")); err != nil {
		t.Fatalf("pipe write failed: %v", err)
	}
	waitFor(t, "delta to land", func() bool { return s.Content() == "partial" })

	s.Cancel()
	// The real response body aborts when the request context is cancelled;
	// the pipe needs an explicit close to release the reader.
	pw.Close()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("runner did not exit after cancel")
	}

	if got := s.Status(); got != StatusCancelled {
		t.Errorf("expected Cancelled, got %s", got)
	}

	msgs := st.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly 1 persisted partial, got %d", len(msgs))
	}
	if msgs[0].role != store.RoleAssistant || msgs[0].content != "partial" {
		t.Errorf("persisted wrong partial: %+v", msgs[0])
	}

	// Cancel surfaces as a single message_complete, never an error frame.
	if got := sub.countType(FrameMessageComplete); got != 1 {
		t.Errorf("expected 1 message_complete, got %d", got)
	}
	if got := sub.countType(FrameError); got != 0 {
		t.Errorf("expected no error frames, got %d", got)
	}
}

func TestRunnerCancelBeforeUpstreamResponds(t *testing.T) {
	s := newTestStream(t)
	st := &fakeMessageStore{}

	s.Cancel()

	client := &fakeAgent{err: errors.New("context canceled")}
	runner := NewRunner(s, st, client, agent.Request{}, s.logger)
	runner.Run(context.Background())

	if got := s.Status(); got != StatusCancelled {
		t.Errorf("expected Cancelled, got %s", got)
	}
	if got := st.Messages(); len(got) != 0 {
		t.Errorf("nothing accumulated, nothing to persist; got %d messages", len(got))
	}
}

func TestRunnerPersistFailureKeepsTerminalStatus(t *testing.T) {
	s := newTestStream(t)
	st := &fakeMessageStore{createErr: errors.New("database down")}

	wire := strings.Join([]string{
		`data: {"choices":[{"delta":{"content":"hello"}}]}`,
		`data: [DONE]`,
		``,
	}, "\n")

	runRunner(t, s, st, wire)

	if got := s.Status(); got != StatusCompleted {
		t.Errorf("persist failure must not change terminal status, got %s", got)
	}
}
