package chat_test

import (
	"context"
	"errors"
	"io"
	"iter"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/MegaGrindStone/sentimara-web-ui/internal/chat"
	"github.com/MegaGrindStone/sentimara-web-ui/internal/models"
)

type streamFunc func(ctx context.Context, yield func(string, error) bool)

type mockService struct {
	mu sync.Mutex

	conversationID string
	createErr      error
	createCalls    int

	streams     []streamFunc
	streamIDs   []string
	streamTexts []string
	streamCtxs  []context.Context
	overlapped  bool
}

type recorder struct {
	mu        sync.Mutex
	appended  []models.Message
	streaming []string
	idle      chan struct{}
}

func newRecorder() *recorder {
	return &recorder{idle: make(chan struct{}, 16)}
}

func newClient(svc *mockService, rec *recorder) *chat.Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if rec == nil {
		return chat.NewClient(svc, nil, logger)
	}
	return chat.NewClient(svc, rec, logger)
}

func TestSendCreatesSessionFirst(t *testing.T) {
	svc := &mockService{
		conversationID: "conv-1",
		streams:        []streamFunc{successStream("Hi!")},
	}
	rec := newRecorder()
	c := newClient(svc, rec)
	defer c.Close()

	if err := c.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitIdle(t, rec)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	if svc.createCalls != 1 {
		t.Errorf("CreateConversation calls = %d, want 1", svc.createCalls)
	}
	if len(svc.streamIDs) != 1 || svc.streamIDs[0] != "conv-1" {
		t.Errorf("StreamMessage conversation ids = %v, want [conv-1]", svc.streamIDs)
	}
	if svc.streamTexts[0] != "Hello" {
		t.Errorf("StreamMessage text = %q, want %q", svc.streamTexts[0], "Hello")
	}
	if got := c.State().ConversationID; got != "conv-1" {
		t.Errorf("State().ConversationID = %q, want %q", got, "conv-1")
	}
}

func TestCreateSessionReusesExisting(t *testing.T) {
	svc := &mockService{conversationID: "conv-1"}
	c := newClient(svc, nil)
	defer c.Close()

	for range 3 {
		id, ok := c.CreateSession(context.Background())
		if !ok || id != "conv-1" {
			t.Fatalf("CreateSession() = (%q, %v), want (conv-1, true)", id, ok)
		}
	}

	if svc.createCalls != 1 {
		t.Errorf("CreateConversation calls = %d, want 1", svc.createCalls)
	}
}

func TestCreateSessionFailure(t *testing.T) {
	svc := &mockService{createErr: errors.New("connection refused")}
	rec := newRecorder()
	c := newClient(svc, rec)
	defer c.Close()

	if err := c.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("Send() error = %v, want nil", err)
	}

	st := c.State()
	if len(st.Messages) != 1 {
		t.Fatalf("transcript length = %d, want 1", len(st.Messages))
	}
	msg := st.Messages[0]
	if !msg.IsError || msg.Content != chat.CreateConversationErrorText || msg.Role != models.RoleAssistant {
		t.Errorf("transcript entry = %+v, want creation error entry", msg)
	}
	if st.Loading {
		t.Error("State().Loading = true, want false")
	}
	if len(svc.streamIDs) != 0 {
		t.Errorf("StreamMessage calls = %d, want 0", len(svc.streamIDs))
	}
}

func TestSendEmptyMessage(t *testing.T) {
	svc := &mockService{conversationID: "conv-1"}
	c := newClient(svc, nil)
	defer c.Close()

	for _, text := range []string{"", "   ", "\n\t"} {
		if err := c.Send(context.Background(), text); !errors.Is(err, chat.ErrEmptyMessage) {
			t.Errorf("Send(%q) error = %v, want ErrEmptyMessage", text, err)
		}
	}
	if svc.createCalls != 0 {
		t.Errorf("CreateConversation calls = %d, want 0", svc.createCalls)
	}
}

func TestStreamEvents(t *testing.T) {
	tests := []struct {
		name          string
		payloads      []string
		wantMessages  []models.Message
		wantStreamed  []string
		wantErrorText string
	}{
		{
			name: "Cumulative content is finalized once",
			payloads: []string{
				`{"id":"a1","role":"assistant","content":"Hel","status":"PENDING"}`,
				`{"id":"a1","role":"assistant","content":"Hello","status":"PENDING"}`,
				`{"id":"a1","role":"assistant","content":"Hello there","status":"SUCCESS"}`,
			},
			wantMessages: []models.Message{
				{ID: "a1", Role: models.RoleAssistant, Content: "Hello there"},
			},
			wantStreamed: []string{"Hel", "Hello", "Hello there", ""},
		},
		{
			name: "Malformed and keepalive payloads are ignored",
			payloads: []string{
				"ping - 2024-05-01 10:00:00",
				"not json",
				`{"role":"assistant",`,
				`{"id":"a1","role":"assistant","content":"Done","status":"SUCCESS"}`,
			},
			wantMessages: []models.Message{
				{ID: "a1", Role: models.RoleAssistant, Content: "Done"},
			},
			wantStreamed: []string{"Done", ""},
		},
		{
			name: "Non-assistant events are ignored",
			payloads: []string{
				`{"id":"u1","role":"user","content":"echo","status":"SUCCESS"}`,
				`{"id":"a1","role":"assistant","content":"Reply","status":"SUCCESS"}`,
			},
			wantMessages: []models.Message{
				{ID: "a1", Role: models.RoleAssistant, Content: "Reply"},
			},
			wantStreamed: []string{"Reply", ""},
		},
		{
			name: "Missing id is generated",
			payloads: []string{
				`{"role":"assistant","content":"Reply","status":"SUCCESS"}`,
			},
			wantMessages: []models.Message{
				{Role: models.RoleAssistant, Content: "Reply"},
			},
			wantStreamed: []string{"Reply", ""},
		},
		{
			name: "Stream ending without success is an error",
			payloads: []string{
				`{"id":"a1","role":"assistant","content":"Half","status":"PENDING"}`,
			},
			wantStreamed:  []string{"Half", ""},
			wantErrorText: chat.StreamErrorText,
		},
		{
			name: "Error status is an error",
			payloads: []string{
				`{"id":"a1","role":"assistant","content":"Half","status":"PENDING"}`,
				`{"id":"a1","role":"assistant","content":"Half","status":"ERROR"}`,
			},
			wantStreamed:  []string{"Half", ""},
			wantErrorText: chat.StreamErrorText,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{
				conversationID: "conv-1",
				streams:        []streamFunc{payloadStream(tt.payloads...)},
			}
			rec := newRecorder()
			c := newClient(svc, rec)
			defer c.Close()

			if err := c.Send(context.Background(), "Hello"); err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			waitIdle(t, rec)

			st := c.State()
			if st.Loading {
				t.Error("State().Loading = true, want false")
			}
			if st.Streaming != "" {
				t.Errorf("State().Streaming = %q, want empty", st.Streaming)
			}

			if st.Messages[0].Role != models.RoleUser || st.Messages[0].Content != "Hello" {
				t.Errorf("first entry = %+v, want user message", st.Messages[0])
			}
			replies := st.Messages[1:]

			if tt.wantErrorText != "" {
				if len(replies) != 1 || !replies[0].IsError || replies[0].Content != tt.wantErrorText {
					t.Fatalf("replies = %+v, want one error entry", replies)
				}
			} else {
				if len(replies) != len(tt.wantMessages) {
					t.Fatalf("replies = %+v, want %d entries", replies, len(tt.wantMessages))
				}
				for i, want := range tt.wantMessages {
					got := replies[i]
					if want.ID != "" && got.ID != want.ID {
						t.Errorf("reply[%d].ID = %q, want %q", i, got.ID, want.ID)
					}
					if got.ID == "" {
						t.Errorf("reply[%d].ID is empty", i)
					}
					if got.Role != want.Role || got.Content != want.Content || got.IsError {
						t.Errorf("reply[%d] = %+v, want %+v", i, got, want)
					}
				}
			}

			rec.mu.Lock()
			defer rec.mu.Unlock()
			if !equalStrings(rec.streaming, tt.wantStreamed) {
				t.Errorf("streaming updates = %q, want %q", rec.streaming, tt.wantStreamed)
			}
			if len(rec.appended) != len(st.Messages) {
				t.Errorf("observed appends = %d, want %d", len(rec.appended), len(st.Messages))
			}
		})
	}
}

func TestStreamTransportError(t *testing.T) {
	svc := &mockService{
		conversationID: "conv-1",
		streams: []streamFunc{func(_ context.Context, yield func(string, error) bool) {
			if !yield(`{"id":"a1","role":"assistant","content":"Par","status":"PENDING"}`, nil) {
				return
			}
			yield("", errors.New("connection reset by peer"))
		}},
	}
	rec := newRecorder()
	c := newClient(svc, rec)
	defer c.Close()

	if err := c.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitIdle(t, rec)

	st := c.State()
	if st.Loading || st.Streaming != "" {
		t.Errorf("State() = %+v, want loading and streaming cleared", st)
	}

	errorCount := 0
	for _, msg := range st.Messages {
		if msg.IsError {
			errorCount++
		}
	}
	if errorCount != 1 {
		t.Errorf("error entries = %d, want 1", errorCount)
	}
	if len(st.Messages) != 2 {
		t.Errorf("transcript length = %d, want 2", len(st.Messages))
	}
}

func TestSendClosesActiveStream(t *testing.T) {
	started := make(chan struct{})
	firstDone := make(chan struct{})

	svc := &mockService{
		conversationID: "conv-1",
		streams: []streamFunc{
			func(ctx context.Context, yield func(string, error) bool) {
				defer close(firstDone)
				if !yield(`{"id":"a1","role":"assistant","content":"First","status":"PENDING"}`, nil) {
					return
				}
				close(started)
				<-ctx.Done()
				yield("", ctx.Err())
			},
			successStream("Second"),
		},
	}
	rec := newRecorder()
	c := newClient(svc, rec)
	defer c.Close()

	if err := c.Send(context.Background(), "one"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	<-started

	if err := c.Send(context.Background(), "two"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	waitIdle(t, rec)

	select {
	case <-firstDone:
	case <-time.After(2 * time.Second):
		t.Fatal("first stream was not closed")
	}

	svc.mu.Lock()
	if svc.overlapped {
		t.Error("a second stream was opened while the first was still open")
	}
	if err := svc.streamCtxs[0].Err(); err == nil {
		t.Error("first stream context was not cancelled")
	}
	svc.mu.Unlock()

	st := c.State()
	wantContents := []string{"one", "two", "Second"}
	if len(st.Messages) != len(wantContents) {
		t.Fatalf("transcript = %+v, want %d entries", st.Messages, len(wantContents))
	}
	for i, want := range wantContents {
		if st.Messages[i].Content != want || st.Messages[i].IsError {
			t.Errorf("entry[%d] = %+v, want content %q", i, st.Messages[i], want)
		}
	}
}

func TestClose(t *testing.T) {
	started := make(chan struct{})
	svc := &mockService{
		conversationID: "conv-1",
		streams: []streamFunc{func(ctx context.Context, yield func(string, error) bool) {
			close(started)
			<-ctx.Done()
			yield("", ctx.Err())
		}},
	}
	c := newClient(svc, nil)

	if err := c.Send(context.Background(), "Hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	<-started

	closed := make(chan struct{})
	go func() {
		c.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("Close() did not return")
	}

	if err := c.Send(context.Background(), "again"); !errors.Is(err, chat.ErrClosed) {
		t.Errorf("Send() after Close error = %v, want ErrClosed", err)
	}

	for _, msg := range c.State().Messages {
		if msg.IsError {
			t.Errorf("unexpected error entry after Close: %+v", msg)
		}
	}
}

func waitIdle(t *testing.T, rec *recorder) {
	t.Helper()

	select {
	case <-rec.idle:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the stream to finish")
	}
}

func payloadStream(payloads ...string) streamFunc {
	return func(_ context.Context, yield func(string, error) bool) {
		for _, p := range payloads {
			if !yield(p, nil) {
				return
			}
		}
	}
}

func successStream(content string) streamFunc {
	return payloadStream(
		`{"id":"a1","role":"assistant","content":"","status":"PENDING"}`,
		`{"id":"a1","role":"assistant","content":"`+content+`","status":"SUCCESS"}`,
	)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (m *mockService) CreateConversation(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.createCalls++
	if m.createErr != nil {
		return "", m.createErr
	}
	return m.conversationID, nil
}

func (m *mockService) StreamMessage(ctx context.Context, conversationID, text string) iter.Seq2[string, error] {
	m.mu.Lock()
	for _, prev := range m.streamCtxs {
		if prev.Err() == nil {
			m.overlapped = true
		}
	}
	idx := len(m.streamIDs)
	m.streamIDs = append(m.streamIDs, conversationID)
	m.streamTexts = append(m.streamTexts, text)
	m.streamCtxs = append(m.streamCtxs, ctx)
	var fn streamFunc
	if idx < len(m.streams) {
		fn = m.streams[idx]
	}
	m.mu.Unlock()

	return func(yield func(string, error) bool) {
		if fn == nil {
			return
		}
		fn(ctx, yield)
	}
}

func (r *recorder) MessageAppended(msg models.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appended = append(r.appended, msg)
}

func (r *recorder) StreamingUpdated(content string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streaming = append(r.streaming, content)
}

func (r *recorder) LoadingChanged(loading bool) {
	if !loading {
		r.idle <- struct{}{}
	}
}
