// Package chat holds the state of a single chat page: the transcript, the reply being streamed, and
// the one push-stream connection that feeds it.
package chat

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MegaGrindStone/sentimara-web-ui/internal/models"
	"github.com/google/uuid"
)

// Service is the remote conversation service. StreamMessage yields the raw payload of every pushed
// event; decoding is left to the Client so that malformed payloads are handled in one place.
type Service interface {
	CreateConversation(ctx context.Context) (string, error)
	StreamMessage(ctx context.Context, conversationID, text string) iter.Seq2[string, error]
}

// Observer is notified of every visible state change. Calls are made while the Client holds its lock,
// so they arrive in order and must not call back into the Client.
type Observer interface {
	MessageAppended(msg models.Message)
	StreamingUpdated(content string)
	LoadingChanged(loading bool)
}

// State is a point-in-time copy of the Client's visible state.
type State struct {
	ConversationID string
	Messages       []models.Message
	Streaming      string
	Loading        bool
}

// Client is the chat client of one page. It creates the conversation session, opens at most one push
// stream at a time, and folds the streamed events into the transcript.
type Client struct {
	service  Service
	observer Observer
	logger   *slog.Logger

	sessionMu sync.Mutex

	mu             sync.Mutex
	conversationID string
	messages       []models.Message
	streaming      string
	loading        bool
	active         *stream
	closed         bool

	wg sync.WaitGroup
}

type stream struct {
	cancel context.CancelFunc
}

// Texts of the error entries appended to the transcript.
const (
	CreateConversationErrorText = "Failed to create conversation. Please check your connection and try again."
	StreamErrorText             = "Sorry, there was an error processing your message. Please try again."
)

var (
	// ErrEmptyMessage is returned by Send when the text is blank.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("chat client is closed")

	errStreamEnded  = errors.New("stream ended before completion")
	errStreamFailed = errors.New("assistant reported an error")
)

const errLoggerKey = "err"

// NewClient creates a Client backed by the given conversation service. A nil observer is allowed.
func NewClient(service Service, observer Observer, logger *slog.Logger) *Client {
	if observer == nil {
		observer = noopObserver{}
	}
	return &Client{
		service:  service,
		observer: observer,
		logger:   logger.With(slog.String("module", "chat")),
	}
}

// CreateSession creates the conversation session if there is none yet and returns its identifier.
// A failure is reported to the user as an error entry in the transcript, and false is returned.
func (c *Client) CreateSession(ctx context.Context) (string, bool) {
	c.sessionMu.Lock()
	defer c.sessionMu.Unlock()

	c.mu.Lock()
	id := c.conversationID
	c.mu.Unlock()
	if id != "" {
		return id, true
	}

	id, err := c.service.CreateConversation(ctx)
	if err != nil {
		c.logger.Error("Failed to create conversation", slog.String(errLoggerKey, err.Error()))
		c.mu.Lock()
		c.appendLocked(errorMessage(CreateConversationErrorText))
		c.mu.Unlock()
		return "", false
	}

	c.mu.Lock()
	c.conversationID = id
	c.mu.Unlock()

	c.logger.Info("New conversation created", slog.String("conversationID", id))
	return id, true
}

// Send appends the user's message and opens a new stream for the reply, closing any stream that is
// still open. It returns once the stream is started; the reply is applied in the background.
func (c *Client) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}

	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrClosed
	}

	conversationID, ok := c.CreateSession(ctx)
	if !ok {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}

	c.closeStreamLocked()
	c.setStreamingLocked("")
	c.setLoadingLocked(true)
	c.appendLocked(models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: time.Now(),
	})

	// The stream outlives the caller's request, so it gets its own context.
	streamCtx, cancel := context.WithCancel(context.Background())
	st := &stream{cancel: cancel}
	c.active = st

	c.wg.Add(1)
	go c.consume(streamCtx, st, conversationID, text)

	return nil
}

// State returns a copy of the current visible state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]models.Message, len(c.messages))
	copy(msgs, c.messages)
	return State{
		ConversationID: c.conversationID,
		Messages:       msgs,
		Streaming:      c.streaming,
		Loading:        c.loading,
	}
}

// Close closes the active stream, if any, and waits until its goroutine has exited. Further calls to
// Send return ErrClosed.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	c.closeStreamLocked()
	c.mu.Unlock()

	c.wg.Wait()
}

func (c *Client) consume(ctx context.Context, st *stream, conversationID, text string) {
	defer c.wg.Done()
	defer st.cancel()

	for payload, err := range c.service.StreamMessage(ctx, conversationID, text) {
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(st, err)
			return
		}

		if c.handlePayload(st, payload) {
			return
		}
	}

	if ctx.Err() != nil {
		return
	}
	c.fail(st, errStreamEnded)
}

// handlePayload applies one stream payload and reports whether the stream is finished, either by
// reaching a terminal status or by having been superseded.
func (c *Client) handlePayload(st *stream, payload string) bool {
	ev, ok := models.ParseStreamEvent(payload)
	if !ok {
		c.logger.Debug("Skipping stream payload", slog.String("payload", payload))
		return false
	}
	if ev.Role != models.RoleAssistant {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != st {
		return true
	}

	if ev.Content != "" {
		c.setStreamingLocked(ev.Content)
	}

	switch ev.Status {
	case models.StreamStatusSuccess:
		id := ev.ID
		if id == "" {
			id = uuid.New().String()
		}
		c.appendLocked(models.Message{
			ID:        id,
			Role:      models.RoleAssistant,
			Content:   ev.Content,
			Timestamp: time.Now(),
		})
		c.setStreamingLocked("")
		c.setLoadingLocked(false)
		c.closeStreamLocked()
		return true
	case models.StreamStatusError:
		c.failLocked(errStreamFailed)
		return true
	}

	return false
}

func (c *Client) fail(st *stream, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active != st {
		return
	}
	c.failLocked(err)
}

func (c *Client) failLocked(err error) {
	c.logger.Error("Stream failed", slog.String(errLoggerKey, err.Error()))

	c.setLoadingLocked(false)
	c.setStreamingLocked("")
	c.closeStreamLocked()
	c.appendLocked(errorMessage(StreamErrorText))
}

func (c *Client) closeStreamLocked() {
	if c.active == nil {
		return
	}
	c.active.cancel()
	c.active = nil
}

func (c *Client) appendLocked(msg models.Message) {
	c.messages = append(c.messages, msg)
	c.observer.MessageAppended(msg)
}

func (c *Client) setStreamingLocked(content string) {
	if c.streaming == content {
		return
	}
	c.streaming = content
	c.observer.StreamingUpdated(content)
}

func (c *Client) setLoadingLocked(loading bool) {
	if c.loading == loading {
		return
	}
	c.loading = loading
	c.observer.LoadingChanged(loading)
}

func errorMessage(content string) models.Message {
	return models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleAssistant,
		Content:   content,
		Timestamp: time.Now(),
		IsError:   true,
	}
}

type noopObserver struct{}

func (noopObserver) MessageAppended(models.Message) {}
func (noopObserver) StreamingUpdated(string)        {}
func (noopObserver) LoadingChanged(bool)            {}
