// Package assistant is a development stand-in for the conversation service. It serves the same
// conversation endpoints the chat UI consumes and answers messages with a configurable LLM, so the
// UI can be run end to end without the production backend.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/MegaGrindStone/sentimara-web-ui/internal/models"
	"github.com/MegaGrindStone/sentimara-web-ui/internal/services"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// LLM generates the assistant's reply to a conversation history. The reply is yielded in delta chunks.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message, temperature float64) iter.Seq2[string, error]
}

// Store persists conversations and their messages. Lookups of unknown conversations return
// services.ErrConversationNotFound.
type Store interface {
	AddConversation(ctx context.Context, conv models.Conversation) error
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	AddMessages(ctx context.Context, conversationID string, msgs ...models.StreamMessage) error
}

// Server serves the conversation endpoints.
type Server struct {
	llm          LLM
	store        Store
	pingInterval time.Duration

	logger *slog.Logger
}

// DefaultPingInterval is how often a keepalive comment is written to an idle reply stream.
const DefaultPingInterval = 15 * time.Second

const errLoggerKey = "err"

type createConversationRequest struct {
	DocumentIDs []string `json:"document_ids"`
}

type chunk struct {
	text string
	err  error
}

// NewServer creates a Server that answers with llm and keeps conversations in store. A non-positive
// pingInterval selects DefaultPingInterval.
func NewServer(llm LLM, store Store, pingInterval time.Duration, logger *slog.Logger) Server {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	return Server{
		llm:          llm,
		store:        store,
		pingInterval: pingInterval,
		logger:       logger.With(slog.String("module", "assistant")),
	}
}

// Routes returns the HTTP handler of the conversation endpoints.
func (s Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/api/health/", s.HandleHealth)
	r.Route("/api/conversation", func(r chi.Router) {
		r.Post("/", s.HandleCreateConversation)
		r.Get("/{conversationID}", s.HandleGetConversation)
		r.Delete("/{conversationID}", s.HandleDeleteConversation)
		r.Get("/{conversationID}/message", s.HandleMessage)
	})

	return r
}

// HandleHealth reports that the service is up.
func (s Server) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HandleCreateConversation creates a new, empty conversation scoped to the requested documents.
func (s Server) HandleCreateConversation(w http.ResponseWriter, r *http.Request) {
	var req createConversationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeDetail(w, http.StatusUnprocessableEntity, "Invalid request body")
		return
	}
	if req.DocumentIDs == nil {
		req.DocumentIDs = []string{}
	}

	now := time.Now().UTC()
	conv := models.Conversation{
		ID:          uuid.New().String(),
		CreatedAt:   now,
		UpdatedAt:   now,
		DocumentIDs: req.DocumentIDs,
		Messages:    []models.StreamMessage{},
	}
	if err := s.store.AddConversation(r.Context(), conv); err != nil {
		s.logger.Error("Failed to add conversation", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.logger.Info("Conversation created", slog.String("conversationID", conv.ID))
	writeJSON(w, http.StatusOK, conv)
}

// HandleGetConversation returns a conversation together with its messages.
func (s Server) HandleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// HandleDeleteConversation deletes a conversation and its messages.
func (s Server) HandleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteConversation(r.Context(), chi.URLParam(r, "conversationID"))
	if errors.Is(err, services.ErrConversationNotFound) {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return
	}
	if err != nil {
		s.logger.Error("Failed to delete conversation", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleMessage sends a user message to a conversation and streams the assistant's reply as SSE. Every
// event is the whole assistant message so far with status PENDING; the last one is SUCCESS, or ERROR
// if the reply could not be generated. Both messages are saved once the reply is complete.
func (s Server) HandleMessage(w http.ResponseWriter, r *http.Request) {
	userMessage := r.URL.Query().Get("user_message")
	if userMessage == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "user_message is required")
		return
	}
	temperature, err := strconv.ParseFloat(r.URL.Query().Get("temperature"), 64)
	if err != nil {
		writeDetail(w, http.StatusUnprocessableEntity, "temperature must be a number")
		return
	}

	conv, ok := s.conversation(w, r)
	if !ok {
		return
	}

	sess, err := sse.Upgrade(w, r)
	if err != nil {
		s.logger.Error("Failed to upgrade to SSE", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusInternalServerError, "Streaming unsupported")
		return
	}
	if err := sess.Flush(); err != nil {
		s.logger.Warn("Failed to open reply stream", slog.String(errLoggerKey, err.Error()))
		return
	}

	now := time.Now().UTC()
	userMsg := models.StreamMessage{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        userMessage,
		Status:         models.StreamStatusSuccess,
		Temperature:    temperature,
		CreatedAt:      &now,
		UpdatedAt:      &now,
	}
	reply := models.StreamMessage{
		ID:             uuid.New().String(),
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Status:         models.StreamStatusPending,
		Temperature:    temperature,
	}

	ctx := r.Context()
	chunks := s.generate(ctx, append(history(conv.Messages), models.Message{
		Role:    models.RoleUser,
		Content: userMessage,
	}), temperature)

	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	finalStatus := models.StreamStatusSuccess
loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Client left before the reply was complete",
				slog.String("conversationID", conv.ID))
			return
		case <-ticker.C:
			if err := s.ping(sess); err != nil {
				s.logger.Warn("Failed to send ping", slog.String(errLoggerKey, err.Error()))
				return
			}
		case c, ok := <-chunks:
			if !ok {
				break loop
			}
			if c.err != nil {
				s.logger.Error("Error from llm provider", slog.String(errLoggerKey, c.err.Error()))
				finalStatus = models.StreamStatusError
				break loop
			}
			reply.Content += c.text
			if err := s.send(sess, reply); err != nil {
				s.logger.Warn("Failed to send reply event", slog.String(errLoggerKey, err.Error()))
				return
			}
		}
	}

	if ctx.Err() != nil {
		return
	}

	done := time.Now().UTC()
	reply.Status = finalStatus
	reply.CreatedAt = &now
	reply.UpdatedAt = &done

	if err := s.store.AddMessages(ctx, conv.ID, userMsg, reply); err != nil {
		s.logger.Error("Failed to save messages",
			slog.String("conversationID", conv.ID),
			slog.String(errLoggerKey, err.Error()))
	}

	if err := s.send(sess, reply); err != nil {
		s.logger.Warn("Failed to send final event", slog.String(errLoggerKey, err.Error()))
	}
}

func (s Server) conversation(w http.ResponseWriter, r *http.Request) (models.Conversation, bool) {
	conv, err := s.store.Conversation(r.Context(), chi.URLParam(r, "conversationID"))
	if errors.Is(err, services.ErrConversationNotFound) {
		writeDetail(w, http.StatusNotFound, "Conversation not found")
		return models.Conversation{}, false
	}
	if err != nil {
		s.logger.Error("Failed to get conversation", slog.String(errLoggerKey, err.Error()))
		writeDetail(w, http.StatusInternalServerError, "Internal server error")
		return models.Conversation{}, false
	}
	return conv, true
}

// generate runs the LLM in its own goroutine so the stream loop can interleave keepalives. The channel
// is closed when the reply is complete or ctx is done.
func (s Server) generate(ctx context.Context, messages []models.Message, temperature float64) <-chan chunk {
	chunks := make(chan chunk)
	go func() {
		defer close(chunks)
		for text, err := range s.llm.Chat(ctx, messages, temperature) {
			select {
			case chunks <- chunk{text: text, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return chunks
}

func (s Server) send(sess *sse.Session, msg models.StreamMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	e := &sse.Message{}
	e.AppendData(string(data))
	if err := sess.Send(e); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	return sess.Flush()
}

func (s Server) ping(sess *sse.Session) error {
	e := &sse.Message{}
	e.AppendComment(models.KeepaliveMarker + " " + time.Now().UTC().Format("2006-01-02 15:04:05.000000"))
	if err := sess.Send(e); err != nil {
		return fmt.Errorf("failed to send ping: %w", err)
	}
	return sess.Flush()
}

// history converts stored messages into LLM input, leaving out replies that failed.
func history(msgs []models.StreamMessage) []models.Message {
	res := make([]models.Message, 0, len(msgs)+1)
	for _, msg := range msgs {
		if msg.Status == models.StreamStatusError || msg.Content == "" {
			continue
		}
		res = append(res, models.Message{
			ID:      msg.ID,
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	return res
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}
