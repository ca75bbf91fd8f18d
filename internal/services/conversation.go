package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/tmaxmax/go-sse"
)

// Conversation is a client of the remote conversation service. It creates conversations and opens the
// server-push stream that carries the assistant's reply to a user message.
type Conversation struct {
	baseURL     string
	documentIDs []string
	temperature float64

	client *http.Client

	logger *slog.Logger
}

// DefaultTemperature is the sampling temperature sent with every message when none is configured.
const DefaultTemperature = 0.7

type createConversationRequest struct {
	DocumentIDs []string `json:"document_ids"`
}

type createConversationResponse struct {
	ID string `json:"id"`
}

// NewConversation creates a Conversation client for the service at baseURL. documentIDs scopes new
// conversations to the given documents and may be empty.
func NewConversation(baseURL string, documentIDs []string, temperature float64, logger *slog.Logger) Conversation {
	if documentIDs == nil {
		documentIDs = []string{}
	}
	return Conversation{
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		documentIDs: documentIDs,
		temperature: temperature,
		client:      &http.Client{},
		logger:      logger.With(slog.String("module", "conversation")),
	}
}

// CreateConversation asks the service for a new conversation and returns its identifier.
func (c Conversation) CreateConversation(ctx context.Context) (string, error) {
	body, err := json.Marshal(createConversationRequest{DocumentIDs: c.documentIDs})
	if err != nil {
		return "", fmt.Errorf("error marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/conversation/", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("HTTP error! status: %d", resp.StatusCode)
	}

	var res createConversationResponse
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return "", fmt.Errorf("error decoding response: %w", err)
	}
	if res.ID == "" {
		return "", errors.New("response has no conversation id")
	}

	return res.ID, nil
}

// StreamMessage sends text to the conversation and yields the data of every event pushed back. The
// stream is never reconnected: it ends when the service closes it, when the context is cancelled, or
// when the caller stops iterating.
func (c Conversation) StreamMessage(ctx context.Context, conversationID, text string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		q := url.Values{}
		q.Set("user_message", text)
		q.Set("temperature", strconv.FormatFloat(c.temperature, 'f', -1, 64))

		streamURL := fmt.Sprintf("%s/api/conversation/%s/message?%s",
			c.baseURL, url.PathEscape(conversationID), q.Encode())

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
		if err != nil {
			yield("", fmt.Errorf("error creating request: %w", err))
			return
		}
		req.Header.Set("Accept", "text/event-stream")
		req.Header.Set("Cache-Control", "no-cache")

		resp, err := c.client.Do(req)
		if err != nil {
			yield("", fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			yield("", fmt.Errorf("HTTP error! status: %d: %s", resp.StatusCode, strings.TrimSpace(string(msg))))
			return
		}

		c.logger.Debug("Stream opened", slog.String("conversationID", conversationID))

		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				yield("", fmt.Errorf("error reading stream: %w", err))
				return
			}
			if ev.Type != "" && ev.Type != "message" {
				continue
			}
			if !yield(ev.Data, nil) {
				return
			}
		}
	}
}
