package models

import (
	"encoding/json"
	"strings"
	"time"
)

// StreamMessage is the message object pushed by the conversation service on every stream event. Each
// event carries the whole accumulated reply, not a delta, so the latest Content always replaces the
// previous one.
type StreamMessage struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversation_id,omitempty"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	Status         StreamStatus `json:"status"`
	Temperature    float64      `json:"temperature,omitempty"`
	CreatedAt      *time.Time   `json:"created_at,omitempty"`
	UpdatedAt      *time.Time   `json:"updated_at,omitempty"`
}

// StreamStatus is the lifecycle marker of a streamed message.
type StreamStatus string

const (
	// StreamStatusPending marks a reply that is still being generated.
	StreamStatusPending StreamStatus = "PENDING"
	// StreamStatusSuccess is the terminal marker of a completed reply.
	StreamStatusSuccess StreamStatus = "SUCCESS"
	// StreamStatusError is the terminal marker of a reply that failed to generate.
	StreamStatusError StreamStatus = "ERROR"
)

// KeepaliveMarker is contained in the keepalive payloads the conversation service interleaves with
// its events.
const KeepaliveMarker = "ping -"

// ParseStreamEvent decodes one stream payload. It reports false for keepalives and for anything that
// is not a JSON object, so callers can drop those without further checks.
func ParseStreamEvent(data string) (StreamMessage, bool) {
	if strings.Contains(data, KeepaliveMarker) {
		return StreamMessage{}, false
	}

	var msg StreamMessage
	if err := json.Unmarshal([]byte(data), &msg); err != nil {
		return StreamMessage{}, false
	}
	return msg, true
}

// Terminal reports whether the status ends a stream.
func (s StreamStatus) Terminal() bool {
	return s == StreamStatusSuccess || s == StreamStatusError
}
