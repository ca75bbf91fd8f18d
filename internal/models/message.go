package models

import "time"

// Message represents an individual entry within a chat transcript. It contains the participant's role,
// the displayed content, and the time it was appended. An empty ID stands for an entry the
// conversation service never identified, such as a locally generated error notice.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// IsError marks entries produced by the client itself to report a failure.
	IsError bool `json:"is_error,omitempty"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a message typed by the user.
	RoleUser Role = "user"
	// RoleAssistant represents a message produced by the assistant, including client-side error notices.
	RoleAssistant Role = "assistant"
)

// Conversation is the server-side record of a conversation as returned by the conversation service.
type Conversation struct {
	ID          string          `json:"id"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	DocumentIDs []string        `json:"document_ids"`
	Messages    []StreamMessage `json:"messages"`
}
