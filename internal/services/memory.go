package services

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MegaGrindStone/sentimara-web-ui/internal/models"
)

// Memory is a conversation store that keeps everything in process memory. It is safe for concurrent
// use and loses its content when the process exits.
type Memory struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
}

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{conversations: make(map[string]models.Conversation)}
}

// AddConversation stores a new conversation. An existing conversation with the same ID is replaced.
func (m *Memory) AddConversation(_ context.Context, conv models.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv.Messages = slices.Clone(conv.Messages)
	m.conversations[conv.ID] = conv
	return nil
}

// Conversation returns the conversation with the given ID along with its messages.
func (m *Memory) Conversation(_ context.Context, id string) (models.Conversation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conv, ok := m.conversations[id]
	if !ok {
		return models.Conversation{}, ErrConversationNotFound
	}
	conv.Messages = slices.Clone(conv.Messages)
	return conv, nil
}

// DeleteConversation removes the conversation with the given ID.
func (m *Memory) DeleteConversation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.conversations[id]; !ok {
		return ErrConversationNotFound
	}
	delete(m.conversations, id)
	return nil
}

// AddMessages appends messages to the conversation with the given ID and bumps its update time.
func (m *Memory) AddMessages(_ context.Context, conversationID string, msgs ...models.StreamMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv, ok := m.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	conv.Messages = append(conv.Messages, msgs...)
	conv.UpdatedAt = time.Now().UTC()
	m.conversations[conversationID] = conv
	return nil
}
