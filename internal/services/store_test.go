package services_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/MegaGrindStone/sentimara-web-ui/internal/models"
	"github.com/MegaGrindStone/sentimara-web-ui/internal/services"
)

type conversationStore interface {
	AddConversation(ctx context.Context, conv models.Conversation) error
	Conversation(ctx context.Context, id string) (models.Conversation, error)
	DeleteConversation(ctx context.Context, id string) error
	AddMessages(ctx context.Context, conversationID string, msgs ...models.StreamMessage) error
}

func TestConversationStores(t *testing.T) {
	stores := map[string]func(t *testing.T) conversationStore{
		"Memory": func(*testing.T) conversationStore {
			return services.NewMemory()
		},
		"BoltDB": func(t *testing.T) conversationStore {
			db, err := services.NewBoltDB(filepath.Join(t.TempDir(), "store.db"))
			if err != nil {
				t.Fatalf("NewBoltDB() error = %v", err)
			}
			t.Cleanup(func() { _ = db.Close() })
			return db
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			s := newStore(t)

			now := time.Now().UTC().Truncate(time.Second)
			conv := models.Conversation{
				ID:          "c1",
				CreatedAt:   now,
				UpdatedAt:   now,
				DocumentIDs: []string{},
			}
			if err := s.AddConversation(ctx, conv); err != nil {
				t.Fatalf("AddConversation() error = %v", err)
			}

			got, err := s.Conversation(ctx, "c1")
			if err != nil {
				t.Fatalf("Conversation() error = %v", err)
			}
			if got.ID != "c1" || len(got.Messages) != 0 {
				t.Errorf("Conversation() = %+v, want empty conversation c1", got)
			}

			msgs := []models.StreamMessage{
				{ID: "u1", Role: models.RoleUser, Content: "Hello", Status: models.StreamStatusSuccess},
				{ID: "a1", Role: models.RoleAssistant, Content: "Hi!", Status: models.StreamStatusSuccess},
			}
			if err := s.AddMessages(ctx, "c1", msgs...); err != nil {
				t.Fatalf("AddMessages() error = %v", err)
			}
			if err := s.AddMessages(ctx, "c1", models.StreamMessage{ID: "u2", Role: models.RoleUser, Content: "Again"}); err != nil {
				t.Fatalf("AddMessages() error = %v", err)
			}

			got, err = s.Conversation(ctx, "c1")
			if err != nil {
				t.Fatalf("Conversation() error = %v", err)
			}
			wantIDs := []string{"u1", "a1", "u2"}
			if len(got.Messages) != len(wantIDs) {
				t.Fatalf("Conversation() messages = %+v, want %d", got.Messages, len(wantIDs))
			}
			for i, id := range wantIDs {
				if got.Messages[i].ID != id {
					t.Errorf("message[%d].ID = %q, want %q", i, got.Messages[i].ID, id)
				}
			}
			if got.UpdatedAt.Before(now) {
				t.Errorf("UpdatedAt = %v, want not before %v", got.UpdatedAt, now)
			}

			if err := s.AddMessages(ctx, "missing", msgs...); !errors.Is(err, services.ErrConversationNotFound) {
				t.Errorf("AddMessages(missing) error = %v, want ErrConversationNotFound", err)
			}

			if err := s.DeleteConversation(ctx, "c1"); err != nil {
				t.Fatalf("DeleteConversation() error = %v", err)
			}
			if _, err := s.Conversation(ctx, "c1"); !errors.Is(err, services.ErrConversationNotFound) {
				t.Errorf("Conversation() after delete error = %v, want ErrConversationNotFound", err)
			}
			if err := s.DeleteConversation(ctx, "c1"); !errors.Is(err, services.ErrConversationNotFound) {
				t.Errorf("DeleteConversation() twice error = %v, want ErrConversationNotFound", err)
			}
		})
	}
}
