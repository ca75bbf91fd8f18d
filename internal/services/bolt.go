package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/MegaGrindStone/sentimara-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB is a conversation store backed by a BoltDB file. Conversation records live in a single
// bucket; the messages of each conversation live in their own bucket, keyed by insertion sequence so
// that iteration returns them in order.
type BoltDB struct {
	db *bolt.DB
}

var conversationsBucket = []byte("conversations")

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes the database
// with required buckets and returns an error if the database cannot be opened or initialized. The
// database file is created with 0600 permissions if it doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(conversationsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create conversations bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

// AddConversation stores a new conversation record and creates its message bucket. Messages carried
// by conv are stored as well.
func (b BoltDB) AddConversation(_ context.Context, conv models.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		msgs := conv.Messages
		conv.Messages = nil

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		if err := tx.Bucket(conversationsBucket).Put([]byte(conv.ID), v); err != nil {
			return fmt.Errorf("failed to put conversation: %w", err)
		}

		mb, err := tx.CreateBucketIfNotExists(messageBucketName(conv.ID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		return putMessages(mb, msgs)
	})
}

// Conversation retrieves the conversation with the given ID and its messages in stored order.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(conversationsBucket).Get([]byte(id))
		if v == nil {
			return ErrConversationNotFound
		}
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}

		conv.Messages = []models.StreamMessage{}
		mb := tx.Bucket(messageBucketName(id))
		if mb == nil {
			return nil
		}
		return mb.ForEach(func(_, v []byte) error {
			var msg models.StreamMessage
			if err := json.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			conv.Messages = append(conv.Messages, msg)
			return nil
		})
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

// DeleteConversation removes the conversation record together with its messages.
func (b BoltDB) DeleteConversation(_ context.Context, id string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(conversationsBucket)
		if cb.Get([]byte(id)) == nil {
			return ErrConversationNotFound
		}
		if err := cb.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete conversation: %w", err)
		}
		if tx.Bucket(messageBucketName(id)) == nil {
			return nil
		}
		return tx.DeleteBucket(messageBucketName(id))
	})
}

// AddMessages appends messages to the conversation with the given ID and updates its timestamp.
func (b BoltDB) AddMessages(_ context.Context, conversationID string, msgs ...models.StreamMessage) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		cb := tx.Bucket(conversationsBucket)
		v := cb.Get([]byte(conversationID))
		if v == nil {
			return ErrConversationNotFound
		}

		var conv models.Conversation
		if err := json.Unmarshal(v, &conv); err != nil {
			return fmt.Errorf("failed to unmarshal conversation: %w", err)
		}
		conv.UpdatedAt = time.Now().UTC()
		nv, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}
		if err := cb.Put([]byte(conversationID), nv); err != nil {
			return fmt.Errorf("failed to put conversation: %w", err)
		}

		mb, err := tx.CreateBucketIfNotExists(messageBucketName(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}
		return putMessages(mb, msgs)
	})
}

func putMessages(b *bolt.Bucket, msgs []models.StreamMessage) error {
	for _, msg := range msgs {
		seq, err := b.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		v, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		// Zero-padded keys keep byte order equal to insertion order.
		if err := b.Put([]byte(fmt.Sprintf("%020d", seq)), v); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
	}
	return nil
}
