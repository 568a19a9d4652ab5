package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/avandelay-labs/graphrag-webui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB persists completed conversations in a local BoltDB file: one bucket holds
// session records keyed by their server-assigned id, and each session owns a message
// bucket keyed in insertion order. Only finalized messages are ever written; transient
// streaming state never touches the store.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB creates a new BoltDB instance with the specified file path. It initializes
// the database with required buckets and returns an error if the database cannot be
// opened or initialized. The database file is created with 0600 permissions if it
// doesn't exist.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("sessions"))
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(sessionID string) []byte {
	return []byte(fmt.Sprintf("session-%s", sessionID))
}

// Sessions retrieves all stored session records, most recently active first.
func (b BoltDB) Sessions(context.Context) ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("sessions"))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var session models.ChatSession
			if err := json.Unmarshal(v, &session); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
			sessions = append(sessions, session)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(sessions, func(a, b models.ChatSession) int {
		return int(b.LastActivity - a.LastActivity)
	})
	return sessions, nil
}

// SaveSession upserts a session record and ensures its message bucket exists. The
// session's message list is not written here; messages are appended individually.
func (b BoltDB) SaveSession(_ context.Context, session models.ChatSession) error {
	if session.SessionID == "" {
		return fmt.Errorf("session id is required")
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("sessions"))
		if bkt == nil {
			return nil
		}

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(session.SessionID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		return bkt.Put([]byte(session.SessionID), v)
	})
}

// updateSession applies a partial mutation to a session record inside one write
// transaction, so concurrent field updates cannot clobber each other. A missing
// record is created from the mutation.
func (b BoltDB) updateSession(sessionID string, fn func(*models.ChatSession)) error {
	if sessionID == "" {
		return fmt.Errorf("session id is required")
	}

	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("sessions"))
		if bkt == nil {
			return nil
		}

		session := models.ChatSession{SessionID: sessionID}
		if v := bkt.Get([]byte(sessionID)); v != nil {
			if err := json.Unmarshal(v, &session); err != nil {
				return fmt.Errorf("failed to unmarshal session: %w", err)
			}
		}
		fn(&session)

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}
		return bkt.Put([]byte(sessionID), v)
	})
}

// TouchSession records a completed exchange: the new turn count and activity
// timestamp. All other fields of the record are left as stored.
func (b BoltDB) TouchSession(_ context.Context, sessionID string, conversationTurn int, lastActivity int64) error {
	return b.updateSession(sessionID, func(s *models.ChatSession) {
		s.ConversationTurn = conversationTurn
		s.LastActivity = lastActivity
		if s.CreatedAt == 0 {
			s.CreatedAt = lastActivity
		}
	})
}

// SetSessionTitle updates only the session's title.
func (b BoltDB) SetSessionTitle(_ context.Context, sessionID, title string) error {
	return b.updateSession(sessionID, func(s *models.ChatSession) {
		s.Title = title
	})
}

// Messages retrieves all messages of the specified session in insertion order.
func (b BoltDB) Messages(_ context.Context, sessionID string) ([]models.ChatMessage, error) {
	var messages []models.ChatMessage
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket(messageBucketName(sessionID))
		if bkt == nil {
			return nil
		}

		return bkt.ForEach(func(_, v []byte) error {
			var message models.ChatMessage
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// AddMessage appends a finalized message to the session's message bucket. Keys carry
// a zero-padded sequence prefix so iteration preserves insertion order.
func (b BoltDB) AddMessage(_ context.Context, sessionID string, message models.ChatMessage) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists(messageBucketName(sessionID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		seq, err := bkt.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bkt.Put([]byte(fmt.Sprintf("%020d-%s", seq, message.ID)), v)
	})
}

// DeleteSession removes a session record and its message bucket.
func (b BoltDB) DeleteSession(_ context.Context, sessionID string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte("sessions"))
		if bkt == nil {
			return nil
		}
		if err := bkt.Delete([]byte(sessionID)); err != nil {
			return err
		}

		if err := tx.DeleteBucket(messageBucketName(sessionID)); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		return nil
	})
}
