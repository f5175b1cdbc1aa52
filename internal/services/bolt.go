package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/fullwhere/rag-web-ui/internal/models"
	bolt "go.etcd.io/bbolt"
)

// BoltDB implements chat.Archiver using a BoltDB file. Sessions are stored in a single bucket and
// every session's messages in a bucket of their own, keyed by insertion sequence.
type BoltDB struct {
	db *bolt.DB
}

var sessionsBucket = []byte("sessions")

// ErrSessionNotArchived is returned by Messages for a session id that was never archived.
var ErrSessionNotArchived = errors.New("session not archived")

// NewBoltDB opens (or creates, with 0600 permissions) the archive at path and makes sure the
// sessions bucket exists.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(sessionsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return BoltDB{}, fmt.Errorf("failed to create sessions bucket: %w", err)
	}

	return BoltDB{db: db}, nil
}

// Close releases the database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(sessionID string) []byte {
	return []byte(fmt.Sprintf("session-%s", sessionID))
}

// AddSession stores the session record and creates its message bucket.
func (b BoltDB) AddSession(_ context.Context, session models.Session) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(messageBucketName(session.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(session)
		if err != nil {
			return fmt.Errorf("failed to marshal session: %w", err)
		}

		return tx.Bucket(sessionsBucket).Put([]byte(session.ID), v)
	})
}

// AddMessage appends a message to the session's bucket. Keys are zero-padded sequence numbers so
// that iteration order is insertion order.
func (b BoltDB) AddMessage(_ context.Context, sessionID string, message models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(sessionID))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotArchived, sessionID)
		}

		seq, err := bucket.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}

		v, err := json.Marshal(message)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bucket.Put([]byte(fmt.Sprintf("%020d", seq)), v)
	})
}

// Sessions returns every archived session, most recent first.
func (b BoltDB) Sessions(context.Context) ([]models.Session, error) {
	var sessions []models.Session
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).ForEach(func(_, v []byte) error {
			var session models.Session
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

	slices.SortFunc(sessions, func(a, b models.Session) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	return sessions, nil
}

// Messages returns the archived messages of a session in the order they were appended.
func (b BoltDB) Messages(_ context.Context, sessionID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(messageBucketName(sessionID))
		if bucket == nil {
			return fmt.Errorf("%w: %s", ErrSessionNotArchived, sessionID)
		}

		return bucket.ForEach(func(_, v []byte) error {
			var message models.Message
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
