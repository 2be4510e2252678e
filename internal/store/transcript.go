package store

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"aide/internal/types"
)

var bucketTranscripts = []byte("transcripts")

// TranscriptStore persists finalized conversation messages so a session
// survives process restarts. One nested bucket per conversation, messages
// keyed by a big-endian sequence number to keep bbolt iteration in insertion
// order.
type TranscriptStore struct {
	db *bolt.DB
}

func OpenTranscriptStore(path string) (*TranscriptStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("transcript db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTranscripts)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &TranscriptStore{db: db}, nil
}

func (s *TranscriptStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append stores one finalized message at the end of the conversation's
// transcript.
func (s *TranscriptStore) Append(conversationID string, message types.Message) error {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("conversation id is required")
	}
	data, err := json.Marshal(message)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketTranscripts)
		bucket, err := root.CreateBucketIfNotExists([]byte(conversationID))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, seq)
		return bucket.Put(key, data)
	})
}

// Load returns the conversation's messages in insertion order. A missing
// conversation yields an empty slice, not an error.
func (s *TranscriptStore) Load(conversationID string) ([]types.Message, error) {
	var out []types.Message
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(bucketTranscripts).Bucket([]byte(strings.TrimSpace(conversationID)))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(_, value []byte) error {
			var message types.Message
			if err := json.Unmarshal(value, &message); err != nil {
				return err
			}
			out = append(out, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Clear removes one conversation's transcript, or every transcript when id is
// empty.
func (s *TranscriptStore) Clear(conversationID string) error {
	conversationID = strings.TrimSpace(conversationID)
	return s.db.Update(func(tx *bolt.Tx) error {
		root := tx.Bucket(bucketTranscripts)
		if conversationID != "" {
			err := root.DeleteBucket([]byte(conversationID))
			if errors.Is(err, bolt.ErrBucketNotFound) {
				return nil
			}
			return err
		}
		var names [][]byte
		if err := root.ForEachBucket(func(name []byte) error {
			names = append(names, append([]byte{}, name...))
			return nil
		}); err != nil {
			return err
		}
		for _, name := range names {
			if err := root.DeleteBucket(name); err != nil {
				return err
			}
		}
		return nil
	})
}

// Conversations lists the stored conversation ids.
func (s *TranscriptStore) Conversations() ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTranscripts).ForEachBucket(func(name []byte) error {
			out = append(out, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
