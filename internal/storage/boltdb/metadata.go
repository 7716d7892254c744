package boltdb

import (
	"context"
	"fmt"
	"strconv"

	"go.etcd.io/bbolt"

	"github.com/iudanet/tutordesk/internal/storage"
)

var (
	metaKeyNodeID      = []byte("node_id")
	metaKeyLastFlushAt = []byte("last_flush_at")
	metaKeyQueueSalt   = []byte("queue_salt")
)

// SaveNodeID persists the unique ID of this host installation.
func (s *Storage) SaveNodeID(ctx context.Context, nodeID string) error {
	return s.putMeta(metaKeyNodeID, []byte(nodeID))
}

// GetNodeID returns the persisted node ID, or "" if none was saved yet.
func (s *Storage) GetNodeID(ctx context.Context) (string, error) {
	data, err := s.getMeta(metaKeyNodeID)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SaveQueueSalt persists the salt used to derive the at-rest queue key.
func (s *Storage) SaveQueueSalt(ctx context.Context, salt []byte) error {
	return s.putMeta(metaKeyQueueSalt, salt)
}

// GetQueueSalt returns the persisted salt, or nil if none was saved yet.
func (s *Storage) GetQueueSalt(ctx context.Context) ([]byte, error) {
	return s.getMeta(metaKeyQueueSalt)
}

// SaveLastFlushAt persists the unix timestamp of the last successful flush.
func (s *Storage) SaveLastFlushAt(ctx context.Context, ts int64) error {
	return s.putMeta(metaKeyLastFlushAt, []byte(strconv.FormatInt(ts, 10)))
}

// GetLastFlushAt returns the unix timestamp of the last successful flush.
func (s *Storage) GetLastFlushAt(ctx context.Context) (int64, error) {
	data, err := s.getMeta(metaKeyLastFlushAt)
	if err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}

	ts, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("corrupt last flush timestamp: %w", err)
	}
	return ts, nil
}

func (s *Storage) putMeta(key, value []byte) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMeta).Put(key, value)
	})
	if err != nil {
		return fmt.Errorf("meta transaction failed: %w", err)
	}
	return nil
}

func (s *Storage) getMeta(key []byte) ([]byte, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketMeta).Get(key)
		if data != nil {
			out = make([]byte, len(data))
			copy(out, data)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("meta read failed: %w", err)
	}
	return out, nil
}
