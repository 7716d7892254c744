package boltdb

import (
	"context"
	"encoding/json"
	"fmt"

	"go.etcd.io/bbolt"

	"github.com/iudanet/tutordesk/internal/models"
	"github.com/iudanet/tutordesk/internal/storage"
)

// SaveVersion stores the version record for the given entity.
func (s *Storage) SaveVersion(ctx context.Context, key models.EntityKey, rec models.VersionRecord) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal version record: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVersions).Put([]byte(key.String()), data)
	})
	if err != nil {
		return fmt.Errorf("save version transaction failed: %w", err)
	}

	return nil
}

// LoadVersions returns all persisted version records.
func (s *Storage) LoadVersions(ctx context.Context) (map[models.EntityKey]models.VersionRecord, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	records := make(map[models.EntityKey]models.VersionRecord)

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketVersions).ForEach(func(k, v []byte) error {
			key, err := models.ParseEntityKey(string(k))
			if err != nil {
				return fmt.Errorf("corrupt version key: %w", err)
			}

			var rec models.VersionRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("failed to unmarshal version record: %w", err)
			}

			records[key] = rec
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load versions: %w", err)
	}

	return records, nil
}

// DeleteVersions removes all version records.
func (s *Storage) DeleteVersions(ctx context.Context) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketVersions); err != nil {
			return fmt.Errorf("failed to delete bucket: %w", err)
		}
		if _, err := tx.CreateBucket(bucketVersions); err != nil {
			return fmt.Errorf("failed to recreate bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete versions transaction failed: %w", err)
	}

	return nil
}
