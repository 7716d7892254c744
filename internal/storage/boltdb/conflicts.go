package boltdb

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.etcd.io/bbolt"

	"github.com/iudanet/tutordesk/internal/models"
	"github.com/iudanet/tutordesk/internal/storage"
)

// SaveConflict stores or updates a conflict record.
func (s *Storage) SaveConflict(ctx context.Context, c *models.Conflict) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal conflict: %w", err)
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConflicts).Put([]byte(c.ID), data)
	})
	if err != nil {
		return fmt.Errorf("save conflict transaction failed: %w", err)
	}

	return nil
}

// GetConflict retrieves a conflict by ID.
func (s *Storage) GetConflict(ctx context.Context, id string) (*models.Conflict, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var c *models.Conflict

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketConflicts).Get([]byte(id))
		if data == nil {
			return storage.ErrConflictNotFound
		}

		c = &models.Conflict{}
		if err := json.Unmarshal(data, c); err != nil {
			return fmt.Errorf("failed to unmarshal conflict: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

// PendingConflicts returns all unresolved conflicts ordered by DetectedAt.
func (s *Storage) PendingConflicts(ctx context.Context) ([]*models.Conflict, error) {
	if s.db == nil {
		return nil, storage.ErrStorageClosed
	}

	var conflicts []*models.Conflict

	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConflicts).ForEach(func(k, v []byte) error {
			var c models.Conflict
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("failed to unmarshal conflict: %w", err)
			}
			if c.Status == models.ConflictPending {
				conflicts = append(conflicts, &c)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read conflicts: %w", err)
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt)
	})

	return conflicts, nil
}

// DeleteConflict removes a conflict record by ID.
func (s *Storage) DeleteConflict(ctx context.Context, id string) error {
	if s.db == nil {
		return storage.ErrStorageClosed
	}

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConflicts).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete conflict transaction failed: %w", err)
	}

	return nil
}
