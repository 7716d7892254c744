package storage

import (
	"context"

	"github.com/iudanet/tutordesk/internal/models"
)

//go:generate moq -out conflicts_mock.go . ConflictStorage

// ConflictStorage defines interface for active (unresolved) conflict records.
// Разрешенные конфликты переносятся в историю (HistoryStorage) и здесь
// не хранятся.
type ConflictStorage interface {
	// SaveConflict stores or updates a conflict record.
	SaveConflict(ctx context.Context, c *models.Conflict) error

	// GetConflict retrieves a conflict by ID.
	// Returns ErrConflictNotFound if it doesn't exist.
	GetConflict(ctx context.Context, id string) (*models.Conflict, error)

	// PendingConflicts returns all unresolved conflicts ordered by DetectedAt.
	PendingConflicts(ctx context.Context) ([]*models.Conflict, error)

	// DeleteConflict removes a conflict record by ID.
	DeleteConflict(ctx context.Context, id string) error
}
