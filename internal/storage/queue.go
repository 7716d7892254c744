package storage

import (
	"context"

	"github.com/iudanet/tutordesk/internal/models"
)

//go:generate moq -out queue_mock.go . QueueStorage

// QueueStorage defines interface for the durable offline write queue.
// Записи должны переживать перезапуск процесса и возвращаться строго
// в порядке постановки (по возрастанию ID).
type QueueStorage interface {
	// Append appends an entry and assigns it a monotonically increasing ID.
	// Поле entry.ID заполняется хранилищем.
	Append(ctx context.Context, entry *models.QueueEntry) error

	// Entries returns all pending entries ordered by ID ascending.
	Entries(ctx context.Context) ([]*models.QueueEntry, error)

	// Update overwrites an existing entry (payload rewrite after resolution).
	// Returns ErrEntryNotFound if entry doesn't exist.
	Update(ctx context.Context, entry *models.QueueEntry) error

	// Delete removes an acknowledged entry by ID.
	Delete(ctx context.Context, id uint64) error

	// DeleteByEntity removes all entries for the given entity key.
	// Returns the number of removed entries.
	DeleteByEntity(ctx context.Context, key models.EntityKey) (int, error)

	// Len returns the number of pending entries.
	Len(ctx context.Context) (int, error)

	// Clear removes all entries. Used on full engine reset and in tests.
	Clear(ctx context.Context) error
}
