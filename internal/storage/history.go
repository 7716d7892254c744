package storage

import (
	"context"
	"time"

	"github.com/iudanet/tutordesk/internal/models"
)

//go:generate moq -out history_mock.go . HistoryStorage

// SyncAttempt итог одного прогона flush для журнала синхронизации.
type SyncAttempt struct {
	StartedAt  time.Time // StartedAt начало прогона
	FinishedAt time.Time // FinishedAt конец прогона
	Outcome    string    // Outcome completed / failed / conflict
	Error      string    // Error текст ошибки для failed-прогонов
	Delivered  int       // Delivered число доставленных записей
	Remaining  int       // Remaining число записей, оставшихся в очереди
}

// HistoryStorage defines interface for the durable audit trail:
// разрешенные конфликты и итоги прогонов синхронизации.
// Ошибки записи истории не должны ронять синхронизацию — вызывающая
// сторона логирует их и продолжает.
type HistoryStorage interface {
	// RecordResolution appends a resolved conflict to history.
	RecordResolution(ctx context.Context, c *models.Conflict) error

	// RecordSyncAttempt appends the outcome of one flush run.
	RecordSyncAttempt(ctx context.Context, a SyncAttempt) error

	// ResolutionsSince returns resolved conflicts with ResolvedAt >= since,
	// newest first.
	ResolutionsSince(ctx context.Context, since time.Time) ([]*models.Conflict, error)
}
