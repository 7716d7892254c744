package storage

import (
	"context"

	"github.com/iudanet/tutordesk/internal/models"
)

//go:generate moq -out versions_mock.go . VersionStorage

// VersionStorage defines interface for persisting per-entity version records.
// Трекер версий держит состояние в памяти и пишет сюда насквозь,
// чтобы счетчики переживали перезапуск.
type VersionStorage interface {
	// SaveVersion stores the version record for the given entity.
	SaveVersion(ctx context.Context, key models.EntityKey, rec models.VersionRecord) error

	// LoadVersions returns all persisted version records.
	LoadVersions(ctx context.Context) (map[models.EntityKey]models.VersionRecord, error)

	// DeleteVersions removes all version records. Used on full engine reset.
	DeleteVersions(ctx context.Context) error
}
