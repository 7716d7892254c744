package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/iudanet/tutordesk/internal/models"
	"github.com/iudanet/tutordesk/internal/storage"
)

// RecordResolution appends a resolved conflict to history.
func (s *Storage) RecordResolution(ctx context.Context, c *models.Conflict) error {
	query := `
		INSERT INTO resolutions (
			id, entity_type, entity_id,
			local_version, remote_version,
			local_data, remote_data,
			resolution, detected_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		c.ID, c.Key.Type, c.Key.ID,
		c.LocalVersion, c.RemoteVersion,
		[]byte(c.LocalData), []byte(c.RemoteData),
		string(c.Resolution), c.DetectedAt.UTC(), c.ResolvedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert resolution: %w", err)
	}

	return nil
}

// RecordSyncAttempt appends the outcome of one flush run.
func (s *Storage) RecordSyncAttempt(ctx context.Context, a storage.SyncAttempt) error {
	query := `
		INSERT INTO sync_attempts (
			started_at, finished_at, outcome, error, delivered, remaining
		) VALUES (?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, query,
		a.StartedAt.UTC(), a.FinishedAt.UTC(),
		a.Outcome, a.Error, a.Delivered, a.Remaining,
	)
	if err != nil {
		return fmt.Errorf("failed to insert sync attempt: %w", err)
	}

	return nil
}

// ResolutionsSince returns resolved conflicts with ResolvedAt >= since,
// newest first.
func (s *Storage) ResolutionsSince(ctx context.Context, since time.Time) ([]*models.Conflict, error) {
	query := `
		SELECT id, entity_type, entity_id,
		       local_version, remote_version,
		       local_data, remote_data,
		       resolution, detected_at, resolved_at
		FROM resolutions
		WHERE resolved_at >= ?
		ORDER BY resolved_at DESC`

	rows, err := s.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query resolutions: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var conflicts []*models.Conflict
	for rows.Next() {
		c := &models.Conflict{Status: models.ConflictResolved}
		var resolution string
		var localData, remoteData []byte

		err := rows.Scan(
			&c.ID, &c.Key.Type, &c.Key.ID,
			&c.LocalVersion, &c.RemoteVersion,
			&localData, &remoteData,
			&resolution, &c.DetectedAt, &c.ResolvedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan resolution: %w", err)
		}

		c.Resolution = models.Resolution(resolution)
		c.LocalData = localData
		c.RemoteData = remoteData
		conflicts = append(conflicts, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate resolutions: %w", err)
	}

	return conflicts, nil
}

// SyncAttemptsSince returns flush outcomes recorded at or after since,
// newest first. Used for status reporting and diagnostics.
func (s *Storage) SyncAttemptsSince(ctx context.Context, since time.Time) ([]storage.SyncAttempt, error) {
	query := `
		SELECT started_at, finished_at, outcome, error, delivered, remaining
		FROM sync_attempts
		WHERE started_at >= ?
		ORDER BY started_at DESC`

	rows, err := s.db.QueryContext(ctx, query, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query sync attempts: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var attempts []storage.SyncAttempt
	for rows.Next() {
		var a storage.SyncAttempt
		err := rows.Scan(&a.StartedAt, &a.FinishedAt, &a.Outcome, &a.Error, &a.Delivered, &a.Remaining)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync attempt: %w", err)
		}
		attempts = append(attempts, a)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync attempts: %w", err)
	}

	return attempts, nil
}
