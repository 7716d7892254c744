package sqlite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/tutordesk/internal/models"
	"github.com/iudanet/tutordesk/internal/storage"
)

func newTestStorage(t *testing.T) *Storage {
	t.Helper()

	store, err := New(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func resolvedConflict(resolvedAt time.Time) *models.Conflict {
	return &models.Conflict{
		ID:            uuid.New().String(),
		Key:           models.EntityKey{Type: "student", ID: "42"},
		LocalVersion:  2,
		RemoteVersion: 3,
		LocalData:     json.RawMessage(`{"name":"local"}`),
		RemoteData:    json.RawMessage(`{"name":"remote"}`),
		Status:        models.ConflictResolved,
		Resolution:    models.ResolveLocal,
		DetectedAt:    resolvedAt.Add(-time.Minute),
		ResolvedAt:    resolvedAt,
	}
}

func TestNew_RunsMigrations(t *testing.T) {
	store := newTestStorage(t)

	// Таблицы созданы - вставка не падает
	err := store.RecordResolution(context.Background(), resolvedConflict(time.Now()))
	assert.NoError(t, err)
}

func TestHistory_RecordResolution_RoundTrip(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	c := resolvedConflict(time.Now().UTC())
	require.NoError(t, store.RecordResolution(ctx, c))

	got, err := store.ResolutionsSince(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, c.ID, got[0].ID)
	assert.Equal(t, c.Key, got[0].Key)
	assert.Equal(t, c.LocalVersion, got[0].LocalVersion)
	assert.Equal(t, c.RemoteVersion, got[0].RemoteVersion)
	assert.Equal(t, models.ResolveLocal, got[0].Resolution)
	assert.Equal(t, models.ConflictResolved, got[0].Status)
	assert.JSONEq(t, string(c.LocalData), string(got[0].LocalData))
	assert.JSONEq(t, string(c.RemoteData), string(got[0].RemoteData))
}

// TestHistory_ResolutionsSince проверяет фильтр по времени и порядок
// от новых к старым.
func TestHistory_ResolutionsSince(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().UTC()
	old := resolvedConflict(base.Add(-48 * time.Hour))
	mid := resolvedConflict(base.Add(-time.Hour))
	fresh := resolvedConflict(base)

	for _, c := range []*models.Conflict{old, mid, fresh} {
		require.NoError(t, store.RecordResolution(ctx, c))
	}

	got, err := store.ResolutionsSince(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, fresh.ID, got[0].ID)
	assert.Equal(t, mid.ID, got[1].ID)
}

func TestHistory_ResolutionsSince_Empty(t *testing.T) {
	store := newTestStorage(t)

	got, err := store.ResolutionsSince(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestHistory_RecordSyncAttempt(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	base := time.Now().UTC()
	attempts := []storage.SyncAttempt{
		{
			StartedAt:  base.Add(-2 * time.Minute),
			FinishedAt: base.Add(-2*time.Minute + 5*time.Second),
			Outcome:    "failed",
			Error:      "synchronization failed after retries",
			Delivered:  1,
			Remaining:  3,
		},
		{
			StartedAt:  base,
			FinishedAt: base.Add(2 * time.Second),
			Outcome:    "completed",
			Delivered:  3,
		},
	}
	for _, a := range attempts {
		require.NoError(t, store.RecordSyncAttempt(ctx, a))
	}

	got, err := store.SyncAttemptsSince(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Новые прогоны первыми
	assert.Equal(t, "completed", got[0].Outcome)
	assert.Equal(t, 3, got[0].Delivered)
	assert.Empty(t, got[0].Error)

	assert.Equal(t, "failed", got[1].Outcome)
	assert.Equal(t, "synchronization failed after retries", got[1].Error)
	assert.Equal(t, 1, got[1].Delivered)
	assert.Equal(t, 3, got[1].Remaining)
}
