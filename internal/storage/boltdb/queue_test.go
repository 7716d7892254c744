package boltdb

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/tutordesk/internal/models"
	"github.com/iudanet/tutordesk/internal/storage"
)

func testEntry(key models.EntityKey, op models.Operation, version int64) *models.QueueEntry {
	return &models.QueueEntry{
		Key:        key,
		Op:         op,
		Payload:    json.RawMessage(`{"name":"test"}`),
		Version:    version,
		EnqueuedAt: time.Now().UTC(),
	}
}

func TestQueue_AppendAssignsIDs(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	key := models.EntityKey{Type: "student", ID: "1"}

	e1 := testEntry(key, models.OpCreate, 1)
	e2 := testEntry(key, models.OpUpdate, 2)

	require.NoError(t, store.Append(ctx, e1))
	require.NoError(t, store.Append(ctx, e2))

	// ID назначаются монотонно
	assert.Equal(t, uint64(1), e1.ID)
	assert.Equal(t, uint64(2), e2.ID)
}

// TestQueue_EntriesOrdered проверяет, что Entries возвращает записи строго
// в порядке постановки даже после удалений в середине.
func TestQueue_EntriesOrdered(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		entry := testEntry(models.EntityKey{Type: "lesson", ID: "x"}, models.OpUpdate, int64(i))
		require.NoError(t, store.Append(ctx, entry))
	}

	// Удаляем запись из середины
	require.NoError(t, store.Delete(ctx, 3))

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 4)

	wantIDs := []uint64{1, 2, 4, 5}
	for i, entry := range entries {
		assert.Equal(t, wantIDs[i], entry.ID)
		assert.Equal(t, int64(wantIDs[i]), entry.Version)
	}
}

func TestQueue_EntriesRoundTrip(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	original := testEntry(models.EntityKey{Type: "student", ID: "42"}, models.OpUpdate, 7)
	require.NoError(t, store.Append(ctx, original))

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	got := entries[0]
	assert.Equal(t, original.Key, got.Key)
	assert.Equal(t, original.Op, got.Op)
	assert.JSONEq(t, string(original.Payload), string(got.Payload))
	assert.Equal(t, original.Version, got.Version)
	assert.WithinDuration(t, original.EnqueuedAt, got.EnqueuedAt, time.Second)
}

func TestQueue_Update(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	entry := testEntry(models.EntityKey{Type: "student", ID: "1"}, models.OpUpdate, 1)
	require.NoError(t, store.Append(ctx, entry))

	entry.Payload = json.RawMessage(`{"name":"merged"}`)
	entry.Version = 9
	require.NoError(t, store.Update(ctx, entry))

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.JSONEq(t, `{"name":"merged"}`, string(entries[0].Payload))
	assert.Equal(t, int64(9), entries[0].Version)
}

func TestQueue_Update_NotFound(t *testing.T) {
	store := newTestStorage(t)

	entry := testEntry(models.EntityKey{Type: "student", ID: "1"}, models.OpUpdate, 1)
	entry.ID = 99
	err := store.Update(context.Background(), entry)
	assert.ErrorIs(t, err, storage.ErrEntryNotFound)
}

func TestQueue_DeleteByEntity(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	target := models.EntityKey{Type: "student", ID: "42"}
	other := models.EntityKey{Type: "student", ID: "7"}

	require.NoError(t, store.Append(ctx, testEntry(target, models.OpCreate, 1)))
	require.NoError(t, store.Append(ctx, testEntry(other, models.OpCreate, 1)))
	require.NoError(t, store.Append(ctx, testEntry(target, models.OpUpdate, 2)))

	removed, err := store.DeleteByEntity(ctx, target)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, other, entries[0].Key)
}

func TestQueue_Len(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	require.NoError(t, store.Append(ctx, testEntry(models.EntityKey{Type: "a", ID: "1"}, models.OpCreate, 1)))
	require.NoError(t, store.Append(ctx, testEntry(models.EntityKey{Type: "a", ID: "2"}, models.OpCreate, 1)))

	n, err = store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestQueue_Clear(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, testEntry(models.EntityKey{Type: "a", ID: "1"}, models.OpCreate, 1)))
	require.NoError(t, store.Clear(ctx))

	n, err := store.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// После Clear очередь снова принимает записи
	require.NoError(t, store.Append(ctx, testEntry(models.EntityKey{Type: "a", ID: "2"}, models.OpCreate, 1)))
}

func TestQueue_ClosedStorage(t *testing.T) {
	dbPath := t.TempDir() + "/host.db"
	store, err := New(context.Background(), dbPath)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	ctx := context.Background()
	assert.ErrorIs(t, store.Append(ctx, testEntry(models.EntityKey{Type: "a", ID: "1"}, models.OpCreate, 1)), storage.ErrStorageClosed)
	_, err = store.Entries(ctx)
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	_, err = store.Len(ctx)
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}
