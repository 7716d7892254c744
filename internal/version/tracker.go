package version

import (
	"context"
	"fmt"
	"sync"

	"github.com/iudanet/tutordesk/internal/models"
	"github.com/iudanet/tutordesk/internal/storage"
)

// Tracker ведет счетчики версий (local, remote, lastSynced) для каждой
// сущности. Счетчики живут в памяти и насквозь пишутся в VersionStorage,
// чтобы пережить перезапуск процесса.
//
// Один мьютекс на трекер: операции по разным ключам короткие (map lookup
// плюс инкремент), контеншн на desktop-нагрузке незаметен.
type Tracker struct {
	store   storage.VersionStorage
	records map[models.EntityKey]models.VersionRecord
	mu      sync.Mutex
}

// NewTracker создает трекер и загружает сохраненные счетчики из хранилища.
// store может быть nil — тогда трекер работает только в памяти (тесты).
func NewTracker(ctx context.Context, store storage.VersionStorage) (*Tracker, error) {
	t := &Tracker{
		store:   store,
		records: make(map[models.EntityKey]models.VersionRecord),
	}

	if store != nil {
		persisted, err := store.LoadVersions(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load version records: %w", err)
		}
		for key, rec := range persisted {
			t.records[key] = rec
		}
	}

	return t, nil
}

// Get возвращает значение счетчика для ключа и слота.
// Для неизвестного ключа возвращает 0: запись создается лениво при первой
// мутации или первом наблюдении удаленного состояния.
func (t *Tracker) Get(key models.EntityKey, slot models.VersionSlot) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.records[key].Slot(slot)
}

// BumpLocal атомарно инкрементирует локальную версию и возвращает новое
// значение. Строго монотонна: N вызовов дают N различных возрастающих
// значений, даже при конкурентных вызовах.
func (t *Tracker) BumpLocal(ctx context.Context, key models.EntityKey) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[key]
	rec.Local++
	t.records[key] = rec

	if err := t.persist(ctx, key, rec); err != nil {
		return 0, err
	}

	return rec.Local, nil
}

// Set устанавливает счетчик слота в заданное значение.
func (t *Tracker) Set(ctx context.Context, key models.EntityKey, slot models.VersionSlot, value int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec := t.records[key]
	switch slot {
	case models.SlotLocal:
		rec.Local = value
	case models.SlotRemote:
		rec.Remote = value
	case models.SlotLastSynced:
		rec.LastSynced = value
	default:
		return fmt.Errorf("unknown version slot %q", slot)
	}
	t.records[key] = rec

	return t.persist(ctx, key, rec)
}

// Record возвращает копию полной записи версий для ключа.
func (t *Tracker) Record(key models.EntityKey) models.VersionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.records[key]
}

// Snapshot возвращает копию всех записей версий. Используется для status.
func (t *Tracker) Snapshot() map[models.EntityKey]models.VersionRecord {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[models.EntityKey]models.VersionRecord, len(t.records))
	for key, rec := range t.records {
		out[key] = rec
	}
	return out
}

// Reset удаляет все счетчики. Используется только при полном сбросе движка.
func (t *Tracker) Reset(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = make(map[models.EntityKey]models.VersionRecord)

	if t.store != nil {
		if err := t.store.DeleteVersions(ctx); err != nil {
			return fmt.Errorf("failed to reset version records: %w", err)
		}
	}
	return nil
}

// persist пишет запись насквозь в хранилище. Вызывается под мьютексом.
func (t *Tracker) persist(ctx context.Context, key models.EntityKey, rec models.VersionRecord) error {
	if t.store == nil {
		return nil
	}
	if err := t.store.SaveVersion(ctx, key, rec); err != nil {
		return fmt.Errorf("failed to persist version record: %w", err)
	}
	return nil
}
