// Package conflict реализует обнаружение и разрешение расхождений между
// локальными и удаленными правками одной сущности. Конфликт — первоклассные
// данные, а не ошибка: он сохраняется, ждет решения и переносится в историю
// после применения решения.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iudanet/tutordesk/internal/models"
	"github.com/iudanet/tutordesk/internal/storage"
	"github.com/iudanet/tutordesk/internal/version"
)

// ErrUnknownConflict разрешение неизвестного (или уже разрешенного)
// конфликта. Сообщается как ошибка, состояние не меняется.
var ErrUnknownConflict = errors.New("unknown conflict id")

// Strategy стратегия разрешения конфликтов.
type Strategy string

// Стратегии разрешения. По умолчанию Manual.
const (
	StrategyManual     Strategy = "manual"
	StrategyAutoLocal  Strategy = "auto-local"
	StrategyAutoRemote Strategy = "auto-remote"
	StrategyMerge      Strategy = "merge"
)

// Valid проверяет, что стратегия одна из известных.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyManual, StrategyAutoLocal, StrategyAutoRemote, StrategyMerge:
		return true
	}
	return false
}

// MergeFunc пользовательская функция слияния локальных и удаленных данных.
type MergeFunc func(local, remote json.RawMessage) (json.RawMessage, error)

// ApplyRemoteFunc применяет удаленное состояние сущности к локальному
// кэшу хоста при разрешении в пользу сервера.
type ApplyRemoteFunc func(ctx context.Context, key models.EntityKey, data json.RawMessage) error

// Config конфигурация резолвера.
type Config struct {
	Strategy    Strategy        // Strategy стратегия по умолчанию (manual)
	Merge       MergeFunc       // Merge функция слияния для StrategyMerge
	ApplyRemote ApplyRemoteFunc // ApplyRemote необязательный хук применения удаленного состояния
}

// Stats счетчики конфликтов.
type Stats struct {
	Total        int `json:"total"`         // Total всего обнаружено
	Resolved     int `json:"resolved"`      // Resolved всего разрешено
	Pending      int `json:"pending"`       // Pending ожидают решения
	AutoResolved int `json:"auto_resolved"` // AutoResolved разрешено автоматически
}

// Resolver обнаруживает конфликты, хранит активные записи и применяет
// решения. Разрешенные записи уходят в журнал истории.
type Resolver struct {
	conflicts storage.ConflictStorage
	queue     storage.QueueStorage
	history   storage.HistoryStorage
	tracker   *version.Tracker
	logger    *slog.Logger
	cfg       Config
	stats     Stats
	mu        sync.Mutex
}

// NewResolver создает резолвер. history может быть nil (история отключена).
// Начальное значение Pending восстанавливается из хранилища.
func NewResolver(
	ctx context.Context,
	cfg Config,
	conflicts storage.ConflictStorage,
	queue storage.QueueStorage,
	tracker *version.Tracker,
	history storage.HistoryStorage,
	logger *slog.Logger,
) (*Resolver, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyManual
	}
	if !cfg.Strategy.Valid() {
		return nil, fmt.Errorf("unknown resolution strategy %q", cfg.Strategy)
	}

	r := &Resolver{
		cfg:       cfg,
		conflicts: conflicts,
		queue:     queue,
		history:   history,
		tracker:   tracker,
		logger:    logger,
	}

	pending, err := conflicts.PendingConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending conflicts: %w", err)
	}
	r.stats.Pending = len(pending)
	r.stats.Total = len(pending)

	return r, nil
}

// Detect сообщает, является ли наблюдаемое состояние конфликтом.
// Конфликт есть тогда и только тогда, когда обе стороны независимо ушли
// от последней подтвержденной точки: local != lastSynced, remote != lastSynced
// и local != remote. Чистый fast-forward одной стороны конфликтом не является.
func Detect(local, remote, lastSynced int64) bool {
	return local != lastSynced && remote != lastSynced && local != remote
}

// Record фиксирует обнаруженный конфликт и применяет настроенную стратегию.
// Возвращенная запись имеет статус pending для manual (и merge без функции
// слияния) либо resolved для автоматических стратегий.
func (r *Resolver) Record(ctx context.Context, entry *models.QueueEntry, remoteVersion int64, remoteData json.RawMessage) (*models.Conflict, error) {
	c := &models.Conflict{
		ID:            uuid.New().String(),
		Key:           entry.Key,
		LocalVersion:  entry.Version,
		RemoteVersion: remoteVersion,
		LocalData:     entry.Payload,
		RemoteData:    remoteData,
		Status:        models.ConflictPending,
		DetectedAt:    time.Now(),
		EntryID:       entry.ID,
	}

	if err := r.conflicts.SaveConflict(ctx, c); err != nil {
		return nil, fmt.Errorf("failed to save conflict: %w", err)
	}

	r.mu.Lock()
	r.stats.Total++
	r.stats.Pending++
	r.mu.Unlock()

	r.logger.Warn("conflict detected",
		"conflict_id", c.ID,
		"entity", c.Key.String(),
		"local_version", c.LocalVersion,
		"remote_version", c.RemoteVersion,
		"strategy", string(r.cfg.Strategy))

	switch r.cfg.Strategy {
	case StrategyManual:
		return c, nil

	case StrategyAutoLocal:
		return r.apply(ctx, c, models.ResolveLocal, nil, true)

	case StrategyAutoRemote:
		return r.apply(ctx, c, models.ResolveRemote, nil, true)

	case StrategyMerge:
		if r.cfg.Merge == nil {
			// Без функции слияния merge деградирует до manual
			r.logger.Debug("merge strategy without merge func, falling back to manual",
				"conflict_id", c.ID)
			return c, nil
		}
		merged, err := r.cfg.Merge(c.LocalData, c.RemoteData)
		if err != nil {
			// Неудачное слияние оставляет конфликт на ручное решение
			r.logger.Warn("merge func failed, conflict left pending",
				"conflict_id", c.ID, "error", err)
			return c, nil
		}
		return r.apply(ctx, c, models.ResolveMerged, merged, true)
	}

	return c, nil
}

// Resolve применяет ручное решение по идентификатору конфликта.
// Повторное разрешение уже разрешенного конфликта возвращает
// ErrUnknownConflict и не меняет состояние.
func (r *Resolver) Resolve(ctx context.Context, id string, resolution models.Resolution) (*models.Conflict, error) {
	if !resolution.Valid() {
		return nil, fmt.Errorf("invalid resolution %q", resolution)
	}

	c, err := r.conflicts.GetConflict(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrConflictNotFound) {
			return nil, ErrUnknownConflict
		}
		return nil, fmt.Errorf("failed to load conflict: %w", err)
	}
	if c.Status == models.ConflictResolved {
		return nil, ErrUnknownConflict
	}

	var merged json.RawMessage
	if resolution == models.ResolveMerged {
		if r.cfg.Merge == nil {
			return nil, fmt.Errorf("merge resolution requires a merge func")
		}
		merged, err = r.cfg.Merge(c.LocalData, c.RemoteData)
		if err != nil {
			return nil, fmt.Errorf("merge func failed: %w", err)
		}
	}

	return r.apply(ctx, c, resolution, merged, false)
}

// Pending возвращает активные конфликты.
func (r *Resolver) Pending(ctx context.Context) ([]*models.Conflict, error) {
	return r.conflicts.PendingConflicts(ctx)
}

// Stats возвращает копию счетчиков.
func (r *Resolver) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// apply применяет решение: двигает версии к новой точке слияния, правит
// очередь, переносит запись в историю и обновляет счетчики.
func (r *Resolver) apply(ctx context.Context, c *models.Conflict, resolution models.Resolution, merged json.RawMessage, auto bool) (*models.Conflict, error) {
	// Новая версия, которую обе стороны примут за точку слияния
	minted := c.LocalVersion
	if c.RemoteVersion > minted {
		minted = c.RemoteVersion
	}
	minted++

	switch resolution {
	case models.ResolveLocal, models.ResolveMerged:
		// Победившие данные будут переотправлены: переписываем запись очереди
		if err := r.requeue(ctx, c, resolution, merged, minted); err != nil {
			return nil, err
		}

	case models.ResolveRemote:
		// Локальные правки по ключу отбрасываются, принимается состояние сервера
		removed, err := r.queue.DeleteByEntity(ctx, c.Key)
		if err != nil {
			return nil, fmt.Errorf("failed to drop queued entries: %w", err)
		}
		r.logger.Debug("dropped queued entries for remote resolution",
			"entity", c.Key.String(), "removed", removed)

		if r.cfg.ApplyRemote != nil && len(c.RemoteData) > 0 {
			if err := r.cfg.ApplyRemote(ctx, c.Key, c.RemoteData); err != nil {
				return nil, fmt.Errorf("failed to apply remote state: %w", err)
			}
		}
	}

	if err := r.tracker.Set(ctx, c.Key, models.SlotLastSynced, minted); err != nil {
		return nil, fmt.Errorf("failed to advance last synced version: %w", err)
	}
	if err := r.tracker.Set(ctx, c.Key, models.SlotLocal, minted); err != nil {
		return nil, fmt.Errorf("failed to advance local version: %w", err)
	}
	if err := r.tracker.Set(ctx, c.Key, models.SlotRemote, minted); err != nil {
		return nil, fmt.Errorf("failed to advance remote version: %w", err)
	}

	c.Status = models.ConflictResolved
	c.Resolution = resolution
	c.ResolvedAt = time.Now()

	// Из активного набора запись уходит в историю
	if err := r.conflicts.DeleteConflict(ctx, c.ID); err != nil {
		return nil, fmt.Errorf("failed to remove resolved conflict: %w", err)
	}
	if r.history != nil {
		if err := r.history.RecordResolution(ctx, c); err != nil {
			// История не должна ронять разрешение конфликта
			r.logger.Warn("failed to record resolution history",
				"conflict_id", c.ID, "error", err)
		}
	}

	r.mu.Lock()
	r.stats.Resolved++
	r.stats.Pending--
	if auto {
		r.stats.AutoResolved++
	}
	r.mu.Unlock()

	r.logger.Info("conflict resolved",
		"conflict_id", c.ID,
		"entity", c.Key.String(),
		"resolution", string(resolution),
		"merged_version", minted)

	return c, nil
}

// requeue переписывает конфликтующую запись очереди победившими данными
// и новой версией, чтобы она была переотправлена после разрешения.
func (r *Resolver) requeue(ctx context.Context, c *models.Conflict, resolution models.Resolution, merged json.RawMessage, minted int64) error {
	entries, err := r.queue.Entries(ctx)
	if err != nil {
		return fmt.Errorf("failed to list queue: %w", err)
	}

	for _, entry := range entries {
		if entry.ID != c.EntryID {
			continue
		}
		if resolution == models.ResolveMerged {
			entry.Payload = merged
		}
		entry.Version = minted
		if err := r.queue.Update(ctx, entry); err != nil {
			return fmt.Errorf("failed to rewrite queue entry: %w", err)
		}
		return nil
	}

	// Записи уже нет (например, очередь чистили вручную) - решаем без переотправки
	r.logger.Warn("conflicting queue entry missing on resolution",
		"conflict_id", c.ID, "entry_id", c.EntryID)
	return nil
}
