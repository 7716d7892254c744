// Package sync реализует офлайн-движок синхронизации: каждая мутация,
// сделанная без связи с бэкендом, версионируется, durably ставится в
// очередь и позже доставляется ровно один раз в причинном порядке по
// сущности — либо всплывает как явный конфликт.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	gosync "sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/iudanet/tutordesk/internal/breaker"
	"github.com/iudanet/tutordesk/internal/conflict"
	"github.com/iudanet/tutordesk/internal/models"
	"github.com/iudanet/tutordesk/internal/remote"
	"github.com/iudanet/tutordesk/internal/storage"
	"github.com/iudanet/tutordesk/internal/version"
	"github.com/iudanet/tutordesk/pkg/api"
)

// ErrSyncFailure терминальное состояние синхронизации: retry исчерпаны,
// очередь сохранена и ждет вмешательства оператора или новой связи.
var ErrSyncFailure = errors.New("synchronization failed after retries")

// Config конфигурация движка синхронизации.
type Config struct {
	RetryInterval   time.Duration // RetryInterval базовая пауза между retry прогонами
	CallTimeout     time.Duration // CallTimeout таймаут одного исходящего вызова
	MaxRetries      int           // MaxRetries число повторных прогонов после неудачи
	VersionTracking bool          // VersionTracking штамповать записи локальной версией
}

// Значения по умолчанию.
const (
	DefaultRetryInterval = 5 * time.Second
	DefaultMaxRetries    = 3
	DefaultCallTimeout   = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}
	return c
}

//go:generate moq -out engine_mock.go . Engine

// Engine определяет интерфейс движка синхронизации.
type Engine interface {
	// Enqueue версионирует мутацию, ставит ее в durable очередь и
	// запускает асинхронную попытку flush.
	Enqueue(ctx context.Context, key models.EntityKey, op models.Operation, payload json.RawMessage) (*models.QueueEntry, error)

	// Flush доставляет очередь строго по порядку. Идемпотентен: повторный
	// вызов во время работающего flush - no-op.
	Flush(ctx context.Context) error

	// Start выполняет стартовый flush (триггер "startup").
	Start(ctx context.Context)

	// NotifyOnline сигнал о восстановлении связи (триггер flush).
	NotifyOnline(ctx context.Context)

	// State возвращает текущее состояние цикла синхронизации.
	State() models.SyncState

	// PendingCount возвращает число записей, ожидающих доставки.
	PendingCount(ctx context.Context) (int, error)

	// LastError возвращает последнюю терминальную ошибку синхронизации.
	LastError() error

	// Reset полностью сбрасывает движок: очередь и счетчики версий.
	Reset(ctx context.Context) error

	// Stop запрещает планирование новых прогонов. Запись, доставляемая
	// в момент вызова, не прерывается.
	Stop()
}

// engine реализация Engine.
type engine struct {
	cfg      Config
	queue    storage.QueueStorage
	tracker  *version.Tracker
	resolver *conflict.Resolver
	breaker  *breaker.Breaker
	caller   remote.Caller
	history  storage.HistoryStorage
	meta     storage.MetadataStorage
	logger   *slog.Logger

	stopCtx  context.Context
	stopFn   context.CancelFunc
	state    models.SyncState
	lastErr  error
	flushing bool
	mu       gosync.Mutex
}

// NewEngine создает движок синхронизации.
// history и meta могут быть nil - журнал и метаданные тогда отключены.
func NewEngine(
	cfg Config,
	queue storage.QueueStorage,
	tracker *version.Tracker,
	resolver *conflict.Resolver,
	brk *breaker.Breaker,
	caller remote.Caller,
	history storage.HistoryStorage,
	meta storage.MetadataStorage,
	logger *slog.Logger,
) Engine {
	stopCtx, stopFn := context.WithCancel(context.Background())
	return &engine{
		cfg:      cfg.withDefaults(),
		queue:    queue,
		tracker:  tracker,
		resolver: resolver,
		breaker:  brk,
		caller:   caller,
		history:  history,
		meta:     meta,
		logger:   logger,
		stopCtx:  stopCtx,
		stopFn:   stopFn,
		state:    models.SyncIdle,
	}
}

// Enqueue версионирует и сохраняет мутацию, затем пинает flush.
// Версия фиксируется ровно один раз здесь: retry никогда не штампуют
// запись заново.
func (e *engine) Enqueue(ctx context.Context, key models.EntityKey, op models.Operation, payload json.RawMessage) (*models.QueueEntry, error) {
	if key.IsZero() {
		return nil, fmt.Errorf("entity key is required")
	}
	if !op.Valid() {
		return nil, fmt.Errorf("invalid operation %q", op)
	}

	var ver int64
	if e.cfg.VersionTracking {
		v, err := e.tracker.BumpLocal(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("failed to bump local version: %w", err)
		}
		ver = v
	}

	entry := &models.QueueEntry{
		Key:        key,
		Op:         op,
		Payload:    payload,
		Version:    ver,
		EnqueuedAt: time.Now(),
	}

	if err := e.queue.Append(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to enqueue entry: %w", err)
	}

	e.logger.Debug("mutation enqueued",
		"entity", key.String(),
		"op", string(op),
		"version", ver,
		"entry_id", entry.ID)

	e.kick()
	return entry, nil
}

// Start стартовый триггер flush.
func (e *engine) Start(ctx context.Context) {
	e.logger.Info("sync engine starting")
	e.kick()
}

// NotifyOnline триггер flush при восстановлении связи.
func (e *engine) NotifyOnline(ctx context.Context) {
	e.logger.Info("connectivity regained, scheduling flush")
	e.kick()
}

// kick запускает асинхронный flush, если движок не остановлен.
func (e *engine) kick() {
	if e.stopCtx.Err() != nil {
		return
	}
	go func() {
		_ = e.Flush(e.stopCtx)
	}()
}

// Flush доставляет очередь. Одновременно выполняется не более одного
// flush; повторный триггер во время работы - no-op. Неконфликтная ошибка
// останавливает прогон (порядок важнее прогресса) и повторяется с
// экспоненциальным backoff до MaxRetries, после чего движок переходит в
// терминальное failed состояние, не трогая очередь.
func (e *engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	if e.flushing {
		e.mu.Unlock()
		return nil
	}
	e.flushing = true
	e.state = models.SyncSyncing
	e.lastErr = nil
	e.mu.Unlock()

	startedAt := time.Now()
	delivered := 0
	conflicted := false

	backoff := retry.WithMaxRetries(uint64(e.cfg.MaxRetries), retry.NewExponential(e.cfg.RetryInterval))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		n, conflict, drainErr := e.drain(ctx)
		delivered += n
		conflicted = conflicted || conflict
		if drainErr != nil {
			e.logger.Warn("flush run failed, will retry", "error", drainErr, "delivered", delivered)
			return retry.RetryableError(drainErr)
		}
		return nil
	})

	remaining, lenErr := e.queue.Len(context.WithoutCancel(ctx))
	if lenErr != nil {
		e.logger.Warn("failed to measure queue length", "error", lenErr)
	}

	outcome := "completed"
	var result error

	switch {
	case err != nil:
		// Retry исчерпаны: очередь сохранена, состояние терминально
		outcome = "failed"
		result = fmt.Errorf("%w: %v", ErrSyncFailure, err)
		e.logger.Error("synchronization failed, queue preserved",
			"error", err, "remaining", remaining)
	case conflicted:
		outcome = "conflict"
		e.logger.Info("flush stopped on conflict", "delivered", delivered)
	default:
		e.logger.Info("flush completed", "delivered", delivered)
		if e.meta != nil {
			if mErr := e.meta.SaveLastFlushAt(context.WithoutCancel(ctx), time.Now().Unix()); mErr != nil {
				e.logger.Warn("failed to save last flush time", "error", mErr)
			}
		}
	}

	e.recordAttempt(context.WithoutCancel(ctx), storage.SyncAttempt{
		StartedAt:  startedAt,
		FinishedAt: time.Now(),
		Outcome:    outcome,
		Error:      errText(result),
		Delivered:  delivered,
		Remaining:  remaining,
	})

	e.mu.Lock()
	if result != nil {
		e.state = models.SyncFailed
		e.lastErr = result
	} else {
		e.state = models.SyncCompleted
	}
	e.flushing = false
	e.mu.Unlock()

	// Хвостовой триггер: записи, добавленные во время прогона
	if result == nil && !conflicted && remaining > 0 {
		e.kick()
	}

	return result
}

// drain доставляет очередь строго в порядке постановки.
// Возвращает число доставленных записей, признак остановки на pending
// конфликте и ошибку доставки (для retry).
func (e *engine) drain(ctx context.Context) (int, bool, error) {
	delivered := 0

	for {
		entries, err := e.queue.Entries(ctx)
		if err != nil {
			return delivered, false, fmt.Errorf("failed to read queue: %w", err)
		}

		rescan := false
		for _, entry := range entries {
			// Остановка движка не прерывает текущую запись, но запрещает следующую
			if ctx.Err() != nil {
				return delivered, false, nil
			}

			conflictErr, err := e.dispatch(ctx, entry)
			if err != nil {
				return delivered, false, err
			}
			if conflictErr == nil {
				delivered++
				continue
			}

			rec, err := e.handleConflict(ctx, entry, conflictErr)
			if err != nil {
				return delivered, false, err
			}
			if rec == nil {
				// Стороны сошлись - fast-forward, запись снята
				delivered++
				continue
			}
			if rec.Status != models.ConflictResolved {
				// Порядок по сущности нельзя гарантировать, пока конфликт
				// не разрешен - останавливаем прогон
				return delivered, true, nil
			}

			// Авто-стратегия уже применила решение и переписала очередь -
			// перечитываем ее, чтобы победившие данные ушли в этом же прогоне
			rescan = true
			break
		}

		if !rescan {
			return delivered, false, nil
		}
	}
}

// dispatch доставляет одну запись через предохранитель ее эндпоинта.
// Конфликт версий не считается сбоем эндпоинта и не учитывается
// предохранителем.
func (e *engine) dispatch(ctx context.Context, entry *models.QueueEntry) (*remote.ConflictError, error) {
	endpoint := "sync:" + entry.Key.Type

	op, err := buildOperation(entry)
	if err != nil {
		return nil, err
	}

	var conflictErr *remote.ConflictError
	err = e.breaker.Execute(ctx, endpoint, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		defer cancel()

		ack, doErr := e.caller.Do(callCtx, op)
		if doErr != nil {
			var ce *remote.ConflictError
			if errors.As(doErr, &ce) {
				conflictErr = ce
				return nil
			}
			return doErr
		}

		return e.acknowledge(ctx, entry, ack)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to deliver entry %d for %s: %w", entry.ID, entry.Key.String(), err)
	}

	return conflictErr, nil
}

// recordAttempt пишет итог прогона в журнал. Ошибки журнала только логируются.
func (e *engine) recordAttempt(ctx context.Context, a storage.SyncAttempt) {
	if e.history == nil {
		return
	}
	if err := e.history.RecordSyncAttempt(ctx, a); err != nil {
		e.logger.Warn("failed to record sync attempt", "error", err)
	}
}

// acknowledge фиксирует подтвержденную доставку: запись покидает очередь,
// lastSynced двигается на подтвержденную сервером версию.
func (e *engine) acknowledge(ctx context.Context, entry *models.QueueEntry, ack *api.Ack) error {
	if err := e.queue.Delete(ctx, entry.ID); err != nil {
		return fmt.Errorf("failed to delete acknowledged entry: %w", err)
	}

	confirmed := ack.Version
	if confirmed == 0 {
		confirmed = entry.Version
	}

	if e.cfg.VersionTracking {
		if err := e.tracker.Set(ctx, entry.Key, models.SlotLastSynced, confirmed); err != nil {
			return fmt.Errorf("failed to advance last synced: %w", err)
		}
		if err := e.tracker.Set(ctx, entry.Key, models.SlotRemote, confirmed); err != nil {
			return fmt.Errorf("failed to advance remote version: %w", err)
		}
	}

	e.logger.Debug("entry delivered",
		"entity", entry.Key.String(),
		"entry_id", entry.ID,
		"confirmed_version", confirmed)
	return nil
}

// handleConflict обрабатывает ответ 409. Если предикат конфликта не
// выполняется (стороны сошлись на одной версии), запись снимается как
// доставленная и возвращается nil. Иначе поднимается Conflict Record:
// pending для ручного решения (запись остается в очереди) либо resolved,
// если авто-стратегия уже применила решение.
func (e *engine) handleConflict(ctx context.Context, entry *models.QueueEntry, ce *remote.ConflictError) (*models.Conflict, error) {
	lastSynced := e.tracker.Get(entry.Key, models.SlotLastSynced)

	if err := e.tracker.Set(ctx, entry.Key, models.SlotRemote, ce.RemoteVersion); err != nil {
		return nil, fmt.Errorf("failed to record remote version: %w", err)
	}

	if !conflict.Detect(entry.Version, ce.RemoteVersion, lastSynced) {
		// Стороны уже на одной версии - чистый fast-forward
		if err := e.queue.Delete(ctx, entry.ID); err != nil {
			return nil, fmt.Errorf("failed to delete converged entry: %w", err)
		}
		if err := e.tracker.Set(ctx, entry.Key, models.SlotLastSynced, ce.RemoteVersion); err != nil {
			return nil, fmt.Errorf("failed to fast-forward last synced: %w", err)
		}
		return nil, nil
	}

	rec, err := e.resolver.Record(ctx, entry, ce.RemoteVersion, ce.RemoteData)
	if err != nil {
		return nil, fmt.Errorf("failed to record conflict: %w", err)
	}
	return rec, nil
}

// State возвращает текущее состояние цикла синхронизации.
func (e *engine) State() models.SyncState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// PendingCount возвращает число записей в очереди.
func (e *engine) PendingCount(ctx context.Context) (int, error) {
	return e.queue.Len(ctx)
}

// LastError возвращает последнюю терминальную ошибку.
func (e *engine) LastError() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastErr
}

// Reset полностью сбрасывает движок: очередь и счетчики версий.
func (e *engine) Reset(ctx context.Context) error {
	if err := e.queue.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear queue: %w", err)
	}
	if err := e.tracker.Reset(ctx); err != nil {
		return fmt.Errorf("failed to reset versions: %w", err)
	}

	e.mu.Lock()
	e.state = models.SyncIdle
	e.lastErr = nil
	e.mu.Unlock()

	e.logger.Info("sync engine reset")
	return nil
}

// Stop запрещает планирование новых прогонов и retry.
func (e *engine) Stop() {
	e.stopFn()
}

// buildOperation собирает HTTP операцию для записи очереди.
func buildOperation(entry *models.QueueEntry) (api.Operation, error) {
	body, err := json.Marshal(api.WriteRequest{
		Data:    entry.Payload,
		Version: entry.Version,
	})
	if err != nil {
		return api.Operation{}, fmt.Errorf("failed to marshal write request: %w", err)
	}

	base := "/api/v1/entities/" + entry.Key.Type

	switch entry.Op {
	case models.OpCreate:
		return api.Operation{Method: "POST", Path: base, Body: body}, nil
	case models.OpUpdate:
		return api.Operation{Method: "PUT", Path: base + "/" + entry.Key.ID, Body: body}, nil
	case models.OpDelete:
		return api.Operation{Method: "DELETE", Path: base + "/" + entry.Key.ID, Body: body}, nil
	}

	return api.Operation{}, fmt.Errorf("invalid operation %q", entry.Op)
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
