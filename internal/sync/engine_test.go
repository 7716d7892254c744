package sync

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	gosync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iudanet/tutordesk/internal/breaker"
	"github.com/iudanet/tutordesk/internal/conflict"
	"github.com/iudanet/tutordesk/internal/models"
	"github.com/iudanet/tutordesk/internal/remote"
	"github.com/iudanet/tutordesk/internal/storage/boltdb"
	"github.com/iudanet/tutordesk/internal/version"
	"github.com/iudanet/tutordesk/pkg/api"
)

// fakeCaller записывает операции и отвечает по настраиваемой функции.
type fakeCaller struct {
	respond func(op api.Operation) (*api.Ack, error)
	ops     []api.Operation
	mu      gosync.Mutex
}

func (f *fakeCaller) Do(ctx context.Context, op api.Operation) (*api.Ack, error) {
	f.mu.Lock()
	f.ops = append(f.ops, op)
	f.mu.Unlock()
	return f.respond(op)
}

func (f *fakeCaller) calls() []api.Operation {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]api.Operation, len(f.ops))
	copy(out, f.ops)
	return out
}

type engineFixture struct {
	engine   Engine
	caller   *fakeCaller
	store    *boltdb.Storage
	tracker  *version.Tracker
	resolver *conflict.Resolver
	breaker  *breaker.Breaker
}

// newEngineFixture собирает движок поверх реального BoltDB хранилища.
// manual=true сразу останавливает планировщик: flush запускается только
// явным вызовом, без фоновых прогонов.
func newEngineFixture(t *testing.T, caller *fakeCaller, manual bool) *engineFixture {
	t.Helper()
	return newStrategyFixture(t, caller, manual, conflict.StrategyManual)
}

// newStrategyFixture то же, но с заданной стратегией разрешения конфликтов.
func newStrategyFixture(t *testing.T, caller *fakeCaller, manual bool, strategy conflict.Strategy) *engineFixture {
	t.Helper()
	ctx := context.Background()

	store, err := boltdb.New(ctx, filepath.Join(t.TempDir(), "host.db"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})

	tracker, err := version.NewTracker(ctx, store)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	resolver, err := conflict.NewResolver(ctx, conflict.Config{Strategy: strategy}, store, store, tracker, nil, logger)
	require.NoError(t, err)

	brk := breaker.New(breaker.Config{}, logger)

	engine := NewEngine(
		Config{
			RetryInterval:   time.Millisecond,
			MaxRetries:      2,
			VersionTracking: true,
		},
		store, tracker, resolver, brk, caller, nil, store, logger,
	)
	if manual {
		engine.Stop()
	}

	return &engineFixture{
		engine:   engine,
		caller:   caller,
		store:    store,
		tracker:  tracker,
		resolver: resolver,
		breaker:  brk,
	}
}

func ackCaller() *fakeCaller {
	return &fakeCaller{respond: func(op api.Operation) (*api.Ack, error) {
		var req api.WriteRequest
		_ = json.Unmarshal(op.Body, &req)
		return &api.Ack{Version: req.Version}, nil
	}}
}

func TestEngine_InitialState(t *testing.T) {
	f := newEngineFixture(t, ackCaller(), true)
	assert.Equal(t, models.SyncIdle, f.engine.State())
	assert.NoError(t, f.engine.LastError())
}

// TestEngine_Enqueue проверяет, что мутация версионируется ровно один раз
// при постановке в очередь.
func TestEngine_Enqueue(t *testing.T) {
	f := newEngineFixture(t, ackCaller(), true)
	ctx := context.Background()
	key := models.EntityKey{Type: "student", ID: "42"}

	e1, err := f.engine.Enqueue(ctx, key, models.OpUpdate, json.RawMessage(`{"name":"a"}`))
	require.NoError(t, err)
	e2, err := f.engine.Enqueue(ctx, key, models.OpUpdate, json.RawMessage(`{"name":"b"}`))
	require.NoError(t, err)

	assert.Equal(t, int64(1), e1.Version)
	assert.Equal(t, int64(2), e2.Version)
	assert.Equal(t, int64(2), f.tracker.Get(key, models.SlotLocal))

	pending, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

func TestEngine_Enqueue_Validation(t *testing.T) {
	f := newEngineFixture(t, ackCaller(), true)
	ctx := context.Background()

	_, err := f.engine.Enqueue(ctx, models.EntityKey{}, models.OpUpdate, nil)
	assert.Error(t, err)

	_, err = f.engine.Enqueue(ctx, models.EntityKey{Type: "student", ID: "1"}, models.Operation("upsert"), nil)
	assert.Error(t, err)

	// Неудачная постановка не оставляет следов в очереди
	pending, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

// TestEngine_Flush_CausalOrder проверяет доставку строго в порядке
// постановки и продвижение lastSynced по подтвержденным версиям.
func TestEngine_Flush_CausalOrder(t *testing.T) {
	f := newEngineFixture(t, ackCaller(), true)
	ctx := context.Background()
	key := models.EntityKey{Type: "student", ID: "42"}

	_, err := f.engine.Enqueue(ctx, key, models.OpCreate, json.RawMessage(`{"step":1}`))
	require.NoError(t, err)
	_, err = f.engine.Enqueue(ctx, key, models.OpUpdate, json.RawMessage(`{"step":2}`))
	require.NoError(t, err)
	_, err = f.engine.Enqueue(ctx, models.EntityKey{Type: "lesson", ID: "7"}, models.OpDelete, nil)
	require.NoError(t, err)

	require.NoError(t, f.engine.Flush(ctx))

	calls := f.caller.calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "POST", calls[0].Method)
	assert.Equal(t, "/api/v1/entities/student", calls[0].Path)
	assert.Equal(t, "PUT", calls[1].Method)
	assert.Equal(t, "/api/v1/entities/student/42", calls[1].Path)
	assert.Equal(t, "DELETE", calls[2].Method)
	assert.Equal(t, "/api/v1/entities/lesson/7", calls[2].Path)

	pending, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, models.SyncCompleted, f.engine.State())

	// lastSynced двигается на подтвержденную сервером версию
	assert.Equal(t, int64(2), f.tracker.Get(key, models.SlotLastSynced))

	// Время последнего успешного flush зафиксировано в метаданных
	lastFlush, err := f.store.GetLastFlushAt(ctx)
	require.NoError(t, err)
	assert.NotZero(t, lastFlush)
}

// TestEngine_Flush_RetryThenSuccess проверяет, что временный сбой
// доставки повторяется и очередь в итоге доезжает.
func TestEngine_Flush_RetryThenSuccess(t *testing.T) {
	var attempts int
	caller := &fakeCaller{respond: func(op api.Operation) (*api.Ack, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("connection refused")
		}
		return &api.Ack{}, nil
	}}
	f := newEngineFixture(t, caller, true)
	ctx := context.Background()

	_, err := f.engine.Enqueue(ctx, models.EntityKey{Type: "student", ID: "1"}, models.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, f.engine.Flush(ctx))
	assert.Equal(t, models.SyncCompleted, f.engine.State())

	pending, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

// TestEngine_Flush_TerminalFailure проверяет терминальный исход: retry
// исчерпаны, очередь сохранена, движок в failed до вмешательства.
func TestEngine_Flush_TerminalFailure(t *testing.T) {
	caller := &fakeCaller{respond: func(op api.Operation) (*api.Ack, error) {
		return nil, errors.New("connection refused")
	}}
	f := newEngineFixture(t, caller, true)
	ctx := context.Background()

	_, err := f.engine.Enqueue(ctx, models.EntityKey{Type: "student", ID: "1"}, models.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = f.engine.Enqueue(ctx, models.EntityKey{Type: "student", ID: "1"}, models.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	err = f.engine.Flush(ctx)
	require.ErrorIs(t, err, ErrSyncFailure)
	assert.Equal(t, models.SyncFailed, f.engine.State())
	assert.ErrorIs(t, f.engine.LastError(), ErrSyncFailure)

	// Очередь не тронута: обе записи ждут следующей попытки
	pending, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)

	// Начальная попытка плюс два retry
	assert.Len(t, f.caller.calls(), 3)
}

// TestEngine_Flush_StopsRunOnError проверяет, что неконфликтная ошибка
// останавливает прогон: записи после сбойной не отправляются в этом проходе.
func TestEngine_Flush_StopsRunOnError(t *testing.T) {
	caller := &fakeCaller{respond: func(op api.Operation) (*api.Ack, error) {
		if op.Path == "/api/v1/entities/student/2" {
			return nil, errors.New("boom")
		}
		return &api.Ack{}, nil
	}}
	f := newEngineFixture(t, caller, true)
	ctx := context.Background()

	_, err := f.engine.Enqueue(ctx, models.EntityKey{Type: "student", ID: "1"}, models.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = f.engine.Enqueue(ctx, models.EntityKey{Type: "student", ID: "2"}, models.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)
	_, err = f.engine.Enqueue(ctx, models.EntityKey{Type: "student", ID: "3"}, models.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	err = f.engine.Flush(ctx)
	require.ErrorIs(t, err, ErrSyncFailure)

	// Запись student#3 ни разу не отправлялась: порядок важнее прогресса
	for _, op := range f.caller.calls() {
		assert.NotEqual(t, "/api/v1/entities/student/3", op.Path)
	}

	// Доставленная student#1 снята, остальные ждут
	pending, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, pending)
}

// TestEngine_Flush_ConflictRaised проверяет сценарий расхождения: ответ 409
// с более новой версией сервера поднимает конфликт, запись остается в
// очереди, прогон останавливается.
func TestEngine_Flush_ConflictRaised(t *testing.T) {
	caller := &fakeCaller{respond: func(op api.Operation) (*api.Ack, error) {
		return nil, &remote.ConflictError{
			RemoteVersion: 2,
			RemoteData:    json.RawMessage(`{"name":"Remote Edit"}`),
		}
	}}
	f := newEngineFixture(t, caller, true)
	ctx := context.Background()
	key := models.EntityKey{Type: "student", ID: "42"}

	entry, err := f.engine.Enqueue(ctx, key, models.OpUpdate, json.RawMessage(`{"name":"Local Edit"}`))
	require.NoError(t, err)
	assert.Equal(t, int64(1), entry.Version)

	// Конфликт - не ошибка доставки: Flush завершается без ошибки
	require.NoError(t, f.engine.Flush(ctx))
	assert.Equal(t, models.SyncCompleted, f.engine.State())

	// Запись осталась в очереди до разрешения
	pending, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	// Конфликт зафиксирован с версиями обеих сторон
	conflicts, err := f.resolver.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, key, conflicts[0].Key)
	assert.Equal(t, int64(1), conflicts[0].LocalVersion)
	assert.Equal(t, int64(2), conflicts[0].RemoteVersion)
	assert.JSONEq(t, `{"name":"Local Edit"}`, string(conflicts[0].LocalData))
	assert.JSONEq(t, `{"name":"Remote Edit"}`, string(conflicts[0].RemoteData))

	// Наблюдаемая удаленная версия записана
	assert.Equal(t, int64(2), f.tracker.Get(key, models.SlotRemote))

	// Один вызов: после конфликта прогон не продолжается и не ретраится
	assert.Len(t, f.caller.calls(), 1)
}

// TestEngine_Flush_ConflictFastForward проверяет, что 409 без реального
// расхождения (стороны сошлись на одной версии) снимается как fast-forward.
func TestEngine_Flush_ConflictFastForward(t *testing.T) {
	caller := &fakeCaller{respond: func(op api.Operation) (*api.Ack, error) {
		return nil, &remote.ConflictError{RemoteVersion: 1}
	}}
	f := newEngineFixture(t, caller, true)
	ctx := context.Background()
	key := models.EntityKey{Type: "student", ID: "42"}

	// local=1, remote=1 при lastSynced=0: обе стороны на одной версии
	_, err := f.engine.Enqueue(ctx, key, models.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, f.engine.Flush(ctx))

	pending, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	conflicts, err := f.resolver.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	assert.Equal(t, int64(1), f.tracker.Get(key, models.SlotLastSynced))
}

// TestEngine_Flush_AutoLocalRedelivers проверяет, что при стратегии
// auto-local конфликт разрешается на месте и победившие данные уходят
// повторно со слитой версией в том же прогоне.
func TestEngine_Flush_AutoLocalRedelivers(t *testing.T) {
	var conflicted bool
	caller := &fakeCaller{respond: func(op api.Operation) (*api.Ack, error) {
		if !conflicted {
			conflicted = true
			return nil, &remote.ConflictError{
				RemoteVersion: 2,
				RemoteData:    json.RawMessage(`{"name":"Remote Edit"}`),
			}
		}
		var req api.WriteRequest
		_ = json.Unmarshal(op.Body, &req)
		return &api.Ack{Version: req.Version}, nil
	}}
	f := newStrategyFixture(t, caller, true, conflict.StrategyAutoLocal)
	ctx := context.Background()
	key := models.EntityKey{Type: "student", ID: "42"}

	_, err := f.engine.Enqueue(ctx, key, models.OpUpdate, json.RawMessage(`{"name":"Local Edit"}`))
	require.NoError(t, err)

	require.NoError(t, f.engine.Flush(ctx))
	assert.Equal(t, models.SyncCompleted, f.engine.State())

	// Конфликт разрешен автоматически, активных не осталось
	conflicts, err := f.resolver.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)

	// Второй вызов несет локальные данные под слитой версией max(1,2)+1
	calls := f.caller.calls()
	require.Len(t, calls, 2)
	var req api.WriteRequest
	require.NoError(t, json.Unmarshal(calls[1].Body, &req))
	assert.Equal(t, int64(3), req.Version)
	assert.JSONEq(t, `{"name":"Local Edit"}`, string(req.Data))

	pending, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, int64(3), f.tracker.Get(key, models.SlotLastSynced))
}

// TestEngine_Flush_AutoRemoteDropsEntry проверяет, что при стратегии
// auto-remote локальная запись отбрасывается и прогон завершается без
// повторной отправки.
func TestEngine_Flush_AutoRemoteDropsEntry(t *testing.T) {
	caller := &fakeCaller{respond: func(op api.Operation) (*api.Ack, error) {
		return nil, &remote.ConflictError{
			RemoteVersion: 2,
			RemoteData:    json.RawMessage(`{"name":"Remote Edit"}`),
		}
	}}
	f := newStrategyFixture(t, caller, true, conflict.StrategyAutoRemote)
	ctx := context.Background()
	key := models.EntityKey{Type: "student", ID: "42"}

	_, err := f.engine.Enqueue(ctx, key, models.OpUpdate, json.RawMessage(`{"name":"Local Edit"}`))
	require.NoError(t, err)

	require.NoError(t, f.engine.Flush(ctx))
	assert.Equal(t, models.SyncCompleted, f.engine.State())

	// Проигравшая локальная правка снята, повторной отправки нет
	assert.Len(t, f.caller.calls(), 1)

	pending, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	conflicts, err := f.resolver.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, conflicts)
	assert.Equal(t, int64(3), f.tracker.Get(key, models.SlotLastSynced))
}

// TestEngine_ConflictDoesNotTripBreaker проверяет, что конфликты версий
// не считаются сбоями эндпоинта.
func TestEngine_ConflictDoesNotTripBreaker(t *testing.T) {
	caller := &fakeCaller{respond: func(op api.Operation) (*api.Ack, error) {
		return nil, &remote.ConflictError{RemoteVersion: 5}
	}}
	f := newEngineFixture(t, caller, true)
	ctx := context.Background()
	key := models.EntityKey{Type: "student", ID: "42"}

	require.NoError(t, f.tracker.Set(ctx, key, models.SlotLastSynced, 3))
	_, err := f.engine.Enqueue(ctx, key, models.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	// Больше конфликтных ответов, чем порог предохранителя
	for i := 0; i < breaker.DefaultErrorThreshold+2; i++ {
		require.NoError(t, f.engine.Flush(ctx))
	}

	assert.Len(t, f.caller.calls(), breaker.DefaultErrorThreshold+2)
	assert.Equal(t, breaker.StateClosed, f.breaker.State("sync:student"))
}

// TestEngine_BreakerOpensOnRepeatedFailures проверяет, что повторяющиеся
// сбои эндпоинта открывают его предохранитель, не задевая другие эндпоинты.
func TestEngine_BreakerOpensOnRepeatedFailures(t *testing.T) {
	caller := &fakeCaller{respond: func(op api.Operation) (*api.Ack, error) {
		return nil, errors.New("upstream down")
	}}
	f := newEngineFixture(t, caller, true)
	ctx := context.Background()

	_, err := f.engine.Enqueue(ctx, models.EntityKey{Type: "student", ID: "1"}, models.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	// Достаточно прогонов, чтобы набрать порог ошибок
	for i := 0; i < 2; i++ {
		require.Error(t, f.engine.Flush(ctx))
	}

	assert.Equal(t, breaker.StateOpen, f.breaker.State("sync:student"))
	assert.Equal(t, breaker.StateClosed, f.breaker.State("sync:lesson"))
}

func TestEngine_Flush_EmptyQueue(t *testing.T) {
	f := newEngineFixture(t, ackCaller(), true)

	require.NoError(t, f.engine.Flush(context.Background()))
	assert.Equal(t, models.SyncCompleted, f.engine.State())
	assert.Empty(t, f.caller.calls())
}

func TestEngine_Reset(t *testing.T) {
	f := newEngineFixture(t, ackCaller(), true)
	ctx := context.Background()
	key := models.EntityKey{Type: "student", ID: "1"}

	_, err := f.engine.Enqueue(ctx, key, models.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.NoError(t, f.engine.Reset(ctx))

	pending, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
	assert.Equal(t, int64(0), f.tracker.Get(key, models.SlotLocal))
	assert.Equal(t, models.SyncIdle, f.engine.State())
}

// TestEngine_BackgroundFlushOnEnqueue проверяет, что постановка в очередь
// сама запускает асинхронную доставку.
func TestEngine_BackgroundFlushOnEnqueue(t *testing.T) {
	f := newEngineFixture(t, ackCaller(), false)
	defer f.engine.Stop()
	ctx := context.Background()

	_, err := f.engine.Enqueue(ctx, models.EntityKey{Type: "student", ID: "1"}, models.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		n, err := f.engine.PendingCount(ctx)
		return err == nil && n == 0
	}, 2*time.Second, 10*time.Millisecond, "queued entry must be delivered in background")
}

// TestEngine_FlushAfterReconnect проверяет, что очередь, сохраненная после
// терминального сбоя, доезжает при следующем flush после восстановления связи.
func TestEngine_FlushAfterReconnect(t *testing.T) {
	var online bool
	var mu gosync.Mutex
	caller := &fakeCaller{respond: func(op api.Operation) (*api.Ack, error) {
		mu.Lock()
		defer mu.Unlock()
		if !online {
			return nil, errors.New("network unreachable")
		}
		return &api.Ack{}, nil
	}}
	f := newEngineFixture(t, caller, true)
	ctx := context.Background()

	_, err := f.engine.Enqueue(ctx, models.EntityKey{Type: "student", ID: "1"}, models.OpUpdate, json.RawMessage(`{}`))
	require.NoError(t, err)

	// Офлайн: доставка терминально падает, очередь сохранена
	require.ErrorIs(t, f.engine.Flush(ctx), ErrSyncFailure)

	mu.Lock()
	online = true
	mu.Unlock()
	f.breaker.Reset("sync:student")

	// Связь вернулась - повторный flush доставляет очередь
	require.NoError(t, f.engine.Flush(ctx))
	pending, err := f.engine.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}
