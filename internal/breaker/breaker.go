package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen возвращается, когда вызов отклонен без обращения к
// эндпоинту: предохранитель открыт или half-open проба уже в полете.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State состояние предохранителя одного эндпоинта.
type State string

// Состояния предохранителя.
const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config параметры предохранителя. Нулевые поля заменяются значениями
// по умолчанию: 5 ошибок в окне 60s, повторная проба через 30s.
type Config struct {
	ErrorThreshold int           // ErrorThreshold число ошибок в окне до открытия
	ErrorWindow    time.Duration // ErrorWindow окно подсчета ошибок
	ResetTimeout   time.Duration // ResetTimeout пауза перед half-open пробой
}

// Значения по умолчанию.
const (
	DefaultErrorThreshold = 5
	DefaultErrorWindow    = 60 * time.Second
	DefaultResetTimeout   = 30 * time.Second
)

func (c Config) withDefaults() Config {
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = DefaultErrorThreshold
	}
	if c.ErrorWindow <= 0 {
		c.ErrorWindow = DefaultErrorWindow
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = DefaultResetTimeout
	}
	return c
}

// StateChange вызывается при смене состояния эндпоинта.
// Колбэк нужен только для наблюдаемости (логи, UI) — корректность
// предохранителя от него не зависит.
type StateChange func(key string, from, to State)

// Breaker изолирует сбои по логическим эндпоинтам. Каждый ключ имеет
// собственный счетчик и состояние: ошибки одного эндпоинта никогда не
// открывают предохранитель другого.
type Breaker struct {
	cfg       Config
	logger    *slog.Logger
	onChange  StateChange
	now       func() time.Time
	endpoints map[string]*endpoint
	mu        sync.Mutex
}

// endpoint состояние предохранителя для одного ключа.
type endpoint struct {
	windowStart time.Time
	lastErrorAt time.Time
	openedAt    time.Time
	state       State
	errorCount  int
	probing     bool
	mu          sync.Mutex
}

// New создает предохранитель с заданной конфигурацией.
func New(cfg Config, logger *slog.Logger) *Breaker {
	return &Breaker{
		cfg:       cfg.withDefaults(),
		logger:    logger,
		now:       time.Now,
		endpoints: make(map[string]*endpoint),
	}
}

// OnStateChange регистрирует наблюдателя смены состояний.
// Вызывать до первого Execute.
func (b *Breaker) OnStateChange(fn StateChange) {
	b.onChange = fn
}

// Execute прогоняет вызов fn через предохранитель эндпоинта key.
// В состоянии open вызов отклоняется с ErrCircuitOpen без обращения к fn.
// В состоянии half-open через предохранитель проходит ровно одна проба;
// конкурентные вызовы в это время отклоняются.
func (b *Breaker) Execute(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	ep := b.endpoint(key)

	if err := b.allow(key, ep); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.recordFailure(key, ep)
		return err
	}

	b.recordSuccess(key, ep)
	return nil
}

// State возвращает текущее состояние эндпоинта с учетом истекшего
// ResetTimeout (open автоматически считается half-open после паузы).
func (b *Breaker) State(key string) State {
	ep := b.endpoint(key)

	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.state == StateOpen && b.now().Sub(ep.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return ep.state
}

// Reset принудительно закрывает предохранитель эндпоинта и обнуляет счетчики.
func (b *Breaker) Reset(key string) {
	ep := b.endpoint(key)

	ep.mu.Lock()
	defer ep.mu.Unlock()

	b.transition(key, ep, StateClosed)
	ep.errorCount = 0
	ep.probing = false
}

// endpoint возвращает состояние для ключа, создавая его при первом обращении.
func (b *Breaker) endpoint(key string) *endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	ep, ok := b.endpoints[key]
	if !ok {
		ep = &endpoint{state: StateClosed}
		b.endpoints[key] = ep
	}
	return ep
}

// allow решает, пропускать ли вызов, и резервирует half-open пробу.
func (b *Breaker) allow(key string, ep *endpoint) error {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	switch ep.state {
	case StateClosed:
		return nil

	case StateOpen:
		if b.now().Sub(ep.openedAt) < b.cfg.ResetTimeout {
			return ErrCircuitOpen
		}
		// Пауза истекла - переходим в half-open и занимаем слот пробы
		b.transition(key, ep, StateHalfOpen)
		ep.probing = true
		return nil

	case StateHalfOpen:
		if ep.probing {
			// Проба уже в полете - не допускаем вторую
			return ErrCircuitOpen
		}
		ep.probing = true
		return nil
	}

	return nil
}

// recordSuccess фиксирует успешный вызов. Счетчик ошибок обнуляется
// только при закрытии после удачной пробы: успехи между ошибками в
// closed не мешают порогу набраться внутри окна.
func (b *Breaker) recordSuccess(key string, ep *endpoint) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	if ep.state == StateHalfOpen {
		b.logger.Info("circuit breaker probe succeeded", "endpoint", key)
		b.transition(key, ep, StateClosed)
		ep.errorCount = 0
	}
	ep.probing = false
}

// recordFailure фиксирует ошибку вызова и открывает предохранитель
// при достижении порога в пределах окна.
func (b *Breaker) recordFailure(key string, ep *endpoint) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	now := b.now()

	if ep.state == StateHalfOpen {
		// Проба не удалась - снова открываемся и перезапускаем таймер
		b.logger.Warn("circuit breaker probe failed", "endpoint", key)
		ep.probing = false
		ep.openedAt = now
		ep.lastErrorAt = now
		b.transition(key, ep, StateOpen)
		return
	}

	if ep.errorCount == 0 || now.Sub(ep.lastErrorAt) > b.cfg.ErrorWindow {
		// Первое попадание или окно истекло - начинаем новое окно
		ep.windowStart = now
		ep.errorCount = 0
	}

	ep.errorCount++
	ep.lastErrorAt = now

	if ep.state == StateClosed && ep.errorCount >= b.cfg.ErrorThreshold {
		b.logger.Warn("circuit breaker opened",
			"endpoint", key,
			"errors", ep.errorCount,
			"window", b.cfg.ErrorWindow)
		ep.openedAt = now
		b.transition(key, ep, StateOpen)
	}
}

// transition меняет состояние и уведомляет наблюдателя. Вызывается под ep.mu.
func (b *Breaker) transition(key string, ep *endpoint, to State) {
	if ep.state == to {
		return
	}
	from := ep.state
	ep.state = to

	b.logger.Debug("circuit breaker state changed",
		"endpoint", key,
		"from", string(from),
		"to", string(to))

	if b.onChange != nil {
		b.onChange(key, from, to)
	}
}
