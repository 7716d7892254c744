package guard

import (
	"log/slog"
	"sync"
	"time"
)

// Limit лимит вызовов для одного канала: не более Max вызовов за Window.
type Limit struct {
	Max    int           // Max максимум вызовов в окне
	Window time.Duration // Window длительность окна
}

// RateLimiter считает вызовы по каналам в фиксированных окнах.
// Окно сбрасывается лениво при следующей проверке после истечения,
// фоновых таймеров нет. Канал без настроенного лимита не ограничивается.
type RateLimiter struct {
	limits  map[string]Limit
	windows map[string]*window
	logger  *slog.Logger
	now     func() time.Time
	mu      sync.Mutex
}

// window счетчик текущего окна одного канала.
type window struct {
	resetAt time.Time
	count   int
	mu      sync.Mutex
}

// NewRateLimiter создает rate limiter с лимитами по каналам.
func NewRateLimiter(limits map[string]Limit, logger *slog.Logger) *RateLimiter {
	rl := &RateLimiter{
		limits:  make(map[string]Limit, len(limits)),
		windows: make(map[string]*window),
		logger:  logger,
		now:     time.Now,
	}
	for channel, limit := range limits {
		rl.limits[channel] = limit
	}
	return rl
}

// Allow проверяет и учитывает один вызов канала.
// Возвращает ErrRateLimited, если лимит окна исчерпан.
// Проверка и инкремент выполняются в одной критической секции канала.
// Любой внутренний сбой проверки закрывает вызов (fail closed), а не
// пропускает его.
func (rl *RateLimiter) Allow(channel string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// Default deny: сбой проверки не должен открывать границу
			rl.logger.Error("rate limiter internal error, failing closed",
				"channel", channel, "panic", r)
			err = ErrRateLimited
		}
	}()

	limit, ok := rl.limits[channel]
	if !ok || limit.Max <= 0 {
		// Канал без лимита не ограничивается
		return nil
	}

	w := rl.window(channel)

	w.mu.Lock()
	defer w.mu.Unlock()

	now := rl.now()
	if !now.Before(w.resetAt) {
		// Окно истекло - начинаем новое
		w.count = 0
		w.resetAt = now.Add(limit.Window)
	}

	if w.count >= limit.Max {
		rl.logger.Warn("rate limit exceeded",
			"channel", channel,
			"max", limit.Max,
			"window", limit.Window)
		return ErrRateLimited
	}

	w.count++
	return nil
}

// window возвращает счетчик канала, создавая его при первом обращении.
func (rl *RateLimiter) window(channel string) *window {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	w, ok := rl.windows[channel]
	if !ok {
		w = &window{}
		rl.windows[channel] = w
	}
	return w
}
