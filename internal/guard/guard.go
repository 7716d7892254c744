// Package guard реализует trust-boundary проверку запросов, приходящих
// из песочницы UI в привилегированный хост-процесс. Каждый вызов проходит
// по порядку: rate limit -> схема -> контентные проверки -> потолок размера.
// Любой отказ терминален для вызова и возвращается категорией, без
// внутренних деталей.
package guard

import "log/slog"

// Guard объединяет rate limiter и валидатор в единый конвейер проверки.
type Guard struct {
	limiter   *RateLimiter
	validator *Validator
	logger    *slog.Logger
}

// New создает guard поверх готовых limiter и validator.
func New(limiter *RateLimiter, validator *Validator, logger *slog.Logger) *Guard {
	return &Guard{
		limiter:   limiter,
		validator: validator,
		logger:    logger,
	}
}

// RegisterSchema регистрирует allow-list схему канала.
func (g *Guard) RegisterSchema(channel string, schema Schema) {
	g.validator.RegisterSchema(channel, schema)
}

// Check прогоняет вызов канала через полный конвейер проверок.
// Rate limit учитывается до валидации: отклоненный по схеме запрос
// все равно расходует слот окна.
func (g *Guard) Check(channel string, args map[string]any) error {
	if err := g.limiter.Allow(channel); err != nil {
		return err
	}
	return g.validator.Validate(channel, args)
}
