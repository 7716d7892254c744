// Package bridge реализует процессную границу между песочницей UI и
// привилегированным хостом. Запрос приходит как (канал, аргументы),
// проходит проверку сессионного токена и trust-boundary guard и только
// потом попадает в обработчик. Незарегистрированные каналы отклоняются.
package bridge

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/iudanet/tutordesk/internal/breaker"
	"github.com/iudanet/tutordesk/internal/conflict"
	"github.com/iudanet/tutordesk/internal/guard"
	syncengine "github.com/iudanet/tutordesk/internal/sync"
	"github.com/iudanet/tutordesk/pkg/api"
)

// Handler обработчик одного привилегированного канала.
// Возвращенная ошибка транслируется в категорию, сырой текст внутренних
// ошибок до UI-поверхности не доходит.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Bridge маршрутизирует вызовы UI-поверхности в обработчики хоста.
type Bridge struct {
	guard    *guard.Guard
	tokens   TokenConfig
	logger   *slog.Logger
	handlers map[string]Handler
	mu       sync.RWMutex
}

// New создает мост поверх guard с заданной конфигурацией токенов.
func New(g *guard.Guard, tokens TokenConfig, logger *slog.Logger) *Bridge {
	return &Bridge{
		guard:    g,
		tokens:   tokens,
		logger:   logger,
		handlers: make(map[string]Handler),
	}
}

// IssueToken выдает сессионный токен для новой UI-поверхности.
func (b *Bridge) IssueToken(surfaceID string) (string, error) {
	return IssueSessionToken(b.tokens, surfaceID)
}

// Register регистрирует канал: его allow-list схему и обработчик.
// Канал, не прошедший через Register, недоступен из песочницы.
func (b *Bridge) Register(channel string, schema guard.Schema, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.guard.RegisterSchema(channel, schema)
	b.handlers[channel] = handler
}

// Invoke обрабатывает один вызов из песочницы.
// Порядок: сессионный токен -> guard (rate limit, схема, контент, размер)
// -> обработчик. Никогда не паникует наружу: любой отказ возвращается
// конвертом Response с категорией.
func (b *Bridge) Invoke(ctx context.Context, token, channel string, args map[string]any) api.Response {
	if _, err := ValidateSessionToken(b.tokens, token); err != nil {
		b.logger.Warn("bridge call with invalid session token", "channel", channel)
		return api.Fail(api.CodeUnauthorized, "invalid session token")
	}

	if err := b.guard.Check(channel, args); err != nil {
		return guardResponse(err)
	}

	b.mu.RLock()
	handler, ok := b.handlers[channel]
	b.mu.RUnlock()

	if !ok {
		// Схема без обработчика - такой канал считаем незарегистрированным
		b.logger.Warn("bridge call to unregistered channel", "channel", channel)
		return api.Fail(api.CodeInvalidRequest, "unknown channel")
	}

	data, err := handler(ctx, args)
	if err != nil {
		return handlerResponse(b.logger, channel, err)
	}
	return api.OK(data)
}

// guardResponse переводит ошибку guard в категорию для UI.
func guardResponse(err error) api.Response {
	switch {
	case errors.Is(err, guard.ErrRateLimited):
		return api.Fail(api.CodeRateLimited, "too many requests on this channel")
	case errors.Is(err, guard.ErrDangerousOperation):
		return api.Fail(api.CodeDangerousOperation, "operation is not allowed")
	case errors.Is(err, guard.ErrMaliciousPattern):
		return api.Fail(api.CodeMaliciousPattern, "request content rejected")
	case errors.Is(err, guard.ErrPayloadTooLarge):
		return api.Fail(api.CodePayloadTooLarge, "request payload too large")
	default:
		return api.Fail(api.CodeInvalidRequest, "request validation failed")
	}
}

// handlerResponse переводит ошибку обработчика в категорию, пряча
// внутренний текст ошибок.
func handlerResponse(logger *slog.Logger, channel string, err error) api.Response {
	logger.Warn("bridge handler failed", "channel", channel, "error", err)

	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return api.Fail(api.CodeCircuitOpen, "endpoint temporarily unavailable")
	case errors.Is(err, syncengine.ErrSyncFailure):
		return api.Fail(api.CodeSyncFailure, "synchronization failed, queue preserved")
	case errors.Is(err, conflict.ErrUnknownConflict):
		return api.Fail(api.CodeUnknownConflict, "conflict not found or already resolved")
	default:
		return api.Fail(api.CodeInternal, "internal error")
	}
}
