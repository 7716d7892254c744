// Package remote реализует HTTP клиент границы удаленного API.
// Движок синхронизации описывает вызов как {method, path, body, headers};
// клиент возвращает подтверждение с версией либо структурированную ошибку.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/iudanet/tutordesk/pkg/api"
)

//go:generate moq -out client_mock.go . Caller

// Caller определяет интерфейс исходящих вызовов к бэкенду.
type Caller interface {
	// Do выполняет одну операцию. Конфликт версий возвращается как
	// *ConflictError, прочие ошибки сервера как *StatusError.
	Do(ctx context.Context, op api.Operation) (*api.Ack, error)
}

// ConflictError сервер сообщил версию новее той, которую клиент считал
// последней подтвержденной.
type ConflictError struct {
	RemoteData    json.RawMessage
	RemoteVersion int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote version conflict: server at version %d", e.RemoteVersion)
}

// StatusError структурированная ошибка сервера {status, body}.
type StatusError struct {
	Body   string
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Body)
}

// Client HTTP клиент бэкенда.
type Client struct {
	httpClient *http.Client
	baseURL    string
	authToken  string
}

// NewClient создает клиент для заданного базового URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Ограничиваем количество редиректов
				if len(via) >= 10 {
					return fmt.Errorf("stopped after 10 redirects")
				}
				// Переносим Authorization при редиректе
				if len(via) > 0 && via[0].Header.Get("Authorization") != "" {
					req.Header.Set("Authorization", via[0].Header.Get("Authorization"))
				}
				return nil
			},
		},
	}
}

// SetAuthToken устанавливает bearer токен для последующих вызовов.
func (c *Client) SetAuthToken(token string) {
	c.authToken = token
}

// Do выполняет одну операцию против бэкенда.
// Таймаут каждого вызова ограничивается контекстом вызывающей стороны.
func (c *Client) Do(ctx context.Context, op api.Operation) (*api.Ack, error) {
	url := c.baseURL + op.Path

	var bodyReader io.Reader
	if len(op.Body) > 0 {
		bodyReader = bytes.NewReader(op.Body)
	}

	req, err := http.NewRequestWithContext(ctx, op.Method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if len(op.Body) > 0 {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
	for name, value := range op.Headers {
		req.Header.Set(name, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	// 409 - сервер знает более новую версию сущности
	if resp.StatusCode == http.StatusConflict {
		var body api.ConflictBody
		if err := json.Unmarshal(respBody, &body); err != nil {
			return nil, fmt.Errorf("failed to decode conflict body: %w", err)
		}
		return nil, &ConflictError{
			RemoteVersion: body.CurrentVersion,
			RemoteData:    body.Data,
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp api.ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Message != "" {
			return nil, &StatusError{Status: resp.StatusCode, Body: errResp.Message}
		}
		return nil, &StatusError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var ack api.Ack
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &ack); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return &ack, nil
}
