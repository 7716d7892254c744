package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/iudanet/tutordesk/internal/crypto"
	"github.com/iudanet/tutordesk/internal/models"
)

// EncryptedQueue оборачивает QueueStorage и шифрует тела записей at rest.
// Этот слой отвечает за шифрование/дешифрование payload перед сохранением;
// нижележащее хранилище видит только непрозрачный шифротекст.
type EncryptedQueue struct {
	inner QueueStorage
	key   []byte
}

// NewEncryptedQueue создает шифрующую обертку над хранилищем очереди.
// key - 32-байтовый ключ из crypto.DeriveKey.
func NewEncryptedQueue(inner QueueStorage, key []byte) *EncryptedQueue {
	return &EncryptedQueue{inner: inner, key: key}
}

// Append шифрует payload и сохраняет запись.
func (q *EncryptedQueue) Append(ctx context.Context, entry *models.QueueEntry) error {
	sealed, err := q.seal(entry.Payload)
	if err != nil {
		return err
	}

	stored := *entry
	stored.Payload = sealed
	if err := q.inner.Append(ctx, &stored); err != nil {
		return err
	}

	// Вызвавшая сторона продолжает видеть открытый payload
	entry.ID = stored.ID
	return nil
}

// Entries возвращает записи с расшифрованными payload.
func (q *EncryptedQueue) Entries(ctx context.Context) ([]*models.QueueEntry, error) {
	entries, err := q.inner.Entries(ctx)
	if err != nil {
		return nil, err
	}

	for _, entry := range entries {
		opened, err := q.open(entry.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to open entry %d: %w", entry.ID, err)
		}
		entry.Payload = opened
	}
	return entries, nil
}

// Update шифрует payload и перезаписывает запись.
func (q *EncryptedQueue) Update(ctx context.Context, entry *models.QueueEntry) error {
	sealed, err := q.seal(entry.Payload)
	if err != nil {
		return err
	}

	stored := *entry
	stored.Payload = sealed
	return q.inner.Update(ctx, &stored)
}

// Delete удаляет запись по ID.
func (q *EncryptedQueue) Delete(ctx context.Context, id uint64) error {
	return q.inner.Delete(ctx, id)
}

// DeleteByEntity удаляет все записи сущности.
func (q *EncryptedQueue) DeleteByEntity(ctx context.Context, key models.EntityKey) (int, error) {
	return q.inner.DeleteByEntity(ctx, key)
}

// Len возвращает число записей.
func (q *EncryptedQueue) Len(ctx context.Context) (int, error) {
	return q.inner.Len(ctx)
}

// Clear удаляет все записи.
func (q *EncryptedQueue) Clear(ctx context.Context) error {
	return q.inner.Clear(ctx)
}

// seal шифрует payload и кодирует его JSON-строкой, чтобы результат
// оставался валидным json.RawMessage для нижележащего хранилища.
func (q *EncryptedQueue) seal(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return payload, nil
	}

	encrypted, err := crypto.Encrypt(payload, q.key)
	if err != nil {
		return nil, fmt.Errorf("failed to encrypt payload: %w", err)
	}

	sealed, err := json.Marshal(base64.StdEncoding.EncodeToString(encrypted))
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return sealed, nil
}

// open дешифрует payload, сохраненный seal.
func (q *EncryptedQueue) open(sealed json.RawMessage) (json.RawMessage, error) {
	if len(sealed) == 0 {
		return sealed, nil
	}

	var encoded string
	if err := json.Unmarshal(sealed, &encoded); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}

	encrypted, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode payload base64: %w", err)
	}

	return crypto.Decrypt(encrypted, q.key)
}
