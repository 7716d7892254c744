package storage

import "errors"

// Общие ошибки локальных хранилищ.
var (
	// ErrEntryNotFound запись очереди не найдена
	ErrEntryNotFound = errors.New("queue entry not found")

	// ErrConflictNotFound запись о конфликте не найдена
	ErrConflictNotFound = errors.New("conflict record not found")

	// ErrStorageClosed хранилище закрыто
	ErrStorageClosed = errors.New("storage is closed")
)
