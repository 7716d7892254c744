package models

import (
	"encoding/json"
	"time"
)

// ConflictStatus статус записи о конфликте.
type ConflictStatus string

// Статусы конфликта.
const (
	ConflictPending  ConflictStatus = "pending"
	ConflictResolved ConflictStatus = "resolved"
)

// Resolution выбранная сторона при разрешении конфликта.
type Resolution string

// Возможные решения.
const (
	ResolveLocal  Resolution = "local"
	ResolveRemote Resolution = "remote"
	ResolveMerged Resolution = "merge"
)

// Valid проверяет, что решение одно из известных.
func (r Resolution) Valid() bool {
	switch r {
	case ResolveLocal, ResolveRemote, ResolveMerged:
		return true
	}
	return false
}

// Conflict фиксирует расхождение: локальная и удаленная стороны независимо
// изменили одну сущность после последней подтвержденной синхронизации.
// Конфликт — это данные, требующие решения, а не ошибка процесса.
type Conflict struct {
	DetectedAt    time.Time       `json:"detected_at"`           // DetectedAt момент обнаружения
	ResolvedAt    time.Time       `json:"resolved_at,omitzero"`  // ResolvedAt момент применения решения
	ID            string          `json:"id"`                    // ID уникальный идентификатор (UUID)
	Key           EntityKey       `json:"key"`                   // Key сущность, по которой разошлись стороны
	Status        ConflictStatus  `json:"status"`                // Status pending или resolved
	Resolution    Resolution      `json:"resolution,omitempty"`  // Resolution выбранная сторона (после решения)
	LocalData     json.RawMessage `json:"local_data,omitempty"`  // LocalData локальная версия данных
	RemoteData    json.RawMessage `json:"remote_data,omitempty"` // RemoteData удаленная версия данных
	LocalVersion  int64           `json:"local_version"`         // LocalVersion локальная версия на момент обнаружения
	RemoteVersion int64           `json:"remote_version"`        // RemoteVersion версия, о которой сообщил сервер
	EntryID       uint64          `json:"entry_id,omitempty"`    // EntryID запись очереди, вызвавшая конфликт
}
