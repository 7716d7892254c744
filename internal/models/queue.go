package models

import (
	"encoding/json"
	"time"
)

// Operation тип операции, поставленной в офлайн-очередь.
type Operation string

// Допустимые операции над сущностью.
const (
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// Valid проверяет, что операция одна из известных.
func (o Operation) Valid() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// QueueEntry представляет одну отложенную запись в офлайн-очереди.
// Записи применяются строго в порядке ID; для одного EntityKey порядок
// постановки в очередь сохраняет причинность правок пользователя.
type QueueEntry struct {
	EnqueuedAt time.Time       `json:"enqueued_at"` // EnqueuedAt момент постановки в очередь
	Key        EntityKey       `json:"key"`         // Key сущность, которую меняет запись
	Op         Operation       `json:"op"`          // Op тип операции
	Payload    json.RawMessage `json:"payload"`     // Payload тело записи (непрозрачное для ядра)
	ID         uint64          `json:"id"`          // ID монотонный порядковый номер (назначается хранилищем)
	Version    int64           `json:"version"`     // Version локальная версия, зафиксированная при enqueue
}

// SyncState состояние цикла синхронизации движка.
type SyncState string

// Состояния движка синхронизации.
// failed автоматически возвращается в syncing, пока не исчерпаны retry.
const (
	SyncIdle      SyncState = "idle"
	SyncSyncing   SyncState = "syncing"
	SyncCompleted SyncState = "completed"
	SyncFailed    SyncState = "failed"
)
