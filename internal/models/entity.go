package models

import (
	"fmt"
	"strings"
)

// EntityKey идентифицирует синхронизируемую запись бэкенда.
// Ядро не знает бизнес-семантику сущностей (студенты, занятия, платежи) —
// для него это непрозрачная пара (тип, id).
type EntityKey struct {
	Type string `json:"type"` // Type логический тип сущности (например, "student", "lesson")
	ID   string `json:"id"`   // ID идентификатор записи внутри типа
}

// String возвращает каноническое строковое представление ключа: "type#id".
func (k EntityKey) String() string {
	return k.Type + "#" + k.ID
}

// IsZero сообщает, что ключ не заполнен.
func (k EntityKey) IsZero() bool {
	return k.Type == "" && k.ID == ""
}

// ParseEntityKey разбирает строку вида "type#id" обратно в EntityKey.
func ParseEntityKey(s string) (EntityKey, error) {
	typ, id, ok := strings.Cut(s, "#")
	if !ok || typ == "" || id == "" {
		return EntityKey{}, fmt.Errorf("invalid entity key %q: want \"type#id\"", s)
	}
	return EntityKey{Type: typ, ID: id}, nil
}

// VersionSlot выбирает один из трех счетчиков версий сущности.
type VersionSlot string

// Слоты версий. LastSynced всегда содержит версию, подтвержденную сервером.
const (
	SlotLocal      VersionSlot = "local"
	SlotRemote     VersionSlot = "remote"
	SlotLastSynced VersionSlot = "last_synced"
)

// VersionRecord хранит счетчики версий одной сущности.
// Local инкрементируется ровно один раз на каждую локальную мутацию.
type VersionRecord struct {
	Local      int64 `json:"local"`
	Remote     int64 `json:"remote"`
	LastSynced int64 `json:"last_synced"`
}

// Slot возвращает значение счетчика для указанного слота.
func (r VersionRecord) Slot(slot VersionSlot) int64 {
	switch slot {
	case SlotLocal:
		return r.Local
	case SlotRemote:
		return r.Remote
	case SlotLastSynced:
		return r.LastSynced
	}
	return 0
}
