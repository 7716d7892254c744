package api

import "encoding/json"

// Operation описывает один исходящий вызов к бэкенду.
// Движок синхронизации формирует операции из записей офлайн-очереди.
type Operation struct {
	Headers map[string]string `json:"headers,omitempty"` // Headers дополнительные HTTP заголовки
	Method  string            `json:"method"`            // Method HTTP метод (POST, PUT, DELETE)
	Path    string            `json:"path"`              // Path путь операции на сервере
	Body    json.RawMessage   `json:"body,omitempty"`    // Body тело запроса
}

// Ack успешный ответ сервера на операцию.
type Ack struct {
	Data    json.RawMessage `json:"data,omitempty"` // Data полезная нагрузка ответа
	Version int64           `json:"version"`        // Version версия сущности, подтвержденная сервером
}

// WriteRequest тело исходящей записи: непрозрачные данные сущности плюс
// версия, зафиксированная при постановке в очередь.
type WriteRequest struct {
	Data    json.RawMessage `json:"data,omitempty"` // Data состояние сущности
	Version int64           `json:"version"`        // Version локальная версия записи
}

// ConflictBody тело ответа 409: сервер знает более новую версию сущности,
// чем та, которую клиент считал последней подтвержденной.
type ConflictBody struct {
	Data           json.RawMessage `json:"data,omitempty"`  // Data текущее состояние сущности на сервере
	CurrentVersion int64           `json:"current_version"` // CurrentVersion версия на сервере
}

// ErrorResponse стандартное тело ошибки сервера.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
