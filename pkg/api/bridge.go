package api

// Коды категорий ошибок, возвращаемых UI-поверхности через мост.
// Категория сообщает причину отказа без утечки внутренних деталей.
const (
	CodeRateLimited        = "rate_limited"
	CodeInvalidRequest     = "invalid_request"
	CodeDangerousOperation = "dangerous_operation"
	CodeMaliciousPattern   = "malicious_pattern"
	CodePayloadTooLarge    = "payload_too_large"
	CodeUnauthorized       = "unauthorized"
	CodeCircuitOpen        = "circuit_open"
	CodeSyncConflict       = "sync_conflict"
	CodeSyncFailure        = "sync_failure"
	CodeUnknownConflict    = "unknown_conflict"
	CodeInternal           = "internal"
)

// BridgeError описание ошибки для UI-поверхности.
type BridgeError struct {
	Code    string `json:"code"`    // Code машиночитаемая категория
	Message string `json:"message"` // Message короткое описание без внутренних деталей
}

// Response единый конверт ответа привилегированного канала.
type Response struct {
	Data    any          `json:"data,omitempty"`  // Data результат обработчика при успехе
	Error   *BridgeError `json:"error,omitempty"` // Error категория отказа при неуспехе
	Success bool         `json:"success"`         // Success признак успешного вызова
}

// OK собирает успешный ответ.
func OK(data any) Response {
	return Response{Success: true, Data: data}
}

// Fail собирает ответ-отказ с категорией.
func Fail(code, message string) Response {
	return Response{Success: false, Error: &BridgeError{Code: code, Message: message}}
}
