package guard

import "errors"

// Категории отказа trust-boundary проверки. Каждая ошибка терминальна для
// конкретного вызова: мост сообщает вызывающей стороне категорию и никогда
// не ретраит отклоненный вызов автоматически.
var (
	// ErrRateLimited канал исчерпал лимит вызовов в текущем окне
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrInvalidRequest запрос не прошел проверку схемы (или канал без схемы)
	ErrInvalidRequest = errors.New("invalid request")

	// ErrDangerousOperation имя операции из блок-листа
	ErrDangerousOperation = errors.New("dangerous operation rejected")

	// ErrMaliciousPattern в данных найден заблокированный паттерн
	ErrMaliciousPattern = errors.New("malicious pattern detected")

	// ErrPayloadTooLarge размер аргументов превышает потолок
	ErrPayloadTooLarge = errors.New("payload too large")
)
