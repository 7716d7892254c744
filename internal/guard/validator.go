package guard

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// FieldKind тип значения поля в схеме канала.
type FieldKind string

// Поддерживаемые типы полей.
const (
	KindString FieldKind = "string"
	KindNumber FieldKind = "number"
	KindBool   FieldKind = "bool"
	KindObject FieldKind = "object"
	KindArray  FieldKind = "array"
)

// FieldSpec описание одного поля аргументов канала.
type FieldSpec struct {
	Kind     FieldKind // Kind ожидаемый тип значения
	MaxLen   int       // MaxLen максимальная длина строкового значения (0 = без ограничения)
	Required bool      // Required поле обязательно
}

// Schema allow-list схема аргументов одного канала: имя поля -> описание.
// Поля, которых нет в схеме, запрещены.
type Schema map[string]FieldSpec

// DefaultMaxPayload потолок размера аргументов по умолчанию (1 MiB).
const DefaultMaxPayload = 1 << 20

// dangerousOps подстроки, запрещенные в именах каналов и операций.
// Список покрывает попытки дотянуться до исполнения кода и до
// прототипов из скомпрометированной UI-поверхности.
var dangerousOps = []string{
	"eval",
	"exec",
	"spawn",
	"shell",
	"child_process",
	"require",
	"__proto__",
	"constructor",
	"prototype",
}

// maliciousPatterns паттерны, запрещенные в строковых значениях аргументов:
// script/markup инъекции, встроенные протоколы, shell-метасимволы,
// выход из каталога.
var maliciousPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*script`),
	regexp.MustCompile(`(?i)<\s*iframe`),
	regexp.MustCompile(`(?i)\bon(load|error|click|mouseover)\s*=`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)data:text/html`),
	regexp.MustCompile(`(?i)file://`),
	regexp.MustCompile("[;&|`]\\s*(rm|curl|wget|sh|bash|cmd|powershell)\\b"),
	regexp.MustCompile(`\$\([^)]*\)`),
	regexp.MustCompile(`\.\./`),
}

// Validator проверяет запросы привилегированных каналов по allow-list
// схемам. Канал без зарегистрированной схемы отклоняется (fail closed).
type Validator struct {
	schemas    map[string]Schema
	logger     *slog.Logger
	maxPayload int
	mu         sync.RWMutex
}

// NewValidator создает валидатор. maxPayload <= 0 включает DefaultMaxPayload.
func NewValidator(maxPayload int, logger *slog.Logger) *Validator {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayload
	}
	return &Validator{
		schemas:    make(map[string]Schema),
		logger:     logger,
		maxPayload: maxPayload,
	}
}

// RegisterSchema регистрирует allow-list схему канала.
func (v *Validator) RegisterSchema(channel string, schema Schema) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.schemas[channel] = schema
}

// Validate прогоняет аргументы канала через проверки в порядке:
// схема -> опасные имена операций -> заблокированные паттерны -> размер.
// Возвращает одну из ошибок-категорий пакета guard. Любой внутренний сбой
// (включая панику) закрывает вызов как ErrInvalidRequest.
func (v *Validator) Validate(channel string, args map[string]any) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// Default deny: валидатор никогда не fail open
			v.logger.Error("validator internal error, failing closed",
				"channel", channel, "panic", r)
			err = ErrInvalidRequest
		}
	}()

	v.mu.RLock()
	schema, ok := v.schemas[channel]
	v.mu.RUnlock()

	if !ok {
		v.logger.Warn("request on channel without registered schema", "channel", channel)
		return ErrInvalidRequest
	}

	if err := checkSchema(schema, args); err != nil {
		v.logger.Warn("request failed schema validation",
			"channel", channel, "reason", err)
		return ErrInvalidRequest
	}

	if name, bad := dangerousName(channel, args); bad {
		v.logger.Warn("dangerous operation rejected",
			"channel", channel, "operation", name)
		return ErrDangerousOperation
	}

	if pattern, bad := scanValues(args); bad {
		v.logger.Warn("malicious pattern rejected",
			"channel", channel, "pattern", pattern)
		return ErrMaliciousPattern
	}

	size, err := payloadSize(args)
	if err != nil {
		// Не смогли измерить - считаем запрос недопустимым
		v.logger.Warn("failed to measure payload, failing closed",
			"channel", channel, "error", err)
		return ErrInvalidRequest
	}
	if size > v.maxPayload {
		v.logger.Warn("payload too large",
			"channel", channel, "size", size, "max", v.maxPayload)
		return ErrPayloadTooLarge
	}

	return nil
}

// checkSchema проверяет аргументы против allow-list схемы.
func checkSchema(schema Schema, args map[string]any) error {
	for field, spec := range schema {
		value, present := args[field]
		if !present {
			if spec.Required {
				return fmt.Errorf("missing required field %q", field)
			}
			continue
		}
		if err := checkKind(field, spec, value); err != nil {
			return err
		}
	}

	// Поля вне схемы запрещены
	for field := range args {
		if _, known := schema[field]; !known {
			return fmt.Errorf("unexpected field %q", field)
		}
	}

	return nil
}

// checkKind проверяет тип и ограничения одного значения.
func checkKind(field string, spec FieldSpec, value any) error {
	switch spec.Kind {
	case KindString:
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q must be a string", field)
		}
		if spec.MaxLen > 0 && len(s) > spec.MaxLen {
			return fmt.Errorf("field %q exceeds max length %d", field, spec.MaxLen)
		}
	case KindNumber:
		switch value.(type) {
		case float64, int, int64:
		default:
			return fmt.Errorf("field %q must be a number", field)
		}
	case KindBool:
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("field %q must be a bool", field)
		}
	case KindObject:
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("field %q must be an object", field)
		}
	case KindArray:
		if _, ok := value.([]any); !ok {
			return fmt.Errorf("field %q must be an array", field)
		}
	default:
		return fmt.Errorf("field %q has unknown kind %q", field, spec.Kind)
	}
	return nil
}

// dangerousName ищет запрещенные подстроки в имени канала и в значениях
// полей, похожих на имя операции.
func dangerousName(channel string, args map[string]any) (string, bool) {
	candidates := []string{channel}
	for _, field := range []string{"op", "operation", "command", "action"} {
		if s, ok := args[field].(string); ok {
			candidates = append(candidates, s)
		}
	}

	for _, name := range candidates {
		lower := strings.ToLower(name)
		for _, blocked := range dangerousOps {
			if strings.Contains(lower, blocked) {
				return name, true
			}
		}
	}
	return "", false
}

// scanValues рекурсивно проверяет строковые значения на запрещенные паттерны.
func scanValues(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		for _, re := range maliciousPatterns {
			if re.MatchString(val) {
				return re.String(), true
			}
		}
	case map[string]any:
		for key, item := range val {
			// Ключи проверяем как строки: инъекция может прийти и в имени поля
			if pattern, bad := scanValues(key); bad {
				return pattern, true
			}
			if pattern, bad := scanValues(item); bad {
				return pattern, true
			}
		}
	case []any:
		for _, item := range val {
			if pattern, bad := scanValues(item); bad {
				return pattern, true
			}
		}
	}
	return "", false
}

// payloadSize измеряет сериализованный размер аргументов.
func payloadSize(args map[string]any) (int, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal args: %w", err)
	}
	return len(data), nil
}
