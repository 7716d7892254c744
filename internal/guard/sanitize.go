package guard

import "regexp"

// strippedPatterns подстроки, вырезаемые из строковых полей принятых
// запросов перед рендерингом или пересылкой дальше.
var strippedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<\s*/?\s*script[^>]*>`),
	regexp.MustCompile(`(?i)<\s*/?\s*iframe[^>]*>`),
	regexp.MustCompile(`(?i)javascript\s*:`),
	regexp.MustCompile(`(?i)vbscript\s*:`),
	regexp.MustCompile(`(?i)\bon(load|error|click|mouseover)\s*=`),
	regexp.MustCompile("[`$]\\("),
}

// Sanitize рекурсивно вычищает опасные подстроки из строковых полей.
// Применяется к уже принятым запросам, данные которых еще будут
// отображаться или пересылаться. Структура значения сохраняется.
func Sanitize(v any) any {
	switch val := v.(type) {
	case string:
		return sanitizeString(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for key, item := range val {
			out[sanitizeString(key)] = Sanitize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = Sanitize(item)
		}
		return out
	default:
		return v
	}
}

func sanitizeString(s string) string {
	for _, re := range strippedPatterns {
		s = re.ReplaceAllString(s, "")
	}
	return s
}
