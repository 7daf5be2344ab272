package ai

import (
	"encoding/json"
	"fmt"
	"strings"

	"adventure-server/internal/models"
)

// ParseTurnResponse парсит сырой текстовый ответ модели в TurnResult.
// Модели регулярно заворачивают JSON в markdown-ограждение или добавляют
// текст вокруг, поэтому перед декодированием вырезаем JSON-объект.
// Любая ошибка разбора оборачивается в models.ErrInvalidAIResponse:
// движок в этом случае делает один repair-ретрай.
func ParseTurnResponse(responseText string) (*models.TurnResult, error) {
	cleaned := extractJSONObject(responseText)
	if cleaned == "" {
		return nil, fmt.Errorf("ответ не содержит JSON-объекта: %w", models.ErrInvalidAIResponse)
	}

	var result models.TurnResult
	decoder := json.NewDecoder(strings.NewReader(cleaned))
	if err := decoder.Decode(&result); err != nil {
		return nil, fmt.Errorf("ошибка декодирования JSON ответа: %v: %w", err, models.ErrInvalidAIResponse)
	}

	return &result, nil
}

// extractJSONObject убирает markdown-ограждения (```json ... ```) и
// возвращает подстроку от первой '{' до соответствующей ей '}'.
func extractJSONObject(text string) string {
	cleaned := strings.TrimSpace(text)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	start := strings.Index(cleaned, "{")
	if start == -1 {
		return ""
	}

	braceLevel := 0
	inString := false
	escaped := false
	for i, r := range cleaned[start:] {
		if inString {
			// Экранирование потребляет ровно один символ: "\\" закрывает
			// escape, а не начинает новый
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			inString = true
		case '{':
			braceLevel++
		case '}':
			braceLevel--
			if braceLevel == 0 {
				return cleaned[start : start+i+1]
			}
		}
	}
	return ""
}
