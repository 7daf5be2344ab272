package engine

import (
	"fmt"
	"strings"

	"adventure-server/internal/models"
)

const (
	minChoices = 2
	maxChoices = 5
)

// validateTurnResult проверяет структурную валидность ответа бэкенда до
// применения к состоянию. Ошибка оборачивает models.ErrInvalidAIResponse,
// текст ошибки попадает в repair-хинт повторного запроса.
func validateTurnResult(result *models.TurnResult) error {
	if strings.TrimSpace(result.NarrativeText) == "" {
		return fmt.Errorf("narrative is empty: %w", models.ErrInvalidAIResponse)
	}

	if result.SessionEnded {
		// У завершающего хода вариантов выбора быть не должно, лишние
		// молча отбрасываются при применении.
		return validateDelta(result.InventoryDelta)
	}

	if len(result.Choices) < minChoices || len(result.Choices) > maxChoices {
		return fmt.Errorf("expected %d-%d choices, got %d: %w",
			minChoices, maxChoices, len(result.Choices), models.ErrInvalidAIResponse)
	}
	seen := make(map[string]bool, len(result.Choices))
	for _, choice := range result.Choices {
		trimmed := strings.TrimSpace(choice)
		if trimmed == "" {
			return fmt.Errorf("choices contain an empty entry: %w", models.ErrInvalidAIResponse)
		}
		if seen[trimmed] {
			return fmt.Errorf("choices contain a duplicate entry %q: %w", trimmed, models.ErrInvalidAIResponse)
		}
		seen[trimmed] = true
	}

	return validateDelta(result.InventoryDelta)
}

func validateDelta(delta models.InventoryDelta) error {
	for _, item := range delta.Add {
		if strings.TrimSpace(item) == "" {
			return fmt.Errorf("inventory_delta.add contains an empty item: %w", models.ErrInvalidAIResponse)
		}
	}
	for _, item := range delta.Remove {
		if strings.TrimSpace(item) == "" {
			return fmt.Errorf("inventory_delta.remove contains an empty item: %w", models.ErrInvalidAIResponse)
		}
	}
	return nil
}
