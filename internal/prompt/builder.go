package prompt

import (
	"fmt"
	"strings"

	"adventure-server/internal/models"

	"github.com/pkoukk/tiktoken-go"
	"go.uber.org/zap"
)

const encodingName = "cl100k_base"

// Builder детерминированно собирает запрос к бэкенду генерации из состояния
// сессии. Окно истории ограничено двумя бюджетами: максимум ходов и максимум
// токенов. Ходы отбираются от новейших к старейшим, отбрасываются целиком
// (запись либо входит в окно полностью, либо не входит), порядок в итоговом
// промпте хронологический.
type Builder struct {
	windowTokens int
	windowTurns  int
	enc          *tiktoken.Tiktoken
	logger       *zap.Logger
}

// NewBuilder создает Builder с заданными бюджетами окна истории.
// Если токенизатор недоступен (нет кэша BPE-словаря), Builder деградирует
// до грубой оценки ~4 символа на токен.
func NewBuilder(windowTokens, windowTurns int, logger *zap.Logger) *Builder {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		logger.Warn("Tokenizer unavailable, falling back to character estimate", zap.Error(err))
		enc = nil
	}
	return &Builder{
		windowTokens: windowTokens,
		windowTurns:  windowTurns,
		enc:          enc,
		logger:       logger.Named("PromptBuilder"),
	}
}

// countTokens возвращает число токенов текста (или оценку при отсутствии
// токенизатора).
func (b *Builder) countTokens(text string) int {
	if b.enc != nil {
		return len(b.enc.Encode(text, nil, nil))
	}
	return len(text)/4 + 1
}

// Build собирает GenerationRequest для одного хода. Для старта приключения
// передается пустое action; repairHint непуст только на repair-ретрае.
// Одинаковое состояние и действие всегда дают одинаковый запрос.
func (b *Builder) Build(state *models.GameState, action, repairHint string) models.GenerationRequest {
	return models.GenerationRequest{
		Scenario:         state.Scenario,
		CharacterName:    state.CharacterName,
		CharacterRole:    state.CharacterRole,
		OpeningNarrative: state.OpeningNarrative,
		HistoryWindow:    b.selectWindow(state.History),
		Inventory:        append([]string(nil), state.Inventory...),
		CurrentChoices:   append([]string(nil), state.CurrentChoices...),
		UserAction:       action,
		RepairHint:       repairHint,
	}
}

// selectWindow выбирает недавние ходы в пределах бюджетов. Идем от конца
// журнала, добавляем ход, пока влезают оба бюджета, затем разворачиваем
// в хронологический порядок.
func (b *Builder) selectWindow(history []models.HistoryEntry) []models.HistoryEntry {
	if len(history) == 0 {
		return nil
	}

	budget := b.windowTokens
	var selected []models.HistoryEntry
	for i := len(history) - 1; i >= 0; i-- {
		if b.windowTurns > 0 && len(selected) >= b.windowTurns {
			break
		}
		entry := history[i]
		cost := b.countTokens(entry.NarrativeText) + b.countTokens(entry.ChosenAction)
		if budget-cost < 0 && len(selected) > 0 {
			break
		}
		budget -= cost
		selected = append(selected, entry)
		if budget <= 0 {
			break
		}
	}

	// Разворачиваем: selected собран от новейших к старейшим
	window := make([]models.HistoryEntry, len(selected))
	for i, entry := range selected {
		window[len(selected)-1-i] = entry
	}
	return window
}

// Render превращает GenerationRequest в пару (системный промт, сообщение
// пользователя) для chat-API.
func (b *Builder) Render(req models.GenerationRequest) (systemPrompt, userMessage string) {
	var sys strings.Builder

	sys.WriteString("You are the narrator of a dynamic, text-based adventure game.\n")
	fmt.Fprintf(&sys, "Scenario: %s.\n", req.Scenario)
	fmt.Fprintf(&sys, "The player is %s, a %s.\n\n", req.CharacterName, req.CharacterRole)

	sys.WriteString("Rules:\n")
	sys.WriteString("- Continue the story based on the player's action. Keep the narrative vivid but concise (2-4 paragraphs).\n")
	sys.WriteString("- Offer between 2 and 5 distinct choices for the next action, unless the story has reached a definitive end.\n")
	sys.WriteString("- Track the player's inventory: report gained items in inventory_delta.add and lost or consumed items in inventory_delta.remove.\n")
	sys.WriteString("- Only remove items the player actually carries.\n")
	sys.WriteString("- Set session_ended to true only when the adventure has reached a definitive conclusion (victory, death, or a final resolution).\n")
	sys.WriteString("- image_prompt is a short English description of the current scene for an illustration.\n\n")

	sys.WriteString("Respond with a single JSON object and nothing else, exactly this schema:\n")
	sys.WriteString(`{"narrative": "...", "choices": ["..."], "inventory_delta": {"add": [], "remove": []}, "image_prompt": "...", "session_ended": false}`)
	sys.WriteString("\n")

	var user strings.Builder

	if req.OpeningNarrative != "" {
		fmt.Fprintf(&user, "Opening scene:\n%s\n\n", req.OpeningNarrative)
	}
	if len(req.HistoryWindow) > 0 {
		user.WriteString("Recent turns:\n")
		for _, entry := range req.HistoryWindow {
			fmt.Fprintf(&user, "Turn %d. Player chose: %s\n%s\n\n", entry.TurnIndex+1, entry.ChosenAction, entry.NarrativeText)
		}
	}
	if len(req.Inventory) > 0 {
		fmt.Fprintf(&user, "Current inventory: %s\n", strings.Join(req.Inventory, ", "))
	} else {
		user.WriteString("Current inventory: empty\n")
	}
	if len(req.CurrentChoices) > 0 {
		fmt.Fprintf(&user, "Choices offered to the player: %s\n", strings.Join(req.CurrentChoices, "; "))
	}

	if req.UserAction == "" {
		user.WriteString("\nBegin the adventure: describe the opening scene and offer the first choices.\n")
	} else {
		fmt.Fprintf(&user, "\nPlayer's action: %s\n", req.UserAction)
	}

	if req.RepairHint != "" {
		fmt.Fprintf(&user, "\nYour previous response was invalid: %s. Respond again with a single valid JSON object matching the schema exactly.\n", req.RepairHint)
	}

	return sys.String(), user.String()
}
