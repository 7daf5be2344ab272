package models

import "time"

// SessionStatus представляет статус игровой сессии.
type SessionStatus string

const (
	StatusNotStarted SessionStatus = "not_started"
	StatusActive     SessionStatus = "active"
	StatusEnded      SessionStatus = "ended"
)

// HistoryEntry представляет один сыгранный ход в журнале сессии.
// Журнал append-only: записи никогда не редактируются и не удаляются,
// кроме полной замены состояния при reset.
type HistoryEntry struct {
	NarrativeText string `json:"narrative_text"`
	ChosenAction  string `json:"chosen_action"`
	TurnIndex     int    `json:"turn_index"`
}

// GameState представляет полное персистентное состояние приключения
// одного пользователя. Инварианты:
//   - TurnIndex == len(History) после каждого успешно примененного хода;
//   - CurrentChoices непусты тогда и только тогда, когда Status == active.
type GameState struct {
	UserID        string `json:"user_id"`
	Scenario      string `json:"scenario"`
	CharacterName string `json:"character_name"`
	CharacterRole string `json:"character_role"`

	// Inventory - упорядоченный список предметов, дубликаты допустимы.
	Inventory []string       `json:"inventory"`
	History   []HistoryEntry `json:"history"`

	// CurrentChoices - варианты действий, предложенные для текущего
	// (еще не сыгранного) хода. Заменяются целиком каждым ходом.
	CurrentChoices []string      `json:"current_choices"`
	Status         SessionStatus `json:"status"`
	TurnIndex      int           `json:"turn_index"`

	// OpeningNarrative - вступительный текст, сгенерированный при старте.
	// Не входит в History (журнал содержит только ходы с действием игрока),
	// но участвует в построении промпта и в идемпотентном повторе start.
	OpeningNarrative string `json:"opening_narrative"`
	// LastImageTag - тег иллюстрации последней сцены.
	LastImageTag string `json:"last_image_tag"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewGameState создает свежее состояние для нового приключения.
func NewGameState(userID, scenario, characterName, characterRole string, now time.Time) *GameState {
	return &GameState{
		UserID:        userID,
		Scenario:      scenario,
		CharacterName: characterName,
		CharacterRole: characterRole,
		Inventory:     []string{},
		History:       []HistoryEntry{},
		Status:        StatusActive,
		TurnIndex:     0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone возвращает глубокую копию состояния. Движок применяет дельту хода
// к копии и сохраняет ее атомарно; оригинал остается нетронутым на случай
// ошибки персистентности.
func (s *GameState) Clone() *GameState {
	if s == nil {
		return nil
	}
	clone := *s
	clone.Inventory = append([]string(nil), s.Inventory...)
	clone.History = append([]HistoryEntry(nil), s.History...)
	clone.CurrentChoices = append([]string(nil), s.CurrentChoices...)
	return &clone
}

// LastNarrative возвращает текст последней сцены: последний ход журнала
// либо вступление, если ходов еще не было.
func (s *GameState) LastNarrative() string {
	if len(s.History) > 0 {
		return s.History[len(s.History)-1].NarrativeText
	}
	return s.OpeningNarrative
}
