package models

import "time"

// InventoryDelta описывает изменения инвентаря, произведенные одним ходом.
type InventoryDelta struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// TurnResult - структурированный результат одного хода, ожидаемый от
// бэкенда генерации. Это главная граница совместимости: подмена провайдера
// генерации не должна менять эту схему.
type TurnResult struct {
	NarrativeText  string         `json:"narrative"`
	Choices        []string       `json:"choices"`
	InventoryDelta InventoryDelta `json:"inventory_delta"`
	ImageTag       string         `json:"image_prompt"`
	SessionEnded   bool           `json:"session_ended"`
}

// GenerationRequest - структурированный запрос к бэкенду генерации.
// Строится детерминированно из состояния сессии и действия пользователя.
type GenerationRequest struct {
	Scenario      string
	CharacterName string
	CharacterRole string

	// OpeningNarrative и HistoryWindow - ограниченное окно недавней истории.
	// Старые ходы отбрасываются из окна целиком, никогда не искажаются.
	OpeningNarrative string
	HistoryWindow    []HistoryEntry

	Inventory      []string
	CurrentChoices []string

	// UserAction - выбранное или свободно введенное действие. Совпадает ли
	// оно с одним из CurrentChoices, здесь не различается: интерпретация
	// творческого ввода - ответственность бэкенда.
	UserAction string

	// RepairHint непустой только на repair-ретрае после ошибки валидации.
	RepairHint string
}

// TurnOutcome - результат хода, возвращаемый движком вызывающему слою
// после успешной персистентности.
type TurnOutcome struct {
	NarrativeText string   `json:"narrative"`
	Choices       []string `json:"choices"`
	ImageTag      string   `json:"image_tag"`
	SessionEnded  bool     `json:"ended"`
	TurnIndex     int      `json:"turn_index"`
	// Warnings - восстановимые замечания (например, отброшенное удаление
	// отсутствующего предмета). Ход при этом считается успешным.
	Warnings []string `json:"warnings,omitempty"`
}

// StatusReport - снимок сессии для show_status. Read-only: построение
// отчета не меняет состояние.
type StatusReport struct {
	Status        SessionStatus `json:"status"`
	Scenario      string        `json:"scenario"`
	CharacterName string        `json:"character_name"`
	CharacterRole string        `json:"character_role"`
	Inventory     []string      `json:"inventory"`
	NarrativeText string        `json:"narrative"`
	Choices       []string      `json:"choices"`
	TurnIndex     int           `json:"turn_index"`
	ImageTag      string        `json:"image_tag,omitempty"`
}

// StartParams - параметры создания нового приключения. Пустые поля
// заменяются значениями по умолчанию из конфигурации.
type StartParams struct {
	Scenario      string `json:"scenario"`
	CharacterName string `json:"character_name"`
	CharacterRole string `json:"character_role"`
}

// TurnEvent публикуется в очередь после каждого сохраненного хода,
// чтобы сервисы доставки (websocket, push) могли уведомить клиента.
type TurnEvent struct {
	EventID    string    `json:"event_id"`
	UserID     string    `json:"user_id"`
	TurnIndex  int       `json:"turn_index"`
	Ended      bool      `json:"ended"`
	ImageTag   string    `json:"image_tag,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
