package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"adventure-server/internal/ai"
	"adventure-server/internal/models"
	"adventure-server/internal/prompt"
	"adventure-server/internal/storage"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

var turnsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "adventure_turns_total",
		Help: "Total number of adventure engine operations.",
	},
	[]string{"operation", "status"},
)

// NarrativeBackend - бэкенд генерации повествования (реализуется ai.Client).
type NarrativeBackend interface {
	GenerateTurn(ctx context.Context, userID string, systemPrompt string, userInput string) (string, error)
}

// TurnEventPublisher - см. internal/messaging. Продублирован интерфейсом,
// чтобы движок не зависел от конкретного брокера.
type TurnEventPublisher interface {
	PublishTurnEvent(ctx context.Context, event models.TurnEvent) error
}

// Defaults - значения по умолчанию для нового приключения.
type Defaults struct {
	Scenario      string
	CharacterName string
	CharacterRole string
}

// Engine реализует игровой цикл: start, ход, статус, reset. Все мутирующие
// операции одного пользователя выполняются строго последовательно под
// per-user мьютексом; операции разных пользователей идут параллельно.
type Engine struct {
	repo     storage.SessionRepository
	backend  NarrativeBackend
	builder  *prompt.Builder
	events   TurnEventPublisher
	defaults Defaults
	logger   *zap.Logger

	locks sync.Map // userID -> *sync.Mutex
	now   func() time.Time
}

// NewEngine создает движок приключений.
func NewEngine(
	repo storage.SessionRepository,
	backend NarrativeBackend,
	builder *prompt.Builder,
	events TurnEventPublisher,
	defaults Defaults,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		repo:     repo,
		backend:  backend,
		builder:  builder,
		events:   events,
		defaults: defaults,
		logger:   logger.Named("Engine"),
		now:      time.Now,
	}
}

// lockUser захватывает мьютекс пользователя и возвращает функцию
// освобождения. Мьютексы создаются лениво и не удаляются: количество
// пользователей на инстанс ограничено.
func (e *Engine) lockUser(userID string) func() {
	v, _ := e.locks.LoadOrStore(userID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Start начинает новое приключение. Повторный start при активной сессии
// идемпотентен: возвращается текущая сцена без обращения к бэкенду.
// Start при завершенной сессии - ошибка: сначала нужен reset.
func (e *Engine) Start(ctx context.Context, userID string, params models.StartParams) (*models.TurnOutcome, error) {
	unlock := e.lockUser(userID)
	defer unlock()

	log := e.logger.With(zap.String("userID", userID))

	existing, err := e.repo.Get(ctx, userID)
	switch {
	case err == nil:
		switch existing.Status {
		case models.StatusActive:
			log.Info("Start on active session, replaying current scene")
			turnsTotal.With(prometheus.Labels{"operation": "start", "status": "replayed"}).Inc()
			return &models.TurnOutcome{
				NarrativeText: existing.LastNarrative(),
				Choices:       append([]string(nil), existing.CurrentChoices...),
				ImageTag:      existing.LastImageTag,
				SessionEnded:  false,
				TurnIndex:     existing.TurnIndex,
			}, nil
		default:
			log.Warn("Start rejected: session already ended", zap.String("status", string(existing.Status)))
			turnsTotal.With(prometheus.Labels{"operation": "start", "status": "invalid_state"}).Inc()
			return nil, fmt.Errorf("приключение завершено, нужен reset: %w", models.ErrInvalidState)
		}
	case errors.Is(err, models.ErrSessionNotFound):
		// Сессии нет, создаем новую
	default:
		turnsTotal.With(prometheus.Labels{"operation": "start", "status": "storage_error"}).Inc()
		return nil, err
	}

	scenario := strings.TrimSpace(params.Scenario)
	if scenario == "" {
		scenario = e.defaults.Scenario
	}
	characterName := strings.TrimSpace(params.CharacterName)
	if characterName == "" {
		characterName = e.defaults.CharacterName
	}
	characterRole := strings.TrimSpace(params.CharacterRole)
	if characterRole == "" {
		characterRole = e.defaults.CharacterRole
	}

	state := models.NewGameState(userID, scenario, characterName, characterRole, e.now())

	result, err := e.runGeneration(ctx, userID, state, "")
	if err != nil {
		turnsTotal.With(prometheus.Labels{"operation": "start", "status": "generation_error"}).Inc()
		return nil, err
	}

	warnings := applyOpening(state, result)
	state.UpdatedAt = e.now()

	if err := e.repo.Put(ctx, userID, state); err != nil {
		log.Error("Failed to persist new session, discarding", zap.Error(err))
		turnsTotal.With(prometheus.Labels{"operation": "start", "status": "storage_error"}).Inc()
		return nil, err
	}

	log.Info("Adventure started",
		zap.String("scenario", scenario),
		zap.Int("choices", len(state.CurrentChoices)))
	turnsTotal.With(prometheus.Labels{"operation": "start", "status": "success"}).Inc()
	e.publishEvent(ctx, state)

	return &models.TurnOutcome{
		NarrativeText: state.OpeningNarrative,
		Choices:       append([]string(nil), state.CurrentChoices...),
		ImageTag:      state.LastImageTag,
		SessionEnded:  state.Status == models.StatusEnded,
		TurnIndex:     state.TurnIndex,
		Warnings:      warnings,
	}, nil
}

// Act выполняет один ход: действие игрока уходит бэкенду вместе с окном
// истории, результат валидируется и атомарно применяется к состоянию.
// Подтверждение возвращается только после успешной персистентности; любая
// ошибка оставляет сохраненное состояние нетронутым.
func (e *Engine) Act(ctx context.Context, userID string, action string) (*models.TurnOutcome, error) {
	action = strings.TrimSpace(action)
	if action == "" {
		return nil, models.ErrEmptyAction
	}

	unlock := e.lockUser(userID)
	defer unlock()

	log := e.logger.With(zap.String("userID", userID))

	state, err := e.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			turnsTotal.With(prometheus.Labels{"operation": "act", "status": "invalid_state"}).Inc()
			return nil, fmt.Errorf("приключение не начато: %w", models.ErrInvalidState)
		}
		turnsTotal.With(prometheus.Labels{"operation": "act", "status": "storage_error"}).Inc()
		return nil, err
	}
	if state.Status != models.StatusActive {
		log.Warn("Act rejected: session is not active", zap.String("status", string(state.Status)))
		turnsTotal.With(prometheus.Labels{"operation": "act", "status": "invalid_state"}).Inc()
		return nil, fmt.Errorf("приключение не активно (%s): %w", state.Status, models.ErrInvalidState)
	}

	result, err := e.runGeneration(ctx, userID, state, action)
	if err != nil {
		turnsTotal.With(prometheus.Labels{"operation": "act", "status": "generation_error"}).Inc()
		return nil, err
	}

	// Применяем к копии: при ошибке сохранения оригинал не тронут
	next := state.Clone()
	warnings := applyTurn(next, action, result)
	next.UpdatedAt = e.now()

	if err := e.repo.Put(ctx, userID, next); err != nil {
		log.Error("Failed to persist turn, discarding", zap.Int("turnIndex", next.TurnIndex), zap.Error(err))
		turnsTotal.With(prometheus.Labels{"operation": "act", "status": "storage_error"}).Inc()
		return nil, err
	}

	log.Info("Turn applied",
		zap.Int("turnIndex", next.TurnIndex),
		zap.Bool("ended", next.Status == models.StatusEnded),
		zap.Strings("warnings", warnings))
	turnsTotal.With(prometheus.Labels{"operation": "act", "status": "success"}).Inc()
	e.publishEvent(ctx, next)

	return &models.TurnOutcome{
		NarrativeText: result.NarrativeText,
		Choices:       append([]string(nil), next.CurrentChoices...),
		ImageTag:      next.LastImageTag,
		SessionEnded:  next.Status == models.StatusEnded,
		TurnIndex:     next.TurnIndex,
		Warnings:      warnings,
	}, nil
}

// Status возвращает снимок сессии без обращения к бэкенду и без мутаций.
func (e *Engine) Status(ctx context.Context, userID string) (*models.StatusReport, error) {
	state, err := e.repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &models.StatusReport{
		Status:        state.Status,
		Scenario:      state.Scenario,
		CharacterName: state.CharacterName,
		CharacterRole: state.CharacterRole,
		Inventory:     append([]string(nil), state.Inventory...),
		NarrativeText: state.LastNarrative(),
		Choices:       append([]string(nil), state.CurrentChoices...),
		TurnIndex:     state.TurnIndex,
		ImageTag:      state.LastImageTag,
	}, nil
}

// Reset удаляет сессию пользователя. Идемпотентен: reset без сессии
// успешен и ничего не делает.
func (e *Engine) Reset(ctx context.Context, userID string) error {
	unlock := e.lockUser(userID)
	defer unlock()

	err := e.repo.Delete(ctx, userID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			turnsTotal.With(prometheus.Labels{"operation": "reset", "status": "noop"}).Inc()
			return nil
		}
		turnsTotal.With(prometheus.Labels{"operation": "reset", "status": "storage_error"}).Inc()
		return err
	}
	e.logger.Info("Session reset", zap.String("userID", userID))
	turnsTotal.With(prometheus.Labels{"operation": "reset", "status": "success"}).Inc()
	return nil
}

// runGeneration выполняет полный цикл генерации одного хода с ограниченными
// ретраями: один повтор при транзиентной ошибке бэкенда и один repair-повтор
// при невалидном ответе. Худший случай - три обращения к бэкенду.
func (e *Engine) runGeneration(ctx context.Context, userID string, state *models.GameState, action string) (*models.TurnResult, error) {
	log := e.logger.With(zap.String("userID", userID))

	req := e.builder.Build(state, action, "")
	systemPrompt, userMessage := e.builder.Render(req)

	raw, err := e.generateWithRetry(ctx, userID, systemPrompt, userMessage)
	if err != nil {
		return nil, err
	}

	result, err := parseAndValidate(raw)
	if err == nil {
		return result, nil
	}
	if !errors.Is(err, models.ErrInvalidAIResponse) {
		return nil, err
	}

	// Repair-ретрай: тот же запрос плюс хинт с текстом ошибки валидации
	log.Warn("Invalid AI response, retrying with repair hint", zap.Error(err))
	repairReq := e.builder.Build(state, action, err.Error())
	systemPrompt, userMessage = e.builder.Render(repairReq)

	raw, genErr := e.backend.GenerateTurn(ctx, userID, systemPrompt, userMessage)
	if genErr != nil {
		return nil, genErr
	}
	result, err = parseAndValidate(raw)
	if err != nil {
		log.Warn("Repair retry produced invalid response", zap.Error(err))
		return nil, err
	}
	return result, nil
}

// generateWithRetry делает запрос к бэкенду с одним повтором при
// транзиентной ошибке.
func (e *Engine) generateWithRetry(ctx context.Context, userID, systemPrompt, userMessage string) (string, error) {
	raw, err := e.backend.GenerateTurn(ctx, userID, systemPrompt, userMessage)
	if err == nil {
		return raw, nil
	}
	if !errors.Is(err, models.ErrBackendUnavailable) {
		return "", err
	}
	e.logger.Warn("Transient backend error, retrying once", zap.String("userID", userID), zap.Error(err))
	return e.backend.GenerateTurn(ctx, userID, systemPrompt, userMessage)
}

func parseAndValidate(raw string) (*models.TurnResult, error) {
	result, err := ai.ParseTurnResponse(raw)
	if err != nil {
		return nil, err
	}
	if err := validateTurnResult(result); err != nil {
		return nil, err
	}
	return result, nil
}

// applyOpening применяет вступительный результат к свежему состоянию.
// Вступление не входит в журнал: TurnIndex остается 0, History пуста.
func applyOpening(state *models.GameState, result *models.TurnResult) []string {
	state.OpeningNarrative = result.NarrativeText
	state.LastImageTag = result.ImageTag
	warnings := applyDelta(state, result.InventoryDelta)
	if result.SessionEnded {
		state.Status = models.StatusEnded
		state.CurrentChoices = []string{}
	} else {
		state.CurrentChoices = append([]string(nil), result.Choices...)
	}
	return warnings
}

// applyTurn применяет результат хода: запись в журнал, дельта инвентаря,
// замена вариантов выбора, инкремент счетчика ходов.
func applyTurn(state *models.GameState, action string, result *models.TurnResult) []string {
	state.History = append(state.History, models.HistoryEntry{
		NarrativeText: result.NarrativeText,
		ChosenAction:  action,
		TurnIndex:     state.TurnIndex,
	})
	state.TurnIndex++
	state.LastImageTag = result.ImageTag

	warnings := applyDelta(state, result.InventoryDelta)

	if result.SessionEnded {
		state.Status = models.StatusEnded
		state.CurrentChoices = []string{}
	} else {
		state.CurrentChoices = append([]string(nil), result.Choices...)
	}
	return warnings
}

// applyDelta применяет дельту инвентаря. Удаление отсутствующего предмета
// не ошибка: оно отбрасывается с предупреждением, остальная дельта
// применяется. Удаляется первое вхождение (дубликаты допустимы).
func applyDelta(state *models.GameState, delta models.InventoryDelta) []string {
	var warnings []string
	for _, item := range delta.Remove {
		idx := -1
		for i, held := range state.Inventory {
			if held == item {
				idx = i
				break
			}
		}
		if idx == -1 {
			warnings = append(warnings, fmt.Sprintf("item %q is not in the inventory, removal skipped", item))
			continue
		}
		state.Inventory = append(state.Inventory[:idx], state.Inventory[idx+1:]...)
	}
	state.Inventory = append(state.Inventory, delta.Add...)
	return warnings
}

// publishEvent отправляет событие хода best-effort: ошибка публикации
// логируется, но не влияет на результат операции.
func (e *Engine) publishEvent(ctx context.Context, state *models.GameState) {
	if e.events == nil {
		return
	}
	event := models.TurnEvent{
		EventID:    uuid.NewString(),
		UserID:     state.UserID,
		TurnIndex:  state.TurnIndex,
		Ended:      state.Status == models.StatusEnded,
		ImageTag:   state.LastImageTag,
		OccurredAt: e.now(),
	}
	if err := e.events.PublishTurnEvent(ctx, event); err != nil {
		e.logger.Warn("Failed to publish turn event",
			zap.String("userID", state.UserID),
			zap.String("eventID", event.EventID),
			zap.Error(err))
	}
}
