package engine

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"adventure-server/internal/models"
	"adventure-server/internal/prompt"
	"adventure-server/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Mocks ---

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) GenerateTurn(ctx context.Context, userID string, systemPrompt string, userInput string) (string, error) {
	args := m.Called(ctx, userID, systemPrompt, userInput)
	return args.String(0), args.Error(1)
}

type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishTurnEvent(ctx context.Context, event models.TurnEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

// flakyRepo оборачивает настоящий репозиторий и по флагу роняет Put.
type flakyRepo struct {
	storage.SessionRepository
	failPut bool
}

func (r *flakyRepo) Put(ctx context.Context, userID string, state *models.GameState) error {
	if r.failPut {
		return models.ErrStorage
	}
	return r.SessionRepository.Put(ctx, userID, state)
}

// --- Helpers ---

func turnJSON(t *testing.T, result models.TurnResult) string {
	t.Helper()
	raw, err := json.Marshal(result)
	require.NoError(t, err)
	return string(raw)
}

func openingResult() models.TurnResult {
	return models.TurnResult{
		NarrativeText: "You stand at the edge of an ancient forest.",
		Choices:       []string{"Enter the forest", "Walk along the treeline", "Make camp"},
		ImageTag:      "ancient forest at dusk",
	}
}

func newTestEngine(t *testing.T, backend NarrativeBackend) (*Engine, storage.SessionRepository) {
	t.Helper()
	repo := storage.NewMemorySessionRepository()
	builder := prompt.NewBuilder(2000, 12, zap.NewNop())
	eng := NewEngine(repo, backend, builder, nil, Defaults{
		Scenario:      "a mysterious, ancient forest full of forgotten ruins",
		CharacterName: "Adventurer",
		CharacterRole: "wandering explorer",
	}, zap.NewNop())
	return eng, repo
}

func startAdventure(t *testing.T, eng *Engine, backend *MockBackend, userID string) {
	t.Helper()
	backend.On("GenerateTurn", mock.Anything, userID, mock.Anything, mock.Anything).
		Return(turnJSON(t, openingResult()), nil).Once()
	_, err := eng.Start(context.Background(), userID, models.StartParams{})
	require.NoError(t, err)
}

// --- Start ---

func TestStart(t *testing.T) {
	t.Run("creates a fresh session with opening scene", func(t *testing.T) {
		backend := new(MockBackend)
		eng, repo := newTestEngine(t, backend)

		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, openingResult()), nil).Once()

		outcome, err := eng.Start(context.Background(), "user-1", models.StartParams{Scenario: "a haunted lighthouse"})
		require.NoError(t, err)

		assert.Equal(t, "You stand at the edge of an ancient forest.", outcome.NarrativeText)
		assert.Len(t, outcome.Choices, 3)
		assert.Equal(t, 0, outcome.TurnIndex)
		assert.False(t, outcome.SessionEnded)

		state, err := repo.Get(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, state.Status)
		assert.Equal(t, "a haunted lighthouse", state.Scenario)
		assert.Empty(t, state.History)
		assert.Equal(t, len(state.History), state.TurnIndex)
		backend.AssertExpectations(t)
	})

	t.Run("fills defaults for empty params", func(t *testing.T) {
		backend := new(MockBackend)
		eng, repo := newTestEngine(t, backend)

		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, openingResult()), nil).Once()

		_, err := eng.Start(context.Background(), "user-1", models.StartParams{})
		require.NoError(t, err)

		state, err := repo.Get(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, "a mysterious, ancient forest full of forgotten ruins", state.Scenario)
		assert.Equal(t, "Adventurer", state.CharacterName)
		assert.Equal(t, "wandering explorer", state.CharacterRole)
	})

	t.Run("is idempotent on active session", func(t *testing.T) {
		backend := new(MockBackend)
		eng, _ := newTestEngine(t, backend)

		// Бэкенд вызывается ровно один раз
		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, openingResult()), nil).Once()

		first, err := eng.Start(context.Background(), "user-1", models.StartParams{})
		require.NoError(t, err)
		second, err := eng.Start(context.Background(), "user-1", models.StartParams{})
		require.NoError(t, err)

		assert.Equal(t, first.NarrativeText, second.NarrativeText)
		assert.Equal(t, first.Choices, second.Choices)
		assert.Equal(t, first.TurnIndex, second.TurnIndex)
		backend.AssertExpectations(t)
	})

	t.Run("rejects start on ended session", func(t *testing.T) {
		backend := new(MockBackend)
		eng, repo := newTestEngine(t, backend)

		startAdventure(t, eng, backend, "user-1")
		ending := models.TurnResult{NarrativeText: "The end.", SessionEnded: true}
		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, ending), nil).Once()
		_, err := eng.Act(context.Background(), "user-1", "Enter the forest")
		require.NoError(t, err)

		_, err = eng.Start(context.Background(), "user-1", models.StartParams{})
		assert.ErrorIs(t, err, models.ErrInvalidState)

		state, err := repo.Get(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusEnded, state.Status)
	})

	t.Run("does not persist session when generation fails", func(t *testing.T) {
		backend := new(MockBackend)
		eng, repo := newTestEngine(t, backend)

		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return("", models.ErrBackendRejected).Once()

		_, err := eng.Start(context.Background(), "user-1", models.StartParams{})
		assert.ErrorIs(t, err, models.ErrBackendRejected)

		_, err = repo.Get(context.Background(), "user-1")
		assert.ErrorIs(t, err, models.ErrSessionNotFound)
	})
}

// --- Act ---

func TestAct(t *testing.T) {
	t.Run("appends history and advances turn index", func(t *testing.T) {
		backend := new(MockBackend)
		eng, repo := newTestEngine(t, backend)
		startAdventure(t, eng, backend, "user-1")

		next := models.TurnResult{
			NarrativeText:  "The trees close in around you.",
			Choices:        []string{"Press on", "Turn back"},
			InventoryDelta: models.InventoryDelta{Add: []string{"rusty lantern"}},
			ImageTag:       "dark forest path",
		}
		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, next), nil).Once()

		outcome, err := eng.Act(context.Background(), "user-1", "Enter the forest")
		require.NoError(t, err)

		assert.Equal(t, 1, outcome.TurnIndex)
		assert.Equal(t, []string{"Press on", "Turn back"}, outcome.Choices)
		assert.False(t, outcome.SessionEnded)

		state, err := repo.Get(context.Background(), "user-1")
		require.NoError(t, err)
		require.Len(t, state.History, 1)
		assert.Equal(t, len(state.History), state.TurnIndex)
		assert.Equal(t, "Enter the forest", state.History[0].ChosenAction)
		assert.Equal(t, 0, state.History[0].TurnIndex)
		assert.Equal(t, []string{"rusty lantern"}, state.Inventory)
		assert.Equal(t, "dark forest path", state.LastImageTag)
	})

	t.Run("rejects act without a session", func(t *testing.T) {
		backend := new(MockBackend)
		eng, _ := newTestEngine(t, backend)

		_, err := eng.Act(context.Background(), "user-1", "look around")
		assert.ErrorIs(t, err, models.ErrInvalidState)
		backend.AssertNotCalled(t, "GenerateTurn")
	})

	t.Run("rejects empty and whitespace-only actions as bad input", func(t *testing.T) {
		backend := new(MockBackend)
		eng, _ := newTestEngine(t, backend)
		startAdventure(t, eng, backend, "user-1")

		_, err := eng.Act(context.Background(), "user-1", "")
		assert.ErrorIs(t, err, models.ErrEmptyAction)

		_, err = eng.Act(context.Background(), "user-1", "   ")
		assert.ErrorIs(t, err, models.ErrEmptyAction)
		assert.NotErrorIs(t, err, models.ErrInvalidState)
	})

	t.Run("ends the session when the backend says so", func(t *testing.T) {
		backend := new(MockBackend)
		eng, repo := newTestEngine(t, backend)
		startAdventure(t, eng, backend, "user-1")

		ending := models.TurnResult{NarrativeText: "You emerge victorious.", SessionEnded: true}
		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, ending), nil).Once()

		outcome, err := eng.Act(context.Background(), "user-1", "Enter the forest")
		require.NoError(t, err)
		assert.True(t, outcome.SessionEnded)
		assert.Empty(t, outcome.Choices)

		state, err := repo.Get(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusEnded, state.Status)
		assert.Empty(t, state.CurrentChoices)

		// Последующий ход отклоняется без обращения к бэкенду
		_, err = eng.Act(context.Background(), "user-1", "Keep going")
		assert.ErrorIs(t, err, models.ErrInvalidState)
		backend.AssertExpectations(t)
	})

	t.Run("drops removal of absent item with a warning", func(t *testing.T) {
		backend := new(MockBackend)
		eng, repo := newTestEngine(t, backend)
		startAdventure(t, eng, backend, "user-1")

		next := models.TurnResult{
			NarrativeText: "The lock clicks open, but your lockpick snaps.",
			Choices:       []string{"Slip inside", "Wait and listen"},
			InventoryDelta: models.InventoryDelta{
				Add:    []string{"vault key"},
				Remove: []string{"lockpick"},
			},
		}
		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, next), nil).Once()

		outcome, err := eng.Act(context.Background(), "user-1", "Pick the lock")
		require.NoError(t, err)
		require.Len(t, outcome.Warnings, 1)
		assert.Equal(t, `item "lockpick" is not in the inventory, removal skipped`, outcome.Warnings[0])

		state, err := repo.Get(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, []string{"vault key"}, state.Inventory)
	})

	t.Run("leaves state untouched when persistence fails", func(t *testing.T) {
		backend := new(MockBackend)
		repo := &flakyRepo{SessionRepository: storage.NewMemorySessionRepository()}
		builder := prompt.NewBuilder(2000, 12, zap.NewNop())
		eng := NewEngine(repo, backend, builder, nil, Defaults{
			Scenario: "forest", CharacterName: "A", CharacterRole: "B",
		}, zap.NewNop())

		startAdventure(t, eng, backend, "user-1")
		before, err := repo.Get(context.Background(), "user-1")
		require.NoError(t, err)

		repo.failPut = true
		next := models.TurnResult{NarrativeText: "ok", Choices: []string{"a", "b"}}
		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, next), nil).Once()

		_, err = eng.Act(context.Background(), "user-1", "Enter the forest")
		assert.ErrorIs(t, err, models.ErrStorage)

		repo.failPut = false
		after, err := repo.Get(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, before, after)
	})
}

// --- Retries ---

func TestGenerationRetries(t *testing.T) {
	t.Run("retries once on transient backend error", func(t *testing.T) {
		backend := new(MockBackend)
		eng, _ := newTestEngine(t, backend)
		startAdventure(t, eng, backend, "user-1")

		next := models.TurnResult{NarrativeText: "ok", Choices: []string{"a", "b"}}
		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return("", models.ErrBackendUnavailable).Once()
		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, next), nil).Once()

		outcome, err := eng.Act(context.Background(), "user-1", "Enter the forest")
		require.NoError(t, err)
		assert.Equal(t, 1, outcome.TurnIndex)
		backend.AssertExpectations(t)
	})

	t.Run("does not retry a permanent backend error", func(t *testing.T) {
		backend := new(MockBackend)
		eng, _ := newTestEngine(t, backend)
		startAdventure(t, eng, backend, "user-1")

		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return("", models.ErrBackendRejected).Once()

		_, err := eng.Act(context.Background(), "user-1", "Enter the forest")
		assert.ErrorIs(t, err, models.ErrBackendRejected)
		backend.AssertExpectations(t)
	})

	t.Run("gives up after two consecutive transient errors", func(t *testing.T) {
		backend := new(MockBackend)
		eng, _ := newTestEngine(t, backend)
		startAdventure(t, eng, backend, "user-1")

		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return("", models.ErrBackendUnavailable).Twice()

		_, err := eng.Act(context.Background(), "user-1", "Enter the forest")
		assert.ErrorIs(t, err, models.ErrBackendUnavailable)
		backend.AssertExpectations(t)
	})

	t.Run("repairs an invalid response once and applies a single turn", func(t *testing.T) {
		backend := new(MockBackend)
		eng, repo := newTestEngine(t, backend)
		startAdventure(t, eng, backend, "user-1")

		// Первый ответ невалиден: один вариант выбора
		invalid := models.TurnResult{NarrativeText: "ok", Choices: []string{"only one"}}
		valid := models.TurnResult{NarrativeText: "repaired", Choices: []string{"a", "b"}}
		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, invalid), nil).Once()
		// Repair-ретрай несет хинт в сообщении пользователя
		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.MatchedBy(func(userMessage string) bool {
			return strings.Contains(userMessage, "previous response was invalid")
		})).Return(turnJSON(t, valid), nil).Once()

		outcome, err := eng.Act(context.Background(), "user-1", "Enter the forest")
		require.NoError(t, err)
		assert.Equal(t, "repaired", outcome.NarrativeText)

		state, err := repo.Get(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Len(t, state.History, 1)
		backend.AssertExpectations(t)
	})

	t.Run("fails and keeps state when repair also produces invalid response", func(t *testing.T) {
		backend := new(MockBackend)
		eng, repo := newTestEngine(t, backend)
		startAdventure(t, eng, backend, "user-1")

		before, err := repo.Get(context.Background(), "user-1")
		require.NoError(t, err)

		invalid := models.TurnResult{NarrativeText: "ok", Choices: []string{"only one"}}
		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, invalid), nil).Twice()

		_, err = eng.Act(context.Background(), "user-1", "Enter the forest")
		assert.ErrorIs(t, err, models.ErrInvalidAIResponse)

		after, err := repo.Get(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, before, after)
		backend.AssertExpectations(t)
	})
}

// --- Status / Reset ---

func TestStatus(t *testing.T) {
	t.Run("returns a snapshot of the session", func(t *testing.T) {
		backend := new(MockBackend)
		eng, _ := newTestEngine(t, backend)
		startAdventure(t, eng, backend, "user-1")

		report, err := eng.Status(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, report.Status)
		assert.Equal(t, "You stand at the edge of an ancient forest.", report.NarrativeText)
		assert.Len(t, report.Choices, 3)
		assert.Equal(t, 0, report.TurnIndex)
		assert.Empty(t, report.Inventory)
	})

	t.Run("returns not found without a session", func(t *testing.T) {
		backend := new(MockBackend)
		eng, _ := newTestEngine(t, backend)

		_, err := eng.Status(context.Background(), "user-1")
		assert.ErrorIs(t, err, models.ErrSessionNotFound)
	})
}

func TestReset(t *testing.T) {
	t.Run("deletes the session", func(t *testing.T) {
		backend := new(MockBackend)
		eng, _ := newTestEngine(t, backend)
		startAdventure(t, eng, backend, "user-1")

		require.NoError(t, eng.Reset(context.Background(), "user-1"))

		_, err := eng.Status(context.Background(), "user-1")
		assert.ErrorIs(t, err, models.ErrSessionNotFound)
	})

	t.Run("is idempotent without a session", func(t *testing.T) {
		backend := new(MockBackend)
		eng, _ := newTestEngine(t, backend)

		assert.NoError(t, eng.Reset(context.Background(), "user-1"))
	})

	t.Run("allows a fresh start after reset of an ended session", func(t *testing.T) {
		backend := new(MockBackend)
		eng, repo := newTestEngine(t, backend)
		startAdventure(t, eng, backend, "user-1")

		ending := models.TurnResult{NarrativeText: "The end.", SessionEnded: true}
		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, ending), nil).Once()
		_, err := eng.Act(context.Background(), "user-1", "Enter the forest")
		require.NoError(t, err)

		require.NoError(t, eng.Reset(context.Background(), "user-1"))
		startAdventure(t, eng, backend, "user-1")

		state, err := repo.Get(context.Background(), "user-1")
		require.NoError(t, err)
		assert.Equal(t, models.StatusActive, state.Status)
		assert.Empty(t, state.History)
		assert.Equal(t, 0, state.TurnIndex)
	})
}

// --- Events ---

func TestTurnEvents(t *testing.T) {
	t.Run("publishes an event after a persisted turn", func(t *testing.T) {
		backend := new(MockBackend)
		publisher := new(MockPublisher)
		repo := storage.NewMemorySessionRepository()
		builder := prompt.NewBuilder(2000, 12, zap.NewNop())
		eng := NewEngine(repo, backend, builder, publisher, Defaults{
			Scenario: "forest", CharacterName: "A", CharacterRole: "B",
		}, zap.NewNop())

		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, openingResult()), nil).Once()
		publisher.On("PublishTurnEvent", mock.Anything, mock.MatchedBy(func(ev models.TurnEvent) bool {
			return ev.UserID == "user-1" && ev.TurnIndex == 0 && !ev.Ended
		})).Return(nil).Once()

		_, err := eng.Start(context.Background(), "user-1", models.StartParams{})
		require.NoError(t, err)
		publisher.AssertExpectations(t)
	})

	t.Run("publish failure does not fail the turn", func(t *testing.T) {
		backend := new(MockBackend)
		publisher := new(MockPublisher)
		repo := storage.NewMemorySessionRepository()
		builder := prompt.NewBuilder(2000, 12, zap.NewNop())
		eng := NewEngine(repo, backend, builder, publisher, Defaults{
			Scenario: "forest", CharacterName: "A", CharacterRole: "B",
		}, zap.NewNop())

		backend.On("GenerateTurn", mock.Anything, "user-1", mock.Anything, mock.Anything).
			Return(turnJSON(t, openingResult()), nil).Once()
		publisher.On("PublishTurnEvent", mock.Anything, mock.Anything).
			Return(assert.AnError).Once()

		_, err := eng.Start(context.Background(), "user-1", models.StartParams{})
		assert.NoError(t, err)
	})
}
