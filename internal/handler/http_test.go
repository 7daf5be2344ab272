package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"adventure-server/internal/images"
	"adventure-server/internal/models"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testToken = "test-service-token"

type MockAdventureService struct {
	mock.Mock
}

func (m *MockAdventureService) Start(ctx context.Context, userID string, params models.StartParams) (*models.TurnOutcome, error) {
	args := m.Called(ctx, userID, params)
	if outcome, ok := args.Get(0).(*models.TurnOutcome); ok {
		return outcome, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdventureService) Act(ctx context.Context, userID string, action string) (*models.TurnOutcome, error) {
	args := m.Called(ctx, userID, action)
	if outcome, ok := args.Get(0).(*models.TurnOutcome); ok {
		return outcome, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdventureService) Status(ctx context.Context, userID string) (*models.StatusReport, error) {
	args := m.Called(ctx, userID)
	if report, ok := args.Get(0).(*models.StatusReport); ok {
		return report, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockAdventureService) Reset(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func setupServer(service AdventureService) *echo.Echo {
	e := echo.New()
	img := images.NewPlaceholderService("https://via.placeholder.com/1024x1024.png")
	h := NewAdventureHandler(service, img, zap.NewNop())
	h.RegisterRoutes(e, StaticTokenAuthMiddleware(testToken, zap.NewNop()))
	return e
}

func doRequest(e *echo.Echo, method, path, body string, authorize bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	if authorize {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+testToken)
		req.Header.Set(userIDHeader, "user-1")
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestAuth(t *testing.T) {
	t.Run("rejects request without token", func(t *testing.T) {
		e := setupServer(new(MockAdventureService))

		req := httptest.NewRequest(http.MethodPost, "/adventure/start", nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects request with wrong token", func(t *testing.T) {
		e := setupServer(new(MockAdventureService))

		req := httptest.NewRequest(http.MethodPost, "/adventure/start", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer wrong")
		req.Header.Set(userIDHeader, "user-1")
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("rejects request without user header", func(t *testing.T) {
		e := setupServer(new(MockAdventureService))

		req := httptest.NewRequest(http.MethodPost, "/adventure/start", nil)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+testToken)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestStartAdventure(t *testing.T) {
	t.Run("returns the opening scene with image URL", func(t *testing.T) {
		service := new(MockAdventureService)
		service.On("Start", mock.Anything, "user-1", models.StartParams{Scenario: "a haunted manor"}).
			Return(&models.TurnOutcome{
				NarrativeText: "The manor looms.",
				Choices:       []string{"Enter", "Retreat"},
				ImageTag:      "haunted manor",
				TurnIndex:     0,
			}, nil).Once()
		e := setupServer(service)

		rec := doRequest(e, http.MethodPost, "/adventure/start", `{"scenario": "a haunted manor"}`, true)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp turnResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "The manor looms.", resp.Narrative)
		assert.Equal(t, []string{"Enter", "Retreat"}, resp.Choices)
		assert.Equal(t, "https://via.placeholder.com/1024x1024.png?text=haunted+manor", resp.ImageURL)
		assert.Equal(t, 0, resp.TurnIndex)
		service.AssertExpectations(t)
	})

	t.Run("maps invalid state to 409", func(t *testing.T) {
		service := new(MockAdventureService)
		service.On("Start", mock.Anything, "user-1", mock.Anything).
			Return(nil, models.ErrInvalidState).Once()
		e := setupServer(service)

		rec := doRequest(e, http.MethodPost, "/adventure/start", `{}`, true)
		assert.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestMakeChoice(t *testing.T) {
	t.Run("returns the applied turn", func(t *testing.T) {
		service := new(MockAdventureService)
		service.On("Act", mock.Anything, "user-1", "Enter").
			Return(&models.TurnOutcome{
				NarrativeText: "You step inside.",
				Choices:       []string{"Upstairs", "Cellar"},
				TurnIndex:     1,
				Warnings:      []string{`item "lockpick" is not in the inventory, removal skipped`},
			}, nil).Once()
		e := setupServer(service)

		rec := doRequest(e, http.MethodPost, "/adventure/choice", `{"action": "Enter"}`, true)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp turnResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, 1, resp.TurnIndex)
		assert.Len(t, resp.Warnings, 1)
		assert.Empty(t, resp.ImageURL)
	})

	t.Run("rejects empty action", func(t *testing.T) {
		service := new(MockAdventureService)
		e := setupServer(service)

		rec := doRequest(e, http.MethodPost, "/adventure/choice", `{"action": ""}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		service.AssertNotCalled(t, "Act")
	})

	t.Run("rejects whitespace-only action without calling the engine", func(t *testing.T) {
		service := new(MockAdventureService)
		e := setupServer(service)

		rec := doRequest(e, http.MethodPost, "/adventure/choice", `{"action": "   "}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		service.AssertNotCalled(t, "Act")
	})

	t.Run("maps empty action from the engine to 400", func(t *testing.T) {
		service := new(MockAdventureService)
		service.On("Act", mock.Anything, "user-1", "go").
			Return(nil, models.ErrEmptyAction).Once()
		e := setupServer(service)

		rec := doRequest(e, http.MethodPost, "/adventure/choice", `{"action": "go"}`, true)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps backend unavailability to 503", func(t *testing.T) {
		service := new(MockAdventureService)
		service.On("Act", mock.Anything, "user-1", "go").
			Return(nil, models.ErrBackendUnavailable).Once()
		e := setupServer(service)

		rec := doRequest(e, http.MethodPost, "/adventure/choice", `{"action": "go"}`, true)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("maps invalid AI response to 502", func(t *testing.T) {
		service := new(MockAdventureService)
		service.On("Act", mock.Anything, "user-1", "go").
			Return(nil, models.ErrInvalidAIResponse).Once()
		e := setupServer(service)

		rec := doRequest(e, http.MethodPost, "/adventure/choice", `{"action": "go"}`, true)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
	})

	t.Run("maps storage failure to 500", func(t *testing.T) {
		service := new(MockAdventureService)
		service.On("Act", mock.Anything, "user-1", "go").
			Return(nil, models.ErrStorage).Once()
		e := setupServer(service)

		rec := doRequest(e, http.MethodPost, "/adventure/choice", `{"action": "go"}`, true)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})
}

func TestShowStatus(t *testing.T) {
	t.Run("returns the session snapshot", func(t *testing.T) {
		service := new(MockAdventureService)
		service.On("Status", mock.Anything, "user-1").
			Return(&models.StatusReport{
				Status:        models.StatusActive,
				Scenario:      "forest",
				CharacterName: "Mira",
				CharacterRole: "burglar",
				Inventory:     []string{"rope"},
				NarrativeText: "Trees everywhere.",
				Choices:       []string{"Left", "Right"},
				TurnIndex:     4,
			}, nil).Once()
		e := setupServer(service)

		rec := doRequest(e, http.MethodGet, "/adventure/status", "", true)
		require.Equal(t, http.StatusOK, rec.Code)

		var resp statusResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		assert.Equal(t, "active", resp.Status)
		assert.Equal(t, []string{"rope"}, resp.Inventory)
		assert.Equal(t, 4, resp.TurnIndex)
	})

	t.Run("maps missing session to 404", func(t *testing.T) {
		service := new(MockAdventureService)
		service.On("Status", mock.Anything, "user-1").
			Return(nil, models.ErrSessionNotFound).Once()
		e := setupServer(service)

		rec := doRequest(e, http.MethodGet, "/adventure/status", "", true)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestResetAdventure(t *testing.T) {
	t.Run("acknowledges the reset", func(t *testing.T) {
		service := new(MockAdventureService)
		service.On("Reset", mock.Anything, "user-1").Return(nil).Once()
		e := setupServer(service)

		rec := doRequest(e, http.MethodPost, "/adventure/reset", "", true)
		assert.Equal(t, http.StatusOK, rec.Code)
		service.AssertExpectations(t)
	})
}
