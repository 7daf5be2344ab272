package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"adventure-server/internal/images"
	"adventure-server/internal/models"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

// AdventureService - контракт движка, нужный транспортному слою.
type AdventureService interface {
	Start(ctx context.Context, userID string, params models.StartParams) (*models.TurnOutcome, error)
	Act(ctx context.Context, userID string, action string) (*models.TurnOutcome, error)
	Status(ctx context.Context, userID string) (*models.StatusReport, error)
	Reset(ctx context.Context, userID string) error
}

// APIError представляет стандартизированный ответ об ошибке.
type APIError struct {
	Message string `json:"message"`
}

// turnResponse - ответ start_adventure и make_choice. ImageURL построен
// из тега сцены сервисом иллюстраций; тег в хранимом состоянии остается
// сырым, чтобы смена базового URL не ломала старые сессии.
type turnResponse struct {
	Narrative string   `json:"narrative"`
	Choices   []string `json:"choices"`
	ImageURL  string   `json:"image_url,omitempty"`
	Ended     bool     `json:"ended"`
	TurnIndex int      `json:"turn_index"`
	Warnings  []string `json:"warnings,omitempty"`
}

type statusResponse struct {
	Status        string   `json:"status"`
	Scenario      string   `json:"scenario"`
	CharacterName string   `json:"character_name"`
	CharacterRole string   `json:"character_role"`
	Inventory     []string `json:"inventory"`
	Narrative     string   `json:"narrative"`
	Choices       []string `json:"choices"`
	ImageURL      string   `json:"image_url,omitempty"`
	TurnIndex     int      `json:"turn_index"`
}

type choiceRequest struct {
	Action string `json:"action"`
}

// AdventureHandler обрабатывает HTTP запросы приключенческого сервиса.
type AdventureHandler struct {
	service AdventureService
	images  *images.PlaceholderService
	logger  *zap.Logger
}

// NewAdventureHandler создает новый AdventureHandler.
func NewAdventureHandler(s AdventureService, img *images.PlaceholderService, logger *zap.Logger) *AdventureHandler {
	return &AdventureHandler{
		service: s,
		images:  img,
		logger:  logger.Named("AdventureHandler"),
	}
}

// RegisterRoutes регистрирует маршруты сервиса. Группа /adventure защищена
// переданной auth-мидлварью.
func (h *AdventureHandler) RegisterRoutes(e *echo.Echo, auth echo.MiddlewareFunc) {
	group := e.Group("/adventure", auth)
	{
		group.POST("/start", h.startAdventure)
		group.POST("/choice", h.makeChoice)
		group.GET("/status", h.showStatus)
		group.POST("/reset", h.resetAdventure)
	}
}

// startAdventure начинает новое приключение или возвращает текущую сцену
// активной сессии.
func (h *AdventureHandler) startAdventure(c echo.Context) error {
	userID := userIDFromContext(c)

	var params models.StartParams
	if err := c.Bind(&params); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "invalid request body"})
	}

	outcome, err := h.service.Start(c.Request().Context(), userID, params)
	if err != nil {
		return h.writeError(c, userID, "start", err)
	}
	return c.JSON(http.StatusOK, h.toTurnResponse(outcome))
}

// makeChoice выполняет один ход.
func (h *AdventureHandler) makeChoice(c echo.Context) error {
	userID := userIDFromContext(c)

	var req choiceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, APIError{Message: "invalid request body"})
	}
	req.Action = strings.TrimSpace(req.Action)
	if req.Action == "" {
		return c.JSON(http.StatusBadRequest, APIError{Message: "action is required"})
	}

	outcome, err := h.service.Act(c.Request().Context(), userID, req.Action)
	if err != nil {
		return h.writeError(c, userID, "choice", err)
	}
	return c.JSON(http.StatusOK, h.toTurnResponse(outcome))
}

// showStatus возвращает снимок сессии.
func (h *AdventureHandler) showStatus(c echo.Context) error {
	userID := userIDFromContext(c)

	report, err := h.service.Status(c.Request().Context(), userID)
	if err != nil {
		return h.writeError(c, userID, "status", err)
	}
	return c.JSON(http.StatusOK, statusResponse{
		Status:        string(report.Status),
		Scenario:      report.Scenario,
		CharacterName: report.CharacterName,
		CharacterRole: report.CharacterRole,
		Inventory:     report.Inventory,
		Narrative:     report.NarrativeText,
		Choices:       report.Choices,
		ImageURL:      h.images.SceneImageURL(report.ImageTag),
		TurnIndex:     report.TurnIndex,
	})
}

// resetAdventure удаляет сессию пользователя.
func (h *AdventureHandler) resetAdventure(c echo.Context) error {
	userID := userIDFromContext(c)

	if err := h.service.Reset(c.Request().Context(), userID); err != nil {
		return h.writeError(c, userID, "reset", err)
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "reset"})
}

func (h *AdventureHandler) toTurnResponse(outcome *models.TurnOutcome) turnResponse {
	return turnResponse{
		Narrative: outcome.NarrativeText,
		Choices:   outcome.Choices,
		ImageURL:  h.images.SceneImageURL(outcome.ImageTag),
		Ended:     outcome.SessionEnded,
		TurnIndex: outcome.TurnIndex,
		Warnings:  outcome.Warnings,
	}
}

// writeError маппит ошибки движка на HTTP статусы.
func (h *AdventureHandler) writeError(c echo.Context, userID, operation string, err error) error {
	logFields := []zap.Field{
		zap.String("userID", userID),
		zap.String("operation", operation),
		zap.Error(err),
	}

	switch {
	case errors.Is(err, models.ErrEmptyAction):
		h.logger.Debug("Empty action rejected", logFields...)
		return c.JSON(http.StatusBadRequest, APIError{Message: "action is required"})
	case errors.Is(err, models.ErrInvalidState):
		h.logger.Warn("Operation rejected by state machine", logFields...)
		return c.JSON(http.StatusConflict, APIError{Message: err.Error()})
	case errors.Is(err, models.ErrSessionNotFound):
		h.logger.Debug("Session not found", logFields...)
		return c.JSON(http.StatusNotFound, APIError{Message: "no adventure in progress"})
	case errors.Is(err, models.ErrBackendUnavailable):
		h.logger.Error("Narrative backend unavailable", logFields...)
		return c.JSON(http.StatusServiceUnavailable, APIError{Message: "narrative backend is temporarily unavailable, try again"})
	case errors.Is(err, models.ErrBackendRejected):
		h.logger.Error("Narrative backend rejected request", logFields...)
		return c.JSON(http.StatusBadGateway, APIError{Message: "narrative backend rejected the request"})
	case errors.Is(err, models.ErrInvalidAIResponse):
		h.logger.Error("Narrative backend produced invalid response", logFields...)
		return c.JSON(http.StatusBadGateway, APIError{Message: "narrative backend produced an invalid response, try again"})
	case errors.Is(err, models.ErrStorage):
		h.logger.Error("Session storage failure", logFields...)
		return c.JSON(http.StatusInternalServerError, APIError{Message: "session storage failure"})
	default:
		h.logger.Error("Unexpected error", logFields...)
		return c.JSON(http.StatusInternalServerError, APIError{Message: "internal error"})
	}
}
