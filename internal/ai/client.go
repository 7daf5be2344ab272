package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"adventure-server/internal/config"
	"adventure-server/internal/models"

	"github.com/ollama/ollama/api"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	openaigo "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

var (
	aiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "adventure_ai_requests_total",
			Help: "Total number of requests to the AI API.",
		},
		[]string{"model", "status"},
	)
	aiRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure_ai_request_duration_seconds",
			Help:    "Histogram of AI API request durations.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)
	aiTotalTokens = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "adventure_ai_total_tokens",
			Help:    "Histogram of total token counts (prompt + completion).",
			Buckets: prometheus.LinearBuckets(350, 350, 20),
		},
		[]string{"model"},
	)
)

// Client - интерфейс бэкенда генерации повествования. Принимает системный
// промт и ввод пользователя, возвращает сырой текст ответа модели.
// Ошибки классифицируются: models.ErrBackendUnavailable - временная
// (таймаут, 429, 5xx), допускает один ретрай; models.ErrBackendRejected -
// постоянная (невалидный ключ, 4xx), ретраи бессмысленны.
type Client interface {
	GenerateTurn(ctx context.Context, userID string, systemPrompt string, userInput string) (string, error)
}

// NewClient создает AI клиент в зависимости от конфигурации.
func NewClient(cfg *config.Config, logger *zap.Logger) (Client, error) {
	switch strings.ToLower(cfg.AIClientType) {
	case "openai":
		openaiConfig := openaigo.DefaultConfig(cfg.AIAPIKey)
		openaiConfig.BaseURL = cfg.AIBaseURL
		openaiConfig.HTTPClient = &http.Client{Timeout: cfg.AITimeout}
		client := openaigo.NewClientWithConfig(openaiConfig)
		logger.Info("OpenAI client created",
			zap.String("baseURL", cfg.AIBaseURL),
			zap.String("model", cfg.AIModel),
			zap.Duration("timeout", cfg.AITimeout))
		return &openAIClient{
			client: client,
			model:  cfg.AIModel,
			logger: logger.Named("OpenAIClient"),
		}, nil
	case "ollama":
		return newOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("неизвестный тип AI клиента: '%s'", cfg.AIClientType)
	}
}

// --- OpenAI Client Implementation ---

type openAIClient struct {
	client *openaigo.Client
	model  string
	logger *zap.Logger
}

func (c *openAIClient) GenerateTurn(ctx context.Context, userID string, systemPrompt string, userInput string) (string, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		aiRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error"}).Inc()
		return "", fmt.Errorf("системный промт пуст: %w", models.ErrBackendRejected)
	}

	messages := []openaigo.ChatCompletionMessage{
		{Role: openaigo.ChatMessageRoleSystem, Content: systemPrompt},
	}
	if userInput != "" {
		messages = append(messages, openaigo.ChatCompletionMessage{
			Role:    openaigo.ChatMessageRoleUser,
			Content: userInput,
		})
	}

	startTime := time.Now()
	c.logger.Debug("Sending request to AI",
		zap.String("model", c.model),
		zap.String("userID", userID),
		zap.Int("systemPromptBytes", len(systemPrompt)),
		zap.Int("userInputBytes", len(userInput)))

	resp, err := c.client.CreateChatCompletion(ctx, openaigo.ChatCompletionRequest{
		Model:    c.model,
		Messages: messages,
	})
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Warn("AI API request failed",
			zap.String("userID", userID), zap.Duration("duration", duration), zap.Error(err))
		aiRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error"}).Inc()
		return "", classifyOpenAIError(err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		c.logger.Warn("AI API returned empty response",
			zap.String("userID", userID), zap.Duration("duration", duration))
		aiRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error_empty_response"}).Inc()
		return "", fmt.Errorf("получен пустой ответ: %w", models.ErrInvalidAIResponse)
	}

	aiRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "success"}).Inc()
	aiRequestDuration.With(prometheus.Labels{"model": c.model}).Observe(duration.Seconds())
	if resp.Usage.TotalTokens > 0 {
		aiTotalTokens.With(prometheus.Labels{"model": c.model}).Observe(float64(resp.Usage.TotalTokens))
	}

	c.logger.Debug("AI response received",
		zap.String("userID", userID),
		zap.Duration("duration", duration),
		zap.Int("responseLength", len(resp.Choices[0].Message.Content)),
		zap.Int("totalTokens", resp.Usage.TotalTokens))

	return resp.Choices[0].Message.Content, nil
}

// classifyOpenAIError разделяет ошибки API на временные и постоянные.
func classifyOpenAIError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("таймаут запроса к AI: %w", models.ErrBackendUnavailable)
	}
	var apiErr *openaigo.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500:
			return fmt.Errorf("AI API недоступен (%d): %w", apiErr.HTTPStatusCode, models.ErrBackendUnavailable)
		case apiErr.HTTPStatusCode >= 400:
			return fmt.Errorf("AI API отклонил запрос (%d): %w", apiErr.HTTPStatusCode, models.ErrBackendRejected)
		}
	}
	// Сетевые ошибки без HTTP статуса считаем временными
	return fmt.Errorf("ошибка запроса к AI: %v: %w", err, models.ErrBackendUnavailable)
}

// --- Ollama Client Implementation ---

type ollamaClient struct {
	client  *api.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
}

func newOllamaClient(cfg *config.Config, logger *zap.Logger) (Client, error) {
	httpClient := &http.Client{Timeout: cfg.AITimeout}

	// api.NewClient требует URL без суффикса /v1
	ollamaBaseURL := strings.TrimSuffix(cfg.AIBaseURL, "/v1")
	ollamaBaseURL = strings.TrimSuffix(ollamaBaseURL, "/")

	parsedURL, err := url.Parse(ollamaBaseURL)
	if err != nil {
		return nil, fmt.Errorf("ошибка парсинга Ollama Base URL '%s': %w", ollamaBaseURL, err)
	}

	logger.Info("Ollama client created",
		zap.String("baseURL", ollamaBaseURL),
		zap.String("model", cfg.AIModel),
		zap.Duration("timeout", cfg.AITimeout))

	return &ollamaClient{
		client:  api.NewClient(parsedURL, httpClient),
		model:   cfg.AIModel,
		timeout: cfg.AITimeout,
		logger:  logger.Named("OllamaClient"),
	}, nil
}

func (c *ollamaClient) GenerateTurn(ctx context.Context, userID string, systemPrompt string, userInput string) (string, error) {
	if strings.TrimSpace(systemPrompt) == "" {
		aiRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error"}).Inc()
		return "", fmt.Errorf("системный промт пуст: %w", models.ErrBackendRejected)
	}

	messages := []api.Message{
		{Role: "system", Content: systemPrompt},
	}
	if userInput != "" {
		messages = append(messages, api.Message{Role: "user", Content: userInput})
	}

	req := &api.ChatRequest{
		Model:    c.model,
		Messages: messages,
		Stream:   func(b bool) *bool { return &b }(false),
	}

	requestCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	startTime := time.Now()
	c.logger.Debug("Sending request to Ollama",
		zap.String("model", c.model),
		zap.String("userID", userID),
		zap.Int("systemPromptBytes", len(systemPrompt)))

	var resp api.ChatResponse
	err := c.client.Chat(requestCtx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	})
	duration := time.Since(startTime)

	if err != nil {
		c.logger.Warn("Ollama request failed",
			zap.String("userID", userID), zap.Duration("duration", duration), zap.Error(err))
		aiRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error"}).Inc()
		// Локальный Ollama: любая ошибка запроса считается временной
		return "", fmt.Errorf("ошибка запроса к Ollama: %v: %w", err, models.ErrBackendUnavailable)
	}

	if resp.Message.Content == "" {
		c.logger.Warn("Ollama returned empty response",
			zap.String("userID", userID), zap.Duration("duration", duration))
		aiRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "error_empty_response"}).Inc()
		return "", fmt.Errorf("получен пустой ответ: %w", models.ErrInvalidAIResponse)
	}

	aiRequestsTotal.With(prometheus.Labels{"model": c.model, "status": "success"}).Inc()
	aiRequestDuration.With(prometheus.Labels{"model": c.model}).Observe(duration.Seconds())
	if total := resp.PromptEvalCount + resp.EvalCount; total > 0 {
		aiTotalTokens.With(prometheus.Labels{"model": c.model}).Observe(float64(total))
	}

	c.logger.Debug("Ollama response received",
		zap.String("userID", userID),
		zap.Duration("duration", duration),
		zap.Int("responseLength", len(resp.Message.Content)))

	return resp.Message.Content, nil
}
