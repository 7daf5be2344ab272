package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config содержит конфигурацию Adventure Server.
type Config struct {
	// Настройки сервера
	Port        string `envconfig:"SERVER_PORT" default:"8086"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	LogEncoding string `envconfig:"LOG_ENCODING" default:"json"`

	// Секретное поле БЕЗ envconfig тега: статический токен, которым
	// транспортный слой подписывает вызовы инструментов.
	ServiceToken string

	// Хранилище сессий: postgres | redis | memory
	SessionStore string `envconfig:"SESSION_STORE" default:"postgres"`

	// Настройки PostgreSQL
	DBHost        string        `envconfig:"DB_HOST" default:"localhost"`
	DBPort        string        `envconfig:"DB_PORT" default:"5432"`
	DBUser        string        `envconfig:"DB_USER" default:"postgres"`
	DBName        string        `envconfig:"DB_NAME" default:"adventure"`
	DBSSLMode     string        `envconfig:"DB_SSL_MODE" default:"disable"`
	DBMaxConns    int           `envconfig:"DB_MAX_CONNECTIONS" default:"10"`
	DBIdleTimeout time.Duration `envconfig:"DB_MAX_IDLE_MINUTES" default:"5m"`
	// Секретное поле БЕЗ envconfig тега
	DBPassword string

	// Настройки Redis (используются при SESSION_STORE=redis)
	RedisAddr string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisDB   int    `envconfig:"REDIS_DB" default:"0"`
	// Секретное поле БЕЗ envconfig тега
	RedisPassword string

	// Настройки AI бэкенда
	AIClientType string        `envconfig:"AI_CLIENT_TYPE" default:"openai"` // openai | ollama
	AIModel      string        `envconfig:"AI_MODEL" default:"gpt-4o-mini"`
	AIBaseURL    string        `envconfig:"AI_BASE_URL" default:"https://api.openai.com/v1"`
	AITimeout    time.Duration `envconfig:"AI_TIMEOUT" default:"60s"`
	// Секретное поле БЕЗ envconfig тега
	AIAPIKey string

	// Настройки RabbitMQ. Пустой URL отключает публикацию событий ходов.
	RabbitMQURL     string `envconfig:"RABBITMQ_URL" default:""`
	TurnEventsQueue string `envconfig:"TURN_EVENTS_QUEUE" default:"adventure_turn_events"`

	// Бюджет окна истории в промпте
	HistoryWindowTokens int `envconfig:"HISTORY_WINDOW_TOKENS" default:"2000"`
	HistoryWindowTurns  int `envconfig:"HISTORY_WINDOW_TURNS" default:"12"`

	// Сервис иллюстраций сцен (placeholder)
	ImageBaseURL string `envconfig:"IMAGE_BASE_URL" default:"https://via.placeholder.com/1024x1024.png"`

	// Значения по умолчанию для нового приключения
	DefaultScenario      string `envconfig:"DEFAULT_SCENARIO" default:"a mysterious, ancient forest full of forgotten ruins"`
	DefaultCharacterName string `envconfig:"DEFAULT_CHARACTER_NAME" default:"Adventurer"`
	DefaultCharacterRole string `envconfig:"DEFAULT_CHARACTER_ROLE" default:"wandering explorer"`
}

// GetDSN возвращает строку подключения (DSN) для PostgreSQL.
func (c *Config) GetDSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode)
}

// LoadConfig загружает конфигурацию из переменных окружения и секретов.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации adventure-server: %w", err)
	}

	// Секреты: сначала Docker Secrets, затем fallback на env.
	cfg.ServiceToken = readSecret("service_token", "SERVICE_TOKEN")
	cfg.DBPassword = readSecret("db_password", "DB_PASSWORD")
	cfg.RedisPassword = readSecret("redis_password", "REDIS_PASSWORD")
	cfg.AIAPIKey = readSecret("ai_api_key", "AI_API_KEY")

	if cfg.ServiceToken == "" {
		return nil, fmt.Errorf("SERVICE_TOKEN is required (secret file or env)")
	}
	if cfg.AIAPIKey == "" && strings.ToLower(cfg.AIClientType) == "openai" {
		return nil, fmt.Errorf("AI_API_KEY is required for AI_CLIENT_TYPE=openai")
	}
	cfg.SessionStore = strings.ToLower(cfg.SessionStore)
	switch cfg.SessionStore {
	case "postgres", "redis", "memory":
	default:
		return nil, fmt.Errorf("unknown SESSION_STORE %q (expected postgres, redis or memory)", cfg.SessionStore)
	}

	return &cfg, nil
}

// readSecret читает секрет из /run/secrets/<name>, при отсутствии файла
// возвращает значение переменной окружения envKey.
func readSecret(name, envKey string) string {
	data, err := os.ReadFile("/run/secrets/" + name)
	if err == nil {
		if v := strings.TrimSpace(string(data)); v != "" {
			return v
		}
	}
	return strings.TrimSpace(os.Getenv(envKey))
}
