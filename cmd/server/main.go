package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"adventure-server/internal/ai"
	"adventure-server/internal/config"
	"adventure-server/internal/engine"
	"adventure-server/internal/handler"
	"adventure-server/internal/images"
	"adventure-server/internal/logger"
	"adventure-server/internal/messaging"
	"adventure-server/internal/prompt"
	"adventure-server/internal/storage"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

func main() {
	// .env опционален: в контейнере конфигурация приходит из окружения
	_ = godotenv.Load()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{Level: cfg.LogLevel, Encoding: cfg.LogEncoding})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting adventure-server",
		zap.String("port", cfg.Port),
		zap.String("sessionStore", cfg.SessionStore),
		zap.String("aiClientType", cfg.AIClientType))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, cleanup, err := buildSessionRepository(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	defer cleanup()

	backend, err := ai.NewClient(cfg, log)
	if err != nil {
		log.Fatal("Failed to create AI client", zap.Error(err))
	}

	events, eventsCleanup := buildEventPublisher(cfg, log)
	defer eventsCleanup()

	builder := prompt.NewBuilder(cfg.HistoryWindowTokens, cfg.HistoryWindowTurns, log)
	imageService := images.NewPlaceholderService(cfg.ImageBaseURL)

	eng := engine.NewEngine(repo, backend, builder, events, engine.Defaults{
		Scenario:      cfg.DefaultScenario,
		CharacterName: cfg.DefaultCharacterName,
		CharacterRole: cfg.DefaultCharacterRole,
	}, log)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(handler.RequestLoggerMiddleware(log))

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	h := handler.NewAdventureHandler(eng, imageService, log)
	h.RegisterRoutes(e, handler.StaticTokenAuthMiddleware(cfg.ServiceToken, log))

	go func() {
		addr := ":" + cfg.Port
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("Shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error("Graceful shutdown failed", zap.Error(err))
	}
	log.Info("Server stopped")
}

// buildSessionRepository создает хранилище сессий согласно конфигурации
// и возвращает функцию освобождения ресурсов.
func buildSessionRepository(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.SessionRepository, func(), error) {
	switch cfg.SessionStore {
	case "postgres":
		poolCfg, err := pgxpool.ParseConfig(cfg.GetDSN())
		if err != nil {
			return nil, nil, fmt.Errorf("invalid postgres DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.DBMaxConns)
		poolCfg.MaxConnIdleTime = cfg.DBIdleTimeout

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("postgres ping failed: %w", err)
		}
		if err := storage.RunMigrations(ctx, pool, log); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrations failed: %w", err)
		}
		log.Info("Connected to PostgreSQL", zap.String("host", cfg.DBHost), zap.String("db", cfg.DBName))
		return storage.NewPgSessionRepository(pool, log), pool.Close, nil

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		log.Info("Connected to Redis", zap.String("addr", cfg.RedisAddr))
		return storage.NewRedisSessionRepository(client, log), func() { client.Close() }, nil

	case "memory":
		log.Warn("Using in-memory session store, sessions will not survive restart")
		return storage.NewMemorySessionRepository(), func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown session store %q", cfg.SessionStore)
	}
}

// buildEventPublisher подключается к RabbitMQ с ретраями. Пустой URL
// отключает публикацию событий; сервис работает и без брокера.
func buildEventPublisher(cfg *config.Config, log *zap.Logger) (engine.TurnEventPublisher, func()) {
	if cfg.RabbitMQURL == "" {
		log.Info("RabbitMQ is not configured, turn events disabled")
		return messaging.NoopTurnEventPublisher{}, func() {}
	}

	var conn *amqp.Connection
	var err error
	for attempt := 1; attempt <= 5; attempt++ {
		conn, err = amqp.Dial(cfg.RabbitMQURL)
		if err == nil {
			break
		}
		log.Warn("Failed to connect to RabbitMQ, retrying",
			zap.Int("attempt", attempt), zap.Error(err))
		time.Sleep(time.Duration(attempt) * time.Second)
	}
	if err != nil {
		log.Error("RabbitMQ unreachable, turn events disabled", zap.Error(err))
		return messaging.NoopTurnEventPublisher{}, func() {}
	}

	publisher, err := messaging.NewRabbitMQTurnEventPublisher(conn, cfg.TurnEventsQueue, log)
	if err != nil {
		log.Error("Failed to create turn event publisher, turn events disabled", zap.Error(err))
		conn.Close()
		return messaging.NoopTurnEventPublisher{}, func() {}
	}
	log.Info("Connected to RabbitMQ", zap.String("queue", cfg.TurnEventsQueue))
	return publisher, func() { conn.Close() }
}
