package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"adventure-server/internal/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Compile-time check
var _ SessionRepository = (*RedisSessionRepository)(nil)

const sessionKeyPrefix = "adventure:session:"

// RedisSessionRepository хранит состояние сессии как JSON-строку по ключу
// adventure:session:{userID}. Без TTL: сессия живет до явного reset.
type RedisSessionRepository struct {
	client *redis.Client
	logger *zap.Logger
}

// NewRedisSessionRepository создает репозиторий сессий поверх Redis.
func NewRedisSessionRepository(client *redis.Client, logger *zap.Logger) *RedisSessionRepository {
	return &RedisSessionRepository{
		client: client,
		logger: logger.Named("RedisSessionRepo"),
	}
}

func sessionKey(userID string) string {
	return sessionKeyPrefix + userID
}

func (r *RedisSessionRepository) Get(ctx context.Context, userID string) (*models.GameState, error) {
	raw, err := r.client.Get(ctx, sessionKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, models.ErrSessionNotFound
		}
		r.logger.Error("Failed to get session state", zap.String("userID", userID), zap.Error(err))
		return nil, fmt.Errorf("ошибка чтения сессии %s: %w", userID, models.ErrStorage)
	}

	var state models.GameState
	if err := json.Unmarshal(raw, &state); err != nil {
		r.logger.Error("Failed to decode session state", zap.String("userID", userID), zap.Error(err))
		return nil, fmt.Errorf("поврежденное состояние сессии %s: %w", userID, models.ErrStorage)
	}
	return &state, nil
}

func (r *RedisSessionRepository) Put(ctx context.Context, userID string, state *models.GameState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("ошибка сериализации сессии %s: %w", userID, models.ErrStorage)
	}
	if err := r.client.Set(ctx, sessionKey(userID), raw, 0).Err(); err != nil {
		r.logger.Error("Failed to save session state", zap.String("userID", userID), zap.Error(err))
		return fmt.Errorf("ошибка сохранения сессии %s: %w", userID, models.ErrStorage)
	}
	return nil
}

func (r *RedisSessionRepository) Delete(ctx context.Context, userID string) error {
	deleted, err := r.client.Del(ctx, sessionKey(userID)).Result()
	if err != nil {
		r.logger.Error("Failed to delete session", zap.String("userID", userID), zap.Error(err))
		return fmt.Errorf("ошибка удаления сессии %s: %w", userID, models.ErrStorage)
	}
	if deleted == 0 {
		return models.ErrSessionNotFound
	}
	r.logger.Info("Session deleted", zap.String("userID", userID))
	return nil
}
