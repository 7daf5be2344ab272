package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"adventure-server/internal/models"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Compile-time check
var _ SessionRepository = (*PgSessionRepository)(nil)

// PgSessionRepository хранит состояние сессии целиком как JSONB-документ в
// таблице adventure_sessions. Состояние маленькое (ограниченная история),
// поэтому запись целиком проще и надежнее построчной нормализации: UPSERT
// атомарен, частичных обновлений не бывает.
type PgSessionRepository struct {
	db     *pgxpool.Pool
	logger *zap.Logger
}

// NewPgSessionRepository создает репозиторий сессий поверх pgxpool.
func NewPgSessionRepository(db *pgxpool.Pool, logger *zap.Logger) *PgSessionRepository {
	return &PgSessionRepository{
		db:     db,
		logger: logger.Named("PgSessionRepo"),
	}
}

func (r *PgSessionRepository) Get(ctx context.Context, userID string) (*models.GameState, error) {
	query := `SELECT state FROM adventure_sessions WHERE user_id = $1`
	logFields := []zap.Field{zap.String("userID", userID)}
	r.logger.Debug("Getting session state", logFields...)

	var raw []byte
	err := r.db.QueryRow(ctx, query, userID).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrSessionNotFound
		}
		r.logger.Error("Failed to get session state", append(logFields, zap.Error(err))...)
		return nil, fmt.Errorf("ошибка чтения сессии %s: %w", userID, models.ErrStorage)
	}

	var state models.GameState
	if err := json.Unmarshal(raw, &state); err != nil {
		r.logger.Error("Failed to decode session state", append(logFields, zap.Error(err))...)
		return nil, fmt.Errorf("поврежденное состояние сессии %s: %w", userID, models.ErrStorage)
	}
	return &state, nil
}

func (r *PgSessionRepository) Put(ctx context.Context, userID string, state *models.GameState) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("ошибка сериализации сессии %s: %w", userID, models.ErrStorage)
	}

	query := `
        INSERT INTO adventure_sessions (user_id, state, status, turn_index, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (user_id) DO UPDATE SET
            state = EXCLUDED.state,
            status = EXCLUDED.status,
            turn_index = EXCLUDED.turn_index,
            updated_at = EXCLUDED.updated_at
    `
	logFields := []zap.Field{
		zap.String("userID", userID),
		zap.String("status", string(state.Status)),
		zap.Int("turnIndex", state.TurnIndex),
	}
	r.logger.Debug("Saving session state", logFields...)

	_, err = r.db.Exec(ctx, query,
		userID, raw, string(state.Status), state.TurnIndex, state.CreatedAt, state.UpdatedAt)
	if err != nil {
		r.logger.Error("Failed to save session state", append(logFields, zap.Error(err))...)
		return fmt.Errorf("ошибка сохранения сессии %s: %w", userID, models.ErrStorage)
	}
	return nil
}

func (r *PgSessionRepository) Delete(ctx context.Context, userID string) error {
	query := `DELETE FROM adventure_sessions WHERE user_id = $1`
	logFields := []zap.Field{zap.String("userID", userID)}

	tag, err := r.db.Exec(ctx, query, userID)
	if err != nil {
		r.logger.Error("Failed to delete session", append(logFields, zap.Error(err))...)
		return fmt.Errorf("ошибка удаления сессии %s: %w", userID, models.ErrStorage)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrSessionNotFound
	}
	r.logger.Info("Session deleted", logFields...)
	return nil
}
