package storage

import (
	"context"
	"sync"

	"adventure-server/internal/models"
)

// Compile-time check
var _ SessionRepository = (*MemorySessionRepository)(nil)

// MemorySessionRepository хранит сессии в памяти процесса. Используется в
// тестах и для локального запуска (SESSION_STORE=memory).
type MemorySessionRepository struct {
	mu       sync.RWMutex
	sessions map[string]*models.GameState
}

// NewMemorySessionRepository создает пустое in-memory хранилище.
func NewMemorySessionRepository() *MemorySessionRepository {
	return &MemorySessionRepository{sessions: make(map[string]*models.GameState)}
}

func (r *MemorySessionRepository) Get(ctx context.Context, userID string) (*models.GameState, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.sessions[userID]
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	// Отдаем копию: вызывающий не должен мутировать хранимое состояние
	return state.Clone(), nil
}

func (r *MemorySessionRepository) Put(ctx context.Context, userID string, state *models.GameState) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[userID] = state.Clone()
	return nil
}

func (r *MemorySessionRepository) Delete(ctx context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[userID]; !ok {
		return models.ErrSessionNotFound
	}
	delete(r.sessions, userID)
	return nil
}
