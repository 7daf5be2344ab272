package storage

import (
	"context"

	"adventure-server/internal/models"
)

// SessionRepository - контракт хранилища игровых сессий, одна запись на
// пользователя. Реализация обязана:
//   - возвращать models.ErrSessionNotFound из Get/Delete для отсутствующей
//     записи;
//   - гарантировать долговечность Put до возврата nil (движок подтверждает
//     ход вызывающему только после успешного Put);
//   - сериализовать конкурентные Put для одного userID (последняя запись
//     побеждает целиком, частичных перезаписей не бывает). Записи разных
//     пользователей независимы.
//
// Ошибки инфраструктуры оборачиваются в models.ErrStorage.
type SessionRepository interface {
	Get(ctx context.Context, userID string) (*models.GameState, error)
	Put(ctx context.Context, userID string, state *models.GameState) error
	Delete(ctx context.Context, userID string) error
}
