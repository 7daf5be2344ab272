package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"adventure-server/internal/models"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// TurnEventPublisher публикует событие о сохраненном ходе для сервисов
// доставки (websocket, push). Публикация best-effort: ошибка логируется,
// но ход уже сохранен и считается успешным.
type TurnEventPublisher interface {
	PublishTurnEvent(ctx context.Context, event models.TurnEvent) error
}

// rabbitMQPublisher реализует TurnEventPublisher поверх RabbitMQ.
type rabbitMQPublisher struct {
	channel   *amqp.Channel
	queueName string
	logger    *zap.Logger
}

// NewRabbitMQTurnEventPublisher создает паблишер и объявляет очередь.
// Паблишер объявляет очередь сам: это делает систему устойчивой к порядку
// запуска сервисов. Параметры очереди должны совпадать с консьюмером.
func NewRabbitMQTurnEventPublisher(conn *amqp.Connection, queueName string, logger *zap.Logger) (TurnEventPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("turn event publisher: не удалось открыть канал: %w", err)
	}
	_, err = ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		nil,       // arguments
	)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("turn event publisher: не удалось объявить очередь '%s': %w", queueName, err)
	}
	log := logger.Named("TurnEventPublisher")
	log.Info("Queue declared", zap.String("queue", queueName))
	return &rabbitMQPublisher{channel: ch, queueName: queueName, logger: log}, nil
}

// PublishTurnEvent публикует событие хода.
func (p *rabbitMQPublisher) PublishTurnEvent(ctx context.Context, event models.TurnEvent) error {
	if p.channel == nil {
		return errors.New("канал RabbitMQ не инициализирован")
	}

	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("ошибка сериализации TurnEvent %s: %w", event.EventID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	err = p.channel.PublishWithContext(ctx,
		"",          // exchange (используем default)
		p.queueName, // routing key (имя очереди)
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
			Timestamp:    time.Now(),
			AppId:        "adventure-server",
		},
	)
	if err != nil {
		return fmt.Errorf("ошибка публикации в очередь %s: %w", p.queueName, err)
	}
	p.logger.Debug("Turn event published",
		zap.String("eventID", event.EventID),
		zap.String("userID", event.UserID),
		zap.Int("turnIndex", event.TurnIndex))
	return nil
}

// NoopTurnEventPublisher используется, когда RabbitMQ не сконфигурирован.
type NoopTurnEventPublisher struct{}

func (NoopTurnEventPublisher) PublishTurnEvent(ctx context.Context, event models.TurnEvent) error {
	return nil
}
