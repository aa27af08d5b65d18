package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения в очереди.
type MessageType string

// Типы сообщений.
const (
	MessageTypeRunScheduled    MessageType = "run.scheduled"
	MessageTypeRunStateChanged MessageType = "run.state-changed"
)

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	return &Publisher{
		conn:   conn,
		logger: logger,
	}
}

// Message — сообщение для публикации.
type Message struct {
	// ID — уникальный идентификатор сообщения.
	ID string `json:"id"`

	// Type — тип сообщения.
	Type MessageType `json:"type"`

	// Payload — полезная нагрузка.
	Payload any `json:"payload"`

	// Timestamp — время создания.
	Timestamp time.Time `json:"timestamp"`
}

// RunScheduledPayload — payload события о материализованном run.
type RunScheduledPayload struct {
	RunID              uuid.UUID `json:"run_id"`
	WorkQueue          string    `json:"work_queue"`
	ScheduledStartTime time.Time `json:"scheduled_start_time"`
}

// RunStateChangedPayload — payload события о смене состояния run.
type RunStateChangedPayload struct {
	RunID  uuid.UUID `json:"run_id"`
	State  string    `json:"state"`
	Reason string    `json:"reason,omitempty"`
}

// Publish публикует сообщение в указанный exchange с routing key.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	return p.conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		err := ch.PublishWithContext(
			ctx,
			string(exchange),   // exchange
			string(routingKey), // routing key
			false,
			false,
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent, // сообщение переживёт рестарт RabbitMQ
				MessageId:    msg.ID,
				Timestamp:    msg.Timestamp,
				Body:         body,
			},
		)
		if err != nil {
			return fmt.Errorf("publish to %s/%s: %w", exchange, routingKey, err)
		}

		p.logger.Debug("published message",
			"exchange", exchange,
			"routing_key", routingKey,
			"message_id", msg.ID,
			"type", msg.Type,
		)

		return nil
	})
}

// PublishRunScheduled публикует событие о новом scheduled run.
// Потребитель: Agent (wakeup между poll-интервалами).
func (p *Publisher) PublishRunScheduled(ctx context.Context, runID uuid.UUID, workQueue string, at time.Time) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeRunScheduled,
		Payload:   RunScheduledPayload{RunID: runID, WorkQueue: workQueue, ScheduledStartTime: at},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeRuns, RoutingKeyScheduled, msg)
}

// PublishRunStateChanged публикует событие о смене состояния run.
func (p *Publisher) PublishRunStateChanged(ctx context.Context, runID uuid.UUID, state, reason string) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      MessageTypeRunStateChanged,
		Payload:   RunStateChangedPayload{RunID: runID, State: state, Reason: reason},
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, ExchangeRuns, RoutingKeyState, msg)
}

// PublishJSON публикует произвольный JSON payload.
func (p *Publisher) PublishJSON(ctx context.Context, exchange Exchange, routingKey RoutingKey, msgType MessageType, payload any) error {
	msg := &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	return p.Publish(ctx, exchange, routingKey, msg)
}
