package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeRuns Exchange = "flowplane.runs"
)

// Queues — имена очередей.
const (
	// QueueRunsScheduled — wakeup для агентов: материализатор
	// публикует сюда событие о каждом новом scheduled run.
	QueueRunsScheduled Queue = "runs.scheduled"

	// QueueRunsState — события смены состояния runs для наблюдателей.
	QueueRunsState Queue = "runs.state"
)

// Routing keys.
const (
	RoutingKeyScheduled RoutingKey = "scheduled"
	RoutingKeyState     RoutingKey = "state"
)

// SetupTopology объявляет обменники, очереди и привязки.
// Идемпотентно: повторное объявление той же топологии — no-op.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchange
		err := ch.ExchangeDeclare(
			string(ExchangeRuns), // name
			"direct",             // type
			true,                 // durable
			false,                // auto-deleted
			false,                // internal
			false,                // no-wait
			nil,                  // arguments
		)
		if err != nil {
			return fmt.Errorf("declare exchange %s: %w", ExchangeRuns, err)
		}

		// 2. Создаём queues
		queues := []Queue{QueueRunsScheduled, QueueRunsState}
		for _, q := range queues {
			_, err := ch.QueueDeclare(
				string(q), // name
				true,      // durable
				false,     // delete when unused
				false,     // exclusive
				false,     // no-wait
				nil,       // arguments
			)
			if err != nil {
				return fmt.Errorf("declare queue %s: %w", q, err)
			}
		}

		// 3. Привязываем queues к exchange
		bindings := []struct {
			queue      Queue
			routingKey RoutingKey
		}{
			{QueueRunsScheduled, RoutingKeyScheduled},
			{QueueRunsState, RoutingKeyState},
		}
		for _, b := range bindings {
			err := ch.QueueBind(
				string(b.queue),      // queue name
				string(b.routingKey), // routing key
				string(ExchangeRuns), // exchange
				false,                // no-wait
				nil,                  // arguments
			)
			if err != nil {
				return fmt.Errorf("bind queue %s: %w", b.queue, err)
			}
		}

		return nil
	})
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Flowplane RabbitMQ Topology:

    flowplane.runs (direct)
    ├── runs.scheduled [routing: scheduled]
    │       Consumer: Agent (wakeup; источник истины — polling)
    └── runs.state [routing: state]
            Consumer: наблюдатели (события смены состояния)
  `
}
