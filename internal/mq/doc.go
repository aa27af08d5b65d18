// Package mq предоставляет инфраструктуру для работы с RabbitMQ.
//
// Структура:
//   - connection.go — управление соединением с RabbitMQ (reconnect, graceful shutdown)
//   - topology.go   — объявление exchanges, queues, bindings
//   - publisher.go  — публикация сообщений в очереди
//   - consumer.go   — потребление сообщений из очередей
//
// События — advisory: состояние runs живёт в PostgreSQL, агенты
// в любом случае забирают работу поллингом. Потеря сообщения
// увеличивает латентность, но не теряет runs.
//
// Типы сообщений:
//   - run.scheduled     — материализован новый run
//   - run.state-changed — run сменил состояние
//
// Exchanges:
//   - flowplane.runs — события runs
package mq
