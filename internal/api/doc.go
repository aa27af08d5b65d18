// Package api содержит HTTP API сервер control plane.
//
// Структура:
//   - handler.go            — Handler с DI (сервисы, репозитории, logger)
//   - routes.go             — регистрация маршрутов
//   - middleware.go         — middleware (logging, recovery)
//   - response.go           — унифицированные JSON-ответы и обработка ошибок
//   - dto.go                — Data Transfer Objects (request/response)
//   - deployment_handler.go — обработчики для /deployments и /flows
//   - run_handler.go        — обработчики для /runs (включая протокол агентов)
//   - queue_handler.go      — обработчики для /work-queues
//   - agent_handler.go      — обработчики для /agents
//
// API предоставляет REST endpoints для управления deployments,
// work queues и runs, а также серверную сторону протокола агентов
// (poll, отчёты о состоянии, heartbeat).
package api
