// Package telemetry обеспечивает наблюдаемость системы.
//
// Включает structured logging через slog (формат и уровень задаются
// переменными LOG_FORMAT и LOG_LEVEL) и хелперы для передачи логгера
// через контекст.
//
// Prometheus-метрики объявляются в main каждого бинарника
// и экспортируются на /metrics endpoint.
package telemetry
