// Package schedule реализует генератор расписаний.
//
// Generate — чистая функция: (спецификация, якорь, горизонт) →
// упорядоченная последовательность будущих запусков. Никакого скрытого
// состояния: материализатор может перезапускать генерацию для одного
// и того же окна сколько угодно раз.
//
// Три вида расписаний:
//   - interval — якорь + k·интервал;
//   - cron     — срабатывания cron-выражения в timezone расписания
//     (robfig/cron);
//   - rrule    — правило повторения RFC 5545 (teambition/rrule-go).
//
// Валидация спецификации (Validate) выполняется при записи deployment,
// чтобы некорректное расписание никогда не доживало до генерации.
package schedule
