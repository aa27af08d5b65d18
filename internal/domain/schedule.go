package domain

import (
	"errors"
	"fmt"
	"time"
)

// ScheduleKind — вид расписания deployment.
type ScheduleKind string

const (
	// ScheduleKindNone — расписания нет, только ad-hoc запуски.
	ScheduleKindNone ScheduleKind = "none"

	// ScheduleKindInterval — фиксированный интервал от якорной точки.
	ScheduleKindInterval ScheduleKind = "interval"

	// ScheduleKindCron — cron-выражение в заданном timezone.
	ScheduleKindCron ScheduleKind = "cron"

	// ScheduleKindRRule — правило повторения по грамматике RRULE (RFC 5545).
	ScheduleKindRRule ScheduleKind = "rrule"
)

// Ошибки валидации расписания.
var (
	// ErrScheduleKind — неизвестный вид расписания.
	ErrScheduleKind = errors.New("unknown schedule kind")

	// ErrScheduleEmpty — для вида не заполнено обязательное поле.
	ErrScheduleEmpty = errors.New("schedule field missing for kind")
)

// ScheduleSpec — спецификация расписания deployment.
//
// Ровно одно из полей IntervalSec/CronExpr/RRule заполнено
// в соответствии с Kind. Некорректная спецификация отклоняется
// при записи deployment, а не при генерации.
type ScheduleSpec struct {
	// Kind — вид расписания.
	Kind ScheduleKind `json:"kind" yaml:"kind"`

	// IntervalSec — интервал в секундах (kind=interval).
	IntervalSec int `json:"interval_sec,omitempty" yaml:"interval_sec,omitempty"`

	// Anchor — якорная точка ряда (interval) и DTSTART по умолчанию
	// (rrule). Если nil, материализатор подставляет created_at
	// deployment'а.
	Anchor *time.Time `json:"anchor,omitempty" yaml:"anchor,omitempty"`

	// CronExpr — cron-выражение (kind=cron).
	// Формат: "минуты часы дни месяцы дни_недели".
	CronExpr string `json:"cron_expr,omitempty" yaml:"cron_expr,omitempty"`

	// RRule — строка правила повторения (kind=rrule).
	// Например: "FREQ=WEEKLY;BYDAY=MO,WE;BYHOUR=9".
	RRule string `json:"rrule,omitempty" yaml:"rrule,omitempty"`

	// Timezone — часовой пояс для вычисления времени (cron/rrule).
	// По умолчанию: "UTC".
	Timezone string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// IsZero возвращает true, если расписание отсутствует.
func (s *ScheduleSpec) IsZero() bool {
	return s == nil || s.Kind == "" || s.Kind == ScheduleKindNone
}

// ValidateShape проверяет структурную согласованность спецификации:
// вид известен и соответствующее поле заполнено.
// Парсерная валидация (cron/rrule грамматика) — в пакете schedule.
func (s *ScheduleSpec) ValidateShape() error {
	if s.IsZero() {
		return nil
	}

	switch s.Kind {
	case ScheduleKindInterval:
		if s.IntervalSec <= 0 {
			return fmt.Errorf("%w: interval_sec must be positive", ErrScheduleEmpty)
		}
	case ScheduleKindCron:
		if s.CronExpr == "" {
			return fmt.Errorf("%w: cron_expr", ErrScheduleEmpty)
		}
	case ScheduleKindRRule:
		if s.RRule == "" {
			return fmt.Errorf("%w: rrule", ErrScheduleEmpty)
		}
	default:
		return fmt.Errorf("%w: %q", ErrScheduleKind, s.Kind)
	}

	if s.Timezone != "" {
		if _, err := time.LoadLocation(s.Timezone); err != nil {
			return fmt.Errorf("invalid timezone %q: %w", s.Timezone, err)
		}
	}

	return nil
}

// Location возвращает timezone расписания (UTC по умолчанию).
func (s *ScheduleSpec) Location() *time.Location {
	if s == nil || s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}
