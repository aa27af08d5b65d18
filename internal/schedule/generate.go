package schedule

import (
	"fmt"
	"sort"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/teambition/rrule-go"

	"github.com/shaiso/Flowplane/internal/domain"
)

// MaxTimestamps — верхняя граница количества точек за один вызов Generate.
// Защищает материализатор от секундных интервалов на большом горизонте.
const MaxTimestamps = 100

// cronParser — парсер cron-выражений (стандартные 5 полей).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Generate вычисляет упорядоченную последовательность будущих запусков.
//
// Чистая функция от входов: одинаковые (spec, anchor, horizon) всегда дают
// одинаковый результат. Окно — [anchor, anchor+horizon): левая граница
// включена, правая нет. Результат строго возрастает, без дубликатов,
// не длиннее MaxTimestamps.
//
// Пустой результат — валидный случай: расписание, не дающее точек
// в окне, просто не материализует runs.
//
// Политика DST для cron: вычисление делегировано robfig/cron в timezone
// расписания — время, попавшее в весенний разрыв, сдвигается вперёд
// к ближайшему валидному моменту; при осеннем повторе стены часов
// срабатывание происходит один раз (первое по UTC).
func Generate(spec *domain.ScheduleSpec, anchor time.Time, horizon time.Duration) ([]time.Time, error) {
	if spec.IsZero() || horizon <= 0 {
		return nil, nil
	}

	end := anchor.Add(horizon)

	var (
		out []time.Time
		err error
	)
	switch spec.Kind {
	case domain.ScheduleKindInterval:
		out = generateInterval(spec, anchor, end)
	case domain.ScheduleKindCron:
		out, err = generateCron(spec, anchor, end)
	case domain.ScheduleKindRRule:
		out, err = generateRRule(spec, anchor, end)
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrScheduleKind, spec.Kind)
	}
	if err != nil {
		return nil, err
	}

	return normalize(out), nil
}

// Validate проверяет спецификацию расписания на уровне парсеров.
// Вызывается при записи deployment: некорректное расписание
// отклоняется сразу и никогда не сохраняется.
func Validate(spec *domain.ScheduleSpec) error {
	if spec.IsZero() {
		return nil
	}

	if err := spec.ValidateShape(); err != nil {
		return err
	}

	switch spec.Kind {
	case domain.ScheduleKindCron:
		if _, err := cronParser.Parse(spec.CronExpr); err != nil {
			return fmt.Errorf("invalid cron expression %q: %w", spec.CronExpr, err)
		}
	case domain.ScheduleKindRRule:
		if _, err := rrule.StrToROption(spec.RRule); err != nil {
			return fmt.Errorf("invalid rrule %q: %w", spec.RRule, err)
		}
	}

	return nil
}

// generateInterval — точки base + k·interval, попавшие в [anchor, end).
func generateInterval(spec *domain.ScheduleSpec, anchor, end time.Time) []time.Time {
	interval := time.Duration(spec.IntervalSec) * time.Second

	// Якорная точка ряда: явный Anchor спецификации или начало окна.
	base := anchor
	if spec.Anchor != nil {
		base = *spec.Anchor
	}

	// Первая точка ряда, не раньше anchor.
	first := base
	if base.Before(anchor) {
		elapsed := anchor.Sub(base)
		steps := elapsed / interval
		if elapsed%interval != 0 {
			steps++
		}
		first = base.Add(steps * interval)
	}

	var out []time.Time
	for t := first; t.Before(end) && len(out) < MaxTimestamps; t = t.Add(interval) {
		out = append(out, t.UTC())
	}
	return out
}

// generateCron — срабатывания cron-выражения в [anchor, end).
func generateCron(spec *domain.ScheduleSpec, anchor, end time.Time) ([]time.Time, error) {
	sched, err := cronParser.Parse(spec.CronExpr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", spec.CronExpr, err)
	}

	loc := spec.Location()

	var out []time.Time
	// Next строго больше аргумента; сдвиг на наносекунду назад
	// включает срабатывание ровно в anchor.
	t := anchor.In(loc).Add(-time.Nanosecond)
	for len(out) < MaxTimestamps {
		t = sched.Next(t)
		if t.IsZero() || !t.Before(end) {
			break
		}
		out = append(out, t.UTC())
	}
	return out, nil
}

// generateRRule — точки правила повторения в [anchor, end).
func generateRRule(spec *domain.ScheduleSpec, anchor, end time.Time) ([]time.Time, error) {
	opt, err := rrule.StrToROption(spec.RRule)
	if err != nil {
		return nil, fmt.Errorf("parse rrule %q: %w", spec.RRule, err)
	}

	loc := spec.Location()

	// DTSTART обязан быть детерминированным: явный якорь спецификации
	// или начало окна, но никогда не "сейчас".
	if opt.Dtstart.IsZero() {
		if spec.Anchor != nil {
			opt.Dtstart = spec.Anchor.In(loc)
		} else {
			opt.Dtstart = anchor.In(loc)
		}
	}

	rule, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, fmt.Errorf("build rrule %q: %w", spec.RRule, err)
	}

	points := rule.Between(anchor, end, true)

	out := make([]time.Time, 0, len(points))
	for _, t := range points {
		if t.Before(end) && len(out) < MaxTimestamps {
			out = append(out, t.UTC())
		}
	}
	return out, nil
}

// normalize сортирует и убирает дубликаты.
func normalize(ts []time.Time) []time.Time {
	if len(ts) == 0 {
		return nil
	}

	sort.Slice(ts, func(i, j int) bool { return ts[i].Before(ts[j]) })

	out := ts[:1]
	for _, t := range ts[1:] {
		if !t.Equal(out[len(out)-1]) {
			out = append(out, t)
		}
	}
	return out
}
