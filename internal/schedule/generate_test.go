package schedule

import (
	"errors"
	"testing"
	"time"

	"github.com/shaiso/Flowplane/internal/domain"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse time %q: %v", s, err)
	}
	return ts
}

// --- Interval ---

func TestGenerate_Interval_ThreeRunsInWindow(t *testing.T) {
	// interval=60s, anchor=T0, horizon=180s → ровно 3 точки: T0, T0+60, T0+120
	anchor := mustParse(t, "2024-03-01T12:00:00Z")
	spec := &domain.ScheduleSpec{
		Kind:        domain.ScheduleKindInterval,
		IntervalSec: 60,
	}

	ts, err := Generate(spec, anchor, 180*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts) != 3 {
		t.Fatalf("expected 3 timestamps, got %d: %v", len(ts), ts)
	}
	for i, want := range []time.Time{anchor, anchor.Add(60 * time.Second), anchor.Add(120 * time.Second)} {
		if !ts[i].Equal(want) {
			t.Errorf("timestamp %d: expected %v, got %v", i, want, ts[i])
		}
	}
}

func TestGenerate_Interval_ExplicitAnchorBeforeWindow(t *testing.T) {
	// Якорь ряда задан в прошлом — первая точка окна выравнивается по ряду.
	base := mustParse(t, "2024-03-01T12:00:30Z")
	anchor := mustParse(t, "2024-03-01T13:00:00Z")
	spec := &domain.ScheduleSpec{
		Kind:        domain.ScheduleKindInterval,
		IntervalSec: 60,
		Anchor:      &base,
	}

	ts, err := Generate(spec, anchor, 3*time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(ts) != 3 {
		t.Fatalf("expected 3 timestamps, got %d: %v", len(ts), ts)
	}
	want := mustParse(t, "2024-03-01T13:00:30Z")
	if !ts[0].Equal(want) {
		t.Errorf("first timestamp should align to anchor series: expected %v, got %v", want, ts[0])
	}
}

func TestGenerate_Interval_CappedAtMaxTimestamps(t *testing.T) {
	// Секундный интервал на часовом горизонте упирается в MaxTimestamps.
	anchor := mustParse(t, "2024-03-01T12:00:00Z")
	spec := &domain.ScheduleSpec{
		Kind:        domain.ScheduleKindInterval,
		IntervalSec: 1,
	}

	ts, err := Generate(spec, anchor, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts) != MaxTimestamps {
		t.Errorf("expected cap %d, got %d", MaxTimestamps, len(ts))
	}
}

// --- Cron ---

func TestGenerate_Cron_HourlyWindow(t *testing.T) {
	anchor := mustParse(t, "2024-03-01T12:30:00Z")
	spec := &domain.ScheduleSpec{
		Kind:     domain.ScheduleKindCron,
		CronExpr: "0 * * * *", // каждый час в :00
	}

	ts, err := Generate(spec, anchor, 3*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []time.Time{
		mustParse(t, "2024-03-01T13:00:00Z"),
		mustParse(t, "2024-03-01T14:00:00Z"),
		mustParse(t, "2024-03-01T15:00:00Z"),
	}
	if len(ts) != len(want) {
		t.Fatalf("expected %d timestamps, got %d: %v", len(want), len(ts), ts)
	}
	for i := range want {
		if !ts[i].Equal(want[i]) {
			t.Errorf("timestamp %d: expected %v, got %v", i, want[i], ts[i])
		}
	}
}

func TestGenerate_Cron_FiringAtAnchorIncluded(t *testing.T) {
	// Левая граница окна включена: срабатывание ровно в anchor попадает в результат.
	anchor := mustParse(t, "2024-03-01T13:00:00Z")
	spec := &domain.ScheduleSpec{
		Kind:     domain.ScheduleKindCron,
		CronExpr: "0 * * * *",
	}

	ts, err := Generate(spec, anchor, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts) != 1 || !ts[0].Equal(anchor) {
		t.Errorf("expected single firing at anchor, got %v", ts)
	}
}

func TestGenerate_Cron_SpringForwardGapSkips(t *testing.T) {
	// В America/New_York 10 марта 2024 время 02:30 не существует
	// (переход 02:00 → 03:00). Срабатывание сдвигается вперёд, не теряется
	// и не дублируется.
	anchor := mustParse(t, "2024-03-09T12:00:00Z")
	spec := &domain.ScheduleSpec{
		Kind:     domain.ScheduleKindCron,
		CronExpr: "30 2 * * *",
		Timezone: "America/New_York",
	}

	ts, err := Generate(spec, anchor, 48*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for i := 1; i < len(ts); i++ {
		if !ts[i].After(ts[i-1]) {
			t.Fatalf("timestamps must be strictly increasing: %v", ts)
		}
	}
	if len(ts) == 0 {
		t.Fatal("expected at least one firing across the DST transition")
	}
}

// --- RRule ---

func TestGenerate_RRule_DailyWithCount(t *testing.T) {
	anchor := mustParse(t, "2024-03-01T09:00:00Z")
	spec := &domain.ScheduleSpec{
		Kind:  domain.ScheduleKindRRule,
		RRule: "FREQ=DAILY;COUNT=2",
	}

	ts, err := Generate(spec, anchor, 10*24*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// COUNT=2 ограничивает ряд независимо от горизонта.
	if len(ts) != 2 {
		t.Fatalf("expected 2 timestamps (COUNT bound), got %d: %v", len(ts), ts)
	}
	if !ts[0].Equal(anchor) {
		t.Errorf("first occurrence should be at anchor, got %v", ts[0])
	}
	if !ts[1].Equal(anchor.Add(24 * time.Hour)) {
		t.Errorf("second occurrence should be a day later, got %v", ts[1])
	}
}

func TestGenerate_RRule_ClippedToHorizon(t *testing.T) {
	anchor := mustParse(t, "2024-03-01T09:00:00Z")
	spec := &domain.ScheduleSpec{
		Kind:  domain.ScheduleKindRRule,
		RRule: "FREQ=DAILY",
	}

	ts, err := Generate(spec, anchor, 72*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts) != 3 {
		t.Fatalf("expected 3 daily occurrences in 72h window, got %d: %v", len(ts), ts)
	}
}

// --- Общие свойства ---

func TestGenerate_EmptyWindowIsValid(t *testing.T) {
	anchor := mustParse(t, "2024-03-01T12:00:05Z")
	spec := &domain.ScheduleSpec{
		Kind:     domain.ScheduleKindCron,
		CronExpr: "0 0 1 1 *", // раз в год
	}

	ts, err := Generate(spec, anchor, time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(ts) != 0 {
		t.Errorf("expected empty result, got %v", ts)
	}
}

func TestGenerate_NoScheduleYieldsNothing(t *testing.T) {
	ts, err := Generate(nil, time.Now(), time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ts != nil {
		t.Errorf("expected nil, got %v", ts)
	}
}

func TestGenerate_Restartable(t *testing.T) {
	// Чистота: повторный вызов с теми же входами даёт тот же результат.
	anchor := mustParse(t, "2024-03-01T12:00:00Z")
	spec := &domain.ScheduleSpec{
		Kind:     domain.ScheduleKindCron,
		CronExpr: "*/15 * * * *",
	}

	first, err := Generate(spec, anchor, 2*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := Generate(spec, anchor, 2*time.Hour)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("results differ in length: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if !first[i].Equal(second[i]) {
			t.Errorf("timestamp %d differs: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestGenerate_StrictlyIncreasingNoDuplicates(t *testing.T) {
	anchor := mustParse(t, "2024-03-01T00:00:00Z")
	specs := []*domain.ScheduleSpec{
		{Kind: domain.ScheduleKindInterval, IntervalSec: 300},
		{Kind: domain.ScheduleKindCron, CronExpr: "*/10 * * * *"},
		{Kind: domain.ScheduleKindRRule, RRule: "FREQ=HOURLY"},
	}

	for _, spec := range specs {
		ts, err := Generate(spec, anchor, 6*time.Hour)
		if err != nil {
			t.Fatalf("kind %s: unexpected error: %v", spec.Kind, err)
		}
		for i := 1; i < len(ts); i++ {
			if !ts[i].After(ts[i-1]) {
				t.Errorf("kind %s: timestamps not strictly increasing: %v", spec.Kind, ts)
			}
		}
	}
}

// --- Validate ---

func TestValidate_MalformedSpecs(t *testing.T) {
	tests := []struct {
		name string
		spec *domain.ScheduleSpec
	}{
		{
			name: "bad cron expression",
			spec: &domain.ScheduleSpec{Kind: domain.ScheduleKindCron, CronExpr: "not a cron"},
		},
		{
			name: "bad rrule",
			spec: &domain.ScheduleSpec{Kind: domain.ScheduleKindRRule, RRule: "FREQ=NOPE"},
		},
		{
			name: "zero interval",
			spec: &domain.ScheduleSpec{Kind: domain.ScheduleKindInterval},
		},
		{
			name: "unknown kind",
			spec: &domain.ScheduleSpec{Kind: "lunar"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := Validate(tt.spec); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestValidate_UnknownKindSentinel(t *testing.T) {
	err := Validate(&domain.ScheduleSpec{Kind: "lunar"})
	if !errors.Is(err, domain.ErrScheduleKind) {
		t.Errorf("expected ErrScheduleKind, got %v", err)
	}
}

func TestValidate_NilScheduleIsValid(t *testing.T) {
	if err := Validate(nil); err != nil {
		t.Errorf("nil schedule should be valid, got %v", err)
	}
}
