package materializer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowplane/internal/domain"
	"github.com/shaiso/Flowplane/internal/router"
	"github.com/shaiso/Flowplane/internal/schedule"
)

// DeploymentStore — хранилище deployments, нужное материализатору.
// Реализуется repo.DeploymentRepo.
type DeploymentStore interface {
	ListScheduleActive(ctx context.Context, limit int) ([]domain.Deployment, error)
	SetLastMaterialized(ctx context.Context, id uuid.UUID, ts time.Time) error
}

// RunStore — хранилище runs, нужное материализатору.
// Реализуется repo.FlowRunRepo.
type RunStore interface {
	CreateScheduled(ctx context.Context, run *domain.FlowRun) (bool, error)
	InsertRoutes(ctx context.Context, runID uuid.UUID, queues []string) error
	MarkLate(ctx context.Context, now time.Time) (int64, error)
	RequeueExpired(ctx context.Context, now time.Time, maxExpiries int) (requeued, crashed []uuid.UUID, err error)
}

// RunRouter назначает очередь материализуемым runs.
type RunRouter interface {
	Route(ctx context.Context, d *domain.Deployment) (router.Assignment, error)
}

// Publisher — уведомление агентов о новых scheduled runs.
// Best-effort: агенты в любом случае забирают runs поллингом.
type Publisher interface {
	PublishRunScheduled(ctx context.Context, runID uuid.UUID, workQueue string, at time.Time) error
}

// Materializer превращает активные расписания в конкретные
// SCHEDULED runs в пределах окна упреждения.
type Materializer struct {
	deployments DeploymentStore
	runs        RunStore
	router      RunRouter
	publisher   Publisher
	logger      *slog.Logger
	horizon     time.Duration
	batchSize   int
	maxExpiries int
	now         func() time.Time
}

// Config — конфигурация Materializer.
type Config struct {
	Deployments      DeploymentStore
	Runs             RunStore
	Router           RunRouter
	Publisher        Publisher // опционально
	Logger           *slog.Logger
	Horizon          time.Duration    // окно упреждения (default: 24h)
	BatchSize        int              // deployments за один тик (default: 100)
	MaxLeaseExpiries int              // подряд истёкших lease до CRASHED (default: 3)
	Now              func() time.Time // источник времени (default: time.Now)
}

// New создаёт новый Materializer.
func New(cfg Config) *Materializer {
	horizon := cfg.Horizon
	if horizon <= 0 {
		horizon = 24 * time.Hour
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}
	maxExpiries := cfg.MaxLeaseExpiries
	if maxExpiries <= 0 {
		maxExpiries = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Materializer{
		deployments: cfg.Deployments,
		runs:        cfg.Runs,
		router:      cfg.Router,
		publisher:   cfg.Publisher,
		logger:      logger,
		horizon:     horizon,
		batchSize:   batchSize,
		maxExpiries: maxExpiries,
		now:         now,
	}
}

// Stats — итоги одного тика.
type Stats struct {
	Deployments int   // обработано deployments
	RunsCreated int   // вставлено новых runs (дубликаты не считаются)
	MarkedLate  int64 // scheduled runs, помеченных LATE
	Requeued    int   // возвращено в SCHEDULED после истечения lease
	Crashed     int   // переведено в CRASHED (лимит повторов)
}

// Tick выполняет один тик материализатора.
//
// 1. Для каждого deployment с активным расписанием генерирует
//    времена запуска в окне [watermark, now+horizon) и вставляет
//    runs идемпотентно
// 2. Помечает просроченные scheduled runs маркером LATE
// 3. Возвращает PENDING runs с истёкшим lease в очередь
//
// Ошибки одного deployment не блокируют обработку остальных.
func (m *Materializer) Tick(ctx context.Context) (Stats, error) {
	now := m.now()
	var stats Stats

	// 1. Материализуем активные расписания
	deployments, err := m.deployments.ListScheduleActive(ctx, m.batchSize)
	if err != nil {
		return stats, fmt.Errorf("list schedule-active deployments: %w", err)
	}

	for i := range deployments {
		d := &deployments[i]

		created, err := m.materializeDeployment(ctx, d, now)
		if err != nil {
			m.logger.Error("failed to materialize deployment",
				"deployment_id", d.ID,
				"flow", d.FlowName,
				"name", d.Name,
				"error", err,
			)
			// Продолжаем обработку остальных
			continue
		}

		stats.Deployments++
		stats.RunsCreated += created
	}

	// 2. Маркер LATE для просроченных scheduled runs
	late, err := m.runs.MarkLate(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("mark late runs: %w", err)
	}
	stats.MarkedLate = late

	// 3. Истёкшие leases: обратно в очередь либо CRASHED
	requeued, crashed, err := m.runs.RequeueExpired(ctx, now, m.maxExpiries)
	if err != nil {
		return stats, fmt.Errorf("requeue expired leases: %w", err)
	}
	stats.Requeued = len(requeued)
	stats.Crashed = len(crashed)
	for _, id := range crashed {
		m.logger.Warn("run crashed after repeated lease expiry", "run_id", id)
	}

	if stats.RunsCreated > 0 || stats.MarkedLate > 0 || stats.Requeued > 0 || stats.Crashed > 0 {
		m.logger.Info("materializer tick completed",
			"deployments", stats.Deployments,
			"runs_created", stats.RunsCreated,
			"marked_late", stats.MarkedLate,
			"requeued", stats.Requeued,
			"crashed", stats.Crashed,
		)
	}

	return stats, nil
}

// materializeDeployment материализует один deployment.
// Возвращает число вставленных runs (без дубликатов).
func (m *Materializer) materializeDeployment(ctx context.Context, d *domain.Deployment, now time.Time) (int, error) {
	// 1. Окно: от watermark'а прошлой материализации до now+horizon.
	// Watermark в прошлом (материализатор простаивал) — догоняем,
	// пропущенные времена получат маркер LATE.
	windowStart := now
	if d.LastMaterializedAt != nil {
		windowStart = *d.LastMaterializedAt
	}
	windowEnd := now.Add(m.horizon)
	if !windowStart.Before(windowEnd) {
		return 0, nil
	}

	// 2. Расписание без явного якоря выравниваем по created_at
	// deployment'а: якорь стабилен между тиками и репликами.
	// Для interval это фаза ряда, для rrule — DTSTART правил,
	// не задающих его сами; иначе фаза плыла бы вместе с watermark.
	spec := d.Schedule
	if spec.Anchor == nil &&
		(spec.Kind == domain.ScheduleKindInterval || spec.Kind == domain.ScheduleKindRRule) {
		pinned := *spec
		createdAt := d.CreatedAt
		pinned.Anchor = &createdAt
		spec = &pinned
	}

	times, err := schedule.Generate(spec, windowStart, windowEnd.Sub(windowStart))
	if err != nil {
		return 0, fmt.Errorf("generate schedule: %w", err)
	}

	// 3. Назначение очереди фиксируется на момент материализации
	assignment, err := m.router.Route(ctx, d)
	if err != nil {
		return 0, fmt.Errorf("route runs: %w", err)
	}

	var created int
	for _, ts := range times {
		run := &domain.FlowRun{
			ID:                 uuid.New(),
			DeploymentID:       &d.ID,
			FlowID:             d.FlowID,
			Parameters:         d.Parameters,
			Tags:               d.Tags,
			State:              domain.RunStateScheduled,
			ScheduledStartTime: ts,
			WorkQueueName:      assignment.WorkQueueName,
			AutoScheduled:      true,
			CreatedAt:          now,
		}

		inserted, err := m.runs.CreateScheduled(ctx, run)
		if err != nil {
			return created, fmt.Errorf("create run at %s: %w", ts, err)
		}
		if !inserted {
			// Дубликат окна: run на это время уже материализован
			continue
		}

		if len(assignment.LegacyQueues) > 0 {
			if err := m.runs.InsertRoutes(ctx, run.ID, assignment.LegacyQueues); err != nil {
				return created, fmt.Errorf("insert run routes: %w", err)
			}
		}

		created++

		// Уведомление — best-effort: run уже в БД, агенты
		// заберут его поллингом и без события
		if m.publisher != nil {
			queues := assignment.LegacyQueues
			if assignment.WorkQueueName != "" {
				queues = []string{assignment.WorkQueueName}
			}
			for _, q := range queues {
				if err := m.publisher.PublishRunScheduled(ctx, run.ID, q, ts); err != nil {
					m.logger.Warn("failed to publish run.scheduled",
						"run_id", run.ID,
						"queue", q,
						"error", err,
					)
				}
			}
		}
	}

	// 4. Сдвигаем watermark. Если генератор упёрся в лимит точек,
	// окно закрыто только до последней точки — не дальше.
	next := windowEnd
	if len(times) == schedule.MaxTimestamps {
		next = times[len(times)-1]
	}
	if err := m.deployments.SetLastMaterialized(ctx, d.ID, next); err != nil {
		return created, fmt.Errorf("advance watermark: %w", err)
	}

	return created, nil
}
