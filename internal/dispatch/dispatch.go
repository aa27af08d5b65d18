package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowplane/internal/domain"
	"github.com/shaiso/Flowplane/internal/infra"
)

// Ошибки протокола lease.
var (
	// ErrQueuePaused — очередь на паузе, poll отклонён.
	ErrQueuePaused = errors.New("work queue is paused")

	// ErrLeaseExpired — lease отчитывающегося агента истёк,
	// run возвращён в очередь или передан другому агенту.
	ErrLeaseExpired = errors.New("lease expired")

	// ErrConflict — отчёт противоречит текущему состоянию run:
	// финальное состояние уже зафиксировано с другим исходом,
	// lease держит другой агент либо переход недопустим.
	ErrConflict = errors.New("state report conflicts with current run state")
)

// RunStore — операции над runs, нужные диспетчеру.
// Реализуется repo.FlowRunRepo.
type RunStore interface {
	Claim(ctx context.Context, queue string, before time.Time, limit int, holder string, leaseExpiry time.Time) ([]domain.FlowRun, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error)
	SetInfraDocument(ctx context.Context, id uuid.UUID, doc map[string]any) error
	TransitionRunning(ctx context.Context, id uuid.UUID, holder string, now time.Time) (int64, error)
	TransitionTerminal(ctx context.Context, id uuid.UUID, holder string, state domain.RunState, reason string, now time.Time) (int64, error)
	TransitionTerminalFromPending(ctx context.Context, id uuid.UUID, holder string, state domain.RunState, reason string, now time.Time) (int64, error)
	TransitionFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) (int64, error)
	Cancel(ctx context.Context, id uuid.UUID, reason string, now time.Time) (int64, error)
	CountRunning(ctx context.Context, queue string) (int, error)
}

// QueueStore — хранилище очередей, нужное диспетчеру.
type QueueStore interface {
	GetOrCreate(ctx context.Context, name string) (*domain.WorkQueue, error)
}

// DeploymentStore — доступ к deployment для резолва инфраструктуры.
type DeploymentStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Deployment, error)
}

// AgentStore — учёт heartbeat'ов агентов.
type AgentStore interface {
	UpsertHeartbeat(ctx context.Context, hb *domain.AgentHeartbeat) error
}

// Dispatcher реализует серверную сторону протокола агентов:
// выдачу runs по lease и приём отчётов о состоянии.
//
// Все решения принимаются атомарными CAS-обновлениями хранилища;
// Dispatcher не держит состояния между вызовами и безопасен для
// конкурентного использования из множества HTTP-обработчиков.
type Dispatcher struct {
	runs        RunStore
	queues      QueueStore
	deployments DeploymentStore
	agents      AgentStore
	logger      *slog.Logger
	leaseTTL    time.Duration
	prefetch    time.Duration
	now         func() time.Time
}

// Config — конфигурация Dispatcher.
type Config struct {
	Runs        RunStore
	Queues      QueueStore
	Deployments DeploymentStore
	Agents      AgentStore
	Logger      *slog.Logger
	LeaseTTL    time.Duration    // срок lease (default: 60s)
	Prefetch    time.Duration    // упреждение выдачи (default: 10s)
	Now         func() time.Time // источник времени (default: time.Now)
}

// New создаёт новый Dispatcher.
func New(cfg Config) *Dispatcher {
	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = 60 * time.Second
	}
	prefetch := cfg.Prefetch
	if prefetch <= 0 {
		prefetch = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Dispatcher{
		runs:        cfg.Runs,
		queues:      cfg.Queues,
		deployments: cfg.Deployments,
		agents:      cfg.Agents,
		logger:      logger,
		leaseTTL:    leaseTTL,
		prefetch:    prefetch,
		now:         now,
	}
}

// Poll выдаёт агенту runs из очереди под lease.
//
// 1. Очередь создаётся при первом poll (implicit creation)
// 2. Пауза очереди — отказ без выдачи
// 3. Concurrency limit — admission по числу RUNNING
// 4. Claim — атомарный CAS: каждый run достаётся ровно одному агенту
// 5. Для каждого выданного run резолвится инфраструктурный документ;
//    ошибка резолва переводит run в FAILED, а не роняет poll
func (d *Dispatcher) Poll(ctx context.Context, agentID, queueName string, limit int) ([]domain.FlowRun, error) {
	if limit <= 0 {
		limit = 1
	}
	now := d.now()

	// 1-2. Очередь: implicit creation и проверка паузы
	queue, err := d.queues.GetOrCreate(ctx, queueName)
	if err != nil {
		return nil, fmt.Errorf("ensure work queue %q: %w", queueName, err)
	}
	if queue.IsPaused {
		return nil, fmt.Errorf("%w: %q", ErrQueuePaused, queueName)
	}

	// 3. Admission: свободная ёмкость очереди
	if queue.ConcurrencyLimit != nil {
		running, err := d.runs.CountRunning(ctx, queueName)
		if err != nil {
			return nil, fmt.Errorf("count running in %q: %w", queueName, err)
		}
		capacity := *queue.ConcurrencyLimit - running
		if capacity <= 0 {
			return nil, nil
		}
		if limit > capacity {
			limit = capacity
		}
	}

	// 4. Атомарный claim с упреждением prefetch
	claimed, err := d.runs.Claim(ctx, queueName, now.Add(d.prefetch), limit, agentID, now.Add(d.leaseTTL))
	if err != nil {
		return nil, fmt.Errorf("claim runs from %q: %w", queueName, err)
	}
	if len(claimed) == 0 {
		return nil, nil
	}

	// 5. Резолв инфраструктуры выданных runs
	out := make([]domain.FlowRun, 0, len(claimed))
	for i := range claimed {
		run := &claimed[i]

		doc, err := d.resolveInfra(ctx, run)
		if err != nil {
			reason := fmt.Sprintf("infrastructure resolution failed: %v", err)
			if _, ferr := d.runs.TransitionFailed(ctx, run.ID, reason, now); ferr != nil {
				d.logger.Error("failed to fail run after resolve error",
					"run_id", run.ID, "error", ferr)
			}
			d.logger.Warn("run failed at infrastructure resolution",
				"run_id", run.ID, "error", err)
			continue
		}

		if err := d.runs.SetInfraDocument(ctx, run.ID, doc); err != nil {
			d.logger.Error("failed to persist infra document",
				"run_id", run.ID, "error", err)
			continue
		}
		run.InfraDocument = doc
		out = append(out, *run)
	}

	d.logger.Info("runs dispatched",
		"agent_id", agentID,
		"queue", queueName,
		"claimed", len(claimed),
		"dispatched", len(out),
	)
	return out, nil
}

// resolveInfra строит инфраструктурный документ run'а:
// шаблон deployment + dot-path переопределения. Для ad-hoc runs
// без deployment документ пуст.
func (d *Dispatcher) resolveInfra(ctx context.Context, run *domain.FlowRun) (map[string]any, error) {
	if run.DeploymentID == nil {
		return map[string]any{}, nil
	}
	dep, err := d.deployments.GetByID(ctx, *run.DeploymentID)
	if err != nil {
		return nil, fmt.Errorf("load deployment %s: %w", *run.DeploymentID, err)
	}
	doc, err := infra.Resolve(dep.InfraTemplate, dep.InfraOverrides)
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// ReportRunning фиксирует отчёт агента о старте выполнения
// (PENDING → RUNNING). Повторный отчёт того же агента — no-op.
func (d *Dispatcher) ReportRunning(ctx context.Context, runID uuid.UUID, agentID string) error {
	now := d.now()

	rows, err := d.runs.TransitionRunning(ctx, runID, agentID, now)
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	// CAS проигран: классифицируем по текущему состоянию
	run, err := d.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}

	switch {
	case run.State == domain.RunStateRunning && run.LeaseHolder == agentID:
		// Повторный отчёт — идемпотентный no-op
		return nil
	case run.State.IsTerminal():
		return fmt.Errorf("%w: run already %s", ErrConflict, run.State)
	case run.LeaseHolder != "" && run.LeaseHolder != agentID:
		return fmt.Errorf("%w: lease held by %q", ErrConflict, run.LeaseHolder)
	default:
		// Lease истёк: run возвращён в очередь или ещё PENDING
		// с просроченным сроком
		return fmt.Errorf("%w: run %s is %s", ErrLeaseExpired, runID, run.State)
	}
}

// ReportTerminal фиксирует финальный отчёт агента.
//
// Финальные состояния поглощающие: первый зафиксированный исход
// окончателен. Повторный отчёт с тем же исходом — no-op, с другим —
// ErrConflict. FAILED и CANCELLED принимаются и из PENDING
// (запуск инфраструктуры не удался либо отменён до старта).
func (d *Dispatcher) ReportTerminal(ctx context.Context, runID uuid.UUID, agentID string, state domain.RunState, reason string) error {
	if !state.IsTerminal() {
		return fmt.Errorf("%w: %s is not a terminal state", ErrConflict, state)
	}
	now := d.now()

	rows, err := d.runs.TransitionTerminal(ctx, runID, agentID, state, reason, now)
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	run, err := d.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}

	switch {
	case run.State == state:
		// Тот же исход уже зафиксирован
		return nil
	case run.State.IsTerminal():
		return fmt.Errorf("%w: run already %s, reported %s", ErrConflict, run.State, state)
	case run.State == domain.RunStatePending && run.HeldBy(agentID, now):
		// Запуск не состоялся: допустимы только FAILED и CANCELLED.
		// Переход тоже условный по holder: между чтением и обновлением
		// run мог вернуться в очередь и уйти другому агенту.
		if state != domain.RunStateFailed && state != domain.RunStateCancelled {
			return fmt.Errorf("%w: %s from PENDING", ErrConflict, state)
		}
		rows, err := d.runs.TransitionTerminalFromPending(ctx, runID, agentID, state, reason, now)
		if err != nil {
			return err
		}
		if rows == 0 {
			return fmt.Errorf("%w: lease lost before terminal report", ErrConflict)
		}
		return nil
	case run.LeaseHolder != "" && run.LeaseHolder != agentID:
		return fmt.Errorf("%w: lease held by %q", ErrConflict, run.LeaseHolder)
	default:
		return fmt.Errorf("%w: run %s is %s", ErrLeaseExpired, runID, run.State)
	}
}

// Cancel снимает run по запросу оператора. Финальный run не трогается.
func (d *Dispatcher) Cancel(ctx context.Context, runID uuid.UUID, reason string) error {
	rows, err := d.runs.Cancel(ctx, runID, reason, d.now())
	if err != nil {
		return err
	}
	if rows == 0 {
		run, err := d.runs.GetByID(ctx, runID)
		if err != nil {
			return err
		}
		if run.State == domain.RunStateCancelled {
			return nil
		}
		return fmt.Errorf("%w: run already %s", ErrConflict, run.State)
	}
	return nil
}

// Heartbeat регистрирует агента и очереди, которые он обслуживает.
func (d *Dispatcher) Heartbeat(ctx context.Context, agentID string, queues []string) error {
	if agentID == "" {
		return errors.New("agent id is required")
	}
	return d.agents.UpsertHeartbeat(ctx, &domain.AgentHeartbeat{
		AgentID:    agentID,
		WorkQueues: queues,
		LastSeenAt: d.now(),
	})
}
