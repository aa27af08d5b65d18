package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowplane/internal/domain"
	"github.com/shaiso/Flowplane/internal/repo"
	"github.com/shaiso/Flowplane/internal/schedule"
)

// Ошибки реестра.
var (
	// ErrDefinition — некорректное определение deployment.
	// Отклоняется при записи и никогда не сохраняется.
	ErrDefinition = errors.New("invalid deployment definition")

	// ErrQueueReferenced — очередь используется активным deployment.
	ErrQueueReferenced = errors.New("work queue referenced by active deployment")
)

// FlowStore — хранилище flows, нужное реестру.
type FlowStore interface {
	GetOrCreate(ctx context.Context, name string) (*domain.Flow, error)
	GetByName(ctx context.Context, name string) (*domain.Flow, error)
	List(ctx context.Context, limit, offset int) ([]domain.Flow, error)
}

// DeploymentStore — хранилище deployments, нужное реестру.
type DeploymentStore interface {
	Upsert(ctx context.Context, d *domain.Deployment) (*domain.Deployment, error)
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Deployment, error)
	GetByName(ctx context.Context, flowName, name string) (*domain.Deployment, error)
	List(ctx context.Context, filter repo.DeploymentFilter) ([]domain.Deployment, error)
	SetScheduleActive(ctx context.Context, id uuid.UUID, active bool) error
	Delete(ctx context.Context, id uuid.UUID) error
	CountByWorkQueue(ctx context.Context, queueName string) (int, error)
}

// RunStore — операции над runs, нужные реестру при удалении deployment.
type RunStore interface {
	CancelScheduledByDeployment(ctx context.Context, deploymentID uuid.UUID, reason string, now time.Time) (int64, error)
}

// QueueStore — хранилище очередей, нужное реестру.
type QueueStore interface {
	GetOrCreate(ctx context.Context, name string) (*domain.WorkQueue, error)
	Delete(ctx context.Context, name string) error
}

// Registry — реестр deployments.
//
// Единственный владелец записей deployment: валидирует определения
// при записи (fail fast), выполняет upsert по ключу (flow name,
// deployment name) и поддерживает ссылочную целостность очередей.
type Registry struct {
	flows       FlowStore
	deployments DeploymentStore
	runs        RunStore
	queues      QueueStore
	logger      *slog.Logger
}

// Config — конфигурация Registry.
type Config struct {
	Flows       FlowStore
	Deployments DeploymentStore
	Runs        RunStore
	Queues      QueueStore
	Logger      *slog.Logger
}

// New создаёт новый Registry.
func New(cfg Config) *Registry {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		flows:       cfg.Flows,
		deployments: cfg.Deployments,
		runs:        cfg.Runs,
		queues:      cfg.Queues,
		logger:      logger,
	}
}

// ValidateDefinition проверяет определение deployment перед записью.
// Некорректное расписание или пустые имена отклоняются сразу:
// до генератора расписаний невалидная спецификация не доживает.
func ValidateDefinition(d *domain.Deployment) error {
	if d.FlowName == "" {
		return fmt.Errorf("%w: flow name is required", ErrDefinition)
	}
	if d.Name == "" {
		return fmt.Errorf("%w: deployment name is required", ErrDefinition)
	}
	if err := schedule.Validate(d.Schedule); err != nil {
		return fmt.Errorf("%w: %w", ErrDefinition, err)
	}
	return nil
}

// CreateOrUpdate выполняет upsert deployment по ключу (flow name, name).
//
// Отсутствующий flow создаётся по имени. Существующий deployment
// сохраняет id, created_at и историю runs; определяющие поля
// заменяются атомарно (last-writer-wins на уровне БД).
// Явно названная очередь создаётся при первой ссылке.
func (r *Registry) CreateOrUpdate(ctx context.Context, d *domain.Deployment) (*domain.Deployment, error) {
	if err := ValidateDefinition(d); err != nil {
		return nil, err
	}

	flow, err := r.flows.GetOrCreate(ctx, d.FlowName)
	if err != nil {
		return nil, fmt.Errorf("resolve flow %q: %w", d.FlowName, err)
	}
	d.FlowID = flow.ID

	if d.WorkQueueName != "" {
		if _, err := r.queues.GetOrCreate(ctx, d.WorkQueueName); err != nil {
			return nil, fmt.Errorf("ensure work queue %q: %w", d.WorkQueueName, err)
		}
	}

	stored, err := r.deployments.Upsert(ctx, d)
	if err != nil {
		return nil, err
	}

	r.logger.Info("deployment upserted",
		"deployment_id", stored.ID,
		"flow", stored.FlowName,
		"name", stored.Name,
		"schedule_active", stored.IsScheduleActive,
	)
	return stored, nil
}

// Get возвращает deployment по паре (flow name, deployment name).
func (r *Registry) Get(ctx context.Context, flowName, name string) (*domain.Deployment, error) {
	return r.deployments.GetByName(ctx, flowName, name)
}

// GetByID возвращает deployment по ID.
func (r *Registry) GetByID(ctx context.Context, id uuid.UUID) (*domain.Deployment, error) {
	return r.deployments.GetByID(ctx, id)
}

// List возвращает deployments с фильтрацией.
func (r *Registry) List(ctx context.Context, filter repo.DeploymentFilter) ([]domain.Deployment, error) {
	return r.deployments.List(ctx, filter)
}

// SetScheduleActive включает/выключает расписание deployment.
func (r *Registry) SetScheduleActive(ctx context.Context, id uuid.UUID, active bool) error {
	return r.deployments.SetScheduleActive(ctx, id, active)
}

// Delete удаляет deployment.
//
// Будущие scheduled runs снимаются явно (CANCELLED с причиной),
// а не остаются бесхозными; выполняющиеся и завершённые runs
// сохраняются в истории.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) error {
	cancelled, err := r.runs.CancelScheduledByDeployment(ctx, id, "deployment deleted", time.Now())
	if err != nil {
		return fmt.Errorf("cancel scheduled runs: %w", err)
	}

	if err := r.deployments.Delete(ctx, id); err != nil {
		return err
	}

	r.logger.Info("deployment deleted",
		"deployment_id", id,
		"scheduled_runs_cancelled", cancelled,
	)
	return nil
}

// DeleteWorkQueue удаляет очередь, если на неё не ссылается
// ни один deployment (ссылочная целостность).
func (r *Registry) DeleteWorkQueue(ctx context.Context, name string) error {
	count, err := r.deployments.CountByWorkQueue(ctx, name)
	if err != nil {
		return err
	}
	if count > 0 {
		return fmt.Errorf("%w: %q used by %d deployment(s)", ErrQueueReferenced, name, count)
	}
	return r.queues.Delete(ctx, name)
}
