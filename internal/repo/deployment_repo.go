package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Flowplane/internal/domain"
)

// deploymentColumns — общий список колонок для SELECT.
const deploymentColumns = `
	d.id, d.flow_id, f.name, d.name, d.description, d.tags, d.parameters,
	d.parameter_schema, d.schedule, d.is_schedule_active, d.work_queue_name,
	d.storage_ref, d.infra_template, d.infra_overrides,
	d.last_materialized_at, d.created_at, d.updated_at
`

// DeploymentRepo — репозиторий для работы с deployments.
type DeploymentRepo struct {
	pool *pgxpool.Pool
}

// NewDeploymentRepo создаёт новый DeploymentRepo.
func NewDeploymentRepo(pool *pgxpool.Pool) *DeploymentRepo {
	return &DeploymentRepo{pool: pool}
}

// Upsert создаёт или заменяет deployment по ключу (flow_id, name).
//
// Существующая запись сохраняет id и created_at, все определяющие
// поля заменяются. Одним атомарным INSERT ... ON CONFLICT:
// конкурентные upsert по одному ключу сериализуются на уровне БД,
// частично обновлённая запись никогда не видна читателям.
func (r *DeploymentRepo) Upsert(ctx context.Context, d *domain.Deployment) (*domain.Deployment, error) {
	paramsJSON, err := json.Marshal(d.Parameters)
	if err != nil {
		return nil, fmt.Errorf("marshal parameters: %w", err)
	}
	schemaJSON, err := json.Marshal(d.ParameterSchema)
	if err != nil {
		return nil, fmt.Errorf("marshal parameter schema: %w", err)
	}
	scheduleJSON, err := marshalSchedule(d.Schedule)
	if err != nil {
		return nil, err
	}
	templateJSON, err := json.Marshal(d.InfraTemplate)
	if err != nil {
		return nil, fmt.Errorf("marshal infra template: %w", err)
	}
	overridesJSON, err := json.Marshal(d.InfraOverrides)
	if err != nil {
		return nil, fmt.Errorf("marshal infra overrides: %w", err)
	}

	now := time.Now()
	query := `
		INSERT INTO deployments (id, flow_id, name, description, tags, parameters,
		                         parameter_schema, schedule, is_schedule_active,
		                         work_queue_name, storage_ref, infra_template,
		                         infra_overrides, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		ON CONFLICT (flow_id, name) DO UPDATE SET
			description        = EXCLUDED.description,
			tags               = EXCLUDED.tags,
			parameters         = EXCLUDED.parameters,
			parameter_schema   = EXCLUDED.parameter_schema,
			schedule           = EXCLUDED.schedule,
			is_schedule_active = EXCLUDED.is_schedule_active,
			work_queue_name    = EXCLUDED.work_queue_name,
			storage_ref        = EXCLUDED.storage_ref,
			infra_template     = EXCLUDED.infra_template,
			infra_overrides    = EXCLUDED.infra_overrides,
			updated_at         = EXCLUDED.updated_at
		RETURNING id, created_at, updated_at
	`
	stored := *d
	err = r.pool.QueryRow(ctx, query,
		uuid.New(),
		d.FlowID,
		d.Name,
		nullString(d.Description),
		d.Tags,
		paramsJSON,
		schemaJSON,
		scheduleJSON,
		d.IsScheduleActive,
		nullString(d.WorkQueueName),
		nullString(d.StorageRef),
		templateJSON,
		overridesJSON,
		now,
	).Scan(&stored.ID, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("upsert deployment: %w", err)
	}
	return &stored, nil
}

// GetByID возвращает deployment по ID.
func (r *DeploymentRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Deployment, error) {
	query := `
		SELECT ` + deploymentColumns + `
		FROM deployments d
		JOIN flows f ON f.id = d.flow_id
		WHERE d.id = $1
	`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, id))
}

// GetByName возвращает deployment по паре (flow name, deployment name).
func (r *DeploymentRepo) GetByName(ctx context.Context, flowName, name string) (*domain.Deployment, error) {
	query := `
		SELECT ` + deploymentColumns + `
		FROM deployments d
		JOIN flows f ON f.id = d.flow_id
		WHERE f.name = $1 AND d.name = $2
	`
	return r.scanDeployment(r.pool.QueryRow(ctx, query, flowName, name))
}

// List возвращает список deployments с фильтрацией.
func (r *DeploymentRepo) List(ctx context.Context, filter DeploymentFilter) ([]domain.Deployment, error) {
	query := `
		SELECT ` + deploymentColumns + `
		FROM deployments d
		JOIN flows f ON f.id = d.flow_id
		WHERE ($1::uuid IS NULL OR d.flow_id = $1)
		  AND ($2::text IS NULL OR d.work_queue_name = $2)
		ORDER BY f.name ASC, d.name ASC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullUUID(filter.FlowID),
		nullString(filter.WorkQueueName),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list deployments: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

// ListScheduleActive возвращает deployments, подлежащие материализации:
// расписание задано и активно.
func (r *DeploymentRepo) ListScheduleActive(ctx context.Context, limit int) ([]domain.Deployment, error) {
	query := `
		SELECT ` + deploymentColumns + `
		FROM deployments d
		JOIN flows f ON f.id = d.flow_id
		WHERE d.is_schedule_active = true
		  AND d.schedule IS NOT NULL
		ORDER BY d.created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list schedule-active deployments: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

// SetLastMaterialized сдвигает верхнюю границу материализованного окна.
func (r *DeploymentRepo) SetLastMaterialized(ctx context.Context, id uuid.UUID, ts time.Time) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE deployments SET last_materialized_at = $2, updated_at = NOW() WHERE id = $1
	`, id, ts)
	if err != nil {
		return fmt.Errorf("set last materialized: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetScheduleActive включает/выключает расписание deployment.
func (r *DeploymentRepo) SetScheduleActive(ctx context.Context, id uuid.UUID, active bool) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE deployments SET is_schedule_active = $2, updated_at = NOW() WHERE id = $1
	`, id, active)
	if err != nil {
		return fmt.Errorf("set schedule active: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет deployment. Runs остаются в истории
// (снятие будущих scheduled runs — ответственность registry).
func (r *DeploymentRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete deployment: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// CountByWorkQueue возвращает число deployments, ссылающихся на очередь.
// Используется проверкой ссылочной целостности при удалении очереди.
func (r *DeploymentRepo) CountByWorkQueue(ctx context.Context, queueName string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM deployments WHERE work_queue_name = $1
	`, queueName).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count deployments by queue: %w", err)
	}
	return count, nil
}

// --- Helpers ---

// DeploymentFilter — параметры фильтрации deployments.
type DeploymentFilter struct {
	FlowID        *uuid.UUID
	WorkQueueName string
	Limit         int
	Offset        int
}

func (r *DeploymentRepo) collect(rows pgx.Rows) ([]domain.Deployment, error) {
	var deployments []domain.Deployment
	for rows.Next() {
		d, err := r.scanDeploymentFrom(rows)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *d)
	}
	return deployments, rows.Err()
}

func (r *DeploymentRepo) scanDeployment(row pgx.Row) (*domain.Deployment, error) {
	d, err := r.scanDeploymentFrom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return d, err
}

func (r *DeploymentRepo) scanDeploymentFrom(row pgx.Row) (*domain.Deployment, error) {
	var d domain.Deployment
	var description, workQueueName, storageRef *string
	var paramsJSON, schemaJSON, scheduleJSON, templateJSON, overridesJSON []byte

	err := row.Scan(
		&d.ID,
		&d.FlowID,
		&d.FlowName,
		&d.Name,
		&description,
		&d.Tags,
		&paramsJSON,
		&schemaJSON,
		&scheduleJSON,
		&d.IsScheduleActive,
		&workQueueName,
		&storageRef,
		&templateJSON,
		&overridesJSON,
		&d.LastMaterializedAt,
		&d.CreatedAt,
		&d.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan deployment: %w", err)
	}

	if description != nil {
		d.Description = *description
	}
	if workQueueName != nil {
		d.WorkQueueName = *workQueueName
	}
	if storageRef != nil {
		d.StorageRef = *storageRef
	}

	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &d.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if schemaJSON != nil {
		if err := json.Unmarshal(schemaJSON, &d.ParameterSchema); err != nil {
			return nil, fmt.Errorf("unmarshal parameter schema: %w", err)
		}
	}
	if scheduleJSON != nil {
		var spec domain.ScheduleSpec
		if err := json.Unmarshal(scheduleJSON, &spec); err != nil {
			return nil, fmt.Errorf("unmarshal schedule: %w", err)
		}
		if !spec.IsZero() {
			d.Schedule = &spec
		}
	}
	if templateJSON != nil {
		if err := json.Unmarshal(templateJSON, &d.InfraTemplate); err != nil {
			return nil, fmt.Errorf("unmarshal infra template: %w", err)
		}
	}
	if overridesJSON != nil {
		if err := json.Unmarshal(overridesJSON, &d.InfraOverrides); err != nil {
			return nil, fmt.Errorf("unmarshal infra overrides: %w", err)
		}
	}

	return &d, nil
}

// marshalSchedule сериализует расписание; отсутствующее хранится как NULL.
func marshalSchedule(spec *domain.ScheduleSpec) ([]byte, error) {
	if spec.IsZero() {
		return nil, nil
	}
	data, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal schedule: %w", err)
	}
	return data, nil
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}
