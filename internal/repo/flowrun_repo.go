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

// flowRunColumns — общий список колонок для SELECT.
const flowRunColumns = `
	id, deployment_id, flow_id, parameters, tags, state, state_reason,
	scheduled_start_time, work_queue_name, infra_document, lease_holder,
	lease_expiry, requeue_count, auto_scheduled, started_at, finished_at,
	created_at, updated_at
`

// FlowRunRepo — репозиторий для работы с flow runs.
//
// Все переходы состояний — одиночные условные UPDATE по одной строке
// (compare-and-swap по полю state): проигравший конкурент видит ноль строк.
type FlowRunRepo struct {
	pool *pgxpool.Pool
}

// NewFlowRunRepo создаёт новый FlowRunRepo.
func NewFlowRunRepo(pool *pgxpool.Pool) *FlowRunRepo {
	return &FlowRunRepo{pool: pool}
}

// Create создаёт ad-hoc run (без дедупликации по расписанию).
func (r *FlowRunRepo) Create(ctx context.Context, run *domain.FlowRun) error {
	paramsJSON, err := json.Marshal(run.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	query := `
		INSERT INTO flow_runs (id, deployment_id, flow_id, parameters, tags, state,
		                       scheduled_start_time, work_queue_name, auto_scheduled,
		                       created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		nullUUID(run.DeploymentID),
		run.FlowID,
		paramsJSON,
		run.Tags,
		run.State,
		run.ScheduledStartTime,
		nullString(run.WorkQueueName),
		run.AutoScheduled,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert flow run: %w", err)
	}
	return nil
}

// CreateScheduled создаёт материализованный run идемпотентно.
//
// Естественный ключ дедупликации — (deployment_id, scheduled_start_time):
// повторная материализация того же окна (в том числе из другой реплики)
// не создаёт дубликат. Возвращает true, если строка вставлена.
func (r *FlowRunRepo) CreateScheduled(ctx context.Context, run *domain.FlowRun) (bool, error) {
	paramsJSON, err := json.Marshal(run.Parameters)
	if err != nil {
		return false, fmt.Errorf("marshal parameters: %w", err)
	}

	query := `
		INSERT INTO flow_runs (id, deployment_id, flow_id, parameters, tags, state,
		                       scheduled_start_time, work_queue_name, auto_scheduled,
		                       created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, true, $9, $9)
		ON CONFLICT (deployment_id, scheduled_start_time) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query,
		run.ID,
		nullUUID(run.DeploymentID),
		run.FlowID,
		paramsJSON,
		run.Tags,
		domain.RunStateScheduled,
		run.ScheduledStartTime,
		nullString(run.WorkQueueName),
		run.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert scheduled flow run: %w", err)
	}
	return result.RowsAffected() > 0, nil
}

// InsertRoutes создаёт legacy routing-записи: по одной на очередь,
// совпавшую по тегам. Запись — лёгкий индекс видимости, сам run один.
func (r *FlowRunRepo) InsertRoutes(ctx context.Context, runID uuid.UUID, queues []string) error {
	for _, queue := range queues {
		_, err := r.pool.Exec(ctx, `
			INSERT INTO run_routes (run_id, queue_name)
			VALUES ($1, $2)
			ON CONFLICT (run_id, queue_name) DO NOTHING
		`, runID, queue)
		if err != nil {
			return fmt.Errorf("insert run route %s/%s: %w", runID, queue, err)
		}
	}
	return nil
}

// GetByID возвращает run по ID.
func (r *FlowRunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.FlowRun, error) {
	query := `SELECT ` + flowRunColumns + ` FROM flow_runs WHERE id = $1`
	run, err := scanFlowRun(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return run, err
}

// List возвращает список runs с фильтрацией.
func (r *FlowRunRepo) List(ctx context.Context, filter FlowRunFilter) ([]domain.FlowRun, error) {
	query := `
		SELECT ` + flowRunColumns + `
		FROM flow_runs
		WHERE ($1::uuid IS NULL OR deployment_id = $1)
		  AND ($2::uuid IS NULL OR flow_id = $2)
		  AND ($3::text IS NULL OR state = $3)
		  AND ($4::text IS NULL OR work_queue_name = $4)
		ORDER BY scheduled_start_time DESC
		LIMIT $5 OFFSET $6
	`
	rows, err := r.pool.Query(ctx, query,
		nullUUID(filter.DeploymentID),
		nullUUID(filter.FlowID),
		nullString(string(filter.State)),
		nullString(filter.WorkQueueName),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list flow runs: %w", err)
	}
	defer rows.Close()

	return collectFlowRuns(rows)
}

// Claim атомарно забирает до limit eligible runs очереди.
//
// Это ключевой CAS протокола lease: выборка и переход SCHEDULED/LATE →
// PENDING выполняются одним UPDATE. FOR UPDATE SKIP LOCKED исключает
// выдачу одной строки двум конкурентным poller'ам, условие по state
// в UPDATE — страховка от гонки между выборкой и обновлением.
//
// Видимость run в очереди — либо его собственный work_queue_name, либо
// legacy routing-запись. Оба пути читают одну строку состояния, поэтому
// claim через любую очередь мгновенно гасит видимость во всех остальных.
func (r *FlowRunRepo) Claim(ctx context.Context, queue string, before time.Time, limit int, holder string, leaseExpiry time.Time) ([]domain.FlowRun, error) {
	query := `
		WITH eligible AS (
			SELECT id
			FROM flow_runs
			WHERE state IN ('SCHEDULED', 'LATE')
			  AND scheduled_start_time <= $2
			  AND (work_queue_name = $1
			       OR id IN (SELECT run_id FROM run_routes WHERE queue_name = $1))
			ORDER BY scheduled_start_time ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE flow_runs r
		SET state = 'PENDING',
		    lease_holder = $4,
		    lease_expiry = $5,
		    updated_at = NOW()
		FROM eligible e
		WHERE r.id = e.id
		  AND r.state IN ('SCHEDULED', 'LATE')
		RETURNING ` + prefixColumns("r") + `
	`
	rows, err := r.pool.Query(ctx, query, queue, before, limit, holder, leaseExpiry)
	if err != nil {
		return nil, fmt.Errorf("claim runs: %w", err)
	}
	defer rows.Close()

	return collectFlowRuns(rows)
}

// SetInfraDocument сохраняет инфраструктурный документ, разрешённый при claim.
func (r *FlowRunRepo) SetInfraDocument(ctx context.Context, id uuid.UUID, doc map[string]any) error {
	docJSON, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal infra document: %w", err)
	}

	result, err := r.pool.Exec(ctx, `
		UPDATE flow_runs SET infra_document = $2, updated_at = NOW() WHERE id = $1
	`, id, docJSON)
	if err != nil {
		return fmt.Errorf("set infra document: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionRunning переводит PENDING → RUNNING для держателя lease.
// Возвращает число затронутых строк: 0 — CAS проигран, причину
// классифицирует вызывающий по текущему состоянию строки.
func (r *FlowRunRepo) TransitionRunning(ctx context.Context, id uuid.UUID, holder string, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE flow_runs
		SET state = 'RUNNING', started_at = $3, updated_at = $3
		WHERE id = $1
		  AND state = 'PENDING'
		  AND lease_holder = $2
		  AND lease_expiry > $3
	`, id, holder, now)
	if err != nil {
		return 0, fmt.Errorf("transition running: %w", err)
	}
	return result.RowsAffected(), nil
}

// TransitionTerminal переводит RUNNING → финальное состояние для держателя lease.
func (r *FlowRunRepo) TransitionTerminal(ctx context.Context, id uuid.UUID, holder string, state domain.RunState, reason string, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE flow_runs
		SET state = $3, state_reason = $4, finished_at = $5,
		    lease_holder = NULL, lease_expiry = NULL, updated_at = $5
		WHERE id = $1
		  AND state = 'RUNNING'
		  AND lease_holder = $2
	`, id, holder, state, nullString(reason), now)
	if err != nil {
		return 0, fmt.Errorf("transition terminal: %w", err)
	}
	return result.RowsAffected(), nil
}

// TransitionTerminalFromPending фиксирует FAILED/CANCELLED из PENDING
// для держателя lease: запуск не состоялся либо отменён до старта.
// Условие по holder закрывает гонку с requeue-sweep'ом: run, успевший
// вернуться в очередь и уйти другому агенту, затронут не будет.
func (r *FlowRunRepo) TransitionTerminalFromPending(ctx context.Context, id uuid.UUID, holder string, state domain.RunState, reason string, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE flow_runs
		SET state = $3, state_reason = $4, finished_at = $5,
		    lease_holder = NULL, lease_expiry = NULL, updated_at = $5
		WHERE id = $1
		  AND state = 'PENDING'
		  AND lease_holder = $2
	`, id, holder, state, nullString(reason), now)
	if err != nil {
		return 0, fmt.Errorf("transition terminal from pending: %w", err)
	}
	return result.RowsAffected(), nil
}

// TransitionFailed переводит нефинальный run в FAILED без проверки lease.
// Используется для ошибок резолва инфраструктуры (PENDING → FAILED).
func (r *FlowRunRepo) TransitionFailed(ctx context.Context, id uuid.UUID, reason string, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE flow_runs
		SET state = 'FAILED', state_reason = $2, finished_at = $3,
		    lease_holder = NULL, lease_expiry = NULL, updated_at = $3
		WHERE id = $1
		  AND state NOT IN ('COMPLETED', 'FAILED', 'CRASHED', 'CANCELLED')
	`, id, nullString(reason), now)
	if err != nil {
		return 0, fmt.Errorf("transition failed: %w", err)
	}
	return result.RowsAffected(), nil
}

// Cancel переводит нефинальный run в CANCELLED и гасит lease:
// отчёт от устаревшего держателя после этого отклоняется как stale.
func (r *FlowRunRepo) Cancel(ctx context.Context, id uuid.UUID, reason string, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE flow_runs
		SET state = 'CANCELLED', state_reason = $2, finished_at = $3,
		    lease_holder = NULL, lease_expiry = NULL, updated_at = $3
		WHERE id = $1
		  AND state NOT IN ('COMPLETED', 'FAILED', 'CRASHED', 'CANCELLED')
	`, id, nullString(reason), now)
	if err != nil {
		return 0, fmt.Errorf("cancel run: %w", err)
	}
	return result.RowsAffected(), nil
}

// CancelScheduledByDeployment снимает ещё не забранные scheduled runs
// deployment'а. Вызывается при удалении deployment: будущие запуски
// не остаются бесхозными, история сохраняется.
func (r *FlowRunRepo) CancelScheduledByDeployment(ctx context.Context, deploymentID uuid.UUID, reason string, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE flow_runs
		SET state = 'CANCELLED', state_reason = $2, finished_at = $3, updated_at = $3
		WHERE deployment_id = $1
		  AND state IN ('SCHEDULED', 'LATE')
	`, deploymentID, nullString(reason), now)
	if err != nil {
		return 0, fmt.Errorf("cancel scheduled runs: %w", err)
	}
	return result.RowsAffected(), nil
}

// MarkLate помечает просроченные scheduled runs маркером LATE.
// Маркер наблюдаемости: eligible для claim run остаётся.
func (r *FlowRunRepo) MarkLate(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `
		UPDATE flow_runs
		SET state = 'LATE', updated_at = $1
		WHERE state = 'SCHEDULED'
		  AND scheduled_start_time < $1
	`, now)
	if err != nil {
		return 0, fmt.Errorf("mark late: %w", err)
	}
	return result.RowsAffected(), nil
}

// RequeueExpired возвращает PENDING runs с истёкшим lease обратно
// в SCHEDULED (с инкрементом requeue_count). maxExpiries-е подряд
// истечение фиксирует CRASHED: requeue_count считает уже истёкшие
// lease, поэтому сравнивается requeue_count + 1.
// Два условных UPDATE, каждый — CAS.
func (r *FlowRunRepo) RequeueExpired(ctx context.Context, now time.Time, maxExpiries int) (requeued, crashed []uuid.UUID, err error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE flow_runs
		SET state = 'SCHEDULED', lease_holder = NULL, lease_expiry = NULL,
		    requeue_count = requeue_count + 1, updated_at = $1
		WHERE state = 'PENDING'
		  AND lease_expiry <= $1
		  AND requeue_count + 1 < $2
		RETURNING id
	`, now, maxExpiries)
	if err != nil {
		return nil, nil, fmt.Errorf("requeue expired leases: %w", err)
	}
	requeued, err = collectIDs(rows)
	if err != nil {
		return nil, nil, err
	}

	rows, err = r.pool.Query(ctx, `
		UPDATE flow_runs
		SET state = 'CRASHED', state_reason = 'lease expiry limit reached',
		    lease_holder = NULL, lease_expiry = NULL, finished_at = $1, updated_at = $1
		WHERE state = 'PENDING'
		  AND lease_expiry <= $1
		  AND requeue_count + 1 >= $2
		RETURNING id
	`, now, maxExpiries)
	if err != nil {
		return nil, nil, fmt.Errorf("crash expired leases: %w", err)
	}
	crashed, err = collectIDs(rows)
	if err != nil {
		return nil, nil, err
	}

	return requeued, crashed, nil
}

// CountRunning возвращает число выполняющихся runs очереди.
// Admission-control для concurrency limit при poll.
func (r *FlowRunRepo) CountRunning(ctx context.Context, queue string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM flow_runs
		WHERE state = 'RUNNING'
		  AND (work_queue_name = $1
		       OR id IN (SELECT run_id FROM run_routes WHERE queue_name = $1))
	`, queue).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count running: %w", err)
	}
	return count, nil
}

// --- Helpers ---

// FlowRunFilter — параметры фильтрации flow runs.
type FlowRunFilter struct {
	DeploymentID  *uuid.UUID
	FlowID        *uuid.UUID
	State         domain.RunState
	WorkQueueName string
	Limit         int
	Offset        int
}

// prefixColumns добавляет алиас таблицы к списку колонок
// (для RETURNING с FROM-join).
func prefixColumns(alias string) string {
	return alias + `.id, ` + alias + `.deployment_id, ` + alias + `.flow_id, ` +
		alias + `.parameters, ` + alias + `.tags, ` + alias + `.state, ` +
		alias + `.state_reason, ` + alias + `.scheduled_start_time, ` +
		alias + `.work_queue_name, ` + alias + `.infra_document, ` +
		alias + `.lease_holder, ` + alias + `.lease_expiry, ` +
		alias + `.requeue_count, ` + alias + `.auto_scheduled, ` +
		alias + `.started_at, ` + alias + `.finished_at, ` +
		alias + `.created_at, ` + alias + `.updated_at`
}

func collectFlowRuns(rows pgx.Rows) ([]domain.FlowRun, error) {
	var runs []domain.FlowRun
	for rows.Next() {
		run, err := scanFlowRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

func collectIDs(rows pgx.Rows) ([]uuid.UUID, error) {
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanFlowRun(row pgx.Row) (*domain.FlowRun, error) {
	var run domain.FlowRun
	var stateReason, workQueueName, leaseHolder *string
	var paramsJSON, infraJSON []byte

	err := row.Scan(
		&run.ID,
		&run.DeploymentID,
		&run.FlowID,
		&paramsJSON,
		&run.Tags,
		&run.State,
		&stateReason,
		&run.ScheduledStartTime,
		&workQueueName,
		&infraJSON,
		&leaseHolder,
		&run.LeaseExpiry,
		&run.RequeueCount,
		&run.AutoScheduled,
		&run.StartedAt,
		&run.FinishedAt,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan flow run: %w", err)
	}

	if stateReason != nil {
		run.StateReason = *stateReason
	}
	if workQueueName != nil {
		run.WorkQueueName = *workQueueName
	}
	if leaseHolder != nil {
		run.LeaseHolder = *leaseHolder
	}

	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &run.Parameters); err != nil {
			return nil, fmt.Errorf("unmarshal parameters: %w", err)
		}
	}
	if infraJSON != nil {
		if err := json.Unmarshal(infraJSON, &run.InfraDocument); err != nil {
			return nil, fmt.Errorf("unmarshal infra document: %w", err)
		}
	}

	return &run, nil
}
