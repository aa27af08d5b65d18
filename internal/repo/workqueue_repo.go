package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Flowplane/internal/domain"
)

// workQueueColumns — общий список колонок для SELECT.
const workQueueColumns = `
	id, name, description, tag_filter, is_paused, concurrency_limit,
	created_at, updated_at
`

// WorkQueueRepo — репозиторий для работы с work queues.
type WorkQueueRepo struct {
	pool *pgxpool.Pool
}

// NewWorkQueueRepo создаёт новый WorkQueueRepo.
func NewWorkQueueRepo(pool *pgxpool.Pool) *WorkQueueRepo {
	return &WorkQueueRepo{pool: pool}
}

// Create создаёт очередь. Конфликт по имени → ErrAlreadyExists.
func (r *WorkQueueRepo) Create(ctx context.Context, q *domain.WorkQueue) error {
	query := `
		INSERT INTO work_queues (id, name, description, tag_filter, is_paused,
		                         concurrency_limit, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (name) DO NOTHING
	`
	result, err := r.pool.Exec(ctx, query,
		q.ID,
		q.Name,
		nullString(q.Description),
		q.TagFilter,
		q.IsPaused,
		q.ConcurrencyLimit,
		q.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert work queue: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrAlreadyExists
	}
	return nil
}

// GetOrCreate возвращает очередь по имени, создавая при необходимости.
// Очереди создаются неявно — при первой ссылке из deployment
// или при первом poll агента.
func (r *WorkQueueRepo) GetOrCreate(ctx context.Context, name string) (*domain.WorkQueue, error) {
	query := `
		INSERT INTO work_queues (id, name, is_paused, created_at, updated_at)
		VALUES ($1, $2, false, $3, $3)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING ` + workQueueColumns + `
	`
	return r.scanQueue(r.pool.QueryRow(ctx, query, uuid.New(), name, time.Now()))
}

// GetByName возвращает очередь по имени.
func (r *WorkQueueRepo) GetByName(ctx context.Context, name string) (*domain.WorkQueue, error) {
	query := `SELECT ` + workQueueColumns + ` FROM work_queues WHERE name = $1`
	return r.scanQueue(r.pool.QueryRow(ctx, query, name))
}

// List возвращает все очереди.
func (r *WorkQueueRepo) List(ctx context.Context, limit, offset int) ([]domain.WorkQueue, error) {
	query := `
		SELECT ` + workQueueColumns + `
		FROM work_queues
		ORDER BY name ASC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list work queues: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

// ListLegacy возвращает очереди с непустым legacy tag-фильтром.
// Кандидаты tag-маршрутизации.
func (r *WorkQueueRepo) ListLegacy(ctx context.Context) ([]domain.WorkQueue, error) {
	query := `
		SELECT ` + workQueueColumns + `
		FROM work_queues
		WHERE tag_filter IS NOT NULL AND array_length(tag_filter, 1) > 0
		ORDER BY name ASC
	`
	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list legacy work queues: %w", err)
	}
	defer rows.Close()

	return r.collect(rows)
}

// Update обновляет изменяемые поля очереди.
func (r *WorkQueueRepo) Update(ctx context.Context, q *domain.WorkQueue) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE work_queues
		SET description = $2, tag_filter = $3, is_paused = $4,
		    concurrency_limit = $5, updated_at = NOW()
		WHERE name = $1
	`,
		q.Name,
		nullString(q.Description),
		q.TagFilter,
		q.IsPaused,
		q.ConcurrencyLimit,
	)
	if err != nil {
		return fmt.Errorf("update work queue: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPaused приостанавливает/возобновляет выдачу runs из очереди.
func (r *WorkQueueRepo) SetPaused(ctx context.Context, name string, paused bool) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE work_queues SET is_paused = $2, updated_at = NOW() WHERE name = $1
	`, name, paused)
	if err != nil {
		return fmt.Errorf("set paused: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete удаляет очередь по имени.
// Ссылочную целостность (активные deployments) проверяет вызывающий.
func (r *WorkQueueRepo) Delete(ctx context.Context, name string) error {
	result, err := r.pool.Exec(ctx, `DELETE FROM work_queues WHERE name = $1`, name)
	if err != nil {
		return fmt.Errorf("delete work queue: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Helpers ---

func (r *WorkQueueRepo) collect(rows pgx.Rows) ([]domain.WorkQueue, error) {
	var queues []domain.WorkQueue
	for rows.Next() {
		q, err := r.scanQueueFrom(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, *q)
	}
	return queues, rows.Err()
}

func (r *WorkQueueRepo) scanQueue(row pgx.Row) (*domain.WorkQueue, error) {
	q, err := r.scanQueueFrom(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return q, err
}

func (r *WorkQueueRepo) scanQueueFrom(row pgx.Row) (*domain.WorkQueue, error) {
	var q domain.WorkQueue
	var description *string

	err := row.Scan(
		&q.ID,
		&q.Name,
		&description,
		&q.TagFilter,
		&q.IsPaused,
		&q.ConcurrencyLimit,
		&q.CreatedAt,
		&q.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan work queue: %w", err)
	}

	if description != nil {
		q.Description = *description
	}

	return &q, nil
}
