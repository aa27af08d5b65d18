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

// FlowRepo — репозиторий для работы с flows.
type FlowRepo struct {
	pool *pgxpool.Pool
}

// NewFlowRepo создаёт новый FlowRepo.
func NewFlowRepo(pool *pgxpool.Pool) *FlowRepo {
	return &FlowRepo{pool: pool}
}

// GetOrCreate возвращает flow по имени, создавая при необходимости.
// Идентичность flow — имя; повторная регистрация не меняет запись.
func (r *FlowRepo) GetOrCreate(ctx context.Context, name string) (*domain.Flow, error) {
	// ON CONFLICT DO UPDATE с no-op присвоением, чтобы RETURNING
	// сработал и для уже существующей строки.
	query := `
		INSERT INTO flows (id, name, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE SET name = EXCLUDED.name
		RETURNING id, name, created_at
	`
	var flow domain.Flow
	err := r.pool.QueryRow(ctx, query, uuid.New(), name, time.Now()).Scan(
		&flow.ID,
		&flow.Name,
		&flow.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get or create flow: %w", err)
	}
	return &flow, nil
}

// GetByName возвращает flow по имени.
func (r *FlowRepo) GetByName(ctx context.Context, name string) (*domain.Flow, error) {
	query := `SELECT id, name, created_at FROM flows WHERE name = $1`
	return r.scanFlow(r.pool.QueryRow(ctx, query, name))
}

// GetByID возвращает flow по ID.
func (r *FlowRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Flow, error) {
	query := `SELECT id, name, created_at FROM flows WHERE id = $1`
	return r.scanFlow(r.pool.QueryRow(ctx, query, id))
}

// List возвращает список flows.
func (r *FlowRepo) List(ctx context.Context, limit, offset int) ([]domain.Flow, error) {
	query := `
		SELECT id, name, created_at
		FROM flows
		ORDER BY name ASC
		LIMIT $1 OFFSET $2
	`
	rows, err := r.pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list flows: %w", err)
	}
	defer rows.Close()

	var flows []domain.Flow
	for rows.Next() {
		var flow domain.Flow
		if err := rows.Scan(&flow.ID, &flow.Name, &flow.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan flow: %w", err)
		}
		flows = append(flows, flow)
	}
	return flows, rows.Err()
}

func (r *FlowRepo) scanFlow(row pgx.Row) (*domain.Flow, error) {
	var flow domain.Flow
	err := row.Scan(&flow.ID, &flow.Name, &flow.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan flow: %w", err)
	}
	return &flow, nil
}
