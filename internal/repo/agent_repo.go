package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Flowplane/internal/domain"
)

// AgentRepo — репозиторий heartbeat-записей агентов.
//
// Агент эфемерен: heartbeat — единственное, что о нём хранится,
// и используется только для отображения liveness.
type AgentRepo struct {
	pool *pgxpool.Pool
}

// NewAgentRepo создаёт новый AgentRepo.
func NewAgentRepo(pool *pgxpool.Pool) *AgentRepo {
	return &AgentRepo{pool: pool}
}

// UpsertHeartbeat записывает heartbeat агента (last-writer-wins).
func (r *AgentRepo) UpsertHeartbeat(ctx context.Context, hb *domain.AgentHeartbeat) error {
	query := `
		INSERT INTO agent_heartbeats (agent_id, work_queues, last_seen_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (agent_id) DO UPDATE SET
			work_queues  = EXCLUDED.work_queues,
			last_seen_at = EXCLUDED.last_seen_at
	`
	_, err := r.pool.Exec(ctx, query, hb.AgentID, hb.WorkQueues, hb.LastSeenAt)
	if err != nil {
		return fmt.Errorf("upsert agent heartbeat: %w", err)
	}
	return nil
}

// List возвращает известные heartbeat-записи, свежие сверху.
func (r *AgentRepo) List(ctx context.Context, limit int) ([]domain.AgentHeartbeat, error) {
	query := `
		SELECT agent_id, work_queues, last_seen_at
		FROM agent_heartbeats
		ORDER BY last_seen_at DESC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list agent heartbeats: %w", err)
	}
	defer rows.Close()

	var beats []domain.AgentHeartbeat
	for rows.Next() {
		var hb domain.AgentHeartbeat
		if err := rows.Scan(&hb.AgentID, &hb.WorkQueues, &hb.LastSeenAt); err != nil {
			return nil, fmt.Errorf("scan agent heartbeat: %w", err)
		}
		beats = append(beats, hb)
	}
	return beats, rows.Err()
}
