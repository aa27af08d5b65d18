package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowplane/internal/domain"
)

// Flow DTOs

// FlowResponse — ответ с flow.
type FlowResponse struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// FlowFromDomain конвертирует domain.Flow в FlowResponse.
func FlowFromDomain(f domain.Flow) FlowResponse {
	return FlowResponse{
		ID:        f.ID,
		Name:      f.Name,
		CreatedAt: f.CreatedAt,
	}
}

// Deployment DTOs

// UpsertDeploymentRequest — запрос на создание/обновление deployment.
// Ключ upsert — пара (flow_name, name).
type UpsertDeploymentRequest struct {
	FlowName         string               `json:"flow_name"`
	Name             string               `json:"name"`
	Description      string               `json:"description,omitempty"`
	Tags             []string             `json:"tags,omitempty"`
	Parameters       map[string]any       `json:"parameters,omitempty"`
	ParameterSchema  map[string]any       `json:"parameter_schema,omitempty"`
	Schedule         *domain.ScheduleSpec `json:"schedule,omitempty"`
	IsScheduleActive bool                 `json:"is_schedule_active"`
	WorkQueueName    string               `json:"work_queue_name,omitempty"`
	StorageRef       string               `json:"storage_ref,omitempty"`
	InfraTemplate    map[string]any       `json:"infra_template,omitempty"`
	InfraOverrides   map[string]any       `json:"infra_overrides,omitempty"`
}

// ToDomain конвертирует запрос в domain.Deployment.
func (r *UpsertDeploymentRequest) ToDomain() *domain.Deployment {
	return &domain.Deployment{
		FlowName:         r.FlowName,
		Name:             r.Name,
		Description:      r.Description,
		Tags:             r.Tags,
		Parameters:       r.Parameters,
		ParameterSchema:  r.ParameterSchema,
		Schedule:         r.Schedule,
		IsScheduleActive: r.IsScheduleActive,
		WorkQueueName:    r.WorkQueueName,
		StorageRef:       r.StorageRef,
		InfraTemplate:    r.InfraTemplate,
		InfraOverrides:   r.InfraOverrides,
	}
}

// SetScheduleActiveRequest — запрос включения/выключения расписания.
type SetScheduleActiveRequest struct {
	Active bool `json:"active"`
}

// Run DTOs

// CreateRunRequest — запрос на ad-hoc запуск deployment.
type CreateRunRequest struct {
	// Parameters — переопределения параметров поверх defaults deployment.
	Parameters map[string]any `json:"parameters,omitempty"`

	// ScheduledStartTime — желаемое время старта. Nil — немедленно.
	ScheduledStartTime *time.Time `json:"scheduled_start_time,omitempty"`
}

// CancelRunRequest — запрос на отмену run.
type CancelRunRequest struct {
	Reason string `json:"reason,omitempty"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID                 uuid.UUID      `json:"id"`
	DeploymentID       *uuid.UUID     `json:"deployment_id,omitempty"`
	FlowID             uuid.UUID      `json:"flow_id"`
	Parameters         map[string]any `json:"parameters,omitempty"`
	Tags               []string       `json:"tags,omitempty"`
	State              string         `json:"state"`
	StateReason        string         `json:"state_reason,omitempty"`
	ScheduledStartTime time.Time      `json:"scheduled_start_time"`
	WorkQueueName      string         `json:"work_queue_name,omitempty"`
	InfraDocument      map[string]any `json:"infra_document,omitempty"`
	RequeueCount       int            `json:"requeue_count,omitempty"`
	AutoScheduled      bool           `json:"auto_scheduled"`
	StartedAt          *time.Time     `json:"started_at,omitempty"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty"`
	CreatedAt          time.Time      `json:"created_at"`
}

// RunFromDomain конвертирует domain.FlowRun в RunResponse.
func RunFromDomain(r domain.FlowRun) RunResponse {
	return RunResponse{
		ID:                 r.ID,
		DeploymentID:       r.DeploymentID,
		FlowID:             r.FlowID,
		Parameters:         r.Parameters,
		Tags:               r.Tags,
		State:              string(r.State),
		StateReason:        r.StateReason,
		ScheduledStartTime: r.ScheduledStartTime,
		WorkQueueName:      r.WorkQueueName,
		InfraDocument:      r.InfraDocument,
		RequeueCount:       r.RequeueCount,
		AutoScheduled:      r.AutoScheduled,
		StartedAt:          r.StartedAt,
		FinishedAt:         r.FinishedAt,
		CreatedAt:          r.CreatedAt,
	}
}

// Протокол агентов DTOs

// PollRequest — запрос агента на выдачу runs из очереди.
type PollRequest struct {
	AgentID string `json:"agent_id"`
	Limit   int    `json:"limit,omitempty"`
}

// ClaimedRunResponse — run, выданный агенту при poll. Дополняет
// RunResponse ссылкой на блок хранения исходников flow.
type ClaimedRunResponse struct {
	RunResponse
	StorageRef string `json:"storage_ref,omitempty"`
}

// ReportRunningRequest — отчёт о старте выполнения.
type ReportRunningRequest struct {
	AgentID string `json:"agent_id"`
}

// ReportTerminalRequest — финальный отчёт агента.
type ReportTerminalRequest struct {
	AgentID string `json:"agent_id"`
	State   string `json:"state"`
	Reason  string `json:"reason,omitempty"`
}

// HeartbeatRequest — heartbeat агента.
type HeartbeatRequest struct {
	AgentID    string   `json:"agent_id"`
	WorkQueues []string `json:"work_queues,omitempty"`
}

// AgentResponse — ответ с зарегистрированным агентом.
type AgentResponse struct {
	AgentID    string    `json:"agent_id"`
	WorkQueues []string  `json:"work_queues,omitempty"`
	LastSeenAt time.Time `json:"last_seen_at"`
}

// AgentFromDomain конвертирует domain.AgentHeartbeat в AgentResponse.
func AgentFromDomain(a domain.AgentHeartbeat) AgentResponse {
	return AgentResponse{
		AgentID:    a.AgentID,
		WorkQueues: a.WorkQueues,
		LastSeenAt: a.LastSeenAt,
	}
}

// WorkQueue DTOs

// WorkQueueRequest — запрос на создание/обновление очереди.
type WorkQueueRequest struct {
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	TagFilter        []string `json:"tag_filter,omitempty"`
	ConcurrencyLimit *int     `json:"concurrency_limit,omitempty"`
}

// SetPausedRequest — запрос на паузу/возобновление очереди.
type SetPausedRequest struct {
	Paused bool `json:"paused"`
}

// WorkQueueResponse — ответ с очередью.
type WorkQueueResponse struct {
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	TagFilter        []string  `json:"tag_filter,omitempty"`
	IsPaused         bool      `json:"is_paused"`
	ConcurrencyLimit *int      `json:"concurrency_limit,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// WorkQueueFromDomain конвертирует domain.WorkQueue в WorkQueueResponse.
func WorkQueueFromDomain(q domain.WorkQueue) WorkQueueResponse {
	return WorkQueueResponse{
		Name:             q.Name,
		Description:      q.Description,
		TagFilter:        q.TagFilter,
		IsPaused:         q.IsPaused,
		ConcurrencyLimit: q.ConcurrencyLimit,
		CreatedAt:        q.CreatedAt,
	}
}
