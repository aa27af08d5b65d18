package domain

import (
	"time"

	"github.com/google/uuid"
)

// FlowRun — один запланированный или ad-hoc запуск flow.
//
// FlowRun создаётся:
//   - материализатором по расписанию deployment;
//   - явным вызовом API (ad-hoc, DeploymentID может быть nil).
//
// Владение полем State переходит вместе с lease: после claim им
// распоряжается агент-держатель, после истечения lease или финального
// состояния — снова control plane.
type FlowRun struct {
	// ID — уникальный идентификатор run.
	ID uuid.UUID `json:"id"`

	// DeploymentID — ссылка на deployment. Nil для ad-hoc запусков.
	DeploymentID *uuid.UUID `json:"deployment_id,omitempty"`

	// FlowID — ссылка на flow.
	FlowID uuid.UUID `json:"flow_id"`

	// Parameters — параметры запуска: defaults deployment,
	// поверх которых слиты overrides вызова.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Tags — теги run (унаследованы от deployment).
	Tags []string `json:"tags,omitempty"`

	// State — текущее состояние (см. RunState).
	State RunState `json:"state"`

	// StateReason — причина последнего перехода (текст ошибки для FAILED и т.п.).
	StateReason string `json:"state_reason,omitempty"`

	// ScheduledStartTime — запланированное время старта.
	// Вместе с DeploymentID образует естественный ключ дедупликации.
	ScheduledStartTime time.Time `json:"scheduled_start_time"`

	// WorkQueueName — очередь, вычисленная при материализации.
	// Неизменна после создания, даже если очередь deployment поменялась.
	// Пустая строка — видимость задаётся legacy routing-записями.
	WorkQueueName string `json:"work_queue_name,omitempty"`

	// InfraDocument — инфраструктурный документ, разрешённый при claim.
	InfraDocument map[string]any `json:"infra_document,omitempty"`

	// LeaseHolder — идентификатор агента-держателя lease. Пустая строка — нет.
	LeaseHolder string `json:"lease_holder,omitempty"`

	// LeaseExpiry — срок действия lease.
	LeaseExpiry *time.Time `json:"lease_expiry,omitempty"`

	// RequeueCount — сколько раз run возвращался в SCHEDULED
	// по истечении lease. При превышении лимита run становится CRASHED.
	RequeueCount int `json:"requeue_count,omitempty"`

	// AutoScheduled — true, если run создан материализатором.
	AutoScheduled bool `json:"auto_scheduled"`

	// StartedAt — время перехода в RUNNING.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// FinishedAt — время достижения финального состояния.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// CreatedAt — время создания run.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего изменения.
	UpdatedAt time.Time `json:"updated_at"`
}

// IsFinished возвращает true, если run в финальном состоянии.
func (r *FlowRun) IsFinished() bool {
	return r.State.IsTerminal()
}

// LeaseValid проверяет, действует ли lease в момент now.
func (r *FlowRun) LeaseValid(now time.Time) bool {
	return r.LeaseHolder != "" && r.LeaseExpiry != nil && now.Before(*r.LeaseExpiry)
}

// HeldBy проверяет, держит ли lease указанный агент.
func (r *FlowRun) HeldBy(agentID string, now time.Time) bool {
	return r.LeaseValid(now) && r.LeaseHolder == agentID
}

// MarkRunning переводит run в RUNNING.
func (r *FlowRun) MarkRunning(now time.Time) {
	r.State = RunStateRunning
	r.StartedAt = &now
	r.UpdatedAt = now
}

// MarkTerminal переводит run в финальное состояние с причиной.
func (r *FlowRun) MarkTerminal(state RunState, reason string, now time.Time) {
	r.State = state
	r.StateReason = reason
	r.FinishedAt = &now
	r.LeaseHolder = ""
	r.LeaseExpiry = nil
	r.UpdatedAt = now
}

// Duration возвращает продолжительность выполнения.
// Возвращает 0, если run ещё не завершён.
func (r *FlowRun) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}
