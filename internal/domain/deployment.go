package domain

import (
	"time"

	"github.com/google/uuid"
)

// Deployment — именованная привязка flow к конфигурации запуска.
//
// Deployment определяет:
//   - какой flow запускать и с какими параметрами;
//   - расписание (interval/cron/rrule) и его активность;
//   - в какую work queue направлять созданные runs;
//   - шаблон инфраструктуры и overrides для исполнения.
//
// Уникальность — пара (flow name, deployment name). Обновление по той же
// паре заменяет определение, но сохраняет ID, CreatedAt и историю runs.
type Deployment struct {
	// ID — уникальный идентификатор deployment.
	ID uuid.UUID `json:"id"`

	// FlowID — ссылка на flow.
	FlowID uuid.UUID `json:"flow_id"`

	// FlowName — имя flow (денормализовано для удобства клиентов).
	FlowName string `json:"flow_name"`

	// Name — имя deployment, уникально в пределах flow.
	Name string `json:"name"`

	// Description — описание назначения deployment.
	Description string `json:"description,omitempty"`

	// Tags — теги deployment. Наследуются созданными runs
	// и участвуют в legacy tag-маршрутизации.
	Tags []string `json:"tags,omitempty"`

	// Parameters — параметры по умолчанию для создаваемых runs.
	Parameters map[string]any `json:"parameters,omitempty"`

	// ParameterSchema — структурное описание принимаемых параметров.
	// Хранится как opaque-документ, ядро его не интерпретирует.
	ParameterSchema map[string]any `json:"parameter_schema,omitempty"`

	// Schedule — расписание. Nil — запуски только ad-hoc.
	Schedule *ScheduleSpec `json:"schedule,omitempty"`

	// IsScheduleActive — флаг активности расписания.
	// При false материализатор не создаёт новые runs.
	IsScheduleActive bool `json:"is_schedule_active"`

	// WorkQueueName — явная очередь для созданных runs.
	// Пустая строка — legacy-маршрутизация по пересечению тегов.
	WorkQueueName string `json:"work_queue_name,omitempty"`

	// StorageRef — ссылка на блок хранения исходников flow.
	// Передаётся агенту как opaque-ссылка для fetch_flow_source.
	StorageRef string `json:"storage_ref,omitempty"`

	// InfraTemplate — шаблон инфраструктурного документа.
	InfraTemplate map[string]any `json:"infra_template,omitempty"`

	// InfraOverrides — переопределения шаблона: dot-путь → значение.
	// Например, "env.MY_VAR" → "value".
	InfraOverrides map[string]any `json:"infra_overrides,omitempty"`

	// LastMaterializedAt — верхняя граница уже материализованного окна.
	// Якорь следующего вызова генератора расписаний.
	LastMaterializedAt *time.Time `json:"last_materialized_at,omitempty"`

	// CreatedAt — время создания deployment.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt — время последнего обновления определения.
	UpdatedAt time.Time `json:"updated_at"`
}

// HasActiveSchedule возвращает true, если deployment должен материализоваться.
func (d *Deployment) HasActiveSchedule() bool {
	return d.IsScheduleActive && !d.Schedule.IsZero()
}

// UsesLegacyRouting возвращает true, если runs маршрутизируются
// по пересечению тегов, а не по явному имени очереди.
func (d *Deployment) UsesLegacyRouting() bool {
	return d.WorkQueueName == ""
}
