package domain

import "time"

// AgentHeartbeat — запись о живости агента.
//
// Агент — эфемерный процесс, известный системе только через протокол
// polling. Heartbeat — единственное, что о нём персистится,
// и используется исключительно для отображения liveness.
type AgentHeartbeat struct {
	// AgentID — идентификатор экземпляра процесса агента.
	AgentID string `json:"agent_id"`

	// WorkQueues — очереди, которые агент опрашивает.
	WorkQueues []string `json:"work_queues,omitempty"`

	// LastSeenAt — время последнего heartbeat.
	LastSeenAt time.Time `json:"last_seen_at"`
}
