package api

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// AgentHeartbeat регистрирует heartbeat агента.
// POST /api/v1/agents/heartbeat
func (h *Handler) AgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.AgentID == "" {
		BadRequest(w, "agent_id is required")
		return
	}

	if err := h.dispatcher.Heartbeat(r.Context(), req.AgentID, req.WorkQueues); err != nil {
		InternalError(w, h.logger, err)
		return
	}

	NoContent(w)
}

// ListAgents возвращает зарегистрированных агентов.
// GET /api/v1/agents?limit=...
func (h *Handler) ListAgents(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	agents, err := h.agentRepo.List(r.Context(), limit)
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	result := make([]AgentResponse, len(agents))
	for i, a := range agents {
		result[i] = AgentFromDomain(a)
	}

	List(w, result, len(result))
}
