package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/shaiso/Flowplane/internal/repo"
)

// ListFlows возвращает список flows.
// GET /api/v1/flows?limit=...&offset=...
func (h *Handler) ListFlows(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r, 50)

	flows, err := h.flowRepo.List(r.Context(), limit, offset)
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	result := make([]FlowResponse, len(flows))
	for i, f := range flows {
		result[i] = FlowFromDomain(f)
	}

	List(w, result, len(result))
}

// ListDeployments возвращает список deployments с фильтрацией.
// GET /api/v1/deployments?flow_id=...&work_queue=...&limit=...&offset=...
func (h *Handler) ListDeployments(w http.ResponseWriter, r *http.Request) {
	filter := repo.DeploymentFilter{}

	if flowIDStr := r.URL.Query().Get("flow_id"); flowIDStr != "" {
		flowID, err := uuid.Parse(flowIDStr)
		if err != nil {
			BadRequest(w, "invalid flow_id")
			return
		}
		filter.FlowID = &flowID
	}
	filter.WorkQueueName = r.URL.Query().Get("work_queue")
	filter.Limit, filter.Offset = parsePagination(r, 50)

	deployments, err := h.registry.List(r.Context(), filter)
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	List(w, deployments, len(deployments))
}

// UpsertDeployment создаёт или обновляет deployment по паре
// (flow_name, name). Несуществующий flow создаётся неявно.
// POST /api/v1/deployments
func (h *Handler) UpsertDeployment(w http.ResponseWriter, r *http.Request) {
	var req UpsertDeploymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	stored, err := h.registry.CreateOrUpdate(r.Context(), req.ToDomain())
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	Created(w, stored)
}

// GetDeployment возвращает deployment по ID.
// GET /api/v1/deployments/{id}
func (h *Handler) GetDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid deployment id")
		return
	}

	d, err := h.registry.GetByID(r.Context(), id)
	if HandleServiceError(w, h.logger, err, "deployment not found") {
		return
	}

	Success(w, d)
}

// GetDeploymentByName возвращает deployment по паре (flow, name).
// GET /api/v1/deployments/name/{flow}/{name}
func (h *Handler) GetDeploymentByName(w http.ResponseWriter, r *http.Request) {
	flowName := r.PathValue("flow")
	name := r.PathValue("name")
	if flowName == "" || name == "" {
		BadRequest(w, "flow and name are required")
		return
	}

	d, err := h.registry.Get(r.Context(), flowName, name)
	if HandleServiceError(w, h.logger, err, "deployment not found") {
		return
	}

	Success(w, d)
}

// DeleteDeployment удаляет deployment. Будущие scheduled runs
// отменяются, история выполнения сохраняется.
// DELETE /api/v1/deployments/{id}
func (h *Handler) DeleteDeployment(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid deployment id")
		return
	}

	if err := h.registry.Delete(r.Context(), id); HandleServiceError(w, h.logger, err, "deployment not found") {
		return
	}

	NoContent(w)
}

// SetScheduleActive включает/выключает расписание deployment.
// PUT /api/v1/deployments/{id}/schedule-active
func (h *Handler) SetScheduleActive(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid deployment id")
		return
	}

	var req SetScheduleActiveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if err := h.registry.SetScheduleActive(r.Context(), id, req.Active); HandleServiceError(w, h.logger, err, "deployment not found") {
		return
	}

	d, err := h.registry.GetByID(r.Context(), id)
	if HandleServiceError(w, h.logger, err, "deployment not found") {
		return
	}

	Success(w, d)
}

// parsePagination извлекает limit/offset из query-параметров.
func parsePagination(r *http.Request, defaultLimit int) (limit, offset int) {
	limit = defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
