package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/shaiso/Flowplane/internal/domain"
	"github.com/shaiso/Flowplane/internal/repo"
)

// ListRuns возвращает список runs с фильтрацией.
// GET /api/v1/runs?deployment_id=...&flow_id=...&state=...&work_queue=...&limit=...&offset=...
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	filter := repo.FlowRunFilter{}

	if v := r.URL.Query().Get("deployment_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			BadRequest(w, "invalid deployment_id")
			return
		}
		filter.DeploymentID = &id
	}
	if v := r.URL.Query().Get("flow_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			BadRequest(w, "invalid flow_id")
			return
		}
		filter.FlowID = &id
	}
	filter.State = domain.RunState(r.URL.Query().Get("state"))
	filter.WorkQueueName = r.URL.Query().Get("work_queue")
	filter.Limit, filter.Offset = parsePagination(r, 50)

	runs, err := h.runRepo.List(r.Context(), filter)
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	result := make([]RunResponse, len(runs))
	for i, run := range runs {
		result[i] = RunFromDomain(run)
	}

	List(w, result, len(result))
}

// CreateRun создаёт ad-hoc run для deployment.
//
// Параметры запроса сливаются поверх defaults deployment. Run проходит
// ту же маршрутизацию, что и материализованные, но не участвует
// в дедупликации по (deployment_id, scheduled_start_time).
// POST /api/v1/deployments/{id}/runs
func (h *Handler) CreateRun(w http.ResponseWriter, r *http.Request) {
	deploymentID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid deployment id")
		return
	}

	var req CreateRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	d, err := h.registry.GetByID(r.Context(), deploymentID)
	if HandleServiceError(w, h.logger, err, "deployment not found") {
		return
	}

	// Параметры: defaults deployment + переопределения вызова
	params := make(map[string]any, len(d.Parameters)+len(req.Parameters))
	for k, v := range d.Parameters {
		params[k] = v
	}
	for k, v := range req.Parameters {
		params[k] = v
	}

	now := time.Now()
	startTime := now
	if req.ScheduledStartTime != nil {
		startTime = *req.ScheduledStartTime
	}

	assignment, err := h.router.Route(r.Context(), d)
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	run := &domain.FlowRun{
		ID:                 uuid.New(),
		DeploymentID:       &d.ID,
		FlowID:             d.FlowID,
		Parameters:         params,
		Tags:               d.Tags,
		State:              domain.RunStateScheduled,
		ScheduledStartTime: startTime,
		WorkQueueName:      assignment.WorkQueueName,
		AutoScheduled:      false,
		CreatedAt:          now,
	}

	if err := h.runRepo.Create(r.Context(), run); err != nil {
		InternalError(w, h.logger, err)
		return
	}
	if len(assignment.LegacyQueues) > 0 {
		if err := h.runRepo.InsertRoutes(r.Context(), run.ID, assignment.LegacyQueues); err != nil {
			InternalError(w, h.logger, err)
			return
		}
	}

	// Уведомление агентов — best-effort
	if h.publisher != nil {
		queues := assignment.LegacyQueues
		if assignment.WorkQueueName != "" {
			queues = []string{assignment.WorkQueueName}
		}
		for _, q := range queues {
			if err := h.publisher.PublishRunScheduled(r.Context(), run.ID, q, startTime); err != nil {
				h.logger.Warn("failed to publish run.scheduled", "run_id", run.ID, "error", err)
			}
		}
	}

	Created(w, RunFromDomain(*run))
}

// GetRun возвращает run по ID.
// GET /api/v1/runs/{id}
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	run, err := h.runRepo.GetByID(r.Context(), id)
	if HandleServiceError(w, h.logger, err, "run not found") {
		return
	}

	Success(w, RunFromDomain(*run))
}

// CancelRun отменяет run. Отмена идемпотентна; завершённый
// с другим исходом run отменить нельзя.
// POST /api/v1/runs/{id}/cancel
func (h *Handler) CancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	var req CancelRunRequest
	if r.Body != nil {
		// Тело опционально
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by user"
	}

	if err := h.dispatcher.Cancel(r.Context(), id, reason); HandleServiceError(w, h.logger, err, "run not found") {
		return
	}

	h.publishStateChange(r, id, string(domain.RunStateCancelled), reason)

	run, err := h.runRepo.GetByID(r.Context(), id)
	if HandleServiceError(w, h.logger, err, "run not found") {
		return
	}
	Success(w, RunFromDomain(*run))
}

// PollRuns выдаёт агенту runs из очереди под lease.
// POST /api/v1/work-queues/{name}/poll
func (h *Handler) PollRuns(w http.ResponseWriter, r *http.Request) {
	queueName := r.PathValue("name")

	var req PollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.AgentID == "" {
		BadRequest(w, "agent_id is required")
		return
	}

	runs, err := h.dispatcher.Poll(r.Context(), req.AgentID, queueName, req.Limit)
	if HandleServiceError(w, h.logger, err, "work queue not found") {
		return
	}

	// Ссылки на исходники берём из deployment. Кэш на время запроса:
	// runs одного deployment в одном batch — обычное дело.
	storageRefs := make(map[uuid.UUID]string)
	result := make([]ClaimedRunResponse, len(runs))
	for i, run := range runs {
		result[i] = ClaimedRunResponse{RunResponse: RunFromDomain(run)}
		if run.DeploymentID == nil {
			continue
		}
		ref, ok := storageRefs[*run.DeploymentID]
		if !ok {
			dep, derr := h.registry.GetByID(r.Context(), *run.DeploymentID)
			if derr != nil {
				h.logger.Warn("failed to load deployment for storage ref",
					"deployment_id", *run.DeploymentID, "error", derr)
				continue
			}
			ref = dep.StorageRef
			storageRefs[*run.DeploymentID] = ref
		}
		result[i].StorageRef = ref
	}

	List(w, result, len(result))
}

// ReportRunning принимает отчёт агента о старте выполнения.
// POST /api/v1/runs/{id}/report-running
func (h *Handler) ReportRunning(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	var req ReportRunningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.AgentID == "" {
		BadRequest(w, "agent_id is required")
		return
	}

	if err := h.dispatcher.ReportRunning(r.Context(), id, req.AgentID); HandleServiceError(w, h.logger, err, "run not found") {
		return
	}

	h.publishStateChange(r, id, string(domain.RunStateRunning), "")
	NoContent(w)
}

// ReportTerminal принимает финальный отчёт агента.
// POST /api/v1/runs/{id}/report-terminal
func (h *Handler) ReportTerminal(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		BadRequest(w, "invalid run id")
		return
	}

	var req ReportTerminalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.AgentID == "" {
		BadRequest(w, "agent_id is required")
		return
	}

	err = h.dispatcher.ReportTerminal(r.Context(), id, req.AgentID, domain.RunState(req.State), req.Reason)
	if HandleServiceError(w, h.logger, err, "run not found") {
		return
	}

	h.publishStateChange(r, id, req.State, req.Reason)
	NoContent(w)
}

// publishStateChange публикует событие смены состояния (best-effort).
func (h *Handler) publishStateChange(r *http.Request, runID uuid.UUID, state, reason string) {
	if h.publisher == nil {
		return
	}
	if err := h.publisher.PublishRunStateChanged(r.Context(), runID, state, reason); err != nil {
		h.logger.Warn("failed to publish run.state-changed",
			"run_id", runID, "state", state, "error", err)
	}
}
