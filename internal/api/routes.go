package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Logging(h.logger),
	)

	// Flows (создаются неявно при регистрации deployment)
	mux.Handle("GET /api/v1/flows", chain(http.HandlerFunc(h.ListFlows)))

	// Deployments
	mux.Handle("GET /api/v1/deployments", chain(http.HandlerFunc(h.ListDeployments)))
	mux.Handle("POST /api/v1/deployments", chain(http.HandlerFunc(h.UpsertDeployment)))
	mux.Handle("GET /api/v1/deployments/{id}", chain(http.HandlerFunc(h.GetDeployment)))
	mux.Handle("DELETE /api/v1/deployments/{id}", chain(http.HandlerFunc(h.DeleteDeployment)))
	mux.Handle("GET /api/v1/deployments/name/{flow}/{name}", chain(http.HandlerFunc(h.GetDeploymentByName)))
	mux.Handle("PUT /api/v1/deployments/{id}/schedule-active", chain(http.HandlerFunc(h.SetScheduleActive)))
	mux.Handle("POST /api/v1/deployments/{id}/runs", chain(http.HandlerFunc(h.CreateRun)))

	// Runs
	mux.Handle("GET /api/v1/runs", chain(http.HandlerFunc(h.ListRuns)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))

	// Протокол агентов
	mux.Handle("POST /api/v1/work-queues/{name}/poll", chain(http.HandlerFunc(h.PollRuns)))
	mux.Handle("POST /api/v1/runs/{id}/report-running", chain(http.HandlerFunc(h.ReportRunning)))
	mux.Handle("POST /api/v1/runs/{id}/report-terminal", chain(http.HandlerFunc(h.ReportTerminal)))
	mux.Handle("POST /api/v1/agents/heartbeat", chain(http.HandlerFunc(h.AgentHeartbeat)))
	mux.Handle("GET /api/v1/agents", chain(http.HandlerFunc(h.ListAgents)))

	// Work Queues
	mux.Handle("GET /api/v1/work-queues", chain(http.HandlerFunc(h.ListWorkQueues)))
	mux.Handle("POST /api/v1/work-queues", chain(http.HandlerFunc(h.CreateWorkQueue)))
	mux.Handle("GET /api/v1/work-queues/{name}", chain(http.HandlerFunc(h.GetWorkQueue)))
	mux.Handle("PUT /api/v1/work-queues/{name}", chain(http.HandlerFunc(h.UpdateWorkQueue)))
	mux.Handle("DELETE /api/v1/work-queues/{name}", chain(http.HandlerFunc(h.DeleteWorkQueue)))
	mux.Handle("PUT /api/v1/work-queues/{name}/paused", chain(http.HandlerFunc(h.SetWorkQueuePaused)))
}
