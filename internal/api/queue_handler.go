package api

import (
	"encoding/json"
	"net/http"

	"github.com/shaiso/Flowplane/internal/domain"
)

// ListWorkQueues возвращает список очередей.
// GET /api/v1/work-queues?limit=...&offset=...
func (h *Handler) ListWorkQueues(w http.ResponseWriter, r *http.Request) {
	limit, offset := parsePagination(r, 50)

	queues, err := h.queueRepo.List(r.Context(), limit, offset)
	if HandleServiceError(w, h.logger, err, "") {
		return
	}

	result := make([]WorkQueueResponse, len(queues))
	for i, q := range queues {
		result[i] = WorkQueueFromDomain(q)
	}

	List(w, result, len(result))
}

// CreateWorkQueue создаёт очередь явно (с tag-фильтром или лимитом).
// POST /api/v1/work-queues
func (h *Handler) CreateWorkQueue(w http.ResponseWriter, r *http.Request) {
	var req WorkQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}
	if req.Name == "" {
		BadRequest(w, "queue name is required")
		return
	}

	q := &domain.WorkQueue{
		Name:             req.Name,
		Description:      req.Description,
		TagFilter:        req.TagFilter,
		ConcurrencyLimit: req.ConcurrencyLimit,
	}
	if err := h.queueRepo.Create(r.Context(), q); HandleServiceError(w, h.logger, err, "") {
		return
	}

	Created(w, WorkQueueFromDomain(*q))
}

// GetWorkQueue возвращает очередь по имени.
// GET /api/v1/work-queues/{name}
func (h *Handler) GetWorkQueue(w http.ResponseWriter, r *http.Request) {
	q, err := h.queueRepo.GetByName(r.Context(), r.PathValue("name"))
	if HandleServiceError(w, h.logger, err, "work queue not found") {
		return
	}

	Success(w, WorkQueueFromDomain(*q))
}

// UpdateWorkQueue обновляет tag-фильтр и лимит очереди.
// PUT /api/v1/work-queues/{name}
func (h *Handler) UpdateWorkQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req WorkQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	q, err := h.queueRepo.GetByName(r.Context(), name)
	if HandleServiceError(w, h.logger, err, "work queue not found") {
		return
	}

	q.Description = req.Description
	q.TagFilter = req.TagFilter
	q.ConcurrencyLimit = req.ConcurrencyLimit

	if err := h.queueRepo.Update(r.Context(), q); HandleServiceError(w, h.logger, err, "work queue not found") {
		return
	}

	Success(w, WorkQueueFromDomain(*q))
}

// DeleteWorkQueue удаляет очередь. Очередь, на которую ссылается
// deployment, удалить нельзя (409).
// DELETE /api/v1/work-queues/{name}
func (h *Handler) DeleteWorkQueue(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	if err := h.registry.DeleteWorkQueue(r.Context(), name); HandleServiceError(w, h.logger, err, "work queue not found") {
		return
	}

	NoContent(w)
}

// SetWorkQueuePaused ставит очередь на паузу или возобновляет её.
// Runs в приостановленной очереди не выдаются, но материализация
// продолжается — они накапливаются и помечаются LATE.
// PUT /api/v1/work-queues/{name}/paused
func (h *Handler) SetWorkQueuePaused(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")

	var req SetPausedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		BadRequest(w, "invalid request body")
		return
	}

	if err := h.queueRepo.SetPaused(r.Context(), name, req.Paused); HandleServiceError(w, h.logger, err, "work queue not found") {
		return
	}

	NoContent(w)
}
