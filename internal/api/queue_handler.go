package api

import (
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/api/shared"
	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/service"
)

// QueueHandler handles task-queue HTTP requests
type QueueHandler struct {
	queueService service.TaskQueueService
	validator    *validator.Validate
}

// NewQueueHandler creates a new QueueHandler
func NewQueueHandler(queueService service.TaskQueueService) *QueueHandler {
	return &QueueHandler{
		queueService: queueService,
		validator:    validator.New(),
	}
}

// EnqueueTask handles POST /api/tasks requests. Processing is asynchronous,
// so the response is 202 Accepted with the pending task.
func (h *QueueHandler) EnqueueTask(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}

	var req EnqueueTaskRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	var jobRef *string
	if req.JobRef != "" {
		jobRef = &req.JobRef
	}

	task, err := h.queueService.Enqueue(r.Context(), service.EnqueueRequest{
		OwnerID:  ownerID,
		Kind:     domain.TaskKind(req.Kind),
		Priority: req.Priority,
		JobRef:   jobRef,
		Progress: req.Progress,
	})
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusAccepted, taskToResponse(task))
}

// GetTask handles GET /api/tasks/{id} requests.
func (h *QueueHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	task, err := h.queueService.GetTask(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(task))
}

// CancelTask handles DELETE /api/tasks/{id} requests. Only pending tasks can
// be cancelled; tasks already claimed by a worker run to completion.
func (h *QueueHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	task, err := h.queueService.Cancel(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, taskToResponse(task))
}

// ListTasks handles GET /api/tasks requests, returning the owner's most
// recent tasks.
func (h *QueueHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = parsed
	}

	tasks, err := h.queueService.ListTasks(r.Context(), ownerID, limit)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	responses := make([]TaskResponse, 0, len(tasks))
	for _, task := range tasks {
		responses = append(responses, taskToResponse(task))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}

// GetStats handles GET /api/tasks/stats requests. With an owner ID in
// context the counts are scoped to that owner; without one they are global.
func (h *QueueHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	var scope *uuid.UUID
	if ownerID, ok := getOwnerIDFromContext(r); ok {
		scope = &ownerID
	}

	stats, err := h.queueService.Stats(r.Context(), scope)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusOK, statsToResponse(stats))
}
