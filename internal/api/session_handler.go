package api

import (
	"net/http"

	"github.com/phrazzld/applyq/internal/api/shared"
	"github.com/phrazzld/applyq/internal/service"
)

// SessionHandler handles browser-session HTTP requests
type SessionHandler struct {
	queueService service.TaskQueueService
}

// NewSessionHandler creates a new SessionHandler
func NewSessionHandler(queueService service.TaskQueueService) *SessionHandler {
	return &SessionHandler{queueService: queueService}
}

// ListSessions handles GET /api/sessions requests, returning the owner's
// live browser sessions.
func (h *SessionHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}

	sessions, err := h.queueService.ActiveSessions(r.Context(), ownerID)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	responses := make([]SessionResponse, 0, len(sessions))
	for _, session := range sessions {
		responses = append(responses, sessionToResponse(session))
	}
	shared.RespondWithJSON(w, r, http.StatusOK, responses)
}
