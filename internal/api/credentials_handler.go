package api

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/phrazzld/applyq/internal/api/shared"
	"github.com/phrazzld/applyq/internal/driver"
	"github.com/phrazzld/applyq/internal/store"
)

// CredentialsHandler handles job-board credential HTTP requests.
type CredentialsHandler struct {
	credentials store.CredentialStore
	validator   *validator.Validate
}

// NewCredentialsHandler creates a new CredentialsHandler
func NewCredentialsHandler(credentials store.CredentialStore) *CredentialsHandler {
	return &CredentialsHandler{
		credentials: credentials,
		validator:   validator.New(),
	}
}

// StoreCredentials handles PUT /api/credentials requests, storing or
// replacing the owner's job-board credentials.
func (h *CredentialsHandler) StoreCredentials(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}

	var req StoreCredentialsRequest
	if err := shared.DecodeJSON(r, &req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid request format")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		shared.RespondWithError(w, r, http.StatusBadRequest, SanitizeValidationError(err))
		return
	}

	creds := driver.Credentials{Email: req.Email, Password: req.Password}
	if err := h.credentials.Upsert(r.Context(), ownerID, creds); err != nil {
		HandleAPIError(w, r, err, "Failed to store credentials")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DeleteCredentials handles DELETE /api/credentials requests.
func (h *CredentialsHandler) DeleteCredentials(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := requireOwnerID(w, r)
	if !ok {
		return
	}

	if err := h.credentials.Delete(r.Context(), ownerID); err != nil {
		if errors.Is(err, driver.ErrCredentialsNotFound) {
			shared.RespondWithError(w, r, http.StatusNotFound, "No credentials stored")
			return
		}
		HandleAPIError(w, r, err, "Failed to delete credentials")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
