package api

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/api/shared"
	"github.com/phrazzld/applyq/internal/domain"
)

// getOwnerIDFromContext extracts the owner's UUID from the request context.
// The owner ID is expected to be placed in the context by the owner
// middleware.
func getOwnerIDFromContext(r *http.Request) (uuid.UUID, bool) {
	ownerID, ok := r.Context().Value(shared.OwnerIDContextKey).(uuid.UUID)
	if !ok || ownerID == uuid.Nil {
		return uuid.Nil, false
	}
	return ownerID, true
}

// getPathUUID extracts a UUID from the URL path parameters.
// It parses and validates the UUID, handling common error cases.
func getPathUUID(r *http.Request, paramName string) (uuid.UUID, error) {
	pathParam := chi.URLParam(r, paramName)
	if pathParam == "" {
		return uuid.Nil, fmt.Errorf("%w: %s is required", domain.ErrValidation, paramName)
	}

	id, err := uuid.Parse(pathParam)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s has invalid format", domain.ErrInvalidID, paramName)
	}

	return id, nil
}

// requireOwnerID extracts the owner ID from the request context, writing an
// error response and returning false when it is absent.
func requireOwnerID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	ownerID, ok := getOwnerIDFromContext(r)
	if !ok {
		shared.RespondWithError(w, r, http.StatusBadRequest, "Owner ID not found or invalid")
		return uuid.Nil, false
	}
	return ownerID, true
}
