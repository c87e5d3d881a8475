package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/api/shared"
)

// OwnerHeader is the request header carrying the owner's UUID.
const OwnerHeader = "X-Owner-ID"

// OwnerMiddleware extracts the owner ID from the X-Owner-ID header and places
// it in the request context for handlers. Requests without a valid owner ID
// pass through; handlers that require one reject them individually.
func OwnerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get(OwnerHeader)
		if header == "" {
			next.ServeHTTP(w, r)
			return
		}

		ownerID, err := uuid.Parse(header)
		if err != nil {
			shared.RespondWithError(w, r, http.StatusBadRequest, "Invalid owner ID header")
			return
		}

		ctx := context.WithValue(r.Context(), shared.OwnerIDContextKey, ownerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
