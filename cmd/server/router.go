package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/applyq/internal/api"
	apiMiddleware "github.com/phrazzld/applyq/internal/api/middleware"
)

// setupRouter creates and configures the application router with all routes
// and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware)
	r.Use(apiMiddleware.OwnerMiddleware)

	queueHandler := api.NewQueueHandler(app.queueService)
	sessionHandler := api.NewSessionHandler(app.queueService)
	credentialsHandler := api.NewCredentialsHandler(app.credentialStore)

	r.Route("/api", func(r chi.Router) {
		r.Post("/tasks", queueHandler.EnqueueTask)
		r.Get("/tasks", queueHandler.ListTasks)
		r.Get("/tasks/{id}", queueHandler.GetTask)
		r.Post("/tasks/{id}/cancel", queueHandler.CancelTask)

		r.Get("/queue/stats", queueHandler.GetStats)

		r.Get("/sessions", sessionHandler.ListSessions)

		r.Put("/credentials", credentialsHandler.StoreCredentials)
		r.Delete("/credentials", credentialsHandler.DeleteCredentials)
	})

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			app.logger.Error("Failed to write health check response", "error", err)
		}
	})

	return r
}
