package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/applyq/internal/config"
	"github.com/phrazzld/applyq/internal/driver"
	"github.com/phrazzld/applyq/internal/health"
	"github.com/phrazzld/applyq/internal/platform/postgres"
	"github.com/phrazzld/applyq/internal/ratelimit"
	"github.com/phrazzld/applyq/internal/service"
	"github.com/phrazzld/applyq/internal/session"
	"github.com/phrazzld/applyq/internal/store"
	"github.com/phrazzld/applyq/internal/worker"
)

// application holds all the shared application dependencies to simplify
// management and ensure proper cleanup on shutdown.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB

	// Stores (using interfaces for proper abstraction)
	taskStore       store.TaskStore
	sessionStore    store.SessionStore
	credentialStore store.CredentialStore

	// Session management and services
	pool         *session.Pool
	queueService service.TaskQueueService

	// Background processing
	worker *worker.Worker
}

// newApplication creates a new application instance with all dependencies
// initialized. Configuration, logger, and database connection must be
// established before application initialization.
func newApplication(cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{
		config: cfg,
		logger: logger,
		db:     db,
	}

	app.taskStore = postgres.NewPostgresTaskStore(db, logger)
	app.sessionStore = postgres.NewPostgresSessionStore(db, logger)
	app.credentialStore = postgres.NewPostgresCredentialStore(db, logger)

	app.pool = session.NewPool(app.sessionStore, session.PoolConfig{
		MaxConcurrentPerOwner: cfg.Session.MaxConcurrentPerOwner,
		IdleTimeout:           time.Duration(cfg.Session.IdleTimeoutSeconds) * time.Second,
		KeepDisposedHistory:   cfg.Session.KeepDisposedHistory,
		Headless:              true,
	}, logger)

	app.queueService = service.NewTaskQueueService(app.taskStore, app.pool, logger)

	drv, err := driver.NewRemoteDriver(driver.RemoteConfig{
		BaseURL: cfg.Driver.BaseURL,
		Timeout: time.Duration(cfg.Driver.TimeoutSeconds) * time.Second,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser driver: %w", err)
	}
	logger.Info("Browser driver initialized", "base_url", cfg.Driver.BaseURL)

	limiterCfg := ratelimit.Config{
		MinDelay:              time.Duration(cfg.RateLimit.MinDelaySeconds) * time.Second,
		MaxJitter:             time.Duration(cfg.RateLimit.MaxJitterSeconds) * time.Second,
		MaxRequestsPerSession: cfg.RateLimit.MaxRequestsPerSession,
		InitialBackoff:        time.Duration(cfg.RateLimit.InitialBackoffSeconds) * time.Second,
		MaxBackoff:            time.Duration(cfg.RateLimit.MaxBackoffSeconds) * time.Second,
		BackoffMultiplier:     cfg.RateLimit.BackoffMultiplier,
		BreakerThreshold:      cfg.RateLimit.BreakerThreshold,
		BreakerPause:          time.Duration(cfg.RateLimit.BreakerPauseMinutes) * time.Minute,
	}

	lifecycleCfg := session.LifecycleConfig{
		MaxApplies:  cfg.Session.MaxAppliesPerSession,
		CooldownMin: time.Duration(cfg.Session.CooldownMinMinutes) * time.Minute,
		CooldownMax: time.Duration(cfg.Session.CooldownMaxMinutes) * time.Minute,
	}

	app.worker = worker.New(worker.Config{
		PollInterval:       time.Duration(cfg.Worker.PollIntervalSeconds) * time.Second,
		MaxConcurrentTasks: cfg.Worker.MaxConcurrentTasks,
		CompletedRetention: time.Duration(cfg.Worker.CompletedRetentionDays) * 24 * time.Hour,
	}, app.taskStore, app.sessionStore, app.pool, drv, app.credentialStore,
		health.NewChecker(), limiterCfg, lifecycleCfg, logger)

	logger.Info("Application initialized successfully")
	return app, nil
}

// Run starts the background worker and the HTTP server, blocking until
// shutdown completes.
func (app *application) Run(ctx context.Context) error {
	workerCtx, stopWorker := context.WithCancel(ctx)
	defer stopWorker()

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if err := app.worker.Run(workerCtx); err != nil && workerCtx.Err() == nil {
			app.logger.Error("worker stopped unexpectedly", "error", err)
		}
	}()

	router := app.setupRouter()
	err := app.startHTTPServer(ctx, router)

	stopWorker()
	<-workerDone
	app.cleanup()

	if err != nil {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// cleanup handles graceful shutdown of application resources.
func (app *application) cleanup() {
	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("Error closing database connection", "error", err)
		}
	}

	app.logger.Info("Application shutdown completed")
}
