// Package worker runs the background loop that drains the apply queue:
// claiming eligible tasks, acquiring browser sessions, driving the browser,
// and routing every outcome back into the queue's retry machinery.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/driver"
	"github.com/phrazzld/applyq/internal/health"
	"github.com/phrazzld/applyq/internal/ratelimit"
	"github.com/phrazzld/applyq/internal/session"
	"github.com/phrazzld/applyq/internal/store"
)

// Config holds configuration for the worker loop.
type Config struct {
	// PollInterval is how often the worker polls for eligible tasks.
	PollInterval time.Duration

	// MaxConcurrentTasks bounds how many tasks one poll claims and processes.
	MaxConcurrentTasks int

	// RequeueDelay is how long a claimed task waits when no session slot is
	// free. The retry budget is not consumed for slot contention.
	RequeueDelay time.Duration

	// StuckTaskAge defines how long a task can be in processing state
	// before it's considered stuck and reset.
	StuckTaskAge time.Duration

	// StuckTaskCheckInterval defines how often to check for stuck tasks.
	StuckTaskCheckInterval time.Duration

	// CompletedRetention is how long completed tasks are kept before the
	// cleanup sweep deletes them.
	CompletedRetention time.Duration

	// CleanupInterval defines how often retention and session sweeps run.
	CleanupInterval time.Duration
}

// DefaultConfig returns a Config with reasonable defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:           5 * time.Second,
		MaxConcurrentTasks:     3,
		RequeueDelay:           30 * time.Second,
		StuckTaskAge:           30 * time.Minute,
		StuckTaskCheckInterval: 5 * time.Minute,
		CompletedRetention:     7 * 24 * time.Hour,
		CleanupInterval:        time.Hour,
	}
}

// issueTaints maps health issues to lifecycle taint reasons. Issues absent
// from the map taint the session but never pause the whole owner.
var issueTaints = map[health.IssueKind]string{
	health.IssueRateLimited:        session.TaintHTTP429,
	health.IssueVerificationNeeded: session.TaintCaptchaDetected,
	health.IssueAccountRestricted:  session.TaintAccountRestricted,
	health.IssueInvalidCredentials: session.TaintLoginVerification,
}

// Worker drains the apply queue against the session pool and browser driver.
type Worker struct {
	cfg      Config
	tasks    store.TaskStore
	sessions store.SessionStore
	pool     *session.Pool
	drv      driver.BrowserDriver
	creds    driver.CredentialStore
	checker  *health.Checker
	logger   *slog.Logger

	limiterCfg   ratelimit.Config
	lifecycleCfg session.LifecycleConfig

	// slots bounds in-flight task goroutines; inflight tracks them so
	// shutdown can drain.
	slots    chan struct{}
	inflight sync.WaitGroup

	mu         sync.Mutex
	limiters   map[string]*ratelimit.Limiter
	lifecycles map[string]*session.Lifecycle
	owners     map[uuid.UUID]struct{}
}

// New creates a Worker. Zero-value config fields fall back to DefaultConfig;
// a nil logger falls back to slog.Default. A nil credential store skips the
// login step, for drivers that carry their own authentication.
func New(
	cfg Config,
	tasks store.TaskStore,
	sessions store.SessionStore,
	pool *session.Pool,
	drv driver.BrowserDriver,
	creds driver.CredentialStore,
	checker *health.Checker,
	limiterCfg ratelimit.Config,
	lifecycleCfg session.LifecycleConfig,
	logger *slog.Logger,
) *Worker {
	defaults := DefaultConfig()
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MaxConcurrentTasks == 0 {
		cfg.MaxConcurrentTasks = defaults.MaxConcurrentTasks
	}
	if cfg.RequeueDelay == 0 {
		cfg.RequeueDelay = defaults.RequeueDelay
	}
	if cfg.StuckTaskAge == 0 {
		cfg.StuckTaskAge = defaults.StuckTaskAge
	}
	if cfg.StuckTaskCheckInterval == 0 {
		cfg.StuckTaskCheckInterval = defaults.StuckTaskCheckInterval
	}
	if cfg.CompletedRetention == 0 {
		cfg.CompletedRetention = defaults.CompletedRetention
	}
	if cfg.CleanupInterval == 0 {
		cfg.CleanupInterval = defaults.CleanupInterval
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		cfg:          cfg,
		tasks:        tasks,
		sessions:     sessions,
		pool:         pool,
		drv:          drv,
		creds:        creds,
		checker:      checker,
		logger:       logger.With(slog.String("component", "worker")),
		limiterCfg:   limiterCfg,
		lifecycleCfg: lifecycleCfg,
		slots:        make(chan struct{}, cfg.MaxConcurrentTasks),
		limiters:     make(map[string]*ratelimit.Limiter),
		lifecycles:   make(map[string]*session.Lifecycle),
		owners:       make(map[uuid.UUID]struct{}),
	}
}

// Run blocks, polling the queue until the context is cancelled. Stuck-task
// recovery and retention sweeps run on their own tickers.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.InfoContext(ctx, "worker starting",
		slog.Duration("poll_interval", w.cfg.PollInterval),
		slog.Int("max_concurrent_tasks", w.cfg.MaxConcurrentTasks))

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	stuck := time.NewTicker(w.cfg.StuckTaskCheckInterval)
	defer stuck.Stop()
	cleanup := time.NewTicker(w.cfg.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "worker stopping, draining in-flight tasks")
			w.inflight.Wait()
			return ctx.Err()
		case <-poll.C:
			w.PollOnce(ctx)
		case <-stuck.C:
			if _, err := w.tasks.ResetStuck(ctx, w.cfg.StuckTaskAge); err != nil {
				w.logger.ErrorContext(ctx, "failed to reset stuck tasks",
					slog.String("error", err.Error()))
			}
		case <-cleanup.C:
			w.runCleanup(ctx)
		}
	}
}

// PollOnce claims one batch of eligible tasks and dispatches each to its own
// goroutine, returning how many were dispatched. Driver work never runs on
// the polling path: claiming stops as soon as every worker slot is busy, so
// an urgent task enqueued while a slow apply is in flight is still picked up
// on the very next tick.
func (w *Worker) PollOnce(ctx context.Context) int {
	eligible, err := w.tasks.DequeueEligible(ctx, w.cfg.MaxConcurrentTasks)
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to dequeue tasks",
			slog.String("error", err.Error()))
		return 0
	}

	dispatched := 0
	for _, task := range eligible {
		// Owners on cooldown keep their tasks pending until the pause ends.
		if on, until, reason := w.pool.OwnerOnCooldown(task.OwnerID); on {
			w.logger.DebugContext(ctx, "owner on cooldown, skipping task",
				slog.String("task_id", task.ID.String()),
				slog.String("reason", reason),
				slog.Time("until", until))
			continue
		}

		select {
		case w.slots <- struct{}{}:
		default:
			// Every slot holds an in-flight task; the rest of the batch stays
			// pending for a later poll.
			return dispatched
		}

		claimed, err := w.tasks.MarkProcessing(ctx, task.ID)
		if err != nil {
			<-w.slots
			// Another worker won the claim race.
			if !errors.Is(err, store.ErrTaskNotClaimable) {
				w.logger.ErrorContext(ctx, "failed to claim task",
					slog.String("task_id", task.ID.String()),
					slog.String("error", err.Error()))
			}
			continue
		}

		w.rememberOwner(claimed.OwnerID)
		dispatched++
		w.inflight.Add(1)
		go func(t *domain.Task) {
			defer w.inflight.Done()
			defer func() { <-w.slots }()
			w.processTask(ctx, t)
		}(claimed)
	}
	return dispatched
}

// processTask runs one claimed task end to end.
func (w *Worker) processTask(ctx context.Context, task *domain.Task) {
	log := w.logger.With(
		slog.String("task_id", task.ID.String()),
		slog.String("kind", string(task.Kind)),
		slog.Int("priority", task.Priority))

	sess, created, err := w.pool.Acquire(ctx, task.OwnerID, task.ID)
	if err != nil {
		if errors.Is(err, session.ErrSessionCapReached) || errors.Is(err, session.ErrOwnerOnCooldown) {
			log.InfoContext(ctx, "no session slot free, requeueing",
				slog.String("error", err.Error()))
			w.requeue(ctx, task.ID, log)
			return
		}
		log.ErrorContext(ctx, "session acquisition failed",
			slog.String("error", err.Error()))
		if _, err := w.tasks.IncrementRetry(ctx, task.ID, err.Error()); err != nil {
			log.ErrorContext(ctx, "failed to record retry", slog.String("error", err.Error()))
		}
		return
	}

	token := sess.Token
	log = log.With(slog.String("session_token", token))
	if err := w.tasks.SetSessionToken(ctx, task.ID, token); err != nil {
		log.ErrorContext(ctx, "failed to record session token",
			slog.String("error", err.Error()))
	}

	limiter, lifecycle := w.sessionState(token, created)

	if created && w.creds != nil {
		if ok := w.login(ctx, task, token, lifecycle, limiter, log); !ok {
			return
		}
	}

	if err := limiter.CheckBeforeRequest(ctx); err != nil {
		if errors.Is(err, ratelimit.ErrRequestBudgetExhausted) {
			// The session did its share of requests; retire it and let the
			// task run on a fresh one.
			w.retireSession(ctx, token, "request_budget_exhausted", log)
			w.requeue(ctx, task.ID, log)
			return
		}
		// Context cancelled while pacing.
		w.releaseSession(ctx, token, log)
		w.requeue(ctx, task.ID, log)
		return
	}

	result, err := w.execute(ctx, task, token)
	switch {
	case err != nil:
		w.handleFailure(ctx, task, token, lifecycle, limiter, err, log)
	case result != nil && !result.Success:
		w.handleRejection(ctx, task, token, lifecycle, result.Message, log)
	default:
		w.handleSuccess(ctx, task, token, lifecycle, log)
	}
}

// login authenticates a freshly created session with the owner's stored
// credentials. Returns false when the task was already routed to a failure
// path and processing must stop.
func (w *Worker) login(
	ctx context.Context,
	task *domain.Task,
	token string,
	lifecycle *session.Lifecycle,
	limiter *ratelimit.Limiter,
	log *slog.Logger,
) bool {
	creds, err := w.creds.Get(ctx, task.OwnerID)
	if err != nil {
		w.handleIssue(ctx, task, token, lifecycle, limiter, health.IssueInvalidCredentials,
			fmt.Sprintf("credential lookup failed: %v", err), log)
		return false
	}

	w.updateProgress(ctx, task.ID, "logging_in", nil)
	ok, err := w.drv.Login(ctx, token, *creds)
	if err != nil {
		w.handleFailure(ctx, task, token, lifecycle, limiter, fmt.Errorf("login failed: %w", err), log)
		return false
	}
	if !ok {
		w.handleIssue(ctx, task, token, lifecycle, limiter, health.IssueInvalidCredentials,
			"login rejected with stored credentials", log)
		return false
	}

	log.InfoContext(ctx, "session logged in")
	return true
}

// execute dispatches the task to the driver by kind. A nil result with nil
// error means plain success with nothing to report.
func (w *Worker) execute(ctx context.Context, task *domain.Task, token string) (*driver.ApplyResult, error) {
	switch task.Kind {
	case domain.TaskKindSubmitApply:
		if task.JobRef == nil {
			return &driver.ApplyResult{Success: false, Message: "task has no job ref"}, nil
		}
		w.updateProgress(ctx, task.ID, "applying", nil)
		return w.drv.ApplyToJob(ctx, token, *task.JobRef)

	case domain.TaskKindScrape:
		searchRef := ""
		if task.JobRef != nil {
			searchRef = *task.JobRef
		}
		w.updateProgress(ctx, task.ID, "scraping", nil)
		scraped, err := w.drv.ScrapeJobs(ctx, token, searchRef)
		if err != nil {
			return nil, err
		}
		w.updateProgress(ctx, task.ID, "scraped", []byte(fmt.Sprintf(`{"job_count":%d}`, len(scraped.JobRefs))))
		return nil, nil

	case domain.TaskKindProfileUpdate:
		w.updateProgress(ctx, task.ID, "updating_profile", nil)
		return nil, w.drv.UpdateProfile(ctx, token, task.Progress)

	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidTaskKind, task.Kind)
	}
}

// handleSuccess completes the task and either returns the session to the
// pool or retires it when its apply cap is spent.
func (w *Worker) handleSuccess(
	ctx context.Context,
	task *domain.Task,
	token string,
	lifecycle *session.Lifecycle,
	log *slog.Logger,
) {
	if _, err := w.tasks.MarkCompleted(ctx, task.ID); err != nil {
		log.ErrorContext(ctx, "failed to mark task completed", slog.String("error", err.Error()))
		return
	}

	if task.Kind == domain.TaskKindSubmitApply {
		if _, err := w.sessions.IncrementApplies(ctx, token); err != nil {
			log.ErrorContext(ctx, "failed to count apply", slog.String("error", err.Error()))
		}
		if lifecycle.RecordApplyAttempt() {
			log.InfoContext(ctx, "session apply cap reached")
		}
	}

	log.InfoContext(ctx, "task completed")

	if lifecycle.ShouldEndSession() {
		w.retireSession(ctx, token, "apply_cap_reached", log)
		return
	}
	w.releaseSession(ctx, token, log)
}

// handleFailure routes a driver error: health-classified failures taint and
// retire the session and reschedule the task on the issue's cooldown;
// everything else takes the generic exponential backoff.
func (w *Worker) handleFailure(
	ctx context.Context,
	task *domain.Task,
	token string,
	lifecycle *session.Lifecycle,
	limiter *ratelimit.Limiter,
	cause error,
	log *slog.Logger,
) {
	message := cause.Error()

	issue, classified := w.checker.Classify(message, "")
	if !classified {
		log.WarnContext(ctx, "task failed",
			slog.String("error", message))
		if _, err := w.sessions.RecordError(ctx, token, message); err != nil {
			log.ErrorContext(ctx, "failed to record session error", slog.String("error", err.Error()))
		}
		if _, err := w.tasks.IncrementRetry(ctx, task.ID, message); err != nil {
			log.ErrorContext(ctx, "failed to record retry", slog.String("error", err.Error()))
		}
		w.releaseSession(ctx, token, log)
		return
	}

	w.handleIssue(ctx, task, token, lifecycle, limiter, issue, message, log)
}

// handleIssue applies the consequences of a classified health issue: taint
// the session, pause the owner when the taint is critical, retire the
// session, and reschedule the task on the issue's cooldown.
func (w *Worker) handleIssue(
	ctx context.Context,
	task *domain.Task,
	token string,
	lifecycle *session.Lifecycle,
	limiter *ratelimit.Limiter,
	issue health.IssueKind,
	message string,
	log *slog.Logger,
) {
	cooldown := w.checker.CooldownFor(issue)
	log.WarnContext(ctx, "session health issue detected",
		slog.String("issue", string(issue)),
		slog.Duration("cooldown", cooldown),
		slog.String("error", message))

	if issue == health.IssueRateLimited {
		// Feed the limiter's throttle streak so the breaker state reflects
		// what the platform is telling us.
		if _, err := limiter.OnThrottled(nil); err != nil {
			log.ErrorContext(ctx, "rate limit circuit breaker open",
				slog.String("error", err.Error()))
		}
	}

	if _, err := w.sessions.MarkTainted(ctx, token, issue, message); err != nil {
		log.ErrorContext(ctx, "failed to taint session", slog.String("error", err.Error()))
	}

	// Critical taints pause the whole owner, not just this session. The pause
	// must cover the issue's own cooldown, otherwise the rescheduled task
	// would find the owner free before the platform is expected to recover.
	if taint, ok := issueTaints[issue]; ok && session.IsCriticalTaint(taint) {
		lifecycle.MarkTainted(taint, true)
		pause := lifecycle.Cooldown()
		if cooldown > pause {
			pause = cooldown
		}
		until := w.pool.SetOwnerCooldown(task.OwnerID, pause, taint)
		log.WarnContext(ctx, "owner paused after critical taint",
			slog.String("taint", taint),
			slog.Time("until", until))
	} else {
		lifecycle.MarkTainted(string(issue), false)
	}

	w.retireSession(ctx, token, string(issue), log)

	if _, err := w.tasks.EnqueueHealthCheckRetry(ctx, task.ID, issue, cooldown, message); err != nil {
		log.ErrorContext(ctx, "failed to schedule health retry", slog.String("error", err.Error()))
	}
}

// handleRejection covers applications that ran to completion but were not
// submitted. The session stays usable; the task retries on generic backoff.
func (w *Worker) handleRejection(
	ctx context.Context,
	task *domain.Task,
	token string,
	lifecycle *session.Lifecycle,
	message string,
	log *slog.Logger,
) {
	log.WarnContext(ctx, "application not submitted", slog.String("reason", message))

	lifecycle.MarkTainted(session.WarnEasyApplyError, false)
	if _, err := w.sessions.RecordError(ctx, token, message); err != nil {
		log.ErrorContext(ctx, "failed to record session error", slog.String("error", err.Error()))
	}
	if _, err := w.tasks.IncrementRetry(ctx, task.ID, message); err != nil {
		log.ErrorContext(ctx, "failed to record retry", slog.String("error", err.Error()))
	}
	w.releaseSession(ctx, token, log)
}

// sessionState returns the limiter and lifecycle for a session token,
// creating fresh state when the session was just created.
func (w *Worker) sessionState(token string, created bool) (*ratelimit.Limiter, *session.Lifecycle) {
	w.mu.Lock()
	defer w.mu.Unlock()

	limiter, ok := w.limiters[token]
	if !ok || created {
		limiter = ratelimit.NewLimiter(w.limiterCfg, w.logger)
		w.limiters[token] = limiter
	}

	lifecycle, ok := w.lifecycles[token]
	if !ok || created {
		lifecycle = session.NewLifecycle(w.lifecycleCfg)
		lifecycle.Start(session.Context{})
		w.lifecycles[token] = lifecycle
	}

	return limiter, lifecycle
}

// retireSession disposes the session and drops its in-memory state.
func (w *Worker) retireSession(ctx context.Context, token string, reason string, log *slog.Logger) {
	if _, err := w.pool.Dispose(ctx, token, reason); err != nil {
		log.ErrorContext(ctx, "failed to dispose session", slog.String("error", err.Error()))
	}

	w.mu.Lock()
	delete(w.limiters, token)
	delete(w.lifecycles, token)
	w.mu.Unlock()
}

// releaseSession returns the session to the idle pool.
func (w *Worker) releaseSession(ctx context.Context, token string, log *slog.Logger) {
	if err := w.pool.Release(ctx, token); err != nil {
		log.ErrorContext(ctx, "failed to release session", slog.String("error", err.Error()))
	}
}

// requeue pushes a claimed task back to pending without consuming a retry.
func (w *Worker) requeue(ctx context.Context, id uuid.UUID, log *slog.Logger) {
	if _, err := w.tasks.Requeue(ctx, id, w.cfg.RequeueDelay); err != nil {
		log.ErrorContext(ctx, "failed to requeue task", slog.String("error", err.Error()))
	}
}

// updateProgress records the task's current step, logging failures only.
func (w *Worker) updateProgress(ctx context.Context, id uuid.UUID, step string, progress []byte) {
	if err := w.tasks.UpdateProgress(ctx, id, step, progress); err != nil {
		w.logger.ErrorContext(ctx, "failed to update task progress",
			slog.String("task_id", id.String()),
			slog.String("step", step),
			slog.String("error", err.Error()))
	}
}

// rememberOwner tracks owners seen so cleanup sweeps know whose sessions to
// inspect.
func (w *Worker) rememberOwner(ownerID uuid.UUID) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.owners[ownerID] = struct{}{}
}

// runCleanup deletes completed tasks past retention and sweeps each known
// owner's sessions.
func (w *Worker) runCleanup(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-w.cfg.CompletedRetention)
	deleted, err := w.tasks.DeleteCompletedBefore(ctx, cutoff)
	if err != nil {
		w.logger.ErrorContext(ctx, "failed to delete old completed tasks",
			slog.String("error", err.Error()))
	} else if deleted > 0 {
		w.logger.InfoContext(ctx, "deleted old completed tasks", slog.Int("count", deleted))
	}

	w.mu.Lock()
	owners := make([]uuid.UUID, 0, len(w.owners))
	for owner := range w.owners {
		owners = append(owners, owner)
	}
	w.mu.Unlock()

	for _, owner := range owners {
		if err := w.pool.Cleanup(ctx, owner); err != nil {
			w.logger.ErrorContext(ctx, "session cleanup failed",
				slog.String("owner_id", owner.String()),
				slog.String("error", err.Error()))
		}
	}
}
