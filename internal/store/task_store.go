package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/health"
)

// QueueStats holds task counts by status, optionally scoped to one owner.
type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// TaskStore defines the interface for the durable task queue. It owns retry
// bookkeeping, backoff scheduling, and the structured error log.
type TaskStore interface {
	// Create inserts a new pending task.
	// Returns validation errors from the domain Task if data is invalid.
	Create(ctx context.Context, task *domain.Task) error

	// GetByID retrieves a task by its unique ID.
	// Returns ErrTaskNotFound if the task does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// DequeueEligible returns up to limit pending tasks whose
	// next_attempt_time is unset or has elapsed, ordered by priority
	// descending then creation time ascending (FIFO within a band). It never
	// returns a task before its due time.
	DequeueEligible(ctx context.Context, limit int) ([]*domain.Task, error)

	// MarkProcessing atomically transitions the task pending->processing and
	// records the started timestamp. Returns ErrTaskNotClaimable if the task
	// is no longer pending, which guarantees at most one worker claims a
	// given task.
	MarkProcessing(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// MarkCompleted transitions the task to completed and records duration.
	// Returns ErrTaskNotFound if the task does not exist.
	MarkCompleted(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// MarkFailed transitions the task to terminal failed without retrying.
	// Used for structural failures and explicit cancellation.
	// Returns ErrTaskNotFound if the task does not exist.
	MarkFailed(ctx context.Context, id uuid.UUID, message string) (*domain.Task, error)

	// CancelPending transitions a pending task directly to failed with
	// reason "cancelled". Returns ErrTaskNotClaimable if the task is not
	// pending; in-flight tasks are never preempted.
	CancelPending(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// IncrementRetry appends an entry to the structured error log and either
	// fails the task permanently (retries >= max) clearing
	// next_attempt_time, or resets it to pending with
	// next_attempt_time = now + 2^retries seconds.
	// Returns ErrTaskNotFound if the task does not exist.
	IncrementRetry(ctx context.Context, id uuid.UUID, message string) (*domain.Task, error)

	// EnqueueHealthCheckRetry is the health-classified retry path: the
	// cooldown comes from the health checker's issue table instead of the
	// generic exponential schedule. Retry exhaustion still fails the task.
	// Returns ErrTaskNotFound if the task does not exist.
	EnqueueHealthCheckRetry(
		ctx context.Context,
		id uuid.UUID,
		issue health.IssueKind,
		cooldown time.Duration,
		message string,
	) (*domain.Task, error)

	// Requeue pushes a processing task back to pending with
	// next_attempt_time = now + delay, without consuming a retry. Used when a
	// claimed task cannot run yet (no session slot free).
	// Returns ErrTaskNotFound if the task does not exist.
	Requeue(ctx context.Context, id uuid.UUID, delay time.Duration) (*domain.Task, error)

	// ResetStuck pushes tasks stuck in processing longer than olderThan back
	// to pending, returning the number reset. Recovers work orphaned by a
	// crashed worker.
	ResetStuck(ctx context.Context, olderThan time.Duration) (int, error)

	// UpdateProgress records the current step and optional progress payload.
	// Returns ErrTaskNotFound if the task does not exist.
	UpdateProgress(ctx context.Context, id uuid.UUID, step string, progress []byte) error

	// SetSessionToken records the browser session a task ran on.
	// Returns ErrTaskNotFound if the task does not exist.
	SetSessionToken(ctx context.Context, id uuid.UUID, token string) error

	// ListByOwner returns the owner's most recent tasks, newest first.
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error)

	// Stats returns task counts by status. A nil ownerID counts all tasks.
	Stats(ctx context.Context, ownerID *uuid.UUID) (*QueueStats, error)

	// DeleteCompletedBefore removes completed tasks that finished before the
	// cutoff, returning the number deleted.
	DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)

	// WithTx returns a new TaskStore instance that uses the provided transaction.
	// This allows for multiple operations to be executed within a single transaction.
	// The transaction should be created and managed by the caller (typically a service).
	WithTx(tx *sql.Tx) TaskStore
}
