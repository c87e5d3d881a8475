// Package service provides application-level services for managing the apply
// queue and browser sessions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/session"
	"github.com/phrazzld/applyq/internal/store"
)

// Common sentinel errors for TaskQueueService. The API layer maps these to
// HTTP status codes with errors.Is.
var (
	// ErrTaskNotFound indicates that the task does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrTaskNotCancellable indicates the task is no longer pending. Tasks
	// already running are never preempted.
	ErrTaskNotCancellable = errors.New("task is not pending and cannot be cancelled")

	// ErrInvalidTask indicates the enqueue request failed validation.
	ErrInvalidTask = errors.New("invalid task")
)

// QueueServiceError wraps errors from the queue service with context.
type QueueServiceError struct {
	// Operation is the operation that failed (e.g., "enqueue", "cancel")
	Operation string
	// Message is a human-readable description of the error
	Message string
	// Err is the underlying error that caused the failure
	Err error
}

// Error implements the error interface for QueueServiceError.
func (e *QueueServiceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("queue service %s failed: %s: %v", e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("queue service %s failed: %s", e.Operation, e.Message)
}

// Unwrap returns the wrapped error to support errors.Is/errors.As.
func (e *QueueServiceError) Unwrap() error {
	return e.Err
}

// NewQueueServiceError creates a new QueueServiceError.
// It returns known sentinel errors directly without wrapping.
func NewQueueServiceError(operation, message string, err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrTaskNotFound) || errors.Is(err, ErrTaskNotCancellable) || errors.Is(err, ErrInvalidTask) {
		return err
	}

	// Map store-level sentinels to service-level ones.
	if errors.Is(err, store.ErrTaskNotFound) {
		return ErrTaskNotFound
	}
	if errors.Is(err, store.ErrTaskNotClaimable) {
		return ErrTaskNotCancellable
	}

	return &QueueServiceError{
		Operation: operation,
		Message:   message,
		Err:       err,
	}
}

// EnqueueRequest carries the caller's parameters for a new task.
type EnqueueRequest struct {
	OwnerID  uuid.UUID
	Kind     domain.TaskKind
	Priority int
	JobRef   *string
	Progress []byte
}

// TaskQueueService provides queue-related operations
type TaskQueueService interface {
	// Enqueue validates and persists a new pending task.
	Enqueue(ctx context.Context, req EnqueueRequest) (*domain.Task, error)

	// GetTask retrieves a task by its ID.
	GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// Cancel cancels a pending task. Returns ErrTaskNotCancellable when the
	// task has already been claimed or finished.
	Cancel(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	// ListTasks returns the owner's most recent tasks.
	ListTasks(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error)

	// Stats returns queue counts, scoped to one owner when ownerID is non-nil.
	Stats(ctx context.Context, ownerID *uuid.UUID) (*store.QueueStats, error)

	// ActiveSessions returns the owner's live browser sessions.
	ActiveSessions(ctx context.Context, ownerID uuid.UUID) ([]*domain.Session, error)
}

// taskQueueServiceImpl implements the TaskQueueService interface
type taskQueueServiceImpl struct {
	tasks  store.TaskStore
	pool   *session.Pool
	logger *slog.Logger
}

// NewTaskQueueService creates a new TaskQueueService.
// If logger is nil, a default logger will be used.
func NewTaskQueueService(tasks store.TaskStore, pool *session.Pool, logger *slog.Logger) TaskQueueService {
	if tasks == nil {
		panic("tasks store cannot be nil")
	}
	if pool == nil {
		panic("session pool cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &taskQueueServiceImpl{
		tasks:  tasks,
		pool:   pool,
		logger: logger.With(slog.String("component", "queue_service")),
	}
}

// Enqueue implements TaskQueueService.Enqueue
func (s *taskQueueServiceImpl) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.Task, error) {
	priority := req.Priority
	if priority == 0 {
		priority = domain.PriorityNormal
	}

	task, err := domain.NewTask(req.OwnerID, req.Kind, priority, req.JobRef, req.Progress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTask, err)
	}

	if err := s.tasks.Create(ctx, task); err != nil {
		return nil, NewQueueServiceError("enqueue", "failed to persist task", err)
	}

	s.logger.InfoContext(ctx, "task enqueued",
		slog.String("task_id", task.ID.String()),
		slog.String("kind", string(task.Kind)),
		slog.Int("priority", task.Priority))
	return task, nil
}

// GetTask implements TaskQueueService.GetTask
func (s *taskQueueServiceImpl) GetTask(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.tasks.GetByID(ctx, id)
	if err != nil {
		return nil, NewQueueServiceError("get_task", "failed to load task", err)
	}
	return task, nil
}

// Cancel implements TaskQueueService.Cancel
func (s *taskQueueServiceImpl) Cancel(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	task, err := s.tasks.CancelPending(ctx, id)
	if err != nil {
		return nil, NewQueueServiceError("cancel", "failed to cancel task", err)
	}

	s.logger.InfoContext(ctx, "task cancelled", slog.String("task_id", id.String()))
	return task, nil
}

// ListTasks implements TaskQueueService.ListTasks
func (s *taskQueueServiceImpl) ListTasks(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error) {
	if limit <= 0 {
		limit = 50
	}

	tasks, err := s.tasks.ListByOwner(ctx, ownerID, limit)
	if err != nil {
		return nil, NewQueueServiceError("list_tasks", "failed to list tasks", err)
	}
	return tasks, nil
}

// Stats implements TaskQueueService.Stats
func (s *taskQueueServiceImpl) Stats(ctx context.Context, ownerID *uuid.UUID) (*store.QueueStats, error) {
	stats, err := s.tasks.Stats(ctx, ownerID)
	if err != nil {
		return nil, NewQueueServiceError("stats", "failed to load queue stats", err)
	}
	return stats, nil
}

// ActiveSessions implements TaskQueueService.ActiveSessions
func (s *taskQueueServiceImpl) ActiveSessions(ctx context.Context, ownerID uuid.UUID) ([]*domain.Session, error) {
	sessions, err := s.pool.ActiveSessions(ctx, ownerID)
	if err != nil {
		return nil, NewQueueServiceError("active_sessions", "failed to list sessions", err)
	}
	return sessions, nil
}
