package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/health"
	"github.com/phrazzld/applyq/internal/store"
)

// taskColumns is the canonical column list for apply_queue scans.
const taskColumns = `id, owner_id, kind, status, priority, retries, max_retries,
	next_attempt_time, session_token, job_ref, current_step, progress,
	error_message, error_log, created_at, updated_at, started_at, completed_at`

// PostgresTaskStore implements the store.TaskStore interface
// using a PostgreSQL database as the storage backend.
type PostgresTaskStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresTaskStore creates a new PostgreSQL implementation of the TaskStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresTaskStore(db store.DBTX, logger *slog.Logger) *PostgresTaskStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresTaskStore{
		db:     db,
		logger: logger.With(slog.String("component", "task_store")),
	}
}

// Ensure PostgresTaskStore implements store.TaskStore interface
var _ store.TaskStore = (*PostgresTaskStore)(nil)

// WithTx implements store.TaskStore.WithTx
func (s *PostgresTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return &PostgresTaskStore{
		db:     tx,
		logger: s.logger,
	}
}

// Create implements store.TaskStore.Create
func (s *PostgresTaskStore) Create(ctx context.Context, task *domain.Task) error {
	if err := task.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	errorLog, err := marshalErrorLog(task.ErrorLog)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO apply_queue (id, owner_id, kind, status, priority, retries,
			max_retries, next_attempt_time, session_token, job_ref, current_step,
			progress, error_message, error_log, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID, task.OwnerID, task.Kind, task.Status, task.Priority,
		task.Retries, task.MaxRetries, task.NextAttemptAt, task.SessionToken,
		task.JobRef, task.CurrentStep, nullableBytes(task.Progress),
		task.ErrorMessage, errorLog, task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to create task",
			slog.String("task_id", task.ID.String()),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	return nil
}

// GetByID implements store.TaskStore.GetByID
func (s *PostgresTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM apply_queue WHERE id = $1`, taskColumns)

	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %v", store.ErrTaskNotFound, err)
		}
		return nil, MapError(err)
	}
	return task, nil
}

// DequeueEligible implements store.TaskStore.DequeueEligible
func (s *PostgresTaskStore) DequeueEligible(ctx context.Context, limit int) ([]*domain.Task, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM apply_queue
		WHERE status = $1
		  AND (next_attempt_time IS NULL OR next_attempt_time <= NOW())
		ORDER BY priority DESC, created_at ASC
		LIMIT $2
	`, taskColumns)

	rows, err := s.db.QueryContext(ctx, query, domain.TaskStatusPending, limit)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// MarkProcessing implements store.TaskStore.MarkProcessing
//
// The status check inside the UPDATE is what makes the claim atomic: a
// concurrent claimer loses the race and gets ErrTaskNotClaimable.
func (s *PostgresTaskStore) MarkProcessing(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := fmt.Sprintf(`
		UPDATE apply_queue
		SET status = $1, started_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING %s
	`, taskColumns)

	task, err := scanTask(s.db.QueryRowContext(ctx, query,
		domain.TaskStatusProcessing, id, domain.TaskStatusPending))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: task %s", store.ErrTaskNotClaimable, id)
		}
		return nil, MapError(err)
	}
	return task, nil
}

// MarkCompleted implements store.TaskStore.MarkCompleted
func (s *PostgresTaskStore) MarkCompleted(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := fmt.Sprintf(`
		UPDATE apply_queue
		SET status = $1, completed_at = NOW(), updated_at = NOW()
		WHERE id = $2
		RETURNING %s
	`, taskColumns)

	task, err := scanTask(s.db.QueryRowContext(ctx, query, domain.TaskStatusCompleted, id))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: task %s", store.ErrTaskNotFound, id)
		}
		return nil, MapError(err)
	}

	s.logger.InfoContext(ctx, "task completed",
		slog.String("task_id", id.String()),
		slog.String("kind", string(task.Kind)))
	return task, nil
}

// MarkFailed implements store.TaskStore.MarkFailed
func (s *PostgresTaskStore) MarkFailed(ctx context.Context, id uuid.UUID, message string) (*domain.Task, error) {
	query := fmt.Sprintf(`
		UPDATE apply_queue
		SET status = $1, error_message = $2, next_attempt_time = NULL,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $3
		RETURNING %s
	`, taskColumns)

	task, err := scanTask(s.db.QueryRowContext(ctx, query, domain.TaskStatusFailed, message, id))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: task %s", store.ErrTaskNotFound, id)
		}
		return nil, MapError(err)
	}
	return task, nil
}

// CancelPending implements store.TaskStore.CancelPending
func (s *PostgresTaskStore) CancelPending(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	query := fmt.Sprintf(`
		UPDATE apply_queue
		SET status = $1, error_message = 'cancelled', next_attempt_time = NULL,
			completed_at = NOW(), updated_at = NOW()
		WHERE id = $2 AND status = $3
		RETURNING %s
	`, taskColumns)

	task, err := scanTask(s.db.QueryRowContext(ctx, query,
		domain.TaskStatusFailed, id, domain.TaskStatusPending))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: task %s is not pending", store.ErrTaskNotClaimable, id)
		}
		return nil, MapError(err)
	}
	return task, nil
}

// IncrementRetry implements store.TaskStore.IncrementRetry
func (s *PostgresTaskStore) IncrementRetry(ctx context.Context, id uuid.UUID, message string) (*domain.Task, error) {
	return s.retry(ctx, id, message, "", 0)
}

// EnqueueHealthCheckRetry implements store.TaskStore.EnqueueHealthCheckRetry
func (s *PostgresTaskStore) EnqueueHealthCheckRetry(
	ctx context.Context,
	id uuid.UUID,
	issue health.IssueKind,
	cooldown time.Duration,
	message string,
) (*domain.Task, error) {
	return s.retry(ctx, id, message, issue, cooldown)
}

// retry is the shared retry path. It reads the task's retry counters, appends
// a structured error-log entry, and either reschedules the task or fails it
// when the budget is spent. A zero cooldown selects the generic exponential
// schedule.
func (s *PostgresTaskStore) retry(
	ctx context.Context,
	id uuid.UUID,
	message string,
	issue health.IssueKind,
	cooldown time.Duration,
) (*domain.Task, error) {
	current, err := s.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	retries := current.Retries + 1

	entry := domain.ErrorLogEntry{
		Timestamp: now,
		Retry:     retries,
		Message:   message,
	}
	if issue != "" {
		entry.IssueKind = string(issue)
		entry.CooldownSeconds = int(cooldown / time.Second)
	}
	errorLog, err := marshalErrorLog(append(current.ErrorLog, entry))
	if err != nil {
		return nil, err
	}

	var (
		status      domain.TaskStatus
		nextAttempt *time.Time
	)
	if retries >= current.MaxRetries {
		status = domain.TaskStatusFailed
		s.logger.WarnContext(ctx, "task retry budget exhausted",
			slog.String("task_id", id.String()),
			slog.Int("retries", retries),
			slog.String("error", message))
	} else {
		delay := cooldown
		if delay == 0 {
			delay = domain.RetryBackoff(retries)
		}
		next := now.Add(delay)
		status = domain.TaskStatusPending
		nextAttempt = &next
		s.logger.InfoContext(ctx, "task rescheduled",
			slog.String("task_id", id.String()),
			slog.Int("retry", retries),
			slog.Duration("delay", delay),
			slog.String("issue", string(issue)))
	}

	var completedAt *time.Time
	if status == domain.TaskStatusFailed {
		completedAt = &now
	}

	query := fmt.Sprintf(`
		UPDATE apply_queue
		SET status = $1, retries = $2, next_attempt_time = $3, error_message = $4,
			error_log = $5, completed_at = COALESCE($6, completed_at), updated_at = NOW()
		WHERE id = $7
		RETURNING %s
	`, taskColumns)

	task, err := scanTask(s.db.QueryRowContext(ctx, query,
		status, retries, nextAttempt, message, errorLog, completedAt, id))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: task %s", store.ErrTaskNotFound, id)
		}
		return nil, MapError(err)
	}
	return task, nil
}

// Requeue implements store.TaskStore.Requeue
func (s *PostgresTaskStore) Requeue(ctx context.Context, id uuid.UUID, delay time.Duration) (*domain.Task, error) {
	query := fmt.Sprintf(`
		UPDATE apply_queue
		SET status = $1, next_attempt_time = NOW() + $2::interval, updated_at = NOW()
		WHERE id = $3
		RETURNING %s
	`, taskColumns)

	interval := fmt.Sprintf("%d seconds", int(delay/time.Second))
	task, err := scanTask(s.db.QueryRowContext(ctx, query, domain.TaskStatusPending, interval, id))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: task %s", store.ErrTaskNotFound, id)
		}
		return nil, MapError(err)
	}
	return task, nil
}

// ResetStuck implements store.TaskStore.ResetStuck
func (s *PostgresTaskStore) ResetStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		UPDATE apply_queue
		SET status = $1, updated_at = NOW()
		WHERE status = $2 AND started_at < NOW() - $3::interval
	`

	interval := fmt.Sprintf("%d seconds", int(olderThan/time.Second))
	result, err := s.db.ExecContext(ctx, query,
		domain.TaskStatusPending, domain.TaskStatusProcessing, interval)
	if err != nil {
		return 0, MapError(err)
	}
	reset, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if reset > 0 {
		s.logger.WarnContext(ctx, "reset stuck tasks", slog.Int64("count", reset))
	}
	return int(reset), nil
}

// UpdateProgress implements store.TaskStore.UpdateProgress
func (s *PostgresTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, step string, progress []byte) error {
	query := `
		UPDATE apply_queue
		SET current_step = $1, progress = COALESCE($2, progress), updated_at = NOW()
		WHERE id = $3
	`
	result, err := s.db.ExecContext(ctx, query, step, nullableBytes(progress), id)
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(result, "task"); err != nil {
		return fmt.Errorf("%w: task %s", store.ErrTaskNotFound, id)
	}
	return nil
}

// SetSessionToken implements store.TaskStore.SetSessionToken
func (s *PostgresTaskStore) SetSessionToken(ctx context.Context, id uuid.UUID, token string) error {
	query := `UPDATE apply_queue SET session_token = $1, updated_at = NOW() WHERE id = $2`

	result, err := s.db.ExecContext(ctx, query, token, id)
	if err != nil {
		return MapError(err)
	}
	if err := CheckRowsAffected(result, "task"); err != nil {
		return fmt.Errorf("%w: task %s", store.ErrTaskNotFound, id)
	}
	return nil
}

// ListByOwner implements store.TaskStore.ListByOwner
func (s *PostgresTaskStore) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM apply_queue
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, taskColumns)

	rows, err := s.db.QueryContext(ctx, query, ownerID, limit)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, MapError(err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return tasks, nil
}

// Stats implements store.TaskStore.Stats
func (s *PostgresTaskStore) Stats(ctx context.Context, ownerID *uuid.UUID) (*store.QueueStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'processing'),
			COUNT(*) FILTER (WHERE status = 'completed'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM apply_queue
		WHERE $1::uuid IS NULL OR owner_id = $1
	`

	stats := &store.QueueStats{}
	err := s.db.QueryRowContext(ctx, query, ownerID).Scan(
		&stats.Total, &stats.Pending, &stats.Processing, &stats.Completed, &stats.Failed)
	if err != nil {
		return nil, MapError(err)
	}
	return stats, nil
}

// DeleteCompletedBefore implements store.TaskStore.DeleteCompletedBefore
func (s *PostgresTaskStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	query := `DELETE FROM apply_queue WHERE status = $1 AND completed_at < $2`

	result, err := s.db.ExecContext(ctx, query, domain.TaskStatusCompleted, cutoff)
	if err != nil {
		return 0, MapError(err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scanning.
type rowScanner interface {
	Scan(dest ...any) error
}

// scanTask maps one apply_queue row to a domain Task.
func scanTask(row rowScanner) (*domain.Task, error) {
	var (
		task     domain.Task
		progress []byte
		errorLog []byte
	)

	err := row.Scan(
		&task.ID, &task.OwnerID, &task.Kind, &task.Status, &task.Priority,
		&task.Retries, &task.MaxRetries, &task.NextAttemptAt, &task.SessionToken,
		&task.JobRef, &task.CurrentStep, &progress, &task.ErrorMessage,
		&errorLog, &task.CreatedAt, &task.UpdatedAt, &task.StartedAt, &task.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	task.Progress = progress
	if len(errorLog) > 0 {
		if err := json.Unmarshal(errorLog, &task.ErrorLog); err != nil {
			return nil, fmt.Errorf("failed to unmarshal task error log: %w", err)
		}
	}
	return &task, nil
}

// marshalErrorLog serializes the error log for the JSONB column. An empty log
// is stored as NULL rather than an empty array.
func marshalErrorLog(log []domain.ErrorLogEntry) ([]byte, error) {
	if len(log) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(log)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task error log: %w", err)
	}
	return data, nil
}

// nullableBytes maps an empty byte slice to NULL for JSONB columns.
func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
