package mocks

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/health"
	"github.com/phrazzld/applyq/internal/store"
)

// MockTaskStore implements store.TaskStore for testing. The default
// implementation is a full in-memory queue honoring the same status
// transitions and backoff scheduling the Postgres store does.
type MockTaskStore struct {
	// Function fields for customizable behavior
	CreateFn                  func(ctx context.Context, task *domain.Task) error
	GetByIDFn                 func(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	DequeueEligibleFn         func(ctx context.Context, limit int) ([]*domain.Task, error)
	MarkProcessingFn          func(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	MarkCompletedFn           func(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	MarkFailedFn              func(ctx context.Context, id uuid.UUID, message string) (*domain.Task, error)
	CancelPendingFn           func(ctx context.Context, id uuid.UUID) (*domain.Task, error)
	IncrementRetryFn          func(ctx context.Context, id uuid.UUID, message string) (*domain.Task, error)
	EnqueueHealthCheckRetryFn func(ctx context.Context, id uuid.UUID, issue health.IssueKind, cooldown time.Duration, message string) (*domain.Task, error)
	RequeueFn                 func(ctx context.Context, id uuid.UUID, delay time.Duration) (*domain.Task, error)
	ResetStuckFn              func(ctx context.Context, olderThan time.Duration) (int, error)
	UpdateProgressFn          func(ctx context.Context, id uuid.UUID, step string, progress []byte) error
	SetSessionTokenFn         func(ctx context.Context, id uuid.UUID, token string) error
	ListByOwnerFn             func(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error)
	StatsFn                   func(ctx context.Context, ownerID *uuid.UUID) (*store.QueueStats, error)
	DeleteCompletedBeforeFn   func(ctx context.Context, cutoff time.Time) (int, error)

	// Now is the clock used by the default implementation; tests override it
	// to freeze backoff arithmetic.
	Now func() time.Time

	mu    sync.Mutex
	Tasks map[uuid.UUID]*domain.Task
}

// NewMockTaskStore creates a new mock store with initialized defaults.
func NewMockTaskStore() *MockTaskStore {
	return &MockTaskStore{
		Tasks: make(map[uuid.UUID]*domain.Task),
		Now:   time.Now,
	}
}

// Create implements the TaskStore interface.
func (m *MockTaskStore) Create(ctx context.Context, task *domain.Task) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, task)
	}

	if err := task.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *task
	m.Tasks[task.ID] = &cp
	return nil
}

// GetByID implements the TaskStore interface.
func (m *MockTaskStore) GetByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if m.GetByIDFn != nil {
		return m.GetByIDFn(ctx, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

// DequeueEligible implements the TaskStore interface.
func (m *MockTaskStore) DequeueEligible(ctx context.Context, limit int) ([]*domain.Task, error) {
	if m.DequeueEligibleFn != nil {
		return m.DequeueEligibleFn(ctx, limit)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now()
	var eligible []*domain.Task
	for _, t := range m.Tasks {
		if t.Status != domain.TaskStatusPending {
			continue
		}
		if t.NextAttemptAt != nil && t.NextAttemptAt.After(now) {
			continue
		}
		cp := *t
		eligible = append(eligible, &cp)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].Priority != eligible[j].Priority {
			return eligible[i].Priority > eligible[j].Priority
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})

	if limit > 0 && len(eligible) > limit {
		eligible = eligible[:limit]
	}
	return eligible, nil
}

// MarkProcessing implements the TaskStore interface.
func (m *MockTaskStore) MarkProcessing(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if m.MarkProcessingFn != nil {
		return m.MarkProcessingFn(ctx, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskStatusPending {
		return nil, store.ErrTaskNotClaimable
	}

	now := m.Now().UTC()
	stored := m.Tasks[id]
	stored.Status = domain.TaskStatusProcessing
	stored.StartedAt = &now
	stored.UpdatedAt = now
	cp := *stored
	return &cp, nil
}

// MarkCompleted implements the TaskStore interface.
func (m *MockTaskStore) MarkCompleted(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if m.MarkCompletedFn != nil {
		return m.MarkCompletedFn(ctx, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getLocked(id); err != nil {
		return nil, err
	}

	now := m.Now().UTC()
	stored := m.Tasks[id]
	stored.Status = domain.TaskStatusCompleted
	stored.CompletedAt = &now
	stored.UpdatedAt = now
	cp := *stored
	return &cp, nil
}

// MarkFailed implements the TaskStore interface.
func (m *MockTaskStore) MarkFailed(ctx context.Context, id uuid.UUID, message string) (*domain.Task, error) {
	if m.MarkFailedFn != nil {
		return m.MarkFailedFn(ctx, id, message)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getLocked(id); err != nil {
		return nil, err
	}

	now := m.Now().UTC()
	stored := m.Tasks[id]
	stored.Status = domain.TaskStatusFailed
	stored.ErrorMessage = &message
	stored.NextAttemptAt = nil
	stored.CompletedAt = &now
	stored.UpdatedAt = now
	cp := *stored
	return &cp, nil
}

// CancelPending implements the TaskStore interface.
func (m *MockTaskStore) CancelPending(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	if m.CancelPendingFn != nil {
		return m.CancelPendingFn(ctx, id)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, err := m.getLocked(id)
	if err != nil {
		return nil, err
	}
	if t.Status != domain.TaskStatusPending {
		return nil, store.ErrTaskNotClaimable
	}

	now := m.Now().UTC()
	message := "cancelled"
	stored := m.Tasks[id]
	stored.Status = domain.TaskStatusFailed
	stored.ErrorMessage = &message
	stored.NextAttemptAt = nil
	stored.CompletedAt = &now
	stored.UpdatedAt = now
	cp := *stored
	return &cp, nil
}

// IncrementRetry implements the TaskStore interface.
func (m *MockTaskStore) IncrementRetry(ctx context.Context, id uuid.UUID, message string) (*domain.Task, error) {
	if m.IncrementRetryFn != nil {
		return m.IncrementRetryFn(ctx, id, message)
	}
	return m.retry(id, message, "", 0)
}

// EnqueueHealthCheckRetry implements the TaskStore interface.
func (m *MockTaskStore) EnqueueHealthCheckRetry(
	ctx context.Context,
	id uuid.UUID,
	issue health.IssueKind,
	cooldown time.Duration,
	message string,
) (*domain.Task, error) {
	if m.EnqueueHealthCheckRetryFn != nil {
		return m.EnqueueHealthCheckRetryFn(ctx, id, issue, cooldown, message)
	}
	return m.retry(id, message, issue, cooldown)
}

// Requeue implements the TaskStore interface.
func (m *MockTaskStore) Requeue(ctx context.Context, id uuid.UUID, delay time.Duration) (*domain.Task, error) {
	if m.RequeueFn != nil {
		return m.RequeueFn(ctx, id, delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getLocked(id); err != nil {
		return nil, err
	}

	now := m.Now().UTC()
	next := now.Add(delay)
	stored := m.Tasks[id]
	stored.Status = domain.TaskStatusPending
	stored.NextAttemptAt = &next
	stored.UpdatedAt = now
	cp := *stored
	return &cp, nil
}

// ResetStuck implements the TaskStore interface.
func (m *MockTaskStore) ResetStuck(ctx context.Context, olderThan time.Duration) (int, error) {
	if m.ResetStuckFn != nil {
		return m.ResetStuckFn(ctx, olderThan)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.Now().UTC().Add(-olderThan)
	reset := 0
	for _, t := range m.Tasks {
		if t.Status == domain.TaskStatusProcessing && t.StartedAt != nil && t.StartedAt.Before(cutoff) {
			t.Status = domain.TaskStatusPending
			t.UpdatedAt = m.Now().UTC()
			reset++
		}
	}
	return reset, nil
}

// UpdateProgress implements the TaskStore interface.
func (m *MockTaskStore) UpdateProgress(ctx context.Context, id uuid.UUID, step string, progress []byte) error {
	if m.UpdateProgressFn != nil {
		return m.UpdateProgressFn(ctx, id, step, progress)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getLocked(id); err != nil {
		return err
	}

	stored := m.Tasks[id]
	stored.CurrentStep = &step
	if progress != nil {
		stored.Progress = progress
	}
	stored.UpdatedAt = m.Now().UTC()
	return nil
}

// SetSessionToken implements the TaskStore interface.
func (m *MockTaskStore) SetSessionToken(ctx context.Context, id uuid.UUID, token string) error {
	if m.SetSessionTokenFn != nil {
		return m.SetSessionTokenFn(ctx, id, token)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getLocked(id); err != nil {
		return err
	}

	stored := m.Tasks[id]
	stored.SessionToken = &token
	stored.UpdatedAt = m.Now().UTC()
	return nil
}

// ListByOwner implements the TaskStore interface.
func (m *MockTaskStore) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]*domain.Task, error) {
	if m.ListByOwnerFn != nil {
		return m.ListByOwnerFn(ctx, ownerID, limit)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var owned []*domain.Task
	for _, t := range m.Tasks {
		if t.OwnerID == ownerID {
			cp := *t
			owned = append(owned, &cp)
		}
	}
	sort.SliceStable(owned, func(i, j int) bool {
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})
	if limit > 0 && len(owned) > limit {
		owned = owned[:limit]
	}
	return owned, nil
}

// Stats implements the TaskStore interface.
func (m *MockTaskStore) Stats(ctx context.Context, ownerID *uuid.UUID) (*store.QueueStats, error) {
	if m.StatsFn != nil {
		return m.StatsFn(ctx, ownerID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &store.QueueStats{}
	for _, t := range m.Tasks {
		if ownerID != nil && t.OwnerID != *ownerID {
			continue
		}
		stats.Total++
		switch t.Status {
		case domain.TaskStatusPending:
			stats.Pending++
		case domain.TaskStatusProcessing:
			stats.Processing++
		case domain.TaskStatusCompleted:
			stats.Completed++
		case domain.TaskStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// DeleteCompletedBefore implements the TaskStore interface.
func (m *MockTaskStore) DeleteCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	if m.DeleteCompletedBeforeFn != nil {
		return m.DeleteCompletedBeforeFn(ctx, cutoff)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	deleted := 0
	for id, t := range m.Tasks {
		if t.Status == domain.TaskStatusCompleted && t.CompletedAt != nil && t.CompletedAt.Before(cutoff) {
			delete(m.Tasks, id)
			deleted++
		}
	}
	return deleted, nil
}

// WithTx implements the TaskStore interface. The mock has no transactions,
// so it returns itself.
func (m *MockTaskStore) WithTx(tx *sql.Tx) store.TaskStore {
	return m
}

// retry is the shared retry path: append an error-log entry, then either
// fail the task permanently or reschedule it. A zero cooldown means the
// generic exponential schedule applies.
func (m *MockTaskStore) retry(id uuid.UUID, message string, issue health.IssueKind, cooldown time.Duration) (*domain.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.getLocked(id); err != nil {
		return nil, err
	}

	now := m.Now().UTC()
	stored := m.Tasks[id]
	stored.Retries++
	stored.ErrorMessage = &message

	entry := domain.ErrorLogEntry{
		Timestamp: now,
		Retry:     stored.Retries,
		Message:   message,
	}
	if issue != "" {
		entry.IssueKind = string(issue)
		entry.CooldownSeconds = int(cooldown / time.Second)
	}
	stored.ErrorLog = append(stored.ErrorLog, entry)

	if stored.Retries >= stored.MaxRetries {
		stored.Status = domain.TaskStatusFailed
		stored.NextAttemptAt = nil
		stored.CompletedAt = &now
	} else {
		delay := cooldown
		if delay == 0 {
			delay = domain.RetryBackoff(stored.Retries)
		}
		next := now.Add(delay)
		stored.Status = domain.TaskStatusPending
		stored.NextAttemptAt = &next
	}
	stored.UpdatedAt = now
	cp := *stored
	return &cp, nil
}

// getLocked returns a copy of the task or ErrTaskNotFound. Callers must hold m.mu.
func (m *MockTaskStore) getLocked(id uuid.UUID) (*domain.Task, error) {
	t, ok := m.Tasks[id]
	if !ok {
		return nil, store.ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}
