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

// MockSessionStore implements store.SessionStore for testing. The default
// implementation is an in-memory registry keyed by session token with the
// same transition rules as the Postgres store.
type MockSessionStore struct {
	// Function fields for customizable behavior
	CreateFn           func(ctx context.Context, session *domain.Session) error
	GetByTokenFn       func(ctx context.Context, token string) (*domain.Session, error)
	CountConcurrentFn  func(ctx context.Context, ownerID uuid.UUID) (int, error)
	ListConcurrentFn   func(ctx context.Context, ownerID uuid.UUID) ([]*domain.Session, error)
	ClaimIdleFn        func(ctx context.Context, ownerID uuid.UUID, taskID uuid.UUID) (*domain.Session, error)
	MarkInUseFn        func(ctx context.Context, token string, taskID uuid.UUID) (*domain.Session, error)
	MarkIdleFn         func(ctx context.Context, token string) (*domain.Session, error)
	MarkTaintedFn      func(ctx context.Context, token string, issue health.IssueKind, reason string) (*domain.Session, error)
	RecordErrorFn      func(ctx context.Context, token string, message string) (*domain.Session, error)
	IncrementAppliesFn func(ctx context.Context, token string) (*domain.Session, error)
	DisposeFn          func(ctx context.Context, token string, reason string) (*domain.Session, error)
	CleanupExpiredFn   func(ctx context.Context, ownerID uuid.UUID, idleTimeout time.Duration) (int, error)
	CleanupDisposedFn  func(ctx context.Context, ownerID uuid.UUID, keepLastN int) (int, error)

	// Now is the clock used by the default implementation.
	Now func() time.Time

	mu       sync.Mutex
	Sessions map[string]*domain.Session
}

// NewMockSessionStore creates a new mock store with initialized defaults.
func NewMockSessionStore() *MockSessionStore {
	return &MockSessionStore{
		Sessions: make(map[string]*domain.Session),
		Now:      time.Now,
	}
}

// Create implements the SessionStore interface.
func (m *MockSessionStore) Create(ctx context.Context, session *domain.Session) error {
	if m.CreateFn != nil {
		return m.CreateFn(ctx, session)
	}

	if err := session.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.Sessions[session.Token]; exists {
		return store.ErrSessionTokenExists
	}
	cp := *session
	m.Sessions[session.Token] = &cp
	return nil
}

// GetByToken implements the SessionStore interface.
func (m *MockSessionStore) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	if m.GetByTokenFn != nil {
		return m.GetByTokenFn(ctx, token)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(token)
}

// CountConcurrent implements the SessionStore interface.
func (m *MockSessionStore) CountConcurrent(ctx context.Context, ownerID uuid.UUID) (int, error) {
	if m.CountConcurrentFn != nil {
		return m.CountConcurrentFn(ctx, ownerID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, s := range m.Sessions {
		if s.OwnerID == ownerID && s.Status.IsConcurrent() {
			count++
		}
	}
	return count, nil
}

// ListConcurrent implements the SessionStore interface.
func (m *MockSessionStore) ListConcurrent(ctx context.Context, ownerID uuid.UUID) ([]*domain.Session, error) {
	if m.ListConcurrentFn != nil {
		return m.ListConcurrentFn(ctx, ownerID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var live []*domain.Session
	for _, s := range m.Sessions {
		if s.OwnerID == ownerID && s.Status.IsConcurrent() {
			cp := *s
			live = append(live, &cp)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		return live[i].StartedAt.After(live[j].StartedAt)
	})
	return live, nil
}

// ClaimIdle implements the SessionStore interface.
func (m *MockSessionStore) ClaimIdle(ctx context.Context, ownerID uuid.UUID, taskID uuid.UUID) (*domain.Session, error) {
	if m.ClaimIdleFn != nil {
		return m.ClaimIdleFn(ctx, ownerID, taskID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var idle []*domain.Session
	for _, s := range m.Sessions {
		if s.OwnerID == ownerID && s.Status == domain.SessionStatusIdle {
			idle = append(idle, s)
		}
	}
	if len(idle) == 0 {
		return nil, store.ErrSessionNotFound
	}
	// Most recently active first, matching the Postgres ORDER BY.
	sort.SliceStable(idle, func(i, j int) bool {
		return idle[i].LastActivityAt.After(idle[j].LastActivityAt)
	})

	now := m.Now().UTC()
	claimed := idle[0]
	claimed.Status = domain.SessionStatusInUse
	claimed.TaskID = &taskID
	claimed.LastActivityAt = now
	claimed.UpdatedAt = now
	cp := *claimed
	return &cp, nil
}

// MarkInUse implements the SessionStore interface.
func (m *MockSessionStore) MarkInUse(ctx context.Context, token string, taskID uuid.UUID) (*domain.Session, error) {
	if m.MarkInUseFn != nil {
		return m.MarkInUseFn(ctx, token, taskID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.Sessions[token]
	if !ok || (s.Status != domain.SessionStatusActive && s.Status != domain.SessionStatusIdle) {
		return nil, store.ErrSessionNotFound
	}

	now := m.Now().UTC()
	s.Status = domain.SessionStatusInUse
	s.TaskID = &taskID
	s.LastActivityAt = now
	s.UpdatedAt = now
	cp := *s
	return &cp, nil
}

// MarkIdle implements the SessionStore interface.
func (m *MockSessionStore) MarkIdle(ctx context.Context, token string) (*domain.Session, error) {
	if m.MarkIdleFn != nil {
		return m.MarkIdleFn(ctx, token)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.mutableLocked(token)
	if err != nil {
		return nil, err
	}

	now := m.Now().UTC()
	s.Status = domain.SessionStatusIdle
	s.TaskID = nil
	s.LastActivityAt = now
	s.UpdatedAt = now
	cp := *s
	return &cp, nil
}

// MarkTainted implements the SessionStore interface.
func (m *MockSessionStore) MarkTainted(ctx context.Context, token string, issue health.IssueKind, reason string) (*domain.Session, error) {
	if m.MarkTaintedFn != nil {
		return m.MarkTaintedFn(ctx, token, issue, reason)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.mutableLocked(token)
	if err != nil {
		return nil, err
	}

	now := m.Now().UTC()
	issueStr := string(issue)
	s.Status = domain.SessionStatusTainted
	s.HealthIssueCount++
	s.LastHealthIssue = &issueStr
	s.LastErrorMessage = &reason
	s.LastActivityAt = now
	s.UpdatedAt = now
	cp := *s
	return &cp, nil
}

// RecordError implements the SessionStore interface.
func (m *MockSessionStore) RecordError(ctx context.Context, token string, message string) (*domain.Session, error) {
	if m.RecordErrorFn != nil {
		return m.RecordErrorFn(ctx, token, message)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.mutableLocked(token)
	if err != nil {
		return nil, err
	}

	s.ErrorCount++
	s.LastErrorMessage = &message
	s.UpdatedAt = m.Now().UTC()
	cp := *s
	return &cp, nil
}

// IncrementApplies implements the SessionStore interface.
func (m *MockSessionStore) IncrementApplies(ctx context.Context, token string) (*domain.Session, error) {
	if m.IncrementAppliesFn != nil {
		return m.IncrementAppliesFn(ctx, token)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.mutableLocked(token)
	if err != nil {
		return nil, err
	}

	now := m.Now().UTC()
	s.AppliesCompleted++
	s.LastActivityAt = now
	s.UpdatedAt = now
	cp := *s
	return &cp, nil
}

// Dispose implements the SessionStore interface.
func (m *MockSessionStore) Dispose(ctx context.Context, token string, reason string) (*domain.Session, error) {
	if m.DisposeFn != nil {
		return m.DisposeFn(ctx, token, reason)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, err := m.mutableLocked(token)
	if err != nil {
		return nil, err
	}

	now := m.Now().UTC()
	duration := int(now.Sub(s.StartedAt) / time.Second)
	s.Status = domain.SessionStatusDisposed
	s.TaskID = nil
	s.TerminationReason = &reason
	s.EndedAt = &now
	s.DurationSeconds = &duration
	s.UpdatedAt = now
	cp := *s
	return &cp, nil
}

// CleanupExpired implements the SessionStore interface.
func (m *MockSessionStore) CleanupExpired(ctx context.Context, ownerID uuid.UUID, idleTimeout time.Duration) (int, error) {
	if m.CleanupExpiredFn != nil {
		return m.CleanupExpiredFn(ctx, ownerID, idleTimeout)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.Now().UTC()
	cutoff := now.Add(-idleTimeout)
	disposed := 0
	for _, s := range m.Sessions {
		if s.OwnerID != ownerID {
			continue
		}
		if (s.Status == domain.SessionStatusActive || s.Status == domain.SessionStatusIdle) &&
			s.LastActivityAt.Before(cutoff) {
			reason := "idle_timeout"
			duration := int(now.Sub(s.StartedAt) / time.Second)
			s.Status = domain.SessionStatusDisposed
			s.TerminationReason = &reason
			s.EndedAt = &now
			s.DurationSeconds = &duration
			s.UpdatedAt = now
			disposed++
		}
	}
	return disposed, nil
}

// CleanupDisposed implements the SessionStore interface.
func (m *MockSessionStore) CleanupDisposed(ctx context.Context, ownerID uuid.UUID, keepLastN int) (int, error) {
	if m.CleanupDisposedFn != nil {
		return m.CleanupDisposedFn(ctx, ownerID, keepLastN)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var disposed []*domain.Session
	for _, s := range m.Sessions {
		if s.OwnerID == ownerID && s.Status == domain.SessionStatusDisposed {
			disposed = append(disposed, s)
		}
	}
	if len(disposed) <= keepLastN {
		return 0, nil
	}

	sort.SliceStable(disposed, func(i, j int) bool {
		var ti, tj time.Time
		if disposed[i].EndedAt != nil {
			ti = *disposed[i].EndedAt
		}
		if disposed[j].EndedAt != nil {
			tj = *disposed[j].EndedAt
		}
		return ti.After(tj)
	})

	deleted := 0
	for _, s := range disposed[keepLastN:] {
		delete(m.Sessions, s.Token)
		deleted++
	}
	return deleted, nil
}

// WithTx implements the SessionStore interface. The mock has no
// transactions, so it returns itself.
func (m *MockSessionStore) WithTx(tx *sql.Tx) store.SessionStore {
	return m
}

// getLocked returns a copy of the session or ErrSessionNotFound. Callers
// must hold m.mu.
func (m *MockSessionStore) getLocked(token string) (*domain.Session, error) {
	s, ok := m.Sessions[token]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	cp := *s
	return &cp, nil
}

// mutableLocked returns the stored session or ErrSessionNotFound. Callers
// must hold m.mu.
func (m *MockSessionStore) mutableLocked(token string) (*domain.Session, error) {
	s, ok := m.Sessions[token]
	if !ok {
		return nil, store.ErrSessionNotFound
	}
	return s, nil
}
