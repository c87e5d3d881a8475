package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/health"
)

// SessionStore defines the interface for the durable browser-session
// registry. Status transitions are read-modify-write atomic per session row:
// two workers must never both claim the same session as in-use.
type SessionStore interface {
	// Create inserts a new session record in active status.
	// Returns ErrSessionTokenExists if the token is already registered.
	// Returns validation errors from the domain Session if data is invalid.
	Create(ctx context.Context, session *domain.Session) error

	// GetByToken retrieves a session by its token.
	// Returns ErrSessionNotFound if the session does not exist.
	GetByToken(ctx context.Context, token string) (*domain.Session, error)

	// CountConcurrent returns the number of sessions for the owner in a
	// status that counts against the concurrency cap (active, idle, in_use).
	CountConcurrent(ctx context.Context, ownerID uuid.UUID) (int, error)

	// ListConcurrent returns the owner's live sessions, newest first.
	ListConcurrent(ctx context.Context, ownerID uuid.UUID) ([]*domain.Session, error)

	// ClaimIdle atomically transitions one of the owner's idle sessions to
	// in_use for the given task and returns it. Returns ErrSessionNotFound
	// when the owner has no idle session. The claim is a conditional update,
	// so concurrent callers cannot claim the same session.
	ClaimIdle(ctx context.Context, ownerID uuid.UUID, taskID uuid.UUID) (*domain.Session, error)

	// MarkInUse atomically transitions the session to in_use for the given
	// task. Returns ErrSessionNotFound if the session does not exist or is
	// not in a claimable status (active or idle).
	MarkInUse(ctx context.Context, token string, taskID uuid.UUID) (*domain.Session, error)

	// MarkIdle transitions the session back to idle and clears its task.
	// Returns ErrSessionNotFound if the session does not exist.
	MarkIdle(ctx context.Context, token string) (*domain.Session, error)

	// MarkTainted transitions the session to tainted, recording the health
	// issue and reason. Returns ErrSessionNotFound if the session does not exist.
	MarkTainted(ctx context.Context, token string, issue health.IssueKind, reason string) (*domain.Session, error)

	// RecordError increments the session error counter and stores the last
	// error message. Returns ErrSessionNotFound if the session does not exist.
	RecordError(ctx context.Context, token string, message string) (*domain.Session, error)

	// IncrementApplies increments the applies-completed counter.
	// Returns ErrSessionNotFound if the session does not exist.
	IncrementApplies(ctx context.Context, token string) (*domain.Session, error)

	// Dispose transitions the session to disposed with a termination reason
	// and computes its duration. Returns ErrSessionNotFound if the session
	// does not exist.
	Dispose(ctx context.Context, token string, reason string) (*domain.Session, error)

	// CleanupExpired disposes the owner's active/idle sessions whose last
	// activity is older than the idle timeout, returning the number disposed.
	CleanupExpired(ctx context.Context, ownerID uuid.UUID, idleTimeout time.Duration) (int, error)

	// CleanupDisposed prunes disposal history, retaining only the owner's
	// keepLastN most recent disposed sessions for audit. Returns the number
	// deleted.
	CleanupDisposed(ctx context.Context, ownerID uuid.UUID, keepLastN int) (int, error)

	// WithTx returns a new SessionStore instance that uses the provided transaction.
	// This allows for multiple operations to be executed within a single transaction.
	// The transaction should be created and managed by the caller (typically a service).
	WithTx(tx *sql.Tx) SessionStore
}
