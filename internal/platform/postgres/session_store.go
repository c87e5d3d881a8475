package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/health"
	"github.com/phrazzld/applyq/internal/store"
)

// sessionColumns is the canonical column list for sessions scans.
const sessionColumns = `id, session_token, owner_id, status, task_id, browser_kind,
	headless, applies_completed, error_count, health_issue_count, last_health_issue,
	last_error_message, started_at, last_activity, ended_at, duration_seconds,
	termination_reason, created_at, updated_at`

// PostgresSessionStore implements the store.SessionStore interface
// using a PostgreSQL database as the storage backend.
type PostgresSessionStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresSessionStore creates a new PostgreSQL implementation of the SessionStore interface.
// It accepts a database connection or transaction that should be initialized and managed by the caller.
// If logger is nil, a default logger will be used.
func NewPostgresSessionStore(db store.DBTX, logger *slog.Logger) *PostgresSessionStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresSessionStore{
		db:     db,
		logger: logger.With(slog.String("component", "session_store")),
	}
}

// Ensure PostgresSessionStore implements store.SessionStore interface
var _ store.SessionStore = (*PostgresSessionStore)(nil)

// WithTx implements store.SessionStore.WithTx
func (s *PostgresSessionStore) WithTx(tx *sql.Tx) store.SessionStore {
	return &PostgresSessionStore{
		db:     tx,
		logger: s.logger,
	}
}

// Create implements store.SessionStore.Create
func (s *PostgresSessionStore) Create(ctx context.Context, session *domain.Session) error {
	if err := session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}

	query := `
		INSERT INTO sessions (id, session_token, owner_id, status, task_id,
			browser_kind, headless, applies_completed, error_count,
			health_issue_count, started_at, last_activity, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	_, err := s.db.ExecContext(ctx, query,
		session.ID, session.Token, session.OwnerID, session.Status, session.TaskID,
		session.BrowserKind, session.Headless, session.AppliesCompleted,
		session.ErrorCount, session.HealthIssueCount, session.StartedAt,
		session.LastActivityAt, session.CreatedAt, session.UpdatedAt,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return fmt.Errorf("%w: %s", store.ErrSessionTokenExists, session.Token)
		}
		s.logger.ErrorContext(ctx, "failed to create session",
			slog.String("session_token", session.Token),
			slog.String("error", err.Error()))
		return MapError(err)
	}

	return nil
}

// GetByToken implements store.SessionStore.GetByToken
func (s *PostgresSessionStore) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE session_token = $1`, sessionColumns)

	session, err := scanSession(s.db.QueryRowContext(ctx, query, token))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, token)
		}
		return nil, MapError(err)
	}
	return session, nil
}

// CountConcurrent implements store.SessionStore.CountConcurrent
func (s *PostgresSessionStore) CountConcurrent(ctx context.Context, ownerID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM sessions
		WHERE owner_id = $1 AND status IN ('active', 'idle', 'in_use')
	`

	var count int
	if err := s.db.QueryRowContext(ctx, query, ownerID).Scan(&count); err != nil {
		return 0, MapError(err)
	}
	return count, nil
}

// ListConcurrent implements store.SessionStore.ListConcurrent
func (s *PostgresSessionStore) ListConcurrent(ctx context.Context, ownerID uuid.UUID) ([]*domain.Session, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM sessions
		WHERE owner_id = $1 AND status IN ('active', 'idle', 'in_use')
		ORDER BY started_at DESC
	`, sessionColumns)

	rows, err := s.db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, MapError(err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*domain.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, MapError(err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, MapError(err)
	}
	return sessions, nil
}

// ClaimIdle implements store.SessionStore.ClaimIdle
//
// The nested SELECT with FOR UPDATE SKIP LOCKED makes the claim safe under
// concurrency: two workers asking for an idle session get different rows or
// none, never the same one.
func (s *PostgresSessionStore) ClaimIdle(ctx context.Context, ownerID uuid.UUID, taskID uuid.UUID) (*domain.Session, error) {
	query := fmt.Sprintf(`
		UPDATE sessions
		SET status = 'in_use', task_id = $1, last_activity = NOW(), updated_at = NOW()
		WHERE session_token = (
			SELECT session_token
			FROM sessions
			WHERE owner_id = $2 AND status = 'idle'
			ORDER BY last_activity DESC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s
	`, sessionColumns)

	session, err := scanSession(s.db.QueryRowContext(ctx, query, taskID, ownerID))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: no idle session for owner %s", store.ErrSessionNotFound, ownerID)
		}
		return nil, MapError(err)
	}
	return session, nil
}

// MarkInUse implements store.SessionStore.MarkInUse
func (s *PostgresSessionStore) MarkInUse(ctx context.Context, token string, taskID uuid.UUID) (*domain.Session, error) {
	query := fmt.Sprintf(`
		UPDATE sessions
		SET status = 'in_use', task_id = $1, last_activity = NOW(), updated_at = NOW()
		WHERE session_token = $2 AND status IN ('active', 'idle')
		RETURNING %s
	`, sessionColumns)

	session, err := scanSession(s.db.QueryRowContext(ctx, query, taskID, token))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s is not claimable", store.ErrSessionNotFound, token)
		}
		return nil, MapError(err)
	}
	return session, nil
}

// MarkIdle implements store.SessionStore.MarkIdle
func (s *PostgresSessionStore) MarkIdle(ctx context.Context, token string) (*domain.Session, error) {
	query := fmt.Sprintf(`
		UPDATE sessions
		SET status = 'idle', task_id = NULL, last_activity = NOW(), updated_at = NOW()
		WHERE session_token = $1
		RETURNING %s
	`, sessionColumns)

	return s.updateByToken(ctx, query, token)
}

// MarkTainted implements store.SessionStore.MarkTainted
func (s *PostgresSessionStore) MarkTainted(ctx context.Context, token string, issue health.IssueKind, reason string) (*domain.Session, error) {
	query := fmt.Sprintf(`
		UPDATE sessions
		SET status = 'tainted', health_issue_count = health_issue_count + 1,
			last_health_issue = $1, last_error_message = $2,
			last_activity = NOW(), updated_at = NOW()
		WHERE session_token = $3
		RETURNING %s
	`, sessionColumns)

	session, err := scanSession(s.db.QueryRowContext(ctx, query, string(issue), reason, token))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, token)
		}
		return nil, MapError(err)
	}

	s.logger.WarnContext(ctx, "session tainted",
		slog.String("session_token", token),
		slog.String("issue", string(issue)),
		slog.String("reason", reason))
	return session, nil
}

// RecordError implements store.SessionStore.RecordError
func (s *PostgresSessionStore) RecordError(ctx context.Context, token string, message string) (*domain.Session, error) {
	query := fmt.Sprintf(`
		UPDATE sessions
		SET error_count = error_count + 1, last_error_message = $1, updated_at = NOW()
		WHERE session_token = $2
		RETURNING %s
	`, sessionColumns)

	session, err := scanSession(s.db.QueryRowContext(ctx, query, message, token))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, token)
		}
		return nil, MapError(err)
	}
	return session, nil
}

// IncrementApplies implements store.SessionStore.IncrementApplies
func (s *PostgresSessionStore) IncrementApplies(ctx context.Context, token string) (*domain.Session, error) {
	query := fmt.Sprintf(`
		UPDATE sessions
		SET applies_completed = applies_completed + 1,
			last_activity = NOW(), updated_at = NOW()
		WHERE session_token = $1
		RETURNING %s
	`, sessionColumns)

	return s.updateByToken(ctx, query, token)
}

// Dispose implements store.SessionStore.Dispose
func (s *PostgresSessionStore) Dispose(ctx context.Context, token string, reason string) (*domain.Session, error) {
	query := fmt.Sprintf(`
		UPDATE sessions
		SET status = 'disposed', task_id = NULL, termination_reason = $1,
			ended_at = NOW(),
			duration_seconds = EXTRACT(EPOCH FROM (NOW() - started_at))::int,
			updated_at = NOW()
		WHERE session_token = $2
		RETURNING %s
	`, sessionColumns)

	session, err := scanSession(s.db.QueryRowContext(ctx, query, reason, token))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, token)
		}
		return nil, MapError(err)
	}
	return session, nil
}

// CleanupExpired implements store.SessionStore.CleanupExpired
func (s *PostgresSessionStore) CleanupExpired(ctx context.Context, ownerID uuid.UUID, idleTimeout time.Duration) (int, error) {
	query := `
		UPDATE sessions
		SET status = 'disposed', termination_reason = 'idle_timeout',
			ended_at = NOW(),
			duration_seconds = EXTRACT(EPOCH FROM (NOW() - started_at))::int,
			updated_at = NOW()
		WHERE owner_id = $1
		  AND status IN ('active', 'idle')
		  AND last_activity < NOW() - $2::interval
	`

	interval := fmt.Sprintf("%d seconds", int(idleTimeout/time.Second))
	result, err := s.db.ExecContext(ctx, query, ownerID, interval)
	if err != nil {
		return 0, MapError(err)
	}
	disposed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(disposed), nil
}

// CleanupDisposed implements store.SessionStore.CleanupDisposed
func (s *PostgresSessionStore) CleanupDisposed(ctx context.Context, ownerID uuid.UUID, keepLastN int) (int, error) {
	query := `
		DELETE FROM sessions
		WHERE session_token IN (
			SELECT session_token
			FROM sessions
			WHERE owner_id = $1 AND status = 'disposed'
			ORDER BY ended_at DESC NULLS LAST
			OFFSET $2
		)
	`

	result, err := s.db.ExecContext(ctx, query, ownerID, keepLastN)
	if err != nil {
		return 0, MapError(err)
	}
	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(deleted), nil
}

// updateByToken runs a single-row RETURNING update keyed by session token and
// maps the no-row case to ErrSessionNotFound.
func (s *PostgresSessionStore) updateByToken(ctx context.Context, query string, token string) (*domain.Session, error) {
	session, err := scanSession(s.db.QueryRowContext(ctx, query, token))
	if err != nil {
		if IsNotFoundError(err) {
			return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, token)
		}
		return nil, MapError(err)
	}
	return session, nil
}

// scanSession maps one sessions row to a domain Session.
func scanSession(row rowScanner) (*domain.Session, error) {
	var session domain.Session

	err := row.Scan(
		&session.ID, &session.Token, &session.OwnerID, &session.Status,
		&session.TaskID, &session.BrowserKind, &session.Headless,
		&session.AppliesCompleted, &session.ErrorCount, &session.HealthIssueCount,
		&session.LastHealthIssue, &session.LastErrorMessage, &session.StartedAt,
		&session.LastActivityAt, &session.EndedAt, &session.DurationSeconds,
		&session.TerminationReason, &session.CreatedAt, &session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}
