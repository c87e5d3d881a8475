package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Session validation errors
var (
	ErrEmptySessionID    = errors.New("session ID cannot be empty")
	ErrEmptySessionToken = errors.New("session token cannot be empty")
	ErrEmptySessionOwner = errors.New("session owner ID cannot be empty")
)

// SessionStatus represents the current state of a browser session.
type SessionStatus string

// Possible session status values.
const (
	SessionStatusActive    SessionStatus = "active"
	SessionStatusIdle      SessionStatus = "idle"
	SessionStatusInUse     SessionStatus = "in_use"
	SessionStatusTainted   SessionStatus = "tainted"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusDisposed  SessionStatus = "disposed"
)

// DefaultBrowserKind is the browser launched when the caller does not specify one.
const DefaultBrowserKind = "chrome"

// Session is the durable record of one browser session bound to one owner.
// Sessions are expensive and stateful; the pool keeps at most a small number
// concurrent per owner and retires them on taint or apply-cap exhaustion.
type Session struct {
	ID uuid.UUID `json:"id"`

	// Token is the unique handle the worker and driver use to refer to the
	// live browser context.
	Token string `json:"session_token"`

	OwnerID uuid.UUID     `json:"owner_id"`
	Status  SessionStatus `json:"status"`

	// TaskID is the task currently holding the session, when in use.
	TaskID *uuid.UUID `json:"task_id,omitempty"`

	BrowserKind string `json:"browser_kind"`
	Headless    bool   `json:"headless"`

	// AppliesCompleted counts applications driven through this session.
	AppliesCompleted int `json:"applies_completed"`

	ErrorCount       int     `json:"error_count"`
	HealthIssueCount int     `json:"health_issue_count"`
	LastHealthIssue  *string `json:"last_health_issue,omitempty"`
	LastErrorMessage *string `json:"last_error_message,omitempty"`

	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`

	// DurationSeconds is computed when the session ends.
	DurationSeconds *int `json:"duration_seconds,omitempty"`

	TerminationReason *string `json:"termination_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSession creates an active Session for the given owner.
// Returns an error if validation fails.
func NewSession(token string, ownerID uuid.UUID, browserKind string, headless bool) (*Session, error) {
	if browserKind == "" {
		browserKind = DefaultBrowserKind
	}

	now := time.Now().UTC()
	session := &Session{
		ID:             uuid.New(),
		Token:          token,
		OwnerID:        ownerID,
		Status:         SessionStatusActive,
		BrowserKind:    browserKind,
		Headless:       headless,
		StartedAt:      now,
		LastActivityAt: now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if err := session.Validate(); err != nil {
		return nil, err
	}

	return session, nil
}

// Validate checks if the Session has valid data.
// Returns an error if any field fails validation.
func (s *Session) Validate() error {
	if s.ID == uuid.Nil {
		return ErrEmptySessionID
	}

	if s.Token == "" {
		return ErrEmptySessionToken
	}

	if s.OwnerID == uuid.Nil {
		return ErrEmptySessionOwner
	}

	return nil
}

// IsConcurrent reports whether the status counts against the owner's
// concurrent-session cap.
func (s SessionStatus) IsConcurrent() bool {
	return s == SessionStatusActive || s == SessionStatusIdle || s == SessionStatusInUse
}

// IsEnded reports whether the session has reached a terminal state.
func (s SessionStatus) IsEnded() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusDisposed:
		return true
	}
	return false
}
