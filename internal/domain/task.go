package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// Task validation errors
var (
	ErrEmptyTaskID       = errors.New("task ID cannot be empty")
	ErrEmptyTaskOwner    = errors.New("task owner ID cannot be empty")
	ErrInvalidPriority   = errors.New("task priority must be positive")
	ErrInvalidMaxRetries = errors.New("task max retries must be positive")
)

// TaskKind identifies the kind of work a queued task performs.
type TaskKind string

// Known task kinds.
const (
	TaskKindScrape        TaskKind = "scrape"
	TaskKindSubmitApply   TaskKind = "submit_application"
	TaskKindProfileUpdate TaskKind = "profile_update"
)

// TaskStatus represents the current state of a queued task.
type TaskStatus string

// Possible task status values.
const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task priority convention: higher is more urgent. Application submission is
// prioritized above discovery so that urgent work is never starved behind
// bulk scraping.
const (
	PriorityLow    = 1
	PriorityNormal = 5
	PriorityHigh   = 10
)

// DefaultMaxRetries is the retry budget applied to new tasks.
const DefaultMaxRetries = 3

// ErrorLogEntry is one record in a task's structured error log. Entries are
// appended in retry order and retained for audit even after the task reaches
// a terminal state.
type ErrorLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Retry     int       `json:"retry"`
	Message   string    `json:"message"`

	// IssueKind is set when the retry was scheduled by the session health
	// checker rather than the generic backoff path.
	IssueKind string `json:"issue_kind,omitempty"`

	// CooldownSeconds records the health-issue cooldown applied, if any.
	CooldownSeconds int `json:"cooldown_seconds,omitempty"`
}

// Task is a unit of queued work: scrape a set of job listings, submit one
// application, or refresh a profile. Tasks are durable rows; workers claim
// them with an atomic pending→processing transition.
type Task struct {
	ID      uuid.UUID `json:"id"`
	OwnerID uuid.UUID `json:"owner_id"`
	Kind    TaskKind  `json:"kind"`
	Status  TaskStatus `json:"status"`

	// Priority orders dequeue: higher first, FIFO within a band.
	Priority int `json:"priority"`

	Retries    int `json:"retries"`
	MaxRetries int `json:"max_retries"`

	// NextAttemptAt, when set, gates dequeue: the task is not eligible
	// before this time.
	NextAttemptAt *time.Time `json:"next_attempt_time,omitempty"`

	// SessionToken is the browser session this task is affined to, if any.
	SessionToken *string `json:"session_token,omitempty"`

	// JobRef identifies the job listing the task operates on (URL or id).
	JobRef *string `json:"job_ref,omitempty"`

	// CurrentStep and Progress carry free-form progress reporting.
	CurrentStep *string `json:"current_step,omitempty"`
	Progress    []byte  `json:"progress,omitempty"`

	// ErrorMessage is the most recent error; ErrorLog is the full history.
	ErrorMessage *string         `json:"error_message,omitempty"`
	ErrorLog     []ErrorLogEntry `json:"error_log,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// NewTask creates a pending Task for the given owner.
// Returns an error if validation fails.
func NewTask(ownerID uuid.UUID, kind TaskKind, priority int, jobRef *string, progress []byte) (*Task, error) {
	now := time.Now().UTC()
	task := &Task{
		ID:         uuid.New(),
		OwnerID:    ownerID,
		Kind:       kind,
		Status:     TaskStatusPending,
		Priority:   priority,
		Retries:    0,
		MaxRetries: DefaultMaxRetries,
		JobRef:     jobRef,
		Progress:   progress,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := task.Validate(); err != nil {
		return nil, err
	}

	return task, nil
}

// Validate checks if the Task has valid data.
// Returns an error if any field fails validation.
func (t *Task) Validate() error {
	if t.ID == uuid.Nil {
		return ErrEmptyTaskID
	}

	if t.OwnerID == uuid.Nil {
		return ErrEmptyTaskOwner
	}

	if !t.Kind.IsValid() {
		return ErrInvalidTaskKind
	}

	if t.Priority <= 0 {
		return ErrInvalidPriority
	}

	if t.MaxRetries <= 0 {
		return ErrInvalidMaxRetries
	}

	return nil
}

// IsValid reports whether the kind is a known task kind.
func (k TaskKind) IsValid() bool {
	switch k {
	case TaskKindScrape, TaskKindSubmitApply, TaskKindProfileUpdate:
		return true
	}
	return false
}

// IsTerminal reports whether the status is a terminal state.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// RetryBackoff returns the generic exponential backoff delay for the given
// retry count: 2^retry seconds (2s, 4s, 8s, 16s, 32s). Growth is bounded by
// the task's retry budget rather than a wait ceiling.
func RetryBackoff(retry int) time.Duration {
	return time.Duration(1<<uint(retry)) * time.Second
}
