package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/store"
)

// EnqueueTaskRequest represents the request body for enqueueing a new task.
type EnqueueTaskRequest struct {
	Kind     string          `json:"kind"               validate:"required,oneof=scrape submit_application profile_update"`
	Priority int             `json:"priority,omitempty" validate:"omitempty,min=1,max=100"`
	JobRef   string          `json:"job_ref,omitempty"`
	Progress json.RawMessage `json:"progress,omitempty"`
}

// StoreCredentialsRequest represents the request body for storing an owner's
// job-board credentials. Passwords are write-only; no endpoint returns them.
type StoreCredentialsRequest struct {
	Email    string `json:"email"    validate:"required,email"`
	Password string `json:"password" validate:"required,min=1"`
}

// TaskResponse represents the response data for a queued task.
type TaskResponse struct {
	ID            string                 `json:"id"`
	OwnerID       string                 `json:"owner_id"`
	Kind          string                 `json:"kind"`
	Status        string                 `json:"status"`
	Priority      int                    `json:"priority"`
	Retries       int                    `json:"retries"`
	MaxRetries    int                    `json:"max_retries"`
	NextAttemptAt *time.Time             `json:"next_attempt_time,omitempty"`
	SessionToken  *string                `json:"session_token,omitempty"`
	JobRef        *string                `json:"job_ref,omitempty"`
	CurrentStep   *string                `json:"current_step,omitempty"`
	Progress      json.RawMessage        `json:"progress,omitempty"`
	ErrorMessage  *string                `json:"error_message,omitempty"`
	ErrorLog      []domain.ErrorLogEntry `json:"error_log,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	StartedAt     *time.Time             `json:"started_at,omitempty"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

// SessionResponse represents the response data for a browser session.
type SessionResponse struct {
	Token            string     `json:"session_token"`
	OwnerID          string     `json:"owner_id"`
	Status           string     `json:"status"`
	TaskID           *string    `json:"task_id,omitempty"`
	BrowserKind      string     `json:"browser_kind"`
	AppliesCompleted int        `json:"applies_completed"`
	ErrorCount       int        `json:"error_count"`
	HealthIssueCount int        `json:"health_issue_count"`
	LastHealthIssue  *string    `json:"last_health_issue,omitempty"`
	StartedAt        time.Time  `json:"started_at"`
	LastActivityAt   time.Time  `json:"last_activity"`
	EndedAt          *time.Time `json:"ended_at,omitempty"`
}

// QueueStatsResponse represents queue counts by status.
type QueueStatsResponse struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// taskToResponse converts a domain.Task to a TaskResponse.
func taskToResponse(task *domain.Task) TaskResponse {
	return TaskResponse{
		ID:            task.ID.String(),
		OwnerID:       task.OwnerID.String(),
		Kind:          string(task.Kind),
		Status:        string(task.Status),
		Priority:      task.Priority,
		Retries:       task.Retries,
		MaxRetries:    task.MaxRetries,
		NextAttemptAt: task.NextAttemptAt,
		SessionToken:  task.SessionToken,
		JobRef:        task.JobRef,
		CurrentStep:   task.CurrentStep,
		Progress:      task.Progress,
		ErrorMessage:  task.ErrorMessage,
		ErrorLog:      task.ErrorLog,
		CreatedAt:     task.CreatedAt,
		UpdatedAt:     task.UpdatedAt,
		StartedAt:     task.StartedAt,
		CompletedAt:   task.CompletedAt,
	}
}

// sessionToResponse converts a domain.Session to a SessionResponse.
func sessionToResponse(session *domain.Session) SessionResponse {
	var taskID *string
	if session.TaskID != nil {
		id := session.TaskID.String()
		taskID = &id
	}

	return SessionResponse{
		Token:            session.Token,
		OwnerID:          session.OwnerID.String(),
		Status:           string(session.Status),
		TaskID:           taskID,
		BrowserKind:      session.BrowserKind,
		AppliesCompleted: session.AppliesCompleted,
		ErrorCount:       session.ErrorCount,
		HealthIssueCount: session.HealthIssueCount,
		LastHealthIssue:  session.LastHealthIssue,
		StartedAt:        session.StartedAt,
		LastActivityAt:   session.LastActivityAt,
		EndedAt:          session.EndedAt,
	}
}

// statsToResponse converts store.QueueStats to a QueueStatsResponse.
func statsToResponse(stats *store.QueueStats) QueueStatsResponse {
	return QueueStatsResponse{
		Total:      stats.Total,
		Pending:    stats.Pending,
		Processing: stats.Processing,
		Completed:  stats.Completed,
		Failed:     stats.Failed,
	}
}
