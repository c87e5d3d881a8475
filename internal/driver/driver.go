// Package driver defines the boundary between the task worker and the
// browser automation that actually performs logins and job applications.
// The worker only sees this interface; concrete drivers live behind it.
package driver

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrCredentialsNotFound is returned when no stored credentials exist for an owner.
var ErrCredentialsNotFound = errors.New("credentials not found for owner")

// Credentials are the login credentials for one owner's job-board account.
type Credentials struct {
	Email    string
	Password string
}

// CredentialStore resolves an owner's stored job-board credentials.
type CredentialStore interface {
	// Get returns the owner's credentials.
	// Returns ErrCredentialsNotFound when none are stored.
	Get(ctx context.Context, ownerID uuid.UUID) (*Credentials, error)
}

// ApplyResult is the outcome of one application attempt. Message carries the
// driver's description of a failure; health classification parses it.
type ApplyResult struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ScrapeResult is the outcome of one job-discovery run.
type ScrapeResult struct {
	JobRefs []string `json:"job_refs"`
}

// BrowserDriver drives one live browser session identified by its token.
//
// Errors returned from these methods should carry the underlying platform
// response text (status codes, page markers) so callers can classify them.
type BrowserDriver interface {
	// Login signs the session's browser into the job board with the given
	// credentials. Returns false without error when the platform rejects the
	// login cleanly (bad password, verification gate).
	Login(ctx context.Context, sessionToken string, creds Credentials) (bool, error)

	// ApplyToJob drives an application to jobRef through the session's
	// browser. A non-nil result with Success=false means the attempt ran to
	// completion but the application was not submitted.
	ApplyToJob(ctx context.Context, sessionToken string, jobRef string) (*ApplyResult, error)

	// ScrapeJobs discovers job listings matching searchRef through the
	// session's browser.
	ScrapeJobs(ctx context.Context, sessionToken string, searchRef string) (*ScrapeResult, error)

	// UpdateProfile pushes profile changes through the session's browser.
	UpdateProfile(ctx context.Context, sessionToken string, payload []byte) error
}
