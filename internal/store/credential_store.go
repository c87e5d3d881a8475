package store

import (
	"context"
	"database/sql"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/driver"
)

// CredentialStore persists owners' job-board credentials. Reads satisfy the
// driver.CredentialStore contract so the worker can log sessions in.
type CredentialStore interface {
	driver.CredentialStore

	// Upsert stores or replaces the owner's credentials.
	Upsert(ctx context.Context, ownerID uuid.UUID, creds driver.Credentials) error

	// Delete removes the owner's credentials.
	// Returns driver.ErrCredentialsNotFound when none are stored.
	Delete(ctx context.Context, ownerID uuid.UUID) error

	// WithTx returns a new CredentialStore instance that uses the provided
	// transaction for all operations.
	WithTx(tx *sql.Tx) CredentialStore
}
