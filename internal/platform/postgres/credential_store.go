package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/driver"
	"github.com/phrazzld/applyq/internal/store"
)

// PostgresCredentialStore implements the store.CredentialStore interface
// using a PostgreSQL database as the storage backend.
type PostgresCredentialStore struct {
	db     store.DBTX
	logger *slog.Logger
}

// NewPostgresCredentialStore creates a new PostgreSQL implementation of the
// CredentialStore interface.
// If logger is nil, a default logger will be used.
func NewPostgresCredentialStore(db store.DBTX, logger *slog.Logger) *PostgresCredentialStore {
	if db == nil {
		panic("db cannot be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &PostgresCredentialStore{
		db:     db,
		logger: logger.With(slog.String("component", "credential_store")),
	}
}

// Ensure PostgresCredentialStore implements store.CredentialStore interface
var _ store.CredentialStore = (*PostgresCredentialStore)(nil)

// WithTx implements store.CredentialStore.WithTx
func (s *PostgresCredentialStore) WithTx(tx *sql.Tx) store.CredentialStore {
	return &PostgresCredentialStore{
		db:     tx,
		logger: s.logger,
	}
}

// Get implements driver.CredentialStore.Get
func (s *PostgresCredentialStore) Get(ctx context.Context, ownerID uuid.UUID) (*driver.Credentials, error) {
	query := `SELECT email, password FROM owner_credentials WHERE owner_id = $1`

	var creds driver.Credentials
	err := s.db.QueryRowContext(ctx, query, ownerID).Scan(&creds.Email, &creds.Password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, driver.ErrCredentialsNotFound
		}
		return nil, fmt.Errorf("failed to get credentials: %w", MapError(err))
	}

	return &creds, nil
}

// Upsert implements store.CredentialStore.Upsert
func (s *PostgresCredentialStore) Upsert(ctx context.Context, ownerID uuid.UUID, creds driver.Credentials) error {
	if creds.Email == "" || creds.Password == "" {
		return fmt.Errorf("%w: credentials require email and password", store.ErrInvalidEntity)
	}

	query := `
		INSERT INTO owner_credentials (owner_id, email, password, created_at, updated_at)
		VALUES ($1, $2, $3, NOW(), NOW())
		ON CONFLICT (owner_id)
		DO UPDATE SET email = $2, password = $3, updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, ownerID, creds.Email, creds.Password); err != nil {
		return fmt.Errorf("failed to upsert credentials: %w", MapError(err))
	}

	s.logger.DebugContext(ctx, "credentials stored", slog.String("owner_id", ownerID.String()))
	return nil
}

// Delete implements store.CredentialStore.Delete
func (s *PostgresCredentialStore) Delete(ctx context.Context, ownerID uuid.UUID) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM owner_credentials WHERE owner_id = $1`, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete credentials: %w", MapError(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rows == 0 {
		return driver.ErrCredentialsNotFound
	}
	return nil
}
