package mocks

import (
	"context"
	"database/sql"
	"sync"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/driver"
	"github.com/phrazzld/applyq/internal/store"
)

// MockBrowserDriver implements driver.BrowserDriver for testing. Results can
// be scripted per job ref; unscripted applies succeed.
type MockBrowserDriver struct {
	// Function fields for customizable behavior
	LoginFn         func(ctx context.Context, sessionToken string, creds driver.Credentials) (bool, error)
	ApplyToJobFn    func(ctx context.Context, sessionToken string, jobRef string) (*driver.ApplyResult, error)
	ScrapeJobsFn    func(ctx context.Context, sessionToken string, searchRef string) (*driver.ScrapeResult, error)
	UpdateProfileFn func(ctx context.Context, sessionToken string, payload []byte) error

	// Results scripts outcomes by job ref; Errors scripts hard failures.
	Results map[string]*driver.ApplyResult
	Errors  map[string]error

	mu      sync.Mutex
	applied []string
}

// NewMockBrowserDriver creates a driver mock with initialized script maps.
func NewMockBrowserDriver() *MockBrowserDriver {
	return &MockBrowserDriver{
		Results: make(map[string]*driver.ApplyResult),
		Errors:  make(map[string]error),
	}
}

// Login implements the BrowserDriver interface.
func (m *MockBrowserDriver) Login(ctx context.Context, sessionToken string, creds driver.Credentials) (bool, error) {
	if m.LoginFn != nil {
		return m.LoginFn(ctx, sessionToken, creds)
	}
	return true, nil
}

// ApplyToJob implements the BrowserDriver interface.
func (m *MockBrowserDriver) ApplyToJob(ctx context.Context, sessionToken string, jobRef string) (*driver.ApplyResult, error) {
	if m.ApplyToJobFn != nil {
		return m.ApplyToJobFn(ctx, sessionToken, jobRef)
	}

	m.mu.Lock()
	m.applied = append(m.applied, jobRef)
	m.mu.Unlock()

	if err, ok := m.Errors[jobRef]; ok {
		return nil, err
	}
	if result, ok := m.Results[jobRef]; ok {
		return result, nil
	}
	return &driver.ApplyResult{Success: true}, nil
}

// ScrapeJobs implements the BrowserDriver interface.
func (m *MockBrowserDriver) ScrapeJobs(ctx context.Context, sessionToken string, searchRef string) (*driver.ScrapeResult, error) {
	if m.ScrapeJobsFn != nil {
		return m.ScrapeJobsFn(ctx, sessionToken, searchRef)
	}
	if err, ok := m.Errors[searchRef]; ok {
		return nil, err
	}
	return &driver.ScrapeResult{}, nil
}

// UpdateProfile implements the BrowserDriver interface.
func (m *MockBrowserDriver) UpdateProfile(ctx context.Context, sessionToken string, payload []byte) error {
	if m.UpdateProfileFn != nil {
		return m.UpdateProfileFn(ctx, sessionToken, payload)
	}
	return nil
}

// Applied returns the job refs applied to, in order.
func (m *MockBrowserDriver) Applied() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.applied...)
}

// MockCredentialStore implements store.CredentialStore for testing.
type MockCredentialStore struct {
	GetFn    func(ctx context.Context, ownerID uuid.UUID) (*driver.Credentials, error)
	UpsertFn func(ctx context.Context, ownerID uuid.UUID, creds driver.Credentials) error
	DeleteFn func(ctx context.Context, ownerID uuid.UUID) error

	mu          sync.Mutex
	Credentials map[uuid.UUID]*driver.Credentials
}

// NewMockCredentialStore creates a credential store mock with an empty map.
func NewMockCredentialStore() *MockCredentialStore {
	return &MockCredentialStore{Credentials: make(map[uuid.UUID]*driver.Credentials)}
}

// Ensure MockCredentialStore implements the store.CredentialStore interface
var _ store.CredentialStore = (*MockCredentialStore)(nil)

// Get implements the CredentialStore interface.
func (m *MockCredentialStore) Get(ctx context.Context, ownerID uuid.UUID) (*driver.Credentials, error) {
	if m.GetFn != nil {
		return m.GetFn(ctx, ownerID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	creds, ok := m.Credentials[ownerID]
	if !ok {
		return nil, driver.ErrCredentialsNotFound
	}
	cp := *creds
	return &cp, nil
}

// Upsert implements the CredentialStore interface.
func (m *MockCredentialStore) Upsert(ctx context.Context, ownerID uuid.UUID, creds driver.Credentials) error {
	if m.UpsertFn != nil {
		return m.UpsertFn(ctx, ownerID, creds)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Credentials[ownerID] = &creds
	return nil
}

// Delete implements the CredentialStore interface.
func (m *MockCredentialStore) Delete(ctx context.Context, ownerID uuid.UUID) error {
	if m.DeleteFn != nil {
		return m.DeleteFn(ctx, ownerID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Credentials[ownerID]; !ok {
		return driver.ErrCredentialsNotFound
	}
	delete(m.Credentials, ownerID)
	return nil
}

// WithTx implements the CredentialStore interface. The mock has no
// transactions; it returns itself.
func (m *MockCredentialStore) WithTx(tx *sql.Tx) store.CredentialStore {
	return m
}
