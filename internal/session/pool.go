package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/store"
)

// Pool coordination errors.
var (
	// ErrSessionCapReached is returned when the owner already holds the
	// maximum number of concurrent sessions. Acquisition fails fast; callers
	// retry on a later poll rather than queueing for a slot.
	ErrSessionCapReached = errors.New("session concurrency cap reached for owner")

	// ErrOwnerOnCooldown is returned while the owner's account-wide cooldown
	// from a critical taint has not yet elapsed.
	ErrOwnerOnCooldown = errors.New("owner is on cooldown after a critical session taint")
)

// PoolConfig holds the pool's tuning parameters.
type PoolConfig struct {
	// MaxConcurrentPerOwner caps live sessions (active, idle, in_use) per owner.
	MaxConcurrentPerOwner int

	// IdleTimeout is how long a session may sit without activity before a
	// cleanup sweep disposes it.
	IdleTimeout time.Duration

	// KeepDisposedHistory is how many disposed session rows to retain per
	// owner for audit when pruning.
	KeepDisposedHistory int

	// Headless controls whether new browser sessions launch headless.
	Headless bool
}

// DefaultPoolConfig returns the production pool tuning.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxConcurrentPerOwner: 3,
		IdleTimeout:           time.Hour,
		KeepDisposedHistory:   5,
		Headless:              true,
	}
}

// ownerCooldown records an account-wide pause set after a critical taint.
type ownerCooldown struct {
	until  time.Time
	reason string
}

// Pool manages browser sessions for all owners on top of the durable session
// store: creation under the per-owner cap, reuse of idle sessions, disposal,
// owner-wide cooldowns, and cleanup sweeps.
type Pool struct {
	sessions store.SessionStore
	cfg      PoolConfig
	logger   *slog.Logger

	// now is injectable for tests.
	now func() time.Time

	mu        sync.Mutex
	cooldowns map[uuid.UUID]ownerCooldown
}

// NewPool creates a session pool backed by the given store.
func NewPool(sessions store.SessionStore, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.MaxConcurrentPerOwner == 0 {
		cfg.MaxConcurrentPerOwner = DefaultPoolConfig().MaxConcurrentPerOwner
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = DefaultPoolConfig().IdleTimeout
	}
	if cfg.KeepDisposedHistory == 0 {
		cfg.KeepDisposedHistory = DefaultPoolConfig().KeepDisposedHistory
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Pool{
		sessions:  sessions,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "session_pool")),
		now:       time.Now,
		cooldowns: make(map[uuid.UUID]ownerCooldown),
	}
}

// Acquire obtains a session for the task: an idle session of the owner's when
// one exists, otherwise a fresh one if the owner is under the concurrency
// cap. The returned bool reports whether the session was newly created.
// Returns ErrOwnerOnCooldown or ErrSessionCapReached without touching the
// store's session set when acquisition is not allowed.
func (p *Pool) Acquire(ctx context.Context, ownerID uuid.UUID, taskID uuid.UUID) (*domain.Session, bool, error) {
	if until, reason, on := p.cooldownState(ownerID); on {
		return nil, false, fmt.Errorf("%w: %s until %s", ErrOwnerOnCooldown, reason, until.UTC().Format(time.RFC3339))
	}

	// Prefer reusing an idle session over paying browser startup again.
	reused, err := p.sessions.ClaimIdle(ctx, ownerID, taskID)
	if err == nil {
		p.logger.DebugContext(ctx, "reusing idle session",
			slog.String("session_token", reused.Token),
			slog.String("task_id", taskID.String()))
		return reused, false, nil
	}
	if !errors.Is(err, store.ErrSessionNotFound) {
		return nil, false, fmt.Errorf("failed to claim idle session: %w", err)
	}

	count, err := p.sessions.CountConcurrent(ctx, ownerID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to count concurrent sessions: %w", err)
	}
	if count >= p.cfg.MaxConcurrentPerOwner {
		return nil, false, fmt.Errorf("%w: %d of %d in use",
			ErrSessionCapReached, count, p.cfg.MaxConcurrentPerOwner)
	}

	token := newSessionToken(taskID, p.now())
	created, err := domain.NewSession(token, ownerID, domain.DefaultBrowserKind, p.cfg.Headless)
	if err != nil {
		return nil, false, fmt.Errorf("failed to build session: %w", err)
	}
	if err := p.sessions.Create(ctx, created); err != nil {
		return nil, false, fmt.Errorf("failed to create session: %w", err)
	}

	claimed, err := p.sessions.MarkInUse(ctx, token, taskID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to mark new session in use: %w", err)
	}

	p.logger.InfoContext(ctx, "created session",
		slog.String("session_token", token),
		slog.String("owner_id", ownerID.String()),
		slog.Int("concurrent", count+1))
	return claimed, true, nil
}

// Release returns a session to the idle pool for reuse by a later task.
func (p *Pool) Release(ctx context.Context, token string) error {
	if _, err := p.sessions.MarkIdle(ctx, token); err != nil {
		return fmt.Errorf("failed to release session %s: %w", token, err)
	}
	return nil
}

// Dispose retires a session permanently with the given termination reason.
func (p *Pool) Dispose(ctx context.Context, token string, reason string) (*domain.Session, error) {
	disposed, err := p.sessions.Dispose(ctx, token, reason)
	if err != nil {
		return nil, fmt.Errorf("failed to dispose session %s: %w", token, err)
	}

	p.logger.InfoContext(ctx, "disposed session",
		slog.String("session_token", token),
		slog.String("reason", reason),
		slog.Int("applies_completed", disposed.AppliesCompleted))
	return disposed, nil
}

// SetOwnerCooldown pauses all session acquisition for the owner until
// now+cooldown and returns the expiry. A later expiry always wins when
// cooldowns overlap.
func (p *Pool) SetOwnerCooldown(ownerID uuid.UUID, cooldown time.Duration, reason string) time.Time {
	until := p.now().Add(cooldown)

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.cooldowns[ownerID]; ok && existing.until.After(until) {
		return existing.until
	}
	p.cooldowns[ownerID] = ownerCooldown{until: until, reason: reason}
	return until
}

// OwnerOnCooldown reports whether the owner is currently paused, along with
// the expiry and reason when they are.
func (p *Pool) OwnerOnCooldown(ownerID uuid.UUID) (bool, time.Time, string) {
	until, reason, on := p.cooldownState(ownerID)
	return on, until, reason
}

// ClearOwnerCooldown lifts the owner's cooldown early.
func (p *Pool) ClearOwnerCooldown(ownerID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.cooldowns, ownerID)
}

// ActiveSessions returns the owner's live sessions, newest first.
func (p *Pool) ActiveSessions(ctx context.Context, ownerID uuid.UUID) ([]*domain.Session, error) {
	return p.sessions.ListConcurrent(ctx, ownerID)
}

// Cleanup disposes the owner's sessions idle past the timeout and prunes
// disposal history down to the retention count.
func (p *Pool) Cleanup(ctx context.Context, ownerID uuid.UUID) error {
	expired, err := p.sessions.CleanupExpired(ctx, ownerID, p.cfg.IdleTimeout)
	if err != nil {
		return fmt.Errorf("failed to clean up expired sessions: %w", err)
	}

	pruned, err := p.sessions.CleanupDisposed(ctx, ownerID, p.cfg.KeepDisposedHistory)
	if err != nil {
		return fmt.Errorf("failed to prune disposed sessions: %w", err)
	}

	if expired > 0 || pruned > 0 {
		p.logger.InfoContext(ctx, "session cleanup sweep",
			slog.String("owner_id", ownerID.String()),
			slog.Int("expired", expired),
			slog.Int("pruned", pruned))
	}
	return nil
}

// cooldownState returns the owner's cooldown if one is active, expiring
// stale entries as a side effect.
func (p *Pool) cooldownState(ownerID uuid.UUID) (time.Time, string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cd, ok := p.cooldowns[ownerID]
	if !ok {
		return time.Time{}, "", false
	}
	if !p.now().Before(cd.until) {
		delete(p.cooldowns, ownerID)
		return time.Time{}, "", false
	}
	return cd.until, cd.reason, true
}

// newSessionToken derives a unique session handle from the originating task
// and creation time.
func newSessionToken(taskID uuid.UUID, now time.Time) string {
	return fmt.Sprintf("task_%s_%d", taskID, now.UTC().UnixNano())
}
