package session

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool(t *testing.T) (*Pool, *mocks.MockSessionStore, *time.Time) {
	t.Helper()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := &now

	sessions := mocks.NewMockSessionStore()
	sessions.Now = func() time.Time { return *clock }

	pool := NewPool(sessions, PoolConfig{
		MaxConcurrentPerOwner: 3,
		IdleTimeout:           time.Hour,
		KeepDisposedHistory:   5,
	}, nil)
	pool.now = func() time.Time { return *clock }

	return pool, sessions, clock
}

func TestPoolAcquireCreatesSession(t *testing.T) {
	pool, _, _ := newTestPool(t)
	ctx := context.Background()
	ownerID := uuid.New()
	taskID := uuid.New()

	sess, created, err := pool.Acquire(ctx, ownerID, taskID)
	require.NoError(t, err)

	assert.True(t, created)
	assert.Equal(t, domain.SessionStatusInUse, sess.Status)
	assert.Equal(t, ownerID, sess.OwnerID)
	require.NotNil(t, sess.TaskID)
	assert.Equal(t, taskID, *sess.TaskID)
	assert.Contains(t, sess.Token, taskID.String())
}

func TestPoolAcquireReusesIdleSession(t *testing.T) {
	pool, _, _ := newTestPool(t)
	ctx := context.Background()
	ownerID := uuid.New()

	first, created, err := pool.Acquire(ctx, ownerID, uuid.New())
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, pool.Release(ctx, first.Token))

	secondTask := uuid.New()
	second, created, err := pool.Acquire(ctx, ownerID, secondTask)
	require.NoError(t, err)

	assert.False(t, created, "idle session should be reused, not created")
	assert.Equal(t, first.Token, second.Token)
	require.NotNil(t, second.TaskID)
	assert.Equal(t, secondTask, *second.TaskID)
}

func TestPoolAcquireFailsFastAtCap(t *testing.T) {
	pool, _, _ := newTestPool(t)
	ctx := context.Background()
	ownerID := uuid.New()

	for i := 0; i < 3; i++ {
		_, _, err := pool.Acquire(ctx, ownerID, uuid.New())
		require.NoError(t, err)
	}

	_, _, err := pool.Acquire(ctx, ownerID, uuid.New())
	assert.ErrorIs(t, err, ErrSessionCapReached)
}

func TestPoolCapIsPerOwner(t *testing.T) {
	pool, _, _ := newTestPool(t)
	ctx := context.Background()
	first := uuid.New()

	for i := 0; i < 3; i++ {
		_, _, err := pool.Acquire(ctx, first, uuid.New())
		require.NoError(t, err)
	}

	// A different owner is unaffected by the first owner's saturation.
	_, created, err := pool.Acquire(ctx, uuid.New(), uuid.New())
	require.NoError(t, err)
	assert.True(t, created)
}

func TestPoolDisposeFreesCapSlot(t *testing.T) {
	pool, _, _ := newTestPool(t)
	ctx := context.Background()
	ownerID := uuid.New()

	var tokens []string
	for i := 0; i < 3; i++ {
		sess, _, err := pool.Acquire(ctx, ownerID, uuid.New())
		require.NoError(t, err)
		tokens = append(tokens, sess.Token)
	}

	disposed, err := pool.Dispose(ctx, tokens[0], TaintHTTP429)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusDisposed, disposed.Status)
	require.NotNil(t, disposed.TerminationReason)
	assert.Equal(t, TaintHTTP429, *disposed.TerminationReason)

	_, created, err := pool.Acquire(ctx, ownerID, uuid.New())
	require.NoError(t, err)
	assert.True(t, created)
}

func TestPoolOwnerCooldownBlocksAcquire(t *testing.T) {
	pool, _, clock := newTestPool(t)
	ctx := context.Background()
	ownerID := uuid.New()

	until := pool.SetOwnerCooldown(ownerID, 20*time.Minute, TaintCaptchaDetected)
	assert.Equal(t, clock.Add(20*time.Minute), until)

	_, _, err := pool.Acquire(ctx, ownerID, uuid.New())
	assert.ErrorIs(t, err, ErrOwnerOnCooldown)

	on, expiry, reason := pool.OwnerOnCooldown(ownerID)
	assert.True(t, on)
	assert.Equal(t, until, expiry)
	assert.Equal(t, TaintCaptchaDetected, reason)

	// Other owners are not paused.
	_, _, err = pool.Acquire(ctx, uuid.New(), uuid.New())
	assert.NoError(t, err)
}

func TestPoolOwnerCooldownExpires(t *testing.T) {
	pool, _, clock := newTestPool(t)
	ctx := context.Background()
	ownerID := uuid.New()

	pool.SetOwnerCooldown(ownerID, 20*time.Minute, TaintShadowThrottle)
	*clock = clock.Add(21 * time.Minute)

	on, _, _ := pool.OwnerOnCooldown(ownerID)
	assert.False(t, on)

	_, _, err := pool.Acquire(ctx, ownerID, uuid.New())
	assert.NoError(t, err)
}

func TestPoolOwnerCooldownLaterExpiryWins(t *testing.T) {
	pool, _, clock := newTestPool(t)
	ownerID := uuid.New()

	longer := pool.SetOwnerCooldown(ownerID, 30*time.Minute, TaintCaptchaDetected)
	shorter := pool.SetOwnerCooldown(ownerID, 10*time.Minute, TaintHTTP429)

	assert.Equal(t, clock.Add(30*time.Minute), longer)
	assert.Equal(t, longer, shorter, "shorter overlapping cooldown must not shrink the pause")
}

func TestPoolClearOwnerCooldown(t *testing.T) {
	pool, _, _ := newTestPool(t)
	ctx := context.Background()
	ownerID := uuid.New()

	pool.SetOwnerCooldown(ownerID, time.Hour, TaintAccountRestricted)
	pool.ClearOwnerCooldown(ownerID)

	_, _, err := pool.Acquire(ctx, ownerID, uuid.New())
	assert.NoError(t, err)
}

func TestPoolCleanupDisposesIdleAndPrunesHistory(t *testing.T) {
	pool, sessions, clock := newTestPool(t)
	ctx := context.Background()
	ownerID := uuid.New()

	sess, _, err := pool.Acquire(ctx, ownerID, uuid.New())
	require.NoError(t, err)
	require.NoError(t, pool.Release(ctx, sess.Token))

	// Age the idle session past the timeout.
	*clock = clock.Add(2 * time.Hour)
	require.NoError(t, pool.Cleanup(ctx, ownerID))

	aged, err := sessions.GetByToken(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, domain.SessionStatusDisposed, aged.Status)

	// Pile up disposed sessions past the retention count; cleanup prunes down
	// to KeepDisposedHistory.
	for i := 0; i < 7; i++ {
		extra, _, err := pool.Acquire(ctx, ownerID, uuid.New())
		require.NoError(t, err)
		*clock = clock.Add(time.Second)
		_, err = pool.Dispose(ctx, extra.Token, "apply_cap_reached")
		require.NoError(t, err)
	}
	require.NoError(t, pool.Cleanup(ctx, ownerID))

	disposed := 0
	for _, s := range sessions.Sessions {
		if s.OwnerID == ownerID && s.Status == domain.SessionStatusDisposed {
			disposed++
		}
	}
	assert.Equal(t, 5, disposed)
}
