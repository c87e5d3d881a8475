package session

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLifecycle(cfg LifecycleConfig) *Lifecycle {
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(42))
	}
	return NewLifecycle(cfg)
}

func TestLifecycleApplyCapDefault(t *testing.T) {
	l := newTestLifecycle(LifecycleConfig{})
	l.Start(Context{})

	for i := 0; i < 4; i++ {
		assert.False(t, l.RecordApplyAttempt(), "attempt %d should not reach the cap", i+1)
	}
	assert.True(t, l.RecordApplyAttempt(), "fifth attempt reaches the default cap")
	assert.True(t, l.ShouldEndSession())
}

func TestLifecycleApplyCapContextOverride(t *testing.T) {
	l := newTestLifecycle(LifecycleConfig{})
	l.Start(Context{MaxApplies: 2})

	assert.False(t, l.RecordApplyAttempt())
	assert.True(t, l.RecordApplyAttempt())
	assert.True(t, l.RecordApplyAttempt())
}

func TestLifecycleCapReachedEndsSession(t *testing.T) {
	l := newTestLifecycle(LifecycleConfig{MaxApplies: 2})
	l.Start(Context{})

	assert.False(t, l.ShouldEndSession())
	l.RecordApplyAttempt()
	assert.False(t, l.ShouldEndSession())
	l.RecordApplyAttempt()
	assert.True(t, l.ShouldEndSession())
}

func TestLifecycleCriticalTaintEndsSession(t *testing.T) {
	l := newTestLifecycle(LifecycleConfig{})
	l.Start(Context{})

	l.MarkTainted(TaintCaptchaDetected, false)

	assert.True(t, l.ShouldEndSession())
	snap := l.Snapshot()
	assert.True(t, snap.Tainted)
	assert.True(t, snap.CriticalTaint)
	assert.Equal(t, TaintCaptchaDetected, snap.TaintReason)
}

func TestLifecycleMinorTaintDoesNotEndSession(t *testing.T) {
	l := newTestLifecycle(LifecycleConfig{})
	l.Start(Context{})

	l.MarkTainted(WarnSlowPageLoad, false)
	l.MarkTainted(WarnEmptyJobContent, false)

	assert.False(t, l.ShouldEndSession())
	snap := l.Snapshot()
	assert.True(t, snap.Tainted)
	assert.False(t, snap.CriticalTaint)
	assert.Zero(t, l.Cooldown())
}

func TestLifecycleExplicitCriticalFlag(t *testing.T) {
	l := newTestLifecycle(LifecycleConfig{})
	l.Start(Context{})

	// Unknown reason, but the caller deems it critical.
	l.MarkTainted("proxy_burned", true)

	assert.True(t, l.ShouldEndSession())
	assert.True(t, l.Snapshot().CriticalTaint)
}

func TestLifecycleCooldownWithinWindow(t *testing.T) {
	cfg := LifecycleConfig{
		CooldownMin: 15 * time.Minute,
		CooldownMax: 30 * time.Minute,
	}

	for seed := int64(0); seed < 20; seed++ {
		cfg.Rand = rand.New(rand.NewSource(seed))
		l := NewLifecycle(cfg)
		l.Start(Context{})
		l.MarkTainted(TaintHTTP429, false)

		cd := l.Cooldown()
		require.GreaterOrEqual(t, cd, 15*time.Minute, "seed %d", seed)
		require.LessOrEqual(t, cd, 30*time.Minute, "seed %d", seed)
	}
}

func TestLifecycleCooldownStableAcrossReads(t *testing.T) {
	l := newTestLifecycle(LifecycleConfig{})
	l.Start(Context{})
	l.MarkTainted(TaintShadowThrottle, false)

	first := l.Cooldown()
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, l.Cooldown())
	}

	// A second critical taint does not redraw the cooldown.
	l.MarkTainted(TaintHTTP429, false)
	assert.Equal(t, first, l.Cooldown())
}

func TestLifecycleStartResetsState(t *testing.T) {
	l := newTestLifecycle(LifecycleConfig{MaxApplies: 1})
	l.Start(Context{})
	l.RecordApplyAttempt()
	l.MarkTainted(TaintNavigationError, false)
	require.True(t, l.ShouldEndSession())

	l.Start(Context{})

	assert.False(t, l.ShouldEndSession())
	snap := l.Snapshot()
	assert.False(t, snap.Tainted)
	assert.Zero(t, snap.AppliesStarted)
	assert.Zero(t, l.Cooldown())
}

func TestIsCriticalTaint(t *testing.T) {
	critical := []string{
		TaintCaptchaDetected, TaintSecurityChallenge, TaintAccountRestricted,
		TaintHTTP429, TaintShadowThrottle, TaintLoginVerification,
		TaintNavigationError, TaintRuntimeException,
	}
	for _, reason := range critical {
		assert.True(t, IsCriticalTaint(reason), reason)
	}

	minor := []string{WarnSlowPageLoad, WarnEmptyJobContent, WarnMissingEasyApply, WarnEasyApplyError, "unknown"}
	for _, reason := range minor {
		assert.False(t, IsCriticalTaint(reason), reason)
	}
}
