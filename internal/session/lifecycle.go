// Package session manages browser-session lifecycle and the per-owner
// session pool: apply caps, taint severity, randomized cooldowns, and the
// concurrency ceiling that keeps one identity from running too many
// sessions at once.
package session

import (
	"math/rand"
	"sync"
	"time"
)

// Taint reasons. The critical set forces session termination and a cooldown;
// minor warnings are logged and never block further use.
const (
	TaintCaptchaDetected   = "captcha_detected"
	TaintSecurityChallenge = "security_challenge"
	TaintAccountRestricted = "account_restricted"
	TaintHTTP429           = "http_429"
	TaintShadowThrottle    = "shadow_throttle_detected"
	TaintLoginVerification = "login_verification_failed"
	TaintNavigationError   = "navigation_error"
	TaintRuntimeException  = "runtime_exception"

	WarnSlowPageLoad     = "dom_load_slow"
	WarnEmptyJobContent  = "empty_job_content"
	WarnMissingEasyApply = "missing_easy_apply"
	WarnEasyApplyError   = "easy_apply_error"
)

// criticalTaints is the closed set of reasons that end a session.
var criticalTaints = map[string]struct{}{
	TaintCaptchaDetected:   {},
	TaintSecurityChallenge: {},
	TaintAccountRestricted: {},
	TaintHTTP429:           {},
	TaintShadowThrottle:    {},
	TaintLoginVerification: {},
	TaintNavigationError:   {},
	TaintRuntimeException:  {},
}

// IsCriticalTaint reports whether the reason belongs to the critical set.
func IsCriticalTaint(reason string) bool {
	_, ok := criticalTaints[reason]
	return ok
}

// Context carries the per-session browser fingerprint settings and the
// session's apply cap override.
type Context struct {
	UserAgent      string
	AcceptLanguage string
	Proxy          string

	// MaxApplies overrides the lifecycle default when positive.
	MaxApplies int
}

// LifecycleConfig holds tuning parameters for a session lifecycle tracker.
type LifecycleConfig struct {
	// MaxApplies is the default apply cap when the context has none.
	MaxApplies int

	// CooldownMin and CooldownMax bound the randomized cooldown window drawn
	// after a critical taint. Fixed cooldowns are a bot-detection
	// fingerprint, so the window is deliberately randomized.
	CooldownMin time.Duration
	CooldownMax time.Duration

	// Rand is the randomness source for cooldown draws. Defaults to a
	// time-seeded source; tests inject a seeded one.
	Rand *rand.Rand
}

// DefaultLifecycleConfig returns the production lifecycle tuning.
func DefaultLifecycleConfig() LifecycleConfig {
	return LifecycleConfig{
		MaxApplies:  5,
		CooldownMin: 15 * time.Minute,
		CooldownMax: 30 * time.Minute,
	}
}

// Metadata is a snapshot of lifecycle state for persistence and logging.
type Metadata struct {
	Tainted        bool          `json:"session_tainted"`
	CriticalTaint  bool          `json:"critical_taint"`
	TaintReason    string        `json:"taint_reason,omitempty"`
	AppliesStarted int           `json:"applies_started"`
	Cooldown       time.Duration `json:"cooldown"`
}

// Lifecycle tracks one session instance's lifetime: apply count against the
// cap, taint state and severity, and the cooldown owed on critical taint.
// Sessions are disposable and fail-fast; minor warnings alone never end one.
type Lifecycle struct {
	cfg LifecycleConfig
	rng *rand.Rand

	mu             sync.Mutex
	context        *Context
	startedAt      time.Time
	appliesStarted int
	tainted        bool
	taintReason    string
	criticalTaint  bool

	// cooldown is drawn once when the first critical taint lands, so
	// repeated reads report a stable value.
	cooldown time.Duration
}

// NewLifecycle creates a lifecycle tracker with the given config. Zero-value
// fields fall back to DefaultLifecycleConfig.
func NewLifecycle(cfg LifecycleConfig) *Lifecycle {
	defaults := DefaultLifecycleConfig()
	if cfg.MaxApplies == 0 {
		cfg.MaxApplies = defaults.MaxApplies
	}
	if cfg.CooldownMin == 0 {
		cfg.CooldownMin = defaults.CooldownMin
	}
	if cfg.CooldownMax == 0 {
		cfg.CooldownMax = defaults.CooldownMax
	}

	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Lifecycle{
		cfg:       cfg,
		rng:       rng,
		startedAt: time.Now().UTC(),
	}
}

// Start resets all counters for a fresh session with the given context.
func (l *Lifecycle) Start(ctx Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.context = &ctx
	l.startedAt = time.Now().UTC()
	l.appliesStarted = 0
	l.tainted = false
	l.taintReason = ""
	l.criticalTaint = false
	l.cooldown = 0
}

// RecordApplyAttempt increments the apply counter and reports whether the
// session's apply cap has now been reached.
func (l *Lifecycle) RecordApplyAttempt() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.appliesStarted++
	return l.appliesStarted >= l.maxApplies()
}

// MarkTainted records a taint. The taint becomes critical when the reason is
// in the critical set or the caller flags it explicitly.
func (l *Lifecycle) MarkTainted(reason string, critical bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.tainted = true
	l.taintReason = reason

	if critical || IsCriticalTaint(reason) {
		if !l.criticalTaint {
			l.criticalTaint = true
			l.cooldown = l.drawCooldown()
		}
	}
}

// ShouldEndSession reports whether the session must end: a critical taint
// landed or the apply cap was reached. Minor taints alone never end a
// session.
func (l *Lifecycle) ShouldEndSession() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.criticalTaint || l.appliesStarted >= l.maxApplies()
}

// Cooldown returns the randomized cooldown owed before the owner reuses a
// session. Zero unless the taint is critical.
func (l *Lifecycle) Cooldown() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.criticalTaint {
		return 0
	}
	return l.cooldown
}

// Snapshot returns lifecycle metadata for persistence and logging.
func (l *Lifecycle) Snapshot() Metadata {
	l.mu.Lock()
	defer l.mu.Unlock()

	cooldown := time.Duration(0)
	if l.criticalTaint {
		cooldown = l.cooldown
	}

	return Metadata{
		Tainted:        l.tainted,
		CriticalTaint:  l.criticalTaint,
		TaintReason:    l.taintReason,
		AppliesStarted: l.appliesStarted,
		Cooldown:       cooldown,
	}
}

// maxApplies returns the effective apply cap, preferring the context
// override. Callers must hold l.mu.
func (l *Lifecycle) maxApplies() int {
	if l.context != nil && l.context.MaxApplies > 0 {
		return l.context.MaxApplies
	}
	return l.cfg.MaxApplies
}

// drawCooldown draws a uniform duration from the configured window.
// Callers must hold l.mu.
func (l *Lifecycle) drawCooldown() time.Duration {
	window := l.cfg.CooldownMax - l.cfg.CooldownMin
	if window <= 0 {
		return l.cfg.CooldownMin
	}
	return l.cfg.CooldownMin + time.Duration(l.rng.Int63n(int64(window)+1))
}
