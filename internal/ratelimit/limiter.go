// Package ratelimit paces outbound requests for a single browser session.
// It enforces a minimum inter-request delay with random jitter, caps the
// number of requests per session lifetime, computes exponential backoff for
// throttling responses, and opens a circuit breaker after repeated
// consecutive throttles.
//
// Limiter state is scoped to one session instance and is never shared
// across sessions, so backoff on one identity cannot contaminate another.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Errors returned by the Limiter.
var (
	// ErrRequestBudgetExhausted is returned when the session has issued its
	// maximum number of requests. The session must be retired.
	ErrRequestBudgetExhausted = errors.New("session request budget exhausted")

	// ErrCircuitOpen is returned once consecutive throttling responses reach
	// the breaker threshold. The caller must stop all work on this session
	// for roughly the breaker pause.
	ErrCircuitOpen = errors.New("rate limit circuit breaker open")
)

// Config holds tuning parameters for a session's rate limiter.
type Config struct {
	// MinDelay is the minimum time between requests, before jitter.
	MinDelay time.Duration

	// MaxJitter bounds the random jitter added to every delay. Jitter makes
	// request pacing non-uniform, which matters against pacing-based
	// detection.
	MaxJitter time.Duration

	// MaxRequestsPerSession caps total requests over the session lifetime.
	MaxRequestsPerSession int

	// InitialBackoff is the first throttle backoff delay.
	InitialBackoff time.Duration

	// MaxBackoff caps the computed throttle backoff.
	MaxBackoff time.Duration

	// BackoffMultiplier grows the backoff each consecutive throttle.
	BackoffMultiplier float64

	// BreakerThreshold is the number of consecutive throttling responses
	// that opens the circuit breaker.
	BreakerThreshold int

	// BreakerPause is how long the caller should stop entirely once the
	// breaker opens.
	BreakerPause time.Duration
}

// DefaultConfig returns the Config used for production sessions.
func DefaultConfig() Config {
	return Config{
		MinDelay:              60 * time.Second,
		MaxJitter:             10 * time.Second,
		MaxRequestsPerSession: 20,
		InitialBackoff:        2 * time.Second,
		MaxBackoff:            300 * time.Second,
		BackoffMultiplier:     2.0,
		BreakerThreshold:      3,
		BreakerPause:          time.Hour,
	}
}

// Stats is a point-in-time snapshot of limiter counters.
type Stats struct {
	RequestCount         int
	ConsecutiveThrottles int
	LastWait             time.Duration
	SinceLastRequest     time.Duration
}

// Limiter throttles requests for one session.
type Limiter struct {
	cfg    Config
	logger *slog.Logger

	// Seams for deterministic tests.
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration

	mu                   sync.Mutex
	lastRequestAt        time.Time
	requestCount         int
	consecutiveThrottles int
	lastWait             time.Duration
}

// NewLimiter creates a Limiter with the given config. A zero-value field in
// cfg falls back to its DefaultConfig value.
func NewLimiter(cfg Config, logger *slog.Logger) *Limiter {
	defaults := DefaultConfig()
	if cfg.MinDelay == 0 {
		cfg.MinDelay = defaults.MinDelay
	}
	if cfg.MaxJitter == 0 {
		cfg.MaxJitter = defaults.MaxJitter
	}
	if cfg.MaxRequestsPerSession == 0 {
		cfg.MaxRequestsPerSession = defaults.MaxRequestsPerSession
	}
	if cfg.InitialBackoff == 0 {
		cfg.InitialBackoff = defaults.InitialBackoff
	}
	if cfg.MaxBackoff == 0 {
		cfg.MaxBackoff = defaults.MaxBackoff
	}
	if cfg.BackoffMultiplier == 0 {
		cfg.BackoffMultiplier = defaults.BackoffMultiplier
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = defaults.BreakerThreshold
	}
	if cfg.BreakerPause == 0 {
		cfg.BreakerPause = defaults.BreakerPause
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	return &Limiter{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		sleep:  sleepContext,
		jitter: func() time.Duration {
			return time.Duration(rng.Int63n(int64(cfg.MaxJitter) + 1))
		},
	}
}

// CheckBeforeRequest blocks until the minimum inter-request delay plus
// jitter has elapsed since the previous request for this session, then
// records the request. It returns ErrRequestBudgetExhausted when the session
// request cap is reached, or the context error if cancelled while waiting.
func (l *Limiter) CheckBeforeRequest(ctx context.Context) error {
	l.mu.Lock()

	if l.requestCount >= l.cfg.MaxRequestsPerSession {
		count := l.requestCount
		l.mu.Unlock()
		l.logger.Warn("session request budget exhausted",
			"request_count", count,
			"max_requests", l.cfg.MaxRequestsPerSession)
		return fmt.Errorf("%w: %d/%d requests",
			ErrRequestBudgetExhausted, count, l.cfg.MaxRequestsPerSession)
	}

	required := l.cfg.MinDelay + l.jitter()
	last := l.lastRequestAt
	wait := required - l.now().Sub(last)
	l.mu.Unlock()

	if !last.IsZero() && wait > 0 {
		l.logger.Debug("pacing request",
			"wait", wait,
			"min_delay", l.cfg.MinDelay)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRequestAt = l.now()
	l.requestCount++
	// A request that got through resets the throttle streak.
	l.consecutiveThrottles = 0
	return nil
}

// OnThrottled is called when the upstream signals throttling. It returns the
// wait before the next attempt, preferring an authoritative Retry-After
// header over the exponential schedule. Once the breaker threshold of
// consecutive throttles is reached it returns ErrCircuitOpen instead.
func (l *Limiter) OnThrottled(headers http.Header) (time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.consecutiveThrottles++
	l.logger.Warn("throttling response received",
		"consecutive_throttles", l.consecutiveThrottles,
		"breaker_threshold", l.cfg.BreakerThreshold)

	if l.consecutiveThrottles >= l.cfg.BreakerThreshold {
		l.logger.Error("rate limit circuit breaker tripped",
			"consecutive_throttles", l.consecutiveThrottles,
			"pause", l.cfg.BreakerPause)
		return 0, fmt.Errorf("%w: %d consecutive throttles, pause for %s",
			ErrCircuitOpen, l.consecutiveThrottles, l.cfg.BreakerPause)
	}

	wait := l.backoff(l.consecutiveThrottles - 1)
	if headers != nil {
		if retryAfter := headers.Get("Retry-After"); retryAfter != "" {
			if seconds, err := strconv.ParseFloat(retryAfter, 64); err == nil {
				wait = time.Duration(seconds * float64(time.Second))
			}
		}
	}

	if wait > l.cfg.MaxBackoff {
		wait = l.cfg.MaxBackoff
	}

	l.lastWait = wait
	l.logger.Warn("backing off after throttle",
		"wait", wait,
		"attempt", l.consecutiveThrottles)
	return wait, nil
}

// Reset clears all counters. Called when a new session begins.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.lastRequestAt = time.Time{}
	l.requestCount = 0
	l.consecutiveThrottles = 0
	l.lastWait = 0
	l.logger.Info("rate limiter reset for new session")
}

// Stats returns a snapshot of the limiter's counters.
func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	var since time.Duration
	if !l.lastRequestAt.IsZero() {
		since = l.now().Sub(l.lastRequestAt)
	}

	return Stats{
		RequestCount:         l.requestCount,
		ConsecutiveThrottles: l.consecutiveThrottles,
		LastWait:             l.lastWait,
		SinceLastRequest:     since,
	}
}

// backoff computes the exponential backoff delay for a zero-indexed attempt,
// capped at MaxBackoff.
func (l *Limiter) backoff(attempt int) time.Duration {
	delay := float64(l.cfg.InitialBackoff) * math.Pow(l.cfg.BackoffMultiplier, float64(attempt))
	if delay > float64(l.cfg.MaxBackoff) {
		return l.cfg.MaxBackoff
	}
	return time.Duration(delay)
}

// sleepContext sleeps for d or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
