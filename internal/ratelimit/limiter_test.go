package ratelimit

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError,
	}))
}

// newTestLimiter returns a limiter with a fake clock and zero jitter so
// pacing assertions are deterministic. The returned slept slice records
// every sleep requested.
func newTestLimiter(cfg Config) (*Limiter, *time.Time, *[]time.Duration) {
	limiter := NewLimiter(cfg, testLogger())

	current := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	slept := []time.Duration{}

	limiter.now = func() time.Time { return current }
	limiter.jitter = func() time.Duration { return 0 }
	limiter.sleep = func(ctx context.Context, d time.Duration) error {
		slept = append(slept, d)
		current = current.Add(d)
		return nil
	}

	return limiter, &current, &slept
}

func TestCheckBeforeRequestFirstRequestDoesNotSleep(t *testing.T) {
	limiter, _, slept := newTestLimiter(Config{MinDelay: 60 * time.Second})

	err := limiter.CheckBeforeRequest(context.Background())
	require.NoError(t, err)
	assert.Empty(t, *slept)
	assert.Equal(t, 1, limiter.Stats().RequestCount)
}

func TestCheckBeforeRequestEnforcesMinDelay(t *testing.T) {
	limiter, current, slept := newTestLimiter(Config{MinDelay: 60 * time.Second})

	require.NoError(t, limiter.CheckBeforeRequest(context.Background()))

	// 20s later the limiter should sleep out the remaining 40s.
	*current = current.Add(20 * time.Second)
	require.NoError(t, limiter.CheckBeforeRequest(context.Background()))

	require.Len(t, *slept, 1)
	assert.Equal(t, 40*time.Second, (*slept)[0])
}

func TestCheckBeforeRequestAddsJitter(t *testing.T) {
	limiter, current, slept := newTestLimiter(Config{MinDelay: 60 * time.Second})
	limiter.jitter = func() time.Duration { return 7 * time.Second }

	require.NoError(t, limiter.CheckBeforeRequest(context.Background()))

	*current = current.Add(60 * time.Second)
	require.NoError(t, limiter.CheckBeforeRequest(context.Background()))

	require.Len(t, *slept, 1)
	assert.Equal(t, 7*time.Second, (*slept)[0])
}

func TestCheckBeforeRequestBudgetExhausted(t *testing.T) {
	limiter, current, _ := newTestLimiter(Config{
		MinDelay:              time.Second,
		MaxRequestsPerSession: 2,
	})

	require.NoError(t, limiter.CheckBeforeRequest(context.Background()))
	*current = current.Add(time.Minute)
	require.NoError(t, limiter.CheckBeforeRequest(context.Background()))
	*current = current.Add(time.Minute)

	err := limiter.CheckBeforeRequest(context.Background())
	assert.ErrorIs(t, err, ErrRequestBudgetExhausted)
}

func TestCheckBeforeRequestHonorsContextCancellation(t *testing.T) {
	limiter, _, _ := newTestLimiter(Config{MinDelay: 60 * time.Second})
	limiter.sleep = sleepContext

	require.NoError(t, limiter.CheckBeforeRequest(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := limiter.CheckBeforeRequest(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOnThrottledExponentialBackoff(t *testing.T) {
	limiter, _, _ := newTestLimiter(Config{
		InitialBackoff:    2 * time.Second,
		BackoffMultiplier: 2.0,
		MaxBackoff:        300 * time.Second,
	})

	wait, err := limiter.OnThrottled(nil)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, wait)

	wait, err = limiter.OnThrottled(nil)
	require.NoError(t, err)
	assert.Equal(t, 4*time.Second, wait)
}

func TestOnThrottledPrefersRetryAfterHeader(t *testing.T) {
	limiter, _, _ := newTestLimiter(Config{})

	headers := http.Header{}
	headers.Set("Retry-After", "120")

	wait, err := limiter.OnThrottled(headers)
	require.NoError(t, err)
	assert.Equal(t, 120*time.Second, wait)
}

func TestOnThrottledIgnoresUnparseableRetryAfter(t *testing.T) {
	limiter, _, _ := newTestLimiter(Config{InitialBackoff: 2 * time.Second})

	headers := http.Header{}
	headers.Set("Retry-After", "Wed, 21 Oct 2026 07:28:00 GMT")

	wait, err := limiter.OnThrottled(headers)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, wait)
}

func TestOnThrottledCapsAtMaxBackoff(t *testing.T) {
	limiter, _, _ := newTestLimiter(Config{MaxBackoff: 30 * time.Second})

	headers := http.Header{}
	headers.Set("Retry-After", "900")

	wait, err := limiter.OnThrottled(headers)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, wait)
}

func TestCircuitBreakerTripsAtThreshold(t *testing.T) {
	limiter, _, _ := newTestLimiter(Config{BreakerThreshold: 3})

	// Two consecutive throttles: breaker stays closed.
	_, err := limiter.OnThrottled(nil)
	require.NoError(t, err)
	_, err = limiter.OnThrottled(nil)
	require.NoError(t, err)

	// Third trips it.
	_, err = limiter.OnThrottled(nil)
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestSuccessfulRequestResetsThrottleStreak(t *testing.T) {
	limiter, current, _ := newTestLimiter(Config{
		MinDelay:         time.Second,
		BreakerThreshold: 3,
	})

	_, err := limiter.OnThrottled(nil)
	require.NoError(t, err)
	_, err = limiter.OnThrottled(nil)
	require.NoError(t, err)

	*current = current.Add(time.Minute)
	require.NoError(t, limiter.CheckBeforeRequest(context.Background()))

	// The streak restarted, so two more throttles do not trip the breaker.
	_, err = limiter.OnThrottled(nil)
	require.NoError(t, err)
	_, err = limiter.OnThrottled(nil)
	require.NoError(t, err)
}

func TestReset(t *testing.T) {
	limiter, current, _ := newTestLimiter(Config{MinDelay: time.Second})

	require.NoError(t, limiter.CheckBeforeRequest(context.Background()))
	*current = current.Add(time.Minute)
	_, err := limiter.OnThrottled(nil)
	require.NoError(t, err)

	limiter.Reset()

	stats := limiter.Stats()
	assert.Equal(t, 0, stats.RequestCount)
	assert.Equal(t, 0, stats.ConsecutiveThrottles)
	assert.Equal(t, time.Duration(0), stats.LastWait)
}
