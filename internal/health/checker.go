// Package health classifies raw driver errors into structured session
// health issues and recommends per-issue cooldowns. Classification is pure,
// deterministic text matching; it performs no I/O and holds no state.
package health

import (
	"strings"
	"time"
)

// IssueKind identifies a detected session health issue.
type IssueKind string

// Known health issue kinds.
const (
	IssueRateLimited        IssueKind = "rate_limited"
	IssueExpiredSession     IssueKind = "expired_session"
	IssueVerificationNeeded IssueKind = "verification_challenge"
	IssueInvalidCredentials IssueKind = "invalid_credentials"
	IssueAccountRestricted  IssueKind = "account_restricted"
)

// DefaultCooldown applies to issue kinds without a specific entry in the
// cooldown table.
const DefaultCooldown = 10 * time.Minute

// Indicator keyword sets, checked against lowercased error text. They are
// data rather than scattered literals so the rules can be tested and
// extended independently.
var (
	rateLimitIndicators = []string{
		"429",
		"rate limit",
		"too many requests",
		"retry later",
		"temporarily blocked",
		"throttl",
	}

	expiredSessionIndicators = []string{
		"session expired",
		"session invalid",
		"login required",
		"not logged in",
		"authentication failed",
		"unauthorized",
		"invalid session",
		"session ended",
		"cookie expired",
		"li_at",
		"jsessionid",
		"401",
		"403",
	}

	verificationIndicators = []string{
		"checkpoint",
		"verify",
		"verification",
		"confirm",
		"unusual activity",
		"unusual sign-in",
		"confirm identity",
		"security check",
		"challenge",
		"captcha",
		"verify account",
		"sign in again",
		"suspicious activity",
	}

	restrictedIndicators = []string{
		"account restricted",
		"account suspended",
		"restricted from",
	}
)

// cooldowns maps each issue kind to its recommended wait before the owner
// retries. These are calibrated to the external system's recovery time, not
// to retry pacing.
var cooldowns = map[IssueKind]time.Duration{
	IssueRateLimited:        time.Hour,
	IssueExpiredSession:     5 * time.Minute,
	IssueVerificationNeeded: 30 * time.Minute,
	IssueInvalidCredentials: 10 * time.Minute,
	IssueAccountRestricted:  2 * time.Hour,
}

// descriptions maps each issue kind to a human-readable summary surfaced in
// task error logs.
var descriptions = map[IssueKind]string{
	IssueRateLimited:        "rate limited by upstream - too many requests",
	IssueExpiredSession:     "session expired or no longer valid",
	IssueVerificationNeeded: "verification challenge requires manual resolution",
	IssueInvalidCredentials: "invalid login credentials",
	IssueAccountRestricted:  "account restricted or suspended",
}

// Checker classifies driver error text into health issues.
type Checker struct{}

// NewChecker creates a new Checker.
func NewChecker() *Checker {
	return &Checker{}
}

// Classify inspects an error message and error type and returns the detected
// issue kind, or ok=false when nothing matches. Checks run in priority
// order: rate limiting first, then session expiry, then verification
// challenges. The first match wins.
func (c *Checker) Classify(errorMessage, errorType string) (IssueKind, bool) {
	if errorMessage == "" && errorType == "" {
		return "", false
	}

	msg := strings.ToLower(errorMessage)
	typ := strings.ToLower(errorType)

	if matchesAny(msg, rateLimitIndicators) || matchesAny(typ, rateLimitIndicators) {
		return IssueRateLimited, true
	}

	// Restriction signatures are checked before the generic expiry set since
	// "account restricted" messages often also carry a 403.
	if matchesAny(msg, restrictedIndicators) || matchesAny(typ, restrictedIndicators) {
		return IssueAccountRestricted, true
	}

	if matchesAny(msg, expiredSessionIndicators) || matchesAny(typ, expiredSessionIndicators) {
		return IssueExpiredSession, true
	}

	if matchesAny(msg, verificationIndicators) || matchesAny(typ, verificationIndicators) {
		return IssueVerificationNeeded, true
	}

	return "", false
}

// CooldownFor returns the recommended cooldown before retrying work affected
// by the given issue.
func (c *Checker) CooldownFor(issue IssueKind) time.Duration {
	if d, ok := cooldowns[issue]; ok {
		return d
	}
	return DefaultCooldown
}

// Description returns a human-readable summary of the issue.
func (c *Checker) Description(issue IssueKind) string {
	if d, ok := descriptions[issue]; ok {
		return d
	}
	return "unknown health issue"
}

func matchesAny(text string, indicators []string) bool {
	if text == "" {
		return false
	}
	for _, indicator := range indicators {
		if strings.Contains(text, indicator) {
			return true
		}
	}
	return false
}
