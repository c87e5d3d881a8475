package domain

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSession(t *testing.T) {
	ownerID := uuid.New()

	session, err := NewSession("sess-abc123", ownerID, "", true)
	require.NoError(t, err)

	assert.NotEqual(t, uuid.Nil, session.ID)
	assert.Equal(t, "sess-abc123", session.Token)
	assert.Equal(t, ownerID, session.OwnerID)
	assert.Equal(t, SessionStatusActive, session.Status)
	assert.Equal(t, DefaultBrowserKind, session.BrowserKind)
	assert.True(t, session.Headless)
	assert.Equal(t, 0, session.AppliesCompleted)
}

func TestNewSessionValidation(t *testing.T) {
	t.Run("empty token", func(t *testing.T) {
		_, err := NewSession("", uuid.New(), "chrome", true)
		assert.ErrorIs(t, err, ErrEmptySessionToken)
	})

	t.Run("empty owner", func(t *testing.T) {
		_, err := NewSession("sess-abc123", uuid.Nil, "chrome", true)
		assert.ErrorIs(t, err, ErrEmptySessionOwner)
	})
}

func TestSessionStatusIsConcurrent(t *testing.T) {
	// Only live statuses count against the per-owner concurrency cap.
	concurrent := []SessionStatus{SessionStatusActive, SessionStatusIdle, SessionStatusInUse}
	for _, s := range concurrent {
		assert.True(t, s.IsConcurrent(), string(s))
	}

	ended := []SessionStatus{
		SessionStatusTainted,
		SessionStatusCompleted,
		SessionStatusFailed,
		SessionStatusDisposed,
	}
	for _, s := range ended {
		assert.False(t, s.IsConcurrent(), string(s))
	}
}

func TestSessionStatusIsEnded(t *testing.T) {
	assert.True(t, SessionStatusDisposed.IsEnded())
	assert.True(t, SessionStatusCompleted.IsEnded())
	assert.True(t, SessionStatusFailed.IsEnded())
	assert.False(t, SessionStatusTainted.IsEnded())
	assert.False(t, SessionStatusIdle.IsEnded())
}
