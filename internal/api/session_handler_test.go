package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/mocks"
	"github.com/phrazzld/applyq/internal/service"
	"github.com/phrazzld/applyq/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListSessions(t *testing.T) {
	tasks := mocks.NewMockTaskStore()
	sessions := mocks.NewMockSessionStore()
	pool := session.NewPool(sessions, session.PoolConfig{}, nil)
	svc := service.NewTaskQueueService(tasks, pool, nil)
	handler := NewSessionHandler(svc)

	ctx := context.Background()
	ownerID := uuid.New()

	_, created, err := pool.Acquire(ctx, ownerID, uuid.New())
	require.NoError(t, err)
	require.True(t, created)

	req := withOwner(httptest.NewRequest(http.MethodGet, "/api/sessions", nil), ownerID)
	rec := httptest.NewRecorder()
	handler.ListSessions(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp []SessionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, ownerID.String(), resp[0].OwnerID)
	assert.Equal(t, "in_use", resp[0].Status)
}

func TestListSessionsRequiresOwner(t *testing.T) {
	tasks := mocks.NewMockTaskStore()
	sessions := mocks.NewMockSessionStore()
	pool := session.NewPool(sessions, session.PoolConfig{}, nil)
	svc := service.NewTaskQueueService(tasks, pool, nil)
	handler := NewSessionHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ListSessions(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
