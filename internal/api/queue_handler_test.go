package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/api/shared"
	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/mocks"
	"github.com/phrazzld/applyq/internal/service"
	"github.com/phrazzld/applyq/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type handlerFixture struct {
	svc     service.TaskQueueService
	tasks   *mocks.MockTaskStore
	handler *QueueHandler
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	tasks := mocks.NewMockTaskStore()
	sessions := mocks.NewMockSessionStore()
	pool := session.NewPool(sessions, session.PoolConfig{}, nil)
	svc := service.NewTaskQueueService(tasks, pool, nil)

	return &handlerFixture{
		svc:     svc,
		tasks:   tasks,
		handler: NewQueueHandler(svc),
	}
}

// withOwner stores the owner ID in the request context, mimicking the owner
// middleware.
func withOwner(r *http.Request, ownerID uuid.UUID) *http.Request {
	ctx := context.WithValue(r.Context(), shared.OwnerIDContextKey, ownerID)
	return r.WithContext(ctx)
}

// withPathParam stores a chi URL parameter on the request context.
func withPathParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestEnqueueTaskAccepted(t *testing.T) {
	f := newHandlerFixture(t)
	ownerID := uuid.New()

	body, err := json.Marshal(EnqueueTaskRequest{
		Kind:     string(domain.TaskKindSubmitApply),
		Priority: domain.PriorityHigh,
		JobRef:   "https://example.com/jobs/123",
	})
	require.NoError(t, err)

	req := withOwner(httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body)), ownerID)
	rec := httptest.NewRecorder()
	f.handler.EnqueueTask(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)

	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, domain.PriorityHigh, resp.Priority)
	assert.Equal(t, ownerID.String(), resp.OwnerID)
	require.NotNil(t, resp.JobRef)
	assert.Equal(t, "https://example.com/jobs/123", *resp.JobRef)
}

func TestEnqueueTaskRejectsUnknownKind(t *testing.T) {
	f := newHandlerFixture(t)

	body := []byte(`{"kind":"make_coffee"}`)
	req := withOwner(httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body)), uuid.New())
	rec := httptest.NewRecorder()
	f.handler.EnqueueTask(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnqueueTaskRequiresOwner(t *testing.T) {
	f := newHandlerFixture(t)

	body := []byte(`{"kind":"scrape"}`)
	req := httptest.NewRequest(http.MethodPost, "/api/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	f.handler.EnqueueTask(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetTaskNotFound(t *testing.T) {
	f := newHandlerFixture(t)

	req := withPathParam(httptest.NewRequest(http.MethodGet, "/api/tasks/x", nil), "id", uuid.New().String())
	rec := httptest.NewRecorder()
	f.handler.GetTask(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetTaskInvalidID(t *testing.T) {
	f := newHandlerFixture(t)

	req := withPathParam(httptest.NewRequest(http.MethodGet, "/api/tasks/nope", nil), "id", "nope")
	rec := httptest.NewRecorder()
	f.handler.GetTask(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelTask(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	ownerID := uuid.New()

	task, err := f.svc.Enqueue(ctx, service.EnqueueRequest{OwnerID: ownerID, Kind: domain.TaskKindSubmitApply})
	require.NoError(t, err)

	req := withPathParam(httptest.NewRequest(http.MethodDelete, "/api/tasks/x", nil), "id", task.ID.String())
	rec := httptest.NewRecorder()
	f.handler.CancelTask(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "failed", resp.Status)
	require.NotNil(t, resp.ErrorMessage)
	assert.Equal(t, "cancelled", *resp.ErrorMessage)
}

func TestCancelProcessingTaskConflicts(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()

	task, err := f.svc.Enqueue(ctx, service.EnqueueRequest{OwnerID: uuid.New(), Kind: domain.TaskKindSubmitApply})
	require.NoError(t, err)
	_, err = f.tasks.MarkProcessing(ctx, task.ID)
	require.NoError(t, err)

	req := withPathParam(httptest.NewRequest(http.MethodDelete, "/api/tasks/x", nil), "id", task.ID.String())
	rec := httptest.NewRecorder()
	f.handler.CancelTask(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestListTasksScopedToOwner(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	ownerID := uuid.New()

	for i := 0; i < 2; i++ {
		_, err := f.svc.Enqueue(ctx, service.EnqueueRequest{OwnerID: ownerID, Kind: domain.TaskKindScrape})
		require.NoError(t, err)
	}
	_, err := f.svc.Enqueue(ctx, service.EnqueueRequest{OwnerID: uuid.New(), Kind: domain.TaskKindScrape})
	require.NoError(t, err)

	req := withOwner(httptest.NewRequest(http.MethodGet, "/api/tasks", nil), ownerID)
	rec := httptest.NewRecorder()
	f.handler.ListTasks(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp []TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp, 2)
}

func TestGetStats(t *testing.T) {
	f := newHandlerFixture(t)
	ctx := context.Background()
	ownerID := uuid.New()

	_, err := f.svc.Enqueue(ctx, service.EnqueueRequest{OwnerID: ownerID, Kind: domain.TaskKindSubmitApply})
	require.NoError(t, err)

	req := withOwner(httptest.NewRequest(http.MethodGet, "/api/tasks/stats", nil), ownerID)
	rec := httptest.NewRecorder()
	f.handler.GetStats(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp QueueStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Total)
	assert.Equal(t, 1, resp.Pending)
}
