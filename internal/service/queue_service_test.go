package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/phrazzld/applyq/internal/domain"
	"github.com/phrazzld/applyq/internal/mocks"
	"github.com/phrazzld/applyq/internal/session"
	"github.com/phrazzld/applyq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (TaskQueueService, *mocks.MockTaskStore, *mocks.MockSessionStore) {
	t.Helper()

	tasks := mocks.NewMockTaskStore()
	sessions := mocks.NewMockSessionStore()
	pool := session.NewPool(sessions, session.PoolConfig{}, nil)
	return NewTaskQueueService(tasks, pool, nil), tasks, sessions
}

func TestEnqueueDefaultsToNormalPriority(t *testing.T) {
	svc, tasks, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, EnqueueRequest{
		OwnerID: uuid.New(),
		Kind:    domain.TaskKindSubmitApply,
	})
	require.NoError(t, err)

	assert.Equal(t, domain.PriorityNormal, task.Priority)
	assert.Equal(t, domain.TaskStatusPending, task.Status)
	assert.Equal(t, domain.DefaultMaxRetries, task.MaxRetries)

	stored, err := tasks.GetByID(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, stored.ID)
}

func TestEnqueueRejectsInvalidKind(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Enqueue(context.Background(), EnqueueRequest{
		OwnerID: uuid.New(),
		Kind:    "make_coffee",
	})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestEnqueueRejectsMissingOwner(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.Enqueue(context.Background(), EnqueueRequest{
		Kind: domain.TaskKindScrape,
	})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestGetTaskMapsNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)

	_, err := svc.GetTask(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestCancelPendingTask(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, EnqueueRequest{
		OwnerID: uuid.New(),
		Kind:    domain.TaskKindSubmitApply,
	})
	require.NoError(t, err)

	cancelled, err := svc.Cancel(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.TaskStatusFailed, cancelled.Status)
	require.NotNil(t, cancelled.ErrorMessage)
	assert.Equal(t, "cancelled", *cancelled.ErrorMessage)
}

func TestCancelProcessingTaskFails(t *testing.T) {
	svc, tasks, _ := newTestService(t)
	ctx := context.Background()

	task, err := svc.Enqueue(ctx, EnqueueRequest{
		OwnerID: uuid.New(),
		Kind:    domain.TaskKindSubmitApply,
	})
	require.NoError(t, err)
	_, err = tasks.MarkProcessing(ctx, task.ID)
	require.NoError(t, err)

	_, err = svc.Cancel(ctx, task.ID)
	assert.ErrorIs(t, err, ErrTaskNotCancellable)
}

func TestStatsCountsByStatus(t *testing.T) {
	svc, tasks, _ := newTestService(t)
	ctx := context.Background()
	ownerID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := svc.Enqueue(ctx, EnqueueRequest{OwnerID: ownerID, Kind: domain.TaskKindSubmitApply})
		require.NoError(t, err)
	}
	one, err := svc.Enqueue(ctx, EnqueueRequest{OwnerID: ownerID, Kind: domain.TaskKindScrape})
	require.NoError(t, err)
	_, err = tasks.MarkProcessing(ctx, one.ID)
	require.NoError(t, err)
	_, err = tasks.MarkCompleted(ctx, one.ID)
	require.NoError(t, err)

	stats, err := svc.Stats(ctx, &ownerID)
	require.NoError(t, err)
	assert.Equal(t, &store.QueueStats{Total: 4, Pending: 3, Completed: 1}, stats)

	// Another owner sees nothing.
	other := uuid.New()
	empty, err := svc.Stats(ctx, &other)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
}

func TestActiveSessionsListsPool(t *testing.T) {
	svc, _, sessions := newTestService(t)
	ctx := context.Background()
	ownerID := uuid.New()

	created, err := domain.NewSession("sess-1", ownerID, "", true)
	require.NoError(t, err)
	require.NoError(t, sessions.Create(ctx, created))

	live, err := svc.ActiveSessions(ctx, ownerID)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "sess-1", live[0].Token)
}

func TestQueueServiceErrorWrapsUnknown(t *testing.T) {
	underlying := errors.New("connection refused")
	err := NewQueueServiceError("enqueue", "failed to persist task", underlying)

	var svcErr *QueueServiceError
	require.ErrorAs(t, err, &svcErr)
	assert.Equal(t, "enqueue", svcErr.Operation)
	assert.ErrorIs(t, err, underlying)
}
