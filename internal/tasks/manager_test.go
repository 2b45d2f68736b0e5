package tasks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-task-orchestrator/internal/batch"
	"market-task-orchestrator/internal/logging"
	"market-task-orchestrator/internal/models"
	"market-task-orchestrator/internal/taskstore"
)

type memRecorder struct {
	mu   sync.Mutex
	seen []models.Task
	err  error
}

func (r *memRecorder) RecordTerminal(_ context.Context, t models.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, t)
	return r.err
}

func newTestManager(t *testing.T, opts ...Option) (*Manager, *taskstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := taskstore.New(client, time.Hour, nil)
	return NewManager(store, opts...), store
}

func mustGet(t *testing.T, m *Manager, id string) *models.Task {
	t.Helper()
	got, err := m.GetTaskProgress(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestCreateTaskCompletes(t *testing.T) {
	rec := &memRecorder{}
	m, _ := newTestManager(t, WithRecorders(rec))
	ctx := context.Background()

	id, err := m.CreateTask(ctx, "Sync quotes", "sync_quotes", func(ctx context.Context, taskID string, args ...any) (any, error) {
		_, err := m.UpdateTaskProgress(ctx, taskID, 60, "fetched 3 pages", taskstore.WithItems(3, 5))
		assert.NoError(t, err)
		return map[string]any{"pages": args[0]}, nil
	}, 3)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	m.Wait()

	got := mustGet(t, m, id)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, "fetched 3 pages", got.Message)
	assert.JSONEq(t, `{"pages":3}`, string(got.Result))
	assert.NotNil(t, got.StartedAt)
	assert.NotNil(t, got.CompletedAt)

	require.Len(t, rec.seen, 1)
	assert.Equal(t, id, rec.seen[0].ID)
	assert.Equal(t, models.StatusCompleted, rec.seen[0].Status)
}

func TestCreateTaskFailure(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.CreateTask(context.Background(), "x", "x", func(context.Context, string, ...any) (any, error) {
		return nil, errors.New("upstream 502")
	})
	require.NoError(t, err)
	m.Wait()

	got := mustGet(t, m, id)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "upstream 502", got.Error)
}

func TestCreateTaskPanicBecomesFailure(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.CreateTask(context.Background(), "x", "x", func(context.Context, string, ...any) (any, error) {
		panic("nil map")
	})
	require.NoError(t, err)
	m.Wait()

	got := mustGet(t, m, id)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "nil map")
}

func TestCooperativeCancel(t *testing.T) {
	m, _ := newTestManager(t)
	started := make(chan struct{})

	id, err := m.CreateTask(context.Background(), "long", "long", func(ctx context.Context, taskID string, _ ...any) (any, error) {
		close(started)
		for i := 0; i < 500; i++ {
			if m.IsTaskCancelled(ctx, taskID) {
				return nil, ErrCancelled
			}
			time.Sleep(2 * time.Millisecond)
		}
		return "finished", nil
	})
	require.NoError(t, err)

	<-started
	ok, err := m.CancelTask(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)
	m.Wait()

	got := mustGet(t, m, id)
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Empty(t, got.Result)
}

func TestWorkerIgnoringCancelStillEndsCancelled(t *testing.T) {
	m, _ := newTestManager(t)
	started := make(chan struct{})
	release := make(chan struct{})

	id, err := m.CreateTask(context.Background(), "deaf", "deaf", func(context.Context, string, ...any) (any, error) {
		close(started)
		<-release
		return "done anyway", nil
	})
	require.NoError(t, err)

	<-started
	_, err = m.CancelTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelling, mustGet(t, m, id).Status)
	close(release)
	m.Wait()

	assert.Equal(t, models.StatusCancelled, mustGet(t, m, id).Status)
}

func TestBatchCancellationEndsCancelled(t *testing.T) {
	m, _ := newTestManager(t)
	id, err := m.CreateTask(context.Background(), "fan", "fan", func(ctx context.Context, taskID string, _ ...any) (any, error) {
		return batch.Run(ctx, []int{1, 2, 3}, func(context.Context, int) (int, error) {
			return 0, batch.ErrCancelled
		}, batch.Options[int, int]{MaxWorkers: 1})
	})
	require.NoError(t, err)
	m.Wait()
	assert.Equal(t, models.StatusCancelled, mustGet(t, m, id).Status)
}

func TestCancelBeforeStart(t *testing.T) {
	m, store := newTestManager(t)
	ctx := context.Background()
	row := models.Task{ID: "queued", Code: "q", Status: models.StatusPending, CreatedAt: time.Now()}
	require.NoError(t, store.Create(ctx, row))
	_, err := store.Cancel(ctx, "queued")
	require.NoError(t, err)

	called := false
	m.wg.Add(1)
	m.execute(ctx, row, func(context.Context, string, ...any) (any, error) {
		called = true
		return nil, nil
	}, nil)

	assert.False(t, called)
	got := mustGet(t, m, "queued")
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Nil(t, got.StartedAt)
}

func TestCreateTaskPurgesSameCode(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	noop := func(context.Context, string, ...any) (any, error) { return nil, nil }

	first, err := m.CreateTask(ctx, "a", "daily", noop)
	require.NoError(t, err)
	m.Wait()
	second, err := m.CreateTask(ctx, "a", "daily", noop)
	require.NoError(t, err)
	m.Wait()

	gone, err := m.GetTaskProgress(ctx, first)
	require.NoError(t, err)
	assert.Nil(t, gone)
	assert.Equal(t, models.StatusCompleted, mustGet(t, m, second).Status)

	all, err := m.GetAllTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTaskContextCarriesTaskID(t *testing.T) {
	m, _ := newTestManager(t)
	var seen string
	id, err := m.CreateTask(context.Background(), "t", "t", func(ctx context.Context, taskID string, _ ...any) (any, error) {
		seen = logging.TraceID(ctx)
		return nil, nil
	})
	require.NoError(t, err)
	m.Wait()
	assert.Equal(t, id, seen)
}

func TestRecorderFailureDoesNotChangeState(t *testing.T) {
	rec := &memRecorder{err: errors.New("disk full")}
	m, _ := newTestManager(t, WithRecorders(rec))
	id, err := m.CreateTask(context.Background(), "t", "t", func(context.Context, string, ...any) (any, error) {
		return 1, nil
	})
	require.NoError(t, err)
	m.Wait()
	assert.Equal(t, models.StatusCompleted, mustGet(t, m, id).Status)
	assert.Len(t, rec.seen, 1)
}

func TestRunningQueries(t *testing.T) {
	m, _ := newTestManager(t, WithStaleThreshold(time.Hour))
	ctx := context.Background()
	release := make(chan struct{})
	started := make(chan struct{})

	id, err := m.CreateTask(ctx, "busy", "busy", func(context.Context, string, ...any) (any, error) {
		close(started)
		<-release
		return nil, nil
	})
	require.NoError(t, err)
	<-started

	running, err := m.IsTaskTypeRunning(ctx, "busy")
	require.NoError(t, err)
	assert.True(t, running)

	live, err := m.GetRunningTaskByCode(ctx, "busy")
	require.NoError(t, err)
	require.NotNil(t, live)
	assert.Equal(t, id, live.ID)

	rows, err := m.GetRunningTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	close(release)
	m.Wait()

	running, err = m.IsTaskTypeRunning(ctx, "busy")
	require.NoError(t, err)
	assert.False(t, running)
}

func TestCreateTaskRejectsNilWorker(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.CreateTask(context.Background(), "x", "x", nil)
	assert.Error(t, err)
}
