package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"market-task-orchestrator/internal/logging"
	"market-task-orchestrator/internal/models"
	"market-task-orchestrator/internal/tasks"
	"market-task-orchestrator/internal/taskstore"
)

type fakeHistory struct {
	cutoff time.Time
	err    error
}

func (f *fakeHistory) PurgeRunsBefore(_ context.Context, cutoff time.Time) (int64, error) {
	f.cutoff = cutoff
	return 7, f.err
}

func setup(t *testing.T, hist HistoryPurger) (*Registry, *tasks.Manager, *taskstore.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := taskstore.New(client, time.Hour, nil)
	m := tasks.NewManager(store, tasks.WithStaleThreshold(time.Hour))
	reg := NewRegistry()
	RegisterBuiltins(reg, Deps{Manager: m, History: hist, BatchWorkers: 2})
	return reg, m, store
}

func run(t *testing.T, reg *Registry, m *tasks.Manager, code string, args map[string]any) *models.Task {
	t.Helper()
	fn, ok := reg.Lookup(code)
	require.True(t, ok, code)
	id, err := m.CreateTask(context.Background(), code, code, fn, args)
	require.NoError(t, err)
	m.Wait()
	got, err := m.GetTaskProgress(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, got)
	return got
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	reg.Register("", func(context.Context, string, ...any) (any, error) { return nil, nil })
	reg.Register("nil", nil)
	reg.Register("b", func(context.Context, string, ...any) (any, error) { return nil, nil })
	reg.Register("a", func(context.Context, string, ...any) (any, error) { return nil, nil })

	assert.Equal(t, []string{"a", "b"}, reg.Codes())
	_, ok := reg.Lookup("nil")
	assert.False(t, ok)
}

func TestSimulateFansOut(t *testing.T) {
	reg, m, _ := setup(t, nil)
	got := run(t, reg, m, CodeSimulate, map[string]any{"items": 9, "fail_every": float64(3)})

	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.JSONEq(t, `{"items":9,"failed":3}`, string(got.Result))
	require.NotNil(t, got.ProcessedItems)
	assert.Equal(t, 9, *got.ProcessedItems)
	assert.Equal(t, "Processed 9/9 items", got.Message)
}

func TestSimulateFailure(t *testing.T) {
	reg, m, _ := setup(t, nil)
	got := run(t, reg, m, CodeSimulate, map[string]any{"should_fail": true})
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "should_fail")
}

func TestSimulateRejectsNegativeItems(t *testing.T) {
	reg, m, _ := setup(t, nil)
	got := run(t, reg, m, CodeSimulate, map[string]any{"items": -3})
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "items must not be negative, got -3", got.Error)
}

func TestReportLogsFailedProgressWrite(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	core, logs := observer.New(zapcore.DebugLevel)
	d := Deps{
		Manager: tasks.NewManager(taskstore.New(client, time.Hour, nil)),
		Logger:  zap.New(core),
	}
	mr.Close()

	ctx := logging.WithTraceID(context.Background(), "trace-1")
	d.report(ctx, "t1", 10, "working")

	entries := logs.FilterMessage("progress write failed").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "t1", fields["task_id"])
	assert.Equal(t, "trace-1", fields["trace_id"])
	assert.NotEmpty(t, fields["error"])
}

func TestSimulateHonoursCancel(t *testing.T) {
	reg, m, _ := setup(t, nil)
	fn, _ := reg.Lookup(CodeSimulate)
	ctx := context.Background()

	id, err := m.CreateTask(ctx, "sim", CodeSimulate, fn, map[string]any{"duration_ms": 5000})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		row, _ := m.GetTaskProgress(ctx, id)
		return row != nil && row.Status == models.StatusRunning
	}, 2*time.Second, 10*time.Millisecond)

	_, err = m.CancelTask(ctx, id)
	require.NoError(t, err)
	m.Wait()

	got, err := m.GetTaskProgress(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestPurgeHistory(t *testing.T) {
	hist := &fakeHistory{}
	reg, m, _ := setup(t, hist)
	got := run(t, reg, m, CodePurgeHistory, map[string]any{"retention_hours": 24})

	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), hist.cutoff, time.Minute)
	assert.Contains(t, string(got.Result), `"deleted":7`)
}

func TestPurgeHistoryError(t *testing.T) {
	reg, m, _ := setup(t, &fakeHistory{err: errors.New("conn refused")})
	got := run(t, reg, m, CodePurgeHistory, nil)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, "conn refused", got.Error)
}

func TestPurgeHistoryWithoutStore(t *testing.T) {
	reg, m, _ := setup(t, nil)
	got := run(t, reg, m, CodePurgeHistory, nil)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Contains(t, string(got.Result), "skipped")
}

func TestReconcileFinalizesZombies(t *testing.T) {
	reg, m, store := setup(t, nil)
	ctx := context.Background()
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, store.Create(ctx, models.Task{
		ID: "zombie", Code: "sync_x", Status: models.StatusRunning, Progress: 20, CreatedAt: old, StartedAt: &old,
	}))

	got := run(t, reg, m, CodeReconcile, nil)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"checked":2,"reconciled":1,"running":0}`, string(got.Result))

	zombie, err := m.GetTaskProgress(ctx, "zombie")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, zombie.Status)
	assert.Equal(t, taskstore.StaleMessage, zombie.Message)
}
