package taskstore

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-task-orchestrator/internal/models"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return New(client, 0, nil), mr
}

func create(t *testing.T, s *Store, id, code string, status models.TaskStatus, progress int) {
	t.Helper()
	require.NoError(t, s.Create(context.Background(), models.Task{
		ID: id, Name: code + " run", Code: code, Status: status, Progress: progress,
	}))
}

func TestUpdateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	create(t, s, "t1", "sync_x", models.StatusRunning, 0)

	ok, err := s.Update(ctx, "t1", 42, "halfway", WithOperation("", map[string]any{"a": 1}))
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 42, got.Progress)
	assert.Equal(t, "halfway", got.Message)
	assert.Equal(t, map[string]any{"a": float64(1)}, got.OperationDetails)
	assert.Equal(t, models.StatusRunning, got.Status)
}

func TestUpdatePartialKeepsMessage(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	create(t, s, "t1", "c", models.StatusRunning, 0)

	_, err := s.Update(ctx, "t1", 80, "synced 800 rows", WithItems(800, 1000))
	require.NoError(t, err)
	_, err = s.Update(ctx, "t1", 100, "", WithStatus(models.StatusCompleted), WithResult(map[string]int{"rows": 800}))
	require.NoError(t, err)

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "synced 800 rows", got.Message)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.JSONEq(t, `{"rows":800}`, string(got.Result))
	require.NotNil(t, got.ProcessedItems)
	assert.Equal(t, 800, *got.ProcessedItems)
	assert.Equal(t, 1000, *got.TotalItems)
	assert.Nil(t, got.RemainingTime)
}

func TestFreezeWhileCancelling(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	create(t, s, "t1", "c", models.StatusCancelling, 30)

	ok, err := s.Update(ctx, "t1", 50, "still going")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Update(ctx, "t1", 60, "", WithStatus(models.StatusRunning))
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := s.Get(ctx, "t1")
	assert.Equal(t, models.StatusCancelling, got.Status)
	assert.Equal(t, 30, got.Progress)

	ok, err = s.Update(ctx, "t1", -1, "stopped", WithStatus(models.StatusCancelled))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Update(ctx, "t1", -1, "", WithStatus(models.StatusFailed))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.Update(ctx, "t1", -1, "", WithStatus(models.StatusCancelled))
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ = s.Get(ctx, "t1")
	assert.Equal(t, models.StatusCancelled, got.Status)
	assert.Equal(t, "stopped", got.Message)
}

func TestTerminalNeverReopens(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	create(t, s, "t1", "c", models.StatusRunning, 0)

	_, err := s.Update(ctx, "t1", 100, "", WithStatus(models.StatusCompleted))
	require.NoError(t, err)
	first, _ := s.Get(ctx, "t1")
	require.NotNil(t, first.CompletedAt)

	ok, err := s.Update(ctx, "t1", 10, "again", WithStatus(models.StatusRunning))
	require.NoError(t, err)
	assert.False(t, ok)

	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	ok, err = s.Update(ctx, "t1", -1, "", WithStatus(models.StatusFailed))
	require.NoError(t, err)
	assert.True(t, ok)

	got, _ := s.Get(ctx, "t1")
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.True(t, first.CompletedAt.Equal(*got.CompletedAt))
}

func TestProgressMonotonicAndStartedOnce(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	create(t, s, "t1", "c", models.StatusPending, 0)

	_, err := s.Update(ctx, "t1", 0, "", WithStatus(models.StatusRunning))
	require.NoError(t, err)
	first, _ := s.Get(ctx, "t1")
	require.NotNil(t, first.StartedAt)

	s.now = func() time.Time { return time.Now().Add(time.Minute) }
	_, err = s.Update(ctx, "t1", 50, "", WithStatus(models.StatusRunning))
	require.NoError(t, err)
	_, err = s.Update(ctx, "t1", 30, "")
	require.NoError(t, err)

	got, _ := s.Get(ctx, "t1")
	assert.Equal(t, 50, got.Progress)
	assert.True(t, first.StartedAt.Equal(*got.StartedAt))
}

func TestUpdateMissingRow(t *testing.T) {
	s, _ := newTestStore(t)
	ok, err := s.Update(context.Background(), "ghost", 10, "x")
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.Get(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestUpdateRejectsUnknownStatus(t *testing.T) {
	s, _ := newTestStore(t)
	create(t, s, "t1", "c", models.StatusRunning, 0)
	_, err := s.Update(context.Background(), "t1", 10, "", WithStatus("exploded"))
	assert.Error(t, err)
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	create(t, s, "done", "a", models.StatusRunning, 100)
	ok, err := s.Cancel(ctx, "done")
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ := s.Get(ctx, "done")
	assert.Equal(t, models.StatusCancelled, got.Status)

	create(t, s, "busy", "b", models.StatusRunning, 10)
	ok, err = s.Cancel(ctx, "busy")
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = s.Get(ctx, "busy")
	assert.Equal(t, models.StatusCancelling, got.Status)

	cancelled, err := s.IsCancelled(ctx, "busy")
	require.NoError(t, err)
	assert.True(t, cancelled)

	ok, err = s.Cancel(ctx, "ghost")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCancelAfterRowMovedOn(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestStore(t)
	snapshot := func(id string) *models.Task {
		return &models.Task{ID: id, Status: models.StatusRunning, Progress: 40}
	}

	// Finished between the read and the cancelling write.
	create(t, s, "finished", "a", models.StatusRunning, 40)
	ok, err := s.Update(ctx, "finished", 100, "done", WithStatus(models.StatusCompleted))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = s.cancelFrom(ctx, snapshot("finished"))
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ := s.Get(ctx, "finished")
	assert.Equal(t, models.StatusCancelled, got.Status)

	// Another caller got there first.
	create(t, s, "twice", "b", models.StatusRunning, 40)
	_, err = s.Cancel(ctx, "twice")
	require.NoError(t, err)
	ok, err = s.cancelFrom(ctx, snapshot("twice"))
	require.NoError(t, err)
	assert.True(t, ok)
	got, _ = s.Get(ctx, "twice")
	assert.Equal(t, models.StatusCancelling, got.Status)

	// Expired in between.
	create(t, s, "gone", "c", models.StatusRunning, 40)
	mr.Del(Key("gone"))
	ok, err = s.cancelFrom(ctx, snapshot("gone"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestIsCancelled(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	create(t, s, "t1", "c", models.StatusRunning, 0)

	cancelled, err := s.IsCancelled(ctx, "t1")
	require.NoError(t, err)
	assert.False(t, cancelled)

	cancelled, err = s.IsCancelled(ctx, "purged")
	require.NoError(t, err)
	assert.True(t, cancelled)
}

func TestStaleRowsAreReconciled(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)

	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, s.Create(ctx, models.Task{
		ID: "zombie", Code: "sync_x", Status: models.StatusRunning, Progress: 40,
		CreatedAt: old, StartedAt: &old,
	}))

	running, err := s.IsTypeRunning(ctx, "sync_x", 2*time.Hour)
	require.NoError(t, err)
	assert.False(t, running)

	got, err := s.Get(ctx, "zombie")
	require.NoError(t, err)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Equal(t, StaleMessage, got.Message)
	assert.Equal(t, StaleMessage, got.Error)
}

func TestStaleCancellingBecomesCancelled(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	old := time.Now().Add(-3 * time.Hour)
	require.NoError(t, s.Create(ctx, models.Task{
		ID: "z", Code: "c", Status: models.StatusCancelling, CreatedAt: old, StartedAt: &old,
	}))

	rows, err := s.Running(ctx, time.Hour)
	require.NoError(t, err)
	assert.Empty(t, rows)

	got, _ := s.Get(ctx, "z")
	assert.Equal(t, models.StatusCancelled, got.Status)
}

func TestFinishedButLiveIsStale(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	create(t, s, "t1", "c", models.StatusRunning, 100)

	running, err := s.IsTypeRunning(ctx, "c", 0)
	require.NoError(t, err)
	assert.False(t, running)
}

func TestRunningByCode(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	create(t, s, "t1", "a", models.StatusRunning, 10)
	create(t, s, "t2", "b", models.StatusCompleted, 100)

	got, err := s.RunningByCode(ctx, "a", time.Hour)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "t1", got.ID)

	got, err = s.RunningByCode(ctx, "b", time.Hour)
	require.NoError(t, err)
	assert.Nil(t, got)

	// completed rows are not rewritten
	row, _ := s.Get(ctx, "t2")
	assert.Equal(t, models.StatusCompleted, row.Status)
}

func TestDeleteByCode(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	create(t, s, "a1", "a", models.StatusCompleted, 100)
	create(t, s, "a2", "a", models.StatusFailed, 10)
	create(t, s, "b1", "b", models.StatusRunning, 10)

	n, err := s.DeleteByCode(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	rows, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "b1", rows[0].ID)
}

func TestListNewestFirst(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	base := time.Now().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		require.NoError(t, s.Create(ctx, models.Task{
			ID: id, Code: id, Status: models.StatusCompleted, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}
	rows, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "new", rows[0].ID)
	assert.Equal(t, "old", rows[2].ID)
}

func TestDerivedTimes(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(t)
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	started := now.Add(-10 * time.Second)
	s.now = func() time.Time { return now }
	require.NoError(t, s.Create(ctx, models.Task{
		ID: "t1", Code: "c", Status: models.StatusRunning, Progress: 25, CreatedAt: started, StartedAt: &started,
	}))

	got, err := s.Get(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, got.ElapsedTime)
	require.NotNil(t, got.RemainingTime)
	assert.InDelta(t, 10.0, *got.ElapsedTime, 0.001)
	assert.InDelta(t, 30.0, *got.RemainingTime, 0.001)
}

func TestRowsCarryTTL(t *testing.T) {
	s, mr := newTestStore(t)
	create(t, s, "t1", "c", models.StatusPending, 0)
	assert.Equal(t, DefaultTTL, mr.TTL(Key("t1")))

	mr.FastForward(DefaultTTL + time.Second)
	got, err := s.Get(context.Background(), "t1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSubscribeReceivesUpdates(t *testing.T) {
	s, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := s.Subscribe(ctx)
	require.NoError(t, err)

	create(t, s, "t1", "c", models.StatusPending, 0)
	_, err = s.Update(context.Background(), "t1", 5, "warming up", WithStatus(models.StatusRunning))
	require.NoError(t, err)

	var got []models.ProgressEvent
	timeout := time.After(2 * time.Second)
	for len(got) < 2 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out waiting for events, got %d", len(got))
		}
	}
	assert.Equal(t, "t1", got[1].TaskID)
	assert.Equal(t, models.StatusRunning, got[1].Data.Status)
	assert.Equal(t, "warming up", got[1].Data.Message)
	assert.NotEmpty(t, got[1].Timestamp)
}
