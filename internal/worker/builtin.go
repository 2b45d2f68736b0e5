package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"market-task-orchestrator/internal/batch"
	"market-task-orchestrator/internal/logging"
	"market-task-orchestrator/internal/tasks"
	"market-task-orchestrator/internal/taskstore"
)

// Built-in job codes.
const (
	CodeReconcile    = "reconcile_tasks"
	CodePurgeHistory = "purge_task_history"
	CodeSimulate     = "simulate"
)

const sleepSlice = 100 * time.Millisecond

// HistoryPurger drops old task run history.
type HistoryPurger interface {
	PurgeRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Deps are the collaborators the built-in jobs need. History may be nil.
type Deps struct {
	Manager      *tasks.Manager
	History      HistoryPurger
	Retention    time.Duration
	BatchWorkers int
	Logger       *zap.Logger
}

// RegisterBuiltins adds the maintenance and smoke-test jobs to r.
func RegisterBuiltins(r *Registry, d Deps) {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Retention <= 0 {
		d.Retention = 30 * 24 * time.Hour
	}
	r.Register(CodeReconcile, d.reconcile)
	r.Register(CodePurgeHistory, d.purgeHistory)
	r.Register(CodeSimulate, d.simulate)
}

// reconcile sweeps every live row; stale ones are finalized by the scan.
func (d Deps) reconcile(ctx context.Context, taskID string, _ ...any) (any, error) {
	before, err := d.Manager.GetAllTasks(ctx)
	if err != nil {
		return nil, err
	}
	live := 0
	for _, t := range before {
		if t.Status.Live() && t.ID != taskID {
			live++
		}
	}
	running, err := d.Manager.GetRunningTasks(ctx)
	if err != nil {
		return nil, err
	}
	still := 0
	for _, t := range running {
		if t.ID != taskID {
			still++
		}
	}
	logging.For(ctx, d.Logger).Info("reconciled task rows", zap.Int("live_before", live), zap.Int("live_after", still))
	return map[string]int{"checked": len(before), "reconciled": live - still, "running": still}, nil
}

func (d Deps) purgeHistory(ctx context.Context, taskID string, args ...any) (any, error) {
	if d.History == nil {
		return map[string]any{"skipped": "history store not configured"}, nil
	}
	retention := d.Retention
	if h, ok := asInt(argMap(args)["retention_hours"]); ok && h > 0 {
		retention = time.Duration(h) * time.Hour
	}
	cutoff := time.Now().Add(-retention)
	d.report(ctx, taskID, 10, "Purging runs before "+cutoff.UTC().Format(time.RFC3339))
	n, err := d.History.PurgeRunsBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	return map[string]any{"deleted": n, "cutoff": cutoff.UTC()}, nil
}

type itemResult struct {
	Index int  `json:"index"`
	OK    bool `json:"ok"`
}

// simulate exercises the whole pipeline. Args:
//
//	duration_ms  sleep before fanning out
//	should_fail  return an error at the end
//	items        fan out this many batch items
//	item_ms      per-item sleep
//	fail_every   every Nth item errors
func (d Deps) simulate(ctx context.Context, taskID string, args ...any) (any, error) {
	a := argMap(args)
	n, _ := asInt(a["items"])
	if n < 0 {
		return nil, fmt.Errorf("items must not be negative, got %d", n)
	}
	if ms, ok := asInt(a["duration_ms"]); ok && ms > 0 {
		if err := d.sleep(ctx, taskID, time.Duration(ms)*time.Millisecond); err != nil {
			return nil, err
		}
	}

	itemMS, _ := asInt(a["item_ms"])
	failEvery, _ := asInt(a["fail_every"])
	indexes := make([]int, n)
	for i := range indexes {
		indexes[i] = i + 1
	}

	results, err := batch.Run(ctx, indexes, func(ctx context.Context, i int) (itemResult, error) {
		if itemMS > 0 {
			time.Sleep(time.Duration(itemMS) * time.Millisecond)
		}
		if failEvery > 0 && i%failEvery == 0 {
			return itemResult{}, fmt.Errorf("item %d failed", i)
		}
		return itemResult{Index: i, OK: true}, nil
	}, batch.Options[int, itemResult]{
		MaxWorkers:  d.BatchWorkers,
		Logger:      d.Logger,
		CancelCheck: func() bool { return d.Manager.IsTaskCancelled(ctx, taskID) },
		OnError: func(i int, _ error) itemResult {
			return itemResult{Index: i}
		},
		OnProgress: func(_ itemResult, completed, total int) {
			pct := completed * 99 / total
			d.report(ctx, taskID, pct, fmt.Sprintf("Processed %d/%d items", completed, total),
				taskstore.WithItems(completed, total),
				taskstore.WithOperation("simulate", map[string]any{"last_completed": completed}))
		},
	})
	if errors.Is(err, batch.ErrCancelled) {
		return nil, tasks.ErrCancelled
	}
	if err != nil {
		return nil, err
	}

	failed := 0
	for _, r := range results {
		if !r.OK {
			failed++
		}
	}
	if fail, ok := a["should_fail"].(bool); ok && fail {
		return nil, errors.New("simulated failure requested by args.should_fail")
	}
	return map[string]int{"items": len(results), "failed": failed}, nil
}

// report writes progress. A failed write only costs visibility, so it is
// logged and the job carries on.
func (d Deps) report(ctx context.Context, taskID string, progress int, message string, opts ...taskstore.UpdateOption) {
	if _, err := d.Manager.UpdateTaskProgress(ctx, taskID, progress, message, opts...); err != nil {
		logging.For(ctx, d.Logger).Debug("progress write failed", zap.String("task_id", taskID), zap.Error(err))
	}
}

// sleep waits for d in short slices so a cancel request is noticed promptly.
func (d Deps) sleep(ctx context.Context, taskID string, total time.Duration) error {
	deadline := time.Now().Add(total)
	for time.Now().Before(deadline) {
		if d.Manager.IsTaskCancelled(ctx, taskID) {
			return tasks.ErrCancelled
		}
		step := time.Until(deadline)
		if step > sleepSlice {
			step = sleepSlice
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(step):
		}
	}
	return nil
}

func argMap(args []any) map[string]any {
	if len(args) == 0 {
		return map[string]any{}
	}
	if m, ok := args[0].(map[string]any); ok && m != nil {
		return m
	}
	return map[string]any{}
}

func asInt(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	default:
		return 0, false
	}
}
