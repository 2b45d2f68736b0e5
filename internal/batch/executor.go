// Package batch runs a slice of independent items through a bounded goroutine
// pool, reporting progress as items finish and stopping early when the caller
// asks it to.
package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"market-task-orchestrator/internal/logging"
	"market-task-orchestrator/internal/telemetry"
)

// ErrCancelled is returned by Run when the batch stopped before every item ran.
// Workers may also return it to stop the batch.
var ErrCancelled = errors.New("batch cancelled")

const maxDefaultWorkers = 32

// Options tunes a single Run. The zero value is usable.
type Options[T, R any] struct {
	// MaxWorkers bounds concurrency; <= 0 means DefaultWorkers().
	MaxWorkers int
	// OnProgress is called after every finished item, one call at a time.
	OnProgress func(result R, completed, total int)
	// OnError maps a failed item to the value stored in its slot.
	OnError func(item T, err error) R
	// CancelCheck is consulted before each item starts.
	CancelCheck func() bool
	// RateLimit caps item starts per second when > 0.
	RateLimit float64
	Logger    *zap.Logger
}

// DefaultWorkers mirrors the usual I/O pool sizing: CPUs + 4, capped at 32.
func DefaultWorkers() int {
	n := runtime.NumCPU() + 4
	if n > maxDefaultWorkers {
		n = maxDefaultWorkers
	}
	return n
}

// Run executes worker for every item and returns the results in completion
// order. A failing item never aborts the batch: its slot holds OnError's value,
// or the zero value of R when OnError is nil.
//
// When CancelCheck reports true, ctx is done, or a worker returns ErrCancelled,
// no further items are started. Items already running are allowed to finish and
// Run returns what completed together with ErrCancelled.
func Run[T, R any](ctx context.Context, items []T, worker func(context.Context, T) (R, error), opts Options[T, R]) ([]R, error) {
	total := len(items)
	if total == 0 {
		return []R{}, nil
	}
	workers := opts.MaxWorkers
	if workers <= 0 {
		workers = DefaultWorkers()
	}
	if workers > total {
		workers = total
	}
	var limiter *rate.Limiter
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	log := logging.For(ctx, opts.Logger)

	var (
		mu        sync.Mutex
		results   = make([]R, 0, total)
		completed int
		cancelled atomic.Bool
		stopOnce  sync.Once
		stop      = make(chan struct{})
	)
	halt := func() {
		cancelled.Store(true)
		stopOnce.Do(func() { close(stop) })
	}

	jobs := make(chan T)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for item := range jobs {
				if cancelled.Load() {
					continue
				}
				if ctx.Err() != nil || (opts.CancelCheck != nil && opts.CancelCheck()) {
					halt()
					telemetry.BatchItems.WithLabelValues("skipped").Inc()
					continue
				}
				if limiter != nil {
					if err := limiter.Wait(ctx); err != nil {
						halt()
						continue
					}
				}

				res, err := runOne(ctx, worker, item)
				if errors.Is(err, ErrCancelled) {
					halt()
					telemetry.BatchItems.WithLabelValues("skipped").Inc()
					continue
				}
				if err != nil {
					telemetry.BatchItems.WithLabelValues("failed").Inc()
					if opts.OnError != nil {
						res = opts.OnError(item, err)
					} else {
						var zero R
						res = zero
						log.Warn("batch item failed", zap.Error(err), zap.Int("total", total))
					}
				} else {
					telemetry.BatchItems.WithLabelValues("ok").Inc()
				}

				mu.Lock()
				results = append(results, res)
				completed++
				if opts.OnProgress != nil {
					opts.OnProgress(res, completed, total)
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, item := range items {
		select {
		case jobs <- item:
		case <-stop:
			break feed
		case <-ctx.Done():
			halt()
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if cancelled.Load() {
		log.Info("batch cancelled", zap.Int("completed", len(results)), zap.Int("total", total))
		return results, ErrCancelled
	}
	return results, nil
}

func runOne[T, R any](ctx context.Context, worker func(context.Context, T) (R, error), item T) (res R, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("batch item panic: %v", r)
		}
	}()
	return worker(ctx, item)
}
