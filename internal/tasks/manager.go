// Package tasks creates, executes and finalizes units of asynchronous work on
// top of the Redis task store.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-task-orchestrator/internal/batch"
	"market-task-orchestrator/internal/logging"
	"market-task-orchestrator/internal/models"
	"market-task-orchestrator/internal/taskstore"
	"market-task-orchestrator/internal/telemetry"
)

// ErrCancelled is returned by a worker that observed a cancel request.
var ErrCancelled = errors.New("task cancelled")

// WorkerFunc is the body of a task. It should poll IsTaskCancelled and return
// ErrCancelled when asked to stop; it may report progress any number of times.
type WorkerFunc func(ctx context.Context, taskID string, args ...any) (any, error)

// Recorder is notified once for every task reaching a terminal state.
type Recorder interface {
	RecordTerminal(ctx context.Context, t models.Task) error
}

// Manager drives tasks from pending to a terminal state.
type Manager struct {
	store          *taskstore.Store
	log            *zap.Logger
	staleThreshold time.Duration
	recorders      []Recorder
	wg             sync.WaitGroup
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithStaleThreshold sets how long a live row may go without finishing before
// it is considered abandoned.
func WithStaleThreshold(d time.Duration) Option {
	return func(m *Manager) { m.staleThreshold = d }
}

// WithRecorders registers terminal-state recorders.
func WithRecorders(r ...Recorder) Option {
	return func(m *Manager) { m.recorders = append(m.recorders, r...) }
}

// NewManager builds a manager over store.
func NewManager(store *taskstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		log:            zap.NewNop(),
		staleThreshold: 2 * time.Hour,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CreateTask purges earlier rows sharing code, writes a pending row and starts
// fn in its own goroutine. It returns as soon as the row exists; the outcome
// of fn is only observable through the store.
func (m *Manager) CreateTask(ctx context.Context, name, code string, fn WorkerFunc, args ...any) (string, error) {
	if fn == nil {
		return "", fmt.Errorf("create task %q: nil worker", code)
	}
	if code != "" {
		if n, err := m.store.DeleteByCode(ctx, code); err != nil {
			return "", fmt.Errorf("purge %s: %w", code, err)
		} else if n > 0 {
			logging.For(ctx, m.log).Debug("purged previous task rows", zap.String("code", code), zap.Int("rows", n))
		}
	}

	id := uuid.NewString()
	t := models.Task{
		ID:        id,
		Name:      name,
		Code:      code,
		Status:    models.StatusPending,
		Message:   "Task created",
		CreatedAt: time.Now(),
	}
	if err := m.store.Create(ctx, t); err != nil {
		return "", err
	}
	telemetry.TasksCreated.WithLabelValues(code).Inc()

	// The run outlives the request that created it.
	runCtx := logging.WithTraceID(context.WithoutCancel(ctx), id)
	m.wg.Add(1)
	go m.execute(runCtx, t, fn, args)
	return id, nil
}

// Wait blocks until every task started by this manager has finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) execute(ctx context.Context, t models.Task, fn WorkerFunc, args []any) {
	defer m.wg.Done()
	telemetry.LiveTasksGauge.Inc()
	defer telemetry.LiveTasksGauge.Dec()

	log := logging.For(ctx, m.log).With(zap.String("code", t.Code), zap.String("name", t.Name))

	if m.cancelRequested(ctx, log, t.ID) {
		m.finish(ctx, log, t.ID, "Task cancelled before start", taskstore.WithStatus(models.StatusCancelled))
		return
	}
	ok, err := m.store.Update(ctx, t.ID, 0, "Task running", taskstore.WithStatus(models.StatusRunning))
	if err != nil {
		log.Error("mark task running", zap.Error(err))
		return
	}
	if !ok {
		// Refused: a cancel landed between the check and the write, or the row is gone.
		m.finish(ctx, log, t.ID, "Task cancelled before start", taskstore.WithStatus(models.StatusCancelled))
		return
	}
	log.Info("task started")

	result, err := invoke(ctx, log, fn, t.ID, args)
	switch {
	case errors.Is(err, ErrCancelled) || errors.Is(err, batch.ErrCancelled):
		m.finish(ctx, log, t.ID, "Task cancelled", taskstore.WithStatus(models.StatusCancelled))
	case m.cancelRequested(ctx, log, t.ID):
		// The worker returned without acknowledging the request.
		m.finish(ctx, log, t.ID, "Task cancelled", taskstore.WithStatus(models.StatusCancelled))
	case err != nil:
		log.Warn("task failed", zap.Error(err))
		m.finish(ctx, log, t.ID, "Task failed",
			taskstore.WithStatus(models.StatusFailed), taskstore.WithError(err.Error()))
	default:
		if !m.finishWith(ctx, log, t.ID, 100, "",
			taskstore.WithStatus(models.StatusCompleted), taskstore.WithResult(result)) {
			m.finish(ctx, log, t.ID, "Task cancelled", taskstore.WithStatus(models.StatusCancelled))
		}
	}
}

func invoke(ctx context.Context, log *zap.Logger, fn WorkerFunc, taskID string, args []any) (res any, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("task panic", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, taskID, args...)
}

func (m *Manager) cancelRequested(ctx context.Context, log *zap.Logger, taskID string) bool {
	cancelled, err := m.store.IsCancelled(ctx, taskID)
	if err != nil {
		log.Warn("cancel check failed", zap.Error(err))
		return false
	}
	return cancelled
}

func (m *Manager) finish(ctx context.Context, log *zap.Logger, taskID, message string, opts ...taskstore.UpdateOption) bool {
	return m.finishWith(ctx, log, taskID, -1, message, opts...)
}

// finishWith writes the terminal state, then notifies metrics and recorders.
// Recorder failures never change what the store holds. It reports whether the
// store accepted the write.
func (m *Manager) finishWith(ctx context.Context, log *zap.Logger, taskID string, progress int, message string, opts ...taskstore.UpdateOption) bool {
	ok, err := m.store.Update(ctx, taskID, progress, message, opts...)
	if err != nil {
		log.Error("write terminal state", zap.Error(err))
		return false
	}
	if !ok {
		log.Debug("terminal write refused")
		return false
	}
	final, err := m.store.Get(ctx, taskID)
	if err != nil || final == nil {
		log.Warn("reload finished task", zap.Error(err))
		return true
	}

	telemetry.TasksFinished.WithLabelValues(final.Code, string(final.Status)).Inc()
	if final.StartedAt != nil && final.CompletedAt != nil {
		telemetry.TaskDuration.WithLabelValues(final.Code).Observe(final.CompletedAt.Sub(*final.StartedAt).Seconds())
	}
	log.Info("task finished", zap.String("status", string(final.Status)), zap.Int("progress", final.Progress))

	for _, r := range m.recorders {
		if err := r.RecordTerminal(ctx, *final); err != nil {
			log.Warn("terminal recorder failed", zap.Error(err), zap.String("recorder", fmt.Sprintf("%T", r)))
		}
	}
	return true
}

// GetTaskProgress returns the stored row or nil when it is gone.
func (m *Manager) GetTaskProgress(ctx context.Context, taskID string) (*models.Task, error) {
	return m.store.Get(ctx, taskID)
}

// UpdateTaskProgress forwards a partial write to the store.
func (m *Manager) UpdateTaskProgress(ctx context.Context, taskID string, progress int, message string, opts ...taskstore.UpdateOption) (bool, error) {
	return m.store.Update(ctx, taskID, progress, message, opts...)
}

// CancelTask requests cooperative cancellation.
func (m *Manager) CancelTask(ctx context.Context, taskID string) (bool, error) {
	return m.store.Cancel(ctx, taskID)
}

// IsTaskCancelled is the poll point for workers.
func (m *Manager) IsTaskCancelled(ctx context.Context, taskID string) bool {
	cancelled, err := m.store.IsCancelled(ctx, taskID)
	if err != nil {
		logging.For(ctx, m.log).Warn("cancel check failed", zap.String("task_id", taskID), zap.Error(err))
		return false
	}
	return cancelled
}

// IsTaskTypeRunning reports whether code has a live, non-stale task.
func (m *Manager) IsTaskTypeRunning(ctx context.Context, code string) (bool, error) {
	return m.store.IsTypeRunning(ctx, code, m.staleThreshold)
}

// GetRunningTaskByCode returns the live task for code, or nil.
func (m *Manager) GetRunningTaskByCode(ctx context.Context, code string) (*models.Task, error) {
	return m.store.RunningByCode(ctx, code, m.staleThreshold)
}

// GetAllTasks lists every stored task, newest first.
func (m *Manager) GetAllTasks(ctx context.Context) ([]*models.Task, error) {
	return m.store.List(ctx)
}

// GetRunningTasks lists live tasks, finalizing stale ones on the way.
func (m *Manager) GetRunningTasks(ctx context.Context) ([]*models.Task, error) {
	return m.store.Running(ctx, m.staleThreshold)
}
