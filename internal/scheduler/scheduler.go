// Package scheduler fires catalogue jobs on their cron schedules, honours the
// trading calendar, and guards manual and timed triggers so a job never runs
// twice at once.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"market-task-orchestrator/internal/calendar"
	"market-task-orchestrator/internal/lock"
	"market-task-orchestrator/internal/logging"
	"market-task-orchestrator/internal/models"
	"market-task-orchestrator/internal/tasks"
	"market-task-orchestrator/internal/telemetry"
)

const (
	triggerLockPrefix = "lock:trigger:"
	cronLockPrefix    = "lock:cron:"
	cronLockTTL       = 2 * time.Minute
	fireTimeout       = 30 * time.Second
)

// Registry maps a job code to the function that does its work.
type Registry interface {
	Lookup(code string) (tasks.WorkerFunc, bool)
}

// TriggerOptions customise a single run. Args are merged over the catalogue
// args and handed to the worker as one map.
type TriggerOptions struct {
	Args   map[string]any
	Source string
}

// TriggerResult is the synchronous answer to a trigger request.
type TriggerResult struct {
	Success         bool   `json:"success"`
	TaskExecutionID string `json:"task_execution_id,omitempty"`
	Message         string `json:"message"`
}

// Scheduler owns the cron timers and the trigger path for every catalogue job.
type Scheduler struct {
	catalog  *Catalog
	registry Registry
	manager  *tasks.Manager
	state    *stateStore
	locker   *lock.Locker
	cal      calendar.Calendar
	loc      *time.Location
	log      *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]cron.EntryID
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

func WithCalendar(cal calendar.Calendar) Option {
	return func(s *Scheduler) { s.cal = cal }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

// WithTriggerLockTTL bounds how long a trigger may hold its per-code lock.
func WithTriggerLockTTL(d time.Duration) Option {
	return func(s *Scheduler) { s.locker = lock.NewLocker(s.state.client, d) }
}

// New wires a scheduler. Timers are not armed until Start.
func New(catalog *Catalog, registry Registry, manager *tasks.Manager, client *redis.Client, opts ...Option) *Scheduler {
	s := &Scheduler{
		catalog:  catalog,
		registry: registry,
		manager:  manager,
		state:    &stateStore{client: client},
		locker:   lock.NewLocker(client, 10*time.Second),
		loc:      time.UTC,
		log:      zap.NewNop(),
		now:      time.Now,
		entries:  make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cron = cron.New(cron.WithLocation(s.loc), cron.WithParser(cronParser))
	return s
}

// Start restores persisted state, rolls stale next-run times forward without
// firing them, and arms a timer for every running job.
func (s *Scheduler) Start(ctx context.Context) error {
	now := s.now()
	for _, def := range s.catalog.All() {
		st, err := s.state.load(ctx, def)
		if err != nil {
			return err
		}
		if st.Status == models.JobRunning {
			if st.NextRunTime == nil || !st.NextRunTime.After(now) {
				if st.NextRunTime != nil {
					s.log.Info("dropping missed fire", zap.String("code", def.ID), zap.Time("was_due", *st.NextRunTime))
				}
				next, err := ComputeNextRun(st.CronExpression, def.TradingDayOnly, now, s.loc, s.cal)
				if err != nil {
					return fmt.Errorf("job %s: %w", def.ID, err)
				}
				st.NextRunTime = &next
			}
		} else {
			st.NextRunTime = nil
		}
		if err := s.state.save(ctx, def.ID, st); err != nil {
			return err
		}
		if err := s.arm(def, st); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started", zap.Int("jobs", len(s.catalog.All())), zap.String("timezone", s.loc.String()))
	return nil
}

// Stop disarms every timer and waits for fires already in progress.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// arm replaces the timer for def according to st.
func (s *Scheduler) arm(def models.JobDefinition, st models.JobState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[def.ID]; ok {
		s.cron.Remove(id)
		delete(s.entries, def.ID)
	}
	if st.Status != models.JobRunning {
		return nil
	}
	sched, err := parseSchedule(st.CronExpression, def.TradingDayOnly, s.cal)
	if err != nil {
		return err
	}
	code := def.ID
	s.entries[code] = s.cron.Schedule(sched, cron.FuncJob(func() { s.fire(code) }))
	return nil
}

// fire runs on the cron goroutine. Only the instance that takes the
// per-slot lock triggers; the others skip.
func (s *Scheduler) fire(code string) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()
	slot := s.now().Truncate(time.Minute).Unix()
	log := s.log.With(zap.String("code", code), zap.Int64("slot", slot))

	key := fmt.Sprintf("%s%s:%d", cronLockPrefix, code, slot)
	if _, ok, err := s.locker.AcquireFor(ctx, key, cronLockTTL); err != nil {
		log.Error("cron lock", zap.Error(err))
		return
	} else if !ok {
		log.Debug("cron slot taken by another instance")
		return
	}
	telemetry.CronFires.WithLabelValues(code).Inc()

	res, err := s.Trigger(ctx, code, TriggerOptions{Source: "cron"})
	var dup *DuplicateRunError
	switch {
	case errors.As(err, &dup):
		log.Info("cron fire skipped, job still running", zap.String("task_id", dup.TaskID))
	case err != nil:
		log.Warn("cron fire rejected", zap.Error(err))
	default:
		log.Info("cron fired", zap.String("task_id", res.TaskExecutionID))
		return
	}
	s.rollForward(ctx, log, code)
}

// rollForward moves next_run_time past now after a fire that started nothing.
// Jobs that are no longer running keep their cleared next run.
func (s *Scheduler) rollForward(ctx context.Context, log *zap.Logger, code string) {
	def, ok := s.catalog.Get(code)
	if !ok {
		return
	}
	st, err := s.state.load(ctx, def)
	if err != nil {
		log.Warn("load job state after rejected fire", zap.Error(err))
		return
	}
	if st.Status != models.JobRunning {
		return
	}
	next, err := ComputeNextRun(st.CronExpression, def.TradingDayOnly, s.now(), s.loc, s.cal)
	if err != nil {
		log.Warn("recompute next run", zap.Error(err))
		return
	}
	st.NextRunTime = &next
	if err := s.state.save(ctx, code, st); err != nil {
		log.Warn("save job state after rejected fire", zap.Error(err))
	}
}

// Trigger validates code, refuses duplicate runs and starts a task. Worker
// failures are never reported here; poll the task instead.
func (s *Scheduler) Trigger(ctx context.Context, code string, opts TriggerOptions) (TriggerResult, error) {
	log := logging.For(ctx, s.log).With(zap.String("code", code))
	def, ok := s.catalog.Get(code)
	if !ok {
		return s.reject(CodeInvalidTaskID, invalid(CodeInvalidTaskID, "unknown job %q", code))
	}
	st, err := s.state.load(ctx, def)
	if err != nil {
		return TriggerResult{}, err
	}
	if st.Status != models.JobRunning {
		return s.reject(CodeJobNotRunning, invalid(CodeJobNotRunning, "job %s is %s", code, st.Status))
	}
	fn, ok := s.registry.Lookup(code)
	if !ok {
		return s.reject(CodeJobNotRegistered, invalid(CodeJobNotRegistered, "no worker registered for %s", code))
	}

	lockKey := triggerLockPrefix + code
	token, ok, err := s.locker.Acquire(ctx, lockKey)
	if err != nil {
		return TriggerResult{}, fmt.Errorf("trigger lock %s: %w", code, err)
	}
	if !ok {
		telemetry.TriggerRejects.WithLabelValues("duplicate").Inc()
		dup := &DuplicateRunError{Code: code}
		return TriggerResult{Message: dup.Error()}, dup
	}
	defer func() {
		if _, err := s.locker.Release(context.WithoutCancel(ctx), lockKey, token); err != nil {
			log.Warn("release trigger lock", zap.Error(err))
		}
	}()

	existing, err := s.manager.GetRunningTaskByCode(ctx, code)
	if err != nil {
		return TriggerResult{}, err
	}
	if existing != nil {
		telemetry.TriggerRejects.WithLabelValues("duplicate").Inc()
		dup := &DuplicateRunError{Code: code, TaskID: existing.ID}
		return TriggerResult{TaskExecutionID: existing.ID, Message: dup.Error()}, dup
	}

	args := make(map[string]any, len(def.Args)+len(opts.Args))
	for k, v := range def.Args {
		args[k] = v
	}
	for k, v := range opts.Args {
		args[k] = v
	}
	taskID, err := s.manager.CreateTask(ctx, def.Name, code, fn, args)
	if err != nil {
		return TriggerResult{}, err
	}

	now := s.now()
	st.LastRunTime = &now
	st.LastTaskID = taskID
	next, err := ComputeNextRun(st.CronExpression, def.TradingDayOnly, now, s.loc, s.cal)
	if err == nil {
		st.NextRunTime = &next
	}
	if err := s.state.save(ctx, code, st); err != nil {
		log.Warn("save job state after trigger", zap.Error(err))
	}
	source := opts.Source
	if source == "" {
		source = "manual"
	}
	log.Info("job triggered", zap.String("task_id", taskID), zap.String("source", source))
	return TriggerResult{Success: true, TaskExecutionID: taskID, Message: "Task triggered"}, nil
}

func (s *Scheduler) reject(reason string, err *ValidationError) (TriggerResult, error) {
	telemetry.TriggerRejects.WithLabelValues(reason).Inc()
	return TriggerResult{Message: err.Message}, err
}

// UpdateCron validates expr, stores it and re-arms the job's timer.
func (s *Scheduler) UpdateCron(ctx context.Context, code, expr string) (models.ScheduledJob, error) {
	def, ok := s.catalog.Get(code)
	if !ok {
		return models.ScheduledJob{}, invalid(CodeInvalidTaskID, "unknown job %q", code)
	}
	if err := ValidateCron(expr); err != nil {
		return models.ScheduledJob{}, err
	}
	st, err := s.state.load(ctx, def)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	st.CronExpression = expr
	if st.Status == models.JobRunning {
		next, err := ComputeNextRun(expr, def.TradingDayOnly, s.now(), s.loc, s.cal)
		if err != nil {
			return models.ScheduledJob{}, err
		}
		st.NextRunTime = &next
	}
	if err := s.state.save(ctx, code, st); err != nil {
		return models.ScheduledJob{}, err
	}
	if err := s.arm(def, st); err != nil {
		return models.ScheduledJob{}, err
	}
	logging.For(ctx, s.log).Info("job cron updated", zap.String("code", code), zap.String("cron", expr))
	return merge(def, st), nil
}

// UpdateStatus pauses, stops or resumes a job. Pausing and stopping clear the
// next run time; resuming recomputes it.
func (s *Scheduler) UpdateStatus(ctx context.Context, code string, status models.JobStatus) (models.ScheduledJob, error) {
	def, ok := s.catalog.Get(code)
	if !ok {
		return models.ScheduledJob{}, invalid(CodeInvalidTaskID, "unknown job %q", code)
	}
	if !status.Valid() {
		return models.ScheduledJob{}, invalid(CodeInvalidStatus, "unknown status %q", status)
	}
	st, err := s.state.load(ctx, def)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	st.Status = status
	if status == models.JobRunning {
		next, err := ComputeNextRun(st.CronExpression, def.TradingDayOnly, s.now(), s.loc, s.cal)
		if err != nil {
			return models.ScheduledJob{}, err
		}
		st.NextRunTime = &next
	} else {
		st.NextRunTime = nil
	}
	if err := s.state.save(ctx, code, st); err != nil {
		return models.ScheduledJob{}, err
	}
	if err := s.arm(def, st); err != nil {
		return models.ScheduledJob{}, err
	}
	logging.For(ctx, s.log).Info("job status updated", zap.String("code", code), zap.String("status", string(status)))
	return merge(def, st), nil
}

// Jobs lists every catalogue job with its current state.
func (s *Scheduler) Jobs(ctx context.Context) ([]models.ScheduledJob, error) {
	defs := s.catalog.All()
	out := make([]models.ScheduledJob, 0, len(defs))
	for _, def := range defs {
		st, err := s.state.load(ctx, def)
		if err != nil {
			return nil, err
		}
		out = append(out, merge(def, st))
	}
	return out, nil
}

// Job returns one job with its current state.
func (s *Scheduler) Job(ctx context.Context, code string) (models.ScheduledJob, error) {
	def, ok := s.catalog.Get(code)
	if !ok {
		return models.ScheduledJob{}, invalid(CodeInvalidTaskID, "unknown job %q", code)
	}
	st, err := s.state.load(ctx, def)
	if err != nil {
		return models.ScheduledJob{}, err
	}
	return merge(def, st), nil
}

// NextRun computes the next fire time for expr using this scheduler's
// timezone and calendar.
func (s *Scheduler) NextRun(expr string, tradingDayOnly bool) (time.Time, error) {
	return ComputeNextRun(expr, tradingDayOnly, s.now(), s.loc, s.cal)
}

func merge(def models.JobDefinition, st models.JobState) models.ScheduledJob {
	return models.ScheduledJob{
		ID:             def.ID,
		Name:           def.Name,
		Description:    def.Description,
		CronExpression: st.CronExpression,
		TradingDayOnly: def.TradingDayOnly,
		Status:         st.Status,
		NextRunTime:    st.NextRunTime,
		LastRunTime:    st.LastRunTime,
		LastTaskID:     st.LastTaskID,
	}
}
