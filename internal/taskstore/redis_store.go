package taskstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"market-task-orchestrator/internal/config"
	"market-task-orchestrator/internal/models"
	"market-task-orchestrator/internal/telemetry"
)

const (
	keyPrefix = "task_progress:"
	// Channel receives a models.ProgressEvent for every accepted write.
	Channel = "task_progress_updates"
	// StaleMessage is written to rows whose owner vanished before finishing.
	StaleMessage = "process restarted"

	DefaultTTL = 24 * time.Hour
	scanCount  = 200
)

// Store persists task rows as Redis hashes and broadcasts every accepted
// change on Channel.
type Store struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
	now    func() time.Time
}

// NewClient builds a Redis client from config.
func NewClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

// New wraps client. ttl <= 0 selects DefaultTTL.
func New(client *redis.Client, ttl time.Duration, log *zap.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{client: client, ttl: ttl, log: log, now: time.Now}
}

// Key returns the hash key holding a task row.
func Key(taskID string) string {
	return keyPrefix + taskID
}

// Create writes a fresh row. Zero-valued optional fields are omitted.
func (s *Store) Create(ctx context.Context, t models.Task) error {
	if t.ID == "" {
		return fmt.Errorf("create task: empty id")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = s.now()
	}
	if t.Status == "" {
		t.Status = models.StatusPending
	}
	fields, err := encodeRow(t)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, Key(t.ID), fields)
	pipe.Expire(ctx, Key(t.ID), s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	s.publish(ctx, &t)
	return nil
}

// DeleteByCode removes every row whose code matches. It returns how many rows
// were removed.
func (s *Store) DeleteByCode(ctx context.Context, code string) (int, error) {
	if code == "" {
		return 0, nil
	}
	rows, err := s.scan(ctx)
	if err != nil {
		return 0, err
	}
	keys := make([]string, 0)
	for _, t := range rows {
		if t.Code == code {
			keys = append(keys, Key(t.ID))
		}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("delete tasks for %s: %w", code, err)
	}
	return int(n), nil
}

// Get reads a row and fills in elapsed and remaining time. A missing row
// yields (nil, nil): the task expired, was purged, or never existed.
func (s *Store) Get(ctx context.Context, taskID string) (*models.Task, error) {
	raw, err := s.client.HGetAll(ctx, Key(taskID)).Result()
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", taskID, err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	t, err := decodeRow(raw)
	if err != nil {
		return nil, fmt.Errorf("decode task %s: %w", taskID, err)
	}
	s.derive(t)
	return t, nil
}

// IsCancelled reports whether a cancel has been requested or completed.
// A missing row is treated as cancelled so orphaned workers stop.
func (s *Store) IsCancelled(ctx context.Context, taskID string) (bool, error) {
	status, err := s.client.HGet(ctx, Key(taskID), "status").Result()
	if err == redis.Nil {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read status %s: %w", taskID, err)
	}
	st := models.TaskStatus(status)
	return st == models.StatusCancelling || st == models.StatusCancelled, nil
}

// Cancel requests cancellation. A task that already reports 100% or a
// terminal status is moved straight to cancelled since its worker can no
// longer observe the request. It returns false when the row is gone.
func (s *Store) Cancel(ctx context.Context, taskID string) (bool, error) {
	t, err := s.Get(ctx, taskID)
	if err != nil {
		return false, err
	}
	return s.cancelFrom(ctx, t)
}

// cancelFrom applies a cancel decided on the snapshot seen. When the row moved
// on before the write, the decision is remade once against the fresh row.
func (s *Store) cancelFrom(ctx context.Context, seen *models.Task) (bool, error) {
	for attempt := 0; seen != nil; attempt++ {
		if seen.Status == models.StatusCancelling {
			return true, nil
		}
		target, message := models.StatusCancelling, "Cancellation requested"
		if seen.Progress >= 100 || seen.Status.Terminal() {
			target, message = models.StatusCancelled, "Task cancelled"
		}
		ok, err := s.Update(ctx, seen.ID, -1, message, WithStatus(target))
		if err != nil || ok || attempt > 0 {
			return ok, err
		}
		if seen, err = s.Get(ctx, seen.ID); err != nil {
			return false, err
		}
	}
	return false, nil
}

// List returns every stored row, newest first.
func (s *Store) List(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range rows {
		s.derive(t)
	}
	sortNewest(rows)
	return rows, nil
}

// Running returns live rows that are not stale, newest first. Stale rows met
// along the way are finalized.
func (s *Store) Running(ctx context.Context, staleThreshold time.Duration) ([]*models.Task, error) {
	return s.live(ctx, "", staleThreshold)
}

// RunningByCode returns the newest live, non-stale row for code, or nil.
func (s *Store) RunningByCode(ctx context.Context, code string, staleThreshold time.Duration) (*models.Task, error) {
	rows, err := s.live(ctx, code, staleThreshold)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

// IsTypeRunning reports whether code has a live, non-stale row.
func (s *Store) IsTypeRunning(ctx context.Context, code string, staleThreshold time.Duration) (bool, error) {
	t, err := s.RunningByCode(ctx, code, staleThreshold)
	return t != nil, err
}

func (s *Store) live(ctx context.Context, code string, staleThreshold time.Duration) ([]*models.Task, error) {
	rows, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*models.Task, 0, len(rows))
	for _, t := range rows {
		if code != "" && t.Code != code {
			continue
		}
		if !t.Status.Live() {
			continue
		}
		if s.stale(t, staleThreshold) {
			s.reconcile(ctx, t)
			continue
		}
		s.derive(t)
		out = append(out, t)
	}
	sortNewest(out)
	return out, nil
}

func (s *Store) stale(t *models.Task, threshold time.Duration) bool {
	if t.Progress >= 100 {
		return true
	}
	return threshold > 0 && s.now().Sub(t.ReferenceTime()) > threshold
}

func (s *Store) reconcile(ctx context.Context, t *models.Task) {
	var err error
	if t.Status == models.StatusCancelling {
		_, err = s.Update(ctx, t.ID, -1, "", WithStatus(models.StatusCancelled))
	} else {
		_, err = s.Update(ctx, t.ID, -1, StaleMessage, WithStatus(models.StatusFailed), WithError(StaleMessage))
	}
	if err != nil {
		s.log.Warn("stale task reconcile failed", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	telemetry.StaleReconciled.Inc()
	s.log.Info("stale task reconciled",
		zap.String("task_id", t.ID),
		zap.String("code", t.Code),
		zap.String("status", string(t.Status)),
		zap.Time("since", t.ReferenceTime()),
	)
}

func (s *Store) scan(ctx context.Context) ([]*models.Task, error) {
	var keys []string
	iter := s.client.Scan(ctx, 0, keyPrefix+"*", scanCount).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}
	if len(keys) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, 0, len(keys))
	for _, k := range keys {
		cmds = append(cmds, pipe.HGetAll(ctx, k))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	rows := make([]*models.Task, 0, len(cmds))
	for i, c := range cmds {
		raw := c.Val()
		if len(raw) == 0 {
			continue
		}
		t, err := decodeRow(raw)
		if err != nil {
			s.log.Warn("skipping undecodable task row", zap.String("key", keys[i]), zap.Error(err))
			continue
		}
		rows = append(rows, t)
	}
	return rows, nil
}

// derive fills ElapsedTime and, while 0 < progress < 100, a linear estimate of
// RemainingTime.
func (s *Store) derive(t *models.Task) {
	end := s.now()
	if t.CompletedAt != nil {
		end = *t.CompletedAt
	}
	elapsed := end.Sub(t.ReferenceTime()).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	t.ElapsedTime = &elapsed
	t.RemainingTime = nil
	if t.Progress > 0 && t.Progress < 100 && t.CompletedAt == nil {
		remaining := elapsed / float64(t.Progress) * float64(100-t.Progress)
		t.RemainingTime = &remaining
	}
}

func (s *Store) publish(ctx context.Context, t *models.Task) {
	data, err := json.Marshal(models.ProgressEvent{
		TaskID:    t.ID,
		Data:      *t,
		Timestamp: s.now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		s.log.Warn("marshal progress event", zap.String("task_id", t.ID), zap.Error(err))
		return
	}
	if err := s.client.Publish(ctx, Channel, data).Err(); err != nil {
		s.log.Warn("publish progress event", zap.String("task_id", t.ID), zap.Error(err))
	}
}

func sortNewest(rows []*models.Task) {
	sort.SliceStable(rows, func(i, j int) bool {
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func encodeRow(t models.Task) (map[string]any, error) {
	fields := map[string]any{
		"task_id":    t.ID,
		"name":       t.Name,
		"code":       t.Code,
		"status":     string(t.Status),
		"progress":   t.Progress,
		"message":    t.Message,
		"created_at": formatTime(t.CreatedAt),
	}
	if t.StartedAt != nil {
		fields["started_at"] = formatTime(*t.StartedAt)
	}
	if t.CompletedAt != nil {
		fields["completed_at"] = formatTime(*t.CompletedAt)
	}
	if len(t.Result) > 0 {
		fields["result"] = string(t.Result)
	}
	if t.Error != "" {
		fields["error"] = t.Error
	}
	if t.ProcessedItems != nil {
		fields["processed_items"] = *t.ProcessedItems
	}
	if t.TotalItems != nil {
		fields["total_items"] = *t.TotalItems
	}
	if t.CurrentOperation != "" {
		fields["current_operation"] = t.CurrentOperation
	}
	if t.OperationDetails != nil {
		b, err := json.Marshal(t.OperationDetails)
		if err != nil {
			return nil, fmt.Errorf("operation_details: %w", err)
		}
		fields["operation_details"] = string(b)
	}
	return fields, nil
}

func decodeRow(raw map[string]string) (*models.Task, error) {
	t := &models.Task{
		ID:               raw["task_id"],
		Name:             raw["name"],
		Code:             raw["code"],
		Status:           models.TaskStatus(raw["status"]),
		Message:          raw["message"],
		Error:            raw["error"],
		CurrentOperation: raw["current_operation"],
	}
	if v := raw["progress"]; v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("progress: %w", err)
		}
		t.Progress = p
	}
	var err error
	if t.CreatedAt, err = parseTime(raw["created_at"]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if t.StartedAt, err = parseOptTime(raw["started_at"]); err != nil {
		return nil, fmt.Errorf("started_at: %w", err)
	}
	if t.CompletedAt, err = parseOptTime(raw["completed_at"]); err != nil {
		return nil, fmt.Errorf("completed_at: %w", err)
	}
	if v := raw["result"]; v != "" {
		t.Result = json.RawMessage(v)
	}
	if t.ProcessedItems, err = parseOptInt(raw["processed_items"]); err != nil {
		return nil, fmt.Errorf("processed_items: %w", err)
	}
	if t.TotalItems, err = parseOptInt(raw["total_items"]); err != nil {
		return nil, fmt.Errorf("total_items: %w", err)
	}
	if v := raw["operation_details"]; v != "" {
		if err := json.Unmarshal([]byte(v), &t.OperationDetails); err != nil {
			return nil, fmt.Errorf("operation_details: %w", err)
		}
	}
	return t, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, v)
}

func parseOptTime(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func parseOptInt(v string) (*int, error) {
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return nil, err
	}
	return &n, nil
}
