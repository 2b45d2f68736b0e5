package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"market-task-orchestrator/internal/models"
)

const stateKeyPrefix = "scheduler:job:"

// stateStore persists the mutable half of each job so pauses, cron edits and
// run bookkeeping survive restarts.
type stateStore struct {
	client *redis.Client
}

func stateKey(code string) string {
	return stateKeyPrefix + code
}

// load returns the stored state, falling back to the catalogue values for
// anything never written.
func (s *stateStore) load(ctx context.Context, def models.JobDefinition) (models.JobState, error) {
	st := models.JobState{Status: def.Status, CronExpression: def.CronExpression}
	raw, err := s.client.HGetAll(ctx, stateKey(def.ID)).Result()
	if err != nil {
		return st, fmt.Errorf("load state %s: %w", def.ID, err)
	}
	if v := models.JobStatus(raw["status"]); v.Valid() {
		st.Status = v
	}
	if v := raw["cron_expression"]; v != "" {
		st.CronExpression = v
	}
	st.LastTaskID = raw["last_task_id"]
	st.NextRunTime = parseStateTime(raw["next_run_time"])
	st.LastRunTime = parseStateTime(raw["last_run_time"])
	return st, nil
}

func (s *stateStore) save(ctx context.Context, code string, st models.JobState) error {
	fields := map[string]any{
		"status":          string(st.Status),
		"cron_expression": st.CronExpression,
		"next_run_time":   formatStateTime(st.NextRunTime),
		"last_run_time":   formatStateTime(st.LastRunTime),
		"last_task_id":    st.LastTaskID,
	}
	if err := s.client.HSet(ctx, stateKey(code), fields).Err(); err != nil {
		return fmt.Errorf("save state %s: %w", code, err)
	}
	return nil
}

func formatStateTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.Format(time.RFC3339)
}

func parseStateTime(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil
	}
	return &t
}
