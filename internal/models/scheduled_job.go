package models

import (
	"encoding/json"
	"time"
)

// JobStatus controls whether a scheduled job accepts triggers at all.
// It is distinct from TaskStatus.
type JobStatus string

const (
	JobRunning JobStatus = "running"
	JobPaused  JobStatus = "paused"
	JobStopped JobStatus = "stopped"
)

func (s JobStatus) Valid() bool {
	return s == JobRunning || s == JobPaused || s == JobStopped
}

// JobDefinition is the static catalogue entry for a recurring job.
type JobDefinition struct {
	ID             string         `json:"id" yaml:"id"`
	Name           string         `json:"name" yaml:"name"`
	Description    string         `json:"description" yaml:"description"`
	CronExpression string         `json:"cron_expression" yaml:"cron_expression"`
	TradingDayOnly bool           `json:"trading_day_only" yaml:"trading_day_only"`
	Status         JobStatus      `json:"status" yaml:"status"`
	Args           map[string]any `json:"args,omitempty" yaml:"args"`
}

// JobState holds the mutable, persisted part of a scheduled job.
type JobState struct {
	Status         JobStatus  `json:"status"`
	CronExpression string     `json:"cron_expression"`
	NextRunTime    *time.Time `json:"next_run_time"`
	LastRunTime    *time.Time `json:"last_run_time"`
	LastTaskID     string     `json:"last_task_id,omitempty"`
}

// ScheduledJob is a catalogue entry merged with its current state.
type ScheduledJob struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Description    string     `json:"description"`
	CronExpression string     `json:"cron_expression"`
	TradingDayOnly bool       `json:"trading_day_only"`
	Status         JobStatus  `json:"status"`
	NextRunTime    *time.Time `json:"next_run_time"`
	LastRunTime    *time.Time `json:"last_run_time"`
	LastTaskID     string     `json:"last_task_id,omitempty"`
}

// TaskRun is a finished task as recorded in the history store.
type TaskRun struct {
	TaskID      string          `json:"task_id"`
	Code        string          `json:"code"`
	Name        string          `json:"name"`
	Status      TaskStatus      `json:"status"`
	Progress    int             `json:"progress"`
	Message     string          `json:"message"`
	Error       *string         `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}
