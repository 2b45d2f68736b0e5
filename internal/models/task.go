package models

import (
	"encoding/json"
	"time"
)

// TaskStatus enumerates lifecycle states persisted in the task store.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusRunning    TaskStatus = "running"
	StatusCancelling TaskStatus = "cancelling"
	StatusCancelled  TaskStatus = "cancelled"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusTimeout    TaskStatus = "timeout"
	// StatusStuck is a diagnostic label applied by callers; nothing in this
	// module produces it.
	StatusStuck TaskStatus = "stuck"
)

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCancelling, StatusCancelled,
		StatusCompleted, StatusFailed, StatusTimeout, StatusStuck:
		return true
	}
	return false
}

// Terminal reports whether no further lifecycle transition is expected.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// Live reports whether a task in this state still occupies its code.
func (s TaskStatus) Live() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCancelling:
		return true
	}
	return false
}

// Task is one unit of asynchronous, trackable work.
type Task struct {
	ID               string          `json:"task_id"`
	Name             string          `json:"name"`
	Code             string          `json:"code"`
	Status           TaskStatus      `json:"status"`
	Progress         int             `json:"progress"`
	Message          string          `json:"message"`
	CreatedAt        time.Time       `json:"created_at"`
	StartedAt        *time.Time      `json:"started_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`
	ProcessedItems   *int            `json:"processed_items,omitempty"`
	TotalItems       *int            `json:"total_items,omitempty"`
	CurrentOperation string          `json:"current_operation,omitempty"`
	OperationDetails map[string]any  `json:"operation_details,omitempty"`

	// Derived on read, in seconds.
	ElapsedTime   *float64 `json:"elapsed_time,omitempty"`
	RemainingTime *float64 `json:"remaining_time,omitempty"`
}

// ReferenceTime is the instant staleness is measured from.
func (t Task) ReferenceTime() time.Time {
	if t.StartedAt != nil {
		return *t.StartedAt
	}
	return t.CreatedAt
}

// ProgressEvent is the payload broadcast on every accepted task update.
type ProgressEvent struct {
	TaskID    string `json:"task_id"`
	Data      Task   `json:"data"`
	Timestamp string `json:"timestamp"`
}
