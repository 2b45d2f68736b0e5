package scheduler

import "fmt"

// Validation codes reported to callers.
const (
	CodeInvalidTaskID    = "INVALID_TASK_ID"
	CodeJobNotRunning    = "JOB_NOT_RUNNING"
	CodeJobNotRegistered = "JOB_NOT_REGISTERED"
	CodeInvalidCron      = "INVALID_CRON"
	CodeInvalidStatus    = "INVALID_STATUS"
)

// ValidationError rejects a request before any work is started.
type ValidationError struct {
	Code    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func invalid(code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// DuplicateRunError means the job already has a live task. TaskID is that
// task when known, so callers can follow it instead of starting another.
type DuplicateRunError struct {
	Code   string
	TaskID string
}

func (e *DuplicateRunError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("job %s is already being triggered", e.Code)
	}
	return fmt.Sprintf("job %s is already running as task %s", e.Code, e.TaskID)
}
