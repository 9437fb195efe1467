package core

import (
	"time"
)

// TaskStatus describes the run state of a task.
type TaskStatus string

const (
	TaskStatusIdle      TaskStatus = "IDLE"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusSuccess   TaskStatus = "SUCCESS"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusException TaskStatus = "EXCEPTION"
	TaskStatusDisabled  TaskStatus = "DISABLED"
)

// Terminal reports whether the status marks a settled, re-claimable task.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSuccess, TaskStatusFailed, TaskStatusException:
		return true
	}
	return false
}

// Task is a recurring job: a user-supplied definition plus system-owned run
// state. The id is immutable after creation.
type Task struct {
	ID string `json:"id"`

	// Definition, mutable through Update.
	ScriptPath        string            `json:"script_path"`
	ExecutePath       string            `json:"execute_path"`
	IntervalMinutes   int               `json:"interval_minutes"`
	Enabled           bool              `json:"enabled"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
	RetryCount        int               `json:"retry_count"`
	RetryDelaySeconds int               `json:"retry_delay_seconds"`
	Environment       map[string]string `json:"environment,omitempty"`
	Description       string            `json:"description,omitempty"`

	// Run state, mutated only through SetStatus.
	Status              TaskStatus `json:"status"`
	LastRunAt           *time.Time `json:"last_run_at,omitempty"`
	LastSuccessAt       *time.Time `json:"last_success_at,omitempty"`
	LastErrorAt         *time.Time `json:"last_error_at,omitempty"`
	NextRunAt           *time.Time `json:"next_run_at,omitempty"`
	LastErrorMessage    string     `json:"last_error_message,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy so store snapshots cannot be mutated by callers.
func (t *Task) Clone() *Task {
	cp := *t
	if t.Environment != nil {
		cp.Environment = make(map[string]string, len(t.Environment))
		for k, v := range t.Environment {
			cp.Environment[k] = v
		}
	}
	cp.LastRunAt = cloneTime(t.LastRunAt)
	cp.LastSuccessAt = cloneTime(t.LastSuccessAt)
	cp.LastErrorAt = cloneTime(t.LastErrorAt)
	cp.NextRunAt = cloneTime(t.NextRunAt)
	return &cp
}

// Due reports whether the task is eligible for claiming at the given time.
// A never-run enabled task is due immediately.
func (t *Task) Due(now time.Time) bool {
	if !t.Enabled || t.Status == TaskStatusRunning {
		return false
	}
	if t.NextRunAt == nil {
		return true
	}
	return !t.NextRunAt.After(now)
}

// Interval returns the configured execution interval as a duration.
func (t *Task) Interval() time.Duration {
	return time.Duration(t.IntervalMinutes) * time.Minute
}

// TaskUpdate is a partial definition update. Nil fields are left untouched.
type TaskUpdate struct {
	ScriptPath        *string            `json:"script_path,omitempty"`
	ExecutePath       *string            `json:"execute_path,omitempty"`
	IntervalMinutes   *int               `json:"interval_minutes,omitempty"`
	Enabled           *bool              `json:"enabled,omitempty"`
	TimeoutSeconds    *int               `json:"timeout_seconds,omitempty"`
	RetryCount        *int               `json:"retry_count,omitempty"`
	RetryDelaySeconds *int               `json:"retry_delay_seconds,omitempty"`
	Environment       *map[string]string `json:"environment,omitempty"`
	Description       *string            `json:"description,omitempty"`
}

// ApplyUpdate merges a partial update into a task. All backends funnel
// definition merges through this so semantics stay identical across them.
// Flipping Enabled recomputes Status (DISABLED iff disabled) without
// touching run history.
func ApplyUpdate(task *Task, upd TaskUpdate) {
	if upd.ScriptPath != nil {
		task.ScriptPath = *upd.ScriptPath
	}
	if upd.ExecutePath != nil {
		task.ExecutePath = *upd.ExecutePath
	}
	if upd.IntervalMinutes != nil {
		task.IntervalMinutes = *upd.IntervalMinutes
	}
	if upd.TimeoutSeconds != nil {
		task.TimeoutSeconds = *upd.TimeoutSeconds
	}
	if upd.RetryCount != nil {
		task.RetryCount = *upd.RetryCount
	}
	if upd.RetryDelaySeconds != nil {
		task.RetryDelaySeconds = *upd.RetryDelaySeconds
	}
	if upd.Environment != nil {
		task.Environment = *upd.Environment
	}
	if upd.Description != nil {
		task.Description = *upd.Description
	}
	if upd.Enabled != nil && task.Enabled != *upd.Enabled {
		task.Enabled = *upd.Enabled
		if task.Enabled {
			if task.Status == TaskStatusDisabled {
				task.Status = TaskStatusIdle
			}
		} else if task.Status != TaskStatusRunning {
			task.Status = TaskStatusDisabled
		}
	}
	task.UpdatedAt = time.Now().UTC()
}

// StatusUpdate is an atomic run-state mutation. Nil fields are left untouched.
type StatusUpdate struct {
	Status              *TaskStatus
	LastRunAt           *time.Time
	LastSuccessAt       *time.Time
	LastErrorAt         *time.Time
	NextRunAt           *time.Time
	LastErrorMessage    *string
	ConsecutiveFailures *int
}

// ApplyStatus merges a run-state update into a task. Shared by all backends.
// A task disabled while RUNNING settles to DISABLED on its terminal write so
// that status stays DISABLED exactly when enabled is false; the run's
// timestamps and error fields are still recorded.
func ApplyStatus(task *Task, upd StatusUpdate) {
	if upd.Status != nil {
		task.Status = *upd.Status
		if !task.Enabled && task.Status.Terminal() {
			task.Status = TaskStatusDisabled
		}
	}
	if upd.LastRunAt != nil {
		task.LastRunAt = cloneTime(upd.LastRunAt)
	}
	if upd.LastSuccessAt != nil {
		task.LastSuccessAt = cloneTime(upd.LastSuccessAt)
	}
	if upd.LastErrorAt != nil {
		task.LastErrorAt = cloneTime(upd.LastErrorAt)
	}
	if upd.NextRunAt != nil {
		task.NextRunAt = cloneTime(upd.NextRunAt)
	}
	if upd.LastErrorMessage != nil {
		task.LastErrorMessage = *upd.LastErrorMessage
	}
	if upd.ConsecutiveFailures != nil {
		task.ConsecutiveFailures = *upd.ConsecutiveFailures
	}
	task.UpdatedAt = time.Now().UTC()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
