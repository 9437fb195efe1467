package core

import (
	"testing"
	"time"
)

func TestDisableWhileRunningSettlesToDisabled(t *testing.T) {
	task := &Task{
		ID:              "t1",
		ScriptPath:      "/tmp/job.sh",
		ExecutePath:     "/bin/sh",
		IntervalMinutes: 5,
		Enabled:         true,
		Status:          TaskStatusIdle,
	}

	running := TaskStatusRunning
	ApplyStatus(task, StatusUpdate{Status: &running})

	// Disabling mid-run leaves the execution alone.
	off := false
	ApplyUpdate(task, TaskUpdate{Enabled: &off})
	if task.Status != TaskStatusRunning {
		t.Fatalf("disable mid-run: status = %s, want RUNNING", task.Status)
	}

	// The terminal write lands DISABLED, not SUCCESS, while still recording
	// the run's timestamps.
	end := time.Now().UTC()
	next := end.Add(5 * time.Minute)
	success := TaskStatusSuccess
	ApplyStatus(task, StatusUpdate{
		Status:        &success,
		LastRunAt:     &end,
		LastSuccessAt: &end,
		NextRunAt:     &next,
	})
	if task.Status != TaskStatusDisabled {
		t.Fatalf("terminal write on disabled task: status = %s, want DISABLED", task.Status)
	}
	if task.LastRunAt == nil || !task.LastRunAt.Equal(end) {
		t.Fatalf("last_run_at not recorded: %v", task.LastRunAt)
	}
	if task.LastSuccessAt == nil || !task.LastSuccessAt.Equal(end) {
		t.Fatalf("last_success_at not recorded: %v", task.LastSuccessAt)
	}

	// Re-enabling returns the task to IDLE with history intact.
	on := true
	ApplyUpdate(task, TaskUpdate{Enabled: &on})
	if task.Status != TaskStatusIdle {
		t.Fatalf("re-enable: status = %s, want IDLE", task.Status)
	}
	if task.LastRunAt == nil {
		t.Fatalf("re-enable cleared run history")
	}
}

func TestApplyStatusTerminalOnEnabledTask(t *testing.T) {
	task := &Task{ID: "t1", Enabled: true, Status: TaskStatusRunning}
	failed := TaskStatusFailed
	msg := "exit status 1"
	ApplyStatus(task, StatusUpdate{Status: &failed, LastErrorMessage: &msg})
	if task.Status != TaskStatusFailed {
		t.Fatalf("status = %s, want FAILED", task.Status)
	}
	if task.LastErrorMessage != msg {
		t.Fatalf("last_error_message = %q", task.LastErrorMessage)
	}
}
