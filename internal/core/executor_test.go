package core

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"jobtab/internal/logsink"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts required")
	}
}

func TestExecuteSuccess(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	store := newMemStore()
	sink := logsink.New(100, nil)
	exec := NewCommandExecutor(store, sink, nil, testLogger())

	task := dueTask("ok")
	task.ScriptPath = writeScript(t, "echo hello from job")
	task.IntervalMinutes = 5
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	out := exec.Execute(ctx, task)
	if out.Status != TaskStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", out.Status, out.Message)
	}
	if out.ExitCode == nil || *out.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", out.ExitCode)
	}
	if out.Attempts != 1 {
		t.Fatalf("expected 1 attempt, got %d", out.Attempts)
	}

	got, err := store.Get(ctx, "ok")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskStatusSuccess {
		t.Fatalf("stored status = %s", got.Status)
	}
	if got.LastRunAt == nil || got.LastSuccessAt == nil || got.NextRunAt == nil {
		t.Fatalf("run timestamps not recorded: %+v", got)
	}
	if want := got.LastRunAt.Add(5 * time.Minute); !got.NextRunAt.Equal(want) {
		t.Fatalf("next_run_at = %v, want completion+interval %v", got.NextRunAt, want)
	}
	if got.ConsecutiveFailures != 0 || got.LastErrorMessage != "" {
		t.Fatalf("success must clear failure state: %+v", got)
	}

	logs := sink.Tail("ok", 0)
	found := false
	for _, rec := range logs {
		if strings.Contains(rec.Message, "hello from job") {
			found = true
		}
	}
	if !found {
		t.Fatalf("script output missing from sink: %+v", logs)
	}
}

func TestRetryAccounting(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	store := newMemStore()
	sink := logsink.New(100, nil)
	exec := NewCommandExecutor(store, sink, nil, testLogger())

	task := dueTask("flaky")
	task.ScriptPath = writeScript(t, "exit 7")
	task.RetryCount = 2
	task.RetryDelaySeconds = 0
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	out := exec.Execute(ctx, task)
	if out.Status != TaskStatusFailed {
		t.Fatalf("expected FAILED, got %s", out.Status)
	}
	if out.Attempts != 3 {
		t.Fatalf("retry_count=2 must give 3 attempts, got %d", out.Attempts)
	}
	if out.ExitCode == nil || *out.ExitCode != 7 {
		t.Fatalf("expected exit code 7, got %v", out.ExitCode)
	}

	got, err := store.Get(ctx, "flaky")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ConsecutiveFailures != 3 {
		t.Fatalf("consecutive_failures = %d, want 3", got.ConsecutiveFailures)
	}
	if got.LastErrorAt == nil || got.LastErrorMessage == "" {
		t.Fatalf("error state not recorded: %+v", got)
	}
	if got.LastSuccessAt != nil {
		t.Fatalf("failure must not touch last_success_at")
	}
}

func TestTimeoutTerminatesProcess(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	store := newMemStore()
	sink := logsink.New(100, nil)
	exec := NewCommandExecutor(store, sink, nil, testLogger())

	task := dueTask("slow")
	task.ScriptPath = writeScript(t, "sleep 5")
	task.TimeoutSeconds = 1
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	start := time.Now()
	out := exec.Execute(ctx, task)
	elapsed := time.Since(start)

	if out.Status != TaskStatusFailed {
		t.Fatalf("expected FAILED on timeout, got %s", out.Status)
	}
	if !out.TimedOut {
		t.Fatalf("outcome not marked as timeout")
	}
	if !strings.Contains(out.Message, "timed out") {
		t.Fatalf("timeout message missing, got %q", out.Message)
	}
	if elapsed > 3*time.Second {
		t.Fatalf("process not terminated promptly, ran %v", elapsed)
	}

	got, err := store.Get(ctx, "slow")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status == TaskStatusRunning {
		t.Fatalf("task left RUNNING after timeout")
	}
}

func TestSpawnFailureIsExceptionWithoutRetry(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	store := newMemStore()
	sink := logsink.New(100, nil)
	exec := NewCommandExecutor(store, sink, nil, testLogger())

	task := dueTask("broken")
	task.ExecutePath = filepath.Join(t.TempDir(), "missing-interpreter")
	task.RetryCount = 2
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	out := exec.Execute(ctx, task)
	if out.Status != TaskStatusException {
		t.Fatalf("expected EXCEPTION, got %s", out.Status)
	}
	if out.Attempts != 1 {
		t.Fatalf("spawn failure must not be retried, got %d attempts", out.Attempts)
	}

	got, err := store.Get(ctx, "broken")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskStatusException {
		t.Fatalf("stored status = %s", got.Status)
	}
}

func TestEnvironmentPassedToProcess(t *testing.T) {
	requireUnix(t)
	ctx := context.Background()
	store := newMemStore()
	sink := logsink.New(100, nil)
	exec := NewCommandExecutor(store, sink, nil, testLogger())

	task := dueTask("env")
	task.ScriptPath = writeScript(t, `echo "greeting=$JOBTAB_TEST_GREETING"`)
	task.Environment = map[string]string{"JOBTAB_TEST_GREETING": "howdy"}
	if err := store.Create(ctx, task); err != nil {
		t.Fatalf("create: %v", err)
	}

	out := exec.Execute(ctx, task)
	if out.Status != TaskStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s (%s)", out.Status, out.Message)
	}
	found := false
	for _, rec := range sink.Tail("env", 0) {
		if strings.Contains(rec.Message, "greeting=howdy") {
			found = true
		}
	}
	if !found {
		t.Fatalf("task environment not visible to the process")
	}
}
