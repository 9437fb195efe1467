package core

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"log/slog"

	"jobtab/internal/events"
	"jobtab/internal/logsink"
)

// Outcome is the terminal result of one logical run (all retry attempts).
type Outcome struct {
	TaskID   string
	Status   TaskStatus
	ExitCode *int
	Attempts int
	Duration time.Duration
	TimedOut bool
	Message  string
}

// Executor runs one task's command to completion.
type Executor interface {
	Execute(ctx context.Context, task *Task) Outcome
}

// CommandExecutor spawns the task command as a child process, streams its
// output into the log sink line by line, enforces the timeout, applies the
// retry policy and reports the terminal outcome to the store.
type CommandExecutor struct {
	store  Store
	sink   *logsink.Sink
	bus    *events.Bus
	logger *slog.Logger
}

func NewCommandExecutor(store Store, sink *logsink.Sink, bus *events.Bus, logger *slog.Logger) *CommandExecutor {
	return &CommandExecutor{store: store, sink: sink, bus: bus, logger: logger}
}

// termGrace is how long a timed-out process gets between SIGTERM and SIGKILL.
const termGrace = 5 * time.Second

type attemptResult struct {
	exitCode int
	timedOut bool
	signaled bool
	spawnErr error
}

// Execute runs the task, retrying per its policy. It only ever touches run
// state; definition fields are never written from here.
func (e *CommandExecutor) Execute(ctx context.Context, task *Task) Outcome {
	start := time.Now().UTC()
	maxAttempts := task.RetryCount + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	e.sink.Append(task.ID, logsink.LevelInfo,
		fmt.Sprintf("task started: %s %s", task.ExecutePath, task.ScriptPath))

	var last attemptResult
	attempts := 0
	for attempts < maxAttempts {
		attempts++
		last = e.runAttempt(ctx, task, attempts)

		if last.spawnErr != nil {
			// A missing interpreter will not fix itself; retrying is
			// pointless, report EXCEPTION immediately.
			break
		}
		if last.exitCode == 0 && !last.timedOut && !last.signaled {
			break
		}
		if attempts < maxAttempts {
			e.sink.Append(task.ID, logsink.LevelWarning,
				fmt.Sprintf("attempt %d/%d failed, retrying in %ds", attempts, maxAttempts, task.RetryDelaySeconds))
			if !sleepCtx(ctx, time.Duration(task.RetryDelaySeconds)*time.Second) {
				break
			}
		}
	}

	end := time.Now().UTC()
	outcome := e.classify(task, last, attempts, end.Sub(start))
	e.report(ctx, task, outcome, end)
	return outcome
}

func (e *CommandExecutor) runAttempt(ctx context.Context, task *Task, attempt int) attemptResult {
	cmd := exec.Command(task.ExecutePath, task.ScriptPath) // #nosec G204
	cmd.Env = mergeEnv(os.Environ(), task.Environment)
	setProcAttrs(cmd)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	scanDone := make(chan struct{})
	go func() {
		defer close(scanDone)
		scanner := bufio.NewScanner(pr)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			e.sink.Append(task.ID, logsink.InferLevel(line), line)
		}
	}()

	if err := cmd.Start(); err != nil {
		pw.Close()
		<-scanDone
		e.sink.Append(task.ID, logsink.LevelError, fmt.Sprintf("failed to start command: %v", err))
		return attemptResult{spawnErr: err}
	}

	var timedOut atomic.Bool
	var watchdog *time.Timer
	if task.TimeoutSeconds > 0 {
		budget := time.Duration(task.TimeoutSeconds) * time.Second
		watchdog = time.AfterFunc(budget, func() {
			timedOut.Store(true)
			e.logger.Warn("task exceeded timeout, terminating process tree",
				"task_id", task.ID, "attempt", attempt, "timeout", budget)
			terminateTree(cmd.Process, false)
			time.AfterFunc(termGrace, func() {
				terminateTree(cmd.Process, true)
			})
		})
	}

	waitErr := cmd.Wait()
	if watchdog != nil {
		watchdog.Stop()
	}
	pw.Close()
	<-scanDone

	res := attemptResult{timedOut: timedOut.Load()}
	switch {
	case waitErr == nil:
		res.exitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			res.exitCode = exitErr.ExitCode()
			if res.exitCode == -1 && !res.timedOut {
				res.signaled = true
			}
		} else {
			// Wait itself failed (pipe trouble and the like); treat as crash.
			res.signaled = true
			res.exitCode = -1
		}
	}

	if res.timedOut {
		e.sink.Append(task.ID, logsink.LevelError,
			fmt.Sprintf("attempt %d timed out after %ds", attempt, task.TimeoutSeconds))
	}
	return res
}

func (e *CommandExecutor) classify(task *Task, last attemptResult, attempts int, dur time.Duration) Outcome {
	out := Outcome{TaskID: task.ID, Attempts: attempts, Duration: dur, TimedOut: last.timedOut}

	switch {
	case last.spawnErr != nil:
		out.Status = TaskStatusException
		out.Message = fmt.Sprintf("failed to spawn process: %v", last.spawnErr)
	case last.timedOut:
		out.Status = TaskStatusFailed
		out.Message = fmt.Sprintf("execution timed out after %ds", task.TimeoutSeconds)
	case last.signaled:
		out.Status = TaskStatusException
		out.Message = "process killed by signal"
	case last.exitCode == 0:
		out.Status = TaskStatusSuccess
		code := 0
		out.ExitCode = &code
	default:
		out.Status = TaskStatusFailed
		code := last.exitCode
		out.ExitCode = &code
		out.Message = fmt.Sprintf("exit status %d after %d attempts", last.exitCode, attempts)
	}
	return out
}

// report writes the terminal run state. last_run_at always moves, next_run_at
// is recomputed from the completion time, and the failure counter accumulates
// every failed attempt of this run (reset on success).
func (e *CommandExecutor) report(ctx context.Context, task *Task, out Outcome, end time.Time) {
	next := end.Add(task.Interval())
	status := out.Status
	upd := StatusUpdate{
		Status:    &status,
		LastRunAt: &end,
		NextRunAt: &next,
	}

	switch out.Status {
	case TaskStatusSuccess:
		upd.LastSuccessAt = &end
		zero := 0
		empty := ""
		upd.ConsecutiveFailures = &zero
		upd.LastErrorMessage = &empty
		e.sink.Append(task.ID, logsink.LevelInfo,
			fmt.Sprintf("task succeeded in %.2fs", out.Duration.Seconds()))
	default:
		upd.LastErrorAt = &end
		upd.LastErrorMessage = &out.Message
		failures := task.ConsecutiveFailures + out.Attempts
		upd.ConsecutiveFailures = &failures
		e.sink.Append(task.ID, logsink.LevelError,
			fmt.Sprintf("task %s: %s", out.Status, out.Message))
	}

	// SetStatus no-ops when the task was deleted mid-flight.
	if err := e.store.SetStatus(ctx, task.ID, upd); err != nil {
		e.logger.Error("record task outcome", "task_id", task.ID, "err", err)
	}
	if e.bus != nil {
		e.bus.Publish(events.Event{
			Type:   events.TypeStatus,
			TaskID: task.ID,
			Payload: map[string]any{
				"status":   out.Status,
				"attempts": out.Attempts,
				"duration": out.Duration.Seconds(),
				"message":  out.Message,
			},
		})
	}
}

func mergeEnv(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	merged := make([]string, len(base), len(base)+len(extra))
	copy(merged, base)
	for k, v := range extra {
		merged = append(merged, k+"="+v)
	}
	return merged
}

// sleepCtx sleeps for d unless the context ends first; reports whether the
// full delay elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
