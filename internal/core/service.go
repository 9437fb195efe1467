package core

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"jobtab/internal/events"
)

// TaskService is the thin facade the HTTP and MCP layers talk to. It
// validates definitions, delegates durability to the store and execution to
// the scheduler's claim protocol.
type TaskService struct {
	store  Store
	sched  *Scheduler
	bus    *events.Bus
	logger *slog.Logger
}

func NewTaskService(store Store, sched *Scheduler, bus *events.Bus, logger *slog.Logger) *TaskService {
	return &TaskService{store: store, sched: sched, bus: bus, logger: logger}
}

// Create validates and persists a new definition with status IDLE (DISABLED
// when created disabled). An empty id gets a generated one.
func (s *TaskService) Create(ctx context.Context, task *Task) (*Task, error) {
	if task.ID == "" {
		task.ID = NewID()
	}
	if err := s.validate(task); err != nil {
		return nil, err
	}

	task.Status = TaskStatusIdle
	if !task.Enabled {
		task.Status = TaskStatusDisabled
	}
	task.LastRunAt = nil
	task.LastSuccessAt = nil
	task.LastErrorAt = nil
	task.NextRunAt = nil
	task.LastErrorMessage = ""
	task.ConsecutiveFailures = 0

	if err := s.store.Create(ctx, task); err != nil {
		return nil, err
	}
	s.logger.Info("task created", "task_id", task.ID, "interval_minutes", task.IntervalMinutes)
	s.publishStatus(task.ID, task.Status)
	return task.Clone(), nil
}

// Update merges a partial definition change into an existing task.
func (s *TaskService) Update(ctx context.Context, id string, upd TaskUpdate) (*Task, error) {
	if err := s.validateUpdate(upd); err != nil {
		return nil, err
	}
	task, err := s.store.Update(ctx, id, upd)
	if err != nil {
		return nil, err
	}
	s.logger.Info("task updated", "task_id", id)
	s.publishStatus(id, task.Status)
	return task, nil
}

// Delete removes the definition and history. An in-flight execution is
// allowed to finish; its terminal status write becomes a no-op.
func (s *TaskService) Delete(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	s.logger.Info("task deleted", "task_id", id)
	if s.bus != nil {
		s.bus.Publish(events.Event{Type: events.TypeStatus, TaskID: id,
			Payload: map[string]any{"deleted": true}})
	}
	return nil
}

// Toggle flips enabled and recomputes IDLE/DISABLED without clearing history.
// Idempotent: toggling to the current state is a no-op merge.
func (s *TaskService) Toggle(ctx context.Context, id string, enable bool) (*Task, error) {
	task, err := s.store.Update(ctx, id, TaskUpdate{Enabled: &enable})
	if err != nil {
		return nil, err
	}
	s.logger.Info("task toggled", "task_id", id, "enabled", enable)
	s.publishStatus(id, task.Status)
	return task, nil
}

// RunNow claims and executes the task immediately, bypassing the timer but
// not the claim protocol or the concurrency cap. It reports whether the
// execution started; false means it was queued behind a saturated cap.
func (s *TaskService) RunNow(ctx context.Context, id string) (bool, error) {
	return s.sched.RunNow(ctx, id)
}

// Get returns a snapshot of one task.
func (s *TaskService) Get(ctx context.Context, id string) (*Task, error) {
	return s.store.Get(ctx, id)
}

// List returns a snapshot of all tasks.
func (s *TaskService) List(ctx context.Context) ([]*Task, error) {
	return s.store.List(ctx)
}

// Batch operations supported by Batch.
const (
	BatchEnable  = "enable"
	BatchDisable = "disable"
	BatchDelete  = "delete"
	BatchRun     = "run"
)

// BatchResult reports one id's outcome of a batch operation.
type BatchResult struct {
	ID    string `json:"id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Batch applies op to each id independently. There is no all-or-nothing
// transaction; each id succeeds or fails on its own.
func (s *TaskService) Batch(ctx context.Context, ids []string, op string) ([]BatchResult, error) {
	switch op {
	case BatchEnable, BatchDisable, BatchDelete, BatchRun:
	default:
		return nil, fmt.Errorf("%w: unknown batch operation %q", ErrInvalidDefinition, op)
	}

	results := make([]BatchResult, 0, len(ids))
	for _, id := range ids {
		var err error
		switch op {
		case BatchEnable:
			_, err = s.Toggle(ctx, id, true)
		case BatchDisable:
			_, err = s.Toggle(ctx, id, false)
		case BatchDelete:
			err = s.Delete(ctx, id)
		case BatchRun:
			_, err = s.RunNow(ctx, id)
		}
		res := BatchResult{ID: id, OK: err == nil}
		if err != nil {
			res.Error = err.Error()
		}
		results = append(results, res)
	}
	return results, nil
}

func (s *TaskService) validate(task *Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(task.ScriptPath) == "" {
		return fmt.Errorf("%w: script_path is required", ErrInvalidDefinition)
	}
	if strings.TrimSpace(task.ExecutePath) == "" {
		return fmt.Errorf("%w: execute_path is required", ErrInvalidDefinition)
	}
	if task.IntervalMinutes <= 0 {
		return fmt.Errorf("%w: interval_minutes must be positive", ErrInvalidDefinition)
	}
	if task.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds must be non-negative", ErrInvalidDefinition)
	}
	if task.RetryCount < 0 {
		return fmt.Errorf("%w: retry_count must be non-negative", ErrInvalidDefinition)
	}
	if task.RetryDelaySeconds < 0 {
		return fmt.Errorf("%w: retry_delay_seconds must be non-negative", ErrInvalidDefinition)
	}
	return nil
}

func (s *TaskService) validateUpdate(upd TaskUpdate) error {
	if upd.ScriptPath != nil && strings.TrimSpace(*upd.ScriptPath) == "" {
		return fmt.Errorf("%w: script_path cannot be empty", ErrInvalidDefinition)
	}
	if upd.ExecutePath != nil && strings.TrimSpace(*upd.ExecutePath) == "" {
		return fmt.Errorf("%w: execute_path cannot be empty", ErrInvalidDefinition)
	}
	if upd.IntervalMinutes != nil && *upd.IntervalMinutes <= 0 {
		return fmt.Errorf("%w: interval_minutes must be positive", ErrInvalidDefinition)
	}
	if upd.TimeoutSeconds != nil && *upd.TimeoutSeconds < 0 {
		return fmt.Errorf("%w: timeout_seconds must be non-negative", ErrInvalidDefinition)
	}
	if upd.RetryCount != nil && *upd.RetryCount < 0 {
		return fmt.Errorf("%w: retry_count must be non-negative", ErrInvalidDefinition)
	}
	if upd.RetryDelaySeconds != nil && *upd.RetryDelaySeconds < 0 {
		return fmt.Errorf("%w: retry_delay_seconds must be non-negative", ErrInvalidDefinition)
	}
	return nil
}

func (s *TaskService) publishStatus(id string, status TaskStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{
		Type:    events.TypeStatus,
		TaskID:  id,
		Time:    time.Now().UTC(),
		Payload: map[string]any{"status": status},
	})
}
