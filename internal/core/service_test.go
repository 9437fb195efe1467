package core

import (
	"context"
	"errors"
	"testing"

	"jobtab/internal/events"
)

func testService(store Store) *TaskService {
	sched := testScheduler(store, newFakeExecutor(false), 5)
	return NewTaskService(store, sched, events.NewBus(), testLogger())
}

func TestCreateRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := testService(store)

	def := dueTask("")
	def.IntervalMinutes = 15
	def.Description = "nightly cleanup"
	created, err := svc.Create(ctx, def)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == "" {
		t.Fatalf("expected generated id")
	}

	got, err := svc.Get(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskStatusIdle {
		t.Fatalf("new task status = %s, want IDLE", got.Status)
	}
	if got.ScriptPath != def.ScriptPath || got.IntervalMinutes != 15 || got.Description != "nightly cleanup" {
		t.Fatalf("definition not preserved: %+v", got)
	}
	if got.LastRunAt != nil || got.LastSuccessAt != nil || got.LastErrorAt != nil || got.NextRunAt != nil {
		t.Fatalf("new task must have empty run state: %+v", got)
	}
	if got.ConsecutiveFailures != 0 || got.LastErrorMessage != "" {
		t.Fatalf("new task must have zero failure state: %+v", got)
	}
}

func TestCreateDisabledTask(t *testing.T) {
	ctx := context.Background()
	svc := testService(newMemStore())

	def := dueTask("off")
	def.Enabled = false
	created, err := svc.Create(ctx, def)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Status != TaskStatusDisabled {
		t.Fatalf("disabled task status = %s, want DISABLED", created.Status)
	}
}

func TestCreateValidation(t *testing.T) {
	ctx := context.Background()
	svc := testService(newMemStore())

	cases := []struct {
		name   string
		mutate func(*Task)
	}{
		{"empty script path", func(task *Task) { task.ScriptPath = "" }},
		{"empty execute path", func(task *Task) { task.ExecutePath = "" }},
		{"zero interval", func(task *Task) { task.IntervalMinutes = 0 }},
		{"negative interval", func(task *Task) { task.IntervalMinutes = -5 }},
		{"negative timeout", func(task *Task) { task.TimeoutSeconds = -1 }},
		{"negative retries", func(task *Task) { task.RetryCount = -1 }},
	}
	for _, tc := range cases {
		def := dueTask("x")
		tc.mutate(def)
		if _, err := svc.Create(ctx, def); !errors.Is(err, ErrInvalidDefinition) {
			t.Fatalf("%s: expected ErrInvalidDefinition, got %v", tc.name, err)
		}
	}
}

func TestCreateDuplicateLeavesOriginal(t *testing.T) {
	ctx := context.Background()
	svc := testService(newMemStore())

	first := dueTask("dup")
	first.Description = "original"
	if _, err := svc.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	second := dueTask("dup")
	second.Description = "impostor"
	if _, err := svc.Create(ctx, second); !errors.Is(err, ErrDuplicateID) {
		t.Fatalf("expected ErrDuplicateID")
	}

	got, err := svc.Get(ctx, "dup")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Description != "original" {
		t.Fatalf("duplicate create must leave original untouched, got %q", got.Description)
	}
}

func TestUpdateMergesPartialFields(t *testing.T) {
	ctx := context.Background()
	svc := testService(newMemStore())

	def := dueTask("u1")
	def.IntervalMinutes = 10
	if _, err := svc.Create(ctx, def); err != nil {
		t.Fatalf("create: %v", err)
	}

	interval := 25
	got, err := svc.Update(ctx, "u1", TaskUpdate{IntervalMinutes: &interval})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.IntervalMinutes != 25 {
		t.Fatalf("interval not updated: %d", got.IntervalMinutes)
	}
	if got.ScriptPath != def.ScriptPath {
		t.Fatalf("untouched field changed: %q", got.ScriptPath)
	}

	bad := 0
	if _, err := svc.Update(ctx, "u1", TaskUpdate{IntervalMinutes: &bad}); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("expected ErrInvalidDefinition for zero interval, got %v", err)
	}
	if _, err := svc.Update(ctx, "ghost", TaskUpdate{IntervalMinutes: &interval}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestToggleIdempotent(t *testing.T) {
	ctx := context.Background()
	svc := testService(newMemStore())

	if _, err := svc.Create(ctx, dueTask("t1")); err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 2; i++ {
		got, err := svc.Toggle(ctx, "t1", false)
		if err != nil {
			t.Fatalf("toggle off #%d: %v", i+1, err)
		}
		if got.Status != TaskStatusDisabled {
			t.Fatalf("toggle off #%d: status = %s, want DISABLED", i+1, got.Status)
		}
	}

	got, err := svc.Toggle(ctx, "t1", true)
	if err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if got.Status != TaskStatusIdle || !got.Enabled {
		t.Fatalf("re-enabled task: %+v", got)
	}
}

func TestDeleteThenStatusWriteIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	svc := testService(store)

	if _, err := svc.Create(ctx, dueTask("gone")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Delete(ctx, "gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := svc.Delete(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}

	// An in-flight execution finishing after the delete writes nothing.
	status := TaskStatusSuccess
	if err := store.SetStatus(ctx, "gone", StatusUpdate{Status: &status}); err != nil {
		t.Fatalf("terminal write after delete must be a no-op, got %v", err)
	}
	if _, err := svc.Get(ctx, "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("deleted task resurrected")
	}
}

func TestBatchPerIDResults(t *testing.T) {
	ctx := context.Background()
	svc := testService(newMemStore())

	if _, err := svc.Create(ctx, dueTask("a")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := svc.Create(ctx, dueTask("b")); err != nil {
		t.Fatalf("create: %v", err)
	}

	results, err := svc.Batch(ctx, []string{"a", "ghost", "b"}, BatchDisable)
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(results))
	}
	if !results[0].OK || results[1].OK || !results[2].OK {
		t.Fatalf("per-id outcomes wrong: %+v", results)
	}
	if results[1].Error == "" {
		t.Fatalf("failed id must carry an error message")
	}

	// One bad id never blocks the others.
	got, err := svc.Get(ctx, "b")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != TaskStatusDisabled {
		t.Fatalf("batch disable skipped b: %s", got.Status)
	}

	if _, err := svc.Batch(ctx, []string{"a"}, "explode"); !errors.Is(err, ErrInvalidDefinition) {
		t.Fatalf("unknown op: expected ErrInvalidDefinition, got %v", err)
	}
}
