package core

import (
	"context"
	"time"
)

// Store abstracts durable task persistence. All three backends (JSON file,
// SQLite, Redis) present these exact semantics; any backend that cannot do a
// native atomic read-modify-write serializes mutations behind a single-writer
// lock instead.
type Store interface {
	// Create persists a full definition. Fails with ErrDuplicateID if the id
	// already exists.
	Create(ctx context.Context, task *Task) error

	// Get returns a snapshot of one task, or ErrNotFound.
	Get(ctx context.Context, id string) (*Task, error)

	// List returns a snapshot of all tasks: insertion order for the file and
	// key-value backends, primary-key order for the relational one.
	List(ctx context.Context) ([]*Task, error)

	// Update merges a partial definition into an existing task and returns
	// the result. Fails with ErrNotFound; never creates.
	Update(ctx context.Context, id string, upd TaskUpdate) (*Task, error)

	// Delete removes the definition and its run state, or ErrNotFound. Safe
	// to call while an execution for the id is in flight.
	Delete(ctx context.Context, id string) error

	// SetStatus atomically updates run-state fields only. A missing id is a
	// silent no-op so a worker finishing after a delete does not error.
	SetStatus(ctx context.Context, id string, upd StatusUpdate) error

	// DueTasks returns all enabled, non-running tasks whose next run time has
	// passed (or that have never run). Ordering is up to the caller.
	DueTasks(ctx context.Context, now time.Time) ([]*Task, error)

	// Close releases backend resources.
	Close() error
}
