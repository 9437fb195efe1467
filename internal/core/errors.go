package core

import "errors"

// Error taxonomy. Identity and validation errors surface synchronously to the
// Task Service caller; storage errors are transient and handled by the
// scheduler (skip tick, retry next tick).
var (
	ErrNotFound           = errors.New("task not found")
	ErrDuplicateID        = errors.New("task id already exists")
	ErrInvalidDefinition  = errors.New("invalid task definition")
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrAlreadyRunning is returned by the claim protocol when the task id
	// already holds an in-flight execution.
	ErrAlreadyRunning = errors.New("task is already running")

	// ErrDraining is returned while in-flight executions are being drained
	// ahead of a storage backend switch.
	ErrDraining = errors.New("scheduler is draining")
)
