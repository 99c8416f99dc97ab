package engine

import "errors"

var (
	// ErrConfiguration marks a structurally invalid task configuration. Build
	// fails with it and returns no task.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrIO marks an unreadable source or unwritable destination. The task
	// fails; sessions already committed stay valid.
	ErrIO = errors.New("i/o error")

	// ErrMetadataCorruption marks copy metadata that cannot be read or does
	// not describe the copy being used. Raised before any block transfers.
	ErrMetadataCorruption = errors.New("copy metadata corrupt")

	// ErrCancelled is the cause recorded for an aborted task. It is not a
	// failure.
	ErrCancelled = errors.New("task cancelled")

	// ErrDestroyed is returned by every operation on a destroyed task.
	ErrDestroyed = errors.New("task destroyed")

	// ErrNotStarted is returned by Wait on a task that was never started.
	ErrNotStarted = errors.New("task not started")
)
