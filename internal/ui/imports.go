package ui

import "github.com/bamsammich/volcopy/internal/event"

// Event is the engine event consumed by presenters.
type Event = event.Event

// Re-export event types for convenience.
const (
	TaskStarted      = event.TaskStarted
	PlanComplete     = event.PlanComplete
	SessionStarted   = event.SessionStarted
	SessionSkipped   = event.SessionSkipped
	SessionCommitted = event.SessionCommitted
	BlockFailed      = event.BlockFailed
	TaskAborting     = event.TaskAborting
	TaskCompleted    = event.TaskCompleted
	TaskAborted      = event.TaskAborted
	TaskFailed       = event.TaskFailed
)
