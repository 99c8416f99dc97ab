package event

import "time"

// Type identifies the kind of event.
type Type int

const (
	TaskStarted Type = iota + 1
	PlanComplete
	SessionStarted
	SessionSkipped
	SessionCommitted
	BlockFailed
	TaskAborting
	TaskCompleted
	TaskAborted
	TaskFailed
)

var typeNames = [...]string{
	TaskStarted:      "TaskStarted",
	PlanComplete:     "PlanComplete",
	SessionStarted:   "SessionStarted",
	SessionSkipped:   "SessionSkipped",
	SessionCommitted: "SessionCommitted",
	BlockFailed:      "BlockFailed",
	TaskAborting:     "TaskAborting",
	TaskCompleted:    "TaskCompleted",
	TaskAborted:      "TaskAborted",
	TaskFailed:       "TaskFailed",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) && typeNames[t] != "" {
		return typeNames[t]
	}
	return "Unknown"
}

// Terminal reports whether the event is the last one a task emits.
func (t Type) Terminal() bool {
	return t == TaskCompleted || t == TaskAborted || t == TaskFailed
}

// Event represents a single progress event from a running task.
type Event struct {
	Type      Type
	Timestamp time.Time
	TaskID    string
	Session   int   // session index, -1 when not session-scoped
	Offset    int64 // volume offset of the session or block
	Length    int64 // session or block length
	Sessions  int   // total sessions (PlanComplete)
	TotalSize int64 // bytes to read (PlanComplete)
	Error     error
}
