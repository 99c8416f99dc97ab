package engine

// Status is the lifecycle state of a task.
type Status int32

const (
	StatusInit Status = iota
	StatusRunning
	StatusAborting
	StatusAborted
	StatusSucceed
	StatusFailed
)

var statusNames = [...]string{
	StatusInit:     "INIT",
	StatusRunning:  "RUNNING",
	StatusAborting: "ABORTING",
	StatusAborted:  "ABORTED",
	StatusSucceed:  "SUCCEED",
	StatusFailed:   "FAILED",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return "UNKNOWN"
}

// Terminal reports whether no further transitions can happen from s.
func (s Status) Terminal() bool {
	return s == StatusSucceed || s == StatusAborted || s == StatusFailed
}
