package ui

import (
	"fmt"

	"github.com/bamsammich/volcopy/internal/stats"
)

// CompletionSummary builds a final summary line from a snapshot and the
// task's terminal event.
// Format: done ✓  read 1.0 GiB  written 12 MiB  unchanged 250  avg 641 MB/s  time 3m 17s
func CompletionSummary(snap stats.Snapshot, final Event) string {
	word, icon := "done", "✓"
	switch final.Type {
	case TaskAborted:
		word, icon = "aborted", "–"
	case TaskFailed:
		word, icon = "failed", "✗"
	}

	avgSpeed := 0.0
	if snap.Elapsed.Seconds() > 0 {
		avgSpeed = float64(snap.BytesRead) / snap.Elapsed.Seconds()
	}

	base := fmt.Sprintf("%s %s  read %s  written %s",
		word, icon,
		FormatBytes(snap.BytesRead),
		FormatBytes(snap.BytesWritten),
	)
	if snap.BlocksUnchanged > 0 {
		base += fmt.Sprintf("  unchanged %s", FormatCount(snap.BlocksUnchanged))
	}
	base += fmt.Sprintf("  sessions %s/%s  avg %s  time %s",
		FormatCount(snap.SessionsCommitted), FormatCount(snap.SessionsTotal),
		FormatRate(avgSpeed),
		FormatDuration(snap.Elapsed),
	)
	if final.Type == TaskFailed && final.Error != nil {
		base += "  error: " + final.Error.Error()
	}
	return base
}
