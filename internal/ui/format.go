package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/bamsammich/volcopy/internal/stats"
)

// FormatRate formats a bytes-per-second rate in binary units.
func FormatRate(bytesPerSec float64) string {
	if bytesPerSec < 1 {
		return "0 B/s"
	}
	return humanize.IBytes(uint64(bytesPerSec)) + "/s"
}

// FormatCount formats a block or session count with thousands separators.
func FormatCount(n int64) string {
	return humanize.Comma(n)
}

// FormatOffset formats a volume offset in hex.
func FormatOffset(off int64) string {
	return fmt.Sprintf("@%#x", off)
}

// FormatBytes wraps stats.FormatBytes for UI use.
func FormatBytes(b int64) string {
	return stats.FormatBytes(b)
}

// FormatETA formats the remaining time, or "--" when unknown.
func FormatETA(d time.Duration) string {
	if d <= 0 {
		return "--"
	}
	return clock(d)
}

// FormatDuration formats elapsed time concisely.
func FormatDuration(d time.Duration) string {
	return clock(max(d, 0))
}

func clock(d time.Duration) string {
	d = d.Round(time.Second)
	h, m, s := int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
	case m > 0:
		return fmt.Sprintf("%dm %02ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}

// SessionBar renders progress through a task's sessions. Cells covered by
// committed sessions are solid (■), cells read but not yet committed are
// small (▪) and the rest are empty (□).
func SessionBar(snap stats.Snapshot, width int) string {
	if width <= 0 {
		return ""
	}
	read := int(snap.Progress() * float64(width))
	durable := 0
	if snap.SessionsTotal > 0 {
		durable = int(snap.SessionsCommitted * int64(width) / snap.SessionsTotal)
	}
	read = min(max(read, durable), width)
	durable = min(durable, width)

	var b strings.Builder
	b.WriteString(strings.Repeat("■", durable))
	b.WriteString(strings.Repeat("▪", read-durable))
	b.WriteString(strings.Repeat("□", width-read))
	return b.String()
}
