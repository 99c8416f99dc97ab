package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/volcopy/internal/stats"
)

// plainPresenter outputs one line per session to stdout, and periodic
// progress to stderr when not a TTY.
type plainPresenter struct {
	w     io.Writer
	errW  io.Writer
	stats stats.ReadTicker
	kind  string
	outcome
}

const plainProgressEvery = 5 // seconds

func (p *plainPresenter) Run(events <-chan Event) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	ticks := 0

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			p.handleEvent(ev)
		case <-ticker.C:
			p.stats.Tick()
			ticks++
			if ticks%plainProgressEvery == 0 {
				p.printProgress()
			}
		}
	}
}

func (p *plainPresenter) handleEvent(ev Event) {
	p.observe(ev)
	switch ev.Type {
	case PlanComplete:
		fmt.Fprintf(p.w, "%s: %s in %s sessions", p.kind, FormatBytes(ev.TotalSize), FormatCount(int64(ev.Sessions)))
		if ev.Session >= 0 {
			fmt.Fprintf(p.w, ", resuming after session %d", ev.Session)
		}
		fmt.Fprintln(p.w)
	case SessionCommitted:
		speed := p.stats.RollingSpeed(5)
		fmt.Fprintf(p.w, "session %d  %s  %s  %s\n",
			ev.Session, FormatOffset(ev.Offset), FormatBytes(ev.Length), FormatRate(speed))
	case SessionSkipped:
		fmt.Fprintf(p.w, "session %d  skipped\n", ev.Session)
	case BlockFailed:
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		fmt.Fprintf(p.w, "session %d  %s  %s\n", ev.Session, FormatOffset(ev.Offset), errMsg)
	case TaskAborting:
		fmt.Fprintln(p.w, "aborting...")
	}
}

func (p *plainPresenter) printProgress() {
	snap := p.stats.Snapshot()
	if snap.BytesToRead > 0 {
		speed := p.stats.RollingSpeed(10)
		eta := p.stats.ETA()
		fmt.Fprintf(p.errW, "progress: %.0f%% %s/%s %s/%s sessions %s eta %s\n",
			snap.Progress()*100,
			FormatBytes(snap.BytesRead), FormatBytes(snap.BytesToRead),
			FormatCount(snap.SessionsCommitted), FormatCount(snap.SessionsTotal),
			FormatRate(speed),
			FormatETA(eta),
		)
	} else {
		fmt.Fprintf(p.errW, "progress: %s read\n", FormatBytes(snap.BytesRead))
	}
}

func (p *plainPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot(), p.final)
}
