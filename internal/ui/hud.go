package ui

import (
	"fmt"
	"io"
	"time"

	"github.com/bamsammich/volcopy/internal/stats"
)

// ANSI escape sequences.
const (
	ansiDim   = "\033[2m"
	ansiBold  = "\033[1m"
	ansiReset = "\033[0m"
)

// hudPresenter provides a rich TTY display with a scrolling feed of
// committed sessions and a 2-line HUD that redraws in place.
type hudPresenter struct {
	w     io.Writer
	stats stats.ReadTicker
	kind  string
	outcome

	// Internal state.
	hudDrawn     bool
	hudLineCount int // actual number of lines in the last HUD draw
	current      int // session in flight, -1 for none
	aborting     bool
	lastHUDDraw  time.Time
}

const (
	sparklineWidth   = 20
	progressBarWidth = 20
	hudMinInterval   = 50 * time.Millisecond // don't redraw faster than this
)

func (p *hudPresenter) Run(events <-chan Event) error {
	p.current = -1

	// Fire first tick quickly to seed the ring buffer with initial speed data,
	// then switch to 1s interval.
	secTicker := time.NewTicker(250 * time.Millisecond)
	defer secTicker.Stop()
	firstTickDone := false

	// Redraw ticker for when no events are flowing (e.g., a large session).
	redrawTicker := time.NewTicker(100 * time.Millisecond)
	defer redrawTicker.Stop()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.clearHUD()
				return nil
			}
			p.handleEvent(ev)
			p.maybeDrawHUD()

		case <-redrawTicker.C:
			p.drawHUD()

		case <-secTicker.C:
			p.stats.Tick()
			if !firstTickDone {
				firstTickDone = true
				secTicker.Reset(1 * time.Second)
			}
		}
	}
}

func (p *hudPresenter) handleEvent(ev Event) {
	p.observe(ev)
	switch ev.Type {
	case PlanComplete:
		p.clearHUD()
		fmt.Fprintf(p.w, "%s%s%s  %s in %s sessions\n",
			ansiBold, p.kind, ansiReset, FormatBytes(ev.TotalSize), FormatCount(int64(ev.Sessions)))
		if ev.Session >= 0 {
			fmt.Fprintf(p.w, "%sresuming after session %d%s\n", ansiDim, ev.Session, ansiReset)
		}
		p.drawHUD()

	case SessionStarted:
		p.current = ev.Session

	case SessionCommitted:
		p.current = -1
		p.clearHUD()
		p.printSessionCommitted(ev)
		p.drawHUD() // always redraw HUD after feed line

	case SessionSkipped:
		p.clearHUD()
		fmt.Fprintf(p.w, "–  session %-4d %sskipped%s\n", ev.Session, ansiDim, ansiReset)
		p.drawHUD()

	case BlockFailed:
		p.clearHUD()
		errMsg := "error"
		if ev.Error != nil {
			errMsg = ev.Error.Error()
		}
		fmt.Fprintf(p.w, "✗  session %-4d %s  %s\n", ev.Session, FormatOffset(ev.Offset), errMsg)
		p.drawHUD()

	case TaskAborting:
		p.aborting = true
	}
}

func (p *hudPresenter) printSessionCommitted(ev Event) {
	speed := p.stats.RollingSpeed(5)
	if speed > 0 {
		fmt.Fprintf(p.w, "✓  session %-4d %s%s%s  %10s  %s\n",
			ev.Session, ansiDim, FormatOffset(ev.Offset), ansiReset, FormatBytes(ev.Length), FormatRate(speed))
	} else {
		fmt.Fprintf(p.w, "✓  session %-4d %s%s%s  %10s\n",
			ev.Session, ansiDim, FormatOffset(ev.Offset), ansiReset, FormatBytes(ev.Length))
	}
}

// maybeDrawHUD redraws the HUD if enough time has passed since the last draw.
func (p *hudPresenter) maybeDrawHUD() {
	now := time.Now()
	if now.Sub(p.lastHUDDraw) < hudMinInterval {
		return
	}
	p.drawHUD()
}

func (p *hudPresenter) drawHUD() {
	snap := p.stats.Snapshot()

	// Clear previous HUD if drawn.
	p.clearHUD()

	pct := snap.Progress()
	speed := p.stats.RollingSpeed(10)
	eta := p.stats.ETA()

	// Line 1: throughput sparkline + speed + byte totals.
	spark := Sparkline(p.stats.SparklineData(sparklineWidth), sparklineWidth)
	fmt.Fprintf(p.w, "       %s   %s   %s / %s   written %s\n",
		spark, FormatRate(speed),
		FormatBytes(snap.BytesRead), FormatBytes(snap.BytesToRead),
		FormatBytes(snap.BytesWritten))

	// Line 2: session bar + sessions + eta.
	bar := SessionBar(snap, progressBarWidth)
	state := fmt.Sprintf("eta %s", FormatETA(eta))
	if p.aborting {
		state = "aborting..."
	}
	fmt.Fprintf(p.w, " %3.0f%%  %s   %s / %s sessions%s   %s\n",
		pct*100, bar,
		FormatCount(snap.SessionsCommitted), FormatCount(snap.SessionsTotal),
		p.currentLabel(), state)

	p.hudDrawn = true
	p.hudLineCount = 2
	p.lastHUDDraw = time.Now()
}

func (p *hudPresenter) currentLabel() string {
	if p.current < 0 {
		return ""
	}
	return fmt.Sprintf(" (at %d)", p.current)
}

func (p *hudPresenter) clearHUD() {
	if !p.hudDrawn {
		return
	}
	lines := p.hudLineCount
	if lines == 0 {
		lines = 2 // fallback
	}
	// Move cursor up N lines and clear to end of screen.
	fmt.Fprintf(p.w, "\033[%dA\033[J", lines)
	p.hudDrawn = false
}

func (p *hudPresenter) Summary() string {
	return CompletionSummary(p.stats.Snapshot(), p.final)
}
