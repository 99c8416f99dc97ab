package ui

import (
	"math"
	"slices"
	"strings"
)

var sparkLevels = []rune("▁▂▃▄▅▆▇█")

// Sparkline renders per-second read rates, newest on the right, scaled to
// the busiest second shown. A second with no reads, such as a session
// syncing its data file, renders as '·'. Until width samples exist the
// line is padded on the left with spaces.
func Sparkline(rates []float64, width int) string {
	if width <= 0 {
		return ""
	}
	if len(rates) > width {
		rates = rates[len(rates)-width:]
	}
	peak := 0.0
	if len(rates) > 0 {
		peak = slices.Max(rates)
	}

	var b strings.Builder
	b.WriteString(strings.Repeat(" ", width-len(rates)))
	for _, r := range rates {
		if r <= 0 || peak <= 0 {
			b.WriteRune('·')
			continue
		}
		lvl := int(math.Ceil(r/peak*float64(len(sparkLevels)))) - 1
		b.WriteRune(sparkLevels[min(max(lvl, 0), len(sparkLevels)-1)])
	}
	return b.String()
}
