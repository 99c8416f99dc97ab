package ui

import "github.com/bamsammich/volcopy/internal/stats"

// quietPresenter consumes events but produces no output.
type quietPresenter struct {
	stats stats.Reader
}

func (p *quietPresenter) Run(events <-chan Event) error {
	for range events { //nolint:revive // drain
	}
	return nil
}

func (p *quietPresenter) Summary() string {
	return ""
}
