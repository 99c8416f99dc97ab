package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bamsammich/volcopy/internal/copymeta"
	"github.com/bamsammich/volcopy/internal/engine"
	"github.com/bamsammich/volcopy/internal/event"
	"github.com/bamsammich/volcopy/internal/metrics"
	"github.com/bamsammich/volcopy/internal/registry"
	"github.com/bamsammich/volcopy/internal/ui"
)

// runTask builds cfg in a fresh registry, drives it to a terminal status
// and prints the summary. SIGINT/SIGTERM abort the task; a second signal
// kills the process.
func runTask(g *globalFlags, logger *slog.Logger, logToFile bool, cfg engine.TaskConfig) error {
	defer copymeta.CleanupTmpFiles()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := registry.New(logger)
	defer reg.Close()

	if g.metricsAddr != "" {
		shutdown, err := serveMetrics(g.metricsAddr, reg)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	events := make(chan event.Event, 256)
	h, err := reg.Build(cfg, engine.Options{Logger: logger, Events: events})
	if err != nil {
		return err
	}
	task, err := reg.Task(h)
	if err != nil {
		return err
	}

	presenter := ui.NewPresenter(ui.Config{
		Writer:     os.Stdout,
		ErrWriter:  os.Stderr,
		Stats:      task.Collector(),
		Kind:       task.Kind(),
		IsTTY:      ui.IsTTY(os.Stderr.Fd()),
		Quiet:      g.quiet,
		NoProgress: g.noProgress,
	})

	var presenterEvents <-chan event.Event = events
	if logToFile {
		presenterEvents = teeEvents(logger, events)
	}

	presenterDone := make(chan struct{})
	go func() {
		defer close(presenterDone)
		_ = presenter.Run(presenterEvents) //nolint:errcheck // presenter errors are display-only
	}()

	if _, err := reg.Start(h); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		stop()
		logger.Info("interrupted, aborting task")
		_ = reg.Abort(h) //nolint:errcheck // handle is owned here
	case <-task.Done():
	}

	_ = reg.Wait(context.Background(), h) //nolint:errcheck // outcome is read from Status
	<-presenterDone

	status, _ := reg.Status(h) //nolint:errcheck // handle is owned here
	if !g.quiet {
		fmt.Fprintln(os.Stderr, presenter.Summary())
	}
	if err := reg.Destroy(h); err != nil && !errors.Is(err, registry.ErrInvalidHandle) {
		logger.Warn("destroy task", "error", err)
	}
	return statusExit(status)
}

// statusExit maps a terminal status to the process exit error.
func statusExit(status engine.Status) error {
	switch status {
	case engine.StatusSucceed:
		return nil
	case engine.StatusAborted:
		return &exitError{code: exitAborted}
	default:
		return &exitError{code: exitFailed}
	}
}

// teeEvents forwards every event to the returned channel and records it in
// the structured log.
func teeEvents(logger *slog.Logger, in <-chan event.Event) <-chan event.Event {
	out := make(chan event.Event, cap(in))
	go func() {
		defer close(out)
		for ev := range in {
			attrs := []any{
				"type", ev.Type.String(),
			}
			if ev.Session >= 0 {
				attrs = append(attrs, "session", ev.Session)
			}
			if ev.Offset > 0 {
				attrs = append(attrs, "offset", ev.Offset)
			}
			if ev.Length > 0 {
				attrs = append(attrs, "length", ev.Length)
			}
			if ev.Error != nil {
				attrs = append(attrs, "error", ev.Error.Error())
			}
			logger.Debug("volcopy.event", attrs...)
			out <- ev
		}
	}()
	return out
}

// serveMetrics exposes the registry's metrics on addr until the returned
// func is called.
func serveMetrics(addr string, reg *registry.Registry) (func(), error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(reg))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", ln.Addr().String())
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx) //nolint:errcheck // best-effort on exit
	}, nil
}
