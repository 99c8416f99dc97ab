package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bamsammich/volcopy/internal/event"
	"github.com/bamsammich/volcopy/internal/stats"
)

// Options carries the optional collaborators of a task.
type Options struct {
	// Logger receives structured task logs. Defaults to slog.Default().
	Logger *slog.Logger
	// Events, when set, receives progress events. Progress events are
	// dropped if the channel is full; the terminal event is always
	// delivered unless the task is destroyed first. The task closes Events
	// once it has terminated or been destroyed. Done and Wait do not wait
	// for the terminal event to be received.
	Events chan<- event.Event
}

// job is the pipeline a task executes.
type job interface {
	kind() string
	run(ctx context.Context) error
}

// Task owns one execution of a backup or restore pipeline.
type Task struct {
	id    uuid.UUID
	cfg   TaskConfig
	log   *slog.Logger
	stats *stats.Collector
	job   job

	status atomic.Int32

	mu        sync.Mutex
	started   bool
	destroyed bool
	cancel    context.CancelFunc
	err       error

	events     chan<- event.Event
	eventsOnce sync.Once
	done       chan struct{} // closed once the status is terminal
	doneOnce   sync.Once
	exited     chan struct{} // closed when the pipeline goroutine returns
	destroying chan struct{}
}

// Build validates cfg and returns a task in INIT. It does not touch the
// filesystem beyond reading path metadata.
func Build(cfg TaskConfig, opts Options) (*Task, error) {
	switch c := cfg.(type) {
	case *BackupConfig:
		return BuildBackup(c, opts)
	case *RestoreConfig:
		return BuildRestore(c, opts)
	default:
		return nil, fmt.Errorf("%w: unsupported config %T", ErrConfiguration, cfg)
	}
}

// BuildBackup validates cfg and returns a backup task in INIT.
func BuildBackup(cfg *BackupConfig, opts Options) (*Task, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil backup config", ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := *cfg
	t := newTask(&c, opts)
	t.job = &backupJob{t: t, cfg: &c}
	t.log = t.log.With("kind", t.job.kind())
	return t, nil
}

// BuildRestore validates cfg and returns a restore task in INIT.
func BuildRestore(cfg *RestoreConfig, opts Options) (*Task, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil restore config", ErrConfiguration)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := *cfg
	t := newTask(&c, opts)
	t.job = &restoreJob{t: t, cfg: &c}
	t.log = t.log.With("kind", t.job.kind())
	return t, nil
}

func newTask(cfg TaskConfig, opts Options) *Task {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.New()
	return &Task{
		id:         id,
		cfg:        cfg,
		log:        logger.With("task", id.String()),
		stats:      stats.NewCollector(),
		events:     opts.Events,
		done:       make(chan struct{}),
		exited:     make(chan struct{}),
		destroying: make(chan struct{}),
	}
}

// ID returns the task's unique identity.
func (t *Task) ID() uuid.UUID { return t.id }

// Kind returns "backup" or "restore".
func (t *Task) Kind() string { return t.job.kind() }

// Config returns the task's configuration.
func (t *Task) Config() TaskConfig { return t.cfg }

// Collector exposes the live statistics collector for presenters that
// sample throughput.
func (t *Task) Collector() *stats.Collector { return t.stats }

// Start launches the pipeline on its own goroutine and returns immediately.
// It returns false if the task was already started, aborted or destroyed.
func (t *Task) Start() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.started || t.destroyed {
		return false
	}
	if !t.status.CompareAndSwap(int32(StatusInit), int32(StatusRunning)) {
		return false
	}
	t.started = true

	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.execute(ctx)
	return true
}

func (t *Task) execute(ctx context.Context) {
	defer close(t.exited)
	defer t.closeEvents()
	defer t.cancel()

	start := time.Now()
	t.log.Info("task started")
	t.emit(event.Event{Type: event.TaskStarted, Session: -1})

	err := t.runJob(ctx)
	final := t.settle(err)
	t.doneOnce.Do(func() { close(t.done) })

	snap := t.stats.Snapshot()
	switch final {
	case StatusSucceed:
		t.log.Info("task succeeded", "elapsed", time.Since(start), "stats", snap.String())
		t.emitTerminal(event.Event{Type: event.TaskCompleted, Session: -1})
	case StatusAborted:
		t.log.Info("task aborted", "elapsed", time.Since(start), "stats", snap.String())
		t.emitTerminal(event.Event{Type: event.TaskAborted, Session: -1})
	default:
		t.log.Error("task failed", "error", err, "stats", snap.String())
		t.emitTerminal(event.Event{Type: event.TaskFailed, Session: -1, Error: err})
	}
}

// runJob runs the pipeline and converts a panic into a task failure so it
// never escapes to callers of the registry.
func (t *Task) runJob(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()
	return t.job.run(ctx)
}

// settle moves the task to its terminal state. A task that has been asked to
// abort always settles ABORTED.
func (t *Task) settle(err error) Status {
	final := StatusSucceed
	if err != nil {
		final = StatusFailed
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status.CompareAndSwap(int32(StatusRunning), int32(final)) {
		if final == StatusFailed {
			t.err = err
		}
		return final
	}
	// Only Abort moves RUNNING elsewhere.
	t.status.Store(int32(StatusAborted))
	t.err = ErrCancelled
	if err != nil && !errors.Is(err, context.Canceled) {
		t.log.Debug("error while aborting", "error", err)
	}
	return StatusAborted
}

// Abort requests cooperative cancellation. It never blocks. A task still in
// INIT settles ABORTED immediately; terminal tasks are unaffected.
func (t *Task) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.destroyed {
		return
	}
	switch Status(t.status.Load()) {
	case StatusInit:
		t.status.Store(int32(StatusAborted))
		t.err = ErrCancelled
		t.doneOnce.Do(func() { close(t.done) })
		t.log.Info("task aborted before start")
		t.emit(event.Event{Type: event.TaskAborted, Session: -1})
		t.closeEvents()
	case StatusRunning:
		if t.status.CompareAndSwap(int32(StatusRunning), int32(StatusAborting)) {
			t.log.Info("abort requested")
			t.emit(event.Event{Type: event.TaskAborting, Session: -1})
			t.cancel()
		}
	default:
	}
}

// Status returns the current state.
func (t *Task) Status() Status {
	return Status(t.status.Load())
}

// Statistics returns the latest counter snapshot.
func (t *Task) Statistics() stats.Snapshot {
	return t.stats.Snapshot()
}

// IsFailed reports whether the task settled FAILED.
func (t *Task) IsFailed() bool {
	return t.Status() == StatusFailed
}

// IsTerminated reports whether the task reached a terminal state.
func (t *Task) IsTerminated() bool {
	return t.Status().Terminal()
}

// Err returns why the task did not succeed: nil while running or after
// success, ErrCancelled after an abort, and the failure otherwise.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.destroyed {
		return ErrDestroyed
	}
	return t.err
}

// Done returns a channel closed once the task is terminal.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task is terminal or ctx is done. It returns the
// task's Err once terminal.
func (t *Task) Wait(ctx context.Context) error {
	t.mu.Lock()
	switch {
	case t.destroyed:
		t.mu.Unlock()
		return ErrDestroyed
	case !t.started && t.Status() == StatusInit:
		t.mu.Unlock()
		return ErrNotStarted
	}
	t.mu.Unlock()

	select {
	case <-t.done:
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Destroy aborts a running task, waits for its pipeline to exit, and
// releases the task. Later calls return ErrDestroyed.
func (t *Task) Destroy() error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return ErrDestroyed
	}
	t.destroyed = true
	close(t.destroying)
	started := t.started
	if started && t.status.CompareAndSwap(int32(StatusRunning), int32(StatusAborting)) {
		t.cancel()
	}
	t.mu.Unlock()

	if started {
		<-t.exited
	}
	t.closeEvents()
	t.log.Debug("task destroyed")
	return nil
}

func (t *Task) emit(ev event.Event) {
	if t.events == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.TaskID = t.id.String()
	select {
	case t.events <- ev:
	default:
	}
}

func (t *Task) emitTerminal(ev event.Event) {
	if t.events == nil {
		return
	}
	ev.Timestamp = time.Now()
	ev.TaskID = t.id.String()
	select {
	case t.events <- ev:
	case <-t.destroying:
	}
}

func (t *Task) closeEvents() {
	if t.events == nil {
		return
	}
	t.eventsOnce.Do(func() { close(t.events) })
}
