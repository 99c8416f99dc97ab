// Package registry hands out opaque handles for engine tasks. A handle stays
// valid from Build until Destroy; any later use returns ErrInvalidHandle.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"

	"github.com/bamsammich/volcopy/internal/engine"
	"github.com/bamsammich/volcopy/internal/stats"
)

// ErrInvalidHandle is returned for a handle that was never issued or has
// been destroyed.
var ErrInvalidHandle = errors.New("invalid task handle")

// Handle identifies a task held by a Registry. The zero Handle is never
// issued.
type Handle uint64

// Registry maps handles to tasks. It is safe for concurrent use.
type Registry struct {
	tasks  *xsync.Map[Handle, *engine.Task]
	next   atomic.Uint64
	logger *slog.Logger
}

// New returns an empty registry. Tasks built without their own logger log
// through logger; nil means slog.Default().
func New(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		tasks:  xsync.NewMap[Handle, *engine.Task](),
		logger: logger,
	}
}

// Build validates cfg, creates a task in INIT and returns its handle.
func (r *Registry) Build(cfg engine.TaskConfig, opts engine.Options) (Handle, error) {
	if opts.Logger == nil {
		opts.Logger = r.logger
	}
	t, err := engine.Build(cfg, opts)
	if err != nil {
		return 0, err
	}
	h := Handle(r.next.Add(1))
	r.tasks.Store(h, t)
	return h, nil
}

// BuildBackup is Build for a backup config.
func (r *Registry) BuildBackup(cfg *engine.BackupConfig, opts engine.Options) (Handle, error) {
	return r.Build(cfg, opts)
}

// BuildRestore is Build for a restore config.
func (r *Registry) BuildRestore(cfg *engine.RestoreConfig, opts engine.Options) (Handle, error) {
	return r.Build(cfg, opts)
}

// Task returns the task behind h.
func (r *Registry) Task(h Handle) (*engine.Task, error) {
	t, ok := r.tasks.Load(h)
	if !ok {
		return nil, ErrInvalidHandle
	}
	return t, nil
}

// Start launches the task. It reports false if the task was already
// started or aborted.
func (r *Registry) Start(h Handle) (bool, error) {
	t, err := r.Task(h)
	if err != nil {
		return false, err
	}
	return t.Start(), nil
}

// Abort requests cancellation without waiting.
func (r *Registry) Abort(h Handle) error {
	t, err := r.Task(h)
	if err != nil {
		return err
	}
	t.Abort()
	return nil
}

// Destroy invalidates h, then aborts the task if needed and waits for its
// pipeline to exit. Only one of several concurrent calls for the same
// handle destroys the task; the others get ErrInvalidHandle.
func (r *Registry) Destroy(h Handle) error {
	t, ok := r.tasks.LoadAndDelete(h)
	if !ok {
		return ErrInvalidHandle
	}
	return t.Destroy()
}

// Statistics returns the task's latest counters.
func (r *Registry) Statistics(h Handle) (stats.Snapshot, error) {
	t, err := r.Task(h)
	if err != nil {
		return stats.Snapshot{}, err
	}
	return t.Statistics(), nil
}

// Status returns the task's state.
func (r *Registry) Status(h Handle) (engine.Status, error) {
	t, err := r.Task(h)
	if err != nil {
		return 0, err
	}
	return t.Status(), nil
}

func (r *Registry) IsFailed(h Handle) (bool, error) {
	t, err := r.Task(h)
	if err != nil {
		return false, err
	}
	return t.IsFailed(), nil
}

func (r *Registry) IsTerminated(h Handle) (bool, error) {
	t, err := r.Task(h)
	if err != nil {
		return false, err
	}
	return t.IsTerminated(), nil
}

// Err returns why the task did not succeed, or nil.
func (r *Registry) Err(h Handle) error {
	t, err := r.Task(h)
	if err != nil {
		return err
	}
	return t.Err()
}

// Wait blocks until the task is terminal or ctx is done.
func (r *Registry) Wait(ctx context.Context, h Handle) error {
	t, err := r.Task(h)
	if err != nil {
		return err
	}
	return t.Wait(ctx)
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	return r.tasks.Size()
}

// Range calls fn for every live handle until fn returns false.
func (r *Registry) Range(fn func(Handle, *engine.Task) bool) {
	r.tasks.Range(fn)
}

// Close destroys every task still registered.
func (r *Registry) Close() {
	var handles []Handle
	r.tasks.Range(func(h Handle, _ *engine.Task) bool {
		handles = append(handles, h)
		return true
	})
	for _, h := range handles {
		if err := r.Destroy(h); err != nil && !errors.Is(err, ErrInvalidHandle) {
			r.logger.Warn("destroy task", "handle", uint64(h), "error", err)
		}
	}
}
