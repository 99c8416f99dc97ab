package engine_test

import (
	"bytes"
	"context"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"

	"github.com/bamsammich/volcopy/internal/copymeta"
	"github.com/bamsammich/volcopy/internal/engine"
	"github.com/bamsammich/volcopy/internal/event"
	"github.com/bamsammich/volcopy/internal/stats"
)

const (
	testBlock   = 4096
	testSession = 16 * testBlock
)

// copyDirs is the layout of one copy under a test root.
type copyDirs struct {
	data string
	meta string
}

func newCopyDirs(t *testing.T, root, name string) copyDirs {
	t.Helper()
	return copyDirs{
		data: filepath.Join(root, name, "data"),
		meta: filepath.Join(root, name, "meta"),
	}
}

// sessionDataFile returns the path of the data file the copy in dirs wrote
// for session idx.
func sessionDataFile(t *testing.T, dirs copyDirs, idx int) string {
	t.Helper()
	m, err := copymeta.ReadManifest(dirs.meta)
	require.NoError(t, err)
	require.Less(t, idx, len(m.Sessions))
	return filepath.Join(dirs.data, m.Sessions[idx].DataFile)
}

// createVolume writes a volume image of size bytes: random content with an
// all-zero stretch of blocks in the middle and a short tail block.
func createVolume(t *testing.T, dir string, size int, seed uint64) string {
	t.Helper()
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(rng.Uint32())
	}
	zeroStart := size / 3 / testBlock * testBlock
	zeroEnd := min(zeroStart+4*testBlock, size)
	clear(data[zeroStart:zeroEnd])

	path := filepath.Join(dir, "volume.img")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

// mutateBlocks overwrites the given blocks of the volume with fresh bytes.
func mutateBlocks(t *testing.T, path string, blocks ...int64) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer f.Close()
	for _, b := range blocks {
		_, err := f.WriteAt(bytes.Repeat([]byte{byte(b) | 0x80}, testBlock), b*testBlock)
		require.NoError(t, err)
	}
}

func fileHash(t *testing.T, path string) [32]byte {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return blake3.Sum256(data)
}

// requireSameContent checks that two volumes hold identical bytes over the
// first size bytes of each.
func requireSameContent(t *testing.T, want, got string) {
	t.Helper()
	a, err := os.ReadFile(want)
	require.NoError(t, err)
	b, err := os.ReadFile(got)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(b), len(a))
	require.True(t, bytes.Equal(a, b[:len(a)]), "restored content differs from source")
}

func backupConfig(vol string, out copyDirs) *engine.BackupConfig {
	cfg := engine.NewBackupConfig(vol, out.data, out.meta)
	cfg.BlockSize = testBlock
	cfg.SessionSize = testSession
	cfg.Hashers = 4
	return cfg
}

func incrementalConfig(vol string, prev, out copyDirs) *engine.BackupConfig {
	cfg := backupConfig(vol, out)
	cfg.CopyType = engine.CopyIncremental
	cfg.PrevMetaDir = prev.meta
	return cfg
}

func restoreConfig(t *testing.T, target string, from copyDirs) *engine.RestoreConfig {
	cfg := engine.NewRestoreConfig(target, from.data, from.meta)
	cfg.CheckpointDir = filepath.Join(t.TempDir(), "ckpt")
	cfg.Hashers = 4
	return cfg
}

// runTask starts the task, waits for it to finish and destroys it.
func runTask(t *testing.T, task *engine.Task) (engine.Status, stats.Snapshot, error) {
	t.Helper()
	require.True(t, task.Start())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	err := task.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "task did not finish")
	status, snap := task.Status(), task.Statistics()
	require.NoError(t, task.Destroy())
	return status, snap, err
}

func runBackup(t *testing.T, cfg *engine.BackupConfig) (engine.Status, stats.Snapshot, error) {
	t.Helper()
	task, err := engine.BuildBackup(cfg, engine.Options{})
	require.NoError(t, err)
	return runTask(t, task)
}

func runRestore(t *testing.T, cfg *engine.RestoreConfig) (engine.Status, stats.Snapshot, error) {
	t.Helper()
	task, err := engine.BuildRestore(cfg, engine.Options{})
	require.NoError(t, err)
	return runTask(t, task)
}

// requireSucceed runs a backup and requires it to succeed.
func requireSucceed(t *testing.T, cfg *engine.BackupConfig) stats.Snapshot {
	t.Helper()
	status, snap, err := runBackup(t, cfg)
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	return snap
}

// collectEvents returns a channel to pass as Options.Events and a function
// that returns every event received once the task has closed the channel.
func collectEvents(t *testing.T) (chan event.Event, func() []event.Event) {
	t.Helper()
	ch := make(chan event.Event, 4096)
	var collected []event.Event
	var mu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range ch {
			mu.Lock()
			collected = append(collected, ev)
			mu.Unlock()
		}
	}()
	return ch, func() []event.Event {
		select {
		case <-done:
		case <-time.After(time.Minute):
			t.Fatal("event channel was not closed")
		}
		mu.Lock()
		defer mu.Unlock()
		return collected
	}
}
