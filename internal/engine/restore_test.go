package engine_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/volcopy/internal/copymeta"
	"github.com/bamsammich/volcopy/internal/engine"
	"github.com/bamsammich/volcopy/internal/event"
)

func TestRestoreCorruptedPayload(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 21)
	out := newCopyDirs(t, root, "out")
	requireSucceed(t, backupConfig(vol, out))

	path := sessionDataFile(t, out, 2)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	require.NoError(t, err)
	b := make([]byte, 1)
	_, err = f.ReadAt(b, 100)
	require.NoError(t, err)
	b[0] ^= 0xff
	_, err = f.WriteAt(b, 100)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	events, collected := collectEvents(t)
	task, err := engine.BuildRestore(restoreConfig(t, filepath.Join(root, "restored.img"), out),
		engine.Options{Events: events})
	require.NoError(t, err)
	status, snap, err := runTask(t, task)
	require.ErrorIs(t, err, engine.ErrIO)
	assert.Equal(t, engine.StatusFailed, status)
	assert.Equal(t, int64(2), snap.SessionsCommitted)

	evs := collected()
	last := evs[len(evs)-1]
	assert.Equal(t, event.TaskFailed, last.Type)
	require.ErrorIs(t, last.Error, engine.ErrIO)
	var failed bool
	for _, ev := range evs {
		if ev.Type == event.BlockFailed {
			failed = true
			assert.Equal(t, 2, ev.Session)
		}
	}
	assert.True(t, failed)
}

func TestRestoreMissingDataFileLeavesTargetAlone(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 22)
	out := newCopyDirs(t, root, "out")
	requireSucceed(t, backupConfig(vol, out))

	require.NoError(t, os.Remove(sessionDataFile(t, out, 9)))

	target := filepath.Join(root, "restored.img")
	status, snap, err := runRestore(t, restoreConfig(t, target, out))
	require.ErrorIs(t, err, engine.ErrIO)
	assert.Equal(t, engine.StatusFailed, status)
	assert.Zero(t, snap.BytesWritten)
	assert.NoFileExists(t, target)
}

func TestRestoreTruncatedDataFileLeavesTargetAlone(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 27)
	out := newCopyDirs(t, root, "out")
	requireSucceed(t, backupConfig(vol, out))

	require.NoError(t, os.Truncate(sessionDataFile(t, out, 3), 10))

	target := filepath.Join(root, "restored.img")
	fill := bytes.Repeat([]byte{0xab}, testVolumeSize)
	require.NoError(t, os.WriteFile(target, fill, 0o644))

	status, snap, err := runRestore(t, restoreConfig(t, target, out))
	require.ErrorIs(t, err, engine.ErrIO)
	assert.Equal(t, engine.StatusFailed, status)
	assert.Zero(t, snap.BytesWritten)
	assert.Zero(t, snap.SessionsCommitted)

	got, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(fill, got), "target was modified")
}

func TestRestoreIncompleteCopy(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 23)
	out := newCopyDirs(t, root, "out")
	requireSucceed(t, backupConfig(vol, out))

	idx, err := copymeta.OpenIndex(out.meta)
	require.NoError(t, err)
	require.NoError(t, idx.SetMeta("cursor", "0"))
	require.NoError(t, idx.Close())

	status, _, err := runRestore(t, restoreConfig(t, filepath.Join(root, "restored.img"), out))
	require.ErrorIs(t, err, engine.ErrMetadataCorruption)
	require.ErrorIs(t, err, copymeta.ErrIncomplete)
	assert.Equal(t, engine.StatusFailed, status)
}

func TestRestoreWhileCopyLocked(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 24)
	out := newCopyDirs(t, root, "out")
	requireSucceed(t, backupConfig(vol, out))

	lock, err := copymeta.LockExclusive(out.meta)
	require.NoError(t, err)
	defer lock.Unlock()

	status, _, err := runRestore(t, restoreConfig(t, filepath.Join(root, "restored.img"), out))
	require.ErrorIs(t, err, engine.ErrIO)
	assert.Equal(t, engine.StatusFailed, status)
}

func TestRestoreFromMovedDataDir(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 25)
	out := newCopyDirs(t, root, "out")
	requireSucceed(t, backupConfig(vol, out))

	moved := filepath.Join(root, "moved")
	require.NoError(t, os.Rename(out.data, moved))

	target := filepath.Join(root, "restored.img")
	status, _, err := runRestore(t, restoreConfig(t, target, copyDirs{data: moved, meta: out.meta}))
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	requireSameContent(t, vol, target)
}

func TestRestoreOntoLargerTarget(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 26)
	out := newCopyDirs(t, root, "out")
	requireSucceed(t, backupConfig(vol, out))

	target := createVolume(t, t.TempDir(), 2*testVolumeSize, 27)
	status, _, err := runRestore(t, restoreConfig(t, target, out))
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	requireSameContent(t, vol, target)

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, int64(2*testVolumeSize), info.Size())
}

func TestRestoreAbortAndResume(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 28)
	out := newCopyDirs(t, root, "out")
	requireSucceed(t, backupConfig(vol, out))

	target := filepath.Join(root, "restored.img")
	cfg := restoreConfig(t, target, out)
	cfg.BWLimit = 128 << 10

	events := make(chan event.Event, 4096)
	task, err := engine.BuildRestore(cfg, engine.Options{Events: events})
	require.NoError(t, err)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range events {
			if ev.Type == event.SessionCommitted && ev.Session == 0 {
				task.Abort()
			}
		}
	}()
	status, snap, err := runTask(t, task)
	<-drained
	require.ErrorIs(t, err, engine.ErrCancelled)
	require.Equal(t, engine.StatusAborted, status)
	require.Less(t, snap.SessionsCommitted, int64(11))

	entries, err := os.ReadDir(cfg.CheckpointDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries, "restore checkpoint was not kept")

	cfg.BWLimit = 0
	task, err = engine.BuildRestore(cfg, engine.Options{})
	require.NoError(t, err)
	status, resumed, err := runTask(t, task)
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	assert.Equal(t, int64(testVolumeSize), resumed.BytesRead)
	assert.Equal(t, int64(11), resumed.SessionsCommitted)
	assert.Equal(t, fileHash(t, vol), fileHash(t, target))

	entries, err = os.ReadDir(cfg.CheckpointDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "restore checkpoint was not removed")
}

func TestRestoreWithoutCheckpoint(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 29)
	out := newCopyDirs(t, root, "out")
	requireSucceed(t, backupConfig(vol, out))

	target := filepath.Join(root, "restored.img")
	cfg := restoreConfig(t, target, out)
	cfg.Checkpoint = false
	status, _, err := runRestore(t, cfg)
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	requireSameContent(t, vol, target)
	assert.NoDirExists(t, cfg.CheckpointDir)
}
