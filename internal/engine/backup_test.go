package engine_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bamsammich/volcopy/internal/copymeta"
	"github.com/bamsammich/volcopy/internal/engine"
	"github.com/bamsammich/volcopy/internal/event"
)

// 10 full sessions plus a short tail session.
const testVolumeSize = 10*testSession + 1000

func testBlocks() int64 {
	return (testVolumeSize + testBlock - 1) / testBlock
}

func TestFullBackupRestoreIdentity(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 1)
	out := newCopyDirs(t, root, "full")

	snap := requireSucceed(t, backupConfig(vol, out))
	assert.Equal(t, int64(testVolumeSize), snap.BytesToRead)
	assert.Equal(t, int64(testVolumeSize), snap.BytesRead)
	assert.Equal(t, testBlocks(), snap.BlocksToHash)
	assert.Equal(t, testBlocks(), snap.BlocksHashed)
	assert.Equal(t, int64(testVolumeSize), snap.BytesToWrite)
	assert.Equal(t, int64(testVolumeSize), snap.BytesWritten)
	assert.Equal(t, int64(11), snap.SessionsTotal)
	assert.Equal(t, int64(11), snap.SessionsCommitted)

	m, err := copymeta.ReadManifest(out.meta)
	require.NoError(t, err)
	assert.Equal(t, copymeta.Full, m.CopyType)
	assert.Equal(t, int64(testVolumeSize), m.VolumeSize)
	assert.Equal(t, "blake3", m.Hash)
	assert.False(t, m.Completed.IsZero())
	require.Len(t, m.Sessions, 11)
	assert.Equal(t, int64(1000), m.Sessions[10].Length)
	for _, s := range m.Sessions {
		assert.FileExists(t, filepath.Join(out.data, s.DataFile))
	}

	target := filepath.Join(root, "restored.img")
	status, rsnap, err := runRestore(t, restoreConfig(t, target, out))
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	assert.Equal(t, int64(testVolumeSize), rsnap.BytesWritten)
	assert.Equal(t, fileHash(t, vol), fileHash(t, target))
}

func TestZeroBlocksStoreNoPayload(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 2)
	out := newCopyDirs(t, root, "full")
	requireSucceed(t, backupConfig(vol, out))

	c, err := copymeta.OpenCopy(out.meta)
	require.NoError(t, err)
	defer c.Close()

	var zeros, stored int64
	for i := range c.Manifest.Sessions {
		recs, err := c.SessionBlocks(i)
		require.NoError(t, err)
		for _, rec := range recs {
			if rec.Zero {
				zeros++
				assert.Zero(t, rec.StoredLength)
			}
			stored += rec.StoredLength
		}
	}
	assert.Equal(t, int64(4), zeros)
	assert.Equal(t, int64(testVolumeSize-4*testBlock), stored)
}

func TestIncrementalNoChange(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 3)
	full := newCopyDirs(t, root, "full")
	incr := newCopyDirs(t, root, "incr")

	requireSucceed(t, backupConfig(vol, full))
	snap := requireSucceed(t, incrementalConfig(vol, full, incr))

	assert.Equal(t, int64(testVolumeSize), snap.BytesRead)
	assert.Equal(t, testBlocks(), snap.BlocksHashed)
	assert.Zero(t, snap.BytesToWrite)
	assert.Zero(t, snap.BytesWritten)
	assert.Equal(t, testBlocks(), snap.BlocksUnchanged)

	m, err := copymeta.ReadManifest(incr.meta)
	require.NoError(t, err)
	assert.Equal(t, copymeta.Incremental, m.CopyType)
	require.Len(t, m.Ancestors, 1)
	for _, s := range m.Sessions {
		info, err := os.Stat(filepath.Join(incr.data, s.DataFile))
		require.NoError(t, err)
		assert.Zero(t, info.Size())
	}

	target := filepath.Join(root, "restored.img")
	status, _, err := runRestore(t, restoreConfig(t, target, incr))
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	requireSameContent(t, vol, target)
}

func TestIncrementalChain(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 4)
	a := newCopyDirs(t, root, "a")
	b := newCopyDirs(t, root, "b")
	c := newCopyDirs(t, root, "c")

	snapA, err := os.ReadFile(vol)
	require.NoError(t, err)
	requireSucceed(t, backupConfig(vol, a))

	mutateBlocks(t, vol, 1, 20, 159)
	snapB, err := os.ReadFile(vol)
	require.NoError(t, err)
	sb := requireSucceed(t, incrementalConfig(vol, a, b))
	assert.Equal(t, int64(3*testBlock), sb.BytesToWrite)
	assert.Equal(t, sb.BytesToWrite, sb.BytesWritten)
	assert.Equal(t, testBlocks()-3, sb.BlocksUnchanged)

	mutateBlocks(t, vol, 5, 30, 100)
	sc := requireSucceed(t, incrementalConfig(vol, b, c))
	assert.Equal(t, int64(3*testBlock), sc.BytesToWrite)
	assert.Equal(t, testBlocks()-3, sc.BlocksUnchanged)

	mc, err := copymeta.ReadManifest(c.meta)
	require.NoError(t, err)
	require.Len(t, mc.Ancestors, 2)

	for _, tc := range []struct {
		name string
		from copyDirs
		want []byte
	}{
		{"a", a, snapA},
		{"b", b, snapB},
	} {
		t.Run(tc.name, func(t *testing.T) {
			want := filepath.Join(root, tc.name+".want")
			require.NoError(t, os.WriteFile(want, tc.want, 0o644))
			target := filepath.Join(root, tc.name+".restored")
			status, _, err := runRestore(t, restoreConfig(t, target, tc.from))
			require.NoError(t, err)
			require.Equal(t, engine.StatusSucceed, status)
			requireSameContent(t, want, target)
		})
	}

	target := filepath.Join(root, "c.restored")
	rc := restoreConfig(t, target, c)
	rc.VerifyDigests = true
	status, rsnap, err := runRestore(t, rc)
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	assert.Equal(t, testBlocks(), rsnap.BlocksHashed)
	requireSameContent(t, vol, target)
}

func TestIncrementalSharesParentDataDir(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 14)
	full := newCopyDirs(t, root, "full")
	incr := copyDirs{data: full.data, meta: filepath.Join(root, "incr", "meta")}

	snapFull, err := os.ReadFile(vol)
	require.NoError(t, err)
	requireSucceed(t, backupConfig(vol, full))

	mutateBlocks(t, vol, 1, 40)
	snap := requireSucceed(t, incrementalConfig(vol, full, incr))
	assert.Equal(t, int64(2*testBlock), snap.BytesWritten)

	mf, err := copymeta.ReadManifest(full.meta)
	require.NoError(t, err)
	mi, err := copymeta.ReadManifest(incr.meta)
	require.NoError(t, err)
	for i := range mf.Sessions {
		assert.NotEqual(t, mf.Sessions[i].DataFile, mi.Sessions[i].DataFile)
		assert.FileExists(t, filepath.Join(full.data, mf.Sessions[i].DataFile))
	}

	target := filepath.Join(root, "incr.restored")
	rc := restoreConfig(t, target, incr)
	rc.VerifyDigests = true
	status, _, err := runRestore(t, rc)
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	requireSameContent(t, vol, target)

	want := filepath.Join(root, "full.want")
	require.NoError(t, os.WriteFile(want, snapFull, 0o644))
	target = filepath.Join(root, "full.restored")
	rc = restoreConfig(t, target, full)
	rc.VerifyDigests = true
	status, _, err = runRestore(t, rc)
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	requireSameContent(t, want, target)
}

func TestHashingDisabled(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 5)
	full := newCopyDirs(t, root, "full")
	incr := newCopyDirs(t, root, "incr")

	cfg := backupConfig(vol, full)
	cfg.Hashing = false
	snap := requireSucceed(t, cfg)
	assert.Zero(t, snap.BlocksToHash)
	assert.Zero(t, snap.BlocksHashed)
	assert.Equal(t, int64(testVolumeSize), snap.BytesWritten)

	m, err := copymeta.ReadManifest(full.meta)
	require.NoError(t, err)
	assert.Equal(t, "none", m.Hash)

	// Without digests to compare against, every block transfers.
	snap = requireSucceed(t, incrementalConfig(vol, full, incr))
	assert.Equal(t, int64(testVolumeSize), snap.BytesToWrite)
	assert.Zero(t, snap.BlocksUnchanged)

	target := filepath.Join(root, "restored.img")
	rc := restoreConfig(t, target, full)
	rc.VerifyDigests = true
	status, _, err := runRestore(t, rc)
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	requireSameContent(t, vol, target)
}

func TestZstdRoundTrip(t *testing.T) {
	root := t.TempDir()
	vol := filepath.Join(root, "text.img")
	line := []byte("the quick brown fox jumps over the lazy dog\n")
	data := make([]byte, 0, testVolumeSize)
	for len(data) < testVolumeSize {
		data = append(data, line...)
	}
	require.NoError(t, os.WriteFile(vol, data[:testVolumeSize], 0o644))

	out := newCopyDirs(t, root, "zstd")
	cfg := backupConfig(vol, out)
	cfg.Compression = engine.CompressionZstd
	snap := requireSucceed(t, cfg)
	assert.Equal(t, int64(testVolumeSize), snap.BytesWritten)

	c, err := copymeta.OpenCopy(out.meta)
	require.NoError(t, err)
	var compressed int
	var stored int64
	for i := range c.Manifest.Sessions {
		recs, err := c.SessionBlocks(i)
		require.NoError(t, err)
		for _, rec := range recs {
			if rec.Codec == copymeta.CodecZstd {
				compressed++
				assert.Less(t, rec.StoredLength, rec.Length)
			}
			stored += rec.StoredLength
		}
	}
	require.NoError(t, c.Close())
	assert.Equal(t, int(testBlocks()), compressed)
	assert.Less(t, stored, int64(testVolumeSize)/4)

	target := filepath.Join(root, "restored.img")
	rc := restoreConfig(t, target, out)
	rc.VerifyDigests = true
	status, _, err := runRestore(t, rc)
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	requireSameContent(t, vol, target)
}

func TestSparseVolume(t *testing.T) {
	root := t.TempDir()
	vol := filepath.Join(root, "sparse.img")
	f, err := os.Create(vol)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(testVolumeSize))
	_, err = f.WriteAt([]byte("data at the start"), 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte("data near the end"), 9*testSession+5)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out := newCopyDirs(t, root, "sparse")
	snap := requireSucceed(t, backupConfig(vol, out))
	assert.Equal(t, int64(testVolumeSize), snap.BytesRead)
	assert.Equal(t, testBlocks(), snap.BlocksHashed)
	assert.Equal(t, int64(testVolumeSize), snap.BytesWritten)

	var stored int64
	entries, err := os.ReadDir(out.data)
	require.NoError(t, err)
	for _, e := range entries {
		info, err := e.Info()
		require.NoError(t, err)
		stored += info.Size()
	}
	assert.Equal(t, int64(2*testBlock), stored)

	target := filepath.Join(root, "restored.img")
	status, _, err := runRestore(t, restoreConfig(t, target, out))
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)
	requireSameContent(t, vol, target)
}

func TestSparseLargeVolume(t *testing.T) {
	if testing.Short() {
		t.Skip("large sparse volume")
	}
	const size = 1 << 30
	root := t.TempDir()
	vol := filepath.Join(root, "large.img")
	f, err := os.Create(vol)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(size))
	require.NoError(t, f.Close())

	full := newCopyDirs(t, root, "full")
	cfg := engine.NewBackupConfig(vol, full.data, full.meta)
	cfg.BlockSize = 4096
	cfg.SessionSize = 1 << 30
	cfg.Hashers = 8
	snap := requireSucceed(t, cfg)
	assert.Equal(t, int64(262144), snap.BlocksToHash)
	assert.Equal(t, int64(262144), snap.BlocksHashed)
	assert.Equal(t, int64(size), snap.BytesToWrite)
	assert.Equal(t, snap.BytesToWrite, snap.BytesWritten)
	assert.Equal(t, int64(1), snap.SessionsTotal)

	incr := newCopyDirs(t, root, "incr")
	icfg := engine.NewBackupConfig(vol, incr.data, incr.meta)
	icfg.CopyType = engine.CopyIncremental
	icfg.PrevMetaDir = full.meta
	icfg.BlockSize = 4096
	icfg.SessionSize = 1 << 30
	snap = requireSucceed(t, icfg)
	assert.Equal(t, int64(262144), snap.BlocksToHash)
	assert.Zero(t, snap.BytesToWrite)
	assert.Equal(t, int64(262144), snap.BlocksUnchanged)
}

func TestAbortAndResume(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 6)
	out := newCopyDirs(t, root, "resume")

	cfg := backupConfig(vol, out)
	cfg.BWLimit = 128 << 10
	events := make(chan event.Event, 4096)
	task, err := engine.BuildBackup(cfg, engine.Options{Events: events})
	require.NoError(t, err)

	aborted := make(chan struct{})
	go func() {
		defer close(aborted)
		for ev := range events {
			if ev.Type == event.SessionCommitted && ev.Session == 0 {
				task.Abort()
			}
		}
	}()

	status, snap, err := runTask(t, task)
	<-aborted
	require.ErrorIs(t, err, engine.ErrCancelled)
	require.Equal(t, engine.StatusAborted, status)
	require.GreaterOrEqual(t, snap.SessionsCommitted, int64(1))
	require.Less(t, snap.SessionsCommitted, int64(11))

	idx, err := copymeta.OpenIndex(out.meta)
	require.NoError(t, err)
	cursor, err := idx.Cursor()
	require.NoError(t, err)
	first, ok, err := idx.Session(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, idx.Close())
	assert.Equal(t, int(snap.SessionsCommitted)-1, cursor)

	m, err := copymeta.ReadManifest(out.meta)
	require.NoError(t, err)
	assert.True(t, m.Completed.IsZero())
	copyID := m.CopyID

	resumed := requireSucceed(t, backupConfig(vol, out))
	assert.Equal(t, int64(testVolumeSize), resumed.BytesRead)
	assert.Equal(t, int64(testVolumeSize), resumed.BytesWritten)
	assert.Equal(t, int64(11), resumed.SessionsCommitted)

	m, err = copymeta.ReadManifest(out.meta)
	require.NoError(t, err)
	assert.Equal(t, copyID, m.CopyID)
	idx, err = copymeta.OpenIndex(out.meta)
	require.NoError(t, err)
	again, ok, err := idx.Session(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, idx.Close())
	assert.True(t, first.Committed.Equal(again.Committed), "committed session was redone")

	target := filepath.Join(root, "restored.img")
	rstatus, _, err := runRestore(t, restoreConfig(t, target, out))
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, rstatus)
	assert.Equal(t, fileHash(t, vol), fileHash(t, target))
}

func TestNoCheckpointStartsOver(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 7)
	out := newCopyDirs(t, root, "out")

	requireSucceed(t, backupConfig(vol, out))
	m1, err := copymeta.ReadManifest(out.meta)
	require.NoError(t, err)

	cfg := backupConfig(vol, out)
	cfg.Checkpoint = false
	requireSucceed(t, cfg)
	m2, err := copymeta.ReadManifest(out.meta)
	require.NoError(t, err)
	assert.NotEqual(t, m1.CopyID, m2.CopyID)
}

func TestAbortImmediatelyIsDeterministic(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 8)

	for i := range 5 {
		out := newCopyDirs(t, root, "abort"+string(rune('a'+i)))
		cfg := backupConfig(vol, out)
		cfg.BWLimit = 64 << 10
		task, err := engine.BuildBackup(cfg, engine.Options{})
		require.NoError(t, err)
		require.True(t, task.Start())
		task.Abort()

		err = task.Wait(context.Background())
		require.ErrorIs(t, err, engine.ErrCancelled)
		assert.Equal(t, engine.StatusAborted, task.Status())
		assert.False(t, task.IsFailed())
		require.NoError(t, task.Destroy())
	}
}

func TestStatisticsMonotonic(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 9)
	out := newCopyDirs(t, root, "out")

	cfg := backupConfig(vol, out)
	cfg.BWLimit = 256 << 10
	task, err := engine.BuildBackup(cfg, engine.Options{})
	require.NoError(t, err)
	require.True(t, task.Start())

	prev := task.Statistics()
	for !task.IsTerminated() {
		s := task.Statistics()
		require.GreaterOrEqual(t, s.BytesToRead, prev.BytesToRead)
		require.GreaterOrEqual(t, s.BytesRead, prev.BytesRead)
		require.GreaterOrEqual(t, s.BlocksHashed, prev.BlocksHashed)
		require.GreaterOrEqual(t, s.BytesWritten, prev.BytesWritten)
		require.GreaterOrEqual(t, s.SessionsCommitted, prev.SessionsCommitted)
		require.LessOrEqual(t, s.BytesWritten, s.BytesToWrite)
		require.LessOrEqual(t, s.BlocksHashed, s.BlocksToHash)
		prev = s
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, task.Wait(context.Background()))
	final := task.Statistics()
	assert.Equal(t, final.BytesToRead, final.BytesRead)
	require.NoError(t, task.Destroy())
}

func TestEventsSequence(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 10)
	out := newCopyDirs(t, root, "out")

	events, collected := collectEvents(t)
	task, err := engine.BuildBackup(backupConfig(vol, out), engine.Options{Events: events})
	require.NoError(t, err)
	status, _, err := runTask(t, task)
	require.NoError(t, err)
	require.Equal(t, engine.StatusSucceed, status)

	evs := collected()
	require.NotEmpty(t, evs)
	assert.Equal(t, event.TaskStarted, evs[0].Type)
	assert.Equal(t, event.TaskCompleted, evs[len(evs)-1].Type)

	var commits []int
	for _, ev := range evs {
		assert.Equal(t, task.ID().String(), ev.TaskID)
		switch ev.Type {
		case event.PlanComplete:
			assert.Equal(t, 11, ev.Sessions)
			assert.Equal(t, int64(testVolumeSize), ev.TotalSize)
		case event.SessionCommitted:
			commits = append(commits, ev.Session)
		}
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, commits)
}

func TestIncompletePreviousCopy(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 11)
	full := newCopyDirs(t, root, "full")
	incr := newCopyDirs(t, root, "incr")
	requireSucceed(t, backupConfig(vol, full))

	idx, err := copymeta.OpenIndex(full.meta)
	require.NoError(t, err)
	require.NoError(t, idx.SetMeta("cursor", "3"))
	require.NoError(t, idx.Close())

	status, _, err := runBackup(t, incrementalConfig(vol, full, incr))
	require.ErrorIs(t, err, engine.ErrMetadataCorruption)
	assert.Equal(t, engine.StatusFailed, status)
}

func TestPreviousCopySizeMismatch(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 12)
	full := newCopyDirs(t, root, "full")
	incr := newCopyDirs(t, root, "incr")
	requireSucceed(t, backupConfig(vol, full))

	require.NoError(t, os.Truncate(vol, testVolumeSize+testBlock))
	status, _, err := runBackup(t, incrementalConfig(vol, full, incr))
	require.ErrorIs(t, err, engine.ErrMetadataCorruption)
	assert.Equal(t, engine.StatusFailed, status)
}

func TestBackupLockConflict(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 13)
	out := newCopyDirs(t, root, "out")
	require.NoError(t, os.MkdirAll(out.meta, 0o755))

	lock, err := copymeta.LockExclusive(out.meta)
	require.NoError(t, err)
	defer lock.Unlock()

	status, _, err := runBackup(t, backupConfig(vol, out))
	require.ErrorIs(t, err, engine.ErrIO)
	require.ErrorIs(t, err, copymeta.ErrLocked)
	assert.Equal(t, engine.StatusFailed, status)
}

func TestBackupToSameMetaDirAsPrevious(t *testing.T) {
	root := t.TempDir()
	vol := createVolume(t, root, testVolumeSize, 14)
	full := newCopyDirs(t, root, "full")
	requireSucceed(t, backupConfig(vol, full))

	_, err := engine.BuildBackup(incrementalConfig(vol, full, full), engine.Options{})
	require.ErrorIs(t, err, engine.ErrConfiguration)
}
