package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"hash"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bamsammich/volcopy/internal/copymeta"
	"github.com/bamsammich/volcopy/internal/event"
	"github.com/bamsammich/volcopy/internal/volume"
)

type restoreJob struct {
	t   *Task
	cfg *RestoreConfig
}

func (j *restoreJob) kind() string { return "restore" }

// restoreRun holds the resources of one restore execution.
type restoreRun struct {
	copy    *copymeta.Copy
	vol     *volume.Volume
	applier *blockApplier
	ckptDB  *RestoreCheckpoint
	ckpt    checkpointer
	hashMk  func() hash.Hash // nil unless digests are verified
	dec     *zstd.Decoder
	pool    *bufferPool
	limiter *rate.Limiter
}

func (r *restoreRun) close() {
	if r.dec != nil {
		r.dec.Close()
	}
	if r.ckptDB != nil {
		r.ckptDB.Close()
	}
	if r.vol != nil {
		r.vol.Close()
	}
	if r.copy != nil {
		r.copy.Close()
	}
}

func (j *restoreJob) run(ctx context.Context) error {
	r, err := j.prepare()
	if err != nil {
		return err
	}
	defer r.close()

	cursor, err := r.ckpt.cursor()
	if err != nil {
		return fmt.Errorf("%w: restore checkpoint: %w", ErrIO, err)
	}
	sessions := r.copy.Manifest.Sessions
	cursor = min(cursor, len(sessions)-1)
	j.plan(r, cursor)

	for _, s := range sessions[cursor+1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.session(ctx, r, s); err != nil {
			return err
		}
	}

	if r.ckptDB != nil {
		r.ckptDB.Close()
		if err := r.ckptDB.Remove(); err != nil {
			j.t.log.Warn("cannot remove restore checkpoint", "path", r.ckptDB.Path(), "error", err)
		}
		r.ckptDB = nil
	}
	return nil
}

//nolint:revive // cognitive-complexity: linear setup with cleanup on every error path
func (j *restoreJob) prepare() (*restoreRun, error) {
	cfg := j.cfg
	log := j.t.log
	r := &restoreRun{}
	ready := false
	defer func() {
		if !ready {
			r.close()
		}
	}()

	c, err := copymeta.OpenCopy(cfg.MetaDir)
	if err != nil {
		if errors.Is(err, copymeta.ErrLocked) {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrMetadataCorruption, err)
	}
	r.copy = c
	if err := c.RequireComplete(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadataCorruption, err)
	}
	// The copy's own payloads are read from the configured data directory,
	// which may differ from where the backup wrote them.
	c.Manifest.DataDir = absPath(cfg.DataDir)
	if err := j.validate(c); err != nil {
		return nil, err
	}

	m := c.Manifest
	if cfg.VerifyDigests {
		if m.Hash == string(hashNone) {
			log.Warn("copy has no digests, skipping verification")
		} else if r.hashMk, err = newHasher(HashAlgorithm(m.Hash)); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMetadataCorruption, err)
		}
	}

	if r.vol, err = volume.OpenTarget(cfg.VolumePath, m.VolumeSize); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	r.applier = newBlockApplier(r.vol, m.BlockSize)

	metaDir, target := absPath(cfg.MetaDir), absPath(cfg.VolumePath)
	if cfg.Checkpoint {
		if r.ckptDB, err = OpenRestoreCheckpoint(cfg.CheckpointDir, metaDir, target, m.CopyID); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrIO, err)
		}
	} else {
		stale := checkpointPath(cfg.CheckpointDir, checkpointJobID(metaDir, target))
		if err := removeCheckpointFiles(stale); err != nil {
			log.Warn("cannot remove stale restore checkpoint", "path", stale, "error", err)
		}
	}
	r.ckpt = restoreCheckpoint{db: r.ckptDB}

	if r.dec, err = zstd.NewReader(nil, zstd.WithDecoderConcurrency(cfg.hashers())); err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	r.pool = newBufferPool(poolSize(cfg.hashers()), int(m.BlockSize))
	if cfg.BWLimit > 0 {
		r.limiter = NewBWLimiter(cfg.BWLimit, int(m.BlockSize))
	}
	ready = true
	return r, nil
}

// validate checks every block record and data file of the copy so that a
// damaged copy fails before the target is touched. Each data file must
// exist and be long enough for every payload stored in it.
func (j *restoreJob) validate(c *copymeta.Copy) error {
	need := make(map[string]copymeta.Block)
	for i := range c.Manifest.Sessions {
		recs, err := c.SessionBlocks(i)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMetadataCorruption, err)
		}
		for _, rec := range recs {
			if rec.Zero {
				continue
			}
			if rec.DataOffset < 0 || rec.StoredLength <= 0 {
				return fmt.Errorf("%w: block %d stored at %d+%d",
					ErrMetadataCorruption, rec.Index, rec.DataOffset, rec.StoredLength)
			}
			path, err := c.DataPath(rec)
			if err != nil {
				return fmt.Errorf("%w: %w", ErrMetadataCorruption, err)
			}
			if last, ok := need[path]; !ok || rec.DataOffset+rec.StoredLength > last.DataOffset+last.StoredLength {
				need[path] = rec
			}
		}
	}
	for path, last := range need {
		info, err := os.Stat(path)
		if err != nil {
			return fmt.Errorf("%w: data file of block %d: %w", ErrIO, last.Index, err)
		}
		if end := last.DataOffset + last.StoredLength; info.Size() < end {
			return fmt.Errorf("%w: data file %s is %d bytes, block %d needs %d",
				ErrIO, path, info.Size(), last.Index, end)
		}
	}
	return nil
}

func (j *restoreJob) plan(r *restoreRun, cursor int) {
	st := j.t.stats
	m := r.copy.Manifest

	st.AddBytesToRead(m.VolumeSize)
	st.AddBytesToWrite(m.VolumeSize)
	st.AddSessionsTotal(int64(len(m.Sessions)))
	if r.hashMk != nil {
		st.AddBlocksToHash(countBlocks(m.VolumeSize, m.BlockSize))
	}
	for _, s := range m.Sessions[:cursor+1] {
		st.AddBytesRead(s.Length)
		st.AddBytesWritten(s.Length)
		if r.hashMk != nil {
			st.AddBlocksHashed(countBlocks(s.Length, m.BlockSize))
		}
		st.AddSessionsCommitted(1)
	}

	j.t.log.Info("restore planned",
		"target", j.cfg.VolumePath,
		"size", m.VolumeSize,
		"sessions", len(m.Sessions),
		"resume_after", cursor,
		"copy", m.CopyID,
	)
	j.t.emit(event.Event{
		Type:      event.PlanComplete,
		Session:   cursor,
		Sessions:  len(m.Sessions),
		TotalSize: m.VolumeSize,
	})
}

// session applies one session of the copy to the target and syncs it.
func (j *restoreJob) session(ctx context.Context, r *restoreRun, s copymeta.SessionInfo) error {
	log := j.t.log.With("session", s.Index, "offset", s.Offset)
	j.t.emit(event.Event{Type: event.SessionStarted, Session: s.Index, Offset: s.Offset, Length: s.Length})

	recs, err := r.copy.SessionBlocks(s.Index)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMetadataCorruption, err)
	}
	log.Debug("session started", "blocks", len(recs))

	hashers := j.cfg.hashers()
	read := make(chan *blockItem, hashers)
	decoded := make(chan *blockItem, poolSize(hashers))
	reader := newCopyReader(r.copy, r.limiter, r.pool, j.t.stats)
	blockSize := int(r.copy.Manifest.BlockSize)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reader.readSession(gctx, recs, read)
	})
	g.Go(func() error {
		return hashStage(gctx, hashers, r.hashMk, blockSize, read, decoded, func(w *hashWorker, it *blockItem) error {
			return j.decodeBlock(r, w, it)
		})
	})
	g.Go(func() error {
		return reorder(gctx, decoded, len(recs), func(it *blockItem) error {
			defer r.pool.Put(it.buf)
			if err := r.applier.apply(it); err != nil {
				return err
			}
			j.t.stats.AddBytesWritten(it.length)
			return nil
		})
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			j.t.emit(event.Event{Type: event.BlockFailed, Session: s.Index, Offset: s.Offset, Error: err})
		}
		return err
	}

	if err := r.applier.sync(); err != nil {
		return err
	}
	if err := r.ckpt.commit(s, nil); err != nil {
		return err
	}
	j.t.stats.AddSessionsCommitted(1)
	j.t.emit(event.Event{Type: event.SessionCommitted, Session: s.Index, Offset: s.Offset, Length: s.Length})
	log.Debug("session applied")
	return nil
}

// errDigestMismatch marks restored content that does not match its digest.
var errDigestMismatch = errors.New("restored block digest mismatch")

func (j *restoreJob) decodeBlock(r *restoreRun, w *hashWorker, it *blockItem) error {
	if err := decodePayload(it, r.dec, w.scratch); err != nil {
		return err
	}
	if w.d == nil || it.rec.Digest == nil {
		return nil
	}
	var sum []byte
	if it.zero {
		sum = w.d.zeroSum(it.length)
	} else {
		sum = w.d.sum(it.data)
	}
	if !bytes.Equal(sum, it.rec.Digest) {
		return fmt.Errorf("%w: block %d: %w", ErrIO, it.index, errDigestMismatch)
	}
	j.t.stats.AddBlocksHashed(1)
	return nil
}
