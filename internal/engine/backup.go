package engine

import (
	"context"
	"errors"
	"fmt"
	"hash"
	"os"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/bamsammich/volcopy/internal/copymeta"
	"github.com/bamsammich/volcopy/internal/event"
	"github.com/bamsammich/volcopy/internal/volume"
)

type backupJob struct {
	t   *Task
	cfg *BackupConfig
}

func (j *backupJob) kind() string { return "backup" }

// backupRun holds the resources of one backup execution.
type backupRun struct {
	vol      *volume.Volume
	layout   volume.Layout
	lock     *copymeta.Lock
	index    *copymeta.Index
	manifest *copymeta.Manifest
	prev     *copymeta.Copy
	diff     *diffPlanner
	hashMk   func() hash.Hash // nil when hashing is disabled
	enc      *zstd.Encoder
	pool     *bufferPool
	limiter  *rate.Limiter
	ckpt     checkpointer
}

func (r *backupRun) close() {
	if r.enc != nil {
		r.enc.Close()
	}
	if r.index != nil {
		r.index.Close()
	}
	if r.prev != nil {
		r.prev.Close()
	}
	if r.vol != nil {
		r.vol.Close()
	}
	if r.lock != nil {
		r.lock.Unlock()
	}
}

func (j *backupJob) run(ctx context.Context) error {
	r, err := j.prepare()
	if err != nil {
		return err
	}
	defer r.close()

	cursor, err := r.ckpt.cursor()
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMetadataCorruption, err)
	}
	sessions := r.manifest.Sessions
	if cursor >= len(sessions) {
		return fmt.Errorf("%w: cursor %d past %d sessions", ErrMetadataCorruption, cursor, len(sessions))
	}
	if err := j.plan(r, cursor); err != nil {
		return err
	}

	for _, s := range sessions[cursor+1:] {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := j.session(ctx, r, s); err != nil {
			return err
		}
	}

	r.manifest.Completed = time.Now().UTC()
	if err := copymeta.WriteManifest(j.cfg.MetaDir, r.manifest); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

//nolint:revive // cognitive-complexity: linear setup with cleanup on every error path
func (j *backupJob) prepare() (*backupRun, error) {
	cfg := j.cfg
	log := j.t.log
	r := &backupRun{}
	ready := false
	defer func() {
		if !ready {
			r.close()
		}
	}()

	var err error
	if r.vol, err = volume.Open(cfg.VolumePath); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}
	if r.vol.IsRegular() {
		segs, serr := r.vol.Segments()
		if serr != nil {
			log.Warn("sparse detection failed, reading every block", "error", serr)
		} else {
			r.layout = segs
		}
	}

	for _, dir := range []string{cfg.DataDir, cfg.MetaDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %w", ErrIO, dir, err)
		}
	}
	if r.lock, err = copymeta.LockExclusive(cfg.MetaDir); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrIO, err)
	}

	want := &copymeta.Manifest{
		Version:     copymeta.FormatVersion,
		CopyType:    copymeta.Full,
		VolumePath:  absPath(cfg.VolumePath),
		VolumeSize:  r.vol.Size(),
		BlockSize:   cfg.BlockSize,
		SessionSize: cfg.SessionSize,
		Hash:        string(hashNone),
		Compression: string(cfg.compression()),
		DataDir:     absPath(cfg.DataDir),
	}

	alg := cfg.hashAlgorithm()
	if cfg.CopyType == CopyIncremental {
		if alg, err = j.openPrevious(r, want); err != nil {
			return nil, err
		}
	}
	if cfg.Hashing {
		if r.hashMk, err = newHasher(alg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMetadataCorruption, err)
		}
		want.Hash = string(alg)
	}

	if err := j.openOutput(r, want); err != nil {
		return nil, err
	}
	r.ckpt = indexCheckpoint{idx: r.index}

	if cfg.compression() == CompressionZstd {
		if r.enc, err = zstd.NewWriter(nil, zstd.WithEncoderConcurrency(1)); err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
	}
	r.pool = newBufferPool(poolSize(cfg.hashers()), int(cfg.BlockSize))
	if cfg.BWLimit > 0 {
		r.limiter = NewBWLimiter(cfg.BWLimit, int(cfg.BlockSize))
	}
	ready = true
	return r, nil
}

// openPrevious opens and checks the copy an incremental backup diffs
// against, and records it as the new copy's parent. It returns the digest
// algorithm to use.
func (j *backupJob) openPrevious(r *backupRun, want *copymeta.Manifest) (HashAlgorithm, error) {
	cfg := j.cfg
	prev, err := copymeta.OpenCopy(cfg.PrevMetaDir)
	if err != nil {
		if errors.Is(err, copymeta.ErrLocked) {
			return "", fmt.Errorf("%w: previous copy: %w", ErrIO, err)
		}
		return "", fmt.Errorf("%w: previous copy: %w", ErrMetadataCorruption, err)
	}
	r.prev = prev
	if err := prev.RequireComplete(); err != nil {
		return "", fmt.Errorf("%w: %w", ErrMetadataCorruption, err)
	}

	pm := prev.Manifest
	switch {
	case pm.VolumeSize != want.VolumeSize:
		return "", fmt.Errorf("%w: previous copy is of a %d byte volume, source is %d",
			ErrMetadataCorruption, pm.VolumeSize, want.VolumeSize)
	case pm.BlockSize != want.BlockSize || pm.SessionSize != want.SessionSize:
		return "", fmt.Errorf("%w: previous copy uses block/session size %d/%d, want %d/%d",
			ErrMetadataCorruption, pm.BlockSize, pm.SessionSize, want.BlockSize, want.SessionSize)
	}

	want.CopyType = copymeta.Incremental
	want.ParentMetaDir = absPath(cfg.PrevMetaDir)
	want.Ancestors = append(slices.Clone(pm.Ancestors), copymeta.Ancestor{
		ID:      pm.CopyID,
		DataDir: pm.DataDir,
		MetaDir: want.ParentMetaDir,
	})

	r.diff = newDiffPlanner(prev)
	if err := r.diff.validate(); err != nil {
		return "", err
	}

	alg := cfg.hashAlgorithm()
	if pm.Hash != string(hashNone) {
		alg = HashAlgorithm(pm.Hash)
	} else if cfg.Hashing {
		j.t.log.Warn("previous copy has no digests, every block will transfer", "previous", cfg.PrevMetaDir)
	}
	return alg, nil
}

// openOutput resumes the copy already in the metadata directory when
// checkpointing allows it, and otherwise starts a fresh copy.
func (j *backupJob) openOutput(r *backupRun, want *copymeta.Manifest) error {
	cfg := j.cfg
	log := j.t.log

	if cfg.Checkpoint {
		existing, err := copymeta.ReadManifest(cfg.MetaDir)
		switch {
		case err == nil:
			if cerr := existing.Compatible(want); cerr != nil {
				log.Info("existing copy does not match, starting over", "reason", cerr)
			} else if !slices.Equal(existing.Ancestors, want.Ancestors) {
				log.Info("previous copy changed since last run, starting over")
			} else if idx, ok := j.resumeIndex(existing); ok {
				want.CopyID = existing.CopyID
				want.Created = existing.Created
				want.Sessions = copymeta.PlanSessions(want.CopyID, want.VolumeSize, want.SessionSize)
				r.manifest = want
				r.index = idx
				log.Info("resuming copy", "copy", want.CopyID)
				return nil
			}
		case !errors.Is(err, copymeta.ErrNoManifest):
			log.Warn("discarding unreadable copy metadata", "error", err)
		}
	}

	if err := copymeta.Discard(cfg.MetaDir); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	want.CopyID = uuid.NewString()
	want.Created = time.Now().UTC()
	want.Sessions = copymeta.PlanSessions(want.CopyID, want.VolumeSize, want.SessionSize)
	if err := copymeta.WriteManifest(cfg.MetaDir, want); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	idx, err := copymeta.OpenIndex(cfg.MetaDir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if err := idx.SetMeta("copy_id", want.CopyID); err != nil {
		idx.Close()
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	r.manifest = want
	r.index = idx
	return nil
}

// resumeIndex opens the index of an existing copy if it belongs to that copy.
func (j *backupJob) resumeIndex(m *copymeta.Manifest) (*copymeta.Index, bool) {
	idx, err := copymeta.OpenIndex(j.cfg.MetaDir)
	if err != nil {
		j.t.log.Warn("cannot open existing index, starting over", "error", err)
		return nil, false
	}
	id, ok, err := idx.Meta("copy_id")
	if err != nil || !ok || id != m.CopyID {
		j.t.log.Warn("existing index belongs to another copy, starting over")
		idx.Close()
		return nil, false
	}
	return idx, true
}

// plan fixes the task totals and credits sessions committed by an earlier
// run.
func (j *backupJob) plan(r *backupRun, cursor int) error {
	st := j.t.stats
	size := r.manifest.VolumeSize
	incremental := r.diff != nil && r.hashMk != nil

	st.AddBytesToRead(size)
	st.AddSessionsTotal(int64(len(r.manifest.Sessions)))
	if r.hashMk != nil {
		st.AddBlocksToHash(countBlocks(size, j.cfg.BlockSize))
	}
	if !incremental {
		st.AddBytesToWrite(size)
	}

	for _, s := range r.manifest.Sessions[:cursor+1] {
		state, ok, err := r.index.Session(s.Index)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrMetadataCorruption, err)
		}
		if !ok {
			return fmt.Errorf("%w: session %d below cursor has no state", ErrMetadataCorruption, s.Index)
		}
		st.AddBytesRead(s.Length)
		if r.hashMk != nil {
			st.AddBlocksHashed(countBlocks(s.Length, j.cfg.BlockSize))
		}
		if incremental {
			st.AddBytesToWrite(state.Written)
		}
		st.AddBytesWritten(state.Written)
		st.AddBlocksUnchanged(state.Inherited)
		st.AddSessionsCommitted(1)
	}

	j.t.log.Info("backup planned",
		"volume", j.cfg.VolumePath,
		"size", size,
		"sessions", len(r.manifest.Sessions),
		"resume_after", cursor,
		"hash", r.manifest.Hash,
		"copy", r.manifest.CopyID,
	)
	j.t.emit(event.Event{
		Type:      event.PlanComplete,
		Session:   cursor,
		Sessions:  len(r.manifest.Sessions),
		TotalSize: size,
	})
	return nil
}

// session runs the read, hash, diff and write stages over one session and
// commits it. An error leaves the session uncommitted.
func (j *backupJob) session(ctx context.Context, r *backupRun, s copymeta.SessionInfo) error {
	log := j.t.log.With("session", s.Index, "offset", s.Offset)
	spans := sessionBlocks(s, j.cfg.BlockSize)
	j.t.emit(event.Event{Type: event.SessionStarted, Session: s.Index, Offset: s.Offset, Length: s.Length})
	log.Debug("session started", "blocks", len(spans))

	if r.diff != nil {
		if err := r.diff.load(s.Index); err != nil {
			return err
		}
	}
	w, err := newSessionWriter(r.manifest.DataDir, r.manifest.CopyID, s, len(spans), r.enc)
	if err != nil {
		return err
	}
	finished := false
	defer func() {
		if !finished {
			w.discard()
		}
	}()

	hashers := j.cfg.hashers()
	read := make(chan *blockItem, hashers)
	hashed := make(chan *blockItem, poolSize(hashers))

	g, gctx := errgroup.WithContext(ctx)
	reader := newVolumeReader(gctx, r.vol, r.layout, r.limiter, r.pool, j.t.stats)
	g.Go(func() error {
		return reader.readSession(gctx, spans, read)
	})
	g.Go(func() error {
		return hashStage(gctx, hashers, r.hashMk, 0, read, hashed, j.hashBlock)
	})
	g.Go(func() error {
		return reorder(gctx, hashed, len(spans), func(it *blockItem) error {
			return j.writeBlock(r, w, it)
		})
	})
	if err := g.Wait(); err != nil {
		if ctx.Err() == nil {
			j.t.emit(event.Event{Type: event.BlockFailed, Session: s.Index, Offset: s.Offset, Error: err})
		}
		return err
	}

	finished = true
	if err := w.finish(); err != nil {
		return err
	}
	if err := r.ckpt.commit(s, w); err != nil {
		return err
	}
	j.t.stats.AddSessionsCommitted(1)
	j.t.emit(event.Event{Type: event.SessionCommitted, Session: s.Index, Offset: s.Offset, Length: s.Length})
	log.Debug("session committed", "written", w.written, "inherited", w.inherited, "data", w.off)
	return nil
}

func (j *backupJob) hashBlock(w *hashWorker, it *blockItem) error {
	if !it.zero && it.data != nil {
		it.zero = isZero(it.data)
	}
	if w.d == nil {
		return nil
	}
	if it.zero {
		it.digest = w.d.zeroSum(it.length)
	} else {
		it.digest = w.d.sum(it.data)
	}
	j.t.stats.AddBlocksHashed(1)
	return nil
}

func (j *backupJob) writeBlock(r *backupRun, w *sessionWriter, it *blockItem) error {
	defer r.pool.Put(it.buf)
	st := j.t.stats

	if r.diff != nil && r.hashMk != nil {
		if rec, ok := r.diff.unchanged(it); ok {
			w.inherit(rec)
			st.AddBlocksUnchanged(1)
			return nil
		}
		st.AddBytesToWrite(it.length)
	}
	if err := w.write(it); err != nil {
		return err
	}
	st.AddBytesWritten(it.length)
	return nil
}
