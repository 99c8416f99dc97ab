package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/time/rate"

	"github.com/bamsammich/volcopy/internal/copymeta"
	"github.com/bamsammich/volcopy/internal/stats"
	"github.com/bamsammich/volcopy/internal/volume"
)

// blockItem carries one block through the pipeline stages of a session.
type blockItem struct {
	blockSpan
	buf    []byte // pooled buffer, nil when no bytes were read
	data   []byte // block content; nil for known-zero blocks
	zero   bool
	digest []byte
	rec    copymeta.Block // restore: the record being applied
}

// readErr classifies a failed read. Cancellation passes through untouched.
func readErr(ctx context.Context, err error, what string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrIO, what, err)
}

// volumeReader reads source volume blocks in offset order.
type volumeReader struct {
	r      io.ReaderAt
	layout volume.Layout
	pool   *bufferPool
	stats  stats.Writer
}

func newVolumeReader(
	ctx context.Context,
	v *volume.Volume,
	layout volume.Layout,
	limiter *rate.Limiter,
	pool *bufferPool,
	st stats.Writer,
) *volumeReader {
	return &volumeReader{
		r:      newRateLimitedReaderAt(ctx, v, limiter),
		layout: layout,
		pool:   pool,
		stats:  st,
	}
}

// readSession emits every block of spans to out and closes out. Blocks that
// lie inside a filesystem hole are emitted as zero without reading.
func (vr *volumeReader) readSession(ctx context.Context, spans []blockSpan, out chan<- *blockItem) error {
	defer close(out)

	for _, sp := range spans {
		if err := ctx.Err(); err != nil {
			return err
		}
		it := &blockItem{blockSpan: sp}
		if vr.layout.InHole(sp.offset, sp.length) {
			it.zero = true
		} else {
			buf, err := vr.pool.Get(ctx)
			if err != nil {
				return err
			}
			if _, err := vr.r.ReadAt(buf[:sp.length], sp.offset); err != nil {
				vr.pool.Put(buf)
				return readErr(ctx, err, fmt.Sprintf("read block %d at %d", sp.index, sp.offset))
			}
			it.buf = buf
			it.data = buf[:sp.length]
		}
		vr.stats.AddBytesRead(sp.length)

		select {
		case out <- it:
		case <-ctx.Done():
			vr.pool.Put(it.buf)
			return ctx.Err()
		}
	}
	return nil
}

// copyReader reads stored block payloads out of copy data files.
type copyReader struct {
	copy    *copymeta.Copy
	limiter *rate.Limiter
	pool    *bufferPool
	stats   stats.Writer
	files   map[string]*os.File
}

func newCopyReader(c *copymeta.Copy, limiter *rate.Limiter, pool *bufferPool, st stats.Writer) *copyReader {
	return &copyReader{
		copy:    c,
		limiter: limiter,
		pool:    pool,
		stats:   st,
		files:   make(map[string]*os.File),
	}
}

func (cr *copyReader) file(b copymeta.Block) (*os.File, error) {
	path, err := cr.copy.DataPath(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMetadataCorruption, err)
	}
	if f, ok := cr.files[path]; ok {
		return f, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: open data file: %w", ErrIO, err)
	}
	cr.files[path] = f
	return f, nil
}

// readSession emits the records of one session with their stored payloads
// and closes out.
func (cr *copyReader) readSession(ctx context.Context, recs []copymeta.Block, out chan<- *blockItem) error {
	defer close(out)
	defer cr.closeFiles()

	for i, rec := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		it := &blockItem{
			blockSpan: blockSpan{index: rec.Index, local: i, offset: rec.Offset, length: rec.Length},
			rec:       rec,
			zero:      rec.Zero,
		}
		if !rec.Zero {
			f, err := cr.file(rec)
			if err != nil {
				return err
			}
			buf, err := cr.pool.Get(ctx)
			if err != nil {
				return err
			}
			if rec.StoredLength <= 0 || rec.StoredLength > int64(len(buf)) {
				cr.pool.Put(buf)
				return fmt.Errorf("%w: block %d stored length %d", ErrMetadataCorruption, rec.Index, rec.StoredLength)
			}
			r := newRateLimitedReaderAt(ctx, f, cr.limiter)
			n, err := r.ReadAt(buf[:rec.StoredLength], rec.DataOffset)
			if err != nil && !(errors.Is(err, io.EOF) && int64(n) == rec.StoredLength) {
				cr.pool.Put(buf)
				return readErr(ctx, err, fmt.Sprintf("read payload of block %d from %s", rec.Index, f.Name()))
			}
			it.buf = buf
			it.data = buf[:rec.StoredLength]
		}
		cr.stats.AddBytesRead(rec.Length)

		select {
		case out <- it:
		case <-ctx.Done():
			cr.pool.Put(it.buf)
			return ctx.Err()
		}
	}
	return nil
}

func (cr *copyReader) closeFiles() {
	for path, f := range cr.files {
		f.Close()
		delete(cr.files, path)
	}
}
