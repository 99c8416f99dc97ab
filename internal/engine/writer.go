package engine

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/bamsammich/volcopy/internal/copymeta"
	"github.com/bamsammich/volcopy/internal/volume"
)

// sessionWriter appends transferred block payloads to one session's data
// file and builds the session's block records.
type sessionWriter struct {
	copyID  string
	session int
	f       *os.File
	path    string
	off     int64
	enc     *zstd.Encoder
	scratch []byte

	records   []copymeta.Block
	written   int64 // logical bytes this copy wrote
	inherited int64 // blocks referenced from the previous copy
}

// newSessionWriter truncates and opens the session's data file. Leftovers
// from an interrupted run of the same session are discarded.
func newSessionWriter(dataDir, copyID string, s copymeta.SessionInfo, blocks int, enc *zstd.Encoder) (*sessionWriter, error) {
	path := filepath.Join(dataDir, s.DataFile)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: create data file: %w", ErrIO, err)
	}
	return &sessionWriter{
		copyID:  copyID,
		session: s.Index,
		f:       f,
		path:    path,
		enc:     enc,
		records: make([]copymeta.Block, 0, blocks),
	}, nil
}

// write stores a changed block. Zero blocks are recorded without payload;
// compressed payloads are kept only when smaller than the block.
func (w *sessionWriter) write(it *blockItem) error {
	rec := copymeta.Block{
		Index:      it.index,
		Session:    w.session,
		Offset:     it.offset,
		Length:     it.length,
		Digest:     it.digest,
		Holder:     w.copyID,
		DataOffset: w.off,
		Zero:       it.zero,
	}
	if !it.zero {
		payload := it.data
		if w.enc != nil {
			w.scratch = w.enc.EncodeAll(it.data, w.scratch[:0])
			if len(w.scratch) < len(it.data) {
				payload = w.scratch
				rec.Codec = copymeta.CodecZstd
			}
		}
		rec.StoredLength = int64(len(payload))
		rec.Checksum = xxhash.Sum64(payload)
		if _, err := w.f.Write(payload); err != nil {
			return fmt.Errorf("%w: write block %d to %s: %w", ErrIO, it.index, w.path, err)
		}
		w.off += rec.StoredLength
	}
	w.records = append(w.records, rec)
	w.written += it.length
	return nil
}

// inherit records a block whose payload stays in an earlier copy.
func (w *sessionWriter) inherit(rec copymeta.Block) {
	rec.Session = w.session
	w.records = append(w.records, rec)
	w.inherited++
}

// finish flushes the data file to stable storage and closes it.
func (w *sessionWriter) finish() error {
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return fmt.Errorf("%w: sync %s: %w", ErrIO, w.path, err)
	}
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %w", ErrIO, w.path, err)
	}
	return nil
}

// discard closes the data file without syncing. The file is truncated the
// next time the session runs.
func (w *sessionWriter) discard() {
	_ = w.f.Close()
}

// blockApplier writes restored blocks to the target volume.
type blockApplier struct {
	v     *volume.Volume
	zeros []byte
}

func newBlockApplier(v *volume.Volume, blockSize int64) *blockApplier {
	return &blockApplier{v: v, zeros: make([]byte, blockSize)}
}

func (a *blockApplier) apply(it *blockItem) error {
	data := it.data
	if it.zero {
		data = a.zeros[:it.length]
	}
	if int64(len(data)) != it.length {
		return fmt.Errorf("%w: block %d has %d bytes, want %d", ErrMetadataCorruption, it.index, len(data), it.length)
	}
	if _, err := a.v.WriteAt(data, it.offset); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

func (a *blockApplier) sync() error {
	if err := a.v.Sync(); err != nil {
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	return nil
}

// errChecksum marks a stored payload that does not match its checksum.
var errChecksum = errors.New("stored payload checksum mismatch")

// decodePayload checks the stored payload of it against its record and
// leaves the block content in it.data. scratch must hold a full block.
func decodePayload(it *blockItem, dec *zstd.Decoder, scratch []byte) error {
	if it.zero {
		return nil
	}
	if xxhash.Sum64(it.data) != it.rec.Checksum {
		return fmt.Errorf("%w: block %d: %w", ErrIO, it.index, errChecksum)
	}
	switch it.rec.Codec {
	case copymeta.CodecNone:
	case copymeta.CodecZstd:
		out, err := dec.DecodeAll(it.data, scratch[:0])
		if err != nil {
			return fmt.Errorf("%w: decompress block %d: %w", ErrIO, it.index, err)
		}
		if int64(len(out)) != it.length || len(out) > len(it.buf) {
			return fmt.Errorf("%w: block %d decompressed to %d bytes, want %d",
				ErrMetadataCorruption, it.index, len(out), it.length)
		}
		it.data = it.buf[:len(out)]
		copy(it.data, out)
	default:
		return fmt.Errorf("%w: block %d: unknown codec %d", ErrMetadataCorruption, it.index, it.rec.Codec)
	}
	if int64(len(it.data)) != it.length {
		return fmt.Errorf("%w: block %d holds %d bytes, want %d", ErrMetadataCorruption, it.index, len(it.data), it.length)
	}
	return nil
}
