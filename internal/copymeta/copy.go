package copymeta

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrIncomplete is returned when a copy has uncommitted sessions.
var ErrIncomplete = errors.New("copy is incomplete")

// Copy is an existing copy opened for reading.
type Copy struct {
	MetaDir  string
	Manifest *Manifest
	Index    *Index
	lock     *Lock
}

// OpenCopy opens the copy in metaDir under a shared lock.
func OpenCopy(metaDir string) (*Copy, error) {
	lock, err := LockShared(metaDir)
	if err != nil {
		return nil, err
	}
	m, err := ReadManifest(metaDir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if _, err := os.Stat(filepath.Join(metaDir, IndexName)); err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("index of %s: %w", metaDir, err)
	}
	idx, err := OpenIndex(metaDir)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	return &Copy{MetaDir: metaDir, Manifest: m, Index: idx, lock: lock}, nil
}

// RequireComplete returns ErrIncomplete unless every planned session of the
// copy has committed.
func (c *Copy) RequireComplete() error {
	cursor, err := c.Index.Cursor()
	if err != nil {
		return err
	}
	if cursor != len(c.Manifest.Sessions)-1 {
		return fmt.Errorf("%s: %d of %d sessions committed: %w",
			c.MetaDir, cursor+1, len(c.Manifest.Sessions), ErrIncomplete)
	}
	return nil
}

// SessionBlocks returns the records of session idx and checks that they
// tile the planned session range.
func (c *Copy) SessionBlocks(idx int) ([]Block, error) {
	if idx < 0 || idx >= len(c.Manifest.Sessions) {
		return nil, fmt.Errorf("session %d out of range", idx)
	}
	blocks, err := c.Index.SessionBlocks(idx)
	if err != nil {
		return nil, err
	}
	s := c.Manifest.Sessions[idx]
	next := s.Offset
	for _, b := range blocks {
		if b.Offset != next || b.Length <= 0 || b.Length > c.Manifest.BlockSize {
			return nil, fmt.Errorf("session %d: block %d at %d+%d breaks layout", idx, b.Index, b.Offset, b.Length)
		}
		next += b.Length
	}
	if next != s.Offset+s.Length {
		return nil, fmt.Errorf("session %d: blocks cover %d bytes, want %d", idx, next-s.Offset, s.Length)
	}
	return blocks, nil
}

// DataPath returns the data file holding block b's payload: the holder
// copy's file for b's session, in the holder's data directory.
func (c *Copy) DataPath(b Block) (string, error) {
	dir, ok := c.Manifest.DataDirFor(b.Holder)
	if !ok {
		return "", fmt.Errorf("block %d: unknown holder copy %s", b.Index, b.Holder)
	}
	if b.Session < 0 || b.Session >= len(c.Manifest.Sessions) {
		return "", fmt.Errorf("block %d: session %d out of range", b.Index, b.Session)
	}
	s := c.Manifest.Sessions[b.Session]
	return filepath.Join(dir, DataFileName(b.Holder, s.Offset, s.Length)), nil
}

// Close releases the index and the lock.
func (c *Copy) Close() error {
	err := c.Index.Close()
	if uerr := c.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}
