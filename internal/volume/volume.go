// Package volume provides positional block I/O over volumes. A volume is
// either a block device or a regular file standing in for one.
package volume

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// ErrShortRead is returned when a read ends before the requested range is
// filled and the range lies inside the volume.
var ErrShortRead = errors.New("short read")

// Volume is an open volume. ReadAt and WriteAt are safe for concurrent use;
// they never move the file offset.
type Volume struct {
	f       *os.File
	path    string
	size    int64
	regular bool
}

// Open opens a volume read-only for backup.
func Open(path string) (*Volume, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open volume %s: %w", path, err)
	}
	v, err := newVolume(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	adviseSequential(f)
	return v, nil
}

// OpenTarget opens a volume for restore. The target must be at least minSize
// bytes. A regular-file target that is smaller, or missing, is created and
// extended to minSize; a smaller block device is an error.
func OpenTarget(path string, minSize int64) (*Volume, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open target %s: %w", path, err)
	}
	v, err := newVolume(f, path)
	if err != nil {
		f.Close()
		return nil, err
	}
	if v.size < minSize {
		if !v.regular {
			f.Close()
			return nil, fmt.Errorf("target %s is %d bytes, need %d", path, v.size, minSize)
		}
		if err := f.Truncate(minSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("extend target %s: %w", path, err)
		}
		preallocate(f, minSize)
		v.size = minSize
	}
	return v, nil
}

func newVolume(f *os.File, path string) (*Volume, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	v := &Volume{f: f, path: path}
	switch {
	case fi.Mode().IsRegular():
		v.regular = true
		v.size = fi.Size()
	case fi.Mode()&os.ModeDevice != 0:
		// Block devices report size 0 from stat; seeking to the end works
		// for both Linux and Darwin.
		end, err := f.Seek(0, io.SeekEnd)
		if err != nil {
			return nil, fmt.Errorf("size of %s: %w", path, err)
		}
		v.size = end
	default:
		return nil, fmt.Errorf("%s is not a block device or regular file", path)
	}
	return v, nil
}

// Path returns the path the volume was opened with.
func (v *Volume) Path() string { return v.path }

// Size returns the volume size in bytes.
func (v *Volume) Size() int64 { return v.size }

// IsRegular reports whether the volume is backed by a regular file.
func (v *Volume) IsRegular() bool { return v.regular }

// File returns the underlying file.
func (v *Volume) File() *os.File { return v.f }

// ReadAt fills p from offset off using pread. A short read inside the volume
// returns ErrShortRead.
//
//nolint:gosec // G115: fd values are small non-negative integers
func (v *Volume) ReadAt(p []byte, off int64) (int, error) {
	fd := int(v.f.Fd())
	total := 0
	for total < len(p) {
		n, err := unix.Pread(fd, p[total:], off+int64(total))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return total, fmt.Errorf("pread %s at %d: %w", v.path, off+int64(total), err)
		}
		if n == 0 {
			return total, fmt.Errorf("pread %s at %d: %w", v.path, off+int64(total), ErrShortRead)
		}
		total += n
	}
	return total, nil
}

// WriteAt writes all of p at offset off using pwrite.
//
//nolint:gosec // G115: fd values are small non-negative integers
func (v *Volume) WriteAt(p []byte, off int64) (int, error) {
	fd := int(v.f.Fd())
	written := 0
	for written < len(p) {
		n, err := unix.Pwrite(fd, p[written:], off+int64(written))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return written, fmt.Errorf("pwrite %s at %d: %w", v.path, off+int64(written), err)
		}
		written += n
	}
	return written, nil
}

// Sync flushes written data to stable storage.
func (v *Volume) Sync() error {
	if err := datasync(v.f); err != nil {
		return fmt.Errorf("sync %s: %w", v.path, err)
	}
	return nil
}

// Segments maps the data and hole layout of the volume. Block devices are
// reported as a single data segment.
func (v *Volume) Segments() ([]Segment, error) {
	if !v.regular {
		return wholeFileSegment(v.size), nil
	}
	return DetectSparseSegments(v.f, v.size)
}

// Close closes the underlying file.
func (v *Volume) Close() error {
	return v.f.Close()
}
