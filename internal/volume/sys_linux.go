//go:build linux

package volume

import (
	"os"

	"golang.org/x/sys/unix"
)

// preallocate attempts to pre-allocate disk space. Errors are ignored as
// fallocate is not supported on all filesystems.
//
//nolint:gosec // G115: fd values are small non-negative integers
func preallocate(f *os.File, size int64) {
	//nolint:errcheck // fallocate is advisory; not supported on all filesystems
	unix.Fallocate(int(f.Fd()), 0, 0, size)
}

//nolint:gosec // G115: fd values are small non-negative integers
func adviseSequential(f *os.File) {
	//nolint:errcheck // fadvise is a hint
	unix.Fadvise(int(f.Fd()), 0, 0, unix.FADV_SEQUENTIAL)
}

//nolint:gosec // G115: fd values are small non-negative integers
func datasync(f *os.File) error {
	return unix.Fdatasync(int(f.Fd()))
}
