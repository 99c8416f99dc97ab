//go:build !linux

package volume

import "os"

// preallocate is a no-op on non-Linux platforms (fallocate is Linux-only).
func preallocate(_ *os.File, _ int64) {}

func adviseSequential(_ *os.File) {}

func datasync(f *os.File) error {
	return f.Sync()
}
