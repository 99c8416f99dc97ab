package copymeta

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when another task holds the metadata directory.
var ErrLocked = errors.New("copy metadata directory is locked by another task")

// Lock is an advisory lock on a copy metadata directory.
type Lock struct {
	fl *flock.Flock
}

// LockExclusive takes the writer lock on dir without waiting.
func LockExclusive(dir string) (*Lock, error) {
	fl := flock.New(filepath.Join(dir, LockName))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
	}
	return &Lock{fl: fl}, nil
}

// LockShared takes a reader lock on dir without waiting. Readers exclude a
// writer but not each other.
func LockShared(dir string) (*Lock, error) {
	fl := flock.New(filepath.Join(dir, LockName))
	ok, err := fl.TryRLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", dir, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", dir, ErrLocked)
	}
	return &Lock{fl: fl}, nil
}

// Unlock releases the lock. The lock file itself is left in place.
func (l *Lock) Unlock() error {
	if l == nil {
		return nil
	}
	return l.fl.Close()
}
