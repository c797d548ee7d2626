package cache

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// LockFile is the name of the run lock under the cache root.
const LockFile = ".sync.lock"

// RunLock is an advisory, process-wide lock on a cache root. Only one sync
// run may hold it at a time.
type RunLock struct {
	fl *flock.Flock
}

// NewRunLock creates the lock for root. The lock file is created on first
// TryLock.
func NewRunLock(root string) *RunLock {
	return &RunLock{fl: flock.New(filepath.Join(root, LockFile))}
}

// TryLock attempts to take the lock without blocking. It returns false when
// another process holds it.
func (l *RunLock) TryLock() (bool, error) {
	if err := os.MkdirAll(filepath.Dir(l.fl.Path()), 0755); err != nil {
		return false, fmt.Errorf("failed to create lock directory: %w", err)
	}
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("failed to acquire %s: %w", l.fl.Path(), err)
	}
	return ok, nil
}

// Unlock releases the lock. Unlocking an unheld lock is a no-op.
func (l *RunLock) Unlock() error {
	if err := l.fl.Unlock(); err != nil {
		return fmt.Errorf("failed to release %s: %w", l.fl.Path(), err)
	}
	return nil
}

// Path returns the lock file path.
func (l *RunLock) Path() string { return l.fl.Path() }
