// Package lock guards a data directory against concurrent writers in other
// processes. The CLI holds it while indexing, a worker for its lifetime.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// FileName is the lock file created inside the guarded directory.
const FileName = ".codeindex.lock"

// ErrLocked is returned when another process holds the directory.
var ErrLocked = errors.New("data directory is locked by another process")

const retryDelay = 100 * time.Millisecond

// DirLock is an exclusive, advisory lock on a directory.
type DirLock struct {
	path   string
	flock  *flock.Flock
	locked bool
}

// New returns an unlocked DirLock for dir.
func New(dir string) *DirLock {
	path := filepath.Join(dir, FileName)
	return &DirLock{path: path, flock: flock.New(path)}
}

// Lock blocks until the lock is held or ctx is done.
func (l *DirLock) Lock(ctx context.Context) error {
	if err := l.ensureDir(); err != nil {
		return err
	}
	ok, err := l.flock.TryLockContext(ctx, retryDelay)
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.path, err)
	}
	if !ok {
		return ErrLocked
	}
	l.locked = true
	return nil
}

// TryLock takes the lock without waiting. It returns ErrLocked when the
// directory is held elsewhere.
func (l *DirLock) TryLock() error {
	if err := l.ensureDir(); err != nil {
		return err
	}
	ok, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", l.path, err)
	}
	if !ok {
		return ErrLocked
	}
	l.locked = true
	return nil
}

// Unlock releases the lock. Calling it on an unlocked DirLock is a no-op.
func (l *DirLock) Unlock() error {
	if !l.locked {
		return nil
	}
	l.locked = false
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *DirLock) Path() string {
	return l.path
}

// IsLocked reports whether this DirLock holds the lock.
func (l *DirLock) IsLocked() bool {
	return l.locked
}

func (l *DirLock) ensureDir() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}
	return nil
}
