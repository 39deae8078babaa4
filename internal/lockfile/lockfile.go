// Package lockfile provides short-lived file-based locking for the shared
// cache metadata. The persistent cache tier is shared between processes
// without a coordinator; the lock only narrows the read-modify-write window
// on metadata.json, with last-write-wins as the fallback when acquisition
// fails (the cache is a disposable optimization, never the source of truth).
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// ErrLocked means another live process holds the lock.
var ErrLocked = errors.New("lock held by another process")

// Locks older than this are treated as stale regardless of the holder pid.
const maxLockAge = time.Minute

// Lockfile represents a file-based lock
type Lockfile struct {
	path   string
	file   *os.File
	locked bool
}

// New creates a new lockfile instance
func New(path string) *Lockfile {
	return &Lockfile{path: path}
}

// TryAcquire attempts to acquire the lock without blocking.
func (l *Lockfile) TryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if os.IsExist(err) {
		stale, reason := l.isStale()
		if !stale {
			return fmt.Errorf("%w: %s", ErrLocked, reason)
		}
		if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) {
			return fmt.Errorf("failed to remove stale lockfile: %w", rmErr)
		}
		file, err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	}
	if err != nil {
		return fmt.Errorf("failed to create lockfile: %w", err)
	}

	l.file = file
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	if _, err := file.WriteString(content); err != nil {
		l.Release()
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	return nil
}

// Acquire retries TryAcquire until timeout elapses.
func (l *Lockfile) Acquire(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		err := l.TryAcquire()
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrLocked) || time.Now().After(deadline) {
			return err
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// Release releases the lock and removes the lockfile.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}
	l.locked = false

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if rmErr := os.Remove(l.path); rmErr != nil && !os.IsNotExist(rmErr) && err == nil {
		err = rmErr
	}
	return err
}

// Locked returns true if this instance holds the lock.
func (l *Lockfile) Locked() bool {
	return l.locked
}

// isStale reports whether the lockfile on disk belongs to a dead process or
// is too old to trust.
func (l *Lockfile) isStale() (bool, string) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return true, "cannot read lockfile"
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil {
		return true, "invalid pid"
	}

	if running, reason := isProcessRunning(pid); !running {
		return true, reason
	}

	if len(lines) >= 2 {
		if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1])); err == nil {
			if time.Since(ts) > maxLockAge {
				return true, "lock expired"
			}
		}
	}
	return false, fmt.Sprintf("pid %d is running", pid)
}
