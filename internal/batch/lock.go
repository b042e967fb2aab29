package batch

import (
	"fmt"
	"os"
	"time"
)

// staleLockAge is how old a leftover lock file must be before a new run
// may take it over. The host kills any invocation long before this.
const staleLockAge = 30 * time.Minute

// RunLock is the non-blocking mutual exclusion between invocations. When
// acquisition fails the run exits immediately and silently.
type RunLock struct {
	path string
	held bool
}

// NewRunLock creates a lock on the given path without acquiring it.
func NewRunLock(path string) *RunLock {
	return &RunLock{path: path}
}

// TryAcquire attempts to take the lock without blocking. Returns false
// when another run holds it. A lock file older than staleLockAge is
// treated as debris from a crashed run and replaced.
func (l *RunLock) TryAcquire() (bool, error) {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err == nil {
		fmt.Fprintf(file, "%d %s\n", os.Getpid(), time.Now().Format(time.RFC3339))
		file.Close()
		l.held = true
		return true, nil
	}
	if !os.IsExist(err) {
		return false, fmt.Errorf("failed to create lock file %s: %w", l.path, err)
	}

	info, statErr := os.Stat(l.path)
	if statErr != nil {
		return false, nil
	}
	if time.Since(info.ModTime()) < staleLockAge {
		return false, nil
	}

	// Stale lock from a crashed run: remove and retry once.
	if err := os.Remove(l.path); err != nil {
		return false, nil
	}
	file, err = os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return false, nil
	}
	fmt.Fprintf(file, "%d %s\n", os.Getpid(), time.Now().Format(time.RFC3339))
	file.Close()
	l.held = true
	return true, nil
}

// Release drops the lock if this run holds it.
func (l *RunLock) Release() {
	if !l.held {
		return
	}
	os.Remove(l.path)
	l.held = false
}
