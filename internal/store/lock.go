package store

import (
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// DefaultLockTimeout bounds how long Open waits for the writer lock
// before giving up, grounded on calvinalkan-agent-task's lock.go
// acquireLockWithTimeout.
const DefaultLockTimeout = 5 * time.Second

const lockRetryInterval = 10 * time.Millisecond

// fileLock is an advisory exclusive lock on <db>.lock, used to enforce
// the single-writer invariant of spec section 5 (Unix-only, per Open
// Question 9.3).
type fileLock struct {
	path string
	file *os.File
}

// acquireLock opens (creating if needed) dir/<name>.lock and blocks,
// retrying LOCK_EX|LOCK_NB, until either the lock is acquired or timeout
// elapses.
func acquireLock(path string, timeout time.Duration) (*fileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open lock file: %v", ErrIO, err)
	}

	deadline := time.Now().Add(timeout)
	for {
		err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			return &fileLock{path: path, file: file}, nil
		}
		if time.Now().After(deadline) {
			_ = file.Close()
			return nil, fmt.Errorf("%w: %s", ErrWriterLocked, path)
		}
		time.Sleep(lockRetryInterval)
	}
}

// release drops the lock and closes the underlying file. Safe to call on
// a nil receiver.
func (l *fileLock) release() {
	if l == nil || l.file == nil {
		return
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
}
