package fsx

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sys/unix"
)

// Lock errors.
var (
	ErrLockTimeout = errors.New("fsx: lock timeout")

	errLockFileOpen = errors.New("fsx: cannot open lock file")
)

const lockRetryInterval = 10 * time.Millisecond

// Lock is an advisory exclusive lock held via a sibling .lock file.
type Lock struct {
	path string
	file File
	fs   FS
}

// AcquireLock takes an exclusive flock on path+".lock", retrying until
// timeout. A separate lock file is used so the locked file itself can be
// atomically replaced while the lock is held.
func AcquireLock(fsys FS, path string, timeout time.Duration) (*Lock, error) {
	lockPath := path + ".lock"

	if err := fsys.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", errLockFileOpen, err)
	}

	file, openErr := fsys.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if openErr != nil {
		return nil, fmt.Errorf("%w: %w", errLockFileOpen, openErr)
	}

	deadline := time.Now().Add(timeout)

	for {
		flockErr := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if flockErr == nil {
			return &Lock{path: lockPath, file: file, fs: fsys}, nil
		}

		if time.Now().After(deadline) {
			_ = file.Close()

			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, path)
		}

		time.Sleep(lockRetryInterval)
	}
}

// Release drops the lock and closes the lock file. The lock file is left
// in place; removing it would race with other lockers.
func (l *Lock) Release() error {
	if l.file == nil {
		return nil
	}

	unlockErr := unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	closeErr := l.file.Close()
	l.file = nil

	return errors.Join(unlockErr, closeErr)
}
