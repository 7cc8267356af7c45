// Package filelock implements the advisory lock used to serialize writers of
// the workspace JSONL files. The lock is an exclusively-created sidecar file
// next to the guarded file; contention is resolved by sleep/retry with a hard
// deadline.
package filelock

import (
	"fmt"
	"os"
	"time"

	sharederrors "seed/internal/shared/errors"
)

const (
	// DefaultTimeout is how long Acquire waits before giving up.
	DefaultTimeout = 2 * time.Second

	retryInterval = 10 * time.Millisecond
)

// Lock is a held advisory lock. Release removes the sidecar file.
type Lock struct {
	path string
}

// Acquire takes the lock guarding path, waiting up to timeout. A zero timeout
// uses DefaultTimeout. Contention past the deadline yields a LockTimeout error.
func Acquire(path string, timeout time.Duration) (*Lock, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	lockPath := path + ".lock"
	deadline := time.Now().Add(timeout)

	for {
		f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d\n", os.Getpid())
			if closeErr := f.Close(); closeErr != nil {
				_ = os.Remove(lockPath)
				return nil, fmt.Errorf("close lock file: %w", closeErr)
			}
			return &Lock{path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create lock file %s: %w", lockPath, err)
		}
		if time.Now().After(deadline) {
			return nil, sharederrors.LockTimeout("lock %s held past %s deadline", lockPath, timeout)
		}
		time.Sleep(retryInterval)
	}
}

// Release removes the lock file. Releasing twice is harmless.
func (l *Lock) Release() error {
	if l == nil || l.path == "" {
		return nil
	}
	err := os.Remove(l.path)
	l.path = ""
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
