package filelock

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharederrors "seed/internal/shared/errors"
)

func TestAcquireCreatesSidecar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")

	lock, err := Acquire(path, 0)
	require.NoError(t, err)

	_, err = os.Stat(path + ".lock")
	require.NoError(t, err)

	require.NoError(t, lock.Release())
	_, err = os.Stat(path + ".lock")
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireTimesOutOnContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	held, err := Acquire(path, 0)
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	start := time.Now()
	_, err = Acquire(path, 100*time.Millisecond)
	assert.Equal(t, sharederrors.KindLockTimeout, sharederrors.KindOf(err))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestAcquireSucceedsAfterRelease(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	first, err := Acquire(path, 0)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		second, err := Acquire(path, time.Second)
		if err == nil {
			err = second.Release()
		}
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, first.Release())
	require.NoError(t, <-done)
}

func TestReleaseTwiceIsHarmless(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	lock, err := Acquire(path, 0)
	require.NoError(t, err)

	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())
}

func TestReleaseNilLock(t *testing.T) {
	var lock *Lock
	assert.NoError(t, lock.Release())
}
