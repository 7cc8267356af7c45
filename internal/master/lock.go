// Package master enforces the single-master invariant of a workspace. One
// process owns .seed.lock and serves the API; everyone else talks to it over
// HTTP using the token recorded in the lock.
package master

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"syscall"
	"time"

	sharederrors "seed/internal/shared/errors"
	"seed/internal/shared/logging"
	"seed/internal/shared/utils/id"
)

const lockFileName = ".seed.lock"

// LockInfo is the content of .seed.lock.
type LockInfo struct {
	PID       int       `json:"pid"`
	Port      int       `json:"port"`
	Token     string    `json:"token"`
	StartedAt time.Time `json:"startedAt"`
}

// Lock is a held master lock.
type Lock struct {
	path   string
	Info   LockInfo
	logger logging.Logger
}

// Inspect reads the lock file without acquiring. Returns nil when no master
// lock exists.
func Inspect(baseDir string) (*LockInfo, error) {
	raw, err := os.ReadFile(filepath.Join(baseDir, lockFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read master lock: %w", err)
	}
	var info LockInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("parse master lock: %w", err)
	}
	return &info, nil
}

// Acquire takes the master lock for this process. A live holder produces a
// Conflict error carrying no side effects; a stale lock is replaced.
func Acquire(baseDir string, port int, logger logging.Logger) (*Lock, error) {
	logger = logging.OrNop(logger)
	path := filepath.Join(baseDir, lockFileName)

	if existing, err := Inspect(baseDir); err != nil {
		return nil, err
	} else if existing != nil {
		if IsAlive(*existing) {
			return nil, sharederrors.Conflict("workspace master already running (pid %d, port %d)", existing.PID, existing.Port)
		}
		logger.Warn("Removing stale master lock (pid %d)", existing.PID)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("remove stale master lock: %w", err)
		}
	}

	info := LockInfo{
		PID:       os.Getpid(),
		Port:      port,
		Token:     id.NewToken(),
		StartedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return nil, fmt.Errorf("marshal master lock: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		if os.IsExist(err) {
			return nil, sharederrors.Conflict("workspace master lock contended")
		}
		return nil, fmt.Errorf("create master lock: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		_ = f.Close()
		_ = os.Remove(path)
		return nil, fmt.Errorf("write master lock: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("close master lock: %w", err)
	}
	return &Lock{path: path, Info: info, logger: logger}, nil
}

// Release removes the lock file. Idempotent.
func (l *Lock) Release() error {
	if l == nil {
		return nil
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove master lock: %w", err)
	}
	return nil
}

// IsAlive reports whether the recorded master still answers. The pid check
// catches same-host restarts; the port dial catches pid reuse.
func IsAlive(info LockInfo) bool {
	if info.PID <= 0 {
		return false
	}
	if err := syscall.Kill(info.PID, 0); err != nil {
		return false
	}
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", info.Port), 500*time.Millisecond)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
