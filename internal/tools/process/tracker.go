// Package process tracks background children spawned by the command tool so
// they can be reaped when their task is canceled or the process shuts down.
package process

import (
	"fmt"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"seed/internal/shared/logging"
)

// Entry describes one tracked background process.
type Entry struct {
	TaskID    string
	PID       int
	Command   string
	StartedAt time.Time
}

type tracked struct {
	entry Entry
	cmd   *exec.Cmd
}

// Tracker is the process-wide registry of background children. Entries are
// keyed by taskId/pid.
type Tracker struct {
	mu     sync.Mutex
	procs  map[string]tracked
	logger logging.Logger
}

// NewTracker returns an empty tracker.
func NewTracker(logger logging.Logger) *Tracker {
	return &Tracker{
		procs:  make(map[string]tracked),
		logger: logging.OrNop(logger),
	}
}

func key(taskID string, pid int) string { return fmt.Sprintf("%s/%d", taskID, pid) }

// Track registers a started command under the task. The caller must have
// already called cmd.Start.
func (t *Tracker) Track(taskID, command string, cmd *exec.Cmd) Entry {
	entry := Entry{
		TaskID:    taskID,
		PID:       cmd.Process.Pid,
		Command:   command,
		StartedAt: time.Now(),
	}
	t.mu.Lock()
	t.procs[key(taskID, entry.PID)] = tracked{entry: entry, cmd: cmd}
	t.mu.Unlock()

	// Reap in the background so finished children leave the table on their
	// own instead of waiting for a kill sweep.
	go func() {
		_ = cmd.Wait()
		t.remove(taskID, entry.PID)
	}()
	return entry
}

// List returns tracked entries, optionally filtered by task.
func (t *Tracker) List(taskID string) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for _, p := range t.procs {
		if taskID == "" || p.entry.TaskID == taskID {
			out = append(out, p.entry)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PID < out[j].PID })
	return out
}

// KillTask terminates every background child of the task.
func (t *Tracker) KillTask(taskID string) {
	for _, p := range t.snapshot() {
		if p.entry.TaskID == taskID {
			t.kill(p)
		}
	}
}

// KillAll terminates every tracked child. Called on process shutdown.
func (t *Tracker) KillAll() {
	for _, p := range t.snapshot() {
		t.kill(p)
	}
}

func (t *Tracker) snapshot() []tracked {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]tracked, 0, len(t.procs))
	for _, p := range t.procs {
		out = append(out, p)
	}
	return out
}

func (t *Tracker) kill(p tracked) {
	if p.cmd.Process == nil {
		t.remove(p.entry.TaskID, p.entry.PID)
		return
	}
	// Children run in their own process group, so signal the group to take
	// grandchildren down with them.
	if err := syscall.Kill(-p.entry.PID, syscall.SIGTERM); err != nil {
		if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
			t.logger.Warn("Failed to signal background process %s/%d: %v", p.entry.TaskID, p.entry.PID, err)
		}
	}
	t.remove(p.entry.TaskID, p.entry.PID)
}

func (t *Tracker) remove(taskID string, pid int) {
	t.mu.Lock()
	delete(t.procs, key(taskID, pid))
	t.mu.Unlock()
}
