// Package auditlog keeps the append-only trace of every tool call: one entry
// when execution is requested and one when it completes. The trace is what
// the runtime consults to repair conversations after a crash.
package auditlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"seed/internal/shared/filelock"
	"seed/internal/shared/logging"
)

const auditFileName = "audit.jsonl"

const maxLineBytes = 8 * 1024 * 1024

// EntryType distinguishes the request row from the completion row.
type EntryType string

const (
	TypeToolCallRequested EntryType = "ToolCallRequested"
	TypeToolCallCompleted EntryType = "ToolCallCompleted"
)

// Payload is the audited detail of one tool call event.
type Payload struct {
	ToolCallID    string    `json:"toolCallId"`
	ToolName      string    `json:"toolName"`
	TaskID        string    `json:"taskId"`
	AuthorActorID string    `json:"authorActorId"`
	Input         string    `json:"input,omitempty"`
	Output        string    `json:"output,omitempty"`
	IsError       bool      `json:"isError,omitempty"`
	DurationMs    int64     `json:"durationMs,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Entry is one persisted audit row.
type Entry struct {
	ID      int64     `json:"id"`
	Type    EntryType `json:"type"`
	Payload Payload   `json:"payload"`
}

// Log is the workspace audit trail.
type Log struct {
	path   string
	logger logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	loaded bool
	maxID  int64

	subsMu sync.Mutex
	nextID int
	subs   map[int]chan Entry
}

// Open ensures the backing file exists and returns a Log.
func Open(stateDir string, logger logging.Logger) (*Log, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(stateDir, auditFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ensure audit file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close audit file: %w", err)
	}
	return &Log{
		path:   path,
		logger: logging.OrNop(logger),
		now:    time.Now,
		subs:   make(map[int]chan Entry),
	}, nil
}

// Append persists an entry with the next monotonic id and publishes it on
// the feed after the write is durable.
func (l *Log) Append(entryType EntryType, payload Payload) (Entry, error) {
	lock, err := filelock.Acquire(l.path, 0)
	if err != nil {
		return Entry{}, err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			l.logger.Warn("Failed to release audit lock: %v", releaseErr)
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureCounterLocked(); err != nil {
		return Entry{}, err
	}

	if payload.Timestamp.IsZero() {
		payload.Timestamp = l.now().UTC()
	}
	entry := Entry{ID: l.maxID + 1, Type: entryType, Payload: payload}
	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal audit entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("open audit file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return Entry{}, fmt.Errorf("append audit entry: %w", err)
	}
	if err := f.Close(); err != nil {
		return Entry{}, fmt.Errorf("close audit file: %w", err)
	}

	l.maxID = entry.ID
	l.publish(entry)
	return entry, nil
}

// ReadAll returns every entry with id greater than fromIDExclusive.
func (l *Log) ReadAll(fromIDExclusive int64) ([]Entry, error) {
	var out []Entry
	if err := l.scan(func(entry Entry) {
		if entry.ID > fromIDExclusive {
			out = append(out, entry)
		}
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadByTask returns the task's entries in append order.
func (l *Log) ReadByTask(taskID string) ([]Entry, error) {
	var out []Entry
	if err := l.scan(func(entry Entry) {
		if entry.Payload.TaskID == taskID {
			out = append(out, entry)
		}
	}); err != nil {
		return nil, err
	}
	return out, nil
}

// FindCompletion returns the ToolCallCompleted entry for a call id, or nil.
func (l *Log) FindCompletion(taskID, toolCallID string) (*Entry, error) {
	var found *Entry
	if err := l.scan(func(entry Entry) {
		if entry.Type == TypeToolCallCompleted &&
			entry.Payload.TaskID == taskID &&
			entry.Payload.ToolCallID == toolCallID {
			e := entry
			found = &e
		}
	}); err != nil {
		return nil, err
	}
	return found, nil
}

// Subscribe attaches a feed subscriber. Slow subscribers lose entries.
func (l *Log) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Entry, buffer)

	l.subsMu.Lock()
	id := l.nextID
	l.nextID++
	l.subs[id] = ch
	l.subsMu.Unlock()

	cancel := func() {
		l.subsMu.Lock()
		if sub, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(sub)
		}
		l.subsMu.Unlock()
	}
	return ch, cancel
}

func (l *Log) publish(entry Entry) {
	l.subsMu.Lock()
	defer l.subsMu.Unlock()
	for id, ch := range l.subs {
		select {
		case ch <- entry:
		default:
			l.logger.Warn("Audit feed subscriber %d lagging; dropped entry %d", id, entry.ID)
		}
	}
}

func (l *Log) ensureCounterLocked() error {
	if l.loaded {
		return nil
	}
	if err := l.scan(func(entry Entry) {
		if entry.ID > l.maxID {
			l.maxID = entry.ID
		}
	}); err != nil {
		return err
	}
	l.loaded = true
	return nil
}

func (l *Log) scan(visit func(Entry)) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open audit file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			l.logger.Warn("Skipping corrupt audit line: %v", err)
			continue
		}
		visit(entry)
	}
	return scanner.Err()
}
