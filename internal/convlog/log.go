// Package convlog persists each task's LLM message history as JSONL. The log
// is the runtime's context source across restarts: entries keep a per-task
// index so read order always matches append order.
package convlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"seed/internal/agent/ports"
	"seed/internal/shared/filelock"
	"seed/internal/shared/logging"
)

const conversationsFileName = "conversations.jsonl"

const maxLineBytes = 8 * 1024 * 1024

// Entry is one persisted conversation row.
type Entry struct {
	ID        int64         `json:"id"`
	TaskID    string        `json:"taskId"`
	Index     int64         `json:"index"`
	Message   ports.Message `json:"message"`
	CreatedAt time.Time     `json:"createdAt"`
}

// Log stores conversation entries for every task of a workspace.
type Log struct {
	path   string
	logger logging.Logger
	now    func() time.Time

	mu        sync.Mutex
	loaded    bool
	maxID     int64
	nextIndex map[string]int64
}

// Open ensures the backing file exists and returns a Log.
func Open(stateDir string, logger logging.Logger) (*Log, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	path := filepath.Join(stateDir, conversationsFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ensure conversations file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close conversations file: %w", err)
	}
	return &Log{
		path:      path,
		logger:    logging.OrNop(logger),
		now:       time.Now,
		nextIndex: make(map[string]int64),
	}, nil
}

// Append persists message as the next entry of the task's conversation.
func (l *Log) Append(taskID string, message ports.Message) (Entry, error) {
	if taskID == "" {
		return Entry{}, fmt.Errorf("append: empty task id")
	}

	lock, err := filelock.Acquire(l.path, 0)
	if err != nil {
		return Entry{}, err
	}
	defer l.release(lock)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ensureCountersLocked(); err != nil {
		return Entry{}, err
	}

	entry := Entry{
		ID:        l.maxID + 1,
		TaskID:    taskID,
		Index:     l.nextIndex[taskID],
		Message:   message,
		CreatedAt: l.now().UTC(),
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, fmt.Errorf("marshal conversation entry: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return Entry{}, fmt.Errorf("open conversations file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return Entry{}, fmt.Errorf("append conversation entry: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return Entry{}, fmt.Errorf("sync conversations file: %w", err)
	}
	if err := f.Close(); err != nil {
		return Entry{}, fmt.Errorf("close conversations file: %w", err)
	}

	l.maxID = entry.ID
	l.nextIndex[taskID] = entry.Index + 1
	return entry, nil
}

// GetMessages returns the task's messages ordered by index.
func (l *Log) GetMessages(taskID string) ([]ports.Message, error) {
	entries, err := l.GetEntries(taskID)
	if err != nil {
		return nil, err
	}
	messages := make([]ports.Message, 0, len(entries))
	for _, entry := range entries {
		messages = append(messages, entry.Message)
	}
	return messages, nil
}

// GetEntries returns the task's entries ordered by index.
func (l *Log) GetEntries(taskID string) ([]Entry, error) {
	var out []Entry
	if err := l.scan(func(entry Entry) {
		if entry.TaskID == taskID {
			out = append(out, entry)
		}
	}); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
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

// Truncate drops the oldest entries of the task, keeping at most keepLastN.
func (l *Log) Truncate(taskID string, keepLastN int) error {
	if keepLastN < 0 {
		return fmt.Errorf("truncate: negative keepLastN")
	}
	return l.rewrite(func(entries []Entry) []Entry {
		var task []Entry
		for _, entry := range entries {
			if entry.TaskID == taskID {
				task = append(task, entry)
			}
		}
		if len(task) <= keepLastN {
			return entries
		}
		sort.Slice(task, func(i, j int) bool { return task[i].Index < task[j].Index })
		var cutoff int64
		if keepLastN == 0 {
			cutoff = task[len(task)-1].Index + 1
		} else {
			cutoff = task[len(task)-keepLastN].Index
		}
		kept := entries[:0]
		for _, entry := range entries {
			if entry.TaskID == taskID && entry.Index < cutoff {
				continue
			}
			kept = append(kept, entry)
		}
		return kept
	})
}

// Clear removes every entry of the task.
func (l *Log) Clear(taskID string) error {
	return l.rewrite(func(entries []Entry) []Entry {
		kept := entries[:0]
		for _, entry := range entries {
			if entry.TaskID != taskID {
				kept = append(kept, entry)
			}
		}
		return kept
	})
}

// rewrite rebuilds the whole file through temp-file-then-rename. Truncation
// and clear are the only destructive operations on the conversation log.
func (l *Log) rewrite(filter func([]Entry) []Entry) error {
	lock, err := filelock.Acquire(l.path, 0)
	if err != nil {
		return err
	}
	defer l.release(lock)

	l.mu.Lock()
	defer l.mu.Unlock()

	var entries []Entry
	if err := l.scan(func(entry Entry) { entries = append(entries, entry) }); err != nil {
		return err
	}
	kept := filter(entries)

	dir := filepath.Dir(l.path)
	tmp, err := os.CreateTemp(dir, conversationsFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp conversations file: %w", err)
	}
	tmpPath := tmp.Name()
	encoder := json.NewEncoder(tmp)
	for _, entry := range kept {
		if err := encoder.Encode(entry); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("encode conversation entry %d: %w", entry.ID, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp conversations file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp conversations file: %w", err)
	}
	if err := os.Rename(tmpPath, l.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace conversations file: %w", err)
	}

	// Counters stay monotonic: ids are never reused after a rewrite, and a
	// task's next index continues past what was dropped.
	l.loaded = false
	l.maxID = 0
	l.nextIndex = make(map[string]int64)
	if err := l.ensureCountersLocked(); err != nil {
		return err
	}
	return nil
}

func (l *Log) ensureCountersLocked() error {
	if l.loaded {
		return nil
	}
	maxIndex := make(map[string]int64)
	present := make(map[string]bool)
	if err := l.scan(func(entry Entry) {
		if entry.ID > l.maxID {
			l.maxID = entry.ID
		}
		if !present[entry.TaskID] || entry.Index > maxIndex[entry.TaskID] {
			maxIndex[entry.TaskID] = entry.Index
			present[entry.TaskID] = true
		}
	}); err != nil {
		return err
	}
	for taskID, index := range maxIndex {
		l.nextIndex[taskID] = index + 1
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
		return fmt.Errorf("open conversations file: %w", err)
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
			l.logger.Warn("Skipping corrupt conversation line: %v", err)
			continue
		}
		visit(entry)
	}
	return scanner.Err()
}

func (l *Log) release(lock *filelock.Lock) {
	if err := lock.Release(); err != nil {
		l.logger.Warn("Failed to release conversations lock: %v", err)
	}
}
