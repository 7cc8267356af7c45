// Package eventlog persists domain events as append-only JSONL with
// per-stream ordering, a crash-safe projection checkpoint store, and a hot
// feed that publishes each event exactly once after it is durably written.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"seed/internal/event"
	"seed/internal/shared/filelock"
	"seed/internal/shared/logging"
)

const (
	eventsFileName      = "events.jsonl"
	projectionsFileName = "projections.jsonl"

	// Scanner buffer cap; single events larger than this are rejected on
	// append, so readers never hit the limit on well-formed files.
	maxLineBytes = 8 * 1024 * 1024
)

// Log is the append-only event store for one workspace. All writers in the
// process share one Log value; cross-handle writers of the same file are
// serialized by the sidecar file lock.
type Log struct {
	dir    string
	path   string
	logger logging.Logger
	now    func() time.Time

	mu     sync.Mutex
	offset int64            // bytes of the file already reconciled into the cache
	maxID  int64            // highest global id seen
	maxSeq map[string]int64 // highest seq per stream

	feed *feed
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the append timestamp source.
func WithClock(now func() time.Time) Option {
	return func(l *Log) { l.now = now }
}

// Open ensures the state directory and backing files exist and returns a Log.
// Opening is idempotent.
func Open(stateDir string, logger logging.Logger, opts ...Option) (*Log, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	l := &Log{
		dir:    stateDir,
		path:   filepath.Join(stateDir, eventsFileName),
		logger: logging.OrNop(logger),
		now:    time.Now,
		maxSeq: make(map[string]int64),
		feed:   newFeed(logging.OrNop(logger)),
	}
	for _, opt := range opts {
		opt(l)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("ensure events file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close events file: %w", err)
	}
	return l, nil
}

// Path returns the absolute path of the backing events file.
func (l *Log) Path() string { return l.path }

// Append atomically assigns (id, seq, createdAt) to each pending event in
// order and writes them as one durable batch. Entries are returned in
// insertion order and published on the feed in the same order. Any I/O
// failure aborts the whole batch; nothing reaches the feed.
func (l *Log) Append(streamID string, pendings []event.Pending) ([]event.Stored, error) {
	if streamID == "" {
		return nil, fmt.Errorf("append: empty stream id")
	}
	if len(pendings) == 0 {
		return nil, nil
	}

	lock, err := filelock.Acquire(l.path, 0)
	if err != nil {
		return nil, err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			l.logger.Warn("Failed to release event log lock: %v", releaseErr)
		}
	}()

	l.mu.Lock()
	defer l.mu.Unlock()

	// Pick up lines written through other handles of this file since the
	// last append, so id/seq continue the on-disk maxima.
	if err := l.reconcileLocked(); err != nil {
		return nil, err
	}

	createdAt := l.now().UTC()
	stored := make([]event.Stored, 0, len(pendings))
	var lines []byte
	for _, pending := range pendings {
		payload, err := json.Marshal(pending.Payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", pending.Type, err)
		}
		entry := event.Stored{
			ID:        l.maxID + int64(len(stored)) + 1,
			StreamID:  streamID,
			Seq:       l.maxSeq[streamID] + int64(len(stored)) + 1,
			Type:      pending.Type,
			Payload:   payload,
			CreatedAt: createdAt,
		}
		line, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("marshal event %d: %w", entry.ID, err)
		}
		if len(line) > maxLineBytes {
			return nil, fmt.Errorf("event %s exceeds %d byte line cap", pending.Type, maxLineBytes)
		}
		lines = append(lines, line...)
		lines = append(lines, '\n')
		stored = append(stored, entry)
	}

	f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open events file: %w", err)
	}
	if _, err := f.Write(lines); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("append events: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("sync events file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close events file: %w", err)
	}

	l.offset += int64(len(lines))
	l.maxID = stored[len(stored)-1].ID
	l.maxSeq[streamID] = stored[len(stored)-1].Seq

	// Publish only after the batch is durable, preserving file order.
	for _, entry := range stored {
		l.feed.publish(entry)
	}
	return stored, nil
}

// reconcileLocked scans any bytes appended to the file since the last scan
// and folds their ids/seqs into the in-memory cache. Corrupt lines are
// skipped with a warning.
func (l *Log) reconcileLocked() error {
	f, err := os.Open(l.path)
	if err != nil {
		return fmt.Errorf("open events file: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat events file: %w", err)
	}
	if info.Size() < l.offset {
		// File shrank under us; trust the disk and rescan from the start.
		l.logger.Warn("Event log shrank from %d to %d bytes; rescanning", l.offset, info.Size())
		l.offset = 0
		l.maxID = 0
		l.maxSeq = make(map[string]int64)
	}
	if info.Size() == l.offset {
		return nil
	}
	if _, err := f.Seek(l.offset, 0); err != nil {
		return fmt.Errorf("seek events file: %w", err)
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	var scanned int64
	for scanner.Scan() {
		line := scanner.Bytes()
		scanned += int64(len(line)) + 1
		var entry event.Stored
		if err := json.Unmarshal(line, &entry); err != nil {
			l.logger.Warn("Skipping corrupt event line: %v. Preview: %s", err, previewLine(line))
			continue
		}
		if entry.ID > l.maxID {
			l.maxID = entry.ID
		}
		if entry.Seq > l.maxSeq[entry.StreamID] {
			l.maxSeq[entry.StreamID] = entry.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan events file: %w", err)
	}
	l.offset += scanned
	return nil
}

// ReadAll returns every event with id greater than fromIDExclusive, in file
// order. Corrupt lines are skipped with a warning, never surfaced as errors.
func (l *Log) ReadAll(fromIDExclusive int64) ([]event.Stored, error) {
	var out []event.Stored
	err := l.scan(func(entry event.Stored) {
		if entry.ID > fromIDExclusive {
			out = append(out, entry)
		}
	})
	return out, err
}

// ReadStream returns the events of one stream with seq >= fromSeqInclusive.
func (l *Log) ReadStream(streamID string, fromSeqInclusive int64) ([]event.Stored, error) {
	if fromSeqInclusive < 1 {
		fromSeqInclusive = 1
	}
	var out []event.Stored
	err := l.scan(func(entry event.Stored) {
		if entry.StreamID == streamID && entry.Seq >= fromSeqInclusive {
			out = append(out, entry)
		}
	})
	return out, err
}

// ReadByID returns the event with the given id, or nil when absent.
func (l *Log) ReadByID(id int64) (*event.Stored, error) {
	var found *event.Stored
	err := l.scan(func(entry event.Stored) {
		if entry.ID == id && found == nil {
			e := entry
			found = &e
		}
	})
	return found, err
}

func (l *Log) scan(visit func(event.Stored)) error {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("open events file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		var entry event.Stored
		if err := json.Unmarshal(line, &entry); err != nil {
			l.logger.Warn("Skipping corrupt event line: %v. Preview: %s", err, previewLine(line))
			continue
		}
		visit(entry)
	}
	return scanner.Err()
}

// Subscribe attaches a feed subscriber with the given channel buffer. The
// returned cancel func detaches it. Events that cannot be buffered are
// dropped with a warning; subscribers recover by pulling ReadAll(fromID).
func (l *Log) Subscribe(buffer int) (<-chan event.Stored, func()) {
	return l.feed.subscribe(buffer)
}

func previewLine(line []byte) string {
	const maxPreview = 256
	preview := strings.TrimSpace(string(line))
	preview = strings.ReplaceAll(preview, "\n", " ")
	if len(preview) > maxPreview {
		preview = preview[:maxPreview] + "... (truncated)"
	}
	return preview
}
