package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"seed/internal/shared/filelock"
)

// ProjectionRow is one checkpointed read model: the cursor of the last folded
// event plus the serialized state.
type ProjectionRow struct {
	Name          string          `json:"name"`
	CursorEventID int64           `json:"cursorEventId"`
	State         json.RawMessage `json:"stateJson"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

func (l *Log) projectionsPath() string {
	return filepath.Join(l.dir, projectionsFileName)
}

// GetProjection returns the stored row for name, or a row with cursor 0 and
// the provided default state when none exists. The newest row per name wins.
func (l *Log) GetProjection(name string, defaultState json.RawMessage) (ProjectionRow, error) {
	rows, err := l.readProjectionRows()
	if err != nil {
		return ProjectionRow{}, err
	}
	if row, ok := rows[name]; ok {
		return row, nil
	}
	return ProjectionRow{Name: name, CursorEventID: 0, State: defaultState}, nil
}

// SaveProjection atomically rewrites the projections file with the row for
// name replaced. Crash-safety comes from temp-file-then-rename.
func (l *Log) SaveProjection(name string, cursorEventID int64, state json.RawMessage) error {
	path := l.projectionsPath()
	lock, err := filelock.Acquire(path, 0)
	if err != nil {
		return err
	}
	defer func() {
		if releaseErr := lock.Release(); releaseErr != nil {
			l.logger.Warn("Failed to release projections lock: %v", releaseErr)
		}
	}()

	rows, err := l.readProjectionRows()
	if err != nil {
		return err
	}
	rows[name] = ProjectionRow{
		Name:          name,
		CursorEventID: cursorEventID,
		State:         state,
		UpdatedAt:     l.now().UTC(),
	}

	tmp, err := os.CreateTemp(l.dir, projectionsFileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp projections file: %w", err)
	}
	tmpPath := tmp.Name()
	encoder := json.NewEncoder(tmp)
	for _, row := range rows {
		if err := encoder.Encode(row); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			return fmt.Errorf("encode projection row %s: %w", row.Name, err)
		}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp projections file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("close temp projections file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("replace projections file: %w", err)
	}
	return nil
}

func (l *Log) readProjectionRows() (map[string]ProjectionRow, error) {
	rows := make(map[string]ProjectionRow)
	f, err := os.Open(l.projectionsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return rows, nil
		}
		return nil, fmt.Errorf("open projections file: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		var row ProjectionRow
		if err := json.Unmarshal(scanner.Bytes(), &row); err != nil {
			l.logger.Warn("Skipping corrupt projection row: %v. Preview: %s", err, previewLine(scanner.Bytes()))
			continue
		}
		rows[row.Name] = row
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan projections file: %w", err)
	}
	return rows, nil
}
