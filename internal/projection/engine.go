// Package projection folds the event log into checkpointed read models. A
// projection's state is always a pure function of the events at or below its
// cursor, so any projection can be discarded and rebuilt from the log.
package projection

import (
	"encoding/json"
	"fmt"

	"seed/internal/event"
	"seed/internal/eventlog"
	"seed/internal/shared/logging"
)

// Spec describes one projection run. Reduce must be pure over its own state;
// per-event panics or decode failures inside Reduce are the reducer's job to
// swallow so a poisoned event never halts the view.
type Spec[S any] struct {
	Log     *eventlog.Log
	Name    string
	Default S
	Reduce  func(S, event.Stored) S
	Logger  logging.Logger
}

// Run loads the checkpoint, folds all events past the cursor, and persists
// the advanced checkpoint. Running twice with no new events returns the same
// state and leaves the cursor untouched.
func Run[S any](spec Spec[S]) (S, int64, error) {
	logger := logging.OrNop(spec.Logger)

	defaultState, err := json.Marshal(spec.Default)
	if err != nil {
		return spec.Default, 0, fmt.Errorf("marshal default state for %s: %w", spec.Name, err)
	}
	row, err := spec.Log.GetProjection(spec.Name, defaultState)
	if err != nil {
		return spec.Default, 0, err
	}

	state := spec.Default
	cursor := row.CursorEventID
	if len(row.State) > 0 {
		if err := json.Unmarshal(row.State, &state); err != nil {
			// Checkpoint is disposable; rebuild from the beginning.
			logger.Warn("Projection %s checkpoint unreadable (%v); rebuilding from scratch", spec.Name, err)
			state = spec.Default
			cursor = 0
		}
	}

	events, err := spec.Log.ReadAll(cursor)
	if err != nil {
		return state, cursor, err
	}
	if len(events) == 0 {
		return state, cursor, nil
	}

	for _, ev := range events {
		state = spec.Reduce(state, ev)
		cursor = ev.ID
	}

	stateJSON, err := json.Marshal(state)
	if err != nil {
		return state, cursor, fmt.Errorf("marshal %s state: %w", spec.Name, err)
	}
	if err := spec.Log.SaveProjection(spec.Name, cursor, stateJSON); err != nil {
		return state, cursor, err
	}
	return state, cursor, nil
}
