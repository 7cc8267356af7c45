package projection

import (
	"seed/internal/event"
	"seed/internal/eventlog"
	"seed/internal/shared/logging"
)

// TasksProjectionName is the checkpoint row name of the tasks read model.
const TasksProjectionName = "tasks"

// TasksState is the read model every task query serves from.
type TasksState struct {
	Tasks         []event.Task `json:"tasks"`
	CurrentTaskID string       `json:"currentTaskId,omitempty"`
}

// Get returns the task with the given id, or nil.
func (s *TasksState) Get(taskID string) *event.Task {
	for i := range s.Tasks {
		if s.Tasks[i].ID == taskID {
			return &s.Tasks[i]
		}
	}
	return nil
}

// Children returns the ids of tasks whose parent chain contains rootID.
func (s *TasksState) Children(parentID string) []string {
	var out []string
	for i := range s.Tasks {
		if s.Tasks[i].ParentTaskID == parentID {
			out = append(out, s.Tasks[i].ID)
		}
	}
	return out
}

// RootOf walks the parent chain of taskID to its topmost ancestor.
func (s *TasksState) RootOf(taskID string) string {
	current := taskID
	for {
		task := s.Get(current)
		if task == nil || task.ParentTaskID == "" {
			return current
		}
		current = task.ParentTaskID
	}
}

// HasDescendants reports whether any task is rooted under rootID other than
// the root itself.
func (s *TasksState) HasDescendants(rootID string) bool {
	for i := range s.Tasks {
		if s.Tasks[i].ID != rootID && s.RootOf(s.Tasks[i].ID) == rootID {
			return true
		}
	}
	return false
}

// RunTasks folds the log into the tasks read model and persists the cursor.
func RunTasks(log *eventlog.Log, logger logging.Logger) (TasksState, error) {
	state, _, err := Run(Spec[TasksState]{
		Log:     log,
		Name:    TasksProjectionName,
		Default: TasksState{},
		Reduce:  ReduceTasks(logging.OrNop(logger)),
		Logger:  logger,
	})
	return state, err
}

// ReduceTasks returns the tasks reducer. Payloads that fail validation are
// logged and skipped; the reducer never fails.
func ReduceTasks(logger logging.Logger) func(TasksState, event.Stored) TasksState {
	return func(state TasksState, ev event.Stored) TasksState {
		switch ev.Type {
		case event.TypeTaskCreated:
			payload, err := event.Decode[event.TaskCreatedPayload](ev)
			if err != nil || payload.TaskID == "" || payload.Title == "" {
				logger.Warn("Skipping invalid TaskCreated event %d: %v", ev.ID, err)
				return state
			}
			if state.Get(payload.TaskID) != nil {
				logger.Warn("Duplicate TaskCreated for %s (event %d); keeping first", payload.TaskID, ev.ID)
				return state
			}
			priority := event.Priority(payload.Priority)
			if priority == "" {
				priority = event.PriorityNormal
			}
			state.Tasks = append(state.Tasks, event.Task{
				ID:           payload.TaskID,
				Title:        payload.Title,
				Intent:       payload.Intent,
				Priority:     priority,
				Status:       event.StatusOpen,
				AgentID:      payload.AgentID,
				ParentTaskID: payload.ParentTaskID,
				CreatedAt:    ev.CreatedAt,
				UpdatedAt:    ev.CreatedAt,
			})
			if priority != event.PriorityBackground {
				state.CurrentTaskID = payload.TaskID
			}
			return state

		case event.TypeTaskStarted:
			return state.transition(ev, logger, event.StatusInProgress, nil)

		case event.TypeTaskCompleted:
			payload, err := event.Decode[event.TaskCompletedPayload](ev)
			if err != nil {
				logger.Warn("Skipping invalid TaskCompleted event %d: %v", ev.ID, err)
				return state
			}
			return state.transition(ev, logger, event.StatusDone, func(task *event.Task) {
				task.Summary = payload.Summary
				completed := ev.CreatedAt
				task.CompletedAt = &completed
			})

		case event.TypeTaskFailed:
			payload, err := event.Decode[event.TaskFailedPayload](ev)
			if err != nil {
				logger.Warn("Skipping invalid TaskFailed event %d: %v", ev.ID, err)
				return state
			}
			return state.transition(ev, logger, event.StatusFailed, func(task *event.Task) {
				task.FailureReason = payload.Reason
			})

		case event.TypeTaskCanceled:
			return state.transition(ev, logger, event.StatusCanceled, nil)

		case event.TypeTaskPaused:
			return state.transition(ev, logger, event.StatusPaused, nil)

		case event.TypeTaskResumed:
			return state.transition(ev, logger, event.StatusInProgress, nil)

		case event.TypeTaskTodoUpdated:
			payload, err := event.Decode[event.TaskTodoUpdatedPayload](ev)
			if err != nil {
				logger.Warn("Skipping invalid TaskTodoUpdated event %d: %v", ev.ID, err)
				return state
			}
			return state.touch(ev, logger, func(task *event.Task) {
				task.Todos = payload.Todos
			})

		case event.TypeUserInteractionRequested:
			payload, err := event.Decode[event.UserInteractionRequestedPayload](ev)
			if err != nil || payload.InteractionID == "" {
				logger.Warn("Skipping invalid UserInteractionRequested event %d: %v", ev.ID, err)
				return state
			}
			return state.transition(ev, logger, event.StatusAwaitingUser, func(task *event.Task) {
				task.PendingInteractionID = payload.InteractionID
			})

		case event.TypeUserInteractionResponded:
			payload, err := event.Decode[event.UserInteractionRespondedPayload](ev)
			if err != nil {
				logger.Warn("Skipping invalid UserInteractionResponded event %d: %v", ev.ID, err)
				return state
			}
			return state.touch(ev, logger, func(task *event.Task) {
				if task.PendingInteractionID == payload.InteractionID {
					task.PendingInteractionID = ""
					if task.Status == event.StatusAwaitingUser {
						task.Status = event.StatusInProgress
					}
				}
			})

		case event.TypeTaskInstructionAdded, event.TypeAgentPlanPosted, event.TypeUserFeedbackPosted:
			return state.touch(ev, logger, nil)

		default:
			// Forward compatibility: unknown event kinds are ignored.
			return state
		}
	}
}

// transition sets the stream's task to status unless it is already terminal.
func (s TasksState) transition(ev event.Stored, logger logging.Logger, status event.Status, mutate func(*event.Task)) TasksState {
	task := s.Get(ev.StreamID)
	if task == nil {
		logger.Warn("Event %d (%s) targets unknown task %s", ev.ID, ev.Type, ev.StreamID)
		return s
	}
	if task.Status.Terminal() {
		logger.Warn("Ignoring %s for terminal task %s (event %d)", ev.Type, task.ID, ev.ID)
		return s
	}
	task.Status = status
	task.UpdatedAt = ev.CreatedAt
	if status != event.StatusAwaitingUser {
		task.PendingInteractionID = ""
	}
	if mutate != nil {
		mutate(task)
	}
	if status.Terminal() && s.CurrentTaskID == task.ID {
		s.CurrentTaskID = ""
	}
	return s
}

// touch updates the task's UpdatedAt and applies mutate without changing status.
func (s TasksState) touch(ev event.Stored, logger logging.Logger, mutate func(*event.Task)) TasksState {
	task := s.Get(ev.StreamID)
	if task == nil {
		logger.Warn("Event %d (%s) targets unknown task %s", ev.ID, ev.Type, ev.StreamID)
		return s
	}
	task.UpdatedAt = ev.CreatedAt
	if mutate != nil {
		mutate(task)
	}
	return s
}
