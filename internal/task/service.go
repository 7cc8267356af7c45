// Package task translates user and runtime commands into events and serves
// the task read model. The service never mutates state directly: every write
// is exactly one event batch on the task's stream.
package task

import (
	"sort"

	"seed/internal/event"
	"seed/internal/eventlog"
	"seed/internal/projection"
	sharederrors "seed/internal/shared/errors"
	"seed/internal/shared/logging"
	"seed/internal/shared/utils/id"
)

// Service is the command side of task management.
type Service struct {
	log    *eventlog.Log
	logger logging.Logger
	newID  func() string
}

// NewService builds a task service over the event log.
func NewService(log *eventlog.Log, logger logging.Logger) *Service {
	return &Service{
		log:    log,
		logger: logging.OrNop(logger),
		newID:  id.NewTaskID,
	}
}

// CreateTaskInput carries everything needed to open a task.
type CreateTaskInput struct {
	Title         string
	Intent        string
	Priority      event.Priority
	AgentID       string
	ParentTaskID  string
	AuthorActorID string
}

// CreateTask validates the input and appends TaskCreated. The task id is
// generated here and returned to the caller.
func (s *Service) CreateTask(input CreateTaskInput) (string, error) {
	if input.Title == "" {
		return "", sharederrors.Validation("task title is required")
	}
	if input.AgentID == "" {
		return "", sharederrors.Validation("task agentId is required")
	}
	if input.Priority == "" {
		input.Priority = event.PriorityNormal
	}
	if input.ParentTaskID != "" {
		state, err := s.state()
		if err != nil {
			return "", err
		}
		if state.Get(input.ParentTaskID) == nil {
			return "", sharederrors.NotFound("parent task %s not found", input.ParentTaskID)
		}
	}

	taskID := s.newID()
	_, err := s.log.Append(taskID, []event.Pending{event.New(event.TypeTaskCreated, event.TaskCreatedPayload{
		TaskID:        taskID,
		Title:         input.Title,
		Intent:        input.Intent,
		Priority:      string(input.Priority),
		AgentID:       input.AgentID,
		ParentTaskID:  input.ParentTaskID,
		AuthorActorID: input.AuthorActorID,
	})})
	if err != nil {
		return "", err
	}
	return taskID, nil
}

// AddInstruction appends a mid-flight instruction for the runtime to pick up
// on its next loop iteration.
func (s *Service) AddInstruction(taskID, instruction, actorID string) error {
	if instruction == "" {
		return sharederrors.Validation("instruction is required")
	}
	if err := s.requireOpen(taskID); err != nil {
		return err
	}
	_, err := s.log.Append(taskID, []event.Pending{event.New(event.TypeTaskInstructionAdded, event.TaskInstructionAddedPayload{
		TaskID:        taskID,
		Instruction:   instruction,
		AuthorActorID: actorID,
	})})
	return err
}

// PauseTask pauses an in-flight task.
func (s *Service) PauseTask(taskID, actorID string) error {
	if err := s.requireOpen(taskID); err != nil {
		return err
	}
	_, err := s.log.Append(taskID, []event.Pending{event.New(event.TypeTaskPaused, event.TaskPausedPayload{
		TaskID:        taskID,
		AuthorActorID: actorID,
	})})
	return err
}

// ResumeTask resumes a paused task.
func (s *Service) ResumeTask(taskID, actorID string) error {
	if err := s.requireOpen(taskID); err != nil {
		return err
	}
	_, err := s.log.Append(taskID, []event.Pending{event.New(event.TypeTaskResumed, event.TaskResumedPayload{
		TaskID:        taskID,
		AuthorActorID: actorID,
	})})
	return err
}

// CancelTask cancels any non-terminal task.
func (s *Service) CancelTask(taskID, reason, actorID string) error {
	if err := s.requireOpen(taskID); err != nil {
		return err
	}
	_, err := s.log.Append(taskID, []event.Pending{event.New(event.TypeTaskCanceled, event.TaskCanceledPayload{
		TaskID:        taskID,
		Reason:        reason,
		AuthorActorID: actorID,
	})})
	return err
}

// SetTodos replaces the task's todo list.
func (s *Service) SetTodos(taskID string, todos []event.Todo, actorID string) error {
	if err := s.requireOpen(taskID); err != nil {
		return err
	}
	_, err := s.log.Append(taskID, []event.Pending{event.New(event.TypeTaskTodoUpdated, event.TaskTodoUpdatedPayload{
		TaskID:        taskID,
		Todos:         todos,
		AuthorActorID: actorID,
	})})
	return err
}

// MarkStarted, MarkCompleted and MarkFailed are the runtime-internal status
// transitions. They share the task streams with user commands.

func (s *Service) MarkStarted(taskID, actorID string) error {
	_, err := s.log.Append(taskID, []event.Pending{event.New(event.TypeTaskStarted, event.TaskStartedPayload{
		TaskID:        taskID,
		AuthorActorID: actorID,
	})})
	return err
}

func (s *Service) MarkCompleted(taskID, summary, actorID string) error {
	_, err := s.log.Append(taskID, []event.Pending{event.New(event.TypeTaskCompleted, event.TaskCompletedPayload{
		TaskID:        taskID,
		Summary:       summary,
		AuthorActorID: actorID,
	})})
	return err
}

func (s *Service) MarkFailed(taskID, reason, actorID string) error {
	_, err := s.log.Append(taskID, []event.Pending{event.New(event.TypeTaskFailed, event.TaskFailedPayload{
		TaskID:        taskID,
		Reason:        reason,
		AuthorActorID: actorID,
	})})
	return err
}

// ListTasks returns every known task, newest first.
func (s *Service) ListTasks() ([]event.Task, error) {
	state, err := s.state()
	if err != nil {
		return nil, err
	}
	tasks := make([]event.Task, len(state.Tasks))
	copy(tasks, state.Tasks)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].CreatedAt.After(tasks[j].CreatedAt) })
	return tasks, nil
}

// GetTask returns one task or NotFound.
func (s *Service) GetTask(taskID string) (*event.Task, error) {
	state, err := s.state()
	if err != nil {
		return nil, err
	}
	task := state.Get(taskID)
	if task == nil {
		return nil, sharederrors.NotFound("task %s not found", taskID)
	}
	return task, nil
}

// Events returns the task's stream in seq order.
func (s *Service) Events(taskID string) ([]event.Stored, error) {
	return s.log.ReadStream(taskID, 1)
}

// State exposes the current tasks projection.
func (s *Service) State() (projection.TasksState, error) { return s.state() }

func (s *Service) state() (projection.TasksState, error) {
	return projection.RunTasks(s.log, s.logger)
}

func (s *Service) requireOpen(taskID string) error {
	state, err := s.state()
	if err != nil {
		return err
	}
	task := state.Get(taskID)
	if task == nil {
		return sharederrors.NotFound("task %s not found", taskID)
	}
	if task.Status.Terminal() {
		return sharederrors.Conflict("task %s is already %s", taskID, task.Status)
	}
	return nil
}
