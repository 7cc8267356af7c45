// Package event defines the closed set of domain events the orchestrator
// appends to the workspace event log, plus the entities their payloads
// describe. Events are the single source of truth for task state; projections
// and runtimes only ever derive from them.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies an event variant. The set is closed: consumers switch over
// these constants and skip anything they do not recognize.
type Type string

const (
	TypeTaskCreated              Type = "TaskCreated"
	TypeTaskStarted              Type = "TaskStarted"
	TypeTaskCompleted            Type = "TaskCompleted"
	TypeTaskFailed               Type = "TaskFailed"
	TypeTaskCanceled             Type = "TaskCanceled"
	TypeTaskPaused               Type = "TaskPaused"
	TypeTaskResumed              Type = "TaskResumed"
	TypeTaskInstructionAdded     Type = "TaskInstructionAdded"
	TypeTaskTodoUpdated          Type = "TaskTodoUpdated"
	TypeAgentPlanPosted          Type = "AgentPlanPosted"
	TypeUserInteractionRequested Type = "UserInteractionRequested"
	TypeUserInteractionResponded Type = "UserInteractionResponded"
	TypeUserFeedbackPosted       Type = "UserFeedbackPosted"
)

// Stored is the durable envelope written to state/events.jsonl, one JSON
// object per line. ID is globally monotonic; Seq is monotonic within a stream
// and gap-free from 1.
type Stored struct {
	ID        int64           `json:"id"`
	StreamID  string          `json:"streamId"`
	Seq       int64           `json:"seq"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Pending is an event the caller wants appended. The log assigns id, seq and
// createdAt on append.
type Pending struct {
	Type    Type
	Payload any
}

// New wraps a typed payload for appending.
func New(t Type, payload any) Pending {
	return Pending{Type: t, Payload: payload}
}

// Decode unmarshals the payload of a stored event into T. Unknown extra
// fields are tolerated for forward compatibility.
func Decode[T any](ev Stored) (T, error) {
	var payload T
	if err := json.Unmarshal(ev.Payload, &payload); err != nil {
		return payload, fmt.Errorf("decode %s payload (event %d): %w", ev.Type, ev.ID, err)
	}
	return payload, nil
}

// Payloads. Every payload carries the acting actor.

type TaskCreatedPayload struct {
	TaskID        string `json:"taskId"`
	Title         string `json:"title"`
	Intent        string `json:"intent,omitempty"`
	Priority      string `json:"priority"`
	AgentID       string `json:"agentId"`
	ParentTaskID  string `json:"parentTaskId,omitempty"`
	AuthorActorID string `json:"authorActorId"`
}

type TaskStartedPayload struct {
	TaskID        string `json:"taskId"`
	AuthorActorID string `json:"authorActorId"`
}

type TaskCompletedPayload struct {
	TaskID        string `json:"taskId"`
	Summary       string `json:"summary,omitempty"`
	AuthorActorID string `json:"authorActorId"`
}

type TaskFailedPayload struct {
	TaskID        string `json:"taskId"`
	Reason        string `json:"reason"`
	AuthorActorID string `json:"authorActorId"`
}

type TaskCanceledPayload struct {
	TaskID        string `json:"taskId"`
	Reason        string `json:"reason,omitempty"`
	AuthorActorID string `json:"authorActorId"`
}

type TaskPausedPayload struct {
	TaskID        string `json:"taskId"`
	AuthorActorID string `json:"authorActorId"`
}

type TaskResumedPayload struct {
	TaskID        string `json:"taskId"`
	AuthorActorID string `json:"authorActorId"`
}

type TaskInstructionAddedPayload struct {
	TaskID        string `json:"taskId"`
	Instruction   string `json:"instruction"`
	AuthorActorID string `json:"authorActorId"`
}

type TaskTodoUpdatedPayload struct {
	TaskID        string `json:"taskId"`
	Todos         []Todo `json:"todos"`
	AuthorActorID string `json:"authorActorId"`
}

type AgentPlanPostedPayload struct {
	TaskID        string `json:"taskId"`
	Plan          string `json:"plan"`
	AuthorActorID string `json:"authorActorId"`
}

type UserInteractionRequestedPayload struct {
	TaskID        string              `json:"taskId"`
	InteractionID string              `json:"interactionId"`
	Kind          InteractionKind     `json:"kind"`
	Purpose       string              `json:"purpose"`
	Display       InteractionDisplay  `json:"display"`
	Options       []InteractionOption `json:"options,omitempty"`
	Deadline      *time.Time          `json:"deadline,omitempty"`
	AuthorActorID string              `json:"authorActorId"`
}

type UserInteractionRespondedPayload struct {
	TaskID           string `json:"taskId"`
	InteractionID    string `json:"interactionId"`
	SelectedOptionID string `json:"selectedOptionId,omitempty"`
	InputValue       string `json:"inputValue,omitempty"`
	AuthorActorID    string `json:"authorActorId"`
}

type UserFeedbackPostedPayload struct {
	TaskID        string `json:"taskId"`
	Feedback      string `json:"feedback"`
	AuthorActorID string `json:"authorActorId"`
}

// taskScoped is implemented by payloads that belong to a task stream.
type taskScoped interface{ taskID() string }

func (p TaskCreatedPayload) taskID() string              { return p.TaskID }
func (p TaskStartedPayload) taskID() string              { return p.TaskID }
func (p TaskCompletedPayload) taskID() string            { return p.TaskID }
func (p TaskFailedPayload) taskID() string               { return p.TaskID }
func (p TaskCanceledPayload) taskID() string             { return p.TaskID }
func (p TaskPausedPayload) taskID() string               { return p.TaskID }
func (p TaskResumedPayload) taskID() string              { return p.TaskID }
func (p TaskInstructionAddedPayload) taskID() string     { return p.TaskID }
func (p TaskTodoUpdatedPayload) taskID() string          { return p.TaskID }
func (p AgentPlanPostedPayload) taskID() string          { return p.TaskID }
func (p UserInteractionRequestedPayload) taskID() string { return p.TaskID }
func (p UserInteractionRespondedPayload) taskID() string { return p.TaskID }
func (p UserFeedbackPostedPayload) taskID() string       { return p.TaskID }

// StreamIDOf returns the stream a pending event belongs to, when its payload
// is task-scoped.
func StreamIDOf(p Pending) (string, bool) {
	if scoped, ok := p.Payload.(taskScoped); ok {
		return scoped.taskID(), true
	}
	return "", false
}
