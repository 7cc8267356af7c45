package event

import "time"

// ActorKind distinguishes humans from agent runtimes.
type ActorKind string

const (
	ActorHuman ActorKind = "human"
	ActorAgent ActorKind = "agent"
)

// Actor identifies the author of an event.
type Actor struct {
	ID             string    `json:"id"`
	Kind           ActorKind `json:"kind"`
	DisplayName    string    `json:"displayName"`
	Capabilities   []string  `json:"capabilities,omitempty"`
	DefaultAgentID string    `json:"defaultAgentId,omitempty"`
}

// Status is the task lifecycle state derived from the event stream.
type Status string

const (
	StatusOpen         Status = "open"
	StatusInProgress   Status = "in_progress"
	StatusAwaitingUser Status = "awaiting_user"
	StatusPaused       Status = "paused"
	StatusDone         Status = "done"
	StatusFailed       Status = "failed"
	StatusCanceled     Status = "canceled"
)

// Terminal reports whether a task in this status will never transition again.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

// Priority orders tasks for scheduling.
type Priority string

const (
	PriorityForeground Priority = "foreground"
	PriorityNormal     Priority = "normal"
	PriorityBackground Priority = "background"
)

// TodoState tracks a single todo item's progress.
type TodoState string

const (
	TodoPending    TodoState = "pending"
	TodoInProgress TodoState = "in_progress"
	TodoDone       TodoState = "done"
)

// Todo is one entry of a task's todo list.
type Todo struct {
	ID    string    `json:"id"`
	Text  string    `json:"text"`
	State TodoState `json:"state"`
}

// Task is the read-model entity maintained by the tasks projection.
type Task struct {
	ID                   string     `json:"id"`
	Title                string     `json:"title"`
	Intent               string     `json:"intent,omitempty"`
	Priority             Priority   `json:"priority"`
	Status               Status     `json:"status"`
	AgentID              string     `json:"agentId"`
	ParentTaskID         string     `json:"parentTaskId,omitempty"`
	PendingInteractionID string     `json:"pendingInteractionId,omitempty"`
	Summary              string     `json:"summary,omitempty"`
	FailureReason        string     `json:"failureReason,omitempty"`
	Todos                []Todo     `json:"todos,omitempty"`
	CreatedAt            time.Time  `json:"createdAt"`
	UpdatedAt            time.Time  `json:"updatedAt"`
	CompletedAt          *time.Time `json:"completedAt,omitempty"`
}

// InteractionKind enumerates the user-interaction shapes.
type InteractionKind string

const (
	InteractionConfirm   InteractionKind = "Confirm"
	InteractionSelect    InteractionKind = "Select"
	InteractionInput     InteractionKind = "Input"
	InteractionComposite InteractionKind = "Composite"
)

// ContentKind describes how interaction display content should be rendered.
type ContentKind string

const (
	ContentPlainText ContentKind = "PlainText"
	ContentDiff      ContentKind = "Diff"
	ContentJSON      ContentKind = "Json"
)

// InteractionDisplay is the renderable body of an interaction request.
type InteractionDisplay struct {
	Title       string      `json:"title"`
	Description string      `json:"description,omitempty"`
	ContentKind ContentKind `json:"contentKind"`
	Content     string      `json:"content,omitempty"`
}

// InteractionOption is one choice offered to the responder.
type InteractionOption struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Style     string `json:"style,omitempty"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

// PendingInteraction is the derived view of an unanswered request.
type PendingInteraction struct {
	InteractionID string              `json:"interactionId"`
	TaskID        string              `json:"taskId"`
	Kind          InteractionKind     `json:"kind"`
	Purpose       string              `json:"purpose"`
	Display       InteractionDisplay  `json:"display"`
	Options       []InteractionOption `json:"options,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
	Deadline      *time.Time          `json:"deadline,omitempty"`
}
