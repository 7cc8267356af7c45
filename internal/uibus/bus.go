// Package uibus is the in-process channel between runtimes and user
// surfaces. It is intentionally lossy: durable truth lives in the event,
// audit and conversation logs, the bus only feeds live displays.
package uibus

import (
	"sync"
	"time"

	"seed/internal/auditlog"
	"seed/internal/event"
	"seed/internal/shared/logging"
)

// MessageType identifies the payload of a bus message.
type MessageType string

const (
	TypeAuditEntry  MessageType = "audit_entry"
	TypeAgentOutput MessageType = "agent_output"
	TypeTaskUpdated MessageType = "task_updated"
)

// OutputKind classifies agent output chunks.
type OutputKind string

const (
	OutputText       OutputKind = "text"
	OutputReasoning  OutputKind = "reasoning"
	OutputToolCall   OutputKind = "tool_call"
	OutputToolResult OutputKind = "tool_result"
	OutputVerbose    OutputKind = "verbose"
	OutputError      OutputKind = "error"
)

// AgentOutput is one ephemeral chunk of runtime output.
type AgentOutput struct {
	Kind     OutputKind `json:"kind"`
	Text     string     `json:"text,omitempty"`
	ToolName string     `json:"toolName,omitempty"`
	CallID   string     `json:"callId,omitempty"`
	// Final marks the last chunk of a streamed segment.
	Final bool `json:"final,omitempty"`
}

// Message is one bus publication.
type Message struct {
	Type        MessageType     `json:"type"`
	TaskID      string          `json:"taskId,omitempty"`
	AgentOutput *AgentOutput    `json:"agentOutput,omitempty"`
	AuditEntry  *auditlog.Entry `json:"auditEntry,omitempty"`
	Task        *event.Task     `json:"task,omitempty"`
	At          time.Time       `json:"at"`
}

const defaultChunkCap = 5000

// Bus fans messages out to subscribers and keeps a bounded per-task replay
// buffer of agent output so late-attaching displays can catch up.
type Bus struct {
	logger   logging.Logger
	chunkCap int
	now      func() time.Time

	mu     sync.Mutex
	nextID int
	subs   map[int]chan Message
	chunks map[string][]Message
}

// Option adjusts bus construction.
type Option func(*Bus)

// WithChunkCap bounds the per-task replay buffer.
func WithChunkCap(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.chunkCap = n
		}
	}
}

// New returns a bus.
func New(logger logging.Logger, opts ...Option) *Bus {
	b := &Bus{
		logger:   logging.OrNop(logger),
		chunkCap: defaultChunkCap,
		now:      time.Now,
		subs:     make(map[int]chan Message),
		chunks:   make(map[string][]Message),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe attaches a live listener. Slow listeners lose messages.
func (b *Bus) Subscribe(buffer int) (<-chan Message, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan Message, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// PublishAgentOutput emits an output chunk for a task.
func (b *Bus) PublishAgentOutput(taskID string, output AgentOutput) {
	msg := Message{Type: TypeAgentOutput, TaskID: taskID, AgentOutput: &output, At: b.now()}
	b.retain(taskID, msg)
	b.publish(msg)
}

// PublishAuditEntry mirrors an audit row onto the bus.
func (b *Bus) PublishAuditEntry(entry auditlog.Entry) {
	e := entry
	b.publish(Message{Type: TypeAuditEntry, TaskID: entry.Payload.TaskID, AuditEntry: &e, At: b.now()})
}

// PublishTaskUpdated notifies listeners that a task's projection changed.
func (b *Bus) PublishTaskUpdated(task event.Task) {
	t := task
	b.publish(Message{Type: TypeTaskUpdated, TaskID: task.ID, Task: &t, At: b.now()})
}

// Chunks returns the retained output chunks of a task, oldest first.
func (b *Bus) Chunks(taskID string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Message, len(b.chunks[taskID]))
	copy(out, b.chunks[taskID])
	return out
}

// Forget drops the retained chunks of a task, called on task teardown.
func (b *Bus) Forget(taskID string) {
	b.mu.Lock()
	delete(b.chunks, taskID)
	b.mu.Unlock()
}

func (b *Bus) retain(taskID string, msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := append(b.chunks[taskID], msg)
	if len(buf) > b.chunkCap {
		// Drop oldest; the durable logs still hold everything that matters.
		buf = buf[len(buf)-b.chunkCap:]
	}
	b.chunks[taskID] = buf
}

func (b *Bus) publish(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.logger.Debug("UI bus subscriber %d lagging; dropped %s", id, msg.Type)
		}
	}
}
