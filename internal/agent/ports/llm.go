// Package ports declares the contracts between the agent runtime and its
// collaborators: the LLM provider adapter, the tool surface, and the clock.
// The runtime depends only on these interfaces; adapters live elsewhere.
package ports

import (
	"context"
	"encoding/json"
	"time"
)

// Message roles. The conversation log persists exactly these.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one turn of a task's conversation.
type Message struct {
	Role      string     `json:"role"`
	Content   string     `json:"content,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`
	// ToolCallID and ToolName are set on role "tool" messages to pair the
	// result with the assistant tool call that requested it.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
}

// ToolCall is an LLM request to execute a tool. Arguments holds the decoded
// input object; RawArguments preserves the provider's original JSON so
// malformed payloads can be repaired before being rejected.
type ToolCall struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	Arguments    map[string]any  `json:"arguments,omitempty"`
	RawArguments json.RawMessage `json:"rawArguments,omitempty"`
}

// CompletionRequest contains everything one LLM round needs.
type CompletionRequest struct {
	Messages    []Message        `json:"messages"`
	Tools       []ToolDefinition `json:"tools,omitempty"`
	Temperature float64          `json:"temperature,omitempty"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Metadata    map[string]any   `json:"metadata,omitempty"`
}

// CompletionResponse is the LLM's reply for one round.
type CompletionResponse struct {
	Content    string     `json:"content"`
	Reasoning  string     `json:"reasoning,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	StopReason string     `json:"stop_reason,omitempty"`
	Usage      TokenUsage `json:"usage"`
}

// TokenUsage tracks token consumption of a single round.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ContentDelta is one streamed fragment of assistant output.
type ContentDelta struct {
	Delta string
	Final bool
}

// ToolCallDelta is one streamed fragment of a tool call's input JSON.
type ToolCallDelta struct {
	CallID   string
	ToolName string
	Delta    string
}

// CompletionStreamCallbacks receives ephemeral deltas during a streaming
// round. All callbacks are optional.
type CompletionStreamCallbacks struct {
	OnContentDelta   func(ContentDelta)
	OnReasoningDelta func(ContentDelta)
	OnToolCallDelta  func(ToolCallDelta)
}

// LLMClient is the non-streaming provider contract.
type LLMClient interface {
	// Complete sends messages and returns the assembled response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// Model returns the model identifier for logs and metrics.
	Model() string
}

// StreamingLLMClient additionally forwards deltas while the response is being
// produced. The returned response is always the fully assembled one.
type StreamingLLMClient interface {
	LLMClient

	StreamComplete(ctx context.Context, req CompletionRequest, callbacks CompletionStreamCallbacks) (*CompletionResponse, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }
