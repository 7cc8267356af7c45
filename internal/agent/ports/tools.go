package ports

import (
	"context"
	"fmt"
)

// RiskLevel partitions tools into those that run unattended and those that
// pause the task for user approval.
type RiskLevel string

const (
	RiskSafe  RiskLevel = "safe"
	RiskRisky RiskLevel = "risky"
)

// ToolExecutor executes a single tool call.
type ToolExecutor interface {
	// Execute runs the tool. Failures are reported inside the ToolResult;
	// the error return is reserved for context cancellation.
	Execute(ctx context.Context, call ToolInvocation) (*ToolResult, error)

	// Definition returns the tool's schema for the LLM.
	Definition() ToolDefinition

	// Metadata returns registration metadata, including the risk level.
	Metadata() ToolMetadata
}

// Preflight is optionally implemented by tools that can veto execution
// before any side effect (and before the user is asked to approve).
type Preflight interface {
	CanExecute(ctx context.Context, call ToolInvocation) error
}

// ToolInvocation is one concrete call of a tool on behalf of a task.
type ToolInvocation struct {
	CallID    string         `json:"callId"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
	TaskID    string         `json:"taskId,omitempty"`
	ActorID   string         `json:"actorId,omitempty"`
}

// ToolResult is the execution outcome surfaced back to the LLM.
type ToolResult struct {
	CallID   string         `json:"callId"`
	Output   string         `json:"output"`
	IsError  bool           `json:"isError,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ErrorResult builds an error ToolResult from a message.
func ErrorResult(callID, format string, args ...any) *ToolResult {
	out := format
	if len(args) > 0 {
		out = fmt.Sprintf(format, args...)
	}
	return &ToolResult{CallID: callID, Output: out, IsError: true}
}

// ToolDefinition describes a tool to the LLM. Parameters double as the local
// validation contract.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  ParameterSchema `json:"parameters"`
}

// ToolMetadata contains registration information.
type ToolMetadata struct {
	Name  string    `json:"name"`
	Group string    `json:"group,omitempty"`
	Risk  RiskLevel `json:"risk"`
}

// ParameterSchema defines tool parameters in JSON Schema shape.
type ParameterSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required,omitempty"`
}

// Property defines a single parameter.
type Property struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Enum        []any  `json:"enum,omitempty"`
}
