package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"seed/internal/agent/ports"
	"seed/internal/auditlog"
	"seed/internal/shared/logging"
)

// AuditSink receives the request/completion trail of every tool call.
type AuditSink interface {
	Append(entryType auditlog.EntryType, payload auditlog.Payload) (auditlog.Entry, error)
}

// Observer is notified after each execution. Implemented by the metrics
// collector; optional.
type Observer interface {
	ObserveToolExecution(toolName string, duration time.Duration, isError bool)
}

// Executor resolves tool names against the registry, validates inputs and
// executes. It never returns an error for tool failures: every failure mode
// becomes an error ToolResult so the conversation can carry it back to the
// LLM. The error return is reserved for audit persistence failures.
type Executor struct {
	registry *Registry
	audit    AuditSink
	logger   logging.Logger
	observer Observer
	now      func() time.Time

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// NewExecutor builds an executor. observer may be nil.
func NewExecutor(registry *Registry, audit AuditSink, logger logging.Logger, observer Observer) *Executor {
	return &Executor{
		registry: registry,
		audit:    audit,
		logger:   logging.OrNop(logger),
		observer: observer,
		now:      time.Now,
		schemas:  make(map[string]*jsonschema.Schema),
	}
}

// Execute runs one tool call end to end: audit request row, preflight,
// schema validation, execution, audit completion row.
func (e *Executor) Execute(ctx context.Context, call ports.ToolInvocation) (*ports.ToolResult, error) {
	input, _ := json.Marshal(call.Arguments)
	if _, err := e.audit.Append(auditlog.TypeToolCallRequested, auditlog.Payload{
		ToolCallID:    call.CallID,
		ToolName:      call.Name,
		TaskID:        call.TaskID,
		AuthorActorID: call.ActorID,
		Input:         string(input),
	}); err != nil {
		return nil, fmt.Errorf("audit tool call request: %w", err)
	}

	started := e.now()
	result := e.run(ctx, call)
	duration := e.now().Sub(started)

	if _, err := e.audit.Append(auditlog.TypeToolCallCompleted, auditlog.Payload{
		ToolCallID:    call.CallID,
		ToolName:      call.Name,
		TaskID:        call.TaskID,
		AuthorActorID: call.ActorID,
		Output:        result.Output,
		IsError:       result.IsError,
		DurationMs:    duration.Milliseconds(),
	}); err != nil {
		return nil, fmt.Errorf("audit tool call completion: %w", err)
	}
	if e.observer != nil {
		e.observer.ObserveToolExecution(call.Name, duration, result.IsError)
	}
	return result, nil
}

// Preflight runs the tool's CanExecute hook without executing. Used by the
// runtime to veto risky calls before asking the user to approve them.
func (e *Executor) Preflight(ctx context.Context, call ports.ToolInvocation) error {
	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return fmt.Errorf("unknown tool %q", call.Name)
	}
	if err := e.validateArguments(tool, call); err != nil {
		return err
	}
	if pre, ok := tool.(ports.Preflight); ok {
		return pre.CanExecute(ctx, call)
	}
	return nil
}

// RiskOf reports a tool's risk level, risky when unknown.
func (e *Executor) RiskOf(name string) ports.RiskLevel { return e.registry.RiskOf(name) }

// Definitions exposes the registry's tool catalog.
func (e *Executor) Definitions() []ports.ToolDefinition { return e.registry.Definitions() }

func (e *Executor) run(ctx context.Context, call ports.ToolInvocation) (result *ports.ToolResult) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Tool %s panicked: %v", call.Name, r)
			result = ports.ErrorResult(call.CallID, "tool %s panicked: %v", call.Name, r)
		}
	}()

	tool, ok := e.registry.Get(call.Name)
	if !ok {
		return ports.ErrorResult(call.CallID, "unknown tool: %s", call.Name)
	}
	if err := e.validateArguments(tool, call); err != nil {
		return ports.ErrorResult(call.CallID, "invalid arguments for %s: %v", call.Name, err)
	}
	if pre, ok := tool.(ports.Preflight); ok {
		if err := pre.CanExecute(ctx, call); err != nil {
			return ports.ErrorResult(call.CallID, "%v", err)
		}
	}

	res, err := tool.Execute(ctx, call)
	if err != nil {
		return ports.ErrorResult(call.CallID, "%v", err)
	}
	if res == nil {
		return ports.ErrorResult(call.CallID, "tool %s returned no result", call.Name)
	}
	if res.CallID == "" {
		res.CallID = call.CallID
	}
	return res
}

func (e *Executor) validateArguments(tool ports.ToolExecutor, call ports.ToolInvocation) error {
	schema, err := e.schemaFor(tool)
	if err != nil {
		e.logger.Warn("Schema for tool %s did not compile, skipping validation: %v", call.Name, err)
		return nil
	}
	// The validator wants plain decoded JSON, so round-trip the argument map.
	raw, err := json.Marshal(call.Arguments)
	if err != nil {
		return fmt.Errorf("marshal arguments: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	if decoded == nil {
		decoded = map[string]any{}
	}
	return schema.Validate(decoded)
}

func (e *Executor) schemaFor(tool ports.ToolExecutor) (*jsonschema.Schema, error) {
	name := tool.Metadata().Name

	e.schemaMu.Lock()
	defer e.schemaMu.Unlock()
	if schema, ok := e.schemas[name]; ok {
		return schema, nil
	}

	raw, err := json.Marshal(tool.Definition().Parameters)
	if err != nil {
		return nil, err
	}
	schema, err := jsonschema.CompileString(name+".json", string(raw))
	if err != nil {
		return nil, err
	}
	e.schemas[name] = schema
	return schema, nil
}
