// Package agent drives one task from open to a terminal state by looping an
// LLM over the tool catalog. The runtime owns no durable state of its own:
// the conversation log is its memory and the event log is its lifecycle.
package agent

import (
	"context"
	"time"

	"seed/internal/agent/ports"
	"seed/internal/auditlog"
	"seed/internal/convlog"
	"seed/internal/event"
	"seed/internal/interaction"
	sharederrors "seed/internal/shared/errors"
	"seed/internal/shared/logging"
	"seed/internal/task"
	"seed/internal/tools"
	"seed/internal/tools/process"
	"seed/internal/uibus"
	"seed/internal/workspace"
)

// DefaultMaxIterations bounds the LLM loop when no override is configured.
const DefaultMaxIterations = 50

const pausePollInterval = 200 * time.Millisecond

// Deps wires a runtime to its collaborators.
type Deps struct {
	LLM           ports.LLMClient
	Executor      *tools.Executor
	Conversations *convlog.Log
	Audits        *auditlog.Log
	Tasks         *task.Service
	Interactions  *interaction.Service
	Bus           *uibus.Bus
	Resolver      *workspace.Resolver
	Tracker       *process.Tracker
	Logger        logging.Logger
	Clock         ports.Clock
	BaseDir       string
	MaxIterations int
}

// Runtime executes one task.
type Runtime struct {
	taskID  string
	actorID string
	deps    Deps

	responses chan event.UserInteractionRespondedPayload
}

// NewRuntime builds a runtime for the task. actorID identifies the agent in
// event payloads and audit rows.
func NewRuntime(taskID, actorID string, deps Deps) *Runtime {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = DefaultMaxIterations
	}
	if deps.Clock == nil {
		deps.Clock = ports.SystemClock{}
	}
	deps.Logger = logging.OrNop(deps.Logger)
	return &Runtime{
		taskID:    taskID,
		actorID:   actorID,
		deps:      deps,
		responses: make(chan event.UserInteractionRespondedPayload, 8),
	}
}

// TaskID returns the task this runtime drives.
func (r *Runtime) TaskID() string { return r.taskID }

// NotifyResponse hands a routed interaction response to the runtime. Called
// by the runtime manager; non-blocking.
func (r *Runtime) NotifyResponse(payload event.UserInteractionRespondedPayload) {
	select {
	case r.responses <- payload:
	default:
		r.deps.Logger.Warn("Runtime %s dropped interaction response %s", r.taskID, payload.InteractionID)
	}
}

// Run drives the task to a terminal state. The returned error reports
// infrastructure failures only; task-level failures become TaskFailed events.
func (r *Runtime) Run(ctx context.Context) error {
	ctx = tools.WithResolver(ctx, r.deps.Resolver)
	ctx = tools.WithProcessTracker(ctx, r.deps.Tracker)

	defer func() {
		if r.deps.Tracker != nil {
			r.deps.Tracker.KillTask(r.taskID)
		}
	}()

	current, err := r.deps.Tasks.GetTask(r.taskID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}
	if current.Status == event.StatusOpen {
		if err := r.deps.Tasks.MarkStarted(r.taskID, r.actorID); err != nil {
			return err
		}
	}

	if err := r.seedConversation(*current); err != nil {
		return err
	}
	if err := r.repairConversation(ctx); err != nil {
		return err
	}

	instructionsAfter := r.lastConversationTime()

	for iteration := 0; ; iteration++ {
		if done, err := r.checkLifecycle(ctx); done || err != nil {
			return err
		}
		if iteration >= r.deps.MaxIterations {
			return r.deps.Tasks.MarkFailed(r.taskID, "max iterations reached", r.actorID)
		}

		instructionsAfter, err = r.injectInstructions(instructionsAfter)
		if err != nil {
			return err
		}

		response, err := r.complete(ctx)
		if err != nil {
			if sharederrors.KindOf(err) == sharederrors.KindAborted {
				return r.emitCanceled()
			}
			return r.deps.Tasks.MarkFailed(r.taskID, err.Error(), r.actorID)
		}

		assistant := ports.Message{
			Role:      ports.RoleAssistant,
			Content:   response.Content,
			Reasoning: response.Reasoning,
			ToolCalls: normalizeToolCalls(response.ToolCalls, r.deps.Logger),
		}
		if _, err := r.deps.Conversations.Append(r.taskID, assistant); err != nil {
			return err
		}
		if response.Content != "" {
			r.publishOutput(uibus.AgentOutput{Kind: uibus.OutputText, Text: response.Content, Final: true})
		}

		if len(assistant.ToolCalls) == 0 {
			return r.deps.Tasks.MarkCompleted(r.taskID, response.Content, r.actorID)
		}

		for _, call := range assistant.ToolCalls {
			if done, err := r.checkLifecycle(ctx); done || err != nil {
				return err
			}
			if err := r.handleToolCall(ctx, call); err != nil {
				return err
			}
		}
	}
}

// seedConversation writes the system and opening user messages when the
// conversation is empty.
func (r *Runtime) seedConversation(current event.Task) error {
	entries, err := r.deps.Conversations.GetEntries(r.taskID)
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		return nil
	}

	system := ports.Message{
		Role:    ports.RoleSystem,
		Content: BuildSystemPrompt(PromptContext{BaseDir: r.deps.BaseDir, Now: r.deps.Clock.Now()}),
	}
	if _, err := r.deps.Conversations.Append(r.taskID, system); err != nil {
		return err
	}
	opening := ports.Message{Role: ports.RoleUser, Content: BuildTaskPrompt(current)}
	_, err = r.deps.Conversations.Append(r.taskID, opening)
	return err
}

// repairConversation pairs dangling assistant tool calls with audit records
// or re-executes them, so the provider contract (every tool call has a tool
// result) holds after a crash.
func (r *Runtime) repairConversation(ctx context.Context) error {
	messages, err := r.deps.Conversations.GetMessages(r.taskID)
	if err != nil {
		return err
	}

	answered := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role == ports.RoleTool && msg.ToolCallID != "" {
			answered[msg.ToolCallID] = true
		}
	}

	for _, msg := range messages {
		if msg.Role != ports.RoleAssistant {
			continue
		}
		for _, call := range msg.ToolCalls {
			if answered[call.ID] {
				continue
			}
			completion, err := r.deps.Audits.FindCompletion(r.taskID, call.ID)
			if err != nil {
				return err
			}
			if completion != nil {
				r.deps.Logger.Info("Repaired tool call %s from audit trail", call.ID)
				result := ports.Message{
					Role:       ports.RoleTool,
					Content:    completion.Payload.Output,
					ToolCallID: call.ID,
					ToolName:   call.Name,
				}
				if _, err := r.deps.Conversations.Append(r.taskID, result); err != nil {
					return err
				}
				continue
			}
			r.deps.Logger.Info("Tool call %s has no audit record, re-issuing", call.ID)
			if err := r.handleToolCall(ctx, call); err != nil {
				return err
			}
		}
	}
	return nil
}

// handleToolCall runs one tool call, pausing for approval when risky.
func (r *Runtime) handleToolCall(ctx context.Context, call ports.ToolCall) error {
	r.publishOutput(uibus.AgentOutput{Kind: uibus.OutputToolCall, ToolName: call.Name, CallID: call.ID})

	if r.deps.Executor.RiskOf(call.Name) == ports.RiskRisky {
		// A preflight veto records an error result without bothering the user.
		if err := r.deps.Executor.Preflight(ctx, r.invocation(call)); err != nil {
			return r.persistToolResult(call, &ports.ToolResult{
				CallID:  call.ID,
				Output:  err.Error(),
				IsError: true,
			})
		}
		approved, err := r.awaitApproval(ctx, call)
		if err != nil {
			return err
		}
		if !approved {
			return r.persistToolResult(call, &ports.ToolResult{
				CallID:  call.ID,
				Output:  "rejected by user",
				IsError: true,
			})
		}
	}

	result, err := r.deps.Executor.Execute(ctx, r.invocation(call))
	if err != nil {
		return err
	}
	return r.persistToolResult(call, result)
}

// awaitApproval emits the confirm interaction and suspends until the user
// answers or the task leaves in_progress.
func (r *Runtime) awaitApproval(ctx context.Context, call ports.ToolCall) (bool, error) {
	interactionID, err := r.deps.Interactions.RequestInteraction(r.taskID, interaction.RequestSpec{
		Kind:          event.InteractionConfirm,
		Purpose:       "confirm_risky_action",
		Display:       buildConfirmDisplay(call),
		Options:       confirmOptions(),
		AuthorActorID: r.actorID,
	})
	if err != nil {
		return false, err
	}

	// Routed notifications are the fast path; the poll covers responses that
	// landed while no runtime was listening.
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case payload := <-r.responses:
			if payload.InteractionID == interactionID {
				return payload.SelectedOptionID == "approve", nil
			}
		case <-ticker.C:
			response, err := r.deps.Interactions.FindResponse(r.taskID, interactionID)
			if err != nil {
				return false, err
			}
			if response != nil {
				return response.SelectedOptionID == "approve", nil
			}
		case <-ctx.Done():
			return false, r.emitCanceled()
		}
	}
}

func (r *Runtime) persistToolResult(call ports.ToolCall, result *ports.ToolResult) error {
	msg := ports.Message{
		Role:       ports.RoleTool,
		Content:    result.Output,
		ToolCallID: call.ID,
		ToolName:   call.Name,
	}
	if _, err := r.deps.Conversations.Append(r.taskID, msg); err != nil {
		return err
	}
	kind := uibus.OutputToolResult
	if result.IsError {
		kind = uibus.OutputError
	}
	r.publishOutput(uibus.AgentOutput{Kind: kind, ToolName: call.Name, CallID: call.ID, Text: result.Output, Final: true})
	return nil
}

// complete runs one LLM round, streaming deltas to the bus when supported.
func (r *Runtime) complete(ctx context.Context) (*ports.CompletionResponse, error) {
	messages, err := r.deps.Conversations.GetMessages(r.taskID)
	if err != nil {
		return nil, err
	}
	req := ports.CompletionRequest{
		Messages: messages,
		Tools:    r.deps.Executor.Definitions(),
		Metadata: map[string]any{"taskId": r.taskID},
	}

	if streamer, ok := r.deps.LLM.(ports.StreamingLLMClient); ok {
		return streamer.StreamComplete(ctx, req, ports.CompletionStreamCallbacks{
			OnContentDelta: func(d ports.ContentDelta) {
				r.publishOutput(uibus.AgentOutput{Kind: uibus.OutputText, Text: d.Delta, Final: d.Final})
			},
			OnReasoningDelta: func(d ports.ContentDelta) {
				r.publishOutput(uibus.AgentOutput{Kind: uibus.OutputReasoning, Text: d.Delta, Final: d.Final})
			},
			OnToolCallDelta: func(d ports.ToolCallDelta) {
				r.publishOutput(uibus.AgentOutput{Kind: uibus.OutputVerbose, ToolName: d.ToolName, CallID: d.CallID, Text: d.Delta})
			},
		})
	}
	return r.deps.LLM.Complete(ctx, req)
}

// checkLifecycle consults the projection before doing more work. It blocks
// through paused, returns done on terminal states and converts cancellation
// into a TaskCanceled event.
func (r *Runtime) checkLifecycle(ctx context.Context) (bool, error) {
	for {
		select {
		case <-ctx.Done():
			return true, r.emitCanceled()
		default:
		}

		current, err := r.deps.Tasks.GetTask(r.taskID)
		if err != nil {
			return true, err
		}
		switch {
		case current.Status.Terminal():
			return true, nil
		case current.Status == event.StatusPaused:
			select {
			case <-ctx.Done():
				return true, r.emitCanceled()
			case <-time.After(pausePollInterval):
			}
		default:
			return false, nil
		}
	}
}

// emitCanceled appends TaskCanceled unless the task already reached a
// terminal state. A canceled runtime appends nothing else afterwards.
func (r *Runtime) emitCanceled() error {
	current, err := r.deps.Tasks.GetTask(r.taskID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return nil
	}
	return r.deps.Tasks.CancelTask(r.taskID, "runtime canceled", r.actorID)
}

// injectInstructions appends user instructions that arrived after the given
// time and returns the new watermark.
func (r *Runtime) injectInstructions(after time.Time) (time.Time, error) {
	events, err := r.deps.Tasks.Events(r.taskID)
	if err != nil {
		return after, err
	}
	watermark := after
	for _, ev := range events {
		if ev.Type != event.TypeTaskInstructionAdded || !ev.CreatedAt.After(after) {
			continue
		}
		payload, err := event.Decode[event.TaskInstructionAddedPayload](ev)
		if err != nil {
			r.deps.Logger.Warn("Skipping invalid instruction event %d: %v", ev.ID, err)
			continue
		}
		msg := ports.Message{Role: ports.RoleUser, Content: payload.Instruction}
		if _, err := r.deps.Conversations.Append(r.taskID, msg); err != nil {
			return watermark, err
		}
		if ev.CreatedAt.After(watermark) {
			watermark = ev.CreatedAt
		}
	}
	return watermark, nil
}

func (r *Runtime) lastConversationTime() time.Time {
	entries, err := r.deps.Conversations.GetEntries(r.taskID)
	if err != nil || len(entries) == 0 {
		return time.Time{}
	}
	return entries[len(entries)-1].CreatedAt
}

func (r *Runtime) invocation(call ports.ToolCall) ports.ToolInvocation {
	return ports.ToolInvocation{
		CallID:    call.ID,
		Name:      call.Name,
		Arguments: call.Arguments,
		TaskID:    r.taskID,
		ActorID:   r.actorID,
	}
}

func (r *Runtime) publishOutput(output uibus.AgentOutput) {
	if r.deps.Bus != nil {
		r.deps.Bus.PublishAgentOutput(r.taskID, output)
	}
}

