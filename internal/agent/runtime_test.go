package agent

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"seed/internal/agent/ports"
	"seed/internal/auditlog"
	"seed/internal/convlog"
	"seed/internal/event"
	"seed/internal/eventlog"
	"seed/internal/interaction"
	"seed/internal/llm"
	"seed/internal/shared/logging"
	"seed/internal/task"
	"seed/internal/tools"
	"seed/internal/uibus"
)

type echoTool struct {
	name       string
	risk       ports.RiskLevel
	executions atomic.Int32
}

func (e *echoTool) Execute(_ context.Context, call ports.ToolInvocation) (*ports.ToolResult, error) {
	e.executions.Add(1)
	text, _ := call.Arguments["text"].(string)
	return &ports.ToolResult{CallID: call.CallID, Output: "echo: " + text}, nil
}

func (e *echoTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: e.name,
		Parameters: ports.ParameterSchema{
			Type:       "object",
			Properties: map[string]ports.Property{"text": {Type: "string"}},
		},
	}
}

func (e *echoTool) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: e.name, Risk: e.risk}
}

type harness struct {
	tasks         *task.Service
	conversations *convlog.Log
	audits        *auditlog.Log
	interactions  *interaction.Service
	bus           *uibus.Bus
	executor      *tools.Executor
	safe          *echoTool
	risky         *echoTool
	baseDir       string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	baseDir := t.TempDir()
	stateDir := baseDir + "/state"

	events, err := eventlog.Open(stateDir, logging.Nop())
	require.NoError(t, err)
	conversations, err := convlog.Open(stateDir, logging.Nop())
	require.NoError(t, err)
	audits, err := auditlog.Open(stateDir, logging.Nop())
	require.NoError(t, err)

	safe := &echoTool{name: "echo", risk: ports.RiskSafe}
	risky := &echoTool{name: "shout", risk: ports.RiskRisky}
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(safe))
	require.NoError(t, registry.Register(risky))

	return &harness{
		tasks:         task.NewService(events, logging.Nop()),
		conversations: conversations,
		audits:        audits,
		interactions:  interaction.NewService(events, logging.Nop()),
		bus:           uibus.New(logging.Nop()),
		executor:      tools.NewExecutor(registry, audits, logging.Nop(), nil),
		safe:          safe,
		risky:         risky,
		baseDir:       baseDir,
	}
}

func (h *harness) runtime(t *testing.T, client ports.LLMClient, maxIterations int) (*Runtime, string) {
	t.Helper()
	taskID, err := h.tasks.CreateTask(task.CreateTaskInput{
		Title:         "test task",
		Intent:        "exercise the loop",
		AgentID:       "coder",
		AuthorActorID: "user:local",
	})
	require.NoError(t, err)

	return NewRuntime(taskID, "agent:coder", Deps{
		LLM:           client,
		Executor:      h.executor,
		Conversations: h.conversations,
		Audits:        h.audits,
		Tasks:         h.tasks,
		Interactions:  h.interactions,
		Bus:           h.bus,
		Logger:        logging.Nop(),
		BaseDir:       h.baseDir,
		MaxIterations: maxIterations,
	}), taskID
}

func toolCallResponse(callID, name string, args string) ports.CompletionResponse {
	return ports.CompletionResponse{
		ToolCalls: []ports.ToolCall{{
			ID:           callID,
			Name:         name,
			RawArguments: []byte(args),
		}},
		StopReason: "tool_calls",
	}
}

func TestRunCompletesWithoutToolCalls(t *testing.T) {
	h := newHarness(t)
	client := llm.NewMockClient("mock", ports.CompletionResponse{Content: "all done", StopReason: "stop"})
	runtime, taskID := h.runtime(t, client, 0)

	require.NoError(t, runtime.Run(context.Background()))

	current, err := h.tasks.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusDone, current.Status)
	assert.Equal(t, "all done", current.Summary)

	messages, err := h.conversations.GetMessages(taskID)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, ports.RoleSystem, messages[0].Role)
	assert.Equal(t, ports.RoleUser, messages[1].Role)
	assert.Contains(t, messages[1].Content, "test task")
	assert.Equal(t, ports.RoleAssistant, messages[2].Role)

	requests := client.Requests()
	require.Len(t, requests, 1)
	assert.NotEmpty(t, requests[0].Tools)
}

func TestRunExecutesSafeToolAndFeedsResultBack(t *testing.T) {
	h := newHarness(t)
	client := llm.NewMockClient("mock",
		toolCallResponse("call-1", "echo", `{"text":"ping"}`),
		ports.CompletionResponse{Content: "finished", StopReason: "stop"},
	)
	runtime, taskID := h.runtime(t, client, 0)

	require.NoError(t, runtime.Run(context.Background()))
	assert.Equal(t, int32(1), h.safe.executions.Load())

	messages, err := h.conversations.GetMessages(taskID)
	require.NoError(t, err)
	var toolMsg *ports.Message
	for i := range messages {
		if messages[i].Role == ports.RoleTool {
			toolMsg = &messages[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)
	assert.Equal(t, "echo: ping", toolMsg.Content)

	// The second round carries the tool result back to the model.
	requests := client.Requests()
	require.Len(t, requests, 2)
	last := requests[1].Messages[len(requests[1].Messages)-1]
	assert.Equal(t, ports.RoleTool, last.Role)

	entries, err := h.audits.ReadByTask(taskID)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestRunRiskyToolWaitsForApproval(t *testing.T) {
	h := newHarness(t)
	client := llm.NewMockClient("mock",
		toolCallResponse("call-1", "shout", `{"text":"loud"}`),
		ports.CompletionResponse{Content: "finished", StopReason: "stop"},
	)
	runtime, taskID := h.runtime(t, client, 0)

	done := make(chan error, 1)
	go func() { done <- runtime.Run(context.Background()) }()

	var pending *event.PendingInteraction
	require.Eventually(t, func() bool {
		p, err := h.interactions.GetPendingInteraction(taskID)
		require.NoError(t, err)
		pending = p
		return p != nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, event.InteractionConfirm, pending.Kind)

	require.NoError(t, h.interactions.RespondToInteraction(taskID, pending.InteractionID, interaction.Response{
		SelectedOptionID: "approve",
		AuthorActorID:    "user:local",
	}))
	runtime.NotifyResponse(event.UserInteractionRespondedPayload{
		TaskID:           taskID,
		InteractionID:    pending.InteractionID,
		SelectedOptionID: "approve",
	})

	require.NoError(t, <-done)
	assert.Equal(t, int32(1), h.risky.executions.Load())

	current, err := h.tasks.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusDone, current.Status)
}

func TestRunRiskyToolRejectedByUser(t *testing.T) {
	h := newHarness(t)
	client := llm.NewMockClient("mock",
		toolCallResponse("call-1", "shout", `{"text":"loud"}`),
		ports.CompletionResponse{Content: "gave up", StopReason: "stop"},
	)
	runtime, taskID := h.runtime(t, client, 0)

	done := make(chan error, 1)
	go func() { done <- runtime.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		p, err := h.interactions.GetPendingInteraction(taskID)
		require.NoError(t, err)
		if p == nil {
			return false
		}
		runtime.NotifyResponse(event.UserInteractionRespondedPayload{
			TaskID:           taskID,
			InteractionID:    p.InteractionID,
			SelectedOptionID: "reject",
		})
		return true
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, <-done)
	assert.Equal(t, int32(0), h.risky.executions.Load())

	messages, err := h.conversations.GetMessages(taskID)
	require.NoError(t, err)
	var sawRejection bool
	for _, msg := range messages {
		if msg.Role == ports.RoleTool && msg.Content == "rejected by user" {
			sawRejection = true
		}
	}
	assert.True(t, sawRejection)
}

type loopingClient struct{ calls atomic.Int32 }

func (l *loopingClient) Model() string { return "looping" }

func (l *loopingClient) Complete(context.Context, ports.CompletionRequest) (*ports.CompletionResponse, error) {
	n := l.calls.Add(1)
	response := toolCallResponse(fmt.Sprintf("call-%d", n), "echo", `{"text":"again"}`)
	return &response, nil
}

func TestRunFailsAfterMaxIterations(t *testing.T) {
	h := newHarness(t)
	runtime, taskID := h.runtime(t, &loopingClient{}, 3)

	require.NoError(t, runtime.Run(context.Background()))

	current, err := h.tasks.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusFailed, current.Status)
	assert.Equal(t, "max iterations reached", current.FailureReason)
}

func TestRunCanceledContextEmitsTaskCanceled(t *testing.T) {
	h := newHarness(t)
	client := llm.NewMockClient("mock")
	runtime, taskID := h.runtime(t, client, 0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, runtime.Run(ctx))

	current, err := h.tasks.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusCanceled, current.Status)
	assert.Empty(t, client.Requests())
}

func TestRunIsNoopForTerminalTask(t *testing.T) {
	h := newHarness(t)
	client := llm.NewMockClient("mock")
	runtime, taskID := h.runtime(t, client, 0)
	require.NoError(t, h.tasks.MarkStarted(taskID, "agent:coder"))
	require.NoError(t, h.tasks.MarkCompleted(taskID, "earlier run", "agent:coder"))

	require.NoError(t, runtime.Run(context.Background()))
	assert.Empty(t, client.Requests())
}

func TestRepairConversationFromAuditTrail(t *testing.T) {
	h := newHarness(t)
	client := llm.NewMockClient("mock", ports.CompletionResponse{Content: "resumed", StopReason: "stop"})
	runtime, taskID := h.runtime(t, client, 0)

	// Simulate a crash after the assistant requested a tool and the executor
	// finished, but before the result reached the conversation.
	_, err := h.conversations.Append(taskID, ports.Message{Role: ports.RoleSystem, Content: "system"})
	require.NoError(t, err)
	_, err = h.conversations.Append(taskID, ports.Message{Role: ports.RoleUser, Content: "go"})
	require.NoError(t, err)
	_, err = h.conversations.Append(taskID, ports.Message{
		Role: ports.RoleAssistant,
		ToolCalls: []ports.ToolCall{{
			ID:        "call-crashed",
			Name:      "echo",
			Arguments: map[string]any{"text": "lost"},
		}},
	})
	require.NoError(t, err)
	_, err = h.audits.Append(auditlog.TypeToolCallCompleted, auditlog.Payload{
		ToolCallID: "call-crashed",
		ToolName:   "echo",
		TaskID:     taskID,
		Output:     "echo: lost",
	})
	require.NoError(t, err)

	require.NoError(t, runtime.Run(context.Background()))

	// The dangling call was answered from the audit row, not re-executed.
	assert.Equal(t, int32(0), h.safe.executions.Load())
	messages, err := h.conversations.GetMessages(taskID)
	require.NoError(t, err)
	var repaired bool
	for _, msg := range messages {
		if msg.Role == ports.RoleTool && msg.ToolCallID == "call-crashed" {
			repaired = true
			assert.Equal(t, "echo: lost", msg.Content)
		}
	}
	assert.True(t, repaired)
}

func TestInjectInstructionsAppendsUserMessages(t *testing.T) {
	h := newHarness(t)
	client := llm.NewMockClient("mock")
	runtime, taskID := h.runtime(t, client, 0)

	require.NoError(t, h.tasks.AddInstruction(taskID, "also update the docs", "user:local"))

	watermark, err := runtime.injectInstructions(time.Time{})
	require.NoError(t, err)
	assert.False(t, watermark.IsZero())

	messages, err := h.conversations.GetMessages(taskID)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.Equal(t, ports.RoleUser, messages[0].Role)
	assert.Equal(t, "also update the docs", messages[0].Content)

	// Already injected instructions stay injected exactly once.
	again, err := runtime.injectInstructions(watermark)
	require.NoError(t, err)
	assert.Equal(t, watermark, again)
	messages, err = h.conversations.GetMessages(taskID)
	require.NoError(t, err)
	assert.Len(t, messages, 1)
}
