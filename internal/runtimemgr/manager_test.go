package runtimemgr

import (
	"context"
	"sync"
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
	sharederrors "seed/internal/shared/errors"
	"seed/internal/shared/logging"
	"seed/internal/task"
	"seed/internal/tools"
	"seed/internal/uibus"
)

type lifecycleObserver struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (o *lifecycleObserver) RuntimeStarted(taskID string) {
	o.mu.Lock()
	o.started = append(o.started, taskID)
	o.mu.Unlock()
}

func (o *lifecycleObserver) RuntimeStopped(taskID string) {
	o.mu.Lock()
	o.stopped = append(o.stopped, taskID)
	o.mu.Unlock()
}

func (o *lifecycleObserver) counts() (int, int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.started), len(o.stopped)
}

type managerHarness struct {
	manager  *Manager
	tasks    *task.Service
	observer *lifecycleObserver
}

func newManagerHarness(t *testing.T, maxRuntimes int) *managerHarness {
	t.Helper()
	baseDir := t.TempDir()
	stateDir := baseDir + "/state"

	events, err := eventlog.Open(stateDir, logging.Nop())
	require.NoError(t, err)
	conversations, err := convlog.Open(stateDir, logging.Nop())
	require.NoError(t, err)
	audits, err := auditlog.Open(stateDir, logging.Nop())
	require.NoError(t, err)

	tasks := task.NewService(events, logging.Nop())
	observer := &lifecycleObserver{}
	manager := NewManager(Deps{
		Log:           events,
		Executor:      tools.NewExecutor(tools.NewRegistry(), audits, logging.Nop(), nil),
		Conversations: conversations,
		Audits:        audits,
		Tasks:         tasks,
		Interactions:  interaction.NewService(events, logging.Nop()),
		Bus:           uibus.New(logging.Nop()),
		Logger:        logging.Nop(),
		BaseDir:       baseDir,
		MaxRuntimes:   maxRuntimes,
		Observer:      observer,
	})
	return &managerHarness{manager: manager, tasks: tasks, observer: observer}
}

func (h *managerHarness) createTask(t *testing.T, agentID string) string {
	t.Helper()
	taskID, err := h.tasks.CreateTask(task.CreateTaskInput{
		Title:         "managed task",
		AgentID:       agentID,
		AuthorActorID: "user:local",
	})
	require.NoError(t, err)
	return taskID
}

func (h *managerHarness) waitDone(t *testing.T, taskID string) event.Task {
	t.Helper()
	var current *event.Task
	require.Eventually(t, func() bool {
		task, err := h.tasks.GetTask(taskID)
		require.NoError(t, err)
		current = task
		return task.Status.Terminal()
	}, 10*time.Second, 20*time.Millisecond)
	return *current
}

func TestManagerSpawnsRuntimeForCreatedTask(t *testing.T) {
	h := newManagerHarness(t, 0)
	h.manager.RegisterAgent(AgentProfile{
		AgentID: "coder",
		LLM:     llm.NewMockClient("mock", ports.CompletionResponse{Content: "done here", StopReason: "stop"}),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	taskID := h.createTask(t, "coder")
	current := h.waitDone(t, taskID)
	assert.Equal(t, event.StatusDone, current.Status)
	assert.Equal(t, "done here", current.Summary)

	require.Eventually(t, func() bool {
		started, stopped := h.observer.counts()
		return started == 1 && stopped == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Empty(t, h.manager.RunningTasks())
}

func TestManagerRecoversTasksPersistedBeforeStart(t *testing.T) {
	h := newManagerHarness(t, 0)
	h.manager.RegisterAgent(AgentProfile{
		AgentID: "coder",
		LLM:     llm.NewMockClient("mock", ports.CompletionResponse{Content: "recovered", StopReason: "stop"}),
	})

	// Persisted before Start, so it never appears on the live feed.
	taskID := h.createTask(t, "coder")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	current := h.waitDone(t, taskID)
	assert.Equal(t, event.StatusDone, current.Status)
	assert.Equal(t, "recovered", current.Summary)
}

func TestManagerRecoverySkipsTerminalTasks(t *testing.T) {
	h := newManagerHarness(t, 0)
	h.manager.RegisterAgent(AgentProfile{AgentID: "coder", LLM: llm.NewMockClient("mock")})

	taskID := h.createTask(t, "coder")
	require.NoError(t, h.tasks.MarkStarted(taskID, "agent:coder"))
	require.NoError(t, h.tasks.MarkCompleted(taskID, "already done", "agent:coder"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	time.Sleep(300 * time.Millisecond)
	started, _ := h.observer.counts()
	assert.Zero(t, started)
}

func TestStopReturnsWithoutCancelingStartContext(t *testing.T) {
	h := newManagerHarness(t, 0)
	h.manager.Start(context.Background())

	done := make(chan struct{})
	go func() {
		h.manager.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestReleaseClearsInteractionDedup(t *testing.T) {
	h := newManagerHarness(t, 0)
	m := h.manager

	m.routeResponse(event.UserInteractionRespondedPayload{TaskID: "tsk_1", InteractionID: "int_1"})
	m.routeResponse(event.UserInteractionRespondedPayload{TaskID: "tsk_2", InteractionID: "int_9"})

	require.True(t, m.sem.TryAcquire(1))
	m.release(context.Background(), "tsk_1")

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.dispatched, "tsk_1|int_1")
	assert.Contains(t, m.dispatched, "tsk_2|int_9")
}

func TestManagerIgnoresUnregisteredAgents(t *testing.T) {
	h := newManagerHarness(t, 0)
	h.manager.RegisterAgent(AgentProfile{AgentID: "coder", LLM: llm.NewMockClient("mock")})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	taskID := h.createTask(t, "reviewer")

	time.Sleep(300 * time.Millisecond)
	current, err := h.tasks.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusOpen, current.Status)
	started, _ := h.observer.counts()
	assert.Zero(t, started)
}

func TestManagerQueuesBeyondSlotLimit(t *testing.T) {
	h := newManagerHarness(t, 1)
	h.manager.RegisterAgent(AgentProfile{
		AgentID: "coder",
		LLM:     llm.NewMockClient("mock"),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)
	defer h.manager.Stop()

	first := h.createTask(t, "coder")
	second := h.createTask(t, "coder")

	// Both finish despite one slot; the queue drains as the slot frees.
	assert.True(t, h.waitDone(t, first).Status.Terminal())
	assert.True(t, h.waitDone(t, second).Status.Terminal())
}

func TestManagerStopCancelsRunningTasks(t *testing.T) {
	h := newManagerHarness(t, 0)
	gate := make(chan struct{})
	h.manager.RegisterAgent(AgentProfile{AgentID: "coder", LLM: &blockingClient{gate: gate}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.manager.Start(ctx)

	taskID := h.createTask(t, "coder")
	require.Eventually(t, func() bool {
		return len(h.manager.RunningTasks()) == 1
	}, 5*time.Second, 20*time.Millisecond)

	h.manager.Stop()
	close(gate)

	current, err := h.tasks.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, event.StatusCanceled, current.Status)
	assert.Empty(t, h.manager.RunningTasks())
}

func TestManagerProfiles(t *testing.T) {
	h := newManagerHarness(t, 0)
	h.manager.RegisterAgent(AgentProfile{AgentID: "coder", LLM: llm.NewMockClient("mock")})
	h.manager.RegisterAgent(AgentProfile{AgentID: "reviewer", LLM: llm.NewMockClient("mock")})

	assert.ElementsMatch(t, []string{"coder", "reviewer"}, h.manager.Profiles())
}

// blockingClient parks every completion until the gate closes or the context
// is canceled.
type blockingClient struct{ gate chan struct{} }

func (b *blockingClient) Model() string { return "blocking" }

func (b *blockingClient) Complete(ctx context.Context, _ ports.CompletionRequest) (*ports.CompletionResponse, error) {
	select {
	case <-ctx.Done():
		return nil, sharederrors.Wrap(sharederrors.KindAborted, ctx.Err(), "completion aborted")
	case <-b.gate:
		return &ports.CompletionResponse{Content: "unblocked", StopReason: "stop"}, nil
	}
}
