// Package runtimemgr owns the lifecycle of per-task agent runtimes. On start
// it recovers runtimes for every non-terminal task already on disk, then
// watches the event log's live feed, spawns a runtime for every created task
// whose agent is registered, routes interaction responses and tears runtimes
// down when their task reaches a terminal state.
package runtimemgr

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"seed/internal/agent"
	"seed/internal/agent/ports"
	"seed/internal/auditlog"
	"seed/internal/convlog"
	"seed/internal/event"
	"seed/internal/eventlog"
	"seed/internal/interaction"
	"seed/internal/shared/logging"
	"seed/internal/task"
	"seed/internal/tools"
	"seed/internal/tools/process"
	"seed/internal/uibus"
	"seed/internal/workspace"
)

// DefaultMaxConcurrentRuntimes caps simultaneously running agents.
const DefaultMaxConcurrentRuntimes = 4

// AgentProfile registers an agent id with its LLM client.
type AgentProfile struct {
	AgentID       string
	LLM           ports.LLMClient
	MaxIterations int
}

// Observer is notified when runtimes start and stop. Implemented by the
// metrics collector; optional.
type Observer interface {
	RuntimeStarted(taskID string)
	RuntimeStopped(taskID string)
}

// Deps are the shared collaborators every runtime receives.
type Deps struct {
	Log           *eventlog.Log
	Executor      *tools.Executor
	Conversations *convlog.Log
	Audits        *auditlog.Log
	Tasks         *task.Service
	Interactions  *interaction.Service
	Bus           *uibus.Bus
	Tracker       *process.Tracker
	Logger        logging.Logger
	Clock         ports.Clock
	BaseDir       string
	MaxRuntimes   int
	Observer      Observer
}

type runningRuntime struct {
	runtime *agent.Runtime
	cancel  context.CancelFunc
}

// Manager spawns and reaps runtimes.
type Manager struct {
	deps     Deps
	logger   logging.Logger
	profiles map[string]AgentProfile
	sem      *semaphore.Weighted

	mu         sync.Mutex
	cancel     context.CancelFunc
	running    map[string]*runningRuntime
	queue      []string
	dispatched map[string]bool
	stopped    bool

	wg sync.WaitGroup
}

// NewManager builds a manager. Register profiles before calling Start.
func NewManager(deps Deps) *Manager {
	if deps.MaxRuntimes <= 0 {
		deps.MaxRuntimes = DefaultMaxConcurrentRuntimes
	}
	return &Manager{
		deps:       deps,
		logger:     logging.OrNop(deps.Logger),
		profiles:   make(map[string]AgentProfile),
		sem:        semaphore.NewWeighted(int64(deps.MaxRuntimes)),
		running:    make(map[string]*runningRuntime),
		dispatched: make(map[string]bool),
	}
}

// RegisterAgent adds an agent profile.
func (m *Manager) RegisterAgent(profile AgentProfile) {
	m.mu.Lock()
	m.profiles[profile.AgentID] = profile
	m.mu.Unlock()
}

// Profiles lists registered agent ids.
func (m *Manager) Profiles() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		out = append(out, id)
	}
	return out
}

// RunningTasks lists task ids with a live runtime.
func (m *Manager) RunningTasks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.running))
	for id := range m.running {
		out = append(out, id)
	}
	return out
}

// Start recovers runtimes for tasks that were in flight when the previous
// master exited, then follows the live feed until ctx ends or Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.mu.Unlock()

	// Subscribe before the recovery scan so tasks created in between are
	// seen on the feed; the running map dedups the overlap.
	feed, cancelFeed := m.deps.Log.Subscribe(1024)
	m.recoverExisting(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancelFeed()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-feed:
				if !ok {
					return
				}
				m.dispatch(ctx, ev)
			}
		}
	}()
}

// recoverExisting dispatches every non-terminal task with a registered agent
// from the tasks projection. Events persisted before Start never replay on
// the live feed, so a crash would otherwise strand in-flight tasks.
func (m *Manager) recoverExisting(ctx context.Context) {
	tasks, err := m.deps.Tasks.ListTasks()
	if err != nil {
		m.logger.Error("Recovery scan failed: %v", err)
		return
	}
	for _, t := range tasks {
		if t.Status.Terminal() {
			continue
		}
		m.maybeSpawn(ctx, t.ID, t.AgentID)
	}
}

// Stop stops feed dispatch, cancels every runtime and waits for them to
// unwind. Background children die with their runtimes.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	cancel := m.cancel
	for _, r := range m.running {
		r.cancel()
	}
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	m.wg.Wait()
	if m.deps.Tracker != nil {
		m.deps.Tracker.KillAll()
	}
}

func (m *Manager) dispatch(ctx context.Context, ev event.Stored) {
	switch ev.Type {
	case event.TypeTaskCreated:
		payload, err := event.Decode[event.TaskCreatedPayload](ev)
		if err != nil {
			m.logger.Warn("Skipping invalid TaskCreated event %d: %v", ev.ID, err)
			return
		}
		m.maybeSpawn(ctx, payload.TaskID, payload.AgentID)
	case event.TypeUserInteractionResponded:
		payload, err := event.Decode[event.UserInteractionRespondedPayload](ev)
		if err != nil {
			m.logger.Warn("Skipping invalid UserInteractionResponded event %d: %v", ev.ID, err)
			return
		}
		m.routeResponse(payload)
	case event.TypeTaskCompleted, event.TypeTaskFailed, event.TypeTaskCanceled:
		m.teardown(ev.StreamID)
	}
	m.publishTaskUpdate(ev.StreamID)
}

func (m *Manager) maybeSpawn(ctx context.Context, taskID, agentID string) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	profile, registered := m.profiles[agentID]
	if !registered {
		m.logger.Debug("No registered agent %q for task %s", agentID, taskID)
		m.mu.Unlock()
		return
	}
	if _, exists := m.running[taskID]; exists {
		m.mu.Unlock()
		return
	}
	if !m.sem.TryAcquire(1) {
		if !m.queuedLocked(taskID) {
			m.logger.Info("Runtime slots exhausted, queueing task %s", taskID)
			m.queue = append(m.queue, taskID)
		}
		m.mu.Unlock()
		return
	}
	m.spawnLocked(ctx, taskID, profile)
	m.mu.Unlock()
}

// spawnLocked starts the runtime goroutine. Caller holds m.mu and has
// acquired a slot.
func (m *Manager) spawnLocked(ctx context.Context, taskID string, profile AgentProfile) {
	runCtx, cancel := context.WithCancel(ctx)
	resolver := workspace.NewResolver(m.deps.BaseDir, taskID, &projectionTree{tasks: m.deps.Tasks}, m.logger)
	rt := agent.NewRuntime(taskID, agentActorID(profile.AgentID), agent.Deps{
		LLM:           profile.LLM,
		Executor:      m.deps.Executor,
		Conversations: m.deps.Conversations,
		Audits:        m.deps.Audits,
		Tasks:         m.deps.Tasks,
		Interactions:  m.deps.Interactions,
		Bus:           m.deps.Bus,
		Resolver:      resolver,
		Tracker:       m.deps.Tracker,
		Logger:        m.logger,
		Clock:         m.deps.Clock,
		BaseDir:       m.deps.BaseDir,
		MaxIterations: profile.MaxIterations,
	})
	m.running[taskID] = &runningRuntime{runtime: rt, cancel: cancel}
	if m.deps.Observer != nil {
		m.deps.Observer.RuntimeStarted(taskID)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		if err := rt.Run(runCtx); err != nil {
			m.logger.Error("Runtime for task %s failed: %v", taskID, err)
		}
		m.release(ctx, taskID)
	}()
}

func (m *Manager) queuedLocked(taskID string) bool {
	for _, id := range m.queue {
		if id == taskID {
			return true
		}
	}
	return false
}

func (m *Manager) release(ctx context.Context, taskID string) {
	m.mu.Lock()
	delete(m.running, taskID)
	m.sem.Release(1)
	for key := range m.dispatched {
		if strings.HasPrefix(key, taskID+"|") {
			delete(m.dispatched, key)
		}
	}
	if m.deps.Observer != nil {
		m.deps.Observer.RuntimeStopped(taskID)
	}
	if m.deps.Bus != nil {
		m.deps.Bus.Forget(taskID)
	}
	m.drainQueueLocked(ctx)
	m.mu.Unlock()
}

// drainQueueLocked starts queued tasks while slots are available.
func (m *Manager) drainQueueLocked(ctx context.Context) {
	for len(m.queue) > 0 && !m.stopped {
		next := m.queue[0]
		if _, exists := m.running[next]; exists {
			m.queue = m.queue[1:]
			continue
		}
		current, err := m.deps.Tasks.GetTask(next)
		if err != nil || current.Status.Terminal() {
			m.queue = m.queue[1:]
			continue
		}
		profile, registered := m.profiles[current.AgentID]
		if !registered {
			m.queue = m.queue[1:]
			continue
		}
		if !m.sem.TryAcquire(1) {
			return
		}
		m.queue = m.queue[1:]
		m.spawnLocked(ctx, next, profile)
	}
}

// routeResponse forwards a response to the task's runtime once. The
// (taskId, interactionId) dedup keeps feed replays from double-dispatching.
func (m *Manager) routeResponse(payload event.UserInteractionRespondedPayload) {
	key := fmt.Sprintf("%s|%s", payload.TaskID, payload.InteractionID)
	m.mu.Lock()
	if m.dispatched[key] {
		m.mu.Unlock()
		return
	}
	m.dispatched[key] = true
	r, ok := m.running[payload.TaskID]
	m.mu.Unlock()
	if ok {
		r.runtime.NotifyResponse(payload)
	}
}

func (m *Manager) teardown(taskID string) {
	m.mu.Lock()
	r, ok := m.running[taskID]
	m.mu.Unlock()
	if ok {
		r.cancel()
	}
}

func (m *Manager) publishTaskUpdate(taskID string) {
	if m.deps.Bus == nil || taskID == "" {
		return
	}
	current, err := m.deps.Tasks.GetTask(taskID)
	if err != nil {
		return
	}
	m.deps.Bus.PublishTaskUpdated(*current)
}

func agentActorID(agentID string) string { return "agent:" + agentID }

// projectionTree adapts the tasks projection to the resolver's TaskTree.
type projectionTree struct {
	tasks *task.Service
}

func (p *projectionTree) RootOf(taskID string) string {
	state, err := p.tasks.State()
	if err != nil {
		return taskID
	}
	return state.RootOf(taskID)
}

func (p *projectionTree) HasDescendants(rootID string) bool {
	state, err := p.tasks.State()
	if err != nil {
		return false
	}
	return state.HasDescendants(rootID)
}
