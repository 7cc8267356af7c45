// Package app composes the orchestrator: logs, services, tool surface, agent
// runtimes, and the HTTP facade, wired from one Config. The cmd layer only
// parses flags and calls into here.
package app

import (
	"context"
	"fmt"
	"time"

	"seed/internal/agent/ports"
	"seed/internal/auditlog"
	"seed/internal/config"
	"seed/internal/convlog"
	"seed/internal/eventlog"
	"seed/internal/interaction"
	"seed/internal/llm"
	"seed/internal/master"
	"seed/internal/observability"
	"seed/internal/runtimemgr"
	"seed/internal/server/httpapi"
	"seed/internal/shared/logging"
	"seed/internal/task"
	"seed/internal/tools"
	"seed/internal/tools/builtin"
	"seed/internal/tools/process"
	"seed/internal/uibus"
)

// DefaultAgentID is the profile registered when the config names no agents.
const DefaultAgentID = "coder"

// App is a fully wired orchestrator instance.
type App struct {
	Config config.Config
	Logger logging.Logger

	Events        *eventlog.Log
	Audits        *auditlog.Log
	Conversations *convlog.Log
	Tasks         *task.Service
	Interactions  *interaction.Service
	Bus           *uibus.Bus
	Registry      *tools.Registry
	Executor      *tools.Executor
	Tracker       *process.Tracker
	Manager       *runtimemgr.Manager
	Server        *httpapi.Server
	Metrics       *observability.MetricsCollector

	lock       *master.Lock
	metricsSub func()
	auditSub   func()
}

// New wires every component. The master lock is not taken here; Run does
// that so status-style callers can compose without contending.
func New(cfg config.Config, logger logging.Logger) (*App, error) {
	logger = logging.OrNop(logger)
	applyLogLevel(cfg.LogLevel)

	metrics, err := observability.NewMetricsCollector(cfg.Metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	events, err := eventlog.Open(cfg.StateDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	audits, err := auditlog.Open(cfg.StateDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	conversations, err := convlog.Open(cfg.StateDir(), logger)
	if err != nil {
		return nil, fmt.Errorf("open conversation log: %w", err)
	}

	registry := tools.NewRegistry()
	for _, tool := range builtin.All(builtin.Config{
		CommandTimeoutSeconds: cfg.CommandTimeoutSeconds,
		MaxOutputBytes:        cfg.MaxOutputBytes,
		Logger:                logger,
	}) {
		if err := registry.Register(tools.WithCache(tool, tools.CacheConfig{})); err != nil {
			return nil, fmt.Errorf("register tool: %w", err)
		}
	}

	executor := tools.NewExecutor(registry, audits, logger, metrics)
	tasks := task.NewService(events, logger)
	interactions := interaction.NewService(events, logger)
	bus := uibus.New(logger, uibus.WithChunkCap(cfg.UIChunkCap))
	tracker := process.NewTracker(logger)

	manager := runtimemgr.NewManager(runtimemgr.Deps{
		Log:           events,
		Executor:      executor,
		Conversations: conversations,
		Audits:        audits,
		Tasks:         tasks,
		Interactions:  interactions,
		Bus:           bus,
		Tracker:       tracker,
		Logger:        logger,
		Clock:         ports.SystemClock{},
		BaseDir:       cfg.BaseDir,
		MaxRuntimes:   cfg.MaxRuntimes,
		Observer:      metrics,
	})

	client, err := llm.NewClient(llm.ProviderConfig{
		Provider: cfg.LLMProvider,
		Model:    cfg.LLMModel,
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
	}, logger, metrics)
	if err != nil {
		return nil, err
	}
	manager.RegisterAgent(runtimemgr.AgentProfile{
		AgentID:       DefaultAgentID,
		LLM:           client,
		MaxIterations: cfg.MaxIterations,
	})

	a := &App{
		Config:        cfg,
		Logger:        logger,
		Events:        events,
		Audits:        audits,
		Conversations: conversations,
		Tasks:         tasks,
		Interactions:  interactions,
		Bus:           bus,
		Registry:      registry,
		Executor:      executor,
		Tracker:       tracker,
		Manager:       manager,
		Metrics:       metrics,
	}
	return a, nil
}

// Run acquires the master lock, starts the manager and HTTP server, and
// blocks until ctx is canceled. Shutdown is graceful: runtimes unwind, the
// listener drains, and the lock is released.
func (a *App) Run(ctx context.Context) error {
	lock, err := master.Acquire(a.Config.BaseDir, a.Config.ServerPort, a.Logger)
	if err != nil {
		return err
	}
	a.lock = lock
	defer func() { _ = a.lock.Release() }()

	a.Server = httpapi.New(httpapi.Deps{
		Tasks:        a.Tasks,
		Interactions: a.Interactions,
		Events:       a.Events,
		Audits:       a.Audits,
		Bus:          a.Bus,
		Runtime:      a.Manager,
		Logger:       a.Logger,
		Token:        lock.Info.Token,
	})

	a.startMetricsFeed()
	a.startAuditFeed()
	a.Manager.Start(ctx)

	serverErr := make(chan error, 1)
	go func() { serverErr <- a.Server.Start(a.Config.Addr()) }()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			a.shutdown()
			return fmt.Errorf("http server: %w", err)
		}
	}
	a.shutdown()
	return nil
}

// MasterToken returns the API token once Run has acquired the lock.
func (a *App) MasterToken() string {
	if a.lock == nil {
		return ""
	}
	return a.lock.Info.Token
}

func (a *App) startMetricsFeed() {
	if a.Metrics == nil {
		return
	}
	feed, cancel := a.Events.Subscribe(256)
	a.metricsSub = cancel
	go func() {
		for range feed {
			a.Metrics.RecordEventsAppended(1)
		}
	}()
}

// startAuditFeed mirrors the audit log onto the UI bus so watchers see tool
// activity without polling the audit endpoint.
func (a *App) startAuditFeed() {
	feed, cancel := a.Audits.Subscribe(256)
	a.auditSub = cancel
	go func() {
		for entry := range feed {
			a.Bus.PublishAuditEntry(entry)
		}
	}()
}

func (a *App) shutdown() {
	a.Logger.Info("Shutting down")
	a.Manager.Stop()
	if a.metricsSub != nil {
		a.metricsSub()
	}
	if a.auditSub != nil {
		a.auditSub()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if a.Server != nil {
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("HTTP shutdown: %v", err)
		}
	}
	if a.Metrics != nil {
		if err := a.Metrics.Shutdown(shutdownCtx); err != nil {
			a.Logger.Warn("Metrics shutdown: %v", err)
		}
	}
}

func applyLogLevel(level string) {
	switch level {
	case "debug":
		logging.SetLevel(logging.LevelDebug)
	case "warn":
		logging.SetLevel(logging.LevelWarn)
	case "error":
		logging.SetLevel(logging.LevelError)
	default:
		logging.SetLevel(logging.LevelInfo)
	}
}
