// Package tools holds the tool registry and the executor that funnels every
// tool call through audit logging, schema validation and panic containment.
package tools

import (
	"sort"
	"sync"

	"seed/internal/agent/ports"
	sharederrors "seed/internal/shared/errors"
)

// Registry indexes tool executors by name.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]ports.ToolExecutor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]ports.ToolExecutor)}
}

// Register adds a tool. Registering the same name twice replaces the earlier
// executor, which lets tests swap builtins for fakes.
func (r *Registry) Register(tool ports.ToolExecutor) error {
	name := tool.Metadata().Name
	if name == "" {
		return sharederrors.Validation("tool has no name")
	}
	r.mu.Lock()
	r.tools[name] = tool
	r.mu.Unlock()
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (ports.ToolExecutor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Definitions returns every tool's definition sorted by name, ready to hand
// to the LLM.
func (r *Registry) Definitions() []ports.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.ToolDefinition, 0, len(r.tools))
	for _, tool := range r.tools {
		out = append(out, tool.Definition())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns registered tool names sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// RiskOf returns the risk level of a registered tool, defaulting to risky
// for unknown names so callers fail closed.
func (r *Registry) RiskOf(name string) ports.RiskLevel {
	if tool, ok := r.Get(name); ok {
		return tool.Metadata().Risk
	}
	return ports.RiskRisky
}
