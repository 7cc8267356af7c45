// Package builtin implements the standard tool set every agent receives:
// file reading and editing, listing, glob and grep search, and command
// execution. All paths are logical workspace paths resolved through the
// task's sandbox.
package builtin

import (
	"context"
	"fmt"
	"strings"

	"seed/internal/agent/ports"
	"seed/internal/shared/logging"
	"seed/internal/tools"
	"seed/internal/workspace"
)

// Config carries the knobs builtin tools read.
type Config struct {
	// CommandTimeoutSeconds bounds foreground runCommand calls.
	CommandTimeoutSeconds int
	// MaxOutputBytes caps each captured stream of runCommand.
	MaxOutputBytes int
	Logger         logging.Logger
}

func (c Config) logger() logging.Logger { return logging.OrNop(c.Logger) }

// All returns every builtin tool.
func All(cfg Config) []ports.ToolExecutor {
	return []ports.ToolExecutor{
		NewReadFile(cfg),
		NewEditFile(cfg),
		NewListFiles(cfg),
		NewGlob(cfg),
		NewGrep(cfg),
		NewRunCommand(cfg),
	}
}

// resolvePath resolves a logical path through the resolver carried in ctx.
func resolvePath(ctx context.Context, raw string) (*workspace.Resolved, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("path cannot be empty")
	}
	resolver := tools.ResolverFromContext(ctx)
	if resolver == nil {
		return nil, fmt.Errorf("no workspace resolver available")
	}
	return resolver.ResolveToolPath(ctx, trimmed, workspace.ResolveOptions{})
}

func argString(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func argInt(args map[string]any, key string) (int, bool) {
	switch v := args[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}

func argBool(args map[string]any, key string) bool {
	b, _ := args[key].(bool)
	return b
}

func argStrings(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
