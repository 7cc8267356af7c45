package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"seed/internal/agent/ports"
)

type listFiles struct {
	cfg Config
}

// NewListFiles returns the listFiles tool.
func NewListFiles(cfg Config) ports.ToolExecutor {
	return &listFiles{cfg: cfg}
}

func (t *listFiles) Execute(ctx context.Context, call ports.ToolInvocation) (*ports.ToolResult, error) {
	path, ok := argString(call.Arguments, "path")
	if !ok || path == "" {
		path = "private:/"
	}
	ignore := argStrings(call.Arguments, "ignore")

	resolved, err := resolvePath(ctx, path)
	if err != nil {
		return ports.ErrorResult(call.CallID, "%v", err), nil
	}

	entries, err := os.ReadDir(resolved.AbsolutePath)
	if err != nil {
		if os.IsNotExist(err) {
			return ports.ErrorResult(call.CallID, "directory not found: %s", resolved.LogicalPath), nil
		}
		return ports.ErrorResult(call.CallID, "failed to list directory: %v", err), nil
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if matchesAny(name, ignore) {
			continue
		}
		if entry.IsDir() {
			name += "/"
		}
		names = append(names, name)
	}
	sort.Strings(names)

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s (%d entries)\n", resolved.LogicalPath, len(names)))
	for _, name := range names {
		sb.WriteString(name)
		sb.WriteString("\n")
	}

	return &ports.ToolResult{
		CallID: call.CallID,
		Output: sb.String(),
		Metadata: map[string]any{
			"path":  resolved.LogicalPath,
			"count": len(names),
		},
	}, nil
}

func matchesAny(name string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := filepath.Match(pattern, name); err == nil && ok {
			return true
		}
	}
	return false
}

func (t *listFiles) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "listFiles",
		Description: "List the entries of a workspace directory. Directories are suffixed with '/'. Optional glob patterns in 'ignore' filter entries out.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":   {Type: "string", Description: "Logical path of the directory; defaults to private:/"},
				"ignore": {Type: "array", Description: "Glob patterns of entries to skip"},
			},
		},
	}
}

func (t *listFiles) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "listFiles", Group: "file", Risk: ports.RiskSafe}
}
