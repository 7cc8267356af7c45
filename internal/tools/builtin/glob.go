package builtin

import (
	"context"
	"io/fs"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"seed/internal/agent/ports"
	"seed/internal/tools"
	"seed/internal/workspace"
)

const maxGlobResults = 500

type globTool struct {
	cfg Config
}

// NewGlob returns the globTool tool.
func NewGlob(cfg Config) ports.ToolExecutor {
	return &globTool{cfg: cfg}
}

func (t *globTool) Execute(ctx context.Context, call ports.ToolInvocation) (*ports.ToolResult, error) {
	pattern, ok := argString(call.Arguments, "pattern")
	if !ok || pattern == "" {
		return ports.ErrorResult(call.CallID, "missing or invalid 'pattern'"), nil
	}
	ignore := argStrings(call.Arguments, "ignore")

	resolver := tools.ResolverFromContext(ctx)
	if resolver == nil {
		return ports.ErrorResult(call.CallID, "no workspace resolver available"), nil
	}

	// The pattern's scope prefix picks the root to walk; the remainder is
	// matched against paths relative to that root.
	scopePath := pattern
	resolved, err := resolver.ResolveToolPath(ctx, scopeOnly(scopePath), workspace.ResolveOptions{})
	if err != nil {
		return ports.ErrorResult(call.CallID, "%v", err), nil
	}
	relPattern := stripScope(pattern)

	matches, err := globWalk(resolved.AbsolutePath, relPattern, ignore)
	if err != nil {
		return ports.ErrorResult(call.CallID, "glob failed: %v", err), nil
	}

	truncated := false
	if len(matches) > maxGlobResults {
		matches = matches[:maxGlobResults]
		truncated = true
	}

	var sb strings.Builder
	for _, m := range matches {
		logical := resolver.MapStorePathToLogicalPath(resolved.Scope, resolved.ScopeRootStorePath,
			path.Join(resolved.ScopeRootStorePath, m))
		sb.WriteString(logical)
		sb.WriteString("\n")
	}
	if truncated {
		sb.WriteString("(results truncated)\n")
	}
	if len(matches) == 0 {
		sb.WriteString("No files matched.\n")
	}

	return &ports.ToolResult{
		CallID: call.CallID,
		Output: sb.String(),
		Metadata: map[string]any{
			"pattern": pattern,
			"count":   len(matches),
		},
	}, nil
}

// scopeOnly keeps the pattern's scope prefix and discards the glob part so
// the resolver never sees metacharacters.
func scopeOnly(pattern string) string {
	for _, scope := range []string{"private:/", "shared:/", "public:/"} {
		if strings.HasPrefix(pattern, scope) {
			return scope
		}
	}
	return "private:/"
}

func stripScope(pattern string) string {
	for _, scope := range []string{"private:/", "shared:/", "public:/"} {
		if strings.HasPrefix(pattern, scope) {
			return strings.TrimPrefix(pattern, scope)
		}
	}
	return pattern
}

func globWalk(root, pattern string, ignore []string) ([]string, error) {
	var matches []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if !matchGlob(pattern, rel) || matchesAny(path.Base(rel), ignore) {
			return nil
		}
		matches = append(matches, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}

// matchGlob matches rel against pattern. "**/" prefixes match any number of
// leading directories, including none.
func matchGlob(pattern, rel string) bool {
	if !strings.Contains(pattern, "**") {
		ok, err := path.Match(pattern, rel)
		return err == nil && ok
	}
	// Match the part after the last "**/" against every suffix of rel.
	tail := pattern[strings.LastIndex(pattern, "**/")+len("**/"):]
	segments := strings.Split(rel, "/")
	for i := range segments {
		suffix := strings.Join(segments[i:], "/")
		if ok, err := path.Match(tail, suffix); err == nil && ok {
			return true
		}
	}
	return false
}

func (t *globTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "globTool",
		Description: "Find workspace files matching a glob pattern, e.g. '*.go' or '**/*.md'. The scope prefix of the pattern selects the sandbox root; bare patterns search private:/.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"pattern": {Type: "string", Description: "Glob pattern relative to a scope root"},
				"ignore":  {Type: "array", Description: "Glob patterns of file names to skip"},
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *globTool) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "globTool", Group: "search", Risk: ports.RiskSafe}
}
