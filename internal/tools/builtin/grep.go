package builtin

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"seed/internal/agent/ports"
	"seed/internal/tools"
	"seed/internal/workspace"
)

const maxGrepResultLines = 200

type grepTool struct {
	cfg Config
}

// NewGrep returns the grepTool tool.
func NewGrep(cfg Config) ports.ToolExecutor {
	return &grepTool{cfg: cfg}
}

func (t *grepTool) Execute(ctx context.Context, call ports.ToolInvocation) (*ports.ToolResult, error) {
	pattern, ok := argString(call.Arguments, "pattern")
	if !ok || pattern == "" {
		return ports.ErrorResult(call.CallID, "missing or invalid 'pattern'"), nil
	}
	if strings.ContainsRune(pattern, 0) {
		return ports.ErrorResult(call.CallID, "pattern contains NUL byte"), nil
	}
	searchPath, _ := argString(call.Arguments, "path")
	if searchPath == "" {
		searchPath = "private:/"
	}
	include, _ := argString(call.Arguments, "include")

	resolver := tools.ResolverFromContext(ctx)
	if resolver == nil {
		return ports.ErrorResult(call.CallID, "no workspace resolver available"), nil
	}
	resolved, err := resolver.ResolveToolPath(ctx, searchPath, workspace.ResolveOptions{})
	if err != nil {
		return ports.ErrorResult(call.CallID, "%v", err), nil
	}
	if _, err := os.Stat(resolved.AbsolutePath); err != nil {
		return ports.ErrorResult(call.CallID, "path not found: %s", resolved.LogicalPath), nil
	}

	lines, method, err := t.search(ctx, resolved.AbsolutePath, pattern, include)
	if err != nil {
		return ports.ErrorResult(call.CallID, "search failed: %v", err), nil
	}

	truncated := false
	if len(lines) > maxGrepResultLines {
		lines = lines[:maxGrepResultLines]
		truncated = true
	}

	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(remapGrepLine(resolver, resolved, line))
		sb.WriteString("\n")
	}
	if truncated {
		sb.WriteString("(results truncated)\n")
	}
	if len(lines) == 0 {
		sb.WriteString("No matches found.\n")
	}

	return &ports.ToolResult{
		CallID: call.CallID,
		Output: sb.String(),
		Metadata: map[string]any{
			"pattern": pattern,
			"path":    resolved.LogicalPath,
			"method":  method,
			"count":   len(lines),
		},
	}, nil
}

// search tries git grep, then system grep, then an in-process scan. Commands
// receive argument arrays only; the pattern never passes through a shell.
func (t *grepTool) search(ctx context.Context, dir, pattern, include string) ([]string, string, error) {
	if lines, err := runGrepCommand(ctx, dir, gitGrepArgs(pattern, include)); err == nil {
		return lines, "git-grep", nil
	}
	if lines, err := runGrepCommand(ctx, dir, systemGrepArgs(pattern, include)); err == nil {
		return lines, "grep", nil
	}
	lines, err := t.scanFiles(dir, pattern, include)
	return lines, "scan", err
}

func gitGrepArgs(pattern, include string) []string {
	args := []string{"git", "grep", "--no-index", "-I", "-n", "-E", "-e", pattern}
	if include != "" {
		args = append(args, "--", include)
	}
	return args
}

func systemGrepArgs(pattern, include string) []string {
	args := []string{"grep", "-r", "-I", "-n", "-E", "-e", pattern}
	if include != "" {
		args = append(args, "--include", include)
	}
	return append(args, ".")
}

// runGrepCommand runs the tool in dir. Exit status 1 means no matches and is
// not an error; anything else falls through to the next strategy.
func runGrepCommand(ctx context.Context, dir string, args []string) ([]string, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = dir
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil, nil
		}
		return nil, err
	}
	return splitNonEmptyLines(out.String()), nil
}

func (t *grepTool) scanFiles(dir, pattern, include string) ([]string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %v", err)
	}
	var lines []string
	walkErr := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if include != "" {
			if ok, err := path.Match(include, path.Base(rel)); err != nil || !ok {
				return nil
			}
		}
		f, err := os.Open(p)
		if err != nil {
			return nil
		}
		defer func() { _ = f.Close() }()

		scanner := bufio.NewScanner(f)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			text := scanner.Text()
			if strings.ContainsRune(text, 0) {
				return nil // binary file
			}
			if re.MatchString(text) {
				lines = append(lines, fmt.Sprintf("%s:%d:%s", rel, lineNo, text))
			}
		}
		return nil
	})
	return lines, walkErr
}

// remapGrepLine rewrites the leading store path of a "path:line:text" match
// to its logical form.
func remapGrepLine(resolver *workspace.Resolver, resolved *workspace.Resolved, line string) string {
	trimmed := strings.TrimPrefix(line, "./")
	idx := strings.Index(trimmed, ":")
	if idx <= 0 {
		return trimmed
	}
	rel := trimmed[:idx]
	logical := resolver.MapStorePathToLogicalPath(resolved.Scope, resolved.ScopeRootStorePath,
		path.Join(resolved.ScopeRootStorePath, rel))
	return logical + trimmed[idx:]
}

func splitNonEmptyLines(s string) []string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return out
}

func (t *grepTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "grepTool",
		Description: "Search workspace file contents with an extended regular expression. Results are 'path:line:text'. Optional 'include' restricts matches to file names matching a glob.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"pattern": {Type: "string", Description: "Extended regular expression to search for"},
				"path":    {Type: "string", Description: "Logical directory to search; defaults to private:/"},
				"include": {Type: "string", Description: "Glob filter on file names, e.g. '*.go'"},
			},
			Required: []string{"pattern"},
		},
	}
}

func (t *grepTool) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "grepTool", Group: "search", Risk: ports.RiskSafe}
}
