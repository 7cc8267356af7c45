package builtin

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"seed/internal/agent/ports"
	"seed/internal/diff"
)

type editFile struct {
	cfg  Config
	diff *diff.Generator
}

// NewEditFile returns the editFile tool.
func NewEditFile(cfg Config) ports.ToolExecutor {
	return &editFile{cfg: cfg, diff: diff.NewGenerator(false)}
}

func (t *editFile) Execute(ctx context.Context, call ports.ToolInvocation) (*ports.ToolResult, error) {
	path, ok := argString(call.Arguments, "path")
	if !ok || path == "" {
		return ports.ErrorResult(call.CallID, "missing or invalid 'path'"), nil
	}
	newString, ok := argString(call.Arguments, "newString")
	if !ok {
		return ports.ErrorResult(call.CallID, "missing 'newString'"), nil
	}
	oldString, _ := argString(call.Arguments, "oldString")
	useRegex := argBool(call.Arguments, "regex")

	resolved, err := resolvePath(ctx, path)
	if err != nil {
		return ports.ErrorResult(call.CallID, "%v", err), nil
	}

	if oldString == "" {
		return t.createFile(call.CallID, resolved.LogicalPath, resolved.AbsolutePath, newString)
	}
	return t.editExisting(call.CallID, resolved.LogicalPath, resolved.AbsolutePath, oldString, newString, useRegex)
}

func (t *editFile) createFile(callID, logicalPath, absPath, content string) (*ports.ToolResult, error) {
	if _, err := os.Stat(absPath); err == nil {
		return ports.ErrorResult(callID, "file already exists: %s", logicalPath), nil
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return ports.ErrorResult(callID, "failed to create directories: %v", err), nil
	}
	if err := os.WriteFile(absPath, []byte(content), 0o644); err != nil {
		return ports.ErrorResult(callID, "failed to create file: %v", err), nil
	}

	result := t.diff.Unified("", content, logicalPath)
	lineCount := len(strings.Split(content, "\n"))
	return &ports.ToolResult{
		CallID: callID,
		Output: fmt.Sprintf("Created %s (%d lines)", logicalPath, lineCount),
		Metadata: map[string]any{
			"path":      logicalPath,
			"operation": "created",
			"lineCount": lineCount,
			"diff":      result.UnifiedDiff,
		},
	}, nil
}

func (t *editFile) editExisting(callID, logicalPath, absPath, oldString, newString string, useRegex bool) (*ports.ToolResult, error) {
	raw, err := os.ReadFile(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return ports.ErrorResult(callID, "file does not exist: %s", logicalPath), nil
		}
		return ports.ErrorResult(callID, "failed to read file: %v", err), nil
	}
	content := string(raw)

	var updated string
	var strategy string
	if useRegex {
		updated, err = replaceRegex(content, oldString, newString)
		strategy = "regex"
	} else {
		updated, strategy, err = replaceLiteral(content, oldString, newString)
	}
	if err != nil {
		return ports.ErrorResult(callID, "%v", err), nil
	}

	result := t.diff.Unified(content, updated, logicalPath)
	if err := os.WriteFile(absPath, []byte(updated), 0o644); err != nil {
		return ports.ErrorResult(callID, "failed to write file: %v", err), nil
	}

	lineCount := len(strings.Split(updated, "\n"))
	return &ports.ToolResult{
		CallID: callID,
		Output: fmt.Sprintf("Updated %s (%s, %s)", logicalPath, result.Summary(), strategy),
		Metadata: map[string]any{
			"path":      logicalPath,
			"operation": "edited",
			"strategy":  strategy,
			"lineCount": lineCount,
			"diff":      result.UnifiedDiff,
		},
	}, nil
}

// replaceLiteral tries the exact match first and falls back to a
// whitespace-insensitive match built from the requested text.
func replaceLiteral(content, oldString, newString string) (string, string, error) {
	switch n := strings.Count(content, oldString); {
	case n == 1:
		return strings.Replace(content, oldString, newString, 1), "exact", nil
	case n > 1:
		return "", "", fmt.Errorf("oldString appears %d times; include more context to make it unique", n)
	}

	pattern, err := regexp.Compile(flexiblePattern(oldString))
	if err != nil {
		return "", "", fmt.Errorf("oldString not found in file")
	}
	matches := pattern.FindAllStringIndex(content, -1)
	switch len(matches) {
	case 0:
		return "", "", fmt.Errorf("oldString not found in file")
	case 1:
		loc := matches[0]
		return content[:loc[0]] + newString + content[loc[1]:], "flexible", nil
	default:
		return "", "", fmt.Errorf("oldString matches %d locations after whitespace normalization; include more context", len(matches))
	}
}

func replaceRegex(content, pattern, replacement string) (string, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid regex: %v", err)
	}
	matches := re.FindAllStringIndex(content, -1)
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("regex matched nothing")
	case 1:
		loc := matches[0]
		return content[:loc[0]] + replacement + content[loc[1]:], nil
	default:
		return "", fmt.Errorf("regex matched %d locations; anchor it to a single match", len(matches))
	}
}

// flexiblePattern turns literal text into a regex that tolerates whitespace
// drift: runs of whitespace become \s+ and structural delimiters accept
// optional whitespace on either side.
func flexiblePattern(text string) string {
	const delimiters = "(){}[];:,."
	var sb strings.Builder
	for _, r := range text {
		switch {
		case strings.ContainsRune(delimiters, r):
			sb.WriteString(`\s*`)
			sb.WriteString(regexp.QuoteMeta(string(r)))
			sb.WriteString(`\s*`)
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			sb.WriteString(`\s+`)
		default:
			sb.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return consolidateWhitespacePattern(sb.String())
}

// consolidateWhitespacePattern collapses adjacent \s quantifiers so the
// compiled regex stays linear. \s+ next to \s* keeps the stronger \s+.
func consolidateWhitespacePattern(pattern string) string {
	replacements := []struct{ from, to string }{
		{`\s*\s*`, `\s*`},
		{`\s+\s+`, `\s+`},
		{`\s*\s+`, `\s+`},
		{`\s+\s*`, `\s+`},
	}
	for {
		before := pattern
		for _, r := range replacements {
			pattern = strings.ReplaceAll(pattern, r.from, r.to)
		}
		if pattern == before {
			return pattern
		}
	}
}

func (t *editFile) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "editFile",
		Description: "Edit a workspace file by replacing oldString with newString. " +
			"oldString must identify a single location: an exact unique match is tried first, " +
			"then a whitespace-insensitive match. Set regex=true to treat oldString as a regular expression. " +
			"An empty oldString creates a new file and fails if the path already exists.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":      {Type: "string", Description: "Logical path of the file to modify"},
				"oldString": {Type: "string", Description: "Text to replace; empty to create a new file"},
				"newString": {Type: "string", Description: "Replacement text"},
				"regex":     {Type: "boolean", Description: "Treat oldString as a regular expression"},
			},
			Required: []string{"path", "oldString", "newString"},
		},
	}
}

func (t *editFile) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "editFile", Group: "file", Risk: ports.RiskRisky}
}
