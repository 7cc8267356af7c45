package builtin

import (
	"context"
	"fmt"
	"os"
	"strings"

	"seed/internal/agent/ports"
)

const maxReadBytes = 5 * 1024 * 1024

type readFile struct {
	cfg Config
}

// NewReadFile returns the readFile tool.
func NewReadFile(cfg Config) ports.ToolExecutor {
	return &readFile{cfg: cfg}
}

func (t *readFile) Execute(ctx context.Context, call ports.ToolInvocation) (*ports.ToolResult, error) {
	path, ok := argString(call.Arguments, "path")
	if !ok || path == "" {
		return ports.ErrorResult(call.CallID, "missing or invalid 'path'"), nil
	}

	resolved, err := resolvePath(ctx, path)
	if err != nil {
		return ports.ErrorResult(call.CallID, "%v", err), nil
	}

	info, err := os.Stat(resolved.AbsolutePath)
	if err != nil {
		return ports.ErrorResult(call.CallID, "file not found: %s", resolved.LogicalPath), nil
	}
	if info.IsDir() {
		return ports.ErrorResult(call.CallID, "%s is a directory", resolved.LogicalPath), nil
	}
	if info.Size() > maxReadBytes {
		return ports.ErrorResult(call.CallID, "file too large to read: %s (%d bytes)", resolved.LogicalPath, info.Size()), nil
	}

	raw, err := os.ReadFile(resolved.AbsolutePath)
	if err != nil {
		return ports.ErrorResult(call.CallID, "failed to read file: %v", err), nil
	}

	lines := strings.Split(string(raw), "\n")
	totalLines := len(lines)

	offset, _ := argInt(call.Arguments, "offset")
	limit, hasLimit := argInt(call.Arguments, "limit")
	if offset < 0 {
		offset = 0
	}
	if offset > totalLines {
		offset = totalLines
	}
	end := totalLines
	if hasLimit && limit > 0 && offset+limit < end {
		end = offset + limit
	}

	var sb strings.Builder
	for i := offset; i < end; i++ {
		sb.WriteString(fmt.Sprintf("%6d\t%s\n", i+1, lines[i]))
	}

	return &ports.ToolResult{
		CallID: call.CallID,
		Output: sb.String(),
		Metadata: map[string]any{
			"path":      resolved.LogicalPath,
			"lineCount": totalLines,
			"offset":    offset,
			"returned":  end - offset,
		},
	}, nil
}

func (t *readFile) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        "readFile",
		Description: "Read a file from the workspace. Paths use scope prefixes (private:/, shared:/, public:/); bare paths are private. Supports an optional line offset and limit. Output is line numbered.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path":   {Type: "string", Description: "Logical path of the file to read"},
				"offset": {Type: "integer", Description: "Zero-based line to start from"},
				"limit":  {Type: "integer", Description: "Maximum number of lines to return"},
			},
			Required: []string{"path"},
		},
	}
}

func (t *readFile) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "readFile", Group: "file", Risk: ports.RiskSafe}
}
