package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"seed/internal/event"
)

const agentsMemoryFile = "AGENTS.md"

const systemPromptTemplate = `You are an autonomous task agent working inside a sandboxed workspace.

You complete tasks by calling tools and reasoning between calls. Rules:
- Use readFile before editFile so edits target exact current content.
- Paths use scopes: private:/ is yours, shared:/ is your task family's, public:/ is workspace-wide.
- Risky actions (file edits, shell commands) may pause for user approval. A rejection is an instruction to try another way, not a failure.
- When the task is done, reply with a final summary and no tool calls.

Environment:
- Working directory: %s
- Platform: %s/%s
- Date: %s`

// PromptContext carries the workspace facts baked into the system prompt.
type PromptContext struct {
	BaseDir string
	Now     time.Time
}

// BuildSystemPrompt renders the system message, appending the workspace's
// AGENTS.md memory file when present.
func BuildSystemPrompt(pc PromptContext) string {
	prompt := fmt.Sprintf(systemPromptTemplate,
		pc.BaseDir,
		runtime.GOOS, runtime.GOARCH,
		pc.Now.UTC().Format("2006-01-02"),
	)
	if memory := readAgentsMemory(pc.BaseDir); memory != "" {
		prompt += "\n\nWorkspace memory (AGENTS.md):\n" + memory
	}
	return prompt
}

func readAgentsMemory(baseDir string) string {
	raw, err := os.ReadFile(filepath.Join(baseDir, agentsMemoryFile))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

// BuildTaskPrompt renders the opening user message from the task.
func BuildTaskPrompt(task event.Task) string {
	var sb strings.Builder
	sb.WriteString("Task: ")
	sb.WriteString(task.Title)
	if task.Intent != "" {
		sb.WriteString("\n\n")
		sb.WriteString(task.Intent)
	}
	return sb.String()
}
