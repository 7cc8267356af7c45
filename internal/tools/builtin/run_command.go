package builtin

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"seed/internal/agent/ports"
	"seed/internal/tools"
)

const (
	defaultCommandTimeout = 30 * time.Second
	defaultMaxOutputBytes = 64 * 1024
)

type runCommand struct {
	cfg Config
}

// NewRunCommand returns the runCommand tool.
func NewRunCommand(cfg Config) ports.ToolExecutor {
	return &runCommand{cfg: cfg}
}

func (t *runCommand) Execute(ctx context.Context, call ports.ToolInvocation) (*ports.ToolResult, error) {
	command, ok := argString(call.Arguments, "command")
	if !ok || strings.TrimSpace(command) == "" {
		return ports.ErrorResult(call.CallID, "missing or invalid 'command'"), nil
	}

	workDir, err := t.workDir(ctx, call)
	if err != nil {
		return ports.ErrorResult(call.CallID, "%v", err), nil
	}

	if argBool(call.Arguments, "isBackground") {
		return t.startBackground(ctx, call, command, workDir)
	}
	return t.runForeground(ctx, call, command, workDir)
}

func (t *runCommand) workDir(ctx context.Context, call ports.ToolInvocation) (string, error) {
	cwd, _ := argString(call.Arguments, "cwd")
	if cwd == "" {
		cwd = "private:/"
	}
	resolved, err := resolvePath(ctx, cwd)
	if err != nil {
		return "", err
	}
	return resolved.AbsolutePath, nil
}

func (t *runCommand) runForeground(ctx context.Context, call ports.ToolInvocation, command, workDir string) (*ports.ToolResult, error) {
	timeout := t.timeout(call)

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workDir
	// Own process group so SIGTERM reaches children spawned by the shell.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return ports.ErrorResult(call.CallID, "failed to start command: %v", err), nil
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	var waitErr error
	timedOut := false
	aborted := false
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		kill := terminate(cmd)
		waitErr = <-done
		stopTimer(kill)
	case <-ctx.Done():
		aborted = true
		kill := terminate(cmd)
		waitErr = <-done
		stopTimer(kill)
	}

	output := t.renderOutput(stdout.String(), stderr.String())
	switch {
	case aborted:
		return ports.ErrorResult(call.CallID, "command aborted\n%s", output), nil
	case timedOut:
		return ports.ErrorResult(call.CallID, "command timed out after %s\n%s", timeout, output), nil
	}

	exitCode := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return ports.ErrorResult(call.CallID, "command failed: %v\n%s", waitErr, output), nil
		}
	}

	result := &ports.ToolResult{
		CallID:  call.CallID,
		Output:  fmt.Sprintf("exit code: %d\n%s", exitCode, output),
		IsError: exitCode != 0,
		Metadata: map[string]any{
			"exitCode": exitCode,
		},
	}
	return result, nil
}

func (t *runCommand) startBackground(ctx context.Context, call ports.ToolInvocation, command, workDir string) (*ports.ToolResult, error) {
	tracker := tools.ProcessTrackerFromContext(ctx)
	if tracker == nil {
		return ports.ErrorResult(call.CallID, "background execution unavailable: no process tracker"), nil
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = workDir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		return ports.ErrorResult(call.CallID, "failed to start background command: %v", err), nil
	}
	entry := tracker.Track(call.TaskID, command, cmd)

	return &ports.ToolResult{
		CallID: call.CallID,
		Output: fmt.Sprintf("started background process pid %d", entry.PID),
		Metadata: map[string]any{
			"pid":        entry.PID,
			"background": true,
		},
	}, nil
}

func (t *runCommand) timeout(call ports.ToolInvocation) time.Duration {
	if secs, ok := argInt(call.Arguments, "timeout"); ok && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t.cfg.CommandTimeoutSeconds > 0 {
		return time.Duration(t.cfg.CommandTimeoutSeconds) * time.Second
	}
	return defaultCommandTimeout
}

func (t *runCommand) renderOutput(stdout, stderr string) string {
	limit := t.cfg.MaxOutputBytes
	if limit <= 0 {
		limit = defaultMaxOutputBytes
	}
	var sb strings.Builder
	if stdout != "" {
		sb.WriteString("stdout:\n")
		sb.WriteString(truncateBytes(stdout, limit))
		sb.WriteString("\n")
	}
	if stderr != "" {
		sb.WriteString("stderr:\n")
		sb.WriteString(truncateBytes(stderr, limit))
		sb.WriteString("\n")
	}
	return sb.String()
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func truncateBytes(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n(output truncated)"
}

// terminate signals the process group and returns the SIGKILL escalation
// timer. Callers must Stop it once Wait returns so the delayed kill cannot
// hit a reused process group.
func terminate(cmd *exec.Cmd) *time.Timer {
	if cmd.Process == nil {
		return nil
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGTERM); err != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}
	return time.AfterFunc(5*time.Second, func() {
		_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	})
}

func (t *runCommand) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name: "runCommand",
		Description: "Run a shell command in the task workspace. Foreground runs capture stdout and stderr and surface the exit code. " +
			"Set isBackground=true to start a long-lived process tracked until the task ends.",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"command":      {Type: "string", Description: "Shell command to execute"},
				"timeout":      {Type: "integer", Description: "Timeout in seconds for foreground runs"},
				"cwd":          {Type: "string", Description: "Logical working directory; defaults to private:/"},
				"isBackground": {Type: "boolean", Description: "Start detached and keep running"},
			},
			Required: []string{"command"},
		},
	}
}

func (t *runCommand) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: "runCommand", Group: "shell", Risk: ports.RiskRisky}
}
