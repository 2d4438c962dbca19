package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultExecTimeout = 60 * time.Second
	maxExecOutput      = 64 * 1024
)

// ExecTool runs a shell command in the workspace.
type ExecTool struct {
	workspace string
	timeout   time.Duration
}

func NewExecTool(workspace string) *ExecTool {
	return &ExecTool{workspace: workspace, timeout: defaultExecTimeout}
}

func (t *ExecTool) Name() string        { return "exec" }
func (t *ExecTool) Description() string { return "Execute a shell command in the workspace" }
func (t *ExecTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "Shell command to execute",
				"minLength":   1,
			},
			"timeout": map[string]any{
				"type":        "number",
				"description": "Timeout in seconds (default 60)",
			},
		},
		"required":             []string{"command"},
		"additionalProperties": false,
	}
}

func (t *ExecTool) Execute(ctx context.Context, args map[string]any) *Result {
	command, _ := args["command"].(string)
	if strings.TrimSpace(command) == "" {
		return ErrorResult("command is required")
	}

	timeout := t.timeout
	if secs, ok := args["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = t.workspace

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	out := stdout.String()
	errOut := stderr.String()
	if len(out) > maxExecOutput {
		out = out[:maxExecOutput] + "\n[truncated]"
	}
	if len(errOut) > maxExecOutput {
		errOut = errOut[:maxExecOutput] + "\n[truncated]"
	}

	if ctx.Err() == context.DeadlineExceeded {
		return ErrorResult(fmt.Sprintf("command timed out after %s", timeout)).
			WithData("stdout", out).WithData("stderr", errOut)
	}
	if runErr != nil {
		exitCode := -1
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		msg := fmt.Sprintf("command exited with code %d", exitCode)
		if errOut != "" {
			msg += ": " + strings.TrimSpace(errOut)
		}
		return ErrorResult(msg).
			WithData("stdout", out).WithData("stderr", errOut).WithData("exit_code", exitCode)
	}

	output := out
	if output == "" && errOut != "" {
		output = errOut
	}
	if output == "" {
		output = "(no output)"
	}
	return NewResult(output).
		WithData("stdout", out).WithData("stderr", errOut).WithData("exit_code", 0)
}
