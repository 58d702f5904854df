package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
)

const maxCommandOutput = 50_000

// Terminal runs a shell command in the local workspace. Destructive
// invocations are gated upstream by the guardian policy.
type Terminal struct{}

func (t *Terminal) Name() string { return "terminal" }

func (t *Terminal) Description() string {
	return "Execute a shell command and return combined stdout/stderr. Args: command."
}

func (t *Terminal) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "Shell command to run."},
		},
		"required": []string{"command"},
	}
}

func (t *Terminal) Invoke(ctx context.Context, args map[string]any) (string, error) {
	command := stringArg(args, "command")
	if command == "" {
		return "", fmt.Errorf("missing required argument 'command'")
	}
	return runCommand(ctx, "sh", "-c", command)
}

// RunPythonCode executes a Python snippet with the system interpreter.
type RunPythonCode struct{}

func (t *RunPythonCode) Name() string { return "run_python_code" }

func (t *RunPythonCode) Description() string {
	return "Execute a Python code snippet and return its output. Args: code."
}

func (t *RunPythonCode) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"code": map[string]any{"type": "string", "description": "Python source to execute."},
		},
		"required": []string{"code"},
	}
}

func (t *RunPythonCode) Invoke(ctx context.Context, args map[string]any) (string, error) {
	code := stringArg(args, "code")
	if code == "" {
		return "", fmt.Errorf("missing required argument 'code'")
	}
	return runCommand(ctx, "python3", "-c", code)
}

func runCommand(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if len(out) > maxCommandOutput {
		out = out[:maxCommandOutput] + "\n... [truncated]"
	}
	if err != nil {
		if out != "" {
			return "", fmt.Errorf("%s failed: %w\n%s", name, err, out)
		}
		return "", fmt.Errorf("%s failed: %w", name, err)
	}
	if out == "" {
		return "(command completed with no output)", nil
	}
	return out, nil
}
