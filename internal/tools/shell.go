package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/user/clawterm/internal/executor"
	"github.com/user/clawterm/internal/safety"
)

// Shell executes commands on the host.
type Shell struct {
	shell string
	dir   string
}

// NewShell creates a shell tool running commands with shell -c in dir.
func NewShell(shell, dir string) *Shell {
	if shell == "" {
		shell = "bash"
	}
	return &Shell{shell: shell, dir: dir}
}

func (s *Shell) Describe() executor.Descriptor {
	return executor.Descriptor{
		Name:        "shell",
		Description: "Execute a shell command on the host machine and return its combined stdout and stderr",
		InputSchema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The command to execute"},
				"timeout_seconds": {"type": "integer", "description": "Timeout in seconds, capped by policy"}
			},
			"required": ["command"]
		}`),
		Risk:          safety.RiskHigh,
		CommandParams: []string{"command"},
	}
}

func (s *Shell) Invoke(ctx context.Context, args json.RawMessage) (string, error) {
	var params struct {
		Command string `json:"command"`
	}
	if err := decode(args, &params); err != nil {
		return "", err
	}
	if params.Command == "" {
		return "", fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, s.shell, "-c", params.Command)
	cmd.Dir = s.dir
	// Children that keep the pipes open must not outlive the deadline.
	cmd.WaitDelay = time.Second
	output, err := cmd.CombinedOutput()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return string(output), fmt.Errorf("command exited with status %d", exitErr.ExitCode())
		}
		return string(output), fmt.Errorf("command failed: %w", err)
	}
	return string(output), nil
}
