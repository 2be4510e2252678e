package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"aide/internal/agent"
)

const (
	maxOutputBytes = 16 * 1024
	defaultTimeout = 2 * time.Minute
)

// Classifier decides whether a shell command is dangerous enough to require
// user approval. It is a swappable policy, not part of the tool itself.
type Classifier func(command string) bool

// SafeReadOnly approves a short allowlist of read-only commands and treats
// everything else as dangerous.
func SafeReadOnly(command string) bool {
	fields := strings.Fields(strings.TrimSpace(command))
	if len(fields) == 0 {
		return true
	}
	if strings.ContainsAny(command, "|&;><`$") {
		return true
	}
	switch fields[0] {
	case "ls", "pwd", "cat", "head", "tail", "wc", "which", "date", "whoami":
		return false
	case "git":
		if len(fields) > 1 {
			switch fields[1] {
			case "status", "log", "diff", "show", "branch":
				return false
			}
		}
		return true
	default:
		return true
	}
}

type shellArgs struct {
	Command string `json:"command"`
}

// RunShell returns the run_shell tool. Commands the classifier flags as
// dangerous pause for approval before execution.
func RunShell(workDir string, dangerous Classifier, timeout time.Duration) *agent.Tool {
	if dangerous == nil {
		dangerous = func(string) bool { return true }
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &agent.Tool{
		Name:        "run_shell",
		Description: "Execute a shell command in the working directory and return its combined output.",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"command": {"type": "string", "description": "The shell command to run."}
			},
			"required": ["command"]
		}`),
		NeedsApproval: func(arguments string) bool {
			var args shellArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return true
			}
			return dangerous(args.Command)
		},
		Execute: func(ctx context.Context, arguments string) (string, error) {
			var args shellArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return "", fmt.Errorf("invalid run_shell arguments: %w", err)
			}
			command := strings.TrimSpace(args.Command)
			if command == "" {
				return "", errors.New("run_shell requires a non-empty command")
			}
			runCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			cmd := exec.CommandContext(runCtx, "sh", "-c", command)
			cmd.Dir = workDir
			out, err := cmd.CombinedOutput()
			output := truncate(string(out))
			if err != nil {
				if runCtx.Err() == context.DeadlineExceeded {
					return output, fmt.Errorf("command timed out after %s", timeout)
				}
				return output, fmt.Errorf("command failed: %w", err)
			}
			if strings.TrimSpace(output) == "" {
				output = "(no output)"
			}
			return output, nil
		},
		FormatCommand: func(arguments string) string {
			var args shellArgs
			if err := json.Unmarshal([]byte(arguments), &args); err != nil {
				return ""
			}
			return "$ " + strings.TrimSpace(args.Command)
		},
	}
}

func truncate(s string) string {
	if len(s) <= maxOutputBytes {
		return s
	}
	return s[:maxOutputBytes] + "\n... (output truncated)"
}
