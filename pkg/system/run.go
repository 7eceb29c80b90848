package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/declman/declman/pkg/engine"
)

// CommandError reports a command that exited with a non-zero status.
type CommandError struct {
	Argv     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("%s exited with status %d", strings.Join(e.Argv, " "), e.ExitCode)
	if stderr := strings.TrimSpace(e.Stderr); stderr != "" {
		msg += ": " + stderr
	}
	return msg
}

// Run executes cmd and turns a non-zero exit status into a *CommandError.
func Run(ctx context.Context, exec engine.CommandExecutor, cmd engine.Command) (*engine.CommandResult, error) {
	result, err := exec.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		return result, &CommandError{Argv: cmd.Argv, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	return result, nil
}

// Lines splits output into trimmed, non-empty lines.
func Lines(output string) []string {
	raw := strings.Split(output, "\n")
	out := make([]string, 0, len(raw))
	for _, line := range raw {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
