package executor

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/declman/declman/pkg/engine"
)

// Response is a canned answer for commands matching a prefix.
type Response struct {
	Prefix   []string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

// Scripted answers commands from a list of responses. The first response
// whose Prefix matches the start of argv wins; unmatched commands succeed
// with empty output.
type Scripted struct {
	mu        sync.Mutex
	responses []Response
	calls     []engine.Command
}

// NewScripted creates a scripted executor.
func NewScripted(responses ...Response) *Scripted {
	return &Scripted{responses: responses}
}

// On adds a response for commands starting with prefix.
func (s *Scripted) On(prefix []string, exitCode int, stdout string) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, Response{Prefix: prefix, ExitCode: exitCode, Stdout: stdout})
	return s
}

// Fail makes commands starting with prefix fail to start.
func (s *Scripted) Fail(prefix []string, err error) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, Response{Prefix: prefix, Err: err})
	return s
}

// Execute records cmd and returns the matching response.
func (s *Scripted) Execute(ctx context.Context, cmd engine.Command) (*engine.CommandResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls = append(s.calls, cmd)
	for _, r := range s.responses {
		if hasPrefix(cmd.Argv, r.Prefix) {
			if r.Err != nil {
				return nil, r.Err
			}
			return &engine.CommandResult{ExitCode: r.ExitCode, Stdout: r.Stdout, Stderr: r.Stderr}, nil
		}
	}
	return &engine.CommandResult{}, nil
}

// Calls returns every recorded command.
func (s *Scripted) Calls() []engine.Command {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]engine.Command(nil), s.calls...)
}

// Lines returns the recorded commands joined by spaces.
func (s *Scripted) Lines() []string {
	calls := s.Calls()
	out := make([]string, 0, len(calls))
	for _, c := range calls {
		line := strings.Join(c.Argv, " ")
		if c.AsUser != "" {
			line = fmt.Sprintf("[%s] %s", c.AsUser, line)
		}
		out = append(out, line)
	}
	return out
}

// Called reports whether a command starting with prefix was executed.
func (s *Scripted) Called(prefix ...string) bool {
	for _, c := range s.Calls() {
		if hasPrefix(c.Argv, prefix) {
			return true
		}
	}
	return false
}

func hasPrefix(argv, prefix []string) bool {
	if len(prefix) > len(argv) {
		return false
	}
	for i := range prefix {
		if argv[i] != prefix[i] {
			return false
		}
	}
	return true
}
