package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

// Local executes commands with os/exec.
type Local struct {
	logger zerolog.Logger

	// lookupUser is replaceable in tests.
	lookupUser func(name string) (*user.User, error)
}

// NewLocal creates a local executor.
func NewLocal(logger zerolog.Logger) *Local {
	return &Local{
		logger:     logger.With().Str("component", "executor").Logger(),
		lookupUser: user.Lookup,
	}
}

// Execute runs cmd and captures its output. A non-zero exit status is
// reported in the result; the error is returned only when the process could
// not be started.
func (l *Local) Execute(ctx context.Context, cmd engine.Command) (*engine.CommandResult, error) {
	if len(cmd.Argv) == 0 {
		return nil, fmt.Errorf("command is required")
	}

	c := exec.CommandContext(ctx, cmd.Argv[0], cmd.Argv[1:]...)
	c.Dir = cmd.Dir
	if cmd.Env != nil {
		c.Env = cmd.Env
	}

	if cmd.AsUser != "" {
		if err := l.impersonate(c, cmd.AsUser); err != nil {
			return nil, err
		}
	}

	var stdout, stderr bytes.Buffer
	c.Stdout = &stdout
	c.Stderr = &stderr

	l.logger.Debug().
		Str("command", Render(cmd.Argv)).
		Str("as_user", cmd.AsUser).
		Msg("Executing command")

	start := time.Now()
	err := c.Run()
	result := &engine.CommandResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("failed to execute %s: %w", cmd.Argv[0], err)
		}
		result.ExitCode = exitErr.ExitCode()
		l.logger.Debug().
			Str("command", Render(cmd.Argv)).
			Int("exit_code", result.ExitCode).
			Msg("Command exited with non-zero status")
	}

	return result, nil
}

// impersonate sets the child's credentials and login environment.
func (l *Local) impersonate(c *exec.Cmd, name string) error {
	u, err := l.lookupUser(name)
	if err != nil {
		return fmt.Errorf("failed to look up user %s: %w", name, err)
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid uid %q for user %s: %w", u.Uid, name, err)
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid gid %q for user %s: %w", u.Gid, name, err)
	}

	groups := make([]uint32, 0)
	if ids, err := u.GroupIds(); err == nil {
		for _, id := range ids {
			if g, err := strconv.ParseUint(id, 10, 32); err == nil {
				groups = append(groups, uint32(g))
			}
		}
	}

	c.SysProcAttr = &syscall.SysProcAttr{
		Credential: &syscall.Credential{
			Uid:    uint32(uid),
			Gid:    uint32(gid),
			Groups: groups,
		},
	}

	if c.Env == nil {
		c.Env = os.Environ()
	}
	c.Env = append(c.Env,
		"HOME="+u.HomeDir,
		"USER="+u.Username,
		"LOGNAME="+u.Username,
	)
	if c.Dir == "" {
		c.Dir = u.HomeDir
	}
	return nil
}
