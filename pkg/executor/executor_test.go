package executor

import (
	"context"
	"errors"
	"os/user"
	"reflect"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

func TestLocal_Execute_CapturesOutput(t *testing.T) {
	l := NewLocal(zerolog.Nop())

	result, err := l.Execute(context.Background(), engine.Command{
		Argv: []string{"sh", "-c", "echo out; echo err >&2; exit 3"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("Expected exit code 3, got %d", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "out" {
		t.Errorf("Expected stdout 'out', got %q", result.Stdout)
	}
	if strings.TrimSpace(result.Stderr) != "err" {
		t.Errorf("Expected stderr 'err', got %q", result.Stderr)
	}
	if result.Success() {
		t.Error("Expected a non-zero exit to be unsuccessful")
	}
}

func TestLocal_Execute_EnvAndDir(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(zerolog.Nop())

	result, err := l.Execute(context.Background(), engine.Command{
		Argv: []string{"sh", "-c", "echo $GREETING; pwd"},
		Dir:  dir,
		Env:  []string{"GREETING=hello", "PATH=/usr/bin:/bin"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(result.Stdout), "\n")
	if len(lines) != 2 || lines[0] != "hello" {
		t.Fatalf("Expected greeting and directory, got %q", result.Stdout)
	}
	if !strings.HasSuffix(lines[1], dir) && !strings.HasSuffix(dir, lines[1]) {
		t.Errorf("Expected working directory %s, got %s", dir, lines[1])
	}
}

func TestLocal_Execute_StartFailure(t *testing.T) {
	l := NewLocal(zerolog.Nop())

	if _, err := l.Execute(context.Background(), engine.Command{Argv: []string{"/nonexistent/binary"}}); err == nil {
		t.Error("Expected an error for a missing binary")
	}
	if _, err := l.Execute(context.Background(), engine.Command{}); err == nil {
		t.Error("Expected an error for an empty argv")
	}
}

func TestLocal_Execute_UnknownUser(t *testing.T) {
	l := NewLocal(zerolog.Nop())
	l.lookupUser = func(name string) (*user.User, error) {
		return nil, user.UnknownUserError(name)
	}

	_, err := l.Execute(context.Background(), engine.Command{Argv: []string{"true"}, AsUser: "ghost"})
	if err == nil {
		t.Fatal("Expected an error for an unknown user")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("Expected error to name the user, got %v", err)
	}
}

func TestRender(t *testing.T) {
	tests := []struct {
		argv     []string
		expected string
	}{
		{[]string{"pacman", "-S", "--needed", "vim"}, "pacman -S --needed vim"},
		{[]string{"sh", "-c", "echo hi there"}, "sh -c 'echo hi there'"},
		{[]string{"git", "rev-parse", "HEAD"}, "git rev-parse HEAD"},
		{[]string{"echo", ""}, "echo ''"},
	}

	for _, tt := range tests {
		got := Render(tt.argv)
		if got != tt.expected {
			t.Errorf("Render(%v): expected %q, got %q", tt.argv, tt.expected, got)
		}
		back, err := Split(got)
		if err != nil {
			t.Fatalf("Split(%q) failed: %v", got, err)
		}
		if !reflect.DeepEqual(back, tt.argv) {
			t.Errorf("Expected Split to invert Render, got %v for %v", back, tt.argv)
		}
	}
}

func TestScripted(t *testing.T) {
	s := NewScripted().
		On([]string{"pacman", "-Qeq"}, 0, "vim\ngit\n").
		On([]string{"pacman"}, 1, "").
		Fail([]string{"vercmp"}, errors.New("not installed"))

	result, err := s.Execute(context.Background(), engine.Command{Argv: []string{"pacman", "-Qeq"}})
	if err != nil || result.Stdout != "vim\ngit\n" {
		t.Errorf("Expected scripted stdout, got %v %v", result, err)
	}
	result, _ = s.Execute(context.Background(), engine.Command{Argv: []string{"pacman", "-Qm"}})
	if result.ExitCode != 1 {
		t.Errorf("Expected exit code 1 from the generic rule, got %d", result.ExitCode)
	}
	if _, err := s.Execute(context.Background(), engine.Command{Argv: []string{"vercmp", "1", "2"}}); err == nil {
		t.Error("Expected a start failure")
	}
	result, _ = s.Execute(context.Background(), engine.Command{Argv: []string{"true"}, AsUser: "nobody"})
	if !result.Success() {
		t.Error("Expected unmatched commands to succeed")
	}

	if !s.Called("pacman", "-Qm") {
		t.Error("Expected pacman -Qm to be recorded")
	}
	lines := s.Lines()
	if lines[len(lines)-1] != "[nobody] true" {
		t.Errorf("Expected user prefix in recorded line, got %q", lines[len(lines)-1])
	}
}
