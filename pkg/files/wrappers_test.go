package files

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"mvdan.cc/sh/v3/syntax"
)

func TestGuardWrappers(t *testing.T) {
	specs, err := GuardWrappers(WrapperOptions{
		Dir:     "/usr/local/bin",
		RealDir: "/usr/bin",
		Tools:   []string{"yay", "pacman"},
		Source:  "/etc/declman/system.star",
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(specs) != 2 {
		t.Fatalf("Expected 2 wrappers, got %d", len(specs))
	}
	if specs[0].Path != "/usr/local/bin/pacman" || specs[1].Path != "/usr/local/bin/yay" {
		t.Errorf("Expected sorted wrapper paths, got %s and %s", specs[0].Path, specs[1].Path)
	}

	for _, spec := range specs {
		if spec.Mode != 0o755 {
			t.Errorf("Expected mode 0755 for %s, got %04o", spec.Path, spec.Mode)
		}
		content := *spec.Content
		tool := filepath.Base(spec.Path)
		for _, want := range []string{
			"REAL_BIN=/usr/bin/" + tool,
			`"${DECLMAN_ALLOW:-}" == "1"`,
			"sudo declman apply /etc/declman/system.star",
			"sudo DECLMAN_ALLOW=1 " + tool,
		} {
			if !strings.Contains(content, want) {
				t.Errorf("Expected %s wrapper to contain %q, got:\n%s", tool, want, content)
			}
		}
		if _, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(content), spec.Path); err != nil {
			t.Errorf("Expected %s wrapper to parse as bash, got %v", tool, err)
		}
	}
}

func TestGuardWrappers_InvalidTool(t *testing.T) {
	for _, tool := range []string{"", "../pacman", "bin/yay"} {
		if _, err := GuardWrappers(WrapperOptions{Dir: "/usr/local/bin", RealDir: "/usr/bin", Tools: []string{tool}}); err == nil {
			t.Errorf("Expected error for tool %q", tool)
		}
	}
}

func TestGuardWrappers_PassThrough(t *testing.T) {
	if _, err := exec.LookPath("bash"); err != nil {
		t.Skip("bash not available")
	}

	dir := t.TempDir()
	realDir := filepath.Join(dir, "real")
	if err := os.MkdirAll(realDir, 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(filepath.Join(realDir, "pacman"), []byte("#!/bin/sh\necho \"real $*\"\n"), 0o755); err != nil {
		t.Fatalf("failed to write stub: %v", err)
	}

	specs, err := GuardWrappers(WrapperOptions{
		Dir:     filepath.Join(dir, "wrap"),
		RealDir: realDir,
		Tools:   []string{"pacman"},
		Source:  "/etc/declman/system.yaml",
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, err := NewManager(zerolog.Nop()).Write(context.Background(), specs[0]); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tests := []struct {
		name string
		args []string
		env  []string
		want string
	}{
		{name: "query", args: []string{"-Qi", "vim"}, want: "real -Qi vim"},
		{name: "allowed sync", args: []string{"-Syu"}, env: []string{AllowEnv + "=1"}, want: "real -Syu"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := exec.Command(specs[0].Path, tt.args...)
			cmd.Env = append(os.Environ(), tt.env...)
			out, err := cmd.CombinedOutput()
			if err != nil {
				t.Fatalf("Expected no error, got %v:\n%s", err, out)
			}
			if strings.TrimSpace(string(out)) != tt.want {
				t.Errorf("Expected %q, got %q", tt.want, out)
			}
		})
	}
}
