package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/declman/declman/pkg/engine"
	"github.com/declman/declman/pkg/policy"
)

func TestRunFlags_Options(t *testing.T) {
	var run runFlags
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	run.register(flags)

	if err := flags.Parse([]string{"--no-packages", "--no-units", "--force-build", "--remove-orphans"}); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := engine.RunOptions{
		SkipPackages:  true,
		SkipServices:  true,
		ForceRebuild:  true,
		DryRun:        true,
		RemoveOrphans: true,
	}
	if got := run.options(true); got != expected {
		t.Errorf("Expected %+v, got %+v", expected, got)
	}
}

func TestRunFlags_UpgradeDevelUsage(t *testing.T) {
	var run runFlags
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	run.register(flags)

	flag := flags.Lookup("upgrade-devel")
	if flag == nil {
		t.Fatal("Expected --upgrade-devel to be registered")
	}
	if !strings.Contains(flag.Usage, "without checking upstream revisions") {
		t.Errorf("Expected usage to describe skipping revision checks, got %q", flag.Usage)
	}
}

func TestExitCode(t *testing.T) {
	if err := exitCode(engine.ExitClean); err != nil {
		t.Errorf("Expected nil for a clean run, got %v", err)
	}

	err := exitCode(engine.ExitDegraded)
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("Expected ExitError, got %T", err)
	}
	if exitErr.Code != 2 {
		t.Errorf("Expected code 2, got %d", exitErr.Code)
	}
}

func TestPlanExitCode(t *testing.T) {
	tests := []struct {
		name     string
		status   engine.RunStatus
		result   *policy.Result
		expected int
	}{
		{name: "clean without policy", status: engine.RunStatusClean, expected: 0},
		{name: "clean and allowed", status: engine.RunStatusClean, result: &policy.Result{Allowed: true}, expected: 0},
		{name: "denied", status: engine.RunStatusClean, result: &policy.Result{Allowed: false}, expected: 1},
		{name: "degraded", status: engine.RunStatusDegraded, result: &policy.Result{Allowed: true}, expected: 2},
		{name: "fatal", status: engine.RunStatusFatal, expected: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := &engine.RunReport{Status: tt.status}
			if got := planExitCode(report, tt.result); got != tt.expected {
				t.Errorf("Expected %d, got %d", tt.expected, got)
			}
		})
	}
}

func TestAcquireLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "declman.lock")

	lock, err := acquireLock(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, err := acquireLock(path); !errors.Is(err, ErrLocked) {
		t.Errorf("Expected ErrLocked while held, got %v", err)
	}

	if err := lock.release(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	again, err := acquireLock(path)
	if err != nil {
		t.Fatalf("Expected lock after release, got: %v", err)
	}
	_ = again.release()
}

func TestSourceIdentity(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "system.yaml")
	writeFile(t, path, "packages: [vim]\n")

	first, err := sourceIdentity(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.HasPrefix(first, path+"@sha256:") {
		t.Errorf("Expected identity to start with the path, got %q", first)
	}

	same, _ := sourceIdentity(path)
	if same != first {
		t.Errorf("Expected stable identity, got %q and %q", first, same)
	}

	writeFile(t, path, "packages: [vim, git]\n")
	changed, _ := sourceIdentity(path)
	if changed == first {
		t.Error("Expected identity to change with the content")
	}
}

func testReport() *engine.RunReport {
	return &engine.RunReport{
		RunID:  "run-1",
		Status: engine.RunStatusDegraded,
		Plan: &engine.ActionPlan{
			InstallRepo:    []string{"vim"},
			InstallForeign: []string{"paru"},
			EnableUnits:    []string{"sshd.service"},
			RemoveFiles:    []string{"/etc/old.conf"},
			Hooks:          []engine.HookCall{{Module: "dotfiles", Event: engine.HookOnEnable}},
		},
		Build: &engine.BuildReport{
			Built:  []string{"paru"},
			Failed: map[string]error{},
		},
		Errors: func() *engine.PhaseErrors {
			errs := engine.NewPhaseErrors()
			errs.Add(engine.PhaseHooks, errors.New("hook dotfiles.on_enable failed"))
			return errs
		}(),
		Duration: 1500 * time.Millisecond,
	}
}

func TestPrintReport_Text(t *testing.T) {
	var buf bytes.Buffer
	if err := printReport(&buf, testReport(), nil, false); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	out := buf.String()
	for _, want := range []string{"install", "vim", "enable-unit", "sshd.service", "Built: paru", "hook dotfiles.on_enable failed", "Run run-1 degraded"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out)
		}
	}
}

func TestPrintReport_JSON(t *testing.T) {
	var buf bytes.Buffer
	result := &policy.Result{Allowed: true, Evaluated: []string{"protected-packages"}}
	if err := printReport(&buf, testReport(), result, true); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	var decoded struct {
		RunID   string              `json:"run_id"`
		Status  string              `json:"status"`
		Summary engine.PlanSummary  `json:"summary"`
		Built   []string            `json:"built"`
		Errors  map[string][]string `json:"errors"`
		Policy  *policy.Result      `json:"policy"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Expected valid JSON, got %v:\n%s", err, buf.String())
	}
	if decoded.RunID != "run-1" || decoded.Status != "degraded" {
		t.Errorf("Expected run-1 degraded, got %s %s", decoded.RunID, decoded.Status)
	}
	if decoded.Summary.Install != 2 {
		t.Errorf("Expected 2 installs, got %d", decoded.Summary.Install)
	}
	if len(decoded.Built) != 1 || decoded.Built[0] != "paru" {
		t.Errorf("Expected built [paru], got %v", decoded.Built)
	}
	if len(decoded.Errors[string(engine.PhaseHooks)]) != 1 {
		t.Errorf("Expected one hooks error, got %v", decoded.Errors)
	}
	if decoded.Policy == nil || !decoded.Policy.Allowed {
		t.Errorf("Expected policy result, got %+v", decoded.Policy)
	}
}

func TestPrintPolicyResult(t *testing.T) {
	var buf bytes.Buffer
	printPolicyResult(&buf, &policy.Result{
		Violations: []policy.Violation{{Policy: "protected-packages", Message: "glibc is protected"}},
		Warnings:   []policy.Violation{{Policy: "boot-files", Message: "writes /boot/loader.conf"}},
		Evaluated:  []string{"boot-files", "protected-packages"},
	})

	out := buf.String()
	if !strings.Contains(out, "DENY  protected-packages: glibc is protected") {
		t.Errorf("Expected denial line, got:\n%s", out)
	}
	if !strings.Contains(out, "WARN  boot-files") {
		t.Errorf("Expected warning line, got:\n%s", out)
	}
}

func TestPrintSteps_Empty(t *testing.T) {
	var buf bytes.Buffer
	printSteps(&buf, nil)
	if strings.TrimSpace(buf.String()) != "Nothing to do." {
		t.Errorf("Expected empty plan message, got %q", buf.String())
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand("1.2.3", "abc123", "2026-01-01")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(out.String(), "declman 1.2.3") || !strings.Contains(out.String(), "abc123") {
		t.Errorf("Expected version and commit, got %q", out.String())
	}
}

// testSettings writes a settings file that keeps every path inside dir.
func testSettings(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "config.toml")
	writeFile(t, path, `state_path = "`+filepath.Join(dir, "state.db")+`"
lock_path = "`+filepath.Join(dir, "declman.lock")+`"
cache_dir = "`+filepath.Join(dir, "cache")+`"
build_dir = "`+filepath.Join(dir, "build")+`"

[policy]
dir = "`+filepath.Join(dir, "policy.d")+`"

[telemetry.logging]
level = "error"
`)
	return path
}

func TestValidateCommand(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings(t, dir)
	spec := filepath.Join(dir, "system.yaml")
	writeFile(t, spec, `packages: [vim, git]
community_packages: [paru]
units: [sshd.service]
modules:
  - name: dotfiles
    hooks:
      on_enable: ["make install"]
`)

	root := newRootCommand("dev", "none", "unknown")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--settings", settings, "validate", "--hooks", spec})

	if err := root.Execute(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	for _, want := range []string{"is valid", "2 repository, 1 community", "protected-packages", "on_enable", "make install"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("Expected output to contain %q, got:\n%s", want, out.String())
		}
	}
}

func TestValidateCommand_Invalid(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings(t, dir)
	spec := filepath.Join(dir, "system.yaml")
	writeFile(t, spec, "files:\n  relative/path:\n    content: x\n")

	root := newRootCommand("dev", "none", "unknown")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--settings", settings, "validate", spec})

	err := root.Execute()
	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != engine.ExitFatal {
		t.Fatalf("Expected exit code 1, got %v", err)
	}
	if !strings.Contains(out.String(), "relative/path") {
		t.Errorf("Expected the offending path in the output, got:\n%s", out.String())
	}
}

func TestStateCommands_EmptyStore(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings(t, dir)

	tests := []struct {
		args []string
		want string
	}{
		{args: []string{"state", "show"}, want: "Created files (0)"},
		{args: []string{"state", "runs"}, want: "No runs recorded."},
		{args: []string{"cache", "list"}, want: "Cache is empty."},
	}

	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			root := newRootCommand("dev", "none", "unknown")
			var out bytes.Buffer
			root.SetOut(&out)
			root.SetArgs(append([]string{"--settings", settings}, tt.args...))

			if err := root.Execute(); err != nil {
				t.Fatalf("Expected no error, got: %v", err)
			}
			if !strings.Contains(out.String(), tt.want) {
				t.Errorf("Expected %q, got:\n%s", tt.want, out.String())
			}
		})
	}
}

func TestValidateCommand_GuardWrappers(t *testing.T) {
	dir := t.TempDir()
	settings := testSettings(t, dir)
	writeFile(t, settings, readFile(t, settings)+`
[wrappers]
enabled = true
dir = "`+filepath.Join(dir, "bin")+`"
tools = ["pacman"]
`)
	spec := filepath.Join(dir, "system.yaml")
	writeFile(t, spec, "packages: [vim]\n")

	root := newRootCommand("dev", "none", "unknown")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"--settings", settings, "validate", spec})

	if err := root.Execute(); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if !strings.Contains(out.String(), "1 files") {
		t.Errorf("Expected the wrapper to be counted as a managed file, got:\n%s", out.String())
	}
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return string(data)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create directory: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}
