package engine

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"
)

// recordingModule counts callback invocations.
type recordingModule struct {
	name    string
	version string
	calls   *[]string
	failOn  HookEvent
}

func (m *recordingModule) Name() string    { return m.name }
func (m *recordingModule) Version() string { return m.version }

func (m *recordingModule) record(event HookEvent) error {
	*m.calls = append(*m.calls, m.name+"."+string(event))
	if m.failOn == event {
		return errors.New("boom")
	}
	return nil
}

func (m *recordingModule) OnEnable(ctx context.Context) error { return m.record(HookOnEnable) }
func (m *recordingModule) OnDisable(ctx context.Context) error {
	return m.record(HookOnDisable)
}
func (m *recordingModule) AfterVersionChange(ctx context.Context) error {
	return m.record(HookAfterVersionChange)
}
func (m *recordingModule) AfterUpdate(ctx context.Context) error { return m.record(HookAfterUpdate) }

func TestHookDispatcher_Plan_Transitions(t *testing.T) {
	d := NewHookDispatcher(zerolog.Nop())
	var calls []string
	modules := []ModuleDecl{
		{Module: &recordingModule{name: "zsh", version: "2", calls: &calls}, Enabled: true},
		{Module: &recordingModule{name: "audio", version: "1", calls: &calls}, Enabled: true},
		{Module: &recordingModule{name: "desktop", version: "1", calls: &calls}, Enabled: false},
		{Module: &recordingModule{name: "steady", version: "1", calls: &calls}, Enabled: true},
	}
	prior := map[string]string{"zsh": "1", "desktop": "1", "steady": "1"}

	got := d.Plan(modules, prior, false)
	expected := []HookCall{
		{Module: "audio", Event: HookOnEnable, Version: "1"},
		{Module: "zsh", Event: HookAfterVersionChange, Version: "2"},
		{Module: "desktop", Event: HookOnDisable, Version: "1"},
	}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
}

func TestHookDispatcher_Plan_AfterUpdate(t *testing.T) {
	d := NewHookDispatcher(zerolog.Nop())
	var calls []string
	modules := []ModuleDecl{
		{Module: &recordingModule{name: "b", version: "1", calls: &calls}, Enabled: true},
		{Module: &recordingModule{name: "a", version: "1", calls: &calls}, Enabled: true},
		{Module: &recordingModule{name: "off", version: "1", calls: &calls}, Enabled: false},
	}
	prior := map[string]string{"a": "1", "b": "1"}

	got := d.Plan(modules, prior, true)
	expected := []HookCall{
		{Module: "a", Event: HookAfterUpdate, Version: "1"},
		{Module: "b", Event: HookAfterUpdate, Version: "1"},
	}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("Expected %v, got %v", expected, got)
	}
}

func TestHookDispatcher_Idempotence(t *testing.T) {
	d := NewHookDispatcher(zerolog.Nop())
	var calls []string
	mod := &recordingModule{name: "desktop", version: "1", calls: &calls}
	modules := []ModuleDecl{{Module: mod, Enabled: true}}

	// First run: enable fires once.
	prior := map[string]string{}
	d.Dispatch(context.Background(), modules, d.Plan(modules, prior, false))
	prior = EnabledModules(modules)

	// Second run with the same version: nothing fires.
	d.Dispatch(context.Background(), modules, d.Plan(modules, prior, false))

	// Third run with a new version: version change fires once.
	mod.version = "2"
	d.Dispatch(context.Background(), modules, d.Plan(modules, prior, false))
	prior = EnabledModules(modules)
	d.Dispatch(context.Background(), modules, d.Plan(modules, prior, false))

	expected := []string{"desktop.on_enable", "desktop.after_version_change"}
	if !reflect.DeepEqual(calls, expected) {
		t.Errorf("Expected %v, got %v", expected, calls)
	}
}

func TestHookDispatcher_Dispatch_FailureDoesNotBlock(t *testing.T) {
	d := NewHookDispatcher(zerolog.Nop())
	var calls []string
	modules := []ModuleDecl{
		{Module: &recordingModule{name: "a", version: "1", calls: &calls, failOn: HookOnEnable}, Enabled: true},
		{Module: &recordingModule{name: "b", version: "1", calls: &calls}, Enabled: true},
	}

	results := d.Dispatch(context.Background(), modules, d.Plan(modules, nil, true))

	expectedCalls := []string{"a.on_enable", "b.on_enable", "a.after_update", "b.after_update"}
	if !reflect.DeepEqual(calls, expectedCalls) {
		t.Errorf("Expected %v, got %v", expectedCalls, calls)
	}
	if len(results) != 4 {
		t.Fatalf("Expected 4 results, got %d", len(results))
	}
	if results[0].Err == nil {
		t.Fatal("Expected first hook to fail")
	}
	if CodeOf(results[0].Err) != ErrCodeHookFailed {
		t.Errorf("Expected code %s, got %s", ErrCodeHookFailed, CodeOf(results[0].Err))
	}
	for _, r := range results[1:] {
		if r.Err != nil {
			t.Errorf("Expected %s to succeed, got %v", r.Call, r.Err)
		}
	}
}

func TestCommandModule_RunsArgvInOrder(t *testing.T) {
	exec := &fakeExecutor{exitCodes: map[string]int{"false": 1}}
	mod := &CommandModule{
		ModuleName:    "shell",
		ModuleVersion: "1",
		Executor:      exec,
		Hooks: map[HookEvent][]Command{
			HookOnEnable:    {{Argv: []string{"chsh", "-s", "/bin/zsh"}}, {Argv: []string{"true"}}},
			HookAfterUpdate: {{Argv: []string{"false"}}, {Argv: []string{"never"}}},
		},
	}

	if err := mod.OnEnable(context.Background()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if err := mod.AfterUpdate(context.Background()); err == nil {
		t.Error("Expected an error from a failing command")
	}
	if err := mod.OnDisable(context.Background()); err != nil {
		t.Errorf("Expected no error without commands, got: %v", err)
	}

	expected := []string{"chsh -s /bin/zsh", "true", "false"}
	if !reflect.DeepEqual(exec.commands(), expected) {
		t.Errorf("Expected %v, got %v", expected, exec.commands())
	}
}

func TestFuncModule_NilCallbacks(t *testing.T) {
	called := false
	mod := &FuncModule{
		ModuleName:    "m",
		ModuleVersion: "1",
		Enable: func(ctx context.Context) error {
			called = true
			return nil
		},
	}

	if err := mod.OnEnable(context.Background()); err != nil || !called {
		t.Errorf("Expected enable callback to run, got called=%v err=%v", called, err)
	}
	if err := mod.AfterUpdate(context.Background()); err != nil {
		t.Errorf("Expected nil callback to be a no-op, got %v", err)
	}
}
