package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/rs/zerolog"
)

// HookEvent is a module lifecycle transition.
type HookEvent string

const (
	HookOnEnable           HookEvent = "on_enable"
	HookAfterVersionChange HookEvent = "after_version_change"
	HookOnDisable          HookEvent = "on_disable"
	HookAfterUpdate        HookEvent = "after_update"
)

// hookOrder is the order in which event groups fire.
var hookOrder = []HookEvent{HookOnEnable, HookAfterVersionChange, HookOnDisable, HookAfterUpdate}

// HookCall is a scheduled invocation of one module callback.
type HookCall struct {
	Module  string    `json:"module"`
	Event   HookEvent `json:"event"`
	Version string    `json:"version,omitempty"`
}

func (h HookCall) String() string {
	return fmt.Sprintf("%s.%s", h.Module, h.Event)
}

// HookResult is the outcome of a dispatched hook.
type HookResult struct {
	Call HookCall `json:"call"`
	Err  error    `json:"-"`
}

// HookDispatcher decides which module callbacks fire and runs them.
type HookDispatcher struct {
	logger zerolog.Logger
}

// NewHookDispatcher creates a dispatcher.
func NewHookDispatcher(logger zerolog.Logger) *HookDispatcher {
	return &HookDispatcher{
		logger: logger.With().Str("component", "hooks").Logger(),
	}
}

// Plan compares declared modules with the versions recorded by the previous
// run. A module seen for the first time fires OnEnable, a changed version
// fires AfterVersionChange and a module that was enabled and is now declared
// disabled fires OnDisable. When afterUpdate is set every enabled module also
// fires AfterUpdate. Calls are grouped by event and name-sorted within a group.
func (d *HookDispatcher) Plan(modules []ModuleDecl, prior map[string]string, afterUpdate bool) []HookCall {
	byEvent := make(map[HookEvent][]HookCall)
	for _, decl := range sortedModules(modules) {
		name := decl.Module.Name()
		version := decl.Module.Version()
		previous, wasEnabled := prior[name]

		switch {
		case decl.Enabled && !wasEnabled:
			byEvent[HookOnEnable] = append(byEvent[HookOnEnable], HookCall{Module: name, Event: HookOnEnable, Version: version})
		case decl.Enabled && previous != version:
			byEvent[HookAfterVersionChange] = append(byEvent[HookAfterVersionChange],
				HookCall{Module: name, Event: HookAfterVersionChange, Version: version})
		case !decl.Enabled && wasEnabled:
			byEvent[HookOnDisable] = append(byEvent[HookOnDisable], HookCall{Module: name, Event: HookOnDisable, Version: previous})
		}

		if afterUpdate && decl.Enabled {
			byEvent[HookAfterUpdate] = append(byEvent[HookAfterUpdate], HookCall{Module: name, Event: HookAfterUpdate, Version: version})
		}
	}

	calls := make([]HookCall, 0)
	for _, event := range hookOrder {
		calls = append(calls, byEvent[event]...)
	}
	return calls
}

// Dispatch runs calls in order. A failing hook is recorded in its result and
// the remaining hooks still run.
func (d *HookDispatcher) Dispatch(ctx context.Context, modules []ModuleDecl, calls []HookCall) []HookResult {
	index := make(map[string]Module, len(modules))
	for _, decl := range modules {
		index[decl.Module.Name()] = decl.Module
	}

	results := make([]HookResult, 0, len(calls))
	for _, call := range calls {
		module, ok := index[call.Module]
		if !ok {
			results = append(results, HookResult{Call: call, Err: hookError(call, fmt.Errorf("module not declared"))})
			continue
		}

		d.logger.Info().
			Str("module", call.Module).
			Str("event", string(call.Event)).
			Msg("Running hook")

		var err error
		switch call.Event {
		case HookOnEnable:
			err = module.OnEnable(ctx)
		case HookAfterVersionChange:
			err = module.AfterVersionChange(ctx)
		case HookOnDisable:
			err = module.OnDisable(ctx)
		case HookAfterUpdate:
			err = module.AfterUpdate(ctx)
		default:
			err = fmt.Errorf("unknown hook event %q", call.Event)
		}

		if err != nil {
			d.logger.Error().Err(err).
				Str("module", call.Module).
				Str("event", string(call.Event)).
				Msg("Hook failed")
			err = hookError(call, err)
		}
		results = append(results, HookResult{Call: call, Err: err})
	}
	return results
}

// EnabledModules returns the module versions to remember after hooks ran.
func EnabledModules(modules []ModuleDecl) map[string]string {
	out := make(map[string]string)
	for _, decl := range modules {
		if decl.Enabled {
			out[decl.Module.Name()] = decl.Module.Version()
		}
	}
	return out
}

func hookError(call HookCall, err error) error {
	return NewPermanentError("hook failed", err).
		WithCode(ErrCodeHookFailed).
		WithScope(ScopeHook).
		WithResource(call.Module).
		WithOperation(string(call.Event))
}

func sortedModules(modules []ModuleDecl) []ModuleDecl {
	out := append([]ModuleDecl(nil), modules...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Module.Name() < out[j].Module.Name()
	})
	return out
}

// FuncModule adapts plain functions to Module. Nil callbacks do nothing.
type FuncModule struct {
	ModuleName     string
	ModuleVersion  string
	Enable         func(ctx context.Context) error
	Disable        func(ctx context.Context) error
	VersionChanged func(ctx context.Context) error
	Updated        func(ctx context.Context) error
}

func (m *FuncModule) Name() string    { return m.ModuleName }
func (m *FuncModule) Version() string { return m.ModuleVersion }

func (m *FuncModule) OnEnable(ctx context.Context) error {
	return callOrNil(ctx, m.Enable)
}

func (m *FuncModule) OnDisable(ctx context.Context) error {
	return callOrNil(ctx, m.Disable)
}

func (m *FuncModule) AfterVersionChange(ctx context.Context) error {
	return callOrNil(ctx, m.VersionChanged)
}

func (m *FuncModule) AfterUpdate(ctx context.Context) error {
	return callOrNil(ctx, m.Updated)
}

func callOrNil(ctx context.Context, fn func(ctx context.Context) error) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// CommandModule runs argv hooks through a CommandExecutor. It is how
// modules declared in configuration files are executed.
type CommandModule struct {
	ModuleName    string
	ModuleVersion string
	Executor      CommandExecutor

	// Hooks maps an event to the commands it runs, in order.
	Hooks map[HookEvent][]Command
}

func (m *CommandModule) Name() string    { return m.ModuleName }
func (m *CommandModule) Version() string { return m.ModuleVersion }

func (m *CommandModule) OnEnable(ctx context.Context) error {
	return m.run(ctx, HookOnEnable)
}

func (m *CommandModule) OnDisable(ctx context.Context) error {
	return m.run(ctx, HookOnDisable)
}

func (m *CommandModule) AfterVersionChange(ctx context.Context) error {
	return m.run(ctx, HookAfterVersionChange)
}

func (m *CommandModule) AfterUpdate(ctx context.Context) error {
	return m.run(ctx, HookAfterUpdate)
}

func (m *CommandModule) run(ctx context.Context, event HookEvent) error {
	for _, cmd := range m.Hooks[event] {
		result, err := m.Executor.Execute(ctx, cmd)
		if err != nil {
			return fmt.Errorf("failed to start %v: %w", cmd.Argv, err)
		}
		if !result.Success() {
			return fmt.Errorf("%v exited with status %d: %s", cmd.Argv, result.ExitCode, result.Stderr)
		}
	}
	return nil
}
