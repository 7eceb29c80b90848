// Package engine provides the reconciliation core of declman.
//
// # Overview
//
// A run converges one machine to a declared state. The Reconciler drives
// the phases strictly in order:
//
//  1. Probe - read installed packages, orphans and enabled units (SystemProbe)
//  2. Resolve - expand declared foreign packages into PackageInfo (Resolver)
//  3. Graph - compute the ActionPlan and order foreign builds (Planner, BuildGraph)
//  4. Build - compile foreign packages in sandboxes (Builder)
//  5. Guard - vet the plan before anything is mutated (PlanGuard)
//  6. Apply - disable units, write and remove files, remove, upgrade and
//     install packages, enable units
//  7. Hooks - fire module lifecycle callbacks (HookDispatcher)
//  8. Persist - save the StoreState (StateStore)
//
// # Core Domain Types
//
//   - DesiredState: the parsed declaration, built once by the caller
//   - SystemTruth: the live state returned by the probe
//   - StoreState: what the previous run remembered
//   - PackageInfo: resolved metadata of a foreign package
//   - BuildPlan: foreign packages ordered so dependencies come first
//   - ActionPlan: the set differences to apply, in fixed order
//   - RunOptions: immutable run modifiers
//
// # Collaborators
//
// Everything that touches the machine is behind an interface so the engine
// can be exercised with fakes:
//
//	type CommandExecutor interface {
//	    Execute(ctx context.Context, cmd Command) (*CommandResult, error)
//	}
//
// Concrete implementations live in pkg/executor, pkg/system, pkg/resolver,
// pkg/builder, pkg/cache, pkg/stores, pkg/files and pkg/policy.
//
// # Error Classification
//
// Errors carry a class (transient, conflict, permanent) and a scope:
//
//   - Fatal: the run stops before mutating; the store is still saved
//   - Package: the package and its dependents are skipped
//   - Hook: the hook is recorded and the next one runs
//   - IO: a file operation failed and is not retried in this run
//   - Apply: a package or service manager command failed
//
// Non-fatal errors are collected per phase in PhaseErrors. The RunReport
// maps the outcome to exit codes: 0 clean, 1 fatal before mutation, 2 when
// errors happened during or after mutation.
//
// # Example
//
//	reconciler, err := engine.NewReconciler(engine.ReconcilerDeps{...}, logger)
//	if err != nil {
//	    return err
//	}
//	report := reconciler.Run(ctx, desired, engine.RunOptions{DryRun: true})
//	os.Exit(report.ExitCode())
package engine
