package engine

import (
	"fmt"
	"time"
)

// RunStatus represents the overall outcome of a reconciliation run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is in progress.
	RunStatusRunning RunStatus = "running"

	// RunStatusClean indicates every phase completed without error.
	RunStatusClean RunStatus = "clean"

	// RunStatusDegraded indicates the run completed but some actions failed.
	RunStatusDegraded RunStatus = "degraded"

	// RunStatusFatal indicates the run stopped before mutating the system.
	RunStatusFatal RunStatus = "fatal"

	// RunStatusAborted indicates the run stopped after mutation had begun.
	RunStatusAborted RunStatus = "aborted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s != RunStatusRunning
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusClean, RunStatusDegraded, RunStatusFatal, RunStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// Process exit codes.
const (
	ExitClean    = 0
	ExitFatal    = 1
	ExitDegraded = 2
)

// ExitCode maps a run status to the process exit code.
func (s RunStatus) ExitCode() int {
	switch s {
	case RunStatusClean:
		return ExitClean
	case RunStatusFatal:
		return ExitFatal
	default:
		return ExitDegraded
	}
}

// ActionKind names an entry of the action plan.
type ActionKind string

const (
	ActionDisableUnit   ActionKind = "disable-unit"
	ActionRemoveFile    ActionKind = "remove-file"
	ActionWriteFile     ActionKind = "write-file"
	ActionRemovePackage ActionKind = "remove-package"
	ActionRemoveOrphan  ActionKind = "remove-orphan"
	ActionUpgrade       ActionKind = "upgrade"
	ActionInstall       ActionKind = "install"
	ActionEnableUnit    ActionKind = "enable-unit"
	ActionHook          ActionKind = "hook"
)

// IsDestructive returns true if the action removes or disables something.
func (a ActionKind) IsDestructive() bool {
	switch a {
	case ActionDisableUnit, ActionRemoveFile, ActionRemovePackage, ActionRemoveOrphan:
		return true
	default:
		return false
	}
}

// RunReport summarizes a run for the caller.
type RunReport struct {
	RunID      string        `json:"run_id"`
	Status     RunStatus     `json:"status"`
	Plan       *ActionPlan   `json:"plan,omitempty"`
	Build      *BuildReport  `json:"-"`
	Hooks      []HookResult  `json:"hooks,omitempty"`
	Errors     *PhaseErrors  `json:"-"`
	Fatal      error         `json:"-"`
	Mutated    bool          `json:"mutated"`
	Persisted  bool          `json:"persisted"`
	StartedAt  time.Time     `json:"started_at"`
	Duration   time.Duration `json:"duration"`
	DryRun     bool          `json:"dry_run"`
	BuildOrder []string      `json:"build_order,omitempty"`

	// BuildGraph is the foreign package graph in DOT format.
	BuildGraph string `json:"-"`
}

// ExitCode returns the process exit code for the run.
func (r *RunReport) ExitCode() int {
	return r.Status.ExitCode()
}
