package engine

import (
	"context"
	"time"
)

// Command is an argument vector to run on the local machine.
type Command struct {
	// Argv is the program and its arguments. Argv[0] is looked up in PATH.
	Argv []string

	// AsUser runs the process with this user's identity when non-empty.
	AsUser string

	// Dir is the working directory.
	Dir string

	// Env replaces the inherited environment when non-nil.
	Env []string
}

// CommandResult is the captured outcome of a command.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Success reports a zero exit status.
func (r *CommandResult) Success() bool {
	return r != nil && r.ExitCode == 0
}

// CommandExecutor runs commands. A non-zero exit status is reported through
// CommandResult, not as an error; the error is reserved for commands that
// could not be started at all.
type CommandExecutor interface {
	Execute(ctx context.Context, cmd Command) (*CommandResult, error)
}

// SystemProbe reads the live state of the machine. It never mutates.
type SystemProbe interface {
	// InstalledPackages returns every installed package keyed by name.
	InstalledPackages(ctx context.Context) (map[string]PackageRecord, error)

	// ForeignPackages returns installed packages not found in any repository.
	ForeignPackages(ctx context.Context) (StringSet, error)

	// OrphanedPackages returns packages installed only as dependencies and no longer required.
	OrphanedPackages(ctx context.Context) (StringSet, error)

	// EnabledServices returns enabled system units.
	EnabledServices(ctx context.Context) (StringSet, error)

	// EnabledUserServices returns enabled units of a user.
	EnabledUserServices(ctx context.Context, user string) (StringSet, error)
}

// PackageManager mutates installed packages.
type PackageManager interface {
	Install(ctx context.Context, names []string) error
	InstallDependencies(ctx context.Context, names []string) error
	InstallFiles(ctx context.Context, paths []string, asExplicit []string) error
	Remove(ctx context.Context, names []string) error
	RemoveOrphans(ctx context.Context, names []string) error
	Upgrade(ctx context.Context) error
}

// ServiceManager enables and disables units.
type ServiceManager interface {
	EnableUnits(ctx context.Context, units []string) error
	DisableUnits(ctx context.Context, units []string) error
	EnableUserUnits(ctx context.Context, user string, units []string) error
	DisableUserUnits(ctx context.Context, user string, units []string) error
}

// VersionComparator compares an installed version with a candidate.
type VersionComparator interface {
	Compare(ctx context.Context, installed, candidate string) (Comparison, error)
}

// Resolver determines metadata of foreign packages. Packages that cannot be
// resolved are reported in Resolution.Unresolved; the returned error is
// reserved for failures that make the whole resolution meaningless.
type Resolver interface {
	Resolve(ctx context.Context, names []string, installed map[string]PackageRecord) (*Resolution, error)
}

// RevisionProber reports the upstream source revision of a development
// package without building it.
type RevisionProber interface {
	UpstreamRevision(ctx context.Context, info *PackageInfo) (string, error)
}

// Builder compiles the packages of a build plan in order. Failures are
// package-scoped and returned in the report.
type Builder interface {
	Build(ctx context.Context, plan *BuildPlan, state *StoreState, opts RunOptions) *BuildReport
}

// ArtifactCache keeps built artifacts with bounded per-package retention.
type ArtifactCache interface {
	Put(ctx context.Context, name, version, artifactPath string) (*CacheEntry, error)
	Get(ctx context.Context, name, version string) (*CacheEntry, error)
	Latest(ctx context.Context, name string) (*CacheEntry, error)
}

// StateStore persists StoreState between runs.
type StateStore interface {
	// LoadState returns the previous state. Absent or unreadable state is
	// returned as an empty state, never as an error.
	LoadState(ctx context.Context) (*StoreState, error)

	// SaveState writes the whole state atomically.
	SaveState(ctx context.Context, state *StoreState) error
}

// RunRecorder keeps a history of runs and their errors.
type RunRecorder interface {
	StartRun(ctx context.Context, runID string, opts RunOptions) error
	RecordError(ctx context.Context, runID string, phase Phase, err error) error
	FinishRun(ctx context.Context, runID string, status RunStatus, summary string) error
}

// FileManager writes and removes managed files.
type FileManager interface {
	Expand(dir DirectorySpec) ([]FileSpec, error)
	Write(ctx context.Context, spec FileSpec) (bool, error)
	Remove(ctx context.Context, path string) error
}

// PlanGuard vets an action plan before anything is mutated.
type PlanGuard interface {
	Check(ctx context.Context, plan *ActionPlan, desired *DesiredState) error
}

// Module is a unit of configuration with lifecycle callbacks.
type Module interface {
	Name() string
	Version() string
	OnEnable(ctx context.Context) error
	OnDisable(ctx context.Context) error
	AfterVersionChange(ctx context.Context) error
	AfterUpdate(ctx context.Context) error
}

// Observer receives timing and outcome information for metrics.
type Observer interface {
	ObservePhase(phase Phase, duration time.Duration, err error)
	ObserveBuild(name string, state BuildState)
	ObserveRun(status RunStatus, duration time.Duration)
}
