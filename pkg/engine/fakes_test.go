package engine

import (
	"context"
	"errors"
	"strings"
)

// journal records mutating calls across fakes in the order they happen.
type journal struct {
	entries []string
}

func (j *journal) add(parts ...string) {
	j.entries = append(j.entries, strings.Join(parts, " "))
}

type fakeExecutor struct {
	calls     [][]string
	exitCodes map[string]int
}

func (f *fakeExecutor) Execute(ctx context.Context, cmd Command) (*CommandResult, error) {
	f.calls = append(f.calls, cmd.Argv)
	return &CommandResult{ExitCode: f.exitCodes[strings.Join(cmd.Argv, " ")]}, nil
}

func (f *fakeExecutor) commands() []string {
	out := make([]string, 0, len(f.calls))
	for _, argv := range f.calls {
		out = append(out, strings.Join(argv, " "))
	}
	return out
}

type fakeProbe struct {
	installed map[string]PackageRecord
	foreign   StringSet
	orphans   StringSet
	units     StringSet
	userUnits map[string]StringSet
	err       error
}

func (f *fakeProbe) InstalledPackages(ctx context.Context) (map[string]PackageRecord, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.installed == nil {
		return map[string]PackageRecord{}, nil
	}
	return f.installed, nil
}

func (f *fakeProbe) ForeignPackages(ctx context.Context) (StringSet, error) {
	return f.foreign.Clone(), nil
}

func (f *fakeProbe) OrphanedPackages(ctx context.Context) (StringSet, error) {
	return f.orphans.Clone(), nil
}

func (f *fakeProbe) EnabledServices(ctx context.Context) (StringSet, error) {
	return f.units.Clone(), nil
}

func (f *fakeProbe) EnabledUserServices(ctx context.Context, user string) (StringSet, error) {
	return f.userUnits[user].Clone(), nil
}

type fakePackages struct {
	j       *journal
	failOps map[string]bool
}

func (f *fakePackages) do(op string, args ...string) error {
	f.j.add(append([]string{op}, args...)...)
	if f.failOps[op] {
		return errors.New(op + " failed")
	}
	return nil
}

func (f *fakePackages) Install(ctx context.Context, names []string) error {
	return f.do("install", names...)
}

func (f *fakePackages) InstallDependencies(ctx context.Context, names []string) error {
	return f.do("install-deps", names...)
}

func (f *fakePackages) InstallFiles(ctx context.Context, paths []string, asExplicit []string) error {
	return f.do("install-files", paths...)
}

func (f *fakePackages) Remove(ctx context.Context, names []string) error {
	return f.do("remove", names...)
}

func (f *fakePackages) RemoveOrphans(ctx context.Context, names []string) error {
	return f.do("remove-orphans", names...)
}

func (f *fakePackages) Upgrade(ctx context.Context) error {
	return f.do("upgrade")
}

type fakeServices struct {
	j *journal
}

func (f *fakeServices) EnableUnits(ctx context.Context, units []string) error {
	f.j.add(append([]string{"enable"}, units...)...)
	return nil
}

func (f *fakeServices) DisableUnits(ctx context.Context, units []string) error {
	f.j.add(append([]string{"disable"}, units...)...)
	return nil
}

func (f *fakeServices) EnableUserUnits(ctx context.Context, user string, units []string) error {
	f.j.add(append([]string{"enable-user", user}, units...)...)
	return nil
}

func (f *fakeServices) DisableUserUnits(ctx context.Context, user string, units []string) error {
	f.j.add(append([]string{"disable-user", user}, units...)...)
	return nil
}

type fakeResolver struct {
	res *Resolution
	err error
}

func (f *fakeResolver) Resolve(ctx context.Context, names []string, installed map[string]PackageRecord) (*Resolution, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.res == nil {
		return NewResolution(), nil
	}
	return f.res, nil
}

// fakeBuilder builds in plan order, failing the named packages and every
// package that depends on a failed one.
type fakeBuilder struct {
	j      *journal
	failOn StringSet
	called bool
}

func (f *fakeBuilder) Build(ctx context.Context, plan *BuildPlan, state *StoreState, opts RunOptions) *BuildReport {
	f.called = true
	report := NewBuildReport()
	for name, err := range plan.Failed {
		report.Failed[name] = err
		report.States[name] = BuildFailed
	}
	for _, name := range plan.Order {
		info := plan.Packages[name]
		depFailed := false
		for dep := range info.AllForeignDependencies() {
			if _, failed := report.Failed[dep]; failed {
				depFailed = true
			}
		}
		if depFailed || f.failOn.Has(name) {
			report.Failed[name] = NewPermanentError("build failed", nil).
				WithScope(ScopePackage).
				WithCode(ErrCodeBuildFailed).
				WithResource(name)
			report.States[name] = BuildFailed
			continue
		}
		f.j.add("build", name)
		report.Artifacts[name] = "/cache/" + name + ".pkg.tar.zst"
		report.States[name] = BuildCached
		report.Built = append(report.Built, name)
		state.PackageRevisions[name] = "rev-" + name
	}
	return report
}

type fakeStore struct {
	state   *StoreState
	loadErr error
	saveErr error
	saves   int
}

func (f *fakeStore) LoadState(ctx context.Context) (*StoreState, error) {
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	if f.state == nil {
		return NewStoreState(), nil
	}
	return f.state.Clone(), nil
}

func (f *fakeStore) SaveState(ctx context.Context, state *StoreState) error {
	f.saves++
	if f.saveErr != nil {
		return f.saveErr
	}
	f.state = state.Clone()
	return nil
}

type fakeFiles struct {
	j         *journal
	failPaths StringSet
}

func (f *fakeFiles) Expand(dir DirectorySpec) ([]FileSpec, error) {
	content := "from " + dir.Source
	return []FileSpec{{Path: dir.Path + "/file", Content: &content, Mode: 0o644}}, nil
}

func (f *fakeFiles) Write(ctx context.Context, spec FileSpec) (bool, error) {
	f.j.add("write", spec.Path)
	return true, nil
}

func (f *fakeFiles) Remove(ctx context.Context, path string) error {
	f.j.add("rm", path)
	if f.failPaths.Has(path) {
		return errors.New("permission denied")
	}
	return nil
}

type fakeRecorder struct {
	started  []string
	errors   []Phase
	finished RunStatus
}

func (f *fakeRecorder) StartRun(ctx context.Context, runID string, opts RunOptions) error {
	f.started = append(f.started, runID)
	return nil
}

func (f *fakeRecorder) RecordError(ctx context.Context, runID string, phase Phase, err error) error {
	f.errors = append(f.errors, phase)
	return nil
}

func (f *fakeRecorder) FinishRun(ctx context.Context, runID string, status RunStatus, summary string) error {
	f.finished = status
	return nil
}

type fakeGuard struct {
	err error
}

func (f *fakeGuard) Check(ctx context.Context, plan *ActionPlan, desired *DesiredState) error {
	return f.err
}
