package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ReconcilerDeps are the collaborators of a Reconciler. Recorder, Guard,
// Observer and Tracer are optional.
type ReconcilerDeps struct {
	Probe      SystemProbe
	Packages   PackageManager
	Services   ServiceManager
	Resolver   Resolver
	Revisions  RevisionProber
	Builder    Builder
	Store      StateStore
	Files      FileManager
	Comparator VersionComparator
	Recorder   RunRecorder
	Guard      PlanGuard
	Observer   Observer
	Tracer     trace.Tracer
}

// Reconciler drives one run through its phases: probe, resolve, graph,
// build, guard, apply, hooks and persist.
type Reconciler struct {
	deps    ReconcilerDeps
	planner *Planner
	hooks   *HookDispatcher
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewReconciler validates deps and creates a reconciler.
func NewReconciler(deps ReconcilerDeps, logger zerolog.Logger) (*Reconciler, error) {
	required := map[string]interface{}{
		"probe":      deps.Probe,
		"packages":   deps.Packages,
		"services":   deps.Services,
		"resolver":   deps.Resolver,
		"builder":    deps.Builder,
		"store":      deps.Store,
		"files":      deps.Files,
		"comparator": deps.Comparator,
	}
	for _, name := range sortedKeys(required) {
		if required[name] == nil {
			return nil, NewPermanentError(fmt.Sprintf("reconciler dependency %s is nil", name), nil).
				WithCode(ErrCodeValidation)
		}
	}

	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("declman/engine")
	}

	hooks := NewHookDispatcher(logger)
	return &Reconciler{
		deps:    deps,
		planner: NewPlanner(deps.Comparator, hooks),
		hooks:   hooks,
		tracer:  tracer,
		logger:  logger.With().Str("component", "reconciler").Logger(),
	}, nil
}

// run carries the mutable values of one invocation.
type run struct {
	id      string
	desired *DesiredState
	opts    RunOptions
	prior   *StoreState
	state   *StoreState
	truth   *SystemTruth
	files   []FileSpec
	res     *Resolution
	plan    *ActionPlan
	build   *BuildPlan
	report  *RunReport

	// failedPhase is the phase that returned the fatal error.
	failedPhase Phase
}

// Run reconciles the machine with desired. The returned report is never nil.
// The store is written at the end of every run that is not a dry run, also
// when an earlier phase failed.
func (r *Reconciler) Run(ctx context.Context, desired *DesiredState, opts RunOptions) *RunReport {
	rn := &run{
		id:      uuid.New().String(),
		desired: desired,
		opts:    opts,
		report: &RunReport{
			Status:    RunStatusRunning,
			Errors:    NewPhaseErrors(),
			StartedAt: time.Now(),
			DryRun:    opts.DryRun,
		},
	}
	rn.report.RunID = rn.id
	logger := r.logger.With().Str("run_id", rn.id).Logger()
	ctx = logger.WithContext(ctx)

	ctx, span := r.tracer.Start(ctx, "run.execute", trace.WithAttributes(
		attribute.String("run.id", rn.id),
		attribute.Bool("run.dry_run", opts.DryRun),
	))
	defer span.End()

	if r.deps.Recorder != nil {
		if err := r.deps.Recorder.StartRun(ctx, rn.id, opts); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run start")
		}
	}

	logger.Info().Bool("dry_run", opts.DryRun).Msg("Starting run")

	rn.prior = r.loadState(ctx)
	rn.state = rn.prior.Clone()

	if err := r.execute(ctx, rn); err != nil {
		rn.report.Fatal = err
	}

	if !opts.DryRun {
		r.persist(ctx, rn)
	}

	r.finish(ctx, rn)
	if rn.report.Status == RunStatusClean {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, string(rn.report.Status))
	}
	return rn.report
}

// execute runs every phase up to hooks. A returned error is fatal.
func (r *Reconciler) execute(ctx context.Context, rn *run) error {
	if rn.desired == nil {
		rn.failedPhase = PhaseProbe
		return NewFatalError("desired state is nil", nil).WithCode(ErrCodeValidation)
	}

	if err := r.step(ctx, rn, PhaseProbe, func(ctx context.Context) error {
		return r.probe(ctx, rn)
	}); err != nil {
		return err
	}

	if err := r.step(ctx, rn, PhaseResolve, func(ctx context.Context) error {
		return r.resolve(ctx, rn)
	}); err != nil {
		return err
	}

	if err := r.step(ctx, rn, PhaseGraph, func(ctx context.Context) error {
		return r.graph(ctx, rn)
	}); err != nil {
		return err
	}
	rn.report.Plan = rn.plan
	rn.report.BuildOrder = rn.build.Order

	if rn.opts.DryRun {
		logger := zerolog.Ctx(ctx)
		logger.Info().
			Int("steps", len(rn.plan.Steps())).
			Strs("build_order", rn.build.Order).
			Msg("Dry run, nothing applied")
		return nil
	}

	_ = r.phase(ctx, PhaseBuild, func(ctx context.Context) error {
		rn.report.Build = r.deps.Builder.Build(ctx, rn.build, rn.state, rn.opts)
		for _, name := range sortedKeys(rn.report.Build.Failed) {
			// Graph failures were reported by the graph phase.
			if _, ok := rn.build.Failed[name]; ok {
				continue
			}
			rn.report.Errors.Add(PhaseBuild, rn.report.Build.Failed[name])
		}
		if r.deps.Observer != nil {
			for name, state := range rn.report.Build.States {
				r.deps.Observer.ObserveBuild(name, state)
			}
		}
		return nil
	})

	if r.deps.Guard != nil {
		if err := r.step(ctx, rn, PhaseGuard, func(ctx context.Context) error {
			return r.deps.Guard.Check(ctx, rn.plan, rn.desired)
		}); err != nil {
			var engineErr *EngineError
			if !errors.As(err, &engineErr) {
				err = NewFatalError("plan rejected by policy", err).WithCode(ErrCodePolicyDenied)
			}
			return err
		}
	}

	packagesOK := true
	_ = r.phase(ctx, PhaseApply, func(ctx context.Context) error {
		packagesOK = r.apply(ctx, rn)
		return nil
	})

	if !rn.opts.SkipHooks {
		_ = r.phase(ctx, PhaseHooks, func(ctx context.Context) error {
			r.runHooks(ctx, rn, packagesOK)
			return nil
		})
	}

	return nil
}

// step runs a phase of rn and remembers it when it fails.
func (r *Reconciler) step(ctx context.Context, rn *run, phase Phase, fn func(ctx context.Context) error) error {
	err := r.phase(ctx, phase, fn)
	if err != nil {
		rn.failedPhase = phase
	}
	return err
}

// phase wraps fn with a span, timing and logging.
func (r *Reconciler) phase(ctx context.Context, phase Phase, fn func(ctx context.Context) error) error {
	ctx, span := r.tracer.Start(ctx, "phase."+string(phase))
	defer span.End()

	logger := zerolog.Ctx(ctx)
	logger.Debug().Str("phase", string(phase)).Msg("Entering phase")

	start := time.Now()
	err := fn(ctx)
	duration := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Str("phase", string(phase)).Msg("Phase failed")
	}
	if r.deps.Observer != nil {
		r.deps.Observer.ObservePhase(phase, duration, err)
	}
	return err
}

func (r *Reconciler) loadState(ctx context.Context) *StoreState {
	state, err := r.deps.Store.LoadState(ctx)
	if err != nil || state == nil {
		logger := zerolog.Ctx(ctx)
		logger.Warn().Err(err).Msg("Previous state unavailable, treating as first run")
		return NewStoreState()
	}
	return state
}

func (r *Reconciler) probe(ctx context.Context, rn *run) error {
	wrap := func(what string, err error) error {
		return NewFatalError(fmt.Sprintf("failed to query %s", what), err).
			WithCode(ErrCodeProbeFailed).
			WithOperation("probe")
	}

	truth := &SystemTruth{EnabledUserUnits: make(map[string]StringSet)}
	var err error
	if truth.Installed, err = r.deps.Probe.InstalledPackages(ctx); err != nil {
		return wrap("installed packages", err)
	}
	if truth.Foreign, err = r.deps.Probe.ForeignPackages(ctx); err != nil {
		return wrap("foreign packages", err)
	}
	if truth.Orphans, err = r.deps.Probe.OrphanedPackages(ctx); err != nil {
		return wrap("orphaned packages", err)
	}

	if !rn.opts.SkipServices {
		if truth.EnabledUnits, err = r.deps.Probe.EnabledServices(ctx); err != nil {
			return wrap("enabled units", err)
		}
		users := NewStringSet(sortedKeys(rn.desired.UserUnits)...)
		users.AddAll(NewStringSet(sortedKeys(rn.prior.EnabledUserUnits)...))
		for _, user := range users.Sorted() {
			units, err := r.deps.Probe.EnabledUserServices(ctx, user)
			if err != nil {
				return wrap(fmt.Sprintf("enabled units of %s", user), err)
			}
			truth.EnabledUserUnits[user] = units
		}
	}
	rn.truth = truth

	if !rn.opts.SkipFiles {
		files := append([]FileSpec(nil), rn.desired.Files...)
		for _, dir := range rn.desired.Directories {
			expanded, err := r.deps.Files.Expand(dir)
			if err != nil {
				return NewFatalError("failed to read directory source", err).
					WithCode(ErrCodeFileFailed).
					WithResource(dir.Source)
			}
			files = append(files, expanded...)
		}
		rn.files = files
	}
	return nil
}

func (r *Reconciler) resolve(ctx context.Context, rn *run) error {
	rn.res = NewResolution()
	if rn.opts.SkipPackages || rn.opts.SkipForeign {
		return nil
	}

	names := make([]string, 0)
	for _, spec := range rn.desired.NormalizedPackages() {
		if spec.Origin.Foreign() && !rn.desired.Ignored.Has(spec.Name) {
			names = append(names, spec.Name)
		}
	}
	if len(names) == 0 {
		return nil
	}

	res, err := r.deps.Resolver.Resolve(ctx, names, rn.truth.Installed)
	if err != nil {
		return NewFatalError("foreign package resolution failed", err).WithCode(ErrCodeResolveFailed)
	}
	rn.res = res

	for _, name := range sortedKeys(res.Unresolved) {
		rn.report.Errors.Add(PhaseResolve, res.Unresolved[name])
	}
	return nil
}

func (r *Reconciler) graph(ctx context.Context, rn *run) error {
	revisions := make(map[string]string)
	if r.deps.Revisions != nil && !rn.opts.ForceUpgradeDevel {
		for _, name := range sortedKeys(rn.res.Packages) {
			info := rn.res.Packages[name]
			if !info.IsDevelopment || info.InstalledVersion == "" {
				continue
			}
			rev, err := r.deps.Revisions.UpstreamRevision(ctx, info)
			if err != nil {
				rn.report.Errors.Add(PhaseGraph, NewTransientError("failed to read upstream revision", err).
					WithScope(ScopePackage).
					WithCode(ErrCodeSourceFailed).
					WithResource(name))
				continue
			}
			revisions[name] = rev
		}
	}

	plan, err := r.planner.ComputePlan(ctx, PlanInput{
		Desired:           rn.desired,
		Truth:             rn.truth,
		Prior:             rn.prior,
		Resolution:        rn.res,
		Files:             rn.files,
		UpstreamRevisions: revisions,
	}, rn.opts)
	if err != nil {
		return err
	}
	for _, name := range sortedKeys(plan.Skipped) {
		if _, reported := rn.res.Unresolved[name]; !reported {
			rn.report.Errors.Add(PhaseGraph, plan.Skipped[name])
		}
	}

	infos := make(map[string]*PackageInfo, len(plan.Builds))
	for _, name := range plan.Builds {
		infos[name] = rn.res.Packages[name]
	}
	buildGraph := NewBuildGraph(infos)
	build := buildGraph.Plan()
	rn.report.BuildGraph = buildGraph.ToDOT()

	requested := NewStringSet(plan.InstallForeign...)
	requested.AddAll(NewStringSet(plan.UpgradeForeign...))
	if len(requested) > 0 && len(build.Failed) > 0 {
		cycle := NewStringSet(CycleMembers(build)...)
		if len(cycle) > 0 && len(requested.Difference(NewStringSet(sortedKeys(build.Failed)...))) == 0 {
			return NewFatalError("dependency cycle covers every requested package", &CycleError{Members: cycle.Sorted()}).
				WithCode(ErrCodeDependencyCycle)
		}
	}
	for _, name := range sortedKeys(build.Failed) {
		rn.report.Errors.Add(PhaseGraph, build.Failed[name])
	}

	rn.plan = plan
	rn.build = build
	return nil
}

// apply mutates the system in the fixed order. It reports whether the
// package steps completed without error.
func (r *Reconciler) apply(ctx context.Context, rn *run) bool {
	plan := rn.plan
	errs := rn.report.Errors
	logger := zerolog.Ctx(ctx)
	rn.report.Mutated = true

	applyErr := func(op, resource string, err error) error {
		return NewPermanentError(fmt.Sprintf("%s failed", op), err).
			WithScope(ScopeApply).
			WithCode(ErrCodeCommandFailed).
			WithOperation(op).
			WithResource(resource)
	}

	if !rn.opts.SkipServices {
		if len(plan.DisableUnits) > 0 {
			if err := r.deps.Services.DisableUnits(ctx, plan.DisableUnits); err != nil {
				errs.Add(PhaseApply, applyErr("disable units", "", err))
			} else {
				rn.state.EnabledUnits = rn.state.EnabledUnits.Difference(NewStringSet(plan.DisableUnits...))
			}
		}
		for _, user := range sortedKeys(plan.DisableUserUnits) {
			units := plan.DisableUserUnits[user]
			if err := r.deps.Services.DisableUserUnits(ctx, user, units); err != nil {
				errs.Add(PhaseApply, applyErr("disable user units", user, err))
				continue
			}
			rn.state.EnabledUserUnits[user] = rn.state.EnabledUserUnits[user].Difference(NewStringSet(units...))
		}
	}

	if !rn.opts.SkipFiles {
		written := NewStringSet()
		for _, spec := range plan.WriteFiles {
			changed, err := r.deps.Files.Write(ctx, spec)
			if err != nil {
				errs.Add(PhaseApply, NewPermanentError("failed to write file", err).
					WithScope(ScopeIO).WithCode(ErrCodeFileFailed).WithResource(spec.Path))
				continue
			}
			written.Add(spec.Path)
			if changed {
				logger.Info().Str("path", spec.Path).Msg("File written")
			}
		}
		for _, path := range plan.RemoveFiles {
			if err := r.deps.Files.Remove(ctx, path); err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("Failed to remove file, skipping")
				errs.Add(PhaseApply, NewPermanentError("failed to remove file", err).
					WithScope(ScopeIO).WithCode(ErrCodeFileFailed).WithResource(path))
				continue
			}
			delete(rn.state.CreatedFiles, path)
		}
		rn.state.CreatedFiles.AddAll(written)
	}

	if rn.opts.SkipPackages {
		r.enableUnits(ctx, rn, applyErr)
		return false
	}

	packagesOK := true
	fail := func(op, resource string, err error) {
		packagesOK = false
		errs.Add(PhaseApply, applyErr(op, resource, err))
	}

	if len(plan.RemovePackages) > 0 {
		if err := r.deps.Packages.Remove(ctx, plan.RemovePackages); err != nil {
			fail("remove packages", "", err)
		}
	}
	if len(plan.RemoveOrphans) > 0 {
		if err := r.deps.Packages.RemoveOrphans(ctx, plan.RemoveOrphans); err != nil {
			fail("remove orphans", "", err)
		}
	}

	if plan.UpgradeRepo {
		if err := r.deps.Packages.Upgrade(ctx); err != nil {
			fail("upgrade", "", err)
		}
	}
	if paths, explicit := r.artifacts(rn, plan.UpgradeForeign, nil); len(paths) > 0 {
		if err := r.deps.Packages.InstallFiles(ctx, paths, explicit); err != nil {
			fail("upgrade foreign packages", "", err)
		}
	}

	if len(plan.InstallRepo) > 0 {
		if err := r.deps.Packages.Install(ctx, plan.InstallRepo); err != nil {
			fail("install packages", "", err)
		}
	}
	if len(plan.InstallRepoDependencies) > 0 {
		if err := r.deps.Packages.InstallDependencies(ctx, plan.InstallRepoDependencies); err != nil {
			fail("install dependencies", "", err)
		}
	}
	wanted := append(append([]string(nil), plan.ForeignDependencies...), plan.InstallForeign...)
	if paths, explicit := r.artifacts(rn, wanted, NewStringSet(plan.InstallForeign...)); len(paths) > 0 {
		if err := r.deps.Packages.InstallFiles(ctx, paths, explicit); err != nil {
			fail("install foreign packages", "", err)
		}
	}
	if rn.report.Build != nil && len(rn.report.Build.Failed) > 0 {
		packagesOK = false
	}

	r.enableUnits(ctx, rn, applyErr)
	return packagesOK
}

func (r *Reconciler) enableUnits(ctx context.Context, rn *run, applyErr func(op, resource string, err error) error) {
	if rn.opts.SkipServices {
		return
	}
	plan := rn.plan
	errs := rn.report.Errors

	rn.state.EnabledUnits.AddAll(rn.desired.Units.Intersect(rn.truth.EnabledUnits))
	if len(plan.EnableUnits) > 0 {
		if err := r.deps.Services.EnableUnits(ctx, plan.EnableUnits); err != nil {
			errs.Add(PhaseApply, applyErr("enable units", "", err))
		} else {
			rn.state.EnabledUnits.AddAll(NewStringSet(plan.EnableUnits...))
		}
	}

	for user, units := range rn.desired.UserUnits {
		if _, ok := rn.state.EnabledUserUnits[user]; !ok {
			rn.state.EnabledUserUnits[user] = NewStringSet()
		}
		rn.state.EnabledUserUnits[user].AddAll(units.Intersect(rn.truth.EnabledUserUnits[user]))
	}
	for _, user := range sortedKeys(plan.EnableUserUnits) {
		units := plan.EnableUserUnits[user]
		if err := r.deps.Services.EnableUserUnits(ctx, user, units); err != nil {
			errs.Add(PhaseApply, applyErr("enable user units", user, err))
			continue
		}
		rn.state.EnabledUserUnits[user].AddAll(NewStringSet(units...))
	}
}

// artifacts returns built artifact paths for names in build order, and the
// subset of names to mark explicitly installed.
func (r *Reconciler) artifacts(rn *run, names []string, explicit StringSet) ([]string, []string) {
	if rn.report.Build == nil || len(names) == 0 {
		return nil, nil
	}
	want := NewStringSet(names...)
	paths := make([]string, 0, len(names))
	marked := make([]string, 0)
	for _, name := range rn.build.Order {
		if !want.Has(name) {
			continue
		}
		path, ok := rn.report.Build.Artifacts[name]
		if !ok {
			continue
		}
		paths = append(paths, path)
		if explicit.Has(name) {
			marked = append(marked, name)
		}
	}
	return paths, marked
}

func (r *Reconciler) runHooks(ctx context.Context, rn *run, packagesOK bool) {
	calls := make([]HookCall, 0, len(rn.plan.Hooks))
	for _, call := range rn.plan.Hooks {
		if call.Event == HookAfterUpdate && !packagesOK {
			continue
		}
		calls = append(calls, call)
	}

	results := r.hooks.Dispatch(ctx, rn.desired.Modules, calls)
	for _, res := range results {
		rn.report.Errors.Add(PhaseHooks, res.Err)
	}
	rn.report.Hooks = results
	rn.state.EnabledModules = EnabledModules(rn.desired.Modules)
}

func (r *Reconciler) persist(ctx context.Context, rn *run) {
	if rn.desired != nil {
		rn.state.SourceIdentity = rn.desired.SourceIdentity
	}
	err := r.phase(ctx, PhasePersist, func(ctx context.Context) error {
		return r.deps.Store.SaveState(ctx, rn.state)
	})
	if err != nil {
		rn.report.Errors.Add(PhasePersist, NewPermanentError("failed to save state", err).
			WithCode(ErrCodeStoreFailed))
		return
	}
	rn.report.Persisted = true
}

func (r *Reconciler) finish(ctx context.Context, rn *run) {
	report := rn.report
	switch {
	case report.Fatal != nil && !report.Mutated:
		report.Status = RunStatusFatal
	case report.Fatal != nil:
		report.Status = RunStatusAborted
	case report.Errors.Len() > 0:
		report.Status = RunStatusDegraded
	default:
		report.Status = RunStatusClean
	}
	report.Duration = time.Since(report.StartedAt)

	logger := zerolog.Ctx(ctx)
	if report.Fatal != nil {
		logger.Error().Err(report.Fatal).Msg("Run stopped")
	}
	for _, phase := range report.Errors.Phases() {
		for _, err := range report.Errors.Get(phase) {
			logger.Error().Err(err).Str("phase", string(phase)).Msg("Action failed")
		}
	}
	logger.Info().
		Str("status", string(report.Status)).
		Int("errors", report.Errors.Len()).
		Dur("duration", report.Duration).
		Msg("Run finished")

	if r.deps.Observer != nil {
		r.deps.Observer.ObserveRun(report.Status, report.Duration)
	}

	if r.deps.Recorder != nil {
		if report.Fatal != nil {
			if err := r.deps.Recorder.RecordError(ctx, rn.id, rn.failedPhase, report.Fatal); err != nil {
				logger.Warn().Err(err).Msg("Failed to record run error")
			}
		}
		for _, phase := range report.Errors.Phases() {
			for _, err := range report.Errors.Get(phase) {
				if recErr := r.deps.Recorder.RecordError(ctx, rn.id, phase, err); recErr != nil {
					logger.Warn().Err(recErr).Msg("Failed to record run error")
				}
			}
		}
		if err := r.deps.Recorder.FinishRun(ctx, rn.id, report.Status, report.Errors.Summary()); err != nil {
			logger.Warn().Err(err).Msg("Failed to record run finish")
		}
	}
}
