package engine

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
)

// ActionPlan is the ordered set of changes a run applies. Every list is
// sorted by name. Steps returns the entries in application order.
type ActionPlan struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`

	DisableUnits     []string            `json:"disable_units,omitempty"`
	DisableUserUnits map[string][]string `json:"disable_user_units,omitempty"`
	WriteFiles       []FileSpec          `json:"write_files,omitempty"`
	RemoveFiles      []string            `json:"remove_files,omitempty"`
	RemovePackages   []string            `json:"remove_packages,omitempty"`
	RemoveOrphans    []string            `json:"remove_orphans,omitempty"`
	UpgradeRepo      bool                `json:"upgrade_repo"`
	UpgradeForeign   []string            `json:"upgrade_foreign,omitempty"`
	InstallRepo      []string            `json:"install_repo,omitempty"`

	// InstallRepoDependencies are repository packages foreign packages need.
	InstallRepoDependencies []string `json:"install_repo_dependencies,omitempty"`

	InstallForeign []string `json:"install_foreign,omitempty"`

	// ForeignDependencies are foreign packages pulled in by declared ones.
	ForeignDependencies []string `json:"foreign_dependencies,omitempty"`

	// Builds lists every foreign package the build phase must produce or
	// reuse an artifact for, including already installed dependencies.
	Builds []string `json:"builds,omitempty"`

	EnableUnits     []string            `json:"enable_units,omitempty"`
	EnableUserUnits map[string][]string `json:"enable_user_units,omitempty"`
	Hooks           []HookCall          `json:"hooks,omitempty"`

	// Skipped holds declared packages that were excluded from the plan.
	Skipped map[string]error `json:"-"`
}

// PlanStep is one entry of an action plan.
type PlanStep struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target"`
	User   string     `json:"user,omitempty"`
}

// PlanSummary counts plan entries by category.
type PlanSummary struct {
	Install int `json:"install"`
	Upgrade int `json:"upgrade"`
	Remove  int `json:"remove"`
	Build   int `json:"build"`
	Enable  int `json:"enable"`
	Disable int `json:"disable"`
	Write   int `json:"write"`
	Delete  int `json:"delete"`
	Hooks   int `json:"hooks"`
}

// Summary counts the plan's entries.
func (p *ActionPlan) Summary() PlanSummary {
	s := PlanSummary{
		Install: len(p.InstallRepo) + len(p.InstallForeign) + len(p.InstallRepoDependencies) + len(p.ForeignDependencies),
		Upgrade: len(p.UpgradeForeign),
		Remove:  len(p.RemovePackages) + len(p.RemoveOrphans),
		Build:   len(p.Builds),
		Enable:  len(p.EnableUnits),
		Disable: len(p.DisableUnits),
		Write:   len(p.WriteFiles),
		Delete:  len(p.RemoveFiles),
		Hooks:   len(p.Hooks),
	}
	for _, units := range p.EnableUserUnits {
		s.Enable += len(units)
	}
	for _, units := range p.DisableUserUnits {
		s.Disable += len(units)
	}
	return s
}

// Steps flattens the plan in application order: disable units, write and
// remove files, remove packages, upgrade, install, enable units, hooks.
func (p *ActionPlan) Steps() []PlanStep {
	steps := make([]PlanStep, 0)
	add := func(kind ActionKind, user string, targets ...string) {
		for _, t := range targets {
			steps = append(steps, PlanStep{Kind: kind, Target: t, User: user})
		}
	}

	add(ActionDisableUnit, "", p.DisableUnits...)
	for _, user := range sortedKeys(p.DisableUserUnits) {
		add(ActionDisableUnit, user, p.DisableUserUnits[user]...)
	}
	for _, f := range p.WriteFiles {
		add(ActionWriteFile, "", f.Path)
	}
	add(ActionRemoveFile, "", p.RemoveFiles...)
	add(ActionRemovePackage, "", p.RemovePackages...)
	add(ActionRemoveOrphan, "", p.RemoveOrphans...)
	if p.UpgradeRepo {
		add(ActionUpgrade, "", "repositories")
	}
	add(ActionUpgrade, "", p.UpgradeForeign...)
	add(ActionInstall, "", p.InstallRepo...)
	add(ActionInstall, "", p.InstallRepoDependencies...)
	add(ActionInstall, "", p.ForeignDependencies...)
	add(ActionInstall, "", p.InstallForeign...)
	add(ActionEnableUnit, "", p.EnableUnits...)
	for _, user := range sortedKeys(p.EnableUserUnits) {
		add(ActionEnableUnit, user, p.EnableUserUnits[user]...)
	}
	for _, h := range p.Hooks {
		add(ActionHook, "", h.String())
	}
	return steps
}

// Empty reports whether applying the plan would change nothing besides a
// repository upgrade.
func (p *ActionPlan) Empty() bool {
	s := p.Summary()
	return s == PlanSummary{}
}

// PlanInput gathers the three sources of truth the planner diffs.
type PlanInput struct {
	Desired    *DesiredState
	Truth      *SystemTruth
	Prior      *StoreState
	Resolution *Resolution

	// Files are the desired files with directories already expanded.
	Files []FileSpec

	// UpstreamRevisions maps development packages to their current upstream revision.
	UpstreamRevisions map[string]string
}

// Planner computes action plans from set differences.
type Planner struct {
	comparator VersionComparator
	hooks      *HookDispatcher
}

// NewPlanner creates a planner. Version comparison is delegated to comparator.
func NewPlanner(comparator VersionComparator, hooks *HookDispatcher) *Planner {
	return &Planner{
		comparator: comparator,
		hooks:      hooks,
	}
}

// ComputePlan diffs the declared state against live truth and the prior
// store. Comparator failures exclude only the affected package, which is
// listed in Skipped. A package still declared is never scheduled for removal.
func (p *Planner) ComputePlan(ctx context.Context, in PlanInput, opts RunOptions) (*ActionPlan, error) {
	if in.Desired == nil || in.Truth == nil {
		return nil, NewFatalError("planner input is incomplete", nil).WithCode(ErrCodeValidation)
	}
	prior := in.Prior
	if prior == nil {
		prior = NewStoreState()
	}
	resolution := in.Resolution
	if resolution == nil {
		resolution = NewResolution()
	}

	plan := &ActionPlan{
		ID:               uuid.New().String(),
		CreatedAt:        time.Now(),
		DisableUserUnits: make(map[string][]string),
		EnableUserUnits:  make(map[string][]string),
		Skipped:          make(map[string]error),
	}

	declared := NewStringSet()
	repo := NewStringSet()
	foreign := NewStringSet()
	for _, spec := range in.Desired.NormalizedPackages() {
		declared.Add(spec.Name)
		if spec.Origin.Foreign() {
			foreign.Add(spec.Name)
		} else {
			repo.Add(spec.Name)
		}
	}
	ignored := in.Desired.Ignored
	installed := NewStringSet()
	explicit := NewStringSet()
	for name, rec := range in.Truth.Installed {
		installed.Add(name)
		if rec.Explicit {
			explicit.Add(name)
		}
	}

	if !opts.SkipPackages {
		if err := p.planPackages(ctx, plan, in, opts, declared, repo, foreign, installed, explicit, ignored, resolution, prior); err != nil {
			return nil, err
		}
	}

	if !opts.SkipServices {
		planUnits(plan, in.Desired, in.Truth, prior)
	}

	if !opts.SkipFiles {
		plan.WriteFiles = append(plan.WriteFiles, in.Files...)
		sort.Slice(plan.WriteFiles, func(i, j int) bool { return plan.WriteFiles[i].Path < plan.WriteFiles[j].Path })
		wanted := NewStringSet()
		for _, f := range in.Files {
			wanted.Add(f.Path)
		}
		plan.RemoveFiles = prior.CreatedFiles.Difference(wanted).Sorted()
	}

	if !opts.SkipHooks && p.hooks != nil {
		plan.Hooks = p.hooks.Plan(in.Desired.Modules, prior.EnabledModules, !opts.SkipPackages)
	}

	return plan, nil
}

func (p *Planner) planPackages(
	ctx context.Context,
	plan *ActionPlan,
	in PlanInput,
	opts RunOptions,
	declared, repo, foreign, installed, explicit, ignored StringSet,
	resolution *Resolution,
	prior *StoreState,
) error {
	plan.UpgradeRepo = true
	plan.InstallRepo = repo.Difference(installed).Sorted()

	removable := explicit.Clone()
	if opts.RemoveOrphans {
		plan.RemoveOrphans = in.Truth.Orphans.Difference(declared, ignored, explicit).Sorted()
	}
	if opts.SkipForeign {
		removable = removable.Difference(in.Truth.Foreign)
	}
	plan.RemovePackages = removable.Difference(declared, ignored).Sorted()

	if opts.SkipForeign {
		return nil
	}

	for name, err := range resolution.Unresolved {
		if foreign.Has(name) {
			plan.Skipped[name] = err
		}
	}

	install := foreign.Difference(installed, NewStringSet(sortedKeys(resolution.Unresolved)...))
	plan.InstallForeign = install.Sorted()

	upgrade := NewStringSet()
	for _, name := range sortedKeys(resolution.Packages) {
		info := resolution.Packages[name]
		if !installed.Has(name) || ignored.Has(name) {
			continue
		}
		if info.IsDevelopment {
			upstream := in.UpstreamRevisions[name]
			if opts.ForceUpgradeDevel || (upstream != "" && upstream != prior.PackageRevisions[name]) {
				upgrade.Add(name)
			}
			continue
		}
		cmp, err := p.comparator.Compare(ctx, in.Truth.Installed[name].Version, info.CandidateVersion)
		if err != nil {
			plan.Skipped[name] = NewPermanentError("version comparison failed", err).
				WithScope(ScopePackage).
				WithResource(name).
				WithOperation("compare")
			continue
		}
		if cmp == Older {
			upgrade.Add(name)
		}
	}
	plan.UpgradeForeign = upgrade.Sorted()

	deps := NewStringSet()
	for name := range resolution.Packages {
		if !foreign.Has(name) && !installed.Has(name) {
			deps.Add(name)
		}
	}
	plan.ForeignDependencies = deps.Sorted()
	plan.InstallRepoDependencies = resolution.RepoDependencies.Difference(installed, repo).Sorted()

	builds := NewStringSet()
	builds.AddAll(install)
	builds.AddAll(upgrade)
	builds.AddAll(deps)
	queue := builds.Sorted()
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		info, ok := resolution.Packages[name]
		if !ok {
			continue
		}
		for _, dep := range info.AllForeignDependencies().Sorted() {
			if _, known := resolution.Packages[dep]; known && !builds.Has(dep) {
				builds.Add(dep)
				queue = append(queue, dep)
			}
		}
	}
	plan.Builds = builds.Sorted()

	return nil
}

func planUnits(plan *ActionPlan, desired *DesiredState, truth *SystemTruth, prior *StoreState) {
	units := desired.Units
	plan.EnableUnits = units.Difference(truth.EnabledUnits).Sorted()
	plan.DisableUnits = prior.EnabledUnits.Intersect(truth.EnabledUnits).Difference(units).Sorted()

	users := NewStringSet(sortedKeys(desired.UserUnits)...)
	users.AddAll(NewStringSet(sortedKeys(prior.EnabledUserUnits)...))
	for _, user := range users.Sorted() {
		want := desired.UserUnits[user]
		have := truth.EnabledUserUnits[user]
		if enable := want.Difference(have).Sorted(); len(enable) > 0 {
			plan.EnableUserUnits[user] = enable
		}
		if disable := prior.EnabledUserUnits[user].Intersect(have).Difference(want).Sorted(); len(disable) > 0 {
			plan.DisableUserUnits[user] = disable
		}
	}
}
