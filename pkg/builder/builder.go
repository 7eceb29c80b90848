// Package builder compiles foreign packages in a sandbox and stores the
// results in the artifact cache.
package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

// Config configures a Builder.
type Config struct {
	// SourceDir holds one working copy per package base.
	SourceDir string

	// RepoPackages are preinstalled into the sandbox in addition to
	// ChrootBasePackages.
	RepoPackages []string
}

// Builder walks a build plan, moving every package through the build state
// machine. Failures are scoped to the package and its dependents.
type Builder struct {
	sandbox Sandbox
	source  Source
	cache   engine.ArtifactCache
	config  Config
	logger  zerolog.Logger
}

var _ engine.Builder = (*Builder)(nil)

// New creates a builder.
func New(sandbox Sandbox, source Source, cache engine.ArtifactCache, config Config, logger zerolog.Logger) *Builder {
	return &Builder{
		sandbox: sandbox,
		source:  source,
		cache:   cache,
		config:  config,
		logger:  logger.With().Str("component", "builder").Logger(),
	}
}

// job is the progress of one plan through Build.
type job struct {
	plan     *engine.BuildPlan
	state    *engine.StoreState
	opts     engine.RunOptions
	report   *engine.BuildReport
	prepared bool

	// bases remembers finished package bases: the error, if any, and the
	// artifacts found for their packages.
	baseErr       map[string]error
	baseArtifacts map[string]map[string]string
	baseRevision  map[string]string
}

// Build builds plan.Order in order. state receives reviewed commits and the
// revisions of packages that reach Cached.
func (b *Builder) Build(ctx context.Context, plan *engine.BuildPlan, state *engine.StoreState, opts engine.RunOptions) *engine.BuildReport {
	j := &job{
		plan:          plan,
		state:         state,
		opts:          opts,
		report:        engine.NewBuildReport(),
		baseErr:       make(map[string]error),
		baseArtifacts: make(map[string]map[string]string),
		baseRevision:  make(map[string]string),
	}
	for name, err := range plan.Failed {
		j.report.Failed[name] = err
		j.report.States[name] = engine.BuildFailed
	}

	defer func() {
		if j.prepared {
			if err := b.sandbox.Destroy(context.WithoutCancel(ctx)); err != nil {
				b.logger.Warn().Err(err).Msg("Failed to remove sandbox")
			}
		}
	}()

	for _, name := range plan.Order {
		info := plan.Packages[name]
		info.LastBuiltRevision = state.PackageRevisions[name]
		if info.State == "" {
			info.State = engine.BuildPending
		}

		if err := ctx.Err(); err != nil {
			b.fail(j, info, engine.NewTransientError("build cancelled", err).WithCode(engine.ErrCodeBuildFailed))
			continue
		}
		if dep := j.failedDependency(info); dep != "" {
			b.fail(j, info, engine.NewPermanentError(fmt.Sprintf("dependency %s failed", dep), nil).
				WithCode(engine.ErrCodeDependencyFailed))
			continue
		}

		if err := b.buildOne(ctx, j, info); err != nil {
			b.fail(j, info, err)
		}
	}

	b.logger.Info().
		Int("built", len(j.report.Built)).
		Int("reused", len(j.report.Reused)).
		Int("failed", len(j.report.Failed)).
		Msg("Build phase finished")
	return j.report
}

func (b *Builder) buildOne(ctx context.Context, j *job, info *engine.PackageInfo) error {
	log := b.logger.With().Str("package", info.Name).Logger()

	if !j.opts.ForceRebuild && !info.IsDevelopment {
		if entry, err := b.cache.Get(ctx, info.Name, info.CandidateVersion); err == nil && entry != nil {
			log.Info().Str("version", entry.Version).Msg("Reusing cached artifact")
			return b.reuse(j, info, entry)
		}
	}

	if _, done := j.baseErr[info.Base]; done {
		return b.finishFromBase(ctx, j, info)
	}

	dir := filepath.Join(b.config.SourceDir, info.Base)
	revision, err := b.source.Fetch(ctx, info.SourceLocation, dir)
	if err != nil {
		return b.failBase(j, info, engine.NewTransientError("failed to fetch source", err).
			WithCode(engine.ErrCodeSourceFailed))
	}
	if err := b.source.Review(ctx, dir, info.Base, j.state); err != nil {
		return b.failBase(j, info, engine.NewTransientError("failed to review source", err).
			WithCode(engine.ErrCodeSourceFailed))
	}
	if err := advance(info, engine.BuildSourceReady); err != nil {
		return err
	}
	j.report.States[info.Name] = info.State

	if info.IsDevelopment && !j.opts.ForceRebuild && revision == info.LastBuiltRevision {
		if entry, err := b.cache.Latest(ctx, info.Name); err == nil && entry != nil {
			log.Info().Str("revision", revision).Msg("Source unchanged, reusing cached artifact")
			return b.reuse(j, info, entry)
		}
	}

	if !j.prepared {
		packages := append(append([]string{}, ChrootBasePackages...), b.config.RepoPackages...)
		packages = append(packages, j.repoDependencies()...)
		if err := b.sandbox.Prepare(ctx, dedupe(packages)); err != nil {
			return b.failBase(j, info, engine.NewTransientError("failed to prepare sandbox", err).
				WithCode(engine.ErrCodeSandboxFailed))
		}
		j.prepared = true
	}

	members := j.baseMembers(info.Base)
	repoDeps, files, err := b.buildInputs(ctx, j, members)
	if err != nil {
		return b.failBase(j, info, err)
	}
	installed, err := b.sandbox.InstallDependencies(ctx, repoDeps)
	if err != nil {
		return b.failBase(j, info, engine.NewTransientError("failed to install build dependencies", err).
			WithCode(engine.ErrCodeSandboxFailed))
	}
	if err := advance(info, engine.BuildDepsInstalled); err != nil {
		return err
	}

	log.Info().Strs("packages", names(members)).Msg("Building")
	buildErr := b.sandbox.Build(ctx, dir, files)
	if err := b.sandbox.RemoveDependencies(ctx, installed); err != nil {
		log.Warn().Err(err).Msg("Failed to remove build dependencies")
	}
	if buildErr != nil {
		return b.failBase(j, info, engine.NewPermanentError("build failed", buildErr).
			WithCode(engine.ErrCodeBuildFailed))
	}

	artifacts := make(map[string]string, len(members))
	for _, m := range members {
		path, err := FindArtifact(dir, m.Name, versionPrefix(m))
		if err != nil {
			if m.Name == info.Name {
				return b.failBase(j, info, engine.NewPermanentError("built package file not found", err).
					WithCode(engine.ErrCodeBuildFailed))
			}
			continue
		}
		artifacts[m.Name] = path
	}
	j.baseErr[info.Base] = nil
	j.baseArtifacts[info.Base] = artifacts
	j.baseRevision[info.Base] = revision

	if err := advance(info, engine.BuildBuilt); err != nil {
		return err
	}
	return b.store(ctx, j, info, artifacts[info.Name], revision)
}

// finishFromBase completes a package whose base was already built in this run.
func (b *Builder) finishFromBase(ctx context.Context, j *job, info *engine.PackageInfo) error {
	if err := j.baseErr[info.Base]; err != nil {
		return engine.NewPermanentError(fmt.Sprintf("package base %s failed", info.Base), err).
			WithCode(engine.ErrCodeBuildFailed)
	}
	path, ok := j.baseArtifacts[info.Base][info.Name]
	if !ok {
		return engine.NewPermanentError("built package file not found", nil).
			WithCode(engine.ErrCodeBuildFailed)
	}
	for _, to := range []engine.BuildState{engine.BuildSourceReady, engine.BuildDepsInstalled, engine.BuildBuilt} {
		if err := advance(info, to); err != nil {
			return err
		}
	}
	return b.store(ctx, j, info, path, j.baseRevision[info.Base])
}

// store moves a built artifact into the cache and marks the package Cached.
func (b *Builder) store(ctx context.Context, j *job, info *engine.PackageInfo, path, revision string) error {
	version := artifactVersion(filepath.Base(path), info.Name)
	entry, err := b.cache.Put(ctx, info.Name, version, path)
	if err != nil {
		return engine.NewTransientError("failed to cache artifact", err).WithCode(engine.ErrCodeCacheFailed)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		b.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove built file")
	}
	if err := advance(info, engine.BuildCached); err != nil {
		return err
	}

	j.state.PackageRevisions[info.Name] = revision
	j.report.States[info.Name] = info.State
	j.report.Artifacts[info.Name] = entry.ArtifactPath
	j.report.Built = append(j.report.Built, info.Name)
	return nil
}

func (b *Builder) reuse(j *job, info *engine.PackageInfo, entry *engine.CacheEntry) error {
	if err := advance(info, engine.BuildCached); err != nil {
		return err
	}
	j.report.States[info.Name] = info.State
	j.report.Artifacts[info.Name] = entry.ArtifactPath
	j.report.Reused = append(j.report.Reused, info.Name)
	return nil
}

// buildInputs returns the repository dependencies and foreign package files
// the members of a base need in the sandbox.
func (b *Builder) buildInputs(ctx context.Context, j *job, members []*engine.PackageInfo) ([]string, []string, error) {
	repo := engine.NewStringSet()
	foreign := engine.NewStringSet()
	self := engine.NewStringSet(names(members)...)
	for _, m := range members {
		repo.AddAll(m.RepoDependencies)
		for dep := range j.closure(m) {
			if self.Has(dep) {
				continue
			}
			foreign.Add(dep)
			if info, ok := j.plan.Packages[dep]; ok {
				repo.AddAll(info.RepoDependencies)
			}
		}
	}

	files := make([]string, 0, len(foreign))
	for _, dep := range foreign.Sorted() {
		if path, ok := j.report.Artifacts[dep]; ok {
			files = append(files, path)
			continue
		}
		entry, err := b.cache.Latest(ctx, dep)
		if err != nil || entry == nil {
			continue
		}
		files = append(files, entry.ArtifactPath)
	}
	return repo.Sorted(), files, nil
}

func (b *Builder) fail(j *job, info *engine.PackageInfo, err error) {
	var ee *engine.EngineError
	if !errors.As(err, &ee) {
		ee = engine.NewPermanentError("build failed", err).WithCode(engine.ErrCodeBuildFailed)
	}
	ee = ee.WithScope(engine.ScopePackage).WithResource(info.Name)
	info.State = engine.BuildFailed
	j.report.Failed[info.Name] = ee
	j.report.States[info.Name] = engine.BuildFailed
	b.logger.Error().Err(ee).Str("package", info.Name).Msg("Package failed")
}

func (b *Builder) failBase(j *job, info *engine.PackageInfo, err error) error {
	j.baseErr[info.Base] = err
	return err
}

// failedDependency returns a failed foreign dependency of info, if any.
func (j *job) failedDependency(info *engine.PackageInfo) string {
	for _, dep := range info.AllForeignDependencies().Sorted() {
		if _, failed := j.report.Failed[dep]; failed {
			return dep
		}
	}
	return ""
}

// closure returns the transitive foreign dependencies of info within the plan.
func (j *job) closure(info *engine.PackageInfo) engine.StringSet {
	out := engine.NewStringSet()
	stack := info.AllForeignDependencies().Sorted()
	for len(stack) > 0 {
		name := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if out.Has(name) {
			continue
		}
		out.Add(name)
		if dep, ok := j.plan.Packages[name]; ok {
			stack = append(stack, dep.AllForeignDependencies().Sorted()...)
		}
	}
	return out
}

// baseMembers returns the ordered packages sharing base.
func (j *job) baseMembers(base string) []*engine.PackageInfo {
	var out []*engine.PackageInfo
	for _, name := range j.plan.Order {
		if info := j.plan.Packages[name]; info.Base == base {
			out = append(out, info)
		}
	}
	return out
}

// repoDependencies returns the runtime repository dependencies of the whole plan.
func (j *job) repoDependencies() []string {
	out := engine.NewStringSet()
	for _, name := range j.plan.Order {
		out.AddAll(j.plan.Packages[name].RepoDependencies)
	}
	return out.Sorted()
}

func advance(info *engine.PackageInfo, to engine.BuildState) error {
	if !info.State.CanTransition(to) {
		return engine.NewPermanentError(fmt.Sprintf("illegal build transition %s -> %s", info.State, to), nil).
			WithCode(engine.ErrCodeInternal)
	}
	info.State = to
	return nil
}

// versionPrefix is the expected version at the start of the file name.
// Development packages compute their version while building.
func versionPrefix(info *engine.PackageInfo) string {
	if info.IsDevelopment {
		return ""
	}
	return info.CandidateVersion
}

// FindArtifact returns the single package file of name in dir. A package
// file is named name-pkgver-pkgrel-arch followed by a package extension.
func FindArtifact(dir, name, version string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	var matches []string
	for _, e := range entries {
		if e.IsDir() || !hasPackageExtension(e.Name()) {
			continue
		}
		v := artifactVersion(e.Name(), name)
		if v == "" || (version != "" && v != version) {
			continue
		}
		matches = append(matches, filepath.Join(dir, e.Name()))
	}
	if len(matches) != 1 {
		sort.Strings(matches)
		return "", fmt.Errorf("expected one package file for %s in %s, found %v", name, dir, matches)
	}
	return matches[0], nil
}

// artifactVersion extracts "pkgver-pkgrel" from a package file name of
// name, or "" when the file belongs to another package.
func artifactVersion(file, name string) string {
	rest, ok := strings.CutPrefix(file, name+"-")
	if !ok {
		return ""
	}
	if i := strings.Index(rest, ".pkg.tar"); i >= 0 {
		rest = rest[:i]
	}
	fields := strings.Split(rest, "-")
	if len(fields) != 3 {
		return ""
	}
	return fields[0] + "-" + fields[1]
}

func hasPackageExtension(file string) bool {
	for _, ext := range PackageExtensions {
		if strings.HasSuffix(file, ext) {
			return true
		}
	}
	return false
}

func names(infos []*engine.PackageInfo) []string {
	out := make([]string, 0, len(infos))
	for _, info := range infos {
		out = append(out, info.Name)
	}
	return out
}

func dedupe(items []string) []string {
	seen := engine.NewStringSet()
	out := make([]string, 0, len(items))
	for _, item := range items {
		if !seen.Has(item) {
			seen.Add(item)
			out = append(out, item)
		}
	}
	return out
}
