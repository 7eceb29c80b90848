package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

// ErrNotFound is returned when neither user packages nor the registry know a name.
var ErrNotFound = errors.New("package not found")

// Registry looks up community packages.
type Registry interface {
	Info(ctx context.Context, names []string) (map[string]*RegistryPackage, error)
	SearchProvides(ctx context.Context, dep string) ([]string, error)
	SourceLocation(pkgbase string) string
}

// RepoChecker reports whether a dependency is provided by a repository.
type RepoChecker interface {
	IsInstallable(ctx context.Context, dep string) (bool, error)
}

// Resolver expands foreign packages into their transitive foreign
// dependencies. User packages take precedence over registry packages of the
// same name.
type Resolver struct {
	registry Registry
	repo     RepoChecker
	user     map[string]engine.UserPackage
	logger   zerolog.Logger
}

var _ engine.Resolver = (*Resolver)(nil)

// New creates a resolver.
func New(registry Registry, repo RepoChecker, userPackages []engine.UserPackage, logger zerolog.Logger) *Resolver {
	user := make(map[string]engine.UserPackage, len(userPackages))
	for _, up := range userPackages {
		user[up.Name] = up
	}
	return &Resolver{
		registry: registry,
		repo:     repo,
		user:     user,
		logger:   logger.With().Str("component", "resolver").Logger(),
	}
}

// session caches lookups for a single Resolve call.
type session struct {
	*Resolver
	meta      map[string]*RegistryPackage
	lookupErr map[string]error
	providers map[string]string
	repoDeps  map[string]bool
}

// Resolve resolves names and everything they depend on. Packages that cannot
// be resolved, and packages depending on them, end up in
// Resolution.Unresolved. Only cancellation of ctx is returned as an error.
func (r *Resolver) Resolve(ctx context.Context, names []string, installed map[string]engine.PackageRecord) (*engine.Resolution, error) {
	s := &session{
		Resolver:  r,
		meta:      make(map[string]*RegistryPackage),
		lookupErr: make(map[string]error),
		providers: make(map[string]string),
		repoDeps:  make(map[string]bool),
	}
	res := engine.NewResolution()

	queue := append([]string(nil), names...)
	sort.Strings(queue)
	seen := engine.NewStringSet(queue...)
	s.prefetch(ctx, queue)

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := queue[0]
		queue = queue[1:]

		info, err := s.resolveOne(ctx, name)
		if err != nil {
			res.Unresolved[name] = err
			continue
		}
		if record, ok := installed[name]; ok {
			info.InstalledVersion = record.Version
		}
		res.Packages[name] = info

		next := info.AllForeignDependencies().Difference(seen)
		s.prefetch(ctx, next.Sorted())
		for _, dep := range next.Sorted() {
			seen.Add(dep)
			queue = append(queue, dep)
		}
	}

	propagateUnresolved(res)
	for _, info := range res.Packages {
		res.RepoDependencies.AddAll(info.RepoDependencies)
	}

	r.logger.Info().
		Int("resolved", len(res.Packages)).
		Int("unresolved", len(res.Unresolved)).
		Msg("Resolved foreign packages")
	return res, nil
}

func (s *session) resolveOne(ctx context.Context, name string) (*engine.PackageInfo, error) {
	meta, origin, err := s.lookup(ctx, name)
	if err != nil {
		return nil, engine.NewTransientError("package lookup failed", err).
			WithScope(engine.ScopePackage).
			WithCode(engine.ErrCodeResolveFailed).
			WithResource(name)
	}
	if meta == nil {
		return nil, engine.NewPermanentError("package not found in user packages or registry", ErrNotFound).
			WithScope(engine.ScopePackage).
			WithCode(engine.ErrCodeNotFound).
			WithResource(name)
	}

	info := &engine.PackageInfo{
		Name:             meta.Name,
		Base:             meta.PackageBase,
		Origin:           origin,
		CandidateVersion: meta.Version,
		IsDevelopment:    IsDevelopment(meta.Name),
		Provides:         meta.Provides,
		RepoDependencies: engine.NewStringSet(),
		State:            engine.BuildPending,
	}
	if info.Base == "" {
		info.Base = info.Name
	}
	if origin == engine.OriginUser {
		info.SourceLocation = s.user[name].SourceLocation
	} else {
		info.SourceLocation = s.registry.SourceLocation(info.Base)
	}

	var buildDeps []string
	buildDeps = append(buildDeps, meta.MakeDepends...)
	buildDeps = append(buildDeps, meta.CheckDepends...)

	if info.RuntimeDependencies, err = s.classify(ctx, meta.Depends, info.RepoDependencies); err != nil {
		return nil, dependencyError(name, err)
	}
	if info.BuildDependencies, err = s.classify(ctx, buildDeps, info.RepoDependencies); err != nil {
		return nil, dependencyError(name, err)
	}
	info.RuntimeDependencies = info.RuntimeDependencies.Difference(engine.NewStringSet(name))
	info.BuildDependencies = info.BuildDependencies.Difference(engine.NewStringSet(name))
	return info, nil
}

// classify splits deps into repository packages, added to repo, and foreign
// package names, returned.
func (s *session) classify(ctx context.Context, deps []string, repo engine.StringSet) (engine.StringSet, error) {
	foreign := engine.NewStringSet()
	for _, dep := range deps {
		installable, err := s.installable(ctx, dep)
		if err != nil {
			return nil, fmt.Errorf("failed to check %s: %w", dep, err)
		}
		if installable {
			repo.Add(StripDependency(dep))
			continue
		}
		provider, err := s.findProvider(ctx, StripDependency(dep))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", dep, err)
		}
		foreign.Add(provider)
	}
	return foreign, nil
}

func (s *session) installable(ctx context.Context, dep string) (bool, error) {
	if ok, cached := s.repoDeps[dep]; cached {
		return ok, nil
	}
	ok, err := s.repo.IsInstallable(ctx, dep)
	if err != nil {
		return false, err
	}
	s.repoDeps[dep] = ok
	return ok, nil
}

// lookup returns the metadata of name, nil when unknown.
func (s *session) lookup(ctx context.Context, name string) (*RegistryPackage, engine.Origin, error) {
	if up, ok := s.user[name]; ok {
		return fromUserPackage(up), engine.OriginUser, nil
	}
	if meta, ok := s.meta[name]; ok {
		return meta, engine.OriginCommunity, nil
	}
	if err, ok := s.lookupErr[name]; ok {
		return nil, "", err
	}

	found, err := s.registry.Info(ctx, []string{name})
	if err != nil {
		s.lookupErr[name] = err
		return nil, "", err
	}
	s.meta[name] = found[name]
	return found[name], engine.OriginCommunity, nil
}

// prefetch loads many names in as few requests as possible. A failure is
// logged; the names are then looked up one by one.
func (s *session) prefetch(ctx context.Context, names []string) {
	pending := make([]string, 0, len(names))
	for _, name := range names {
		if _, user := s.user[name]; user {
			continue
		}
		if _, cached := s.meta[name]; !cached {
			pending = append(pending, name)
		}
	}
	if len(pending) == 0 {
		return
	}

	found, err := s.registry.Info(ctx, pending)
	if err != nil {
		s.logger.Warn().Err(err).Strs("packages", pending).Msg("Batch lookup failed")
		return
	}
	for _, name := range pending {
		s.meta[name] = found[name]
	}
}

// findProvider picks the package satisfying dep: an exact name match, then
// the first user package providing it, then the first registry provider.
func (s *session) findProvider(ctx context.Context, dep string) (string, error) {
	if name, ok := s.providers[dep]; ok {
		return name, nil
	}

	meta, _, err := s.lookup(ctx, dep)
	if err != nil {
		return "", err
	}
	if meta != nil {
		s.providers[dep] = meta.Name
		return meta.Name, nil
	}

	var candidates []string
	for name, up := range s.user {
		for _, p := range up.Provides {
			if StripDependency(p) == dep {
				candidates = append(candidates, name)
				break
			}
		}
	}
	if len(candidates) == 0 {
		if candidates, err = s.registry.SearchProvides(ctx, dep); err != nil {
			return "", err
		}
	}
	if len(candidates) == 0 {
		return "", ErrNotFound
	}

	sort.Strings(candidates)
	if len(candidates) > 1 {
		s.logger.Info().Str("dependency", dep).Strs("providers", candidates).
			Msgf("Multiple providers, choosing %s", candidates[0])
	}
	s.providers[dep] = candidates[0]
	return candidates[0], nil
}

// propagateUnresolved moves packages depending on unresolved packages to
// Unresolved until nothing changes.
func propagateUnresolved(res *engine.Resolution) {
	for changed := true; changed; {
		changed = false
		for _, name := range engine.NewStringSet(keys(res.Packages)...).Sorted() {
			info := res.Packages[name]
			for _, dep := range info.AllForeignDependencies().Sorted() {
				if _, bad := res.Unresolved[dep]; !bad {
					continue
				}
				res.Unresolved[name] = engine.NewPermanentError(
					fmt.Sprintf("dependency %s could not be resolved", dep), res.Unresolved[dep]).
					WithScope(engine.ScopePackage).
					WithCode(engine.ErrCodeDependencyFailed).
					WithResource(name)
				delete(res.Packages, name)
				changed = true
				break
			}
		}
	}
}

func dependencyError(name string, err error) error {
	return engine.NewPermanentError("dependency could not be resolved", err).
		WithScope(engine.ScopePackage).
		WithCode(engine.ErrCodeDependencyFailed).
		WithResource(name)
}

func fromUserPackage(up engine.UserPackage) *RegistryPackage {
	return &RegistryPackage{
		Name:         up.Name,
		PackageBase:  up.Base,
		Version:      up.Version,
		Depends:      up.Dependencies,
		MakeDepends:  up.MakeDependencies,
		CheckDepends: up.CheckDependencies,
		Provides:     up.Provides,
	}
}

func keys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
