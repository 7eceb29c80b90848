package engine

import (
	"io/fs"
	"sort"
	"time"
)

// Origin identifies where a declared package comes from.
type Origin string

const (
	// OriginRepository is a package from the system package manager's repositories.
	OriginRepository Origin = "repository"

	// OriginCommunity is a source-only package from the community registry, built locally.
	OriginCommunity Origin = "community"

	// OriginUser is a package whose metadata the user supplies, built locally.
	OriginUser Origin = "user"
)

// precedence orders origins when a name is declared more than once.
func (o Origin) precedence() int {
	switch o {
	case OriginUser:
		return 3
	case OriginCommunity:
		return 2
	case OriginRepository:
		return 1
	default:
		return 0
	}
}

// Foreign reports whether packages of this origin are built locally.
func (o Origin) Foreign() bool {
	return o == OriginCommunity || o == OriginUser
}

// PackageSpec is a package the user declared.
type PackageSpec struct {
	Name     string `json:"name"`
	Origin   Origin `json:"origin"`
	Explicit bool   `json:"explicit"`
}

// UserPackage is the metadata of a user-defined package. It replaces the
// registry lookup for its name.
type UserPackage struct {
	Name              string   `json:"name"`
	Base              string   `json:"base,omitempty"`
	Version           string   `json:"version"`
	Provides          []string `json:"provides,omitempty"`
	Dependencies      []string `json:"dependencies,omitempty"`
	MakeDependencies  []string `json:"make_dependencies,omitempty"`
	CheckDependencies []string `json:"check_dependencies,omitempty"`
	SourceLocation    string   `json:"source_location"`
}

// PackageRecord is an installed package as reported by the system.
type PackageRecord struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Explicit bool   `json:"explicit"`
}

// BuildState is the position of a foreign package in the build state machine.
type BuildState string

const (
	BuildPending       BuildState = "pending"
	BuildSourceReady   BuildState = "source_ready"
	BuildDepsInstalled BuildState = "deps_installed"
	BuildBuilt         BuildState = "built"
	BuildCached        BuildState = "cached"
	BuildFailed        BuildState = "failed"
)

// Terminal reports whether no further transition is possible.
func (s BuildState) Terminal() bool {
	return s == BuildCached || s == BuildFailed
}

// next lists the legal successor of each non-terminal state.
var next = map[BuildState]BuildState{
	BuildPending:       BuildSourceReady,
	BuildSourceReady:   BuildDepsInstalled,
	BuildDepsInstalled: BuildBuilt,
	BuildBuilt:         BuildCached,
}

// CanTransition reports whether moving from s to to is a legal transition.
// Any non-terminal state may move to Failed. Pending and SourceReady may
// short-circuit to Cached.
func (s BuildState) CanTransition(to BuildState) bool {
	if s.Terminal() {
		return false
	}
	if to == BuildFailed {
		return true
	}
	if to == BuildCached && (s == BuildPending || s == BuildSourceReady) {
		return true
	}
	return next[s] == to
}

// PackageInfo is the resolved metadata of a foreign package.
type PackageInfo struct {
	Name             string `json:"name"`
	Base             string `json:"base"`
	Origin           Origin `json:"origin"`
	InstalledVersion string `json:"installed_version,omitempty"`
	CandidateVersion string `json:"candidate_version"`
	IsDevelopment    bool   `json:"is_development"`

	// BuildDependencies are foreign packages that must be built before this one.
	BuildDependencies StringSet `json:"build_dependencies,omitempty"`

	// RepoDependencies are repository packages needed at build time.
	RepoDependencies StringSet `json:"repo_dependencies,omitempty"`

	// RuntimeDependencies are foreign packages that must be installed with this one.
	RuntimeDependencies StringSet `json:"runtime_dependencies,omitempty"`

	Provides          []string   `json:"provides,omitempty"`
	SourceLocation    string     `json:"source_location"`
	LastBuiltRevision string     `json:"last_built_revision,omitempty"`
	State             BuildState `json:"state"`
}

// AllForeignDependencies returns the union of build and runtime foreign dependencies.
func (p *PackageInfo) AllForeignDependencies() StringSet {
	out := NewStringSet()
	out.AddAll(p.BuildDependencies)
	out.AddAll(p.RuntimeDependencies)
	return out
}

// Resolution is the output of the foreign package resolver.
type Resolution struct {
	// Packages holds every resolved foreign package, including dependencies.
	Packages map[string]*PackageInfo

	// Unresolved maps a package name to the reason it could not be resolved.
	Unresolved map[string]error

	// RepoDependencies are repository packages needed by the resolved set.
	RepoDependencies StringSet
}

// NewResolution creates an empty resolution.
func NewResolution() *Resolution {
	return &Resolution{
		Packages:         make(map[string]*PackageInfo),
		Unresolved:       make(map[string]error),
		RepoDependencies: NewStringSet(),
	}
}

// BuildPlan is a dependency-ordered list of foreign packages.
type BuildPlan struct {
	// Order lists package names so that dependencies come first.
	Order []string

	// Packages indexes the PackageInfo of every ordered package.
	Packages map[string]*PackageInfo

	// Failed holds packages excluded from the order and why.
	Failed map[string]error
}

// BuildReport is the outcome of the build phase.
type BuildReport struct {
	States    map[string]BuildState
	Artifacts map[string]string
	Built     []string
	Reused    []string
	Failed    map[string]error
}

// NewBuildReport creates an empty report.
func NewBuildReport() *BuildReport {
	return &BuildReport{
		States:    make(map[string]BuildState),
		Artifacts: make(map[string]string),
		Failed:    make(map[string]error),
	}
}

// CacheEntry is a built artifact kept on disk.
type CacheEntry struct {
	PackageName  string    `json:"package_name"`
	Version      string    `json:"version"`
	ArtifactPath string    `json:"artifact_path"`
	BuiltAt      time.Time `json:"built_at"`
}

// RunPreferences are choices remembered between runs.
type RunPreferences struct {
	AllowSourceWithoutPrompt bool `json:"allow_source_without_prompt"`
}

// StoreState is everything the engine remembers from the previous run.
type StoreState struct {
	SourceIdentity   string               `json:"source_identity"`
	CreatedFiles     StringSet            `json:"created_files"`
	EnabledModules   map[string]string    `json:"enabled_modules"`
	PackageRevisions map[string]string    `json:"package_revisions"`
	ReviewedCommits  map[string]string    `json:"reviewed_commits"`
	EnabledUnits     StringSet            `json:"enabled_units"`
	EnabledUserUnits map[string]StringSet `json:"enabled_user_units"`
	Preferences      RunPreferences       `json:"preferences"`
}

// NewStoreState returns the state of a first run.
func NewStoreState() *StoreState {
	return &StoreState{
		CreatedFiles:     NewStringSet(),
		EnabledModules:   make(map[string]string),
		PackageRevisions: make(map[string]string),
		ReviewedCommits:  make(map[string]string),
		EnabledUnits:     NewStringSet(),
		EnabledUserUnits: make(map[string]StringSet),
	}
}

// Clone returns a deep copy of s. Nil maps of s come back empty.
func (s *StoreState) Clone() *StoreState {
	out := NewStoreState()
	out.SourceIdentity = s.SourceIdentity
	out.Preferences = s.Preferences
	out.CreatedFiles.AddAll(s.CreatedFiles)
	out.EnabledUnits.AddAll(s.EnabledUnits)
	for k, v := range s.EnabledModules {
		out.EnabledModules[k] = v
	}
	for k, v := range s.PackageRevisions {
		out.PackageRevisions[k] = v
	}
	for k, v := range s.ReviewedCommits {
		out.ReviewedCommits[k] = v
	}
	for user, units := range s.EnabledUserUnits {
		out.EnabledUserUnits[user] = units.Clone()
	}
	return out
}

// FileSpec is a file the engine manages.
type FileSpec struct {
	Path    string      `json:"path"`
	Content *string     `json:"content,omitempty"`
	Source  string      `json:"source,omitempty"`
	Owner   string      `json:"owner,omitempty"`
	Group   string      `json:"group,omitempty"`
	Mode    fs.FileMode `json:"mode"`
	// Encoding of Content: empty or "utf-8" for text, "base64" for binary.
	Encoding string `json:"encoding,omitempty"`
}

// DirectorySpec copies a source tree to a target directory.
type DirectorySpec struct {
	Path   string      `json:"path"`
	Source string      `json:"source"`
	Owner  string      `json:"owner,omitempty"`
	Group  string      `json:"group,omitempty"`
	Mode   fs.FileMode `json:"mode"`
}

// ModuleDecl is a declared module and whether it is enabled.
type ModuleDecl struct {
	Module  Module
	Enabled bool
}

// DesiredState is the already-parsed declaration the engine converges to.
type DesiredState struct {
	SourceIdentity string
	Packages       []PackageSpec
	UserPackages   []UserPackage
	Ignored        StringSet
	Files          []FileSpec
	Directories    []DirectorySpec
	Units          StringSet
	UserUnits      map[string]StringSet
	Modules        []ModuleDecl
}

// AddFiles appends the specs whose paths are not already declared and
// returns the paths that were skipped.
func (d *DesiredState) AddFiles(specs ...FileSpec) []string {
	declared := NewStringSet()
	for _, f := range d.Files {
		declared.Add(f.Path)
	}
	var skipped []string
	for _, spec := range specs {
		if declared.Has(spec.Path) {
			skipped = append(skipped, spec.Path)
			continue
		}
		declared.Add(spec.Path)
		d.Files = append(d.Files, spec)
	}
	return skipped
}

// NormalizedPackages collapses duplicate declarations by name. When a name
// appears with several origins, user beats community beats repository.
// Every user package descriptor is also a declaration. The result is sorted
// by name.
func (d *DesiredState) NormalizedPackages() []PackageSpec {
	byName := make(map[string]PackageSpec, len(d.Packages)+len(d.UserPackages))
	add := func(p PackageSpec) {
		if existing, ok := byName[p.Name]; ok {
			p.Explicit = p.Explicit || existing.Explicit
			if existing.Origin.precedence() > p.Origin.precedence() {
				p.Origin = existing.Origin
			}
		}
		byName[p.Name] = p
	}
	for _, p := range d.Packages {
		add(p)
	}
	for _, up := range d.UserPackages {
		add(PackageSpec{Name: up.Name, Origin: OriginUser, Explicit: true})
	}
	out := make([]PackageSpec, 0, len(byName))
	for _, p := range byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SystemTruth is the live state of the machine. Foreign holds installed
// packages that no configured repository provides.
type SystemTruth struct {
	Installed        map[string]PackageRecord
	Foreign          StringSet
	Orphans          StringSet
	EnabledUnits     StringSet
	EnabledUserUnits map[string]StringSet
}

// Comparison is the result of comparing two versions.
type Comparison int

const (
	Older Comparison = -1
	Equal Comparison = 0
	Newer Comparison = 1
)

func (c Comparison) String() string {
	switch c {
	case Older:
		return "older"
	case Newer:
		return "newer"
	default:
		return "equal"
	}
}

// RunOptions are the run modifiers. The value is built once per run and
// passed explicitly; it is never mutated afterwards.
type RunOptions struct {
	SkipPackages      bool `json:"skip_packages"`
	SkipForeign       bool `json:"skip_foreign"`
	SkipFiles         bool `json:"skip_files"`
	SkipServices      bool `json:"skip_services"`
	SkipHooks         bool `json:"skip_hooks"`
	ForceUpgradeDevel bool `json:"force_upgrade_devel"`
	ForceRebuild      bool `json:"force_rebuild"`
	DryRun            bool `json:"dry_run"`
	RemoveOrphans     bool `json:"remove_orphans"`
}

// StringSet is a set of names with deterministic iteration through Sorted.
type StringSet map[string]struct{}

// NewStringSet creates a set holding items.
func NewStringSet(items ...string) StringSet {
	s := make(StringSet, len(items))
	for _, item := range items {
		s[item] = struct{}{}
	}
	return s
}

// Add inserts item.
func (s StringSet) Add(item string) {
	s[item] = struct{}{}
}

// AddAll inserts every item of other.
func (s StringSet) AddAll(other StringSet) {
	for item := range other {
		s[item] = struct{}{}
	}
}

// Has reports membership. A nil set is empty.
func (s StringSet) Has(item string) bool {
	_, ok := s[item]
	return ok
}

// Difference returns the items of s that are in none of others.
func (s StringSet) Difference(others ...StringSet) StringSet {
	out := NewStringSet()
	for item := range s {
		excluded := false
		for _, o := range others {
			if o.Has(item) {
				excluded = true
				break
			}
		}
		if !excluded {
			out.Add(item)
		}
	}
	return out
}

// Intersect returns the items present in both sets.
func (s StringSet) Intersect(other StringSet) StringSet {
	out := NewStringSet()
	for item := range s {
		if other.Has(item) {
			out.Add(item)
		}
	}
	return out
}

// Sorted returns the items in ascending order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for item := range s {
		out = append(out, item)
	}
	sort.Strings(out)
	return out
}

// Clone returns a copy of s.
func (s StringSet) Clone() StringSet {
	out := make(StringSet, len(s))
	for item := range s {
		out[item] = struct{}{}
	}
	return out
}
