package resolver

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"testing"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

type fakeRegistry struct {
	packages  map[string]*RegistryPackage
	failNames map[string]bool
	infoCalls int
}

func newFakeRegistry(pkgs ...RegistryPackage) *fakeRegistry {
	r := &fakeRegistry{packages: make(map[string]*RegistryPackage), failNames: make(map[string]bool)}
	for i := range pkgs {
		p := pkgs[i]
		if p.PackageBase == "" {
			p.PackageBase = p.Name
		}
		r.packages[p.Name] = &p
	}
	return r
}

func (r *fakeRegistry) Info(ctx context.Context, names []string) (map[string]*RegistryPackage, error) {
	r.infoCalls++
	out := make(map[string]*RegistryPackage)
	for _, name := range names {
		if r.failNames[name] {
			return nil, errors.New("connection reset")
		}
		if p, ok := r.packages[name]; ok {
			out[name] = p
		}
	}
	return out, nil
}

func (r *fakeRegistry) SearchProvides(ctx context.Context, dep string) ([]string, error) {
	var out []string
	for name, p := range r.packages {
		for _, provided := range p.Provides {
			if StripDependency(provided) == dep {
				out = append(out, name)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *fakeRegistry) SourceLocation(pkgbase string) string {
	return "https://registry.test/" + pkgbase + ".git"
}

type fakeRepo struct {
	installable engine.StringSet
}

func (f *fakeRepo) IsInstallable(ctx context.Context, dep string) (bool, error) {
	return f.installable.Has(StripDependency(dep)), nil
}

func TestResolver_Resolve_TransitiveDependencies(t *testing.T) {
	registry := newFakeRegistry(
		RegistryPackage{Name: "pkgx", Version: "1.0-1", Depends: []string{"pkgy>=2", "glibc"}},
		RegistryPackage{Name: "pkgy", Version: "2.1-1", Depends: []string{"pkgz"}, MakeDepends: []string{"cmake"}},
		RegistryPackage{Name: "pkgz", Version: "0.3-1", CheckDepends: []string{"python"}},
	)
	repo := &fakeRepo{installable: engine.NewStringSet("glibc", "cmake", "python")}
	r := New(registry, repo, nil, zerolog.Nop())

	res, err := r.Resolve(context.Background(), []string{"pkgx"}, map[string]engine.PackageRecord{
		"pkgz": {Name: "pkgz", Version: "0.2-1"},
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(res.Unresolved) != 0 {
		t.Fatalf("Expected nothing unresolved, got %v", res.Unresolved)
	}
	if len(res.Packages) != 3 {
		t.Fatalf("Expected 3 packages, got %d", len(res.Packages))
	}

	x := res.Packages["pkgx"]
	if !reflect.DeepEqual(x.RuntimeDependencies.Sorted(), []string{"pkgy"}) {
		t.Errorf("Expected pkgx to depend on [pkgy], got %v", x.RuntimeDependencies.Sorted())
	}
	if x.Origin != engine.OriginCommunity {
		t.Errorf("Expected community origin, got %s", x.Origin)
	}
	if x.SourceLocation != "https://registry.test/pkgx.git" {
		t.Errorf("Unexpected source location %s", x.SourceLocation)
	}
	if x.State != engine.BuildPending {
		t.Errorf("Expected pending state, got %s", x.State)
	}
	if res.Packages["pkgz"].InstalledVersion != "0.2-1" {
		t.Errorf("Expected installed version 0.2-1, got %q", res.Packages["pkgz"].InstalledVersion)
	}
	if !reflect.DeepEqual(res.RepoDependencies.Sorted(), []string{"cmake", "glibc", "python"}) {
		t.Errorf("Expected repo dependencies [cmake glibc python], got %v", res.RepoDependencies.Sorted())
	}
}

func TestResolver_Resolve_UserPackageOverridesRegistry(t *testing.T) {
	registry := newFakeRegistry(RegistryPackage{Name: "tool", Version: "1.0-1"})
	user := []engine.UserPackage{{
		Name:           "tool",
		Version:        "9.9-1",
		Dependencies:   []string{"libtool-extra"},
		SourceLocation: "https://git.example.com/tool.git",
	}, {
		Name:     "extra-impl",
		Version:  "1.0-1",
		Provides: []string{"libtool-extra=1"},
	}}
	r := New(registry, &fakeRepo{installable: engine.NewStringSet()}, user, zerolog.Nop())

	res, err := r.Resolve(context.Background(), []string{"tool"}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tool := res.Packages["tool"]
	if tool == nil {
		t.Fatalf("Expected tool to resolve, unresolved: %v", res.Unresolved)
	}
	if tool.Origin != engine.OriginUser || tool.CandidateVersion != "9.9-1" {
		t.Errorf("Expected user package 9.9-1, got %s %s", tool.Origin, tool.CandidateVersion)
	}
	if tool.SourceLocation != "https://git.example.com/tool.git" {
		t.Errorf("Unexpected source location %s", tool.SourceLocation)
	}
	if !tool.RuntimeDependencies.Has("extra-impl") {
		t.Errorf("Expected the provider extra-impl, got %v", tool.RuntimeDependencies.Sorted())
	}
	if tool.Base != "tool" {
		t.Errorf("Expected base to default to the name, got %q", tool.Base)
	}
}

func TestResolver_Resolve_ProviderChoiceIsDeterministic(t *testing.T) {
	registry := newFakeRegistry(
		RegistryPackage{Name: "app", Version: "1-1", Depends: []string{"virtual-dep"}},
		RegistryPackage{Name: "zz-provider", Version: "1-1", Provides: []string{"virtual-dep"}},
		RegistryPackage{Name: "aa-provider", Version: "1-1", Provides: []string{"virtual-dep"}},
	)
	r := New(registry, &fakeRepo{installable: engine.NewStringSet()}, nil, zerolog.Nop())

	for i := 0; i < 5; i++ {
		res, err := r.Resolve(context.Background(), []string{"app"}, nil)
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}
		if !reflect.DeepEqual(res.Packages["app"].RuntimeDependencies.Sorted(), []string{"aa-provider"}) {
			t.Fatalf("Expected aa-provider, got %v", res.Packages["app"].RuntimeDependencies.Sorted())
		}
	}
}

func TestResolver_Resolve_NotFoundIsPackageScoped(t *testing.T) {
	registry := newFakeRegistry(
		RegistryPackage{Name: "good", Version: "1-1"},
		RegistryPackage{Name: "parent", Version: "1-1", Depends: []string{"child"}},
		RegistryPackage{Name: "child", Version: "1-1", Depends: []string{"ghost"}},
	)
	r := New(registry, &fakeRepo{installable: engine.NewStringSet()}, nil, zerolog.Nop())

	res, err := r.Resolve(context.Background(), []string{"good", "missing", "parent"}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if _, ok := res.Packages["good"]; !ok {
		t.Error("Expected good to resolve")
	}
	if engine.CodeOf(res.Unresolved["missing"]) != engine.ErrCodeNotFound {
		t.Errorf("Expected missing to be NOT_FOUND, got %v", res.Unresolved["missing"])
	}
	for _, name := range []string{"child", "parent"} {
		if _, ok := res.Unresolved[name]; !ok {
			t.Errorf("Expected %s to be unresolved", name)
		}
		if _, ok := res.Packages[name]; ok {
			t.Errorf("Expected %s not to be resolved", name)
		}
		if engine.CodeOf(res.Unresolved[name]) != engine.ErrCodeDependencyFailed {
			t.Errorf("Expected %s to fail with %s, got %s", name, engine.ErrCodeDependencyFailed, engine.CodeOf(res.Unresolved[name]))
		}
	}
}

func TestResolver_Resolve_LookupFailureIsPackageScoped(t *testing.T) {
	registry := newFakeRegistry(
		RegistryPackage{Name: "ok", Version: "1-1"},
		RegistryPackage{Name: "flaky", Version: "1-1"},
	)
	registry.failNames["flaky"] = true
	r := New(registry, &fakeRepo{installable: engine.NewStringSet()}, nil, zerolog.Nop())

	res, err := r.Resolve(context.Background(), []string{"flaky", "ok"}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, ok := res.Packages["ok"]; !ok {
		t.Error("Expected ok to resolve despite the failed batch")
	}
	if !engine.IsTransient(res.Unresolved["flaky"]) {
		t.Errorf("Expected a transient error for flaky, got %v", res.Unresolved["flaky"])
	}
}

func TestResolver_Resolve_CyclicDependenciesTerminate(t *testing.T) {
	registry := newFakeRegistry(
		RegistryPackage{Name: "a", Version: "1-1", Depends: []string{"b"}},
		RegistryPackage{Name: "b", Version: "1-1", MakeDepends: []string{"a"}},
	)
	r := New(registry, &fakeRepo{installable: engine.NewStringSet()}, nil, zerolog.Nop())

	res, err := r.Resolve(context.Background(), []string{"a"}, nil)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(res.Packages) != 2 {
		t.Errorf("Expected 2 packages, got %d", len(res.Packages))
	}
	if !res.Packages["b"].BuildDependencies.Has("a") {
		t.Error("Expected b to build-depend on a")
	}
}

func TestResolver_Resolve_Cancelled(t *testing.T) {
	registry := newFakeRegistry(RegistryPackage{Name: "a", Version: "1-1"})
	r := New(registry, &fakeRepo{installable: engine.NewStringSet()}, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.Resolve(ctx, []string{"a"}, nil); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestResolver_Resolve_DevelopmentFlag(t *testing.T) {
	registry := newFakeRegistry(RegistryPackage{Name: "neovim-git", PackageBase: "neovim-git", Version: "r1.abc-1"})
	r := New(registry, &fakeRepo{installable: engine.NewStringSet()}, nil, zerolog.Nop())

	res, _ := r.Resolve(context.Background(), []string{"neovim-git"}, nil)
	if !res.Packages["neovim-git"].IsDevelopment {
		t.Error("Expected neovim-git to be a development package")
	}
}
