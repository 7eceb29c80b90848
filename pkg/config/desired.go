package config

import (
	"fmt"
	"io/fs"
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/declman/declman/pkg/engine"
)

// DesiredState converts the spec into the value the reconciler converges
// to. Module hooks run through exec, as the module's user when one is set.
func (s *SystemSpec) DesiredState(sourceIdentity string, exec engine.CommandExecutor) (*engine.DesiredState, error) {
	desired := &engine.DesiredState{
		SourceIdentity: sourceIdentity,
		Ignored:        engine.NewStringSet(s.Ignored...),
		Units:          engine.NewStringSet(s.Units...),
		UserUnits:      make(map[string]engine.StringSet, len(s.UserUnits)),
	}

	for _, name := range s.Packages {
		desired.Packages = append(desired.Packages, engine.PackageSpec{Name: name, Origin: engine.OriginRepository, Explicit: true})
	}
	for _, name := range s.CommunityPackages {
		desired.Packages = append(desired.Packages, engine.PackageSpec{Name: name, Origin: engine.OriginCommunity, Explicit: true})
	}
	for _, p := range s.UserPackages {
		desired.UserPackages = append(desired.UserPackages, engine.UserPackage{
			Name:              p.Name,
			Base:              p.Base,
			Version:           p.Version,
			Provides:          p.Provides,
			Dependencies:      p.Dependencies,
			MakeDependencies:  p.MakeDependencies,
			CheckDependencies: p.CheckDependencies,
			SourceLocation:    p.SourceLocation,
		})
	}

	for _, path := range slices.Sorted(maps.Keys(s.Files)) {
		f := s.Files[path]
		mode, err := parseMode(f.Mode)
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", path, err)
		}
		desired.Files = append(desired.Files, engine.FileSpec{
			Path:     path,
			Content:  f.Content,
			Source:   f.Source,
			Owner:    f.Owner,
			Group:    f.Group,
			Mode:     mode,
			Encoding: f.Encoding,
		})
	}
	for _, path := range slices.Sorted(maps.Keys(s.Directories)) {
		d := s.Directories[path]
		mode, err := parseMode(d.Mode)
		if err != nil {
			return nil, fmt.Errorf("directory %s: %w", path, err)
		}
		desired.Directories = append(desired.Directories, engine.DirectorySpec{
			Path:   path,
			Source: d.Source,
			Owner:  d.Owner,
			Group:  d.Group,
			Mode:   mode,
		})
	}

	for user, units := range s.UserUnits {
		desired.UserUnits[user] = engine.NewStringSet(units...)
	}

	for _, m := range s.Modules {
		desired.Modules = append(desired.Modules, engine.ModuleDecl{
			Module:  m.module(exec),
			Enabled: m.Enabled,
		})
	}
	return desired, nil
}

func (m ModuleConfig) module(exec engine.CommandExecutor) *engine.CommandModule {
	commands := func(lines []CommandLine) []engine.Command {
		out := make([]engine.Command, 0, len(lines))
		for _, argv := range lines {
			out = append(out, engine.Command{Argv: []string(argv), AsUser: m.User})
		}
		return out
	}
	return &engine.CommandModule{
		ModuleName:    m.Name,
		ModuleVersion: m.Version,
		Executor:      exec,
		Hooks: map[engine.HookEvent][]engine.Command{
			engine.HookOnEnable:           commands(m.Hooks.OnEnable),
			engine.HookOnDisable:          commands(m.Hooks.OnDisable),
			engine.HookAfterVersionChange: commands(m.Hooks.AfterVersionChange),
			engine.HookAfterUpdate:        commands(m.Hooks.AfterUpdate),
		},
	}
}

// parseMode reads an octal permission string such as "644", "0644" or
// "0o644". Empty means unset.
func parseMode(s string) (fs.FileMode, error) {
	if s == "" {
		return 0, nil
	}
	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0o"), "0O")
	mode, err := strconv.ParseUint(digits, 8, 32)
	if err != nil || mode > 0o777 {
		return 0, fmt.Errorf("invalid mode %q", s)
	}
	return fs.FileMode(mode), nil
}
