package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

// Pacman queries and mutates installed packages through the package manager.
type Pacman struct {
	exec   engine.CommandExecutor
	cmds   Commands
	logger zerolog.Logger
}

// NewPacman creates a package manager client.
func NewPacman(exec engine.CommandExecutor, cmds Commands, logger zerolog.Logger) *Pacman {
	return &Pacman{
		exec:   exec,
		cmds:   cmds,
		logger: logger.With().Str("component", "pacman").Logger(),
	}
}

// InstalledPackages lists every installed package with its version and
// whether it was installed explicitly.
func (p *Pacman) InstalledPackages(ctx context.Context) (map[string]engine.PackageRecord, error) {
	all, err := Run(ctx, p.exec, engine.Command{Argv: with(p.cmds.ListInstalled)})
	if err != nil {
		return nil, fmt.Errorf("failed to list installed packages: %w", err)
	}

	explicit, err := p.query(ctx, p.cmds.ListExplicit)
	if err != nil {
		return nil, fmt.Errorf("failed to list explicit packages: %w", err)
	}

	records, err := parseVersioned(all.Stdout)
	if err != nil {
		return nil, err
	}
	out := make(map[string]engine.PackageRecord, len(records))
	for name, version := range records {
		out[name] = engine.PackageRecord{
			Name:     name,
			Version:  version,
			Explicit: explicit.Has(name),
		}
	}
	return out, nil
}

// ForeignPackages lists installed packages that no repository provides.
func (p *Pacman) ForeignPackages(ctx context.Context) (engine.StringSet, error) {
	result, err := p.exec.Execute(ctx, engine.Command{Argv: with(p.cmds.ListForeign)})
	if err != nil {
		return nil, fmt.Errorf("failed to list foreign packages: %w", err)
	}
	// pacman exits 1 when the query matches nothing.
	if !result.Success() && strings.TrimSpace(result.Stdout) != "" {
		return nil, &CommandError{Argv: p.cmds.ListForeign, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	records, err := parseVersioned(result.Stdout)
	if err != nil {
		return nil, err
	}
	out := engine.NewStringSet()
	for name := range records {
		out.Add(name)
	}
	return out, nil
}

// OrphanedPackages lists dependencies nothing requires anymore.
func (p *Pacman) OrphanedPackages(ctx context.Context) (engine.StringSet, error) {
	set, err := p.query(ctx, p.cmds.ListOrphans)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphans: %w", err)
	}
	return set, nil
}

// query runs a name-per-line query. An exit status of 1 with no output is
// an empty result.
func (p *Pacman) query(ctx context.Context, argv []string) (engine.StringSet, error) {
	result, err := p.exec.Execute(ctx, engine.Command{Argv: with(argv)})
	if err != nil {
		return nil, err
	}
	if !result.Success() {
		if result.ExitCode == 1 && strings.TrimSpace(result.Stdout) == "" {
			return engine.NewStringSet(), nil
		}
		return nil, &CommandError{Argv: argv, ExitCode: result.ExitCode, Stderr: result.Stderr}
	}
	return engine.NewStringSet(Lines(result.Stdout)...), nil
}

// IsInstallable reports whether a repository provides name.
func (p *Pacman) IsInstallable(ctx context.Context, name string) (bool, error) {
	result, err := p.exec.Execute(ctx, engine.Command{Argv: with(p.cmds.IsInstallable, name)})
	if err != nil {
		return false, err
	}
	return result.Success(), nil
}

// Install installs repository packages explicitly.
func (p *Pacman) Install(ctx context.Context, names []string) error {
	return p.mutate(ctx, "install", p.cmds.Install, names)
}

// InstallDependencies installs repository packages as dependencies.
func (p *Pacman) InstallDependencies(ctx context.Context, names []string) error {
	return p.mutate(ctx, "install dependencies", p.cmds.InstallDeps, names)
}

// InstallFiles installs built package files as dependencies and then marks
// asExplicit as explicitly installed.
func (p *Pacman) InstallFiles(ctx context.Context, paths []string, asExplicit []string) error {
	if err := p.mutate(ctx, "install files", p.cmds.InstallFiles, paths); err != nil {
		return err
	}
	return p.mutate(ctx, "mark explicit", p.cmds.SetExplicit, asExplicit)
}

// Remove removes packages and dependencies nothing else requires.
func (p *Pacman) Remove(ctx context.Context, names []string) error {
	return p.mutate(ctx, "remove", p.cmds.Remove, names)
}

// RemoveOrphans removes orphaned packages with their configuration.
func (p *Pacman) RemoveOrphans(ctx context.Context, names []string) error {
	return p.mutate(ctx, "remove orphans", p.cmds.RemoveOrphans, names)
}

// Upgrade synchronizes repositories and upgrades every repository package.
func (p *Pacman) Upgrade(ctx context.Context) error {
	p.logger.Info().Msg("Upgrading packages")
	_, err := Run(ctx, p.exec, engine.Command{Argv: with(p.cmds.Upgrade)})
	return err
}

func (p *Pacman) mutate(ctx context.Context, op string, prefix []string, args []string) error {
	if len(args) == 0 {
		return nil
	}
	p.logger.Info().Strs("targets", args).Msgf("Running %s", op)
	if _, err := Run(ctx, p.exec, engine.Command{Argv: with(prefix, args...)}); err != nil {
		return fmt.Errorf("%s failed: %w", op, err)
	}
	return nil
}

// parseVersioned reads "name version" lines.
func parseVersioned(output string) (map[string]string, error) {
	out := make(map[string]string)
	for _, line := range Lines(output) {
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, fmt.Errorf("unexpected package line %q", line)
		}
		out[fields[0]] = fields[1]
	}
	return out, nil
}
