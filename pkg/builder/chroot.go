package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
	"github.com/declman/declman/pkg/system"
)

// Sandbox is an isolated environment packages are built in.
type Sandbox interface {
	// Prepare creates the environment with packages preinstalled.
	Prepare(ctx context.Context, packages []string) error

	// InstallDependencies installs repository packages and returns the
	// names that were installed, for RemoveDependencies.
	InstallDependencies(ctx context.Context, deps []string) ([]string, error)

	// Build builds the source in dir with the given package files installed
	// first. Built package files are left in dir.
	Build(ctx context.Context, dir string, packageFiles []string) error

	// RemoveDependencies removes packages installed by InstallDependencies.
	RemoveDependencies(ctx context.Context, names []string) error

	// Destroy removes the environment.
	Destroy(ctx context.Context) error
}

// Chroot is a Sandbox backed by a clean chroot managed with devtools.
type Chroot struct {
	exec      engine.CommandExecutor
	cmds      Commands
	dir       string
	buildUser string
	logger    zerolog.Logger
}

var _ Sandbox = (*Chroot)(nil)

// NewChroot creates a chroot sandbox in dir. Packages are built as buildUser.
func NewChroot(exec engine.CommandExecutor, cmds Commands, dir, buildUser string, logger zerolog.Logger) *Chroot {
	return &Chroot{
		exec:      exec,
		cmds:      cmds,
		dir:       dir,
		buildUser: buildUser,
		logger:    logger.With().Str("component", "chroot").Logger(),
	}
}

func (c *Chroot) root() string {
	return filepath.Join(c.dir, "root")
}

// Prepare replaces any previous chroot with a new one.
func (c *Chroot) Prepare(ctx context.Context, packages []string) error {
	if err := os.RemoveAll(c.dir); err != nil {
		return fmt.Errorf("failed to remove previous chroot: %w", err)
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create chroot directory: %w", err)
	}

	c.logger.Info().Str("root", c.root()).Strs("packages", packages).Msg("Creating chroot")
	cmd := engine.Command{
		Argv: with(c.cmds.MakeChroot, append([]string{c.root()}, packages...)...),
		Env:  environWithout("GNUPGHOME"),
	}
	if _, err := system.Run(ctx, c.exec, cmd); err != nil {
		return fmt.Errorf("failed to create chroot: %w", err)
	}
	return nil
}

// InstallDependencies installs deps inside the chroot. Dependency
// expressions are resolved to real package names first.
func (c *Chroot) InstallDependencies(ctx context.Context, deps []string) ([]string, error) {
	if len(deps) == 0 {
		return nil, nil
	}
	names := c.realNames(ctx, deps)
	args := append([]string{c.root(), "pacman", "-S", "--needed", "--noconfirm"}, names...)
	if _, err := system.Run(ctx, c.exec, engine.Command{Argv: with(c.cmds.Nspawn, args...)}); err != nil {
		return nil, fmt.Errorf("failed to install build dependencies: %w", err)
	}
	return names, nil
}

// Build runs makechrootpkg in dir.
func (c *Chroot) Build(ctx context.Context, dir string, packageFiles []string) error {
	args := []string{"-r", c.dir, "-U", c.buildUser}
	for _, f := range packageFiles {
		args = append(args, "-I", f)
	}
	cmd := engine.Command{Argv: with(c.cmds.MakeChrootPkg, args...), Dir: dir}
	if _, err := system.Run(ctx, c.exec, cmd); err != nil {
		return fmt.Errorf("makechrootpkg failed: %w", err)
	}
	return nil
}

// RemoveDependencies removes names and what only they required.
func (c *Chroot) RemoveDependencies(ctx context.Context, names []string) error {
	if len(names) == 0 {
		return nil
	}
	args := append([]string{c.root(), "pacman", "-Rsu", "--noconfirm"}, names...)
	if _, err := system.Run(ctx, c.exec, engine.Command{Argv: with(c.cmds.Nspawn, args...)}); err != nil {
		return fmt.Errorf("failed to remove build dependencies: %w", err)
	}
	return nil
}

// Destroy removes the chroot directory.
func (c *Chroot) Destroy(ctx context.Context) error {
	return os.RemoveAll(c.dir)
}

// realNames maps dependency expressions such as "libfoo.so=1-64" to the
// packages providing them. Unresolvable expressions are kept as given.
func (c *Chroot) realNames(ctx context.Context, deps []string) []string {
	seen := engine.NewStringSet()
	out := make([]string, 0, len(deps))
	for _, dep := range deps {
		name := dep
		args := []string{c.root(), "pacman", "-Sddp", "--print-format=%n", dep}
		result, err := system.Run(ctx, c.exec, engine.Command{Argv: with(c.cmds.Nspawn, args...)})
		if err == nil {
			if resolved := strings.TrimSpace(result.Stdout); resolved != "" {
				name = resolved
			}
		}
		if !seen.Has(name) {
			seen.Add(name)
			out = append(out, name)
		}
	}
	return out
}

func environWithout(keys ...string) []string {
	drop := engine.NewStringSet(keys...)
	env := os.Environ()
	out := make([]string, 0, len(env))
	for _, kv := range env {
		if k, _, _ := strings.Cut(kv, "="); !drop.Has(k) {
			out = append(out, kv)
		}
	}
	return out
}
