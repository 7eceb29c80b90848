package commands

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/declman/declman/pkg/builder"
	"github.com/declman/declman/pkg/cache"
	"github.com/declman/declman/pkg/config"
	"github.com/declman/declman/pkg/engine"
	"github.com/declman/declman/pkg/files"
	"github.com/declman/declman/pkg/policy"
	"github.com/declman/declman/pkg/resolver"
	"github.com/declman/declman/pkg/stores"
	"github.com/declman/declman/pkg/system"
	"github.com/declman/declman/pkg/telemetry"
)

// app holds what every command needs: settings, telemetry and the state
// store, opened in that order and closed in reverse.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	store    *stores.SQLiteStore
	logger   zerolog.Logger
}

// newApp loads settings and starts telemetry. The state store is opened on
// first use.
func newApp(cmd *cobra.Command) (*app, error) {
	settings, path, err := config.LoadSettings(config.SettingsOptions{
		File:  settingsPath,
		Flags: settingsFlags(cmd),
	})
	if err != nil {
		return nil, err
	}
	settings.Telemetry.ServiceVersion = cmd.Root().Version

	tel, err := telemetry.NewTelemetry(&settings.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to start telemetry: %w", err)
	}
	logger := tel.Logger.Zerolog()
	log.Logger = logger
	if path != "" {
		logger.Debug().Str("path", path).Msg("Loaded settings")
	}

	return &app{settings: settings, tel: tel, logger: logger}, nil
}

// openStore opens the state database, creating its directory.
func (a *app) openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	if a.store != nil {
		return a.store, nil
	}
	if err := os.MkdirAll(filepath.Dir(a.settings.StatePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}
	store, err := stores.OpenStateStore(ctx, a.settings.StatePath, a.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	a.store = store
	return store, nil
}

// close flushes telemetry and closes the store. Errors are logged.
func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close state store")
		}
	}
	if err := a.tel.Shutdown(context.Background()); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to flush telemetry")
	}
}

// loadSpec reads the spec at path and converts it into the desired state.
// The source identity is the absolute path and the digest of the content.
func (a *app) loadSpec(path string, exec engine.CommandExecutor) (*config.SystemSpec, *engine.DesiredState, error) {
	loader, err := config.NewLoader()
	if err != nil {
		return nil, nil, err
	}
	loader.StarlarkTimeout = a.settings.StarlarkTimeout

	spec, err := loader.LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	identity, err := sourceIdentity(path)
	if err != nil {
		return nil, nil, err
	}
	desired, err := spec.DesiredState(identity, exec)
	if err != nil {
		return nil, nil, err
	}
	if err := a.addGuardWrappers(path, desired); err != nil {
		return nil, nil, err
	}
	return spec, desired, nil
}

// addGuardWrappers declares the package manager wrappers as managed files
// when they are enabled. A path the spec already declares keeps the spec's
// content.
func (a *app) addGuardWrappers(path string, desired *engine.DesiredState) error {
	w := a.settings.Wrappers
	if !w.Enabled {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve spec path: %w", err)
	}
	specs, err := files.GuardWrappers(files.WrapperOptions{
		Dir:     w.Dir,
		RealDir: w.RealDir,
		Tools:   w.Tools,
		Source:  abs,
	})
	if err != nil {
		return err
	}
	for _, skipped := range desired.AddFiles(specs...) {
		a.logger.Warn().Str("path", skipped).Msg("Spec declares a guard wrapper path, keeping the spec's file")
	}
	return nil
}

func sourceIdentity(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve spec path: %w", err)
	}
	content, err := os.ReadFile(abs)
	if err != nil {
		return "", fmt.Errorf("failed to read spec: %w", err)
	}
	sum := sha256.Sum256(content)
	return abs + "@sha256:" + hex.EncodeToString(sum[:]), nil
}

// newGuard compiles the built-in policies and the site policies of the
// configured directory. A missing directory is skipped.
func (a *app) newGuard(ctx context.Context) (*policy.Guard, error) {
	guard, err := policy.NewGuard(ctx, a.logger, policy.Options{
		ProtectedPackages: a.settings.Policy.ProtectedPackages,
		Disabled:          a.settings.Policy.Disabled,
	})
	if err != nil {
		return nil, err
	}

	dir := a.settings.Policy.Dir
	if dir == "" {
		return guard, nil
	}
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			a.logger.Debug().Str("dir", dir).Msg("No site policies")
			return guard, nil
		}
		return nil, fmt.Errorf("failed to read policy directory: %w", err)
	}
	if err := guard.LoadPolicies(ctx, dir); err != nil {
		return nil, err
	}
	return guard, nil
}

// newReconciler wires every engine collaborator from the settings. User
// packages of desired take precedence in resolution.
func (a *app) newReconciler(ctx context.Context, exec engine.CommandExecutor, guard engine.PlanGuard, desired *engine.DesiredState) (*engine.Reconciler, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	s := a.settings

	probe := system.NewProbe(exec, s.Commands, a.logger)
	artifacts, err := cache.New(s.CacheDir, s.CacheRetention, store, a.logger)
	if err != nil {
		return nil, err
	}

	registry := resolver.NewAURClient(s.AUR.BaseURL, s.AUR.Timeout, a.logger)
	source := builder.NewGitSource(exec, s.BuildCommands, s.BuildUser, a.logger)
	sandbox := builder.NewChroot(exec, s.BuildCommands, filepath.Join(s.BuildDir, "chroot"), s.BuildUser, a.logger)

	deps := engine.ReconcilerDeps{
		Probe:     probe,
		Packages:  probe.Pacman,
		Services:  probe.Systemd,
		Resolver:  resolver.New(registry, probe.Pacman, desired.UserPackages, a.logger),
		Revisions: source,
		Builder: builder.New(sandbox, source, artifacts, builder.Config{
			SourceDir:    filepath.Join(s.BuildDir, "src"),
			RepoPackages: s.ChrootPackages,
		}, a.logger),
		Store: store,
		Files: files.NewManager(a.logger),
		Comparator: system.FallbackComparator{
			Primary:   system.NewVercmpComparator(exec, s.Commands),
			Secondary: system.SemverComparator{},
		},
		Recorder: store,
		Guard:    guard,
		Observer: a.tel.Metrics,
		Tracer:   a.tel.Tracer.Tracer(),
	}
	return engine.NewReconciler(deps, a.logger)
}
