package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

// Systemd enables and disables units through systemctl.
type Systemd struct {
	exec   engine.CommandExecutor
	cmds   Commands
	logger zerolog.Logger
}

// NewSystemd creates a service manager client.
func NewSystemd(exec engine.CommandExecutor, cmds Commands, logger zerolog.Logger) *Systemd {
	return &Systemd{
		exec:   exec,
		cmds:   cmds,
		logger: logger.With().Str("component", "systemd").Logger(),
	}
}

// EnabledServices lists enabled system units.
func (s *Systemd) EnabledServices(ctx context.Context) (engine.StringSet, error) {
	return s.listEnabled(ctx, nil)
}

// EnabledUserServices lists enabled units of user.
func (s *Systemd) EnabledUserServices(ctx context.Context, user string) (engine.StringSet, error) {
	return s.listEnabled(ctx, userScope(user))
}

func (s *Systemd) listEnabled(ctx context.Context, scope []string) (engine.StringSet, error) {
	args := append(append([]string{}, scope...), "list-unit-files", "--state=enabled", "--no-legend", "--plain")
	result, err := Run(ctx, s.exec, engine.Command{Argv: with(s.cmds.Systemctl, args...)})
	if err != nil {
		return nil, fmt.Errorf("failed to list enabled units: %w", err)
	}
	units := engine.NewStringSet()
	for _, line := range Lines(result.Stdout) {
		units.Add(strings.Fields(line)[0])
	}
	return units, nil
}

// EnableUnits enables system units.
func (s *Systemd) EnableUnits(ctx context.Context, units []string) error {
	return s.change(ctx, "enable", nil, units)
}

// DisableUnits disables system units.
func (s *Systemd) DisableUnits(ctx context.Context, units []string) error {
	return s.change(ctx, "disable", nil, units)
}

// EnableUserUnits enables units in user's service manager.
func (s *Systemd) EnableUserUnits(ctx context.Context, user string, units []string) error {
	return s.change(ctx, "enable", userScope(user), units)
}

// DisableUserUnits disables units in user's service manager.
func (s *Systemd) DisableUserUnits(ctx context.Context, user string, units []string) error {
	return s.change(ctx, "disable", userScope(user), units)
}

func (s *Systemd) change(ctx context.Context, verb string, scope []string, units []string) error {
	if len(units) == 0 {
		return nil
	}
	args := append(append([]string{}, scope...), verb)
	args = append(args, units...)
	s.logger.Info().Strs("units", units).Strs("scope", scope).Msgf("Running systemctl %s", verb)
	if _, err := Run(ctx, s.exec, engine.Command{Argv: with(s.cmds.Systemctl, args...)}); err != nil {
		return fmt.Errorf("systemctl %s failed: %w", verb, err)
	}
	return nil
}
