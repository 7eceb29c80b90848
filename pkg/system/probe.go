package system

import (
	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

// Probe reads packages and units of the local machine. It satisfies
// engine.SystemProbe by combining the read-only halves of Pacman and Systemd.
type Probe struct {
	*Pacman
	*Systemd
}

var _ engine.SystemProbe = (*Probe)(nil)

// NewProbe creates a probe sharing exec with the managers.
func NewProbe(exec engine.CommandExecutor, cmds Commands, logger zerolog.Logger) *Probe {
	return &Probe{
		Pacman:  NewPacman(exec, cmds, logger),
		Systemd: NewSystemd(exec, cmds, logger),
	}
}

var (
	_ engine.PackageManager = (*Pacman)(nil)
	_ engine.ServiceManager = (*Systemd)(nil)
)
