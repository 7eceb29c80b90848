package system

import "fmt"

// Commands holds the argv prefixes used to talk to the package manager,
// the service manager and the version comparator. Every field can be
// overridden from the settings file; arguments are appended to the prefix.
type Commands struct {
	ListInstalled []string `mapstructure:"list_installed" validate:"required,min=1"`
	ListExplicit  []string `mapstructure:"list_explicit" validate:"required,min=1"`
	ListForeign   []string `mapstructure:"list_foreign" validate:"required,min=1"`
	ListOrphans   []string `mapstructure:"list_orphans" validate:"required,min=1"`
	Install       []string `mapstructure:"install" validate:"required,min=1"`
	InstallDeps   []string `mapstructure:"install_deps" validate:"required,min=1"`
	InstallFiles  []string `mapstructure:"install_files" validate:"required,min=1"`
	SetExplicit   []string `mapstructure:"set_explicit" validate:"required,min=1"`
	IsInstallable []string `mapstructure:"is_installable" validate:"required,min=1"`
	Upgrade       []string `mapstructure:"upgrade" validate:"required,min=1"`
	Remove        []string `mapstructure:"remove" validate:"required,min=1"`
	RemoveOrphans []string `mapstructure:"remove_orphans" validate:"required,min=1"`
	Systemctl     []string `mapstructure:"systemctl" validate:"required,min=1"`
	Vercmp        []string `mapstructure:"vercmp" validate:"required,min=1"`
}

// DefaultCommands returns the pacman, systemctl and vercmp invocations.
func DefaultCommands() Commands {
	return Commands{
		ListInstalled: []string{"pacman", "-Q", "--color=never"},
		ListExplicit:  []string{"pacman", "-Qeq", "--color=never"},
		ListForeign:   []string{"pacman", "-Qm", "--color=never"},
		ListOrphans:   []string{"pacman", "-Qdtq", "--color=never"},
		Install:       []string{"pacman", "-S", "--color=never", "--needed", "--noconfirm"},
		InstallDeps:   []string{"pacman", "-S", "--color=never", "--needed", "--noconfirm", "--asdeps"},
		InstallFiles:  []string{"pacman", "-U", "--color=never", "--noconfirm", "--asdeps"},
		SetExplicit:   []string{"pacman", "-D", "--color=never", "--asexplicit"},
		IsInstallable: []string{"pacman", "-Sddp"},
		Upgrade:       []string{"pacman", "-Syu", "--color=never", "--noconfirm"},
		Remove:        []string{"pacman", "-Rs", "--color=never", "--noconfirm"},
		RemoveOrphans: []string{"pacman", "-Rns", "--color=never", "--noconfirm"},
		Systemctl:     []string{"systemctl"},
		Vercmp:        []string{"vercmp"},
	}
}

// with returns prefix followed by args in a fresh slice.
func with(prefix []string, args ...string) []string {
	out := make([]string, 0, len(prefix)+len(args))
	out = append(out, prefix...)
	return append(out, args...)
}

// userScope returns the systemctl arguments addressing a user's manager.
func userScope(user string) []string {
	return []string{"--user", "-M", fmt.Sprintf("%s@", user)}
}
