package builder

// Commands holds the argv prefixes of the build tooling.
type Commands struct {
	Git           []string `mapstructure:"git" validate:"required,min=1"`
	MakeChroot    []string `mapstructure:"make_chroot" validate:"required,min=1"`
	Nspawn        []string `mapstructure:"nspawn" validate:"required,min=1"`
	MakeChrootPkg []string `mapstructure:"make_chroot_pkg" validate:"required,min=1"`
}

// DefaultCommands returns the devtools invocations.
func DefaultCommands() Commands {
	return Commands{
		Git:           []string{"git", "-c", "safe.directory=*"},
		MakeChroot:    []string{"mkarchroot"},
		Nspawn:        []string{"arch-nspawn"},
		MakeChrootPkg: []string{"makechrootpkg", "-c"},
	}
}

// ChrootBasePackages are installed into every new chroot.
var ChrootBasePackages = []string{"base", "base-devel", "git"}

// PackageExtensions are the accepted suffixes of built package files.
var PackageExtensions = []string{
	".pkg.tar",
	".pkg.tar.gz",
	".pkg.tar.bz2",
	".pkg.tar.xz",
	".pkg.tar.zst",
	".pkg.tar.lzo",
	".pkg.tar.lrz",
	".pkg.tar.lz4",
	".pkg.tar.lz",
	".pkg.tar.Z",
}

func with(prefix []string, args ...string) []string {
	out := make([]string, 0, len(prefix)+len(args))
	out = append(out, prefix...)
	return append(out, args...)
}
