package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/declman/declman/pkg/builder"
	"github.com/declman/declman/pkg/policy"
	"github.com/declman/declman/pkg/resolver"
	"github.com/declman/declman/pkg/system"
	"github.com/declman/declman/pkg/telemetry"
)

const (
	// SettingsDir is searched for config.toml, config.yaml or config.json
	// when no settings file is named.
	SettingsDir = "/etc/declman"

	// EnvPrefix prefixes environment overrides, e.g. DECLMAN_BUILD_USER or
	// DECLMAN_AUR_TIMEOUT.
	EnvPrefix = "DECLMAN"
)

// Settings describe how declman runs on this machine, as opposed to the spec,
// which describes what the machine should look like.
type Settings struct {
	// BuildUser owns source checkouts and runs builds.
	BuildUser string `mapstructure:"build_user" validate:"required"`

	// BuildDir holds the build chroot and package sources.
	BuildDir string `mapstructure:"build_dir" validate:"required"`

	// CacheDir holds built package files.
	CacheDir string `mapstructure:"cache_dir" validate:"required"`

	// CacheRetention is how many versions of each package the cache keeps.
	CacheRetention int `mapstructure:"cache_retention" validate:"min=1"`

	// StatePath is the SQLite database of the state store.
	StatePath string `mapstructure:"state_path" validate:"required"`

	// LockPath serializes runs on one machine.
	LockPath string `mapstructure:"lock_path" validate:"required"`

	StarlarkTimeout time.Duration `mapstructure:"starlark_timeout" validate:"min=0"`

	// ChrootPackages are installed into the build chroot in addition to
	// the base set.
	ChrootPackages []string `mapstructure:"chroot_packages"`

	AUR      AURSettings     `mapstructure:"aur"`
	Policy   PolicySettings  `mapstructure:"policy"`
	Wrappers WrapperSettings `mapstructure:"wrappers"`

	Commands      system.Commands  `mapstructure:"commands"`
	BuildCommands builder.Commands `mapstructure:"build_commands"`

	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

// AURSettings configure the community registry client.
type AURSettings struct {
	BaseURL string        `mapstructure:"base_url" validate:"required,url"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gt=0"`
}

// PolicySettings configure the plan guard.
type PolicySettings struct {
	// Dir holds site .rego policies. A missing directory is skipped.
	Dir string `mapstructure:"dir"`

	// Disabled names policies that are not evaluated.
	Disabled []string `mapstructure:"disabled"`

	// ProtectedPackages may not be removed unless declared ignored.
	ProtectedPackages []string `mapstructure:"protected_packages"`
}

// WrapperSettings configure the package manager guard wrappers. When
// enabled, each tool gets a script in Dir that refuses manual installs,
// removals and upgrades. Disabling them removes the scripts on the next run.
type WrapperSettings struct {
	Enabled bool     `mapstructure:"enabled"`
	Dir     string   `mapstructure:"dir" validate:"required_if=Enabled true"`
	RealDir string   `mapstructure:"real_dir" validate:"required_if=Enabled true"`
	Tools   []string `mapstructure:"tools" validate:"dive,required"`
}

// DefaultSettings returns the settings used when nothing overrides them.
func DefaultSettings() *Settings {
	return &Settings{
		BuildUser:       "nobody",
		BuildDir:        "/tmp/declman/build",
		CacheDir:        "/var/cache/declman",
		CacheRetention:  3,
		StatePath:       "/var/lib/declman/state.db",
		LockPath:        "/run/declman.lock",
		StarlarkTimeout: DefaultStarlarkTimeout,
		ChrootPackages:  []string{},
		AUR: AURSettings{
			BaseURL: resolver.DefaultAURBaseURL,
			Timeout: 30 * time.Second,
		},
		Policy: PolicySettings{
			Dir:               "/etc/declman/policy.d",
			Disabled:          []string{},
			ProtectedPackages: policy.DefaultProtectedPackages,
		},
		Wrappers: WrapperSettings{
			Dir:     "/usr/local/bin",
			RealDir: "/usr/bin",
			Tools:   []string{"pacman", "yay"},
		},
		Commands:      system.DefaultCommands(),
		BuildCommands: builder.DefaultCommands(),
		Telemetry:     *telemetry.DefaultConfig(),
	}
}

// SettingsOptions select where settings come from.
type SettingsOptions struct {
	// File is read instead of searching SettingsDir. It must exist.
	File string

	// Flags override every other source. Keys are settings keys such as
	// "telemetry.logging.level".
	Flags map[string]*pflag.Flag
}

// LoadSettings merges, from lowest to highest precedence: defaults, the
// settings file, DECLMAN_* environment variables and flags.
func LoadSettings(opts SettingsOptions) (*Settings, string, error) {
	v := viper.New()
	setDefaults(v, "", reflect.ValueOf(*DefaultSettings()))

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for key, flag := range opts.Flags {
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(key, flag); err != nil {
			return nil, "", fmt.Errorf("failed to bind flag %s: %w", flag.Name, err)
		}
	}

	if opts.File != "" {
		if _, err := os.Stat(opts.File); err != nil {
			return nil, "", fmt.Errorf("settings file not found: %w", err)
		}
		v.SetConfigFile(opts.File)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(SettingsDir)
	}

	resolvedPath := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, "", fmt.Errorf("failed to read settings: %w", err)
		}
	} else {
		resolvedPath = v.ConfigFileUsed()
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, "", fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, "", err
	}
	return &s, resolvedPath, nil
}

// Validate checks the struct tags of every nested section.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed on the '%s' rule", fe.Namespace(), fe.Tag()))
		}
		return fmt.Errorf("invalid settings: %s", strings.Join(msgs, "; "))
	}
	if err := s.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	return nil
}

// setDefaults registers every leaf of a settings struct under its dotted
// mapstructure key, so that environment variables can override it.
func setDefaults(v *viper.Viper, prefix string, val reflect.Value) {
	t := val.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := strings.Split(field.Tag.Get("mapstructure"), ",")[0]
		if tag == "" || tag == "-" {
			continue
		}
		key := tag
		if prefix != "" {
			key = prefix + "." + tag
		}
		if field.Type.Kind() == reflect.Struct {
			setDefaults(v, key, val.Field(i))
			continue
		}
		v.SetDefault(key, val.Field(i).Interface())
	}
}
