package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	// Global flags
	settingsPath string
	logLevel     string
	logFormat    string
	jsonOutput   bool
)

// ExitError carries a process exit code out of a command whose outcome was
// already reported.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("exit status %d", e.Code)
}

// exitCode returns nil for code 0 and an ExitError otherwise.
func exitCode(code int) error {
	if code == 0 {
		return nil
	}
	return &ExitError{Code: code}
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "declman",
		Short: "declman - declarative package, service and file manager",
		Long: `declman reconciles this machine with a declarative spec.

A run converges:
  - repository packages and community packages built in a clean chroot
  - enabled system and user units
  - managed files and directories
  - modules whose lifecycle hooks run on enable, disable and update`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&settingsPath, "settings", "s", "", "settings file (default /etc/declman/config.{toml,yaml,json})")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newApplyCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newValidateCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newCacheCommand())
	rootCmd.AddCommand(newVersionCommand(version, commit, buildDate))

	return rootCmd
}

// settingsFlags maps settings keys to the persistent flags overriding them.
func settingsFlags(cmd *cobra.Command) map[string]*pflag.Flag {
	flags := cmd.Root().PersistentFlags()
	return map[string]*pflag.Flag{
		"telemetry.logging.level":  flags.Lookup("log-level"),
		"telemetry.logging.format": flags.Lookup("log-format"),
	}
}
