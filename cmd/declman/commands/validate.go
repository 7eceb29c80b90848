package commands

import (
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/declman/declman/pkg/config"
	"github.com/declman/declman/pkg/engine"
	"github.com/declman/declman/pkg/executor"
	"github.com/declman/declman/pkg/policy"
)

func newValidateCommand() *cobra.Command {
	var showHooks bool

	cmd := &cobra.Command{
		Use:   "validate <spec>",
		Short: "Check a spec and the site policies",
		Long: `Check a spec without touching the machine.

This command checks:
  - syntax of the CUE, YAML, TOML, JSON or Starlark file
  - conformance to the spec schema
  - absolute paths, file sources and duplicate names
  - that every site policy compiles`,
		Example: `  # Validate a spec
  declman validate system.cue

  # Also print the commands each module hook runs
  declman validate --hooks system.star`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			spec, desired, err := a.loadSpec(args[0], executor.NewLocal(a.logger))
			if err != nil {
				var verrs config.ValidationErrors
				if errors.As(err, &verrs) {
					printValidationErrors(out, verrs, jsonOutput)
					return exitCode(engine.ExitFatal)
				}
				return err
			}

			guard, err := a.newGuard(cmd.Context())
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(out, map[string]interface{}{
					"valid":    true,
					"spec":     spec,
					"policies": guard.ListPolicies(),
				})
			}
			printSpecSummary(out, args[0], desired)
			printPolicies(out, guard.ListPolicies())
			if showHooks {
				printHooks(out, spec.Modules)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showHooks, "hooks", false, "print module hook commands")

	return cmd
}

func printValidationErrors(w io.Writer, verrs config.ValidationErrors, asJSON bool) {
	if asJSON {
		_ = writeJSON(w, map[string]interface{}{"valid": false, "errors": verrs})
		return
	}
	fmt.Fprintf(w, "%d errors:\n", len(verrs))
	for _, e := range verrs {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

func printSpecSummary(w io.Writer, path string, desired *engine.DesiredState) {
	byOrigin := make(map[engine.Origin]int)
	for _, p := range desired.NormalizedPackages() {
		byOrigin[p.Origin]++
	}
	userUnits := 0
	for _, units := range desired.UserUnits {
		userUnits += len(units)
	}
	fmt.Fprintf(w, "%s is valid\n", path)
	fmt.Fprintf(w, "  packages:    %d repository, %d community, %d user, %d ignored\n",
		byOrigin[engine.OriginRepository], byOrigin[engine.OriginCommunity], byOrigin[engine.OriginUser], len(desired.Ignored))
	fmt.Fprintf(w, "  files:       %d files, %d directories\n", len(desired.Files), len(desired.Directories))
	fmt.Fprintf(w, "  units:       %d system, %d user\n", len(desired.Units), userUnits)
	fmt.Fprintf(w, "  modules:     %d\n", len(desired.Modules))
}

func printPolicies(w io.Writer, policies []policy.Policy) {
	fmt.Fprintf(w, "  policies:    %d\n", len(policies))
	for _, p := range policies {
		state := ""
		if !p.Enabled {
			state = " (disabled)"
		}
		fmt.Fprintf(w, "    %s [%s]%s\n", p.Name, p.Severity, state)
	}
}

func printHooks(w io.Writer, modules []config.ModuleConfig) {
	for _, m := range modules {
		events := map[string][]config.CommandLine{
			"on_enable":            m.Hooks.OnEnable,
			"on_disable":           m.Hooks.OnDisable,
			"after_version_change": m.Hooks.AfterVersionChange,
			"after_update":         m.Hooks.AfterUpdate,
		}
		names := make([]string, 0, len(events))
		for name := range events {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintf(w, "\nmodule %s (version %s)\n", m.Name, m.Version)
		for _, name := range names {
			for _, argv := range events[name] {
				fmt.Fprintf(w, "  %-21s %s\n", name, executor.Render(argv))
			}
		}
	}
}
