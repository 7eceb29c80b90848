package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/declman/declman/pkg/engine"
	"github.com/declman/declman/pkg/executor"
	"github.com/declman/declman/pkg/policy"
)

func newPlanCommand() *cobra.Command {
	var (
		run     runFlags
		dotPath string
	)

	cmd := &cobra.Command{
		Use:   "plan <spec>",
		Short: "Show what apply would change",
		Long: `Show the actions apply would take and evaluate them against policy.

plan is a dry run: it probes the machine and resolves foreign packages but
builds nothing, changes nothing and does not save the state store. Policy
findings are reported instead of stopping the run.`,
		Example: `  # Show the plan
  declman plan system.cue

  # Write the foreign package build graph for graphviz
  declman plan --dot build.dot system.cue`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			lock, err := acquireLock(a.settings.LockPath)
			if err != nil {
				return err
			}
			defer func() { _ = lock.release() }()

			exec := executor.NewLocal(a.logger)
			_, desired, err := a.loadSpec(args[0], exec)
			if err != nil {
				return err
			}
			guard, err := a.newGuard(ctx)
			if err != nil {
				return err
			}
			reconciler, err := a.newReconciler(ctx, exec, guard, desired)
			if err != nil {
				return err
			}

			report := reconciler.Run(a.tel.WithContext(ctx), desired, run.options(true))

			var result *policy.Result
			if report.Plan != nil {
				result, err = guard.Evaluate(ctx, report.Plan, desired)
				if err != nil {
					return fmt.Errorf("failed to evaluate policies: %w", err)
				}
			}

			if dotPath != "" {
				if err := os.WriteFile(dotPath, []byte(report.BuildGraph), 0o644); err != nil {
					return fmt.Errorf("failed to write build graph: %w", err)
				}
			}

			if err := printReport(cmd.OutOrStdout(), report, result, jsonOutput); err != nil {
				return err
			}
			return exitCode(planExitCode(report, result))
		},
	}

	cmd.Flags().StringVar(&dotPath, "dot", "", "write the build graph in DOT format to this file")
	run.register(cmd.Flags())

	return cmd
}

// planExitCode is the exit code of the run, raised to fatal when apply
// would be rejected by policy.
func planExitCode(report *engine.RunReport, result *policy.Result) int {
	if result != nil && !result.Allowed {
		return engine.ExitFatal
	}
	return report.ExitCode()
}
