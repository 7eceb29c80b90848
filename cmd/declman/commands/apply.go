package commands

import (
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/declman/declman/pkg/engine"
	"github.com/declman/declman/pkg/executor"
)

// runFlags are the run modifiers shared by apply and plan.
type runFlags struct {
	noPackages        bool
	noForeignPackages bool
	noFiles           bool
	noUnits           bool
	noHooks           bool
	upgradeDevel      bool
	forceBuild        bool
	removeOrphans     bool
}

func (f *runFlags) register(flags *pflag.FlagSet) {
	flags.BoolVar(&f.noPackages, "no-packages", false, "do not install, upgrade or remove any package")
	flags.BoolVar(&f.noForeignPackages, "no-foreign-packages", false, "do not build or install community and user packages")
	flags.BoolVar(&f.noFiles, "no-files", false, "do not write or remove managed files")
	flags.BoolVar(&f.noUnits, "no-units", false, "do not enable or disable units")
	flags.BoolVar(&f.noHooks, "no-hooks", false, "do not run module hooks")
	flags.BoolVar(&f.upgradeDevel, "upgrade-devel", false, "upgrade every installed development package without checking upstream revisions")
	flags.BoolVar(&f.forceBuild, "force-build", false, "rebuild foreign packages even when a cached build exists")
	flags.BoolVar(&f.removeOrphans, "remove-orphans", false, "remove dependencies no longer required by any package")
}

func (f *runFlags) options(dryRun bool) engine.RunOptions {
	return engine.RunOptions{
		SkipPackages:      f.noPackages,
		SkipForeign:       f.noForeignPackages,
		SkipFiles:         f.noFiles,
		SkipServices:      f.noUnits,
		SkipHooks:         f.noHooks,
		ForceUpgradeDevel: f.upgradeDevel,
		ForceRebuild:      f.forceBuild,
		DryRun:            dryRun,
		RemoveOrphans:     f.removeOrphans,
	}
}

func newApplyCommand() *cobra.Command {
	var (
		run    runFlags
		dryRun bool
	)

	cmd := &cobra.Command{
		Use:   "apply <spec>",
		Short: "Converge the machine to a spec",
		Long: `Converge the machine to the declarative spec.

A run probes the installed packages and units, resolves and builds foreign
packages in a clean chroot, checks the resulting plan against policy and then
removes, installs, enables and writes what differs. Module hooks run last and
the state store is always saved.

Exit status is 0 for a clean run, 1 when the run stopped before changing
anything and 2 when some actions failed.`,
		Example: `  # Apply a spec
  declman apply /etc/declman/system.cue

  # Show what would change without building or changing anything
  declman apply --dry-run system.yaml

  # Only converge files and units
  declman apply --no-packages --no-hooks system.toml`,
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
			defer func() {
				if err := lock.release(); err != nil {
					a.logger.Warn().Err(err).Msg("Failed to release run lock")
				}
			}()

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

			report := reconciler.Run(a.tel.WithContext(ctx), desired, run.options(dryRun))
			if err := printReport(cmd.OutOrStdout(), report, nil, jsonOutput); err != nil {
				return err
			}
			return exitCode(report.ExitCode())
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without building or changing anything")
	cmd.Flags().BoolVar(&dryRun, "print", false, "alias for --dry-run")
	run.register(cmd.Flags())

	return cmd
}
