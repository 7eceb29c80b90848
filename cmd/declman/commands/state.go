package commands

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/declman/declman/pkg/engine"
	"github.com/declman/declman/pkg/stores"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Inspect the state store",
		Long: `Inspect what declman remembers between runs: created files, enabled
modules and units, package revisions and the history of runs.`,
	}

	cmd.AddCommand(newStateShowCommand())
	cmd.AddCommand(newStateRunsCommand())
	cmd.AddCommand(newStateEventsCommand())

	return cmd
}

func newStateShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the state saved by the last run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			state, err := store.LoadState(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), state)
			}
			printState(cmd.OutOrStdout(), state)
			return nil
		},
	}
}

func newStateRunsCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "runs",
		Short: "List recent runs",
		Example: `  # Show the last 5 runs
  declman state runs --limit 5`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), runs)
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newStateEventsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "events <run-id>",
		Short: "Print the errors recorded for a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			events, err := store.ListEvents(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), map[string]interface{}{"run": run, "events": events})
			}
			printRuns(cmd.OutOrStdout(), []*stores.Run{run})
			printEvents(cmd.OutOrStdout(), events)
			return nil
		},
	}
}

func printState(w io.Writer, state *engine.StoreState) {
	fmt.Fprintf(w, "Source: %s\n", orNone(state.SourceIdentity))

	fmt.Fprintf(w, "\nCreated files (%d):\n", len(state.CreatedFiles))
	for _, path := range state.CreatedFiles.Sorted() {
		fmt.Fprintf(w, "  %s\n", path)
	}

	fmt.Fprintf(w, "\nEnabled units (%d):\n", len(state.EnabledUnits))
	for _, unit := range state.EnabledUnits.Sorted() {
		fmt.Fprintf(w, "  %s\n", unit)
	}
	for _, user := range sortedKeys(state.EnabledUserUnits) {
		for _, unit := range state.EnabledUserUnits[user].Sorted() {
			fmt.Fprintf(w, "  %s (user %s)\n", unit, user)
		}
	}

	printMap(w, "Enabled modules", state.EnabledModules)
	printMap(w, "Package revisions", state.PackageRevisions)
	printMap(w, "Reviewed commits", state.ReviewedCommits)
}

func printMap(w io.Writer, title string, m map[string]string) {
	fmt.Fprintf(w, "\n%s (%d):\n", title, len(m))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, k := range sortedKeys(m) {
		fmt.Fprintf(tw, "  %s\t%s\n", k, m[k])
	}
	_ = tw.Flush()
}

func printRuns(w io.Writer, runs []*stores.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "No runs recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTARTED\tDURATION\tSTATUS\tSUMMARY")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.StartedAt.Local().Format(time.DateTime), duration, r.Status, r.Summary)
	}
	_ = tw.Flush()
}

func printEvents(w io.Writer, events []*stores.Event) {
	if len(events) == 0 {
		fmt.Fprintln(w, "\nNo events.")
		return
	}
	fmt.Fprintln(w)
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tPHASE\tLEVEL\tCODE\tRESOURCE\tMESSAGE")
	for _, e := range events {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.Timestamp.Local().Format(time.TimeOnly), e.Phase, e.Level, orNone(e.Code), orNone(e.Resource), e.Message)
	}
	_ = tw.Flush()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orNone(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
