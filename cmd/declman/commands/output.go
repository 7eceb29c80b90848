package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/declman/declman/pkg/engine"
	"github.com/declman/declman/pkg/policy"
)

// reportView is the JSON form of a run report. Errors are flattened to
// strings per phase.
type reportView struct {
	*engine.RunReport
	Summary engine.PlanSummary  `json:"summary"`
	Steps   []engine.PlanStep   `json:"steps"`
	Built   []string            `json:"built,omitempty"`
	Reused  []string            `json:"reused,omitempty"`
	Errors  map[string][]string `json:"errors,omitempty"`
	Fatal   string              `json:"fatal,omitempty"`
	Policy  *policy.Result      `json:"policy,omitempty"`
}

func newReportView(report *engine.RunReport, result *policy.Result) reportView {
	view := reportView{RunReport: report, Steps: []engine.PlanStep{}, Policy: result}
	if report.Plan != nil {
		view.Summary = report.Plan.Summary()
		view.Steps = report.Plan.Steps()
	}
	if report.Build != nil {
		view.Built = report.Build.Built
		view.Reused = report.Build.Reused
	}
	if report.Errors != nil && report.Errors.Len() > 0 {
		view.Errors = make(map[string][]string)
		for _, phase := range report.Errors.Phases() {
			for _, err := range report.Errors.Get(phase) {
				view.Errors[string(phase)] = append(view.Errors[string(phase)], err.Error())
			}
		}
	}
	if report.Fatal != nil {
		view.Fatal = report.Fatal.Error()
	}
	return view
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printReport writes the outcome of a run as text or JSON.
func printReport(w io.Writer, report *engine.RunReport, result *policy.Result, asJSON bool) error {
	if asJSON {
		return writeJSON(w, newReportView(report, result))
	}

	if report.Plan != nil {
		printSteps(w, report.Plan.Steps())
	}
	if report.Build != nil && (len(report.Build.Built) > 0 || len(report.Build.Reused) > 0) {
		fmt.Fprintf(w, "\nBuilt: %s\n", joinOrNone(report.Build.Built))
		fmt.Fprintf(w, "Reused from cache: %s\n", joinOrNone(report.Build.Reused))
	}
	if len(report.Hooks) > 0 {
		fmt.Fprintln(w, "\nHooks:")
		for _, h := range report.Hooks {
			state := "ok"
			if h.Err != nil {
				state = "failed: " + h.Err.Error()
			}
			fmt.Fprintf(w, "  %s %s\n", h.Call, state)
		}
	}
	if result != nil {
		printPolicyResult(w, result)
	}
	if report.Errors != nil && report.Errors.Len() > 0 {
		fmt.Fprintln(w, "\nErrors:")
		for _, phase := range report.Errors.Phases() {
			for _, err := range report.Errors.Get(phase) {
				fmt.Fprintf(w, "  [%s] %v\n", phase, err)
			}
		}
	}
	if report.Fatal != nil {
		fmt.Fprintf(w, "\nFatal: %v\n", report.Fatal)
	}

	mode := ""
	if report.DryRun {
		mode = " (dry run)"
	}
	fmt.Fprintf(w, "\nRun %s %s%s in %s\n", report.RunID, report.Status, mode, report.Duration.Round(time.Millisecond))
	return nil
}

// printSteps lists plan steps in execution order, one per line.
func printSteps(w io.Writer, steps []engine.PlanStep) {
	if len(steps) == 0 {
		fmt.Fprintln(w, "Nothing to do.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, step := range steps {
		if step.User != "" {
			fmt.Fprintf(tw, "%s\t%s\t(user %s)\n", step.Kind, step.Target, step.User)
			continue
		}
		fmt.Fprintf(tw, "%s\t%s\t\n", step.Kind, step.Target)
	}
	_ = tw.Flush()
}

func printPolicyResult(w io.Writer, result *policy.Result) {
	if len(result.Violations) == 0 && len(result.Warnings) == 0 {
		fmt.Fprintf(w, "\nPolicies: %d evaluated, no findings\n", len(result.Evaluated))
		return
	}
	fmt.Fprintf(w, "\nPolicies: %d evaluated\n", len(result.Evaluated))
	for _, v := range result.Violations {
		fmt.Fprintf(w, "  DENY  %s: %s\n", v.Policy, v.Message)
	}
	for _, v := range result.Warnings {
		fmt.Fprintf(w, "  WARN  %s: %s\n", v.Policy, v.Message)
	}
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)
	return strings.Join(sorted, ", ")
}
