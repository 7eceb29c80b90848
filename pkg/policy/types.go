package policy

import (
	"sort"
	"time"

	"github.com/declman/declman/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for warnings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for errors that block the run.
	SeverityError Severity = "error"

	// SeverityCritical is for critical violations. They block the run like errors.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether a violation of this severity rejects the plan.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Policy is a Rego module whose deny set is evaluated against each plan.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations that do not name one.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Source is the file the policy was loaded from, empty for built-ins.
	Source string `json:"source,omitempty"`
}

// Violation is one entry of a policy's deny set.
type Violation struct {
	Policy   string   `json:"policy"`
	Target   string   `json:"target,omitempty"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// Result is the outcome of evaluating every enabled policy against a plan.
type Result struct {
	// Allowed is false when any violation is blocking.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that do not block the run.
	Warnings []Violation `json:"warnings,omitempty"`

	// Evaluated lists the names of the policies that ran.
	Evaluated []string `json:"evaluated"`

	Duration time.Duration `json:"duration"`
}

// Input is the document policies see as input.
type Input struct {
	Plan     *engine.ActionPlan `json:"plan"`
	Declared Declared           `json:"declared"`
}

// Declared summarizes the desired state for policies.
type Declared struct {
	Packages  []string            `json:"packages"`
	Ignored   []string            `json:"ignored"`
	Files     []string            `json:"files"`
	Units     []string            `json:"units"`
	UserUnits map[string][]string `json:"user_units"`
	Modules   []string            `json:"modules"`
}

// NewInput builds the policy input for a plan and the state it converges to.
func NewInput(plan *engine.ActionPlan, desired *engine.DesiredState) *Input {
	in := &Input{
		Plan: plan,
		Declared: Declared{
			Packages:  []string{},
			Ignored:   []string{},
			Files:     []string{},
			Units:     []string{},
			UserUnits: map[string][]string{},
			Modules:   []string{},
		},
	}
	if in.Plan == nil {
		in.Plan = &engine.ActionPlan{}
	}
	if desired == nil {
		return in
	}

	for _, p := range desired.NormalizedPackages() {
		in.Declared.Packages = append(in.Declared.Packages, p.Name)
	}
	in.Declared.Ignored = append(in.Declared.Ignored, desired.Ignored.Sorted()...)
	for _, f := range desired.Files {
		in.Declared.Files = append(in.Declared.Files, f.Path)
	}
	sort.Strings(in.Declared.Files)
	in.Declared.Units = append(in.Declared.Units, desired.Units.Sorted()...)
	for user, units := range desired.UserUnits {
		in.Declared.UserUnits[user] = units.Sorted()
	}
	for _, m := range desired.Modules {
		if m.Enabled && m.Module != nil {
			in.Declared.Modules = append(in.Declared.Modules, m.Module.Name())
		}
	}
	sort.Strings(in.Declared.Modules)
	return in
}
