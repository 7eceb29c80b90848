package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/open-policy-agent/opa/v1/storage"
	"github.com/open-policy-agent/opa/v1/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/declman/declman/pkg/engine"
)

var _ engine.PlanGuard = (*Guard)(nil)

// Options configure a Guard.
type Options struct {
	// ProtectedPackages overrides DefaultProtectedPackages when not nil.
	ProtectedPackages []string

	// Disabled names policies that are loaded but not evaluated.
	Disabled []string
}

// Guard evaluates Rego policies against action plans before anything is
// mutated.
type Guard struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	disabled map[string]bool
	logger   zerolog.Logger
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewGuard creates a guard holding the built-in policies.
func NewGuard(ctx context.Context, logger zerolog.Logger, opts Options) (*Guard, error) {
	protected := opts.ProtectedPackages
	if protected == nil {
		protected = DefaultProtectedPackages
	}
	settings := make([]interface{}, 0, len(protected))
	for _, name := range protected {
		settings = append(settings, name)
	}

	g := &Guard{
		policies: make(map[string]*compiledPolicy),
		store: inmem.NewFromObject(map[string]interface{}{
			"settings": map[string]interface{}{
				"protected_packages": settings,
			},
		}),
		disabled: make(map[string]bool),
		logger:   logger.With().Str("component", "policy-guard").Logger(),
	}
	for _, name := range opts.Disabled {
		g.disabled[name] = true
	}

	for _, p := range BuiltinPolicies() {
		if err := g.compileAndStore(ctx, p); err != nil {
			return nil, fmt.Errorf("failed to compile built-in policy %s: %w", p.Name, err)
		}
	}
	return g, nil
}

// AddPolicy compiles p and adds it, replacing any policy of the same name.
func (g *Guard) AddPolicy(ctx context.Context, p Policy) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.compileAndStore(ctx, p)
}

// LoadPolicies loads and compiles every policy found under paths. Nothing
// is added when any of them fails to compile.
func (g *Guard) LoadPolicies(ctx context.Context, paths ...string) error {
	policies, err := NewLoader(g.logger).LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	compiled := make([]*compiledPolicy, 0, len(policies))
	for _, p := range policies {
		cp, err := compile(ctx, p, g.store)
		if err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
		}
		compiled = append(compiled, cp)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, cp := range compiled {
		g.policies[cp.policy.Name] = cp
	}

	g.logger.Info().Int("count", len(compiled)).Msg("Policies loaded")
	return nil
}

// Check implements engine.PlanGuard. Blocking violations become a fatal
// POLICY_DENIED error carrying the violations as a detail.
func (g *Guard) Check(ctx context.Context, plan *engine.ActionPlan, desired *engine.DesiredState) error {
	result, err := g.Evaluate(ctx, plan, desired)
	if err != nil {
		return engine.NewFatalError("policy evaluation failed", err).WithCode(engine.ErrCodePolicyDenied)
	}

	for _, w := range result.Warnings {
		g.logger.Warn().
			Str("policy", w.Policy).
			Str("target", w.Target).
			Str("severity", string(w.Severity)).
			Msg(w.Message)
	}
	if result.Allowed {
		return nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return engine.NewFatalError("plan rejected by policy: "+strings.Join(messages, "; "), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithOperation("guard").
		WithDetail("violations", result.Violations)
}

// Evaluate runs every enabled policy against plan. Violations are sorted by
// policy, then target.
func (g *Guard) Evaluate(ctx context.Context, plan *engine.ActionPlan, desired *engine.DesiredState) (*Result, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	start := time.Now()
	input := NewInput(plan, desired)
	result := &Result{Allowed: true, Evaluated: []string{}}

	for _, name := range g.sortedNames() {
		cp := g.policies[name]
		if !cp.policy.Enabled || g.disabled[name] {
			continue
		}

		violations, err := cp.evaluate(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		result.Evaluated = append(result.Evaluated, name)

		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(start)

	g.logger.Debug().
		Int("policies", len(result.Evaluated)).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Plan policy evaluation completed")

	return result, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (g *Guard) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	policies := make([]Policy, 0, len(g.policies))
	for _, name := range g.sortedNames() {
		p := *g.policies[name].policy
		p.Enabled = p.Enabled && !g.disabled[name]
		policies = append(policies, p)
	}
	return policies
}

// EnablePolicy enables a policy by name.
func (g *Guard) EnablePolicy(name string) error {
	return g.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (g *Guard) DisablePolicy(name string) error {
	return g.setEnabled(name, false)
}

func (g *Guard) setEnabled(name string, enabled bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	if enabled {
		delete(g.disabled, name)
	}
	return nil
}

func (g *Guard) sortedNames() []string {
	names := make([]string, 0, len(g.policies))
	for name := range g.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// compileAndStore must be called with mu held or before g is shared.
func (g *Guard) compileAndStore(ctx context.Context, p Policy) error {
	cp, err := compile(ctx, p, g.store)
	if err != nil {
		return err
	}
	g.policies[p.Name] = cp

	g.logger.Debug().Str("policy", p.Name).Msg("Policy compiled successfully")
	return nil
}

// compile parses p and prepares a query for its deny set.
func compile(ctx context.Context, p Policy, store storage.Store) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy has no name")
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if !p.Severity.Valid() {
		return nil, fmt.Errorf("unknown severity %q", p.Severity)
	}

	module, err := ast.ParseModule(p.Name+".rego", p.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	query, err := rego.New(
		rego.ParsedModule(module),
		rego.Store(store),
		rego.Query(module.Package.Path.String()+".deny"),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   &p,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// evaluate returns the violations in the policy's deny set, sorted by target.
func (cp *compiledPolicy) evaluate(ctx context.Context, input *Input) ([]Violation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, cp.violation(d))
		}
	}

	sort.SliceStable(violations, func(i, j int) bool {
		if violations[i].Target != violations[j].Target {
			return violations[i].Target < violations[j].Target
		}
		return violations[i].Message < violations[j].Message
	})
	return violations, nil
}

// violation converts one deny entry. An entry is either a message string or
// an object with message, and optionally target and severity.
func (cp *compiledPolicy) violation(result interface{}) Violation {
	v := Violation{
		Policy:   cp.policy.Name,
		Severity: cp.policy.Severity,
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if target, ok := r["target"].(string); ok {
			v.Target = target
		}
		if sev, ok := r["severity"].(string); ok && Severity(sev).Valid() {
			v.Severity = Severity(sev)
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}
	return v
}
