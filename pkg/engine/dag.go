package engine

import (
	"fmt"
	"sort"
	"strings"
)

// CycleError reports packages that take part in, or depend on, a dependency cycle.
type CycleError struct {
	// Members lists every package left in the cyclic subgraph, sorted.
	Members []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle among: %s", strings.Join(e.Members, ", "))
}

// BuildGraph orders foreign packages so that each package's foreign
// dependencies are built first. Nodes are keyed by package name.
type BuildGraph struct {
	// infos maps package names to their metadata
	infos map[string]*PackageInfo

	// dependencies maps a package to the foreign packages it needs
	dependencies map[string][]string

	// dependents maps a package to the packages that need it
	dependents map[string][]string
}

// NewBuildGraph creates a graph over infos. Dependencies that are not in
// infos are ignored; the resolver has already reported them.
func NewBuildGraph(infos map[string]*PackageInfo) *BuildGraph {
	g := &BuildGraph{
		infos:        infos,
		dependencies: make(map[string][]string, len(infos)),
		dependents:   make(map[string][]string, len(infos)),
	}

	for _, name := range sortedKeys(infos) {
		g.dependencies[name] = make([]string, 0)
		if _, ok := g.dependents[name]; !ok {
			g.dependents[name] = make([]string, 0)
		}
		for _, dep := range infos[name].AllForeignDependencies().Sorted() {
			if dep == name {
				continue
			}
			if _, ok := infos[dep]; !ok {
				continue
			}
			// Packages of the same base are built together.
			if infos[dep].Base != "" && infos[dep].Base == infos[name].Base {
				continue
			}
			g.dependencies[name] = append(g.dependencies[name], dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
	}

	return g
}

// Plan runs Kahn's algorithm and returns the build plan. Ties are broken
// by package name so the order does not depend on resolution order.
// Packages left over when the worklist empties are in, or downstream of, a
// cycle; each of them is marked failed with the same CycleError and the
// rest of the graph is still ordered.
func (g *BuildGraph) Plan() *BuildPlan {
	plan := &BuildPlan{
		Order:    make([]string, 0, len(g.infos)),
		Packages: make(map[string]*PackageInfo, len(g.infos)),
		Failed:   make(map[string]error),
	}

	inDegree := make(map[string]int, len(g.infos))
	ready := make([]string, 0)
	for name, deps := range g.dependencies {
		inDegree[name] = len(deps)
		if len(deps) == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		plan.Order = append(plan.Order, name)
		plan.Packages[name] = g.infos[name]

		released := make([]string, 0)
		for _, dependent := range g.dependents[name] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				released = append(released, dependent)
			}
		}
		if len(released) > 0 {
			ready = append(ready, released...)
			sort.Strings(ready)
		}
	}

	if len(plan.Order) == len(g.infos) {
		return plan
	}

	remaining := make([]string, 0, len(g.infos)-len(plan.Order))
	for name, degree := range inDegree {
		if degree > 0 {
			remaining = append(remaining, name)
		}
	}
	sort.Strings(remaining)

	left := NewStringSet(remaining...)
	members := make([]string, 0, len(remaining))
	for _, name := range remaining {
		if g.reachesItself(name, left) {
			members = append(members, name)
		}
	}

	cycle := &CycleError{Members: members}
	for _, name := range remaining {
		if NewStringSet(members...).Has(name) {
			plan.Failed[name] = NewConflictError("package is part of a dependency cycle", cycle).
				WithCode(ErrCodeDependencyCycle).
				WithScope(ScopePackage).
				WithResource(name)
			continue
		}
		plan.Failed[name] = NewPermanentError("package depends on a dependency cycle", cycle).
			WithCode(ErrCodeDependencyFailed).
			WithScope(ScopePackage).
			WithResource(name)
	}

	return plan
}

// reachesItself reports whether name lies on a cycle within the given subgraph.
func (g *BuildGraph) reachesItself(name string, within StringSet) bool {
	seen := NewStringSet()
	stack := append([]string(nil), g.dependencies[name]...)
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if current == name {
			return true
		}
		if seen.Has(current) || !within.Has(current) {
			continue
		}
		seen.Add(current)
		stack = append(stack, g.dependencies[current]...)
	}
	return false
}

// CycleMembers returns the packages of plan that failed because they lie on a cycle.
func CycleMembers(plan *BuildPlan) []string {
	out := make([]string, 0)
	for name, err := range plan.Failed {
		if CodeOf(err) == ErrCodeDependencyCycle {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Dependents returns every package that transitively depends on name, sorted.
func (g *BuildGraph) Dependents(name string) []string {
	seen := NewStringSet()
	queue := append([]string(nil), g.dependents[name]...)
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if seen.Has(current) {
			continue
		}
		seen.Add(current)
		queue = append(queue, g.dependents[current]...)
	}
	return seen.Sorted()
}

// Dependencies returns the direct foreign dependencies of name.
func (g *BuildGraph) Dependencies(name string) []string {
	return append([]string(nil), g.dependencies[name]...)
}

// ToDOT generates a DOT format representation of the graph for visualization.
// Edges point from a dependency to the package that needs it.
func (g *BuildGraph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph BuildGraph {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, name := range sortedKeys(g.infos) {
		info := g.infos[name]
		label := fmt.Sprintf("%s\\n%s", name, info.CandidateVersion)
		color := "lightblue"
		if info.IsDevelopment {
			color = "khaki"
		}
		sb.WriteString(fmt.Sprintf("  \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
			name, label, color))
	}
	sb.WriteString("\n")

	for _, name := range sortedKeys(g.infos) {
		for _, dep := range g.dependencies[name] {
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\";\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
