package engine

import (
	"fmt"
	"sort"
	"strings"
)

// Graph is the dependency graph of a template's resources. Edges point from a
// dependency to its dependents: the dependency must settle before any
// dependent starts. Implicit edges come from ref and attr markers in property
// values, explicit ones from DependsOn.
type Graph struct {
	// names holds all resource names in sorted order for deterministic
	// traversal.
	names []string

	// types maps resource names to their declared type, for visualization.
	types map[string]string

	// adjacency maps a resource to the resources that depend on it.
	adjacency map[string][]string

	// reverseAdjacency maps a resource to the resources it depends on.
	reverseAdjacency map[string][]string

	// inDegree tracks the number of dependencies per resource.
	inDegree map[string]int

	// waves holds the topological levels. Resources within one wave have no
	// edges between them and may run concurrently.
	waves [][]string
}

// BuildGraph constructs the dependency graph for a template. It rejects
// references to unknown resources and returns a *CycleError when the
// dependencies are circular.
func BuildGraph(t *Template) (*Graph, error) {
	return buildGraph(t, true)
}

// buildLenientGraph orders an existing resource set, skipping edges to names
// that are no longer present. Partially updated stacks can reference removed
// resources; ordering the survivors must still succeed.
func buildLenientGraph(t *Template) (*Graph, error) {
	return buildGraph(t, false)
}

func buildGraph(t *Template, strict bool) (*Graph, error) {
	g := &Graph{
		names:            make([]string, 0, len(t.Resources)),
		types:            make(map[string]string, len(t.Resources)),
		adjacency:        make(map[string][]string),
		reverseAdjacency: make(map[string][]string),
		inDegree:         make(map[string]int),
	}

	for name, def := range t.Resources {
		if name == "" {
			return nil, fmt.Errorf("template contains a resource with an empty name")
		}
		g.names = append(g.names, name)
		g.types[name] = def.Type
		g.adjacency[name] = nil
		g.reverseAdjacency[name] = nil
		g.inDegree[name] = 0
	}
	sort.Strings(g.names)

	for _, name := range g.names {
		def := t.Resources[name]
		for _, target := range dependencyTargets(def) {
			if _, ok := t.Resources[target]; !ok {
				if strict {
					return nil, fmt.Errorf("resource %s depends on unknown resource %s", name, target)
				}
				continue
			}
			g.adjacency[target] = append(g.adjacency[target], name)
			g.reverseAdjacency[name] = append(g.reverseAdjacency[name], target)
			g.inDegree[name]++
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	g.computeWaves()
	return g, nil
}

// dependencyTargets extracts the resource names a definition depends on:
// explicit DependsOn entries plus every ref or attr marker found in its
// property values. Duplicates are collapsed; the result is sorted.
func dependencyTargets(def *ResourceDef) []string {
	seen := make(map[string]bool)

	for _, dep := range def.DependsOn {
		seen[dep] = true
	}
	collectMarkerTargets(def.Properties, seen)

	targets := make([]string, 0, len(seen))
	for target := range seen {
		targets = append(targets, target)
	}
	sort.Strings(targets)
	return targets
}

// collectMarkerTargets walks a property value tree and records the target of
// every ref and attr marker it finds.
func collectMarkerTargets(value any, seen map[string]bool) {
	switch v := value.(type) {
	case map[string]any:
		if target, ok := refMarker(v); ok {
			seen[target] = true
			return
		}
		if target, _, ok := attrMarker(v); ok {
			seen[target] = true
			return
		}
		for _, nested := range v {
			collectMarkerTargets(nested, seen)
		}
	case []any:
		for _, item := range v {
			collectMarkerTargets(item, seen)
		}
	}
}

// detectCycles runs depth-first search over the dependency edges and returns
// a *CycleError naming the cycle path when one exists.
func (g *Graph) detectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for _, name := range g.names {
		if !visited[name] {
			if cycle := g.findCycle(name, visited, recStack, nil); cycle != nil {
				return &CycleError{Path: cycle}
			}
		}
	}
	return nil
}

// findCycle performs the DFS step. It returns the cycle path with the entry
// node repeated at the end, or nil when the subtree is acyclic.
func (g *Graph) findCycle(name string, visited, recStack map[string]bool, path []string) []string {
	visited[name] = true
	recStack[name] = true
	path = append(path, name)

	for _, dependent := range g.adjacency[name] {
		if !visited[dependent] {
			if cycle := g.findCycle(dependent, visited, recStack, path); cycle != nil {
				return cycle
			}
		} else if recStack[dependent] {
			start := 0
			for i, n := range path {
				if n == dependent {
					start = i
					break
				}
			}
			cycle := make([]string, 0, len(path)-start+1)
			cycle = append(cycle, path[start:]...)
			return append(cycle, dependent)
		}
	}

	recStack[name] = false
	return nil
}

// computeWaves assigns each resource a topological level with Kahn's
// algorithm. Names within a wave are sorted for deterministic execution.
func (g *Graph) computeWaves() {
	remaining := make(map[string]int, len(g.inDegree))
	for name, degree := range g.inDegree {
		remaining[name] = degree
	}

	current := make([]string, 0)
	for _, name := range g.names {
		if remaining[name] == 0 {
			current = append(current, name)
		}
	}

	for len(current) > 0 {
		g.waves = append(g.waves, current)

		next := make([]string, 0)
		for _, name := range current {
			for _, dependent := range g.adjacency[name] {
				remaining[dependent]--
				if remaining[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}
}

// Waves returns the topological levels in dependency order: every resource's
// dependencies live in earlier waves. CREATE and UPDATE walk this order.
func (g *Graph) Waves() [][]string {
	return g.waves
}

// ReverseWaves returns the levels in reverse order, dependents before
// dependencies. DELETE walks this order.
func (g *Graph) ReverseWaves() [][]string {
	reversed := make([][]string, len(g.waves))
	for i, wave := range g.waves {
		reversed[len(g.waves)-1-i] = wave
	}
	return reversed
}

// Names returns all resource names in sorted order.
func (g *Graph) Names() []string {
	return g.names
}

// Dependencies returns the resources the named resource depends on.
func (g *Graph) Dependencies(name string) []string {
	return g.reverseAdjacency[name]
}

// Dependents returns the resources that depend on the named resource.
func (g *Graph) Dependents(name string) []string {
	return g.adjacency[name]
}

// DOT renders the graph in Graphviz DOT format, one dashed cluster per wave.
func (g *Graph) DOT() string {
	var sb strings.Builder

	sb.WriteString("digraph StackResources {\n")
	sb.WriteString("  rankdir=TB;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for i, wave := range g.waves {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_wave_%d {\n", i))
		sb.WriteString(fmt.Sprintf("    label=\"Wave %d\";\n", i))
		sb.WriteString("    style=dashed;\n")
		for _, name := range wave {
			sb.WriteString(fmt.Sprintf("    %q [label=\"%s\\n%s\"];\n", name, name, g.types[name]))
		}
		sb.WriteString("  }\n\n")
	}

	for _, name := range g.names {
		deps := append([]string(nil), g.reverseAdjacency[name]...)
		sort.Strings(deps)
		for _, dep := range deps {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", dep, name))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
