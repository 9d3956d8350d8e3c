// Package resolver orders plugins so that every dependency loads before its
// dependents. Resolution is a pure function of the registered edges; a cycle
// aborts the whole resolution rather than the offending subtree.
package resolver

import (
	"fmt"
	"sort"

	"github.com/secforge/plugrun/runtime/types"
)

// Graph maps plugin ids to their direct dependency ids
type Graph struct {
	edges map[string][]string
	order []string
}

// New creates an empty dependency graph
func New() *Graph {
	return &Graph{edges: make(map[string][]string)}
}

// Add registers a node and its direct dependencies. Re-adding a node
// replaces its edges.
func (g *Graph) Add(id string, deps []string) {
	g.edges[id] = append([]string(nil), deps...)
}

// Nodes returns all registered ids, sorted for determinism
func (g *Graph) Nodes() []string {
	nodes := make([]string, 0, len(g.edges))
	for id := range g.edges {
		nodes = append(nodes, id)
	}
	sort.Strings(nodes)
	return nodes
}

// Order returns the last computed topological order
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Resolve returns a topological order where every dependency precedes its
// dependent. A cycle yields a validation error naming a plugin on the cycle.
func (g *Graph) Resolve() ([]string, error) {
	visited := make(map[string]bool, len(g.edges))
	visiting := make(map[string]bool)
	order := make([]string, 0, len(g.edges))

	var visit func(id string) error
	visit = func(id string) error {
		if visited[id] {
			return nil
		}
		if visiting[id] {
			return types.NewError(types.CodeValidationFailed, id,
				fmt.Sprintf("dependency cycle detected involving plugin %q", id))
		}
		visiting[id] = true
		for _, dep := range g.edges[id] {
			// Edges to unregistered ids are the loader's concern; the
			// sort only orders what was registered.
			if _, known := g.edges[dep]; !known {
				continue
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		delete(visiting, id)
		visited[id] = true
		order = append(order, id)
		return nil
	}

	for _, id := range g.Nodes() {
		if err := visit(id); err != nil {
			return nil, err
		}
	}

	g.order = order
	return append([]string(nil), order...), nil
}
