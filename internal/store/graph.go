package store

import (
	"fmt"
	"strings"
)

// graph maps a node to the nodes it reads from. Node order is kept so that
// validation errors and slice order are deterministic.
type graph struct {
	nodes []string
	edges map[string][]string
}

func newGraph() *graph {
	return &graph{edges: make(map[string][]string)}
}

func (g *graph) addNode(n string) {
	if _, ok := g.edges[n]; ok {
		return
	}
	g.nodes = append(g.nodes, n)
	g.edges[n] = []string{}
}

func (g *graph) addEdge(from, to string) {
	g.addNode(from)
	g.edges[from] = append(g.edges[from], to)
}

// cycles returns every strongly connected component that forms a cycle:
// components with more than one node, or a single node reading itself.
func (g *graph) cycles() [][]string {
	var out [][]string
	for _, scc := range tarjanSCC(g) {
		if len(scc) > 1 || hasSelfLoop(scc[0], g) {
			out = append(out, scc)
		}
	}
	return out
}

func hasSelfLoop(node string, g *graph) bool {
	for _, n := range g.edges[node] {
		if n == node {
			return true
		}
	}
	return false
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Components are emitted in reverse topological order: a component comes
// after every component it reads from.
func tarjanSCC(g *graph) [][]string {
	var (
		index   = 0
		stack   []string
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		sccs    [][]string
	)

	var strongConnect func(string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range g.edges[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] == indices[v] {
			var scc []string
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range g.nodes {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}
	return sccs
}

// order returns the nodes so that each node follows everything it reads.
// It must only be called on an acyclic graph.
func (g *graph) order() []string {
	sccs := tarjanSCC(g)
	out := make([]string, 0, len(g.nodes))
	for _, scc := range sccs {
		out = append(out, scc...)
	}
	return out
}

func describeCycle(scc []string) string {
	path := append([]string(nil), scc...)
	// Tarjan pops in reverse discovery order; flip it so the path reads
	// in dependency direction.
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	path = append(path, path[0])
	return fmt.Sprintf("cycle: %s", strings.Join(path, " -> "))
}
