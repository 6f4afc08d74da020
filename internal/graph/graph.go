package graph

import "fmt"

// Direction selects which side of an edge a traversal follows.
type Direction string

const (
	DirectionCallers Direction = "callers"
	DirectionCallees Direction = "callees"
)

// maxTraverseDepth bounds Traverse regardless of the requested depth.
const maxTraverseDepth = 10

// CallGraph is a directed graph of interned symbols.
//
// Edges are kept in insertion order and each ordered (caller, callee) pair
// is stored at most once. Adjacency indexes make caller and callee lookups
// O(result) rather than O(graph).
//
// A CallGraph is owned by one traversal run and is not safe for
// concurrent mutation.
type CallGraph struct {
	symbols *SymbolTable
	edges   []Edge
	seen    map[Edge]struct{}

	outgoing map[int][]int
	incoming map[int][]int
}

// NewCallGraph creates an empty call graph.
func NewCallGraph() *CallGraph {
	return &CallGraph{
		symbols:  NewSymbolTable(),
		seen:     make(map[Edge]struct{}),
		outgoing: make(map[int][]int),
		incoming: make(map[int][]int),
	}
}

// Restore rebuilds a graph from persisted symbols and edges.
// Symbols must be in id order starting at 1.
func Restore(symbols []Symbol, edges []Edge) (*CallGraph, error) {
	g := NewCallGraph()
	for i, sym := range symbols {
		if sym.ID != i+1 {
			return nil, fmt.Errorf("symbol %q has id %d, want %d", sym.Name, sym.ID, i+1)
		}
		if id := g.Intern(sym.Name); id != sym.ID {
			return nil, fmt.Errorf("duplicate symbol %q", sym.Name)
		}
	}
	for _, e := range edges {
		if _, ok := g.symbols.Name(e.Caller); !ok {
			return nil, fmt.Errorf("edge references unknown caller id %d", e.Caller)
		}
		if _, ok := g.symbols.Name(e.Callee); !ok {
			return nil, fmt.Errorf("edge references unknown callee id %d", e.Callee)
		}
		g.AddEdge(e.Caller, e.Callee)
	}
	return g, nil
}

// Intern returns the id of name, assigning one on first sight.
func (g *CallGraph) Intern(name string) int {
	return g.symbols.ID(name)
}

// Lookup returns the id of name if it has been interned.
func (g *CallGraph) Lookup(name string) (int, bool) {
	return g.symbols.Lookup(name)
}

// SymbolName returns the canonical name for id.
func (g *CallGraph) SymbolName(id int) string {
	name, _ := g.symbols.Name(id)
	return name
}

// Symbols returns every interned symbol in id order.
func (g *CallGraph) Symbols() []Symbol {
	return g.symbols.Symbols()
}

// AddEdge inserts caller -> callee and reports whether it was new.
func (g *CallGraph) AddEdge(caller, callee int) bool {
	e := Edge{Caller: caller, Callee: callee}
	if _, ok := g.seen[e]; ok {
		return false
	}
	g.seen[e] = struct{}{}
	g.edges = append(g.edges, e)
	g.outgoing[caller] = append(g.outgoing[caller], callee)
	g.incoming[callee] = append(g.incoming[callee], caller)
	return true
}

// HasEdge reports whether caller -> callee is present.
func (g *CallGraph) HasEdge(caller, callee int) bool {
	_, ok := g.seen[Edge{Caller: caller, Callee: callee}]
	return ok
}

// Edges returns the edges in insertion order.
func (g *CallGraph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// NodeCount returns the number of interned symbols.
func (g *CallGraph) NodeCount() int {
	return g.symbols.Len()
}

// EdgeCount returns the number of distinct edges.
func (g *CallGraph) EdgeCount() int {
	return len(g.edges)
}

// Callers returns the ids that call id, in edge insertion order.
func (g *CallGraph) Callers(id int) []int {
	return append([]int(nil), g.incoming[id]...)
}

// Callees returns the ids called by id, in edge insertion order.
func (g *CallGraph) Callees(id int) []int {
	return append([]int(nil), g.outgoing[id]...)
}

// Traverse performs a breadth-first walk from start along the given
// direction and returns every reached id except start, in visit order.
func (g *CallGraph) Traverse(start, depth int, dir Direction) []int {
	if depth > maxTraverseDepth {
		depth = maxTraverseDepth
	}

	type item struct {
		id    int
		depth int
	}

	visited := map[int]bool{start: true}
	queue := []item{{id: start}}
	var result []int

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if current.depth >= depth {
			continue
		}

		neighbors := g.outgoing[current.id]
		if dir == DirectionCallers {
			neighbors = g.incoming[current.id]
		}
		for _, n := range neighbors {
			if visited[n] {
				continue
			}
			visited[n] = true
			result = append(result, n)
			queue = append(queue, item{id: n, depth: current.depth + 1})
		}
	}

	return result
}

// Stats returns a summary of graph size.
func (g *CallGraph) Stats() map[string]int {
	return map[string]int{
		"symbols": g.symbols.Len(),
		"edges":   len(g.edges),
	}
}
