// Package scope tracks the lexical nesting of declarations during a
// depth-first traversal.
package scope

import "github.com/Benny93/axon-callgraph/internal/graph"

// Tracker is an explicit stack of the declarations enclosing the node
// currently being visited, innermost last.
type Tracker struct {
	stack []graph.Decl
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{}
}

// Enter pushes d onto the stack.
func (t *Tracker) Enter(d graph.Decl) {
	t.stack = append(t.stack, d)
}

// Exit pops the innermost declaration. It reports false if the stack was
// already empty.
func (t *Tracker) Exit() (graph.Decl, bool) {
	if len(t.stack) == 0 {
		return graph.Decl{}, false
	}
	d := t.stack[len(t.stack)-1]
	t.stack[len(t.stack)-1] = graph.Decl{}
	t.stack = t.stack[:len(t.stack)-1]
	return d, true
}

// Within runs fn with d pushed. The pop happens on every return path of
// fn, including errors and panics.
func (t *Tracker) Within(d graph.Decl, fn func() error) error {
	t.Enter(d)
	defer t.Exit()
	return fn()
}

// NearestEnclosingFunction returns the innermost named function or method
// on the stack.
func (t *Tracker) NearestEnclosingFunction() (graph.Decl, bool) {
	for i := len(t.stack) - 1; i >= 0; i-- {
		if t.stack[i].IsNamedFunction() {
			return t.stack[i], true
		}
	}
	return graph.Decl{}, false
}

// Depth returns the number of open declarations.
func (t *Tracker) Depth() int {
	return len(t.stack)
}

// Path returns a copy of the stack, outermost first.
func (t *Tracker) Path() []graph.Decl {
	return append([]graph.Decl(nil), t.stack...)
}
