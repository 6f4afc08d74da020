// Package builder turns traversal events into a deduplicated call graph.
//
// A Builder receives enter/exit events for declarations and visit events
// for call expressions from a front end. For each call it checks that the
// call site lies in the primary file, resolves canonical caller and callee
// names, interns them, and streams every new edge to a Sink. Every decision,
// including the silent skips, is published as an Event to the registered
// observers.
package builder

import (
	"errors"
	"fmt"

	"github.com/Benny93/axon-callgraph/internal/graph"
	"github.com/Benny93/axon-callgraph/internal/scope"
)

// ErrFinished is returned by VisitCall and Finish after Finish succeeded.
var ErrFinished = errors.New("builder: run already finished")

// Sink receives the serialized graph.
type Sink interface {
	// Edge writes one accepted edge. It must not buffer.
	Edge(caller, callee int) error

	// Labels writes one label per interned symbol, in id order.
	Labels(symbols []graph.Symbol) error

	// End closes the graph.
	End() error
}

// Builder is the per-run call graph builder. It owns the scope stack, the
// symbol table and the edge set for exactly one traversal and is not safe
// for concurrent use.
type Builder struct {
	bounds    graph.Range
	sink      Sink
	scopes    *scope.Tracker
	graph     *graph.CallGraph
	observers []Observer

	finished bool
	err      error
}

// Option configures a Builder.
type Option func(*Builder)

// WithObserver registers an observer for builder events.
func WithObserver(o Observer) Option {
	return func(b *Builder) {
		if o != nil {
			b.observers = append(b.observers, o)
		}
	}
}

// New creates a builder for a primary file spanning bounds.
// A nil sink keeps the graph in memory only.
func New(bounds graph.Range, sink Sink, opts ...Option) *Builder {
	b := &Builder{
		bounds: bounds,
		sink:   sink,
		scopes: scope.NewTracker(),
		graph:  graph.NewCallGraph(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// EnterDecl pushes d onto the scope stack.
func (b *Builder) EnterDecl(d graph.Decl) {
	b.scopes.Enter(d)
}

// ExitDecl pops the innermost declaration.
func (b *Builder) ExitDecl(graph.Decl) {
	b.scopes.Exit()
}

// VisitCall processes one call expression. Skipped calls return nil; the
// only error is a sink failure, which is fatal for the run.
func (b *Builder) VisitCall(call graph.CallSite) error {
	if b.err != nil {
		return b.err
	}
	if b.finished {
		return ErrFinished
	}

	if !call.Range.Within(b.bounds) {
		b.emit(Event{Kind: EventSkippedOutsideFile, Range: call.Range})
		return nil
	}

	calleeName, ok := call.Callee.CanonicalName()
	if !ok {
		b.emit(Event{Kind: EventSkippedUnresolved, Range: call.Range})
		return nil
	}

	caller, ok := b.scopes.NearestEnclosingFunction()
	if !ok {
		b.emit(Event{Kind: EventSkippedNoCaller, Callee: calleeName, Range: call.Range})
		return nil
	}
	callerName := caller.CanonicalName()

	callerID := b.graph.Intern(callerName)
	calleeID := b.graph.Intern(calleeName)

	ev := Event{
		Caller:   callerName,
		Callee:   calleeName,
		CallerID: callerID,
		CalleeID: calleeID,
		Range:    call.Range,
	}

	if !b.graph.AddEdge(callerID, calleeID) {
		ev.Kind = EventEdgeDuplicate
		b.emit(ev)
		return nil
	}

	if b.sink != nil {
		if err := b.sink.Edge(callerID, calleeID); err != nil {
			b.err = fmt.Errorf("emitting edge %s -> %s: %w", callerName, calleeName, err)
			return b.err
		}
	}

	ev.Kind = EventEdgeAccepted
	b.emit(ev)
	return nil
}

// Finish writes the node labels and closes the graph.
func (b *Builder) Finish() error {
	if b.err != nil {
		return b.err
	}
	if b.finished {
		return ErrFinished
	}

	if b.sink != nil {
		if err := b.sink.Labels(b.graph.Symbols()); err != nil {
			b.err = fmt.Errorf("emitting labels: %w", err)
			return b.err
		}
		if err := b.sink.End(); err != nil {
			b.err = fmt.Errorf("closing graph: %w", err)
			return b.err
		}
	}

	b.finished = true
	b.emit(Event{Kind: EventFinished, Symbols: b.graph.NodeCount(), Edges: b.graph.EdgeCount()})
	return nil
}

// Graph returns the graph built so far.
func (b *Builder) Graph() *graph.CallGraph {
	return b.graph
}

// Bounds returns the primary-file bounds.
func (b *Builder) Bounds() graph.Range {
	return b.bounds
}

// Depth returns the current scope depth.
func (b *Builder) Depth() int {
	return b.scopes.Depth()
}

// Err returns the sticky sink error, if any.
func (b *Builder) Err() error {
	return b.err
}

func (b *Builder) emit(ev Event) {
	for _, o := range b.observers {
		o(ev)
	}
}
