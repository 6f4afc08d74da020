// Package dot serializes call graphs in the Graphviz DOT language.
//
// Edges are streamed: each edge statement is written and flushed as soon
// as it is accepted, so an interrupted run leaves a prefix made only of
// complete statements. Node labels and the closing brace are written once
// the traversal is finished.
package dot

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/Benny93/axon-callgraph/internal/graph"
)

// Defaults for the graph header and node identifiers.
const (
	DefaultGraphName  = "callgraph"
	DefaultNodePrefix = "n"
)

// ErrClosed is returned by writes after End.
var ErrClosed = errors.New("dot: writer closed")

var labelEscaper = strings.NewReplacer(
	`\`, `\\`,
	`"`, `\"`,
	"\r", "",
	"\n", `\n`,
)

// Writer writes one digraph to an io.Writer.
//
// The first write error is sticky: every later call returns it.
type Writer struct {
	out    *bufio.Writer
	sync   func() error
	name   string
	prefix string

	begun  bool
	closed bool
	edges  int
	err    error
}

// Option configures a Writer.
type Option func(*Writer)

// WithGraphName sets the digraph name. Invalid names fall back to the default.
func WithGraphName(name string) Option {
	return func(w *Writer) {
		if ValidID(name) {
			w.name = name
		}
	}
}

// WithNodePrefix sets the node identifier prefix. Invalid prefixes fall back
// to the default.
func WithNodePrefix(prefix string) Option {
	return func(w *Writer) {
		if ValidID(prefix) {
			w.prefix = prefix
		}
	}
}

// WithSync makes every flush also call sync (typically (*os.File).Sync).
func WithSync(sync func() error) Option {
	return func(w *Writer) {
		w.sync = sync
	}
}

// NewWriter creates a Writer on out.
func NewWriter(out io.Writer, opts ...Option) *Writer {
	w := &Writer{
		out:    bufio.NewWriter(out),
		name:   DefaultGraphName,
		prefix: DefaultNodePrefix,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// NodeID returns the DOT identifier for a symbol id.
func (w *Writer) NodeID(id int) string {
	return fmt.Sprintf("%s%d", w.prefix, id)
}

// Begin writes the graph header. It is called implicitly by the first Edge
// or by End, and is a no-op after the first call.
func (w *Writer) Begin() error {
	if w.err != nil {
		return w.err
	}
	if w.closed {
		return ErrClosed
	}
	if w.begun {
		return nil
	}
	w.begun = true
	if _, err := fmt.Fprintf(w.out, "digraph %s {\n", w.name); err != nil {
		return w.fail(err)
	}
	return w.flush()
}

// Edge writes one edge statement and flushes it.
func (w *Writer) Edge(caller, callee int) error {
	if err := w.Begin(); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w.out, "\t%s -> %s;\n", w.NodeID(caller), w.NodeID(callee)); err != nil {
		return w.fail(err)
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.edges++
	return nil
}

// Labels writes one label statement per symbol.
func (w *Writer) Labels(symbols []graph.Symbol) error {
	if err := w.Begin(); err != nil {
		return err
	}
	for _, sym := range symbols {
		if _, err := fmt.Fprintf(w.out, "\t%s [label=\"%s\"];\n", w.NodeID(sym.ID), EscapeLabel(sym.Name)); err != nil {
			return w.fail(err)
		}
	}
	return w.flush()
}

// End writes the closing brace and flushes. Further writes return ErrClosed.
func (w *Writer) End() error {
	if err := w.Begin(); err != nil {
		return err
	}
	if _, err := w.out.WriteString("}\n"); err != nil {
		return w.fail(err)
	}
	if err := w.flush(); err != nil {
		return err
	}
	w.closed = true
	return nil
}

// EdgeCount returns the number of edge statements written.
func (w *Writer) EdgeCount() int {
	return w.edges
}

// Err returns the sticky write error, if any.
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) flush() error {
	if err := w.out.Flush(); err != nil {
		return w.fail(err)
	}
	if w.sync != nil {
		if err := w.sync(); err != nil {
			return w.fail(err)
		}
	}
	return nil
}

func (w *Writer) fail(err error) error {
	if w.err == nil {
		w.err = fmt.Errorf("writing dot output: %w", err)
	}
	return w.err
}

// Render writes a complete graph in one pass: header, edges in the given
// order, labels, closing brace.
func Render(out io.Writer, symbols []graph.Symbol, edges []graph.Edge, opts ...Option) error {
	w := NewWriter(out, opts...)
	for _, e := range edges {
		if err := w.Edge(e.Caller, e.Callee); err != nil {
			return err
		}
	}
	if err := w.Labels(symbols); err != nil {
		return err
	}
	return w.End()
}

// EscapeLabel escapes s for use inside a double-quoted DOT string.
func EscapeLabel(s string) string {
	return labelEscaper.Replace(s)
}

// keywords are reserved in DOT regardless of case.
var keywords = []string{"node", "edge", "graph", "digraph", "subgraph", "strict"}

// ValidID reports whether s is a plain DOT identifier: a letter or
// underscore followed by letters, digits or underscores, and not a keyword.
func ValidID(s string) bool {
	if s == "" || slices.ContainsFunc(keywords, func(k string) bool { return strings.EqualFold(k, s) }) {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
