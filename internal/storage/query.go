package storage

import (
	"context"
	"fmt"

	"github.com/Benny93/axon-callgraph/internal/graph"
)

// RunReader is the read side of StorageBackend needed by queries.
type RunReader interface {
	GetRun(ctx context.Context, file string) (*Run, error)
	FindSymbol(ctx context.Context, name string) ([]string, error)
}

// Reach is the result of a traversal within one run.
type Reach struct {
	File    string
	Symbols []string
}

// TraverseSymbol walks the callers or callees of symbol up to depth in
// every run that interned it, or only in the run of file when file is set.
// Runs are independent graphs, so results are grouped per file. Runs that
// do not know the symbol are omitted.
func TraverseSymbol(ctx context.Context, store RunReader, symbol, file string, depth int, dir graph.Direction) ([]Reach, error) {
	files := []string{file}
	if file == "" {
		var err error
		if files, err = store.FindSymbol(ctx, symbol); err != nil {
			return nil, fmt.Errorf("finding %s: %w", symbol, err)
		}
	}

	var out []Reach
	for _, f := range files {
		run, err := store.GetRun(ctx, f)
		if err != nil {
			return nil, fmt.Errorf("loading run %s: %w", f, err)
		}
		if run == nil {
			continue
		}
		g, err := run.Graph()
		if err != nil {
			return nil, err
		}
		id, ok := g.Lookup(symbol)
		if !ok {
			continue
		}

		reach := Reach{File: f}
		for _, n := range g.Traverse(id, depth, dir) {
			reach.Symbols = append(reach.Symbols, g.SymbolName(n))
		}
		out = append(out, reach)
	}
	return out, nil
}
