// Package storage persists call graph runs.
//
// It defines the StorageBackend protocol that all storage implementations
// must satisfy, along with the Run type shared across backends.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Benny93/axon-callgraph/internal/graph"
)

// ErrNotInitialized is returned by backends used before Initialize or after
// Close.
var ErrNotInitialized = errors.New("storage: backend not initialized")

// Run is the persisted result of one primary file's traversal.
type Run struct {
	// ID identifies this run. A new run for the same file gets a new ID.
	ID string `json:"id"`

	// File is the repository-relative, slash-separated primary file path.
	File string `json:"file"`

	// Language of the front end that produced the run.
	Language string `json:"language"`

	// Hash is the SHA-256 of the primary file content the run was built from.
	Hash string `json:"hash,omitempty"`

	// PackageHash covers every Go file of the primary file's directory.
	PackageHash string `json:"package_hash,omitempty"`

	// CreatedAt is when the run finished.
	CreatedAt time.Time `json:"created_at"`

	// Duration of the traversal.
	Duration time.Duration `json:"duration"`

	// Symbols are the interned names in id order; Edges in emission order.
	Symbols []graph.Symbol `json:"symbols"`
	Edges   []graph.Edge   `json:"edges"`

	// Warnings are non-fatal front-end errors (type errors and the like).
	Warnings []string `json:"warnings,omitempty"`
}

// NewRun snapshots g for file under a fresh ID.
func NewRun(file, language string, g *graph.CallGraph) *Run {
	return &Run{
		ID:        uuid.NewString(),
		File:      file,
		Language:  language,
		CreatedAt: time.Now().UTC(),
		Symbols:   g.Symbols(),
		Edges:     g.Edges(),
	}
}

// Graph restores the call graph with its original ids.
func (r *Run) Graph() (*graph.CallGraph, error) {
	g, err := graph.Restore(r.Symbols, r.Edges)
	if err != nil {
		return nil, fmt.Errorf("restoring run %s: %w", r.File, err)
	}
	return g, nil
}

// Summary returns the run's listing entry.
func (r *Run) Summary() RunSummary {
	return RunSummary{
		ID:        r.ID,
		File:      r.File,
		CreatedAt: r.CreatedAt,
		Symbols:   len(r.Symbols),
		Edges:     len(r.Edges),
	}
}

// RunSummary is a run without its graph.
type RunSummary struct {
	ID        string    `json:"id"`
	File      string    `json:"file"`
	CreatedAt time.Time `json:"created_at"`
	Symbols   int       `json:"symbols"`
	Edges     int       `json:"edges"`
}

// StorageBackend defines the interface for storage implementations.
//
// Implementations must be thread-safe and support concurrent access.
type StorageBackend interface {
	// Initialize opens or creates the storage backend at the given path.
	// If readOnly is true, the backend is opened in read-only mode.
	Initialize(path string, readOnly bool) error

	// Close releases all resources held by the backend.
	Close() error

	// SaveRun stores run, replacing any earlier run of the same file.
	SaveRun(ctx context.Context, run *Run) error

	// GetRun returns the run for file, or nil if there is none.
	GetRun(ctx context.Context, file string) (*Run, error)

	// ListRuns returns all runs ordered by file.
	ListRuns(ctx context.Context) ([]RunSummary, error)

	// RemoveRun deletes the run for file and reports whether one existed.
	RemoveRun(ctx context.Context, file string) (bool, error)

	// FindSymbol returns the files, in order, whose runs interned name.
	FindSymbol(ctx context.Context, name string) ([]string, error)

	// RunCount returns the number of stored runs.
	RunCount(ctx context.Context) (int, error)
}
