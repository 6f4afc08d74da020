package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/axon-callgraph/internal/graph"
)

var testTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// newTestRun builds a run for file whose edges connect consecutive pairs
// of calls, e.g. "a", "b", "a", "c" yields a -> b and a -> c.
func newTestRun(t *testing.T, file string, calls ...string) *Run {
	t.Helper()
	require.Zero(t, len(calls)%2)

	g := graph.NewCallGraph()
	for i := 0; i < len(calls); i += 2 {
		g.AddEdge(g.Intern(calls[i]), g.Intern(calls[i+1]))
	}
	run := NewRun(file, "go", g)
	run.CreatedAt = testTime
	return run
}

// backendFactories lists every backend the contract tests run against.
func backendFactories() map[string]func(t *testing.T) StorageBackend {
	return map[string]func(t *testing.T) StorageBackend{
		"Memory": func(t *testing.T) StorageBackend {
			b := NewMemoryBackend()
			require.NoError(t, b.Initialize("", false))
			return b
		},
		"Badger": func(t *testing.T) StorageBackend {
			b := NewBadgerBackend()
			require.NoError(t, b.Initialize(filepath.Join(t.TempDir(), "badger"), false))
			t.Cleanup(func() { _ = b.Close() })
			return b
		},
	}
}

func TestNewRun(t *testing.T) {
	t.Parallel()

	run := newTestRun(t, "main.go", "foo", "bar", "foo", "Widget::run")
	_, err := uuid.Parse(run.ID)
	require.NoError(t, err)
	assert.Equal(t, "main.go", run.File)
	assert.Equal(t, []graph.Symbol{{ID: 1, Name: "foo"}, {ID: 2, Name: "bar"}, {ID: 3, Name: "Widget::run"}}, run.Symbols)
	assert.Equal(t, []graph.Edge{{Caller: 1, Callee: 2}, {Caller: 1, Callee: 3}}, run.Edges)

	other := newTestRun(t, "main.go")
	assert.NotEqual(t, run.ID, other.ID)

	summary := run.Summary()
	assert.Equal(t, RunSummary{ID: run.ID, File: "main.go", CreatedAt: testTime, Symbols: 3, Edges: 2}, summary)
}

func TestRun_Graph(t *testing.T) {
	t.Parallel()

	t.Run("PreservesIDs", func(t *testing.T) {
		run := newTestRun(t, "main.go", "a", "b", "b", "c")
		g, err := run.Graph()
		require.NoError(t, err)

		id, ok := g.Lookup("b")
		require.True(t, ok)
		assert.Equal(t, 2, id)
		assert.Equal(t, []int{1}, g.Callers(id))
		assert.Equal(t, []int{3}, g.Callees(id))
	})

	t.Run("Corrupt", func(t *testing.T) {
		run := &Run{File: "x.go", Symbols: []graph.Symbol{{ID: 1, Name: "a"}}, Edges: []graph.Edge{{Caller: 1, Callee: 9}}}
		_, err := run.Graph()
		assert.Error(t, err)
	})
}

func TestBackends(t *testing.T) {
	t.Parallel()

	for name, factory := range backendFactories() {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			t.Run("SaveAndGet", func(t *testing.T) {
				ctx := context.Background()
				b := factory(t)

				run := newTestRun(t, "pkg/a.go", "A", "B")
				run.Warnings = []string{"undefined: x"}
				require.NoError(t, b.SaveRun(ctx, run))

				got, err := b.GetRun(ctx, "pkg/a.go")
				require.NoError(t, err)
				require.NotNil(t, got)
				assert.Equal(t, run, got)

				missing, err := b.GetRun(ctx, "pkg/none.go")
				require.NoError(t, err)
				assert.Nil(t, missing)
			})

			t.Run("SaveReplaces", func(t *testing.T) {
				ctx := context.Background()
				b := factory(t)

				require.NoError(t, b.SaveRun(ctx, newTestRun(t, "a.go", "old", "gone")))
				replacement := newTestRun(t, "a.go", "new", "fresh")
				require.NoError(t, b.SaveRun(ctx, replacement))

				got, err := b.GetRun(ctx, "a.go")
				require.NoError(t, err)
				assert.Equal(t, replacement.ID, got.ID)

				files, err := b.FindSymbol(ctx, "gone")
				require.NoError(t, err)
				assert.Empty(t, files)

				files, err = b.FindSymbol(ctx, "fresh")
				require.NoError(t, err)
				assert.Equal(t, []string{"a.go"}, files)

				count, err := b.RunCount(ctx)
				require.NoError(t, err)
				assert.Equal(t, 1, count)
			})

			t.Run("ListOrderedByFile", func(t *testing.T) {
				ctx := context.Background()
				b := factory(t)

				for _, file := range []string{"z.go", "a.go", "m/b.go"} {
					require.NoError(t, b.SaveRun(ctx, newTestRun(t, file, "f", "g")))
				}

				runs, err := b.ListRuns(ctx)
				require.NoError(t, err)
				require.Len(t, runs, 3)
				assert.Equal(t, "a.go", runs[0].File)
				assert.Equal(t, "m/b.go", runs[1].File)
				assert.Equal(t, "z.go", runs[2].File)
				assert.Equal(t, 2, runs[0].Symbols)
				assert.Equal(t, 1, runs[0].Edges)
			})

			t.Run("FindSymbolAcrossFiles", func(t *testing.T) {
				ctx := context.Background()
				b := factory(t)

				require.NoError(t, b.SaveRun(ctx, newTestRun(t, "b.go", "main", "helper")))
				require.NoError(t, b.SaveRun(ctx, newTestRun(t, "a.go", "helper", "log")))
				require.NoError(t, b.SaveRun(ctx, newTestRun(t, "c.go", "helperX", "log")))

				files, err := b.FindSymbol(ctx, "helper")
				require.NoError(t, err)
				assert.Equal(t, []string{"a.go", "b.go"}, files)

				files, err = b.FindSymbol(ctx, "unknown")
				require.NoError(t, err)
				assert.Empty(t, files)
			})

			t.Run("Remove", func(t *testing.T) {
				ctx := context.Background()
				b := factory(t)

				require.NoError(t, b.SaveRun(ctx, newTestRun(t, "a.go", "x", "y")))

				removed, err := b.RemoveRun(ctx, "a.go")
				require.NoError(t, err)
				assert.True(t, removed)

				removed, err = b.RemoveRun(ctx, "a.go")
				require.NoError(t, err)
				assert.False(t, removed)

				files, err := b.FindSymbol(ctx, "x")
				require.NoError(t, err)
				assert.Empty(t, files)

				count, err := b.RunCount(ctx)
				require.NoError(t, err)
				assert.Zero(t, count)
			})

			t.Run("RejectsRunWithoutFile", func(t *testing.T) {
				b := factory(t)
				assert.Error(t, b.SaveRun(context.Background(), &Run{ID: "x"}))
				assert.Error(t, b.SaveRun(context.Background(), nil))
			})
		})
	}
}

func TestMemoryBackend_Lifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b := NewMemoryBackend()
	require.NoError(t, b.Initialize("", false))
	assert.True(t, b.IsIndexed())

	run := newTestRun(t, "a.go", "a", "b")
	require.NoError(t, b.SaveRun(ctx, run))

	// Stored runs are copies.
	run.Edges[0].Callee = 99
	got, err := b.GetRun(ctx, "a.go")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Edges[0].Callee)

	require.NoError(t, b.Close())
	assert.False(t, b.IsIndexed())
	_, err = b.RunCount(ctx)
	assert.ErrorIs(t, err, ErrNotInitialized)
}
