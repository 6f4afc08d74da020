package scope

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/axon-callgraph/internal/graph"
)

func TestTracker_EnterExit(t *testing.T) {
	t.Parallel()

	tr := NewTracker()
	file := graph.Decl{Kind: graph.DeclOther, Name: "main.go"}
	fn := graph.Decl{Kind: graph.DeclFunction, Name: "run"}

	tr.Enter(file)
	tr.Enter(fn)
	assert.Equal(t, 2, tr.Depth())
	assert.Equal(t, []graph.Decl{file, fn}, tr.Path())

	got, ok := tr.Exit()
	require.True(t, ok)
	assert.Equal(t, fn, got)

	got, ok = tr.Exit()
	require.True(t, ok)
	assert.Equal(t, file, got)

	_, ok = tr.Exit()
	assert.False(t, ok, "exit on an empty stack reports false")
	assert.Equal(t, 0, tr.Depth())
}

func TestTracker_NearestEnclosingFunction(t *testing.T) {
	t.Parallel()

	t.Run("NoneAtPackageScope", func(t *testing.T) {
		tr := NewTracker()
		tr.Enter(graph.Decl{Kind: graph.DeclVariable, Name: "handlers"})
		_, ok := tr.NearestEnclosingFunction()
		assert.False(t, ok)
	})

	t.Run("SkipsClosuresAndLocalDecls", func(t *testing.T) {
		tr := NewTracker()
		tr.Enter(graph.Decl{Kind: graph.DeclMethod, Name: "Serve", OwnerType: "Server"})
		tr.Enter(graph.Decl{Kind: graph.DeclClosure})
		tr.Enter(graph.Decl{Kind: graph.DeclVariable, Name: "x"})

		d, ok := tr.NearestEnclosingFunction()
		require.True(t, ok)
		assert.Equal(t, "Server::Serve", d.CanonicalName())
	})

	t.Run("InnermostWins", func(t *testing.T) {
		tr := NewTracker()
		tr.Enter(graph.Decl{Kind: graph.DeclFunction, Name: "outer"})
		tr.Enter(graph.Decl{Kind: graph.DeclFunction, Name: "inner"})

		d, ok := tr.NearestEnclosingFunction()
		require.True(t, ok)
		assert.Equal(t, "inner", d.Name)
	})

	t.Run("UnnamedFunctionIsSkipped", func(t *testing.T) {
		tr := NewTracker()
		tr.Enter(graph.Decl{Kind: graph.DeclFunction})
		_, ok := tr.NearestEnclosingFunction()
		assert.False(t, ok)
	})
}

func TestTracker_Within(t *testing.T) {
	t.Parallel()

	t.Run("PopsOnSuccess", func(t *testing.T) {
		tr := NewTracker()
		err := tr.Within(graph.Decl{Kind: graph.DeclFunction, Name: "f"}, func() error {
			assert.Equal(t, 1, tr.Depth())
			return nil
		})
		assert.NoError(t, err)
		assert.Equal(t, 0, tr.Depth())
	})

	t.Run("PopsOnError", func(t *testing.T) {
		tr := NewTracker()
		boom := errors.New("boom")
		err := tr.Within(graph.Decl{Kind: graph.DeclFunction, Name: "f"}, func() error {
			return tr.Within(graph.Decl{Kind: graph.DeclClosure}, func() error {
				return boom
			})
		})
		assert.ErrorIs(t, err, boom)
		assert.Equal(t, 0, tr.Depth())
	})

	t.Run("PopsOnPanic", func(t *testing.T) {
		tr := NewTracker()
		assert.Panics(t, func() {
			_ = tr.Within(graph.Decl{Kind: graph.DeclFunction, Name: "f"}, func() error {
				panic("walker failure")
			})
		})
		assert.Equal(t, 0, tr.Depth())
	})
}
