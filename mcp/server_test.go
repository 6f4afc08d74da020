package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/axon-callgraph/internal/dot"
	"github.com/Benny93/axon-callgraph/internal/graph"
	"github.com/Benny93/axon-callgraph/internal/storage"
)

// newTestStore stores two runs:
//
//	main.go: main -> run -> helper, run -> Widget::doWork
//	util.go: format -> helper
func newTestStore(t *testing.T) *storage.MemoryBackend {
	t.Helper()

	store := storage.NewMemoryBackend()
	require.NoError(t, store.Initialize("", false))

	add := func(file string, calls ...[2]string) {
		g := graph.NewCallGraph()
		for _, c := range calls {
			g.AddEdge(g.Intern(c[0]), g.Intern(c[1]))
		}
		require.NoError(t, store.SaveRun(t.Context(), storage.NewRun(file, "go", g)))
	}
	add("main.go",
		[2]string{"main", "run"},
		[2]string{"run", "helper"},
		[2]string{"run", "Widget::doWork"},
	)
	add("util.go", [2]string{"format", "helper"})
	return store
}

type failingStore struct{}

func (failingStore) GetRun(context.Context, string) (*storage.Run, error) {
	return nil, errors.New("store offline")
}

func (failingStore) ListRuns(context.Context) ([]storage.RunSummary, error) {
	return nil, errors.New("store offline")
}

func (failingStore) FindSymbol(context.Context, string) ([]string, error) {
	return nil, errors.New("store offline")
}

func TestServer_Tools(t *testing.T) {
	t.Parallel()

	server := NewServer(newTestStore(t))

	t.Run("ListTools", func(t *testing.T) {
		var names []string
		for _, tool := range server.ListTools() {
			names = append(names, tool.Name)
			assert.NotEmpty(t, tool.Description)
			require.NotNil(t, tool.InputSchema)
			assert.Equal(t, "object", tool.InputSchema.Type)
		}
		assert.Equal(t, []string{
			"callgraph_files",
			"callgraph_symbol",
			"callgraph_callers",
			"callgraph_callees",
			"callgraph_dot",
		}, names)
	})

	t.Run("ListResources", func(t *testing.T) {
		resources := server.ListResources()
		require.Len(t, resources, 2)
		for _, r := range resources {
			assert.True(t, strings.HasPrefix(r.URI, "callgraph://"))
			assert.Equal(t, "text/plain", r.MimeType)
		}
	})
}

func TestServer_CallTool(t *testing.T) {
	t.Parallel()

	server := NewServer(newTestStore(t))
	ctx := t.Context()

	t.Run("Files", func(t *testing.T) {
		out, err := server.CallTool(ctx, "callgraph_files", nil)
		require.NoError(t, err)
		assert.Contains(t, out, "Analysed files (2)")
		assert.Contains(t, out, "- `main.go`: 4 symbols, 3 calls\n")
		assert.Contains(t, out, "- `util.go`: 2 symbols, 1 calls\n")
	})

	t.Run("Symbol", func(t *testing.T) {
		out, err := server.CallTool(ctx, "callgraph_symbol", map[string]any{"symbol": "helper"})
		require.NoError(t, err)
		assert.Contains(t, out, "- `main.go`\n- `util.go`\n")

		out, err = server.CallTool(ctx, "callgraph_symbol", map[string]any{"symbol": "nope"})
		require.NoError(t, err)
		assert.Contains(t, out, "not found")
	})

	t.Run("CalleesDefaultDepth", func(t *testing.T) {
		out, err := server.CallTool(ctx, "callgraph_callees", map[string]any{"symbol": "main"})
		require.NoError(t, err)
		assert.Contains(t, out, "Callees of main (depth 1)")
		assert.Contains(t, out, "- run\n")
		assert.NotContains(t, out, "helper")
	})

	t.Run("CalleesDeeper", func(t *testing.T) {
		out, err := server.CallTool(ctx, "callgraph_callees", map[string]any{"symbol": "main", "depth": float64(2)})
		require.NoError(t, err)
		assert.Contains(t, out, "- run\n- helper\n- Widget::doWork\n")
	})

	t.Run("CallersAcrossFiles", func(t *testing.T) {
		out, err := server.CallTool(ctx, "callgraph_callers", map[string]any{"symbol": "helper"})
		require.NoError(t, err)
		assert.Contains(t, out, "### `main.go` (1)\n\n- run\n")
		assert.Contains(t, out, "### `util.go` (1)\n\n- format\n")
	})

	t.Run("CallersRestrictedToFile", func(t *testing.T) {
		out, err := server.CallTool(ctx, "callgraph_callers", map[string]any{"symbol": "helper", "file": "util.go"})
		require.NoError(t, err)
		assert.Contains(t, out, "util.go")
		assert.NotContains(t, out, "main.go")
	})

	t.Run("NoCallers", func(t *testing.T) {
		out, err := server.CallTool(ctx, "callgraph_callers", map[string]any{"symbol": "main"})
		require.NoError(t, err)
		assert.Contains(t, out, "(none)")
	})

	t.Run("MissingSymbol", func(t *testing.T) {
		out, err := server.CallTool(ctx, "callgraph_callees", map[string]any{})
		require.NoError(t, err)
		assert.Equal(t, "No symbol provided", out)

		out, err = server.CallTool(ctx, "callgraph_callees", map[string]any{"symbol": "helper", "file": "other.go"})
		require.NoError(t, err)
		assert.Contains(t, out, "not found in the call graph of other.go")
	})

	t.Run("Dot", func(t *testing.T) {
		out, err := server.CallTool(ctx, "callgraph_dot", map[string]any{"file": "util.go"})
		require.NoError(t, err)
		assert.Equal(t, "digraph callgraph {\n\tn1 -> n2;\n\tn1 [label=\"format\"];\n\tn2 [label=\"helper\"];\n}\n", out)

		out, err = server.CallTool(ctx, "callgraph_dot", map[string]any{"file": "missing.go"})
		require.NoError(t, err)
		assert.Contains(t, out, "No call graph stored")
	})

	t.Run("DotOptions", func(t *testing.T) {
		s := NewServer(newTestStore(t), dot.WithGraphName("util"), dot.WithNodePrefix("s"))
		out, err := s.CallTool(ctx, "callgraph_dot", map[string]any{"file": "util.go"})
		require.NoError(t, err)
		assert.True(t, strings.HasPrefix(out, "digraph util {\n\ts1 -> s2;\n"))
	})

	t.Run("UnknownTool", func(t *testing.T) {
		_, err := server.CallTool(ctx, "axon_query", nil)
		assert.EqualError(t, err, "unknown tool: axon_query")
	})

	t.Run("StorageErrors", func(t *testing.T) {
		s := NewServer(failingStore{})
		_, err := s.CallTool(ctx, "callgraph_files", nil)
		assert.ErrorContains(t, err, "store offline")
		_, err = s.CallTool(ctx, "callgraph_callers", map[string]any{"symbol": "x"})
		assert.ErrorContains(t, err, "store offline")
		_, err = s.CallTool(ctx, "callgraph_dot", map[string]any{"file": "x.go"})
		assert.ErrorContains(t, err, "store offline")
	})
}

func TestServer_ReadResource(t *testing.T) {
	t.Parallel()

	server := NewServer(newTestStore(t))

	t.Run("Overview", func(t *testing.T) {
		out, err := server.ReadResource(t.Context(), "callgraph://overview")
		require.NoError(t, err)
		assert.Contains(t, out, "**Files:** 2\n**Symbols:** 6\n**Calls:** 4\n")
		assert.Contains(t, out, "- `main.go`: 3 calls\n- `util.go`: 1 calls\n")
	})

	t.Run("Schema", func(t *testing.T) {
		out, err := server.ReadResource(t.Context(), "callgraph://schema")
		require.NoError(t, err)
		assert.Contains(t, out, "`Type::name`")
	})

	t.Run("Unknown", func(t *testing.T) {
		_, err := server.ReadResource(t.Context(), "axon://dead-code")
		assert.Error(t, err)
	})
}

func TestServer_Run(t *testing.T) {
	t.Parallel()

	server := NewServer(newTestStore(t))

	t.Run("NilStreams", func(t *testing.T) {
		assert.Error(t, server.Run(t.Context(), nil, nil))
	})

	t.Run("Session", func(t *testing.T) {
		in := strings.Join([]string{
			`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`,
			`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
			`not json`,
			`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"callgraph_callees","arguments":{"symbol":"run"}}}`,
			`{"jsonrpc":"2.0","id":3,"method":"resources/read","params":{"uri":"callgraph://overview"}}`,
			`{"jsonrpc":"2.0","id":4,"method":"bogus"}`,
			`{"jsonrpc":"2.0","id":5,"method":"tools/call"}`,
		}, "\n") + "\n"

		var out bytes.Buffer
		require.NoError(t, server.Run(t.Context(), strings.NewReader(in), &out))

		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		require.Len(t, lines, 5)

		var responses []map[string]any
		for _, line := range lines {
			var resp map[string]any
			require.NoError(t, json.Unmarshal([]byte(line), &resp))
			responses = append(responses, resp)
		}

		initResult := responses[0]["result"].(map[string]any)
		assert.Equal(t, "2024-11-05", initResult["protocolVersion"])

		content := responses[1]["result"].(map[string]any)["content"].([]any)
		text := content[0].(map[string]any)["text"].(string)
		assert.Contains(t, text, "- helper\n- Widget::doWork\n")

		contents := responses[2]["result"].(map[string]any)["contents"].([]any)
		assert.Equal(t, "callgraph://overview", contents[0].(map[string]any)["uri"])

		assert.Equal(t, float64(-32601), responses[3]["error"].(map[string]any)["code"])
		assert.Equal(t, float64(-32602), responses[4]["error"].(map[string]any)["code"])
	})

	t.Run("CancelledContext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		err := server.Run(ctx, strings.NewReader(""), &bytes.Buffer{})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestServer_Serve(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	server := NewServer(newTestStore(t))
	clientTransport, serverTransport := mcp.NewInMemoryTransports()

	done := make(chan error, 1)
	go func() { done <- server.Serve(ctx, serverTransport) }()

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, tools.Tools, len(server.ListTools()))

	res, err := session.CallTool(ctx, &mcp.CallToolParams{
		Name:      "callgraph_callers",
		Arguments: map[string]any{"symbol": "Widget::doWork", "depth": 2},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	assert.Contains(t, text.Text, "- run\n- main\n")

	resource, err := session.ReadResource(ctx, &mcp.ReadResourceParams{URI: "callgraph://schema"})
	require.NoError(t, err)
	require.Len(t, resource.Contents, 1)
	assert.Contains(t, resource.Contents[0].Text, "DOT layout")
}
