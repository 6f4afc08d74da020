// Package mcp provides the MCP (Model Context Protocol) server that exposes
// stored call graphs to coding agents.
package mcp

import (
	"bufio"
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Benny93/axon-callgraph/internal/dot"
	"github.com/Benny93/axon-callgraph/internal/graph"
	"github.com/Benny93/axon-callgraph/internal/storage"
)

const (
	serverName    = "axon-callgraph"
	serverVersion = "0.1.0"

	defaultDepth = 1
)

// Server represents the MCP server.
type Server struct {
	storage RunStore
	server  *mcp.Server
	dotOpts []dot.Option
}

// RunStore is the read side of storage.StorageBackend used by the server.
type RunStore interface {
	GetRun(ctx context.Context, file string) (*storage.Run, error)
	ListRuns(ctx context.Context) ([]storage.RunSummary, error)
	FindSymbol(ctx context.Context, name string) ([]string, error)
}

// Tool represents an MCP tool.
type Tool struct {
	Name        string
	Description string
	InputSchema *jsonschema.Schema
}

// Resource represents an MCP resource.
type Resource struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// NewServer creates a new MCP server. dotOpts configure the DOT rendered by
// the callgraph_dot tool.
func NewServer(store RunStore, dotOpts ...dot.Option) *Server {
	s := &Server{
		storage: store,
		dotOpts: dotOpts,
	}

	s.server = mcp.NewServer(&mcp.Implementation{
		Name:    serverName,
		Version: serverVersion,
	}, nil)
	s.registerTools()
	s.registerResources()

	return s
}

// Serve runs the SDK server over transport until the client disconnects
// or ctx is cancelled.
func (s *Server) Serve(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

// ServeStdio runs the SDK server on the process's stdin and stdout.
func (s *Server) ServeStdio(ctx context.Context) error {
	return s.Serve(ctx, &mcp.StdioTransport{})
}

// registerTools exposes ListTools on the SDK server, dispatching to CallTool.
func (s *Server) registerTools() {
	for _, tool := range s.ListTools() {
		name := tool.Name
		s.server.AddTool(&mcp.Tool{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema,
		}, func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			args := map[string]any{}
			if len(req.Params.Arguments) > 0 {
				if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
					return nil, fmt.Errorf("decoding arguments: %w", err)
				}
			}
			text, err := s.CallTool(ctx, name, args)
			if err != nil {
				return &mcp.CallToolResult{
					IsError: true,
					Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
				}, nil
			}
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: text}},
			}, nil
		})
	}
}

// registerResources exposes ListResources on the SDK server.
func (s *Server) registerResources() {
	for _, res := range s.ListResources() {
		s.server.AddResource(&mcp.Resource{
			URI:         res.URI,
			Name:        res.Name,
			Description: res.Description,
			MIMEType:    res.MimeType,
		}, func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
			text, err := s.ReadResource(ctx, req.Params.URI)
			if err != nil {
				return nil, err
			}
			return &mcp.ReadResourceResult{
				Contents: []*mcp.ResourceContents{{URI: req.Params.URI, MIMEType: "text/plain", Text: text}},
			}, nil
		})
	}
}

// ListTools returns all registered tools.
func (s *Server) ListTools() []Tool {
	traversal := func() *jsonschema.Schema {
		return &jsonschema.Schema{
			Type: "object",
			Properties: map[string]*jsonschema.Schema{
				"symbol": {Type: "string", Description: "Canonical symbol name, e.g. main or Type::method"},
				"file":   {Type: "string", Description: "Restrict the lookup to the run of this file"},
				"depth":  {Type: "integer", Description: "Traversal depth (default 1, max 10)"},
			},
			Required: []string{"symbol"},
		}
	}

	return []Tool{
		{
			Name:        "callgraph_files",
			Description: "List the analysed primary files with their symbol and edge counts.",
			InputSchema: &jsonschema.Schema{Type: "object"},
		},
		{
			Name:        "callgraph_symbol",
			Description: "Find the analysed files whose call graph mentions a symbol.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"symbol": {Type: "string", Description: "Canonical symbol name"},
				},
				Required: []string{"symbol"},
			},
		},
		{
			Name:        "callgraph_callers",
			Description: "List the functions and methods that call a symbol, up to the given depth.",
			InputSchema: traversal(),
		},
		{
			Name:        "callgraph_callees",
			Description: "List the functions and methods a symbol calls, up to the given depth.",
			InputSchema: traversal(),
		},
		{
			Name:        "callgraph_dot",
			Description: "Return the Graphviz DOT call graph of an analysed file.",
			InputSchema: &jsonschema.Schema{
				Type: "object",
				Properties: map[string]*jsonschema.Schema{
					"file": {Type: "string", Description: "Repository-relative path of the primary file"},
				},
				Required: []string{"file"},
			},
		},
	}
}

// ListResources returns all registered resources.
func (s *Server) ListResources() []Resource {
	return []Resource{
		{
			URI:         "callgraph://overview",
			Name:        "Call Graph Overview",
			Description: "Analysed files and the size of their call graphs",
			MimeType:    "text/plain",
		},
		{
			URI:         "callgraph://schema",
			Name:        "Call Graph Schema",
			Description: "How symbols are named and how the DOT output is laid out",
			MimeType:    "text/plain",
		},
	}
}

// CallTool executes a tool with the given arguments.
func (s *Server) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	switch name {
	case "callgraph_files":
		return handleFiles(ctx, s.storage)
	case "callgraph_symbol":
		symbol, _ := args["symbol"].(string)
		return handleSymbol(ctx, s.storage, symbol)
	case "callgraph_callers", "callgraph_callees":
		symbol, _ := args["symbol"].(string)
		file, _ := args["file"].(string)
		depth, _ := args["depth"].(float64)
		if depth <= 0 {
			depth = defaultDepth
		}
		dir := graph.DirectionCallees
		if name == "callgraph_callers" {
			dir = graph.DirectionCallers
		}
		return handleTraverse(ctx, s.storage, symbol, file, int(depth), dir)
	case "callgraph_dot":
		file, _ := args["file"].(string)
		return handleDot(ctx, s.storage, file, s.dotOpts)
	default:
		return "", fmt.Errorf("unknown tool: %s", name)
	}
}

// ReadResource reads a resource by URI.
func (s *Server) ReadResource(ctx context.Context, uri string) (string, error) {
	switch uri {
	case "callgraph://overview":
		return getOverview(ctx, s.storage)
	case "callgraph://schema":
		return getSchema(), nil
	default:
		return "", fmt.Errorf("unknown resource: %s", uri)
	}
}

// Run serves line-delimited JSON-RPC on stdin and stdout.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	if stdin == nil || stdout == nil {
		return fmt.Errorf("stdin and stdout must not be nil")
	}

	reader := bufio.NewReader(stdin)
	// MCP stdio framing is one compact JSON message per line.
	encoder := json.NewEncoder(stdout)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line, err := reader.ReadBytes('\n')
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		var req map[string]any
		if err := json.Unmarshal(line, &req); err != nil {
			continue
		}

		// Notifications carry no id and get no response.
		if _, ok := req["id"]; !ok {
			continue
		}

		if err := encoder.Encode(s.handleRequest(ctx, req)); err != nil {
			return err
		}
	}
}

func (s *Server) handleRequest(ctx context.Context, req map[string]any) map[string]any {
	method, _ := req["method"].(string)
	id := req["id"]

	switch method {
	case "initialize":
		return s.handleInitialize(id)
	case "ping":
		return resultResponse(id, map[string]any{})
	case "tools/list":
		return s.handleToolsList(id)
	case "tools/call":
		return s.handleToolsCall(ctx, id, req)
	case "resources/list":
		return s.handleResourcesList(id)
	case "resources/read":
		return s.handleResourcesRead(ctx, id, req)
	default:
		return errorResponse(id, -32601, "Method not found: "+method)
	}
}

func (s *Server) handleInitialize(id any) map[string]any {
	return resultResponse(id, map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo": map[string]any{
			"name":    serverName,
			"version": serverVersion,
		},
		"capabilities": map[string]any{
			"tools":     map[string]any{"listChanged": false},
			"resources": map[string]any{"listChanged": false},
		},
	})
}

func (s *Server) handleToolsList(id any) map[string]any {
	tools := s.ListTools()
	toolList := make([]map[string]any, len(tools))
	for i, tool := range tools {
		var schemaMap map[string]any
		if schema, err := json.Marshal(tool.InputSchema); err == nil {
			_ = json.Unmarshal(schema, &schemaMap)
		}

		toolList[i] = map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"inputSchema": schemaMap,
		}
	}
	return resultResponse(id, map[string]any{"tools": toolList})
}

func (s *Server) handleToolsCall(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	name, _ := params["name"].(string)
	args, _ := params["arguments"].(map[string]any)

	result, err := s.CallTool(ctx, name, args)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return resultResponse(id, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": result},
		},
	})
}

func (s *Server) handleResourcesList(id any) map[string]any {
	resources := s.ListResources()
	resourceList := make([]map[string]any, len(resources))
	for i, res := range resources {
		resourceList[i] = map[string]any{
			"uri":         res.URI,
			"name":        res.Name,
			"description": res.Description,
			"mimeType":    res.MimeType,
		}
	}
	return resultResponse(id, map[string]any{"resources": resourceList})
}

func (s *Server) handleResourcesRead(ctx context.Context, id any, req map[string]any) map[string]any {
	params, _ := req["params"].(map[string]any)
	if params == nil {
		return errorResponse(id, -32602, "Invalid params")
	}

	uri, _ := params["uri"].(string)
	content, err := s.ReadResource(ctx, uri)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}

	return resultResponse(id, map[string]any{
		"contents": []map[string]any{
			{"uri": uri, "mimeType": "text/plain", "text": content},
		},
	})
}

// Tool Handlers

func handleFiles(ctx context.Context, store RunStore) (string, error) {
	runs, err := store.ListRuns(ctx)
	if err != nil {
		return "", fmt.Errorf("listing runs: %w", err)
	}
	if len(runs) == 0 {
		return "No files analysed yet. Run `axon-callgraph analyze` first.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## Analysed files (%d)\n\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(&sb, "- `%s`: %d symbols, %d calls\n", r.File, r.Symbols, r.Edges)
	}
	sb.WriteString("\nNext: Use callgraph_dot to fetch a file's graph.\n")
	return sb.String(), nil
}

func handleSymbol(ctx context.Context, store RunStore, symbol string) (string, error) {
	if symbol == "" {
		return "No symbol provided", nil
	}
	files, err := store.FindSymbol(ctx, symbol)
	if err != nil {
		return "", fmt.Errorf("finding %s: %w", symbol, err)
	}
	if len(files) == 0 {
		return fmt.Sprintf("Symbol '%s' not found in any call graph.", symbol), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s appears in %d file(s)\n\n", symbol, len(files))
	for _, f := range files {
		fmt.Fprintf(&sb, "- `%s`\n", f)
	}
	sb.WriteString("\nNext: Use callgraph_callers or callgraph_callees with a file to explore.\n")
	return sb.String(), nil
}

func handleTraverse(ctx context.Context, store RunStore, symbol, file string, depth int, dir graph.Direction) (string, error) {
	if symbol == "" {
		return "No symbol provided", nil
	}

	reaches, err := storage.TraverseSymbol(ctx, store, symbol, file, depth, dir)
	if err != nil {
		return "", err
	}
	if len(reaches) == 0 {
		if file != "" {
			return fmt.Sprintf("Symbol '%s' not found in the call graph of %s.", symbol, file), nil
		}
		return fmt.Sprintf("Symbol '%s' not found in any call graph.", symbol), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "## %s of %s (depth %d)\n", titleCase(string(dir)), symbol, depth)
	for _, r := range reaches {
		fmt.Fprintf(&sb, "\n### `%s` (%d)\n\n", r.File, len(r.Symbols))
		if len(r.Symbols) == 0 {
			sb.WriteString("(none)\n")
		}
		for _, name := range r.Symbols {
			fmt.Fprintf(&sb, "- %s\n", name)
		}
	}
	return sb.String(), nil
}

func handleDot(ctx context.Context, store RunStore, file string, opts []dot.Option) (string, error) {
	if file == "" {
		return "No file provided", nil
	}
	run, err := store.GetRun(ctx, file)
	if err != nil {
		return "", fmt.Errorf("loading run %s: %w", file, err)
	}
	if run == nil {
		return fmt.Sprintf("No call graph stored for %s.", file), nil
	}

	var sb strings.Builder
	if err := dot.Render(&sb, run.Symbols, run.Edges, opts...); err != nil {
		return "", fmt.Errorf("rendering %s: %w", file, err)
	}
	return sb.String(), nil
}

// Resource Handlers

func getOverview(ctx context.Context, store RunStore) (string, error) {
	runs, err := store.ListRuns(ctx)
	if err != nil {
		return "", fmt.Errorf("listing runs: %w", err)
	}

	symbols, edges := 0, 0
	for _, r := range runs {
		symbols += r.Symbols
		edges += r.Edges
	}

	var sb strings.Builder
	sb.WriteString("# Call Graph Overview\n\n")
	fmt.Fprintf(&sb, "**Files:** %d\n", len(runs))
	fmt.Fprintf(&sb, "**Symbols:** %d\n", symbols)
	fmt.Fprintf(&sb, "**Calls:** %d\n", edges)
	if len(runs) > 0 {
		sb.WriteString("\n## Largest graphs\n\n")
		for _, r := range largest(runs, 10) {
			fmt.Fprintf(&sb, "- `%s`: %d calls\n", r.File, r.Edges)
		}
	}
	return sb.String(), nil
}

func getSchema() string {
	var sb strings.Builder
	sb.WriteString("# Call Graph Schema\n\n")
	sb.WriteString("Each analysed file has its own graph. Only calls made from code inside\n")
	sb.WriteString("that file are recorded, and only calls whose target resolves statically.\n\n")
	sb.WriteString("## Symbol names\n\n")
	sb.WriteString("| Kind | Name |\n")
	sb.WriteString("|------|------|\n")
	sb.WriteString("| Function | `name` |\n")
	sb.WriteString("| Method | `Type::name` |\n")
	sb.WriteString("| Function of another package | `pkg.name` |\n")
	sb.WriteString("| Method of another package | `pkg.Type::name` |\n")
	sb.WriteString("\n## DOT layout\n\n")
	sb.WriteString("Edges come first, in the order they were discovered. Node labels follow,\n")
	sb.WriteString("one per symbol in id order. Ids start at 1.\n")
	return sb.String()
}

// largest returns up to n runs ordered by edge count, ties by file.
func largest(runs []storage.RunSummary, n int) []storage.RunSummary {
	sorted := slices.Clone(runs)
	slices.SortStableFunc(sorted, func(a, b storage.RunSummary) int {
		return cmp.Compare(b.Edges, a.Edges)
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

// Helper functions

func resultResponse(id any, result map[string]any) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"result":  result,
	}
}

func errorResponse(id any, code int, message string) map[string]any {
	return map[string]any{
		"jsonrpc": "2.0",
		"id":      id,
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
}
