// Package cmd provides CLI command implementations for axon-callgraph.
package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"

	"github.com/Benny93/axon-callgraph/internal/config"
	"github.com/Benny93/axon-callgraph/internal/dot"
	"github.com/Benny93/axon-callgraph/internal/export"
	"github.com/Benny93/axon-callgraph/internal/graph"
	"github.com/Benny93/axon-callgraph/internal/ingestion"
	"github.com/Benny93/axon-callgraph/internal/parsers"
	"github.com/Benny93/axon-callgraph/internal/storage"
	"github.com/Benny93/axon-callgraph/mcp"
)

// Version is set at build time via ldflags.
var Version = "dev"

const metaFile = "meta.json"

// Globals are the flags shared by every command.
type Globals struct {
	Root    string `short:"C" default:"." type:"path" help:"Repository root"`
	Verbose bool   `short:"v" help:"Enable debug logging"`
	Quiet   bool   `short:"q" help:"Suppress non-essential output"`

	Stdout io.Writer `kong:"-"`
	Stderr io.Writer `kong:"-"`
}

func (g *Globals) out() io.Writer {
	if g.Stdout != nil {
		return g.Stdout
	}
	return os.Stdout
}

func (g *Globals) errOut() io.Writer {
	if g.Stderr != nil {
		return g.Stderr
	}
	return os.Stderr
}

// root returns the absolute repository root.
func (g *Globals) root() (string, error) {
	root := g.Root
	if root == "" {
		root = "."
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	return abs, nil
}

// setup loads the repository config and installs the default logger.
// --verbose and --quiet override the configured level.
func (g *Globals) setup(root string) (*config.Config, error) {
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}

	level := cfg.SlogLevel()
	switch {
	case g.Verbose:
		level = slog.LevelDebug
	case g.Quiet:
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(g.errOut(), &slog.HandlerOptions{Level: level})))
	return cfg, nil
}

func (g *Globals) success(format string, args ...any) {
	color.New(color.FgGreen).Fprintf(g.out(), format+"\n", args...)
}

// InitCmd writes the default configuration file.
type InitCmd struct {
	Force bool `short:"f" help:"Overwrite an existing config file"`
}

// Run executes the init command.
func (c *InitCmd) Run(g *Globals) error {
	root, err := g.root()
	if err != nil {
		return err
	}

	path := filepath.Join(root, config.FileName)
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Default().Save(root); err != nil {
		return err
	}

	g.success("Wrote %s", path)
	return nil
}

// DotCmd prints the call graph of one primary file as DOT.
type DotCmd struct {
	File   string   `arg:"" type:"existingfile" help:"Primary Go source file"`
	Output string   `short:"o" type:"path" help:"Write DOT to this file instead of stdout"`
	Name   string   `help:"Digraph name (overrides config)"`
	Prefix string   `help:"Node identifier prefix (overrides config)"`
	Tags   []string `help:"Build tags used when loading the package"`
}

// Run executes the dot command.
func (c *DotCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	root, err := g.root()
	if err != nil {
		return err
	}
	cfg, err := g.setup(root)
	if err != nil {
		return err
	}

	opts := cfg.DotOptions()
	if c.Name != "" {
		if !dot.ValidID(c.Name) {
			return fmt.Errorf("invalid graph name %q", c.Name)
		}
		opts = append(opts, dot.WithGraphName(c.Name))
	}
	if c.Prefix != "" {
		if !dot.ValidID(c.Prefix) {
			return fmt.Errorf("invalid node prefix %q", c.Prefix)
		}
		opts = append(opts, dot.WithNodePrefix(c.Prefix))
	}

	var parserOpts []parsers.GoOption
	if len(c.Tags) > 0 {
		parserOpts = append(parserOpts, parsers.WithBuildFlags("-tags="+strings.Join(c.Tags, ",")))
	}

	out := g.out()
	var f *lazyFile
	if c.Output != "" {
		f = &lazyFile{path: c.Output}
		defer func() { _ = f.Close() }()
		out = f
		opts = append(opts, dot.WithSync(f.Sync))
	}

	res, err := ingestion.RunFile(ctx, parsers.NewGoParser(parserOpts...), c.File, out, ingestion.FileOptions{DotOptions: opts})
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		slog.Warn("type error", slog.String("error", w))
	}
	slog.Info("call graph written",
		slog.String("file", c.File),
		slog.Int("symbols", res.Graph.NodeCount()),
		slog.Int("edges", res.Graph.EdgeCount()),
		slog.Int("unresolved", res.Stats.Unresolved),
		slog.Duration("duration", res.Duration))

	if f != nil {
		if err := f.Close(); err != nil {
			return fmt.Errorf("closing output: %w", err)
		}
	}
	return nil
}

// lazyFile creates its file on the first write, so a load failure leaves
// no empty output behind.
type lazyFile struct {
	path string
	f    *os.File
}

func (l *lazyFile) Write(p []byte) (int, error) {
	if l.f == nil {
		f, err := os.Create(l.path)
		if err != nil {
			return 0, fmt.Errorf("creating output: %w", err)
		}
		l.f = f
	}
	return l.f.Write(p)
}

func (l *lazyFile) Sync() error {
	if l.f == nil {
		return nil
	}
	return l.f.Sync()
}

func (l *lazyFile) Close() error {
	if l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	return f.Close()
}

// AnalyzeCmd writes the call graph of every file of a repository.
type AnalyzeCmd struct {
	Path string `arg:"" optional:"" type:"path" help:"Path to repository (defaults to --root)"`
	Full bool   `help:"Re-analyse files whose content did not change"`
}

// Run executes the analyze command.
func (c *AnalyzeCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	root, err := g.root()
	if err != nil {
		return err
	}
	if c.Path != "" {
		if root, err = filepath.Abs(c.Path); err != nil {
			return fmt.Errorf("resolving path: %w", err)
		}
	}

	info, err := os.Stat(root)
	if err != nil {
		return fmt.Errorf("accessing %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	cfg, err := g.setup(root)
	if err != nil {
		return err
	}

	outDir := filepath.Join(root, cfg.OutputDir)
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.OutputDir, err)
	}

	store := storage.NewBadgerBackend()
	if err := store.Initialize(cfg.StorePath(root), false); err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	var progress ingestion.ProgressCallback
	if !g.Quiet {
		g.success("Analysing %s", root)
		progress = func(phase string, pct float64) {
			fmt.Fprintf(g.errOut(), "\r\033[K%s (%.0f%%)", phase, pct*100)
		}
	}

	result, err := ingestion.RunPipeline(ctx, root, cfg, store, c.Full, progress)
	if progress != nil {
		fmt.Fprintln(g.errOut())
	}
	if err != nil {
		return fmt.Errorf("running pipeline: %w", err)
	}

	if err := writeMeta(outDir, root, result); err != nil {
		return err
	}

	if g.Quiet {
		return nil
	}
	w := g.out()
	g.success("✓ Analysis complete")
	fmt.Fprintf(w, "  Files:      %d\n", result.Files)
	fmt.Fprintf(w, "  Analysed:   %d\n", result.Analyzed)
	fmt.Fprintf(w, "  Unchanged:  %d\n", result.Unchanged)
	fmt.Fprintf(w, "  Failed:     %d\n", result.Failed)
	fmt.Fprintf(w, "  Removed:    %d\n", result.Removed)
	fmt.Fprintf(w, "  Symbols:    %d\n", result.Symbols)
	fmt.Fprintf(w, "  Calls:      %d\n", result.Edges)
	fmt.Fprintf(w, "  Duration:   %.2fs\n", result.DurationSecs)
	fmt.Fprintf(w, "  Output:     %s\n", filepath.Join(outDir, "dot"))
	return nil
}

// meta is the summary of the last analysis, stored next to the index.
type meta struct {
	Version   string                    `json:"version"`
	Name      string                    `json:"name"`
	Path      string                    `json:"path"`
	Stats     *ingestion.PipelineResult `json:"stats"`
	IndexedAt string                    `json:"indexed_at"`
}

func writeMeta(outDir, root string, result *ingestion.PipelineResult) error {
	data, err := json.MarshalIndent(meta{
		Version:   Version,
		Name:      filepath.Base(root),
		Path:      root,
		Stats:     result,
		IndexedAt: time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", metaFile, err)
	}
	if err := os.WriteFile(filepath.Join(outDir, metaFile), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", metaFile, err)
	}
	return nil
}

func readMeta(outDir string) (*meta, error) {
	data, err := os.ReadFile(filepath.Join(outDir, metaFile))
	if err != nil {
		return nil, err
	}
	var m meta
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", metaFile, err)
	}
	return &m, nil
}

// ListCmd lists the analysed files.
type ListCmd struct{}

// Run executes the list command.
func (c *ListCmd) Run(g *Globals) error {
	store, _, err := g.loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	runs, err := store.ListRuns(context.Background())
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(g.out(), "No analysed files found")
		return nil
	}

	w := g.out()
	for _, r := range runs {
		fmt.Fprintf(w, "%-40s %4d symbols %4d calls  %s\n", r.File, r.Symbols, r.Edges, r.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

// ShowCmd prints the stored call graph of a file as DOT.
type ShowCmd struct {
	File string `arg:"" help:"Repository-relative path of the primary file"`
}

// Run executes the show command.
func (c *ShowCmd) Run(g *Globals) error {
	store, cfg, err := g.loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	run, err := store.GetRun(context.Background(), filepath.ToSlash(c.File))
	if err != nil {
		return err
	}
	if run == nil {
		return fmt.Errorf("no call graph stored for %s", c.File)
	}
	return dot.Render(g.out(), run.Symbols, run.Edges, cfg.DotOptions()...)
}

// FindCmd lists the files whose call graph mentions a symbol.
type FindCmd struct {
	Symbol string `arg:"" help:"Canonical symbol name (name or Type::method)"`
}

// Run executes the find command.
func (c *FindCmd) Run(g *Globals) error {
	store, _, err := g.loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	files, err := store.FindSymbol(context.Background(), c.Symbol)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return fmt.Errorf("symbol '%s' not found", c.Symbol)
	}
	for _, f := range files {
		fmt.Fprintln(g.out(), f)
	}
	return nil
}

// Traversal holds the flags shared by callers and callees.
type Traversal struct {
	Symbol string `arg:"" help:"Canonical symbol name (name or Type::method)"`
	File   string `short:"f" help:"Only search the call graph of this file"`
	Depth  int    `short:"d" default:"1" help:"Traversal depth (max 10)"`
}

func (t *Traversal) run(g *Globals, dir graph.Direction) error {
	store, _, err := g.loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	reaches, err := storage.TraverseSymbol(context.Background(), store, t.Symbol, filepath.ToSlash(t.File), t.Depth, dir)
	if err != nil {
		return err
	}
	if len(reaches) == 0 {
		return fmt.Errorf("symbol '%s' not found", t.Symbol)
	}

	w := g.out()
	for i, r := range reaches {
		if i > 0 {
			fmt.Fprintln(w)
		}
		color.New(color.Bold).Fprintf(w, "%s\n", r.File)
		if len(r.Symbols) == 0 {
			fmt.Fprintf(w, "  (no %s)\n", dir)
		}
		for _, name := range r.Symbols {
			fmt.Fprintf(w, "  %s\n", name)
		}
	}
	return nil
}

// CallersCmd shows what calls a symbol.
type CallersCmd struct {
	Traversal
}

// Run executes the callers command.
func (c *CallersCmd) Run(g *Globals) error {
	return c.run(g, graph.DirectionCallers)
}

// CalleesCmd shows what a symbol calls.
type CalleesCmd struct {
	Traversal
}

// Run executes the callees command.
func (c *CalleesCmd) Run(g *Globals) error {
	return c.run(g, graph.DirectionCallees)
}

// WatchCmd re-analyses files as they change.
type WatchCmd struct{}

// Run executes the watch command.
func (c *WatchCmd) Run(g *Globals) error {
	root, err := g.root()
	if err != nil {
		return err
	}
	cfg, err := g.setup(root)
	if err != nil {
		return err
	}

	store := storage.NewBadgerBackend()
	if err := store.Initialize(cfg.StorePath(root), false); err != nil {
		return fmt.Errorf("initializing storage: %w", err)
	}
	defer func() { _ = store.Close() }()

	fmt.Fprintf(g.out(), "Watching %s for changes (Ctrl+C to stop)\n", root)

	ctx, stop := signalContext()
	defer stop()

	err = ingestion.WatchRepo(ctx, root, cfg, store)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("watch error: %w", err)
	}

	fmt.Fprintln(g.out(), "Watch mode stopped.")
	return nil
}

// MCPCmd serves the stored call graphs over MCP on stdio.
type MCPCmd struct {
	Watch bool `short:"w" help:"Re-analyse changed files while serving"`
}

// Run executes the mcp command.
func (c *MCPCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	root, err := g.root()
	if err != nil {
		return err
	}
	cfg, err := g.setup(root)
	if err != nil {
		return err
	}

	store := storage.NewBadgerBackend()
	if err := store.Initialize(cfg.StorePath(root), !c.Watch); err != nil {
		return fmt.Errorf("initializing storage (run 'axon-callgraph analyze' first): %w", err)
	}
	defer func() { _ = store.Close() }()

	if c.Watch {
		go func() {
			err := ingestion.WatchRepo(ctx, root, cfg, store)
			if err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("watch error", slog.Any("error", err))
			}
		}()
	}

	// stdout carries JSON-RPC only.
	return mcp.NewServer(store, cfg.DotOptions()...).ServeStdio(ctx)
}

// ExportCmd loads the stored call graphs into Neo4j.
type ExportCmd struct {
	URI      string `help:"Neo4j URI (overrides config)"`
	User     string `help:"Neo4j user (overrides config)"`
	Password string `env:"NEO4J_PASSWORD" help:"Neo4j password (overrides config)"`
}

// Run executes the export command.
func (c *ExportCmd) Run(g *Globals) error {
	ctx, stop := signalContext()
	defer stop()

	store, cfg, err := g.loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	conn := cfg.Neo4j
	if c.URI != "" {
		conn.URI = c.URI
	}
	if c.User != "" {
		conn.User = c.User
	}
	if c.Password != "" {
		conn.Password = c.Password
	}

	runs, err := loadRuns(ctx, store)
	if err != nil {
		return err
	}

	loader, err := export.NewNeo4jLoader(ctx, conn.URI, conn.User, conn.Password)
	if err != nil {
		return err
	}
	defer func() { _ = loader.Close(ctx) }()

	n, err := loader.Export(ctx, runs)
	if err != nil {
		return fmt.Errorf("exported %d of %d files: %w", n, len(runs), err)
	}
	g.success("Exported %d files to %s", n, conn.URI)
	return nil
}

func loadRuns(ctx context.Context, store storage.StorageBackend) ([]*storage.Run, error) {
	summaries, err := store.ListRuns(ctx)
	if err != nil {
		return nil, err
	}
	runs := make([]*storage.Run, 0, len(summaries))
	for _, s := range summaries {
		run, err := store.GetRun(ctx, s.File)
		if err != nil {
			return nil, err
		}
		if run != nil {
			runs = append(runs, run)
		}
	}
	return runs, nil
}

// StatusCmd shows the analysis status of the repository.
type StatusCmd struct{}

// Run executes the status command.
func (c *StatusCmd) Run(g *Globals) error {
	store, cfg, err := g.loadStorage()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	root, err := g.root()
	if err != nil {
		return err
	}
	count, err := store.RunCount(context.Background())
	if err != nil {
		return err
	}

	w := g.out()
	fmt.Fprintf(w, "Analysis status for %s\n", root)
	fmt.Fprintf(w, "  Stored files:   %d\n", count)

	m, err := readMeta(filepath.Join(root, cfg.OutputDir))
	switch {
	case errors.Is(err, os.ErrNotExist):
		return nil
	case err != nil:
		return err
	}
	fmt.Fprintf(w, "  Version:        %s\n", m.Version)
	fmt.Fprintf(w, "  Last analysed:  %s\n", m.IndexedAt)
	if m.Stats != nil {
		fmt.Fprintf(w, "  Symbols:        %d\n", m.Stats.Symbols)
		fmt.Fprintf(w, "  Calls:          %d\n", m.Stats.Edges)
		fmt.Fprintf(w, "  Failed:         %d\n", m.Stats.Failed)
	}
	return nil
}

// CleanCmd deletes the output directory of the repository.
type CleanCmd struct {
	Force bool `short:"f" help:"Skip confirmation"`

	Stdin io.Reader `kong:"-"`
}

// Run executes the clean command.
func (c *CleanCmd) Run(g *Globals) error {
	root, err := g.root()
	if err != nil {
		return err
	}
	cfg, err := g.setup(root)
	if err != nil {
		return err
	}

	outDir := filepath.Join(root, cfg.OutputDir)
	if _, err := os.Stat(outDir); os.IsNotExist(err) {
		return fmt.Errorf("no output found at %s. Nothing to clean", outDir)
	}

	if !c.Force {
		in := c.Stdin
		if in == nil {
			in = os.Stdin
		}
		fmt.Fprintf(g.out(), "Delete %s? [y/N] ", outDir)
		var response string
		_, _ = fmt.Fscanln(in, &response)
		if response != "y" && response != "Y" {
			fmt.Fprintln(g.out(), "Aborted")
			return nil
		}
	}

	if err := os.RemoveAll(outDir); err != nil {
		return fmt.Errorf("deleting output: %w", err)
	}

	g.success("Deleted %s", outDir)
	return nil
}

// Helper functions

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// loadStorage opens the repository's store read-only.
func (g *Globals) loadStorage() (*storage.BadgerBackend, *config.Config, error) {
	root, err := g.root()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := g.setup(root)
	if err != nil {
		return nil, nil, err
	}

	dbPath := cfg.StorePath(root)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, nil, fmt.Errorf("no call graphs found at %s. Run 'axon-callgraph analyze' first", root)
	}

	store := storage.NewBadgerBackend()
	if err := store.Initialize(dbPath, true); err != nil {
		return nil, nil, fmt.Errorf("initializing storage: %w", err)
	}
	return store, cfg, nil
}

// CLI is the root Kong command structure.
type CLI struct {
	Globals

	Version kong.VersionFlag `help:"Show version information"`

	// Commands
	Init    InitCmd    `cmd:"" help:"Write a default .callgraph.yaml"`
	Dot     DotCmd     `cmd:"" help:"Print the call graph of one file as DOT"`
	Analyze AnalyzeCmd `cmd:"" help:"Write call graphs for every file of a repository"`
	List    ListCmd    `cmd:"" help:"List analysed files"`
	Show    ShowCmd    `cmd:"" help:"Print the stored call graph of a file"`
	Find    FindCmd    `cmd:"" help:"List files whose call graph mentions a symbol"`
	Callers CallersCmd `cmd:"" help:"Show what calls a symbol"`
	Callees CalleesCmd `cmd:"" help:"Show what a symbol calls"`
	Watch   WatchCmd   `cmd:"" help:"Re-analyse files as they change"`
	MCP     MCPCmd     `cmd:"" help:"Start MCP server (stdio transport)"`
	Export  ExportCmd  `cmd:"" help:"Load stored call graphs into Neo4j"`
	Status  StatusCmd  `cmd:"" help:"Show analysis status of the repository"`
	Clean   CleanCmd   `cmd:"" help:"Delete the output directory"`
}

// NewCLI creates a new CLI instance.
func NewCLI() *CLI {
	return &CLI{}
}

func (c *CLI) parser(opts ...kong.Option) (*kong.Kong, error) {
	base := []kong.Option{
		kong.Name("axon-callgraph"),
		kong.Description("Static call graph extractor for Go"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact:             true,
			NoExpandSubcommands: true,
		}),
		kong.Vars{
			"version": Version,
		},
		kong.Bind(&c.Globals),
	}
	return kong.New(c, append(base, opts...)...)
}

// Execute parses args and executes the selected command.
func (c *CLI) Execute(args []string) error {
	parser, err := c.parser()
	if err != nil {
		return err
	}
	kongCtx, err := parser.Parse(args)
	parser.FatalIfErrorf(err)
	return kongCtx.Run()
}
