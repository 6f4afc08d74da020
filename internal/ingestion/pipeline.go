package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Benny93/axon-callgraph/internal/builder"
	"github.com/Benny93/axon-callgraph/internal/config"
	"github.com/Benny93/axon-callgraph/internal/dot"
	"github.com/Benny93/axon-callgraph/internal/graph"
	"github.com/Benny93/axon-callgraph/internal/parsers"
	"github.com/Benny93/axon-callgraph/internal/storage"
)

// LoadError reports that the front end could not load a primary file.
// The pipeline counts these per file and moves on.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("loading %s: %v", e.File, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// FileOptions configures RunFile.
type FileOptions struct {
	// DotOptions are passed to the DOT writer.
	DotOptions []dot.Option

	// Logger receives builder events at debug level. Defaults to slog.Default.
	Logger *slog.Logger

	// Observers are attached to the builder in addition to the logger.
	Observers []builder.Observer
}

// FileResult summarizes the analysis of one primary file.
type FileResult struct {
	Path     string
	Graph    *graph.CallGraph
	Stats    builder.Stats
	Warnings []string
	Duration time.Duration
}

// RunFile loads path, walks it into a builder and streams the DOT text to
// out. Front-end failures are returned as *LoadError; any other error
// comes from the output sink.
func RunFile(ctx context.Context, p parsers.Parser, path string, out io.Writer, opts FileOptions) (*FileResult, error) {
	start := time.Now()
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	u, err := p.Load(ctx, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, &LoadError{File: path, Err: err}
	}

	result := &FileResult{Path: path}
	for _, e := range u.Errors {
		result.Warnings = append(result.Warnings, e.Error())
	}

	builderOpts := []builder.Option{
		builder.WithObserver(result.Stats.Observe()),
		builder.WithObserver(builder.LogObserver(logger, path)),
	}
	for _, o := range opts.Observers {
		builderOpts = append(builderOpts, builder.WithObserver(o))
	}

	b := builder.New(u.Bounds(), dot.NewWriter(out, opts.DotOptions...), builderOpts...)
	if err := p.Walk(u, b); err != nil {
		return nil, fmt.Errorf("analysing %s: %w", path, err)
	}
	if err := b.Finish(); err != nil {
		return nil, fmt.Errorf("finishing %s: %w", path, err)
	}

	result.Graph = b.Graph()
	result.Duration = time.Since(start)
	return result, nil
}

// PipelineResult summarizes a pipeline run.
type PipelineResult struct {
	Files        int
	Analyzed     int
	Unchanged    int
	Failed       int
	Removed      int
	Symbols      int
	Edges        int
	DurationSecs float64
}

// ProgressCallback is called with phase name and progress (0.0-1.0).
type ProgressCallback func(phase string, progress float64)

// RunPipeline analyses every supported file of the repository, writing one
// DOT file per source file below cfg.OutputDir and persisting a run per
// file in store. Unless full is set, files whose own content and package
// are unchanged since the stored run are skipped. Runs of files that no longer exist are removed.
func RunPipeline(
	ctx context.Context,
	repoPath string,
	cfg *config.Config,
	store storage.StorageBackend,
	full bool,
	progress ProgressCallback,
) (*PipelineResult, error) {
	start := time.Now()
	result := &PipelineResult{}
	logger := slog.Default()

	repoPath, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving repo path: %w", err)
	}

	report(progress, "Walking files", 0.0)
	matcher, err := NewMatcher(repoPath, cfg)
	if err != nil {
		return nil, fmt.Errorf("loading ignore rules: %w", err)
	}
	entries, err := WalkRepo(repoPath, matcher, cfg.IncludeTests)
	if err != nil {
		return nil, fmt.Errorf("walking repo: %w", err)
	}
	result.Files = len(entries)
	report(progress, "Walking files", 1.0)

	// Phase 2: select changed files
	pending := entries
	if !full && store != nil {
		pending = pending[:0:0]
		pkgHashes := make(map[string]string)
		for _, entry := range entries {
			if unchanged(ctx, repoPath, cfg, store, entry, pkgHashes) {
				result.Unchanged++
				continue
			}
			pending = append(pending, entry)
		}
	}

	// Phase 3: analysis
	report(progress, "Analyzing files", 0.0)
	p := parsers.NewGoParser(parsers.WithLogger(logger))
	runs := make([]*storage.Run, len(pending))

	var (
		mu   sync.Mutex
		done int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i, entry := range pending {
		g.Go(func() error {
			run, err := analyzeEntry(gctx, p, repoPath, cfg, entry, logger)

			mu.Lock()
			defer mu.Unlock()
			done++
			report(progress, "Analyzing files", float64(done)/float64(len(pending)))

			var loadErr *LoadError
			if errors.As(err, &loadErr) {
				logger.Warn("skipping file", slog.String("file", entry.RelPath), slog.Any("error", loadErr.Err))
				result.Failed++
				return nil
			}
			if err != nil {
				return err
			}
			runs[i] = run
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report(progress, "Analyzing files", 1.0)

	// Phase 4: persist runs in file order
	report(progress, "Loading to storage", 0.0)
	for _, run := range runs {
		if run == nil {
			continue
		}
		result.Analyzed++
		result.Symbols += len(run.Symbols)
		result.Edges += len(run.Edges)
		if store == nil {
			continue
		}
		if err := store.SaveRun(ctx, run); err != nil {
			return nil, fmt.Errorf("saving run %s: %w", run.File, err)
		}
	}

	if store != nil {
		removed, err := pruneRuns(ctx, repoPath, cfg, store, entries)
		if err != nil {
			return nil, err
		}
		result.Removed = removed
	}
	report(progress, "Loading to storage", 1.0)

	result.DurationSecs = time.Since(start).Seconds()
	return result, nil
}

// PartialSuffix marks the DOT output of a run that stopped on a sink
// failure or cancellation. It holds the complete statements flushed before
// the run stopped; the previous DOT file is left untouched.
const PartialSuffix = ".partial"

// analyzeEntry runs one file and writes its DOT output. The output is
// written to a temporary file and renamed into place on success. Load
// failures discard it; any other failure keeps it next to the DOT file
// under PartialSuffix.
func analyzeEntry(ctx context.Context, p parsers.Parser, repoPath string, cfg *config.Config, entry FileEntry, logger *slog.Logger) (*storage.Run, error) {
	dotPath := cfg.DotPath(repoPath, entry.RelPath)
	if err := os.MkdirAll(filepath.Dir(dotPath), 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	pkgHash, err := packageHash(filepath.Dir(entry.Path))
	if err != nil {
		return nil, &LoadError{File: entry.Path, Err: err}
	}

	tmp, err := os.CreateTemp(filepath.Dir(dotPath), filepath.Base(dotPath)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("creating output file: %w", err)
	}
	defer os.Remove(tmp.Name())

	res, err := RunFile(ctx, p, entry.Path, tmp, FileOptions{
		DotOptions: cfg.DotOptions(),
		Logger:     logger,
	})
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = fmt.Errorf("closing output file: %w", closeErr)
	}
	var loadErr *LoadError
	if err != nil && !errors.As(err, &loadErr) {
		if renameErr := os.Rename(tmp.Name(), dotPath+PartialSuffix); renameErr != nil {
			logger.Warn("keeping partial output", slog.String("file", entry.RelPath), slog.Any("error", renameErr))
		}
	}
	if err != nil {
		return nil, err
	}

	if err := os.Rename(tmp.Name(), dotPath); err != nil {
		return nil, fmt.Errorf("writing %s: %w", dotPath, err)
	}
	_ = os.Remove(dotPath + PartialSuffix)

	run := storage.NewRun(entry.RelPath, entry.Language, res.Graph)
	run.Hash = entry.SHA256
	run.PackageHash = pkgHash
	run.Duration = res.Duration
	run.Warnings = res.Warnings

	logger.Debug("analysed file",
		slog.String("file", entry.RelPath),
		slog.Int("symbols", len(run.Symbols)),
		slog.Int("edges", len(run.Edges)),
		slog.Int("unresolved", res.Stats.Unresolved),
		slog.Duration("duration", res.Duration))

	return run, nil
}

// unchanged reports whether entry's stored run is current and its DOT file
// still exists. A run is current when neither the file nor any other file
// of its package changed. pkgHashes caches package hashes by directory.
func unchanged(ctx context.Context, repoPath string, cfg *config.Config, store storage.StorageBackend, entry FileEntry, pkgHashes map[string]string) bool {
	run, err := store.GetRun(ctx, entry.RelPath)
	if err != nil || run == nil || run.Hash != entry.SHA256 {
		return false
	}

	dir := filepath.Dir(entry.Path)
	pkgHash, ok := pkgHashes[dir]
	if !ok {
		if pkgHash, err = packageHash(dir); err != nil {
			return false
		}
		pkgHashes[dir] = pkgHash
	}
	if run.PackageHash != pkgHash {
		return false
	}

	_, err = os.Stat(cfg.DotPath(repoPath, entry.RelPath))
	return err == nil
}

// pruneRuns removes runs and DOT files of files that were not walked.
func pruneRuns(ctx context.Context, repoPath string, cfg *config.Config, store storage.StorageBackend, entries []FileEntry) (int, error) {
	present := make(map[string]bool, len(entries))
	for _, entry := range entries {
		present[entry.RelPath] = true
	}

	runs, err := store.ListRuns(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing runs: %w", err)
	}

	removed := 0
	for _, run := range runs {
		if present[run.File] {
			continue
		}
		if err := RemoveFile(ctx, repoPath, cfg, store, run.File); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// RemoveFile deletes the run and DOT output of a repository-relative file.
func RemoveFile(ctx context.Context, repoPath string, cfg *config.Config, store storage.StorageBackend, relPath string) error {
	if _, err := store.RemoveRun(ctx, relPath); err != nil {
		return fmt.Errorf("removing run %s: %w", relPath, err)
	}
	dotPath := cfg.DotPath(repoPath, relPath)
	for _, path := range []string{dotPath, dotPath + PartialSuffix} {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing output of %s: %w", relPath, err)
		}
	}
	return nil
}

func report(progress ProgressCallback, phase string, fraction float64) {
	if progress != nil {
		progress(phase, fraction)
	}
}
