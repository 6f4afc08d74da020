package ingestion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/Benny93/axon-callgraph/internal/config"
	"github.com/Benny93/axon-callgraph/internal/parsers"
	"github.com/Benny93/axon-callgraph/internal/storage"
)

// DefaultBatchDelay is how long the watcher waits after the last event
// before re-analysing.
const DefaultBatchDelay = 2 * time.Second

// BatchResult reports one processed batch of changes.
type BatchResult struct {
	Analyzed []string
	Removed  []string
	Failed   []string
}

// Watcher re-analyses files of a repository as they change.
type Watcher struct {
	repoPath string
	cfg      *config.Config
	store    storage.StorageBackend
	parser   parsers.Parser
	matcher  gitignore.Matcher
	logger   *slog.Logger

	delay   time.Duration
	onBatch func(BatchResult)
}

// WatchOption configures a Watcher.
type WatchOption func(*Watcher)

// WithBatchDelay overrides DefaultBatchDelay.
func WithBatchDelay(d time.Duration) WatchOption {
	return func(w *Watcher) {
		w.delay = d
	}
}

// WithBatchHandler is called after every processed batch.
func WithBatchHandler(fn func(BatchResult)) WatchOption {
	return func(w *Watcher) {
		w.onBatch = fn
	}
}

// NewWatcher creates a watcher for repoPath.
func NewWatcher(repoPath string, cfg *config.Config, store storage.StorageBackend, opts ...WatchOption) (*Watcher, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolving repo path: %w", err)
	}
	matcher, err := NewMatcher(abs, cfg)
	if err != nil {
		return nil, fmt.Errorf("loading ignore rules: %w", err)
	}

	w := &Watcher{
		repoPath: abs,
		cfg:      cfg,
		store:    store,
		matcher:  matcher,
		logger:   slog.Default(),
		delay:    DefaultBatchDelay,
	}
	w.parser = parsers.NewGoParser(parsers.WithLogger(w.logger))
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// WatchRepo monitors a repository for file changes and re-analyses
// automatically. Blocks until the context is cancelled.
func WatchRepo(ctx context.Context, repoPath string, cfg *config.Config, store storage.StorageBackend) error {
	w, err := NewWatcher(repoPath, cfg, store)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Run watches until ctx is cancelled. The returned error is ctx.Err() on
// cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fw.Close()

	if err := w.addDirs(fw, w.repoPath); err != nil {
		return fmt.Errorf("setting up watcher: %w", err)
	}

	// Batch changed files for efficient re-analysis
	changed := make(map[string]bool)
	batchTimer := time.NewTimer(w.delay)
	batchTimer.Stop() // Don't start yet
	defer batchTimer.Stop()

	w.logger.Info("watching for changes", slog.String("repo", w.repoPath))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if !shouldSkipDir(info.Name(), event.Name, w.repoPath, w.matcher) {
						if err := w.addDirs(fw, event.Name); err != nil {
							w.logger.Warn("watching new directory", slog.String("dir", event.Name), slog.Any("error", err))
						}
					}
					continue
				}
			}

			if !shouldAnalyzeFile(event.Name, w.repoPath, w.matcher, w.cfg.IncludeTests) {
				continue
			}
			changed[event.Name] = true

			// Start/restart batch timer
			batchTimer.Reset(w.delay)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", slog.Any("error", err))

		case <-batchTimer.C:
			if len(changed) == 0 {
				continue
			}
			paths := make([]string, 0, len(changed))
			for path := range changed {
				paths = append(paths, path)
			}
			changed = make(map[string]bool)

			batch, err := w.ProcessChanges(ctx, paths)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				w.logger.Error("processing changes", slog.Any("error", err))
			}
			if w.onBatch != nil {
				w.onBatch(batch)
			}
		}
	}
}

// ProcessChanges re-analyses existing files among paths and removes the
// runs of deleted ones. Every other file of a changed file's package is
// re-analysed too, since its calls may resolve differently now. Paths are
// absolute; they are processed in order.
func (w *Watcher) ProcessChanges(ctx context.Context, paths []string) (BatchResult, error) {
	var batch BatchResult
	paths = w.withSiblings(paths)

	for _, path := range paths {
		rel, err := filepath.Rel(w.repoPath, path)
		if err != nil {
			continue
		}
		rel = filepath.ToSlash(rel)

		entry, err := newFileEntry(w.repoPath, path)
		if errors.Is(err, fs.ErrNotExist) {
			if err := RemoveFile(ctx, w.repoPath, w.cfg, w.store, rel); err != nil {
				return batch, err
			}
			batch.Removed = append(batch.Removed, rel)
			w.logger.Info("removed", slog.String("file", rel))
			continue
		}
		if err != nil {
			w.logger.Warn("reading changed file", slog.String("file", path), slog.Any("error", err))
			continue
		}

		run, err := analyzeEntry(ctx, w.parser, w.repoPath, w.cfg, entry, w.logger)
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			w.logger.Warn("skipping file", slog.String("file", entry.RelPath), slog.Any("error", loadErr.Err))
			batch.Failed = append(batch.Failed, entry.RelPath)
			continue
		}
		if err != nil {
			return batch, err
		}

		if err := w.store.SaveRun(ctx, run); err != nil {
			return batch, fmt.Errorf("saving run %s: %w", run.File, err)
		}
		batch.Analyzed = append(batch.Analyzed, entry.RelPath)
		w.logger.Info("re-analysed",
			slog.String("file", entry.RelPath),
			slog.Int("symbols", len(run.Symbols)),
			slog.Int("edges", len(run.Edges)))
	}

	return batch, nil
}

// withSiblings adds the package siblings of paths, sorted and without
// duplicates.
func (w *Watcher) withSiblings(paths []string) []string {
	out := slices.Clone(paths)
	seen := make(map[string]bool)
	for _, path := range paths {
		dir := filepath.Dir(path)
		if seen[dir] {
			continue
		}
		seen[dir] = true

		sibs, err := siblings(path, w.repoPath, w.matcher, w.cfg.IncludeTests)
		if err != nil {
			w.logger.Debug("listing package files", slog.String("dir", dir), slog.Any("error", err))
			continue
		}
		out = append(out, sibs...)
	}
	slices.Sort(out)
	return slices.Compact(out)
}

// addDirs watches root and every non-ignored directory below it.
func (w *Watcher) addDirs(fw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.repoPath && shouldSkipDir(d.Name(), path, w.repoPath, w.matcher) {
			return filepath.SkipDir
		}
		return fw.Add(path)
	})
}
