package storage

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// MemoryBackend is an in-memory implementation of StorageBackend for testing.
type MemoryBackend struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	indexed bool
}

// NewMemoryBackend creates a new in-memory storage backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		runs: make(map[string]*Run),
	}
}

// Initialize implements StorageBackend.
func (m *MemoryBackend) Initialize(path string, readOnly bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = make(map[string]*Run)
	}
	m.indexed = true
	return nil
}

// Close implements StorageBackend.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = nil
	m.indexed = false
	return nil
}

// SaveRun implements StorageBackend.
func (m *MemoryBackend) SaveRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runs == nil {
		return ErrNotInitialized
	}
	if run == nil || run.File == "" {
		return errors.New("saving run: file is required")
	}
	m.runs[run.File] = cloneRun(run)
	return nil
}

// GetRun implements StorageBackend.
func (m *MemoryBackend) GetRun(ctx context.Context, file string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.runs == nil {
		return nil, ErrNotInitialized
	}
	run, ok := m.runs[file]
	if !ok {
		return nil, nil
	}
	return cloneRun(run), nil
}

// ListRuns implements StorageBackend.
func (m *MemoryBackend) ListRuns(ctx context.Context) ([]RunSummary, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.runs == nil {
		return nil, ErrNotInitialized
	}
	var runs []RunSummary
	for _, file := range m.sortedFiles() {
		runs = append(runs, m.runs[file].Summary())
	}
	return runs, nil
}

// RemoveRun implements StorageBackend.
func (m *MemoryBackend) RemoveRun(ctx context.Context, file string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.runs == nil {
		return false, ErrNotInitialized
	}
	_, ok := m.runs[file]
	delete(m.runs, file)
	return ok, nil
}

// FindSymbol implements StorageBackend.
func (m *MemoryBackend) FindSymbol(ctx context.Context, name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.runs == nil {
		return nil, ErrNotInitialized
	}
	var files []string
	for _, file := range m.sortedFiles() {
		for _, sym := range m.runs[file].Symbols {
			if sym.Name == name {
				files = append(files, file)
				break
			}
		}
	}
	return files, nil
}

// RunCount implements StorageBackend.
func (m *MemoryBackend) RunCount(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.runs == nil {
		return 0, ErrNotInitialized
	}
	return len(m.runs), nil
}

// IsIndexed returns true if the backend has been initialized.
func (m *MemoryBackend) IsIndexed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.indexed
}

func (m *MemoryBackend) sortedFiles() []string {
	files := make([]string, 0, len(m.runs))
	for file := range m.runs {
		files = append(files, file)
	}
	slices.Sort(files)
	return files
}

func cloneRun(run *Run) *Run {
	c := *run
	c.Symbols = slices.Clone(run.Symbols)
	c.Edges = slices.Clone(run.Edges)
	c.Warnings = slices.Clone(run.Warnings)
	return &c
}
