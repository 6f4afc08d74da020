package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for different data types
const (
	prefixRun    = "run:" // run data, keyed by file
	prefixSymbol = "sym:" // symbol index: sym:<name>\x00<file> -> run id
)

const symbolSep = 0x00

// BadgerBackend is a BadgerDB-backed storage implementation.
type BadgerBackend struct {
	db          *badger.DB
	initialized bool
	mu          sync.RWMutex
}

// NewBadgerBackend creates a new BadgerDB backend.
func NewBadgerBackend() *BadgerBackend {
	return &BadgerBackend{}
}

// Initialize opens or creates the BadgerDB database at the given path.
func (b *BadgerBackend) Initialize(path string, readOnly bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	opts := badger.DefaultOptions(path).
		WithNumCompactors(2).
		WithNumMemtables(5).
		WithLoggingLevel(badger.ERROR) // Suppress INFO/WARNING logs

	if readOnly {
		opts = opts.WithReadOnly(true)
	}

	var err error
	b.db, err = badger.Open(opts)
	if err != nil {
		return fmt.Errorf("opening badger DB: %w", err)
	}

	b.initialized = true
	return nil
}

// Close releases all resources held by the backend.
func (b *BadgerBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.db == nil {
		return nil
	}

	err := b.db.Close()
	b.db = nil
	b.initialized = false
	return err
}

// SaveRun stores run and re-indexes its symbols. The previous run of the
// same file, if any, is replaced atomically.
func (b *BadgerBackend) SaveRun(ctx context.Context, run *Run) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return ErrNotInitialized
	}
	if run == nil || run.File == "" {
		return errors.New("saving run: file is required")
	}

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	return b.db.Update(func(txn *badger.Txn) error {
		old, err := getRun(txn, run.File)
		if err != nil {
			return err
		}
		if old != nil {
			if err := deleteSymbols(txn, old); err != nil {
				return err
			}
		}

		if err := txn.Set(runKey(run.File), data); err != nil {
			return fmt.Errorf("setting run: %w", err)
		}
		for _, sym := range run.Symbols {
			if err := txn.Set(symbolKey(sym.Name, run.File), []byte(run.ID)); err != nil {
				return fmt.Errorf("setting symbol index: %w", err)
			}
		}
		return nil
	})
}

// GetRun returns the run for file, or nil if not found.
func (b *BadgerBackend) GetRun(ctx context.Context, file string) (*Run, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrNotInitialized
	}

	var run *Run
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		run, err = getRun(txn, file)
		return err
	})
	return run, err
}

// ListRuns returns all runs ordered by file.
func (b *BadgerBackend) ListRuns(ctx context.Context) ([]RunSummary, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrNotInitialized
	}

	var runs []RunSummary
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRun)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var run Run
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &run)
			}); err != nil {
				return fmt.Errorf("unmarshaling run: %w", err)
			}
			runs = append(runs, run.Summary())
		}
		return nil
	})
	return runs, err
}

// RemoveRun deletes the run for file and its symbol index entries.
func (b *BadgerBackend) RemoveRun(ctx context.Context, file string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return false, ErrNotInitialized
	}

	var removed bool
	err := b.db.Update(func(txn *badger.Txn) error {
		old, err := getRun(txn, file)
		if err != nil || old == nil {
			return err
		}
		if err := deleteSymbols(txn, old); err != nil {
			return err
		}
		if err := txn.Delete(runKey(file)); err != nil {
			return fmt.Errorf("deleting run: %w", err)
		}
		removed = true
		return nil
	})
	return removed, err
}

// FindSymbol returns the files whose runs interned name, in key order.
func (b *BadgerBackend) FindSymbol(ctx context.Context, name string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return nil, ErrNotInitialized
	}

	prefix := symbolKey(name, "")
	var files []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			files = append(files, string(bytes.TrimPrefix(key, prefix)))
		}
		return nil
	})
	return files, err
}

// RunCount returns the number of stored runs.
func (b *BadgerBackend) RunCount(ctx context.Context) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if !b.initialized {
		return 0, ErrNotInitialized
	}

	count := 0
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefixRun)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

func getRun(txn *badger.Txn, file string) (*Run, error) {
	item, err := txn.Get(runKey(file))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("getting run: %w", err)
	}

	var run Run
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &run)
	}); err != nil {
		return nil, fmt.Errorf("unmarshaling run: %w", err)
	}
	return &run, nil
}

func deleteSymbols(txn *badger.Txn, run *Run) error {
	for _, sym := range run.Symbols {
		if err := txn.Delete(symbolKey(sym.Name, run.File)); err != nil {
			return fmt.Errorf("deleting symbol index: %w", err)
		}
	}
	return nil
}

func runKey(file string) []byte {
	return []byte(prefixRun + file)
}

// symbolKey builds sym:<name>\x00<file>. With an empty file it is the
// prefix of every entry for name.
func symbolKey(name, file string) []byte {
	key := make([]byte, 0, len(prefixSymbol)+len(name)+1+len(file))
	key = append(key, prefixSymbol...)
	key = append(key, name...)
	key = append(key, symbolSep)
	key = append(key, file...)
	return key
}
