package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Benny93/axon-callgraph/internal/config"
)

// writeFiles creates files below dir, creating parent directories.
func writeFiles(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for path, content := range files {
		fullPath := filepath.Join(dir, filepath.FromSlash(path))
		require.NoError(t, os.MkdirAll(filepath.Dir(fullPath), 0o755))
		require.NoError(t, os.WriteFile(fullPath, []byte(content), 0o644))
	}
}

func relPaths(entries []FileEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.RelPath)
	}
	return out
}

func TestWalkRepo(t *testing.T) {
	t.Parallel()

	tmpDir := t.TempDir()
	writeFiles(t, tmpDir, map[string]string{
		"main.go":             "package main",
		"main_test.go":        "package main",
		"pkg/util.go":         "package pkg",
		"pkg/gen/api.pb.go":   "package gen",
		"vendor/dep/dep.go":   "package dep",
		"testdata/input.go":   "package input",
		"ignored/skip.go":     "package ignored",
		".callgraph/stray.go": "package stray",
		"README.md":           "# README",
		".gitignore":          "# comment\nignored/\n",
	})

	cfg := config.Default()
	cfg.Exclude = []string{"*.pb.go"}

	matcher, err := NewMatcher(tmpDir, cfg)
	require.NoError(t, err)

	t.Run("SkipsIgnoredAndTests", func(t *testing.T) {
		entries, err := WalkRepo(tmpDir, matcher, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"main.go", "pkg/util.go"}, relPaths(entries))
	})

	t.Run("IncludeTests", func(t *testing.T) {
		entries, err := WalkRepo(tmpDir, matcher, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"main.go", "main_test.go", "pkg/util.go"}, relPaths(entries))
	})

	t.Run("NilMatcherOnlyFiltersExtensions", func(t *testing.T) {
		entries, err := WalkRepo(tmpDir, nil, false)
		require.NoError(t, err)
		assert.Contains(t, relPaths(entries), "vendor/dep/dep.go")
		assert.NotContains(t, relPaths(entries), "README.md")
	})

	t.Run("EntryFields", func(t *testing.T) {
		entries, err := WalkRepo(tmpDir, matcher, false)
		require.NoError(t, err)
		require.NotEmpty(t, entries)

		e := entries[0]
		hash := sha256.Sum256([]byte("package main"))
		assert.Equal(t, filepath.Join(tmpDir, "main.go"), e.Path)
		assert.Equal(t, "go", e.Language)
		assert.Equal(t, hex.EncodeToString(hash[:]), e.SHA256)
	})
}

func TestLoadGitignore(t *testing.T) {
	t.Parallel()

	t.Run("Missing", func(t *testing.T) {
		patterns, err := loadGitignore(t.TempDir())
		require.NoError(t, err)
		assert.Empty(t, patterns)
	})

	t.Run("SkipsCommentsAndBlankLines", func(t *testing.T) {
		dir := t.TempDir()
		writeFiles(t, dir, map[string]string{".gitignore": "# build output\n\nbin/\n*.tmp\n"})
		patterns, err := loadGitignore(dir)
		require.NoError(t, err)
		assert.Len(t, patterns, 2)
	})
}

func TestShouldAnalyzeFile(t *testing.T) {
	t.Parallel()

	repo := t.TempDir()
	cfg := config.Default()
	matcher, err := NewMatcher(repo, cfg)
	require.NoError(t, err)

	tests := []struct {
		path         string
		includeTests bool
		want         bool
	}{
		{"main.go", false, true},
		{"MAIN.GO", false, true},
		{"main_test.go", false, false},
		{"main_test.go", true, true},
		{"main.py", false, false},
		{"vendor/x.go", false, false},
		{".callgraph/dot/x.go", false, false},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			got := shouldAnalyzeFile(filepath.Join(repo, filepath.FromSlash(tt.path)), repo, matcher, tt.includeTests)
			assert.Equal(t, tt.want, got)
		})
	}

	assert.False(t, shouldAnalyzeFile(filepath.Join(filepath.Dir(repo), "outside.go"), repo, matcher, false))
}
