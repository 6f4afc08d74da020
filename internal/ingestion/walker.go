// Package ingestion runs the call graph extractor over a repository.
package ingestion

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-git/v5/plumbing/format/gitignore"

	"github.com/Benny93/axon-callgraph/internal/config"
)

// FileEntry represents a file to be processed.
type FileEntry struct {
	// Path is the absolute file path.
	Path string

	// RelPath is the slash-separated path relative to the repo root.
	RelPath string

	// Language is the detected programming language.
	Language string

	// SHA256 is the hash of the file content.
	SHA256 string
}

// Supported file extensions and their languages.
var supportedExtensions = map[string]string{
	".go": "go",
}

// Default patterns to ignore (in addition to .gitignore).
var defaultIgnorePatterns = []string{
	".git/",
	".axon/",
	"vendor/",
	"testdata/",
	"node_modules/",
	".DS_Store",
}

// NewMatcher builds the ignore matcher for a repository: the default
// patterns, the output directory, the root .gitignore and cfg.Exclude.
func NewMatcher(repoPath string, cfg *config.Config) (gitignore.Matcher, error) {
	patterns := make([]gitignore.Pattern, 0, len(defaultIgnorePatterns)+len(cfg.Exclude)+1)

	for _, p := range defaultIgnorePatterns {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}
	patterns = append(patterns, gitignore.ParsePattern(strings.TrimSuffix(filepath.ToSlash(cfg.OutputDir), "/")+"/", nil))

	loaded, err := loadGitignore(repoPath)
	if err != nil {
		return nil, err
	}
	patterns = append(patterns, loaded...)

	for _, p := range cfg.Exclude {
		patterns = append(patterns, gitignore.ParsePattern(p, nil))
	}

	return gitignore.NewMatcher(patterns), nil
}

// WalkRepo walks the repository and returns all supported files in
// lexical order.
func WalkRepo(repoPath string, matcher gitignore.Matcher, includeTests bool) ([]FileEntry, error) {
	var entries []FileEntry

	err := filepath.WalkDir(repoPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		// Skip directories we don't want to traverse
		if d.IsDir() {
			if path != repoPath && shouldSkipDir(d.Name(), path, repoPath, matcher) {
				return filepath.SkipDir
			}
			return nil
		}

		if !shouldAnalyzeFile(path, repoPath, matcher, includeTests) {
			return nil
		}

		entry, err := newFileEntry(repoPath, path)
		if err != nil {
			return err
		}
		entries = append(entries, entry)
		return nil
	})

	return entries, err
}

// newFileEntry hashes the file at path.
func newFileEntry(repoPath, path string) (FileEntry, error) {
	relPath, err := filepath.Rel(repoPath, path)
	if err != nil {
		return FileEntry{}, err
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return FileEntry{}, err
	}
	hash := sha256.Sum256(content)

	return FileEntry{
		Path:     path,
		RelPath:  filepath.ToSlash(relPath),
		Language: getLanguage(path),
		SHA256:   hex.EncodeToString(hash[:]),
	}, nil
}

// packageHash hashes the names and contents of every Go file in dir.
// Calls of a file resolve against the whole package, so a run is only
// current while this hash is unchanged.
func packageHash(dir string) (string, error) {
	des, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}

	h := sha256.New()
	for _, de := range des {
		if de.IsDir() || getLanguage(de.Name()) == "" {
			continue
		}
		content, err := os.ReadFile(filepath.Join(dir, de.Name()))
		if err != nil {
			return "", err
		}
		sum := sha256.Sum256(content)
		h.Write([]byte(de.Name()))
		h.Write([]byte{0})
		h.Write(sum[:])
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// siblings returns the analysable files sharing a directory with path,
// path itself excluded.
func siblings(path, repoPath string, matcher gitignore.Matcher, includeTests bool) ([]string, error) {
	dir := filepath.Dir(path)
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, de := range des {
		sib := filepath.Join(dir, de.Name())
		if de.IsDir() || sib == path || !shouldAnalyzeFile(sib, repoPath, matcher, includeTests) {
			continue
		}
		out = append(out, sib)
	}
	return out, nil
}

// loadGitignore loads .gitignore patterns from the repository root.
func loadGitignore(repoPath string) ([]gitignore.Pattern, error) {
	content, err := os.ReadFile(filepath.Join(repoPath, ".gitignore"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var patterns []gitignore.Pattern
	for _, line := range strings.Split(string(content), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		patterns = append(patterns, gitignore.ParsePattern(line, nil))
	}

	return patterns, nil
}

// shouldAnalyzeFile reports whether the file at path is a supported,
// non-ignored source file.
func shouldAnalyzeFile(path, repoPath string, matcher gitignore.Matcher, includeTests bool) bool {
	if getLanguage(path) == "" {
		return false
	}
	if !includeTests && strings.HasSuffix(path, "_test.go") {
		return false
	}

	relPath, err := filepath.Rel(repoPath, path)
	if err != nil || strings.HasPrefix(relPath, "..") {
		return false
	}
	return matcher == nil || !matcher.Match(splitPath(relPath), false)
}

// getLanguage returns the language for a file extension.
func getLanguage(filename string) string {
	ext := strings.ToLower(filepath.Ext(filename))
	return supportedExtensions[ext]
}

// shouldSkipDir checks if a directory should be skipped.
func shouldSkipDir(name, path, repoRoot string, matcher gitignore.Matcher) bool {
	// Always skip .git
	if name == ".git" {
		return true
	}
	if matcher == nil {
		return false
	}

	relPath, err := filepath.Rel(repoRoot, path)
	if err != nil {
		return false
	}
	return matcher.Match(splitPath(relPath), true)
}

// splitPath splits a path into its components.
func splitPath(path string) []string {
	return strings.Split(path, string(filepath.Separator))
}
