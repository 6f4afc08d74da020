// Package config loads the per-repository project file .callgraph.yaml.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/Benny93/axon-callgraph/internal/dot"
)

// FileName is the project file looked up in the repository root.
const FileName = ".callgraph.yaml"

const (
	// DefaultOutputDir is where DOT files and the run store are written,
	// relative to the repository root.
	DefaultOutputDir = ".callgraph"

	// DefaultLogLevel is used when log_level is unset.
	DefaultLogLevel = "info"
)

// Config is the project configuration.
type Config struct {
	// OutputDir receives one DOT file per analysed source file and the
	// badger store.
	OutputDir string `yaml:"output_dir"`

	// GraphName and NodePrefix control the DOT header and node ids.
	GraphName  string `yaml:"graph_name"`
	NodePrefix string `yaml:"node_prefix"`

	// Exclude lists gitignore-style patterns skipped by the repo walker.
	Exclude []string `yaml:"exclude"`

	// IncludeTests analyses _test.go files as well.
	IncludeTests bool `yaml:"include_tests"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	Neo4j Neo4jConfig `yaml:"neo4j"`
}

// Neo4jConfig holds the connection settings used by the export command.
type Neo4jConfig struct {
	URI      string `yaml:"uri"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
}

// Default returns the configuration used when no project file exists.
func Default() *Config {
	return &Config{
		OutputDir:  DefaultOutputDir,
		GraphName:  dot.DefaultGraphName,
		NodePrefix: dot.DefaultNodePrefix,
		LogLevel:   DefaultLogLevel,
		Neo4j: Neo4jConfig{
			URI:  "neo4j://localhost:7687",
			User: "neo4j",
		},
	}
}

// Load reads FileName from root. A missing file yields Default.
// Unset fields keep their defaults.
func Load(root string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(root, FileName))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", FileName, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", FileName, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}

	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.OutputDir) == "" {
		errs = append(errs, errors.New("output_dir must not be empty"))
	}
	if filepath.IsAbs(c.OutputDir) {
		errs = append(errs, fmt.Errorf("output_dir %q must be relative to the repository root", c.OutputDir))
	}
	if !dot.ValidID(c.GraphName) {
		errs = append(errs, fmt.Errorf("graph_name %q is not a DOT identifier", c.GraphName))
	}
	if !dot.ValidID(c.NodePrefix) {
		errs = append(errs, fmt.Errorf("node_prefix %q is not a DOT identifier", c.NodePrefix))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// SlogLevel returns the configured log level, Info when unparsable.
func (c *Config) SlogLevel() slog.Level {
	level, err := ParseLevel(c.LogLevel)
	if err != nil {
		return slog.LevelInfo
	}
	return level
}

// ParseLevel maps a level name to a slog.Level. The empty string is Info.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log_level %q", name)
}

// Save writes c to FileName in root.
func (c *Config) Save(root string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, FileName), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", FileName, err)
	}
	return nil
}

// StorePath returns the badger directory for a repository.
func (c *Config) StorePath(root string) string {
	return filepath.Join(root, c.OutputDir, "badger")
}

// DotPath returns where the DOT file for a repository-relative source path
// is written.
func (c *Config) DotPath(root, rel string) string {
	return filepath.Join(root, c.OutputDir, "dot", filepath.FromSlash(rel)+".dot")
}

// DotOptions returns the writer options derived from c.
func (c *Config) DotOptions() []dot.Option {
	return []dot.Option{dot.WithGraphName(c.GraphName), dot.WithNodePrefix(c.NodePrefix)}
}
