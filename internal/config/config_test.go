package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
}

func TestLoad(t *testing.T) {
	t.Parallel()

	t.Run("MissingFileYieldsDefaults", func(t *testing.T) {
		t.Parallel()
		cfg, err := Load(t.TempDir())
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
		assert.Equal(t, ".callgraph", cfg.OutputDir)
		assert.Equal(t, "callgraph", cfg.GraphName)
		assert.Equal(t, "n", cfg.NodePrefix)
		assert.False(t, cfg.IncludeTests)
	})

	t.Run("OverridesKeepUnsetDefaults", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeConfig(t, dir, `
output_dir: out
node_prefix: sym_
include_tests: true
exclude:
  - "generated/"
  - "*.pb.go"
neo4j:
  password: secret
`)
		cfg, err := Load(dir)
		require.NoError(t, err)
		assert.Equal(t, "out", cfg.OutputDir)
		assert.Equal(t, "sym_", cfg.NodePrefix)
		assert.Equal(t, "callgraph", cfg.GraphName)
		assert.True(t, cfg.IncludeTests)
		assert.Equal(t, []string{"generated/", "*.pb.go"}, cfg.Exclude)
		assert.Equal(t, "secret", cfg.Neo4j.Password)
		assert.Equal(t, "neo4j", cfg.Neo4j.User)
	})

	t.Run("MalformedYAML", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeConfig(t, dir, "output_dir: [unterminated\n")
		_, err := Load(dir)
		assert.Error(t, err)
	})

	t.Run("InvalidValues", func(t *testing.T) {
		t.Parallel()
		dir := t.TempDir()
		writeConfig(t, dir, "graph_name: \"call graph\"\nlog_level: loud\n")
		_, err := Load(dir)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "graph_name")
		assert.Contains(t, err.Error(), "log_level")
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"Defaults", func(*Config) {}, false},
		{"EmptyOutputDir", func(c *Config) { c.OutputDir = " " }, true},
		{"AbsoluteOutputDir", func(c *Config) { c.OutputDir = "/tmp/out" }, true},
		{"PrefixWithDigitStart", func(c *Config) { c.NodePrefix = "1n" }, true},
		{"UnderscorePrefix", func(c *Config) { c.NodePrefix = "_" }, false},
		{"EmptyGraphName", func(c *Config) { c.GraphName = "" }, true},
		{"KeywordGraphName", func(c *Config) { c.GraphName = "Graph" }, true},
		{"WarnLevel", func(c *Config) { c.LogLevel = "WARN" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	for name, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"":        slog.LevelInfo,
		"info":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"Error":   slog.LevelError,
	} {
		got, err := ParseLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseLevel("trace")
	assert.Error(t, err)

	cfg := Default()
	cfg.LogLevel = "trace"
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestSaveRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := Default()
	cfg.Exclude = []string{"vendor/"}
	cfg.IncludeTests = true
	require.NoError(t, cfg.Save(dir))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestPaths(t *testing.T) {
	t.Parallel()

	cfg := Default()
	assert.Equal(t, filepath.Join("repo", ".callgraph", "badger"), cfg.StorePath("repo"))
	assert.Equal(t, filepath.Join("repo", ".callgraph", "dot", "pkg", "a.go.dot"), cfg.DotPath("repo", "pkg/a.go"))
	assert.Len(t, cfg.DotOptions(), 2)
}
