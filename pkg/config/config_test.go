package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.toml")
	cfg, resolved, exists, err := Load(path)
	require.NoError(t, err)
	require.False(t, exists)
	require.Equal(t, path, resolved)
	require.Equal(t, 0.90, cfg.Dedup.MergeThreshold)
	require.Equal(t, 0.30, cfg.Dedup.OverlapThreshold)
	require.Equal(t, 50, cfg.Ingest.BatchSize)
	require.True(t, filepath.IsAbs(cfg.Store.Path))
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
[store]
path = ":memory:"

[ingest]
source_name = "discovery"
batch_size = 10

[dedup]
merge_threshold = 0.95
overlap_threshold = 0.4

[logging]
level = "DEBUG"
`)
	cfg, _, exists, err := Load(path)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, ":memory:", cfg.Store.Path)
	require.Equal(t, "discovery", cfg.Ingest.SourceName)
	require.Equal(t, 10, cfg.Ingest.BatchSize)
	require.Equal(t, 4, cfg.Ingest.Workers)
	require.Equal(t, 0.95, cfg.Dedup.MergeThreshold)
	require.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "[dedup]\nmerge_treshold = 0.9\n")
	_, _, _, err := Load(path)
	require.Error(t, err)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "[ingest]\nworkers = 2\n")
	t.Setenv("DOCDEDUP_WORKERS", "8")
	t.Setenv("DOCDEDUP_DB", ":memory:")
	t.Setenv("DOCDEDUP_MERGE_THRESHOLD", "0.92")
	cfg, _, _, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Ingest.Workers)
	require.Equal(t, ":memory:", cfg.Store.Path)
	require.Equal(t, 0.92, cfg.Dedup.MergeThreshold)

	t.Setenv("DOCDEDUP_WORKERS", "many")
	_, _, _, err = Load(path)
	require.ErrorContains(t, err, "DOCDEDUP_WORKERS")
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"overlap above merge", func(c *Config) { c.Dedup.OverlapThreshold = 0.95 }},
		{"overlap equals merge", func(c *Config) { c.Dedup.OverlapThreshold = c.Dedup.MergeThreshold }},
		{"merge above one", func(c *Config) { c.Dedup.MergeThreshold = 1.2 }},
		{"zero batch", func(c *Config) { c.Ingest.BatchSize = 0 }},
		{"zero workers", func(c *Config) { c.Ingest.Workers = 0 }},
		{"negative margin", func(c *Config) { c.Dedup.AmbiguityMargin = -0.1 }},
		{"bad level", func(c *Config) { c.Logging.Level = "chatty" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			require.Error(t, cfg.Validate())
		})
	}
	cfg := Default()
	require.NoError(t, cfg.Validate())
}

func TestCreateSampleLoads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")
	require.NoError(t, CreateSample(path))
	cfg, _, exists, err := Load(path)
	require.NoError(t, err)
	require.True(t, exists)
	def := Default()
	require.Equal(t, def.Dedup, cfg.Dedup)
	require.Equal(t, def.Ingest, cfg.Ingest)
}
