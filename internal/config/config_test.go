package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "datanerd", cfg.Name)
	assert.Equal(t, 1e-6, cfg.Validation.Tolerance)
	assert.Equal(t, 1.0, cfg.Validation.AccuracyThreshold)
	assert.Equal(t, 0.85, cfg.Library.SimilarityFloor)
	assert.Equal(t, 5, cfg.Pipeline.MaxIterations)
	assert.True(t, cfg.Validation.SortByKey)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Pipeline.MaxIterations, cfg.Pipeline.MaxIterations)
}

func TestLoadParsesYAMLOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
pipeline:
  max_iterations: 9
validation:
  tolerance: 0.001
  sort_by_key: false
sandbox:
  timeout: 3s
  memory_limit: 64MB
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9, cfg.Pipeline.MaxIterations)
	assert.Equal(t, 0.001, cfg.Validation.Tolerance)
	assert.False(t, cfg.Validation.SortByKey)
	assert.Equal(t, 3*time.Second, cfg.GetSandboxTimeout())
	assert.Equal(t, int64(64<<20), cfg.GetSandboxMemoryLimit())

	// Untouched keys keep their defaults.
	assert.Equal(t, "gemini", cfg.Generator.Provider)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("pipeline: [not a map"), 0644))
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key-123")
	t.Setenv("DATANERD_DB", "/tmp/alt.db")
	t.Setenv("DATANERD_MODEL", "gemini-exp")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "test-key-123", cfg.Generator.APIKey)
	assert.Equal(t, "/tmp/alt.db", cfg.Library.DatabasePath)
	assert.Equal(t, "gemini-exp", cfg.Generator.Model)
	require.NoError(t, cfg.ValidateForGeneration())
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	cfg := DefaultConfig()
	cfg.Pipeline.MaxIterations = 7
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Pipeline.MaxIterations)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative tolerance", func(c *Config) { c.Validation.Tolerance = -1 }},
		{"threshold above one", func(c *Config) { c.Validation.AccuracyThreshold = 1.5 }},
		{"similarity floor above one", func(c *Config) { c.Library.SimilarityFloor = 2 }},
		{"zero iterations", func(c *Config) { c.Pipeline.MaxIterations = 0 }},
		{"bad export format", func(c *Config) { c.Export.Format = "xml" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestValidateForGenerationRequiresKey(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	cfg := DefaultConfig()
	cfg.Generator.APIKey = ""
	assert.Error(t, cfg.ValidateForGeneration())
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"256MB", 256 << 20},
		{"1GB", 1 << 30},
		{"64kb", 64 << 10},
		{"512B", 512},
		{"1024", 1024},
	}
	for _, tt := range tests {
		got, err := parseSize(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := parseSize("lots")
	assert.Error(t, err)
	_, err = parseSize("")
	assert.Error(t, err)
}
