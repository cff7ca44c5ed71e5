// Package config holds all datanerd configuration: YAML on disk, defaults
// in code, environment overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all datanerd configuration.
type Config struct {
	// Core settings
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	// Workspace root for logs, audit trail, and the pattern database
	Workspace string `yaml:"workspace"`

	// LLM program generation
	Generator GeneratorConfig `yaml:"generator"`

	// Sandbox execution limits
	Sandbox SandboxConfig `yaml:"sandbox"`

	// Validation thresholds
	Validation ValidationConfig `yaml:"validation"`

	// Pattern library storage and lookup
	Library LibraryConfig `yaml:"library"`

	// Iteration loop
	Pipeline PipelineConfig `yaml:"pipeline"`

	// Artifact export
	Export ExportConfig `yaml:"export"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`
}

// GeneratorConfig configures the LLM program generator.
type GeneratorConfig struct {
	Provider    string  `yaml:"provider"` // gemini
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	Timeout     string  `yaml:"timeout"`
	Temperature float64 `yaml:"temperature"`
}

// SandboxConfig configures the interpreter sandbox.
type SandboxConfig struct {
	Timeout     string `yaml:"timeout"`
	MemoryLimit string `yaml:"memory_limit"` // e.g. "256MB"
	MaxOutputKB int    `yaml:"max_output_kb"`
}

// ValidationConfig configures output comparison.
type ValidationConfig struct {
	Tolerance         float64 `yaml:"tolerance"`
	AccuracyThreshold float64 `yaml:"accuracy_threshold"`
	MismatchSamples   int     `yaml:"mismatch_samples"`
	SortByKey         bool    `yaml:"sort_by_key"`
}

// LibraryConfig configures the pattern library.
type LibraryConfig struct {
	DatabasePath    string  `yaml:"database_path"`
	SimilarityFloor float64 `yaml:"similarity_floor"`
}

// PipelineConfig configures the iteration loop.
type PipelineConfig struct {
	MaxIterations int  `yaml:"max_iterations"`
	UseLibrary    bool `yaml:"use_library"`
	SaveArtifacts bool `yaml:"save_artifacts"`
}

// ExportConfig configures artifact export.
type ExportConfig struct {
	Directory string `yaml:"directory"`
	Format    string `yaml:"format"` // csv, json
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level     string `yaml:"level"` // debug, info, warn, error
	DebugMode bool   `yaml:"debug_mode"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:      "datanerd",
		Version:   "0.3.0",
		Workspace: ".",

		Generator: GeneratorConfig{
			Provider:    "gemini",
			Model:       "gemini-2.0-flash",
			Timeout:     "120s",
			Temperature: 0.2,
		},

		Sandbox: SandboxConfig{
			Timeout:     "10s",
			MemoryLimit: "256MB",
			MaxOutputKB: 64,
		},

		Validation: ValidationConfig{
			Tolerance:         1e-6,
			AccuracyThreshold: 1.0,
			MismatchSamples:   20,
			SortByKey:         true,
		},

		Library: LibraryConfig{
			DatabasePath:    "data/patterns.db",
			SimilarityFloor: 0.85,
		},

		Pipeline: PipelineConfig{
			MaxIterations: 5,
			UseLibrary:    true,
			SaveArtifacts: true,
		},

		Export: ExportConfig{
			Directory: "out",
			Format:    "csv",
		},

		Logging: LoggingConfig{
			Level:     "info",
			DebugMode: false,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; a malformed one is an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Generator.APIKey = key
		if c.Generator.Provider == "" {
			c.Generator.Provider = "gemini"
		}
	}
	if model := os.Getenv("DATANERD_MODEL"); model != "" {
		c.Generator.Model = model
	}
	if path := os.Getenv("DATANERD_DB"); path != "" {
		c.Library.DatabasePath = path
	}
	if ws := os.Getenv("DATANERD_WORKSPACE"); ws != "" {
		c.Workspace = ws
	}
}

// GetGeneratorTimeout returns the generator timeout as a duration.
func (c *Config) GetGeneratorTimeout() time.Duration {
	d, err := time.ParseDuration(c.Generator.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// GetSandboxTimeout returns the sandbox execution timeout as a duration.
func (c *Config) GetSandboxTimeout() time.Duration {
	d, err := time.ParseDuration(c.Sandbox.Timeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}

// GetSandboxMemoryLimit returns the sandbox memory limit in bytes.
func (c *Config) GetSandboxMemoryLimit() int64 {
	n, err := parseSize(c.Sandbox.MemoryLimit)
	if err != nil {
		return 256 << 20
	}
	return n
}

// parseSize parses sizes like "64KB", "256MB", "1GB", or a bare byte count.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	mult := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		mult = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		mult = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		mult = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return n * mult, nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Validation.Tolerance < 0 {
		return fmt.Errorf("validation tolerance must be non-negative, got %g", c.Validation.Tolerance)
	}
	if c.Validation.AccuracyThreshold < 0 || c.Validation.AccuracyThreshold > 1 {
		return fmt.Errorf("accuracy threshold must be in [0, 1], got %g", c.Validation.AccuracyThreshold)
	}
	if c.Library.SimilarityFloor < 0 || c.Library.SimilarityFloor > 1 {
		return fmt.Errorf("similarity floor must be in [0, 1], got %g", c.Library.SimilarityFloor)
	}
	if c.Pipeline.MaxIterations < 1 {
		return fmt.Errorf("max iterations must be at least 1, got %d", c.Pipeline.MaxIterations)
	}
	switch c.Export.Format {
	case "csv", "json":
	default:
		return fmt.Errorf("invalid export format: %s (valid: csv, json)", c.Export.Format)
	}
	return nil
}

// ValidateForGeneration additionally requires generator credentials; the
// library-only paths do not need them.
func (c *Config) ValidateForGeneration() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Generator.APIKey == "" {
		return fmt.Errorf("generator API key not configured (set GEMINI_API_KEY)")
	}
	if c.Generator.Provider != "gemini" {
		return fmt.Errorf("invalid generator provider: %s (valid: gemini)", c.Generator.Provider)
	}
	return nil
}
