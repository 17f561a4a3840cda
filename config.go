// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// ZeroFill selects how zero parts are materialized.
type ZeroFill string

const (
	// ZeroFillSparse skips zero parts and sizes the file with a truncate,
	// leaving holes where the filesystem supports them.
	ZeroFillSparse ZeroFill = "sparse"
	// ZeroFillExplicit writes zero parts as zero bytes.
	ZeroFillExplicit ZeroFill = "explicit"
)

// ByteSize is a byte count that reads from YAML either as an integer or
// as a human readable size such as "4GiB".
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: byte size must be a scalar", node.Line)
	}
	n, err := humanize.ParseBytes(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*b = ByteSize(n)
	return nil
}

// String formats the size in IEC units.
func (b ByteSize) String() string {
	return humanize.IBytes(uint64(b))
}

// Config holds the settings of a reconstruction run.
type Config struct {
	// Inputs and outputs
	PatchDir      string `yaml:"patch_dir"`
	OutputDir     string `yaml:"output_dir"`
	CheckpointDir string `yaml:"checkpoint_dir"`
	ScanOnly      bool   `yaml:"scan_only"`

	// Scanning
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
	CheckpointBytes    ByteSize      `yaml:"checkpoint_bytes"`
	ProgressInterval   time.Duration `yaml:"progress_interval"`
	VerifyChecksums    bool          `yaml:"verify_checksums"`
	ResetOnFileAdd     bool          `yaml:"reset_on_file_add"`

	// Materialization
	Workers      int      `yaml:"workers"`
	MaxOpenFiles int      `yaml:"max_open_files"`
	ZeroFill     ZeroFill `yaml:"zero_fill"`
	Verify       bool     `yaml:"verify"`

	// Observability
	LogLevel    string `yaml:"log_level"`
	LogFormat   string `yaml:"log_format"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// DefaultConfig returns a config with every default applied.
func DefaultConfig() *Config {
	return &Config{
		CheckpointInterval: 5 * time.Minute,
		CheckpointBytes:    4 << 30,
		ProgressInterval:   2 * time.Second,
		ResetOnFileAdd:     true,
		Workers:            runtime.NumCPU(),
		MaxOpenFiles:       256,
		ZeroFill:           ZeroFillSparse,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// LoadConfig reads a YAML config file over the defaults. An empty path
// returns the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Normalize fills settings derived from other settings.
func (c *Config) Normalize() {
	if c.CheckpointDir == "" && c.PatchDir != "" {
		c.CheckpointDir = filepath.Join(c.PatchDir, ".zipatch")
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.PatchDir == "" {
		return fmt.Errorf("patch_dir is required")
	}
	if c.OutputDir == "" && !c.ScanOnly {
		return fmt.Errorf("output_dir is required")
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.MaxOpenFiles <= 0 {
		return fmt.Errorf("max_open_files must be positive, got %d", c.MaxOpenFiles)
	}
	if c.CheckpointInterval < 0 || c.ProgressInterval < 0 {
		return fmt.Errorf("intervals must not be negative")
	}
	switch c.ZeroFill {
	case ZeroFillSparse, ZeroFillExplicit:
	default:
		return fmt.Errorf("unknown zero_fill %q (want sparse or explicit)", c.ZeroFill)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (want text or json)", c.LogFormat)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the configured log level.
func (c *Config) Level() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("unknown log_level %q: %w", c.LogLevel, err)
	}
	return level, nil
}

// Options converts the config into patch chain options.
func (c *Config) Options(logger *slog.Logger) []Option {
	return []Option{
		WithLogger(logger),
		WithCheckpointDir(c.CheckpointDir),
		WithCheckpointInterval(c.CheckpointInterval),
		WithCheckpointBytes(uint64(c.CheckpointBytes)),
		WithProgressInterval(c.ProgressInterval),
		WithVerifyChecksums(c.VerifyChecksums),
		WithResetOnFileAdd(c.ResetOnFileAdd),
		WithWorkers(c.Workers),
		WithMaxOpenFiles(c.MaxOpenFiles),
		WithZeroFill(c.ZeroFill),
	}
}
