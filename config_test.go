// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "zipatch.yaml")
	require.NoError(os.WriteFile(path, []byte(`
patch_dir: /srv/patches/game
output_dir: /srv/game
checkpoint_interval: 30s
checkpoint_bytes: 512MiB
verify_checksums: true
workers: 3
zero_fill: explicit
log_level: debug
log_format: json
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(err)
	require.Equal("/srv/patches/game", cfg.PatchDir)
	require.Equal("/srv/game", cfg.OutputDir)
	require.Equal(30*time.Second, cfg.CheckpointInterval)
	require.Equal(ByteSize(512<<20), cfg.CheckpointBytes)
	require.Equal("512 MiB", cfg.CheckpointBytes.String())
	require.True(cfg.VerifyChecksums)
	require.Equal(3, cfg.Workers)
	require.Equal(ZeroFillExplicit, cfg.ZeroFill)

	// Unset keys keep their defaults.
	require.Equal(2*time.Second, cfg.ProgressInterval)
	require.True(cfg.ResetOnFileAdd)
	require.Equal(256, cfg.MaxOpenFiles)

	cfg.Normalize()
	require.Equal(filepath.Join("/srv/patches/game", ".zipatch"), cfg.CheckpointDir)
	require.NoError(cfg.Validate())

	level, err := cfg.Level()
	require.NoError(err)
	require.Equal(slog.LevelDebug, level)
}

func TestLoadConfigByteSizes(t *testing.T) {
	testCases := []struct {
		value string
		want  ByteSize
		ok    bool
	}{
		{"1024", 1024, true},
		{"4GiB", 4 << 30, true},
		{"10 MB", 10_000_000, true},
		{"lots", 0, false},
		{"[1, 2]", 0, false},
	}

	for _, tt := range testCases {
		t.Run(tt.value, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "zipatch.yaml")
			require.NoError(t, os.WriteFile(path, []byte("checkpoint_bytes: "+tt.value+"\n"), 0o644))

			cfg, err := LoadConfig(path)
			if !tt.ok {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, cfg.CheckpointBytes)
		})
	}
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("workers: [not a number"), 0o644))
	_, err = LoadConfig(path)
	require.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.PatchDir = "patches"
		cfg.OutputDir = "out"
		return cfg
	}

	testCases := []struct {
		name   string
		mutate func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"scan only without output", func(c *Config) { c.OutputDir = ""; c.ScanOnly = true }, true},
		{"no patch dir", func(c *Config) { c.PatchDir = "" }, false},
		{"no output dir", func(c *Config) { c.OutputDir = "" }, false},
		{"zero workers", func(c *Config) { c.Workers = 0 }, false},
		{"zero max open files", func(c *Config) { c.MaxOpenFiles = 0 }, false},
		{"negative interval", func(c *Config) { c.CheckpointInterval = -time.Second }, false},
		{"bad zero fill", func(c *Config) { c.ZeroFill = "dense" }, false},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, false},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, false},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if tt.ok {
				require.NoError(t, cfg.Validate())
			} else {
				require.Error(t, cfg.Validate())
			}
		})
	}
}

func TestConfigOptions(t *testing.T) {
	require := require.New(t)

	cfg := DefaultConfig()
	cfg.CheckpointDir = "ckpt"
	cfg.CheckpointBytes = 1 << 20
	cfg.Workers = 5
	cfg.MaxOpenFiles = 9
	cfg.ZeroFill = ZeroFillExplicit
	cfg.ResetOnFileAdd = false

	logger := quietLogger()
	var o options
	for _, opt := range cfg.Options(logger) {
		opt(&o)
	}
	require.Equal(logger, o.logger)
	require.Equal("ckpt", o.checkpointDir)
	require.Equal(uint64(1<<20), o.checkpointBytes)
	require.Equal(5, o.workers)
	require.Equal(9, o.maxOpenFiles)
	require.Equal(ZeroFillExplicit, o.zeroFill)
	require.False(o.resetOnFileAdd)
	require.Equal(5*time.Minute, o.checkpointInterval)
}
