// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

// zipatch-rebuild reconstructs the files described by a directory of
// ZiPatch archives. Archives are scanned in order into a resumable
// interval map, then every file is written out in parallel.
//
// Interrupting a scan (SIGINT, SIGTERM) writes a checkpoint; running the
// same command again resumes from it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	zipatch "github.com/suprsokr/go-zipatch"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath   string
		showVersion  bool
		flagCfg      = zipatch.DefaultConfig()
		zeroFillFlag string
	)

	flagSet := pflag.NewFlagSet("zipatch-rebuild", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to YAML config file")
	flagSet.StringVar(&flagCfg.PatchDir, "patch-dir", "", "directory of *.patch archives")
	flagSet.StringVar(&flagCfg.OutputDir, "output", "", "directory to write reconstructed files to")
	flagSet.StringVar(&flagCfg.CheckpointDir, "checkpoint-dir", "", "checkpoint directory (default: <patch-dir>/.zipatch)")
	flagSet.IntVar(&flagCfg.Workers, "workers", flagCfg.Workers, "materialization workers")
	flagSet.StringVar(&zeroFillFlag, "zero-fill", string(flagCfg.ZeroFill), "zero fill policy: sparse or explicit")
	flagSet.BoolVar(&flagCfg.Verify, "verify", false, "compare output files with the reconstruction after writing")
	flagSet.BoolVar(&flagCfg.VerifyChecksums, "verify-checksums", false, "verify chunk CRC32 footers while scanning")
	flagSet.StringVar(&flagCfg.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flagSet.StringVar(&flagCfg.LogLevel, "log-level", flagCfg.LogLevel, "log level: debug, info, warn, error")
	flagSet.StringVar(&flagCfg.LogFormat, "log-format", flagCfg.LogFormat, "log format: text or json")
	flagSet.BoolVar(&flagCfg.ScanOnly, "scan-only", false, "scan and checkpoint without writing files")
	flagSet.BoolVar(&showVersion, "version", false, "print version and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			printHelp(flagSet)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		printHelp(flagSet)
		return nil
	}
	if showVersion {
		fmt.Printf("zipatch-rebuild %s\n", version)
		return nil
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cfg, err := zipatch.LoadConfig(configPath)
	if err != nil {
		return err
	}
	flagCfg.ZeroFill = zipatch.ZeroFill(zeroFillFlag)
	applyFlags(flagSet, cfg, flagCfg)
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		shutdown, err := serveMetrics(cfg.MetricsAddr, logger)
		if err != nil {
			return err
		}
		defer shutdown()
	}

	return rebuild(ctx, cfg, logger)
}

// applyFlags copies the flags set on the command line over cfg.
func applyFlags(flagSet *pflag.FlagSet, cfg, flags *zipatch.Config) {
	set := func(name string, apply func()) {
		if flagSet.Changed(name) {
			apply()
		}
	}
	set("patch-dir", func() { cfg.PatchDir = flags.PatchDir })
	set("output", func() { cfg.OutputDir = flags.OutputDir })
	set("checkpoint-dir", func() { cfg.CheckpointDir = flags.CheckpointDir })
	set("workers", func() { cfg.Workers = flags.Workers })
	set("zero-fill", func() { cfg.ZeroFill = flags.ZeroFill })
	set("verify", func() { cfg.Verify = flags.Verify })
	set("verify-checksums", func() { cfg.VerifyChecksums = flags.VerifyChecksums })
	set("metrics-addr", func() { cfg.MetricsAddr = flags.MetricsAddr })
	set("log-level", func() { cfg.LogLevel = flags.LogLevel })
	set("log-format", func() { cfg.LogFormat = flags.LogFormat })
	set("scan-only", func() { cfg.ScanOnly = flags.ScanOnly })
}

func newLogger(cfg *zipatch.Config) (*slog.Logger, error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
}

func serveMetrics(addr string, logger *slog.Logger) (func(), error) {
	registry := prometheus.NewRegistry()
	if err := zipatch.RegisterMetrics(registry); err != nil {
		return nil, fmt.Errorf("register metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		logger.Info("metrics server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}, nil
}

func rebuild(ctx context.Context, cfg *zipatch.Config, logger *slog.Logger) error {
	paths, err := zipatch.ListPatchFiles(cfg.PatchDir)
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		return fmt.Errorf("no *.patch archives in %s", cfg.PatchDir)
	}

	chain, err := zipatch.OpenPatchChain(paths, cfg.Options(logger)...)
	if err != nil {
		return err
	}

	start := time.Now()
	if err := chain.Scan(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("scan interrupted, rerun to resume: %w", err)
		}
		return fmt.Errorf("scan: %w", err)
	}
	state, err := chain.State()
	if err != nil {
		return err
	}
	fmt.Printf("scanned %d archives into %d files in %s\n",
		len(state.Archives), len(state.Files), time.Since(start).Round(time.Millisecond))

	if cfg.ScanOnly {
		return nil
	}

	report, err := chain.Materialize(ctx, cfg.OutputDir)
	if err != nil {
		return fmt.Errorf("materialize: %w", err)
	}
	fmt.Printf("materialized %d files (%s)\n", report.Files, humanize.IBytes(report.Bytes))
	failed := printFailures("failed to materialize", report)

	if cfg.Verify {
		verified, err := chain.Verify(ctx, cfg.OutputDir)
		if err != nil {
			return fmt.Errorf("verify: %w", err)
		}
		fmt.Printf("verified %d files\n", verified.Files)
		failed += printFailures("failed verification", verified)
	}

	if failed > 0 {
		return fmt.Errorf("%d paths failed", failed)
	}
	return nil
}

func printFailures(what string, report *zipatch.Report) int {
	paths := make([]string, 0, len(report.Failed))
	for path := range report.Failed {
		paths = append(paths, path)
	}
	slices.Sort(paths)
	for _, path := range paths {
		fmt.Printf("%s: %s: %v\n", what, path, report.Failed[path])
	}
	return len(paths)
}

func printHelp(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `zipatch-rebuild reconstructs the files described by a directory of
ZiPatch archives.

Usage:
  zipatch-rebuild --patch-dir DIR --output DIR [flags]

Settings can also be given in a YAML file with --config; flags given on
the command line override the file.

Flags:
`)
	flagSet.SetOutput(os.Stderr)
	flagSet.PrintDefaults()
}
