// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

/*
Package zipatch reconstructs game files from a chain of ZiPatch archives.

A ZiPatch archive is a sequence of chunks, most of them SQPK commands that
add, delete, zero-fill or replace byte ranges of named target files. Applied
in order, a chain of archives describes the final content of every file. This
package computes that content without building any intermediate file: each
target path gets an interval map of parts, where every part points at the
archive bytes (raw or block-encoded) that currently own its range.

# Features

  - Streaming scanner for the ZiPatch chunk format, with optional CRC32 checks
  - Interval maps that split and re-link parts as operations override each other
  - Resumable scans through checkpoints (CBOR, zstd, BLAKE3 digest)
  - Parallel materialization with atomic per-file writes and sparse zero fill
  - Verification of written files against the reconstruction
  - An archive writer for building test and tooling archives

# Basic Usage

Reconstructing a directory of archives:

	paths, err := zipatch.ListPatchFiles("patches")
	if err != nil {
		log.Fatal(err)
	}

	chain, err := zipatch.OpenPatchChain(paths, zipatch.WithCheckpointDir("patches/.zipatch"))
	if err != nil {
		log.Fatal(err)
	}

	if err := chain.Scan(ctx); err != nil {
		log.Fatal(err)
	}

	report, err := chain.Materialize(ctx, "game")
	if err != nil {
		log.Fatal(err)
	}
	for path, err := range report.Failed {
		log.Printf("%s: %v", path, err)
	}

Writing an archive:

	w, err := zipatch.Create("out/D2024.01.01.0000.0000.patch")
	if err != nil {
		log.Fatal(err)
	}
	w.FileAdd("game/ffxivgame.ver", 0, []byte("2024.01.01.0000.0000"), true)
	if err := w.Close(); err != nil {
		log.Fatal(err)
	}

# Archive Order

[ListPatchFiles] orders archives by name ignoring the first character, so the
boot ("D") and game ("H") archives of one release share a timeline. Archives
must be scanned in that order; later archives win.

# Zero Fill

Zero ranges are never stored. With [ZeroFillSparse] (the default) they are
left to the final truncate and may become holes; [ZeroFillExplicit] writes
them out. Both produce identical file content.

# Limitations

  - SqPack index files are reconstructed byte for byte but not interpreted
  - Index add and delete commands (IA, ID) are accepted and ignored
*/
package zipatch
