// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import errors "gopkg.in/src-d/go-errors.v1"

var (
	// ErrMalformedArchive is returned when an archive cannot be scanned
	// past some offset. The whole run stops: a broken scan position
	// cannot be resumed safely.
	ErrMalformedArchive = errors.NewKind("archive %s: malformed at offset %d: %s")

	// ErrInvariantViolation signals a bug in interval map bookkeeping.
	ErrInvariantViolation = errors.NewKind("interval map invariant violated: %s")

	// ErrCorruptCheckpoint is returned when a checkpoint fails to load.
	ErrCorruptCheckpoint = errors.NewKind("checkpoint %s is corrupt: %s")

	// ErrNotScanned is returned by operations that need every archive
	// folded into the state first.
	ErrNotScanned = errors.NewKind("patch chain is in phase %s, scanning has not completed")

	// ErrUnsafePath is returned for target paths that would escape the
	// output directory.
	ErrUnsafePath = errors.NewKind("target path %q escapes the output directory")

	// ErrContentMismatch is reported by Verify for files that differ from
	// their reconstruction.
	ErrContentMismatch = errors.NewKind("%s differs from its reconstruction: %s")
)
