// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
)

const verifyBufferSize = 64 << 10

// Verify compares every file under outDir with its reconstruction.
// Missing files, size differences and content differences are reported
// per path with ErrContentMismatch; the files are not modified.
func (p *PatchChain) Verify(ctx context.Context, outDir string) (*Report, error) {
	if phase := p.Phase(); phase != PhaseScanned && phase != PhaseDone {
		return nil, ErrNotScanned.New(phase)
	}

	report, err := p.forEachPath(ctx, func(h *handleCache, path string, parts *PartList) (uint64, error) {
		err := verifyFile(h, outDir, path, parts)
		if err != nil {
			p.logger.Warn("verify failed", "path", path, "error", err)
			return 0, err
		}
		return parts.End(), nil
	})
	if err != nil {
		return report, err
	}

	p.logger.Info("verify complete", "files", report.Files, "failed", len(report.Failed))
	return report, nil
}

func verifyFile(h *handleCache, outDir, path string, parts *PartList) error {
	target, err := targetPath(outDir, path)
	if err != nil {
		return err
	}

	f, err := os.Open(target)
	if err != nil {
		return ErrContentMismatch.New(path, err.Error())
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}
	if uint64(info.Size()) != parts.End() {
		return ErrContentMismatch.New(path, fmt.Sprintf("size %d, want %d", info.Size(), parts.End()))
	}

	want := make([]byte, verifyBufferSize)
	got := make([]byte, verifyBufferSize)
	for _, part := range parts.parts {
		r, err := h.partReader(part)
		if err != nil {
			return fmt.Errorf("part %s: %w", part, err)
		}
		disk := io.NewSectionReader(f, int64(part.TargetOffset), int64(part.TargetSize))

		offset := part.TargetOffset
		for remaining := part.TargetSize; remaining > 0; {
			n := int(min(remaining, verifyBufferSize))
			if _, err := io.ReadFull(r, want[:n]); err != nil {
				return fmt.Errorf("read part %s: %w", part, err)
			}
			if _, err := io.ReadFull(disk, got[:n]); err != nil {
				return fmt.Errorf("read %s at %d: %w", path, offset, err)
			}
			if !bytes.Equal(want[:n], got[:n]) {
				for i := range n {
					if want[i] != got[i] {
						return ErrContentMismatch.New(path, fmt.Sprintf("first difference at offset %d", offset+uint64(i)))
					}
				}
			}
			offset += uint64(n)
			remaining -= uint64(n)
		}
	}
	return nil
}
