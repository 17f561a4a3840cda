// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/errgroup"
)

// Report summarizes a per-path pass over the reconstruction state.
// A failed path never stops the other paths.
type Report struct {
	Files  int              // Paths that succeeded
	Bytes  uint64           // Bytes written or compared
	Failed map[string]error // Paths that failed, with the reason
}

// Err returns nil when every path succeeded.
func (r *Report) Err() error {
	if len(r.Failed) == 0 {
		return nil
	}
	return fmt.Errorf("%d of %d paths failed", len(r.Failed), len(r.Failed)+r.Files)
}

// Materialize writes every reconstructed file under outDir. Each file is
// written to a temp file next to its target and renamed into place, so
// a target is either absent, the previous content, or complete.
func (p *PatchChain) Materialize(ctx context.Context, outDir string) (*Report, error) {
	prev, err := p.beginPhase(PhaseMaterializing, PhaseScanned, PhaseDone)
	if err != nil {
		if prev < PhaseScanned {
			return nil, ErrNotScanned.New(prev)
		}
		return nil, err
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		p.setPhase(prev)
		return nil, fmt.Errorf("create output directory: %w", err)
	}

	p.logger.Info("materializing", "files", len(p.state.Files), "output", outDir, "zero_fill", p.opts.zeroFill)

	report, err := p.forEachPath(ctx, func(h *handleCache, path string, parts *PartList) (uint64, error) {
		n, err := p.materializeFile(h, outDir, path, parts)
		if err != nil {
			MaterializedFiles.WithLabelValues("failed").Inc()
			p.logger.Warn("materialize failed", "path", path, "error", err)
			return 0, err
		}
		MaterializedFiles.WithLabelValues("ok").Inc()
		MaterializedBytes.Add(float64(n))
		p.logger.Debug("materialized", "path", path, "bytes", n)
		return n, nil
	})
	if err != nil {
		p.setPhase(prev)
		return report, err
	}

	p.setPhase(PhaseDone)
	p.logger.Info("materialize complete", "files", report.Files, "failed", len(report.Failed))
	return report, nil
}

// forEachPath runs fn for every path of the state on the configured
// number of workers. Each worker owns its archive handles.
func (p *PatchChain) forEachPath(ctx context.Context, fn func(h *handleCache, path string, parts *PartList) (uint64, error)) (*Report, error) {
	state := p.state
	paths := state.Paths()
	report := &Report{Failed: make(map[string]error)}

	workers := min(p.opts.workers, max(len(paths), 1))
	handlesPerWorker := max(p.opts.maxOpenFiles/workers, 1)

	g, gctx := errgroup.WithContext(ctx)
	work := make(chan string)

	g.Go(func() error {
		defer close(work)
		for _, path := range paths {
			select {
			case work <- path:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	var mu sync.Mutex
	for range workers {
		g.Go(func() error {
			h, err := newHandleCache(p.archives, handlesPerWorker)
			if err != nil {
				return err
			}
			defer h.Close()

			for path := range work {
				n, err := fn(h, path, state.Files[path])
				mu.Lock()
				if err != nil {
					report.Failed[path] = err
				} else {
					report.Files++
					report.Bytes += n
				}
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

// materializeFile writes one reconstructed file and returns its size.
func (p *PatchChain) materializeFile(h *handleCache, outDir, path string, parts *PartList) (uint64, error) {
	target, err := targetPath(outDir, path)
	if err != nil {
		return 0, err
	}
	dir := filepath.Dir(target)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, filepath.Base(target)+".*.tmp")
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	for _, part := range parts.parts {
		if part.Source.Kind == SourceZero && p.opts.zeroFill == ZeroFillSparse {
			continue
		}
		r, err := h.partReader(part)
		if err != nil {
			return 0, fmt.Errorf("part %s: %w", part, err)
		}
		w := io.NewOffsetWriter(tmpFile, int64(part.TargetOffset))
		n, err := io.Copy(w, r)
		if err != nil {
			return 0, fmt.Errorf("write part %s: %w", part, err)
		}
		if uint64(n) != part.TargetSize {
			return 0, fmt.Errorf("part %s: source ended after %d bytes", part, n)
		}
	}

	// Sizes the file and leaves any trailing zero parts as a hole.
	if err := tmpFile.Truncate(int64(parts.End())); err != nil {
		return 0, fmt.Errorf("truncate: %w", err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		return 0, fmt.Errorf("chmod: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return 0, fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, target); err != nil {
		return 0, fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return parts.End(), nil
}

// targetPath joins a target path onto outDir, rejecting paths that are
// absolute or climb out of it.
func targetPath(outDir, path string) (string, error) {
	local := filepath.FromSlash(path)
	if path == "" || !filepath.IsLocal(local) {
		return "", ErrUnsafePath.New(path)
	}
	return filepath.Join(outDir, local), nil
}

// handleCache keeps a bounded set of archives open for one worker.
type handleCache struct {
	archives []archiveInfo
	open     *lru.Cache[int, *Archive]

	// Block parts of one file add often share a block.
	blockArchive int
	blockOffset  uint64
	block        []byte
}

func newHandleCache(archives []archiveInfo, size int) (*handleCache, error) {
	cache, err := lru.NewWithEvict(size, func(_ int, a *Archive) {
		a.Close()
	})
	if err != nil {
		return nil, fmt.Errorf("create handle cache: %w", err)
	}
	return &handleCache{archives: archives, open: cache, blockArchive: -1}, nil
}

// archive returns an open handle to archive index.
func (h *handleCache) archive(index int) (*Archive, error) {
	if index < 0 || index >= len(h.archives) {
		return nil, fmt.Errorf("archive index %d out of range", index)
	}
	if a, ok := h.open.Get(index); ok {
		return a, nil
	}
	a, err := Open(h.archives[index].path)
	if err != nil {
		return nil, err
	}
	h.open.Add(index, a)
	return a, nil
}

// partReader returns a reader over the target bytes of part.
func (h *handleCache) partReader(part Part) (io.Reader, error) {
	switch part.Source.Kind {
	case SourceZero:
		return io.LimitReader(zeroReader{}, int64(part.TargetSize)), nil

	case SourceRaw:
		if part.SplitFrom+part.TargetSize > part.Source.Size {
			return nil, fmt.Errorf("part reads past its raw source")
		}
		a, err := h.archive(part.Source.Archive)
		if err != nil {
			return nil, err
		}
		return io.NewSectionReader(a, int64(part.Source.Offset+part.SplitFrom), int64(part.TargetSize)), nil

	case SourceBlock:
		data, err := h.decode(part.Source)
		if err != nil {
			return nil, err
		}
		if part.SplitFrom+part.TargetSize > uint64(len(data)) {
			return nil, fmt.Errorf("part reads past its %d-byte block", len(data))
		}
		return bytes.NewReader(data[part.SplitFrom : part.SplitFrom+part.TargetSize]), nil
	}
	return nil, fmt.Errorf("unknown source kind %s", part.Source.Kind)
}

func (h *handleCache) decode(src Source) ([]byte, error) {
	if h.blockArchive == src.Archive && h.blockOffset == src.Offset {
		return h.block, nil
	}
	a, err := h.archive(src.Archive)
	if err != nil {
		return nil, err
	}
	data, _, err := DecodeBlock(a, int64(src.Offset))
	if err != nil {
		return nil, fmt.Errorf("archive %s block at %d: %w", a.Name(), src.Offset, err)
	}
	h.blockArchive, h.blockOffset, h.block = src.Archive, src.Offset, data
	return data, nil
}

// Close closes every open handle.
func (h *handleCache) Close() {
	h.open.Purge()
}

type zeroReader struct{}

func (zeroReader) Read(p []byte) (int, error) {
	clear(p)
	return len(p), nil
}
