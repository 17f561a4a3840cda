// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Phase is the lifecycle stage of a patch chain.
type Phase int32

const (
	PhasePending Phase = iota
	PhaseScanning
	PhaseScanned
	PhaseMaterializing
	PhaseDone
)

var phaseNames = [...]string{
	PhasePending:       "pending",
	PhaseScanning:      "scanning",
	PhaseScanned:       "scanned",
	PhaseMaterializing: "materializing",
	PhaseDone:          "done",
}

func (p Phase) String() string {
	if p >= 0 && int(p) < len(phaseNames) {
		return phaseNames[p]
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// options holds the settings of a patch chain.
type options struct {
	logger             *slog.Logger
	checkpointDir      string
	checkpointInterval time.Duration
	checkpointBytes    uint64
	progressInterval   time.Duration
	verifyChecksums    bool
	resetOnFileAdd     bool
	workers            int
	maxOpenFiles       int
	zeroFill           ZeroFill
}

// Option configures a PatchChain.
type Option func(*options)

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCheckpointDir enables checkpoints in dir. Without it scans are
// not resumable.
func WithCheckpointDir(dir string) Option {
	return func(o *options) { o.checkpointDir = dir }
}

// WithCheckpointInterval sets the time between checkpoints.
func WithCheckpointInterval(d time.Duration) Option {
	return func(o *options) { o.checkpointInterval = d }
}

// WithCheckpointBytes sets the number of scanned bytes between checkpoints.
func WithCheckpointBytes(n uint64) Option {
	return func(o *options) { o.checkpointBytes = n }
}

// WithProgressInterval sets how often scan progress is logged.
func WithProgressInterval(d time.Duration) Option {
	return func(o *options) { o.progressInterval = d }
}

// WithVerifyChecksums enables chunk CRC32 verification while scanning.
func WithVerifyChecksums(verify bool) Option {
	return func(o *options) { o.verifyChecksums = verify }
}

// WithResetOnFileAdd controls whether a file add at offset 0 starts the
// file over. It is on by default.
func WithResetOnFileAdd(reset bool) Option {
	return func(o *options) { o.resetOnFileAdd = reset }
}

// WithWorkers sets the number of materialization workers.
func WithWorkers(n int) Option {
	return func(o *options) { o.workers = n }
}

// WithMaxOpenFiles bounds the archive handles held open while
// materializing, across all workers.
func WithMaxOpenFiles(n int) Option {
	return func(o *options) { o.maxOpenFiles = n }
}

// WithZeroFill selects the zero fill policy.
func WithZeroFill(policy ZeroFill) Option {
	return func(o *options) { o.zeroFill = policy }
}

// archiveInfo describes one archive of the chain.
type archiveInfo struct {
	path string
	name string
	size int64
}

// PatchChain reconstructs target files from an ordered list of archives.
// Archives are applied in list order; later archives override earlier ones.
type PatchChain struct {
	archives []archiveInfo
	names    []string
	opts     options
	logger   *slog.Logger
	store    *CheckpointStore

	mu    sync.Mutex
	phase Phase
	state *State
}

// OpenPatchChain checks the signature of every archive and returns a
// chain over them. Nothing is scanned yet.
func OpenPatchChain(paths []string, opts ...Option) (*PatchChain, error) {
	o := options{
		logger:             slog.Default(),
		checkpointInterval: 5 * time.Minute,
		checkpointBytes:    4 << 30,
		progressInterval:   2 * time.Second,
		resetOnFileAdd:     true,
		workers:            runtime.NumCPU(),
		maxOpenFiles:       256,
		zeroFill:           ZeroFillSparse,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = 1
	}
	if o.maxOpenFiles < 1 {
		o.maxOpenFiles = 1
	}

	chain := &PatchChain{
		archives: make([]archiveInfo, 0, len(paths)),
		names:    make([]string, 0, len(paths)),
		opts:     o,
		logger:   o.logger,
	}

	seen := make(map[string]string, len(paths))
	for _, path := range paths {
		archive, err := Open(path)
		if err != nil {
			return nil, fmt.Errorf("open archive %s: %w", path, err)
		}
		info := archiveInfo{path: path, name: archive.Name(), size: archive.Size()}
		archive.Close()

		if prev, ok := seen[info.name]; ok {
			return nil, fmt.Errorf("archives %s and %s share the name %s", prev, path, info.name)
		}
		seen[info.name] = path

		chain.archives = append(chain.archives, info)
		chain.names = append(chain.names, info.name)
	}

	if o.checkpointDir != "" {
		store, err := NewCheckpointStore(o.checkpointDir)
		if err != nil {
			return nil, err
		}
		chain.store = store
	}

	return chain, nil
}

// GetArchiveCount returns the number of archives in the chain.
func (p *PatchChain) GetArchiveCount() int {
	return len(p.archives)
}

// Names returns the archive names in application order.
func (p *PatchChain) Names() []string {
	return append([]string(nil), p.names...)
}

// Phase returns the current phase.
func (p *PatchChain) Phase() Phase {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.phase
}

// State returns the reconstruction state once scanning has completed.
func (p *PatchChain) State() (*State, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.phase < PhaseScanned {
		return nil, ErrNotScanned.New(p.phase)
	}
	return p.state, nil
}

func (p *PatchChain) setPhase(phase Phase) {
	p.mu.Lock()
	p.phase = phase
	p.mu.Unlock()
}

// beginPhase moves from one of the allowed phases to next.
func (p *PatchChain) beginPhase(next Phase, allowed ...Phase) (Phase, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range allowed {
		if p.phase == a {
			prev := p.phase
			p.phase = next
			return prev, nil
		}
	}
	return p.phase, fmt.Errorf("cannot enter phase %s from %s", next, p.phase)
}

// Scan folds every archive into the reconstruction state, resuming from
// the newest usable checkpoint. Archives are scanned strictly in order.
// Cancellation is honored between archives: the archives already folded
// in are checkpointed and ctx.Err() is returned.
func (p *PatchChain) Scan(ctx context.Context) error {
	prev, err := p.beginPhase(PhaseScanning, PhasePending, PhaseScanned)
	if err != nil {
		return err
	}
	if prev == PhaseScanned {
		p.setPhase(PhaseScanned)
		return nil
	}

	state, err := p.resume()
	if err != nil {
		p.setPhase(PhasePending)
		return err
	}

	if err := p.scanFrom(ctx, state); err != nil {
		p.setPhase(PhasePending)
		return err
	}

	TrackedFiles.Set(float64(len(state.Files)))

	p.mu.Lock()
	p.state = state
	p.phase = PhaseScanned
	p.mu.Unlock()
	return nil
}

// resume returns the state to continue scanning from.
func (p *PatchChain) resume() (*State, error) {
	if p.store == nil {
		return p.newState(), nil
	}

	state, token, err := p.store.Latest(p.names)
	if err != nil {
		return nil, fmt.Errorf("find checkpoint: %w", err)
	}
	if state == nil {
		return p.newState(), nil
	}

	state.ResetOnFileAdd = p.opts.resetOnFileAdd
	p.logger.Info("resuming from checkpoint",
		"checkpoint", token,
		"archives", len(state.Archives),
		"files", len(state.Files))
	return state, nil
}

func (p *PatchChain) newState() *State {
	state := NewState()
	state.ResetOnFileAdd = p.opts.resetOnFileAdd
	return state
}

func (p *PatchChain) scanFrom(ctx context.Context, state *State) error {
	first := len(state.Archives)

	progress := &scanProgress{
		logger:   p.logger,
		interval: p.opts.progressInterval,
		last:     time.Now(),
	}
	for i, a := range p.archives {
		progress.total += uint64(a.size)
		if i < first {
			progress.done += uint64(a.size)
		}
	}

	lastCheckpoint := time.Now()
	var sinceCheckpoint uint64
	dirty := false

	for i := first; i < len(p.archives); i++ {
		if err := ctx.Err(); err != nil {
			if dirty {
				if cerr := p.checkpoint(state); cerr != nil {
					return fmt.Errorf("%w (checkpoint failed: %v)", err, cerr)
				}
			}
			p.logger.Info("scan cancelled", "archives", len(state.Archives), "remaining", len(p.archives)-i)
			return err
		}

		info := p.archives[i]
		if err := p.scanArchive(state, info, progress); err != nil {
			return err
		}
		dirty = true
		sinceCheckpoint += uint64(info.size)

		last := i == len(p.archives)-1
		if last || time.Since(lastCheckpoint) >= p.opts.checkpointInterval || sinceCheckpoint >= p.opts.checkpointBytes {
			if err := p.checkpoint(state); err != nil {
				return err
			}
			lastCheckpoint = time.Now()
			sinceCheckpoint = 0
			dirty = false
		}
	}

	p.logger.Info("scan complete",
		"archives", len(state.Archives),
		"files", len(state.Files),
		"bytes", humanize.IBytes(progress.total))
	return nil
}

// scanArchive applies every operation of one archive to state.
func (p *PatchChain) scanArchive(state *State, info archiveInfo, progress *scanProgress) error {
	archive, err := Open(info.path)
	if err != nil {
		return fmt.Errorf("open archive %s: %w", info.path, err)
	}
	defer archive.Close()

	index := len(state.Archives)
	scanOpts := []ScannerOption{
		WithScannerLogger(p.logger),
		WithSkipHook(func(chunkType string) {
			ChunksSkipped.WithLabelValues(chunkType).Inc()
		}),
	}
	if p.opts.verifyChecksums {
		scanOpts = append(scanOpts, WithChecksums())
	}

	p.logger.Debug("scanning archive", "archive", info.name, "index", index, "size", info.size)

	sc := archive.Scanner(index, scanOpts...)
	var reported int64
	for sc.Next() {
		op := sc.Op()
		if err := state.Apply(op); err != nil {
			return err
		}
		Operations.WithLabelValues(op.Kind.String()).Inc()

		progress.advance(uint64(sc.Offset()-reported), info.name)
		reported = sc.Offset()
	}
	if err := sc.Err(); err != nil {
		return err
	}

	progress.advance(uint64(info.size-reported), info.name)
	state.AddArchive(info.name)
	ArchivesScanned.Inc()
	ScannedBytes.Add(float64(info.size))
	return nil
}

// checkpoint saves state if checkpoints are enabled.
func (p *PatchChain) checkpoint(state *State) error {
	if p.store == nil || len(state.Archives) == 0 {
		return nil
	}
	start := time.Now()
	token, err := p.store.Save(state)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	CheckpointsWritten.Inc()
	CheckpointDuration.Observe(time.Since(start).Seconds())
	p.logger.Info("checkpoint written",
		"checkpoint", token,
		"archives", len(state.Archives),
		"files", len(state.Files),
		"duration", time.Since(start))
	return nil
}

// scanProgress logs scanned bytes at a bounded rate.
type scanProgress struct {
	logger   *slog.Logger
	interval time.Duration
	last     time.Time
	done     uint64
	total    uint64
}

func (s *scanProgress) advance(n uint64, archive string) {
	s.done += n
	if time.Since(s.last) < s.interval {
		return
	}
	s.last = time.Now()

	percent := 100.0
	if s.total > 0 {
		percent = float64(s.done) * 100 / float64(s.total)
	}
	s.logger.Info("scan progress",
		"archive", archive,
		"scanned", humanize.IBytes(s.done),
		"total", humanize.IBytes(s.total),
		"percent", fmt.Sprintf("%.1f", percent))
}
