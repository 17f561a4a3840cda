// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// model applies the same operations as a fixture archive to plain byte
// slices, giving the expected reconstruction.
type model map[string][]byte

func (m model) write(path string, offset int, data []byte) {
	buf := m[path]
	if end := offset + len(data); end > len(buf) {
		buf = append(buf, make([]byte, end-len(buf))...)
	}
	copy(buf[offset:], data)
	m[path] = buf
}

func (m model) zero(path string, offset, size int) {
	m.write(path, offset, make([]byte, size))
}

func (m model) removeAll(expansion string) {
	for path := range m {
		if strings.HasPrefix(path, "sqpack/"+expansion+"/") || strings.HasPrefix(path, "movie/"+expansion+"/") {
			delete(m, path)
		}
	}
}

// fixture builds archives while keeping the model in step.
type fixture struct {
	t     testing.TB
	w     *Writer
	model model
}

func (f *fixture) fileAdd(path string, offset int, data []byte, compress bool) {
	require.NoError(f.t, f.w.FileAdd(path, uint64(offset), data, compress))
	if offset == 0 {
		delete(f.model, path)
	}
	if _, ok := f.model[path]; !ok {
		f.model[path] = []byte{}
	}
	f.model.write(path, offset, data)
}

func (f *fixture) addData(target Target, platform Platform, blockOffset int, data []byte, clear int) {
	require.NoError(f.t, f.w.AddData(target, uint32(blockOffset), data, uint32(clear)))
	path := target.DatPath(platform)
	padded := make([]byte, align(uint64(len(data))))
	copy(padded, data)
	f.model.write(path, blockOffset*entryAlignment, padded)
	f.model.zero(path, blockOffset*entryAlignment+len(padded), clear*entryAlignment)
}

func (f *fixture) zeroData(target Target, platform Platform, blockOffset, count int) {
	require.NoError(f.t, f.w.ExpandData(target, uint32(blockOffset), uint32(count)))
	f.model.zero(target.DatPath(platform), blockOffset*entryAlignment, count*entryAlignment)
}

func (f *fixture) header(target Target, platform Platform, data []byte) {
	require.NoError(f.t, f.w.Header(HeaderDatVersion, target, data))
	header := make([]byte, headerReplaceSize)
	copy(header, data)
	f.model.write(target.DatPath(platform), 0, header)
}

func (f *fixture) fileDelete(path string) {
	require.NoError(f.t, f.w.FileDelete(path))
	delete(f.model, path)
}

func (f *fixture) removeAll(expansion uint16) {
	require.NoError(f.t, f.w.RemoveAll(expansion))
	f.model.removeAll(expansionName(expansion))
}

func randomBytes(seed int64, n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

// buildChain writes four archives into dir and returns their paths in
// application order with the expected file contents.
func buildChain(t testing.TB, dir string) ([]string, model) {
	t.Helper()
	m := model{}
	dat := Target{MainID: 0x0a}
	ex1 := Target{SubID: 0x0100}

	steps := []struct {
		name  string
		build func(f *fixture)
	}{
		{"D2020.01.01.0000.0000.patch", func(f *fixture) {
			f.fileAdd("game/ffxivgame.ver", 0, []byte("2020.01.01.0000.0000"), false)
			f.fileAdd(dat.DatPath(PlatformWin32), 0, randomBytes(1, 40000), true)
			f.addData(dat, PlatformWin32, 100, randomBytes(2, 300), 2)
		}},
		{"H2020.01.02.0000.0000.patch", func(f *fixture) {
			f.fileAdd("game/ffxivgame.ver", 0, []byte("2020.01.02"), false)
			f.zeroData(dat, PlatformWin32, 50, 10)
			f.fileAdd("movie/ex1/00001.bk2", 0, bytes.Repeat([]byte("movie"), 1000), true)
			f.header(dat, PlatformWin32, []byte("SqPack header"))
		}},
		{"D2020.01.03.0000.0000.patch", func(f *fixture) {
			f.removeAll(1)
			f.fileAdd(ex1.DatPath(PlatformWin32), 0, randomBytes(3, 3000), false)
			require.NoError(t, f.w.TargetInfo(PlatformPS3))
			f.addData(ex1, PlatformPS3, 40, []byte("console data"), 0)
		}},
		{"H2020.01.04.0000.0000.patch", func(f *fixture) {
			f.fileDelete(ex1.DatPath(PlatformWin32))
			f.fileAdd(ex1.DatPath(PlatformWin32), 1000, []byte("readded"), false)
			f.fileAdd(dat.DatPath(PlatformWin32), 20000, randomBytes(4, 100), true)
			f.zeroData(dat, PlatformWin32, 400, 3)
			f.fileAdd("game/empty.dat", 0, nil, false)
		}},
	}

	var paths []string
	for _, step := range steps {
		paths = append(paths, buildArchive(t, dir, step.name, func(w *Writer) {
			step.build(&fixture{t: t, w: w, model: m})
		}))
	}
	return paths, m
}

// requireOutput checks that outDir holds exactly the files of want.
func requireOutput(t testing.TB, outDir string, want model) {
	t.Helper()
	got := model{}
	err := filepath.WalkDir(outDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(outDir, path)
		if err != nil {
			return err
		}
		got[filepath.ToSlash(rel)] = data
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, len(want), len(got))
	for path, data := range want {
		require.Contains(t, got, path)
		require.True(t, bytes.Equal(data, got[path]), "content of %s", path)
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestPatchChainReconstruct(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	_, want := buildChain(t, dir)

	paths, err := ListPatchFiles(dir)
	require.NoError(err)
	require.Len(paths, 4)

	chain, err := OpenPatchChain(paths, WithLogger(quietLogger()), WithWorkers(3), WithMaxOpenFiles(2))
	require.NoError(err)
	require.Equal(4, chain.GetArchiveCount())
	require.Equal(PhasePending, chain.Phase())

	ctx := context.Background()
	require.NoError(chain.Scan(ctx))
	require.Equal(PhaseScanned, chain.Phase())

	state, err := chain.State()
	require.NoError(err)
	require.Equal(chain.Names(), state.Archives)
	require.NoError(state.Validate())
	for path, data := range want {
		require.NotNil(state.Parts(path), path)
		require.Equal(uint64(len(data)), state.Parts(path).End(), path)
	}
	require.Nil(state.Parts("movie/ex1/00001.bk2"))

	outDir := filepath.Join(dir, "out")
	report, err := chain.Materialize(ctx, outDir)
	require.NoError(err)
	require.NoError(report.Err())
	require.Equal(len(want), report.Files)
	require.Equal(PhaseDone, chain.Phase())
	requireOutput(t, outDir, want)
}

func TestPatchChainOverrideScenario(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	first := randomBytes(10, 100)
	second := randomBytes(11, 20)
	p0 := buildArchive(t, dir, "D0001.patch", func(w *Writer) {
		require.NoError(w.FileAdd("f", 0, first, false))
	})
	p1 := buildArchive(t, dir, "D0002.patch", func(w *Writer) {
		require.NoError(w.FileAdd("f", 40, second, false))
	})

	chain, err := OpenPatchChain([]string{p0, p1}, WithLogger(quietLogger()))
	require.NoError(err)
	require.NoError(chain.Scan(context.Background()))

	state, err := chain.State()
	require.NoError(err)
	parts := state.Parts("f").Parts()
	require.Len(parts, 3)
	require.Equal([]uint64{0, 40, 60}, []uint64{parts[0].TargetOffset, parts[1].TargetOffset, parts[2].TargetOffset})
	require.Equal([]int{0, 1, 0}, []int{parts[0].Source.Archive, parts[1].Source.Archive, parts[2].Source.Archive})
	require.Equal([]uint64{0, 0, 60}, []uint64{parts[0].SplitFrom, parts[1].SplitFrom, parts[2].SplitFrom})
	require.Equal(parts[0].Source, parts[2].Source)

	outDir := filepath.Join(dir, "out")
	_, err = chain.Materialize(context.Background(), outDir)
	require.NoError(err)

	got, err := os.ReadFile(filepath.Join(outDir, "f"))
	require.NoError(err)
	want := append(append(append([]byte{}, first[:40]...), second...), first[60:]...)
	require.Equal(want, got)
}

func TestPatchChainResume(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	paths, want := buildChain(t, dir)
	ctx := context.Background()

	// Uninterrupted run without checkpoints.
	full, err := OpenPatchChain(paths, WithLogger(quietLogger()))
	require.NoError(err)
	require.NoError(full.Scan(ctx))
	fullState, err := full.State()
	require.NoError(err)

	// A run over the first two archives leaves a checkpoint behind.
	checkpoints := filepath.Join(dir, "checkpoints")
	partial, err := OpenPatchChain(paths[:2], WithLogger(quietLogger()), WithCheckpointDir(checkpoints))
	require.NoError(err)
	require.NoError(partial.Scan(ctx))
	require.FileExists(filepath.Join(checkpoints, "H2020.01.02.0000.0000.patch.checkpoint"))

	// The full chain picks it up and only scans the rest.
	before := testutil.ToFloat64(ArchivesScanned)
	resumed, err := OpenPatchChain(paths, WithLogger(quietLogger()), WithCheckpointDir(checkpoints))
	require.NoError(err)
	require.NoError(resumed.Scan(ctx))
	require.Equal(float64(2), testutil.ToFloat64(ArchivesScanned)-before)

	resumedState, err := resumed.State()
	require.NoError(err)
	require.True(fullState.Equal(resumedState))

	outFull := filepath.Join(dir, "out-full")
	outResumed := filepath.Join(dir, "out-resumed")
	_, err = full.Materialize(ctx, outFull)
	require.NoError(err)
	_, err = resumed.Materialize(ctx, outResumed)
	require.NoError(err)
	requireOutput(t, outFull, want)
	requireOutput(t, outResumed, want)

	// A finished chain resumes without scanning anything.
	before = testutil.ToFloat64(ArchivesScanned)
	again, err := OpenPatchChain(paths, WithLogger(quietLogger()), WithCheckpointDir(checkpoints))
	require.NoError(err)
	require.NoError(again.Scan(ctx))
	require.Equal(float64(0), testutil.ToFloat64(ArchivesScanned)-before)
}

// cancelHandler cancels a context when the given message is logged.
type cancelHandler struct {
	message string
	cancel  context.CancelFunc
}

func (h *cancelHandler) Enabled(context.Context, slog.Level) bool { return true }

func (h *cancelHandler) Handle(_ context.Context, r slog.Record) error {
	if r.Message == h.message {
		h.cancel()
	}
	return nil
}

func (h *cancelHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *cancelHandler) WithGroup(string) slog.Handler      { return h }

func TestPatchChainScanCancel(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	paths, want := buildChain(t, dir)
	checkpoints := filepath.Join(dir, "checkpoints")

	// Cancel while the first archive is being scanned.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(&cancelHandler{message: "scanning archive", cancel: cancel})

	chain, err := OpenPatchChain(paths, WithLogger(logger), WithCheckpointDir(checkpoints))
	require.NoError(err)

	err = chain.Scan(ctx)
	require.ErrorIs(err, context.Canceled)
	require.Equal(PhasePending, chain.Phase())
	require.FileExists(filepath.Join(checkpoints, "D2020.01.01.0000.0000.patch.checkpoint"))

	_, err = chain.State()
	require.True(ErrNotScanned.Is(err))
	_, err = chain.Materialize(context.Background(), filepath.Join(dir, "out"))
	require.True(ErrNotScanned.Is(err))

	// Resuming finishes the remaining archives.
	before := testutil.ToFloat64(ArchivesScanned)
	resumed, err := OpenPatchChain(paths, WithLogger(quietLogger()), WithCheckpointDir(checkpoints))
	require.NoError(err)
	require.NoError(resumed.Scan(context.Background()))
	require.Equal(float64(3), testutil.ToFloat64(ArchivesScanned)-before)

	outDir := filepath.Join(dir, "out")
	_, err = resumed.Materialize(context.Background(), outDir)
	require.NoError(err)
	requireOutput(t, outDir, want)
}

func TestPatchChainCheckpointTriggers(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	paths, _ := buildChain(t, dir)

	checkpoints := filepath.Join(dir, "checkpoints")
	chain, err := OpenPatchChain(paths,
		WithLogger(quietLogger()),
		WithCheckpointDir(checkpoints),
		WithCheckpointBytes(1))
	require.NoError(err)
	require.NoError(chain.Scan(context.Background()))

	for _, p := range paths {
		require.FileExists(filepath.Join(checkpoints, filepath.Base(p)+checkpointSuffix))
	}
}

func TestPatchChainMalformedArchive(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()
	paths, _ := buildChain(t, dir)

	// Break the block header of the first file add in the third archive.
	ops, err := scanFile(t, paths[2])
	require.NoError(err)
	var blockOffset uint64
	for _, op := range ops {
		if op.Kind == OpFileAdd {
			blockOffset = op.Ranges[0].Source.Offset
			break
		}
	}
	data, err := os.ReadFile(paths[2])
	require.NoError(err)
	binary.LittleEndian.PutUint32(data[blockOffset:], 2)
	require.NoError(os.WriteFile(paths[2], data, 0o644))

	checkpoints := filepath.Join(dir, "checkpoints")
	chain, err := OpenPatchChain(paths,
		WithLogger(quietLogger()),
		WithCheckpointDir(checkpoints),
		WithCheckpointBytes(1))
	require.NoError(err)

	err = chain.Scan(context.Background())
	require.Error(err)
	require.True(ErrMalformedArchive.Is(err))
	require.Contains(err.Error(), filepath.Base(paths[2]))
	require.Equal(PhasePending, chain.Phase())

	// Archives before the broken one were checkpointed, the broken one was not.
	require.FileExists(filepath.Join(checkpoints, filepath.Base(paths[1])+checkpointSuffix))
	require.NoFileExists(filepath.Join(checkpoints, filepath.Base(paths[2])+checkpointSuffix))
}

func TestOpenPatchChainErrors(t *testing.T) {
	require := require.New(t)
	dir := t.TempDir()

	bad := filepath.Join(dir, "bad.patch")
	require.NoError(os.WriteFile(bad, []byte("nope, not a patch"), 0o644))
	_, err := OpenPatchChain([]string{bad})
	require.Error(err)

	_, err = OpenPatchChain([]string{filepath.Join(dir, "missing.patch")})
	require.Error(err)
	require.True(errors.Is(err, os.ErrNotExist))

	a := buildArchive(t, dir, "a.patch", func(w *Writer) {})
	require.NoError(os.MkdirAll(filepath.Join(dir, "other"), 0o755))
	b := buildArchive(t, filepath.Join(dir, "other"), "a.patch", func(w *Writer) {})
	_, err = OpenPatchChain([]string{a, b})
	require.Error(err)
}

func TestPatchChainEmpty(t *testing.T) {
	require := require.New(t)

	chain, err := OpenPatchChain(nil, WithLogger(quietLogger()), WithCheckpointDir(t.TempDir()))
	require.NoError(err)
	require.NoError(chain.Scan(context.Background()))

	report, err := chain.Materialize(context.Background(), t.TempDir())
	require.NoError(err)
	require.Zero(report.Files)
}
