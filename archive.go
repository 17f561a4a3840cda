// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// patchExt is the file extension of ZiPatch archives.
const patchExt = ".patch"

// Archive is an open ZiPatch archive. Reads are positional, so one
// Archive can serve concurrent readers.
type Archive struct {
	file *os.File
	path string
	name string
	size int64
}

// Open opens an existing archive and checks its signature.
func Open(path string) (*Archive, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	name := filepath.Base(path)

	var sig [signatureSize]byte
	if _, err := file.ReadAt(sig[:], 0); err != nil {
		file.Close()
		return nil, ErrMalformedArchive.New(name, 0, fmt.Sprintf("read signature: %v", err))
	}
	if sig != archiveSignature {
		file.Close()
		return nil, ErrMalformedArchive.New(name, 0, fmt.Sprintf("bad signature %x", sig[:]))
	}

	return &Archive{
		file: file,
		path: path,
		name: name,
		size: info.Size(),
	}, nil
}

// Name returns the base name of the archive, which identifies it in
// checkpoints and errors.
func (a *Archive) Name() string {
	return a.name
}

// Path returns the path the archive was opened from.
func (a *Archive) Path() string {
	return a.path
}

// Size returns the archive size in bytes.
func (a *Archive) Size() int64 {
	return a.size
}

// ReadAt implements io.ReaderAt.
func (a *Archive) ReadAt(p []byte, off int64) (int, error) {
	return a.file.ReadAt(p, off)
}

// Scanner returns a scanner over the whole archive. index becomes the
// Source.Archive of every range it yields.
func (a *Archive) Scanner(index int, opts ...ScannerOption) *Scanner {
	return NewScanner(io.NewSectionReader(a.file, 0, a.size), a.size, a.name, index, opts...)
}

// Close closes the archive.
func (a *Archive) Close() error {
	if a.file == nil {
		return nil
	}
	err := a.file.Close()
	a.file = nil
	return err
}

// ListPatchFiles returns the archives in dir in application order.
// Names sort by everything after their first character, so "D" and "H"
// prefixed archives of the same date interleave on one timeline.
func ListPatchFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read patch directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), patchExt) {
			continue
		}
		names = append(names, entry.Name())
	}

	slices.SortFunc(names, func(a, b string) int {
		if c := strings.Compare(a[1:], b[1:]); c != 0 {
			return c
		}
		return strings.Compare(a, b)
	})

	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return paths, nil
}
