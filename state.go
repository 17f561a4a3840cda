// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"fmt"
	"maps"
	"slices"
	"strings"
)

// State is everything needed to resume a scan: the archives folded in
// so far and the interval map of every known file.
type State struct {
	Archives []string
	Files    map[string]*PartList

	// ResetOnFileAdd makes a file add at offset 0 start the file over.
	ResetOnFileAdd bool
}

// NewState returns an empty state.
func NewState() *State {
	return &State{
		Files:          make(map[string]*PartList),
		ResetOnFileAdd: true,
	}
}

// Paths returns the known file paths in sorted order.
func (s *State) Paths() []string {
	return slices.Sorted(maps.Keys(s.Files))
}

// Parts returns the interval map of path, or nil if it is unknown.
func (s *State) Parts(path string) *PartList {
	return s.Files[path]
}

// AddArchive records that the archive has been folded in and returns
// its index for Source.Archive.
func (s *State) AddArchive(name string) int {
	s.Archives = append(s.Archives, name)
	return len(s.Archives) - 1
}

// Apply folds one operation from archive into the state.
func (s *State) Apply(op Op) error {
	switch op.Kind {
	case OpNoop:
		return nil

	case OpFileDelete:
		delete(s.Files, op.Path)
		return nil

	case OpRemoveAll:
		for _, root := range []string{"sqpack/", "movie/"} {
			prefix := root + op.Expansion + "/"
			for path := range s.Files {
				if strings.HasPrefix(path, prefix) {
					delete(s.Files, path)
				}
			}
		}
		return nil

	case OpFileAdd, OpAddData, OpZeroData, OpHeader:
		if op.Kind == OpFileAdd && op.Reset && s.ResetOnFileAdd {
			delete(s.Files, op.Path)
		}
		parts := s.Files[op.Path]
		if parts == nil {
			parts = &PartList{}
			s.Files[op.Path] = parts
		}
		for _, r := range op.Ranges {
			err := parts.Replace(Part{
				TargetOffset: r.TargetOffset,
				TargetSize:   r.TargetSize,
				Source:       r.Source,
			})
			if err != nil {
				return ErrInvariantViolation.Wrap(err, fmt.Sprintf("%s %s in archive %s at offset %d", op.Kind, op.Path, op.Archive, op.Offset))
			}
		}
		return nil
	}

	return fmt.Errorf("unhandled operation kind %s", op.Kind)
}

// Validate checks every interval map.
func (s *State) Validate() error {
	for _, path := range s.Paths() {
		if err := s.Files[path].Validate(); err != nil {
			return ErrInvariantViolation.Wrap(err, path)
		}
	}
	return nil
}

// Equal reports whether two states hold the same archives and maps.
func (s *State) Equal(other *State) bool {
	if !slices.Equal(s.Archives, other.Archives) || len(s.Files) != len(other.Files) {
		return false
	}
	for path, parts := range s.Files {
		o, ok := other.Files[path]
		if !ok || !slices.Equal(parts.parts, o.parts) {
			return false
		}
	}
	return true
}
