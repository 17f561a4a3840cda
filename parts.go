// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"cmp"
	"fmt"
	"slices"
)

// SourceKind says where the bytes of a part come from.
type SourceKind uint8

const (
	// SourceZero parts read as zero bytes.
	SourceZero SourceKind = iota
	// SourceRaw parts are stored verbatim in an archive.
	SourceRaw
	// SourceBlock parts point at a block header; the payload must be
	// run through DecodeBlock.
	SourceBlock
)

// String returns a short name for the kind.
func (k SourceKind) String() string {
	switch k {
	case SourceZero:
		return "zero"
	case SourceRaw:
		return "raw"
	case SourceBlock:
		return "block"
	default:
		return fmt.Sprintf("SourceKind(%d)", uint8(k))
	}
}

// Source locates the bytes of a part inside an archive.
type Source struct {
	_ struct{} `cbor:",toarray"`

	Kind    SourceKind
	Archive int    // Index into State.Archives
	Offset  uint64 // Archive offset of the raw data or block header
	Size    uint64 // Archive bytes covered by the source
}

// ZeroSource is the source of implicit zero fill.
var ZeroSource = Source{}

// Part maps the target range [TargetOffset, TargetOffset+TargetSize) to
// the decoded source bytes starting at SplitFrom.
type Part struct {
	_ struct{} `cbor:",toarray"`

	TargetOffset uint64
	TargetSize   uint64
	Source       Source
	SplitFrom    uint64
}

// End returns the first target offset past the part.
func (p Part) End() uint64 {
	return p.TargetOffset + p.TargetSize
}

func (p Part) String() string {
	if p.Source.Kind == SourceZero {
		return fmt.Sprintf("[%d,%d) zero", p.TargetOffset, p.End())
	}
	return fmt.Sprintf("[%d,%d) %s archive %d @%d+%d split %d",
		p.TargetOffset, p.End(), p.Source.Kind, p.Source.Archive,
		p.Source.Offset, p.Source.Size, p.SplitFrom)
}

// PartList is the interval map of one target file. Parts are sorted,
// contiguous and start at offset 0.
type PartList struct {
	parts []Part
}

// NewPartList returns a list holding parts, which must already satisfy
// the coverage invariant.
func NewPartList(parts []Part) (*PartList, error) {
	l := &PartList{parts: slices.Clone(parts)}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Len returns the number of parts.
func (l *PartList) Len() int {
	return len(l.parts)
}

// Parts returns a copy of the parts in target order.
func (l *PartList) Parts() []Part {
	return slices.Clone(l.parts)
}

// End returns the size of the reconstructed file.
func (l *PartList) End() uint64 {
	if len(l.parts) == 0 {
		return 0
	}
	return l.parts[len(l.parts)-1].End()
}

// Replace makes p the only owner of its target range. Parts it fully
// covers are dropped, parts it overlaps are trimmed, and a range past
// the current end grows the file with zero fill.
func (l *PartList) Replace(p Part) error {
	if p.TargetSize == 0 {
		return nil
	}
	start, end := p.TargetOffset, p.End()
	if end < start {
		return ErrInvariantViolation.New(fmt.Sprintf("part %s overflows", p))
	}

	if err := l.splitAt(start); err != nil {
		return err
	}
	if err := l.splitAt(end); err != nil {
		return err
	}

	i, found := l.search(start)
	if !found {
		return ErrInvariantViolation.New(fmt.Sprintf("no part starts at %d", start))
	}
	j, found := l.search(end)
	if !found && (j != len(l.parts) || l.End() != end) {
		return ErrInvariantViolation.New(fmt.Sprintf("no part boundary at %d", end))
	}

	l.parts[i] = p
	l.parts = slices.Delete(l.parts, i+1, j)
	return nil
}

// splitAt makes offset a part boundary.
func (l *PartList) splitAt(offset uint64) error {
	end := l.End()
	if offset >= end {
		if offset > end {
			l.parts = append(l.parts, Part{TargetOffset: end, TargetSize: offset - end})
		}
		return nil
	}

	i, found := l.search(offset)
	if found {
		return nil
	}
	if i == 0 {
		return ErrInvariantViolation.New(fmt.Sprintf("offset %d precedes the first part", offset))
	}

	left := &l.parts[i-1]
	if offset <= left.TargetOffset || offset >= left.End() {
		return ErrInvariantViolation.New(fmt.Sprintf("offset %d is not inside part %s", offset, *left))
	}

	right := *left
	right.TargetOffset = offset
	right.TargetSize = left.End() - offset
	right.SplitFrom += offset - left.TargetOffset
	left.TargetSize = offset - left.TargetOffset

	l.parts = slices.Insert(l.parts, i, right)
	return nil
}

// search returns the index of the first part starting at or after
// offset, and whether it starts exactly there.
func (l *PartList) search(offset uint64) (int, bool) {
	return slices.BinarySearchFunc(l.parts, offset, func(p Part, off uint64) int {
		return cmp.Compare(p.TargetOffset, off)
	})
}

// Find returns the part containing offset.
func (l *PartList) Find(offset uint64) (Part, bool) {
	if offset >= l.End() {
		return Part{}, false
	}
	i, found := l.search(offset)
	if !found {
		i--
	}
	return l.parts[i], true
}

// Validate checks the coverage invariant.
func (l *PartList) Validate() error {
	var next uint64
	for i, p := range l.parts {
		if p.TargetOffset != next {
			return ErrInvariantViolation.New(fmt.Sprintf("part %d %s should start at %d", i, p, next))
		}
		if p.TargetSize == 0 {
			return ErrInvariantViolation.New(fmt.Sprintf("part %d at %d is empty", i, p.TargetOffset))
		}
		next = p.End()
		if next < p.TargetOffset {
			return ErrInvariantViolation.New(fmt.Sprintf("part %d %s overflows", i, p))
		}
	}
	return nil
}
