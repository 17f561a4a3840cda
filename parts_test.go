// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func rawPart(offset, size uint64, archive int, srcOffset uint64) Part {
	return Part{
		TargetOffset: offset,
		TargetSize:   size,
		Source:       Source{Kind: SourceRaw, Archive: archive, Offset: srcOffset, Size: size},
	}
}

func TestPartListReplaceOverride(t *testing.T) {
	require := require.New(t)

	var l PartList
	require.NoError(l.Replace(rawPart(0, 100, 0, 500)))
	require.NoError(l.Replace(rawPart(40, 20, 1, 900)))

	a := Source{Kind: SourceRaw, Archive: 0, Offset: 500, Size: 100}
	b := Source{Kind: SourceRaw, Archive: 1, Offset: 900, Size: 20}
	require.Equal([]Part{
		{TargetOffset: 0, TargetSize: 40, Source: a, SplitFrom: 0},
		{TargetOffset: 40, TargetSize: 20, Source: b, SplitFrom: 0},
		{TargetOffset: 60, TargetSize: 40, Source: a, SplitFrom: 60},
	}, l.Parts())
	require.NoError(l.Validate())
	require.Equal(uint64(100), l.End())
}

func TestPartListReplaceGrowsWithZeroFill(t *testing.T) {
	require := require.New(t)

	var l PartList
	require.NoError(l.Replace(rawPart(256, 128, 0, 10)))

	parts := l.Parts()
	require.Len(parts, 2)
	require.Equal(Part{TargetOffset: 0, TargetSize: 256}, parts[0])
	require.Equal(SourceZero, parts[0].Source.Kind)
	require.Equal(uint64(256), parts[1].TargetOffset)
	require.Equal(uint64(384), l.End())

	// Appending right at the end adds no zero part.
	require.NoError(l.Replace(rawPart(384, 16, 0, 200)))
	require.Equal(3, l.Len())
}

func TestPartListReplaceCoversSeveralParts(t *testing.T) {
	require := require.New(t)

	var l PartList
	for i := uint64(0); i < 10; i++ {
		require.NoError(l.Replace(rawPart(i*10, 10, 0, i*100)))
	}
	require.Equal(10, l.Len())

	// [15, 75) drops parts 2..6 and trims parts 1 and 7.
	require.NoError(l.Replace(rawPart(15, 60, 1, 0)))
	require.NoError(l.Validate())

	parts := l.Parts()
	require.Len(parts, 6)
	require.Equal(uint64(10), parts[1].TargetOffset)
	require.Equal(uint64(5), parts[1].TargetSize)
	require.Equal(uint64(0), parts[1].SplitFrom)
	require.Equal(uint64(15), parts[2].TargetOffset)
	require.Equal(1, parts[2].Source.Archive)
	require.Equal(uint64(75), parts[3].TargetOffset)
	require.Equal(uint64(5), parts[3].TargetSize)
	require.Equal(uint64(5), parts[3].SplitFrom)
	require.Equal(uint64(700), parts[3].Source.Offset)
}

func TestPartListReplaceIdempotent(t *testing.T) {
	require := require.New(t)

	var l PartList
	require.NoError(l.Replace(rawPart(0, 64, 0, 0)))
	require.NoError(l.Replace(rawPart(100, 50, 1, 0)))
	require.NoError(l.Replace(rawPart(20, 40, 2, 0)))
	before := l.Parts()

	require.NoError(l.Replace(rawPart(20, 40, 2, 0)))
	require.Equal(before, l.Parts())
}

func TestPartListReplaceZeroSize(t *testing.T) {
	require := require.New(t)

	var l PartList
	require.NoError(l.Replace(rawPart(500, 0, 0, 0)))
	require.Equal(0, l.Len())
	require.Equal(uint64(0), l.End())
}

func TestPartListReplaceRandomCoverage(t *testing.T) {
	require := require.New(t)

	rng := rand.New(rand.NewSource(1))
	var l PartList
	shadow := make([]int, 0)

	for i := 0; i < 2000; i++ {
		offset := uint64(rng.Intn(4096))
		size := uint64(rng.Intn(512) + 1)
		require.NoError(l.Replace(rawPart(offset, size, i, 0)))
		require.NoError(l.Validate())

		for uint64(len(shadow)) < offset+size {
			shadow = append(shadow, -1)
		}
		for j := offset; j < offset+size; j++ {
			shadow[j] = i
		}
	}

	require.Equal(uint64(len(shadow)), l.End())
	for off, want := range shadow {
		p, ok := l.Find(uint64(off))
		require.True(ok)
		if want < 0 {
			require.Equal(SourceZero, p.Source.Kind, "offset %d", off)
			continue
		}
		require.Equal(want, p.Source.Archive, "offset %d", off)
		// The byte at off maps to the same source byte it was written from.
		origin := p.SplitFrom + uint64(off) - p.TargetOffset
		require.Less(origin, p.Source.Size)
	}
}

func TestPartListFind(t *testing.T) {
	require := require.New(t)

	var l PartList
	require.NoError(l.Replace(rawPart(0, 10, 0, 0)))
	require.NoError(l.Replace(rawPart(10, 10, 1, 0)))

	p, ok := l.Find(0)
	require.True(ok)
	require.Equal(0, p.Source.Archive)

	p, ok = l.Find(15)
	require.True(ok)
	require.Equal(1, p.Source.Archive)

	_, ok = l.Find(20)
	require.False(ok)
}

func TestPartListValidate(t *testing.T) {
	testCases := []struct {
		name  string
		parts []Part
	}{
		{"gap", []Part{rawPart(0, 10, 0, 0), rawPart(12, 10, 0, 0)}},
		{"overlap", []Part{rawPart(0, 10, 0, 0), rawPart(5, 10, 0, 0)}},
		{"not at zero", []Part{rawPart(4, 10, 0, 0)}},
		{"empty part", []Part{rawPart(0, 10, 0, 0), rawPart(10, 0, 0, 0)}},
	}

	for _, tt := range testCases {
		t.Run(tt.name, func(t *testing.T) {
			require := require.New(t)
			_, err := NewPartList(tt.parts)
			require.Error(err)
			require.True(ErrInvariantViolation.Is(err))
		})
	}
}

func TestPartListReplaceDetectsBrokenMap(t *testing.T) {
	require := require.New(t)

	// A list that skips [10, 20) cannot be split inside the gap.
	l := &PartList{parts: []Part{rawPart(0, 10, 0, 0), rawPart(20, 10, 0, 0)}}
	err := l.Replace(rawPart(12, 4, 1, 0))
	require.Error(err)
	require.True(ErrInvariantViolation.Is(err))
}
