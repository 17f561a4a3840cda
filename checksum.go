// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"hash"
	"hash/crc32"
)

// newChunkHash returns the hash used for chunk footers. It covers the
// 4-byte chunk type followed by the body.
func newChunkHash(chunkType [4]byte) hash.Hash32 {
	h := crc32.NewIEEE()
	h.Write(chunkType[:])
	return h
}

// chunkCRC computes the footer value for a chunk.
func chunkCRC(chunkType [4]byte, body []byte) uint32 {
	h := newChunkHash(chunkType)
	h.Write(body)
	return h.Sum32()
}
