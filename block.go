// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

const (
	// blockHeaderSize is the size of the fixed block header.
	blockHeaderSize = 16

	// blockNotCompressed in CompressedSize marks a stored block.
	blockNotCompressed = 32000
)

// BlockHeader is the little-endian header in front of every block.
type BlockHeader struct {
	HeaderSize       uint32 // Offset of the payload from the block start
	Version          uint32
	CompressedSize   uint32 // blockNotCompressed for stored blocks
	DecompressedSize uint32
}

// Compressed reports whether the payload is raw deflate.
func (h BlockHeader) Compressed() bool {
	return h.CompressedSize != blockNotCompressed
}

// PayloadSize returns the number of payload bytes stored after the header.
func (h BlockHeader) PayloadSize() uint64 {
	if h.Compressed() {
		return uint64(h.CompressedSize)
	}
	return uint64(h.DecompressedSize)
}

// PaddedSize returns the number of archive bytes the block occupies.
func (h BlockHeader) PaddedSize() uint64 {
	return align(uint64(h.HeaderSize) + h.PayloadSize())
}

func (h BlockHeader) validate() error {
	if h.HeaderSize < blockHeaderSize {
		return fmt.Errorf("block header size %d is below %d", h.HeaderSize, blockHeaderSize)
	}
	return nil
}

// ReadBlockHeader reads and validates the block header at offset.
func ReadBlockHeader(r io.ReaderAt, offset int64) (BlockHeader, error) {
	var raw [blockHeaderSize]byte
	if _, err := r.ReadAt(raw[:], offset); err != nil {
		return BlockHeader{}, fmt.Errorf("read block header: %w", err)
	}
	h := parseBlockHeader(raw[:])
	if err := h.validate(); err != nil {
		return BlockHeader{}, err
	}
	return h, nil
}

func parseBlockHeader(raw []byte) BlockHeader {
	return BlockHeader{
		HeaderSize:       binary.LittleEndian.Uint32(raw[0:4]),
		Version:          binary.LittleEndian.Uint32(raw[4:8]),
		CompressedSize:   binary.LittleEndian.Uint32(raw[8:12]),
		DecompressedSize: binary.LittleEndian.Uint32(raw[12:16]),
	}
}

// DecodeBlock reads the block at offset and returns its decompressed
// payload, reporting whether the block was stored compressed.
func DecodeBlock(r io.ReaderAt, offset int64) ([]byte, bool, error) {
	h, err := ReadBlockHeader(r, offset)
	if err != nil {
		return nil, false, err
	}

	payload := make([]byte, h.PayloadSize())
	if _, err := r.ReadAt(payload, offset+int64(h.HeaderSize)); err != nil {
		return nil, false, fmt.Errorf("read block payload: %w", err)
	}

	if !h.Compressed() {
		return payload, false, nil
	}

	data, err := inflate(payload, h.DecompressedSize)
	if err != nil {
		return nil, true, err
	}
	return data, true, nil
}

// inflate decompresses raw deflate data of a known size.
func inflate(data []byte, decompressedSize uint32) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()

	result := make([]byte, decompressedSize)
	if _, err := io.ReadFull(r, result); err != nil {
		return nil, fmt.Errorf("inflate block: %w", err)
	}

	// Trailing output means the header lied about the size.
	var extra [1]byte
	if n, _ := r.Read(extra[:]); n != 0 {
		return nil, fmt.Errorf("inflate block: more than %d bytes", decompressedSize)
	}

	return result, nil
}

// EncodeBlock returns data as a padded block. Compressed blocks fall
// back to stored when deflate does not save space.
func EncodeBlock(data []byte, compress bool) ([]byte, error) {
	if len(data) > maxBlockPayload {
		return nil, fmt.Errorf("block payload %d exceeds %d bytes", len(data), maxBlockPayload)
	}

	h := BlockHeader{
		HeaderSize:       blockHeaderSize,
		CompressedSize:   blockNotCompressed,
		DecompressedSize: uint32(len(data)),
	}
	payload := data

	if compress {
		var buf bytes.Buffer
		w, err := flate.NewWriter(&buf, flate.BestCompression)
		if err != nil {
			return nil, fmt.Errorf("create deflate writer: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("deflate write: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("deflate close: %w", err)
		}
		if buf.Len() < len(data) && buf.Len() != blockNotCompressed {
			payload = buf.Bytes()
			h.CompressedSize = uint32(buf.Len())
		}
	}

	out := make([]byte, h.PaddedSize())
	binary.LittleEndian.PutUint32(out[0:4], h.HeaderSize)
	binary.LittleEndian.PutUint32(out[4:8], h.Version)
	binary.LittleEndian.PutUint32(out[8:12], h.CompressedSize)
	binary.LittleEndian.PutUint32(out[12:16], h.DecompressedSize)
	copy(out[blockHeaderSize:], payload)
	return out, nil
}
