// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
)

// Header replace commands accepted by Writer.Header.
const (
	HeaderDatVersion = "HDV"
	HeaderDatIndex   = "HDI"
	HeaderDatData    = "HDD"
	HeaderIdxVersion = "HIV"
	HeaderIdxIndex   = "HII"
	HeaderIdxData    = "HID"
)

// Writer builds a ZiPatch archive. Chunks are written to a temp file in
// the destination directory, which replaces the destination on Close.
type Writer struct {
	file     *os.File
	buf      *bufio.Writer
	path     string
	tempPath string
	offset   int64
	err      error
}

// Create starts a new archive at path.
func Create(path string) (*Writer, error) {
	// Ensure parent directory exists
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	// Create temp file in same directory for atomic write
	file, err := os.CreateTemp(filepath.Dir(path), "zipatch_*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	w := &Writer{
		file:     file,
		buf:      bufio.NewWriter(file),
		path:     path,
		tempPath: file.Name(),
	}
	w.write(archiveSignature[:])
	if w.err != nil {
		w.abort()
		return nil, w.err
	}
	return w, nil
}

// Offset returns the archive offset the next chunk will be written at.
func (w *Writer) Offset() int64 {
	return w.offset
}

// FileAdd writes data to path starting at offset, split into blocks of
// at most 16000 bytes. Blocks are deflated when compress is set and
// compression saves space.
func (w *Writer) FileAdd(path string, offset uint64, data []byte, compress bool) error {
	var body bytes.Buffer
	w.fileOp(&body, cmdFileAdd, fileOpHeader{Offset: offset, Size: uint64(len(data))}, path)

	for start := 0; start < len(data); start += maxBlockPayload {
		end := min(start+maxBlockPayload, len(data))
		block, err := EncodeBlock(data[start:end], compress)
		if err != nil {
			return fmt.Errorf("encode block at %d of %s: %w", start, path, err)
		}
		body.Write(block)
	}

	return w.sqpk(body.Bytes())
}

// FileDelete removes path.
func (w *Writer) FileDelete(path string) error {
	var body bytes.Buffer
	w.fileOp(&body, cmdFileDelete, fileOpHeader{}, path)
	return w.sqpk(body.Bytes())
}

// RemoveAll removes every file of an expansion.
func (w *Writer) RemoveAll(expansion uint16) error {
	var body bytes.Buffer
	w.fileOp(&body, cmdFileRemoveAll, fileOpHeader{ExpacID: expansion}, "")
	return w.sqpk(body.Bytes())
}

// AddData writes data into the data file of target at blockOffset
// (in 128-byte units), zero padded to a 128-byte boundary, then clears
// clearBlocks further units.
func (w *Writer) AddData(target Target, blockOffset uint32, data []byte, clearBlocks uint32) error {
	padded := make([]byte, align(uint64(len(data))))
	copy(padded, data)

	var body bytes.Buffer
	writeCommand(&body, cmdAddData)
	writeStruct(&body, target)
	writeStruct(&body, addDataHeader{
		BlockOffset: blockOffset,
		BlockCount:  uint32(len(padded) / entryAlignment),
		ClearCount:  clearBlocks,
	})
	body.Write(padded)
	return w.sqpk(body.Bytes())
}

// ZeroData zero-fills blockCount 128-byte units of the data file of
// target, starting at blockOffset.
func (w *Writer) ZeroData(target Target, blockOffset, blockCount uint32) error {
	return w.zero(cmdDeleteData, target, blockOffset, blockCount)
}

// ExpandData is ZeroData written as an expand command.
func (w *Writer) ExpandData(target Target, blockOffset, blockCount uint32) error {
	return w.zero(cmdExpandData, target, blockOffset, blockCount)
}

func (w *Writer) zero(command string, target Target, blockOffset, blockCount uint32) error {
	var body bytes.Buffer
	writeCommand(&body, command)
	writeStruct(&body, target)
	writeStruct(&body, zeroDataHeader{BlockOffset: blockOffset, BlockCount: blockCount})
	return w.sqpk(body.Bytes())
}

// Header replaces a 1024-byte file header. kind is one of the Header*
// constants; data is zero padded to 1024 bytes.
func (w *Writer) Header(kind string, target Target, data []byte) error {
	if len(kind) != 3 || kind[0] != 'H' {
		return fmt.Errorf("invalid header kind %q", kind)
	}
	if len(data) > headerReplaceSize {
		return fmt.Errorf("header of %d bytes exceeds %d", len(data), headerReplaceSize)
	}
	header := make([]byte, headerReplaceSize)
	copy(header, data)

	var body bytes.Buffer
	writeCommand(&body, kind)
	writeStruct(&body, target)
	body.Write(header)
	return w.sqpk(body.Bytes())
}

// TargetInfo selects the platform used for id-addressed paths in the
// rest of the archive.
func (w *Writer) TargetInfo(platform Platform) error {
	var body bytes.Buffer
	writeCommand(&body, cmdTargetInfo)
	writeStruct(&body, targetInfo{Platform: uint16(platform)})
	return w.sqpk(body.Bytes())
}

// RawChunk writes an arbitrary chunk.
func (w *Writer) RawChunk(chunkType string, body []byte) error {
	if len(chunkType) != 4 {
		return fmt.Errorf("chunk type %q is not 4 bytes", chunkType)
	}
	var tag [4]byte
	copy(tag[:], chunkType)
	return w.chunk(tag, body)
}

// Close terminates the archive with an EOF_ chunk and moves it into place.
func (w *Writer) Close() error {
	if w.file == nil {
		return w.err
	}
	if err := w.RawChunk(chunkEOF, nil); err != nil {
		w.abort()
		return err
	}
	if err := w.buf.Flush(); err != nil {
		w.abort()
		return fmt.Errorf("flush archive: %w", err)
	}
	if err := w.file.Sync(); err != nil {
		w.abort()
		return fmt.Errorf("sync archive: %w", err)
	}
	if err := w.file.Close(); err != nil {
		w.file = nil
		os.Remove(w.tempPath)
		return fmt.Errorf("close archive: %w", err)
	}
	w.file = nil

	if err := os.Rename(w.tempPath, w.path); err != nil {
		os.Remove(w.tempPath)
		return fmt.Errorf("move temp file to final location: %w", err)
	}
	return nil
}

func (w *Writer) abort() {
	if w.file != nil {
		w.file.Close()
		w.file = nil
	}
	os.Remove(w.tempPath)
}

// fileOp writes the command and header shared by the file operations.
func (w *Writer) fileOp(body *bytes.Buffer, command string, hdr fileOpHeader, path string) {
	if path != "" {
		hdr.PathSize = uint32(len(path) + 1)
	}
	writeCommand(body, command)
	writeStruct(body, hdr)
	if path != "" {
		body.WriteString(path)
		body.WriteByte(0)
	}
}

// sqpk wraps a command body (starting with its command tag) into an
// SQPK chunk. The inner size repeats the chunk body size.
func (w *Writer) sqpk(payload []byte) error {
	body := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(body, uint32(len(body)))
	copy(body[4:], payload)
	return w.RawChunk(chunkSqpk, body)
}

func (w *Writer) chunk(chunkType [4]byte, body []byte) error {
	if w.err != nil {
		return w.err
	}
	if w.file == nil {
		return fmt.Errorf("archive %s is closed", w.path)
	}
	if uint64(len(body)) > math.MaxUint32 {
		return fmt.Errorf("chunk body of %d bytes is too large", len(body))
	}

	var footer [chunkFooterSize]byte
	binary.BigEndian.PutUint32(footer[:], chunkCRC(chunkType, body))

	var hdr bytes.Buffer
	writeStruct(&hdr, chunkHeader{Size: uint32(len(body)), Type: chunkType})

	w.write(hdr.Bytes())
	w.write(body)
	w.write(footer[:])
	return w.err
}

func (w *Writer) write(p []byte) {
	if w.err != nil {
		return
	}
	n, err := w.buf.Write(p)
	w.offset += int64(n)
	if err != nil {
		w.err = fmt.Errorf("write archive: %w", err)
	}
}

// writeCommand writes a NUL-padded 4-byte SQPK command tag.
func writeCommand(body *bytes.Buffer, command string) {
	var tag [4]byte
	copy(tag[:], command)
	body.Write(tag[:])
}
