// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// ZiPatch format constants
const (
	// Every archive starts with this signature.
	signatureSize = 12

	// Chunk framing: size + type before the body, crc32 after it.
	chunkHeaderSize = 8
	chunkFooterSize = 4

	// SQPK body prefix: inner size + NUL-padded command.
	sqpkHeaderSize = 8

	// SqPack data is allocated in 128-byte units.
	entryAlignment = 128

	// Header replace commands always carry one 1024-byte header.
	headerReplaceSize = 1024

	// Largest payload the writer puts into a single block.
	maxBlockPayload = 16000
)

var archiveSignature = [signatureSize]byte{0x91, 0x5A, 0x49, 0x50, 0x41, 0x54, 0x43, 0x48, 0x0D, 0x0A, 0x1A, 0x0A}

// Chunk types
const (
	chunkSqpk            = "SQPK"
	chunkEOF             = "EOF_"
	chunkFileHeader      = "FHDR"
	chunkApplyOption     = "APLY"
	chunkAddDirectory    = "ADIR"
	chunkDeleteDirectory = "DELD"
)

// SQPK commands
const (
	cmdFileAdd       = "FA"
	cmdFileDelete    = "FD"
	cmdFileRemoveAll = "FR"
	cmdFileMakeTree  = "FM"
	cmdAddData       = "A"
	cmdDeleteData    = "D"
	cmdExpandData    = "E"
	cmdTargetInfo    = "T"
	cmdPatchInfo     = "X"
	cmdIndexAdd      = "IA"
	cmdIndexDelete   = "ID"
)

// Platform selects the file name suffix used by id-addressed SqPack files.
type Platform uint16

const (
	PlatformWin32 Platform = 0
	PlatformPS3   Platform = 1
	PlatformPS4   Platform = 2
)

// String returns the name used in SqPack file names.
func (p Platform) String() string {
	switch p {
	case PlatformWin32:
		return "win32"
	case PlatformPS3:
		return "ps3"
	case PlatformPS4:
		return "ps4"
	default:
		return fmt.Sprintf("platform%d", uint16(p))
	}
}

// chunkHeader precedes every chunk body.
type chunkHeader struct {
	Size uint32  // Body size, excluding header and footer
	Type [4]byte // ASCII tag
}

// sqpkHeader starts every SQPK chunk body.
type sqpkHeader struct {
	Size    uint32  // Inner size, repeated from the chunk header
	Command [4]byte // NUL-padded command
}

// fileOpHeader is shared by the FA, FD, FR and FM commands.
type fileOpHeader struct {
	Offset    uint64 // Target offset of the first block (FA)
	Size      uint64 // Decompressed size of the blocks in this chunk (FA)
	PathSize  uint32 // Length of the NUL-terminated path that follows
	ExpacID   uint16 // Expansion id (FR)
	Padding16 uint16
}

// Target identifies an SqPack file by numeric ids.
type Target struct {
	MainID uint16
	SubID  uint16
	FileID uint32
}

// addDataHeader follows the target file ids of an A command.
type addDataHeader struct {
	BlockOffset uint32 // In entryAlignment units
	BlockCount  uint32 // In entryAlignment units
	ClearCount  uint32 // In entryAlignment units, zeroed after the data
}

// zeroDataHeader follows the target file ids of D and E commands.
type zeroDataHeader struct {
	BlockOffset uint32 // In entryAlignment units
	BlockCount  uint32 // In entryAlignment units
}

// targetInfo is the payload of a T command.
type targetInfo struct {
	Platform    uint16
	Region      uint16
	IsDebug     uint16
	Version     uint16
	DeletedSize uint64
	SeekCount   uint64
}

var (
	fileOpHeaderSize   = int64(binary.Size(fileOpHeader{}))
	targetFileSize     = int64(binary.Size(Target{}))
	addDataHeaderSize  = int64(binary.Size(addDataHeader{}))
	zeroDataHeaderSize = int64(binary.Size(zeroDataHeader{}))
	targetInfoSize     = int64(binary.Size(targetInfo{}))
)

// Expansion returns the expansion number encoded in the sub id.
func (t Target) Expansion() uint16 {
	return t.SubID >> 8
}

// dir returns the sqpack directory of the target file.
func (t Target) dir() string {
	return "sqpack/" + expansionName(t.Expansion())
}

// DatPath returns the path of the data file addressed by t.
func (t Target) DatPath(platform Platform) string {
	return fmt.Sprintf("%s/%02x%04x.%s.dat%d", t.dir(), t.MainID, t.SubID, platform, t.FileID)
}

// IndexPath returns the path of the index file addressed by t.
// File id 0 is ".index"; later ids are numbered (".index2").
func (t Target) IndexPath(platform Platform) string {
	name := fmt.Sprintf("%s/%02x%04x.%s.index", t.dir(), t.MainID, t.SubID, platform)
	if t.FileID != 0 {
		name += fmt.Sprint(t.FileID)
	}
	return name
}

// expansionName returns the directory name of an expansion.
func expansionName(id uint16) string {
	if id == 0 {
		return "ffxiv"
	}
	return fmt.Sprintf("ex%d", id)
}

// tagString trims the NUL padding from a 4-byte tag.
func tagString(tag [4]byte) string {
	return string(bytes.TrimRight(tag[:], "\x00"))
}

// readStruct reads a big-endian fixed-size struct.
func readStruct(r io.Reader, v any) error {
	return binary.Read(r, binary.BigEndian, v)
}

// writeStruct writes a big-endian fixed-size struct.
func writeStruct(w io.Writer, v any) error {
	return binary.Write(w, binary.BigEndian, v)
}

// align rounds n up to the next multiple of entryAlignment.
func align(n uint64) uint64 {
	return (n + entryAlignment - 1) &^ (entryAlignment - 1)
}
