// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"log/slog"
)

// OpKind classifies a scanned operation.
type OpKind uint8

const (
	// OpNoop is a recognized chunk or command with no effect on files.
	OpNoop OpKind = iota
	// OpFileAdd writes a run of blocks into a file (SQPK FA).
	OpFileAdd
	// OpFileDelete drops a file (SQPK FD).
	OpFileDelete
	// OpRemoveAll drops every file of an expansion (SQPK FR).
	OpRemoveAll
	// OpAddData writes raw data, optionally followed by zero fill (SQPK A).
	OpAddData
	// OpZeroData zero-fills a range (SQPK D and E).
	OpZeroData
	// OpHeader replaces a 1024-byte file header (SQPK H*).
	OpHeader
)

var opKindNames = [...]string{
	OpNoop:       "noop",
	OpFileAdd:    "file_add",
	OpFileDelete: "file_delete",
	OpRemoveAll:  "remove_all",
	OpAddData:    "add_data",
	OpZeroData:   "zero_data",
	OpHeader:     "header",
}

func (k OpKind) String() string {
	if int(k) < len(opKindNames) {
		return opKindNames[k]
	}
	return fmt.Sprintf("OpKind(%d)", uint8(k))
}

// Range is one target range written by an operation.
type Range struct {
	TargetOffset uint64
	TargetSize   uint64
	Source       Source
}

// Op is one operation read from an archive.
type Op struct {
	Kind      OpKind
	Command   string // Chunk type, or SQPK command for SQPK chunks
	Archive   string // Name of the archive holding the chunk
	Offset    int64  // Archive offset of the chunk header
	Path      string // Target file, empty for OpNoop and OpRemoveAll
	Expansion string // Expansion directory name for OpRemoveAll
	Reset     bool   // OpFileAdd starting at offset 0
	Ranges    []Range
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithChecksums makes the scanner verify chunk CRC32 footers.
func WithChecksums() ScannerOption {
	return func(s *Scanner) {
		s.verifyCRC = true
	}
}

// WithScannerLogger sets the logger used for skipped chunks.
func WithScannerLogger(logger *slog.Logger) ScannerOption {
	return func(s *Scanner) {
		s.logger = logger
	}
}

// WithSkipHook registers a function called for every skipped chunk.
func WithSkipHook(fn func(chunkType string)) ScannerOption {
	return func(s *Scanner) {
		s.onSkip = fn
	}
}

// Scanner reads the operations of one archive in order.
type Scanner struct {
	name  string
	index int
	size  int64

	cur cursor

	platform  Platform
	verifyCRC bool
	logger    *slog.Logger
	onSkip    func(string)

	started bool
	done    bool
	op      Op
	err     error
}

// NewScanner returns a scanner over an archive of the given size. The
// name is used in errors, the index becomes Source.Archive of every
// range.
func NewScanner(r io.Reader, size int64, name string, index int, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		name:     name,
		index:    index,
		size:     size,
		cur:      cursor{r: bufio.NewReaderSize(r, 1<<20)},
		platform: PlatformWin32,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Next advances to the next operation. It returns false at the end of
// the archive or on error.
func (s *Scanner) Next() bool {
	if s.done {
		return false
	}
	if !s.started {
		s.started = true
		if err := s.readSignature(); err != nil {
			return s.fail(err)
		}
	}

	for {
		op, ok, err := s.readChunk()
		if err != nil {
			return s.fail(err)
		}
		if s.done {
			return false
		}
		if ok {
			s.op = op
			return true
		}
	}
}

// Op returns the operation read by the last call to Next.
func (s *Scanner) Op() Op {
	return s.op
}

// Err returns the error that stopped the scan, if any.
func (s *Scanner) Err() error {
	return s.err
}

// Offset returns the number of archive bytes consumed so far.
func (s *Scanner) Offset() int64 {
	return s.cur.pos
}

// Platform returns the platform currently used for path templates.
func (s *Scanner) Platform() Platform {
	return s.platform
}

func (s *Scanner) fail(err error) bool {
	s.err = err
	s.done = true
	return false
}

func (s *Scanner) malformed(offset int64, format string, args ...any) error {
	return ErrMalformedArchive.New(s.name, offset, fmt.Sprintf(format, args...))
}

func (s *Scanner) readSignature() error {
	var sig [signatureSize]byte
	if err := s.read(sig[:]); err != nil {
		return s.malformed(0, "read signature: %v", err)
	}
	if sig != archiveSignature {
		return s.malformed(0, "bad signature %x", sig[:])
	}
	return nil
}

// readChunk consumes one chunk. ok is false for chunks that produce no
// operation.
func (s *Scanner) readChunk() (op Op, ok bool, err error) {
	start := s.cur.pos

	var hdr chunkHeader
	if err := readStruct(&s.cur, &hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return Op{}, false, s.malformed(start, "missing %s chunk", chunkEOF)
		}
		return Op{}, false, s.malformed(start, "read chunk header: %v", err)
	}

	bodyStart := s.cur.pos
	bodyEnd := bodyStart + int64(hdr.Size)
	if s.size > 0 && bodyEnd+chunkFooterSize > s.size {
		return Op{}, false, s.malformed(start, "chunk %q of %d bytes runs past the end of the archive", hdr.Type[:], hdr.Size)
	}

	if s.verifyCRC {
		s.cur.crc = newChunkHash(hdr.Type)
	}

	chunkType := tagString(hdr.Type)
	op = Op{Command: chunkType, Archive: s.name, Offset: start}

	switch chunkType {
	case chunkSqpk:
		op, ok, err = s.readSqpk(start, bodyEnd)
		if err != nil {
			return Op{}, false, err
		}
	case chunkEOF:
		s.done = true
	case chunkFileHeader, chunkApplyOption, chunkAddDirectory, chunkDeleteDirectory:
		ok = true
	default:
		s.skipped(chunkType, start)
	}

	if err := s.seekTo(start, bodyEnd); err != nil {
		return Op{}, false, err
	}

	computed := s.cur.sum()
	s.cur.crc = nil

	var stored [chunkFooterSize]byte
	if err := s.read(stored[:]); err != nil {
		return Op{}, false, s.malformed(bodyEnd, "read chunk footer: %v", err)
	}
	if s.verifyCRC {
		if got := binary.BigEndian.Uint32(stored[:]); got != computed {
			return Op{}, false, s.malformed(start, "chunk %s crc32 %08x, computed %08x", chunkType, got, computed)
		}
	}

	return op, ok, nil
}

func (s *Scanner) readSqpk(start, bodyEnd int64) (Op, bool, error) {
	var hdr sqpkHeader
	if err := s.readFixed(start, bodyEnd, &hdr, sqpkHeaderSize); err != nil {
		return Op{}, false, err
	}

	command := tagString(hdr.Command)
	op := Op{Command: command, Archive: s.name, Offset: start}

	switch {
	case command == cmdFileAdd:
		return s.readFileAdd(op, bodyEnd)

	case command == cmdFileDelete:
		_, path, err := s.readFileOp(start, bodyEnd)
		if err != nil {
			return Op{}, false, err
		}
		op.Kind = OpFileDelete
		op.Path = path
		return op, true, nil

	case command == cmdFileRemoveAll:
		fh, _, err := s.readFileOp(start, bodyEnd)
		if err != nil {
			return Op{}, false, err
		}
		op.Kind = OpRemoveAll
		op.Expansion = expansionName(fh.ExpacID)
		return op, true, nil

	case command == cmdAddData:
		var t Target
		var ah addDataHeader
		if err := s.readFixed(start, bodyEnd, &t, targetFileSize); err != nil {
			return Op{}, false, err
		}
		if err := s.readFixed(start, bodyEnd, &ah, addDataHeaderSize); err != nil {
			return Op{}, false, err
		}
		offset := uint64(ah.BlockOffset) * entryAlignment
		size := uint64(ah.BlockCount) * entryAlignment
		if s.cur.pos+int64(size) > bodyEnd {
			return Op{}, false, s.malformed(start, "add data of %d bytes runs past the chunk", size)
		}
		op.Kind = OpAddData
		op.Path = t.DatPath(s.platform)
		op.Ranges = append(op.Ranges, Range{
			TargetOffset: offset,
			TargetSize:   size,
			Source:       Source{Kind: SourceRaw, Archive: s.index, Offset: uint64(s.cur.pos), Size: size},
		})
		if ah.ClearCount != 0 {
			op.Ranges = append(op.Ranges, Range{
				TargetOffset: offset + size,
				TargetSize:   uint64(ah.ClearCount) * entryAlignment,
			})
		}
		return op, true, nil

	case command == cmdDeleteData || command == cmdExpandData:
		var t Target
		var zh zeroDataHeader
		if err := s.readFixed(start, bodyEnd, &t, targetFileSize); err != nil {
			return Op{}, false, err
		}
		if err := s.readFixed(start, bodyEnd, &zh, zeroDataHeaderSize); err != nil {
			return Op{}, false, err
		}
		op.Kind = OpZeroData
		op.Path = t.DatPath(s.platform)
		op.Ranges = []Range{{
			TargetOffset: uint64(zh.BlockOffset) * entryAlignment,
			TargetSize:   uint64(zh.BlockCount) * entryAlignment,
		}}
		return op, true, nil

	case len(command) == 3 && command[0] == 'H':
		return s.readHeader(op, bodyEnd)

	case command == cmdTargetInfo:
		var ti targetInfo
		if err := s.readFixed(start, bodyEnd, &ti, targetInfoSize); err != nil {
			return Op{}, false, err
		}
		s.platform = Platform(ti.Platform)
		return op, true, nil

	case command == cmdFileMakeTree, command == cmdPatchInfo,
		command == cmdIndexAdd, command == cmdIndexDelete:
		return op, true, nil
	}

	s.skipped(chunkSqpk+":"+command, start)
	return Op{}, false, nil
}

func (s *Scanner) readFileOp(start, bodyEnd int64) (fileOpHeader, string, error) {
	var fh fileOpHeader
	if err := s.readFixed(start, bodyEnd, &fh, fileOpHeaderSize); err != nil {
		return fh, "", err
	}
	if s.cur.pos+int64(fh.PathSize) > bodyEnd {
		return fh, "", s.malformed(start, "path of %d bytes runs past the chunk", fh.PathSize)
	}
	raw := make([]byte, fh.PathSize)
	if err := s.read(raw); err != nil {
		return fh, "", s.malformed(start, "read path: %v", err)
	}
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	return fh, string(raw), nil
}

func (s *Scanner) readFileAdd(op Op, bodyEnd int64) (Op, bool, error) {
	fh, path, err := s.readFileOp(op.Offset, bodyEnd)
	if err != nil {
		return Op{}, false, err
	}
	op.Kind = OpFileAdd
	op.Path = path
	op.Reset = fh.Offset == 0

	cursor := fh.Offset
	for s.cur.pos < bodyEnd {
		blockStart := s.cur.pos
		if bodyEnd-blockStart < blockHeaderSize {
			return Op{}, false, s.malformed(blockStart, "truncated block header in %s", path)
		}
		var raw [blockHeaderSize]byte
		if err := s.read(raw[:]); err != nil {
			return Op{}, false, s.malformed(blockStart, "read block header: %v", err)
		}
		bh := parseBlockHeader(raw[:])
		if err := bh.validate(); err != nil {
			return Op{}, false, s.malformed(blockStart, "%v", err)
		}
		padded := bh.PaddedSize()
		if uint64(bodyEnd-blockStart) < padded {
			return Op{}, false, s.malformed(blockStart, "block of %d bytes runs past the chunk", padded)
		}
		if err := s.discard(int64(padded) - blockHeaderSize); err != nil {
			return Op{}, false, s.malformed(blockStart, "skip block: %v", err)
		}

		op.Ranges = append(op.Ranges, Range{
			TargetOffset: cursor,
			TargetSize:   uint64(bh.DecompressedSize),
			Source:       Source{Kind: SourceBlock, Archive: s.index, Offset: uint64(blockStart), Size: padded},
		})
		cursor += uint64(bh.DecompressedSize)
	}
	return op, true, nil
}

func (s *Scanner) readHeader(op Op, bodyEnd int64) (Op, bool, error) {
	var t Target
	if err := s.readFixed(op.Offset, bodyEnd, &t, targetFileSize); err != nil {
		return Op{}, false, err
	}

	switch op.Command[1] {
	case 'D':
		op.Path = t.DatPath(s.platform)
	case 'I':
		op.Path = t.IndexPath(s.platform)
	default:
		s.skipped(chunkSqpk+":"+op.Command, op.Offset)
		return Op{}, false, nil
	}

	var target uint64
	switch op.Command[2] {
	case 'V':
		target = 0
	case 'I', 'D':
		target = headerReplaceSize
	default:
		s.skipped(chunkSqpk+":"+op.Command, op.Offset)
		return Op{}, false, nil
	}

	if s.cur.pos+headerReplaceSize > bodyEnd {
		return Op{}, false, s.malformed(op.Offset, "header data runs past the chunk")
	}
	op.Kind = OpHeader
	op.Ranges = []Range{{
		TargetOffset: target,
		TargetSize:   headerReplaceSize,
		Source:       Source{Kind: SourceRaw, Archive: s.index, Offset: uint64(s.cur.pos), Size: headerReplaceSize},
	}}
	return op, true, nil
}

func (s *Scanner) skipped(chunkType string, offset int64) {
	s.logger.Warn("skipping unknown chunk", "archive", s.name, "type", chunkType, "offset", offset)
	if s.onSkip != nil {
		s.onSkip(chunkType)
	}
}

// readFixed reads a fixed-size struct that must fit in the chunk body.
func (s *Scanner) readFixed(start, bodyEnd int64, v any, size int64) error {
	if s.cur.pos+size > bodyEnd {
		return s.malformed(start, "%d-byte field at %d runs past the chunk", size, s.cur.pos)
	}
	if err := readStruct(&s.cur, v); err != nil {
		return s.malformed(start, "read field at %d: %v", s.cur.pos, err)
	}
	return nil
}

// seekTo advances to target, which must not be behind the cursor.
func (s *Scanner) seekTo(start, target int64) error {
	if s.cur.pos > target {
		return s.malformed(start, "read past the chunk end %d", target)
	}
	if err := s.discard(target - s.cur.pos); err != nil {
		return s.malformed(start, "skip chunk body: %v", err)
	}
	return nil
}

func (s *Scanner) read(p []byte) error {
	_, err := io.ReadFull(&s.cur, p)
	return err
}

func (s *Scanner) discard(n int64) error {
	return s.cur.discard(n)
}

// cursor tracks the archive position of a buffered reader and feeds the
// bytes it passes over into the current chunk hash.
type cursor struct {
	r   *bufio.Reader
	pos int64
	crc hash.Hash32
}

func (c *cursor) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.pos += int64(n)
	if c.crc != nil {
		c.crc.Write(p[:n])
	}
	return n, err
}

func (c *cursor) discard(n int64) error {
	if n == 0 {
		return nil
	}
	if c.crc != nil {
		_, err := io.CopyN(io.Discard, c, n)
		return err
	}
	for n > 0 {
		step := min(n, 1<<30)
		d, err := c.r.Discard(int(step))
		c.pos += int64(d)
		if err != nil {
			return err
		}
		n -= int64(d)
	}
	return nil
}

func (c *cursor) sum() uint32 {
	if c.crc == nil {
		return 0
	}
	return c.crc.Sum32()
}
