// Copyright (c) 2025 suprsokr
// SPDX-License-Identifier: MIT

package zipatch

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

const (
	checkpointMagic   = "ZPCK"
	checkpointVersion = 1
	checkpointSuffix  = ".checkpoint"
)

// Checkpoint file layout: magic, version byte, BLAKE3 digest of the
// compressed payload, zstd-compressed CBOR payload.
const checkpointHeaderSize = len(checkpointMagic) + 1 + 32

// checkpointPayload is the CBOR body of a checkpoint.
type checkpointPayload struct {
	Version  int               `cbor:"1,keyasint"`
	Archives []string          `cbor:"2,keyasint"`
	Files    map[string][]Part `cbor:"3,keyasint"`
}

var (
	checkpointEncMode cbor.EncMode
	checkpointDecMode cbor.DecMode

	checkpointEncoder *zstd.Encoder
	checkpointDecoder *zstd.Decoder
)

func init() {
	var err error

	// Core Deterministic Encoding: the same state always produces the
	// same bytes, so checkpoints can be compared by digest.
	checkpointEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("zipatch: CBOR encoder initialization failed: " + err.Error())
	}
	checkpointDecMode, err = cbor.DecOptions{
		MaxArrayElements: math.MaxInt32,
		MaxMapPairs:      math.MaxInt32,
	}.DecMode()
	if err != nil {
		panic("zipatch: CBOR decoder initialization failed: " + err.Error())
	}

	checkpointEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("zipatch: zstd encoder initialization failed: " + err.Error())
	}
	checkpointDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("zipatch: zstd decoder initialization failed: " + err.Error())
	}
}

// CheckpointStore persists scan state in a directory, one checkpoint
// per archive it was taken after.
type CheckpointStore struct {
	dir string
}

// NewCheckpointStore returns a store rooted at dir, creating it if needed.
func NewCheckpointStore(dir string) (*CheckpointStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}
	return &CheckpointStore{dir: dir}, nil
}

// Dir returns the store directory.
func (c *CheckpointStore) Dir() string {
	return c.dir
}

// Token returns the token of the checkpoint taken after the named archive.
func (c *CheckpointStore) Token(archive string) string {
	return archive + checkpointSuffix
}

// Save writes state and returns its token. The checkpoint is written to
// a temp file and renamed into place, so a crash never leaves a partial
// checkpoint under the final name.
func (c *CheckpointStore) Save(state *State) (string, error) {
	if len(state.Archives) == 0 {
		return "", fmt.Errorf("refusing to checkpoint a state with no archives")
	}
	if err := state.Validate(); err != nil {
		return "", err
	}

	data, err := MarshalState(state)
	if err != nil {
		return "", err
	}

	token := c.Token(state.Archives[len(state.Archives)-1])
	if err := writeFileAtomic(filepath.Join(c.dir, token), data); err != nil {
		return "", fmt.Errorf("write checkpoint %s: %w", token, err)
	}
	return token, nil
}

// Load reads the checkpoint identified by token.
func (c *CheckpointStore) Load(token string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, token))
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", token, err)
	}
	state, err := UnmarshalState(data)
	if err != nil {
		return nil, ErrCorruptCheckpoint.New(token, err.Error())
	}
	return state, nil
}

// Latest returns the newest checkpoint that reflects a prefix of names,
// or a nil state if there is none. Checkpoints that fail to load or
// that were taken over a different archive sequence are ignored.
func (c *CheckpointStore) Latest(names []string) (*State, string, error) {
	for i := len(names) - 1; i >= 0; i-- {
		token := c.Token(names[i])
		state, err := c.Load(token)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			if ErrCorruptCheckpoint.Is(err) {
				continue
			}
			return nil, "", err
		}
		if !slices.Equal(state.Archives, names[:i+1]) {
			continue
		}
		return state, token, nil
	}
	return nil, "", nil
}

// MarshalState encodes state in the checkpoint format.
func MarshalState(state *State) ([]byte, error) {
	payload := checkpointPayload{
		Version:  checkpointVersion,
		Archives: state.Archives,
		Files:    make(map[string][]Part, len(state.Files)),
	}
	for path, parts := range state.Files {
		payload.Files[path] = parts.parts
	}

	encoded, err := checkpointEncMode.Marshal(&payload)
	if err != nil {
		return nil, fmt.Errorf("encode checkpoint: %w", err)
	}
	compressed := checkpointEncoder.EncodeAll(encoded, nil)
	digest := blake3.Sum256(compressed)

	out := make([]byte, 0, checkpointHeaderSize+len(compressed))
	out = append(out, checkpointMagic...)
	out = append(out, checkpointVersion)
	out = append(out, digest[:]...)
	out = append(out, compressed...)
	return out, nil
}

// UnmarshalState decodes a checkpoint produced by MarshalState.
func UnmarshalState(data []byte) (*State, error) {
	if len(data) < checkpointHeaderSize || !bytes.HasPrefix(data, []byte(checkpointMagic)) {
		return nil, fmt.Errorf("bad magic")
	}
	if v := data[len(checkpointMagic)]; v != checkpointVersion {
		return nil, fmt.Errorf("unsupported version %d", v)
	}
	digestStart := len(checkpointMagic) + 1
	compressed := data[checkpointHeaderSize:]
	if digest := blake3.Sum256(compressed); !bytes.Equal(digest[:], data[digestStart:checkpointHeaderSize]) {
		return nil, fmt.Errorf("digest mismatch")
	}

	encoded, err := checkpointDecoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress: %w", err)
	}

	var payload checkpointPayload
	if err := checkpointDecMode.Unmarshal(encoded, &payload); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if payload.Version != checkpointVersion {
		return nil, fmt.Errorf("payload version %d", payload.Version)
	}

	state := NewState()
	state.Archives = payload.Archives
	for path, parts := range payload.Files {
		list, err := NewPartList(parts)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, p := range parts {
			if p.Source.Kind != SourceZero && (p.Source.Archive < 0 || p.Source.Archive >= len(state.Archives)) {
				return nil, fmt.Errorf("%s: part %s references unknown archive", path, p)
			}
		}
		state.Files[path] = list
	}
	return state, nil
}

// writeFileAtomic writes data to a temp file in the target directory,
// syncs it and renames it over path.
func writeFileAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}
