// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/droverhq/drover/lib/codec"
	"github.com/droverhq/drover/policy"
)

// Snapshot file layout: magic, format version, BLAKE3-256 checksum of
// the compressed payload, zstd-compressed CBOR payload. The checksum
// detects truncation and bit rot; a snapshot that fails any check is
// treated as absent, never partially applied.
var snapshotMagic = []byte("DRVS")

const (
	snapshotVersion    = 1
	snapshotHeaderSize = 4 + 1 + 32
)

// snapshotData is the persisted subset of a cache's state.
type snapshotData struct {
	Policies    policy.Map        `cbor:"1,keyasint,omitempty"`
	LastRefresh time.Time         `cbor:"2,keyasint,omitempty"`
	Unmanaged   bool              `cbor:"3,keyasint,omitempty"`
	KeyVersion  policy.KeyVersion `cbor:"4,keyasint,omitempty"`
}

// writeSnapshot atomically persists data: encode, compress, checksum,
// write to a temporary file in the same directory, rename into place.
// Readers never see a partial snapshot.
func writeSnapshot(path string, data *snapshotData) error {
	raw, err := codec.Marshal(data)
	if err != nil {
		return fmt.Errorf("encoding snapshot: %w", err)
	}

	encoder, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("creating zstd encoder: %w", err)
	}
	compressed := encoder.EncodeAll(raw, nil)
	encoder.Close()

	checksum := blake3.Sum256(compressed)

	var buffer bytes.Buffer
	buffer.Grow(snapshotHeaderSize + len(compressed))
	buffer.Write(snapshotMagic)
	buffer.WriteByte(snapshotVersion)
	buffer.Write(checksum[:])
	buffer.Write(compressed)

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating snapshot directory: %w", err)
	}

	temporaryPath := path + ".tmp"
	file, err := os.OpenFile(temporaryPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating temporary snapshot: %w", err)
	}
	if _, err := file.Write(buffer.Bytes()); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary snapshot: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary snapshot: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary snapshot: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming snapshot into place: %w", err)
	}
	return nil
}

// readSnapshot reads and verifies a snapshot. A missing file returns
// an error wrapping os.ErrNotExist; a corrupt file returns a
// descriptive error. Either way the caller proceeds with an empty
// cache.
func readSnapshot(path string) (*snapshotData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(raw) < snapshotHeaderSize {
		return nil, fmt.Errorf("snapshot %s: truncated header (%d bytes)", path, len(raw))
	}
	if !bytes.Equal(raw[:4], snapshotMagic) {
		return nil, fmt.Errorf("snapshot %s: bad magic", path)
	}
	if raw[4] != snapshotVersion {
		return nil, fmt.Errorf("snapshot %s: unsupported version %d", path, raw[4])
	}

	compressed := raw[snapshotHeaderSize:]
	checksum := blake3.Sum256(compressed)
	if !bytes.Equal(checksum[:], raw[5:snapshotHeaderSize]) {
		return nil, fmt.Errorf("snapshot %s: checksum mismatch", path)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()
	decompressed, err := decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: decompressing: %w", path, err)
	}

	var data snapshotData
	if err := codec.Unmarshal(decompressed, &data); err != nil {
		return nil, fmt.Errorf("snapshot %s: decoding: %w", path, err)
	}
	return &data, nil
}
