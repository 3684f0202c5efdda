// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/droverhq/drover/policy"
)

func TestReadSnapshotMissingFile(t *testing.T) {
	_, err := readSnapshot(filepath.Join(t.TempDir(), "absent"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("err = %v, want wrapping os.ErrNotExist", err)
	}
}

func TestReadSnapshotDetectsCorruption(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot")
	data := &snapshotData{
		Policies:    policy.Map{"k": {Value: "v"}},
		LastRefresh: time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC),
	}
	if err := writeSnapshot(path, data); err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"flipped_payload_bit", func(b []byte) []byte {
			b[len(b)-1] ^= 0x01
			return b
		}},
		{"truncated", func(b []byte) []byte {
			return b[:snapshotHeaderSize-2]
		}},
		{"bad_magic", func(b []byte) []byte {
			b[0] = 'X'
			return b
		}},
		{"future_version", func(b []byte) []byte {
			b[4] = snapshotVersion + 1
			return b
		}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			copied := make([]byte, len(raw))
			copy(copied, raw)
			mutated := test.mutate(copied)
			corruptPath := filepath.Join(t.TempDir(), "corrupt")
			if err := os.WriteFile(corruptPath, mutated, 0600); err != nil {
				t.Fatal(err)
			}
			if _, err := readSnapshot(corruptPath); err == nil {
				t.Error("corrupt snapshot read without error")
			}
		})
	}
}

func TestWriteSnapshotCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "snapshot")
	if err := writeSnapshot(path, &snapshotData{}); err != nil {
		t.Fatalf("writeSnapshot: %v", err)
	}
	if _, err := readSnapshot(path); err != nil {
		t.Errorf("readSnapshot: %v", err)
	}
}
