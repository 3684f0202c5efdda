// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package localfile loads policy from a directory of JSONC files
// (JSON extended with comments and trailing commas) and installs it
// into a policy cache as an initial, locally-authored source.
//
// Each file maps policy names to entries:
//
//	{
//	  // force the proxy for every user on this machine
//	  "ProxyServer": {"level": "mandatory", "scope": "machine", "value": "10.0.0.1:8080"},
//	  "Homepage":    {"value": "https://intranet.corp.example"},
//	}
//
// Level and scope are optional and default to mandatory/machine.
// Files are read in lexical order; on a name conflict the earlier
// file wins.
package localfile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/tidwall/jsonc"

	"github.com/droverhq/drover/lib/clock"
	"github.com/droverhq/drover/policy"
	"github.com/droverhq/drover/policy/cache"
)

// fileEntry is the on-disk shape of one policy entry.
type fileEntry struct {
	Level string `json:"level"`
	Scope string `json:"scope"`
	Value any    `json:"value"`
}

// Parse strips JSONC comments and trailing commas from data, then
// unmarshals the result into a policy map.
func Parse(data []byte) (policy.Map, error) {
	stripped := jsonc.ToJSON(data)

	var entries map[string]fileEntry
	if err := json.Unmarshal(stripped, &entries); err != nil {
		return nil, fmt.Errorf("parsing policy file: %w", err)
	}

	policies := make(policy.Map, len(entries))
	for name, entry := range entries {
		level, err := parseLevel(entry.Level)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		scope, err := parseScope(entry.Scope)
		if err != nil {
			return nil, fmt.Errorf("policy %q: %w", name, err)
		}
		policies[name] = policy.Entry{Level: level, Scope: scope, Value: entry.Value}
	}
	return policies, nil
}

// ReadFile reads and parses one JSONC policy file.
func ReadFile(path string) (policy.Map, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	policies, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return policies, nil
}

func parseLevel(s string) (policy.Level, error) {
	switch strings.ToLower(s) {
	case "", "mandatory":
		return policy.Mandatory, nil
	case "recommended":
		return policy.Recommended, nil
	default:
		return 0, fmt.Errorf("unknown level %q", s)
	}
}

func parseScope(s string) (policy.Scope, error) {
	switch strings.ToLower(s) {
	case "", "machine":
		return policy.MachineScope, nil
	case "user":
		return policy.UserScope, nil
	default:
		return 0, fmt.Errorf("unknown scope %q", s)
	}
}

// Loader reads every *.jsonc file under one directory.
type Loader struct {
	dir    string
	clock  clock.Clock
	logger *slog.Logger
}

// NewLoader returns a Loader for the given directory.
func NewLoader(dir string, clk clock.Clock, logger *slog.Logger) *Loader {
	if clk == nil {
		clk = clock.Real()
	}
	return &Loader{
		dir:    dir,
		clock:  clk,
		logger: logger.With("dir", dir),
	}
}

// Load reads the directory and merges its files in lexical order,
// earlier files winning name conflicts. Malformed files are logged
// and skipped; a missing directory yields an empty map. Load never
// fails: local policy is best effort by design.
func (l *Loader) Load() policy.Map {
	names, err := filepath.Glob(filepath.Join(l.dir, "*.jsonc"))
	if err != nil {
		l.logger.Warn("listing policy files failed", "error", err)
		return make(policy.Map)
	}
	sort.Strings(names)

	merged := make(policy.Map)
	for _, name := range names {
		policies, err := ReadFile(name)
		if err != nil {
			l.logger.Warn("skipping malformed policy file", "error", err)
			continue
		}
		merged.MergeFrom(policies)
		l.logger.Debug("loaded policy file", "file", filepath.Base(name), "entries", len(policies))
	}
	return merged
}

// Install loads the directory and installs the result into the cache
// as its initial policy, marking the cache's fetch outcome resolved.
func (l *Loader) Install(c *cache.Cache) {
	c.SetInitialPolicy(l.Load(), l.clock.Now())
}
