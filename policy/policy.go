// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package policy

import (
	"fmt"
	"time"
)

// Level distinguishes policies an administrator enforces from policies
// that merely set a default the user may override.
type Level int

const (
	// Mandatory policies are enforced; consumers must not let the
	// user override them.
	Mandatory Level = iota

	// Recommended policies set defaults the user may change.
	Recommended
)

// String returns the human-readable name of a level.
func (l Level) String() string {
	switch l {
	case Mandatory:
		return "mandatory"
	case Recommended:
		return "recommended"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// Scope identifies whether a policy applies to the whole machine or
// to the signed-in user.
type Scope int

const (
	// MachineScope policies apply to every user of the device.
	MachineScope Scope = iota

	// UserScope policies apply to the signed-in user only.
	UserScope
)

// String returns the human-readable name of a scope.
func (s Scope) String() string {
	switch s {
	case MachineScope:
		return "machine"
	case UserScope:
		return "user"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Entry is a single policy value together with its level and scope.
// Value is opaque to the engine; consumers interpret it.
type Entry struct {
	Level Level `cbor:"1,keyasint"`
	Scope Scope `cbor:"2,keyasint"`
	Value any   `cbor:"3,keyasint"`
}

// Map maps policy names to entries. The zero value (nil) is an empty
// map for reading; use make or Clone before writing.
type Map map[string]Entry

// Clone returns an independent copy of the map. Cloning a nil map
// returns an empty, writable map.
func (m Map) Clone() Map {
	clone := make(Map, len(m))
	for name, entry := range m {
		clone[name] = entry
	}
	return clone
}

// MergeFrom adds every entry of other whose name is not already
// present in m. First writer wins: an existing entry is never
// overwritten, so merging sources in precedence order (highest first)
// yields the highest-precedence value for each name.
func (m Map) MergeFrom(other Map) {
	for name, entry := range other {
		if _, exists := m[name]; !exists {
			m[name] = entry
		}
	}
}

// FilterLevel returns a new map containing only the entries with the
// given level.
func (m Map) FilterLevel(level Level) Map {
	filtered := make(Map)
	for name, entry := range m {
		if entry.Level == level {
			filtered[name] = entry
		}
	}
	return filtered
}

// KeyVersion is the server-side signing-key generation counter echoed
// back by the client so the server can detect that previously cached
// policy was signed with a now-rotated key. Valid is false when no
// version has been observed yet.
type KeyVersion struct {
	Version int  `cbor:"1,keyasint"`
	Valid   bool `cbor:"2,keyasint"`
}

// Bundle is the result of decoding a policy fetch response: the
// decoded policy map, the server-assigned timestamp of the response,
// and the signing-key version it was produced under.
type Bundle struct {
	Policies   Map        `cbor:"1,keyasint"`
	Timestamp  time.Time  `cbor:"2,keyasint"`
	KeyVersion KeyVersion `cbor:"3,keyasint"`
}
