// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy defines the policy data model shared by the sync
// engine: named, typed configuration values pushed from a central
// management service, each carrying a mandatory/recommended level and
// a machine/user scope.
//
// A Map is the unit of exchange between sources and consumers. Maps
// are treated as immutable once published: producers build a fresh
// Map and swap it in wholesale rather than mutating a shared one, so
// readers never observe a partial update.
package policy
