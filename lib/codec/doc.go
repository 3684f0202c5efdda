// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec wraps the CBOR library with Drover's standard
// encoding configuration. Cache snapshots and fetch requests go
// through this package so that encoding options live in one place.
package codec
