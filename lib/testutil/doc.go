// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds small helpers shared by tests across the
// repository. Production code must not import it.
package testutil
