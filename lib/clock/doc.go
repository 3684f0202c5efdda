// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package clock provides an injectable time source so that retry
// backoff and refresh scheduling can be tested without real sleeps.
// The controller's scheduler is Clock.AfterFunc plus Timer.Stop: one
// cancellable deferred callback at a time.
package clock
