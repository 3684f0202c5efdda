// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package notify carries coarse enrollment status from the sync
// engine to UI and enrollment flows. The vocabulary is deliberately
// small: consumers see whether management is working, not raw
// transport error codes.
package notify

import (
	"fmt"
	"sync"
)

// Kind is the coarse status category.
type Kind int

const (
	// Unenrolled means the client holds no management credential.
	Unenrolled Kind = iota

	// Unmanaged means the server (or the domain list) resolved this
	// client as not managed.
	Unmanaged

	// BadAuthToken means the auth token was rejected and must be
	// re-acquired.
	BadAuthToken

	// LocalError means a client-side failure (snapshot corruption,
	// decode error) prevented applying policy.
	LocalError

	// NetworkError means a fetch failed; Detail narrows the cause.
	NetworkError

	// Success means the last fetch applied cleanly.
	Success
)

// String returns the human-readable name of a status kind.
func (k Kind) String() string {
	switch k {
	case Unenrolled:
		return "unenrolled"
	case Unmanaged:
		return "unmanaged"
	case BadAuthToken:
		return "bad-auth-token"
	case LocalError:
		return "local-error"
	case NetworkError:
		return "network-error"
	case Success:
		return "success"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Detail narrows a NetworkError status.
type Detail int

const (
	// DetailNone is used for statuses other than NetworkError.
	DetailNone Detail = iota

	// DetailBadToken means the device token was rejected.
	DetailBadToken

	// DetailPolicyFetch means the policy request itself failed.
	DetailPolicyFetch
)

// Status is one coarse status report.
type Status struct {
	Kind   Kind
	Detail Detail
}

// Observer receives status reports.
type Observer interface {
	OnStatusChanged(Status)
}

// Registry is an observer list with snapshot-before-iterate delivery:
// an observer may remove itself (or others) from inside its callback
// without corrupting the broadcast.
type Registry struct {
	mu        sync.Mutex
	observers []Observer
}

// AddObserver registers an observer. Duplicate registrations receive
// duplicate callbacks.
func (r *Registry) AddObserver(observer Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, observer)
}

// RemoveObserver unregisters the first matching registration of
// observer. Unknown observers are ignored.
func (r *Registry) RemoveObserver(observer Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.observers {
		if existing == observer {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

// Broadcast delivers status to every observer registered at the time
// of the call.
func (r *Registry) Broadcast(status Status) {
	r.mu.Lock()
	snapshot := make([]Observer, len(r.observers))
	copy(snapshot, r.observers)
	r.mu.Unlock()

	for _, observer := range snapshot {
		observer.OnStatusChanged(status)
	}
}

// OnStatusChanged forwards to Broadcast, so a Registry can itself be
// handed out wherever a single Observer is expected.
func (r *Registry) OnStatusChanged(status Status) { r.Broadcast(status) }
