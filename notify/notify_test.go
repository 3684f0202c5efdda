// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package notify

import "testing"

type recordingObserver struct {
	statuses []Status
	onNotify func()
}

func (o *recordingObserver) OnStatusChanged(status Status) {
	o.statuses = append(o.statuses, status)
	if o.onNotify != nil {
		o.onNotify()
	}
}

func TestBroadcastReachesAllObservers(t *testing.T) {
	registry := &Registry{}
	first := &recordingObserver{}
	second := &recordingObserver{}
	registry.AddObserver(first)
	registry.AddObserver(second)

	registry.Broadcast(Status{Kind: Success})

	if len(first.statuses) != 1 || len(second.statuses) != 1 {
		t.Fatalf("deliveries = %d, %d; want 1, 1", len(first.statuses), len(second.statuses))
	}
	if first.statuses[0].Kind != Success {
		t.Errorf("kind = %v, want Success", first.statuses[0].Kind)
	}
}

func TestRemoveDuringBroadcastIsSafe(t *testing.T) {
	registry := &Registry{}
	var second *recordingObserver
	first := &recordingObserver{}
	second = &recordingObserver{}
	// First observer removes the second mid-broadcast. The snapshot
	// taken before iterating still delivers to the second this time;
	// a later broadcast must not.
	first.onNotify = func() { registry.RemoveObserver(second) }
	registry.AddObserver(first)
	registry.AddObserver(second)

	registry.Broadcast(Status{Kind: NetworkError, Detail: DetailPolicyFetch})
	registry.Broadcast(Status{Kind: Success})

	if len(second.statuses) != 1 {
		t.Errorf("removed observer received %d deliveries, want 1", len(second.statuses))
	}
	if len(first.statuses) != 2 {
		t.Errorf("remaining observer received %d deliveries, want 2", len(first.statuses))
	}
}

func TestRemoveUnknownObserverIsNoop(t *testing.T) {
	registry := &Registry{}
	registry.RemoveObserver(&recordingObserver{})
	registry.Broadcast(Status{Kind: Unenrolled})
}
