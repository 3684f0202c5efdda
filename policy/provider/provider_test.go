// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/droverhq/drover/lib/clock"
	"github.com/droverhq/drover/lib/codec"
	"github.com/droverhq/drover/policy"
	"github.com/droverhq/drover/policy/cache"
)

var testTime = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func decodeBundle(payload []byte) (*policy.Bundle, error) {
	var bundle policy.Bundle
	if err := codec.Unmarshal(payload, &bundle); err != nil {
		return nil, err
	}
	return &bundle, nil
}

func newCache(t *testing.T, name string) *cache.Cache {
	t.Helper()
	c := cache.New(cache.Options{
		Name:   name,
		Clock:  clock.Fake(testTime),
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
		Decode: decodeBundle,
	})
	c.Load()
	return c
}

// newReadyCache builds a loaded cache holding the given policies,
// ready for consumption.
func newReadyCache(t *testing.T, name string, policies policy.Map) *cache.Cache {
	t.Helper()
	c := newCache(t, name)
	if policies != nil {
		c.SetInitialPolicy(policies, testTime)
	} else {
		c.SetFetchingDone()
	}
	return c
}

func mandatory(value any) policy.Entry {
	return policy.Entry{Level: policy.Mandatory, Scope: policy.MachineScope, Value: value}
}

type countObserver struct {
	calls int
}

func (o *countObserver) OnPolicyUpdated() { o.calls++ }

type fakeInitiator struct {
	calls int
}

func (f *fakeInitiator) InitiateRefresh() { f.calls++ }

func TestEarlierCacheWinsKeyConflicts(t *testing.T) {
	high := newReadyCache(t, "high", policy.Map{
		"proxy": mandatory("high-proxy"),
	})
	low := newReadyCache(t, "low", policy.Map{
		"proxy":    mandatory("low-proxy"),
		"homepage": mandatory("https://corp.example"),
	})

	p := NewMultiSource(policy.Mandatory, nil)
	p.AppendCache(high)
	p.AppendCache(low)

	combined := p.GetPolicy()
	if got := combined["proxy"].Value; got != "high-proxy" {
		t.Errorf("proxy = %v, want the earlier cache's value", got)
	}
	if got := combined["homepage"].Value; got != "https://corp.example" {
		t.Errorf("homepage = %v, want the later cache's unique key", got)
	}
}

func TestPrependTakesPrecedence(t *testing.T) {
	base := newReadyCache(t, "base", policy.Map{
		"proxy": mandatory("base-proxy"),
	})
	override := newReadyCache(t, "override", policy.Map{
		"proxy": mandatory("override-proxy"),
	})

	p := NewMultiSource(policy.Mandatory, nil)
	p.AppendCache(base)
	p.PrependCache(override)

	if got := p.GetPolicy()["proxy"].Value; got != "override-proxy" {
		t.Errorf("proxy = %v, want the prepended cache's value", got)
	}
}

func TestCombinedFiltersByLevel(t *testing.T) {
	c := newReadyCache(t, "mixed", policy.Map{
		"required":  {Level: policy.Mandatory, Value: "yes"},
		"suggested": {Level: policy.Recommended, Value: "maybe"},
	})

	p := NewMultiSource(policy.Mandatory, nil)
	p.AppendCache(c)

	combined := p.GetPolicy()
	if _, ok := combined["required"]; !ok {
		t.Error("mandatory entry missing from combined map")
	}
	if _, ok := combined["suggested"]; ok {
		t.Error("recommended entry leaked into a mandatory provider")
	}
}

func TestRefreshWithoutCachesNotifiesSynchronously(t *testing.T) {
	initiator := &fakeInitiator{}
	p := NewMultiSource(policy.Mandatory, initiator)
	observer := &countObserver{}
	p.AddObserver(observer)

	p.RefreshPolicies()

	if observer.calls != 1 {
		t.Errorf("notifications = %d, want exactly 1", observer.calls)
	}
	if initiator.calls != 0 {
		t.Errorf("initiator calls = %d, want 0 with no caches", initiator.calls)
	}
}

func TestRefreshBarrierCoalescesNotifications(t *testing.T) {
	a := newReadyCache(t, "a", policy.Map{"ka": mandatory(1)})
	b := newReadyCache(t, "b", policy.Map{"kb": mandatory(2)})
	initiator := &fakeInitiator{}
	p := NewMultiSource(policy.Mandatory, initiator)
	p.AppendCache(a)
	p.AppendCache(b)

	observer := &countObserver{}
	p.AddObserver(observer)

	p.RefreshPolicies()
	if initiator.calls != 1 {
		t.Fatalf("initiator calls = %d, want 1", initiator.calls)
	}
	if observer.calls != 0 {
		t.Fatalf("notifications = %d before any source reported", observer.calls)
	}

	// One of two sources reporting keeps the barrier up.
	a.SetInitialPolicy(policy.Map{"ka": mandatory(10)}, testTime)
	if observer.calls != 0 {
		t.Fatalf("notifications = %d with one source outstanding", observer.calls)
	}

	// The second report releases exactly one notification.
	b.SetInitialPolicy(policy.Map{"kb": mandatory(20)}, testTime)
	if observer.calls != 1 {
		t.Errorf("notifications = %d after barrier release, want 1", observer.calls)
	}
	if got := p.GetPolicy()["ka"].Value; got != 10 {
		t.Errorf("combined ka = %v, want the refreshed value", got)
	}
}

func TestCacheGoingAwayReleasesBarrier(t *testing.T) {
	a := newReadyCache(t, "a", policy.Map{"ka": mandatory(1)})
	b := newReadyCache(t, "b", policy.Map{"kb": mandatory(2)})
	p := NewMultiSource(policy.Mandatory, &fakeInitiator{})
	p.AppendCache(a)
	p.AppendCache(b)

	observer := &countObserver{}
	p.AddObserver(observer)

	p.RefreshPolicies()
	a.SetInitialPolicy(policy.Map{"ka": mandatory(1)}, testTime)
	if observer.calls != 0 {
		t.Fatalf("notifications = %d with barrier outstanding", observer.calls)
	}

	// The outstanding source disappears; the barrier must complete
	// rather than wait forever.
	b.Close()
	if observer.calls != 1 {
		t.Errorf("notifications = %d after source went away, want 1", observer.calls)
	}
	if _, ok := p.GetPolicy()["kb"]; ok {
		t.Error("departed cache's policy still in the combined map")
	}
}

func TestUnreadyCacheBlocksInitialization(t *testing.T) {
	ready := newReadyCache(t, "ready", policy.Map{"ka": mandatory(1)})
	waiting := newCache(t, "waiting") // loaded, but no fetch outcome yet

	p := NewMultiSource(policy.Mandatory, nil)
	p.AppendCache(ready)
	if !p.IsInitializationComplete() {
		t.Fatal("initialization incomplete with a single ready cache")
	}

	p.AppendCache(waiting)
	if p.IsInitializationComplete() {
		t.Fatal("initialization complete despite an unready cache")
	}
	// The unready cache contributes nothing yet.
	if got := p.GetPolicy()["ka"].Value; got != 1 {
		t.Errorf("combined ka = %v", got)
	}

	// A definitive fetch outcome readies the cache and completes
	// initialization.
	waiting.SetFetchingDone()
	if !p.IsInitializationComplete() {
		t.Error("initialization incomplete after every cache became ready")
	}
}

func TestEmptyProviderIsInitialized(t *testing.T) {
	p := NewMultiSource(policy.Mandatory, nil)
	if !p.IsInitializationComplete() {
		t.Error("empty provider not initialized")
	}
	if got := len(p.GetPolicy()); got != 0 {
		t.Errorf("combined map has %d entries, want 0", got)
	}
}

func TestRemoveObserverStopsNotifications(t *testing.T) {
	c := newReadyCache(t, "c", policy.Map{"k": mandatory(1)})
	p := NewMultiSource(policy.Mandatory, nil)
	p.AppendCache(c)

	observer := &countObserver{}
	p.AddObserver(observer)
	p.RemoveObserver(observer)

	c.SetInitialPolicy(policy.Map{"k": mandatory(2)}, testTime)
	if observer.calls != 0 {
		t.Errorf("notifications = %d after removal, want 0", observer.calls)
	}
}

func TestCloseDetachesFromCaches(t *testing.T) {
	c := newReadyCache(t, "c", policy.Map{"k": mandatory(1)})
	p := NewMultiSource(policy.Mandatory, nil)
	p.AppendCache(c)

	observer := &countObserver{}
	p.AddObserver(observer)
	p.Close()

	c.SetInitialPolicy(policy.Map{"k": mandatory(2)}, testTime)
	if observer.calls != 0 {
		t.Errorf("notifications = %d after Close, want 0", observer.calls)
	}
}
