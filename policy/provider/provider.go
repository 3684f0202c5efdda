// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package provider merges several policy caches into one consistent
// view. Caches are held in precedence order (front wins on key
// conflicts), and a refresh barrier coalesces multi-source updates
// into a single consumer notification: while a refresh is
// outstanding, consumers hear nothing until every source has
// reported.
package provider

import (
	"sync"

	"github.com/droverhq/drover/policy"
	"github.com/droverhq/drover/policy/cache"
)

// Observer is a downstream consumer (e.g. a preference store)
// notified when the combined policy may have changed.
type Observer interface {
	OnPolicyUpdated()
}

// RefreshInitiator is the orchestrating layer's hook for actually
// starting fetches on the underlying sources when a consumer asks
// for a refresh.
type RefreshInitiator interface {
	InitiateRefresh()
}

// MultiSource combines an ordered list of caches for one policy
// level. It holds caches by reference only; a cache announcing
// going-away is dropped from both the precedence list and any
// in-flight barrier, so a barrier can never wait on a source that
// will not report again.
type MultiSource struct {
	level     policy.Level
	initiator RefreshInitiator

	mu           sync.Mutex
	caches       []*cache.Cache
	pending      map[*cache.Cache]struct{}
	combined     policy.Map
	initComplete bool
	observers    []Observer
}

// NewMultiSource returns an empty provider for the given level. The
// initiator may be nil when no orchestrating layer exists (tests,
// read-only setups); RefreshPolicies then only installs the barrier.
func NewMultiSource(level policy.Level, initiator RefreshInitiator) *MultiSource {
	return &MultiSource{
		level:     level,
		initiator: initiator,
		pending:   make(map[*cache.Cache]struct{}),
		combined:  make(policy.Map),
		// Vacuously complete until a not-yet-ready cache arrives.
		initComplete: true,
	}
}

// AppendCache adds a source at the back of the precedence list
// (lowest precedence) and recombines.
func (p *MultiSource) AppendCache(c *cache.Cache) {
	p.mu.Lock()
	p.caches = append(p.caches, c)
	// Appending a not-yet-ready cache revokes initialization until
	// a later recombination finds every cache ready again.
	p.initComplete = p.initComplete && c.Ready()
	p.mu.Unlock()

	c.AddObserver(p)
	p.recombineAndMaybeNotify()
}

// PrependCache adds a source at the front of the precedence list
// (highest precedence, since earlier-merged entries win on key
// conflicts) and recombines.
func (p *MultiSource) PrependCache(c *cache.Cache) {
	p.mu.Lock()
	p.caches = append([]*cache.Cache{c}, p.caches...)
	p.initComplete = p.initComplete && c.Ready()
	p.mu.Unlock()

	c.AddObserver(p)
	p.recombineAndMaybeNotify()
}

// GetPolicy returns the current combined policy map. Read-only; it
// is replaced wholesale on recombination, never mutated.
func (p *MultiSource) GetPolicy() policy.Map {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.combined
}

// IsInitializationComplete reports whether every cache in the list
// has been ready at the time of the last recombination.
func (p *MultiSource) IsInitializationComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.initComplete
}

// AddObserver registers a consumer.
func (p *MultiSource) AddObserver(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.observers = append(p.observers, observer)
}

// RemoveObserver unregisters a consumer. Unknown observers are
// ignored.
func (p *MultiSource) RemoveObserver(observer Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, existing := range p.observers {
		if existing == observer {
			p.observers = append(p.observers[:i], p.observers[i+1:]...)
			return
		}
	}
}

// RefreshPolicies snapshots the current cache list as the refresh
// barrier and asks the orchestrating layer to start fetches. With no
// registered caches the consumer notification fires synchronously —
// a refresh request is never silently dropped.
func (p *MultiSource) RefreshPolicies() {
	p.mu.Lock()
	p.pending = make(map[*cache.Cache]struct{}, len(p.caches))
	for _, c := range p.caches {
		p.pending[c] = struct{}{}
	}
	empty := len(p.pending) == 0
	p.mu.Unlock()

	if empty {
		p.notifyObservers()
		return
	}
	if p.initiator != nil {
		p.initiator.InitiateRefresh()
	}
}

// OnCacheUpdated implements cache.Observer: the reporting cache is
// struck from the barrier, the combined map is rebuilt, and
// consumers are notified once no barrier remains.
func (p *MultiSource) OnCacheUpdated(c *cache.Cache) {
	p.mu.Lock()
	delete(p.pending, c)
	p.mu.Unlock()

	p.recombineAndMaybeNotify()
}

// OnCacheGoingAway implements cache.Observer: the cache is removed
// from the precedence list and from any in-flight barrier, then the
// remaining sources are recombined. A barrier waiting on the
// departing cache completes rather than hanging forever.
func (p *MultiSource) OnCacheGoingAway(c *cache.Cache) {
	c.RemoveObserver(p)

	p.mu.Lock()
	for i, existing := range p.caches {
		if existing == c {
			p.caches = append(p.caches[:i], p.caches[i+1:]...)
			break
		}
	}
	delete(p.pending, c)
	p.mu.Unlock()

	p.recombineAndMaybeNotify()
}

// Close detaches the provider from its caches. Consumers are not
// notified; the provider is simply no longer driven.
func (p *MultiSource) Close() {
	p.mu.Lock()
	caches := make([]*cache.Cache, len(p.caches))
	copy(caches, p.caches)
	p.caches = nil
	p.pending = make(map[*cache.Cache]struct{})
	p.mu.Unlock()

	for _, c := range caches {
		c.RemoveObserver(p)
	}
}

// recombineAndMaybeNotify rebuilds the combined map from scratch in
// precedence order and, if no refresh barrier is outstanding,
// notifies consumers.
func (p *MultiSource) recombineAndMaybeNotify() {
	p.mu.Lock()
	if !p.initComplete {
		allReady := true
		for _, c := range p.caches {
			if !c.Ready() {
				allReady = false
				break
			}
		}
		if allReady {
			p.initComplete = true
		}
	}

	accumulated := make(policy.Map)
	for _, c := range p.caches {
		if !c.Ready() {
			continue
		}
		accumulated.MergeFrom(c.Policy())
	}
	p.combined = accumulated.FilterLevel(p.level)

	barrierHeld := len(p.pending) > 0
	p.mu.Unlock()

	if !barrierHeld {
		p.notifyObservers()
	}
}

// notifyObservers delivers OnPolicyUpdated to a snapshot of the
// consumer list.
func (p *MultiSource) notifyObservers() {
	p.mu.Lock()
	snapshot := make([]Observer, len(p.observers))
	copy(snapshot, p.observers)
	p.mu.Unlock()

	for _, observer := range snapshot {
		observer.OnPolicyUpdated()
	}
}
