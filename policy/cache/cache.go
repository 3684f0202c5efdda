// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package cache owns one policy source's decoded policy map together
// with its freshness and readiness metadata. A cache validates and
// applies fetched policy, persists a snapshot so restarts do not wait
// for the network, and notifies observers once — and only once — it
// is ready to be consumed.
package cache

import (
	"log/slog"
	"sync"
	"time"

	"github.com/droverhq/drover/lib/clock"
	"github.com/droverhq/drover/notify"
	"github.com/droverhq/drover/policy"
)

// DecodeFunc turns an opaque fetch payload into a policy bundle. The
// engine treats the payload format as someone else's contract; only
// the decode function interprets it.
type DecodeFunc func(payload []byte) (*policy.Bundle, error)

// Observer is notified when a cache's policy changes and when the
// cache is being destroyed. Update notifications are only delivered
// once the cache is ready.
type Observer interface {
	OnCacheUpdated(*Cache)
	OnCacheGoingAway(*Cache)
}

// Options configures a Cache.
type Options struct {
	// Name identifies the source in logs (e.g. "device", "user").
	Name string

	// Clock supplies the current time for timestamp validation.
	Clock clock.Clock

	// Logger receives structured diagnostics. Required.
	Logger *slog.Logger

	// Decode interprets fetch payloads. Required.
	Decode DecodeFunc

	// SnapshotPath is the persisted snapshot location. Empty
	// disables persistence.
	SnapshotPath string

	// DontWaitForFetch marks the cache ready as soon as the backing
	// load completes, without waiting for a first fetch outcome.
	DontWaitForFetch bool

	// StatusReporter, when non-nil, receives the coarse unenrolled
	// report emitted by Reset.
	StatusReporter notify.Observer
}

// Cache is one source's policy state. Safe for concurrent use;
// observer callbacks are delivered outside the internal lock.
type Cache struct {
	name           string
	clock          clock.Clock
	logger         *slog.Logger
	decode         DecodeFunc
	snapshotPath   string
	dontWait       bool
	statusReporter notify.Observer

	mu               sync.Mutex
	policies         policy.Map
	lastRefresh      time.Time
	hasRefresh       bool
	unmanaged        bool
	machineIDMissing bool
	keyVersion       policy.KeyVersion
	loadComplete     bool
	fetchResolved    bool
	ready            bool
	closed           bool
	decodeFailures   int
	observers        []Observer
}

// New returns an unloaded Cache. Call Load before driving it with a
// controller.
func New(options Options) *Cache {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	return &Cache{
		name:           options.Name,
		clock:          options.Clock,
		logger:         options.Logger.With("cache", options.Name),
		decode:         options.Decode,
		snapshotPath:   options.SnapshotPath,
		dontWait:       options.DontWaitForFetch,
		statusReporter: options.StatusReporter,
	}
}

// Load populates the cache from its persisted snapshot, if one is
// configured and readable. Load always completes the backing-load
// step of readiness, even when the snapshot is missing or corrupt —
// a consumer blocked on readiness is never stranded by a bad disk.
func (c *Cache) Load() {
	var loaded *snapshotData
	if c.snapshotPath != "" {
		data, err := readSnapshot(c.snapshotPath)
		if err != nil {
			c.logger.Warn("snapshot unavailable, starting empty", "error", err)
		} else {
			loaded = data
		}
	}

	c.mu.Lock()
	if loaded != nil {
		c.policies = loaded.Policies
		c.lastRefresh = loaded.LastRefresh
		c.hasRefresh = !loaded.LastRefresh.IsZero()
		c.unmanaged = loaded.Unmanaged
		c.keyVersion = loaded.KeyVersion
		// A restored snapshot is a definitive outcome: either
		// decoded policy or a recorded unmanaged resolution.
		c.fetchResolved = true
	}
	c.loadComplete = true
	c.recomputeReadyLocked()
	c.mu.Unlock()

	c.notifyUpdated()
}

// SetPolicy decodes payload and, if it validates, swaps it in as the
// current policy. Returns false — leaving the existing policy
// untouched — when decoding fails or when checkTimestamp is set and
// the embedded timestamp lies in the future (clock-skewed or replayed
// response).
func (c *Cache) SetPolicy(payload []byte, checkTimestamp bool) bool {
	bundle, err := c.decode(payload)
	if err != nil {
		c.mu.Lock()
		c.decodeFailures++
		count := c.decodeFailures
		c.mu.Unlock()
		c.logger.Warn("rejecting undecodable policy payload",
			"error", err, "decode_failures", count)
		return false
	}

	if checkTimestamp && bundle.Timestamp.After(c.clock.Now()) {
		c.mu.Lock()
		c.decodeFailures++
		c.mu.Unlock()
		c.logger.Warn("rejecting future-dated policy response",
			"timestamp", bundle.Timestamp, "now", c.clock.Now())
		return false
	}

	c.mu.Lock()
	c.unmanaged = false
	// Swap in a fresh map rather than mutating the old one, so any
	// reader holding the previous map sees a consistent view.
	c.policies = bundle.Policies.Clone()
	c.lastRefresh = bundle.Timestamp
	c.hasRefresh = true
	c.keyVersion = bundle.KeyVersion
	c.fetchResolved = true
	c.recomputeReadyLocked()
	c.mu.Unlock()

	c.persist()
	c.notifyUpdated()
	return true
}

// SetUnmanaged records that the server resolved this client as not
// managed: the policy map is cleared, the key version invalidated,
// and timestamp recorded as the refresh time.
func (c *Cache) SetUnmanaged(timestamp time.Time) {
	c.mu.Lock()
	c.policies = nil
	c.unmanaged = true
	c.keyVersion = policy.KeyVersion{}
	c.lastRefresh = timestamp
	c.hasRefresh = true
	c.fetchResolved = true
	c.recomputeReadyLocked()
	c.mu.Unlock()

	c.persist()
	c.notifyUpdated()
}

// SetFetchingDone records that a fetch attempt reached a definitive
// outcome, successful or not. The policy itself is unchanged, but a
// consumer blocked on readiness is released.
func (c *Cache) SetFetchingDone() {
	c.mu.Lock()
	c.fetchResolved = true
	c.recomputeReadyLocked()
	c.mu.Unlock()

	c.notifyUpdated()
}

// SetInitialPolicy installs policy produced by a raw source loader
// (e.g. local policy files) without a fetch round trip. The install
// counts as a definitive outcome for readiness.
func (c *Cache) SetInitialPolicy(policies policy.Map, timestamp time.Time) {
	c.mu.Lock()
	c.unmanaged = false
	c.policies = policies.Clone()
	c.lastRefresh = timestamp
	c.hasRefresh = true
	c.fetchResolved = true
	c.recomputeReadyLocked()
	c.mu.Unlock()

	c.notifyUpdated()
}

// Reset returns the cache to its unenrolled state: refresh time,
// unmanaged flag, and key version are cleared, readiness is revoked
// until a new fetch outcome arrives, and the coarse unenrolled status
// is reported upward.
func (c *Cache) Reset() {
	c.mu.Lock()
	c.lastRefresh = time.Time{}
	c.hasRefresh = false
	c.unmanaged = false
	c.keyVersion = policy.KeyVersion{}
	c.fetchResolved = false
	c.ready = c.loadComplete && c.dontWait
	reporter := c.statusReporter
	c.mu.Unlock()

	if reporter != nil {
		reporter.OnStatusChanged(notify.Status{Kind: notify.Unenrolled})
	}
}

// Policy returns the current policy map. The returned map must be
// treated as read-only; it is replaced, never mutated.
func (c *Cache) Policy() policy.Map {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policies
}

// Ready reports whether the cache has completed its backing load and
// seen a definitive fetch outcome (or was configured not to wait for
// one).
func (c *Cache) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// LastRefreshTime returns the timestamp of the last applied policy or
// unmanaged resolution, and whether one exists.
func (c *Cache) LastRefreshTime() (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRefresh, c.hasRefresh
}

// Unmanaged reports whether the source resolved as unmanaged.
func (c *Cache) Unmanaged() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.unmanaged
}

// KeyVersion returns the signing-key version carried by the most
// recent successfully decoded response and whether it is valid.
func (c *Cache) KeyVersion() (policy.KeyVersion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keyVersion, c.keyVersion.Valid
}

// MachineIDMissing reports whether the server asked for the machine
// id to be (re)sent.
func (c *Cache) MachineIDMissing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machineIDMissing
}

// SetMachineIDMissing records the server-side machine id state.
func (c *Cache) SetMachineIDMissing(missing bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.machineIDMissing = missing
}

// DecodeFailures returns the number of rejected payloads since
// construction.
func (c *Cache) DecodeFailures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decodeFailures
}

// AddObserver registers an observer.
func (c *Cache) AddObserver(observer Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, observer)
}

// RemoveObserver unregisters an observer. Unknown observers are
// ignored.
func (c *Cache) RemoveObserver(observer Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, existing := range c.observers {
		if existing == observer {
			c.observers = append(c.observers[:i], c.observers[i+1:]...)
			return
		}
	}
}

// Close notifies going-away listeners synchronously so holders (a
// multi-source provider mid-barrier, for instance) can drop their
// references before any further teardown. Close is idempotent.
func (c *Cache) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	snapshot := make([]Observer, len(c.observers))
	copy(snapshot, c.observers)
	c.observers = nil
	c.mu.Unlock()

	for _, observer := range snapshot {
		observer.OnCacheGoingAway(c)
	}
}

// recomputeReadyLocked latches readiness. Readiness only moves
// forward here; the single path back is Reset.
func (c *Cache) recomputeReadyLocked() {
	if c.ready {
		return
	}
	c.ready = c.loadComplete && (c.fetchResolved || c.dontWait)
}

// notifyUpdated delivers OnCacheUpdated to a snapshot of the observer
// list, but only when the cache is ready. Notification before
// readiness is a no-op, not a queued event.
func (c *Cache) notifyUpdated() {
	c.mu.Lock()
	if !c.ready || c.closed {
		c.mu.Unlock()
		return
	}
	snapshot := make([]Observer, len(c.observers))
	copy(snapshot, c.observers)
	c.mu.Unlock()

	for _, observer := range snapshot {
		observer.OnCacheUpdated(c)
	}
}

// persist writes the current state to the snapshot path, best
// effort. Policy remains authoritative in memory when the write
// fails.
func (c *Cache) persist() {
	if c.snapshotPath == "" {
		return
	}

	c.mu.Lock()
	data := &snapshotData{
		Policies:    c.policies,
		LastRefresh: c.lastRefresh,
		Unmanaged:   c.unmanaged,
		KeyVersion:  c.keyVersion,
	}
	c.mu.Unlock()

	if err := writeSnapshot(c.snapshotPath, data); err != nil {
		c.logger.Warn("writing snapshot failed", "error", err)
	}
}
