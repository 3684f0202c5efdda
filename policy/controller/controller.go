// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package controller drives policy synchronization for one managed
// domain (device or user): it acquires a device token, fetches
// policy, applies it to the domain's cache, and schedules the next
// attempt with exponential backoff on failure and fuzzed periodic
// refresh on success.
//
// The controller is a state machine; SetState is the single
// transition function. Every transition cancels previously scheduled
// work first, so at most one timer and one in-flight fetch exist at
// any time.
package controller

import (
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	mathrand "math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/droverhq/drover/fetch"
	"github.com/droverhq/drover/identity"
	"github.com/droverhq/drover/lib/clock"
	"github.com/droverhq/drover/notify"
	"github.com/droverhq/drover/policy/cache"
)

// maxRefreshFuzz caps the random amount subtracted from the periodic
// refresh interval. Fuzzing spreads clients that installed policy at
// the same moment across a window instead of letting them refresh in
// lock step.
const maxRefreshFuzz = 30 * time.Minute

// State is the controller's position in the token/policy fetch cycle.
type State int

const (
	// TokenUnavailable is the initial state: no device token,
	// ready to attempt registration immediately.
	TokenUnavailable State = iota

	// TokenUnmanaged means registration resolved as "no management
	// for this account"; the machine waits for a credential change.
	TokenUnmanaged

	// TokenError means registration failed; retried with backoff.
	TokenError

	// TokenValid means a device token is present; a policy fetch is
	// issued immediately.
	TokenValid

	// PolicyValid means the last fetch applied cleanly; the next
	// fetch is scheduled one (fuzzed) refresh interval after the
	// last refresh.
	PolicyValid

	// PolicyError means the last fetch failed transiently; retried
	// with backoff.
	PolicyError

	// PolicyUnavailable means the server answered but had no usable
	// policy; retried at the full refresh interval.
	PolicyUnavailable
)

// String returns the human-readable name of a state.
func (s State) String() string {
	switch s {
	case TokenUnavailable:
		return "token-unavailable"
	case TokenUnmanaged:
		return "token-unmanaged"
	case TokenError:
		return "token-error"
	case TokenValid:
		return "token-valid"
	case PolicyValid:
		return "policy-valid"
	case PolicyError:
		return "policy-error"
	case PolicyUnavailable:
		return "policy-unavailable"
	default:
		return "unknown"
	}
}

// TokenFetcher is the registration collaborator. The controller asks
// it to exchange the auth token for a device token and relays
// server-side registration verdicts back to it.
type TokenFetcher interface {
	// FetchToken begins a registration exchange under the given
	// fresh client id. Completion is signalled through the identity
	// store's OnDeviceTokenChanged notification.
	FetchToken(clientID string)

	// SetSerialInvalid records that the server rejected the device
	// serial number.
	SetSerialInvalid()

	// SetUnmanaged records that the server reported no management
	// for this account.
	SetUnmanaged()
}

// Options configures a Controller.
type Options struct {
	// Name identifies the managed domain in logs (e.g. "device",
	// "user").
	Name string

	// Identity supplies credentials and machine identifiers.
	// Required.
	Identity identity.Store

	// Cache is the policy cache this controller drives. Required.
	// The caller guarantees the cache outlives the controller.
	Cache *cache.Cache

	// Client creates fetch jobs. Required.
	Client fetch.Client

	// TokenFetcher performs registrations. Required.
	TokenFetcher TokenFetcher

	// Notifier receives coarse status reports. Optional.
	Notifier notify.Observer

	// Clock schedules retries and refreshes. Defaults to the real
	// clock.
	Clock clock.Clock

	// Logger receives structured diagnostics. Required.
	Logger *slog.Logger

	// RefreshRate is the interval between successful fetches and
	// the backoff cap. Required (>0).
	RefreshRate time.Duration

	// ErrorDelay is the base retry delay; it doubles per
	// consecutive error up to RefreshRate. Required (>0).
	ErrorDelay time.Duration

	// UnmanagedDomains are account domains resolved as unmanaged
	// without contacting the server.
	UnmanagedDomains []string

	// Rand drives refresh fuzzing. Defaults to a time-seeded
	// source; tests inject a fixed seed.
	Rand *mathrand.Rand
}

// Controller is the per-domain policy sync state machine. Safe for
// concurrent use; collaborator callbacks and notifications are
// delivered outside the internal lock.
type Controller struct {
	name             string
	identity         identity.Store
	cache            *cache.Cache
	client           fetch.Client
	tokenFetcher     TokenFetcher
	notifier         notify.Observer
	clock            clock.Clock
	logger           *slog.Logger
	refreshRate      time.Duration
	errorDelayBase   time.Duration
	unmanagedDomains []string

	mu         sync.Mutex
	state      State
	errorDelay time.Duration
	timer      *clock.Timer
	job        fetch.Job
	clientID   string
	random     *mathrand.Rand
	started    bool
	closed     bool
}

// New returns an inert Controller. Call Start to register with the
// identity store and begin the state machine.
func New(options Options) *Controller {
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Rand == nil {
		seed := uint64(time.Now().UnixNano())
		options.Rand = mathrand.New(mathrand.NewPCG(seed, seed>>1))
	}
	return &Controller{
		name:             options.Name,
		identity:         options.Identity,
		cache:            options.Cache,
		client:           options.Client,
		tokenFetcher:     options.TokenFetcher,
		notifier:         options.Notifier,
		clock:            options.Clock,
		logger:           options.Logger.With("controller", options.Name),
		refreshRate:      options.RefreshRate,
		errorDelayBase:   options.ErrorDelay,
		unmanagedDomains: options.UnmanagedDomains,
		state:            TokenUnavailable,
		errorDelay:       options.ErrorDelay,
		random:           options.Rand,
	}
}

// Start registers with the identity store and enters the machine: a
// present device token goes straight to TokenValid (one immediate
// policy fetch), otherwise TokenUnavailable (token acquisition).
func (c *Controller) Start() {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.mu.Unlock()

	c.identity.AddObserver(c)
	if c.identity.DeviceToken() != "" {
		c.SetState(TokenValid)
	} else {
		c.SetState(TokenUnavailable)
	}
}

// Close cancels scheduled work, abandons any in-flight fetch, and
// deregisters from the identity store.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	timer := c.timer
	c.timer = nil
	job := c.job
	c.job = nil
	started := c.started
	c.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	if job != nil {
		job.Cancel()
	}
	if started {
		c.identity.RemoveObserver(c)
	}
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SetState is the single transition function. It cancels pending
// scheduled work, computes the next action time and the coarse
// status to report, informs the cache that a definitive fetch outcome
// exists (on every state except the two fetch-seeking entry states),
// and reschedules.
func (c *Controller) SetState(newState State) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.state = newState
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}

	now := c.clock.Now()
	var delay time.Duration
	schedule := true
	var status *notify.Status

	switch newState {
	case TokenUnavailable, TokenValid:
		delay = 0

	case TokenUnmanaged:
		schedule = false
		status = &notify.Status{Kind: notify.Unmanaged}

	case PolicyValid:
		c.errorDelay = c.errorDelayBase
		delay = c.refreshDelayLocked(now)
		status = &notify.Status{Kind: notify.Success}

	case TokenError:
		c.errorDelay = min(c.errorDelay*2, c.refreshRate)
		delay = c.errorDelay
		status = &notify.Status{Kind: notify.NetworkError, Detail: notify.DetailBadToken}

	case PolicyError:
		c.errorDelay = min(c.errorDelay*2, c.refreshRate)
		delay = c.errorDelay
		status = &notify.Status{Kind: notify.NetworkError, Detail: notify.DetailPolicyFetch}

	case PolicyUnavailable:
		// No point in fast retries when the server answers but has
		// nothing usable; the delay jumps straight to the cap.
		c.errorDelay = c.refreshRate
		delay = c.refreshRate
		status = &notify.Status{Kind: notify.NetworkError, Detail: notify.DetailPolicyFetch}
	}
	c.mu.Unlock()

	c.logger.Debug("state transition", "state", newState, "delay", delay)

	if newState != TokenUnavailable && newState != TokenValid {
		// A definitive fetch attempt outcome exists; release
		// consumers blocked on cache readiness even on failure.
		c.cache.SetFetchingDone()
	}
	if status != nil && c.notifier != nil {
		c.notifier.OnStatusChanged(*status)
	}
	if !schedule {
		return
	}

	// With a fake clock a zero delay fires synchronously, so the
	// timer must be installed through a re-check: the callback may
	// already have transitioned elsewhere.
	timer := c.clock.AfterFunc(delay, c.doWork)
	c.mu.Lock()
	if c.closed || c.state != newState {
		c.mu.Unlock()
		timer.Stop()
		return
	}
	c.timer = timer
	c.mu.Unlock()
}

// refreshDelayLocked computes the fuzzed delay until the next
// periodic refresh: refresh rate after the last refresh, minus a
// uniform random amount up to min(10% of the rate, 30 minutes).
func (c *Controller) refreshDelayLocked(now time.Time) time.Duration {
	lastRefresh, has := c.cache.LastRefreshTime()
	if !has {
		lastRefresh = now
	}

	fuzzCap := min(c.refreshRate/10, maxRefreshFuzz)
	var fuzz time.Duration
	if fuzzCap > 0 {
		fuzz = time.Duration(c.random.Int64N(int64(fuzzCap)))
	}

	refreshAt := lastRefresh.Add(c.refreshRate - fuzz)
	delay := refreshAt.Sub(now)
	if delay < 0 {
		delay = 0
	}
	return delay
}

// doWork runs when the scheduled timer fires.
func (c *Controller) doWork() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	state := c.state
	c.timer = nil
	c.mu.Unlock()

	switch state {
	case TokenUnavailable, TokenError:
		c.fetchToken()
	case TokenValid, PolicyValid, PolicyError, PolicyUnavailable:
		c.sendPolicyRequest()
	case TokenUnmanaged:
		// Waiting for a credential change; nothing to do.
	}
}

// fetchToken begins token acquisition. Missing prerequisites (token
// cache still loading, no user, no auth token) leave the machine
// waiting for the identity store's change notification. A user in a
// known-unmanaged domain resolves without a network round trip.
func (c *Controller) fetchToken() {
	if !c.identity.TokenCacheLoaded() {
		c.logger.Debug("token fetch deferred, token cache not loaded")
		return
	}
	userName := c.identity.UserName()
	if userName == "" || !c.identity.HasAuthToken() {
		c.logger.Debug("token fetch deferred, missing credentials")
		return
	}

	if c.isUnmanagedDomain(userName) {
		c.logger.Info("account domain is known unmanaged", "user", userName)
		c.SetState(TokenUnmanaged)
		return
	}

	clientID := newClientID()
	c.mu.Lock()
	c.clientID = clientID
	c.mu.Unlock()

	c.tokenFetcher.FetchToken(clientID)
}

// sendPolicyRequest issues an asynchronous policy fetch, superseding
// any fetch still in flight.
func (c *Controller) sendPolicyRequest() {
	request := c.buildRequest()

	job := c.client.CreateFetchJob(fetch.KindPolicy)
	job.SetRequest(request)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		job.Cancel()
		return
	}
	previous := c.job
	c.job = job
	c.mu.Unlock()

	if previous != nil {
		previous.Cancel()
	}
	job.Start(func(status fetch.Status, response *fetch.Response) {
		c.onPolicyFetchCompleted(job, status, response)
	})
}

// buildRequest assembles the fetch request from identity and cache
// state. Optional fields follow the protocol's rules: machine id only
// when the server asked for it, last refresh only when managed policy
// exists, key version only when one was observed.
func (c *Controller) buildRequest() *fetch.Request {
	c.mu.Lock()
	clientID := c.clientID
	c.mu.Unlock()

	request := &fetch.Request{
		DeviceToken:     c.identity.DeviceToken(),
		ClientID:        clientID,
		UserAffiliation: int(c.identity.UserAffiliation()),
	}

	if c.cache.MachineIDMissing() {
		if machineID := c.identity.MachineID(); machineID != "" {
			request.MachineID = machineID
			request.MachineModel = c.identity.MachineModel()
		}
	}
	if !c.cache.Unmanaged() {
		if lastRefresh, has := c.cache.LastRefreshTime(); has {
			request.LastRefresh = lastRefresh.UnixMilli()
		}
	}
	if version, valid := c.cache.KeyVersion(); valid {
		request.KeyVersion = version.Version
		request.HasKeyVersion = true
	}
	return request
}

// onPolicyFetchCompleted maps a fetch outcome onto the next state.
// Outcomes from superseded jobs are discarded.
func (c *Controller) onPolicyFetchCompleted(job fetch.Job, status fetch.Status, response *fetch.Response) {
	c.mu.Lock()
	if c.closed || c.job != job {
		c.mu.Unlock()
		return
	}
	c.job = nil
	c.mu.Unlock()

	switch status {
	case fetch.StatusSuccess:
		c.applyFetchResponse(response)

	case fetch.StatusDeviceNotFound, fetch.StatusDeviceIDConflict, fetch.StatusInvalidToken:
		c.logger.Info("device registration rejected, re-registering", "status", status)
		c.SetState(TokenError)

	case fetch.StatusInvalidSerial:
		c.logger.Warn("server rejected device serial number")
		c.tokenFetcher.SetSerialInvalid()
		c.SetState(TokenError)

	case fetch.StatusManagementNotSupported:
		c.logger.Info("management no longer supported for this account")
		c.tokenFetcher.SetUnmanaged()
		c.cache.SetUnmanaged(c.clock.Now())
		c.SetState(TokenUnmanaged)

	case fetch.StatusPolicyNotFound, fetch.StatusBadRequest,
		fetch.StatusActivationPending, fetch.StatusResponseDecodeError,
		fetch.StatusHTTPError:
		c.logger.Warn("policy fetch unusable", "status", status)
		c.SetState(PolicyUnavailable)

	default:
		c.logger.Debug("policy fetch failed, will retry", "status", status)
		c.SetState(PolicyError)
	}
}

// applyFetchResponse validates a successful fetch and applies the
// first embedded payload to the cache.
func (c *Controller) applyFetchResponse(response *fetch.Response) {
	if response == nil || len(response.Responses) == 0 {
		c.logger.Warn("fetch succeeded without a policy payload")
		c.SetState(PolicyUnavailable)
		return
	}
	if len(response.Responses) > 1 {
		c.logger.Warn("fetch returned multiple payloads, using the first",
			"count", len(response.Responses))
	}

	embedded := response.Responses[0]
	if embedded.ErrorCode != 0 {
		c.logger.Warn("policy payload carries an error code", "code", embedded.ErrorCode)
		c.SetState(PolicyUnavailable)
		return
	}
	if len(embedded.Payload) == 0 {
		c.logger.Warn("policy payload is empty")
		c.SetState(PolicyUnavailable)
		return
	}

	if !c.cache.SetPolicy(embedded.Payload, true) {
		c.SetState(PolicyUnavailable)
		return
	}
	c.SetState(PolicyValid)
}

// RefreshPolicies forces a fetch. Without a device token the machine
// re-enters token acquisition when credentials permit it, or resolves
// as unmanaged so a blocked consumer is released; with a token it
// forces an immediate policy fetch.
func (c *Controller) RefreshPolicies() {
	if c.identity.DeviceToken() == "" {
		if c.readyToFetchToken() {
			c.SetState(TokenUnavailable)
		} else {
			c.SetState(TokenUnmanaged)
		}
		return
	}
	c.SetState(TokenValid)
}

// Reset forces the machine back to its initial state.
func (c *Controller) Reset() {
	c.SetState(TokenUnavailable)
}

// OnDeviceTokenChanged implements identity.Observer: a token arriving
// moves to policy fetching; a token vanishing restarts acquisition.
func (c *Controller) OnDeviceTokenChanged() {
	if c.identity.DeviceToken() != "" {
		c.SetState(TokenValid)
	} else {
		c.SetState(TokenUnavailable)
	}
}

// OnCredentialsChanged implements identity.Observer. New credentials
// restart token acquisition; the immediate work pass re-evaluates the
// unmanaged-domain check against the new user.
func (c *Controller) OnCredentialsChanged() {
	c.SetState(TokenUnavailable)
}

// readyToFetchToken reports whether a token fetch could start now.
func (c *Controller) readyToFetchToken() bool {
	return c.identity.TokenCacheLoaded() &&
		c.identity.UserName() != "" &&
		c.identity.HasAuthToken()
}

// isUnmanagedDomain reports whether the account's domain is on the
// known-unmanaged list.
func (c *Controller) isUnmanagedDomain(userName string) bool {
	at := strings.LastIndexByte(userName, '@')
	if at < 0 {
		return false
	}
	domain := userName[at+1:]
	for _, unmanaged := range c.unmanagedDomains {
		if strings.EqualFold(domain, unmanaged) {
			return true
		}
	}
	return false
}

// newClientID returns a fresh random client identifier for a
// registration attempt.
func newClientID() string {
	var buffer [16]byte
	if _, err := rand.Read(buffer[:]); err != nil {
		panic("controller: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(buffer[:])
}
