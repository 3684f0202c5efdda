// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package identity models the client's management identity: the
// device token obtained at registration, the signed-in user, and the
// machine identifiers reported to the server. The sync engine only
// reads this state and reacts to its change notifications; how the
// credentials are acquired is someone else's problem.
package identity

import (
	"fmt"
	"sync"
)

// Affiliation describes the relationship between the signed-in user
// and the domain that manages the device.
type Affiliation int

const (
	// AffiliationNone means the user does not belong to the managing
	// domain.
	AffiliationNone Affiliation = iota

	// AffiliationManaged means the user belongs to the domain that
	// manages the device.
	AffiliationManaged
)

// String returns the human-readable name of an affiliation.
func (a Affiliation) String() string {
	switch a {
	case AffiliationNone:
		return "none"
	case AffiliationManaged:
		return "managed"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// Store exposes the identity state a policy controller needs, plus
// change notifications. Implementations must be safe for concurrent
// use.
type Store interface {
	// DeviceToken returns the management credential, or "" when the
	// client is not registered.
	DeviceToken() string

	// UserName returns the signed-in account name (user@domain), or
	// "" when nobody is signed in.
	UserName() string

	// HasAuthToken reports whether an auth token usable for
	// registration is present.
	HasAuthToken() bool

	// TokenCacheLoaded reports whether the persisted token state has
	// finished loading. Registration must not start before this.
	TokenCacheLoaded() bool

	// UserAffiliation reports the user's relationship to the
	// managing domain.
	UserAffiliation() Affiliation

	// MachineID returns the stable device identifier, or "".
	MachineID() string

	// MachineModel returns the hardware model string, or "".
	MachineModel() string

	// AddObserver registers for change notifications.
	AddObserver(Observer)

	// RemoveObserver unregisters a previously added observer.
	RemoveObserver(Observer)
}

// Observer receives identity change notifications.
type Observer interface {
	// OnDeviceTokenChanged fires when the device token is set,
	// replaced, or cleared.
	OnDeviceTokenChanged()

	// OnCredentialsChanged fires when the user name or auth token
	// changes.
	OnCredentialsChanged()
}

// MemoryStore is an in-memory Store. The daemon seeds it from
// configuration; tests drive it directly.
type MemoryStore struct {
	mu               sync.Mutex
	deviceToken      string
	userName         string
	hasAuthToken     bool
	tokenCacheLoaded bool
	affiliation      Affiliation
	machineID        string
	machineModel     string
	observers        []Observer
}

// NewMemoryStore returns an empty MemoryStore with the token cache
// marked loaded (there is nothing to load).
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tokenCacheLoaded: true}
}

// DeviceToken implements Store.
func (s *MemoryStore) DeviceToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceToken
}

// UserName implements Store.
func (s *MemoryStore) UserName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userName
}

// HasAuthToken implements Store.
func (s *MemoryStore) HasAuthToken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasAuthToken
}

// TokenCacheLoaded implements Store.
func (s *MemoryStore) TokenCacheLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tokenCacheLoaded
}

// UserAffiliation implements Store.
func (s *MemoryStore) UserAffiliation() Affiliation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.affiliation
}

// MachineID implements Store.
func (s *MemoryStore) MachineID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machineID
}

// MachineModel implements Store.
func (s *MemoryStore) MachineModel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machineModel
}

// AddObserver implements Store.
func (s *MemoryStore) AddObserver(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

// RemoveObserver implements Store.
func (s *MemoryStore) RemoveObserver(observer Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.observers {
		if existing == observer {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

// SetDeviceToken stores the device token and notifies observers.
func (s *MemoryStore) SetDeviceToken(token string) {
	s.mu.Lock()
	s.deviceToken = token
	observers := s.snapshotLocked()
	s.mu.Unlock()

	for _, observer := range observers {
		observer.OnDeviceTokenChanged()
	}
}

// SetCredentials stores the user name and auth token presence, then
// notifies observers.
func (s *MemoryStore) SetCredentials(userName string, hasAuthToken bool) {
	s.mu.Lock()
	s.userName = userName
	s.hasAuthToken = hasAuthToken
	observers := s.snapshotLocked()
	s.mu.Unlock()

	for _, observer := range observers {
		observer.OnCredentialsChanged()
	}
}

// SetTokenCacheLoaded marks the persisted token state as loaded and
// notifies observers through the credentials path, since readiness to
// register may have changed.
func (s *MemoryStore) SetTokenCacheLoaded(loaded bool) {
	s.mu.Lock()
	s.tokenCacheLoaded = loaded
	observers := s.snapshotLocked()
	s.mu.Unlock()

	for _, observer := range observers {
		observer.OnCredentialsChanged()
	}
}

// SetUserAffiliation stores the user's affiliation. No notification:
// affiliation is read at request-build time.
func (s *MemoryStore) SetUserAffiliation(affiliation Affiliation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.affiliation = affiliation
}

// SetMachineInfo stores the machine identifier and model.
func (s *MemoryStore) SetMachineInfo(id, model string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.machineID = id
	s.machineModel = model
}

// snapshotLocked copies the observer list; callers deliver outside
// the lock.
func (s *MemoryStore) snapshotLocked() []Observer {
	snapshot := make([]Observer, len(s.observers))
	copy(snapshot, s.observers)
	return snapshot
}
