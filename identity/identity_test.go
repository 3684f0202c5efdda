// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package identity

import "testing"

type recordingObserver struct {
	tokenChanges      int
	credentialChanges int
}

func (o *recordingObserver) OnDeviceTokenChanged() { o.tokenChanges++ }
func (o *recordingObserver) OnCredentialsChanged() { o.credentialChanges++ }

func TestMemoryStoreNotifications(t *testing.T) {
	store := NewMemoryStore()
	observer := &recordingObserver{}
	store.AddObserver(observer)

	store.SetDeviceToken("tok")
	if store.DeviceToken() != "tok" {
		t.Errorf("device token = %q", store.DeviceToken())
	}
	if observer.tokenChanges != 1 {
		t.Errorf("token notifications = %d, want 1", observer.tokenChanges)
	}

	store.SetCredentials("alice@corp.example", true)
	if store.UserName() != "alice@corp.example" || !store.HasAuthToken() {
		t.Errorf("credentials = %q/%v", store.UserName(), store.HasAuthToken())
	}
	if observer.credentialChanges != 1 {
		t.Errorf("credential notifications = %d, want 1", observer.credentialChanges)
	}

	// Token cache transitions report through the credentials path:
	// readiness to register may have changed.
	store.SetTokenCacheLoaded(false)
	if observer.credentialChanges != 2 {
		t.Errorf("credential notifications = %d after cache change, want 2", observer.credentialChanges)
	}
}

func TestMemoryStoreSilentSetters(t *testing.T) {
	store := NewMemoryStore()
	observer := &recordingObserver{}
	store.AddObserver(observer)

	store.SetUserAffiliation(AffiliationManaged)
	store.SetMachineInfo("m-1", "box")

	if observer.tokenChanges+observer.credentialChanges != 0 {
		t.Error("affiliation/machine setters must not notify")
	}
	if store.UserAffiliation() != AffiliationManaged {
		t.Errorf("affiliation = %v", store.UserAffiliation())
	}
	if store.MachineID() != "m-1" || store.MachineModel() != "box" {
		t.Errorf("machine info = %q/%q", store.MachineID(), store.MachineModel())
	}
}

func TestRemoveObserver(t *testing.T) {
	store := NewMemoryStore()
	observer := &recordingObserver{}
	store.AddObserver(observer)
	store.RemoveObserver(observer)

	store.SetDeviceToken("tok")
	if observer.tokenChanges != 0 {
		t.Errorf("notifications = %d after removal, want 0", observer.tokenChanges)
	}
}
