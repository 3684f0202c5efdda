// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"log/slog"
	"sync"

	"github.com/droverhq/drover/fetch"
	"github.com/droverhq/drover/identity"
	"github.com/droverhq/drover/lib/codec"
	"github.com/droverhq/drover/notify"
)

// registrationPayload is the body of a successful registration
// response: the server-issued device token.
type registrationPayload struct {
	DeviceToken string `cbor:"1,keyasint"`
}

// registrar exchanges the auth token for a device token on the
// controller's behalf. Completion is signalled by writing the token
// into the identity store, whose change notification re-enters the
// controller; the registrar never talks to the controller directly.
type registrar struct {
	client   fetch.Client
	store    *identity.MemoryStore
	notifier notify.Observer
	logger   *slog.Logger

	mu            sync.Mutex
	job           fetch.Job
	serialInvalid bool
	unmanaged     bool
}

func newRegistrar(client fetch.Client, store *identity.MemoryStore, notifier notify.Observer, logger *slog.Logger) *registrar {
	return &registrar{
		client:   client,
		store:    store,
		notifier: notifier,
		logger:   logger.With("component", "registrar"),
	}
}

// FetchToken starts a registration exchange, superseding any exchange
// still in flight.
func (r *registrar) FetchToken(clientID string) {
	request := &fetch.Request{
		ClientID:     clientID,
		MachineID:    r.store.MachineID(),
		MachineModel: r.store.MachineModel(),
	}

	job := r.client.CreateFetchJob(fetch.KindRegistration)
	job.SetRequest(request)

	r.mu.Lock()
	previous := r.job
	r.job = job
	r.mu.Unlock()

	if previous != nil {
		previous.Cancel()
	}

	r.logger.Info("registering", "client_id", clientID)
	job.Start(func(status fetch.Status, response *fetch.Response) {
		r.onRegistrationCompleted(job, status, response)
	})
}

func (r *registrar) onRegistrationCompleted(job fetch.Job, status fetch.Status, response *fetch.Response) {
	r.mu.Lock()
	if r.job != job {
		r.mu.Unlock()
		return
	}
	r.job = nil
	r.mu.Unlock()

	switch status {
	case fetch.StatusSuccess:
		token, ok := tokenFromResponse(response)
		if !ok {
			r.logger.Warn("registration response carries no device token")
			r.notifier.OnStatusChanged(notify.Status{Kind: notify.LocalError})
			return
		}
		r.logger.Info("registered")
		r.store.SetDeviceToken(token)

	case fetch.StatusInvalidToken:
		r.logger.Warn("auth token rejected during registration")
		r.notifier.OnStatusChanged(notify.Status{Kind: notify.BadAuthToken})

	case fetch.StatusManagementNotSupported:
		r.logger.Info("account is not managed")
		r.notifier.OnStatusChanged(notify.Status{Kind: notify.Unmanaged})

	default:
		r.logger.Warn("registration failed", "status", status)
		r.notifier.OnStatusChanged(notify.Status{
			Kind:   notify.NetworkError,
			Detail: notify.DetailBadToken,
		})
	}
}

// Cancel abandons any registration in flight.
func (r *registrar) Cancel() {
	r.mu.Lock()
	job := r.job
	r.job = nil
	r.mu.Unlock()

	if job != nil {
		job.Cancel()
	}
}

// SetSerialInvalid implements controller.TokenFetcher.
func (r *registrar) SetSerialInvalid() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.serialInvalid = true
}

// SetUnmanaged implements controller.TokenFetcher.
func (r *registrar) SetUnmanaged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unmanaged = true
}

// tokenFromResponse extracts the device token from a registration
// response.
func tokenFromResponse(response *fetch.Response) (string, bool) {
	if response == nil || len(response.Responses) == 0 {
		return "", false
	}
	embedded := response.Responses[0]
	if embedded.ErrorCode != 0 || len(embedded.Payload) == 0 {
		return "", false
	}

	var payload registrationPayload
	if err := codec.Unmarshal(embedded.Payload, &payload); err != nil {
		return "", false
	}
	if payload.DeviceToken == "" {
		return "", false
	}
	return payload.DeviceToken, true
}
