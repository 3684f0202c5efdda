// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

// Package fetch defines the transport contract between the policy
// controller and the management backend: the request and response
// shapes, the status taxonomy, and the asynchronous Job issued per
// fetch. HTTPClient is the production implementation; tests substitute
// their own Client.
package fetch

import "fmt"

// Kind selects the request type a job carries.
type Kind int

const (
	// KindPolicy fetches the current policy for a registered client.
	KindPolicy Kind = iota

	// KindRegistration exchanges an auth token for a device token.
	KindRegistration
)

// String returns the human-readable name of a job kind.
func (k Kind) String() string {
	switch k {
	case KindPolicy:
		return "policy"
	case KindRegistration:
		return "registration"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Status classifies the outcome of a fetch job. The controller maps
// each status onto its next state; nothing else inspects it.
type Status int

const (
	// StatusSuccess means the server answered and the response body
	// was decoded.
	StatusSuccess Status = iota

	// StatusRequestFailed means a transient network failure;
	// retried with fast backoff.
	StatusRequestFailed

	// StatusDeviceNotFound means the server no longer knows this
	// device token.
	StatusDeviceNotFound

	// StatusDeviceIDConflict means the client id collided with an
	// existing registration.
	StatusDeviceIDConflict

	// StatusInvalidToken means the management token was rejected.
	StatusInvalidToken

	// StatusInvalidSerial means the server rejected the device
	// serial number.
	StatusInvalidSerial

	// StatusManagementNotSupported means the domain has no
	// management; the client is unmanaged.
	StatusManagementNotSupported

	// StatusPolicyNotFound means the server has no policy for this
	// client.
	StatusPolicyNotFound

	// StatusBadRequest means the server rejected the request as
	// malformed.
	StatusBadRequest

	// StatusActivationPending means registration succeeded but is
	// awaiting administrator approval.
	StatusActivationPending

	// StatusResponseDecodeError means the response body could not
	// be decoded.
	StatusResponseDecodeError

	// StatusHTTPError means an HTTP-level failure not covered by a
	// more specific status.
	StatusHTTPError
)

// String returns the human-readable name of a status.
func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusRequestFailed:
		return "request-failed"
	case StatusDeviceNotFound:
		return "device-not-found"
	case StatusDeviceIDConflict:
		return "device-id-conflict"
	case StatusInvalidToken:
		return "invalid-token"
	case StatusInvalidSerial:
		return "invalid-serial"
	case StatusManagementNotSupported:
		return "management-not-supported"
	case StatusPolicyNotFound:
		return "policy-not-found"
	case StatusBadRequest:
		return "bad-request"
	case StatusActivationPending:
		return "activation-pending"
	case StatusResponseDecodeError:
		return "response-decode-error"
	case StatusHTTPError:
		return "http-error"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Request carries the client's identity and freshness state to the
// server. Zero-valued optional fields are omitted from the wire
// encoding.
type Request struct {
	// DeviceToken is the management credential.
	DeviceToken string `cbor:"1,keyasint"`

	// ClientID is the per-registration random identifier.
	ClientID string `cbor:"2,keyasint"`

	// UserAffiliation is the identity.Affiliation as an integer.
	UserAffiliation int `cbor:"3,keyasint"`

	// MachineID is sent only when the server reported it missing
	// and one is known locally.
	MachineID string `cbor:"4,keyasint,omitempty"`

	// MachineModel accompanies MachineID.
	MachineModel string `cbor:"5,keyasint,omitempty"`

	// LastRefresh is the Unix timestamp (milliseconds) of the last
	// successful refresh; zero when none exists or the client is
	// unmanaged.
	LastRefresh int64 `cbor:"6,keyasint,omitempty"`

	// KeyVersion echoes the signing-key version of the cached
	// policy. Meaningful only when HasKeyVersion is true.
	KeyVersion int `cbor:"7,keyasint,omitempty"`

	// HasKeyVersion reports whether KeyVersion is set.
	HasKeyVersion bool `cbor:"8,keyasint,omitempty"`
}

// EmbeddedResponse is one policy payload inside a fetch response. A
// server may return several; the controller uses the first.
type EmbeddedResponse struct {
	// ErrorCode is a per-payload server error, zero when the
	// payload is good.
	ErrorCode int `cbor:"1,keyasint,omitempty"`

	// Payload is the opaque encoded policy, interpreted by the
	// injected decode function.
	Payload []byte `cbor:"2,keyasint,omitempty"`
}

// Response is a decoded fetch response body.
type Response struct {
	// Responses holds the embedded policy payloads.
	Responses []EmbeddedResponse `cbor:"1,keyasint,omitempty"`
}

// Callback receives a job's outcome. The response is nil unless the
// status is StatusSuccess.
type Callback func(status Status, response *Response)

// Job is one asynchronous fetch. A job is single-use: set the
// request, start it, and either the callback fires once or Cancel
// suppresses it.
type Job interface {
	// SetRequest attaches the request before Start.
	SetRequest(*Request)

	// Start issues the request. The callback is invoked exactly
	// once from another goroutine unless Cancel wins the race.
	Start(Callback)

	// Cancel abandons the job. A cancelled job never invokes its
	// callback.
	Cancel()
}

// Client creates fetch jobs.
type Client interface {
	CreateFetchJob(kind Kind) Job
}
