// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/droverhq/drover/lib/codec"
	"github.com/droverhq/drover/lib/testutil"
)

type jobResult struct {
	status   Status
	response *Response
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func runJob(t *testing.T, client *HTTPClient, kind Kind, request *Request) jobResult {
	t.Helper()
	results := make(chan jobResult, 1)
	job := client.CreateFetchJob(kind)
	job.SetRequest(request)
	job.Start(func(status Status, response *Response) {
		results <- jobResult{status, response}
	})
	return testutil.RequireReceive(t, results, 5*time.Second, "job callback")
}

func TestHTTPClientSuccess(t *testing.T) {
	var receivedKind string
	var receivedRequest Request
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedKind = r.URL.Query().Get("kind")
		body, _ := io.ReadAll(r.Body)
		if err := codec.Unmarshal(body, &receivedRequest); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		data, _ := codec.Marshal(wireResponse{
			Responses: []EmbeddedResponse{{Payload: []byte("payload")}},
		})
		w.Write(data)
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second, discardLogger())
	result := runJob(t, client, KindPolicy, &Request{
		DeviceToken: "token-1",
		ClientID:    "client-1",
	})

	if result.status != StatusSuccess {
		t.Fatalf("status = %v, want success", result.status)
	}
	if len(result.response.Responses) != 1 || string(result.response.Responses[0].Payload) != "payload" {
		t.Errorf("response = %+v", result.response)
	}
	if receivedKind != "policy" {
		t.Errorf("kind query = %q, want policy", receivedKind)
	}
	if receivedRequest.DeviceToken != "token-1" || receivedRequest.ClientID != "client-1" {
		t.Errorf("request = %+v", receivedRequest)
	}
}

func TestHTTPClientBodyErrorCodes(t *testing.T) {
	tests := []struct {
		name string
		code int
		want Status
	}{
		{"device_not_found", codeDeviceNotFound, StatusDeviceNotFound},
		{"id_conflict", codeDeviceIDConflict, StatusDeviceIDConflict},
		{"invalid_token", codeInvalidToken, StatusInvalidToken},
		{"invalid_serial", codeInvalidSerial, StatusInvalidSerial},
		{"not_supported", codeNotSupported, StatusManagementNotSupported},
		{"policy_not_found", codePolicyNotFound, StatusPolicyNotFound},
		{"activation_pending", codeActivationPending, StatusActivationPending},
		{"malformed_request", codeMalformedRequest, StatusBadRequest},
		{"unknown_code", 999, StatusHTTPError},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				data, _ := codec.Marshal(wireResponse{Error: test.code})
				w.Write(data)
			}))
			defer server.Close()

			client := NewHTTPClient(server.URL, 5*time.Second, discardLogger())
			result := runJob(t, client, KindPolicy, &Request{})
			if result.status != test.want {
				t.Errorf("status = %v, want %v", result.status, test.want)
			}
			if result.response != nil {
				t.Errorf("response = %+v, want nil", result.response)
			}
		})
	}
}

func TestHTTPClientHTTPStatuses(t *testing.T) {
	tests := []struct {
		name       string
		httpStatus int
		want       Status
	}{
		{"bad_request", http.StatusBadRequest, StatusBadRequest},
		{"unauthorized", http.StatusUnauthorized, StatusInvalidToken},
		{"forbidden", http.StatusForbidden, StatusInvalidToken},
		{"gone", http.StatusGone, StatusManagementNotSupported},
		{"server_error", http.StatusInternalServerError, StatusHTTPError},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(test.httpStatus)
			}))
			defer server.Close()

			client := NewHTTPClient(server.URL, 5*time.Second, discardLogger())
			result := runJob(t, client, KindRegistration, &Request{})
			if result.status != test.want {
				t.Errorf("status = %v, want %v", result.status, test.want)
			}
		})
	}
}

func TestHTTPClientUndecodableBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("\xff\xff not cbor"))
	}))
	defer server.Close()

	client := NewHTTPClient(server.URL, 5*time.Second, discardLogger())
	result := runJob(t, client, KindPolicy, &Request{})
	if result.status != StatusResponseDecodeError {
		t.Errorf("status = %v, want response-decode-error", result.status)
	}
}

func TestHTTPClientCancelSuppressesCallback(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	client := NewHTTPClient(server.URL, 5*time.Second, discardLogger())
	results := make(chan jobResult, 1)
	job := client.CreateFetchJob(KindPolicy)
	job.SetRequest(&Request{})
	job.Start(func(status Status, response *Response) {
		results <- jobResult{status, response}
	})
	job.Cancel()

	testutil.RequireNoReceive(t, results, 200*time.Millisecond, "cancelled job callback")
}
