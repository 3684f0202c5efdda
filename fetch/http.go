// Copyright 2026 The Drover Authors
// SPDX-License-Identifier: Apache-2.0

package fetch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/droverhq/drover/lib/codec"
)

// Server error codes carried in response bodies. These are wire
// constants shared with the management backend.
const (
	codeDeviceNotFound    = 901
	codeDeviceIDConflict  = 902
	codeInvalidToken      = 903
	codeInvalidSerial     = 904
	codeNotSupported      = 905
	codePolicyNotFound    = 906
	codeActivationPending = 907
	codeMalformedRequest  = 908
)

// wireResponse is the CBOR body returned by the server: an optional
// top-level error plus the embedded payloads.
type wireResponse struct {
	Error     int                `cbor:"1,keyasint,omitempty"`
	Responses []EmbeddedResponse `cbor:"2,keyasint,omitempty"`
}

// HTTPClient issues fetch jobs against a management backend over
// HTTP. Requests are CBOR-encoded POSTs; the job kind travels as a
// query parameter.
type HTTPClient struct {
	url     string
	timeout time.Duration
	client  *http.Client
	logger  *slog.Logger
}

// NewHTTPClient returns an HTTPClient posting to url with the given
// per-request timeout.
func NewHTTPClient(url string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	return &HTTPClient{
		url:     url,
		timeout: timeout,
		client:  &http.Client{},
		logger:  logger,
	}
}

// CreateFetchJob implements Client.
func (c *HTTPClient) CreateFetchJob(kind Kind) Job {
	ctx, cancel := context.WithCancel(context.Background())
	return &httpJob{
		client: c,
		kind:   kind,
		ctx:    ctx,
		cancel: cancel,
	}
}

// httpJob is one in-flight HTTP fetch. Cancel wins any race with the
// response: once cancelled, the callback never fires.
type httpJob struct {
	client  *HTTPClient
	kind    Kind
	request *Request

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	cancelled bool
	started   bool
}

// SetRequest implements Job.
func (j *httpJob) SetRequest(request *Request) {
	j.request = request
}

// Start implements Job.
func (j *httpJob) Start(callback Callback) {
	j.mu.Lock()
	if j.started {
		j.mu.Unlock()
		panic("fetch: job started twice")
	}
	j.started = true
	j.mu.Unlock()

	go func() {
		status, response := j.execute()

		j.mu.Lock()
		cancelled := j.cancelled
		j.mu.Unlock()
		if cancelled {
			return
		}
		callback(status, response)
	}()
}

// Cancel implements Job.
func (j *httpJob) Cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
	j.cancel()
}

// execute performs the HTTP round trip and maps the result onto a
// Status.
func (j *httpJob) execute() (Status, *Response) {
	body, err := codec.Marshal(j.request)
	if err != nil {
		// Requests are plain structs; encoding them cannot fail
		// with well-formed input.
		j.client.logger.Error("encoding fetch request", "error", err)
		return StatusRequestFailed, nil
	}

	ctx, cancel := context.WithTimeout(j.ctx, j.client.timeout)
	defer cancel()

	url := fmt.Sprintf("%s?kind=%s", j.client.url, j.kind)
	httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return StatusRequestFailed, nil
	}
	httpRequest.Header.Set("Content-Type", "application/cbor")

	httpResponse, err := j.client.client.Do(httpRequest)
	if err != nil {
		j.client.logger.Debug("fetch request failed", "kind", j.kind, "error", err)
		return StatusRequestFailed, nil
	}
	defer httpResponse.Body.Close()

	if httpResponse.StatusCode != http.StatusOK {
		j.client.logger.Debug("fetch rejected",
			"kind", j.kind, "http_status", httpResponse.StatusCode)
		return statusFromHTTP(httpResponse.StatusCode), nil
	}

	payload, err := io.ReadAll(io.LimitReader(httpResponse.Body, 4<<20))
	if err != nil {
		return StatusRequestFailed, nil
	}

	var wire wireResponse
	if err := codec.Unmarshal(payload, &wire); err != nil {
		j.client.logger.Warn("undecodable fetch response", "kind", j.kind, "error", err)
		return StatusResponseDecodeError, nil
	}
	if wire.Error != 0 {
		return statusFromCode(wire.Error), nil
	}
	return StatusSuccess, &Response{Responses: wire.Responses}
}

// statusFromHTTP maps a non-200 HTTP status onto a fetch Status.
func statusFromHTTP(httpStatus int) Status {
	switch httpStatus {
	case http.StatusBadRequest:
		return StatusBadRequest
	case http.StatusUnauthorized, http.StatusForbidden:
		return StatusInvalidToken
	case http.StatusGone:
		return StatusManagementNotSupported
	default:
		return StatusHTTPError
	}
}

// statusFromCode maps a server body error code onto a fetch Status.
func statusFromCode(code int) Status {
	switch code {
	case codeDeviceNotFound:
		return StatusDeviceNotFound
	case codeDeviceIDConflict:
		return StatusDeviceIDConflict
	case codeInvalidToken:
		return StatusInvalidToken
	case codeInvalidSerial:
		return StatusInvalidSerial
	case codeNotSupported:
		return StatusManagementNotSupported
	case codePolicyNotFound:
		return StatusPolicyNotFound
	case codeActivationPending:
		return StatusActivationPending
	case codeMalformedRequest:
		return StatusBadRequest
	default:
		return StatusHTTPError
	}
}
