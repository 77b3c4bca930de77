// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package httpx

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/goccy/go-json"
)

// Request describes one logical API call. Zero values inherit the
// client's configuration.
type Request struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header

	// Body is JSON-marshaled when non-nil.
	Body interface{}

	// Sign enables HMAC request signing for this request only.
	Sign bool

	// SkipAuth suppresses token injection (login, public endpoints).
	// Skipping auth also disables coalescing for the request.
	SkipAuth bool

	// SkipCoalesce opts an idempotent request out of deduplication.
	SkipCoalesce bool
}

// Response is the decoded result of a successful request.
type Response struct {
	Status        int
	Header        http.Header
	Data          []byte
	CorrelationID string
}

// JSON unmarshals the response body into v.
func (r *Response) JSON(v interface{}) error {
	return json.Unmarshal(r.Data, v)
}

// IsJSON reports whether the response declared a JSON content type.
// Non-JSON bodies are still available as raw bytes in Data.
func (r *Response) IsJSON() bool {
	return strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

// RequestInterceptor mutates the outgoing request before send. The
// chain runs in registration order on every attempt, so token injection
// always sees a current token even across retries.
type RequestInterceptor func(ctx context.Context, req *http.Request) error

// ResponseInterceptor observes responses after a successful exchange.
type ResponseInterceptor func(ctx context.Context, resp *http.Response) error

// ErrorInterceptor observes terminal request errors.
type ErrorInterceptor func(ctx context.Context, err error)

// url builds the absolute request URL.
func (r *Request) url(baseURL string) string {
	u := baseURL + r.Path
	if len(r.Query) > 0 {
		u += "?" + r.Query.Encode()
	}
	return u
}

// coalescable reports whether the request may share a network call with
// identical concurrent requests.
func (r *Request) coalescable() bool {
	if r.SkipCoalesce || r.SkipAuth {
		return false
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}
