// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package httperr defines the client error taxonomy shared by the HTTP
// client, the sync manager and the status API. Every failure surfaced to
// a caller is one of these kinds, each mapped to a user-facing message
// and a recovery affordance instead of a raw transport error.
package httperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a client-visible failure.
type Kind string

const (
	KindNetwork            Kind = "network"
	KindTimeout            Kind = "timeout"
	KindValidation         Kind = "validation"
	KindAuthentication     Kind = "authentication"
	KindAuthorization      Kind = "authorization"
	KindNotFound           Kind = "not_found"
	KindConflict           Kind = "conflict"
	KindRateLimit          Kind = "rate_limit"
	KindServer             Kind = "server"
	KindServiceUnavailable Kind = "service_unavailable"
)

// Affordance names the recovery action the UI should offer for an error.
type Affordance string

const (
	AffordanceRetry     Affordance = "retry"
	AffordanceSignIn    Affordance = "sign_in"
	AffordanceWait      Affordance = "wait_and_retry"
	AffordanceDashboard Affordance = "dashboard"
	AffordanceNone      Affordance = "none"
)

// Error is the typed error returned by the HTTP client stack.
type Error struct {
	Kind          Kind
	Message       string
	Code          string
	Status        int
	Recoverable   bool
	RetryAfter    time.Duration
	CorrelationID string

	// Redirect carries a client-side redirect target for authentication
	// failures (sign-in route with callbackUrl), empty otherwise.
	Redirect string

	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Kind, e.Status, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches the underlying error and returns e.
func (e *Error) WithCause(err error) *Error {
	e.cause = err
	return e
}

// UserMessage returns the user-facing message for the error's kind.
func (e *Error) UserMessage() string {
	if msg, ok := userMessages[e.Kind]; ok {
		return msg
	}
	return "Something went wrong. Please try again."
}

// RecoveryAffordance returns the recovery action the UI should offer.
func (e *Error) RecoveryAffordance() Affordance {
	if a, ok := affordances[e.Kind]; ok {
		return a
	}
	return AffordanceRetry
}

var userMessages = map[Kind]string{
	KindNetwork:            "Connection problem. Check your network and try again.",
	KindTimeout:            "The request took too long. Please try again.",
	KindValidation:         "Some of the submitted data is invalid.",
	KindAuthentication:     "Your session has expired. Please sign in again.",
	KindAuthorization:      "You don't have permission to do that.",
	KindNotFound:           "The requested item could not be found.",
	KindConflict:           "This item was changed elsewhere. Refresh and retry.",
	KindRateLimit:          "Too many requests. Please wait a moment.",
	KindServer:             "The server hit a problem. Please try again shortly.",
	KindServiceUnavailable: "The service is temporarily unavailable.",
}

var affordances = map[Kind]Affordance{
	KindNetwork:            AffordanceRetry,
	KindTimeout:            AffordanceRetry,
	KindValidation:         AffordanceNone,
	KindAuthentication:     AffordanceSignIn,
	KindAuthorization:      AffordanceDashboard,
	KindNotFound:           AffordanceDashboard,
	KindConflict:           AffordanceRetry,
	KindRateLimit:          AffordanceWait,
	KindServer:             AffordanceRetry,
	KindServiceUnavailable: AffordanceWait,
}

// FromStatus maps an HTTP status code to a taxonomy error.
// Recoverable follows the retry policy: 5xx and 429 may be retried,
// other 4xx are surfaced immediately.
func FromStatus(status int, message string) *Error {
	kind := KindServer
	switch {
	case status == http.StatusBadRequest:
		kind = KindValidation
	case status == http.StatusUnauthorized:
		kind = KindAuthentication
	case status == http.StatusForbidden:
		kind = KindAuthorization
	case status == http.StatusNotFound:
		kind = KindNotFound
	case status == http.StatusConflict:
		kind = KindConflict
	case status == http.StatusTooManyRequests:
		kind = KindRateLimit
	case status == http.StatusServiceUnavailable:
		kind = KindServiceUnavailable
	case status >= 500:
		kind = KindServer
	case status >= 400:
		kind = KindValidation
	}
	if message == "" {
		message = http.StatusText(status)
	}
	return &Error{
		Kind:        kind,
		Message:     message,
		Status:      status,
		Recoverable: status >= 500 || status == http.StatusTooManyRequests,
	}
}

// Network wraps a transport-level failure.
func Network(err error) *Error {
	return &Error{
		Kind:        KindNetwork,
		Message:     "network error",
		Recoverable: true,
		cause:       err,
	}
}

// Timeout wraps a deadline exceeded failure.
func Timeout(err error) *Error {
	return &Error{
		Kind:        KindTimeout,
		Message:     "request timed out",
		Recoverable: true,
		cause:       err,
	}
}

// Unavailable reports a fail-fast rejection (open circuit) with the time
// remaining until the next probe.
func Unavailable(retryAfter time.Duration, err error) *Error {
	return &Error{
		Kind:        KindServiceUnavailable,
		Message:     "service unavailable",
		Recoverable: true,
		RetryAfter:  retryAfter,
		cause:       err,
	}
}

// IsRecoverable reports whether err is a taxonomy error that may be
// retried. Non-taxonomy errors are treated as recoverable network
// failures by the retry layer, so unknown errors return true.
func IsRecoverable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Recoverable
	}
	return true
}

// KindOf returns the Kind of err, or KindNetwork for non-taxonomy errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindNetwork
}
