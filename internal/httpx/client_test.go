// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package httpx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pulsewire-labs/pulsewire/internal/breaker"
	"github.com/pulsewire-labs/pulsewire/internal/httperr"
	"github.com/pulsewire-labs/pulsewire/internal/logging"
	"github.com/pulsewire-labs/pulsewire/internal/token"
)

func newTestBreaker() *breaker.Breaker {
	return breaker.New(breaker.Config{Name: "test", Threshold: 100, Timeout: time.Minute})
}

// newTestClient builds a client against srv with instant, recorded
// backoff sleeps.
func newTestClient(srv *httptest.Server, cfg Config, tokens *token.Store) (*Client, *[]time.Duration) {
	cfg.BaseURL = srv.URL
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.RetryBaseDelay == 0 {
		cfg.RetryBaseDelay = 10 * time.Millisecond
	}
	c := New(cfg, newTestBreaker(), tokens)

	delays := &[]time.Duration{}
	c.sleep = func(_ context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
	c.jitter = func() time.Duration { return 0 }
	return c, delays
}

func TestDoRetriesRecoverableFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	c, delays := newTestClient(srv, Config{RetryAttempts: 2}, nil)

	resp, err := c.Get(context.Background(), "/api/v1/courses", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if resp.Status != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("server calls = %d, want 3", got)
	}
	if len(*delays) != 2 {
		t.Fatalf("backoff sleeps = %d, want 2", len(*delays))
	}
	if (*delays)[0] != 10*time.Millisecond || (*delays)[1] != 20*time.Millisecond {
		t.Fatalf("delays = %v, want [10ms 20ms]", *delays)
	}
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"no such course"}`))
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, Config{RetryAttempts: 3}, nil)

	_, err := c.Get(context.Background(), "/api/v1/courses/9000", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	var e *httperr.Error
	if !errors.As(err, &e) {
		t.Fatalf("error type = %T", err)
	}
	if e.Kind != httperr.KindNotFound {
		t.Fatalf("kind = %s, want not_found", e.Kind)
	}
	if e.Recoverable {
		t.Fatal("not_found must not be recoverable")
	}
	if e.Message != "no such course" {
		t.Fatalf("message = %q", e.Message)
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("server calls = %d, want 1", got)
	}
}

func TestRetryAfterHeaderOverridesBackoff(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, delays := newTestClient(srv, Config{RetryAttempts: 1}, nil)

	if _, err := c.Get(context.Background(), "/api/v1/progress", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(*delays) != 1 || (*delays)[0] != 3*time.Second {
		t.Fatalf("delays = %v, want [3s]", *delays)
	}
}

func TestUnauthorizedClearsSessionAndRedirects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	tokens := token.NewStore(nil)
	tokens.SetPair(token.Pair{AccessToken: "stale", RefreshToken: "stale"})

	c, _ := newTestClient(srv, Config{SignInRoute: "/auth/signin"}, tokens)

	_, err := c.Do(context.Background(), &Request{
		Method:   http.MethodGet,
		Path:     "/api/v1/profile",
		SkipAuth: true,
	})
	var e *httperr.Error
	if !errors.As(err, &e) {
		t.Fatalf("error = %v", err)
	}
	if e.Kind != httperr.KindAuthentication {
		t.Fatalf("kind = %s, want authentication", e.Kind)
	}
	if want := "/auth/signin?callbackUrl=%2Fapi%2Fv1%2Fprofile"; e.Redirect != want {
		t.Fatalf("redirect = %q, want %q", e.Redirect, want)
	}
	if pair := tokens.CurrentPair(); pair.AccessToken != "" || pair.RefreshToken != "" {
		t.Fatal("session not cleared after 401")
	}
}

func TestRequestCarriesStandardHeaders(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, Config{ClientVersion: "1.4.0"}, nil)

	if _, err := c.Get(context.Background(), "/api/v1/ping", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Get("X-Correlation-ID") == "" {
		t.Fatal("missing X-Correlation-ID")
	}
	ts, err := strconv.ParseInt(got.Get("X-Timestamp"), 10, 64)
	if err != nil {
		t.Fatalf("X-Timestamp = %q: %v", got.Get("X-Timestamp"), err)
	}
	if drift := time.Since(time.UnixMilli(ts)); drift < 0 || drift > time.Minute {
		t.Fatalf("timestamp drift = %v", drift)
	}
	if got.Get("X-Client-Version") != "1.4.0" {
		t.Fatalf("X-Client-Version = %q", got.Get("X-Client-Version"))
	}
}

func TestCorrelationIDPropagatesFromContext(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Correlation-ID")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, Config{}, nil)

	ctx := logging.ContextWithCorrelationID(context.Background(), "abc-123")
	resp, err := c.Get(ctx, "/api/v1/ping", nil)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "abc-123" {
		t.Fatalf("header correlation id = %q", got)
	}
	if resp.CorrelationID != "abc-123" {
		t.Fatalf("response correlation id = %q", resp.CorrelationID)
	}
}

func TestSignedRequestCarriesValidSignature(t *testing.T) {
	const secret = "pulsewire-signing-secret"
	var sigOK atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		payload := strings.Join([]string{
			r.Method,
			"http://" + r.Host + r.URL.String(),
			string(body),
			r.Header.Get("X-Timestamp"),
			r.Header.Get("X-Correlation-ID"),
		}, "|")
		mac := hmac.New(sha256.New, []byte(secret))
		mac.Write([]byte(payload))
		want := hex.EncodeToString(mac.Sum(nil))
		sigOK.Store(r.Header.Get("X-Signature") == want)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, Config{SigningSecret: secret}, nil)

	_, err := c.Do(context.Background(), &Request{
		Method: http.MethodPost,
		Path:   "/api/v1/progress",
		Body:   map[string]interface{}{"lessonId": "l-7", "percent": 80},
		Sign:   true,
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if !sigOK.Load() {
		t.Fatal("server rejected signature")
	}
}

func TestUnsignedRequestOmitsSignature(t *testing.T) {
	var sig string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sig = r.Header.Get("X-Signature")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, Config{SigningSecret: "s"}, nil)

	if _, err := c.Get(context.Background(), "/api/v1/courses", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sig != "" {
		t.Fatalf("unexpected signature %q", sig)
	}
}

func TestTimeoutMapsToTimeoutKind(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, Config{Timeout: 50 * time.Millisecond}, nil)

	_, err := c.Get(context.Background(), "/api/v1/slow", nil)
	var e *httperr.Error
	if !errors.As(err, &e) {
		t.Fatalf("error = %v", err)
	}
	if e.Kind != httperr.KindTimeout {
		t.Fatalf("kind = %s, want timeout", e.Kind)
	}
	if !e.Recoverable {
		t.Fatal("timeouts must be recoverable")
	}
}

func TestOpenBreakerFailsFastWithoutNetworkCall(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	br := breaker.New(breaker.Config{Name: "test", Threshold: 2, Timeout: time.Minute})
	c := New(Config{BaseURL: srv.URL, Timeout: time.Second}, br, nil)
	c.sleep = func(context.Context, time.Duration) error { return nil }
	c.jitter = func() time.Duration { return 0 }

	for i := 0; i < 2; i++ {
		if _, err := c.Get(context.Background(), "/api/v1/flaky", nil); err == nil {
			t.Fatal("expected failure")
		}
	}
	_, err := c.Get(context.Background(), "/api/v1/flaky", nil)
	var e *httperr.Error
	if !errors.As(err, &e) {
		t.Fatalf("error = %v", err)
	}
	if e.Kind != httperr.KindServiceUnavailable {
		t.Fatalf("kind = %s, want service_unavailable", e.Kind)
	}
	if e.RetryAfter <= 0 {
		t.Fatal("open breaker error must carry a retry-after hint")
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("server calls = %d, want 2 (third call fails fast)", got)
	}
}

func TestRequestInterceptorRunsOnEveryAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Tenant") != "acme" {
			t.Errorf("missing tenant header on attempt %d", calls.Load()+1)
		}
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, Config{RetryAttempts: 1}, nil)
	c.UseRequest(func(_ context.Context, req *http.Request) error {
		req.Header.Set("X-Tenant", "acme")
		return nil
	})

	if _, err := c.Get(context.Background(), "/api/v1/courses", nil); err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("server calls = %d, want 2", got)
	}
}

func TestErrorInterceptorObservesTerminalFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	c, _ := newTestClient(srv, Config{}, nil)

	var observed error
	c.UseError(func(_ context.Context, err error) { observed = err })

	_, err := c.Get(context.Background(), "/api/v1/admin", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if observed == nil || httperr.KindOf(observed) != httperr.KindAuthorization {
		t.Fatalf("observed = %v", observed)
	}
}
