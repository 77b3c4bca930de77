// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/pulsewire-labs/pulsewire/internal/httperr"
)

var errBoom = errors.New("boom")

func failN(b *Breaker, n int) {
	for i := 0; i < n; i++ {
		_, _ = b.Execute(func() (interface{}, error) { return nil, errBoom })
	}
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := New(Config{Name: "open-test", Threshold: 3, Timeout: time.Minute})

	if b.State() != "closed" {
		t.Fatalf("expected closed initially, got %s", b.State())
	}

	failN(b, 3)

	if b.State() != "open" {
		t.Fatalf("expected open after 3 consecutive failures, got %s", b.State())
	}

	// Open circuit fails fast without invoking the operation.
	invoked := false
	_, err := b.Execute(func() (interface{}, error) {
		invoked = true
		return nil, nil
	})
	if invoked {
		t.Error("operation must not be invoked while open")
	}
	var he *httperr.Error
	if !errors.As(err, &he) || he.Kind != httperr.KindServiceUnavailable {
		t.Errorf("expected service_unavailable fail-fast error, got %v", err)
	}
	if he.RetryAfter <= 0 || he.RetryAfter > time.Minute {
		t.Errorf("expected RetryAfter within (0, timeout], got %v", he.RetryAfter)
	}
}

func TestBreaker_SuccessResetsFailureRun(t *testing.T) {
	b := New(Config{Name: "reset-test", Threshold: 3, Timeout: time.Minute})

	failN(b, 2)
	if _, err := b.Execute(func() (interface{}, error) { return "ok", nil }); err != nil {
		t.Fatalf("success call failed: %v", err)
	}
	// Two more failures: run restarted, still below threshold.
	failN(b, 2)

	if b.State() != "closed" {
		t.Errorf("expected closed after interleaved success, got %s", b.State())
	}
}

func TestBreaker_HalfOpenProbeClosesOnSuccess(t *testing.T) {
	b := New(Config{Name: "halfopen-success", Threshold: 2, Timeout: 50 * time.Millisecond})

	failN(b, 2)
	if b.State() != "open" {
		t.Fatalf("expected open, got %s", b.State())
	}

	time.Sleep(80 * time.Millisecond)

	// After the timeout the next call probes the service.
	invoked := false
	result, err := b.Execute(func() (interface{}, error) {
		invoked = true
		return "recovered", nil
	})
	if !invoked {
		t.Fatal("probe was not allowed through after timeout")
	}
	if err != nil || result != "recovered" {
		t.Fatalf("probe failed: %v", err)
	}
	if b.State() != "closed" {
		t.Errorf("expected closed after probe success, got %s", b.State())
	}
	if b.Counts().ConsecutiveFailures != 0 {
		t.Errorf("expected failure count reset, got %d", b.Counts().ConsecutiveFailures)
	}
}

func TestBreaker_HalfOpenProbeReopensOnFailure(t *testing.T) {
	b := New(Config{Name: "halfopen-failure", Threshold: 2, Timeout: 50 * time.Millisecond})

	failN(b, 2)
	time.Sleep(80 * time.Millisecond)

	_, _ = b.Execute(func() (interface{}, error) { return nil, errBoom })

	if b.State() != "open" {
		t.Errorf("expected open after failed probe, got %s", b.State())
	}
}

func TestBreaker_RetryAfterCountsDown(t *testing.T) {
	b := New(Config{Name: "countdown", Threshold: 1, Timeout: 200 * time.Millisecond})
	failN(b, 1)

	first := b.RetryAfter()
	if first <= 0 {
		t.Fatalf("expected positive retry-after, got %v", first)
	}
	time.Sleep(60 * time.Millisecond)
	second := b.RetryAfter()
	if second >= first {
		t.Errorf("retry-after did not decrease: %v -> %v", first, second)
	}
}

func TestDo_TypedResult(t *testing.T) {
	b := New(Config{Name: "typed", Threshold: 3, Timeout: time.Minute})

	got, err := Do(b, func() (int, error) { return 42, nil })
	if err != nil || got != 42 {
		t.Errorf("expected 42, got %d (%v)", got, err)
	}

	_, err = Do(b, func() (int, error) { return 0, errBoom })
	if !errors.Is(err, errBoom) {
		t.Errorf("expected errBoom, got %v", err)
	}
}
