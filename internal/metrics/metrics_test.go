// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCircuitBreakerState_Gauge(t *testing.T) {
	CircuitBreakerState.WithLabelValues("test-breaker").Set(2)
	if got := testutil.ToFloat64(CircuitBreakerState.WithLabelValues("test-breaker")); got != 2 {
		t.Errorf("expected state gauge 2, got %v", got)
	}
	CircuitBreakerState.WithLabelValues("test-breaker").Set(0)
}

func TestQueueDepth_Gauge(t *testing.T) {
	QueueDepth.WithLabelValues("pending").Set(4)
	if got := testutil.ToFloat64(QueueDepth.WithLabelValues("pending")); got != 4 {
		t.Errorf("expected depth 4, got %v", got)
	}
}

func TestCounters_Increment(t *testing.T) {
	before := testutil.ToFloat64(CoalesceMisses)
	CoalesceMisses.Inc()
	if got := testutil.ToFloat64(CoalesceMisses); got != before+1 {
		t.Errorf("expected %v, got %v", before+1, got)
	}

	beforeRefresh := testutil.ToFloat64(TokenRefreshes.WithLabelValues("success"))
	TokenRefreshes.WithLabelValues("success").Inc()
	if got := testutil.ToFloat64(TokenRefreshes.WithLabelValues("success")); got != beforeRefresh+1 {
		t.Errorf("expected %v, got %v", beforeRefresh+1, got)
	}
}
