// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package metrics provides Prometheus instrumentation for the client
// core: outbound request latency, circuit breaker state, coalescer
// efficiency, offline queue depth, sync passes and fanout traffic.
// Metrics are exposed on the status server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP client metrics

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pulsewire_http_request_duration_seconds",
			Help:    "Duration of outbound HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewire_http_requests_total",
			Help: "Total outbound HTTP requests",
		},
		[]string{"method", "outcome"},
	)

	HTTPRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsewire_http_retries_total",
			Help: "Total retry attempts across all requests",
		},
	)

	// Circuit breaker metrics

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulsewire_circuit_breaker_state",
			Help: "Circuit breaker state: 0=closed, 1=half-open, 2=open",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewire_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	CircuitBreakerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewire_circuit_breaker_requests_total",
			Help: "Requests seen by the circuit breaker by result",
		},
		[]string{"name", "result"},
	)

	// Coalescer metrics

	CoalesceHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewire_coalesce_hits_total",
			Help: "Requests served by an in-flight or recent identical request",
		},
		[]string{"source"}, // inflight | recent
	)

	CoalesceMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsewire_coalesce_misses_total",
			Help: "Coalescable requests that went to the network",
		},
	)

	BatchDispatches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsewire_batch_dispatches_total",
			Help: "Batched GET groups dispatched",
		},
	)

	// Token metrics

	TokenRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewire_token_refreshes_total",
			Help: "Token refresh attempts by result",
		},
		[]string{"result"}, // success | failure
	)

	// Offline queue metrics

	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pulsewire_queue_depth",
			Help: "Offline activity records by status",
		},
		[]string{"status"},
	)

	QueueOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewire_queue_operations_total",
			Help: "Offline queue store operations",
		},
		[]string{"op", "result"},
	)

	// Sync metrics

	SyncPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewire_sync_passes_total",
			Help: "Sync passes by result",
		},
		[]string{"result"}, // success | error | noop
	)

	SyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pulsewire_sync_pass_duration_seconds",
			Help:    "Duration of sync passes in seconds",
			Buckets: []float64{.1, .5, 1, 5, 10, 30, 60, 120},
		},
	)

	SyncRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewire_sync_records_total",
			Help: "Offline records processed by outcome",
		},
		[]string{"outcome"}, // synced | failed | deferred
	)

	// Fanout metrics

	FanoutEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewire_fanout_events_total",
			Help: "Cache synchronization events by type and direction",
		},
		[]string{"type", "direction"}, // direction: sent | received | ignored
	)

	FanoutConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pulsewire_fanout_conflicts_total",
			Help: "Cross-instance cache conflicts resolved by last-write-wins",
		},
	)

	PeersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pulsewire_peers_active",
			Help: "Peer instances seen within the liveness window",
		},
	)

	// Query cache metrics

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewire_cache_hits_total",
			Help: "Cache hits by cache type",
		},
		[]string{"cache"},
	)

	CacheMisses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pulsewire_cache_misses_total",
			Help: "Cache misses by cache type",
		},
		[]string{"cache"},
	)
)
