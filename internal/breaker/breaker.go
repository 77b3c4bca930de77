// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package breaker wraps sony/gobreaker with the client core's policy: a
// run of consecutive failures opens the circuit, open calls fail fast
// with the time remaining until the next probe, and a half-open success
// closes it again.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/pulsewire-labs/pulsewire/internal/httperr"
	"github.com/pulsewire-labs/pulsewire/internal/logging"
	"github.com/pulsewire-labs/pulsewire/internal/metrics"
)

// Config holds circuit breaker settings.
type Config struct {
	// Name labels the breaker in logs and metrics.
	Name string

	// Threshold is the consecutive-failure count that opens the circuit.
	Threshold uint32

	// Timeout is how long the circuit stays open before a probe is
	// allowed through.
	Timeout time.Duration

	// MaxRequests bounds concurrent probes in half-open state.
	MaxRequests uint32

	// OnStateChange, when set, is called after each transition with the
	// state names from stateToString.
	OnStateChange func(from, to string)
}

// Breaker guards calls to a remote service. One instance per HTTP
// client; state is not shared across processes.
type Breaker struct {
	cb   *gobreaker.CircuitBreaker[interface{}]
	name string

	mu       sync.RWMutex
	openedAt time.Time
	timeout  time.Duration
}

// New creates a Breaker from cfg, applying defaults for zero values.
func New(cfg Config) *Breaker {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Threshold == 0 {
		cfg.Threshold = 5
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxRequests == 0 {
		cfg.MaxRequests = 1
	}

	b := &Breaker{name: cfg.Name, timeout: cfg.Timeout}

	metrics.CircuitBreakerState.WithLabelValues(cfg.Name).Set(stateToFloat(gobreaker.StateClosed))

	b.cb = gobreaker.NewCircuitBreaker[interface{}](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if to == gobreaker.StateOpen {
				b.mu.Lock()
				b.openedAt = time.Now()
				b.mu.Unlock()
			}
			logging.Info().
				Str("breaker", name).
				Str("from", stateToString(from)).
				Str("to", stateToString(to)).
				Msg("circuit breaker state transition")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, stateToString(from), stateToString(to)).Inc()
			if cfg.OnStateChange != nil {
				cfg.OnStateChange(stateToString(from), stateToString(to))
			}
		},
	})
	return b
}

// Execute runs op under the breaker. When the circuit is open the call
// fails fast with a service_unavailable error carrying the time left
// until the next probe, without invoking op.
func (b *Breaker) Execute(op func() (interface{}, error)) (interface{}, error) {
	result, err := b.cb.Execute(op)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
			return nil, httperr.Unavailable(b.retryAfter(), err)
		}
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
		return nil, err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
	return result, nil
}

// Do runs op under br with a typed result.
func Do[T any](br *Breaker, op func() (T, error)) (T, error) {
	result, err := br.Execute(func() (interface{}, error) {
		return op()
	})
	if err != nil {
		var zero T
		return zero, err
	}
	typed, ok := result.(T)
	if !ok {
		var zero T
		return zero, fmt.Errorf("breaker: unexpected result type %T", result)
	}
	return typed, nil
}

// State returns the current breaker state string: closed, half-open or
// open.
func (b *Breaker) State() string {
	return stateToString(b.cb.State())
}

// Counts returns the breaker's rolling counts.
func (b *Breaker) Counts() gobreaker.Counts {
	return b.cb.Counts()
}

// RetryAfter returns the time remaining until the next probe when open,
// zero otherwise.
func (b *Breaker) RetryAfter() time.Duration {
	if b.cb.State() != gobreaker.StateOpen {
		return 0
	}
	return b.retryAfter()
}

func (b *Breaker) retryAfter() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.openedAt.IsZero() {
		return b.timeout
	}
	remaining := b.timeout - time.Since(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func stateToString(state gobreaker.State) string {
	switch state {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}
