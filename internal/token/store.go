// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package token holds the access/refresh token pair and coalesces
// concurrent refresh attempts into a single flight.
package token

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/pulsewire-labs/pulsewire/internal/logging"
	"github.com/pulsewire-labs/pulsewire/internal/metrics"
)

// ErrNoToken is returned when no token pair is held and no refresh is
// possible.
var ErrNoToken = errors.New("token: no token available")

// Pair is an access/refresh token pair. The access token is a JWT whose
// exp claim drives the expiry check; the refresh token is opaque.
type Pair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Refresher exchanges a refresh token for a new pair. Implementations
// perform exactly one network call per invocation; retry policy lives in
// the HTTP client layer, not here.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (Pair, error)
}

// Store owns the token pair. GetValidToken is safe for concurrent use:
// when the access token is expired, exactly one refresh request is
// issued and every concurrent caller receives that flight's result.
type Store struct {
	refresher Refresher
	skew      time.Duration
	clock     func() time.Time

	mu   sync.RWMutex
	pair Pair

	group singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source. Intended for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.clock = clock }
}

// WithExpirySkew overrides the default 30s expiry skew.
func WithExpirySkew(skew time.Duration) Option {
	return func(s *Store) { s.skew = skew }
}

// NewStore creates a token store. refresher may be nil, in which case an
// expired token simply yields ErrNoToken.
func NewStore(refresher Refresher, opts ...Option) *Store {
	s := &Store{
		refresher: refresher,
		skew:      30 * time.Second,
		clock:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetPair installs a new token pair (login, external refresh).
func (s *Store) SetPair(pair Pair) {
	s.mu.Lock()
	s.pair = pair
	s.mu.Unlock()
}

// CurrentPair returns the held pair without validity checks.
func (s *Store) CurrentPair() Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pair
}

// Clear drops both tokens. Called on logout and on refresh failure.
func (s *Store) Clear() {
	s.mu.Lock()
	s.pair = Pair{}
	s.mu.Unlock()
}

// GetValidToken returns a non-expired access token, refreshing it first
// if needed. Concurrent callers share a single refresh flight and all
// receive its result, success or failure. Refresh failure clears both
// tokens before the error propagates.
func (s *Store) GetValidToken(ctx context.Context) (string, error) {
	s.mu.RLock()
	pair := s.pair
	s.mu.RUnlock()

	if pair.AccessToken != "" && !s.expired(pair.AccessToken) {
		return pair.AccessToken, nil
	}

	if pair.RefreshToken == "" || s.refresher == nil {
		return "", ErrNoToken
	}

	// The singleflight key is constant: there is one logical refresh
	// slot per store, so every concurrent caller attaches to the same
	// flight regardless of which stale token it observed.
	result, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		// Re-check under the flight: a racing caller may have completed
		// the refresh between our check and this flight starting.
		s.mu.RLock()
		current := s.pair
		s.mu.RUnlock()
		if current.AccessToken != "" && !s.expired(current.AccessToken) {
			return current.AccessToken, nil
		}
		if current.RefreshToken == "" {
			return "", ErrNoToken
		}

		fresh, err := s.refresher.Refresh(ctx, current.RefreshToken)
		if err != nil {
			s.Clear()
			metrics.TokenRefreshes.WithLabelValues("failure").Inc()
			lg := logging.Ctx(ctx)
			lg.Warn().Err(err).Msg("token refresh failed, session cleared")
			return "", fmt.Errorf("token refresh: %w", err)
		}

		s.SetPair(fresh)
		metrics.TokenRefreshes.WithLabelValues("success").Inc()
		lg := logging.Ctx(ctx)
		lg.Debug().Msg("token refreshed")
		return fresh.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// expired reports whether the JWT's exp claim is within skew of now.
// Tokens without a parseable exp claim are treated as expired so a
// malformed token can never be sent with an unknown lifetime.
func (s *Store) expired(accessToken string) bool {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return true
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return true
	}
	return !s.clock().Before(exp.Time.Add(-s.skew))
}
