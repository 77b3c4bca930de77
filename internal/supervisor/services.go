// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package supervisor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/pulsewire-labs/pulsewire/internal/fanout"
	"github.com/pulsewire-labs/pulsewire/internal/logging"
	"github.com/pulsewire-labs/pulsewire/internal/store"
	"github.com/pulsewire-labs/pulsewire/internal/syncer"
	"github.com/pulsewire-labs/pulsewire/internal/ws"
)

// SyncLoopService adapts the background sync loop to suture.Service.
type SyncLoopService struct {
	Loop *syncer.Loop
}

func (s *SyncLoopService) Serve(ctx context.Context) error {
	if err := s.Loop.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Loop.Stop()
	return ctx.Err()
}

// SynchronizerService adapts the cache synchronizer to suture.Service.
type SynchronizerService struct {
	Synchronizer *fanout.Synchronizer
}

func (s *SynchronizerService) Serve(ctx context.Context) error {
	if err := s.Synchronizer.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Synchronizer.Stop()
	return ctx.Err()
}

// HubService runs the WebSocket hub's dispatch loop.
type HubService struct {
	Hub *ws.Hub
}

func (s *HubService) Serve(ctx context.Context) error {
	return s.Hub.Run(ctx)
}

// StoreGCService periodically reclaims Badger value-log space.
type StoreGCService struct {
	Store    *store.Store
	Interval time.Duration
	Ratio    float64
}

func (s *StoreGCService) Serve(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 10 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Store.RunGC(s.Ratio); err != nil && !errors.Is(err, store.ErrClosed) {
				logging.Warn().Err(err).Msg("store gc failed")
			}
		}
	}
}

// CacheSweepService periodically evicts expired content cache entries.
type CacheSweepService struct {
	Cache    *store.ContentCache
	Interval time.Duration
}

func (s *CacheSweepService) Serve(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			removed, err := s.Cache.Sweep()
			if err != nil && !errors.Is(err, store.ErrClosed) {
				logging.Warn().Err(err).Msg("content cache sweep failed")
				continue
			}
			if removed > 0 {
				logging.Debug().Int("removed", removed).Msg("content cache swept")
			}
		}
	}
}

// HTTPService runs an http.Server under supervision with graceful
// shutdown on context cancellation.
type HTTPService struct {
	Server          *http.Server
	ShutdownTimeout time.Duration
}

func (s *HTTPService) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.Server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	timeout := s.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.Server.Shutdown(shutdownCtx); err != nil {
		logging.Warn().Err(err).Msg("status server shutdown incomplete")
	}
	return ctx.Err()
}
