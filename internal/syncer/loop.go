// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/pulsewire-labs/pulsewire/internal/logging"
)

// ConnectivityChecker reports whether the backend is reachable. The
// loop skips passes while offline.
type ConnectivityChecker func(ctx context.Context) bool

// Loop periodically drains the queue in the background.
type Loop struct {
	manager  *Manager
	interval time.Duration
	online   ConnectivityChecker

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	running  bool
	stopping bool
	stopDone chan struct{}
}

// NewLoop creates a background sync loop. online may be nil, in which
// case every tick attempts a pass.
func NewLoop(m *Manager, interval time.Duration, online ConnectivityChecker) *Loop {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Loop{manager: m, interval: interval, online: online}
}

// Start launches the loop goroutine. Calling Start on a running loop is
// a no-op.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()

	for l.stopping {
		stopDone := l.stopDone
		l.mu.Unlock()
		<-stopDone
		l.mu.Lock()
	}

	if l.running {
		l.mu.Unlock()
		return nil
	}

	l.ctx, l.cancel = context.WithCancel(ctx)
	l.running = true
	l.stopDone = make(chan struct{})

	loopCtx := l.ctx
	done := l.stopDone
	l.mu.Unlock()

	go l.run(loopCtx, done)

	logging.Info().Dur("interval", l.interval).Msg("sync loop started")
	return nil
}

// Stop prevents further passes and waits for the loop goroutine to
// exit. An in-flight pass finishes its current record.
func (l *Loop) Stop() {
	l.mu.Lock()
	if !l.running || l.stopping {
		l.mu.Unlock()
		return
	}

	l.cancel()
	l.running = false
	l.stopping = true
	stopDone := l.stopDone
	l.mu.Unlock()

	<-stopDone

	l.mu.Lock()
	l.stopping = false
	l.mu.Unlock()

	logging.Info().Msg("sync loop stopped")
}

// IsRunning reports whether the loop is active.
func (l *Loop) IsRunning() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func (l *Loop) run(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if l.online != nil && !l.online(ctx) {
		logging.Debug().Msg("sync loop: offline, skipping pass")
		return
	}

	if _, err := l.manager.SyncAll(ctx); err != nil {
		if errors.Is(err, ErrSyncInProgress) || errors.Is(err, context.Canceled) {
			return
		}
		logging.Error().Err(err).Msg("background sync pass failed")
	}
}
