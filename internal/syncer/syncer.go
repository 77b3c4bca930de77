// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package syncer drains the offline activity queue against the backend
// once connectivity returns.
package syncer

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/pulsewire-labs/pulsewire/internal/httperr"
	"github.com/pulsewire-labs/pulsewire/internal/logging"
	"github.com/pulsewire-labs/pulsewire/internal/metrics"
	"github.com/pulsewire-labs/pulsewire/internal/queue"
)

// State is the manager's lifecycle phase.
type State string

const (
	StateIdle    State = "idle"
	StateSyncing State = "syncing"
	StateSuccess State = "success"
	StateError   State = "error"
)

// ErrSyncInProgress is returned when SyncAll is called while a pass is
// already running.
var ErrSyncInProgress = errors.New("sync already in progress")

// Replayer sends one queued activity to the backend, typically through
// the resilient HTTP client.
type Replayer interface {
	Replay(ctx context.Context, a *queue.Activity) error
}

// ReplayerFunc adapts a function to the Replayer interface.
type ReplayerFunc func(ctx context.Context, a *queue.Activity) error

func (f ReplayerFunc) Replay(ctx context.Context, a *queue.Activity) error { return f(ctx, a) }

// Progress reports per-record advancement through a pass.
type Progress struct {
	Total      int     `json:"total"`
	Processed  int     `json:"processed"`
	CurrentID  string  `json:"currentId"`
	Percentage float64 `json:"percentage"`
}

// Result summarizes one completed pass.
type Result struct {
	Synced    int `json:"synced"`
	Failed    int `json:"failed"`
	Remaining int `json:"remaining"`
}

// Config tunes per-record replay retries.
type Config struct {
	MaxRetries int
	RetryDelay time.Duration
}

// Manager replays pending activities oldest-first by original event
// time. One pass runs at a time.
type Manager struct {
	queue    *queue.Queue
	replayer Replayer
	cfg      Config

	mu          sync.Mutex
	state       State
	syncing     bool
	progressFns []func(Progress)
	completeFns []func(Result)

	// sleep is swappable for tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a Manager.
func New(q *queue.Queue, replayer Replayer, cfg Config) *Manager {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	return &Manager{
		queue:    q,
		replayer: replayer,
		cfg:      cfg,
		state:    StateIdle,
		sleep:    sleepCtx,
	}
}

// OnProgress registers a listener called after every processed record.
func (m *Manager) OnProgress(fn func(Progress)) {
	m.mu.Lock()
	m.progressFns = append(m.progressFns, fn)
	m.mu.Unlock()
}

// OnComplete registers a listener called when a pass synced at least
// one record.
func (m *Manager) OnComplete(fn func(Result)) {
	m.mu.Lock()
	m.completeFns = append(m.completeFns, fn)
	m.mu.Unlock()
}

// State returns the current lifecycle phase.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SyncAll replays every pending activity, oldest event first. Records
// that exhaust their retries stay in the store marked failed.
func (m *Manager) SyncAll(ctx context.Context) (*Result, error) {
	m.mu.Lock()
	if m.syncing {
		m.mu.Unlock()
		return nil, ErrSyncInProgress
	}
	m.syncing = true
	m.state = StateSyncing
	m.mu.Unlock()

	start := time.Now()
	result, err := m.run(ctx)

	m.mu.Lock()
	m.syncing = false
	if err != nil {
		m.state = StateError
	} else {
		m.state = StateSuccess
	}
	m.mu.Unlock()

	switch {
	case err != nil:
		metrics.SyncPasses.WithLabelValues("error").Inc()
	case result.Synced == 0 && result.Failed == 0:
		metrics.SyncPasses.WithLabelValues("noop").Inc()
	default:
		metrics.SyncPasses.WithLabelValues("success").Inc()
	}
	metrics.SyncDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		return nil, err
	}
	if result.Synced > 0 {
		for _, fn := range m.completeListeners() {
			fn(*result)
		}
	}
	return result, nil
}

func (m *Manager) run(ctx context.Context) (*Result, error) {
	pending, err := m.queue.GetByStatus(queue.StatusPending)
	if err != nil {
		return nil, err
	}

	// FIFO by when the user acted, not by queue insertion.
	sort.SliceStable(pending, func(i, j int) bool {
		return pending[i].Timestamp.Before(pending[j].Timestamp)
	})

	result := &Result{}
	total := len(pending)

	if total > 0 {
		lg := logging.Ctx(ctx)
		lg.Info().Int("pending", total).Msg("sync pass started")
	}

	for i, a := range pending {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		m.processRecord(ctx, a, result)

		p := Progress{
			Total:      total,
			Processed:  i + 1,
			CurrentID:  a.ID,
			Percentage: float64(i+1) / float64(total) * 100,
		}
		for _, fn := range m.progressListeners() {
			fn(p)
		}
	}

	remaining, err := m.queue.CountByStatus(queue.StatusPending)
	if err != nil {
		return nil, err
	}
	result.Remaining = remaining

	if total > 0 {
		lg := logging.Ctx(ctx)
		lg.Info().
			Int("synced", result.Synced).
			Int("failed", result.Failed).
			Int("remaining", result.Remaining).
			Msg("sync pass complete")
	}
	return result, nil
}

// processRecord replays one activity with bounded retries. The record
// is deleted on success; otherwise it goes back to pending or, once its
// retry budget is spent, to failed.
func (m *Manager) processRecord(ctx context.Context, a *queue.Activity, result *Result) {
	a.Status = queue.StatusSyncing
	if err := m.queue.Update(a); err != nil {
		lg := logging.Ctx(ctx)
		lg.Error().Err(err).Str("id", a.ID).Msg("mark syncing failed")
		result.Failed++
		return
	}

	replayErr := m.replay(ctx, a)
	if replayErr == nil {
		if err := m.queue.Delete(a.ID); err != nil {
			lg := logging.Ctx(ctx)
			lg.Error().Err(err).Str("id", a.ID).Msg("delete synced record failed")
		}
		metrics.SyncRecords.WithLabelValues("synced").Inc()
		result.Synced++
		return
	}

	a.RetryCount++
	a.Error = replayErr.Error()
	if !httperr.IsRecoverable(replayErr) || a.RetryCount >= a.MaxRetries {
		a.Status = queue.StatusFailed
		metrics.SyncRecords.WithLabelValues("failed").Inc()
		result.Failed++
	} else {
		a.Status = queue.StatusPending
		metrics.SyncRecords.WithLabelValues("deferred").Inc()
	}
	if err := m.queue.Update(a); err != nil {
		lg := logging.Ctx(ctx)
		lg.Error().Err(err).Str("id", a.ID).Msg("record outcome write failed")
	}

	lg := logging.Ctx(ctx)

	lg.Warn().
		Err(replayErr).
		Str("id", a.ID).
		Str("type", a.Type).
		Int("retry_count", a.RetryCount).
		Str("status", string(a.Status)).
		Msg("activity replay failed")
}

// replay attempts one record up to MaxRetries times with exponential
// backoff. Non-recoverable errors fail immediately.
func (m *Manager) replay(ctx context.Context, a *queue.Activity) error {
	var lastErr error
	for attempt := 0; attempt < m.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(m.cfg.RetryDelay) * math.Pow(2, float64(attempt)))
			if err := m.sleep(ctx, delay); err != nil {
				return err
			}
		}

		lastErr = m.replayer.Replay(ctx, a)
		if lastErr == nil {
			return nil
		}
		if !httperr.IsRecoverable(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func (m *Manager) progressListeners() []func(Progress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]func(Progress){}, m.progressFns...)
}

func (m *Manager) completeListeners() []func(Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]func(Result){}, m.completeFns...)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
