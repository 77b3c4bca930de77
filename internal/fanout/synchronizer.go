// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package fanout

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pulsewire-labs/pulsewire/internal/logging"
	"github.com/pulsewire-labs/pulsewire/internal/metrics"
	"github.com/pulsewire-labs/pulsewire/internal/querycache"
)

// Peer is one remote agent instance seen on the transport.
type Peer struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId,omitempty"`
	LastSeenAt time.Time `json:"lastSeenAt"`
	Active     bool      `json:"active"`
}

// Config tunes the synchronizer's liveness and conflict behavior.
type Config struct {
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration

	// ConflictWindow is the timestamp proximity within which two
	// differing writes to the same key count as a conflict.
	ConflictWindow time.Duration
}

// Synchronizer mirrors query cache changes between agent instances and
// tracks which peers are alive. Events it sent itself are ignored on
// receipt.
type Synchronizer struct {
	id        string
	cache     *querycache.Cache
	transport Transport
	cfg       Config
	clock     func() time.Time

	mu     sync.Mutex
	userID string
	peers  map[string]*Peer

	ctx      context.Context
	cancel   context.CancelFunc
	running  bool
	stopDone chan struct{}
}

// New creates a Synchronizer with a generated instance ID.
func New(cache *querycache.Cache, transport Transport, cfg Config) *Synchronizer {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.PeerTimeout <= 0 {
		cfg.PeerTimeout = 30 * time.Second
	}
	if cfg.ConflictWindow <= 0 {
		cfg.ConflictWindow = time.Second
	}
	return &Synchronizer{
		id:        "agent-" + uuid.NewString()[:8],
		cache:     cache,
		transport: transport,
		cfg:       cfg,
		clock:     time.Now,
		peers:     make(map[string]*Peer),
	}
}

// ID returns this instance's identity on the transport.
func (s *Synchronizer) ID() string { return s.id }

// SetUser records the signed-in user carried on heartbeats.
func (s *Synchronizer) SetUser(userID string) {
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
}

// Start subscribes to the transport and begins heartbeating. Calling
// Start twice is a no-op.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	s.stopDone = make(chan struct{})
	runCtx := s.ctx
	done := s.stopDone
	s.mu.Unlock()

	if err := s.transport.Subscribe(runCtx, s.handle); err != nil {
		s.mu.Lock()
		s.running = false
		s.cancel()
		close(done)
		s.mu.Unlock()
		return fmt.Errorf("fanout subscribe: %w", err)
	}

	go s.heartbeatLoop(runCtx, done)

	logging.Info().
		Str("instance_id", s.id).
		Dur("heartbeat", s.cfg.HeartbeatInterval).
		Msg("cache synchronizer started")
	return nil
}

// Stop halts heartbeating and peer pruning. The transport stays open
// for its owner to close.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.cancel()
	s.running = false
	done := s.stopDone
	s.mu.Unlock()

	<-done
	logging.Info().Str("instance_id", s.id).Msg("cache synchronizer stopped")
}

func (s *Synchronizer) heartbeatLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()

	s.emitHeartbeat(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.emitHeartbeat(ctx)
			s.prunePeers()
		}
	}
}

func (s *Synchronizer) emitHeartbeat(ctx context.Context) {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()

	s.publish(ctx, &Event{Type: EventHeartbeat, UserID: userID})
}

// prunePeers deactivates peers unseen for PeerTimeout.
func (s *Synchronizer) prunePeers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock().Add(-s.cfg.PeerTimeout)
	active := 0
	for id, p := range s.peers {
		if p.LastSeenAt.Before(cutoff) {
			p.Active = false
		}
		if p.Active {
			active++
		} else if p.LastSeenAt.Before(cutoff.Add(-s.cfg.PeerTimeout)) {
			// Long-dead peers drop out of the registry entirely.
			delete(s.peers, id)
		}
	}
	metrics.PeersActive.Set(float64(active))
}

// Peers returns the registry sorted by ID for the status API.
func (s *Synchronizer) Peers() []Peer {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// publish stamps and sends an event. Publish failures are logged, not
// propagated: fanout is best-effort.
func (s *Synchronizer) publish(ctx context.Context, ev *Event) {
	ev.SenderID = s.id
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.clock()
	}
	if err := s.transport.Publish(ctx, ev); err != nil {
		lg := logging.Ctx(ctx)
		lg.Warn().Err(err).Str("type", string(ev.Type)).Msg("fanout publish failed")
		return
	}
	metrics.FanoutEvents.WithLabelValues(string(ev.Type), "sent").Inc()
}

// BroadcastInvalidate tells peers to drop their copy of key.
func (s *Synchronizer) BroadcastInvalidate(ctx context.Context, key querycache.Key) {
	s.publish(ctx, &Event{Type: EventCacheInvalidate, QueryKey: key.String()})
}

// BroadcastUpdate mirrors fresh data for key to peers.
func (s *Synchronizer) BroadcastUpdate(ctx context.Context, key querycache.Key, data interface{}, at time.Time) {
	payload, err := json.Marshal(data)
	if err != nil {
		lg := logging.Ctx(ctx)
		lg.Warn().Err(err).Str("key", key.String()).Msg("unsendable cache update")
		return
	}
	s.publish(ctx, &Event{
		Type:      EventCacheUpdate,
		Timestamp: at,
		QueryKey:  key.String(),
		Payload:   payload,
	})
}

// BroadcastClear drops all peers' entries, or only userID's when set.
func (s *Synchronizer) BroadcastClear(ctx context.Context, userID string) {
	s.publish(ctx, &Event{Type: EventCacheClear, UserID: userID})
}

// BroadcastOptimistic mirrors a speculative overlay to peers.
func (s *Synchronizer) BroadcastOptimistic(ctx context.Context, key querycache.Key, data interface{}) {
	payload, err := json.Marshal(data)
	if err != nil {
		lg := logging.Ctx(ctx)
		lg.Warn().Err(err).Str("key", key.String()).Msg("unsendable optimistic update")
		return
	}
	s.publish(ctx, &Event{Type: EventOptimisticUpdate, QueryKey: key.String(), Payload: payload})
}

// BroadcastRollback tells peers to revert a speculative overlay.
func (s *Synchronizer) BroadcastRollback(ctx context.Context, key querycache.Key) {
	s.publish(ctx, &Event{Type: EventOptimisticRollback, QueryKey: key.String()})
}

// BroadcastLogout announces a sign-out so peers drop the user's data.
func (s *Synchronizer) BroadcastLogout(ctx context.Context, userID string) {
	s.publish(ctx, &Event{Type: EventUserLogout, UserID: userID})
}

// BroadcastUserSwitch announces an account change.
func (s *Synchronizer) BroadcastUserSwitch(ctx context.Context, previousUserID string) {
	s.publish(ctx, &Event{Type: EventUserSwitch, UserID: previousUserID})
}

// handle processes one received event.
func (s *Synchronizer) handle(ctx context.Context, ev *Event) {
	if ev.SenderID == s.id {
		metrics.FanoutEvents.WithLabelValues(string(ev.Type), "ignored").Inc()
		return
	}

	s.observePeer(ev)
	metrics.FanoutEvents.WithLabelValues(string(ev.Type), "received").Inc()

	switch ev.Type {
	case EventHeartbeat:
		// Peer bookkeeping above is the whole job.
	case EventCacheInvalidate:
		s.handleInvalidate(ev)
	case EventCacheUpdate, EventConflictResolution:
		s.handleUpdate(ctx, ev)
	case EventCacheClear:
		if ev.UserID != "" {
			s.cache.InvalidateUser(ev.UserID)
		} else {
			s.cache.Clear()
		}
	case EventOptimisticUpdate:
		s.cache.ApplySpeculative(querycache.ParseKey(ev.QueryKey), ev.Payload)
	case EventOptimisticRollback:
		s.cache.Rollback(querycache.ParseKey(ev.QueryKey))
	case EventUserLogout, EventUserSwitch:
		if ev.UserID != "" {
			s.cache.InvalidateUser(ev.UserID)
		}
	default:
		lg := logging.Ctx(ctx)
		lg.Debug().Str("type", string(ev.Type)).Msg("unknown fanout event type")
	}
}

func (s *Synchronizer) observePeer(ev *Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.peers[ev.SenderID]
	if !ok {
		p = &Peer{ID: ev.SenderID}
		s.peers[ev.SenderID] = p
	}
	p.LastSeenAt = s.clock()
	p.Active = true
	if ev.Type == EventHeartbeat {
		p.UserID = ev.UserID
	}
}

// handleInvalidate drops the local copy unless it is newer than the
// eviction notice.
func (s *Synchronizer) handleInvalidate(ev *Event) {
	key := querycache.ParseKey(ev.QueryKey)
	if local, ok := s.cache.Peek(key); ok && local.DataUpdatedAt.After(ev.Timestamp) {
		return
	}
	s.cache.Invalidate(key)
}

// handleUpdate mirrors a peer's data, detecting near-simultaneous
// conflicting writes and resolving them last-write-wins.
func (s *Synchronizer) handleUpdate(ctx context.Context, ev *Event) {
	key := querycache.ParseKey(ev.QueryKey)

	local, ok := s.cache.Peek(key)
	if !ok {
		s.cache.SetAt(key, ev.Payload, ev.Timestamp)
		return
	}

	localJSON, err := json.Marshal(local.Data)
	if err != nil || bytes.Equal(localJSON, ev.Payload) {
		// Same value: take the newer timestamp and move on.
		if ev.Timestamp.After(local.DataUpdatedAt) {
			s.cache.SetAt(key, ev.Payload, ev.Timestamp)
		}
		return
	}

	gap := ev.Timestamp.Sub(local.DataUpdatedAt)
	if gap < 0 {
		gap = -gap
	}
	conflict := ev.Type == EventCacheUpdate && gap <= s.cfg.ConflictWindow

	if ev.Timestamp.After(local.DataUpdatedAt) {
		s.cache.SetAt(key, ev.Payload, ev.Timestamp)
	}

	if conflict {
		metrics.FanoutConflicts.Inc()
		winner, winnerAt := ev.Payload, ev.Timestamp
		if local.DataUpdatedAt.After(ev.Timestamp) {
			winner, winnerAt = json.RawMessage(localJSON), local.DataUpdatedAt
		}
		lg := logging.Ctx(ctx)
		lg.Info().
			Str("key", ev.QueryKey).
			Time("winner_at", winnerAt).
			Msg("cache conflict resolved last-write-wins")
		s.publish(ctx, &Event{
			Type:      EventConflictResolution,
			Timestamp: winnerAt,
			QueryKey:  ev.QueryKey,
			Payload:   winner,
		})
	}
}
