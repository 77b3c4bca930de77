// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package fanout mirrors query cache state across agent instances over
// an ephemeral pub/sub transport.
package fanout

import (
	"time"

	"github.com/goccy/go-json"
)

// EventType is the wire discriminator for fanout events.
type EventType string

const (
	EventCacheInvalidate    EventType = "cache-invalidate"
	EventCacheUpdate        EventType = "cache-update"
	EventCacheClear         EventType = "cache-clear"
	EventOptimisticUpdate   EventType = "optimistic-update"
	EventOptimisticRollback EventType = "optimistic-rollback"
	EventUserLogout         EventType = "user-logout"
	EventUserSwitch         EventType = "user-switch"
	EventHeartbeat          EventType = "heartbeat"
	EventConflictResolution EventType = "conflict-resolution"
)

// Event is one broadcast message. Events are fire-and-forget: a peer
// that missed one converges on the next update or refetch.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SenderID  string          `json:"senderId"`
	UserID    string          `json:"userId,omitempty"`
	QueryKey  string          `json:"queryKey,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Marshal encodes the event for the wire.
func (e *Event) Marshal() ([]byte, error) { return json.Marshal(e) }

// UnmarshalEvent decodes a wire event.
func UnmarshalEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}
