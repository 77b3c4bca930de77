// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package ws streams agent state changes to local UI clients over
// WebSocket: sync progress, breaker transitions and queue depth.
package ws

import (
	"context"
	"sync"

	"github.com/pulsewire-labs/pulsewire/internal/logging"
)

// Message types pushed to clients.
const (
	MessageTypeSyncProgress  = "sync_progress"
	MessageTypeSyncCompleted = "sync_completed"
	MessageTypeBreakerState  = "breaker_state"
	MessageTypeQueueDepth    = "queue_depth"
	MessageTypePing          = "ping"
	MessageTypePong          = "pong"
)

// Message is the envelope for every frame.
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

// Hub tracks connected clients and fans messages out to them. Slow
// clients are dropped rather than allowed to stall the broadcast.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*Client]bool
	broadcast  chan Message
	register   chan *Client
	unregister chan *Client
}

// NewHub creates an empty Hub. Call Run to start it.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan Message, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run processes client lifecycle and broadcasts until ctx is canceled,
// then closes every client. Designed to run under suture.
func (h *Hub) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return ctx.Err()
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug().Int("clients", n).Msg("ws client connected")
		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			logging.Debug().Int("clients", n).Msg("ws client disconnected")
		case msg := <-h.broadcast:
			h.send(msg)
		}
	}
}

// Broadcast queues a message for every client. Drops the message when
// the hub's buffer is full; the feed is advisory, not durable.
func (h *Hub) Broadcast(messageType string, data interface{}) {
	select {
	case h.broadcast <- Message{Type: messageType, Data: data}:
	default:
		logging.Debug().Str("type", messageType).Msg("ws broadcast buffer full, dropping")
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) send(msg Message) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	for _, c := range targets {
		select {
		case c.send <- msg:
		default:
			// Slow consumer: unregister rather than block the hub.
			select {
			case h.unregister <- c:
			default:
			}
		}
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}
