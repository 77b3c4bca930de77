// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package api is the agent's local status surface: health, queue and
// breaker introspection, manual sync triggering, metrics and the live
// WebSocket feed.
package api

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pulsewire-labs/pulsewire/internal/breaker"
	"github.com/pulsewire-labs/pulsewire/internal/fanout"
	"github.com/pulsewire-labs/pulsewire/internal/querycache"
	"github.com/pulsewire-labs/pulsewire/internal/queue"
	"github.com/pulsewire-labs/pulsewire/internal/syncer"
	"github.com/pulsewire-labs/pulsewire/internal/ws"
)

// Config holds status server settings.
type Config struct {
	Host            string
	Port            int
	CORSOrigins     []string
	RateLimit       int
	RateLimitWindow time.Duration
}

// Server wires the agent's components into HTTP handlers.
type Server struct {
	cfg   Config
	queue *queue.Queue
	sync  *syncer.Manager
	brk   *breaker.Breaker
	fan   *fanout.Synchronizer
	cache *querycache.Cache
	hub   *ws.Hub
	start time.Time
}

// New creates a Server. Any dependency may be nil; its endpoints then
// report unavailable.
func New(cfg Config, q *queue.Queue, m *syncer.Manager, brk *breaker.Breaker, fan *fanout.Synchronizer, cache *querycache.Cache, hub *ws.Hub) *Server {
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	return &Server{
		cfg:   cfg,
		queue: q,
		sync:  m,
		brk:   brk,
		fan:   fan,
		cache: cache,
		hub:   hub,
		start: time.Now(),
	}
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.cfg.CORSOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Correlation-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if s.hub != nil {
		r.Handle("/ws", s.hub)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(httprate.LimitByIP(s.cfg.RateLimit, s.cfg.RateLimitWindow))

		r.Get("/queue/stats", s.handleQueueStats)
		r.Get("/peers", s.handlePeers)
		r.Get("/breaker", s.handleBreaker)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Post("/sync", s.handleTriggerSync)
	})

	return r
}

// HTTPServer returns a configured http.Server for supervision.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"uptime_seconds": int(time.Since(s.start).Seconds()),
	})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "queue not available")
		return
	}

	total, err := s.queue.Count()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	byStatus := make(map[string]int, len(queue.Statuses))
	for _, status := range queue.Statuses {
		n, err := s.queue.CountByStatus(status)
		if err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		byStatus[string(status)] = n
	}

	state := ""
	if s.sync != nil {
		state = string(s.sync.State())
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"total":     total,
		"byStatus":  byStatus,
		"syncState": state,
	})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	if s.fan == nil {
		respondError(w, http.StatusServiceUnavailable, "fanout not available")
		return
	}
	peers := s.fan.Peers()
	if peers == nil {
		peers = []fanout.Peer{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"instanceId": s.fan.ID(),
		"peers":      peers,
	})
}

func (s *Server) handleBreaker(w http.ResponseWriter, r *http.Request) {
	if s.brk == nil {
		respondError(w, http.StatusServiceUnavailable, "breaker not available")
		return
	}

	counts := s.brk.Counts()
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"state":               s.brk.State(),
		"requests":            counts.Requests,
		"totalSuccesses":      counts.TotalSuccesses,
		"totalFailures":       counts.TotalFailures,
		"consecutiveFailures": counts.ConsecutiveFailures,
		"retryAfterSeconds":   int(s.brk.RetryAfter().Seconds()),
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		respondError(w, http.StatusServiceUnavailable, "cache not available")
		return
	}
	respondJSON(w, http.StatusOK, s.cache.Stats())
}

func (s *Server) handleTriggerSync(w http.ResponseWriter, r *http.Request) {
	if s.sync == nil {
		respondError(w, http.StatusServiceUnavailable, "sync not available")
		return
	}

	result, err := s.sync.SyncAll(r.Context())
	if err != nil {
		if errors.Is(err, syncer.ErrSyncInProgress) {
			respondError(w, http.StatusConflict, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}
