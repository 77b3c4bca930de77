// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package main is the entry point for the Pulsewire agent.
//
// The agent sits between a learning application and its backend API,
// providing resilient HTTP access (retries, circuit breaking, request
// coalescing), a durable offline activity queue with background sync,
// a query cache with speculative updates, and cross-instance cache
// fanout over NATS or an in-process bus.
//
// Components start in dependency order: configuration, logging, the
// Badger store, the offline queue, the token store, the HTTP client,
// the sync manager, the query cache and its synchronizer, and finally
// the local status API. Long-running pieces run under a suture
// supervision tree and restart independently on failure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pulsewire-labs/pulsewire/internal/api"
	"github.com/pulsewire-labs/pulsewire/internal/breaker"
	"github.com/pulsewire-labs/pulsewire/internal/config"
	"github.com/pulsewire-labs/pulsewire/internal/fanout"
	"github.com/pulsewire-labs/pulsewire/internal/httpx"
	"github.com/pulsewire-labs/pulsewire/internal/logging"
	"github.com/pulsewire-labs/pulsewire/internal/querycache"
	"github.com/pulsewire-labs/pulsewire/internal/queue"
	"github.com/pulsewire-labs/pulsewire/internal/store"
	"github.com/pulsewire-labs/pulsewire/internal/supervisor"
	"github.com/pulsewire-labs/pulsewire/internal/syncer"
	"github.com/pulsewire-labs/pulsewire/internal/token"
	"github.com/pulsewire-labs/pulsewire/internal/ws"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "pulsewire: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if err := logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
	}); err != nil {
		return fmt.Errorf("init logging: %w", err)
	}

	logging.Info().
		Str("base_url", cfg.HTTP.BaseURL).
		Str("fanout_transport", cfg.Fanout.Transport).
		Msg("Starting Pulsewire agent")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store and offline queue.
	st, err := store.Open(store.Config{
		Path:        cfg.Store.Path,
		SyncWrites:  cfg.Store.SyncWrites,
		Compression: cfg.Store.Compression,
		InMemory:    cfg.Store.InMemory,
	})
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			logging.Error().Err(err).Msg("Store close failed")
		}
	}()

	q := queue.New(st, cfg.Queue.MaxRetries)

	// Records stuck in syncing from a crashed run go back to pending.
	if n, err := q.ResetStale(); err != nil {
		logging.Warn().Err(err).Msg("Stale record reset failed")
	} else if n > 0 {
		logging.Info().Int("records", n).Msg("Reset stale sync records")
	}

	// Live feed for local observers.
	hub := ws.NewHub()

	// Resilient HTTP client stack.
	refresher := token.NewHTTPRefresher(cfg.HTTP.BaseURL, cfg.Token.RefreshPath, cfg.HTTP.Timeout)
	tokens := token.NewStore(refresher, token.WithExpirySkew(cfg.Token.ExpirySkew))

	brk := breaker.New(breaker.Config{
		Name:        "backend",
		Threshold:   cfg.Breaker.Threshold,
		Timeout:     cfg.Breaker.Timeout,
		MaxRequests: cfg.Breaker.MaxRequests,
		OnStateChange: func(from, to string) {
			hub.Broadcast("breaker_state", map[string]string{"from": from, "to": to})
		},
	})

	client := httpx.New(httpx.Config{
		BaseURL:            cfg.HTTP.BaseURL,
		Timeout:            cfg.HTTP.Timeout,
		RetryAttempts:      cfg.HTTP.RetryAttempts,
		RetryBaseDelay:     cfg.HTTP.RetryBaseDelay,
		ClientVersion:      cfg.HTTP.ClientVersion,
		SigningSecret:      cfg.HTTP.SigningSecret,
		SignInRoute:        cfg.HTTP.SignInRoute,
		RateLimitPerSecond: cfg.HTTP.RateLimitPerSecond,
		RateLimitBurst:     cfg.HTTP.RateLimitBurst,
		Coalesce: &httpx.CoalesceConfig{
			Enabled:      cfg.Coalesce.Enabled,
			ResultTTL:    cfg.Coalesce.ResultTTL,
			BatchWindow:  cfg.Coalesce.BatchWindow,
			MaxBatchSize: cfg.Coalesce.MaxBatchSize,
		},
		Pooling:           cfg.Coalesce.ConnectionPooling,
		CompressThreshold: cfg.Coalesce.CompressThreshold,
	}, brk, tokens)

	// Sync manager replaying queued activities against the backend.
	manager := syncer.New(q, replayer(client, cfg.HTTP.SigningSecret != ""), syncer.Config{
		MaxRetries: cfg.Sync.MaxRetries,
		RetryDelay: cfg.Sync.RetryDelay,
	})
	loop := syncer.NewLoop(manager, cfg.Sync.Interval, connectivity(client))

	// Query cache and cross-instance fanout.
	cache := querycache.New()
	transport, err := newTransport(cfg)
	if err != nil {
		return fmt.Errorf("fanout transport: %w", err)
	}
	synchronizer := fanout.New(cache, transport, fanout.Config{
		HeartbeatInterval: cfg.Fanout.HeartbeatInterval,
		PeerTimeout:       cfg.Fanout.PeerTimeout,
		ConflictWindow:    cfg.Fanout.ConflictWindow,
	})

	manager.OnProgress(func(p syncer.Progress) {
		hub.Broadcast("sync_progress", p)
	})
	manager.OnComplete(func(r syncer.Result) {
		hub.Broadcast("sync_completed", r)
		hub.Broadcast("queue_depth", map[string]int{"remaining": r.Remaining})
		// Peer instances refetch activity-derived queries after a drain.
		synchronizer.BroadcastInvalidate(ctx, querycache.Key{"activities"})
	})

	contentCache := store.NewContentCache(st)

	server := api.New(api.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		CORSOrigins:     cfg.Server.CORSOrigins,
		RateLimit:       cfg.Server.RateLimitReqs,
		RateLimitWindow: cfg.Server.RateLimitWindow,
	}, q, manager, brk, synchronizer, cache, hub)

	// Supervision tree: storage, messaging, api.
	tree := supervisor.NewTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	tree.AddStorageService(&supervisor.StoreGCService{Store: st})
	tree.AddStorageService(&supervisor.CacheSweepService{Cache: contentCache})
	tree.AddMessagingService(&supervisor.SyncLoopService{Loop: loop})
	tree.AddMessagingService(&supervisor.SynchronizerService{Synchronizer: synchronizer})
	tree.AddAPIService(&supervisor.HubService{Hub: hub})
	tree.AddAPIService(&supervisor.HTTPService{
		Server:          server.HTTPServer(),
		ShutdownTimeout: cfg.Server.Timeout,
	})

	logging.Info().
		Str("addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)).
		Msg("Status API listening")

	err = tree.Serve(ctx)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("supervision tree: %w", err)
	}

	logging.Info().Msg("Pulsewire agent stopped")
	return nil
}

// replayer posts queued activities to the backend. Activity writes are
// signed when a signing secret is configured.
func replayer(client *httpx.Client, sign bool) syncer.Replayer {
	return syncer.ReplayerFunc(func(ctx context.Context, a *queue.Activity) error {
		_, err := client.Do(ctx, &httpx.Request{
			Method: "POST",
			Path:   "/api/v1/activities",
			Body:   a,
			Sign:   sign,
		})
		return err
	})
}

// connectivity probes the backend health endpoint without auth. The
// sync loop skips passes while this reports false.
func connectivity(client *httpx.Client) syncer.ConnectivityChecker {
	return func(ctx context.Context) bool {
		_, err := client.Do(ctx, &httpx.Request{
			Method:       "GET",
			Path:         "/healthz",
			SkipAuth:     true,
			SkipCoalesce: true,
		})
		return err == nil
	}
}

func newTransport(cfg *config.Config) (fanout.Transport, error) {
	if cfg.Fanout.Transport == "nats" {
		return fanout.NewNATS(fanout.NATSConfig{
			URL:           cfg.Fanout.NATSURL,
			Topic:         cfg.Fanout.Topic,
			MaxReconnects: cfg.Fanout.MaxReconnects,
			ReconnectWait: cfg.Fanout.ReconnectWait,
		})
	}
	return fanout.NewInProc(cfg.Fanout.Topic), nil
}
