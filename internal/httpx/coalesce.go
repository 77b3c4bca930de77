// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package httpx

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/sync/singleflight"

	"github.com/pulsewire-labs/pulsewire/internal/metrics"
)

// CoalesceConfig tunes GET deduplication and batch dispatch.
type CoalesceConfig struct {
	Enabled bool

	// ResultTTL keeps completed responses available to identical
	// requests for a short grace window after the flight lands.
	ResultTTL time.Duration

	// BatchWindow collects GETs against the same collection before
	// dispatching them together.
	BatchWindow time.Duration

	// MaxBatchSize dispatches a group early once it fills up.
	MaxBatchSize int
}

// Coalescer deduplicates identical in-flight requests and serves recent
// results without a network call.
type Coalescer struct {
	group singleflight.Group
	ttl   time.Duration

	mu     sync.Mutex
	recent map[string]recentResult
}

type recentResult struct {
	resp *Response
	at   time.Time
}

// NewCoalescer creates a Coalescer. ttl <= 0 disables the recent-result
// cache; in-flight sharing still applies.
func NewCoalescer(ttl time.Duration) *Coalescer {
	return &Coalescer{
		ttl:    ttl,
		recent: make(map[string]recentResult),
	}
}

// Do executes fn at most once per key across concurrent callers. A
// completed result is replayed to identical requests arriving within
// the TTL. Failed flights are never cached.
func (c *Coalescer) Do(key string, fn func() (*Response, error)) (*Response, error) {
	if resp, ok := c.lookup(key); ok {
		metrics.CoalesceHits.WithLabelValues("recent").Inc()
		return resp, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		metrics.CoalesceMisses.Inc()
		resp, err := fn()
		if err != nil {
			return nil, err
		}
		c.store(key, resp)
		return resp, nil
	})
	if err != nil {
		// Let the next identical request try the network again.
		c.group.Forget(key)
		return nil, err
	}
	if shared {
		metrics.CoalesceHits.WithLabelValues("inflight").Inc()
	}
	return v.(*Response), nil
}

func (c *Coalescer) lookup(key string) (*Response, bool) {
	if c.ttl <= 0 {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.recent[key]
	if !ok {
		return nil, false
	}
	if time.Since(r.at) > c.ttl {
		delete(c.recent, key)
		return nil, false
	}
	return r.resp, true
}

func (c *Coalescer) store(key string, resp *Response) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, r := range c.recent {
		if now.Sub(r.at) > c.ttl {
			delete(c.recent, k)
		}
	}
	c.recent[key] = recentResult{resp: resp, at: now}
}

// Batcher aligns GETs against the same collection so they dispatch
// together, in parallel, after a short collection window.
type Batcher struct {
	window  time.Duration
	maxSize int

	mu     sync.Mutex
	groups map[string]*batchGroup
}

type batchGroup struct {
	release   chan struct{}
	closeOnce sync.Once
	size      int
}

func (g *batchGroup) open() {
	g.closeOnce.Do(func() {
		metrics.BatchDispatches.Inc()
		close(g.release)
	})
}

// NewBatcher creates a Batcher. window <= 0 disables batching.
func NewBatcher(window time.Duration, maxSize int) *Batcher {
	if maxSize <= 0 {
		maxSize = 10
	}
	return &Batcher{
		window:  window,
		maxSize: maxSize,
		groups:  make(map[string]*batchGroup),
	}
}

// Do holds the request until its group's window elapses or the group
// fills, then runs send. Members of a group all release at once.
func (b *Batcher) Do(ctx context.Context, req *Request, send func() (*Response, error)) (*Response, error) {
	if b.window <= 0 {
		return send()
	}

	key := collectionOf(req.Path)

	b.mu.Lock()
	g, ok := b.groups[key]
	if !ok {
		g = &batchGroup{release: make(chan struct{})}
		b.groups[key] = g
		time.AfterFunc(b.window, func() {
			b.remove(key, g)
			g.open()
		})
	}
	g.size++
	full := g.size >= b.maxSize
	if full {
		delete(b.groups, key)
	}
	b.mu.Unlock()

	if full {
		g.open()
	}

	select {
	case <-g.release:
		return send()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// remove detaches g from the group table so late arrivals start a new
// window. Caller may or may not hold the lock.
func (b *Batcher) remove(key string, g *batchGroup) {
	b.mu.Lock()
	if cur, ok := b.groups[key]; ok && cur == g {
		delete(b.groups, key)
	}
	b.mu.Unlock()
}

// collectionOf maps /api/v1/courses/42 and /api/v1/courses/17 to the
// same batch group.
func collectionOf(p string) string {
	base := path.Dir(strings.TrimSuffix(p, "/"))
	if base == "." || base == "/" {
		return p
	}
	return base
}

// coalesceKey identifies a request for deduplication: method, absolute
// URL, serialized body and the headers that change the response.
func coalesceKey(req *Request, baseURL string) (string, error) {
	h := sha256.New()
	h.Write([]byte(req.Method))
	h.Write([]byte{'|'})
	h.Write([]byte(req.url(baseURL)))
	h.Write([]byte{'|'})

	if req.Body != nil {
		body, err := json.Marshal(req.Body)
		if err != nil {
			return "", err
		}
		h.Write(body)
	}
	h.Write([]byte{'|'})

	if len(req.Header) > 0 {
		keys := make([]string, 0, len(req.Header))
		for k := range req.Header {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			h.Write([]byte(k))
			h.Write([]byte{'='})
			h.Write([]byte(strings.Join(req.Header[k], ",")))
			h.Write([]byte{';'})
		}
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
