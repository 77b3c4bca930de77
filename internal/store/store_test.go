// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package store

import (
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type courseSnapshot struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

func TestContentCacheRoundTrip(t *testing.T) {
	cache := NewContentCache(openTestStore(t))

	in := courseSnapshot{ID: "c-1", Title: "Intro to Orbits"}
	if err := cache.Put("courses", "user-1", in, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	var out courseSnapshot
	ok, err := cache.Get("courses", "user-1", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected hit")
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestContentCacheMissOnUnknownKey(t *testing.T) {
	cache := NewContentCache(openTestStore(t))

	var out courseSnapshot
	ok, err := cache.Get("courses", "nobody", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected miss")
	}
}

func TestContentCacheExpiryEnforcedOnRead(t *testing.T) {
	cache := NewContentCache(openTestStore(t))

	now := time.Now()
	cache.clock = func() time.Time { return now }

	if err := cache.Put("lessons", "user-1", courseSnapshot{ID: "l-1"}, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	cache.clock = func() time.Time { return now.Add(2 * time.Minute) }

	var out courseSnapshot
	ok, err := cache.Get("lessons", "user-1", &out)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expired entry served as hit")
	}

	// The expired entry was removed, not just hidden.
	cache.clock = func() time.Time { return now }
	ok, err = cache.Get("lessons", "user-1", &out)
	if err != nil {
		t.Fatalf("Get after expiry delete: %v", err)
	}
	if ok {
		t.Fatal("expired entry still present")
	}
}

func TestContentCacheDeleteByUser(t *testing.T) {
	cache := NewContentCache(openTestStore(t))

	for _, ct := range []string{"courses", "lessons", "progress"} {
		if err := cache.Put(ct, "user-1", courseSnapshot{ID: ct}, 0); err != nil {
			t.Fatalf("Put %s: %v", ct, err)
		}
	}
	if err := cache.Put("courses", "user-2", courseSnapshot{ID: "other"}, 0); err != nil {
		t.Fatalf("Put user-2: %v", err)
	}

	if err := cache.DeleteByUser("user-1"); err != nil {
		t.Fatalf("DeleteByUser: %v", err)
	}

	var out courseSnapshot
	for _, ct := range []string{"courses", "lessons", "progress"} {
		ok, err := cache.Get(ct, "user-1", &out)
		if err != nil {
			t.Fatalf("Get %s: %v", ct, err)
		}
		if ok {
			t.Fatalf("user-1 %s survived DeleteByUser", ct)
		}
	}
	ok, err := cache.Get("courses", "user-2", &out)
	if err != nil {
		t.Fatalf("Get user-2: %v", err)
	}
	if !ok {
		t.Fatal("user-2 entry must survive")
	}
}

func TestContentCacheSweep(t *testing.T) {
	cache := NewContentCache(openTestStore(t))

	now := time.Now()
	cache.clock = func() time.Time { return now }

	if err := cache.Put("courses", "user-1", courseSnapshot{}, time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := cache.Put("lessons", "user-1", courseSnapshot{}, time.Hour); err != nil {
		t.Fatalf("Put: %v", err)
	}

	cache.clock = func() time.Time { return now.Add(30 * time.Minute) }
	removed, err := cache.Sweep()
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}

	var out courseSnapshot
	if ok, _ := cache.Get("lessons", "user-1", &out); !ok {
		t.Fatal("unexpired entry swept")
	}
}

func TestClosedStoreRejectsOperations(t *testing.T) {
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	cache := NewContentCache(s)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	if err := cache.Put("courses", "user-1", courseSnapshot{}, 0); err != ErrClosed {
		t.Fatalf("Put after close = %v, want ErrClosed", err)
	}
	var out courseSnapshot
	if _, err := cache.Get("courses", "user-1", &out); err != ErrClosed {
		t.Fatalf("Get after close = %v, want ErrClosed", err)
	}
}
