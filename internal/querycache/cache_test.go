// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package querycache

import (
	"testing"
	"time"
)

func TestGetSetRoundTrip(t *testing.T) {
	c := New()
	key := Key{"courses", "user-1", "list"}

	if _, ok := c.Get(key); ok {
		t.Fatal("expected miss on empty cache")
	}

	c.Set(key, []string{"c-1", "c-2"})
	e, ok := c.Get(key)
	if !ok {
		t.Fatal("expected hit")
	}
	got, ok := e.Data.([]string)
	if !ok || len(got) != 2 {
		t.Fatalf("data = %#v", e.Data)
	}
	if e.DataUpdatedAt.IsZero() {
		t.Fatal("updatedAt not stamped")
	}

	stats := c.Stats()
	if stats.Hits != 1 || stats.Misses != 1 || stats.Entries != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestSetAtUsesExplicitTimestamp(t *testing.T) {
	c := New()
	key := Key{"progress", "user-1"}
	at := time.Date(2026, 7, 1, 8, 30, 0, 0, time.UTC)

	c.SetAt(key, 42, at)
	e, _ := c.Get(key)
	if !e.DataUpdatedAt.Equal(at) {
		t.Fatalf("updatedAt = %v, want %v", e.DataUpdatedAt, at)
	}
}

func TestInvalidateUserMatchesSegment(t *testing.T) {
	c := New()
	c.Set(Key{"courses", "user-1", "list"}, 1)
	c.Set(Key{"progress", "user-1"}, 2)
	c.Set(Key{"courses", "user-2", "list"}, 3)

	if removed := c.InvalidateUser("user-1"); removed != 2 {
		t.Fatalf("removed = %d, want 2", removed)
	}
	if _, ok := c.Get(Key{"courses", "user-2", "list"}); !ok {
		t.Fatal("other user's entry must survive")
	}
	if _, ok := c.Get(Key{"progress", "user-1"}); ok {
		t.Fatal("user-1 entry survived invalidation")
	}
}

func TestClear(t *testing.T) {
	c := New()
	c.Set(Key{"a"}, 1)
	c.Set(Key{"b"}, 2)
	c.Clear()
	if stats := c.Stats(); stats.Entries != 0 {
		t.Fatalf("entries = %d, want 0", stats.Entries)
	}
}

func TestSpeculativeCommit(t *testing.T) {
	c := New()
	key := Key{"progress", "user-1"}
	c.Set(key, 40)

	c.ApplySpeculative(key, 60)
	e, _ := c.Get(key)
	if !e.Speculative || e.Data.(int) != 60 {
		t.Fatalf("entry = %+v", e)
	}

	if !c.Commit(key) {
		t.Fatal("Commit returned false")
	}
	e, _ = c.Get(key)
	if e.Speculative || e.Data.(int) != 60 {
		t.Fatalf("entry after commit = %+v", e)
	}

	// A committed entry cannot be rolled back.
	if c.Rollback(key) {
		t.Fatal("Rollback succeeded after Commit")
	}
}

func TestSpeculativeRollbackRestoresOnce(t *testing.T) {
	c := New()
	key := Key{"progress", "user-1"}
	c.Set(key, 40)

	c.ApplySpeculative(key, 60)
	if !c.Rollback(key) {
		t.Fatal("Rollback returned false")
	}

	e, ok := c.Get(key)
	if !ok {
		t.Fatal("rolled-back entry missing")
	}
	if e.Data.(int) != 40 {
		t.Fatalf("data = %v, want prior committed 40", e.Data)
	}
	if !e.Stale {
		t.Fatal("restored entry must be marked for refetch")
	}
	if c.Rollback(key) {
		t.Fatal("second Rollback must be a no-op")
	}
}

func TestRollbackWithoutPriorStateDropsEntry(t *testing.T) {
	c := New()
	key := Key{"notes", "user-1", "draft"}

	c.ApplySpeculative(key, "unsaved")
	if !c.Rollback(key) {
		t.Fatal("Rollback returned false")
	}
	if _, ok := c.Get(key); ok {
		t.Fatal("entry without prior state must be dropped")
	}
}

func TestChainedSpeculativeWritesKeepOriginalSnapshot(t *testing.T) {
	c := New()
	key := Key{"progress", "user-1"}
	c.Set(key, 40)

	c.ApplySpeculative(key, 50)
	c.ApplySpeculative(key, 60)

	if !c.Rollback(key) {
		t.Fatal("Rollback returned false")
	}
	e, _ := c.Get(key)
	if e.Data.(int) != 40 {
		t.Fatalf("data = %v, want original committed 40", e.Data)
	}
}

func TestKeyStringRoundTrip(t *testing.T) {
	key := Key{"courses", "user-1", "list"}
	if got := ParseKey(key.String()); got.String() != key.String() {
		t.Fatalf("round trip = %v", got)
	}
	if ParseKey("") != nil {
		t.Fatal("empty string must parse to nil key")
	}
}
