// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

package store

import (
	"fmt"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/pulsewire-labs/pulsewire/internal/metrics"
)

const cachePrefix = "cache:"

// contentEntry is the stored envelope around cached payloads.
type contentEntry struct {
	Type      string          `json:"type"`
	UserID    string          `json:"userId"`
	Data      json.RawMessage `json:"data"`
	StoredAt  time.Time       `json:"storedAt"`
	ExpiresAt time.Time       `json:"expiresAt"`
}

func (e *contentEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// ContentCache persists fetched content per user so it survives
// restarts and offline stretches. Expiry is enforced on read: a stale
// entry is deleted and reported as a miss.
type ContentCache struct {
	store *Store
	clock func() time.Time
}

// NewContentCache wraps the shared store.
func NewContentCache(s *Store) *ContentCache {
	return &ContentCache{store: s, clock: time.Now}
}

func cacheKey(contentType, userID string) []byte {
	return []byte(cachePrefix + contentType + ":" + userID)
}

// Put stores data for the given content type and user. ttl <= 0 keeps
// the entry until overwritten or deleted.
func (c *ContentCache) Put(contentType, userID string, data interface{}, ttl time.Duration) error {
	db := c.store.DB()
	if db == nil {
		return ErrClosed
	}

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal cached content: %w", err)
	}

	now := c.clock()
	entry := contentEntry{
		Type:     contentType,
		UserID:   userID,
		Data:     raw,
		StoredAt: now,
	}
	if ttl > 0 {
		entry.ExpiresAt = now.Add(ttl)
	}

	value, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	return db.Update(func(txn *badger.Txn) error {
		return txn.Set(cacheKey(contentType, userID), value)
	})
}

// Get loads the cached content into v. The second return is false on a
// miss, including expiry.
func (c *ContentCache) Get(contentType, userID string, v interface{}) (bool, error) {
	db := c.store.DB()
	if db == nil {
		return false, ErrClosed
	}

	key := cacheKey(contentType, userID)
	var raw json.RawMessage
	expired := false

	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var entry contentEntry
			if err := json.Unmarshal(val, &entry); err != nil {
				return fmt.Errorf("decode cache entry: %w", err)
			}
			if entry.expired(c.clock()) {
				expired = true
				return txn.Delete(key)
			}
			raw = append(raw[:0], entry.Data...)
			return nil
		})
	})
	if err == badger.ErrKeyNotFound {
		metrics.CacheMisses.WithLabelValues("content").Inc()
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if expired {
		metrics.CacheMisses.WithLabelValues("content").Inc()
		return false, nil
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode cached content: %w", err)
	}
	metrics.CacheHits.WithLabelValues("content").Inc()
	return true, nil
}

// DeleteByUser removes every cached entry belonging to userID. Used on
// logout and account switch.
func (c *ContentCache) DeleteByUser(userID string) error {
	db := c.store.DB()
	if db == nil {
		return ErrClosed
	}

	suffix := ":" + userID
	return db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(cachePrefix)})
		defer it.Close()

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			if strings.HasSuffix(string(k), suffix) {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Sweep deletes all expired entries and returns how many were removed.
func (c *ContentCache) Sweep() (int, error) {
	db := c.store.DB()
	if db == nil {
		return 0, ErrClosed
	}

	now := c.clock()
	removed := 0
	err := db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: []byte(cachePrefix)})
		defer it.Close()

		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var entry contentEntry
				if err := json.Unmarshal(val, &entry); err != nil {
					// Undecodable entries are dead weight.
					stale = append(stale, item.KeyCopy(nil))
					return nil
				}
				if entry.expired(now) {
					stale = append(stale, item.KeyCopy(nil))
				}
				return nil
			})
			if err != nil {
				return err
			}
		}
		for _, k := range stale {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		removed = len(stale)
		return nil
	})
	return removed, err
}
