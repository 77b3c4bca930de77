// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package queue persists user activity captured while offline until the
// sync manager replays it against the API.
package queue

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/pulsewire-labs/pulsewire/internal/metrics"
	"github.com/pulsewire-labs/pulsewire/internal/store"
)

// Status tracks an activity through its sync lifecycle.
type Status string

const (
	StatusPending Status = "pending"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
	StatusSynced  Status = "synced"
)

// Statuses lists every lifecycle state, for stats surfaces.
var Statuses = []Status{StatusPending, StatusSyncing, StatusFailed, StatusSynced}

var (
	// ErrNotInitialized is returned when the backing store is closed.
	ErrNotInitialized = errors.New("queue store not initialized")

	// ErrNotFound is returned for unknown activity IDs.
	ErrNotFound = errors.New("activity not found")

	// ErrNilActivity is returned when a nil record is passed in.
	ErrNilActivity = errors.New("activity cannot be nil")
)

// Activity is one queued user action. Timestamp is when the user acted;
// QueuedAt is when the record entered the queue.
type Activity struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Type       string          `json:"type"`
	Data       json.RawMessage `json:"data"`
	Timestamp  time.Time       `json:"timestamp"`
	QueuedAt   time.Time       `json:"queuedAt"`
	RetryCount int             `json:"retryCount"`
	MaxRetries int             `json:"maxRetries"`
	Status     Status          `json:"status"`
	Error      string          `json:"error,omitempty"`
}

const (
	actPrefix    = "act:"
	userPrefix   = "idx:user:"
	statusPrefix = "idx:status:"
	tsPrefix     = "idx:ts:"

	// Fixed-width timestamp format keeps the ts index in lexical order.
	tsKeyFormat = "2006-01-02T15:04:05.000000000Z"
)

// Queue is the Badger-backed offline activity queue. All writes keep
// the record and its index keys consistent within one transaction.
type Queue struct {
	store      *store.Store
	maxRetries int
	clock      func() time.Time
}

// New creates a Queue over the shared store.
func New(s *store.Store, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{store: s, maxRetries: maxRetries, clock: time.Now}
}

func actKey(id string) []byte { return []byte(actPrefix + id) }

func (q *Queue) indexKeys(a *Activity) [][]byte {
	return [][]byte{
		[]byte(userPrefix + a.UserID + ":" + a.ID),
		[]byte(statusPrefix + string(a.Status) + ":" + a.ID),
		[]byte(tsPrefix + a.Timestamp.UTC().Format(tsKeyFormat) + ":" + a.ID),
	}
}

// Add persists a new activity as pending. Missing fields are filled:
// ID, QueuedAt, Timestamp, MaxRetries.
func (q *Queue) Add(a *Activity) error {
	db := q.store.DB()
	if db == nil {
		return ErrNotInitialized
	}
	if a == nil {
		return ErrNilActivity
	}

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := q.clock()
	if a.Timestamp.IsZero() {
		a.Timestamp = now
	}
	a.QueuedAt = now
	a.Status = StatusPending
	a.RetryCount = 0
	if a.MaxRetries <= 0 {
		a.MaxRetries = q.maxRetries
	}

	err := db.Update(func(txn *badger.Txn) error {
		return q.write(txn, a)
	})
	if err != nil {
		metrics.QueueOperations.WithLabelValues("add", "error").Inc()
		return fmt.Errorf("queue add: %w", err)
	}

	metrics.QueueOperations.WithLabelValues("add", "success").Inc()
	metrics.QueueDepth.WithLabelValues(string(StatusPending)).Inc()
	return nil
}

// Get loads one activity by ID.
func (q *Queue) Get(id string) (*Activity, error) {
	db := q.store.DB()
	if db == nil {
		return nil, ErrNotInitialized
	}

	var a *Activity
	err := db.View(func(txn *badger.Txn) error {
		var err error
		a, err = q.load(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// GetByStatus returns every activity in the given state, in index
// order.
func (q *Queue) GetByStatus(status Status) ([]*Activity, error) {
	db := q.store.DB()
	if db == nil {
		return nil, ErrNotInitialized
	}

	prefix := []byte(statusPrefix + string(status) + ":")
	var out []*Activity
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id := string(it.Item().Key()[len(prefix):])
			a, err := q.load(txn, id)
			if err != nil {
				return err
			}
			out = append(out, a)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("queue scan %s: %w", status, err)
	}
	return out, nil
}

// Update rewrites the record and rebuilds its index keys atomically.
func (q *Queue) Update(a *Activity) error {
	db := q.store.DB()
	if db == nil {
		return ErrNotInitialized
	}
	if a == nil {
		return ErrNilActivity
	}

	var oldStatus Status
	err := db.Update(func(txn *badger.Txn) error {
		old, err := q.load(txn, a.ID)
		if err != nil {
			return err
		}
		oldStatus = old.Status
		for _, key := range q.indexKeys(old) {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return q.write(txn, a)
	})
	if err != nil {
		metrics.QueueOperations.WithLabelValues("update", "error").Inc()
		return fmt.Errorf("queue update: %w", err)
	}

	metrics.QueueOperations.WithLabelValues("update", "success").Inc()
	if oldStatus != a.Status {
		metrics.QueueDepth.WithLabelValues(string(oldStatus)).Dec()
		metrics.QueueDepth.WithLabelValues(string(a.Status)).Inc()
	}
	return nil
}

// Delete removes the record and its indexes.
func (q *Queue) Delete(id string) error {
	db := q.store.DB()
	if db == nil {
		return ErrNotInitialized
	}

	var status Status
	err := db.Update(func(txn *badger.Txn) error {
		a, err := q.load(txn, id)
		if err != nil {
			return err
		}
		status = a.Status
		for _, key := range q.indexKeys(a) {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return txn.Delete(actKey(id))
	})
	if err != nil {
		metrics.QueueOperations.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("queue delete: %w", err)
	}

	metrics.QueueOperations.WithLabelValues("delete", "success").Inc()
	metrics.QueueDepth.WithLabelValues(string(status)).Dec()
	return nil
}

// ResetStale returns records stuck in syncing back to pending. Run at
// startup: a crash mid-pass leaves its in-flight record behind.
func (q *Queue) ResetStale() (int, error) {
	stuck, err := q.GetByStatus(StatusSyncing)
	if err != nil {
		return 0, err
	}
	for _, a := range stuck {
		a.Status = StatusPending
		if err := q.Update(a); err != nil {
			return 0, err
		}
	}
	return len(stuck), nil
}

// Count returns the total number of queued activities.
func (q *Queue) Count() (int, error) {
	return q.countPrefix([]byte(actPrefix))
}

// CountByStatus returns how many activities sit in the given state.
func (q *Queue) CountByStatus(status Status) (int, error) {
	return q.countPrefix([]byte(statusPrefix + string(status) + ":"))
}

func (q *Queue) countPrefix(prefix []byte) (int, error) {
	db := q.store.DB()
	if db == nil {
		return 0, ErrNotInitialized
	}

	count := 0
	err := db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

func (q *Queue) write(txn *badger.Txn, a *Activity) error {
	value, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal activity: %w", err)
	}
	if err := txn.Set(actKey(a.ID), value); err != nil {
		return err
	}
	for _, key := range q.indexKeys(a) {
		if err := txn.Set(key, []byte(a.ID)); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) load(txn *badger.Txn, id string) (*Activity, error) {
	item, err := txn.Get(actKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var a Activity
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &a)
	})
	if err != nil {
		return nil, fmt.Errorf("decode activity %s: %w", id, err)
	}
	return &a, nil
}
