// Pulsewire - Resilient Client Core for Offline-First Learning Apps
// Copyright 2026 Pulsewire Labs
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/pulsewire-labs/pulsewire

// Package store owns the durable Badger handle shared by the offline
// queue and the content cache.
package store

import (
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"

	"github.com/pulsewire-labs/pulsewire/internal/logging"
)

// ErrClosed is returned for operations against a closed store.
var ErrClosed = errors.New("store is closed")

// Config tunes the Badger instance.
type Config struct {
	Path        string
	SyncWrites  bool
	Compression bool

	// InMemory backs the store with memory only. Tests use this; a
	// production agent always persists.
	InMemory bool
}

// Store wraps one Badger database.
type Store struct {
	db *badger.DB
}

// Open creates or opens the database at cfg.Path.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	opts.SyncWrites = cfg.SyncWrites
	opts.InMemory = cfg.InMemory
	if cfg.InMemory {
		opts.Dir = ""
		opts.ValueDir = ""
	}
	if cfg.Compression {
		opts.Compression = options.Snappy
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	logging.Info().
		Str("path", cfg.Path).
		Bool("sync_writes", cfg.SyncWrites).
		Bool("in_memory", cfg.InMemory).
		Msg("store opened")
	return &Store{db: db}, nil
}

// DB exposes the raw handle for the queue and cache layers.
func (s *Store) DB() *badger.DB {
	if s == nil {
		return nil
	}
	return s.db
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// RunGC reclaims value-log space until Badger reports nothing left to
// rewrite. Call periodically from the supervision tree.
func (s *Store) RunGC(ratio float64) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if ratio <= 0 {
		ratio = 0.5
	}
	for {
		err := s.db.RunValueLogGC(ratio)
		if errors.Is(err, badger.ErrNoRewrite) {
			return nil
		}
		if errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}
