// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package kv

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/tomtom215/sauvegarde/internal/logging"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("key not found")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store is closed")
)

// Options configures the badger database.
type Options struct {
	// Path is the badger directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps everything in RAM (tests).
	InMemory bool

	// SyncWrites fsyncs every commit. Run rows are small so this stays on.
	SyncWrites bool

	// GCRatio is the discard ratio handed to RunValueLogGC.
	GCRatio float64
}

// Store is a JSON document store over badger. Keys are plain strings with
// a "<collection>/" prefix chosen by each owner package.
type Store struct {
	db      *badger.DB
	gcRatio float64

	mu        sync.Mutex
	sequences map[string]*badger.Sequence
	closed    bool
}

// Open opens (or creates) the store.
func Open(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Path)
	if opts.InMemory {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	}
	bopts.SyncWrites = opts.SyncWrites
	bopts.Logger = nil

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	ratio := opts.GCRatio
	if ratio <= 0 || ratio >= 1 {
		ratio = 0.5
	}

	logging.Info().Str("path", opts.Path).Bool("in_memory", opts.InMemory).Msg("ledger store opened")
	return &Store{db: db, gcRatio: ratio, sequences: make(map[string]*badger.Sequence)}, nil
}

// DB exposes the badger handle for owners that need multi-key transactions.
func (s *Store) DB() *badger.DB {
	return s.db
}

// Get decodes the value stored at key into v.
func (s *Store) Get(key string, v interface{}) error {
	return s.db.View(func(txn *badger.Txn) error {
		return GetJSON(txn, key, v)
	})
}

// Put encodes v as JSON and stores it at key.
func (s *Store) Put(key string, v interface{}) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return SetJSON(txn, key, v)
	})
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Store) Delete(key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Update runs fn in a read-write transaction.
func (s *Store) Update(fn func(txn *badger.Txn) error) error {
	return s.db.Update(fn)
}

// Scan calls fn for every key under prefix in key order.
func (s *Store) Scan(prefix string, fn func(key string, raw []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read %s: %w", item.Key(), err)
			}
			if err := fn(string(item.KeyCopy(nil)), raw); err != nil {
				return err
			}
		}
		return nil
	})
}

// NextSeq returns the next value of a named monotonic counter.
// Counters survive restarts.
func (s *Store) NextSeq(name string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	seq, ok := s.sequences[name]
	if !ok {
		var err error
		seq, err = s.db.GetSequence([]byte("seq/"+name), 100)
		if err != nil {
			return 0, fmt.Errorf("sequence %s: %w", name, err)
		}
		s.sequences[name] = seq
	}

	n, err := seq.Next()
	if err != nil {
		return 0, fmt.Errorf("sequence %s: %w", name, err)
	}
	// badger sequences start at zero; keep zero as "unset" for callers.
	return n + 1, nil
}

// RunGC reclaims value-log space until badger reports nothing to rewrite.
func (s *Store) RunGC() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}

	for {
		err := s.db.RunValueLogGC(s.gcRatio)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrGCInMemoryMode) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("run GC: %w", err)
		}
	}
}

// Close releases sequences and closes badger.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	for name, seq := range s.sequences {
		if err := seq.Release(); err != nil {
			logging.Warn().Err(err).Str("sequence", name).Msg("failed to release sequence")
		}
	}
	return s.db.Close()
}

// GetJSON decodes key into v inside txn.
func GetJSON(txn *badger.Txn, key string, v interface{}) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return item.Value(func(val []byte) error {
		if err := json.Unmarshal(val, v); err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	})
}

// SetJSON encodes v into key inside txn.
func SetJSON(txn *badger.Txn, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}
