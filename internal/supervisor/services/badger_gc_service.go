// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package services

import (
	"context"
	"time"

	"github.com/tomtom215/sauvegarde/internal/logging"
)

// GarbageCollector is satisfied by *kv.Store.
type GarbageCollector interface {
	RunGC() error
}

// BadgerGCService reclaims badger value-log space on a fixed interval.
// The run ledger rewrites progress keys many times per run, so the value
// log grows quickly without it.
type BadgerGCService struct {
	store    GarbageCollector
	interval time.Duration
	name     string
}

// NewBadgerGCService creates the service. interval defaults to 10 minutes.
func NewBadgerGCService(store GarbageCollector, interval time.Duration) *BadgerGCService {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &BadgerGCService{store: store, interval: interval, name: "badger-gc"}
}

// Serve implements suture.Service. A failed pass is logged and retried on
// the next tick; only cancellation stops the loop.
func (s *BadgerGCService) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			start := time.Now()
			if err := s.store.RunGC(); err != nil {
				logging.Warn().Err(err).Msg("Badger value-log GC failed")
				continue
			}
			logging.Debug().Dur("duration", time.Since(start)).Msg("Badger value-log GC complete")
		}
	}
}

func (s *BadgerGCService) String() string {
	return s.name
}
