// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
manager_scheduler.go - Backup Scheduling

This file runs active configurations on their frequency without manual
intervention.

Scheduling Features:
  - daily, weekly and monthly frequencies map to cron expressions
    evaluated in UTC (midnight, Sunday midnight, first of the month)
  - manual configurations are never scheduled
  - configurations are re-read on every tick, so edits and deactivation
    take effect within one poll interval

Timer Logic:
  - The next due time of a configuration is computed when it is first
    seen and after each firing
  - A tick enqueues a scheduled backup for every configuration whose due
    time has passed; a missed window fires once, not once per window
*/

//nolint:staticcheck // File documentation, not package doc
package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/registry"
)

// schedulerPoll is how often active configurations are checked.
const schedulerPoll = time.Minute

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// frequencySpecs are the cron expressions behind each frequency.
var frequencySpecs = map[registry.Frequency]string{
	registry.FrequencyDaily:   "0 0 * * *",
	registry.FrequencyWeekly:  "0 0 * * 0",
	registry.FrequencyMonthly: "0 0 1 * *",
}

// FrequencySchedule returns the cron schedule of f, or nil for manual.
func FrequencySchedule(f registry.Frequency) (cron.Schedule, error) {
	spec, ok := frequencySpecs[f]
	if !ok {
		if f == registry.FrequencyManual {
			return nil, nil
		}
		return nil, fmt.Errorf("unknown frequency %q", f)
	}
	return cronParser.Parse(spec)
}

type scheduleEntry struct {
	frequency registry.Frequency
	next      time.Time
}

// Scheduler enqueues backups for active configurations on their frequency.
type Scheduler struct {
	engine *Engine
	poll   time.Duration

	mu      sync.Mutex
	entries map[string]scheduleEntry
}

// NewScheduler returns the scheduler service for e.
func NewScheduler(e *Engine) *Scheduler {
	return &Scheduler{
		engine:  e,
		poll:    schedulerPoll,
		entries: make(map[string]scheduleEntry),
	}
}

// Serve implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	logging.Ctx(ctx).Info().Dur("poll", s.poll).Msg("Backup scheduler started")
	s.tick(ctx, s.engine.now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx, s.engine.now())
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (s *Scheduler) String() string { return "backup-scheduler" }

// Next returns the next due time of a configuration, if it is scheduled.
func (s *Scheduler) Next(configID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[configID]
	return e.next, ok
}

// tick fires every configuration due at now and returns how many backups
// were enqueued.
func (s *Scheduler) tick(ctx context.Context, now time.Time) int {
	log := logging.Ctx(ctx)
	configs, err := s.engine.registry.Active(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Scheduler could not list active configurations")
		return 0
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(configs))
	fired := 0
	for _, c := range configs {
		sched, err := FrequencySchedule(c.Frequency)
		if err != nil {
			log.Warn().Err(err).Str("configuration_id", c.ID).Msg("Configuration has an invalid frequency")
			continue
		}
		if sched == nil {
			continue
		}
		seen[c.ID] = true

		entry, ok := s.entries[c.ID]
		if !ok || entry.frequency != c.Frequency {
			s.entries[c.ID] = scheduleEntry{frequency: c.Frequency, next: sched.Next(now)}
			continue
		}
		if now.Before(entry.next) {
			continue
		}

		run, err := s.engine.ScheduledBackup(ctx, c)
		if err != nil {
			log.Error().Err(err).Str("configuration_id", c.ID).Msg("Scheduled backup not enqueued")
		} else {
			fired++
			log.Info().Str("configuration_id", c.ID).Str("backup_id", run.ID).Msg("Scheduled backup enqueued")
		}
		s.entries[c.ID] = scheduleEntry{frequency: c.Frequency, next: sched.Next(now)}
	}
	for id := range s.entries {
		if !seen[id] {
			delete(s.entries, id)
		}
	}
	return fired
}
