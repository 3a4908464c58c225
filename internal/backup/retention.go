// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
retention.go - Retention and Storage Housekeeping

Retention Rules:
  - A backup expires once it is older than the retention_days of its
    configuration; detached or standalone backups use their own value
  - Age is measured from completion, or creation for runs that never ran
  - Pending and running backups are never swept

The Maintenance service runs the sweep periodically together with upload
expiry, temp-file purge and the stuck-run gauge.
*/

//nolint:staticcheck // File documentation, not package doc
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tomtom215/sauvegarde/internal/artifact"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/metrics"
)

const day = 24 * time.Hour

// Cleanup deletes expired backups and their archives.
func (e *Engine) Cleanup(ctx context.Context) (CleanupResult, error) {
	res := CleanupResult{Deleted: []string{}}

	configs, err := e.registry.List(ctx)
	if err != nil {
		return res, fmt.Errorf("list configurations: %w", err)
	}
	retention := make(map[string]int, len(configs))
	for _, c := range configs {
		retention[c.ID] = c.RetentionDays
	}

	runs, err := e.ledger.AllBackups(ctx)
	if err != nil {
		return res, fmt.Errorf("list backups: %w", err)
	}
	now := e.now()
	for _, run := range runs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !run.Status.Terminal() {
			continue
		}
		days := run.RetentionDays
		if run.ConfigurationID != nil {
			if d, ok := retention[*run.ConfigurationID]; ok {
				days = d
			}
		}
		if days <= 0 {
			days = e.cfg.DefaultRetentionDays
		}
		ref := run.CreatedAt
		if run.CompletedAt != nil {
			ref = *run.CompletedAt
		}
		if now.Sub(ref) <= time.Duration(days)*day {
			continue
		}

		deleted, err := e.ledger.DeleteBackup(ctx, run.ID)
		switch {
		case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrRunActive):
			continue
		case err != nil:
			return res, fmt.Errorf("delete backup %s: %w", run.ID, err)
		}
		res.DeletedCount++
		res.FreedBytes += deleted.FileSize
		res.Deleted = append(res.Deleted, deleted.ID)
		logging.Ctx(ctx).Debug().Str("backup_id", run.ID).Int("retention_days", days).Msg("Expired backup deleted")
	}

	metrics.RecordRetentionSweep(res.DeletedCount, res.FreedBytes)
	if res.DeletedCount > 0 {
		logging.Ctx(ctx).Info().Int("deleted", res.DeletedCount).Int64("freed_bytes", res.FreedBytes).Msg("Retention sweep completed")
	}
	return res, nil
}

// StorageStats assembles the storage view. The independent scans run
// concurrently.
func (e *Engine) StorageStats(ctx context.Context) (*StorageStats, error) {
	st := &StorageStats{
		BackupsByType:    make(map[string]int),
		BackupsByTrigger: make(map[ledger.Trigger]int),
		Stuck:            []ledger.StuckRun{},
	}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		du, err := e.artifacts.Usage()
		if err != nil {
			return fmt.Errorf("disk usage: %w", err)
		}
		st.Disk = du
		st.TotalSpace, st.UsedSpace, st.FreeSpace = du.Total, du.Used, du.Free
		return nil
	})
	g.Go(func() error {
		tmp, err := e.artifacts.TempFiles()
		if err != nil {
			return fmt.Errorf("temp files: %w", err)
		}
		st.TempFiles = tempStats(tmp)
		return nil
	})
	g.Go(func() error {
		n, size, err := e.artifacts.Archives.TotalSize()
		if err != nil {
			return fmt.Errorf("archive area: %w", err)
		}
		st.Archives = AreaStats{Files: n, Bytes: size}
		return nil
	})
	g.Go(func() error {
		n, size, err := e.artifacts.Quarantine.TotalSize()
		if err != nil {
			return fmt.Errorf("quarantine area: %w", err)
		}
		st.Quarantine = AreaStats{Files: n, Bytes: size}
		return nil
	})
	g.Go(func() error {
		runs, err := e.ledger.AllBackups(gctx)
		if err != nil {
			return err
		}
		byStatus := make(map[ledger.Status]int)
		for _, r := range runs {
			byStatus[r.Status]++
			st.BackupsByType[string(r.BackupType)]++
			st.BackupsByTrigger[r.Trigger]++
		}
		st.BackupsByStatus = byStatus
		return nil
	})
	g.Go(func() error {
		counts, err := e.ledger.Counts(gctx, ledger.KindRestore)
		if err != nil {
			return err
		}
		st.RestoresByStatus = counts
		return nil
	})
	g.Go(func() error {
		stuck, err := e.ledger.Stuck(gctx, e.stuckAfter())
		if err != nil {
			return err
		}
		if stuck != nil {
			st.Stuck = stuck
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	st.StuckCount = len(st.Stuck)
	st.Workers = e.pool.Stats()
	return st, nil
}

func (e *Engine) stuckAfter() time.Duration {
	if e.cfg.StuckAfter > 0 {
		return e.cfg.StuckAfter
	}
	return 30 * time.Minute
}

func tempStats(entries []artifact.Entry) TempStats {
	ts := TempStats{Count: len(entries)}
	for _, e := range entries {
		ts.Bytes += e.Size
	}
	return ts
}

// Maintenance periodically sweeps expired backups, expired uploads and
// stale temp files, and refreshes the stuck-run gauge.
type Maintenance struct {
	engine   *Engine
	interval time.Duration
}

// NewMaintenance returns the housekeeping service for e.
func NewMaintenance(e *Engine) *Maintenance {
	interval := e.cfg.RetentionInterval
	if interval <= 0 {
		interval = time.Hour
	}
	return &Maintenance{engine: e, interval: interval}
}

// Serve implements suture.Service.
func (m *Maintenance) Serve(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// String implements fmt.Stringer for suture logging.
func (m *Maintenance) String() string { return "backup-maintenance" }

// RunOnce performs one housekeeping pass. Errors are logged; a failing
// step does not prevent the others.
func (m *Maintenance) RunOnce(ctx context.Context) {
	e := m.engine
	log := logging.Ctx(ctx)

	if _, err := e.Cleanup(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Retention sweep failed")
	}
	if res, err := e.gate.Cleanup(ctx, 0); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Upload expiry failed")
	} else if res.Expired > 0 {
		log.Info().Int("expired", res.Expired).Int64("freed_bytes", res.FreedBytes).Msg("Expired uploads removed")
	}
	maxAge := e.storage.TempMaxAge
	if maxAge <= 0 {
		maxAge = day
	}
	if _, _, err := e.artifacts.PurgeTemp(maxAge); err != nil {
		log.Warn().Err(err).Msg("Temp file purge failed")
	}
	stuck, err := e.ledger.Stuck(ctx, e.stuckAfter())
	if err != nil {
		log.Warn().Err(err).Msg("Stuck run scan failed")
		return
	}
	metrics.StuckRuns.Set(float64(len(stuck)))
	for _, s := range stuck {
		log.Warn().Str("kind", string(s.Kind)).Str("run_id", s.ID).Str("phase", s.Phase).
			Time("heartbeat_at", s.HeartbeatAt).Msg("Run appears stuck")
	}
}
