// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/registry"
)

func TestCleanupRetention(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.seed(t)
	ctx := context.Background()

	c, err := env.registry.Create(ctx, registry.Input{
		Name: ptr("Semaine"), BackupType: ptr("full"), Frequency: ptr("manual"), RetentionDays: ptr(7),
	})
	if err != nil {
		t.Fatalf("registry.Create: %v", err)
	}

	backupAt := func(age time.Duration) *ledger.BackupRun {
		env.clock.Shift(-age)
		run, err := env.engine.CreateBackup(ctx, CreateBackupRequest{ConfigurationID: &c.ID})
		if err != nil {
			t.Fatalf("CreateBackup: %v", err)
		}
		env.waitStatus(t, ledger.KindBackup, run.ID, ledger.StatusCompleted)
		done, err := env.ledger.GetBackup(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetBackup: %v", err)
		}
		return done
	}
	old := backupAt(8 * day)
	recent := backupAt(2 * day)
	env.clock.Shift(0)

	before, err := env.engine.StorageStats(ctx)
	if err != nil {
		t.Fatalf("StorageStats: %v", err)
	}
	if before.Archives.Files != 2 {
		t.Fatalf("archives before = %d, want 2", before.Archives.Files)
	}

	res, err := env.engine.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.DeletedCount != 1 || len(res.Deleted) != 1 || res.Deleted[0] != old.ID {
		t.Fatalf("cleanup = %+v, want only %s", res, old.ID)
	}
	if res.FreedBytes != old.FileSize {
		t.Errorf("freed = %d, want %d", res.FreedBytes, old.FileSize)
	}
	if _, err := os.Stat(filepath.Join(env.arts.Archives.Dir(), old.FilePath)); !os.IsNotExist(err) {
		t.Errorf("expired archive still on disk: %v", err)
	}
	if _, err := env.ledger.GetBackup(ctx, recent.ID); err != nil {
		t.Errorf("recent backup removed: %v", err)
	}

	after, err := env.engine.StorageStats(ctx)
	if err != nil {
		t.Fatalf("StorageStats: %v", err)
	}
	if after.Archives.Files != 1 || after.Archives.Bytes != before.Archives.Bytes-old.FileSize {
		t.Errorf("archives after = %+v, want 1 file of %d bytes", after.Archives, before.Archives.Bytes-old.FileSize)
	}

	again, err := env.engine.Cleanup(ctx)
	if err != nil {
		t.Fatalf("second Cleanup: %v", err)
	}
	if again.DeletedCount != 0 {
		t.Errorf("second sweep deleted %d", again.DeletedCount)
	}
}

func TestCleanupUsesConfigurationRetention(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.seed(t)
	ctx := context.Background()

	c, err := env.registry.Create(ctx, registry.Input{
		Name: ptr("Longue"), BackupType: ptr("metadata"), Frequency: ptr("manual"), RetentionDays: ptr(30),
	})
	if err != nil {
		t.Fatalf("registry.Create: %v", err)
	}
	// The run asks for 3 days but its configuration keeps backups 30 days.
	env.clock.Shift(-10 * day)
	run, err := env.engine.CreateBackup(ctx, CreateBackupRequest{ConfigurationID: &c.ID, RetentionDays: ptr(3)})
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	env.waitStatus(t, ledger.KindBackup, run.ID, ledger.StatusCompleted)
	env.clock.Shift(0)

	res, err := env.engine.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.DeletedCount != 0 {
		t.Fatalf("deleted %v under a 30 day configuration", res.Deleted)
	}

	// Once the configuration is gone the run's own retention applies.
	if err := env.engine.DeleteConfiguration(ctx, c.ID); err != nil {
		t.Fatalf("DeleteConfiguration: %v", err)
	}
	res, err = env.engine.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.DeletedCount != 1 {
		t.Errorf("detached expired backup kept: %+v", res)
	}
}

func TestCleanupSkipsActiveRuns(t *testing.T) {
	env := newTestEnv(t, envOptions{noPool: true})
	ctx := context.Background()

	env.clock.Shift(-100 * day)
	run, err := env.engine.QuickBackup(ctx, QuickBackupRequest{RetentionDays: ptr(1)})
	if err != nil {
		t.Fatalf("QuickBackup: %v", err)
	}
	env.clock.Shift(0)

	res, err := env.engine.Cleanup(ctx)
	if err != nil {
		t.Fatalf("Cleanup: %v", err)
	}
	if res.DeletedCount != 0 {
		t.Errorf("pending run swept: %+v", res)
	}
	if _, err := env.ledger.GetBackup(ctx, run.ID); err != nil {
		t.Errorf("pending run gone: %v", err)
	}
}

func TestStorageStatsCounts(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.seed(t)
	ctx := context.Background()

	env.completedBackup(t, QuickBackupRequest{})
	env.completedBackup(t, QuickBackupRequest{BackupType: ptr("metadata")})

	st, err := env.engine.StorageStats(ctx)
	if err != nil {
		t.Fatalf("StorageStats: %v", err)
	}
	if st.TotalSpace == 0 || st.TotalSpace != st.Disk.Total {
		t.Errorf("total space = %d, disk = %+v", st.TotalSpace, st.Disk)
	}
	if st.BackupsByType["full"] != 1 || st.BackupsByType["metadata"] != 1 {
		t.Errorf("backups_by_type = %v", st.BackupsByType)
	}
	if st.BackupsByStatus[ledger.StatusCompleted] != 2 {
		t.Errorf("backups_by_status = %v", st.BackupsByStatus)
	}
	if st.BackupsByTrigger[ledger.TriggerQuick] != 2 {
		t.Errorf("backups_by_trigger = %v", st.BackupsByTrigger)
	}
	if st.Archives.Files != 2 || st.Archives.Bytes <= 0 {
		t.Errorf("archives = %+v", st.Archives)
	}
	if st.TempFiles.Count != 0 {
		t.Errorf("temp files = %+v", st.TempFiles)
	}
	if st.StuckCount != 0 || len(st.Stuck) != 0 {
		t.Errorf("stuck = %v", st.Stuck)
	}
	if st.Workers.Size != 2 {
		t.Errorf("workers = %+v", st.Workers)
	}
}

func TestStorageStatsReportsStuckRuns(t *testing.T) {
	env := newTestEnv(t, envOptions{noPool: true})
	ctx := context.Background()

	run, err := env.engine.QuickBackup(ctx, QuickBackupRequest{})
	if err != nil {
		t.Fatalf("QuickBackup: %v", err)
	}
	env.clock.Shift(-31 * time.Minute)
	if err := env.ledger.Acquire(ctx, ledger.KindBackup, run.ID, "worker-hung"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	env.clock.Shift(0)

	st, err := env.engine.StorageStats(ctx)
	if err != nil {
		t.Fatalf("StorageStats: %v", err)
	}
	if st.StuckCount != 1 || st.Stuck[0].ID != run.ID {
		t.Fatalf("stuck = %+v", st.Stuck)
	}
	got, err := env.ledger.GetBackup(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetBackup: %v", err)
	}
	if got.Status != ledger.StatusRunning {
		t.Errorf("stuck run transitioned to %s", got.Status)
	}
}

func TestMaintenanceRunOnce(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.seed(t)
	ctx := context.Background()

	env.clock.Shift(-5 * day)
	expired := env.completedBackup(t, QuickBackupRequest{RetentionDays: ptr(1)})
	env.clock.Shift(0)
	kept := env.completedBackup(t, QuickBackupRequest{RetentionDays: ptr(1)})

	m := NewMaintenance(env.engine)
	if m.String() != "backup-maintenance" {
		t.Errorf("String = %q", m.String())
	}
	m.RunOnce(ctx)

	if _, err := env.ledger.GetBackup(ctx, expired.ID); err == nil {
		t.Error("expired backup survived maintenance")
	}
	if _, err := env.ledger.GetBackup(ctx, kept.ID); err != nil {
		t.Errorf("fresh backup removed: %v", err)
	}
}
