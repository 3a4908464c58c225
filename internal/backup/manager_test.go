// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package backup

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/registry"
	"github.com/tomtom215/sauvegarde/internal/validation"
)

func TestQuickBackupLifecycle(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.seed(t)

	run, err := env.engine.QuickBackup(context.Background(), QuickBackupRequest{
		BackupType:         ptr("full"),
		IncludeFiles:       ptr(true),
		CompressionEnabled: ptr(true),
		RetentionDays:      ptr(7),
	})
	if err != nil {
		t.Fatalf("QuickBackup: %v", err)
	}
	if run.Status != ledger.StatusPending {
		t.Errorf("status = %s, want pending", run.Status)
	}
	if !strings.HasPrefix(run.BackupName, "Sauvegarde_Rapide_full_") {
		t.Errorf("backup_name = %q", run.BackupName)
	}
	if run.Trigger != ledger.TriggerQuick {
		t.Errorf("trigger = %s, want quick", run.Trigger)
	}

	snap := env.waitStatus(t, ledger.KindBackup, run.ID, ledger.StatusCompleted)
	if snap.Progress != 100 {
		t.Errorf("progress = %d, want 100", snap.Progress)
	}
	if snap.Phase != ledger.PhaseSuccess {
		t.Errorf("phase = %s, want %s", snap.Phase, ledger.PhaseSuccess)
	}

	done, err := env.ledger.GetBackup(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetBackup: %v", err)
	}
	if done.FileSize <= 0 || done.FilePath == "" {
		t.Fatalf("completed backup has no archive: %+v", done)
	}
	if !strings.HasPrefix(done.Checksum, checksumPrefix) {
		t.Errorf("checksum = %q", done.Checksum)
	}
	if done.TablesCount != 3 || done.RecordsCount != 5 || done.FilesCount != 1 {
		t.Errorf("counts tables=%d records=%d files=%d, want 3/5/1", done.TablesCount, done.RecordsCount, done.FilesCount)
	}
	if done.RetentionDays != 7 {
		t.Errorf("retention_days = %d, want 7", done.RetentionDays)
	}

	dl, err := env.engine.Download(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	defer dl.File.Close()
	if dl.Filename != done.BackupName+".zip" {
		t.Errorf("filename = %q, want %q", dl.Filename, done.BackupName+".zip")
	}
	sum, err := checksumOf(dl.File)
	if err != nil {
		t.Fatalf("checksumOf: %v", err)
	}
	if !sameChecksum(sum, done.Checksum) {
		t.Errorf("downloaded checksum %s, recorded %s", sum, done.Checksum)
	}
}

func TestQuickBackupDefaults(t *testing.T) {
	env := newTestEnv(t, envOptions{noPool: true})

	tests := []struct {
		name      string
		req       QuickBackupRequest
		wantType  codec.BackupType
		wantFiles bool
	}{
		{"empty request", QuickBackupRequest{}, codec.TypeFull, true},
		{"metadata", QuickBackupRequest{BackupType: ptr("metadata")}, codec.TypeMetadata, false},
		{"data with files", QuickBackupRequest{BackupType: ptr("data"), IncludeFiles: ptr(true)}, codec.TypeData, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := env.engine.QuickBackup(context.Background(), tt.req)
			if err != nil {
				t.Fatalf("QuickBackup: %v", err)
			}
			if run.BackupType != tt.wantType || run.IncludeFiles != tt.wantFiles {
				t.Errorf("type=%s files=%v, want %s/%v", run.BackupType, run.IncludeFiles, tt.wantType, tt.wantFiles)
			}
			if !run.CompressionEnabled {
				t.Error("compression disabled by default")
			}
			if run.RetentionDays != 30 {
				t.Errorf("retention_days = %d, want default 30", run.RetentionDays)
			}
		})
	}
}

func TestCreateBackupValidation(t *testing.T) {
	env := newTestEnv(t, envOptions{noPool: true})

	tests := []struct {
		name      string
		req       CreateBackupRequest
		wantField string
	}{
		{"retention 0", CreateBackupRequest{BackupType: ptr("full"), RetentionDays: ptr(0)}, "retention_days"},
		{"retention 366", CreateBackupRequest{BackupType: ptr("full"), RetentionDays: ptr(366)}, "retention_days"},
		{"retention 1", CreateBackupRequest{BackupType: ptr("full"), RetentionDays: ptr(1)}, ""},
		{"retention 365", CreateBackupRequest{BackupType: ptr("full"), RetentionDays: ptr(365)}, ""},
		{"unknown type", CreateBackupRequest{BackupType: ptr("incremental")}, "backup_type"},
		{"missing type", CreateBackupRequest{}, "backup_type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			run, err := env.engine.CreateBackup(context.Background(), tt.req)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("CreateBackup: %v", err)
				}
				if !strings.HasPrefix(run.BackupName, "Sauvegarde_full_") {
					t.Errorf("backup_name = %q", run.BackupName)
				}
				return
			}
			var ve *validation.RequestValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("got %v, want validation error", err)
			}
			if got := ve.Errors()[0].Field(); got != tt.wantField {
				t.Errorf("field = %q, want %q", got, tt.wantField)
			}
		})
	}
}

func TestCreateBackupFromConfiguration(t *testing.T) {
	env := newTestEnv(t, envOptions{noPool: true})
	ctx := context.Background()

	c, err := env.registry.Create(ctx, registry.Input{
		Name:               ptr("Hebdomadaire"),
		BackupType:         ptr("data"),
		Frequency:          ptr("weekly"),
		IncludeFiles:       ptr(false),
		CompressionEnabled: ptr(false),
		RetentionDays:      ptr(14),
	})
	if err != nil {
		t.Fatalf("registry.Create: %v", err)
	}

	run, err := env.engine.CreateBackup(ctx, CreateBackupRequest{ConfigurationID: &c.ID, BackupName: ptr("  Nommée  ")})
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if run.ConfigurationID == nil || *run.ConfigurationID != c.ID || run.ConfigurationName != "Hebdomadaire" {
		t.Errorf("configuration = %v/%q", run.ConfigurationID, run.ConfigurationName)
	}
	if run.BackupType != codec.TypeData || run.CompressionEnabled || run.RetentionDays != 14 {
		t.Errorf("config defaults not applied: %+v", run)
	}
	if run.BackupName != "Nommée" {
		t.Errorf("backup_name = %q", run.BackupName)
	}

	override, err := env.engine.CreateBackup(ctx, CreateBackupRequest{ConfigurationID: &c.ID, BackupType: ptr("full"), RetentionDays: ptr(3)})
	if err != nil {
		t.Fatalf("CreateBackup override: %v", err)
	}
	if override.BackupType != codec.TypeFull || override.RetentionDays != 3 {
		t.Errorf("overrides ignored: type=%s retention=%d", override.BackupType, override.RetentionDays)
	}

	if _, err := env.engine.CreateBackup(ctx, CreateBackupRequest{ConfigurationID: ptr("missing")}); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("unknown configuration: got %v", err)
	}
}

func TestDownloadDetectsTampering(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.seed(t)
	done := env.completedBackup(t, QuickBackupRequest{})

	path := filepath.Join(env.arts.Archives.Dir(), done.FilePath)
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("open archive: %v", err)
	}
	b := make([]byte, 1)
	if _, err := f.ReadAt(b, done.FileSize/2); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b, done.FileSize/2); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	f.Close()

	if _, err := env.engine.Download(context.Background(), done.ID); !errors.Is(err, ErrChecksumInvalid) {
		t.Fatalf("Download of tampered archive: got %v, want ErrChecksumInvalid", err)
	}
}

func TestDownloadRequiresCompletedBackup(t *testing.T) {
	env := newTestEnv(t, envOptions{noPool: true})
	run, err := env.engine.QuickBackup(context.Background(), QuickBackupRequest{})
	if err != nil {
		t.Fatalf("QuickBackup: %v", err)
	}
	if _, err := env.engine.Download(context.Background(), run.ID); !errors.Is(err, ErrBackupNotCompleted) {
		t.Errorf("pending download: got %v", err)
	}
	if _, err := env.engine.Download(context.Background(), "missing"); !errors.Is(err, ledger.ErrNotFound) {
		t.Errorf("missing download: got %v", err)
	}
}

func TestCancelPendingBackup(t *testing.T) {
	env := newTestEnv(t, envOptions{noPool: true})
	ctx := context.Background()

	run, err := env.engine.QuickBackup(ctx, QuickBackupRequest{})
	if err != nil {
		t.Fatalf("QuickBackup: %v", err)
	}
	snap, err := env.engine.CancelRun(ctx, ledger.KindBackup, run.ID)
	if err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if snap.Status != ledger.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", snap.Status)
	}

	// The queued task is skipped once a worker picks it up.
	env.startPool(t)
	waitFor(t, func() bool { return env.engine.Pool().Stats().Processed >= 1 })
	after, err := env.ledger.GetBackup(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetBackup: %v", err)
	}
	if after.Status != ledger.StatusCancelled || after.FilePath != "" {
		t.Errorf("cancelled run executed: %+v", after.RunState)
	}
}

func TestCancelRunningBackup(t *testing.T) {
	env := newTestEnv(t, envOptions{noPool: true})
	ctx := context.Background()

	run, err := env.engine.QuickBackup(ctx, QuickBackupRequest{})
	if err != nil {
		t.Fatalf("QuickBackup: %v", err)
	}
	// Simulate a worker that holds the run; cancellation is then only a
	// request until the worker observes it.
	if err := env.ledger.Acquire(ctx, ledger.KindBackup, run.ID, "worker-x"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	snap, err := env.engine.CancelRun(ctx, ledger.KindBackup, run.ID)
	if err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	if snap.Status != ledger.StatusRunning {
		t.Errorf("status = %s, want running until observed", snap.Status)
	}
	requested, err := env.ledger.IsCancelRequested(ctx, ledger.KindBackup, run.ID)
	if err != nil || !requested {
		t.Errorf("cancel_requested = %v (%v)", requested, err)
	}
}

func TestDeleteBackup(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.seed(t)
	done := env.completedBackup(t, QuickBackupRequest{})

	deleted, err := env.engine.DeleteBackup(context.Background(), done.ID)
	if err != nil {
		t.Fatalf("DeleteBackup: %v", err)
	}
	if deleted == nil || deleted.ID != done.ID {
		t.Fatalf("deleted = %+v", deleted)
	}
	if _, err := env.arts.Archives.Stat(done.FilePath); err == nil {
		t.Error("archive still present after delete")
	}
	snap, err := env.ledger.Snapshot(context.Background(), ledger.KindBackup, done.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Status != ledger.StatusDeleted {
		t.Errorf("status = %s, want deleted", snap.Status)
	}

	again, err := env.engine.DeleteBackup(context.Background(), done.ID)
	if err != nil || again != nil {
		t.Errorf("second delete = %v, %v; want nil, nil", again, err)
	}
}

func TestDeleteConfigurationDetachesRuns(t *testing.T) {
	env := newTestEnv(t, envOptions{noPool: true})
	ctx := context.Background()

	c, err := env.registry.Create(ctx, registry.Input{Name: ptr("Quotidienne"), BackupType: ptr("full"), Frequency: ptr("daily")})
	if err != nil {
		t.Fatalf("registry.Create: %v", err)
	}
	run, err := env.engine.CreateBackup(ctx, CreateBackupRequest{ConfigurationID: &c.ID})
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if err := env.engine.DeleteConfiguration(ctx, c.ID); err != nil {
		t.Fatalf("DeleteConfiguration: %v", err)
	}
	got, err := env.ledger.GetBackup(ctx, run.ID)
	if err != nil {
		t.Fatalf("GetBackup: %v", err)
	}
	if got.ConfigurationID != nil {
		t.Errorf("configuration_id = %v, want nil", *got.ConfigurationID)
	}
	if got.ConfigurationName != "Quotidienne" {
		t.Errorf("configuration_name = %q, want label kept", got.ConfigurationName)
	}
	if err := env.engine.DeleteConfiguration(ctx, c.ID); !errors.Is(err, registry.ErrNotFound) {
		t.Errorf("second delete: got %v", err)
	}
}

func TestRecoverFailsInterruptedRuns(t *testing.T) {
	env := newTestEnv(t, envOptions{noPool: true})
	ctx := context.Background()

	stale, err := env.engine.QuickBackup(ctx, QuickBackupRequest{})
	if err != nil {
		t.Fatalf("QuickBackup: %v", err)
	}
	if err := env.ledger.Acquire(ctx, ledger.KindBackup, stale.ID, "worker-gone"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pending, err := env.engine.QuickBackup(ctx, QuickBackupRequest{BackupType: ptr("metadata")})
	if err != nil {
		t.Fatalf("QuickBackup: %v", err)
	}

	if err := env.engine.Recover(ctx); err != nil {
		t.Fatalf("Recover: %v", err)
	}
	got, err := env.ledger.GetBackup(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetBackup: %v", err)
	}
	if got.Status != ledger.StatusFailed || !strings.Contains(got.ErrorMessage, "interrupted by restart") {
		t.Errorf("interrupted run = %s %q", got.Status, got.ErrorMessage)
	}

	env.startPool(t)
	env.waitStatus(t, ledger.KindBackup, pending.ID, ledger.StatusCompleted)
}

func TestVerifiedFileSizeMismatch(t *testing.T) {
	env := newTestEnv(t, envOptions{})
	env.seed(t)
	done := env.completedBackup(t, QuickBackupRequest{BackupType: ptr("metadata")})

	path := filepath.Join(env.arts.Archives.Dir(), done.FilePath)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := io.WriteString(f, "trailing"); err != nil {
		t.Fatalf("append: %v", err)
	}
	f.Close()

	if _, err := env.engine.verifiedFile(done); !errors.Is(err, ErrChecksumInvalid) {
		t.Errorf("got %v, want ErrChecksumInvalid", err)
	}
}
