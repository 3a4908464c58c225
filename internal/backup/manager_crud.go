// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package backup

import (
	"context"
	"errors"
	"fmt"

	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/registry"
)

// CreateBackup enqueues a backup from a configuration or from standalone
// fields and returns the pending run.
func (e *Engine) CreateBackup(ctx context.Context, req CreateBackupRequest) (*ledger.BackupRun, error) {
	spec := ledger.BackupSpec{Trigger: ledger.TriggerManual}

	var (
		defType     codec.BackupType
		defFiles    bool
		defCompress = true
		defRetain   = e.cfg.DefaultRetentionDays
	)
	if req.ConfigurationID != nil && *req.ConfigurationID != "" {
		c, err := e.registry.Get(ctx, *req.ConfigurationID)
		if err != nil {
			return nil, err
		}
		id := c.ID
		spec.ConfigurationID = &id
		spec.ConfigurationName = c.Name
		defType, defFiles, defCompress, defRetain = c.BackupType, c.IncludeFiles, c.CompressionEnabled, c.RetentionDays
	}

	bt, err := parseBackupType("backup_type", req.BackupType, defType)
	if err != nil {
		return nil, err
	}
	retention, err := retentionDays(req.RetentionDays, defRetain)
	if err != nil {
		return nil, err
	}
	spec.BackupType = bt
	spec.IncludeFiles = boolOr(req.IncludeFiles, defFiles)
	spec.CompressionEnabled = boolOr(req.CompressionEnabled, defCompress)
	spec.RetentionDays = retention
	spec.BackupName = stringOr(req.BackupName, ledger.DefaultBackupName(NamePrefix, bt, e.now()))
	return e.enqueueBackup(ctx, spec)
}

// QuickBackup enqueues a one-off backup with defaults. Unnamed quick
// backups are called Sauvegarde_Rapide_<type>_<timestamp>.
func (e *Engine) QuickBackup(ctx context.Context, req QuickBackupRequest) (*ledger.BackupRun, error) {
	bt, err := parseBackupType("backup_type", req.BackupType, codec.TypeFull)
	if err != nil {
		return nil, err
	}
	retention, err := retentionDays(req.RetentionDays, e.cfg.DefaultRetentionDays)
	if err != nil {
		return nil, err
	}
	return e.enqueueBackup(ctx, ledger.BackupSpec{
		BackupName:         stringOr(req.BackupName, ledger.DefaultBackupName(QuickNamePrefix, bt, e.now())),
		BackupType:         bt,
		IncludeFiles:       boolOr(req.IncludeFiles, bt == codec.TypeFull),
		CompressionEnabled: boolOr(req.CompressionEnabled, true),
		RetentionDays:      retention,
		Trigger:            ledger.TriggerQuick,
	})
}

// ScheduledBackup enqueues the backup a schedule fired for c.
func (e *Engine) ScheduledBackup(ctx context.Context, c *registry.Configuration) (*ledger.BackupRun, error) {
	id := c.ID
	return e.enqueueBackup(ctx, ledger.BackupSpec{
		ConfigurationID:    &id,
		ConfigurationName:  c.Name,
		BackupName:         ledger.DefaultBackupName(NamePrefix, c.BackupType, e.now()),
		BackupType:         c.BackupType,
		IncludeFiles:       c.IncludeFiles,
		CompressionEnabled: c.CompressionEnabled,
		RetentionDays:      c.RetentionDays,
		Trigger:            ledger.TriggerScheduled,
	})
}

func (e *Engine) enqueueBackup(ctx context.Context, spec ledger.BackupSpec) (*ledger.BackupRun, error) {
	run, err := e.ledger.EnqueueBackup(ctx, spec)
	if err != nil {
		return nil, err
	}
	if err := e.submit(ctx, ledger.KindBackup, run.ID); err != nil {
		return nil, err
	}
	logging.Ctx(ctx).Info().Str("backup_id", run.ID).Str("backup_type", string(run.BackupType)).
		Str("trigger", string(run.Trigger)).Msg("Backup enqueued")
	return run, nil
}

// DeleteBackup removes a backup row and its archive. Deleting a row that
// is already gone is not an error; the caller reports it as deleted.
func (e *Engine) DeleteBackup(ctx context.Context, id string) (*ledger.BackupRun, error) {
	run, err := e.ledger.DeleteBackup(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil, nil
	}
	return run, err
}

// DeleteRestore removes a restoration history entry.
func (e *Engine) DeleteRestore(ctx context.Context, id string) error {
	err := e.ledger.DeleteRestore(ctx, id)
	if errors.Is(err, ledger.ErrNotFound) {
		return nil
	}
	return err
}

// DeleteConfiguration removes a configuration. Runs that reference it keep
// its name as a label and lose the reference.
func (e *Engine) DeleteConfiguration(ctx context.Context, id string) error {
	c, err := e.registry.Delete(ctx, id)
	if err != nil {
		return err
	}
	n, err := e.ledger.DetachConfiguration(ctx, c.ID, c.Name)
	if err != nil {
		return fmt.Errorf("detach runs of configuration %s: %w", c.ID, err)
	}
	logging.Ctx(ctx).Info().Str("configuration_id", c.ID).Int("runs_detached", n).Msg("Configuration deleted")
	return nil
}
