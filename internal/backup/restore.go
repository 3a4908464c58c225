// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
restore.go - Restoration Jobs

This file enqueues classic and external restorations and runs them on pool
workers through the planner.

Restore Job:
  - Optional safety backup of the live store (backup_current)
  - Open the source: a completed backup (checksum checked against the
    ledger row) or a reserved, ready upload
  - Planner phases analyzing, security, restoring, finalizing
  - Upload consumed and run completed on success

Failure Handling:
  - Failures and cancellations before the commit leave the store untouched
  - A failure after the commit restores the safety backup; when that is
    impossible the error message carries rollback_failed
  - The upload reservation is released unless the upload was consumed
*/

//nolint:staticcheck // File documentation, not package doc
package backup

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/tomtom215/sauvegarde/internal/gatekeeper"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/metrics"
	"github.com/tomtom215/sauvegarde/internal/planner"
	"github.com/tomtom215/sauvegarde/internal/worker"
)

// pctSafetyBackup is reported while the safety backup runs.
const pctSafetyBackup = 2

// Restore enqueues a classic restoration of a completed backup.
func (e *Engine) Restore(ctx context.Context, req RestoreRequest) (*ledger.RestoreRun, error) {
	rt := ledger.RestoreType(req.RestoreType)
	switch rt {
	case "":
		rt = ledger.RestoreFull
	case ledger.RestoreFull, ledger.RestoreSelective:
	case ledger.RestoreMerge:
		return nil, fieldErr("restore_type", "restore_type", "Le type de restauration 'merge' est réservé aux restaurations externes")
	default:
		return nil, fieldErr("restore_type", "restore_type", fmt.Sprintf("Type de restauration invalide: %s", req.RestoreType))
	}
	if rt == ledger.RestoreSelective && len(req.Options.Tables) == 0 {
		return nil, fieldErr("options.tables", "required", "Sélectionnez au moins une table à restaurer")
	}
	if req.BackupID == "" {
		return nil, fieldErr("backup_id", "required", "La sauvegarde à restaurer est requise")
	}

	b, err := e.ledger.GetBackup(ctx, req.BackupID)
	if err != nil {
		return nil, err
	}
	if b.Status != ledger.StatusCompleted || b.FilePath == "" {
		return nil, fmt.Errorf("%w: status is %s", ErrBackupNotCompleted, b.Status)
	}
	if rt == ledger.RestoreFull {
		req.Options.Tables = nil
	}
	req.Options.ConfirmReplace = false

	backupID := b.ID
	run, err := e.ledger.EnqueueRestore(ctx, ledger.RestoreSpec{
		RestoreName: stringOr(req.RestoreName, ""),
		RestoreType: rt,
		SourceType:  ledger.SourceClassic,
		BackupID:    &backupID,
		BackupName:  b.BackupName,
		Options:     req.Options,
	})
	if err != nil {
		return nil, err
	}
	if err := e.submit(ctx, ledger.KindRestore, run.ID); err != nil {
		return nil, err
	}
	logging.Ctx(ctx).Info().Str("restore_id", run.ID).Str("backup_id", b.ID).Str("restore_type", string(rt)).Msg("Restoration enqueued")
	return run, nil
}

// ExternalRestore enqueues a restoration from a ready upload. The upload is
// reserved for the run before it is queued.
func (e *Engine) ExternalRestore(ctx context.Context, req ExternalRestoreRequest) (*ledger.RestoreRun, error) {
	strategy := planner.Strategy(req.MergeStrategy)
	if strategy == "" {
		strategy = planner.PreserveSystem
	}
	if !strategy.Valid() {
		return nil, fieldErr("merge_strategy", "merge_strategy", fmt.Sprintf("Stratégie de fusion invalide: %s", req.MergeStrategy))
	}
	if strategy == planner.Replace && !req.Options.ConfirmReplace {
		return nil, fieldErr("restoration_options.confirm_replace", "required", "La stratégie 'replace' doit être confirmée explicitement")
	}
	if req.UploadID == "" {
		return nil, fieldErr("uploaded_backup_id", "required", "Le fichier importé est requis")
	}

	u, err := e.gate.Get(ctx, req.UploadID)
	if err != nil {
		return nil, err
	}
	if !u.IsReady() {
		return nil, fmt.Errorf("%w: status is %s", gatekeeper.ErrUploadNotReady, u.Status)
	}
	req.Options.Tables = nil

	uploadID := u.ID
	run, err := e.ledger.EnqueueRestore(ctx, ledger.RestoreSpec{
		RestoreName:   stringOr(req.RestoreName, ""),
		RestoreType:   ledger.RestoreMerge,
		SourceType:    ledger.SourceExternal,
		UploadID:      &uploadID,
		UploadName:    u.UploadName,
		MergeStrategy: string(strategy),
		Options:       req.Options,
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.gate.Reserve(ctx, u.ID, run.ID); err != nil {
		if derr := e.ledger.DeleteRestore(ctx, run.ID); derr != nil {
			logging.Ctx(ctx).Warn().Err(derr).Str("restore_id", run.ID).Msg("Failed to drop unreserved restoration")
		}
		return nil, err
	}
	if err := e.submit(ctx, ledger.KindRestore, run.ID); err != nil {
		_ = e.gate.Release(ctx, u.ID, run.ID)
		return nil, err
	}
	logging.Ctx(ctx).Info().Str("restore_id", run.ID).Str("upload_id", u.ID).Str("strategy", string(strategy)).Msg("External restoration enqueued")
	return run, nil
}

// UploadRestore is the legacy combined endpoint: the upload is validated
// synchronously, then restored with preserve_system. The upload is
// returned even when it did not validate.
func (e *Engine) UploadRestore(ctx context.Context, in gatekeeper.Incoming, opts ledger.RestoreOptions) (*ledger.RestoreRun, *gatekeeper.Upload, error) {
	u, err := e.gate.AcceptAndValidate(ctx, in)
	if err != nil {
		return nil, u, err
	}
	if !u.IsReady() {
		return nil, u, fmt.Errorf("%w: %s", gatekeeper.ErrUploadNotReady, u.ErrorMessage)
	}
	opts.ConfirmReplace = false
	name := "Restauration_" + u.UploadName
	run, err := e.ExternalRestore(ctx, ExternalRestoreRequest{
		UploadID:      u.ID,
		MergeStrategy: string(planner.PreserveSystem),
		RestoreName:   &name,
		Options:       opts,
	})
	return run, u, err
}

// runRestore is the worker side of a restoration.
func (e *Engine) runRestore(ctx context.Context, id, w string) error {
	start := e.now()
	log := logging.Ctx(ctx)

	run, err := e.ledger.GetRestore(ctx, id)
	if err != nil {
		return err
	}
	rep := e.newReporter(ctx, ledger.KindRestore, id, w)
	external := run.SourceType == ledger.SourceExternal

	consumed := false
	if external {
		defer func() {
			if !consumed {
				if err := e.gate.Release(context.WithoutCancel(ctx), *run.UploadID, id); err != nil {
					log.Warn().Err(err).Str("upload_id", *run.UploadID).Msg("Failed to release upload")
				}
			}
		}()
	}
	log.Info().Str("source", string(run.SourceType)).Str("restore_type", string(run.RestoreType)).
		Str("strategy", run.MergeStrategy).Bool("backup_current", run.Options.BackupCurrent).Msg("Restoration started")

	var pre *ledger.BackupRun
	if run.Options.BackupCurrent {
		rep.report(ledger.PhaseAnalyzing, pctSafetyBackup)
		pre, err = e.safetyBackup(ctx, run, w)
		if err != nil {
			return e.stopRestore(ctx, run, start, fmt.Errorf("%s: pre-restore backup failed: %w", ledger.PhaseAnalyzing, err))
		}
		if err := e.ledger.SetPreBackup(ctx, id, w, pre.ID); err != nil {
			return err
		}
	}

	archive, closer, err := e.openSource(ctx, run)
	if err != nil {
		return e.stopRestore(ctx, run, start, fmt.Errorf("%s: %w", ledger.PhaseAnalyzing, err))
	}
	defer closer.Close()

	hooks := planner.Hooks{
		Progress: rep.report,
		Check:    func() error { return e.checkCancel(ctx, id) },
	}
	if external {
		hooks.Security = func(ctx context.Context) error {
			return e.gate.CheckReserved(ctx, *run.UploadID, id)
		}
	}
	res, err := e.planner.Restore(ctx, archive, id, restoreOptions(run), hooks)
	if err != nil {
		if planner.Committed(err) {
			err = e.rollback(ctx, run, pre, err)
		}
		return e.stopRestore(ctx, run, start, err)
	}

	if external {
		if err := e.gate.Consume(context.WithoutCancel(ctx), *run.UploadID, id); err != nil {
			log.Warn().Err(err).Str("upload_id", *run.UploadID).Msg("Upload not marked consumed")
		} else {
			consumed = true
		}
	}
	if _, err := e.ledger.CompleteRestore(context.WithoutCancel(ctx), id, w, res.Stats); err != nil {
		return err
	}
	conflicts := 0
	if res.Stats.ConflictsResolved != nil {
		conflicts = *res.Stats.ConflictsResolved
	}
	metrics.RecordRestoreRun(string(run.SourceType), strategyLabel(run), string(ledger.StatusCompleted), res.Stats.RecordsRestored, conflicts)
	log.Info().Int("tables", res.Stats.TablesRestored).Int("records", res.Stats.RecordsRestored).
		Int("files", res.Stats.FilesRestored).Int("conflicts", conflicts).Dur("duration", e.now().Sub(start)).Msg("Restoration completed")
	return nil
}

// stopRestore settles a restoration that did not complete. A user
// cancellation marks the run cancelled; anything else is returned so the
// pool marks it failed.
func (e *Engine) stopRestore(ctx context.Context, run *ledger.RestoreRun, start time.Time, err error) error {
	if cancelled(ctx, err) {
		msg := interruptedMessage(ctx)
		if planner.Committed(err) {
			msg = err.Error()
		}
		if merr := e.ledger.MarkCancelled(context.WithoutCancel(ctx), ledger.KindRestore, run.ID, msg); merr != nil {
			return merr
		}
		metrics.RecordRestoreRun(string(run.SourceType), strategyLabel(run), string(ledger.StatusCancelled), 0, 0)
		logging.Ctx(ctx).Info().Dur("duration", e.now().Sub(start)).Msg("Restoration cancelled")
		return nil
	}
	metrics.RecordRestoreRun(string(run.SourceType), strategyLabel(run), string(ledger.StatusFailed), 0, 0)
	if stop := stopCause(ctx); stop != nil && !planner.Committed(err) {
		err = errors.New(interruptedMessage(ctx))
	}
	logging.Ctx(ctx).Warn().Err(err).Dur("duration", e.now().Sub(start)).Msg("Restoration failed")
	return err
}

// rollback restores the safety backup after a failure that reached the
// live store. The returned error carries the outcome in its message.
func (e *Engine) rollback(ctx context.Context, run *ledger.RestoreRun, pre *ledger.BackupRun, cause error) error {
	log := logging.Ctx(ctx)
	if pre == nil {
		metrics.RecordRollback(errors.New("no safety backup"))
		log.Error().Err(cause).Msg("Restoration failed after commit and no safety backup exists")
		return fmt.Errorf("%w; rollback_failed: no pre-restore backup", cause)
	}
	rerr := e.restoreSnapshot(ctx, run.ID, pre)
	metrics.RecordRollback(rerr)
	if rerr != nil {
		log.Error().Err(rerr).Str("backup_id", pre.ID).Msg("Rollback failed")
		return fmt.Errorf("%w; rollback_failed: %v", cause, rerr)
	}
	log.Warn().Err(cause).Str("backup_id", pre.ID).Msg("Restoration rolled back to safety backup")
	return fmt.Errorf("%w; rolled back to pre-restore backup %s", cause, pre.ID)
}

func (e *Engine) restoreSnapshot(ctx context.Context, runID string, pre *ledger.BackupRun) error {
	ctx = context.WithoutCancel(ctx)
	a, closer, err := e.openBackup(ctx, pre)
	if err != nil {
		return err
	}
	defer closer.Close()
	return e.planner.Rollback(ctx, a, runID)
}

// openSource opens the archive a restoration reads.
func (e *Engine) openSource(ctx context.Context, run *ledger.RestoreRun) (planner.Archive, io.Closer, error) {
	switch run.SourceType {
	case ledger.SourceClassic:
		b, err := e.ledger.GetBackup(ctx, *run.BackupID)
		if err != nil {
			return nil, nil, fmt.Errorf("source backup: %w", err)
		}
		return e.openBackup(ctx, b)
	case ledger.SourceExternal:
		if err := e.gate.CheckReserved(ctx, *run.UploadID, run.ID); err != nil {
			return nil, nil, err
		}
		o, err := e.gate.Open(ctx, *run.UploadID)
		if err != nil {
			return nil, nil, err
		}
		return o, o, nil
	default:
		return nil, nil, fmt.Errorf("unknown source type %q", run.SourceType)
	}
}

// checkCancel is polled by the planner at phase boundaries and between
// batches.
func (e *Engine) checkCancel(ctx context.Context, id string) error {
	if stop := stopCause(ctx); stop != nil {
		return stop
	}
	requested, err := e.ledger.IsCancelRequested(ctx, ledger.KindRestore, id)
	if err != nil {
		return err
	}
	if requested {
		return worker.ErrCancelled
	}
	return nil
}

func restoreOptions(run *ledger.RestoreRun) planner.Options {
	opts := planner.Options{
		RestoreFiles: run.Options.RestoreFiles,
	}
	switch {
	case run.SourceType == ledger.SourceExternal:
		opts.Mode = planner.ModeExternal
		opts.Strategy = planner.Strategy(run.MergeStrategy)
		opts.ConfirmReplace = run.Options.ConfirmReplace
	case run.RestoreType == ledger.RestoreSelective:
		opts.Mode = planner.ModeSelective
		opts.Tables = run.Options.Tables
	default:
		opts.Mode = planner.ModeFull
	}
	return opts
}

func strategyLabel(run *ledger.RestoreRun) string {
	if run.MergeStrategy != "" {
		return run.MergeStrategy
	}
	return string(run.RestoreType)
}
