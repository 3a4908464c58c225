// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
manager_archive.go - Archive Production

This file implements the backup job and everything that reads an archive
the engine produced.

Backup Job Phases:
  - analyzing (10%): run loaded, flags resolved
  - encoding (25-75%): live store streamed through the codec
  - writing (80%): archive committed by atomic rename
  - finalizing (95%): row completed with path, size and checksum

The SHA-256 of the archive file is computed while it is written and stored
on the run. Downloads and classic restorations verify it before use.
*/

//nolint:staticcheck // File documentation, not package doc
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/tomtom215/sauvegarde/internal/artifact"
	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/metrics"
)

// Backup progress percentages.
const (
	pctBackupAnalyzing  = 10
	pctBackupEncodeFrom = 25
	pctBackupEncodeTo   = 75
	pctBackupWriting    = 80
	pctBackupFinalizing = 95
)

// runBackup is the worker side of a backup run.
func (e *Engine) runBackup(ctx context.Context, id, w string) error {
	start := e.now()
	log := logging.Ctx(ctx)

	run, err := e.ledger.GetBackup(ctx, id)
	if err != nil {
		return err
	}
	rep := e.newReporter(ctx, ledger.KindBackup, id, w)
	rep.report(ledger.PhaseAnalyzing, pctBackupAnalyzing)
	log.Info().Str("backup_type", string(run.BackupType)).Str("backup_name", run.BackupName).
		Str("trigger", string(run.Trigger)).Msg("Backup started")

	res, err := e.produce(ctx, run, rep)
	if err != nil {
		if stop := stopCause(ctx); stop != nil {
			msg := interruptedMessage(ctx)
			if cancelled(ctx, stop) {
				if merr := e.ledger.MarkCancelled(context.WithoutCancel(ctx), ledger.KindBackup, id, msg); merr != nil {
					return merr
				}
				metrics.RecordBackupRun(string(run.BackupType), string(ledger.StatusCancelled), e.now().Sub(start), 0)
				log.Info().Msg("Backup cancelled")
				return nil
			}
			metrics.RecordBackupRun(string(run.BackupType), string(ledger.StatusFailed), e.now().Sub(start), 0)
			return errors.New(msg)
		}
		metrics.RecordBackupRun(string(run.BackupType), string(ledger.StatusFailed), e.now().Sub(start), 0)
		return fmt.Errorf("%s: %w", rep.current(), err)
	}

	rep.report(ledger.PhaseFinalizing, pctBackupFinalizing)
	if _, err := e.ledger.CompleteBackup(context.WithoutCancel(ctx), id, w, res); err != nil {
		// The archive has no owner row; do not leak it.
		_ = e.artifacts.Archives.Remove(res.FilePath)
		return err
	}
	metrics.RecordBackupRun(string(run.BackupType), string(ledger.StatusCompleted), e.now().Sub(start), res.FileSize)
	log.Info().Str("file", res.FilePath).Int64("size", res.FileSize).Int("tables", res.Tables).
		Int("records", res.Records).Int("files", res.Files).Dur("duration", e.now().Sub(start)).Msg("Backup completed")
	return nil
}

// produce encodes the live store into a new archive for run. On any error
// the partial file is discarded.
func (e *Engine) produce(ctx context.Context, run *ledger.BackupRun, rep *reporter) (ledger.BackupResult, error) {
	w, err := e.artifacts.Archives.Create(run.BackupName, ArchiveExt)
	if err != nil {
		return ledger.BackupResult{}, fmt.Errorf("reserve archive: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			w.Abort()
		}
	}()

	rep.report(ledger.PhaseEncoding, pctBackupEncodeFrom)
	h := sha256.New()
	sum, err := codec.Encode(ctx, io.MultiWriter(w, h), e.db, e.keys, codec.EncodeOptions{
		Type:         run.BackupType,
		Name:         run.BackupName,
		Compression:  e.compression(run.CompressionEnabled),
		IncludeFiles: run.IncludeFiles,
		CreatedAt:    run.CreatedAt,
		Progress: func(done, total int) {
			rep.report(ledger.PhaseEncoding, scaled(pctBackupEncodeFrom, pctBackupEncodeTo, done, total))
		},
	})
	if err != nil {
		return ledger.BackupResult{}, err
	}
	if stop := stopCause(ctx); stop != nil {
		return ledger.BackupResult{}, stop
	}

	rep.report(ledger.PhaseWriting, pctBackupWriting)
	entry, err := w.Commit()
	if err != nil {
		return ledger.BackupResult{}, fmt.Errorf("commit archive: %w", err)
	}
	committed = true

	return ledger.BackupResult{
		FilePath: entry.Ref,
		FileSize: entry.Size,
		Checksum: checksumPrefix + hex.EncodeToString(h.Sum(nil)),
		Tables:   len(sum.Manifest.Tables),
		Records:  sum.Manifest.RecordCount(),
		Files:    len(sum.Manifest.Files),
	}, nil
}

// safetyBackup takes the synchronous full backup that precedes a
// restoration. It is recorded as its own backup run so it shows in the
// history and counts against disk usage.
func (e *Engine) safetyBackup(ctx context.Context, restore *ledger.RestoreRun, w string) (*ledger.BackupRun, error) {
	name := ledger.DefaultBackupName(SafetyPrefix, codec.TypeFull, e.now())
	run, err := e.ledger.EnqueueBackup(ctx, ledger.BackupSpec{
		BackupName:         name,
		BackupType:         codec.TypeFull,
		IncludeFiles:       true,
		CompressionEnabled: true,
		RetentionDays:      e.cfg.DefaultRetentionDays,
		Trigger:            ledger.TriggerSafety,
	})
	if err != nil {
		return nil, err
	}
	if err := e.ledger.Acquire(ctx, ledger.KindBackup, run.ID, w); err != nil {
		return nil, err
	}
	rep := e.newReporter(ctx, ledger.KindBackup, run.ID, w)
	res, err := e.produce(ctx, run, rep)
	if err != nil {
		msg := err.Error()
		if stop := stopCause(ctx); stop != nil {
			msg = interruptedMessage(ctx)
		}
		if ferr := e.ledger.Fail(context.WithoutCancel(ctx), ledger.KindBackup, run.ID, msg); ferr != nil {
			logging.Ctx(ctx).Warn().Err(ferr).Str("backup_id", run.ID).Msg("Failed to record safety backup failure")
		}
		return nil, err
	}
	done, err := e.ledger.CompleteBackup(ctx, run.ID, w, res)
	if err != nil {
		_ = e.artifacts.Archives.Remove(res.FilePath)
		return nil, err
	}
	logging.Ctx(ctx).Info().Str("backup_id", run.ID).Str("restore_id", restore.ID).Int64("size", res.FileSize).Msg("Safety backup taken")
	return done, nil
}

// openBackup opens the archive of a completed backup after checking the
// file against the recorded checksum. The size comes from the ledger row.
func (e *Engine) openBackup(ctx context.Context, run *ledger.BackupRun) (*codec.Archive, io.Closer, error) {
	if run.Status != ledger.StatusCompleted || run.FilePath == "" {
		return nil, nil, fmt.Errorf("%w: status is %s", ErrBackupNotCompleted, run.Status)
	}
	f, err := e.verifiedFile(run)
	if err != nil {
		return nil, nil, err
	}
	a, err := codec.Open(f, run.FileSize, e.keys, codec.ReadOptions{})
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	logging.Ctx(ctx).Debug().Str("backup_id", run.ID).Str("checksum", a.Checksum()).Msg("Archive opened")
	return a, f, nil
}

// verifiedFile opens the archive of run and checks size and checksum. The
// returned file is positioned at the start.
func (e *Engine) verifiedFile(run *ledger.BackupRun) (*os.File, error) {
	f, err := e.artifacts.Archives.Open(run.FilePath)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() != run.FileSize {
		f.Close()
		return nil, fmt.Errorf("%w: size %d, recorded %d", ErrChecksumInvalid, info.Size(), run.FileSize)
	}
	if run.Checksum != "" {
		sum, err := checksumOf(io.LimitReader(f, run.FileSize))
		if err != nil {
			f.Close()
			return nil, err
		}
		if !sameChecksum(sum, run.Checksum) {
			f.Close()
			return nil, ErrChecksumInvalid
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// Download opens a completed backup for streaming. The file is verified
// against its checksum first.
func (e *Engine) Download(ctx context.Context, id string) (*Download, error) {
	run, err := e.ledger.GetBackup(ctx, id)
	if err != nil {
		return nil, err
	}
	if run.Status != ledger.StatusCompleted || run.FilePath == "" {
		return nil, fmt.Errorf("%w: status is %s", ErrBackupNotCompleted, run.Status)
	}
	f, err := e.verifiedFile(run)
	if err != nil {
		if errors.Is(err, ErrChecksumInvalid) {
			logging.Ctx(ctx).Error().Str("backup_id", id).Str("file", run.FilePath).Msg("Archive failed checksum verification")
		}
		return nil, err
	}
	ext := filepath.Ext(run.FilePath)
	if ext == "" {
		ext = ArchiveExt
	}
	return &Download{
		File:     f,
		Size:     run.FileSize,
		Filename: artifact.SuggestedFilename(run.BackupName, ext),
		Checksum: run.Checksum,
	}, nil
}
