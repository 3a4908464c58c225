// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

// Package backup orchestrates backups and restorations of the dynamic
// tables store.
//
// # Overview
//
// The Engine is the single entry point used by the HTTP layer. It records
// every operation as a run in the ledger, hands the run to the worker pool
// and executes it there:
//   - Backups stream the live store through the codec into an encrypted
//     archive and record its size and SHA-256 on the run
//   - Classic restorations replay a completed backup (full or selective)
//   - External restorations replay a validated upload with a merge
//     strategy (preserve_system, merge or replace)
//
// # Architecture
//
//	Engine      - enqueue, execute, cancel, download, delete
//	Scheduler   - cron-driven backups of active configurations
//	Maintenance - retention sweep, upload expiry, temp purge, stuck gauge
//
// # Backup Types
//
//	full     - schema, records and attached files
//	metadata - schema only
//	data     - records only
//
// # Safety
//
// A restoration may request a safety backup of the live store first
// (backup_current). If the restoration fails after the planner committed
// changes, the engine restores that safety backup and records the outcome
// in the run's error message.
//
// # Cancellation
//
// Cancellation is cooperative. Pending runs are cancelled immediately;
// running ones observe the request through their context or at the next
// planner check, and never leave a partially applied restoration behind.
//
// # Usage
//
//	engine, err := backup.New(backup.Deps{...})
//	if err != nil {
//		return err
//	}
//	supervisor.Add(engine.Pool())
//	supervisor.Add(backup.NewScheduler(engine))
//	supervisor.Add(backup.NewMaintenance(engine))
//	if err := engine.Recover(ctx); err != nil {
//		return err
//	}
//
//	run, err := engine.QuickBackup(ctx, backup.QuickBackupRequest{})
package backup
