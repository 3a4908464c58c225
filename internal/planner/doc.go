// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package planner applies decoded archives to the live store.

A restoration is planned first: every archive table gets an action, tables
are ordered so referenced tables load before the tables pointing at them,
and the tables a full restore must drop are listed. The plan is then run
in four phases that match the run's reported phase:

	analyzing   plan built, nothing touched
	security    archive content verified, caller checks run
	restoring   one transaction, batched writes, files staged aside
	finalizing  commit, then staged files installed

Actions by mode:

	mode / strategy          user tables      system tables
	full, selective          replace          skipped
	external preserve_system insert missing   skipped
	external merge           newest wins      skipped
	external replace         replace          replace
	rollback                 replace          replace

A failure or cancellation before the commit rolls the transaction back and
deletes the staging directory. A failure after the commit is reported with
Committed set, and the caller restores the pre-restore snapshot through
Rollback.
*/
package planner
