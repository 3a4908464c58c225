// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package ledger is the durable history of backup runs and restoration runs.

Both kinds follow the same state machine:

	pending ──► running ──► completed
	                   └──► failed
	                   └──► cancelled

Only the worker that acquired a run may report its progress or complete
it. Terminal states reject every further update. Progress is a percent
that never decreases, and phases only move forward. Every committed change
bumps the row's version and is published to the installed Notifier, which
lets the HTTP layer push changes and pollers compare versions instead of
diffing fields.

A status query for a row that no longer exists answers with the synthetic
"deleted" status. It is never stored.

Rows live in the kv store under "run/backup/<id>" and "run/restore/<id>".
A shared persistent sequence orders runs of both kinds by creation, which
is the order workers pick them up.
*/
package ledger
