// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package kv is the durable document store shared by the configuration
registry, the operation ledger and the upload gatekeeper.

It wraps BadgerDB with JSON helpers (goccy/go-json), prefix scans and
persistent sequences. Each owner uses its own key prefix:

	config/<id>         registry.Configuration
	run/backup/<id>     ledger.BackupRun
	run/restore/<id>    ledger.RestoreRun
	upload/<id>         gatekeeper.Upload

Value-log garbage collection is driven by a supervised service
(see internal/supervisor/services).
*/
package kv
