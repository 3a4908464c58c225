// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package metrics registers the Prometheus collectors of the engine with promauto.

Families:

  - sauvegarde_backup_*: backup runs, durations, archive sizes
  - sauvegarde_restore_*: restore runs, applied records, rollbacks
  - sauvegarde_worker_*: queue depth, busy workers, recovered panics
  - sauvegarde_upload_*: gatekeeper validations and expirations
  - sauvegarde_retention_*: retention sweep deletions
  - sauvegarde_api_*: HTTP request metrics recorded by internal/middleware

The collectors are exposed on /metrics by the API router.
*/
package metrics
