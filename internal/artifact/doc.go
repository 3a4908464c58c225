// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package artifact is the single mediator for files on disk.

The Store owns two disjoint areas: Archives (completed backups, including
pre-restoration backups) and Quarantine (untrusted external uploads).
Callers only ever see opaque refs; paths are composed here.

Writes are atomic: Area.Create returns a Writer on "<ref>.tmp" which is
fsynced and renamed on Commit, so readers never observe a half-written
archive. Abort removes the temp file. Stale temp files left by a crash are
removed by PurgeTemp.

Disk accounting for the archive volume comes from gopsutil.
*/
package artifact
