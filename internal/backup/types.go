// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package backup

import (
	"errors"
	"os"

	"github.com/tomtom215/sauvegarde/internal/artifact"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/worker"
)

// Name prefixes of generated backup names.
const (
	NamePrefix      = "Sauvegarde"
	QuickNamePrefix = "Sauvegarde_Rapide"
	SafetyPrefix    = "Sauvegarde_PreRestauration"
)

// ArchiveExt is the extension of every archive the engine writes.
const ArchiveExt = ".zip"

var (
	// ErrBackupNotCompleted means the backup has no usable archive yet.
	ErrBackupNotCompleted = errors.New("backup is not completed")

	// ErrChecksumInvalid means an archive on disk no longer matches the
	// checksum recorded when it was written.
	ErrChecksumInvalid = errors.New("archive checksum does not match")

	// ErrMergeClassic rejects the merge restore type on classic restorations.
	ErrMergeClassic = errors.New("merge restore type is only available for external restorations")

	// ErrQueueFull is returned when the worker queue cannot take the run.
	ErrQueueFull = worker.ErrPoolFull
)

// CreateBackupRequest is the body of POST /api/backup/create/. Explicit
// fields override the configuration's flags.
type CreateBackupRequest struct {
	ConfigurationID    *string `json:"configuration_id"`
	BackupType         *string `json:"backup_type"`
	BackupName         *string `json:"backup_name"`
	IncludeFiles       *bool   `json:"include_files"`
	CompressionEnabled *bool   `json:"compression_enabled"`
	RetentionDays      *int    `json:"retention_days"`
}

// QuickBackupRequest is the body of POST /api/backup/quick-backup/.
type QuickBackupRequest struct {
	BackupType         *string `json:"backup_type"`
	BackupName         *string `json:"backup_name"`
	IncludeFiles       *bool   `json:"include_files"`
	CompressionEnabled *bool   `json:"compression_enabled"`
	RetentionDays      *int    `json:"retention_days"`
}

// RestoreRequest starts a classic restoration.
type RestoreRequest struct {
	BackupID    string                `json:"backup_id"`
	RestoreType string                `json:"restore_type"`
	RestoreName *string               `json:"restore_name"`
	Options     ledger.RestoreOptions `json:"options"`
}

// ExternalRestoreRequest starts a restoration from a validated upload.
type ExternalRestoreRequest struct {
	UploadID      string                `json:"uploaded_backup_id"`
	MergeStrategy string                `json:"merge_strategy"`
	RestoreName   *string               `json:"restore_name"`
	Options       ledger.RestoreOptions `json:"restoration_options"`
}

// Download is an opened, verified archive ready to stream.
type Download struct {
	File     *os.File
	Size     int64
	Filename string
	Checksum string
}

// CleanupResult reports a retention sweep.
type CleanupResult struct {
	DeletedCount int      `json:"deleted_count"`
	FreedBytes   int64    `json:"freed_bytes"`
	Deleted      []string `json:"deleted"`
}

// TempStats aggregates temp files in the archive directory.
type TempStats struct {
	Count int   `json:"count"`
	Bytes int64 `json:"total_size"`
}

// AreaStats summarizes one storage area.
type AreaStats struct {
	Files int   `json:"files"`
	Bytes int64 `json:"total_size"`
}

// StorageStats is the derived storage view.
type StorageStats struct {
	Disk             artifact.DiskUsage     `json:"disk"`
	TotalSpace       uint64                 `json:"total_space"`
	UsedSpace        uint64                 `json:"used_space"`
	FreeSpace        uint64                 `json:"free_space"`
	Archives         AreaStats              `json:"archives"`
	Quarantine       AreaStats              `json:"quarantine"`
	TempFiles        TempStats              `json:"temp_files"`
	BackupsByType    map[string]int         `json:"backups_by_type"`
	BackupsByStatus  map[ledger.Status]int  `json:"backups_by_status"`
	RestoresByStatus map[ledger.Status]int  `json:"restores_by_status"`
	Stuck            []ledger.StuckRun      `json:"stuck"`
	StuckCount       int                    `json:"stuck_count"`
	Workers          worker.Stats           `json:"workers"`
	BackupsByTrigger map[ledger.Trigger]int `json:"backups_by_trigger"`
}
