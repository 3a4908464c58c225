// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package ledger

import (
	"time"

	"github.com/tomtom215/sauvegarde/internal/codec"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"

	// StatusDeleted is never stored. Status snapshots report it for rows
	// that no longer exist so pollers stop cleanly.
	StatusDeleted Status = "deleted"
)

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Kind distinguishes the two run families.
type Kind string

const (
	KindBackup  Kind = "backup"
	KindRestore Kind = "restore"
)

// Phase names. Backups go analyzing, encoding, writing, finalizing;
// restorations analyzing, security, restoring, finalizing. Both end in
// success or failed.
const (
	PhaseAnalyzing  = "analyzing"
	PhaseEncoding   = "encoding"
	PhaseWriting    = "writing"
	PhaseSecurity   = "security"
	PhaseRestoring  = "restoring"
	PhaseFinalizing = "finalizing"
	PhaseSuccess    = "success"
	PhaseFailed     = "failed"
)

var phaseRank = map[string]int{
	"":              -1,
	PhaseAnalyzing:  0,
	PhaseEncoding:   1,
	PhaseSecurity:   1,
	PhaseWriting:    2,
	PhaseRestoring:  2,
	PhaseFinalizing: 3,
	PhaseSuccess:    4,
	PhaseFailed:     4,
}

// RunState is shared by both run kinds.
type RunState struct {
	Status          Status     `json:"status"`
	Phase           string     `json:"phase"`
	Progress        int        `json:"progress"`
	Version         uint64     `json:"version"`
	ErrorMessage    string     `json:"error_message"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
	CancelRequested bool       `json:"cancel_requested,omitempty"`
	Worker          string     `json:"worker,omitempty"`
}

// Trigger records why a backup was produced.
type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerQuick     Trigger = "quick"
	TriggerScheduled Trigger = "scheduled"
	TriggerSafety    Trigger = "pre_restore"
)

// BackupRun is one execution of the backup pipeline.
type BackupRun struct {
	ID                 string           `json:"id"`
	Seq                uint64           `json:"seq"`
	ConfigurationID    *string          `json:"configuration_id"`
	ConfigurationName  string           `json:"configuration_name,omitempty"`
	BackupName         string           `json:"backup_name"`
	BackupType         codec.BackupType `json:"backup_type"`
	IncludeFiles       bool             `json:"include_files"`
	CompressionEnabled bool             `json:"compression_enabled"`
	RetentionDays      int              `json:"retention_days"`
	Trigger            Trigger          `json:"trigger"`
	FilePath           string           `json:"file_path"`
	FileSize           int64            `json:"file_size"`
	Checksum           string           `json:"checksum,omitempty"`
	TablesCount        int              `json:"tables_count"`
	RecordsCount       int              `json:"records_count"`
	FilesCount         int              `json:"files_count"`
	RunState
}

// SourceType tells where a restoration reads from.
type SourceType string

const (
	SourceClassic  SourceType = "classic"
	SourceExternal SourceType = "external"
)

// RestoreType is full, selective (classic) or merge (external).
type RestoreType string

const (
	RestoreFull      RestoreType = "full"
	RestoreSelective RestoreType = "selective"
	RestoreMerge     RestoreType = "merge"
)

// RestoreOptions are the caller's switches for one restoration.
type RestoreOptions struct {
	BackupCurrent  bool     `json:"backup_current"`
	Tables         []string `json:"tables,omitempty"`
	RestoreFiles   bool     `json:"restore_files"`
	ConfirmReplace bool     `json:"confirm_replace,omitempty"`
}

// RestoreStats are the counters a restoration produces. The optional
// counters are only meaningful for external restorations. FilesSkipped
// counts attachments kept because a live file of the same name exists;
// they are not conflicts, which count rows only.
type RestoreStats struct {
	TablesRestored        int  `json:"tables_restored"`
	RecordsRestored       int  `json:"records_restored"`
	FilesRestored         int  `json:"files_restored"`
	SystemTablesPreserved *int `json:"system_tables_preserved,omitempty"`
	ConflictsResolved     *int `json:"conflicts_resolved,omitempty"`
	FilesSkipped          *int `json:"files_skipped,omitempty"`
}

// RestoreRun is one execution of the restoration pipeline.
type RestoreRun struct {
	ID            string         `json:"id"`
	Seq           uint64         `json:"seq"`
	RestoreName   string         `json:"restore_name"`
	RestoreType   RestoreType    `json:"restore_type"`
	SourceType    SourceType     `json:"source_type"`
	BackupID      *string        `json:"backup_id"`
	BackupName    string         `json:"backup_name,omitempty"`
	UploadID      *string        `json:"uploaded_backup_id"`
	UploadName    string         `json:"upload_name,omitempty"`
	MergeStrategy string         `json:"merge_strategy,omitempty"`
	Options       RestoreOptions `json:"restoration_options"`
	PreBackupID   *string        `json:"pre_backup_id,omitempty"`
	Stats         RestoreStats   `json:"stats"`
	RunState
}

// BackupResult fills a completed backup row.
type BackupResult struct {
	FilePath string
	FileSize int64
	Checksum string
	Tables   int
	Records  int
	Files    int
}

// Snapshot is the polling view of a run.
type Snapshot struct {
	ID              string     `json:"id"`
	Kind            Kind       `json:"kind"`
	Status          Status     `json:"status"`
	Phase           string     `json:"phase"`
	Progress        int        `json:"progress"`
	Version         uint64     `json:"version"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	StartedAt       *time.Time `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	DurationSeconds *float64   `json:"duration_seconds"`
	HeartbeatAt     *time.Time `json:"heartbeat_at,omitempty"`
}

// Event is published after every committed change of a run.
type Event struct {
	Kind     Kind   `json:"kind"`
	RunID    string `json:"run_id"`
	Status   Status `json:"status"`
	Phase    string `json:"phase"`
	Progress int    `json:"progress"`
	Version  uint64 `json:"version"`
}

// RunRef identifies a run and its creation order.
type RunRef struct {
	Kind Kind
	ID   string
	Seq  uint64
}

// StuckRun is a running run whose heartbeat is older than the threshold.
type StuckRun struct {
	Kind        Kind      `json:"kind"`
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Phase       string    `json:"phase"`
	Progress    int       `json:"progress"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
}

// Page is one slice of a paginated history.
type Page[T any] struct {
	Items []T `json:"results"`
	Total int `json:"count"`
	Page  int `json:"page"`
	Limit int `json:"limit"`
}
