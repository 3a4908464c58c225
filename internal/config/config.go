// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package config

import (
	"strings"
	"time"
)

// Config holds the full engine configuration.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Storage    StorageConfig    `koanf:"storage"`
	Database   DatabaseConfig   `koanf:"database"`
	Backup     BackupConfig     `koanf:"backup"`
	Gatekeeper GatekeeperConfig `koanf:"gatekeeper"`
	Security   SecurityConfig   `koanf:"security"`
	Logging    LoggingConfig    `koanf:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `koanf:"host"`
	Port            int           `koanf:"port"`
	ReadTimeout     time.Duration `koanf:"read_timeout"`
	WriteTimeout    time.Duration `koanf:"write_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	Environment     string        `koanf:"environment"`
}

// StorageConfig locates every directory the engine writes to.
type StorageConfig struct {
	// ArchiveDir holds completed backup archives.
	ArchiveDir string `koanf:"archive_dir"`

	// QuarantineDir holds external uploads until they are validated.
	// Must not be the archive directory.
	QuarantineDir string `koanf:"quarantine_dir"`

	// FilesDir holds the non-database attachments (project PDFs, devis).
	FilesDir string `koanf:"files_dir"`

	// LedgerDir holds the badger database for configurations, runs and uploads.
	LedgerDir string `koanf:"ledger_dir"`

	// TempMaxAge is the age after which orphan temp files are purged.
	TempMaxAge time.Duration `koanf:"temp_max_age"`

	// GCInterval is how often badger value-log GC runs.
	GCInterval time.Duration `koanf:"gc_interval"`
}

// DatabaseConfig points at the live dynamic-tables store.
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// BackupConfig tunes archive production and the worker pool.
type BackupConfig struct {
	// EncryptionKey is the master secret archives are encrypted with.
	// Encryption cannot be disabled.
	EncryptionKey string `koanf:"encryption_key"`

	// Compression is the codec used when compression is enabled: zstd, gzip or none.
	Compression string `koanf:"compression"`

	DefaultRetentionDays int `koanf:"default_retention_days"`

	PoolSize  int `koanf:"pool_size"`
	QueueSize int `koanf:"queue_size"`

	// BatchSize is the number of records applied between cancellation checks.
	BatchSize int `koanf:"batch_size"`

	HeartbeatInterval   time.Duration `koanf:"heartbeat_interval"`
	ProgressMinInterval time.Duration `koanf:"progress_min_interval"`
	StuckAfter          time.Duration `koanf:"stuck_after"`
	RetentionInterval   time.Duration `koanf:"retention_interval"`

	// SchedulerEnabled turns on cron execution of active configurations.
	SchedulerEnabled bool `koanf:"scheduler_enabled"`

	// SystemTables are never overwritten by a restoration.
	SystemTables []string `koanf:"system_tables"`
}

// GatekeeperConfig bounds what an external upload may look like.
type GatekeeperConfig struct {
	MaxUploadBytes    int64         `koanf:"max_upload_bytes"`
	ValidationTimeout time.Duration `koanf:"validation_timeout"`
	UploadMaxAge      time.Duration `koanf:"upload_max_age"`
	MaxEntries        int           `koanf:"max_entries"`
	MaxRatio          float64       `koanf:"max_ratio"`
	MaxExpandedBytes  int64         `koanf:"max_expanded_bytes"`
	Concurrency       int           `koanf:"concurrency"`
	DenyList          []string      `koanf:"deny_list"`

	// ClamdAddress enables the external scanner (host:port). Empty disables it.
	ClamdAddress string        `koanf:"clamd_address"`
	ClamdTimeout time.Duration `koanf:"clamd_timeout"`
}

// SecurityConfig holds session verification and request limits.
type SecurityConfig struct {
	// AuthMode is jwt (verify the session cookie) or none.
	AuthMode          string        `koanf:"auth_mode"`
	JWTSecret         string        `koanf:"jwt_secret"`
	SessionTimeout    time.Duration `koanf:"session_timeout"`
	SessionCookie     string        `koanf:"session_cookie"`
	AdminRoles        []string      `koanf:"admin_roles"`
	CSRFCookie        string        `koanf:"csrf_cookie"`
	CSRFHeader        string        `koanf:"csrf_header"`
	CSRFDisabled      bool          `koanf:"csrf_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
}

// LoggingConfig mirrors logging.Config.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// IsProduction reports whether the server runs with production checks.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Server.Environment, "production")
}
