// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// MinSecretLength applies to the archive encryption key and the JWT secret.
const MinSecretLength = 32

// Validate checks that required configuration is present and valid.
func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return err
	}
	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateBackup(); err != nil {
		return err
	}
	if err := c.validateGatekeeper(); err != nil {
		return err
	}
	if err := c.validateSecurity(); err != nil {
		return err
	}
	return c.validateLogging()
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("HTTP_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}
	return nil
}

func (c *Config) validateStorage() error {
	s := c.Storage
	if s.ArchiveDir == "" || s.QuarantineDir == "" || s.LedgerDir == "" || s.FilesDir == "" {
		return fmt.Errorf("BACKUP_DIR, QUARANTINE_DIR, FILES_DIR and LEDGER_DIR are required")
	}
	if filepath.Clean(s.ArchiveDir) == filepath.Clean(s.QuarantineDir) {
		return fmt.Errorf("QUARANTINE_DIR must differ from BACKUP_DIR")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("DUCKDB_PATH is required")
	}
	return nil
}

func (c *Config) validateBackup() error {
	b := c.Backup
	if len(b.EncryptionKey) < MinSecretLength {
		return fmt.Errorf("BACKUP_ENCRYPTION_KEY must be at least %d characters", MinSecretLength)
	}
	switch b.Compression {
	case "zstd", "gzip", "none":
	default:
		return fmt.Errorf("BACKUP_COMPRESSION must be zstd, gzip or none, got %q", b.Compression)
	}
	if b.DefaultRetentionDays < 1 || b.DefaultRetentionDays > 365 {
		return fmt.Errorf("BACKUP_RETENTION_DAYS must be between 1 and 365, got %d", b.DefaultRetentionDays)
	}
	if b.PoolSize < 1 {
		return fmt.Errorf("BACKUP_POOL_SIZE must be at least 1")
	}
	if b.QueueSize < 1 {
		return fmt.Errorf("BACKUP_QUEUE_SIZE must be at least 1")
	}
	if b.BatchSize < 1 {
		return fmt.Errorf("BACKUP_BATCH_SIZE must be at least 1")
	}
	if b.HeartbeatInterval <= 0 || b.HeartbeatInterval > 60*time.Second {
		return fmt.Errorf("BACKUP_HEARTBEAT_INTERVAL must be in (0, 60s], got %s", b.HeartbeatInterval)
	}
	if b.StuckAfter <= b.HeartbeatInterval {
		return fmt.Errorf("BACKUP_STUCK_AFTER must exceed the heartbeat interval")
	}
	return nil
}

func (c *Config) validateGatekeeper() error {
	g := c.Gatekeeper
	if g.MaxUploadBytes <= 0 || g.MaxUploadBytes > MaxUploadBytes {
		return fmt.Errorf("UPLOAD_MAX_BYTES must be in (0, %d]", MaxUploadBytes)
	}
	if g.ValidationTimeout <= 0 {
		return fmt.Errorf("UPLOAD_VALIDATION_TIMEOUT must be positive")
	}
	if g.UploadMaxAge <= 0 {
		return fmt.Errorf("UPLOAD_MAX_AGE must be positive")
	}
	if g.MaxEntries < 1 || g.MaxRatio < 1 || g.Concurrency < 1 {
		return fmt.Errorf("UPLOAD_MAX_ENTRIES, UPLOAD_MAX_RATIO and UPLOAD_CONCURRENCY must be at least 1")
	}
	return nil
}

func (c *Config) validateSecurity() error {
	s := c.Security
	switch s.AuthMode {
	case "jwt":
		if len(s.JWTSecret) < MinSecretLength {
			return fmt.Errorf("JWT_SECRET must be at least %d characters when AUTH_MODE=jwt", MinSecretLength)
		}
	case "none":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=none is not allowed in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be jwt or none, got %q", s.AuthMode)
	}
	if !s.CSRFDisabled && (s.CSRFCookie == "" || s.CSRFHeader == "") {
		return fmt.Errorf("CSRF_COOKIE and CSRF_HEADER are required unless CSRF_DISABLED=true")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "json", "console":
		return nil
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console, got %q", c.Logging.Format)
	}
}
