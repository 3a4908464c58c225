// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func validConfig() *Config {
	cfg := defaultConfig()
	cfg.Backup.EncryptionKey = testSecret
	cfg.Security.JWTSecret = testSecret
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Backup.PoolSize != 2 {
		t.Errorf("Backup.PoolSize = %d, want 2", cfg.Backup.PoolSize)
	}
	if cfg.Gatekeeper.MaxUploadBytes != 524288000 {
		t.Errorf("Gatekeeper.MaxUploadBytes = %d, want 524288000", cfg.Gatekeeper.MaxUploadBytes)
	}
	if cfg.Gatekeeper.ValidationTimeout != 30*time.Second {
		t.Errorf("Gatekeeper.ValidationTimeout = %v, want 30s", cfg.Gatekeeper.ValidationTimeout)
	}
	if cfg.Gatekeeper.UploadMaxAge != 30*24*time.Hour {
		t.Errorf("Gatekeeper.UploadMaxAge = %v, want 720h", cfg.Gatekeeper.UploadMaxAge)
	}
	if cfg.Backup.StuckAfter != 30*time.Minute {
		t.Errorf("Backup.StuckAfter = %v, want 30m", cfg.Backup.StuckAfter)
	}
	if len(cfg.Backup.SystemTables) == 0 {
		t.Error("expected a default system table allow-list")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing encryption key", func(c *Config) { c.Backup.EncryptionKey = "" }, "BACKUP_ENCRYPTION_KEY"},
		{"short encryption key", func(c *Config) { c.Backup.EncryptionKey = "short" }, "BACKUP_ENCRYPTION_KEY"},
		{"bad compression", func(c *Config) { c.Backup.Compression = "lz4" }, "BACKUP_COMPRESSION"},
		{"retention zero", func(c *Config) { c.Backup.DefaultRetentionDays = 0 }, "BACKUP_RETENTION_DAYS"},
		{"retention 366", func(c *Config) { c.Backup.DefaultRetentionDays = 366 }, "BACKUP_RETENTION_DAYS"},
		{"retention 365", func(c *Config) { c.Backup.DefaultRetentionDays = 365 }, ""},
		{"pool size zero", func(c *Config) { c.Backup.PoolSize = 0 }, "BACKUP_POOL_SIZE"},
		{"heartbeat too slow", func(c *Config) { c.Backup.HeartbeatInterval = 2 * time.Minute }, "HEARTBEAT"},
		{"quarantine equals archive", func(c *Config) { c.Storage.QuarantineDir = c.Storage.ArchiveDir + "/" }, "QUARANTINE_DIR"},
		{"upload above ceiling", func(c *Config) { c.Gatekeeper.MaxUploadBytes = MaxUploadBytes + 1 }, "UPLOAD_MAX_BYTES"},
		{"jwt without secret", func(c *Config) { c.Security.JWTSecret = "" }, "JWT_SECRET"},
		{"auth none in dev", func(c *Config) { c.Security.AuthMode = "none"; c.Security.JWTSecret = "" }, ""},
		{"auth none in production", func(c *Config) {
			c.Security.AuthMode = "none"
			c.Server.Environment = "production"
		}, "AUTH_MODE"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "HTTP_PORT"},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }, "LOG_FORMAT"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestEnvTransformFunc(t *testing.T) {
	tests := map[string]string{
		"BACKUP_ENCRYPTION_KEY": "backup.encryption_key",
		"backup_pool_size":      "backup.pool_size",
		"UPLOAD_MAX_BYTES":      "gatekeeper.max_upload_bytes",
		"JWT_SECRET":            "security.jwt_secret",
		"PATH":                  "",
	}
	for in, want := range tests {
		if got := envTransformFunc(in); got != want {
			t.Errorf("envTransformFunc(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadFromFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yaml := `
storage:
  archive_dir: ` + filepath.Join(dir, "archives") + `
  quarantine_dir: ` + filepath.Join(dir, "quarantine") + `
backup:
  pool_size: 4
  compression: gzip
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv(ConfigPathEnvVar, path)
	t.Setenv("BACKUP_ENCRYPTION_KEY", testSecret)
	t.Setenv("JWT_SECRET", testSecret)
	t.Setenv("BACKUP_SYSTEM_TABLES", "_auth_users, _sessions")
	t.Setenv("BACKUP_POOL_SIZE", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Backup.PoolSize != 3 {
		t.Errorf("PoolSize = %d, want env override 3", cfg.Backup.PoolSize)
	}
	if cfg.Backup.Compression != "gzip" {
		t.Errorf("Compression = %q, want gzip from file", cfg.Backup.Compression)
	}
	if got := cfg.Backup.SystemTables; len(got) != 2 || got[0] != "_auth_users" || got[1] != "_sessions" {
		t.Errorf("SystemTables = %v", got)
	}
	if cfg.Storage.ArchiveDir != filepath.Join(dir, "archives") {
		t.Errorf("ArchiveDir = %q", cfg.Storage.ArchiveDir)
	}
}
