// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in order of priority.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/sauvegarde/config.yaml",
	"/etc/sauvegarde/config.yml",
}

// ConfigPathEnvVar overrides the config file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// MaxUploadBytes is the hard ceiling for an external upload (500 MiB).
const MaxUploadBytes int64 = 524288000

// DefaultSystemTables are the host-application tables a restoration never overwrites.
var DefaultSystemTables = []string{
	"_auth_users",
	"_auth_groups",
	"_auth_permissions",
	"_sessions",
	"_migrations",
	"_audit_log",
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    0, // downloads stream for as long as they need
			ShutdownTimeout: 30 * time.Second,
			Environment:     "development",
		},
		Storage: StorageConfig{
			ArchiveDir:    "/data/backups",
			QuarantineDir: "/data/quarantine",
			FilesDir:      "/data/files",
			LedgerDir:     "/data/ledger",
			TempMaxAge:    24 * time.Hour,
			GCInterval:    10 * time.Minute,
		},
		Database: DatabaseConfig{
			Path:      "/data/tables.duckdb",
			MaxMemory: "1GB",
			Threads:   0,
		},
		Backup: BackupConfig{
			EncryptionKey:        "",
			Compression:          "zstd",
			DefaultRetentionDays: 30,
			PoolSize:             2,
			QueueSize:            64,
			BatchSize:            500,
			HeartbeatInterval:    15 * time.Second,
			ProgressMinInterval:  500 * time.Millisecond,
			StuckAfter:           30 * time.Minute,
			RetentionInterval:    time.Hour,
			SchedulerEnabled:     true,
			SystemTables:         append([]string(nil), DefaultSystemTables...),
		},
		Gatekeeper: GatekeeperConfig{
			MaxUploadBytes:    MaxUploadBytes,
			ValidationTimeout: 30 * time.Second,
			UploadMaxAge:      30 * 24 * time.Hour,
			MaxEntries:        10000,
			MaxRatio:          100,
			MaxExpandedBytes:  8 << 30,
			Concurrency:       2,
			// EICAR test signature; operators extend the list.
			DenyList:     []string{`X5O!P%@AP[4\PZX54(P^)7CC)7}$EICAR-STANDARD-ANTIVIRUS-TEST-FILE!$H+H*`},
			ClamdAddress: "",
			ClamdTimeout: 20 * time.Second,
		},
		Security: SecurityConfig{
			AuthMode:        "jwt",
			SessionCookie:   "sessionid",
			SessionTimeout:  24 * time.Hour,
			AdminRoles:      []string{"admin", "superuser"},
			CSRFCookie:      "csrftoken",
			CSRFHeader:      "X-CSRFToken",
			CORSOrigins:     []string{},
			RateLimitReqs:   120,
			RateLimitWindow: time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, an optional YAML file and
// the environment, in that order, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// sliceConfigPaths may arrive from the environment as comma-separated strings.
var sliceConfigPaths = []string{
	"backup.system_tables",
	"gatekeeper.deny_list",
	"security.admin_roles",
	"security.cors_origins",
}

func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		strVal, ok := k.Get(path).(string)
		if !ok || strVal == "" {
			continue
		}
		parts := strings.Split(strVal, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if err := k.Set(path, trimmed); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var envMappings = map[string]string{
	"http_host":          "server.host",
	"http_port":          "server.port",
	"http_read_timeout":  "server.read_timeout",
	"http_write_timeout": "server.write_timeout",
	"shutdown_timeout":   "server.shutdown_timeout",
	"environment":        "server.environment",

	"backup_dir":         "storage.archive_dir",
	"quarantine_dir":     "storage.quarantine_dir",
	"files_dir":          "storage.files_dir",
	"ledger_dir":         "storage.ledger_dir",
	"temp_max_age":       "storage.temp_max_age",
	"ledger_gc_interval": "storage.gc_interval",

	"duckdb_path":       "database.path",
	"duckdb_max_memory": "database.max_memory",
	"duckdb_threads":    "database.threads",

	"backup_encryption_key":     "backup.encryption_key",
	"backup_compression":        "backup.compression",
	"backup_retention_days":     "backup.default_retention_days",
	"backup_pool_size":          "backup.pool_size",
	"backup_queue_size":         "backup.queue_size",
	"backup_batch_size":         "backup.batch_size",
	"backup_heartbeat_interval": "backup.heartbeat_interval",
	"backup_progress_interval":  "backup.progress_min_interval",
	"backup_stuck_after":        "backup.stuck_after",
	"backup_retention_interval": "backup.retention_interval",
	"backup_scheduler_enabled":  "backup.scheduler_enabled",
	"backup_system_tables":      "backup.system_tables",

	"upload_max_bytes":          "gatekeeper.max_upload_bytes",
	"upload_validation_timeout": "gatekeeper.validation_timeout",
	"upload_max_age":            "gatekeeper.upload_max_age",
	"upload_max_entries":        "gatekeeper.max_entries",
	"upload_max_ratio":          "gatekeeper.max_ratio",
	"upload_max_expanded_bytes": "gatekeeper.max_expanded_bytes",
	"upload_concurrency":        "gatekeeper.concurrency",
	"upload_deny_list":          "gatekeeper.deny_list",
	"clamd_address":             "gatekeeper.clamd_address",
	"clamd_timeout":             "gatekeeper.clamd_timeout",

	"auth_mode":           "security.auth_mode",
	"jwt_secret":          "security.jwt_secret",
	"session_cookie":      "security.session_cookie",
	"session_timeout":     "security.session_timeout",
	"admin_roles":         "security.admin_roles",
	"csrf_cookie":         "security.csrf_cookie",
	"csrf_header":         "security.csrf_header",
	"csrf_disabled":       "security.csrf_disabled",
	"cors_origins":        "security.cors_origins",
	"rate_limit_requests": "security.rate_limit_reqs",
	"rate_limit_window":   "security.rate_limit_window",
	"disable_rate_limit":  "security.rate_limit_disabled",

	"log_level":  "logging.level",
	"log_format": "logging.format",
	"log_caller": "logging.caller",
}

// envTransformFunc maps flat environment variable names onto koanf paths.
// Unknown variables are dropped.
func envTransformFunc(key string) string {
	if mapped, ok := envMappings[strings.ToLower(key)]; ok {
		return mapped
	}
	return ""
}
