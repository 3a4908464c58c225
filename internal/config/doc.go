// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package config loads the engine configuration with koanf.

Sources are layered, later ones winning:

 1. Built-in defaults (defaultConfig)
 2. YAML file (CONFIG_PATH, ./config.yaml or /etc/sauvegarde/config.yaml)
 3. Environment variables (BACKUP_DIR, BACKUP_ENCRYPTION_KEY, JWT_SECRET, ...)

Encryption of archives cannot be turned off: BACKUP_ENCRYPTION_KEY is required
and must be at least 32 characters. The system-table allow-list used by the
restoration planner is backup.system_tables (BACKUP_SYSTEM_TABLES as a comma
separated list).

Example config.yaml:

	storage:
	  archive_dir: /data/backups
	  quarantine_dir: /data/quarantine
	backup:
	  pool_size: 2
	  compression: zstd
	  system_tables: [_auth_users, _sessions, _migrations]
	gatekeeper:
	  validation_timeout: 30s
*/
package config
