// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

// Package validation wraps go-playground/validator with a thread-safe
// singleton, JSON field naming and the engine's enumeration tags:
// backup_type, frequency, merge_strategy and restore_type.
package validation
