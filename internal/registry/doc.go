// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

// Package registry persists backup configurations: named recipes carrying a
// backup type, a frequency, a retention window and content flags.
//
// Names are not unique. Deleting a configuration never touches the runs
// that reference it.
package registry
