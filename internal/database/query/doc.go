// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

// Package query builds parameterized WHERE clauses for the dynamic-tables
// store. Values always travel as bind arguments; only column names supplied
// by the caller are interpolated.
package query
