// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package logging provides centralized zerolog-based logging.

Every package logs through the global helpers:

	logging.Info().Str("run_id", id).Msg("backup completed")
	logging.Ctx(ctx).Error().Err(err).Msg("restore failed")

Ctx attaches the request, correlation and run ids stored in the context.
NewSlogLogger bridges zerolog to log/slog for sutureslog and watermill.

Environment (through internal/config): LOG_LEVEL, LOG_FORMAT, LOG_CALLER.
*/
package logging
