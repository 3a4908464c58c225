// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package websocket streams run progress to browsers.

A client attaches to one run (a backup or a restoration). It first receives
a run_snapshot message holding the run as it is now, then a run_progress
message for every ledger event of that run:

	{"type": "run_progress", "data": {"kind": "backup", "run_id": "...",
	 "status": "running", "phase": "encoding", "progress": 40, "version": 7}}

The hub reads events from an EventSource, normally the progress bus, and is
run under the supervisor. Clients may send {"type": "ping"} and receive a
pong. A client that cannot keep up is disconnected and falls back to
polling the run endpoint.
*/
package websocket
