// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package gatekeeper admits externally supplied archives.

An upload is streamed into the quarantine area, never the production
archive directory, and validated in the background under a hard deadline
(30 seconds by default). The pipeline stops at the first failed check:

 1. extension: .zip or .encrypted, case-insensitive on the final suffix
 2. magic: leading bytes match the claimed container
 3. decrypt: .encrypted containers are opened with the engine key
 4. structure: central directory walk for entry counts, ratios and total
    expanded size
 5. paths: no entry may escape the archive root
 6. format: the codec must read the manifest
 7. checksum: the footer, when present, must match
 8. content: record counts and file hashes match the manifest
 9. malware: deny-list patterns, plus clamd when configured

Status flow:

	uploaded -> validating -> ready -> consumed
	                      \-> failed_validation
	                      \-> corrupted
	(any status but consumed) -> expired

A ready upload is reserved by exactly one restoration, which consumes it
when it finishes. Messages stored in error_message are the French strings
clients match on:

	Contenu invalide ou non reconnu   format not recognized or wrong key
	Checksum invalide                 footer mismatch
	Archive corrompue                 decodable but damaged

Usage:

	g := gatekeeper.New(store, artifacts.Quarantine, keys, &cfg.Gatekeeper)
	defer g.Close()

	u, err := g.Accept(ctx, gatekeeper.Incoming{Filename: name, Body: body, DeclaredSize: size})
	...
	if _, err := g.Reserve(ctx, u.ID, runID); errors.Is(err, gatekeeper.ErrUploadNotReady) {
		...
	}
*/
package gatekeeper
