// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package codec turns a snapshot of the dynamic tables into a single encrypted
archive file and back.

# Archive Layout

An archive is a zip container whose entries are stored uncompressed:

	format.json     plaintext header: format name, version, KDF salt
	schema.enc      table definitions (full and metadata archives)
	data/NNNN.enc   one JSON-lines stream per table (full and data archives)
	files/NNNNN.enc attached files (full archives with files)
	manifest.enc    table of contents with per-table counts and file hashes

Every ".enc" entry is compressed (zstd, gzip or none) and then sealed with
AES-256-GCM in 64 KiB chunks. Each entry has its own key derived with
HKDF-SHA256 from the configured secret, the archive salt and the entry
name. The final chunk is authenticated with a distinct nonce flag so a
truncated stream never decodes cleanly.

The zip comment carries "sha256:<hex>", a digest over the SHA-256 of every
entry in order. Open verifies it before decrypting anything, so a tampered
archive is rejected before any row is emitted.

# Determinism

Tables are written in name order, rows in ID order, row data with sorted
keys and exact numbers, timestamps in UTC. Two encodes of unchanged
content therefore produce the same compressed plaintext; only the salt and
derived keys differ.

# Containers

Uploads may also arrive as ".encrypted" files: the magic "SVGENC01", a salt,
then a sealed stream holding a plain archive. OpenContainer unwraps them.

# Usage

	keys, _ := codec.NewKeyring(secret)
	sum, err := codec.Encode(ctx, w, source, keys, codec.EncodeOptions{
		Type: codec.TypeFull, Name: "nightly", IncludeFiles: true,
	})

	a, err := codec.Open(f, size, keys, codec.ReadOptions{MaxExpandedBytes: 1 << 30})
	err = a.EachRecord(ctx, "clients", func(r codec.Record) error { ... })
*/
package codec
