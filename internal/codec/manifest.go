// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package codec

import (
	"bytes"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"
)

const (
	// FormatName identifies archives produced by this codec.
	FormatName = "sauvegarde"

	// FormatVersion is the current archive layout version.
	FormatVersion = 1

	// Extension is the file extension of plain archives.
	Extension = ".zip"

	// EncryptedExtension marks archives wrapped in an outer container.
	EncryptedExtension = ".encrypted"

	entryFormat   = "format.json"
	entryManifest = "manifest.enc"
	entrySchema   = "schema.enc"

	footerPrefix = "sha256:"
)

// Header is the only plaintext entry. It carries what a reader needs to
// derive keys and nothing about the content.
type Header struct {
	Format    string `json:"format"`
	Version   int    `json:"version"`
	Cipher    string `json:"cipher"`
	KDF       string `json:"kdf"`
	ChunkSize int    `json:"chunk_size"`
	Salt      []byte `json:"salt"`
}

// Manifest is the encrypted table of contents.
type Manifest struct {
	BackupName  string       `json:"backup_name"`
	BackupType  BackupType   `json:"backup_type"`
	CreatedAt   time.Time    `json:"created_at"`
	Compression Compression  `json:"compression"`
	HasSchema   bool         `json:"has_schema"`
	Tables      []TableEntry `json:"tables"`
	Files       []FileEntry  `json:"files,omitempty"`
}

// TableEntry lists one table. Entry is empty when the archive has no rows.
type TableEntry struct {
	Name      string   `json:"name"`
	System    bool     `json:"system,omitempty"`
	DependsOn []string `json:"depends_on,omitempty"`
	Records   int      `json:"records"`
	Entry     string   `json:"entry,omitempty"`
}

// FileEntry lists one attached file.
type FileEntry struct {
	FileRef
	Entry string `json:"entry"`
}

// RecordCount is the total number of rows across all tables.
func (m Manifest) RecordCount() int {
	total := 0
	for _, t := range m.Tables {
		total += t.Records
	}
	return total
}

// TableNames returns table names in manifest order.
func (m Manifest) TableNames() []string {
	names := make([]string, len(m.Tables))
	for i, t := range m.Tables {
		names[i] = t.Name
	}
	return names
}

// Table returns the entry named name, or nil.
func (m Manifest) Table(name string) *TableEntry {
	for i := range m.Tables {
		if m.Tables[i].Name == name {
			return &m.Tables[i]
		}
	}
	return nil
}

func dataEntryName(i int) string { return fmt.Sprintf("data/%04d.enc", i) }
func fileEntryName(i int) string { return fmt.Sprintf("files/%05d.enc", i) }

// canonicalSchema returns a copy ordered by table name and field position.
func canonicalSchema(s *Schema) *Schema {
	out := &Schema{Tables: make([]TableDef, len(s.Tables))}
	copy(out.Tables, s.Tables)
	sort.Slice(out.Tables, func(i, j int) bool { return out.Tables[i].Name < out.Tables[j].Name })
	for i := range out.Tables {
		fields := make([]FieldDef, len(out.Tables[i].Fields))
		copy(fields, out.Tables[i].Fields)
		sort.SliceStable(fields, func(a, b int) bool {
			if fields[a].Position != fields[b].Position {
				return fields[a].Position < fields[b].Position
			}
			return fields[a].Name < fields[b].Name
		})
		out.Tables[i].Fields = fields
	}
	return out
}

// CanonicalData re-encodes a JSON object with sorted keys and exact numbers
// so identical rows always serialize to identical bytes.
func CanonicalData(raw json.RawMessage) (json.RawMessage, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("{}"), nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("decode record data: %w", err)
	}
	if _, ok := v.(map[string]interface{}); !ok {
		return nil, fmt.Errorf("record data must be a JSON object")
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode record data: %w", err)
	}
	return out, nil
}

// recordLine is the serialized form of one row.
type recordLine struct {
	ID        string          `json:"id"`
	UpdatedAt string          `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

func encodeRecord(r Record) ([]byte, error) {
	data, err := CanonicalData(r.Data)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", r.ID, err)
	}
	line, err := json.Marshal(recordLine{
		ID:        r.ID,
		UpdatedAt: r.UpdatedAt.UTC().Format(time.RFC3339Nano),
		Data:      data,
	})
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func decodeRecord(line []byte) (Record, error) {
	var rl recordLine
	if err := json.Unmarshal(line, &rl); err != nil {
		return Record{}, err
	}
	if rl.ID == "" {
		return Record{}, fmt.Errorf("record without id")
	}
	ts, err := time.Parse(time.RFC3339Nano, rl.UpdatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("record %s: %w", rl.ID, err)
	}
	return Record{ID: rl.ID, UpdatedAt: ts, Data: rl.Data}, nil
}

func sortStrings(s []string) { sort.Strings(s) }
