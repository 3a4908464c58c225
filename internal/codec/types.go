// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package codec

import (
	"context"
	"io"
	"time"

	"github.com/goccy/go-json"
)

// BackupType selects what an archive contains.
type BackupType string

const (
	// TypeFull is schema, rows and optionally attached files.
	TypeFull BackupType = "full"

	// TypeMetadata is the structural schema only.
	TypeMetadata BackupType = "metadata"

	// TypeData is row contents only.
	TypeData BackupType = "data"
)

// Valid reports whether t is one of the three archive kinds.
func (t BackupType) Valid() bool {
	switch t {
	case TypeFull, TypeMetadata, TypeData:
		return true
	}
	return false
}

// HasSchema reports whether archives of this type carry table definitions.
func (t BackupType) HasSchema() bool { return t == TypeFull || t == TypeMetadata }

// HasData reports whether archives of this type carry rows.
func (t BackupType) HasData() bool { return t == TypeFull || t == TypeData }

// Schema is the structural description of the dynamic tables.
type Schema struct {
	Tables []TableDef `json:"tables"`
}

// Table returns the definition named name, or nil.
func (s *Schema) Table(name string) *TableDef {
	if s == nil {
		return nil
	}
	for i := range s.Tables {
		if s.Tables[i].Name == name {
			return &s.Tables[i]
		}
	}
	return nil
}

// TableDef describes one dynamic table.
type TableDef struct {
	Name   string     `json:"name"`
	Label  string     `json:"label,omitempty"`
	System bool       `json:"system,omitempty"`
	Fields []FieldDef `json:"fields"`
}

// DependsOn lists the tables referenced by relation fields, sorted and
// without self references.
func (t *TableDef) DependsOn() []string {
	seen := make(map[string]struct{})
	var deps []string
	for _, f := range t.Fields {
		if f.RefTable == "" || f.RefTable == t.Name {
			continue
		}
		if _, ok := seen[f.RefTable]; ok {
			continue
		}
		seen[f.RefTable] = struct{}{}
		deps = append(deps, f.RefTable)
	}
	sortStrings(deps)
	return deps
}

// FieldDef describes one column of a dynamic table. RefTable is set for
// relation fields and drives restore ordering.
type FieldDef struct {
	Name     string `json:"name"`
	Type     string `json:"type"`
	Position int    `json:"position"`
	Required bool   `json:"required,omitempty"`
	RefTable string `json:"ref_table,omitempty"`
}

// Record is one row. Data is a JSON object; UpdatedAt drives the newest-wins
// merge rule.
type Record struct {
	ID        string          `json:"id"`
	UpdatedAt time.Time       `json:"updated_at"`
	Data      json.RawMessage `json:"data"`
}

// FileRef names one attached non-database file relative to the files root.
type FileRef struct {
	Name   string `json:"name"`
	Size   int64  `json:"size"`
	SHA256 string `json:"sha256,omitempty"`
}

// Source is the live side of an encode: anything that can enumerate schema,
// rows in deterministic order, and attached files.
type Source interface {
	Schema(ctx context.Context) (*Schema, error)

	// EachRecord must yield records ordered by ID.
	EachRecord(ctx context.Context, table string, fn func(Record) error) error

	Files(ctx context.Context) ([]FileRef, error)
	OpenFile(ctx context.Context, name string) (io.ReadCloser, error)
}

// Progress receives (done, total) work units while encoding or verifying.
type Progress func(done, total int)
