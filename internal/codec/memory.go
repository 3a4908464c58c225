// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package codec

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemorySnapshot is an in-memory Source.
type MemorySnapshot struct {
	mu      sync.RWMutex
	schema  Schema
	records map[string]map[string]Record
	files   map[string][]byte
}

// NewMemorySnapshot returns an empty snapshot.
func NewMemorySnapshot() *MemorySnapshot {
	return &MemorySnapshot{
		records: make(map[string]map[string]Record),
		files:   make(map[string][]byte),
	}
}

// AddTable registers a table definition, replacing one with the same name.
func (m *MemorySnapshot) AddTable(def TableDef) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.schema.Tables {
		if m.schema.Tables[i].Name == def.Name {
			m.schema.Tables[i] = def
			return
		}
	}
	m.schema.Tables = append(m.schema.Tables, def)
	if _, ok := m.records[def.Name]; !ok {
		m.records[def.Name] = make(map[string]Record)
	}
}

// PutRecord stores a row in table.
func (m *MemorySnapshot) PutRecord(table string, r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows, ok := m.records[table]
	if !ok {
		rows = make(map[string]Record)
		m.records[table] = rows
	}
	rows[r.ID] = r
}

// AddFile attaches a file.
func (m *MemorySnapshot) AddFile(name string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[name] = append([]byte(nil), data...)
}

func (m *MemorySnapshot) Schema(ctx context.Context) (*Schema, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := &Schema{Tables: make([]TableDef, len(m.schema.Tables))}
	copy(out.Tables, m.schema.Tables)
	return out, nil
}

func (m *MemorySnapshot) EachRecord(ctx context.Context, table string, fn func(Record) error) error {
	m.mu.RLock()
	rows := m.records[table]
	ids := make([]string, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]Record, len(ids))
	for i, id := range ids {
		out[i] = rows[id]
	}
	m.mu.RUnlock()

	for _, r := range out {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemorySnapshot) Files(ctx context.Context) ([]FileRef, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	refs := make([]FileRef, 0, len(m.files))
	for name, data := range m.files {
		refs = append(refs, FileRef{Name: name, Size: int64(len(data))})
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].Name < refs[j].Name })
	return refs, nil
}

func (m *MemorySnapshot) OpenFile(ctx context.Context, name string) (io.ReadCloser, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.files[name]
	if !ok {
		return nil, fmt.Errorf("file %s not found", name)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
