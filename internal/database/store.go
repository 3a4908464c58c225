// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/sauvegarde/internal/config"
	"github.com/tomtom215/sauvegarde/internal/logging"
)

// ErrTableNotFound is returned for operations on an undefined table.
var ErrTableNotFound = errors.New("table not found")

// Store is the live dynamic-tables store: table definitions and rows in
// DuckDB, attached files under a directory.
type Store struct {
	conn     *sql.DB
	cfg      *config.DatabaseConfig
	filesDir string

	systemMu sync.RWMutex
	system   map[string]bool
}

// New opens the DuckDB database at cfg.Path (":memory:" or empty for an
// in-memory store) and creates the catalog tables.
func New(cfg *config.DatabaseConfig, filesDir string, systemTables []string) (*Store, error) {
	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}
	maxMemory := cfg.MaxMemory
	if maxMemory == "" {
		maxMemory = "1GB"
	}

	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory %s: %w", dir, err)
			}
		}
	}
	if filesDir != "" {
		if err := os.MkdirAll(filesDir, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create files directory %s: %w", filesDir, err)
		}
	}

	// Extensions are never needed: timestamps are plain TIMESTAMP and row
	// data is stored as VARCHAR.
	connStr := fmt.Sprintf("%s?threads=%d&max_memory=%s&autoinstall_known_extensions=false&autoload_known_extensions=false",
		path, threads, maxMemory)
	conn, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{
		conn:     conn,
		cfg:      cfg,
		filesDir: filesDir,
		system:   make(map[string]bool, len(systemTables)),
	}
	for _, name := range systemTables {
		s.system[name] = true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	if err := s.createTables(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	logging.Debug().Str("path", cfg.Path).Int("threads", threads).Msg("Live store opened")
	return s, nil
}

// Conn returns the underlying connection pool.
func (s *Store) Conn() *sql.DB { return s.conn }

// FilesDir returns the root directory of attached files.
func (s *Store) FilesDir() string { return s.filesDir }

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error { return s.conn.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	return s.conn.Close()
}

// IsSystem reports whether name is a host-application table that restores
// must never overwrite. Tables are system either by configuration or by the
// is_system flag on their definition.
func (s *Store) IsSystem(name string) bool {
	s.systemMu.RLock()
	defer s.systemMu.RUnlock()
	return s.system[name]
}

// SystemTables returns the configured allow-list.
func (s *Store) SystemTables() []string {
	s.systemMu.RLock()
	defer s.systemMu.RUnlock()
	out := make([]string, 0, len(s.system))
	for name := range s.system {
		out = append(out, name)
	}
	return out
}

func (s *Store) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS dt_tables (
			name VARCHAR NOT NULL,
			label VARCHAR,
			is_system BOOLEAN NOT NULL DEFAULT false,
			fields VARCHAR NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dt_records (
			table_name VARCHAR NOT NULL,
			record_id VARCHAR NOT NULL,
			data VARCHAR NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dt_records_table ON dt_records(table_name, record_id)`,
	}
	for _, q := range queries {
		if _, err := s.conn.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
