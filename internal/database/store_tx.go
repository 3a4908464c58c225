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

	"github.com/tomtom215/sauvegarde/internal/codec"
)

// Tx is one restore transaction. Nothing it writes is visible until Commit;
// Rollback restores the exact pre-transaction state.
type Tx struct {
	tx    *sql.Tx
	store *Store
	done  bool
}

// Begin starts a transaction.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &Tx{tx: tx, store: s}, nil
}

// Tables returns the table definitions as seen by the transaction.
func (t *Tx) Tables(ctx context.Context) ([]codec.TableDef, error) {
	defs, err := loadTables(ctx, t.tx)
	if err != nil {
		return nil, err
	}
	for i := range defs {
		if t.store.IsSystem(defs[i].Name) {
			defs[i].System = true
		}
	}
	return defs, nil
}

// TableExists reports whether name is defined.
func (t *Tx) TableExists(ctx context.Context, name string) (bool, error) {
	return tableExists(ctx, t.tx, name)
}

// PutTable defines or redefines a table.
func (t *Tx) PutTable(ctx context.Context, def codec.TableDef) error {
	return putTable(ctx, t.tx, def)
}

// DropTable removes a table definition and its rows.
func (t *Tx) DropTable(ctx context.Context, name string) error {
	return dropTable(ctx, t.tx, name)
}

// ClearTable deletes every row of a table and returns how many were removed.
func (t *Tx) ClearTable(ctx context.Context, name string) (int, error) {
	return clearTable(ctx, t.tx, name)
}

// GetRecords fetches the existing rows among ids.
func (t *Tx) GetRecords(ctx context.Context, table string, ids []string) (map[string]codec.Record, error) {
	return getRecords(ctx, t.tx, table, ids)
}

// PutRecords inserts or replaces rows.
func (t *Tx) PutRecords(ctx context.Context, table string, recs []codec.Record) error {
	return putRecords(ctx, t.tx, table, recs)
}

// Commit makes the transaction durable.
func (t *Tx) Commit() error {
	if t.done {
		return errors.New("transaction already finished")
	}
	t.done = true
	return t.tx.Commit()
}

// Rollback discards the transaction. It is a no-op after Commit.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}
