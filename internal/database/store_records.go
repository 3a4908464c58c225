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
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/database/query"
)

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func loadTables(ctx context.Context, q querier) ([]codec.TableDef, error) {
	rows, err := q.QueryContext(ctx, `SELECT name, COALESCE(label, ''), is_system, fields FROM dt_tables ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("query tables: %w", err)
	}
	defer rows.Close()

	var defs []codec.TableDef
	for rows.Next() {
		var def codec.TableDef
		var fields string
		if err := rows.Scan(&def.Name, &def.Label, &def.System, &fields); err != nil {
			return nil, fmt.Errorf("scan table: %w", err)
		}
		if err := json.Unmarshal([]byte(fields), &def.Fields); err != nil {
			return nil, fmt.Errorf("decode fields of %s: %w", def.Name, err)
		}
		defs = append(defs, def)
	}
	return defs, rows.Err()
}

func tableExists(ctx context.Context, q querier, name string) (bool, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM dt_tables WHERE name = ?`, name).Scan(&n); err != nil {
		return false, fmt.Errorf("check table %s: %w", name, err)
	}
	return n > 0, nil
}

func putTable(ctx context.Context, q querier, def codec.TableDef) error {
	if def.Name == "" {
		return errors.New("table name is required")
	}
	fields := def.Fields
	if fields == nil {
		fields = []codec.FieldDef{}
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return err
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM dt_tables WHERE name = ?`, def.Name); err != nil {
		return fmt.Errorf("replace table %s: %w", def.Name, err)
	}
	_, err = q.ExecContext(ctx,
		`INSERT INTO dt_tables (name, label, is_system, fields, updated_at) VALUES (?, ?, ?, ?, ?)`,
		def.Name, def.Label, def.System, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert table %s: %w", def.Name, err)
	}
	return nil
}

func dropTable(ctx context.Context, q querier, name string) error {
	if _, err := q.ExecContext(ctx, `DELETE FROM dt_records WHERE table_name = ?`, name); err != nil {
		return fmt.Errorf("drop rows of %s: %w", name, err)
	}
	if _, err := q.ExecContext(ctx, `DELETE FROM dt_tables WHERE name = ?`, name); err != nil {
		return fmt.Errorf("drop table %s: %w", name, err)
	}
	return nil
}

func clearTable(ctx context.Context, q querier, name string) (int, error) {
	res, err := q.ExecContext(ctx, `DELETE FROM dt_records WHERE table_name = ?`, name)
	if err != nil {
		return 0, fmt.Errorf("clear %s: %w", name, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func countRecords(ctx context.Context, q querier) (map[string]int, error) {
	rows, err := q.QueryContext(ctx, `SELECT table_name, COUNT(*) FROM dt_records GROUP BY table_name`)
	if err != nil {
		return nil, fmt.Errorf("count records: %w", err)
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var name string
		var n int64
		if err := rows.Scan(&name, &n); err != nil {
			return nil, err
		}
		out[name] = int(n)
	}
	return out, rows.Err()
}

func eachRecord(ctx context.Context, q querier, table string, fn func(codec.Record) error) error {
	rows, err := q.QueryContext(ctx,
		`SELECT record_id, data, updated_at FROM dt_records WHERE table_name = ? ORDER BY record_id`, table)
	if err != nil {
		return fmt.Errorf("query %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(sc scanner) (codec.Record, error) {
	var rec codec.Record
	var data string
	if err := sc.Scan(&rec.ID, &data, &rec.UpdatedAt); err != nil {
		return rec, err
	}
	rec.Data = json.RawMessage(data)
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec, nil
}

func recordFilter(table string, ids []string) (string, []interface{}) {
	return query.NewWhereBuilder().
		AddClause("table_name = ?", table).
		AddIn("record_id", ids).
		Build()
}

func getRecords(ctx context.Context, q querier, table string, ids []string) (map[string]codec.Record, error) {
	out := make(map[string]codec.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	where, args := recordFilter(table, ids)
	rows, err := q.QueryContext(ctx,
		`SELECT record_id, data, updated_at FROM dt_records WHERE `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %w", table, err)
	}
	defer rows.Close()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out[rec.ID] = rec
	}
	return out, rows.Err()
}

// putRecords replaces rows by ID. Rows are deleted then inserted because
// DuckDB checks uniqueness eagerly within a transaction.
func putRecords(ctx context.Context, q querier, table string, recs []codec.Record) error {
	if len(recs) == 0 {
		return nil
	}
	ids := make([]string, len(recs))
	for i, r := range recs {
		ids[i] = r.ID
	}
	if err := deleteRecords(ctx, q, table, ids); err != nil {
		return err
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
	for _, r := range recs {
		data, err := codec.CanonicalData(r.Data)
		if err != nil {
			return fmt.Errorf("record %s/%s: %w", table, r.ID, err)
		}
		ts := r.UpdatedAt
		if ts.IsZero() {
			ts = time.Now()
		}
		if _, err := q.ExecContext(ctx,
			`INSERT INTO dt_records (table_name, record_id, data, updated_at) VALUES (?, ?, ?, ?)`,
			table, r.ID, string(data), ts.UTC()); err != nil {
			return fmt.Errorf("insert %s/%s: %w", table, r.ID, err)
		}
	}
	return nil
}

func deleteRecords(ctx context.Context, q querier, table string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	where, args := recordFilter(table, ids)
	if _, err := q.ExecContext(ctx, `DELETE FROM dt_records WHERE `+where, args...); err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	return nil
}

// Schema returns every table definition, with the configured system tables
// flagged.
func (s *Store) Schema(ctx context.Context) (*codec.Schema, error) {
	defs, err := loadTables(ctx, s.conn)
	if err != nil {
		return nil, err
	}
	for i := range defs {
		if s.IsSystem(defs[i].Name) {
			defs[i].System = true
		}
	}
	return &codec.Schema{Tables: defs}, nil
}

// EachRecord streams the rows of table ordered by ID.
func (s *Store) EachRecord(ctx context.Context, table string, fn func(codec.Record) error) error {
	return eachRecord(ctx, s.conn, table, fn)
}

// CreateTable defines or redefines a table.
func (s *Store) CreateTable(ctx context.Context, def codec.TableDef) error {
	return putTable(ctx, s.conn, def)
}

// PutRecord inserts or replaces one row. The table must exist.
func (s *Store) PutRecord(ctx context.Context, table string, rec codec.Record) error {
	ok, err := tableExists(ctx, s.conn, table)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}
	return putRecords(ctx, s.conn, table, []codec.Record{rec})
}

// Record fetches one row.
func (s *Store) Record(ctx context.Context, table, id string) (codec.Record, bool, error) {
	recs, err := getRecords(ctx, s.conn, table, []string{id})
	if err != nil {
		return codec.Record{}, false, err
	}
	rec, ok := recs[id]
	return rec, ok, nil
}

// DeleteRecord removes one row.
func (s *Store) DeleteRecord(ctx context.Context, table, id string) error {
	return deleteRecords(ctx, s.conn, table, []string{id})
}

// RecordCounts returns row counts per table.
func (s *Store) RecordCounts(ctx context.Context) (map[string]int, error) {
	return countRecords(ctx, s.conn)
}
