// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package query

import (
	"reflect"
	"testing"
)

func TestWhereBuilder(t *testing.T) {
	tests := []struct {
		name      string
		build     func() *WhereBuilder
		wantWhere string
		wantArgs  []interface{}
	}{
		{
			name:      "empty",
			build:     NewWhereBuilder,
			wantWhere: "1=1",
			wantArgs:  []interface{}{},
		},
		{
			name: "table and ids",
			build: func() *WhereBuilder {
				return NewWhereBuilder().AddClause("table_name = ?", "projects").AddIn("record_id", []string{"P1", "P2"})
			},
			wantWhere: "table_name = ? AND record_id IN (?, ?)",
			wantArgs:  []interface{}{"projects", "P1", "P2"},
		},
		{
			name: "empty IN list",
			build: func() *WhereBuilder {
				return NewWhereBuilder().AddClause("table_name = ?", "projects").AddIn("record_id", nil)
			},
			wantWhere: "table_name = ? AND 1=0",
			wantArgs:  []interface{}{"projects"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			where, args := tt.build().Build()
			if where != tt.wantWhere {
				t.Errorf("where = %q, want %q", where, tt.wantWhere)
			}
			if !reflect.DeepEqual(args, tt.wantArgs) {
				t.Errorf("args = %v, want %v", args, tt.wantArgs)
			}
		})
	}
}

func TestWhereBuilder_Count(t *testing.T) {
	wb := NewWhereBuilder().AddClause("a = ?", 1).AddIn("b", []string{"x"})
	if wb.Count() != 2 {
		t.Errorf("Count() = %d, want 2", wb.Count())
	}
}
