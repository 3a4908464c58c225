// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package api

import (
	"github.com/tomtom215/sauvegarde/internal/ledger"
)

// ExternalResult holds the counters of an external restoration. Clients
// read them under the restoration key.
type ExternalResult struct {
	TablesRestored        int `json:"tables_restored"`
	RecordsRestored       int `json:"records_restored"`
	FilesRestored         int `json:"files_restored"`
	SystemTablesPreserved int `json:"system_tables_preserved"`
	ConflictsResolved     int `json:"conflicts_resolved"`
	FilesSkipped          int `json:"files_skipped"`
}

// RestoreView is a restoration as returned by the API. Classic runs carry
// their counters at the root, external runs under restoration; exactly
// one of the two sets is present.
type RestoreView struct {
	*ledger.RestoreRun

	// Stats hides the embedded counters; it is never set.
	Stats *struct{} `json:"stats,omitempty"`

	TablesRestored  *int `json:"tables_restored,omitempty"`
	RecordsRestored *int `json:"records_restored,omitempty"`
	FilesRestored   *int `json:"files_restored,omitempty"`

	Restoration *ExternalResult `json:"restoration,omitempty"`
}

func newRestoreView(run *ledger.RestoreRun) RestoreView {
	v := RestoreView{RestoreRun: run}
	s := run.Stats
	if run.SourceType == ledger.SourceExternal {
		ext := &ExternalResult{
			TablesRestored:  s.TablesRestored,
			RecordsRestored: s.RecordsRestored,
			FilesRestored:   s.FilesRestored,
		}
		if s.SystemTablesPreserved != nil {
			ext.SystemTablesPreserved = *s.SystemTablesPreserved
		}
		if s.ConflictsResolved != nil {
			ext.ConflictsResolved = *s.ConflictsResolved
		}
		if s.FilesSkipped != nil {
			ext.FilesSkipped = *s.FilesSkipped
		}
		v.Restoration = ext
		return v
	}
	tables, records, files := s.TablesRestored, s.RecordsRestored, s.FilesRestored
	v.TablesRestored = &tables
	v.RecordsRestored = &records
	v.FilesRestored = &files
	return v
}

func restoreViews(p ledger.Page[*ledger.RestoreRun]) ledger.Page[RestoreView] {
	out := ledger.Page[RestoreView]{
		Items: make([]RestoreView, 0, len(p.Items)),
		Total: p.Total,
		Page:  p.Page,
		Limit: p.Limit,
	}
	for _, run := range p.Items {
		out.Items = append(out.Items, newRestoreView(run))
	}
	return out
}
