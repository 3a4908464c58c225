// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package planner

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tomtom215/sauvegarde/internal/codec"
)

// Mode selects how an archive is applied.
type Mode string

const (
	// ModeFull replaces every non-system table with the archive's content.
	ModeFull Mode = "full"
	// ModeSelective replaces only the requested tables.
	ModeSelective Mode = "selective"
	// ModeExternal applies an uploaded archive under a merge strategy.
	ModeExternal Mode = "external"
	// ModeRollback mirrors a pre-restore snapshot exactly, system tables
	// and files included.
	ModeRollback Mode = "rollback"
)

// Strategy reconciles an external archive with the live store.
type Strategy string

const (
	PreserveSystem Strategy = "preserve_system"
	Merge          Strategy = "merge"
	Replace        Strategy = "replace"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	return s == PreserveSystem || s == Merge || s == Replace
}

// Action is what a step does to one table.
type Action string

const (
	ActionReplace       Action = "replace"
	ActionInsertMissing Action = "insert_missing"
	ActionMerge         Action = "merge"
	ActionSchemaOnly    Action = "schema_only"
	ActionSkipSystem    Action = "skip_system"
)

var (
	// ErrReplaceNotConfirmed guards the replace strategy.
	ErrReplaceNotConfirmed = errors.New("replace strategy requires confirm_replace")

	// ErrUnknownTable is returned when a selective restore names a table
	// the archive does not carry.
	ErrUnknownTable = errors.New("table not in archive")

	// ErrNoTables is returned by a selective restore without tables.
	ErrNoTables = errors.New("selective restore needs at least one table")

	// ErrInvalidStrategy rejects unknown merge strategies.
	ErrInvalidStrategy = errors.New("invalid merge strategy")
)

// Options control one restoration.
type Options struct {
	Mode           Mode
	Strategy       Strategy
	Tables         []string
	RestoreFiles   bool
	ConfirmReplace bool
}

func (o *Options) validate() error {
	switch o.Mode {
	case ModeFull, ModeRollback:
	case ModeSelective:
		if len(o.Tables) == 0 {
			return ErrNoTables
		}
	case ModeExternal:
		if o.Strategy == "" {
			o.Strategy = PreserveSystem
		}
		if !o.Strategy.Valid() {
			return fmt.Errorf("%w: %q", ErrInvalidStrategy, o.Strategy)
		}
		if o.Strategy == Replace && !o.ConfirmReplace {
			return ErrReplaceNotConfirmed
		}
	default:
		return fmt.Errorf("unknown restore mode %q", o.Mode)
	}
	return nil
}

// Step applies one archive table.
type Step struct {
	Table   string          `json:"table"`
	Action  Action          `json:"action"`
	Records int             `json:"records"`
	System  bool            `json:"system"`
	Def     *codec.TableDef `json:"-"`
}

// Plan is the ordered list of steps of a restoration.
type Plan struct {
	Steps        []Step            `json:"steps"`
	Drops        []string          `json:"drops,omitempty"`
	Files        []codec.FileEntry `json:"-"`
	PruneFiles   bool              `json:"prune_files"`
	TotalRecords int               `json:"total_records"`
}

// buildPlan decides what happens to every table. live is the current
// schema with system tables flagged.
func buildPlan(m codec.Manifest, schema *codec.Schema, live []codec.TableDef, opts Options, isSystem func(string) bool) (*Plan, error) {
	archiveDefs := make(map[string]*codec.TableDef)
	if schema != nil {
		for i := range schema.Tables {
			archiveDefs[schema.Tables[i].Name] = &schema.Tables[i]
		}
	}
	liveSystem := make(map[string]bool, len(live))
	for _, d := range live {
		liveSystem[d.Name] = d.System
	}
	system := func(te codec.TableEntry) bool {
		return te.System || isSystem(te.Name) || liveSystem[te.Name]
	}

	selected := make(map[string]bool, len(m.Tables))
	if opts.Mode == ModeSelective {
		for _, name := range opts.Tables {
			if m.Table(name) == nil {
				return nil, fmt.Errorf("%w: %s", ErrUnknownTable, name)
			}
			selected[name] = true
		}
	} else {
		for _, te := range m.Tables {
			selected[te.Name] = true
		}
	}

	plan := &Plan{}
	for _, name := range dependencyOrder(m, selected) {
		te := m.Table(name)
		step := Step{Table: name, Records: te.Records, System: system(*te), Def: archiveDefs[name]}
		step.Action = chooseAction(m.BackupType, step.System, opts)
		if step.Action != ActionSkipSystem && step.Action != ActionSchemaOnly {
			plan.TotalRecords += step.Records
		}
		plan.Steps = append(plan.Steps, step)
	}

	switch {
	case opts.Mode == ModeRollback:
		for _, d := range live {
			if m.Table(d.Name) == nil {
				plan.Drops = append(plan.Drops, d.Name)
			}
		}
	case opts.Mode == ModeFull && m.HasSchema:
		for _, d := range live {
			if m.Table(d.Name) == nil && !d.System && !isSystem(d.Name) {
				plan.Drops = append(plan.Drops, d.Name)
			}
		}
	}
	sort.Strings(plan.Drops)

	if opts.RestoreFiles || opts.Mode == ModeRollback {
		plan.Files = m.Files
		plan.PruneFiles = opts.Mode == ModeRollback || (opts.Mode == ModeFull && len(m.Files) > 0)
	}
	return plan, nil
}

// chooseAction picks how one table is applied. System tables are skipped
// except by a rollback and by a confirmed external replace, which restores
// the archive as a whole.
func chooseAction(bt codec.BackupType, system bool, opts Options) Action {
	external := opts.Mode == ModeExternal
	if system && opts.Mode != ModeRollback && !(external && opts.Strategy == Replace) {
		return ActionSkipSystem
	}
	if !bt.HasData() {
		return ActionSchemaOnly
	}
	if !external {
		return ActionReplace
	}
	switch opts.Strategy {
	case Merge:
		return ActionMerge
	case Replace:
		return ActionReplace
	default:
		return ActionInsertMissing
	}
}

// dependencyOrder sorts the selected tables so referenced tables come
// before the tables referencing them. Ties and cycles resolve by name.
func dependencyOrder(m codec.Manifest, selected map[string]bool) []string {
	deps := make(map[string][]string, len(selected))
	indegree := make(map[string]int, len(selected))
	for _, te := range m.Tables {
		if !selected[te.Name] {
			continue
		}
		indegree[te.Name] += 0
		for _, d := range te.DependsOn {
			if selected[d] && d != te.Name {
				deps[d] = append(deps[d], te.Name)
				indegree[te.Name]++
			}
		}
	}

	var ready []string
	for name, n := range indegree {
		if n == 0 {
			ready = append(ready, name)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(indegree))
	done := make(map[string]bool, len(indegree))
	for len(order) < len(indegree) {
		if len(ready) == 0 {
			// Cycle: release the smallest remaining name.
			var rest []string
			for name := range indegree {
				if !done[name] {
					rest = append(rest, name)
				}
			}
			sort.Strings(rest)
			ready = rest[:1]
			indegree[rest[0]] = 0
		}
		name := ready[0]
		ready = ready[1:]
		if done[name] {
			continue
		}
		done[name] = true
		order = append(order, name)
		for _, dependent := range deps[name] {
			if done[dependent] {
				continue
			}
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = insertSorted(ready, dependent)
			}
		}
	}
	return order
}

func insertSorted(list []string, s string) []string {
	i := sort.SearchStrings(list, s)
	list = append(list, "")
	copy(list[i+1:], list[i:])
	list[i] = s
	return list
}

// mergeFields adds archive fields missing from the live definition.
func mergeFields(live, archived codec.TableDef) (codec.TableDef, bool) {
	have := make(map[string]bool, len(live.Fields))
	maxPos := 0
	for _, f := range live.Fields {
		have[f.Name] = true
		if f.Position > maxPos {
			maxPos = f.Position
		}
	}
	changed := false
	out := live
	out.Fields = append([]codec.FieldDef(nil), live.Fields...)
	for _, f := range archived.Fields {
		if have[f.Name] {
			continue
		}
		maxPos++
		f.Position = maxPos
		out.Fields = append(out.Fields, f)
		changed = true
	}
	if out.Label == "" && archived.Label != "" {
		out.Label = archived.Label
		changed = true
	}
	return out, changed
}
