// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package planner

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/database"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
)

// DefaultBatchSize is the number of records written per statement batch.
const DefaultBatchSize = 500

// Progress percentages of the phase boundaries.
const (
	pctAnalyzing  = 10
	pctSecurity   = 25
	pctRestoring  = 30
	pctFinalizing = 90
	pctCommitted  = 95
)

// Archive is the read side of a decoded archive.
type Archive interface {
	Manifest() codec.Manifest
	Schema(ctx context.Context) (*codec.Schema, error)
	EachRecord(ctx context.Context, table string, fn func(codec.Record) error) error
	Files() []codec.FileEntry
	OpenFile(name string) (io.ReadCloser, error)
	Verify(ctx context.Context, progress codec.Progress) error
}

// Hooks connect a restoration to its run.
type Hooks struct {
	// Progress publishes the current phase and percent.
	Progress func(phase string, percent int)
	// Check returns an error once the run must stop. It is polled at phase
	// boundaries and between batches.
	Check func() error
	// Security runs extra checks in the security phase.
	Security func(ctx context.Context) error
}

func (h Hooks) withDefaults() Hooks {
	if h.Progress == nil {
		h.Progress = func(string, int) {}
	}
	if h.Check == nil {
		h.Check = func() error { return nil }
	}
	return h
}

// PhaseError carries the phase a restoration failed in. Committed is set
// when the live store had already been changed, so only a rollback from a
// snapshot can undo it.
type PhaseError struct {
	Phase     string
	Err       error
	Committed bool
}

func (e *PhaseError) Error() string { return e.Phase + ": " + e.Err.Error() }

func (e *PhaseError) Unwrap() error { return e.Err }

// Committed reports whether err left changes in the live store.
func Committed(err error) bool {
	var pe *PhaseError
	return errors.As(err, &pe) && pe.Committed
}

// Result is the outcome of a restoration.
type Result struct {
	Plan  *Plan
	Stats ledger.RestoreStats
}

// Planner applies archives to the live store.
type Planner struct {
	db        *database.Store
	batchSize int
}

// New returns a planner writing to db in batches of batchSize.
func New(db *database.Store, batchSize int) *Planner {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Planner{db: db, batchSize: batchSize}
}

// Analyze builds the plan for applying archive under opts without touching
// the live store.
func (p *Planner) Analyze(ctx context.Context, archive Archive, opts Options) (*Plan, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	m := archive.Manifest()
	var schema *codec.Schema
	if m.HasSchema {
		s, err := archive.Schema(ctx)
		if err != nil {
			return nil, err
		}
		schema = s
	}
	live, err := p.db.Schema(ctx)
	if err != nil {
		return nil, err
	}
	return buildPlan(m, schema, live.Tables, opts, p.db.IsSystem)
}

// Restore runs the analyzing, security, restoring and finalizing phases.
// Table writes happen in one transaction and files are staged beside the
// live tree, so any failure before the commit leaves the store untouched.
func (p *Planner) Restore(ctx context.Context, archive Archive, runID string, opts Options, hooks Hooks) (*Result, error) {
	hooks = hooks.withDefaults()
	log := logging.Ctx(ctx)

	hooks.Progress(ledger.PhaseAnalyzing, 5)
	plan, err := p.Analyze(ctx, archive, opts)
	if err != nil {
		return nil, &PhaseError{Phase: ledger.PhaseAnalyzing, Err: err}
	}
	log.Info().Int("steps", len(plan.Steps)).Int("records", plan.TotalRecords).Int("files", len(plan.Files)).
		Str("mode", string(opts.Mode)).Str("strategy", string(opts.Strategy)).Msg("Restoration planned")
	hooks.Progress(ledger.PhaseAnalyzing, pctAnalyzing)
	if err := hooks.Check(); err != nil {
		return nil, &PhaseError{Phase: ledger.PhaseAnalyzing, Err: err}
	}

	hooks.Progress(ledger.PhaseSecurity, pctAnalyzing+5)
	if err := archive.Verify(ctx, nil); err != nil {
		return nil, &PhaseError{Phase: ledger.PhaseSecurity, Err: err}
	}
	if hooks.Security != nil {
		if err := hooks.Security(ctx); err != nil {
			return nil, &PhaseError{Phase: ledger.PhaseSecurity, Err: err}
		}
	}
	hooks.Progress(ledger.PhaseSecurity, pctSecurity)
	if err := hooks.Check(); err != nil {
		return nil, &PhaseError{Phase: ledger.PhaseSecurity, Err: err}
	}

	hooks.Progress(ledger.PhaseRestoring, pctRestoring)
	r := &restoration{p: p, archive: archive, plan: plan, opts: opts, hooks: hooks, runID: runID}
	if err := r.apply(ctx); err != nil {
		r.abort()
		return nil, &PhaseError{Phase: ledger.PhaseRestoring, Err: err}
	}

	hooks.Progress(ledger.PhaseFinalizing, pctFinalizing)
	if err := hooks.Check(); err != nil {
		r.abort()
		return nil, &PhaseError{Phase: ledger.PhaseFinalizing, Err: err}
	}
	if err := r.commit(ctx); err != nil {
		return nil, err
	}
	hooks.Progress(ledger.PhaseFinalizing, pctCommitted)

	stats := ledger.RestoreStats{
		TablesRestored:  r.tables,
		RecordsRestored: r.records,
		FilesRestored:   r.files,
	}
	if opts.Mode == ModeExternal {
		preserved, conflicts, skipped := r.preserved, r.conflicts, r.filesSkipped
		stats.SystemTablesPreserved = &preserved
		stats.ConflictsResolved = &conflicts
		stats.FilesSkipped = &skipped
	}
	log.Info().Int("tables", r.tables).Int("records", r.records).Int("files", r.files).
		Int("files_skipped", r.filesSkipped).Int("conflicts", r.conflicts).
		Int("preserved", r.preserved).Msg("Restoration applied")
	return &Result{Plan: plan, Stats: stats}, nil
}

// Rollback mirrors snapshot into the live store, system tables and files
// included. It ignores cancellation.
func (p *Planner) Rollback(ctx context.Context, snapshot Archive, runID string) error {
	_, err := p.Restore(context.WithoutCancel(ctx), snapshot, runID+"-rollback", Options{Mode: ModeRollback, RestoreFiles: true}, Hooks{})
	return err
}

// restoration is the mutable state of one Restore call.
type restoration struct {
	p       *Planner
	archive Archive
	plan    *Plan
	opts    Options
	hooks   Hooks
	runID   string

	tx    *database.Tx
	stage *database.FileStage

	processed    int
	tables       int
	records      int
	files        int
	filesSkipped int
	conflicts    int
	preserved    int
}

func (r *restoration) apply(ctx context.Context) error {
	tx, err := r.p.db.Begin(ctx)
	if err != nil {
		return err
	}
	r.tx = tx

	for _, name := range r.plan.Drops {
		if err := tx.DropTable(ctx, name); err != nil {
			return fmt.Errorf("drop %s: %w", name, err)
		}
	}
	for i := range r.plan.Steps {
		if err := r.hooks.Check(); err != nil {
			return err
		}
		if err := r.applyStep(ctx, &r.plan.Steps[i]); err != nil {
			return fmt.Errorf("table %s: %w", r.plan.Steps[i].Table, err)
		}
	}
	if len(r.plan.Files) > 0 {
		if err := r.stageFiles(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *restoration) applyStep(ctx context.Context, step *Step) error {
	if step.Action == ActionSkipSystem {
		r.preserved++
		return nil
	}
	if err := r.applyDefinition(ctx, step); err != nil {
		return err
	}
	r.tables++
	switch step.Action {
	case ActionSchemaOnly:
		return nil
	case ActionReplace:
		removed, err := r.tx.ClearTable(ctx, step.Table)
		if err != nil {
			return err
		}
		if r.opts.Mode == ModeExternal {
			r.conflicts += removed
		}
		return r.eachBatch(ctx, step.Table, func(batch []codec.Record) error {
			if err := r.tx.PutRecords(ctx, step.Table, batch); err != nil {
				return err
			}
			r.records += len(batch)
			return nil
		})
	case ActionInsertMissing:
		return r.eachBatch(ctx, step.Table, func(batch []codec.Record) error {
			existing, err := r.tx.GetRecords(ctx, step.Table, ids(batch))
			if err != nil {
				return err
			}
			insert := batch[:0:0]
			for _, rec := range batch {
				if _, ok := existing[rec.ID]; ok {
					r.conflicts++
					continue
				}
				insert = append(insert, rec)
			}
			if err := r.tx.PutRecords(ctx, step.Table, insert); err != nil {
				return err
			}
			r.records += len(insert)
			return nil
		})
	case ActionMerge:
		return r.eachBatch(ctx, step.Table, func(batch []codec.Record) error {
			existing, err := r.tx.GetRecords(ctx, step.Table, ids(batch))
			if err != nil {
				return err
			}
			put := batch[:0:0]
			for _, rec := range batch {
				cur, ok := existing[rec.ID]
				if ok {
					r.conflicts++
					if !rec.UpdatedAt.After(cur.UpdatedAt) {
						continue
					}
				}
				put = append(put, rec)
			}
			if err := r.tx.PutRecords(ctx, step.Table, put); err != nil {
				return err
			}
			r.records += len(put)
			return nil
		})
	}
	return fmt.Errorf("unknown action %q", step.Action)
}

// applyDefinition creates or updates the table definition for a step.
func (r *restoration) applyDefinition(ctx context.Context, step *Step) error {
	exists, err := r.tx.TableExists(ctx, step.Table)
	if err != nil {
		return err
	}
	def := codec.TableDef{Name: step.Table}
	if step.Def != nil {
		def = *step.Def
	}
	switch {
	case !exists:
		return r.tx.PutTable(ctx, def)
	case step.Def == nil:
		return nil
	case step.Action == ActionReplace || (step.Action == ActionSchemaOnly && r.opts.Mode != ModeExternal):
		return r.tx.PutTable(ctx, def)
	case step.Action == ActionMerge || (step.Action == ActionSchemaOnly && r.opts.Strategy == Merge):
		defs, err := r.tx.Tables(ctx)
		if err != nil {
			return err
		}
		for _, live := range defs {
			if live.Name != step.Table {
				continue
			}
			if merged, changed := mergeFields(live, def); changed {
				return r.tx.PutTable(ctx, merged)
			}
		}
	}
	return nil
}

// eachBatch streams a table's records in batches, polling cancellation and
// publishing progress after every batch.
func (r *restoration) eachBatch(ctx context.Context, table string, fn func([]codec.Record) error) error {
	batch := make([]codec.Record, 0, r.p.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		r.processed += len(batch)
		batch = batch[:0]
		r.hooks.Progress(ledger.PhaseRestoring, r.percent())
		return r.hooks.Check()
	}
	err := r.archive.EachRecord(ctx, table, func(rec codec.Record) error {
		batch = append(batch, rec)
		if len(batch) >= r.p.batchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return err
	}
	return flush()
}

func (r *restoration) percent() int {
	if r.plan.TotalRecords == 0 {
		return pctRestoring
	}
	return pctRestoring + (pctFinalizing-pctRestoring-1)*r.processed/r.plan.TotalRecords
}

// stageFiles streams attachments into the staging area. Under
// preserve_system an existing live file wins.
func (r *restoration) stageFiles(ctx context.Context) error {
	stage, err := r.p.db.NewFileStage(r.runID)
	if err != nil {
		return err
	}
	r.stage = stage
	for _, fe := range r.plan.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		if r.opts.Mode == ModeExternal && r.opts.Strategy == PreserveSystem && r.p.db.FileExists(fe.Name) {
			r.filesSkipped++
			continue
		}
		rc, err := r.archive.OpenFile(fe.Name)
		if err != nil {
			return err
		}
		_, err = stage.Put(fe.Name, rc)
		rc.Close()
		if err != nil {
			return err
		}
		r.files++
	}
	return r.hooks.Check()
}

// commit makes the transaction durable, then installs staged files.
func (r *restoration) commit(ctx context.Context) error {
	if err := r.tx.Commit(); err != nil {
		r.abort()
		return &PhaseError{Phase: ledger.PhaseFinalizing, Err: err}
	}
	if r.stage != nil {
		if err := r.stage.Commit(); err != nil {
			_ = r.stage.Discard()
			return &PhaseError{Phase: ledger.PhaseFinalizing, Err: err, Committed: true}
		}
	}
	if r.plan.PruneFiles {
		keep := make(map[string]bool, len(r.plan.Files))
		for _, fe := range r.plan.Files {
			keep[fe.Name] = true
		}
		if _, err := r.p.db.RemoveFilesExcept(ctx, keep); err != nil {
			return &PhaseError{Phase: ledger.PhaseFinalizing, Err: err, Committed: true}
		}
	}
	return nil
}

// abort rolls back the transaction and discards staged files.
func (r *restoration) abort() {
	if r.tx != nil {
		if err := r.tx.Rollback(); err != nil {
			logging.Warn().Err(err).Str("run_id", r.runID).Msg("Restore transaction rollback failed")
		}
	}
	if r.stage != nil {
		if err := r.stage.Discard(); err != nil {
			logging.Warn().Err(err).Str("run_id", r.runID).Msg("Failed to discard staged files")
		}
	}
}

func ids(batch []codec.Record) []string {
	out := make([]string, len(batch))
	for i, rec := range batch {
		out[i] = rec.ID
	}
	return out
}
