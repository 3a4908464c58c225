// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
manager.go - Engine Core

This file holds the Engine struct, its construction and the worker entry
point that dispatches queued runs to the backup and restore jobs.

Engine Responsibilities:
  - Enqueue runs in the ledger and hand them to the worker pool
  - Execute backup and restore jobs on pool workers
  - Mark failed runs, emit heartbeats, honour cancellation
  - Resubmit pending runs after a restart
*/

//nolint:staticcheck // File documentation, not package doc
package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tomtom215/sauvegarde/internal/artifact"
	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/config"
	"github.com/tomtom215/sauvegarde/internal/database"
	"github.com/tomtom215/sauvegarde/internal/gatekeeper"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/planner"
	"github.com/tomtom215/sauvegarde/internal/registry"
	"github.com/tomtom215/sauvegarde/internal/worker"
)

// Deps are the components the engine orchestrates.
type Deps struct {
	Backup     *config.BackupConfig
	Storage    *config.StorageConfig
	Artifacts  *artifact.Store
	Keys       *codec.Keyring
	Registry   *registry.Registry
	Ledger     *ledger.Ledger
	Gatekeeper *gatekeeper.Gatekeeper
	Planner    *planner.Planner
	Store      *database.Store
}

// Engine drives backups and restorations through the worker pool.
type Engine struct {
	cfg       config.BackupConfig
	storage   config.StorageConfig
	artifacts *artifact.Store
	keys      *codec.Keyring
	registry  *registry.Registry
	ledger    *ledger.Ledger
	gate      *gatekeeper.Gatekeeper
	planner   *planner.Planner
	db        *database.Store
	pool      *worker.Pool
	now       func() time.Time
}

var _ worker.Executor = (*Engine)(nil)

// New wires an engine and its worker pool. The pool does nothing until it
// is served.
func New(d Deps) (*Engine, error) {
	if d.Backup == nil || d.Storage == nil {
		return nil, errors.New("backup and storage configuration are required")
	}
	if d.Artifacts == nil || d.Keys == nil || d.Registry == nil || d.Ledger == nil ||
		d.Gatekeeper == nil || d.Planner == nil || d.Store == nil {
		return nil, errors.New("engine dependencies are incomplete")
	}
	e := &Engine{
		cfg:       *d.Backup,
		storage:   *d.Storage,
		artifacts: d.Artifacts,
		keys:      d.Keys,
		registry:  d.Registry,
		ledger:    d.Ledger,
		gate:      d.Gatekeeper,
		planner:   d.Planner,
		db:        d.Store,
		now:       time.Now,
	}
	e.pool = worker.New(worker.Config{
		Size:              d.Backup.PoolSize,
		QueueSize:         d.Backup.QueueSize,
		HeartbeatInterval: d.Backup.HeartbeatInterval,
	}, e)
	e.pool.OnFailure(e.handleFailure)
	e.pool.OnHeartbeat(e.heartbeat)
	return e, nil
}

// Pool returns the worker pool so the supervisor can serve it.
func (e *Engine) Pool() *worker.Pool { return e.pool }

// Ledger returns the run ledger.
func (e *Engine) Ledger() *ledger.Ledger { return e.ledger }

// Registry returns the configuration registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// Gatekeeper returns the upload gatekeeper.
func (e *Engine) Gatekeeper() *gatekeeper.Gatekeeper { return e.gate }

// Execute runs one queued task. It implements worker.Executor.
func (e *Engine) Execute(ctx context.Context, task worker.Task, w string) error {
	kind := ledger.Kind(task.Kind)
	if err := e.ledger.Acquire(ctx, kind, task.ID, w); err != nil {
		if errors.Is(err, ledger.ErrNotAcquirable) || errors.Is(err, ledger.ErrNotFound) {
			// Cancelled or deleted while queued.
			logging.Ctx(ctx).Debug().Str("kind", task.Kind).Msg("Skipping run that is no longer pending")
			return nil
		}
		return err
	}
	switch kind {
	case ledger.KindBackup:
		return e.runBackup(ctx, task.ID, w)
	case ledger.KindRestore:
		return e.runRestore(ctx, task.ID, w)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

// handleFailure marks the run failed. Runs that already reached a terminal
// state are left alone.
func (e *Engine) handleFailure(task worker.Task, w string, err error) {
	ctx := logging.ContextWithRunID(context.Background(), task.ID)
	msg := err.Error()
	var pe *worker.PanicError
	if errors.As(err, &pe) {
		msg = "internal error: " + pe.Error()
	}
	if ferr := e.ledger.Fail(ctx, ledger.Kind(task.Kind), task.ID, msg); ferr != nil &&
		!errors.Is(ferr, ledger.ErrTerminal) && !errors.Is(ferr, ledger.ErrNotFound) {
		logging.Ctx(ctx).Error().Err(ferr).Str("worker", w).Msg("Failed to record run failure")
	}
}

// heartbeat proves liveness and turns a ledger cancellation flag into a
// context cancellation.
func (e *Engine) heartbeat(ctx context.Context, task worker.Task, w string) error {
	kind := ledger.Kind(task.Kind)
	if err := e.ledger.Heartbeat(ctx, kind, task.ID, w); err != nil {
		return err
	}
	if requested, err := e.ledger.IsCancelRequested(ctx, kind, task.ID); err == nil && requested {
		e.pool.Cancel(task)
	}
	return nil
}

// submit hands a freshly enqueued run to the pool. A run the pool refuses
// is failed so it does not sit pending forever.
func (e *Engine) submit(ctx context.Context, kind ledger.Kind, id string) error {
	err := e.pool.Submit(worker.Task{Kind: string(kind), ID: id})
	if err == nil {
		return nil
	}
	if ferr := e.ledger.Fail(ctx, kind, id, "not scheduled: "+err.Error()); ferr != nil {
		logging.Ctx(ctx).Warn().Err(ferr).Str("run_id", id).Msg("Failed to record rejected run")
	}
	return err
}

// CancelRun requests cooperative cancellation. A pending run is cancelled
// at once; a running one stops at its next check. It returns the run's
// status after the request.
func (e *Engine) CancelRun(ctx context.Context, kind ledger.Kind, id string) (ledger.Snapshot, error) {
	status, err := e.ledger.Cancel(ctx, kind, id)
	if err != nil {
		return ledger.Snapshot{}, err
	}
	switch status {
	case ledger.StatusRunning:
		e.pool.Cancel(worker.Task{Kind: string(kind), ID: id})
	case ledger.StatusCancelled:
		if kind == ledger.KindRestore {
			e.releaseUpload(ctx, id)
		}
	}
	return e.ledger.Snapshot(ctx, kind, id)
}

// releaseUpload drops the upload reservation held by a restoration.
func (e *Engine) releaseUpload(ctx context.Context, restoreID string) {
	run, err := e.ledger.GetRestore(ctx, restoreID)
	if err != nil || run.UploadID == nil {
		return
	}
	if err := e.gate.Release(ctx, *run.UploadID, restoreID); err != nil {
		logging.Ctx(ctx).Warn().Err(err).Str("upload_id", *run.UploadID).Msg("Failed to release upload")
	}
}

// Recover runs once at startup: interrupted runs are failed, orphaned
// upload reservations released, unsettled uploads revalidated and pending
// runs resubmitted in creation order.
func (e *Engine) Recover(ctx context.Context) error {
	pending, err := e.ledger.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover ledger: %w", err)
	}
	if err := e.releaseOrphanReservations(ctx); err != nil {
		return err
	}
	if n, err := e.gate.Recover(ctx); err != nil {
		return fmt.Errorf("recover uploads: %w", err)
	} else if n > 0 {
		logging.Ctx(ctx).Info().Int("uploads", n).Msg("Revalidating interrupted uploads")
	}
	for _, ref := range pending {
		if err := e.pool.Submit(worker.Task{Kind: string(ref.Kind), ID: ref.ID}); err != nil {
			return fmt.Errorf("resubmit %s/%s: %w", ref.Kind, ref.ID, err)
		}
	}
	if len(pending) > 0 {
		logging.Ctx(ctx).Info().Int("runs", len(pending)).Msg("Pending runs resubmitted")
	}
	return nil
}

func (e *Engine) releaseOrphanReservations(ctx context.Context) error {
	uploads, err := e.gate.List(ctx)
	if err != nil {
		return fmt.Errorf("list uploads: %w", err)
	}
	for _, u := range uploads {
		if u.ReservedBy == "" {
			continue
		}
		run, err := e.ledger.GetRestore(ctx, u.ReservedBy)
		if err == nil && !run.Status.Terminal() {
			continue
		}
		if err := e.gate.Release(ctx, u.ID, u.ReservedBy); err != nil {
			return fmt.Errorf("release upload %s: %w", u.ID, err)
		}
		logging.Ctx(ctx).Info().Str("upload_id", u.ID).Str("run_id", u.ReservedBy).Msg("Released orphaned upload reservation")
	}
	return nil
}
