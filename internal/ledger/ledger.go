// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/kv"
	"github.com/tomtom215/sauvegarde/internal/logging"
)

var (
	// ErrNotFound is returned for unknown run ids.
	ErrNotFound = errors.New("run not found")

	// ErrTerminal is returned when updating a run that already finished.
	ErrTerminal = errors.New("run already in a terminal state")

	// ErrNotAcquirable is returned when acquiring a run that is not pending.
	ErrNotAcquirable = errors.New("run is not pending")

	// ErrNotHolder is returned when a worker updates a run it did not acquire.
	ErrNotHolder = errors.New("run is held by another worker")

	// ErrRunActive is returned when deleting a run that is still running.
	ErrRunActive = errors.New("run is still running")
)

const seqName = "runs"

// ArtifactRemover deletes the archive owned by a backup row.
type ArtifactRemover interface {
	Remove(ref string) error
}

// Notifier receives an event after every committed change.
type Notifier interface {
	RunChanged(Event)
}

// Ledger is the durable history of backup and restore runs. One mutex
// serializes transitions; it is held only for the read-modify-write of a
// single row.
type Ledger struct {
	store    *kv.Store
	remover  ArtifactRemover
	mu       sync.Mutex
	notifier Notifier
	now      func() time.Time
}

// New returns a ledger over store. remover may be nil when rows never own
// files (tests).
func New(store *kv.Store, remover ArtifactRemover) *Ledger {
	return &Ledger{store: store, remover: remover, now: time.Now}
}

// SetClock replaces the time source used for run timestamps. It must be
// called before the ledger is shared.
func (l *Ledger) SetClock(now func() time.Time) {
	l.now = now
}

// SetNotifier installs the change listener.
func (l *Ledger) SetNotifier(n Notifier) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notifier = n
}

func key(kind Kind, id string) string {
	return "run/" + string(kind) + "/" + id
}

// run is implemented by *BackupRun and *RestoreRun.
type run interface {
	state() *RunState
	runID() string
}

func (b *BackupRun) state() *RunState  { return &b.RunState }
func (b *BackupRun) runID() string     { return b.ID }
func (r *RestoreRun) state() *RunState { return &r.RunState }
func (r *RestoreRun) runID() string    { return r.ID }

func newRun(kind Kind) run {
	if kind == KindBackup {
		return &BackupRun{}
	}
	return &RestoreRun{}
}

func (l *Ledger) load(txn *badger.Txn, kind Kind, id string) (run, error) {
	r := newRun(kind)
	if err := kv.GetJSON(txn, key(kind, id), r); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return r, nil
}

// mutate applies fn to one row under the ledger mutex and publishes the
// resulting event.
func (l *Ledger) mutate(kind Kind, id string, fn func(r run) error) (run, error) {
	l.mu.Lock()
	var out run
	err := l.store.Update(func(txn *badger.Txn) error {
		r, err := l.load(txn, kind, id)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
		r.state().Version++
		out = r
		return kv.SetJSON(txn, key(kind, id), r)
	})
	notifier := l.notifier
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if notifier != nil {
		notifier.RunChanged(eventOf(kind, out))
	}
	return out, nil
}

func eventOf(kind Kind, r run) Event {
	s := r.state()
	return Event{Kind: kind, RunID: r.runID(), Status: s.Status, Phase: s.Phase, Progress: s.Progress, Version: s.Version}
}

func (l *Ledger) insert(ctx context.Context, kind Kind, r run) error {
	l.mu.Lock()
	err := l.store.Update(func(txn *badger.Txn) error {
		return kv.SetJSON(txn, key(kind, r.runID()), r)
	})
	notifier := l.notifier
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("store %s run: %w", kind, err)
	}
	logging.Ctx(ctx).Info().Str("run_id", r.runID()).Str("kind", string(kind)).Msg("Run enqueued")
	if notifier != nil {
		notifier.RunChanged(eventOf(kind, r))
	}
	return nil
}

func (l *Ledger) newState() (RunState, uint64, error) {
	seq, err := l.store.NextSeq(seqName)
	if err != nil {
		return RunState{}, 0, err
	}
	return RunState{Status: StatusPending, Progress: 0, Version: 1, CreatedAt: l.now().UTC()}, seq, nil
}

// BackupSpec describes a backup to enqueue.
type BackupSpec struct {
	ConfigurationID    *string
	ConfigurationName  string
	BackupName         string
	BackupType         codec.BackupType
	IncludeFiles       bool
	CompressionEnabled bool
	RetentionDays      int
	Trigger            Trigger
}

// DefaultBackupName is the name given to unnamed backups.
func DefaultBackupName(prefix string, t codec.BackupType, at time.Time) string {
	return fmt.Sprintf("%s_%s_%s", prefix, t, at.UTC().Format("2006-01-02T15-04-05"))
}

// EnqueueBackup records a pending backup run.
func (l *Ledger) EnqueueBackup(ctx context.Context, spec BackupSpec) (*BackupRun, error) {
	if !spec.BackupType.Valid() {
		return nil, fmt.Errorf("invalid backup type %q", spec.BackupType)
	}
	st, seq, err := l.newState()
	if err != nil {
		return nil, err
	}
	if spec.BackupName == "" {
		spec.BackupName = DefaultBackupName("Sauvegarde", spec.BackupType, st.CreatedAt)
	}
	if spec.Trigger == "" {
		spec.Trigger = TriggerManual
	}
	b := &BackupRun{
		ID:                 uuid.NewString(),
		Seq:                seq,
		ConfigurationID:    spec.ConfigurationID,
		ConfigurationName:  spec.ConfigurationName,
		BackupName:         spec.BackupName,
		BackupType:         spec.BackupType,
		IncludeFiles:       spec.IncludeFiles,
		CompressionEnabled: spec.CompressionEnabled,
		RetentionDays:      spec.RetentionDays,
		Trigger:            spec.Trigger,
		RunState:           st,
	}
	if err := l.insert(ctx, KindBackup, b); err != nil {
		return nil, err
	}
	return b, nil
}

// RestoreSpec describes a restoration to enqueue.
type RestoreSpec struct {
	RestoreName   string
	RestoreType   RestoreType
	SourceType    SourceType
	BackupID      *string
	BackupName    string
	UploadID      *string
	UploadName    string
	MergeStrategy string
	Options       RestoreOptions
}

// EnqueueRestore records a pending restoration run.
func (l *Ledger) EnqueueRestore(ctx context.Context, spec RestoreSpec) (*RestoreRun, error) {
	switch spec.SourceType {
	case SourceClassic:
		if spec.BackupID == nil {
			return nil, errors.New("classic restoration requires a backup id")
		}
	case SourceExternal:
		if spec.UploadID == nil {
			return nil, errors.New("external restoration requires an upload id")
		}
	default:
		return nil, fmt.Errorf("invalid source type %q", spec.SourceType)
	}
	st, seq, err := l.newState()
	if err != nil {
		return nil, err
	}
	if spec.RestoreName == "" {
		spec.RestoreName = fmt.Sprintf("Restauration_%s_%s", spec.SourceType, st.CreatedAt.Format("2006-01-02T15-04-05"))
	}
	r := &RestoreRun{
		ID:            uuid.NewString(),
		Seq:           seq,
		RestoreName:   spec.RestoreName,
		RestoreType:   spec.RestoreType,
		SourceType:    spec.SourceType,
		BackupID:      spec.BackupID,
		BackupName:    spec.BackupName,
		UploadID:      spec.UploadID,
		UploadName:    spec.UploadName,
		MergeStrategy: spec.MergeStrategy,
		Options:       spec.Options,
		RunState:      st,
	}
	if err := l.insert(ctx, KindRestore, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Acquire moves a pending run to running on behalf of worker. Only the
// acquiring worker may update the run afterwards.
func (l *Ledger) Acquire(ctx context.Context, kind Kind, id, worker string) error {
	_, err := l.mutate(kind, id, func(r run) error {
		s := r.state()
		if s.Status != StatusPending {
			return ErrNotAcquirable
		}
		now := l.now().UTC()
		s.Status = StatusRunning
		s.StartedAt = &now
		s.HeartbeatAt = &now
		s.Worker = worker
		s.Phase = PhaseAnalyzing
		return nil
	})
	if err == nil {
		logging.Ctx(ctx).Debug().Str("run_id", id).Str("kind", string(kind)).Str("worker", worker).Msg("Run acquired")
	}
	return err
}

func (l *Ledger) running(r run, worker string) (*RunState, error) {
	s := r.state()
	if s.Status.Terminal() {
		return nil, ErrTerminal
	}
	if s.Status != StatusRunning {
		return nil, ErrNotAcquirable
	}
	if worker != "" && s.Worker != worker {
		return nil, ErrNotHolder
	}
	return s, nil
}

// Progress records a phase and percent and counts as a heartbeat. Percent
// never decreases and phases never move backwards.
func (l *Ledger) Progress(ctx context.Context, kind Kind, id, worker, phase string, percent int) error {
	_, err := l.mutate(kind, id, func(r run) error {
		s, err := l.running(r, worker)
		if err != nil {
			return err
		}
		applyProgress(s, phase, percent)
		now := l.now().UTC()
		s.HeartbeatAt = &now
		return nil
	})
	return err
}

func applyProgress(s *RunState, phase string, percent int) {
	if percent > 100 {
		percent = 100
	}
	if percent > s.Progress {
		s.Progress = percent
	}
	if phase == "" {
		return
	}
	cur, okCur := phaseRank[s.Phase]
	next, okNext := phaseRank[phase]
	if !okCur || !okNext || next >= cur {
		s.Phase = phase
	}
}

// Heartbeat proves liveness without changing progress.
func (l *Ledger) Heartbeat(ctx context.Context, kind Kind, id, worker string) error {
	_, err := l.mutate(kind, id, func(r run) error {
		s, err := l.running(r, worker)
		if err != nil {
			return err
		}
		now := l.now().UTC()
		s.HeartbeatAt = &now
		return nil
	})
	return err
}

func (l *Ledger) finish(s *RunState, status Status) {
	now := l.now().UTC()
	if s.StartedAt == nil {
		s.StartedAt = &now
	}
	if now.Before(*s.StartedAt) {
		now = *s.StartedAt
	}
	s.CompletedAt = &now
	d := now.Sub(*s.StartedAt).Seconds()
	s.DurationSeconds = &d
	s.Status = status
	s.CancelRequested = false
	switch status {
	case StatusCompleted:
		s.Phase = PhaseSuccess
		s.Progress = 100
	case StatusFailed:
		s.Phase = PhaseFailed
	}
}

// CompleteBackup fills the artifact fields and marks the run completed.
func (l *Ledger) CompleteBackup(ctx context.Context, id, worker string, res BackupResult) (*BackupRun, error) {
	if res.FilePath == "" || res.FileSize < 0 {
		return nil, errors.New("completed backup requires a file path and size")
	}
	r, err := l.mutate(KindBackup, id, func(r run) error {
		s, err := l.running(r, worker)
		if err != nil {
			return err
		}
		b := r.(*BackupRun)
		b.FilePath = res.FilePath
		b.FileSize = res.FileSize
		b.Checksum = res.Checksum
		b.TablesCount = res.Tables
		b.RecordsCount = res.Records
		b.FilesCount = res.Files
		l.finish(s, StatusCompleted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Ctx(ctx).Info().Str("run_id", id).Int64("file_size", res.FileSize).Msg("Backup completed")
	return r.(*BackupRun), nil
}

// CompleteRestore records the counters and marks the run completed.
func (l *Ledger) CompleteRestore(ctx context.Context, id, worker string, stats RestoreStats) (*RestoreRun, error) {
	r, err := l.mutate(KindRestore, id, func(r run) error {
		s, err := l.running(r, worker)
		if err != nil {
			return err
		}
		r.(*RestoreRun).Stats = stats
		l.finish(s, StatusCompleted)
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Ctx(ctx).Info().Str("run_id", id).Int("records_restored", stats.RecordsRestored).Msg("Restoration completed")
	return r.(*RestoreRun), nil
}

// SetRestoreStats updates the counters of a running restoration.
func (l *Ledger) SetRestoreStats(ctx context.Context, id, worker string, stats RestoreStats) error {
	_, err := l.mutate(KindRestore, id, func(r run) error {
		if _, err := l.running(r, worker); err != nil {
			return err
		}
		r.(*RestoreRun).Stats = stats
		return nil
	})
	return err
}

// SetPreBackup links the safety backup taken before a restoration.
func (l *Ledger) SetPreBackup(ctx context.Context, id, worker, backupID string) error {
	_, err := l.mutate(KindRestore, id, func(r run) error {
		if _, err := l.running(r, worker); err != nil {
			return err
		}
		r.(*RestoreRun).PreBackupID = &backupID
		return nil
	})
	return err
}

// Fail marks a pending or running run failed with msg.
func (l *Ledger) Fail(ctx context.Context, kind Kind, id, msg string) error {
	_, err := l.mutate(kind, id, func(r run) error {
		s := r.state()
		if s.Status.Terminal() {
			return ErrTerminal
		}
		s.ErrorMessage = msg
		l.finish(s, StatusFailed)
		return nil
	})
	if err == nil {
		logging.Ctx(ctx).Warn().Str("run_id", id).Str("kind", string(kind)).Str("error", msg).Msg("Run failed")
	}
	return err
}

// Cancel requests cancellation. A pending run is cancelled at once; a
// running run gets a flag its worker observes. Cancelling a finished run is
// a no-op. The returned status is the one after the call.
func (l *Ledger) Cancel(ctx context.Context, kind Kind, id string) (Status, error) {
	var status Status
	_, err := l.mutate(kind, id, func(r run) error {
		s := r.state()
		switch {
		case s.Status.Terminal():
		case s.Status == StatusPending:
			l.finish(s, StatusCancelled)
		default:
			s.CancelRequested = true
		}
		status = s.Status
		return nil
	})
	if err != nil {
		return "", err
	}
	logging.Ctx(ctx).Info().Str("run_id", id).Str("kind", string(kind)).Str("status", string(status)).Msg("Cancellation requested")
	return status, nil
}

// MarkCancelled is called by the worker once it has stopped and cleaned up.
func (l *Ledger) MarkCancelled(ctx context.Context, kind Kind, id, msg string) error {
	_, err := l.mutate(kind, id, func(r run) error {
		s := r.state()
		if s.Status.Terminal() {
			return ErrTerminal
		}
		s.ErrorMessage = msg
		l.finish(s, StatusCancelled)
		return nil
	})
	return err
}

// DetachConfiguration nulls the configuration reference of every run that
// points at configID while keeping its name as a label.
func (l *Ledger) DetachConfiguration(ctx context.Context, configID, name string) (int, error) {
	runs, err := l.AllBackups(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range runs {
		if b.ConfigurationID == nil || *b.ConfigurationID != configID {
			continue
		}
		_, err := l.mutate(KindBackup, b.ID, func(r run) error {
			br := r.(*BackupRun)
			br.ConfigurationID = nil
			if br.ConfigurationName == "" {
				br.ConfigurationName = name
			}
			return nil
		})
		if err != nil && !errors.Is(err, ErrNotFound) {
			return n, err
		}
		n++
	}
	return n, nil
}

// DeleteBackup removes the row and then its archive. A running backup
// cannot be deleted.
func (l *Ledger) DeleteBackup(ctx context.Context, id string) (*BackupRun, error) {
	b, err := l.deleteRow(KindBackup, id)
	if err != nil {
		return nil, err
	}
	br := b.(*BackupRun)
	if br.FilePath != "" && l.remover != nil {
		if err := l.remover.Remove(br.FilePath); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Str("run_id", id).Str("file", br.FilePath).Msg("Archive removal failed")
		}
	}
	logging.Ctx(ctx).Info().Str("run_id", id).Msg("Backup deleted")
	return br, nil
}

// DeleteRestore removes a restoration history entry.
func (l *Ledger) DeleteRestore(ctx context.Context, id string) error {
	_, err := l.deleteRow(KindRestore, id)
	return err
}

func (l *Ledger) deleteRow(kind Kind, id string) (run, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out run
	err := l.store.Update(func(txn *badger.Txn) error {
		r, err := l.load(txn, kind, id)
		if err != nil {
			return err
		}
		if r.state().Status == StatusRunning {
			return ErrRunActive
		}
		out = r
		return txn.Delete([]byte(key(kind, id)))
	})
	return out, err
}

// Recover runs at startup: runs left running by a crash fail, and pending
// runs are returned in creation order for resubmission.
func (l *Ledger) Recover(ctx context.Context) ([]RunRef, error) {
	refs, err := l.refs(ctx)
	if err != nil {
		return nil, err
	}
	var pending []RunRef
	for _, ref := range refs {
		switch ref.status {
		case StatusRunning:
			if err := l.Fail(ctx, ref.Kind, ref.ID, "interrupted by restart"); err != nil && !errors.Is(err, ErrTerminal) {
				return nil, err
			}
		case StatusPending:
			pending = append(pending, ref.RunRef)
		}
	}
	if len(pending) > 0 || len(refs) > 0 {
		logging.Ctx(ctx).Info().Int("pending", len(pending)).Msg("Ledger recovered")
	}
	return pending, nil
}
