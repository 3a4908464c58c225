// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package ledger

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/kv"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingRemover struct {
	mu      sync.Mutex
	removed []string
}

func (r *recordingRemover) Remove(ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, ref)
	return nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) RunChanged(e Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, e)
}

func newTestLedger(t *testing.T) (*Ledger, *fakeClock, *recordingRemover) {
	t.Helper()
	store, err := kv.Open(kv.Options{InMemory: true})
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	rm := &recordingRemover{}
	l := New(store, rm)
	clock := &fakeClock{now: time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clock.Now
	return l, clock, rm
}

func enqueueBackup(t *testing.T, l *Ledger) *BackupRun {
	t.Helper()
	b, err := l.EnqueueBackup(context.Background(), BackupSpec{BackupType: codec.TypeFull})
	if err != nil {
		t.Fatalf("EnqueueBackup: %v", err)
	}
	return b
}

func TestEnqueueBackupDefaults(t *testing.T) {
	l, _, _ := newTestLedger(t)
	b := enqueueBackup(t, l)
	if b.Status != StatusPending || b.Version != 1 || b.Trigger != TriggerManual {
		t.Errorf("run = %+v", b)
	}
	if b.BackupName != "Sauvegarde_full_2026-05-01T12-00-00" {
		t.Errorf("default name = %q", b.BackupName)
	}
	if _, err := l.EnqueueBackup(context.Background(), BackupSpec{BackupType: "bogus"}); err == nil {
		t.Error("invalid type accepted")
	}
}

func TestBackupLifecycle(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLedger(t)
	n := &recordingNotifier{}
	l.SetNotifier(n)
	b := enqueueBackup(t, l)

	if err := l.Progress(ctx, KindBackup, b.ID, "w1", PhaseEncoding, 10); !errors.Is(err, ErrNotAcquirable) {
		t.Errorf("Progress before acquire: %v", err)
	}
	if err := l.Acquire(ctx, KindBackup, b.ID, "w1"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Acquire(ctx, KindBackup, b.ID, "w2"); !errors.Is(err, ErrNotAcquirable) {
		t.Errorf("second Acquire: %v", err)
	}
	if err := l.Progress(ctx, KindBackup, b.ID, "w2", PhaseEncoding, 10); !errors.Is(err, ErrNotHolder) {
		t.Errorf("Progress by non-holder: %v", err)
	}

	steps := []struct {
		phase   string
		percent int
		want    int
		wantPh  string
	}{
		{PhaseEncoding, 25, 25, PhaseEncoding},
		{PhaseWriting, 75, 75, PhaseWriting},
		{PhaseEncoding, 40, 75, PhaseWriting},
		{PhaseFinalizing, 95, 95, PhaseFinalizing},
		{"", 150, 100, PhaseFinalizing},
	}
	for _, s := range steps {
		clock.Advance(time.Second)
		if err := l.Progress(ctx, KindBackup, b.ID, "w1", s.phase, s.percent); err != nil {
			t.Fatalf("Progress: %v", err)
		}
		snap, _ := l.Snapshot(ctx, KindBackup, b.ID)
		if snap.Progress != s.want || snap.Phase != s.wantPh {
			t.Errorf("after %s/%d: progress %d phase %s", s.phase, s.percent, snap.Progress, snap.Phase)
		}
	}

	snap, _ := l.Snapshot(ctx, KindBackup, b.ID)
	if snap.DurationSeconds == nil || *snap.DurationSeconds != 5 {
		t.Errorf("running duration = %v, want 5 elapsed seconds", snap.DurationSeconds)
	}

	clock.Advance(10 * time.Second)
	done, err := l.CompleteBackup(ctx, b.ID, "w1", BackupResult{FilePath: "a.zip", FileSize: 42, Tables: 2, Records: 7})
	if err != nil {
		t.Fatalf("CompleteBackup: %v", err)
	}
	if done.Status != StatusCompleted || done.Phase != PhaseSuccess || done.Progress != 100 {
		t.Errorf("completed run = %+v", done.RunState)
	}
	if got := *done.DurationSeconds; got != done.CompletedAt.Sub(*done.StartedAt).Seconds() || got != 15 {
		t.Errorf("duration = %v", got)
	}

	if err := l.Progress(ctx, KindBackup, b.ID, "w1", PhaseWriting, 50); !errors.Is(err, ErrTerminal) {
		t.Errorf("Progress after completion: %v", err)
	}
	if err := l.Fail(ctx, KindBackup, b.ID, "late"); !errors.Is(err, ErrTerminal) {
		t.Errorf("Fail after completion: %v", err)
	}
	if status, err := l.Cancel(ctx, KindBackup, b.ID); err != nil || status != StatusCompleted {
		t.Errorf("Cancel after completion = %s, %v", status, err)
	}

	// Versions strictly increase across published events.
	var last uint64
	for _, e := range n.events {
		if e.Version <= last {
			t.Fatalf("version went from %d to %d", last, e.Version)
		}
		last = e.Version
	}
}

func TestSnapshotElapsedDuration(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLedger(t)
	b := enqueueBackup(t, l)

	if snap, _ := l.Snapshot(ctx, KindBackup, b.ID); snap.DurationSeconds != nil {
		t.Errorf("pending duration = %v, want nil", *snap.DurationSeconds)
	}
	if err := l.Acquire(ctx, KindBackup, b.ID, "w"); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	clock.Advance(90 * time.Second)
	snap, _ := l.Snapshot(ctx, KindBackup, b.ID)
	if snap.DurationSeconds == nil || *snap.DurationSeconds != 90 {
		t.Errorf("running duration = %v, want 90", snap.DurationSeconds)
	}

	if err := l.Fail(ctx, KindBackup, b.ID, "boom"); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	clock.Advance(time.Hour)
	snap, _ = l.Snapshot(ctx, KindBackup, b.ID)
	if snap.DurationSeconds == nil || *snap.DurationSeconds != 90 {
		t.Errorf("failed duration = %v, want frozen at 90", snap.DurationSeconds)
	}
}

func TestCompleteBackupRequiresFile(t *testing.T) {
	l, _, _ := newTestLedger(t)
	b := enqueueBackup(t, l)
	_ = l.Acquire(context.Background(), KindBackup, b.ID, "w")
	if _, err := l.CompleteBackup(context.Background(), b.ID, "w", BackupResult{}); err == nil {
		t.Error("completion without file path accepted")
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	pending := enqueueBackup(t, l)
	status, err := l.Cancel(ctx, KindBackup, pending.ID)
	if err != nil || status != StatusCancelled {
		t.Fatalf("Cancel pending = %s, %v", status, err)
	}
	got, _ := l.GetBackup(ctx, pending.ID)
	if got.StartedAt == nil || got.CompletedAt == nil || *got.DurationSeconds != 0 {
		t.Errorf("cancelled pending run times = %+v", got.RunState)
	}
	if err := l.Acquire(ctx, KindBackup, pending.ID, "w"); !errors.Is(err, ErrNotAcquirable) {
		t.Errorf("Acquire cancelled: %v", err)
	}

	running := enqueueBackup(t, l)
	_ = l.Acquire(ctx, KindBackup, running.ID, "w")
	status, err = l.Cancel(ctx, KindBackup, running.ID)
	if err != nil || status != StatusRunning {
		t.Fatalf("Cancel running = %s, %v", status, err)
	}
	if req, _ := l.IsCancelRequested(ctx, KindBackup, running.ID); !req {
		t.Error("cancel flag not set")
	}
	if err := l.MarkCancelled(ctx, KindBackup, running.ID, ""); err != nil {
		t.Fatalf("MarkCancelled: %v", err)
	}
	snap, _ := l.Snapshot(ctx, KindBackup, running.ID)
	if snap.Status != StatusCancelled {
		t.Errorf("status = %s", snap.Status)
	}

	if _, err := l.Cancel(ctx, KindBackup, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Cancel missing: %v", err)
	}
}

func TestRestoreLifecycle(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)

	if _, err := l.EnqueueRestore(ctx, RestoreSpec{SourceType: SourceExternal}); err == nil {
		t.Error("external restore without upload accepted")
	}
	uploadID := "u1"
	r, err := l.EnqueueRestore(ctx, RestoreSpec{
		SourceType: SourceExternal, RestoreType: RestoreMerge, UploadID: &uploadID, MergeStrategy: "preserve_system",
	})
	if err != nil {
		t.Fatalf("EnqueueRestore: %v", err)
	}
	if !strings.HasPrefix(r.RestoreName, "Restauration_external_") {
		t.Errorf("restore name = %q", r.RestoreName)
	}
	_ = l.Acquire(ctx, KindRestore, r.ID, "w")
	_ = l.SetPreBackup(ctx, r.ID, "w", "b1")
	preserved, conflicts := 1, 1
	done, err := l.CompleteRestore(ctx, r.ID, "w", RestoreStats{
		TablesRestored: 1, RecordsRestored: 1, SystemTablesPreserved: &preserved, ConflictsResolved: &conflicts,
	})
	if err != nil {
		t.Fatalf("CompleteRestore: %v", err)
	}
	if done.Stats.RecordsRestored != 1 || *done.Stats.ConflictsResolved != 1 || *done.PreBackupID != "b1" {
		t.Errorf("restore = %+v", done)
	}
	if err := l.DeleteRestore(ctx, r.ID); err != nil {
		t.Fatalf("DeleteRestore: %v", err)
	}
	snap, err := l.Snapshot(ctx, KindRestore, r.ID)
	if err != nil || snap.Status != StatusDeleted {
		t.Errorf("snapshot after delete = %+v, %v", snap, err)
	}
}

func TestDeleteBackupCascades(t *testing.T) {
	ctx := context.Background()
	l, _, rm := newTestLedger(t)
	b := enqueueBackup(t, l)
	_ = l.Acquire(ctx, KindBackup, b.ID, "w")

	if _, err := l.DeleteBackup(ctx, b.ID); !errors.Is(err, ErrRunActive) {
		t.Errorf("delete running: %v", err)
	}
	_, _ = l.CompleteBackup(ctx, b.ID, "w", BackupResult{FilePath: "x-1234.zip", FileSize: 1})
	if _, err := l.DeleteBackup(ctx, b.ID); err != nil {
		t.Fatalf("DeleteBackup: %v", err)
	}
	if len(rm.removed) != 1 || rm.removed[0] != "x-1234.zip" {
		t.Errorf("removed = %v", rm.removed)
	}
	snap, _ := l.Snapshot(ctx, KindBackup, b.ID)
	if snap.Status != StatusDeleted {
		t.Errorf("status = %s, want deleted", snap.Status)
	}
	if _, err := l.GetBackup(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetBackup after delete: %v", err)
	}
}

func TestListPagination(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)
	var ids []string
	for i := 0; i < 5; i++ {
		ids = append(ids, enqueueBackup(t, l).ID)
	}
	_, _ = l.Cancel(ctx, KindBackup, ids[0])

	page, err := l.ListBackups(ctx, BackupFilter{}, 1, 2)
	if err != nil {
		t.Fatal(err)
	}
	if page.Total != 5 || len(page.Items) != 2 || page.Items[0].ID != ids[4] {
		t.Errorf("page 1 = total %d items %d", page.Total, len(page.Items))
	}
	page, _ = l.ListBackups(ctx, BackupFilter{}, 3, 2)
	if len(page.Items) != 1 || page.Items[0].ID != ids[0] {
		t.Errorf("page 3 = %+v", page.Items)
	}
	page, _ = l.ListBackups(ctx, BackupFilter{}, 9, 2)
	if page.Items == nil || len(page.Items) != 0 {
		t.Errorf("past the end = %+v", page.Items)
	}
	page, _ = l.ListBackups(ctx, BackupFilter{Status: StatusCancelled}, 1, 0)
	if page.Total != 1 || page.Limit != DefaultPageLimit {
		t.Errorf("filtered = %+v", page)
	}
}

func TestStuckAndRecover(t *testing.T) {
	ctx := context.Background()
	l, clock, _ := newTestLedger(t)
	stuck := enqueueBackup(t, l)
	fresh := enqueueBackup(t, l)
	waiting := enqueueBackup(t, l)
	_ = l.Acquire(ctx, KindBackup, stuck.ID, "w1")

	clock.Advance(31 * time.Minute)
	_ = l.Acquire(ctx, KindBackup, fresh.ID, "w2")

	runs, err := l.Stuck(ctx, 30*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 1 || runs[0].ID != stuck.ID {
		t.Fatalf("Stuck = %+v", runs)
	}
	if snap, _ := l.Snapshot(ctx, KindBackup, stuck.ID); snap.Status != StatusRunning {
		t.Error("stuck run was transitioned")
	}

	pending, err := l.Recover(ctx)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != waiting.ID {
		t.Errorf("pending = %+v", pending)
	}
	got, _ := l.GetBackup(ctx, stuck.ID)
	if got.Status != StatusFailed || got.ErrorMessage != "interrupted by restart" {
		t.Errorf("crashed run = %+v", got.RunState)
	}
}

func TestPendingOrderAcrossKinds(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)
	b1 := enqueueBackup(t, l)
	backupID := b1.ID
	r1, _ := l.EnqueueRestore(ctx, RestoreSpec{SourceType: SourceClassic, RestoreType: RestoreFull, BackupID: &backupID})
	b2 := enqueueBackup(t, l)

	refs, err := l.Pending(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{b1.ID, r1.ID, b2.ID}
	if len(refs) != 3 {
		t.Fatalf("refs = %+v", refs)
	}
	for i, id := range want {
		if refs[i].ID != id {
			t.Errorf("refs[%d] = %s, want %s", i, refs[i].ID, id)
		}
	}
}

func TestDetachConfiguration(t *testing.T) {
	ctx := context.Background()
	l, _, _ := newTestLedger(t)
	cfg := "cfg-1"
	b, _ := l.EnqueueBackup(ctx, BackupSpec{BackupType: codec.TypeData, ConfigurationID: &cfg})
	other := enqueueBackup(t, l)

	n, err := l.DetachConfiguration(ctx, cfg, "Quotidienne")
	if err != nil || n != 1 {
		t.Fatalf("DetachConfiguration = %d, %v", n, err)
	}
	got, _ := l.GetBackup(ctx, b.ID)
	if got.ConfigurationID != nil || got.ConfigurationName != "Quotidienne" {
		t.Errorf("detached run = %+v", got)
	}
	if o, _ := l.GetBackup(ctx, other.ID); o.ConfigurationName != "" {
		t.Errorf("unrelated run touched: %+v", o)
	}
}
