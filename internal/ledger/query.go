// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/kv"
)

const (
	// DefaultPageLimit applies when a list request omits limit.
	DefaultPageLimit = 20

	// MaxPageLimit caps limit.
	MaxPageLimit = 100
)

// GetBackup returns one backup run.
func (l *Ledger) GetBackup(ctx context.Context, id string) (*BackupRun, error) {
	var b BackupRun
	if err := l.store.Get(key(KindBackup, id), &b); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &b, nil
}

// GetRestore returns one restoration run.
func (l *Ledger) GetRestore(ctx context.Context, id string) (*RestoreRun, error) {
	var r RestoreRun
	if err := l.store.Get(key(KindRestore, id), &r); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &r, nil
}

// IsCancelRequested reports whether a cancel flag is set on a run.
func (l *Ledger) IsCancelRequested(ctx context.Context, kind Kind, id string) (bool, error) {
	var st struct {
		RunState
	}
	if err := l.store.Get(key(kind, id), &st); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return false, ErrNotFound
		}
		return false, err
	}
	return st.CancelRequested, nil
}

// AllBackups returns every backup run, newest first.
func (l *Ledger) AllBackups(ctx context.Context) ([]*BackupRun, error) {
	var out []*BackupRun
	err := l.store.Scan("run/"+string(KindBackup)+"/", func(k string, raw []byte) error {
		var b BackupRun
		if err := json.Unmarshal(raw, &b); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, &b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

// AllRestores returns every restoration run, newest first.
func (l *Ledger) AllRestores(ctx context.Context) ([]*RestoreRun, error) {
	var out []*RestoreRun
	err := l.store.Scan("run/"+string(KindRestore)+"/", func(k string, raw []byte) error {
		var r RestoreRun
		if err := json.Unmarshal(raw, &r); err != nil {
			return fmt.Errorf("decode %s: %w", k, err)
		}
		out = append(out, &r)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	return out, nil
}

// BackupFilter narrows a backup history listing. Zero fields match all.
type BackupFilter struct {
	Status          Status
	BackupType      codec.BackupType
	ConfigurationID string
}

func (f BackupFilter) match(b *BackupRun) bool {
	if f.Status != "" && b.Status != f.Status {
		return false
	}
	if f.BackupType != "" && b.BackupType != f.BackupType {
		return false
	}
	if f.ConfigurationID != "" && (b.ConfigurationID == nil || *b.ConfigurationID != f.ConfigurationID) {
		return false
	}
	return true
}

// RestoreFilter narrows a restoration listing.
type RestoreFilter struct {
	Status     Status
	SourceType SourceType
}

func (f RestoreFilter) match(r *RestoreRun) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if f.SourceType != "" && r.SourceType != f.SourceType {
		return false
	}
	return true
}

// NormalizePage clamps page (1-based) and limit.
func NormalizePage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = DefaultPageLimit
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

func paginate[T any](items []T, page, limit int) Page[T] {
	page, limit = NormalizePage(page, limit)
	start := (page - 1) * limit
	if start > len(items) {
		start = len(items)
	}
	end := start + limit
	if end > len(items) {
		end = len(items)
	}
	slice := items[start:end]
	if slice == nil {
		slice = []T{}
	}
	return Page[T]{Items: slice, Total: len(items), Page: page, Limit: limit}
}

// ListBackups returns a page of backup history, newest first.
func (l *Ledger) ListBackups(ctx context.Context, f BackupFilter, page, limit int) (Page[*BackupRun], error) {
	all, err := l.AllBackups(ctx)
	if err != nil {
		return Page[*BackupRun]{}, err
	}
	matched := make([]*BackupRun, 0, len(all))
	for _, b := range all {
		if f.match(b) {
			matched = append(matched, b)
		}
	}
	return paginate(matched, page, limit), nil
}

// ListRestores returns a page of restoration history, newest first.
func (l *Ledger) ListRestores(ctx context.Context, f RestoreFilter, page, limit int) (Page[*RestoreRun], error) {
	all, err := l.AllRestores(ctx)
	if err != nil {
		return Page[*RestoreRun]{}, err
	}
	matched := make([]*RestoreRun, 0, len(all))
	for _, r := range all {
		if f.match(r) {
			matched = append(matched, r)
		}
	}
	return paginate(matched, page, limit), nil
}

// Snapshot returns the polling view of a run. A missing row yields the
// synthetic deleted status rather than an error.
func (l *Ledger) Snapshot(ctx context.Context, kind Kind, id string) (Snapshot, error) {
	var st struct {
		RunState
	}
	err := l.store.Get(key(kind, id), &st)
	if errors.Is(err, kv.ErrNotFound) {
		return Snapshot{ID: id, Kind: kind, Status: StatusDeleted}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	s := st.RunState
	duration := s.DurationSeconds
	if s.StartedAt != nil && !s.Status.Terminal() {
		elapsed := l.now().Sub(*s.StartedAt).Seconds()
		duration = &elapsed
	}
	return Snapshot{
		ID:              id,
		Kind:            kind,
		Status:          s.Status,
		Phase:           s.Phase,
		Progress:        s.Progress,
		Version:         s.Version,
		ErrorMessage:    s.ErrorMessage,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
		DurationSeconds: duration,
		HeartbeatAt:     s.HeartbeatAt,
	}, nil
}

// Stuck lists running runs whose last heartbeat is older than threshold.
// They are reported, never transitioned.
func (l *Ledger) Stuck(ctx context.Context, threshold time.Duration) ([]StuckRun, error) {
	cutoff := l.now().Add(-threshold)
	var out []StuckRun
	check := func(kind Kind, id, name string, s *RunState) {
		if s.Status != StatusRunning {
			return
		}
		hb := s.HeartbeatAt
		if hb == nil {
			hb = s.StartedAt
		}
		if hb == nil || hb.After(cutoff) {
			return
		}
		out = append(out, StuckRun{Kind: kind, ID: id, Name: name, Phase: s.Phase, Progress: s.Progress, HeartbeatAt: *hb})
	}

	backups, err := l.AllBackups(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range backups {
		check(KindBackup, b.ID, b.BackupName, &b.RunState)
	}
	restores, err := l.AllRestores(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range restores {
		check(KindRestore, r.ID, r.RestoreName, &r.RunState)
	}
	return out, nil
}

type refState struct {
	RunRef
	status Status
}

func (l *Ledger) refs(ctx context.Context) ([]refState, error) {
	var out []refState
	backups, err := l.AllBackups(ctx)
	if err != nil {
		return nil, err
	}
	for _, b := range backups {
		out = append(out, refState{RunRef{KindBackup, b.ID, b.Seq}, b.Status})
	}
	restores, err := l.AllRestores(ctx)
	if err != nil {
		return nil, err
	}
	for _, r := range restores {
		out = append(out, refState{RunRef{KindRestore, r.ID, r.Seq}, r.Status})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Pending returns pending runs of both kinds in creation order.
func (l *Ledger) Pending(ctx context.Context) ([]RunRef, error) {
	refs, err := l.refs(ctx)
	if err != nil {
		return nil, err
	}
	var out []RunRef
	for _, r := range refs {
		if r.status == StatusPending {
			out = append(out, r.RunRef)
		}
	}
	return out, nil
}

// Counts returns the number of runs per status for one kind.
func (l *Ledger) Counts(ctx context.Context, kind Kind) (map[Status]int, error) {
	refs, err := l.refs(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[Status]int)
	for _, r := range refs {
		if r.Kind == kind {
			out[r.status]++
		}
	}
	return out, nil
}
