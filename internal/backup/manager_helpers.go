// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/validation"
	"github.com/tomtom215/sauvegarde/internal/worker"
)

const checksumPrefix = "sha256:"

// reporter writes progress to the ledger. Phase changes are always
// written; percent updates within a phase are throttled so long encodes
// do not hammer the ledger.
type reporter struct {
	ctx     context.Context
	ledger  *ledger.Ledger
	kind    ledger.Kind
	id      string
	worker  string
	limiter *rate.Limiter

	mu      sync.Mutex
	phase   string
	percent int
}

func (e *Engine) newReporter(ctx context.Context, kind ledger.Kind, id, w string) *reporter {
	interval := e.cfg.ProgressMinInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &reporter{
		ctx:     ctx,
		ledger:  e.ledger,
		kind:    kind,
		id:      id,
		worker:  w,
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (r *reporter) report(phase string, percent int) {
	r.mu.Lock()
	if phase == r.phase && percent <= r.percent {
		r.mu.Unlock()
		return
	}
	if phase == r.phase && !r.limiter.Allow() {
		r.mu.Unlock()
		return
	}
	r.phase, r.percent = phase, percent
	r.mu.Unlock()

	// Progress writes must land even while the job is being cancelled.
	if err := r.ledger.Progress(context.WithoutCancel(r.ctx), r.kind, r.id, r.worker, phase, percent); err != nil {
		logging.Ctx(r.ctx).Debug().Err(err).Str("phase", phase).Msg("Progress not recorded")
	}
}

// current returns the last phase written.
func (r *reporter) current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// scaled maps done/total work units onto [from, to].
func scaled(from, to, done, total int) int {
	if total <= 0 {
		return from
	}
	if done > total {
		done = total
	}
	return from + (to-from)*done/total
}

// stopCause returns the reason a job must stop, or nil.
func stopCause(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	return context.Cause(ctx)
}

// cancelled reports whether err stems from a user cancellation as opposed
// to a shutdown or a failure.
func cancelled(ctx context.Context, err error) bool {
	return errors.Is(context.Cause(ctx), worker.ErrCancelled) || errors.Is(err, worker.ErrCancelled)
}

// interruptedMessage describes why a job stopped before finishing.
func interruptedMessage(ctx context.Context) string {
	if errors.Is(context.Cause(ctx), worker.ErrShutdown) {
		return "interrupted by shutdown"
	}
	return "cancelled by user"
}

// compression picks the codec compression for a run.
func (e *Engine) compression(enabled bool) codec.Compression {
	if !enabled {
		return codec.CompressionNone
	}
	c := codec.Compression(e.cfg.Compression)
	if c == "" || c == codec.CompressionNone || !c.Valid() {
		return codec.CompressionZstd
	}
	return c
}

// checksumOf hashes r completely.
func checksumOf(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return checksumPrefix + hex.EncodeToString(h.Sum(nil)), nil
}

// sameChecksum compares two "sha256:<hex>" values case-insensitively.
func sameChecksum(a, b string) bool {
	return strings.EqualFold(strings.TrimPrefix(a, checksumPrefix), strings.TrimPrefix(b, checksumPrefix))
}

// parseBackupType validates a backup type field.
func parseBackupType(field string, v *string, def codec.BackupType) (codec.BackupType, error) {
	if v == nil || *v == "" {
		if def == "" {
			return "", fieldErr(field, "required", "Le type de sauvegarde est requis")
		}
		return def, nil
	}
	t := codec.BackupType(*v)
	if !t.Valid() {
		return "", fieldErr(field, "backup_type", fmt.Sprintf("Type de sauvegarde invalide: %s", *v))
	}
	return t, nil
}

// retentionDays validates a retention override.
func retentionDays(v *int, def int) (int, error) {
	if v == nil {
		return def, nil
	}
	if *v < 1 || *v > 365 {
		return 0, fieldErr("retention_days", "retention", "La durée de rétention doit être comprise entre 1 et 365 jours")
	}
	return *v, nil
}

func fieldErr(field, tag, msg string) error {
	return validation.NewFieldError(field, tag, msg)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

func stringOr(v *string, def string) string {
	if v == nil || strings.TrimSpace(*v) == "" {
		return def
	}
	return strings.TrimSpace(*v)
}
