// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package gatekeeper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/tomtom215/sauvegarde/internal/artifact"
	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/config"
	"github.com/tomtom215/sauvegarde/internal/kv"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/metrics"
)

const keyPrefix = "upload/"

// Incoming is an upload as received from the client.
type Incoming struct {
	Filename   string
	UploadName string
	Body       io.Reader

	// DeclaredSize is the size announced by the transport, or -1.
	DeclaredSize int64
}

// Gatekeeper stages untrusted archives in quarantine and decides whether
// they may feed a restoration. Nothing it holds is ever written to the
// production archive directory.
type Gatekeeper struct {
	store    *kv.Store
	area     *artifact.Area
	keys     *codec.Keyring
	cfg      config.GatekeeperConfig
	scanners []Scanner
	sem      *semaphore.Weighted
	now      func() time.Time

	mu       sync.Mutex
	inflight map[string]context.CancelFunc

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
}

// New returns a gatekeeper storing records in store and files in area.
// The deny-list scanner is always installed; clamd is added when
// configured.
func New(store *kv.Store, area *artifact.Area, keys *codec.Keyring, cfg *config.GatekeeperConfig) *Gatekeeper {
	concurrency := cfg.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	scanners := []Scanner{NewPatternScanner(cfg.DenyList)}
	if cfg.ClamdAddress != "" {
		scanners = append(scanners, NewClamdScanner(cfg.ClamdAddress, cfg.ClamdTimeout))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gatekeeper{
		store:    store,
		area:     area,
		keys:     keys,
		cfg:      *cfg,
		scanners: scanners,
		sem:      semaphore.NewWeighted(int64(concurrency)),
		now:      time.Now,
		inflight: make(map[string]context.CancelFunc),
		baseCtx:  ctx,
		stop:     cancel,
	}
}

// Close stops accepting uploads, cancels running validations and waits for
// them to return. Interrupted uploads go back to uploaded.
func (g *Gatekeeper) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.stop()
	g.wg.Wait()
}

// Wait blocks until every in-flight validation has finished.
func (g *Gatekeeper) Wait() {
	g.wg.Wait()
}

// MaxUploadBytes is the configured size limit.
func (g *Gatekeeper) MaxUploadBytes() int64 {
	return g.cfg.MaxUploadBytes
}

// DefaultUploadName names an upload whose file name has no usable stem.
func DefaultUploadName(at time.Time) string {
	return "Import_" + at.UTC().Format("2006-01-02T15-04-05")
}

// Accept checks the name and size of an upload, streams it into
// quarantine and starts validation in the background. The returned record
// is in status uploaded.
func (g *Gatekeeper) Accept(ctx context.Context, in Incoming) (*Upload, error) {
	u, err := g.stage(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := g.validateAsync(u.ID); err != nil {
		return nil, err
	}
	return u, nil
}

// validateAsync runs Validate in the background, bounded by the
// concurrency semaphore. An upload interrupted by shutdown stays in
// uploaded and is picked up again by Recover.
func (g *Gatekeeper) validateAsync(id string) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		if err := g.sem.Acquire(g.baseCtx, 1); err != nil {
			return
		}
		defer g.sem.Release(1)
		if _, err := g.Validate(g.baseCtx, id); err != nil && !errors.Is(err, ErrUploadNotFound) && g.baseCtx.Err() == nil {
			logging.Error().Err(err).Str("upload_id", id).Msg("Upload validation failed to run")
		}
	}()
	return nil
}

// Recover re-queues uploads whose validation was interrupted by a restart.
func (g *Gatekeeper) Recover(ctx context.Context) (int, error) {
	uploads, err := g.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := len(uploads) - 1; i >= 0; i-- {
		u := uploads[i]
		if u.Status.Settled() {
			continue
		}
		if u.Status == StatusValidating {
			if _, err := g.mutate(u.ID, func(u *Upload) error {
				u.Status = StatusUploaded
				return nil
			}); err != nil {
				return n, err
			}
		}
		if err := g.validateAsync(u.ID); err != nil {
			return n, err
		}
		n++
	}
	if n > 0 {
		logging.Ctx(ctx).Info().Int("uploads", n).Msg("Re-queued interrupted upload validations")
	}
	return n, nil
}

// AcceptAndValidate stages an upload and validates it before returning.
func (g *Gatekeeper) AcceptAndValidate(ctx context.Context, in Incoming) (*Upload, error) {
	u, err := g.stage(ctx, in)
	if err != nil {
		return nil, err
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer g.sem.Release(1)
	return g.Validate(ctx, u.ID)
}

func (g *Gatekeeper) stage(ctx context.Context, in Incoming) (*Upload, error) {
	ext, ok := normalizeExtension(in.Filename)
	if !ok {
		return nil, &RejectError{Message: MsgExtension, Err: ErrInvalidExtension}
	}
	limit := g.cfg.MaxUploadBytes
	if in.DeclaredSize > limit {
		return nil, &RejectError{Message: TooLargeMessage(limit), Err: ErrTooLarge}
	}

	id := uuid.NewString()
	w, err := g.area.CreateRef(id + ext)
	if err != nil {
		return nil, err
	}
	n, err := io.Copy(w, io.LimitReader(in.Body, limit+1))
	if err != nil {
		w.Abort()
		return nil, fmt.Errorf("receive upload: %w", err)
	}
	if n > limit {
		w.Abort()
		return nil, &RejectError{Message: TooLargeMessage(limit), Err: ErrTooLarge}
	}
	if n == 0 {
		w.Abort()
		return nil, &RejectError{Message: MsgEmpty, Err: ErrEmpty}
	}
	if _, err := w.Commit(); err != nil {
		return nil, err
	}

	now := g.now().UTC()
	name := strings.TrimSpace(in.UploadName)
	if name == "" {
		name = strings.TrimSpace(in.Filename[:len(in.Filename)-len(ext)])
	}
	if name == "" {
		name = DefaultUploadName(now)
	}
	u := &Upload{
		ID:               id,
		OriginalFilename: in.Filename,
		UploadName:       name,
		Extension:        ext,
		Size:             n,
		Status:           StatusUploaded,
		CreatedAt:        now,
		UpdatedAt:        now,
		StoredRef:        id + ext,
	}
	if err := g.store.Put(keyPrefix+id, u); err != nil {
		_ = g.area.Remove(u.StoredRef)
		return nil, err
	}
	logging.Ctx(ctx).Info().Str("upload_id", id).Str("filename", in.Filename).Int64("size", n).Msg("External upload staged in quarantine")
	return u, nil
}

// mutate applies fn to one record inside a transaction.
func (g *Gatekeeper) mutate(id string, fn func(u *Upload) error) (*Upload, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out *Upload
	err := g.store.Update(func(txn *badger.Txn) error {
		var u Upload
		if err := kv.GetJSON(txn, keyPrefix+id, &u); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUploadNotFound, id)
			}
			return err
		}
		if err := fn(&u); err != nil {
			return err
		}
		u.UpdatedAt = g.now().UTC()
		out = &u
		return kv.SetJSON(txn, keyPrefix+id, &u)
	})
	return out, err
}

// Get returns one upload.
func (g *Gatekeeper) Get(_ context.Context, id string) (*Upload, error) {
	var u Upload
	if err := g.store.Get(keyPrefix+id, &u); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrUploadNotFound, id)
		}
		return nil, err
	}
	return &u, nil
}

// List returns every upload, newest first.
func (g *Gatekeeper) List(_ context.Context) ([]*Upload, error) {
	var out []*Upload
	err := g.store.Scan(keyPrefix, func(_ string, raw []byte) error {
		var u Upload
		if err := json.Unmarshal(raw, &u); err != nil {
			return err
		}
		out = append(out, &u)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes an upload and its files. A validation in progress is
// cancelled; an upload held by a restoration cannot be deleted.
func (g *Gatekeeper) Delete(ctx context.Context, id string) error {
	g.mu.Lock()
	var u Upload
	err := g.store.Update(func(txn *badger.Txn) error {
		if err := kv.GetJSON(txn, keyPrefix+id, &u); err != nil {
			if errors.Is(err, kv.ErrNotFound) {
				return fmt.Errorf("%w: %s", ErrUploadNotFound, id)
			}
			return err
		}
		if u.ReservedBy != "" {
			return ErrUploadInUse
		}
		return txn.Delete([]byte(keyPrefix + id))
	})
	cancel := g.inflight[id]
	g.mu.Unlock()
	if err != nil {
		return err
	}
	if cancel != nil {
		cancel()
	}
	g.removeFiles(&u)
	logging.Ctx(ctx).Info().Str("upload_id", id).Msg("External upload deleted")
	return nil
}

func (g *Gatekeeper) removeFiles(u *Upload) int64 {
	var freed int64
	for _, ref := range []string{u.StoredRef, u.PayloadRef} {
		if ref == "" {
			continue
		}
		if e, err := g.area.Stat(ref); err == nil {
			freed += e.Size
		}
		if err := g.area.Remove(ref); err != nil && !errors.Is(err, artifact.ErrArtifactNotFound) {
			logging.Warn().Err(err).Str("upload_id", u.ID).Str("ref", ref).Msg("Failed to remove quarantined file")
		}
	}
	return freed
}

// Reserve gives runID exclusive use of a ready upload.
func (g *Gatekeeper) Reserve(ctx context.Context, id, runID string) (*Upload, error) {
	u, err := g.mutate(id, func(u *Upload) error {
		if u.Status != StatusReady {
			return fmt.Errorf("%w: status is %s", ErrUploadNotReady, u.Status)
		}
		if u.ReservedBy != "" && u.ReservedBy != runID {
			return fmt.Errorf("%w: held by restoration %s", ErrUploadNotReady, u.ReservedBy)
		}
		u.ReservedBy = runID
		return nil
	})
	if err != nil {
		return nil, err
	}
	logging.Ctx(ctx).Debug().Str("upload_id", id).Str("run_id", runID).Msg("Upload reserved")
	return u, nil
}

// CheckReserved confirms id is still ready and held by runID.
func (g *Gatekeeper) CheckReserved(ctx context.Context, id, runID string) error {
	u, err := g.Get(ctx, id)
	if err != nil {
		return err
	}
	if u.Status != StatusReady || u.ReservedBy != runID {
		return fmt.Errorf("%w: status is %s", ErrUploadNotReady, u.Status)
	}
	return nil
}

// Release drops the reservation of runID. Other holders are left alone.
func (g *Gatekeeper) Release(_ context.Context, id, runID string) error {
	_, err := g.mutate(id, func(u *Upload) error {
		if u.ReservedBy == runID {
			u.ReservedBy = ""
		}
		return nil
	})
	if errors.Is(err, ErrUploadNotFound) {
		return nil
	}
	return err
}

// Consume marks a reserved upload as used by runID. Its files are removed;
// the record stays for history.
func (g *Gatekeeper) Consume(ctx context.Context, id, runID string) error {
	u, err := g.mutate(id, func(u *Upload) error {
		if u.Status != StatusReady || u.ReservedBy != runID {
			return fmt.Errorf("%w: status is %s", ErrUploadNotReady, u.Status)
		}
		u.Status = StatusConsumed
		u.ConsumedBy = runID
		u.ReservedBy = ""
		return nil
	})
	if err != nil {
		return err
	}
	g.removeFiles(u)
	logging.Ctx(ctx).Info().Str("upload_id", id).Str("run_id", runID).Msg("Upload consumed by restoration")
	return nil
}

// Opened is a decoded upload; Close releases the underlying file.
type Opened struct {
	*codec.Archive
	file *os.File
}

// Close closes the payload file.
func (o *Opened) Close() error {
	return o.file.Close()
}

// Open decodes the payload of a ready upload.
func (g *Gatekeeper) Open(ctx context.Context, id string) (*Opened, error) {
	u, err := g.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if u.Status != StatusReady || u.PayloadRef == "" {
		return nil, fmt.Errorf("%w: status is %s", ErrUploadNotReady, u.Status)
	}
	f, err := g.area.Open(u.PayloadRef)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	a, err := codec.Open(f, info.Size(), g.keys, codec.ReadOptions{MaxExpandedBytes: g.cfg.MaxExpandedBytes})
	if err != nil {
		f.Close()
		return nil, err
	}
	return &Opened{Archive: a, file: f}, nil
}

// CleanupResult reports what Cleanup did.
type CleanupResult struct {
	Expired    int   `json:"expired_count"`
	FreedBytes int64 `json:"freed_bytes"`
}

// Cleanup expires every unreserved upload older than maxAge that is not
// already consumed or expired, removing its files. A non-positive maxAge
// uses the configured default.
func (g *Gatekeeper) Cleanup(ctx context.Context, maxAge time.Duration) (CleanupResult, error) {
	if maxAge <= 0 {
		maxAge = g.cfg.UploadMaxAge
	}
	cutoff := g.now().Add(-maxAge)
	uploads, err := g.List(ctx)
	if err != nil {
		return CleanupResult{}, err
	}
	var res CleanupResult
	for _, candidate := range uploads {
		if candidate.Status.Final() || !candidate.CreatedAt.Before(cutoff) || candidate.ReservedBy != "" {
			continue
		}
		u, err := g.mutate(candidate.ID, func(u *Upload) error {
			if u.Status.Final() || u.ReservedBy != "" {
				return errSkip
			}
			u.Status = StatusExpired
			return nil
		})
		if errors.Is(err, errSkip) || errors.Is(err, ErrUploadNotFound) {
			continue
		}
		if err != nil {
			return res, err
		}
		g.cancelInflight(u.ID)
		res.Expired++
		res.FreedBytes += g.removeFiles(u)
	}
	if res.Expired > 0 {
		metrics.UploadsExpired.Add(float64(res.Expired))
		logging.Ctx(ctx).Info().Int("expired", res.Expired).Int64("bytes", res.FreedBytes).Msg("Expired stale external uploads")
	}
	return res, nil
}

var errSkip = errors.New("skip")

func (g *Gatekeeper) cancelInflight(id string) {
	g.mu.Lock()
	cancel := g.inflight[id]
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ScannerStatus describes one malware scanner.
type ScannerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Health is the gatekeeper status exposed to operators.
type Health struct {
	Healthy             bool               `json:"healthy"`
	QuarantineWritable  bool               `json:"quarantine_writable"`
	QuarantineFiles     int                `json:"quarantine_files"`
	QuarantineBytes     int64              `json:"quarantine_bytes"`
	Disk                artifact.DiskUsage `json:"disk"`
	Scanners            []ScannerStatus    `json:"scanners"`
	Uploads             map[Status]int     `json:"uploads"`
	MaxUploadBytes      int64              `json:"max_upload_size"`
	AcceptedExtensions  []string           `json:"accepted_extensions"`
	ValidationTimeout   float64            `json:"validation_timeout_seconds"`
	ValidationsInFlight int                `json:"validations_in_flight"`
}

// Health reports quarantine writability, free space, scanner state and
// upload counts per status.
func (g *Gatekeeper) Health(ctx context.Context) (*Health, error) {
	h := &Health{
		QuarantineWritable: g.area.Writable(),
		Uploads:            make(map[Status]int, len(Statuses)),
		MaxUploadBytes:     g.cfg.MaxUploadBytes,
		AcceptedExtensions: []string{ExtZip, ExtEncrypted},
		ValidationTimeout:  g.cfg.ValidationTimeout.Seconds(),
	}
	for _, s := range Statuses {
		h.Uploads[s] = 0
	}
	uploads, err := g.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range uploads {
		h.Uploads[u.Status]++
	}
	if h.QuarantineFiles, h.QuarantineBytes, err = g.area.TotalSize(); err != nil {
		return nil, err
	}
	usage, uerr := g.area.Usage()
	if uerr != nil {
		logging.Ctx(ctx).Warn().Err(uerr).Msg("Quarantine disk usage unavailable")
	}
	h.Disk = usage
	scannersOK := true
	for _, s := range g.scanners {
		state := s.State()
		h.Scanners = append(h.Scanners, ScannerStatus{Name: s.Name(), State: state})
		if state == "open" {
			scannersOK = false
		}
	}
	g.mu.Lock()
	h.ValidationsInFlight = len(g.inflight)
	g.mu.Unlock()
	h.Healthy = h.QuarantineWritable && uerr == nil && usage.Free > uint64(g.cfg.MaxUploadBytes) && scannersOK
	return h, nil
}
