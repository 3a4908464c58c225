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

	"github.com/klauspost/compress/zip"

	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/metrics"
)

// ratioFloor is the entry size below which compression ratios are not
// judged; tiny highly compressible entries are normal.
const ratioFloor = 1 << 20

// outcome is the verdict of one pipeline run.
type outcome struct {
	status     Status
	message    string
	content    *Content
	payloadRef string
}

func rejected(status Status, message string) outcome {
	return outcome{status: status, message: message}
}

// Validate runs the check pipeline on an upload in status uploaded and
// records the verdict. The pipeline is bounded by the validation timeout.
// Uploads already past validation are returned unchanged.
func (g *Gatekeeper) Validate(ctx context.Context, id string) (*Upload, error) {
	u, err := g.mutate(id, func(u *Upload) error {
		if u.Status != StatusUploaded {
			return errSkip
		}
		u.Status = StatusValidating
		return nil
	})
	if errors.Is(err, errSkip) {
		return g.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}

	vctx, cancel := context.WithTimeout(ctx, g.cfg.ValidationTimeout)
	g.mu.Lock()
	g.inflight[id] = cancel
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.inflight, id)
		g.mu.Unlock()
		cancel()
	}()

	start := g.now()
	report := &Report{}
	out := g.pipeline(vctx, u, report)

	switch {
	case ctx.Err() != nil:
		// Shutdown: leave the upload for Recover.
		g.discardPayload(u, out.payloadRef)
		if _, rerr := g.mutate(id, func(u *Upload) error {
			if u.Status == StatusValidating {
				u.Status = StatusUploaded
			}
			return nil
		}); rerr != nil && !errors.Is(rerr, ErrUploadNotFound) {
			return nil, rerr
		}
		return nil, ctx.Err()
	case errors.Is(vctx.Err(), context.DeadlineExceeded) && out.status != StatusReady:
		report.fail("deadline", fmt.Sprintf("exceeded %s", g.cfg.ValidationTimeout))
		out = outcome{status: StatusFailedValidation, message: MsgTimeout, payloadRef: out.payloadRef}
	case vctx.Err() != nil && out.status != StatusReady:
		// Cancelled by Delete or Cleanup; the record already moved on.
		g.discardPayload(u, out.payloadRef)
		return g.Get(ctx, id)
	}

	elapsed := g.now().Sub(start)
	report.ElapsedMS = elapsed.Milliseconds()
	if out.status == StatusReady {
		report.Summary = "all checks passed"
	} else {
		report.Summary = out.message
		g.discardPayload(u, out.payloadRef)
		out.payloadRef = ""
	}

	settled, err := g.settle(id, out, report)
	if err != nil {
		if out.status == StatusReady {
			g.discardPayload(u, out.payloadRef)
		}
		return nil, err
	}
	metrics.RecordUploadValidation(string(out.status), elapsed)
	event := logging.Ctx(ctx).Info()
	if out.status != StatusReady {
		event = logging.Ctx(ctx).Warn()
	}
	event.Str("upload_id", id).Str("status", string(out.status)).Dur("elapsed", elapsed).Msg("Upload validation finished")
	return settled, nil
}

// settle stores the verdict if the upload is still validating.
func (g *Gatekeeper) settle(id string, out outcome, report *Report) (*Upload, error) {
	return g.mutate(id, func(u *Upload) error {
		if u.Status != StatusValidating {
			return fmt.Errorf("%w: status changed to %s during validation", ErrUploadNotReady, u.Status)
		}
		now := g.now().UTC()
		u.Status = out.status
		u.ErrorMessage = out.message
		u.Report = report
		u.Content = out.content
		u.PayloadRef = out.payloadRef
		u.ValidatedAt = &now
		return nil
	})
}

// discardPayload removes a decrypted payload that will not be kept. The
// stored upload itself is its own payload for plain archives and stays.
func (g *Gatekeeper) discardPayload(u *Upload, ref string) {
	if ref == "" || ref == u.StoredRef {
		return
	}
	_ = g.area.Remove(ref)
}

// pipeline runs every check in order and stops at the first failure.
func (g *Gatekeeper) pipeline(ctx context.Context, u *Upload, report *Report) outcome {
	report.pass("extension", u.Extension)
	if g.keys == nil {
		report.fail("key", "no engine key configured")
		return rejected(StatusFailedValidation, MsgInvalidContent)
	}

	stored, err := g.area.Open(u.StoredRef)
	if err != nil {
		report.fail("read", err.Error())
		return rejected(StatusCorrupted, MsgCorrupted)
	}
	defer stored.Close()

	head := make([]byte, len(codec.ContainerMagic))
	n, _ := io.ReadFull(stored, head)
	head = head[:n]
	magicOK := (u.Extension == ExtZip && codec.IsZip(head)) ||
		(u.Extension == ExtEncrypted && codec.IsContainer(head))
	if !magicOK {
		report.fail("magic", fmt.Sprintf("leading bytes do not match %s", u.Extension))
		return rejected(StatusFailedValidation, MsgInvalidContent)
	}
	report.pass("magic", u.Extension)

	payloadRef := u.StoredRef
	if u.Extension == ExtEncrypted {
		if _, err := stored.Seek(0, io.SeekStart); err != nil {
			report.fail("read", err.Error())
			return rejected(StatusCorrupted, MsgCorrupted)
		}
		ref, out, ok := g.decryptContainer(ctx, u, stored, report)
		if !ok {
			return out
		}
		payloadRef = ref
	}
	out := g.checkPayload(ctx, payloadRef, report)
	out.payloadRef = payloadRef
	return out
}

// decryptContainer writes the plain archive of an .encrypted upload next
// to it in quarantine.
func (g *Gatekeeper) decryptContainer(ctx context.Context, u *Upload, src io.Reader, report *Report) (string, outcome, bool) {
	w, err := g.area.CreateRef(u.ID + ".payload" + ExtZip)
	if err != nil {
		report.fail("decrypt", err.Error())
		return "", rejected(StatusCorrupted, MsgCorrupted), false
	}
	dst := &limitWriter{w: w, limit: g.cfg.MaxExpandedBytes}
	if _, err := codec.OpenContainer(dst, &ctxReader{ctx: ctx, r: src}, g.keys); err != nil {
		w.Abort()
		report.fail("decrypt", err.Error())
		return "", classify(err), false
	}
	entry, err := w.Commit()
	if err != nil {
		report.fail("decrypt", err.Error())
		return "", rejected(StatusCorrupted, MsgCorrupted), false
	}
	report.pass("decrypt", fmt.Sprintf("%d bytes", entry.Size))
	return entry.Ref, outcome{}, true
}

// checkPayload runs the structural, path, format, content and malware
// checks on a plain archive.
func (g *Gatekeeper) checkPayload(ctx context.Context, ref string, report *Report) outcome {
	f, err := g.area.Open(ref)
	if err != nil {
		report.fail("read", err.Error())
		return rejected(StatusCorrupted, MsgCorrupted)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		report.fail("read", err.Error())
		return rejected(StatusCorrupted, MsgCorrupted)
	}

	// A reader returned alongside an error only flags insecure names,
	// which the path check reports itself.
	zr, err := zip.NewReader(f, info.Size())
	if zr == nil {
		report.fail("structure", err.Error())
		return rejected(StatusFailedValidation, MsgInvalidContent)
	}
	if detail, ok := g.scanStructure(zr); !ok {
		report.fail("structure", detail)
		return rejected(StatusFailedValidation, MsgSuspicious)
	}
	report.pass("structure", fmt.Sprintf("%d entries", len(zr.File)))

	for _, zf := range zr.File {
		if err := codec.SafeRelativePath(zf.Name); err != nil || zf.Mode()&os.ModeSymlink != 0 {
			report.fail("paths", fmt.Sprintf("entry %q escapes the archive root", zf.Name))
			return rejected(StatusFailedValidation, MsgUnsafePath)
		}
	}
	report.pass("paths", "")
	if err := ctx.Err(); err != nil {
		return rejected(StatusFailedValidation, MsgTimeout)
	}

	archive, err := codec.Open(f, info.Size(), g.keys, codec.ReadOptions{MaxExpandedBytes: g.cfg.MaxExpandedBytes})
	if err != nil {
		name := "format"
		if errors.Is(err, codec.ErrChecksumMismatch) {
			report.pass("format", "")
			name = "checksum"
		}
		report.fail(name, err.Error())
		return classify(err)
	}
	report.pass("format", fmt.Sprintf("%s archive %q", archive.Manifest().BackupType, archive.Manifest().BackupName))
	if archive.HasFooter() {
		report.pass("checksum", archive.Checksum())
	} else {
		report.pass("checksum", "no footer")
	}

	if err := archive.Verify(ctx, nil); err != nil {
		if ctx.Err() != nil {
			return rejected(StatusFailedValidation, MsgTimeout)
		}
		report.fail("content", err.Error())
		return classify(err)
	}
	report.pass("content", "")

	if out, ok := g.scanMalware(ctx, f, archive, report); !ok {
		return out
	}

	m := archive.Manifest()
	return outcome{
		status: StatusReady,
		content: &Content{
			BackupName:   m.BackupName,
			BackupType:   m.BackupType,
			CreatedAt:    m.CreatedAt,
			Tables:       m.TableNames(),
			TablesCount:  len(m.Tables),
			RecordsCount: m.RecordCount(),
			FilesCount:   len(m.Files),
		},
	}
}

// scanStructure walks the central directory looking for zip-bomb
// signatures: too many entries, absurd ratios or total expanded size.
func (g *Gatekeeper) scanStructure(zr *zip.Reader) (string, bool) {
	if g.cfg.MaxEntries > 0 && len(zr.File) > g.cfg.MaxEntries {
		return fmt.Sprintf("%d entries exceed the limit of %d", len(zr.File), g.cfg.MaxEntries), false
	}
	var total uint64
	for _, zf := range zr.File {
		total += zf.UncompressedSize64
		if g.cfg.MaxExpandedBytes > 0 && total > uint64(g.cfg.MaxExpandedBytes) {
			return fmt.Sprintf("expanded size exceeds %d bytes", g.cfg.MaxExpandedBytes), false
		}
		if zf.UncompressedSize64 < ratioFloor {
			continue
		}
		if zf.CompressedSize64 == 0 {
			return fmt.Sprintf("entry %q declares no compressed bytes", zf.Name), false
		}
		ratio := float64(zf.UncompressedSize64) / float64(zf.CompressedSize64)
		if g.cfg.MaxRatio > 0 && ratio > g.cfg.MaxRatio {
			return fmt.Sprintf("entry %q compression ratio %.0f exceeds %.0f", zf.Name, ratio, g.cfg.MaxRatio), false
		}
	}
	return "", true
}

// scanMalware feeds the raw archive and every decoded attached file to
// each scanner.
func (g *Gatekeeper) scanMalware(ctx context.Context, raw *os.File, archive *codec.Archive, report *Report) (outcome, bool) {
	for _, s := range g.scanners {
		if _, err := raw.Seek(0, io.SeekStart); err != nil {
			report.fail("malware", err.Error())
			return rejected(StatusCorrupted, MsgCorrupted), false
		}
		if out, ok := g.scanOne(ctx, s, "archive", raw, report); !ok {
			return out, false
		}
		for _, fe := range archive.Files() {
			rc, err := archive.OpenFile(fe.Name)
			if err != nil {
				report.fail("malware", err.Error())
				return classify(err), false
			}
			out, ok := g.scanOne(ctx, s, fe.Name, rc, report)
			rc.Close()
			if !ok {
				return out, false
			}
		}
	}
	names := ""
	for i, s := range g.scanners {
		if i > 0 {
			names += ", "
		}
		names += s.Name()
	}
	report.pass("malware", names)
	return outcome{}, true
}

func (g *Gatekeeper) scanOne(ctx context.Context, s Scanner, name string, r io.Reader, report *Report) (outcome, bool) {
	v, err := s.Scan(ctx, name, &ctxReader{ctx: ctx, r: r})
	switch {
	case ctx.Err() != nil:
		return rejected(StatusFailedValidation, MsgTimeout), false
	case errors.Is(err, ErrScannerUnavailable):
		report.fail("malware", fmt.Sprintf("%s: %v", s.Name(), err))
		return rejected(StatusFailedValidation, MsgScannerUnavailable), false
	case err != nil:
		report.fail("malware", fmt.Sprintf("%s: %v", s.Name(), err))
		return classify(err), false
	case v.Infected:
		report.fail("malware", fmt.Sprintf("%s found %s in %s", s.Name(), v.Signature, name))
		return rejected(StatusFailedValidation, MsgMalware), false
	}
	return outcome{}, true
}

// classify maps codec and I/O errors to a verdict.
func classify(err error) outcome {
	switch {
	case errors.Is(err, codec.ErrChecksumMismatch):
		return rejected(StatusFailedValidation, MsgChecksum)
	case errors.Is(err, codec.ErrUnrecognized), errors.Is(err, codec.ErrDecryptionFailed), errors.Is(err, codec.ErrNoKey):
		return rejected(StatusFailedValidation, MsgInvalidContent)
	case errors.Is(err, codec.ErrUnsafePath):
		return rejected(StatusFailedValidation, MsgUnsafePath)
	case errors.Is(err, codec.ErrExpansionLimit):
		return rejected(StatusFailedValidation, MsgSuspicious)
	default:
		return rejected(StatusCorrupted, MsgCorrupted)
	}
}

// ctxReader fails reads once ctx is done so long copies honor the
// validation deadline.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

type limitWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (l *limitWriter) Write(p []byte) (int, error) {
	if l.limit > 0 && l.written+int64(len(p)) > l.limit {
		return 0, codec.ErrExpansionLimit
	}
	n, err := l.w.Write(p)
	l.written += int64(n)
	return n, err
}
