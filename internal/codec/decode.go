// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package codec

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zip"
)

const maxLineBytes = 32 << 20

// ErrNoSchema is returned by Schema for data-only archives.
var ErrNoSchema = errors.New("archive carries no schema")

// ReadOptions bounds decoding of untrusted archives.
type ReadOptions struct {
	// MaxExpandedBytes caps the decoded size of any single entry. Zero means
	// no limit.
	MaxExpandedBytes int64
}

// Archive is an opened, checksum-verified archive.
type Archive struct {
	zr        *zip.Reader
	keys      *Keyring
	header    Header
	manifest  Manifest
	entries   map[string]*zip.File
	opts      ReadOptions
	checksum  string
	hasFooter bool
}

// Open parses the container, verifies the checksum footer over every entry
// and decrypts the manifest. No row or file content is exposed before the
// checksum has been checked.
func Open(r io.ReaderAt, size int64, keys *Keyring, opts ReadOptions) (*Archive, error) {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnrecognized, err)
	}
	a := &Archive{zr: zr, keys: keys, opts: opts, entries: make(map[string]*zip.File, len(zr.File))}
	for _, f := range zr.File {
		if _, dup := a.entries[f.Name]; dup {
			return nil, integrityf(nil, "duplicate entry %q", f.Name)
		}
		a.entries[f.Name] = f
	}

	hf, ok := a.entries[entryFormat]
	if !ok {
		return nil, ErrUnrecognized
	}
	raw, err := readEntry(hf, 64<<10)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(raw, &a.header); err != nil || a.header.Format != FormatName {
		return nil, ErrUnrecognized
	}
	if a.header.Version < 1 || a.header.Version > FormatVersion {
		return nil, integrityf(nil, "unsupported format version %d", a.header.Version)
	}
	if len(a.header.Salt) != SaltSize || a.header.ChunkSize != ChunkSize {
		return nil, integrityf(nil, "invalid format header")
	}

	if err := a.verifyFooter(); err != nil {
		return nil, err
	}

	if keys == nil {
		return nil, ErrNoKey
	}
	if _, ok := a.entries[entryManifest]; !ok {
		return nil, integrityf(nil, "missing manifest")
	}
	mr, err := a.openSealed(entryManifest, CompressionNone)
	if err != nil {
		return nil, err
	}
	defer mr.Close()
	mraw, err := io.ReadAll(mr)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(mraw, &a.manifest); err != nil {
		return nil, integrityf(err, "invalid manifest")
	}
	if err := a.checkManifest(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Archive) verifyFooter() error {
	comment := a.zr.Comment
	if !strings.HasPrefix(comment, footerPrefix) {
		return nil
	}
	a.hasFooter = true
	want := strings.TrimPrefix(comment, footerPrefix)

	sums := make([]entrySum, 0, len(a.zr.File))
	for _, f := range a.zr.File {
		rc, err := f.Open()
		if err != nil {
			return integrityf(err, "unreadable entry %q", f.Name)
		}
		h := sha256.New()
		_, err = io.Copy(h, rc)
		rc.Close()
		if err != nil {
			if errors.Is(err, zip.ErrChecksum) {
				return &IntegrityError{Report: "checksum mismatch", Err: ErrChecksumMismatch}
			}
			return integrityf(err, "corrupted entry %q", f.Name)
		}
		sums = append(sums, entrySum{name: f.Name, sum: hex.EncodeToString(h.Sum(nil))})
	}
	got := combineSums(sums)
	if got != want {
		return &IntegrityError{Report: "checksum mismatch", Err: ErrChecksumMismatch}
	}
	a.checksum = got
	return nil
}

func (a *Archive) checkManifest() error {
	m := &a.manifest
	if !m.BackupType.Valid() {
		return integrityf(nil, "invalid backup type %q", m.BackupType)
	}
	if !m.Compression.Valid() {
		return integrityf(nil, "invalid compression %q", m.Compression)
	}
	if m.HasSchema {
		if _, ok := a.entries[entrySchema]; !ok {
			return integrityf(nil, "missing schema entry")
		}
	}
	seen := make(map[string]bool, len(m.Tables))
	for _, t := range m.Tables {
		if t.Name == "" || seen[t.Name] {
			return integrityf(nil, "invalid table list")
		}
		seen[t.Name] = true
		if t.Entry == "" {
			continue
		}
		if _, ok := a.entries[t.Entry]; !ok {
			return integrityf(nil, "missing data for table %s", t.Name)
		}
	}
	for _, f := range m.Files {
		if err := SafeRelativePath(f.Name); err != nil {
			return integrityf(err, "unsafe file name")
		}
		if _, ok := a.entries[f.Entry]; !ok {
			return integrityf(nil, "missing file %s", f.Name)
		}
	}
	return nil
}

// Header returns the plaintext format header.
func (a *Archive) Header() Header { return a.header }

// Manifest returns the decrypted table of contents.
func (a *Archive) Manifest() Manifest { return a.manifest }

// Checksum returns the verified footer checksum, or "" when the archive had none.
func (a *Archive) Checksum() string { return a.checksum }

// HasFooter reports whether a checksum footer was present and verified.
func (a *Archive) HasFooter() bool { return a.hasFooter }

// Schema decodes the table definitions.
func (a *Archive) Schema(ctx context.Context) (*Schema, error) {
	if !a.manifest.HasSchema {
		return nil, ErrNoSchema
	}
	rc, err := a.openSealed(entrySchema, CompressionNone)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var s Schema
	if err := json.NewDecoder(rc).Decode(&s); err != nil {
		return nil, integrityf(err, "invalid schema")
	}
	return &s, nil
}

// EachRecord streams the rows of table in ID order.
func (a *Archive) EachRecord(ctx context.Context, table string, fn func(Record) error) error {
	te := a.manifest.Table(table)
	if te == nil {
		return fmt.Errorf("table %s not in archive", table)
	}
	if te.Entry == "" {
		return nil
	}
	rc, err := a.openSealed(te.Entry, a.manifest.Compression)
	if err != nil {
		return err
	}
	defer rc.Close()

	br := bufio.NewReaderSize(rc, 64<<10)
	n := 0
	for {
		line, err := readLine(br)
		if len(line) > 0 {
			rec, derr := decodeRecord(line)
			if derr != nil {
				return integrityf(derr, "invalid record in %s", table)
			}
			if err := fn(rec); err != nil {
				return err
			}
			n++
			if n%1000 == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func readLine(br *bufio.Reader) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := br.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > maxLineBytes {
			return nil, integrityf(nil, "record exceeds %d bytes", maxLineBytes)
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return bytes.TrimRight(buf, "\n"), err
	}
}

// Files lists attached files.
func (a *Archive) Files() []FileEntry { return a.manifest.Files }

// OpenFile returns the decoded contents of an attached file.
func (a *Archive) OpenFile(name string) (io.ReadCloser, error) {
	for _, f := range a.manifest.Files {
		if f.Name == name {
			return a.openSealed(f.Entry, a.manifest.Compression)
		}
	}
	return nil, fmt.Errorf("file %s not in archive", name)
}

// Verify decodes every entry and checks counts and file hashes against the
// manifest.
func (a *Archive) Verify(ctx context.Context, progress Progress) error {
	total := len(a.manifest.Tables) + len(a.manifest.Files) + 1
	done := 0
	step := func() {
		done++
		if progress != nil {
			progress(done, total)
		}
	}
	if a.manifest.HasSchema {
		if _, err := a.Schema(ctx); err != nil {
			return err
		}
	}
	step()
	for _, t := range a.manifest.Tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		n := 0
		if err := a.EachRecord(ctx, t.Name, func(Record) error { n++; return nil }); err != nil {
			return err
		}
		if n != t.Records {
			return integrityf(nil, "table %s has %d records, manifest says %d", t.Name, n, t.Records)
		}
		step()
	}
	for _, f := range a.manifest.Files {
		if err := ctx.Err(); err != nil {
			return err
		}
		rc, err := a.OpenFile(f.Name)
		if err != nil {
			return err
		}
		h := sha256.New()
		n, err := io.Copy(h, rc)
		rc.Close()
		if err != nil {
			return err
		}
		if n != f.Size || hex.EncodeToString(h.Sum(nil)) != f.SHA256 {
			return integrityf(nil, "file %s does not match manifest", f.Name)
		}
		step()
	}
	return nil
}

type stackCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *stackCloser) Close() error {
	var first error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (a *Archive) openSealed(name string, comp Compression) (io.ReadCloser, error) {
	f, ok := a.entries[name]
	if !ok {
		return nil, integrityf(nil, "missing entry %q", name)
	}
	if a.keys == nil {
		return nil, ErrNoKey
	}
	aead, err := a.keys.aead(a.header.Salt, name)
	if err != nil {
		return nil, err
	}
	zr, err := f.Open()
	if err != nil {
		return nil, integrityf(err, "unreadable entry %q", name)
	}
	dec, err := newDecompressor(newOpenReader(zr, aead), comp)
	if err != nil {
		zr.Close()
		return nil, err
	}
	return &stackCloser{
		Reader:  &limitedReader{r: dec, limit: a.opts.MaxExpandedBytes, name: name},
		closers: []io.Closer{zr, dec},
	}, nil
}

func readEntry(f *zip.File, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, integrityf(err, "unreadable entry %q", f.Name)
	}
	defer rc.Close()
	raw, err := io.ReadAll(io.LimitReader(rc, limit+1))
	if err != nil {
		return nil, integrityf(err, "unreadable entry %q", f.Name)
	}
	if int64(len(raw)) > limit {
		return nil, integrityf(nil, "entry %q too large", f.Name)
	}
	return raw, nil
}
