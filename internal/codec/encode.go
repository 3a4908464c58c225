// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package codec

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zip"
)

// zipEpoch is stamped on every entry so entry headers never vary.
var zipEpoch = time.Date(1980, 1, 1, 0, 0, 0, 0, time.UTC)

// EncodeOptions controls one backup encode.
type EncodeOptions struct {
	Type         BackupType
	Name         string
	Compression  Compression
	IncludeFiles bool
	CreatedAt    time.Time
	Progress     Progress
}

// Summary describes a finished encode.
type Summary struct {
	Manifest Manifest
	Checksum string
	Bytes    int64
}

type entrySum struct {
	name string
	sum  string
}

type encoder struct {
	zip   *zip.Writer
	keys  *Keyring
	salt  []byte
	comp  Compression
	sums  []entrySum
	count *countingWriter
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Encode streams src into w as an encrypted archive. Tables are emitted in
// name order and rows in ID order, so the compressed plaintext of two
// encodes over the same content is identical.
func Encode(ctx context.Context, w io.Writer, src Source, keys *Keyring, opts EncodeOptions) (*Summary, error) {
	if keys == nil {
		return nil, ErrNoKey
	}
	if !opts.Type.Valid() {
		return nil, fmt.Errorf("invalid backup type %q", opts.Type)
	}
	if opts.Compression == "" {
		opts.Compression = CompressionZstd
	}
	if !opts.Compression.Valid() {
		return nil, fmt.Errorf("invalid compression %q", opts.Compression)
	}
	if opts.CreatedAt.IsZero() {
		opts.CreatedAt = time.Now()
	}

	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	cw := &countingWriter{w: w}
	enc := &encoder{zip: zip.NewWriter(cw), keys: keys, salt: salt, comp: opts.Compression, count: cw}

	schema, err := src.Schema(ctx)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	schema = canonicalSchema(schema)

	var files []FileRef
	if opts.Type == TypeFull && opts.IncludeFiles {
		if files, err = src.Files(ctx); err != nil {
			return nil, fmt.Errorf("list files: %w", err)
		}
		sort.Slice(files, func(i, j int) bool { return files[i].Name < files[j].Name })
	}

	total := 1 + len(files)
	if opts.Type.HasData() {
		total += len(schema.Tables)
	}
	done := 0
	step := func() {
		done++
		if opts.Progress != nil {
			opts.Progress(done, total)
		}
	}

	header := Header{
		Format:    FormatName,
		Version:   FormatVersion,
		Cipher:    "AES-256-GCM",
		KDF:       "HKDF-SHA256",
		ChunkSize: ChunkSize,
		Salt:      salt,
	}
	if err := enc.entry(entryFormat, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(header)
	}); err != nil {
		return nil, err
	}

	manifest := Manifest{
		BackupName:  opts.Name,
		BackupType:  opts.Type,
		CreatedAt:   opts.CreatedAt.UTC(),
		Compression: opts.Compression,
		HasSchema:   opts.Type.HasSchema(),
	}

	if manifest.HasSchema {
		if err := enc.sealed(entrySchema, CompressionNone, func(w io.Writer) error {
			return json.NewEncoder(w).Encode(schema)
		}); err != nil {
			return nil, err
		}
	}

	for i := range schema.Tables {
		def := &schema.Tables[i]
		te := TableEntry{Name: def.Name, System: def.System, DependsOn: def.DependsOn()}
		if opts.Type.HasData() {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			te.Entry = dataEntryName(i + 1)
			n, err := enc.table(ctx, src, def.Name, te.Entry)
			if err != nil {
				return nil, fmt.Errorf("table %s: %w", def.Name, err)
			}
			te.Records = n
			step()
		}
		manifest.Tables = append(manifest.Tables, te)
	}

	for i, f := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := SafeRelativePath(f.Name); err != nil {
			return nil, err
		}
		fe, err := enc.file(ctx, src, f, fileEntryName(i+1))
		if err != nil {
			return nil, fmt.Errorf("file %s: %w", f.Name, err)
		}
		manifest.Files = append(manifest.Files, fe)
		step()
	}

	if err := enc.sealed(entryManifest, CompressionNone, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(manifest)
	}); err != nil {
		return nil, err
	}

	checksum := combineSums(enc.sums)
	if err := enc.zip.SetComment(footerPrefix + checksum); err != nil {
		return nil, err
	}
	if err := enc.zip.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	step()

	return &Summary{Manifest: manifest, Checksum: checksum, Bytes: cw.n}, nil
}

func (e *encoder) entry(name string, fn func(io.Writer) error) error {
	zw, err := e.zip.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Store, Modified: zipEpoch})
	if err != nil {
		return fmt.Errorf("create entry %s: %w", name, err)
	}
	h := sha256.New()
	if err := fn(io.MultiWriter(zw, h)); err != nil {
		return err
	}
	e.sums = append(e.sums, entrySum{name: name, sum: hex.EncodeToString(h.Sum(nil))})
	return nil
}

func (e *encoder) sealed(name string, comp Compression, fn func(io.Writer) error) error {
	return e.entry(name, func(w io.Writer) error {
		aead, err := e.keys.aead(e.salt, name)
		if err != nil {
			return err
		}
		sw := newSealWriter(w, aead)
		cw, err := newCompressor(sw, comp)
		if err != nil {
			return err
		}
		if err := fn(cw); err != nil {
			_ = cw.Close()
			return err
		}
		if err := cw.Close(); err != nil {
			return err
		}
		return sw.Close()
	})
}

func (e *encoder) table(ctx context.Context, src Source, table, entry string) (int, error) {
	count := 0
	var last string
	err := e.sealed(entry, e.comp, func(w io.Writer) error {
		return src.EachRecord(ctx, table, func(r Record) error {
			if count > 0 && r.ID <= last {
				return fmt.Errorf("records out of order at %q", r.ID)
			}
			line, err := encodeRecord(r)
			if err != nil {
				return err
			}
			if _, err := w.Write(line); err != nil {
				return err
			}
			last = r.ID
			count++
			if count%1000 == 0 {
				return ctx.Err()
			}
			return nil
		})
	})
	return count, err
}

func (e *encoder) file(ctx context.Context, src Source, ref FileRef, entry string) (FileEntry, error) {
	rc, err := src.OpenFile(ctx, ref.Name)
	if err != nil {
		return FileEntry{}, err
	}
	defer rc.Close()

	h := sha256.New()
	var size int64
	err = e.sealed(entry, e.comp, func(w io.Writer) error {
		n, err := io.Copy(io.MultiWriter(w, h), rc)
		size = n
		return err
	})
	if err != nil {
		return FileEntry{}, err
	}
	return FileEntry{
		FileRef: FileRef{Name: ref.Name, Size: size, SHA256: hex.EncodeToString(h.Sum(nil))},
		Entry:   entry,
	}, nil
}

func combineSums(sums []entrySum) string {
	h := sha256.New()
	for _, s := range sums {
		writeSum(h, s)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func writeSum(h hash.Hash, s entrySum) {
	_, _ = io.WriteString(h, s.name)
	_, _ = h.Write([]byte{0})
	_, _ = io.WriteString(h, s.sum)
	_, _ = h.Write([]byte{'\n'})
}

// ErrUnsafePath rejects attached file names that could escape the files root.
var ErrUnsafePath = errors.New("unsafe file path")

// SafeRelativePath validates an attached file name.
func SafeRelativePath(name string) error {
	if name == "" || strings.ContainsRune(name, 0) || strings.Contains(name, "\\") ||
		strings.HasPrefix(name, "/") {
		return fmt.Errorf("%w: %q", ErrUnsafePath, name)
	}
	for _, part := range strings.Split(name, "/") {
		if part == "" || part == "." || part == ".." {
			return fmt.Errorf("%w: %q", ErrUnsafePath, name)
		}
	}
	return nil
}
