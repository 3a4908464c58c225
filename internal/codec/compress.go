// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package codec

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression names the payload compression applied before encryption.
type Compression string

const (
	CompressionZstd Compression = "zstd"
	CompressionGzip Compression = "gzip"
	CompressionNone Compression = "none"
)

// Valid reports whether c is supported.
func (c Compression) Valid() bool {
	switch c {
	case CompressionZstd, CompressionGzip, CompressionNone:
		return true
	}
	return false
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// newCompressor wraps w. Output is deterministic for identical input: zstd
// runs single-threaded and gzip writes no name or mtime.
func newCompressor(w io.Writer, c Compression) (io.WriteCloser, error) {
	switch c {
	case CompressionZstd:
		return zstd.NewWriter(w,
			zstd.WithEncoderConcurrency(1),
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderCRC(true))
	case CompressionGzip:
		return gzip.NewWriterLevel(w, gzip.DefaultCompression)
	case CompressionNone, "":
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unsupported compression %q", c)
	}
}

type zstdReadCloser struct{ *zstd.Decoder }

func (z zstdReadCloser) Close() error {
	z.Decoder.Close()
	return nil
}

func newDecompressor(r io.Reader, c Compression) (io.ReadCloser, error) {
	switch c {
	case CompressionZstd:
		d, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1), zstd.WithDecoderLowmem(true))
		if err != nil {
			return nil, integrityf(err, "invalid zstd stream")
		}
		return zstdReadCloser{d}, nil
	case CompressionGzip:
		g, err := gzip.NewReader(r)
		if err != nil {
			return nil, integrityf(err, "invalid gzip stream")
		}
		return g, nil
	case CompressionNone, "":
		return io.NopCloser(r), nil
	default:
		return nil, integrityf(nil, "unsupported compression %q", c)
	}
}

// limitedReader fails once more than limit bytes were produced. It bounds
// decompression of hostile payloads.
type limitedReader struct {
	r     io.Reader
	limit int64
	read  int64
	name  string
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if l.limit > 0 && l.read > l.limit {
		return n, integrityf(ErrExpansionLimit, "%s expands beyond %d bytes", l.name, l.limit)
	}
	return n, err
}
