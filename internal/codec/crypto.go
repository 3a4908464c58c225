// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// ChunkSize is the plaintext size of one sealed chunk.
	ChunkSize = 64 * 1024

	// SaltSize is the per-archive HKDF salt length.
	SaltSize = 32

	// MinKeyLength is the minimum accepted master secret length.
	MinKeyLength = 32

	keySize    = 32
	lengthSize = 4
	kdfContext = "sauvegarde/v1 "
)

// Keyring derives per-entry AES-256 keys from the configured master secret.
// The same secret produces backups and decrypts uploads.
type Keyring struct {
	master []byte
}

// NewKeyring validates secret and returns a keyring over it.
func NewKeyring(secret string) (*Keyring, error) {
	if secret == "" {
		return nil, ErrNoKey
	}
	if len(secret) < MinKeyLength {
		return nil, fmt.Errorf("encryption key must be at least %d characters", MinKeyLength)
	}
	return &Keyring{master: []byte(secret)}, nil
}

// NewSalt returns a random archive salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

func (k *Keyring) aead(salt []byte, entry string) (cipher.AEAD, error) {
	key := make([]byte, keySize)
	r := hkdf.New(sha256.New, k.master, salt, []byte(kdfContext+entry))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// chunkNonce builds the 12 byte nonce: 8 byte big-endian counter, 3 zero
// bytes, 1 final flag byte. Every entry has its own key so counters never
// collide across entries.
func chunkNonce(counter uint64, final bool) []byte {
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint64(nonce[0:8], counter)
	if final {
		nonce[11] = 1
	}
	return nonce
}

// sealWriter encrypts a stream as length-prefixed GCM chunks. The last
// chunk carries the final flag so truncation is detected.
type sealWriter struct {
	dst     io.Writer
	aead    cipher.AEAD
	buf     []byte
	counter uint64
	closed  bool
}

func newSealWriter(dst io.Writer, aead cipher.AEAD) *sealWriter {
	return &sealWriter{dst: dst, aead: aead, buf: make([]byte, 0, ChunkSize)}
}

func (w *sealWriter) Write(p []byte) (int, error) {
	if w.closed {
		return 0, errors.New("write to closed sealer")
	}
	n := 0
	for len(p) > 0 {
		space := ChunkSize - len(w.buf)
		take := len(p)
		if take > space {
			take = space
		}
		w.buf = append(w.buf, p[:take]...)
		p = p[take:]
		n += take
		// Keep one full chunk buffered so Close can mark it final.
		if len(w.buf) == ChunkSize && len(p) > 0 {
			if err := w.flush(false); err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func (w *sealWriter) flush(final bool) error {
	sealed := w.aead.Seal(nil, chunkNonce(w.counter, final), w.buf, nil)
	var hdr [lengthSize]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(sealed)))
	if _, err := w.dst.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.dst.Write(sealed); err != nil {
		return err
	}
	w.counter++
	w.buf = w.buf[:0]
	return nil
}

// Close seals the remaining buffer as the final chunk. It does not close dst.
func (w *sealWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	return w.flush(true)
}

// openReader reverses sealWriter. Any authentication failure is reported as
// ErrDecryptionFailed; structural problems as IntegrityError.
type openReader struct {
	src     io.Reader
	aead    cipher.AEAD
	plain   []byte
	counter uint64
	final   bool
	err     error
}

func newOpenReader(src io.Reader, aead cipher.AEAD) *openReader {
	return &openReader{src: src, aead: aead}
}

func (r *openReader) Read(p []byte) (int, error) {
	for len(r.plain) == 0 {
		if r.err != nil {
			return 0, r.err
		}
		if r.final {
			var one [1]byte
			if n, _ := io.ReadFull(r.src, one[:]); n > 0 {
				r.err = integrityf(nil, "trailing data after final chunk")
				return 0, r.err
			}
			r.err = io.EOF
			return 0, io.EOF
		}
		r.err = r.next()
	}
	n := copy(p, r.plain)
	r.plain = r.plain[n:]
	return n, nil
}

func (r *openReader) next() error {
	var hdr [lengthSize]byte
	if _, err := io.ReadFull(r.src, hdr[:]); err != nil {
		return integrityf(err, "truncated encrypted stream")
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size < uint32(r.aead.Overhead()) || size > uint32(ChunkSize+r.aead.Overhead()) {
		return integrityf(nil, "invalid chunk length %d", size)
	}
	sealed := make([]byte, size)
	if _, err := io.ReadFull(r.src, sealed); err != nil {
		return integrityf(err, "truncated encrypted chunk")
	}
	plain, err := r.aead.Open(nil, chunkNonce(r.counter, false), sealed, nil)
	if err != nil {
		plain, err = r.aead.Open(nil, chunkNonce(r.counter, true), sealed, nil)
		if err != nil {
			return ErrDecryptionFailed
		}
		r.final = true
	}
	r.counter++
	r.plain = plain
	return nil
}
