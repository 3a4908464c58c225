// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package codec

import (
	"bytes"
	"fmt"
	"io"
)

// ContainerMagic starts every ".encrypted" upload.
const ContainerMagic = "SVGENC01"

const containerEntry = "container"

// ZipMagic is the local file header signature of a plain archive.
var ZipMagic = []byte("PK\x03\x04")

// IsContainer reports whether head starts with the container magic.
func IsContainer(head []byte) bool {
	return bytes.HasPrefix(head, []byte(ContainerMagic))
}

// IsZip reports whether head starts with a zip local file header.
func IsZip(head []byte) bool {
	return bytes.HasPrefix(head, ZipMagic)
}

// SealContainer wraps an arbitrary archive in an outer encrypted layer:
// magic, salt, then sealed chunks.
func SealContainer(dst io.Writer, src io.Reader, keys *Keyring) error {
	if keys == nil {
		return ErrNoKey
	}
	salt, err := NewSalt()
	if err != nil {
		return err
	}
	aead, err := keys.aead(salt, containerEntry)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(dst, ContainerMagic); err != nil {
		return err
	}
	if _, err := dst.Write(salt); err != nil {
		return err
	}
	sw := newSealWriter(dst, aead)
	if _, err := io.Copy(sw, src); err != nil {
		return fmt.Errorf("seal container: %w", err)
	}
	return sw.Close()
}

// OpenContainer decrypts a container into dst. A wrong key yields
// ErrDecryptionFailed; a truncated or malformed stream an IntegrityError.
// dst may hold partial plaintext when an error is returned.
func OpenContainer(dst io.Writer, src io.Reader, keys *Keyring) (int64, error) {
	if keys == nil {
		return 0, ErrNoKey
	}
	head := make([]byte, len(ContainerMagic)+SaltSize)
	if _, err := io.ReadFull(src, head); err != nil {
		return 0, ErrUnrecognized
	}
	if !IsContainer(head) {
		return 0, ErrUnrecognized
	}
	aead, err := keys.aead(head[len(ContainerMagic):], containerEntry)
	if err != nil {
		return 0, err
	}
	return io.Copy(dst, newOpenReader(src, aead))
}
