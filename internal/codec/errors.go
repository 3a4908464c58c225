// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package codec

import (
	"errors"
	"fmt"
)

var (
	// ErrDecryptionFailed means the key is missing or wrong, or ciphertext was altered.
	ErrDecryptionFailed = errors.New("decryption failed")

	// ErrUnrecognized means the bytes are not an archive this codec produced.
	ErrUnrecognized = errors.New("unrecognized archive format")

	// ErrChecksumMismatch means the checksum footer does not match the content.
	ErrChecksumMismatch = errors.New("checksum mismatch")

	// ErrNoKey is returned when no encryption key was configured.
	ErrNoKey = errors.New("no encryption key configured")

	// ErrExpansionLimit means an entry decoded to more bytes than allowed.
	ErrExpansionLimit = errors.New("expanded size limit exceeded")
)

// IntegrityError reports a malformed, truncated or tampered archive.
// Report is a short fragment suitable for a validation report.
type IntegrityError struct {
	Report string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integrity failure: %s: %v", e.Report, e.Err)
	}
	return "integrity failure: " + e.Report
}

func (e *IntegrityError) Unwrap() error { return e.Err }

func integrityf(err error, format string, args ...interface{}) *IntegrityError {
	return &IntegrityError{Report: fmt.Sprintf(format, args...), Err: err}
}

// IsIntegrityFailure reports whether err is any archive integrity problem,
// including decryption and checksum failures.
func IsIntegrityFailure(err error) bool {
	var ie *IntegrityError
	return errors.As(err, &ie) || errors.Is(err, ErrDecryptionFailed) ||
		errors.Is(err, ErrChecksumMismatch) || errors.Is(err, ErrUnrecognized)
}
