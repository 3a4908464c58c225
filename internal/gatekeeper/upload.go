// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package gatekeeper

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tomtom215/sauvegarde/internal/codec"
)

// Status is the lifecycle state of an external upload.
type Status string

const (
	StatusUploaded         Status = "uploaded"
	StatusValidating       Status = "validating"
	StatusReady            Status = "ready"
	StatusFailedValidation Status = "failed_validation"
	StatusCorrupted        Status = "corrupted"
	StatusConsumed         Status = "consumed"
	StatusExpired          Status = "expired"
)

// Statuses lists every status in lifecycle order.
var Statuses = []Status{
	StatusUploaded, StatusValidating, StatusReady, StatusFailedValidation,
	StatusCorrupted, StatusConsumed, StatusExpired,
}

// Settled reports whether validation has finished for s.
func (s Status) Settled() bool {
	return s != StatusUploaded && s != StatusValidating
}

// Final reports whether s can never change again.
func (s Status) Final() bool {
	return s == StatusConsumed || s == StatusExpired
}

// Messages returned to clients. Clients match on these strings.
const (
	MsgInvalidContent     = "Contenu invalide ou non reconnu"
	MsgChecksum           = "Checksum invalide"
	MsgCorrupted          = "Archive corrompue"
	MsgMalware            = "Contenu malveillant détecté"
	MsgSuspicious         = "Archive suspecte (taux de compression ou nombre d'entrées anormal)"
	MsgUnsafePath         = "Chemin de fichier non autorisé dans l'archive"
	MsgTimeout            = "Délai de validation dépassé"
	MsgScannerUnavailable = "Analyse de sécurité indisponible"
	MsgExtension          = "Extension non autorisée (.zip ou .encrypted uniquement)"
	MsgEmpty              = "Fichier vide"
)

// Accepted extensions, compared case-insensitively on the final suffix.
const (
	ExtZip       = codec.Extension
	ExtEncrypted = codec.EncryptedExtension
)

var (
	// ErrUploadNotFound is returned for unknown upload ids.
	ErrUploadNotFound = errors.New("upload not found")

	// ErrUploadNotReady is returned when a restoration asks for an upload
	// that is not ready or is already held by another restoration.
	ErrUploadNotReady = errors.New("upload not ready")

	// ErrUploadInUse rejects deleting an upload a restoration holds.
	ErrUploadInUse = errors.New("upload in use by a restoration")

	// ErrInvalidExtension rejects names not ending in .zip or .encrypted.
	ErrInvalidExtension = errors.New("invalid upload extension")

	// ErrTooLarge rejects uploads above the size limit.
	ErrTooLarge = errors.New("upload too large")

	// ErrEmpty rejects zero-byte uploads.
	ErrEmpty = errors.New("empty upload")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("gatekeeper closed")
)

// RejectError is an upload refused before it reached quarantine. Message is
// the client-facing text.
type RejectError struct {
	Message string
	Err     error
}

func (e *RejectError) Error() string { return e.Err.Error() + ": " + e.Message }

func (e *RejectError) Unwrap() error { return e.Err }

// TooLargeMessage is the rejection text for uploads above limit bytes.
func TooLargeMessage(limit int64) string {
	return fmt.Sprintf("Fichier trop volumineux (maximum %d Mo)", limit>>20)
}

// Check is one step of the validation pipeline.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// Report is the structured validation report stored with an upload.
type Report struct {
	Checks    []Check `json:"checks"`
	Summary   string  `json:"summary"`
	ElapsedMS int64   `json:"elapsed_ms"`
}

func (r *Report) pass(name, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: true, Detail: detail})
}

func (r *Report) fail(name, detail string) {
	r.Checks = append(r.Checks, Check{Name: name, Passed: false, Detail: detail})
}

// Content summarizes the manifest of a validated upload.
type Content struct {
	BackupName   string           `json:"backup_name"`
	BackupType   codec.BackupType `json:"backup_type"`
	CreatedAt    time.Time        `json:"created_at"`
	Tables       []string         `json:"tables"`
	TablesCount  int              `json:"tables_count"`
	RecordsCount int              `json:"records_count"`
	FilesCount   int              `json:"files_count"`
}

// Upload is an externally supplied archive held in quarantine.
type Upload struct {
	ID               string     `json:"id"`
	OriginalFilename string     `json:"original_filename"`
	UploadName       string     `json:"upload_name"`
	Extension        string     `json:"file_extension"`
	Size             int64      `json:"file_size"`
	Status           Status     `json:"status"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	Report           *Report    `json:"validation_report,omitempty"`
	Content          *Content   `json:"content,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	ValidatedAt      *time.Time `json:"validated_at,omitempty"`
	ReservedBy       string     `json:"reserved_by,omitempty"`
	ConsumedBy       string     `json:"consumed_by,omitempty"`

	// StoredRef is the file as received; PayloadRef the plain archive
	// (the decrypted container for .encrypted uploads).
	StoredRef  string `json:"stored_ref"`
	PayloadRef string `json:"payload_ref,omitempty"`
}

// IsReady reports whether u can feed a restoration right now.
func (u *Upload) IsReady() bool {
	return u.Status == StatusReady && u.ReservedBy == ""
}

func normalizeExtension(filename string) (string, bool) {
	lower := strings.ToLower(filename)
	switch {
	case strings.HasSuffix(lower, ExtEncrypted):
		return ExtEncrypted, true
	case strings.HasSuffix(lower, ExtZip):
		return ExtZip, true
	}
	return "", false
}
