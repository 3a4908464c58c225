// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package api

import (
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sauvegarde/internal/logging"
)

// Error codes returned in the code field of error bodies.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodePermissionDenied   = "PERMISSION_DENIED"
	ErrCodeCSRF               = "CSRF_FAILED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeUploadNotReady     = "UPLOAD_NOT_READY"
	ErrCodeIntegrity          = "INTEGRITY_FAILURE"
	ErrCodePayloadTooLarge    = "PAYLOAD_TOO_LARGE"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	ErrCodeInternal           = "INTERNAL_ERROR"
)

// Messages the client matches on. They must not change.
const (
	MsgSessionExpired = "Session expirée. Veuillez vous reconnecter."
	MsgChecksum       = "Checksum invalide"
	MsgGeneric        = "Une erreur est survenue"
)

// ErrorBody is the JSON body of every error response. Error and Detail
// carry the same human message; clients read either.
type ErrorBody struct {
	Error         string      `json:"error"`
	Detail        string      `json:"detail"`
	Code          string      `json:"code"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Details       interface{} `json:"details,omitempty"`
}

// ListEnvelope wraps list responses.
type ListEnvelope[T any] struct {
	Results []T `json:"results"`
	Count   int `json:"count"`
}

// respondJSON sends v as JSON with the given status.
func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logging.Error().Err(err).Msg("Failed to marshal JSON response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logging.Debug().Err(err).Msg("Failed to write JSON response")
	}
}

// respondError sends an error body. The correlation id comes from the
// request context.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, details interface{}) {
	respondJSON(w, status, &ErrorBody{
		Error:         message,
		Detail:        message,
		Code:          code,
		CorrelationID: logging.CorrelationIDFromContext(r.Context()),
		Details:       details,
	})
}

// list wraps items in the results envelope, never emitting null.
func list[T any](items []T) ListEnvelope[T] {
	if items == nil {
		items = []T{}
	}
	return ListEnvelope[T]{Results: items, Count: len(items)}
}
