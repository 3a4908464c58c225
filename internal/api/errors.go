// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
errors.go - Error Taxonomy

Every handler funnels failures through WriteError, which maps engine
errors to an HTTP status, an error code and a French message:

	validation          400 VALIDATION_ERROR
	no session          401 UNAUTHENTICATED
	role or CSRF        403 PERMISSION_DENIED / CSRF_FAILED
	unknown id          404 NOT_FOUND
	state conflict      409 CONFLICT / UPLOAD_NOT_READY
	oversized upload    413 PAYLOAD_TOO_LARGE
	integrity failure   422 INTEGRITY_FAILURE ("Checksum invalide")
	queue full          503 SERVICE_UNAVAILABLE
	anything else       500 INTERNAL_ERROR ("Une erreur est survenue")

Internal errors are logged with the request's correlation id, which is
also returned to the client.
*/

//nolint:staticcheck // File documentation, not package doc
package api

import (
	"errors"
	"net/http"

	"github.com/tomtom215/sauvegarde/internal/artifact"
	"github.com/tomtom215/sauvegarde/internal/auth"
	"github.com/tomtom215/sauvegarde/internal/backup"
	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/gatekeeper"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/registry"
	"github.com/tomtom215/sauvegarde/internal/validation"
	"github.com/tomtom215/sauvegarde/internal/worker"
)

// BadRequestError is a malformed request body or parameter. Message is
// shown to the client.
type BadRequestError struct {
	Message string
	Err     error
}

func (e *BadRequestError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *BadRequestError) Unwrap() error { return e.Err }

func badRequest(msg string, err error) error {
	return &BadRequestError{Message: msg, Err: err}
}

// apiError is the resolved form of an error.
type apiError struct {
	status  int
	code    string
	message string
	details interface{}
}

// classify maps err onto the error taxonomy.
func classify(err error) apiError {
	var (
		verr   *validation.RequestValidationError
		breq   *BadRequestError
		reject *gatekeeper.RejectError
		maxErr *http.MaxBytesError
	)
	switch {
	case errors.As(err, &verr):
		msg := verr.Error()
		fields := make(map[string]string, len(verr.Errors()))
		for _, fe := range verr.Errors() {
			fields[fe.Field()] = fe.Error()
		}
		if errs := verr.Errors(); len(errs) > 0 {
			msg = errs[0].Error()
		}
		return apiError{http.StatusBadRequest, ErrCodeValidation, msg, fields}
	case errors.As(err, &breq):
		return apiError{http.StatusBadRequest, ErrCodeValidation, breq.Message, nil}
	case errors.As(err, &maxErr):
		return apiError{http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge,
			gatekeeper.TooLargeMessage(maxErr.Limit), nil}
	case errors.As(err, &reject):
		if errors.Is(reject, gatekeeper.ErrTooLarge) {
			return apiError{http.StatusRequestEntityTooLarge, ErrCodePayloadTooLarge, reject.Message, nil}
		}
		return apiError{http.StatusBadRequest, ErrCodeValidation, reject.Message, nil}

	case errors.Is(err, auth.ErrUnauthenticated):
		return apiError{http.StatusUnauthorized, ErrCodeUnauthenticated, MsgSessionExpired, nil}
	case errors.Is(err, auth.ErrPermissionDenied):
		return apiError{http.StatusForbidden, ErrCodePermissionDenied,
			"Accès refusé : droits administrateur requis pour les sauvegardes", nil}
	case errors.Is(err, auth.ErrCSRFTokenMissing), errors.Is(err, auth.ErrCSRFTokenInvalid):
		return apiError{http.StatusForbidden, ErrCodeCSRF, "Jeton CSRF manquant ou invalide", nil}

	case errors.Is(err, registry.ErrNotFound):
		return apiError{http.StatusNotFound, ErrCodeNotFound, "Configuration introuvable", nil}
	case errors.Is(err, gatekeeper.ErrUploadNotFound):
		return apiError{http.StatusNotFound, ErrCodeNotFound, "Fichier importé introuvable", nil}
	case errors.Is(err, ledger.ErrNotFound):
		return apiError{http.StatusNotFound, ErrCodeNotFound, "Opération introuvable", nil}
	case errors.Is(err, artifact.ErrArtifactNotFound):
		return apiError{http.StatusNotFound, ErrCodeNotFound, "Fichier de sauvegarde introuvable", nil}

	case errors.Is(err, gatekeeper.ErrUploadNotReady):
		return apiError{http.StatusConflict, ErrCodeUploadNotReady,
			"Le fichier importé n'est pas prêt pour une restauration", nil}
	case errors.Is(err, gatekeeper.ErrUploadInUse):
		return apiError{http.StatusConflict, ErrCodeConflict, "Fichier importé en cours d'utilisation", nil}
	case errors.Is(err, backup.ErrBackupNotCompleted):
		return apiError{http.StatusConflict, ErrCodeConflict, "La sauvegarde n'est pas terminée", nil}
	case errors.Is(err, ledger.ErrRunActive):
		return apiError{http.StatusConflict, ErrCodeConflict, "Opération en cours, réessayez après sa fin", nil}

	case errors.Is(err, backup.ErrChecksumInvalid), codec.IsIntegrityFailure(err):
		return apiError{http.StatusUnprocessableEntity, ErrCodeIntegrity, MsgChecksum, nil}

	case errors.Is(err, worker.ErrPoolFull), errors.Is(err, worker.ErrPoolClosed), errors.Is(err, gatekeeper.ErrClosed):
		return apiError{http.StatusServiceUnavailable, ErrCodeServiceUnavailable,
			"Service occupé, réessayez dans quelques instants", nil}
	}
	return apiError{http.StatusInternalServerError, ErrCodeInternal, MsgGeneric, nil}
}

// WriteError renders err in the API error format. It also serves as the
// auth.ErrorHandler of the session and CSRF middleware.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	log := logging.Ctx(r.Context())
	switch {
	case e.status >= http.StatusInternalServerError:
		log.Error().Err(err).Str("method", r.Method).Str("path", sanitizeLogValue(r.URL.Path)).
			Int("status", e.status).Msg("API request failed")
	case e.status == http.StatusUnprocessableEntity:
		log.Warn().Err(err).Str("path", sanitizeLogValue(r.URL.Path)).Msg("Integrity failure")
	default:
		log.Debug().Err(err).Int("status", e.status).Str("code", e.code).Msg("API request rejected")
	}
	respondError(w, r, e.status, e.code, e.message, e.details)
}

var _ auth.ErrorHandler = WriteError
