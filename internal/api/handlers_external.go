// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
handlers_external.go - External Uploads and Restorations

An external archive goes through two requests. The upload is streamed into
quarantine and answered at once with status "uploaded"; validation runs in
the background and the client polls the upload until it settles. Only a
"ready" upload can then feed an external restoration, which reserves it
for the lifetime of the run.

The multipart body is bounded before it is parsed so an oversized upload
is refused with the explicit size message instead of filling the disk.
*/

//nolint:staticcheck // File documentation, not package doc
package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/tomtom215/sauvegarde/internal/backup"
	"github.com/tomtom215/sauvegarde/internal/gatekeeper"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/validation"
)

const (
	// multipartOverhead allows for form fields and part headers around the file.
	multipartOverhead = 1 << 20

	// uploadMemory is the part of a multipart form held in memory; the
	// rest spills to temporary files.
	uploadMemory = 32 << 20

	maxCleanupAgeDays = 3650
)

// parseUpload reads the multipart fields file and upload_name. The
// returned func releases the form's temporary files.
func (h *Handler) parseUpload(w http.ResponseWriter, r *http.Request) (gatekeeper.Incoming, func(), error) {
	limit := h.engine.Gatekeeper().MaxUploadBytes()
	r.Body = http.MaxBytesReader(w, r.Body, limit+multipartOverhead)

	if err := r.ParseMultipartForm(uploadMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return gatekeeper.Incoming{}, nil, &gatekeeper.RejectError{
				Message: gatekeeper.TooLargeMessage(limit),
				Err:     gatekeeper.ErrTooLarge,
			}
		}
		return gatekeeper.Incoming{}, nil, badRequest("Formulaire d'import invalide", err)
	}
	release := func() {
		if r.MultipartForm != nil {
			_ = r.MultipartForm.RemoveAll()
		}
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		release()
		return gatekeeper.Incoming{}, nil, validation.NewFieldError("file", "required", "Aucun fichier fourni")
	}
	done := func() {
		_ = file.Close()
		release()
	}
	return gatekeeper.Incoming{
		Filename:     header.Filename,
		UploadName:   r.FormValue("upload_name"),
		Body:         file,
		DeclaredSize: header.Size,
	}, done, nil
}

// CreateUpload handles POST /api/backup/external-uploads/.
func (h *Handler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	in, done, err := h.parseUpload(w, r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	defer done()

	u, err := h.engine.Gatekeeper().Accept(r.Context(), in)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, u)
}

// ListUploads handles GET /api/backup/external-uploads/.
func (h *Handler) ListUploads(w http.ResponseWriter, r *http.Request) {
	uploads, err := h.engine.Gatekeeper().List(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := uploads[:0]
		for _, u := range uploads {
			if string(u.Status) == status {
				filtered = append(filtered, u)
			}
		}
		uploads = filtered
	}
	respondJSON(w, http.StatusOK, list(uploads))
}

// GetUpload handles GET /api/backup/external-uploads/{id}/.
func (h *Handler) GetUpload(w http.ResponseWriter, r *http.Request) {
	u, err := h.engine.Gatekeeper().Get(r.Context(), idParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// DeleteUpload handles DELETE /api/backup/external-uploads/{id}/.
func (h *Handler) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	if err := h.engine.Gatekeeper().Delete(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, DeletedResponse{ID: id, Status: ledger.StatusDeleted})
}

// CreateExternalRestoration handles POST /api/backup/external-restorations/.
func (h *Handler) CreateExternalRestoration(w http.ResponseWriter, r *http.Request) {
	var req backup.ExternalRestoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	run, err := h.engine.ExternalRestore(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, newRestoreView(run))
}

// ListExternalRestorations handles GET /api/backup/external-restorations/.
func (h *Handler) ListExternalRestorations(w http.ResponseWriter, r *http.Request) {
	h.listRestores(w, r, ledger.SourceExternal)
}

// GetExternalRestoration handles GET /api/backup/external-restorations/{id}/.
func (h *Handler) GetExternalRestoration(w http.ResponseWriter, r *http.Request) {
	run, err := h.externalRun(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newRestoreView(run))
}

// ExternalRestorationProgress handles GET /api/backup/external-restorations/{id}/progress/.
func (h *Handler) ExternalRestorationProgress(w http.ResponseWriter, r *http.Request) {
	h.snapshot(w, r, ledger.KindRestore)
}

// CancelExternalRestoration handles POST /api/backup/external-restorations/{id}/cancel/.
func (h *Handler) CancelExternalRestoration(w http.ResponseWriter, r *http.Request) {
	if _, err := h.externalRun(r); err != nil {
		WriteError(w, r, err)
		return
	}
	h.cancel(w, r, ledger.KindRestore)
}

// externalRun loads a restoration and hides classic ones from the
// external endpoints.
func (h *Handler) externalRun(r *http.Request) (*ledger.RestoreRun, error) {
	run, err := h.engine.Ledger().GetRestore(r.Context(), idParam(r))
	if err != nil {
		return nil, err
	}
	if run.SourceType != ledger.SourceExternal {
		return nil, ledger.ErrNotFound
	}
	return run, nil
}

// ExternalSystemStatus handles GET /api/backup/external-system-status/.
func (h *Handler) ExternalSystemStatus(w http.ResponseWriter, r *http.Request) {
	health, err := h.engine.Gatekeeper().Health(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, health)
}

// CleanupUploadsRequest is the body of POST /api/backup/cleanup-external-uploads/.
type CleanupUploadsRequest struct {
	MaxAgeDays *int `json:"max_age_days"`
}

// CleanupExternalUploads handles POST /api/backup/cleanup-external-uploads/.
// max_age_days comes from the body or the query string; without it the
// configured upload age applies.
func (h *Handler) CleanupExternalUploads(w http.ResponseWriter, r *http.Request) {
	var req CleanupUploadsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	days, err := getIntParam(r, "max_age_days", 0)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if req.MaxAgeDays != nil {
		days = *req.MaxAgeDays
	}
	if req.MaxAgeDays != nil || r.URL.Query().Has("max_age_days") {
		if days < 1 || days > maxCleanupAgeDays {
			WriteError(w, r, validation.NewFieldError("max_age_days", "range",
				"max_age_days doit être compris entre 1 et 3650"))
			return
		}
	}

	res, err := h.engine.Gatekeeper().Cleanup(r.Context(), time.Duration(days)*24*time.Hour)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
