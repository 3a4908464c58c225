// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package api

import (
	"errors"
	"net/http"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sauvegarde/internal/backup"
	"github.com/tomtom215/sauvegarde/internal/gatekeeper"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/validation"
)

// UploadRestoreResponse is the body of a successful legacy upload-restore.
type UploadRestoreResponse struct {
	Restoration RestoreView        `json:"restoration"`
	Upload      *gatekeeper.Upload `json:"upload"`
}

// Restore handles POST /api/backup/restore/.
func (h *Handler) Restore(w http.ResponseWriter, r *http.Request) {
	var req backup.RestoreRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	run, err := h.engine.Restore(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, newRestoreView(run))
}

// UploadRestore handles POST /api/backup/upload-restore/: the archive is
// validated synchronously, then restored with preserve_system. Options
// come either as a JSON "options" field or as backup_current and
// restore_files form fields.
func (h *Handler) UploadRestore(w http.ResponseWriter, r *http.Request) {
	in, done, err := h.parseUpload(w, r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	defer done()

	opts, err := restoreOptionsForm(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	run, u, err := h.engine.UploadRestore(r.Context(), in, opts)
	if err != nil {
		if u != nil && errors.Is(err, gatekeeper.ErrUploadNotReady) && u.ErrorMessage != "" {
			// The upload was refused by validation: the client shows its reason.
			respondError(w, r, http.StatusConflict, ErrCodeUploadNotReady, u.ErrorMessage, u)
			return
		}
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, UploadRestoreResponse{Restoration: newRestoreView(run), Upload: u})
}

// restoreOptionsForm reads restoration options from a multipart form.
func restoreOptionsForm(r *http.Request) (ledger.RestoreOptions, error) {
	opts := ledger.RestoreOptions{BackupCurrent: true, RestoreFiles: true}
	if raw := r.FormValue("options"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return opts, validation.NewFieldError("options", "json", "Options de restauration invalides")
		}
		return opts, nil
	}
	if r.FormValue("backup_current") != "" {
		v, err := formBool(r, "backup_current")
		if err != nil {
			return opts, err
		}
		opts.BackupCurrent = v
	}
	if r.FormValue("restore_files") != "" {
		v, err := formBool(r, "restore_files")
		if err != nil {
			return opts, err
		}
		opts.RestoreFiles = v
	}
	return opts, nil
}

// ListRestores handles GET /api/backup/restore-history/. Optional filters:
// status, source_type.
func (h *Handler) ListRestores(w http.ResponseWriter, r *http.Request) {
	h.listRestores(w, r, ledger.SourceType(r.URL.Query().Get("source_type")))
}

func (h *Handler) listRestores(w http.ResponseWriter, r *http.Request, source ledger.SourceType) {
	page, limit, err := pageParams(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	filter := ledger.RestoreFilter{
		Status:     ledger.Status(r.URL.Query().Get("status")),
		SourceType: source,
	}
	result, err := h.engine.Ledger().ListRestores(r.Context(), filter, page, limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, restoreViews(result))
}

// GetRestore handles GET /api/backup/restore-history/{id}/.
func (h *Handler) GetRestore(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Ledger().GetRestore(r.Context(), idParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, newRestoreView(run))
}

// RestoreStatus handles GET /api/backup/restore-history/{id}/status/.
func (h *Handler) RestoreStatus(w http.ResponseWriter, r *http.Request) {
	h.snapshot(w, r, ledger.KindRestore)
}

// DeleteRestore handles DELETE /api/backup/restore-history/{id}/. Active
// runs cannot be deleted.
func (h *Handler) DeleteRestore(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	if err := h.engine.DeleteRestore(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, DeletedResponse{ID: id, Status: ledger.StatusDeleted})
}

// CancelBackup handles POST /api/backup/history/{id}/cancel/.
func (h *Handler) CancelBackup(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, ledger.KindBackup)
}

// CancelRestore handles POST /api/backup/restore-history/{id}/cancel/.
func (h *Handler) CancelRestore(w http.ResponseWriter, r *http.Request) {
	h.cancel(w, r, ledger.KindRestore)
}

// cancel requests cooperative cancellation and returns the snapshot after
// the request. Cancelling a finished run changes nothing.
func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, kind ledger.Kind) {
	snap, err := h.engine.CancelRun(r.Context(), kind, idParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}
