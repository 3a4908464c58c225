// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
handlers_backup.go - Backup Run Endpoints

Creation endpoints only enqueue: the response carries the pending run and
the client polls /history/{id}/status/ (or the progress websocket) until a
terminal status. A status request for a run that no longer exists answers
200 with the synthetic "deleted" status so pollers stop cleanly.

Downloads are verified against the recorded checksum before the first
byte is sent; a mismatch is a 422 "Checksum invalide", never a truncated
stream.
*/

//nolint:staticcheck // File documentation, not package doc
package api

import (
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/tomtom215/sauvegarde/internal/backup"
	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/metrics"
)

// DeletedResponse acknowledges a deletion.
type DeletedResponse struct {
	ID     string        `json:"id"`
	Status ledger.Status `json:"status"`
}

// CreateBackup handles POST /api/backup/create/.
func (h *Handler) CreateBackup(w http.ResponseWriter, r *http.Request) {
	var req backup.CreateBackupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	run, err := h.engine.CreateBackup(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

// QuickBackup handles POST /api/backup/quick-backup/.
func (h *Handler) QuickBackup(w http.ResponseWriter, r *http.Request) {
	var req backup.QuickBackupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteError(w, r, err)
		return
	}
	run, err := h.engine.QuickBackup(r.Context(), req)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, run)
}

// ListBackups handles GET /api/backup/history/?page=&limit=. Optional
// filters: status, backup_type, configuration_id.
func (h *Handler) ListBackups(w http.ResponseWriter, r *http.Request) {
	page, limit, err := pageParams(r)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	q := r.URL.Query()
	filter := ledger.BackupFilter{
		Status:          ledger.Status(q.Get("status")),
		BackupType:      codec.BackupType(q.Get("backup_type")),
		ConfigurationID: q.Get("configuration_id"),
	}
	result, err := h.engine.Ledger().ListBackups(r.Context(), filter, page, limit)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// GetBackup handles GET /api/backup/history/{id}/.
func (h *Handler) GetBackup(w http.ResponseWriter, r *http.Request) {
	run, err := h.engine.Ledger().GetBackup(r.Context(), idParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, run)
}

// BackupStatus handles GET /api/backup/history/{id}/status/.
func (h *Handler) BackupStatus(w http.ResponseWriter, r *http.Request) {
	h.snapshot(w, r, ledger.KindBackup)
}

// snapshot writes the polling view of a run, synthetic deleted included.
func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request, kind ledger.Kind) {
	snap, err := h.engine.Ledger().Snapshot(r.Context(), kind, idParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, snap)
}

// DownloadBackup handles GET /api/backup/history/{id}/download/.
func (h *Handler) DownloadBackup(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.Download(r.Context(), idParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	defer func() {
		_ = d.File.Close()
	}()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", d.Filename))
	w.Header().Set("Content-Length", strconv.FormatInt(d.Size, 10))
	w.Header().Set("Cache-Control", "no-store")
	if d.Checksum != "" {
		w.Header().Set("X-Checksum-SHA256", d.Checksum)
	}
	w.WriteHeader(http.StatusOK)

	n, err := io.Copy(w, d.File)
	metrics.ArchiveDownloadBytes.Add(float64(n))
	if err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Int64("bytes", n).Str("filename", d.Filename).
			Msg("Archive download interrupted")
		return
	}
	logging.Ctx(r.Context()).Info().Int64("bytes", n).Str("filename", d.Filename).Msg("Archive downloaded")
}

// DeleteBackup handles DELETE /api/backup/history/{id}/. The archive goes
// with the row. Deleting a missing run still answers deleted.
func (h *Handler) DeleteBackup(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	run, err := h.engine.DeleteBackup(r.Context(), id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if run != nil {
		logging.Ctx(r.Context()).Info().Str("backup_id", run.ID).Str("file", run.FilePath).Msg("Backup deleted")
	}
	respondJSON(w, http.StatusOK, DeletedResponse{ID: id, Status: ledger.StatusDeleted})
}

// Cleanup handles POST /api/backup/cleanup/: the retention sweep, now.
func (h *Handler) Cleanup(w http.ResponseWriter, r *http.Request) {
	res, err := h.engine.Cleanup(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	if res.Deleted == nil {
		res.Deleted = []string{}
	}
	respondJSON(w, http.StatusOK, res)
}

// StorageStats handles GET /api/backup/storage-stats/.
func (h *Handler) StorageStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.StorageStats(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}
