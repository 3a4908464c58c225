// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/validation"
)

// attachTimeout bounds the hand-over of an upgraded connection to the hub.
const attachTimeout = 5 * time.Second

// RunProgressWS handles GET /api/backup/ws/runs/{id}/?kind=backup|restore.
// The first message is the current snapshot; later messages follow every
// committed change of the run. Without kind the id is looked up as a
// backup first.
func (h *Handler) RunProgressWS(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		logging.Warn().Msg("WebSocket connection rejected: hub not initialized")
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeServiceUnavailable,
			"Suivi en direct indisponible", nil)
		return
	}

	id := idParam(r)
	kind, err := h.runKind(r, id)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	snap, err := h.engine.Ledger().Snapshot(r.Context(), kind, id)
	if err != nil {
		WriteError(w, r, err)
		return
	}

	upgrader := h.getUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Ctx(r.Context()).Debug().Err(err).Msg("WebSocket upgrade error")
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), attachTimeout)
	defer cancel()
	if err := h.hub.Attach(ctx, conn, kind, id, snap); err != nil {
		logging.Ctx(r.Context()).Warn().Err(err).Str("run_id", id).Msg("WebSocket attach failed")
	}
}

func (h *Handler) runKind(r *http.Request, id string) (ledger.Kind, error) {
	switch k := ledger.Kind(r.URL.Query().Get("kind")); k {
	case ledger.KindBackup, ledger.KindRestore:
		return k, nil
	case "":
	default:
		return "", validation.NewFieldError("kind", "oneof", "kind doit valoir backup ou restore")
	}
	_, err := h.engine.Ledger().GetBackup(r.Context(), id)
	switch {
	case err == nil:
		return ledger.KindBackup, nil
	case errors.Is(err, ledger.ErrNotFound):
		return ledger.KindRestore, nil
	default:
		return "", err
	}
}
