// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package api

import (
	"net/http"

	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/registry"
)

// ListConfigurations handles GET /api/backup/configurations/.
func (h *Handler) ListConfigurations(w http.ResponseWriter, r *http.Request) {
	configs, err := h.engine.Registry().List(r.Context())
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, list(configs))
}

// GetConfiguration handles GET /api/backup/configurations/{id}/.
func (h *Handler) GetConfiguration(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Registry().Get(r.Context(), idParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// CreateConfiguration handles POST /api/backup/configurations/.
func (h *Handler) CreateConfiguration(w http.ResponseWriter, r *http.Request) {
	var in registry.Input
	if err := decodeJSON(w, r, &in); err != nil {
		WriteError(w, r, err)
		return
	}
	c, err := h.engine.Registry().Create(r.Context(), in)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("configuration_id", c.ID).Str("name", sanitizeLogValue(c.Name)).
		Msg("Backup configuration created")
	respondJSON(w, http.StatusCreated, c)
}

// UpdateConfiguration handles PUT /api/backup/configurations/{id}/.
// Omitted fields keep their value.
func (h *Handler) UpdateConfiguration(w http.ResponseWriter, r *http.Request) {
	var in registry.Input
	if err := decodeJSON(w, r, &in); err != nil {
		WriteError(w, r, err)
		return
	}
	c, err := h.engine.Registry().Update(r.Context(), idParam(r), in)
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, c)
}

// DeleteConfiguration handles DELETE /api/backup/configurations/{id}/.
// Existing runs keep their history with the configuration detached.
func (h *Handler) DeleteConfiguration(w http.ResponseWriter, r *http.Request) {
	id := idParam(r)
	if err := h.engine.DeleteConfiguration(r.Context(), id); err != nil {
		WriteError(w, r, err)
		return
	}
	logging.Ctx(r.Context()).Info().Str("configuration_id", sanitizeLogValue(id)).Msg("Backup configuration deleted")
	w.WriteHeader(http.StatusNoContent)
}

// DuplicateConfiguration handles POST /api/backup/configurations/{id}/duplicate/.
// The copy is named "<name> (Copie)" and starts inactive.
func (h *Handler) DuplicateConfiguration(w http.ResponseWriter, r *http.Request) {
	c, err := h.engine.Registry().Duplicate(r.Context(), idParam(r))
	if err != nil {
		WriteError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, c)
}
