// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tomtom215/sauvegarde/internal/backup"
	"github.com/tomtom215/sauvegarde/internal/config"
	"github.com/tomtom215/sauvegarde/internal/logging"
	ws "github.com/tomtom215/sauvegarde/internal/websocket"
)

// Handler contains dependencies for API handlers.
//
// Handler methods are split across multiple files:
//   - handlers.go: Handler struct, constructor, health and upgrader
//   - handlers_helpers.go: request decoding and parameters
//   - handlers_configurations.go: backup configurations
//   - handlers_backup.go: backup runs, downloads, retention, storage stats
//   - handlers_restore.go: classic restorations and legacy upload-restore
//   - handlers_external.go: external uploads and external restorations
//   - handlers_ws.go: progress websocket
type Handler struct {
	engine    *backup.Engine
	hub       *ws.Hub
	config    *config.Config
	startTime time.Time
}

// NewHandler creates the API handler. hub may be nil, in which case the
// progress websocket answers 503 and clients poll the status endpoints.
func NewHandler(engine *backup.Engine, hub *ws.Hub, cfg *config.Config) *Handler {
	return &Handler{
		engine:    engine,
		hub:       hub,
		config:    cfg,
		startTime: time.Now(),
	}
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	QueueDepth    int     `json:"queue_depth"`
	BusyWorkers   int     `json:"busy_workers"`
	WSClients     int     `json:"websocket_clients"`
}

// Health reports liveness and worker occupancy. It does not require a session.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	stats := h.engine.Pool().Stats()
	resp := HealthResponse{
		Status:        "ok",
		UptimeSeconds: time.Since(h.startTime).Seconds(),
		QueueDepth:    stats.Queued,
		BusyWorkers:   stats.Busy,
	}
	if h.hub != nil {
		resp.WSClients = h.hub.GetClientCount()
	}
	respondJSON(w, http.StatusOK, resp)
}

// getUpgrader creates a WebSocket upgrader with origin checking and a
// handshake timeout.
func (h *Handler) getUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		CheckOrigin:      h.checkWebSocketOrigin,
		HandshakeTimeout: 10 * time.Second,
	}
}

// checkWebSocketOrigin validates WebSocket connection origins. Browsers
// always send Origin, so a missing header is rejected.
func (h *Handler) checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		logging.Warn().Msg("WebSocket connection rejected: missing Origin header")
		return false
	}
	if h.config == nil {
		return true
	}
	for _, allowed := range h.config.Security.CORSOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	logging.Warn().Str("origin", sanitizeLogValue(origin)).Msg("WebSocket connection rejected from unauthorized origin")
	return false
}
