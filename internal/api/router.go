// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tomtom215/sauvegarde/internal/auth"
	"github.com/tomtom215/sauvegarde/internal/middleware"
)

// Router binds the handlers to the /api/backup surface.
type Router struct {
	handler       *Handler
	chiMiddleware *ChiMiddleware
	auth          *auth.Middleware
	csrf          *auth.CSRFMiddleware
}

// NewRouter creates a router. csrf may be nil when CSRF checks are disabled.
func NewRouter(handler *Handler, chiMW *ChiMiddleware, authMW *auth.Middleware, csrf *auth.CSRFMiddleware) *Router {
	if chiMW == nil {
		chiMW = NewChiMiddleware(nil)
	}
	return &Router{handler: handler, chiMiddleware: chiMW, auth: authMW, csrf: csrf}
}

// SetupChi configures all HTTP routes.
func (router *Router) SetupChi() http.Handler {
	r := chi.NewRouter()
	h := router.handler

	// ========================
	// Global Middleware Stack
	// ========================
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(router.chiMiddleware.CORS()) // global so OPTIONS preflight is answered

	r.Get("/health", h.Health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/backup", func(r chi.Router) {
		r.Use(middleware.PrometheusMetrics)
		r.Use(router.auth.Authenticate)
		if router.csrf != nil {
			r.Use(router.csrf.Protect)
		}
		r.Use(router.chiMiddleware.RateLimit())

		// Archives are already compressed and the upgrade needs the raw connection.
		r.Get("/history/{id}/download/", h.DownloadBackup)
		r.Get("/ws/runs/{id}/", h.RunProgressWS)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Compression)

			// Configurations
			r.Get("/configurations/", h.ListConfigurations)
			r.Post("/configurations/", h.CreateConfiguration)
			r.Get("/configurations/{id}/", h.GetConfiguration)
			r.Put("/configurations/{id}/", h.UpdateConfiguration)
			r.Delete("/configurations/{id}/", h.DeleteConfiguration)
			r.Post("/configurations/{id}/duplicate/", h.DuplicateConfiguration)

			// Backups
			r.Post("/create/", h.CreateBackup)
			r.Post("/quick-backup/", h.QuickBackup)
			r.Get("/history/", h.ListBackups)
			r.Get("/history/{id}/", h.GetBackup)
			r.Delete("/history/{id}/", h.DeleteBackup)
			r.Get("/history/{id}/status/", h.BackupStatus)
			r.Post("/history/{id}/cancel/", h.CancelBackup)
			r.Post("/cleanup/", h.Cleanup)
			r.Get("/storage-stats/", h.StorageStats)

			// Classic restorations
			r.Post("/restore/", h.Restore)
			r.Post("/upload-restore/", h.UploadRestore)
			r.Get("/restore-history/", h.ListRestores)
			r.Get("/restore-history/{id}/", h.GetRestore)
			r.Delete("/restore-history/{id}/", h.DeleteRestore)
			r.Get("/restore-history/{id}/status/", h.RestoreStatus)
			r.Post("/restore-history/{id}/cancel/", h.CancelRestore)

			// External uploads and restorations
			r.Post("/external-uploads/", h.CreateUpload)
			r.Get("/external-uploads/", h.ListUploads)
			r.Get("/external-uploads/{id}/", h.GetUpload)
			r.Delete("/external-uploads/{id}/", h.DeleteUpload)
			r.Post("/external-restorations/", h.CreateExternalRestoration)
			r.Get("/external-restorations/", h.ListExternalRestorations)
			r.Get("/external-restorations/{id}/", h.GetExternalRestoration)
			r.Get("/external-restorations/{id}/progress/", h.ExternalRestorationProgress)
			r.Post("/external-restorations/{id}/cancel/", h.CancelExternalRestoration)
			r.Get("/external-system-status/", h.ExternalSystemStatus)
			r.Post("/cleanup-external-uploads/", h.CleanupExternalUploads)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "Ressource introuvable", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, r, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Méthode non autorisée", nil)
	})

	return r
}
