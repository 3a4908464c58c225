// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package api provides the HTTP layer of the backup engine under /api/backup/.

Every route except /health and /metrics requires an administrator session
(cookie or Bearer token) and, for mutating methods, a CSRF header equal to
the CSRF cookie. Long operations are never run on the request path: the
create, restore and upload endpoints enqueue work and answer 202 with the
pending run, which clients follow through the status endpoints or the
progress websocket.

Key Components:

  - Router: chi route table and middleware stack
  - Handler: request handlers over backup.Engine
  - WriteError: the error taxonomy, French messages and correlation ids
  - ChiMiddleware: go-chi/cors and go-chi/httprate factories

Route Groups:

 1. Configurations (/configurations/): list, create, update, delete, duplicate
 2. Backups (/create/, /quick-backup/, /history/): enqueue, history,
    status, download, delete, cancel
 3. Maintenance (/cleanup/, /storage-stats/)
 4. Classic restorations (/restore/, /upload-restore/, /restore-history/)
 5. External archives (/external-uploads/, /external-restorations/,
    /external-system-status/, /cleanup-external-uploads/)
 6. Progress websocket (/ws/runs/{id}/)

Error Format:

	{"error": "Checksum invalide", "detail": "Checksum invalide",
	 "code": "INTEGRITY_FAILURE", "correlation_id": "a1b2c3d4"}

Usage Example:

	handler := api.NewHandler(engine, hub, cfg)
	authMW, _ := auth.NewMiddleware(&cfg.Security, api.WriteError)
	csrf := auth.NewCSRFMiddleware(auth.CSRFConfigFromSecurity(&cfg.Security, api.WriteError))
	router := api.NewRouter(handler, api.NewChiMiddleware(api.ChiMiddlewareConfigFromSecurity(&cfg.Security)), authMW, csrf)
	http.ListenAndServe(":8080", router.SetupChi())
*/
package api
