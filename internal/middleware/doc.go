// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package middleware provides the infrastructure middleware of the HTTP API.

Key Components:

  - RequestID: request and correlation ids for tracing and error reports
  - PrometheusMetrics: request counters and latency histograms per route
  - Compression: gzip for JSON responses

Every component has the chi signature func(http.Handler) http.Handler:

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.PrometheusMetrics)
	r.With(middleware.Compression).Get("/api/backup/history/", h.BackupHistory)

Request IDs:

An incoming X-Request-ID header is kept, otherwise a UUID is generated.
Each request also gets a short correlation id, returned in the
X-Correlation-ID header and in every error body so operators can find
the matching log lines.

Metrics Labels:

Endpoints are labelled with the chi route pattern (for example
/api/backup/history/{id}/status/) rather than the raw path, which keeps
label cardinality bounded.

Compression:

Archive downloads and websocket upgrades are never compressed; archives
are already compressed and upgrades need the raw connection.

See Also:

  - internal/auth: session and CSRF middleware
  - internal/api: HTTP handlers wrapped by middleware
  - internal/metrics: Prometheus metrics definitions
*/
package middleware
