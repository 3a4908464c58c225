// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Backup Run Metrics
	BackupRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sauvegarde_backup_runs_total",
			Help: "Backup runs reaching a terminal status",
		},
		[]string{"backup_type", "status"},
	)

	BackupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sauvegarde_backup_duration_seconds",
			Help:    "Wall time of completed backup runs",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		},
		[]string{"backup_type"},
	)

	BackupArchiveBytes = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sauvegarde_backup_archive_bytes",
			Help:    "Size of produced archives",
			Buckets: prometheus.ExponentialBuckets(1<<10, 4, 12), // 1KiB .. 4GiB
		},
	)

	ArchiveDownloadBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sauvegarde_archive_download_bytes_total",
			Help: "Bytes streamed by archive downloads",
		},
	)

	// Restore Run Metrics
	RestoreRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sauvegarde_restore_runs_total",
			Help: "Restore runs reaching a terminal status",
		},
		[]string{"source_type", "strategy", "status"},
	)

	RestoreRecordsApplied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sauvegarde_restore_records_total",
			Help: "Records written or skipped by restorations",
		},
		[]string{"outcome"}, // "restored", "conflict"
	)

	RestoreRollbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sauvegarde_restore_rollbacks_total",
			Help: "Rollbacks attempted after a failed or cancelled restoration",
		},
		[]string{"result"},
	)

	// Worker Pool Metrics
	WorkerQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sauvegarde_worker_queue_depth",
			Help: "Jobs waiting for a worker",
		},
	)

	WorkerBusy = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sauvegarde_worker_busy",
			Help: "Workers currently executing a job",
		},
	)

	WorkerPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sauvegarde_worker_panics_total",
			Help: "Jobs that panicked and were converted into failed runs",
		},
	)

	StuckRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sauvegarde_stuck_runs",
			Help: "Running runs without a heartbeat beyond the stuck threshold",
		},
	)

	// Gatekeeper Metrics
	UploadValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sauvegarde_upload_validations_total",
			Help: "External upload validations by resulting status",
		},
		[]string{"status"},
	)

	UploadValidationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sauvegarde_upload_validation_duration_seconds",
			Help:    "Duration of the external upload check pipeline",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 20, 30},
		},
	)

	UploadsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sauvegarde_uploads_expired_total",
			Help: "External uploads expired by cleanup",
		},
	)

	ScannerErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sauvegarde_scanner_errors_total",
			Help: "Failures talking to the external malware engine",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sauvegarde_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sauvegarde_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)

	// Retention Metrics
	RetentionDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sauvegarde_retention_deleted_total",
			Help: "Backup runs deleted by the retention sweep",
		},
	)

	RetentionFreedBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sauvegarde_retention_freed_bytes_total",
			Help: "Archive bytes released by the retention sweep",
		},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sauvegarde_api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sauvegarde_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIActiveRequests = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sauvegarde_api_active_requests",
			Help: "Current number of active API requests",
		},
	)

	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sauvegarde_progress_websocket_connections",
			Help: "Open progress websocket connections",
		},
	)
)

// RecordBackupRun records a backup run that reached a terminal status.
func RecordBackupRun(backupType, status string, duration time.Duration, archiveBytes int64) {
	BackupRunsTotal.WithLabelValues(backupType, status).Inc()
	if status == "completed" {
		BackupDuration.WithLabelValues(backupType).Observe(duration.Seconds())
		BackupArchiveBytes.Observe(float64(archiveBytes))
	}
}

// RecordRestoreRun records a restore run that reached a terminal status.
func RecordRestoreRun(sourceType, strategy, status string, restored, conflicts int) {
	if strategy == "" {
		strategy = "none"
	}
	RestoreRunsTotal.WithLabelValues(sourceType, strategy, status).Inc()
	RestoreRecordsApplied.WithLabelValues("restored").Add(float64(restored))
	RestoreRecordsApplied.WithLabelValues("conflict").Add(float64(conflicts))
}

// RecordRollback records the outcome of a rollback attempt.
func RecordRollback(err error) {
	if err != nil {
		RestoreRollbacks.WithLabelValues("failed").Inc()
		return
	}
	RestoreRollbacks.WithLabelValues("succeeded").Inc()
}

// RecordUploadValidation records the status a validation pipeline ended in.
func RecordUploadValidation(status string, duration time.Duration) {
	UploadValidations.WithLabelValues(status).Inc()
	UploadValidationDuration.Observe(duration.Seconds())
}

// RecordRetentionSweep records the result of one retention sweep.
func RecordRetentionSweep(deleted int, freedBytes int64) {
	RetentionDeleted.Add(float64(deleted))
	RetentionFreedBytes.Add(float64(freedBytes))
}

// RecordAPIRequest records an API request metric.
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// TrackActiveRequest tracks in-flight API requests.
func TrackActiveRequest(inc bool) {
	if inc {
		APIActiveRequests.Inc()
	} else {
		APIActiveRequests.Dec()
	}
}
