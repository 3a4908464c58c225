// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

// Package main is the entry point of the backup and restore server.
//
// # Application Architecture
//
// Components are built in this order:
//
//  1. Configuration: Koanf v2 (defaults, config.yaml, environment)
//  2. Stores: badger ledger store, DuckDB dynamic tables, archive and quarantine areas
//  3. Engine: registry, run ledger, upload gatekeeper, restore planner, worker pool
//  4. Recovery: interrupted runs are failed and abandoned validations requeued
//  5. Supervisor tree: storage, jobs, messaging and api layers (suture v4)
//
// # Signal Handling
//
// SIGINT and SIGTERM cancel the tree. The HTTP server drains, running
// backups and restorations are cancelled with worker.ErrShutdown (a
// restoration rolls back), then the stores are closed.
//
// # Example Usage
//
//	export BACKUP_ENCRYPTION_KEY=$(openssl rand -base64 32)
//	export JWT_SECRET=$(openssl rand -base64 32)
//	export BACKUP_DIR=/var/lib/sauvegarde/archives
//	./sauvegarde
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/tomtom215/sauvegarde/internal/api"
	"github.com/tomtom215/sauvegarde/internal/artifact"
	"github.com/tomtom215/sauvegarde/internal/auth"
	"github.com/tomtom215/sauvegarde/internal/backup"
	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/config"
	"github.com/tomtom215/sauvegarde/internal/database"
	"github.com/tomtom215/sauvegarde/internal/gatekeeper"
	"github.com/tomtom215/sauvegarde/internal/kv"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/logging"
	"github.com/tomtom215/sauvegarde/internal/planner"
	"github.com/tomtom215/sauvegarde/internal/progress"
	"github.com/tomtom215/sauvegarde/internal/registry"
	"github.com/tomtom215/sauvegarde/internal/supervisor"
	"github.com/tomtom215/sauvegarde/internal/supervisor/services"
	ws "github.com/tomtom215/sauvegarde/internal/websocket"
)

// progressBuffer is the per-subscriber event buffer of the progress bus.
const progressBuffer = 256

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Caller: cfg.Logging.Caller,
		Output: os.Stderr,
	})
	logging.Info().
		Str("environment", cfg.Server.Environment).
		Str("archive_dir", cfg.Storage.ArchiveDir).
		Str("auth_mode", cfg.Security.AuthMode).
		Msg("Starting backup server")

	if err := run(cfg); err != nil {
		logging.Fatal().Err(err).Msg("Server stopped with error")
	}
	logging.Info().Msg("Application stopped gracefully")
}

func run(cfg *config.Config) error {
	store, err := kv.Open(kv.Options{Path: cfg.Storage.LedgerDir, SyncWrites: true})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close ledger store")
		}
	}()

	db, err := database.New(&cfg.Database, cfg.Storage.FilesDir, cfg.Backup.SystemTables)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logging.Error().Err(err).Msg("Failed to close database")
		}
	}()

	arts, err := artifact.New(cfg.Storage.ArchiveDir, cfg.Storage.QuarantineDir)
	if err != nil {
		return err
	}
	keys, err := codec.NewKeyring(cfg.Backup.EncryptionKey)
	if err != nil {
		return err
	}

	bus := progress.New(progressBuffer)
	defer func() { _ = bus.Close() }()

	led := ledger.New(store, arts.Archives)
	led.SetNotifier(bus)
	gate := gatekeeper.New(store, arts.Quarantine, keys, &cfg.Gatekeeper)

	engine, err := backup.New(backup.Deps{
		Backup:     &cfg.Backup,
		Storage:    &cfg.Storage,
		Artifacts:  arts,
		Keys:       keys,
		Registry:   registry.New(store, cfg.Backup.DefaultRetentionDays),
		Ledger:     led,
		Gatekeeper: gate,
		Planner:    planner.New(db, cfg.Backup.BatchSize),
		Store:      db,
	})
	if err != nil {
		gate.Close()
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Runs left running by a previous process are failed and pending ones
	// resubmitted before the pool starts; interrupted upload validations
	// are requeued.
	if err := engine.Recover(ctx); err != nil {
		gate.Close()
		return err
	}

	hub := ws.NewHub(bus)
	handler, err := newRouter(cfg, engine, hub)
	if err != nil {
		gate.Close()
		return err
	}
	server := services.NewHTTPServer(&cfg.Server, handler)

	treeCfg := supervisor.DefaultTreeConfig()
	if cfg.Server.ShutdownTimeout > treeCfg.ShutdownTimeout {
		treeCfg.ShutdownTimeout = cfg.Server.ShutdownTimeout
	}
	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), treeCfg)
	if err != nil {
		gate.Close()
		return err
	}

	tree.AddStorageService(services.NewBadgerGCService(store, cfg.Storage.GCInterval))
	tree.AddJobService(engine.Pool())
	tree.AddJobService(services.NewGatekeeperService(gate))
	tree.AddJobService(backup.NewMaintenance(engine))
	if cfg.Backup.SchedulerEnabled {
		tree.AddJobService(backup.NewScheduler(engine))
	} else {
		logging.Info().Msg("Backup scheduler disabled (BACKUP_SCHEDULER_ENABLED=false)")
	}
	tree.AddMessagingService(hub)
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))
	logging.Info().Str("addr", server.Addr).Msg("HTTP server service added")

	logging.Info().Msg("Starting supervisor tree...")
	errCh := tree.ServeBackground(ctx)

	var treeErr error
	for err := range errCh {
		if err != nil && !errors.Is(err, context.Canceled) {
			logging.Error().Err(err).Msg("Supervisor tree error")
			treeErr = err
		}
	}

	unstopped, _ := tree.UnstoppedServiceReport()
	for _, svc := range unstopped {
		logging.Warn().Str("service", svc.Name).Msg("Service failed to stop within timeout")
	}
	return treeErr
}

// newRouter assembles the HTTP stack: session and CSRF checks feed their
// failures through the API error format.
func newRouter(cfg *config.Config, engine *backup.Engine, hub *ws.Hub) (http.Handler, error) {
	authMW, err := auth.NewMiddleware(&cfg.Security, api.WriteError)
	if err != nil {
		return nil, err
	}
	var csrf *auth.CSRFMiddleware
	if !cfg.Security.CSRFDisabled {
		csrf = auth.NewCSRFMiddleware(auth.CSRFConfigFromSecurity(&cfg.Security, api.WriteError))
	} else {
		logging.Warn().Msg("CSRF protection disabled (CSRF_DISABLED=true)")
	}

	chiMW := api.NewChiMiddleware(api.ChiMiddlewareConfigFromSecurity(&cfg.Security))
	router := api.NewRouter(api.NewHandler(engine, hub, cfg), chiMW, authMW, csrf)
	return router.SetupChi(), nil
}
