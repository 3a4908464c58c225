// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package supervisor runs the long-lived services of the backup engine under
a suture v4 tree.

# Overview

	RootSupervisor ("sauvegarde")
	├── storage-layer
	│   └── BadgerGCService
	├── jobs-layer
	│   ├── worker.Pool
	│   ├── GatekeeperService
	│   ├── backup.Scheduler
	│   └── backup.Maintenance
	├── messaging-layer
	│   └── websocket.Hub
	└── api-layer
	    └── HTTPServerService

The pool, scheduler, maintenance loop and hub implement suture.Service
themselves. The services subpackage adapts the rest.

A panicking scheduler tick is restarted with backoff without touching
the HTTP server. On shutdown the pool cancels running tasks with
worker.ErrShutdown, so each layer needs a ShutdownTimeout long enough
for a restore to roll back.

# Usage

	tree, err := supervisor.NewSupervisorTree(logging.NewSlogLogger(), supervisor.DefaultTreeConfig())
	if err != nil {
	    return err
	}
	tree.AddJobService(pool)
	tree.AddMessagingService(hub)
	tree.AddAPIService(services.NewHTTPServerService(server, cfg.Server.ShutdownTimeout))

	errCh := tree.ServeBackground(ctx)
	<-errCh

Supervisor events (start, failure, backoff) are logged through
sutureslog on the zerolog bridge.
*/
package supervisor
