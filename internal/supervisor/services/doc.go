// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package services adapts components without a native Serve loop to
suture.Service.

# Available Services

HTTP Server (HTTPServerService):
  - Converts ListenAndServe to Serve
  - Drains connections with a bounded Shutdown on cancellation
  - NewHTTPServer builds the *http.Server from config.ServerConfig

Badger GC (BadgerGCService):
  - Runs kv.Store.RunGC on a ticker
  - Logs and skips failed passes

Upload Gatekeeper (GatekeeperService):
  - Closes the gatekeeper on shutdown, cancelling in-flight validations

# Service Naming

Each wrapper implements fmt.Stringer so suture logs name the service:

	http-server
	badger-gc
	upload-gatekeeper
*/
package services
