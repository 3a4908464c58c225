// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

/*
Package worker runs backup and restoration jobs off the request path.

A Pool owns a fixed number of goroutines that take tasks from a FIFO
queue. Submit returns at once; a task already queued or running is not
queued twice. Each task runs under its own context, cancelled with
ErrCancelled when a caller asks for it and with ErrShutdown when the pool
stops, so executors can tell the two apart with context.Cause.

While a task runs the pool calls the heartbeat hook on a ticker. Errors
and panics never escape a worker: they are counted and handed to the
failure hook, which marks the run failed.

The pool is a suture.Service:

	pool := worker.New(worker.Config{Size: 2, HeartbeatInterval: 15 * time.Second}, engine)
	pool.OnFailure(engine.FailTask)
	tree.AddJobService(pool)
*/
package worker
