// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package services

import (
	"context"
)

// Closer is satisfied by *gatekeeper.Gatekeeper, whose validations run on
// their own goroutines from Accept.
type Closer interface {
	Close()
}

// GatekeeperService ties the upload validators to the tree: on shutdown it
// cancels running validations and waits for them, leaving interrupted
// uploads in the uploaded state for the next start to pick up.
type GatekeeperService struct {
	gate Closer
	name string
}

// NewGatekeeperService wraps gate.
func NewGatekeeperService(gate Closer) *GatekeeperService {
	return &GatekeeperService{gate: gate, name: "upload-gatekeeper"}
}

// Serve implements suture.Service. Closing is final, so the service must
// not be restarted after it returns.
func (s *GatekeeperService) Serve(ctx context.Context) error {
	<-ctx.Done()
	s.gate.Close()
	return ctx.Err()
}

func (s *GatekeeperService) String() string {
	return s.name
}
