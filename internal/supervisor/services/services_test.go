// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package services

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/thejerf/suture/v4"

	"github.com/tomtom215/sauvegarde/internal/config"
)

var (
	_ suture.Service = (*HTTPServerService)(nil)
	_ suture.Service = (*BadgerGCService)(nil)
	_ suture.Service = (*GatekeeperService)(nil)
)

// fakeHTTPServer blocks in ListenAndServe until Shutdown.
type fakeHTTPServer struct {
	listenErr   error
	shutdownErr error
	listening   chan struct{}
	stopCh      chan struct{}
	shutdowns   atomic.Int32
}

func newFakeHTTPServer() *fakeHTTPServer {
	return &fakeHTTPServer{listening: make(chan struct{}, 1), stopCh: make(chan struct{})}
}

func (f *fakeHTTPServer) ListenAndServe() error {
	f.listening <- struct{}{}
	if f.listenErr != nil {
		return f.listenErr
	}
	<-f.stopCh
	return http.ErrServerClosed
}

func (f *fakeHTTPServer) Shutdown(ctx context.Context) error {
	if f.shutdowns.Add(1) == 1 {
		close(f.stopCh)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return f.shutdownErr
}

func serveAsync(ctx context.Context, svc suture.Service) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- svc.Serve(ctx) }()
	return errCh
}

func waitErr(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
		return nil
	}
}

func TestNewHTTPServer(t *testing.T) {
	cfg := &config.ServerConfig{Host: "127.0.0.1", Port: 8080, ReadTimeout: 30 * time.Second}
	srv := NewHTTPServer(cfg, http.NotFoundHandler())

	if srv.Addr != "127.0.0.1:8080" {
		t.Errorf("Addr = %q, want 127.0.0.1:8080", srv.Addr)
	}
	if srv.ReadTimeout != 30*time.Second || srv.WriteTimeout != 0 {
		t.Errorf("timeouts = %v/%v, want 30s/0", srv.ReadTimeout, srv.WriteTimeout)
	}
	if srv.ReadHeaderTimeout == 0 {
		t.Error("ReadHeaderTimeout unset")
	}

	v6 := NewHTTPServer(&config.ServerConfig{Host: "::1", Port: 9000}, nil)
	if v6.Addr != "[::1]:9000" {
		t.Errorf("Addr = %q, want [::1]:9000", v6.Addr)
	}
}

func TestHTTPServerService(t *testing.T) {
	t.Run("graceful shutdown", func(t *testing.T) {
		server := newFakeHTTPServer()
		ctx, cancel := context.WithCancel(context.Background())
		errCh := serveAsync(ctx, NewHTTPServerService(server, time.Second))

		<-server.listening
		cancel()
		if err := waitErr(t, errCh); !errors.Is(err, context.Canceled) {
			t.Errorf("Serve() = %v, want context.Canceled", err)
		}
		if server.shutdowns.Load() != 1 {
			t.Errorf("Shutdown called %d times, want 1", server.shutdowns.Load())
		}
	})

	t.Run("listen failure", func(t *testing.T) {
		bindErr := errors.New("bind: address already in use")
		server := newFakeHTTPServer()
		server.listenErr = bindErr

		err := NewHTTPServerService(server, time.Second).Serve(context.Background())
		if !errors.Is(err, bindErr) {
			t.Errorf("Serve() = %v, want %v", err, bindErr)
		}
	})

	t.Run("shutdown failure", func(t *testing.T) {
		drainErr := errors.New("connections still active")
		server := newFakeHTTPServer()
		server.shutdownErr = drainErr
		ctx, cancel := context.WithCancel(context.Background())
		errCh := serveAsync(ctx, NewHTTPServerService(server, time.Second))

		<-server.listening
		cancel()
		if err := waitErr(t, errCh); !errors.Is(err, drainErr) {
			t.Errorf("Serve() = %v, want %v", err, drainErr)
		}
	})

	t.Run("default timeout", func(t *testing.T) {
		if svc := NewHTTPServerService(newFakeHTTPServer(), -time.Second); svc.shutdownTimeout != 10*time.Second {
			t.Errorf("shutdownTimeout = %v, want 10s", svc.shutdownTimeout)
		}
	})
}

type countingGC struct {
	runs atomic.Int32
	err  error
}

func (c *countingGC) RunGC() error {
	c.runs.Add(1)
	return c.err
}

func TestBadgerGCService(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"healthy store", nil},
		{"failing pass keeps looping", errors.New("value log busy")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gc := &countingGC{err: tt.err}
			ctx, cancel := context.WithCancel(context.Background())
			errCh := serveAsync(ctx, NewBadgerGCService(gc, 5*time.Millisecond))

			deadline := time.Now().Add(2 * time.Second)
			for gc.runs.Load() < 3 && time.Now().Before(deadline) {
				time.Sleep(5 * time.Millisecond)
			}
			cancel()
			if err := waitErr(t, errCh); !errors.Is(err, context.Canceled) {
				t.Errorf("Serve() = %v, want context.Canceled", err)
			}
			if gc.runs.Load() < 3 {
				t.Errorf("RunGC called %d times, want >= 3", gc.runs.Load())
			}
		})
	}

	if svc := NewBadgerGCService(&countingGC{}, 0); svc.interval != 10*time.Minute {
		t.Errorf("default interval = %v, want 10m", svc.interval)
	}
}

type closeRecorder struct{ closed atomic.Bool }

func (c *closeRecorder) Close() { c.closed.Store(true) }

func TestGatekeeperService(t *testing.T) {
	gate := &closeRecorder{}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := serveAsync(ctx, NewGatekeeperService(gate))

	time.Sleep(10 * time.Millisecond)
	if gate.closed.Load() {
		t.Fatal("gatekeeper closed before shutdown")
	}
	cancel()
	if err := waitErr(t, errCh); !errors.Is(err, context.Canceled) {
		t.Errorf("Serve() = %v, want context.Canceled", err)
	}
	if !gate.closed.Load() {
		t.Error("gatekeeper not closed on shutdown")
	}
}
