// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package api

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sauvegarde/internal/artifact"
	"github.com/tomtom215/sauvegarde/internal/auth"
	"github.com/tomtom215/sauvegarde/internal/backup"
	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/config"
	"github.com/tomtom215/sauvegarde/internal/database"
	"github.com/tomtom215/sauvegarde/internal/gatekeeper"
	"github.com/tomtom215/sauvegarde/internal/kv"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/planner"
	"github.com/tomtom215/sauvegarde/internal/progress"
	"github.com/tomtom215/sauvegarde/internal/registry"
	ws "github.com/tomtom215/sauvegarde/internal/websocket"
)

const (
	testSecret    = "0123456789abcdef0123456789abcdef"
	testOrigin    = "http://localhost:5173"
	testCSRFToken = "csrf-test-token"
)

// storeSemaphore limits concurrent DuckDB instances in tests.
var storeSemaphore = make(chan struct{}, 2)

var seededAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

type testServer struct {
	handler http.Handler
	engine  *backup.Engine
	db      *database.Store
	arts    *artifact.Store
	hub     *ws.Hub
	cfg     *config.Config
	session string
}

type serverOptions struct {
	security func(*config.SecurityConfig)
}

func testSecurityConfig() config.SecurityConfig {
	return config.SecurityConfig{
		AuthMode:          auth.ModeJWT,
		JWTSecret:         testSecret,
		SessionTimeout:    time.Hour,
		SessionCookie:     "sessionid",
		AdminRoles:        []string{"admin"},
		CSRFCookie:        "csrftoken",
		CSRFHeader:        "X-CSRFToken",
		CORSOrigins:       []string{testOrigin},
		RateLimitDisabled: true,
	}
}

// newTestServer wires a complete engine over in-memory stores behind the
// real router, with the worker pool and the websocket hub running.
func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	storeSemaphore <- struct{}{}
	t.Cleanup(func() { <-storeSemaphore })

	dir := t.TempDir()
	filesDir := filepath.Join(dir, "files")
	if err := os.MkdirAll(filesDir, 0o750); err != nil {
		t.Fatalf("mkdir files: %v", err)
	}

	store, err := kv.Open(kv.Options{InMemory: true})
	if err != nil {
		t.Fatalf("kv.Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	db, err := database.New(&config.DatabaseConfig{Path: ":memory:", MaxMemory: "256MB", Threads: 1},
		filesDir, []string{"_auth_users"})
	if err != nil {
		t.Fatalf("database.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	arts, err := artifact.New(filepath.Join(dir, "archives"), filepath.Join(dir, "quarantine"))
	if err != nil {
		t.Fatalf("artifact.New: %v", err)
	}
	keys, err := codec.NewKeyring(testSecret)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}

	cfg := &config.Config{
		Storage: config.StorageConfig{TempMaxAge: 24 * time.Hour},
		Backup: config.BackupConfig{
			EncryptionKey:        testSecret,
			Compression:          "zstd",
			DefaultRetentionDays: 30,
			PoolSize:             2,
			QueueSize:            16,
			BatchSize:            50,
			HeartbeatInterval:    50 * time.Millisecond,
			ProgressMinInterval:  time.Millisecond,
			StuckAfter:           30 * time.Minute,
			RetentionInterval:    time.Hour,
		},
		Gatekeeper: config.GatekeeperConfig{
			MaxUploadBytes:    config.MaxUploadBytes,
			ValidationTimeout: 30 * time.Second,
			UploadMaxAge:      30 * 24 * time.Hour,
			MaxEntries:        1000,
			MaxRatio:          200,
			MaxExpandedBytes:  64 << 20,
			Concurrency:       2,
		},
		Security: testSecurityConfig(),
	}
	if opts.security != nil {
		opts.security(&cfg.Security)
	}

	bus := progress.New(64)
	t.Cleanup(func() { _ = bus.Close() })
	led := ledger.New(store, arts.Archives)
	led.SetNotifier(bus)
	reg := registry.New(store, cfg.Backup.DefaultRetentionDays)
	gate := gatekeeper.New(store, arts.Quarantine, keys, &cfg.Gatekeeper)
	t.Cleanup(gate.Close)

	engine, err := backup.New(backup.Deps{
		Backup:     &cfg.Backup,
		Storage:    &cfg.Storage,
		Artifacts:  arts,
		Keys:       keys,
		Registry:   reg,
		Ledger:     led,
		Gatekeeper: gate,
		Planner:    planner.New(db, cfg.Backup.BatchSize),
		Store:      db,
	})
	if err != nil {
		t.Fatalf("backup.New: %v", err)
	}

	hub := ws.NewHub(bus)
	ctx, cancel := context.WithCancel(context.Background())
	poolDone := make(chan struct{})
	hubDone := make(chan struct{})
	go func() {
		_ = engine.Pool().Serve(ctx)
		close(poolDone)
	}()
	go func() {
		_ = hub.Serve(ctx)
		close(hubDone)
	}()
	t.Cleanup(func() {
		cancel()
		for _, done := range []chan struct{}{poolDone, hubDone} {
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				t.Error("background service did not stop")
			}
		}
	})

	handler := NewHandler(engine, hub, cfg)
	authMW, err := auth.NewMiddleware(&cfg.Security, WriteError)
	if err != nil {
		t.Fatalf("auth.NewMiddleware: %v", err)
	}
	csrf := auth.NewCSRFMiddleware(auth.CSRFConfigFromSecurity(&cfg.Security, WriteError))
	router := NewRouter(handler, NewChiMiddleware(ChiMiddlewareConfigFromSecurity(&cfg.Security)), authMW, csrf)

	return &testServer{
		handler: router.SetupChi(),
		engine:  engine,
		db:      db,
		arts:    arts,
		hub:     hub,
		cfg:     cfg,
		session: sessionToken(t, "admin"),
	}
}

func sessionToken(t *testing.T, role string) string {
	t.Helper()
	sec := testSecurityConfig()
	jm, err := auth.NewJWTManager(&sec)
	if err != nil {
		t.Fatalf("NewJWTManager: %v", err)
	}
	token, err := jm.GenerateToken("marie", role)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	return token
}

// request builds an authenticated request carrying the CSRF cookie and header.
func (s *testServer) request(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.AddCookie(&http.Cookie{Name: "sessionid", Value: s.session})
	req.AddCookie(&http.Cookie{Name: "csrftoken", Value: testCSRFToken})
	req.Header.Set("X-CSRFToken", testCSRFToken)
	return req
}

func (s *testServer) serve(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

// do sends an authenticated request with an optional JSON body.
func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := s.request(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	return s.serve(req)
}

// upload posts a multipart form with a file part and extra fields.
func (s *testServer) upload(t *testing.T, path, filename string, content []byte, fields map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	part, err := mw.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart close: %v", err)
	}
	req := s.request(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return s.serve(req)
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode body %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

// pollStatus polls a status path until the run reaches want.
func (s *testServer) pollStatus(t *testing.T, path string, want ledger.Status) ledger.Snapshot {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	var snap ledger.Snapshot
	for time.Now().Before(deadline) {
		rec := s.do(t, http.MethodGet, path, "")
		expectStatus(t, rec, http.StatusOK)
		snap = decodeBody[ledger.Snapshot](t, rec)
		if snap.Status == want {
			return snap
		}
		if snap.Status.Terminal() || snap.Status == ledger.StatusDeleted {
			t.Fatalf("%s ended %s (%s), want %s", path, snap.Status, snap.ErrorMessage, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s still %s, want %s", path, snap.Status, want)
	return snap
}

// pollUpload polls an upload until its validation settles.
func (s *testServer) pollUpload(t *testing.T, id string) gatekeeper.Upload {
	t.Helper()
	deadline := time.Now().Add(30 * time.Second)
	var u gatekeeper.Upload
	for time.Now().Before(deadline) {
		rec := s.do(t, http.MethodGet, "/api/backup/external-uploads/"+id+"/", "")
		expectStatus(t, rec, http.StatusOK)
		u = decodeBody[gatekeeper.Upload](t, rec)
		if u.Status.Settled() {
			return u
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("upload %s still %s", id, u.Status)
	return u
}

// completedBackup runs a quick backup through the API.
func (s *testServer) completedBackup(t *testing.T) ledger.BackupRun {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/backup/quick-backup/",
		`{"backup_type":"full","include_files":true,"compression_enabled":true,"retention_days":7}`)
	expectStatus(t, rec, http.StatusAccepted)
	run := decodeBody[ledger.BackupRun](t, rec)
	s.pollStatus(t, "/api/backup/history/"+run.ID+"/status/", ledger.StatusCompleted)

	rec = s.do(t, http.MethodGet, "/api/backup/history/"+run.ID+"/", "")
	expectStatus(t, rec, http.StatusOK)
	return decodeBody[ledger.BackupRun](t, rec)
}

// seed fills the live store with a system table and a user table.
func (s *testServer) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, def := range []codec.TableDef{
		{Name: "_auth_users"},
		{Name: "projects", Fields: []codec.FieldDef{{Name: "titre", Type: "text", Position: 1}}},
	} {
		if err := s.db.CreateTable(ctx, def); err != nil {
			t.Fatalf("CreateTable(%s): %v", def.Name, err)
		}
	}
	s.put(t, "_auth_users", "admin", `{"login":"admin"}`)
	s.put(t, "projects", "P1", `{"titre":"Un"}`)
	s.put(t, "projects", "P2", `{"titre":"Deux"}`)
	s.put(t, "projects", "P3", `{"titre":"Trois"}`)
}

func (s *testServer) put(t *testing.T, table, id, data string) {
	t.Helper()
	r := codec.Record{ID: id, UpdatedAt: seededAt, Data: json.RawMessage(data)}
	if err := s.db.PutRecord(context.Background(), table, r); err != nil {
		t.Fatalf("PutRecord(%s/%s): %v", table, id, err)
	}
}

func (s *testServer) rows(t *testing.T, table string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := s.db.EachRecord(context.Background(), table, func(r codec.Record) error {
		out[r.ID] = string(r.Data)
		return nil
	})
	if err != nil {
		t.Fatalf("EachRecord(%s): %v", table, err)
	}
	return out
}

// externalArchive encodes a foreign archive with other system rows and
// projects {P1 modified, P4}.
func externalArchive(t *testing.T) []byte {
	t.Helper()
	keys, err := codec.NewKeyring(testSecret)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	later := seededAt.Add(48 * time.Hour)
	snap := codec.NewMemorySnapshot()
	snap.AddTable(codec.TableDef{Name: "_auth_users", System: true})
	snap.AddTable(codec.TableDef{Name: "projects", Fields: []codec.FieldDef{{Name: "titre", Type: "text", Position: 1}}})
	snap.PutRecord("_auth_users", codec.Record{ID: "intruder", UpdatedAt: later, Data: json.RawMessage(`{"login":"intruder"}`)})
	snap.PutRecord("projects", codec.Record{ID: "P1", UpdatedAt: later, Data: json.RawMessage(`{"titre":"Un modifié"}`)})
	snap.PutRecord("projects", codec.Record{ID: "P4", UpdatedAt: later, Data: json.RawMessage(`{"titre":"Quatre"}`)})

	var buf bytes.Buffer
	if _, err := codec.Encode(context.Background(), &buf, snap, keys, codec.EncodeOptions{
		Type:        codec.TypeFull,
		Name:        "Export_externe",
		Compression: codec.CompressionZstd,
		CreatedAt:   later,
	}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf.Bytes()
}
