// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package backup

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/tomtom215/sauvegarde/internal/artifact"
	"github.com/tomtom215/sauvegarde/internal/codec"
	"github.com/tomtom215/sauvegarde/internal/config"
	"github.com/tomtom215/sauvegarde/internal/database"
	"github.com/tomtom215/sauvegarde/internal/gatekeeper"
	"github.com/tomtom215/sauvegarde/internal/kv"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/planner"
	"github.com/tomtom215/sauvegarde/internal/registry"
)

const testSecret = "0123456789abcdef0123456789abcdef"

// storeSemaphore limits concurrent DuckDB instances in tests.
var storeSemaphore = make(chan struct{}, 2)

var seededAt = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// testClock is a settable time source shared by the engine and the ledger.
type testClock struct {
	offset atomic.Int64
}

func (c *testClock) Now() time.Time {
	return time.Now().Add(time.Duration(c.offset.Load()))
}

// Shift moves the clock relative to the wall clock.
func (c *testClock) Shift(d time.Duration) {
	c.offset.Store(int64(d))
}

type testEnv struct {
	engine   *Engine
	db       *database.Store
	arts     *artifact.Store
	gate     *gatekeeper.Gatekeeper
	ledger   *ledger.Ledger
	registry *registry.Registry
	clock    *testClock
	filesDir string
}

type envOptions struct {
	noPool bool
	backup func(*config.BackupConfig)
}

func newTestEnv(t *testing.T, opts envOptions) *testEnv {
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

	clock := &testClock{}
	led := ledger.New(store, arts.Archives)
	led.SetClock(clock.Now)
	reg := registry.New(store, 30)

	gcfg := config.GatekeeperConfig{
		MaxUploadBytes:    config.MaxUploadBytes,
		ValidationTimeout: 30 * time.Second,
		UploadMaxAge:      30 * 24 * time.Hour,
		MaxEntries:        1000,
		MaxRatio:          200,
		MaxExpandedBytes:  64 << 20,
		Concurrency:       2,
	}
	gate := gatekeeper.New(store, arts.Quarantine, keys, &gcfg)
	t.Cleanup(gate.Close)

	bcfg := config.BackupConfig{
		EncryptionKey:        testSecret,
		Compression:          "zstd",
		DefaultRetentionDays: 30,
		PoolSize:             2,
		QueueSize:            16,
		BatchSize:            2,
		HeartbeatInterval:    50 * time.Millisecond,
		ProgressMinInterval:  time.Millisecond,
		StuckAfter:           30 * time.Minute,
		RetentionInterval:    time.Hour,
	}
	if opts.backup != nil {
		opts.backup(&bcfg)
	}
	scfg := config.StorageConfig{TempMaxAge: 24 * time.Hour}

	e, err := New(Deps{
		Backup:     &bcfg,
		Storage:    &scfg,
		Artifacts:  arts,
		Keys:       keys,
		Registry:   reg,
		Ledger:     led,
		Gatekeeper: gate,
		Planner:    planner.New(db, bcfg.BatchSize),
		Store:      db,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	e.now = clock.Now

	env := &testEnv{engine: e, db: db, arts: arts, gate: gate, ledger: led, registry: reg, clock: clock, filesDir: filesDir}
	if !opts.noPool {
		env.startPool(t)
	}
	return env
}

func (env *testEnv) startPool(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = env.engine.Pool().Serve(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("worker pool did not stop")
		}
	})
}

// seed fills the live store with a system table and two user tables.
func (env *testEnv) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for _, def := range []codec.TableDef{
		{Name: "_auth_users"},
		{Name: "clients", Fields: []codec.FieldDef{{Name: "nom", Type: "text", Position: 1}}},
		{Name: "projects", Fields: []codec.FieldDef{{Name: "titre", Type: "text", Position: 1}}},
	} {
		if err := env.db.CreateTable(ctx, def); err != nil {
			t.Fatalf("CreateTable(%s): %v", def.Name, err)
		}
	}
	env.put(t, "_auth_users", "admin", `{"login":"admin"}`)
	env.put(t, "clients", "C1", `{"nom":"Dupont"}`)
	env.put(t, "projects", "P1", `{"titre":"Un"}`)
	env.put(t, "projects", "P2", `{"titre":"Deux"}`)
	env.put(t, "projects", "P3", `{"titre":"Trois"}`)

	path := filepath.Join(env.filesDir, "projets", "1", "devis.pdf")
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte("%PDF-1.4 un"), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}
}

func (env *testEnv) put(t *testing.T, table, id, data string) {
	t.Helper()
	r := codec.Record{ID: id, UpdatedAt: seededAt, Data: json.RawMessage(data)}
	if err := env.db.PutRecord(context.Background(), table, r); err != nil {
		t.Fatalf("PutRecord(%s/%s): %v", table, id, err)
	}
}

func (env *testEnv) rows(t *testing.T, table string) map[string]string {
	t.Helper()
	out := map[string]string{}
	err := env.db.EachRecord(context.Background(), table, func(r codec.Record) error {
		out[r.ID] = string(r.Data)
		return nil
	})
	if err != nil {
		t.Fatalf("EachRecord(%s): %v", table, err)
	}
	return out
}

// waitStatus polls a run until it reaches want or the deadline passes.
func (env *testEnv) waitStatus(t *testing.T, kind ledger.Kind, id string, want ledger.Status) ledger.Snapshot {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	var snap ledger.Snapshot
	for time.Now().Before(deadline) {
		var err error
		snap, err = env.ledger.Snapshot(context.Background(), kind, id)
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if snap.Status == want {
			return snap
		}
		if snap.Status.Terminal() {
			t.Fatalf("run %s ended %s (%s), want %s", id, snap.Status, snap.ErrorMessage, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s still %s, want %s", id, snap.Status, want)
	return snap
}

// completedBackup runs a quick backup to completion.
func (env *testEnv) completedBackup(t *testing.T, req QuickBackupRequest) *ledger.BackupRun {
	t.Helper()
	run, err := env.engine.QuickBackup(context.Background(), req)
	if err != nil {
		t.Fatalf("QuickBackup: %v", err)
	}
	env.waitStatus(t, ledger.KindBackup, run.ID, ledger.StatusCompleted)
	done, err := env.ledger.GetBackup(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("GetBackup: %v", err)
	}
	return done
}

// externalArchive encodes a foreign archive: a system table with other
// rows and projects {P1 modified, P4} plus one file.
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
	snap.AddFile("projets/4/devis.pdf", []byte("%PDF-1.4 quatre"))

	var buf bytes.Buffer
	if _, err := codec.Encode(context.Background(), &buf, snap, keys, codec.EncodeOptions{
		Type:         codec.TypeFull,
		Name:         "Export_externe",
		Compression:  codec.CompressionZstd,
		IncludeFiles: true,
		CreatedAt:    later,
	}); err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf.Bytes()
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func ptr[T any](v T) *T { return &v }
