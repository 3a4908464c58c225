// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package codec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zip"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testKeys(t *testing.T, secret string) *Keyring {
	t.Helper()
	k, err := NewKeyring(secret)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return k
}

func sampleSnapshot() *MemorySnapshot {
	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s := NewMemorySnapshot()
	s.AddTable(TableDef{Name: "clients", Label: "Clients", Fields: []FieldDef{
		{Name: "nom", Type: "text", Position: 1, Required: true},
		{Name: "ville", Type: "text", Position: 2},
	}})
	s.AddTable(TableDef{Name: "factures", Fields: []FieldDef{
		{Name: "client", Type: "relation", Position: 1, RefTable: "clients"},
		{Name: "montant", Type: "number", Position: 2},
	}})
	s.AddTable(TableDef{Name: "_sessions", System: true})
	s.PutRecord("clients", Record{ID: "c2", UpdatedAt: ts, Data: json.RawMessage(`{"ville":"Lyon","nom":"Durand"}`)})
	s.PutRecord("clients", Record{ID: "c1", UpdatedAt: ts, Data: json.RawMessage(`{"nom":"Martin","ville":"Paris"}`)})
	s.PutRecord("factures", Record{ID: "f1", UpdatedAt: ts, Data: json.RawMessage(`{"client":"c1","montant":12345678901234567890}`)})
	s.PutRecord("_sessions", Record{ID: "s1", UpdatedAt: ts, Data: json.RawMessage(`{"token":"x"}`)})
	s.AddFile("projets/42/devis.pdf", []byte("%PDF-1.4 devis"))
	return s
}

func encode(t *testing.T, src Source, keys *Keyring, opts EncodeOptions) ([]byte, *Summary) {
	t.Helper()
	var buf bytes.Buffer
	sum, err := Encode(context.Background(), &buf, src, keys, opts)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	return buf.Bytes(), sum
}

func openBytes(t *testing.T, data []byte, keys *Keyring) (*Archive, error) {
	t.Helper()
	return Open(bytes.NewReader(data), int64(len(data)), keys, ReadOptions{})
}

func TestNewKeyring(t *testing.T) {
	if _, err := NewKeyring(""); !errors.Is(err, ErrNoKey) {
		t.Errorf("empty secret: got %v, want ErrNoKey", err)
	}
	if _, err := NewKeyring("short"); err == nil {
		t.Error("short secret should be rejected")
	}
	if _, err := NewKeyring(testSecret); err != nil {
		t.Errorf("valid secret: %v", err)
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ctx := context.Background()
	keys := testKeys(t, testSecret)
	src := sampleSnapshot()

	for _, comp := range []Compression{CompressionZstd, CompressionGzip, CompressionNone} {
		t.Run(string(comp), func(t *testing.T) {
			data, sum := encode(t, src, keys, EncodeOptions{
				Type: TypeFull, Name: "nightly", Compression: comp, IncludeFiles: true,
			})
			a, err := openBytes(t, data, keys)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if a.Checksum() != sum.Checksum || !a.HasFooter() {
				t.Errorf("checksum = %q (footer %v), want %q", a.Checksum(), a.HasFooter(), sum.Checksum)
			}
			m := a.Manifest()
			if m.BackupType != TypeFull || m.BackupName != "nightly" {
				t.Errorf("manifest = %+v", m)
			}
			if got := strings.Join(m.TableNames(), ","); got != "_sessions,clients,factures" {
				t.Errorf("tables = %s", got)
			}
			if m.RecordCount() != 4 {
				t.Errorf("RecordCount = %d, want 4", m.RecordCount())
			}
			if f := m.Table("factures"); f == nil || len(f.DependsOn) != 1 || f.DependsOn[0] != "clients" {
				t.Errorf("factures depends_on = %+v", f)
			}
			if s := m.Table("_sessions"); s == nil || !s.System {
				t.Errorf("_sessions should be flagged system")
			}

			schema, err := a.Schema(ctx)
			if err != nil {
				t.Fatalf("Schema: %v", err)
			}
			if def := schema.Table("clients"); def == nil || len(def.Fields) != 2 || def.Fields[0].Name != "nom" {
				t.Errorf("clients def = %+v", def)
			}

			var ids []string
			err = a.EachRecord(ctx, "clients", func(r Record) error {
				ids = append(ids, r.ID)
				return nil
			})
			if err != nil {
				t.Fatalf("EachRecord: %v", err)
			}
			if strings.Join(ids, ",") != "c1,c2" {
				t.Errorf("ids = %v", ids)
			}

			var big string
			_ = a.EachRecord(ctx, "factures", func(r Record) error {
				big = string(r.Data)
				return nil
			})
			if !strings.Contains(big, "12345678901234567890") {
				t.Errorf("large number lost precision: %s", big)
			}

			rc, err := a.OpenFile("projets/42/devis.pdf")
			if err != nil {
				t.Fatalf("OpenFile: %v", err)
			}
			content, _ := io.ReadAll(rc)
			rc.Close()
			if string(content) != "%PDF-1.4 devis" {
				t.Errorf("file content = %q", content)
			}

			if err := a.Verify(ctx, nil); err != nil {
				t.Errorf("Verify: %v", err)
			}
		})
	}
}

func TestEncodeTypes(t *testing.T) {
	ctx := context.Background()
	keys := testKeys(t, testSecret)
	src := sampleSnapshot()

	tests := []struct {
		typ        BackupType
		wantSchema bool
		wantRows   int
		wantFiles  int
	}{
		{TypeFull, true, 4, 1},
		{TypeMetadata, true, 0, 0},
		{TypeData, false, 4, 0},
	}
	for _, tt := range tests {
		t.Run(string(tt.typ), func(t *testing.T) {
			data, _ := encode(t, src, keys, EncodeOptions{Type: tt.typ, IncludeFiles: true})
			a, err := openBytes(t, data, keys)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			m := a.Manifest()
			if m.HasSchema != tt.wantSchema {
				t.Errorf("HasSchema = %v", m.HasSchema)
			}
			if m.RecordCount() != tt.wantRows {
				t.Errorf("RecordCount = %d, want %d", m.RecordCount(), tt.wantRows)
			}
			if len(m.Files) != tt.wantFiles {
				t.Errorf("files = %d, want %d", len(m.Files), tt.wantFiles)
			}
			if _, err := a.Schema(ctx); tt.wantSchema != (err == nil) {
				t.Errorf("Schema err = %v", err)
			}
			if len(m.Tables) != 3 {
				t.Errorf("tables = %d, want 3", len(m.Tables))
			}
		})
	}
}

func decodedPayload(t *testing.T, data []byte, keys *Keyring) string {
	t.Helper()
	a, err := openBytes(t, data, keys)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	var b strings.Builder
	for _, name := range a.Manifest().TableNames() {
		_ = a.EachRecord(context.Background(), name, func(r Record) error {
			fmt.Fprintf(&b, "%s/%s/%s/%s\n", name, r.ID, r.UpdatedAt.Format(time.RFC3339Nano), r.Data)
			return nil
		})
	}
	return b.String()
}

func TestEncodeDeterministic(t *testing.T) {
	keys := testKeys(t, testSecret)
	created := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	opts := EncodeOptions{Type: TypeData, CreatedAt: created}

	a, _ := encode(t, sampleSnapshot(), keys, opts)
	b, _ := encode(t, sampleSnapshot(), keys, opts)
	if bytes.Equal(a, b) {
		t.Error("ciphertext should differ between encodes")
	}
	if decodedPayload(t, a, keys) != decodedPayload(t, b, keys) {
		t.Error("decoded content differs between encodes")
	}
}

func TestCanonicalData(t *testing.T) {
	tests := []struct {
		in, want string
		wantErr  bool
	}{
		{`{"b":1,"a":2}`, `{"a":2,"b":1}`, false},
		{`{"n":1.50}`, `{"n":1.50}`, false},
		{``, `{}`, false},
		{`[1,2]`, ``, true},
		{`{bad`, ``, true},
	}
	for _, tt := range tests {
		got, err := CanonicalData(json.RawMessage(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("CanonicalData(%q) err = %v", tt.in, err)
			continue
		}
		if !tt.wantErr && string(got) != tt.want {
			t.Errorf("CanonicalData(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestOpenWrongKey(t *testing.T) {
	data, _ := encode(t, sampleSnapshot(), testKeys(t, testSecret), EncodeOptions{Type: TypeFull})
	other := testKeys(t, "ffffffffffffffffffffffffffffffff")
	if _, err := openBytes(t, data, other); !errors.Is(err, ErrDecryptionFailed) {
		t.Fatalf("Open with wrong key: got %v, want ErrDecryptionFailed", err)
	}
}

func TestOpenTampered(t *testing.T) {
	keys := testKeys(t, testSecret)
	data, _ := encode(t, sampleSnapshot(), keys, EncodeOptions{Type: TypeFull})

	// Flip one byte inside the first data entry payload.
	idx := bytes.Index(data, []byte("data/0001.enc"))
	if idx < 0 {
		t.Fatal("data entry not found")
	}
	tampered := append([]byte(nil), data...)
	tampered[idx+len("data/0001.enc")+10] ^= 0xFF

	_, err := openBytes(t, tampered, keys)
	if err == nil {
		t.Fatal("tampered archive opened")
	}
	if !IsIntegrityFailure(err) {
		t.Errorf("error %v is not an integrity failure", err)
	}
}

func TestOpenFooterMismatch(t *testing.T) {
	keys := testKeys(t, testSecret)
	data, _ := encode(t, sampleSnapshot(), keys, EncodeOptions{Type: TypeMetadata})

	// Rewrite the archive with a valid structure but a forged footer.
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	for _, f := range zr.File {
		w, err := zw.CreateHeader(&zip.FileHeader{Name: f.Name, Method: zip.Store})
		if err != nil {
			t.Fatal(err)
		}
		rc, _ := f.Open()
		_, _ = io.Copy(w, rc)
		rc.Close()
	}
	_ = zw.SetComment(footerPrefix + strings.Repeat("0", 64))
	_ = zw.Close()

	_, err = openBytes(t, out.Bytes(), keys)
	if !errors.Is(err, ErrChecksumMismatch) {
		t.Fatalf("got %v, want ErrChecksumMismatch", err)
	}
}

func TestOpenUnrecognized(t *testing.T) {
	keys := testKeys(t, testSecret)
	if _, err := openBytes(t, []byte("not a zip at all"), keys); !errors.Is(err, ErrUnrecognized) {
		t.Errorf("garbage: got %v", err)
	}

	var out bytes.Buffer
	zw := zip.NewWriter(&out)
	w, _ := zw.Create("readme.txt")
	_, _ = w.Write([]byte("hello"))
	_ = zw.Close()
	if _, err := openBytes(t, out.Bytes(), keys); !errors.Is(err, ErrUnrecognized) {
		t.Errorf("foreign zip: got %v", err)
	}
}

func TestOpenExpansionLimit(t *testing.T) {
	keys := testKeys(t, testSecret)
	src := NewMemorySnapshot()
	src.AddTable(TableDef{Name: "notes"})
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	filler := strings.Repeat("a", 4096)
	for i := 0; i < 100; i++ {
		src.PutRecord("notes", Record{ID: fmt.Sprintf("n%03d", i), UpdatedAt: ts,
			Data: json.RawMessage(`{"t":"` + filler + `"}`)})
	}
	data, _ := encode(t, src, keys, EncodeOptions{Type: TypeData})

	a, err := Open(bytes.NewReader(data), int64(len(data)), keys, ReadOptions{MaxExpandedBytes: 64 << 10})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	err = a.EachRecord(context.Background(), "notes", func(Record) error { return nil })
	if !IsIntegrityFailure(err) {
		t.Errorf("expected expansion failure, got %v", err)
	}
}

func TestEncodeRejectsUnorderedRecords(t *testing.T) {
	keys := testKeys(t, testSecret)
	var buf bytes.Buffer
	_, err := Encode(context.Background(), &buf, unorderedSource{sampleSnapshot()}, keys, EncodeOptions{Type: TypeData})
	if err == nil || !strings.Contains(err.Error(), "out of order") {
		t.Errorf("got %v, want out of order error", err)
	}
}

type unorderedSource struct{ *MemorySnapshot }

func (u unorderedSource) EachRecord(ctx context.Context, table string, fn func(Record) error) error {
	ts := time.Now()
	for _, id := range []string{"b", "a"} {
		if err := fn(Record{ID: id, UpdatedAt: ts, Data: json.RawMessage(`{}`)}); err != nil {
			return err
		}
	}
	return nil
}

func TestEncodeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var buf bytes.Buffer
	_, err := Encode(ctx, &buf, sampleSnapshot(), testKeys(t, testSecret), EncodeOptions{Type: TypeData})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("got %v, want context.Canceled", err)
	}
}

func TestEncodeProgress(t *testing.T) {
	var calls [][2]int
	encode(t, sampleSnapshot(), testKeys(t, testSecret), EncodeOptions{
		Type: TypeFull, IncludeFiles: true,
		Progress: func(done, total int) { calls = append(calls, [2]int{done, total}) },
	})
	if len(calls) != 5 {
		t.Fatalf("progress calls = %v", calls)
	}
	last := calls[len(calls)-1]
	if last[0] != last[1] {
		t.Errorf("final progress = %v", last)
	}
}

func TestSafeRelativePath(t *testing.T) {
	good := []string{"a.txt", "projets/42/devis.pdf"}
	bad := []string{"", "/etc/passwd", "../x", "a/../../b", "a\\b", "a//b", "./a"}
	for _, p := range good {
		if err := SafeRelativePath(p); err != nil {
			t.Errorf("SafeRelativePath(%q) = %v", p, err)
		}
	}
	for _, p := range bad {
		if err := SafeRelativePath(p); !errors.Is(err, ErrUnsafePath) {
			t.Errorf("SafeRelativePath(%q) = %v, want ErrUnsafePath", p, err)
		}
	}
}
