// Sauvegarde - Backup and Restore Engine for Dynamic Tables
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/sauvegarde

package api

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tomtom215/sauvegarde/internal/backup"
	"github.com/tomtom215/sauvegarde/internal/ledger"
	"github.com/tomtom215/sauvegarde/internal/registry"
)

func TestQuickBackup_Lifecycle(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	s.seed(t)

	run := s.completedBackup(t)
	if !strings.HasPrefix(run.BackupName, backup.QuickNamePrefix+"_full_") {
		t.Errorf("BackupName = %q, want prefix %s_full_", run.BackupName, backup.QuickNamePrefix)
	}
	if run.Progress != 100 {
		t.Errorf("Progress = %d, want 100", run.Progress)
	}
	if run.DurationSeconds == nil || run.CompletedAt == nil || run.StartedAt == nil {
		t.Fatalf("timings missing: %+v", run.RunState)
	}
	if run.CompletedAt.Before(*run.StartedAt) {
		t.Errorf("completed_at %v before started_at %v", run.CompletedAt, run.StartedAt)
	}

	rec := s.do(t, http.MethodGet, "/api/backup/history/"+run.ID+"/download/", "")
	expectStatus(t, rec, http.StatusOK)
	wantDisposition := `attachment; filename="` + run.BackupName + `.zip"`
	if got := rec.Header().Get("Content-Disposition"); got != wantDisposition {
		t.Errorf("Content-Disposition = %q, want %q", got, wantDisposition)
	}
	if int64(rec.Body.Len()) != run.FileSize {
		t.Errorf("downloaded %d bytes, want %d", rec.Body.Len(), run.FileSize)
	}
	sum := sha256.Sum256(rec.Body.Bytes())
	if got := "sha256:" + hex.EncodeToString(sum[:]); !strings.EqualFold(got, run.Checksum) {
		t.Errorf("download checksum = %s, want %s", got, run.Checksum)
	}

	rec = s.do(t, http.MethodDelete, "/api/backup/history/"+run.ID+"/", "")
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[DeletedResponse](t, rec); got.Status != ledger.StatusDeleted {
		t.Errorf("delete status = %q, want deleted", got.Status)
	}
	if _, err := os.Stat(filepath.Join(s.arts.Archives.Dir(), run.FilePath)); !os.IsNotExist(err) {
		t.Errorf("archive still on disk after delete: %v", err)
	}

	rec = s.do(t, http.MethodGet, "/api/backup/history/"+run.ID+"/status/", "")
	expectStatus(t, rec, http.StatusOK)
	if snap := decodeBody[ledger.Snapshot](t, rec); snap.Status != ledger.StatusDeleted {
		t.Errorf("status after delete = %q, want deleted", snap.Status)
	}
}

func TestQuickBackup_Validation(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	tests := []struct {
		name  string
		body  string
		field string
	}{
		{"retention zero", `{"backup_type":"full","retention_days":0}`, "retention_days"},
		{"retention above max", `{"backup_type":"full","retention_days":366}`, "retention_days"},
		{"unknown type", `{"backup_type":"partial"}`, "backup_type"},
		{"string boolean", `{"backup_type":"full","include_files":"true"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/api/backup/quick-backup/", tt.body)
			expectStatus(t, rec, http.StatusBadRequest)
			body := decodeBody[map[string]interface{}](t, rec)
			if body["code"] != ErrCodeValidation {
				t.Errorf("code = %v, want %s", body["code"], ErrCodeValidation)
			}
			if tt.field == "" {
				return
			}
			details, ok := body["details"].(map[string]interface{})
			if !ok {
				t.Fatalf("details missing: %s", rec.Body.String())
			}
			if _, ok := details[tt.field]; !ok {
				t.Errorf("details %v missing field %s", details, tt.field)
			}
		})
	}
}

func TestQuickBackup_RetentionBounds(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	for _, days := range []string{"1", "365"} {
		rec := s.do(t, http.MethodPost, "/api/backup/quick-backup/", `{"backup_type":"metadata","retention_days":`+days+`}`)
		expectStatus(t, rec, http.StatusAccepted)
	}
}

func TestQuickBackup_MalformedBody(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	rec := s.do(t, http.MethodPost, "/api/backup/quick-backup/", `{"backup_type":`)
	expectStatus(t, rec, http.StatusBadRequest)
	if got := decodeBody[ErrorBody](t, rec); got.Error != msgInvalidBody {
		t.Errorf("error = %q, want %q", got.Error, msgInvalidBody)
	}
}

func TestCreateBackup_FromConfiguration(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	s.seed(t)

	rec := s.do(t, http.MethodPost, "/api/backup/configurations/",
		`{"name":"Nocturne","backup_type":"data","frequency":"daily","retention_days":7}`)
	expectStatus(t, rec, http.StatusCreated)
	c := decodeBody[registry.Configuration](t, rec)

	rec = s.do(t, http.MethodPost, "/api/backup/create/", `{"configuration_id":"`+c.ID+`"}`)
	expectStatus(t, rec, http.StatusAccepted)
	run := decodeBody[ledger.BackupRun](t, rec)
	if run.ConfigurationID == nil || *run.ConfigurationID != c.ID {
		t.Errorf("ConfigurationID = %v, want %s", run.ConfigurationID, c.ID)
	}
	if run.BackupType != "data" || run.RetentionDays != 7 {
		t.Errorf("run = %s/%d, want data/7", run.BackupType, run.RetentionDays)
	}
	s.pollStatus(t, "/api/backup/history/"+run.ID+"/status/", ledger.StatusCompleted)

	rec = s.do(t, http.MethodGet, "/api/backup/history/?configuration_id="+c.ID, "")
	expectStatus(t, rec, http.StatusOK)
	if page := decodeBody[ledger.Page[ledger.BackupRun]](t, rec); page.Total != 1 {
		t.Errorf("filtered history count = %d, want 1", page.Total)
	}
}

func TestHistory_Pagination(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	for i := 0; i < 3; i++ {
		s.completedBackup(t)
	}

	rec := s.do(t, http.MethodGet, "/api/backup/history/?page=2&limit=2", "")
	expectStatus(t, rec, http.StatusOK)
	page := decodeBody[ledger.Page[ledger.BackupRun]](t, rec)
	if page.Total != 3 || page.Page != 2 || page.Limit != 2 || len(page.Items) != 1 {
		t.Errorf("page = total %d page %d limit %d items %d, want 3/2/2/1",
			page.Total, page.Page, page.Limit, len(page.Items))
	}

	rec = s.do(t, http.MethodGet, "/api/backup/history/?page=abc", "")
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestBackupEndpoints_UnknownID(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/api/backup/history/nope/", http.StatusNotFound},
		{http.MethodGet, "/api/backup/history/nope/download/", http.StatusNotFound},
		{http.MethodGet, "/api/backup/history/nope/status/", http.StatusOK},
		{http.MethodDelete, "/api/backup/history/nope/", http.StatusOK},
		{http.MethodPost, "/api/backup/history/nope/cancel/", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := s.do(t, tt.method, tt.path, "")
			expectStatus(t, rec, tt.status)
			if tt.status == http.StatusNotFound {
				if got := decodeBody[ErrorBody](t, rec); got.Code != ErrCodeNotFound {
					t.Errorf("code = %q, want %s", got.Code, ErrCodeNotFound)
				}
			}
		})
	}
}

func TestDownload_ChecksumMismatch(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	s.seed(t)
	run := s.completedBackup(t)

	path := filepath.Join(s.arts.Archives.Dir(), run.FilePath)
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	data[len(data)/2] ^= 0xFF
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write archive: %v", err)
	}

	rec := s.do(t, http.MethodGet, "/api/backup/history/"+run.ID+"/download/", "")
	expectStatus(t, rec, http.StatusUnprocessableEntity)
	body := decodeBody[ErrorBody](t, rec)
	if body.Error != MsgChecksum || body.Code != ErrCodeIntegrity {
		t.Errorf("body = %+v, want %q/%s", body, MsgChecksum, ErrCodeIntegrity)
	}
	if rec.Header().Get("Content-Disposition") != "" {
		t.Error("Content-Disposition sent for a refused download")
	}
}

func TestCleanupAndStorageStats(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	s.completedBackup(t)

	rec := s.do(t, http.MethodPost, "/api/backup/cleanup/", "")
	expectStatus(t, rec, http.StatusOK)
	res := decodeBody[backup.CleanupResult](t, rec)
	if res.DeletedCount != 0 || res.Deleted == nil {
		t.Errorf("cleanup = %+v, want nothing deleted and an empty list", res)
	}

	rec = s.do(t, http.MethodGet, "/api/backup/storage-stats/", "")
	expectStatus(t, rec, http.StatusOK)
	body := decodeBody[map[string]interface{}](t, rec)
	for _, key := range []string{"total_space", "used_space", "free_space", "temp_files", "backups_by_type", "stuck"} {
		if _, ok := body[key]; !ok {
			t.Errorf("storage-stats missing %q", key)
		}
	}
	archives, _ := body["archives"].(map[string]interface{})
	if files, _ := archives["files"].(float64); files != 1 {
		t.Errorf("archives.files = %v, want 1", archives["files"])
	}
}

func TestConfigurations_CRUD(t *testing.T) {
	s := newTestServer(t, serverOptions{})

	rec := s.do(t, http.MethodPost, "/api/backup/configurations/",
		`{"name":"Hebdo","backup_type":"full","frequency":"weekly","is_active":true,"retention_days":30}`)
	expectStatus(t, rec, http.StatusCreated)
	c := decodeBody[registry.Configuration](t, rec)

	rec = s.do(t, http.MethodGet, "/api/backup/configurations/", "")
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[ListEnvelope[registry.Configuration]](t, rec); got.Count != 1 || got.Results[0].ID != c.ID {
		t.Fatalf("list = %+v, want the created configuration", got)
	}

	rec = s.do(t, http.MethodPut, "/api/backup/configurations/"+c.ID+"/", `{"retention_days":90}`)
	expectStatus(t, rec, http.StatusOK)
	updated := decodeBody[registry.Configuration](t, rec)
	if updated.RetentionDays != 90 || updated.Name != "Hebdo" {
		t.Errorf("updated = %+v, want retention 90 and name kept", updated)
	}

	rec = s.do(t, http.MethodPut, "/api/backup/configurations/"+c.ID+"/", `{"retention_days":366}`)
	expectStatus(t, rec, http.StatusBadRequest)

	rec = s.do(t, http.MethodPost, "/api/backup/configurations/"+c.ID+"/duplicate/", "")
	expectStatus(t, rec, http.StatusCreated)
	dup := decodeBody[registry.Configuration](t, rec)
	if dup.Name != "Hebdo (Copie)" || dup.IsActive || dup.RetentionDays != 90 {
		t.Errorf("duplicate = %+v, want inactive copy named \"Hebdo (Copie)\"", dup)
	}

	rec = s.do(t, http.MethodDelete, "/api/backup/configurations/"+c.ID+"/", "")
	expectStatus(t, rec, http.StatusNoContent)
	rec = s.do(t, http.MethodDelete, "/api/backup/configurations/"+c.ID+"/", "")
	expectStatus(t, rec, http.StatusNotFound)
	if got := decodeBody[ErrorBody](t, rec); got.Error != "Configuration introuvable" {
		t.Errorf("error = %q", got.Error)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	rec := s.serve(httptest.NewRequest(http.MethodGet, "/health", nil))
	expectStatus(t, rec, http.StatusOK)
	if got := decodeBody[HealthResponse](t, rec); got.Status != "ok" {
		t.Errorf("status = %q, want ok", got.Status)
	}
}
