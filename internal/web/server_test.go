package web

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/JonMunkholm/trexsync/internal/config"
	"github.com/JonMunkholm/trexsync/internal/core"
	"github.com/JonMunkholm/trexsync/internal/pipeline"
	"github.com/JonMunkholm/trexsync/internal/storage"
)

func newTestServer(t *testing.T, sec config.SecurityConfig) *Server {
	t.Helper()
	pc := config.PipelineConfig{
		PoolWidth:         2,
		MaxConcurrentRuns: 2,
		MaxWaitTime:       time.Second,
		RunTimeout:        time.Minute,
		MaxUploadSize:     10 << 20,
		ProgressBuffer:    16,
	}
	svc := core.NewService(storage.NewMemory(), core.Options{Pipeline: pc})
	srv := NewServer(svc, &config.Config{
		Pipeline: pc,
		Security: sec,
		Server:   config.ServerConfig{RequestTimeout: 10 * time.Second},
	})
	t.Cleanup(func() { srv.Shutdown(context.Background()) })
	return srv
}

type formFileSpec struct {
	field, name string
	data        []byte
}

func multipartBody(t *testing.T, values map[string]string, files ...formFileSpec) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range values {
		if err := mw.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	for _, f := range files {
		fw, err := mw.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(f.data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return &buf, mw.FormDataContentType()
}

func sdmFile(t *testing.T) formFileSpec {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", "sdm.xml"))
	if err != nil {
		t.Fatalf("read testdata: %v", err)
	}
	return formFileSpec{field: "documents", name: "sdm.xml", data: data}
}

func do(srv *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// startExport posts an export and returns the accepted run.
func startExport(t *testing.T, srv *Server, project string) StartRunResponse {
	t.Helper()
	body, ct := multipartBody(t, map[string]string{
		"selection": `{"locales":["de_DE"]}`,
		"types":     `{"sdm.xml":"sdm"}`,
	}, sdmFile(t))
	req := httptest.NewRequest(http.MethodPost, "/api/projects/"+project+"/exports", body)
	req.Header.Set("Content-Type", ct)
	rec := do(srv, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start export status = %d, body = %s", rec.Code, rec.Body.String())
	}
	return decode[StartRunResponse](t, rec)
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, config.SecurityConfig{})
	rec := do(srv, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", got)
	}
}

func TestExportRoundTrip(t *testing.T) {
	srv := newTestServer(t, config.SecurityConfig{})
	started := startExport(t, srv, "acme")

	if started.ResultURL != "/api/runs/"+started.RunID+"/result" {
		t.Errorf("result url = %q", started.ResultURL)
	}

	rec := do(srv, httptest.NewRequest(http.MethodGet, started.ResultURL+"?wait=true", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("result status = %d, body = %s", rec.Code, rec.Body.String())
	}
	res := decode[pipeline.Result](t, rec)
	if res.Status == pipeline.StatusFailed || res.Status == pipeline.StatusCancelled {
		t.Fatalf("run status = %s (%s)", res.Status, res.Error)
	}
	if res.Artifact != storage.ExportKey("acme", started.RunID) {
		t.Errorf("artifact = %q", res.Artifact)
	}

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/api/artifacts/"+res.Artifact, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("artifact status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if got := rec.Header().Get("Content-Type"); got != artifactTypes[".xlsx"] {
		t.Errorf("Content-Type = %q", got)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("PK")) {
		t.Error("artifact is not a zip container")
	}

	rec = do(srv, httptest.NewRequest(http.MethodGet, "/api/projects/acme/runs?limit=5", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	history := decode[struct {
		Runs []storage.RunRecord `json:"runs"`
	}](t, rec)
	if len(history.Runs) != 1 || history.Runs[0].ID != started.RunID {
		t.Fatalf("history = %+v", history.Runs)
	}
	if got := history.Runs[0].RequestedBy; got != "192.0.2.1" {
		t.Errorf("requested_by = %q, want the test client address", got)
	}
}

func TestRunProgress_FinishedRun(t *testing.T) {
	srv := newTestServer(t, config.SecurityConfig{})
	started := startExport(t, srv, "acme")
	do(srv, httptest.NewRequest(http.MethodGet, started.ResultURL+"?wait=true", nil))

	rec := do(srv, httptest.NewRequest(http.MethodGet, started.ProgressURL, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := rec.Header().Get("Content-Type"); got != "text/event-stream" {
		t.Errorf("Content-Type = %q", got)
	}
	body := rec.Body.String()
	for _, want := range []string{"id: 100\n", "event: progress\n", "event: complete\n"} {
		if !strings.Contains(body, want) {
			t.Errorf("stream missing %q:\n%s", want, body)
		}
	}
}

func TestStartImport_BadRequests(t *testing.T) {
	srv := newTestServer(t, config.SecurityConfig{})

	tests := []struct {
		name     string
		values   map[string]string
		files    []formFileSpec
		wantCode string
	}{
		{
			name:     "missing workbook",
			values:   map[string]string{"baseline_key": "exports/acme/r1/workbook.xlsx"},
			wantCode: "WB003",
		},
		{
			name:     "missing baseline",
			files:    []formFileSpec{{field: "workbook", name: "wb.xlsx", data: []byte("x")}},
			wantCode: "WB004",
		},
		{
			name:     "bad push flag",
			values:   map[string]string{"baseline_key": "exports/acme/r1/workbook.xlsx", "push": "maybe"},
			files:    []formFileSpec{{field: "workbook", name: "wb.xlsx", data: []byte("x")}},
			wantCode: "REQ001",
		},
		{
			name:   "unknown document type",
			values: map[string]string{"baseline_key": "exports/acme/r1/workbook.xlsx", "types": `{"a.xml":"nope"}`},
			files: []formFileSpec{
				{field: "workbook", name: "wb.xlsx", data: []byte("x")},
				{field: "documents", name: "a.xml", data: []byte("<x/>")},
			},
			wantCode: "DOC002",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartBody(t, tt.values, tt.files...)
			req := httptest.NewRequest(http.MethodPost, "/api/projects/acme/imports", body)
			req.Header.Set("Content-Type", ct)
			rec := do(srv, req)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
			}
			if got := decode[ErrorResponse](t, rec).Code; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestErrorStatuses(t *testing.T) {
	srv := newTestServer(t, config.SecurityConfig{})

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantCode   string
	}{
		{"unknown run result", http.MethodGet, "/api/runs/nope/result", http.StatusNotFound, "RUN003"},
		{"unknown run progress", http.MethodGet, "/api/runs/nope/progress", http.StatusNotFound, "RUN003"},
		{"cancel unknown run", http.MethodPost, "/api/runs/nope/cancel", http.StatusNotFound, "RUN003"},
		{"missing artifact", http.MethodGet, "/api/artifacts/exports/acme/r1/workbook.xlsx", http.StatusNotFound, "STO001"},
		{"invalid project", http.MethodGet, "/api/projects/%20acme/runs", http.StatusBadRequest, "REQ001"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(srv, httptest.NewRequest(tt.method, tt.path, nil))
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tt.wantStatus, rec.Body.String())
			}
			if got := decode[ErrorResponse](t, rec).Code; got != tt.wantCode {
				t.Errorf("code = %q, want %q", got, tt.wantCode)
			}
		})
	}
}

func TestAPIKeyRequired(t *testing.T) {
	srv := newTestServer(t, config.SecurityConfig{RequireAPIKey: true, APIKeys: []string{"secret"}})

	tests := []struct {
		name       string
		header     string
		value      string
		wantStatus int
	}{
		{"no key", "", "", http.StatusUnauthorized},
		{"wrong key", "X-API-Key", "guess", http.StatusForbidden},
		{"header key", "X-API-Key", "secret", http.StatusOK},
		{"bearer token", "Authorization", "Bearer secret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			rec := do(srv, req)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	// Health stays open for probes.
	if rec := do(srv, httptest.NewRequest(http.MethodGet, "/health", nil)); rec.Code != http.StatusOK {
		t.Errorf("health status = %d", rec.Code)
	}
}

func TestRunQueueStatus(t *testing.T) {
	srv := newTestServer(t, config.SecurityConfig{})
	rec := do(srv, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	got := decode[core.RunLimiterStatus](t, rec)
	want := core.RunLimiterStatus{Active: 0, Available: 2, MaxConcurrent: 2}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("status mismatch (-want +got):\n%s", diff)
	}
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := &rateLimiter{
		visitors: make(map[string]*visitor),
		rate:     2,
		window:   time.Minute,
		now:      func() time.Time { return now },
	}

	for i, want := range []bool{true, true, false} {
		if got := rl.allow("10.0.0.1"); got != want {
			t.Errorf("request %d: allow = %v, want %v", i+1, got, want)
		}
	}
	if !rl.allow("10.0.0.2") {
		t.Error("other clients have their own budget")
	}

	now = now.Add(2 * time.Minute)
	if !rl.allow("10.0.0.1") {
		t.Error("budget should reset after the window")
	}

	h := rl.middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	var last *httptest.ResponseRecorder
	for range 3 {
		last = httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "10.0.0.3:1234"
		h.ServeHTTP(last, req)
	}
	if last.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", last.Code)
	}
	if got := decode[ErrorResponse](t, last).Code; got != "RATE001" {
		t.Errorf("code = %q, want RATE001", got)
	}
}
