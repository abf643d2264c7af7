package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/errmap/internal/api"
	"github.com/opensource-finance/errmap/internal/domain"
)

func TestBenchmarkRun(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusOK)
			return
		}
		calls.Add(1)
		if r.Header.Get(api.TenantIDHeader) != "bench" {
			t.Errorf("missing tenant header")
		}
		var req api.ValidateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		resp := api.ValidateResponse{Exportable: true, Result: &domain.Result{}}
		if strings.Contains(req.CandidateCSV, "BAD") {
			resp.Exportable = false
			resp.Result.Quality.Errors = []domain.Finding{{Code: domain.FindingCoverageMissing}}
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	dir := t.TempDir()
	for name, body := range map[string]string{"a.csv": "GOOD", "b.csv": "BAD", "notes.txt": "skip"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	internal := filepath.Join(t.TempDir(), "internal.csv")
	if err := os.WriteFile(internal, []byte("code\nINT001\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs([]string{"--dir", dir, "--internal", internal, "--url", srv.URL, "--tenant", "bench", "--rounds", "2", "--workers", "3"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("benchmark failed: %v", err)
	}

	if calls.Load() != 4 {
		t.Errorf("expected 4 validate calls, got %d", calls.Load())
	}
	for _, want := range []string{"Exportable:  2", "Blocked:     2", "coverage_missing"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}

func TestPercentile(t *testing.T) {
	lat := []time.Duration{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
	if got := percentile(lat, 0.5); got != 5 {
		t.Errorf("p50 = %d, want 5", got)
	}
	if got := percentile(lat, 0.95); got != 9 {
		t.Errorf("p95 = %d, want 9", got)
	}
	if got := percentile(nil, 0.5); got != 0 {
		t.Errorf("empty p50 = %d", got)
	}
}
