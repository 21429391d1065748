package health

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/keithlinneman/csloader/internal/injector"
	"github.com/keithlinneman/csloader/internal/manifest"
)

var (
	_ ReadyReporter = (*manifest.Manager)(nil)
	_ RunReporter   = (*injector.Injector)(nil)
)

type fakeRuns struct {
	info injector.RunInfo
	ok   bool
}

func (f fakeRuns) Last() (injector.RunInfo, bool) { return f.info, f.ok }

func TestManifest(t *testing.T) {
	m := manifest.NewManager()
	if err := Manifest(m).Check(t.Context()); err == nil {
		t.Fatal("empty manager should not be ready")
	}
	m.Set(manifest.Snapshot{Manifest: &manifest.Manifest{}})
	if err := Manifest(m).Check(t.Context()); err != nil {
		t.Fatalf("loaded manager: %v", err)
	}
}

func TestLastRun(t *testing.T) {
	tests := []struct {
		name    string
		runs    fakeRuns
		wantErr string
	}{
		{"no run yet", fakeRuns{}, "no run has finished"},
		{"last run failed", fakeRuns{info: injector.RunInfo{ID: "r1", Err: "bridge down"}, ok: true}, "run r1 failed: bridge down"},
		{"last run ok", fakeRuns{info: injector.RunInfo{ID: "r2"}, ok: true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := LastRun(tt.runs).Check(t.Context())
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("err = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestHandler(t *testing.T) {
	tests := []struct {
		name     string
		probe    Probe
		wantCode int
		wantBody string
	}{
		{"nil probe", nil, http.StatusOK, "ready"},
		{"passing", Fixed(true, ""), http.StatusOK, "ready"},
		{"failing", Fixed(false, "manifest: no active snapshot"), http.StatusServiceUnavailable, "manifest: no active snapshot"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Handler(tt.probe, "ready").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/-/ready", http.NoBody))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantCode)
			}
			if !strings.Contains(rec.Body.String(), tt.wantBody) {
				t.Fatalf("body = %q", rec.Body.String())
			}
			if rec.Header().Get("Cache-Control") != "no-store" {
				t.Fatal("probe responses must not be cached")
			}
		})
	}
}
