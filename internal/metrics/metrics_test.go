package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"

	"github.com/keithlinneman/csloader/internal/injector"
	"github.com/keithlinneman/csloader/internal/manifest"
	"github.com/keithlinneman/csloader/internal/version"
)

var (
	_ injector.Metrics        = (*Metrics)(nil)
	_ manifest.WatcherMetrics = (*Metrics)(nil)
)

// gatherMetric collects metrics from the registry and finds one by name.
func gatherMetric(t *testing.T, reg *prometheus.Registry, name string) *dto.MetricFamily {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() == name {
			return f
		}
	}
	return nil
}

func labelsOf(m *dto.Metric) map[string]string {
	out := make(map[string]string)
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	return rec.Body.String()
}

func TestNew_ScrapeContainsScalars(t *testing.T) {
	body := scrape(t, New())
	for _, name := range []string{
		"http_inflight_requests",
		"http_panic_total",
		"http_ratelimit_denied_total",
		"profiling_active",
		"csloader_injection_run_in_progress",
		"csloader_injection_runs_rejected_total",
		"csloader_manifest_declarations",
		"csloader_manifest_watcher_polls_total",
		"csloader_manifest_watcher_stale",
		"go_goroutines",
		"process_",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("metric %q not found in scrape", name)
		}
	}
}

func TestNew_IsolatedRegistries(t *testing.T) {
	a, b := New(), New()
	a.IncHttpPanic()
	if got := testutil.ToFloat64(b.httpPanicTotal); got != 0 {
		t.Fatalf("second registry saw %v panics", got)
	}
}

func TestSetBuildInfoFromVersion(t *testing.T) {
	m := New()
	dirty := false
	m.SetBuildInfoFromVersion("csloader", "injector", &version.Info{
		Version:   "1.0.0",
		Commit:    "abc",
		GoVersion: "go1.24.11",
		VCSDirty:  &dirty,
	})
	f := gatherMetric(t, m.reg, "build_info")
	if f == nil || len(f.GetMetric()) != 1 {
		t.Fatal("build_info missing")
	}
	l := labelsOf(f.GetMetric()[0])
	if l["app"] != "csloader" || l["version"] != "1.0.0" || l["vcs_dirty"] != "false" {
		t.Fatalf("labels = %v", l)
	}

	m2 := New()
	m2.SetBuildInfoFromVersion("csloader", "injector", &version.Info{})
	if l := labelsOf(gatherMetric(t, m2.reg, "build_info").GetMetric()[0]); l["vcs_dirty"] != "unknown" {
		t.Fatalf("nil VCSDirty should label unknown, got %q", l["vcs_dirty"])
	}
}

func TestInjectorMetrics(t *testing.T) {
	m := New()

	m.SetRunInProgress(true)
	if got := testutil.ToFloat64(m.runInProgress); got != 1 {
		t.Fatalf("run_in_progress = %v", got)
	}
	m.SetRunInProgress(false)

	m.ObserveRun("success", 0.25)
	m.ObserveRun("failure", 1.5)
	m.IncRunsRejected()
	m.IncInsertion("style", "success")
	m.IncInsertion("style", "success")
	m.IncInsertion("script", "failure")
	m.IncDocument("injected")
	m.IncDocument("skipped")

	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("success")); got != 1 {
		t.Fatalf("runs success = %v", got)
	}
	if got := testutil.ToFloat64(m.runsTotal.WithLabelValues("failure")); got != 1 {
		t.Fatalf("runs failure = %v", got)
	}
	if got := testutil.ToFloat64(m.runsRejected); got != 1 {
		t.Fatalf("rejected = %v", got)
	}
	if got := testutil.ToFloat64(m.insertionsTotal.WithLabelValues("style", "success")); got != 2 {
		t.Fatalf("style insertions = %v", got)
	}
	if got := testutil.ToFloat64(m.documentsTotal.WithLabelValues("skipped")); got != 1 {
		t.Fatalf("skipped documents = %v", got)
	}
	if got := testutil.ToFloat64(m.lastRunSuccessTs); got <= 0 {
		t.Fatal("last success timestamp not set")
	}
	h := gatherMetric(t, m.reg, "csloader_injection_run_duration_seconds").GetMetric()[0].GetHistogram()
	if h.GetSampleCount() != 2 || h.GetSampleSum() != 1.75 {
		t.Fatalf("run duration count=%d sum=%v", h.GetSampleCount(), h.GetSampleSum())
	}
}

func TestSetManifest_ReplacesInfo(t *testing.T) {
	m := New()
	at := time.Unix(1700000000, 0)
	m.SetManifest("aaa", "1", "file", 3, at)
	m.SetManifest("bbb", "2", "s3", 5, at)

	f := gatherMetric(t, m.reg, "csloader_manifest_info")
	if len(f.GetMetric()) != 1 {
		t.Fatalf("manifest_info series = %d, want 1", len(f.GetMetric()))
	}
	if l := labelsOf(f.GetMetric()[0]); l["sha256"] != "bbb" || l["source"] != "s3" {
		t.Fatalf("labels = %v", l)
	}
	if got := testutil.ToFloat64(m.manifestDecls); got != 5 {
		t.Fatalf("declarations = %v", got)
	}
	if got := testutil.ToFloat64(m.manifestLoadedTs); got != 1700000000 {
		t.Fatalf("loaded ts = %v", got)
	}
}

func TestWatcherMetrics(t *testing.T) {
	m := New()
	m.IncManifestPolls()
	m.IncManifestPolls()
	m.IncManifestSwaps()
	m.IncManifestError("ssm")
	m.IncManifestError("load")
	m.IncManifestError("ssm")
	m.ObserveManifestLoadDuration(0.3)
	m.SetManifestLastSuccess(1700000000)
	m.SetManifestStale(true)

	if got := testutil.ToFloat64(m.watcherPollsTotal); got != 2 {
		t.Fatalf("polls = %v", got)
	}
	if got := testutil.ToFloat64(m.watcherSwapsTotal); got != 1 {
		t.Fatalf("swaps = %v", got)
	}
	if got := testutil.ToFloat64(m.watcherErrorsTotal.WithLabelValues("ssm")); got != 2 {
		t.Fatalf("ssm errors = %v", got)
	}
	if got := testutil.CollectAndCount(m.manifestLoadDuration); got != 1 {
		t.Fatalf("load duration series = %d", got)
	}
	if got := testutil.ToFloat64(m.watcherLastSuccessTs); got != 1700000000 {
		t.Fatalf("last success = %v", got)
	}
	if got := testutil.ToFloat64(m.watcherStale); got != 1 {
		t.Fatalf("stale = %v", got)
	}
	m.SetManifestStale(false)
	if got := testutil.ToFloat64(m.watcherStale); got != 0 {
		t.Fatalf("stale after recovery = %v", got)
	}
}

func TestIncRateLimitDenied(t *testing.T) {
	m := New()
	m.IncRateLimitDenied()
	m.IncRateLimitDenied()
	if got := testutil.ToFloat64(m.rateLimited); got != 2 {
		t.Fatalf("rate limited = %v", got)
	}
}

func TestSetProfilingActive(t *testing.T) {
	m := New()
	m.SetProfilingActive(true)
	if got := testutil.ToFloat64(m.profilingActive); got != 1 {
		t.Fatalf("profiling_active = %v", got)
	}
	m.SetProfilingActive(false)
	if got := testutil.ToFloat64(m.profilingActive); got != 0 {
		t.Fatalf("profiling_active = %v", got)
	}
}
