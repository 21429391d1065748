package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/csloader/internal/version"
)

// Metrics owns a private registry. It implements injector.Metrics and
// manifest.WatcherMetrics, and instruments the ops HTTP server.
type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// ops http
	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	rateLimited    prometheus.Counter

	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// injector
	runsTotal        *prometheus.CounterVec
	runDuration      prometheus.Histogram
	runsRejected     prometheus.Counter
	runInProgress    prometheus.Gauge
	lastRunSuccessTs prometheus.Gauge
	insertionsTotal  *prometheus.CounterVec
	documentsTotal   *prometheus.CounterVec
	manifestInfo     *prometheus.GaugeVec
	manifestDecls    prometheus.Gauge
	manifestLoadedTs prometheus.Gauge

	// manifest watcher
	watcherPollsTotal    prometheus.Counter
	watcherSwapsTotal    prometheus.Counter
	watcherErrorsTotal   *prometheus.CounterVec
	manifestLoadDuration prometheus.Histogram
	watcherLastSuccessTs prometheus.Gauge
	watcherStale         prometheus.Gauge
}

// New returns a fresh registry with Go/process collectors and every
// csloader metric. HTTP labels are method, route pattern and status only.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight ops HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total ops HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Ops HTTP request latency by method and route",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx ops HTTP responses by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered ops HTTP panics",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_ratelimit_denied_total",
			Help: "Ops requests refused by the per-peer rate limiter",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csloader_injection_runs_total",
			Help: "Completed injection runs by result",
		}, []string{"result"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "csloader_injection_run_duration_seconds",
			Help:    "Wall time of a full injection run",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		runsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csloader_injection_runs_rejected_total",
			Help: "Run requests refused because a run was already in progress",
		}),
		runInProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csloader_injection_run_in_progress",
			Help: "Whether an injection run is active (1) or idle (0)",
		}),
		lastRunSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csloader_injection_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful injection run",
		}),
		insertionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csloader_insertions_total",
			Help: "Host insertions by resource kind and result",
		}, []string{"kind", "result"}),
		documentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csloader_documents_total",
			Help: "Matched documents by outcome (injected, skipped, failed)",
		}, []string{"outcome"}),
		manifestInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "csloader_manifest_info",
			Help: "Active manifest (labels carry identity, value is always 1)",
		}, []string{"sha256", "version", "source"}),
		manifestDecls: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csloader_manifest_declarations",
			Help: "Number of content_scripts declarations in the active manifest",
		}),
		manifestLoadedTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csloader_manifest_loaded_timestamp_seconds",
			Help: "Unix timestamp of when the active manifest was loaded",
		}),
		watcherPollsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csloader_manifest_watcher_polls_total",
			Help: "Total number of manifest watcher poll cycles",
		}),
		watcherSwapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "csloader_manifest_watcher_swaps_total",
			Help: "Total number of manifest swaps",
		}),
		watcherErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csloader_manifest_watcher_errors_total",
			Help: "Manifest watcher errors by type (ssm, load, validation)",
		}, []string{"type"}),
		manifestLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "csloader_manifest_load_duration_seconds",
			Help:    "Time to download, verify, and parse a manifest",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
		watcherLastSuccessTs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csloader_manifest_watcher_last_success_timestamp_seconds",
			Help: "Unix timestamp of the last successful SSM poll",
		}),
		watcherStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "csloader_manifest_watcher_stale",
			Help: "Whether the manifest watcher is stale (1) or healthy (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.errorsTotal,
		m.httpPanicTotal,
		m.rateLimited,
		m.buildInfo,
		m.profilingActive,
		m.runsTotal,
		m.runDuration,
		m.runsRejected,
		m.runInProgress,
		m.lastRunSuccessTs,
		m.insertionsTotal,
		m.documentsTotal,
		m.manifestInfo,
		m.manifestDecls,
		m.manifestLoadedTs,
		m.watcherPollsTotal,
		m.watcherSwapsTotal,
		m.watcherErrorsTotal,
		m.manifestLoadDuration,
		m.watcherLastSuccessTs,
		m.watcherStale,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *Metrics) Handler() http.Handler {
	return m.handler
}

func (m *Metrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *Metrics) IncRateLimitDenied() {
	m.rateLimited.Inc()
}

// set once at startup.
func (m *Metrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *Metrics) SetProfilingActive(active bool) {
	m.profilingActive.Set(boolGauge(active))
}

// injector.Metrics

func (m *Metrics) SetRunInProgress(running bool) {
	m.runInProgress.Set(boolGauge(running))
}

func (m *Metrics) ObserveRun(result string, seconds float64) {
	m.runsTotal.WithLabelValues(result).Inc()
	m.runDuration.Observe(seconds)
	if result == "success" {
		m.lastRunSuccessTs.SetToCurrentTime()
	}
}

func (m *Metrics) IncRunsRejected() {
	m.runsRejected.Inc()
}

func (m *Metrics) IncInsertion(kind, result string) {
	m.insertionsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) IncDocument(outcome string) {
	m.documentsTotal.WithLabelValues(outcome).Inc()
}

// SetManifest records the identity of the active manifest.
func (m *Metrics) SetManifest(sha256, version, source string, declarations int, loadedAt time.Time) {
	m.manifestInfo.Reset()
	m.manifestInfo.WithLabelValues(sha256, version, source).Set(1)
	m.manifestDecls.Set(float64(declarations))
	m.manifestLoadedTs.Set(float64(loadedAt.Unix()))
}

// manifest.WatcherMetrics

func (m *Metrics) IncManifestPolls() {
	m.watcherPollsTotal.Inc()
}

func (m *Metrics) IncManifestSwaps() {
	m.watcherSwapsTotal.Inc()
}

func (m *Metrics) IncManifestError(errType string) {
	m.watcherErrorsTotal.WithLabelValues(errType).Inc()
}

func (m *Metrics) ObserveManifestLoadDuration(seconds float64) {
	m.manifestLoadDuration.Observe(seconds)
}

func (m *Metrics) SetManifestLastSuccess(unixSeconds float64) {
	m.watcherLastSuccessTs.Set(unixSeconds)
}

func (m *Metrics) SetManifestStale(stale bool) {
	m.watcherStale.Set(boolGauge(stale))
}

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
