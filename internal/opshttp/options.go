package opshttp

import (
	"context"
	"net/http"
	"time"

	"github.com/keithlinneman/csloader/internal/health"
	"github.com/keithlinneman/csloader/internal/injector"
	"github.com/keithlinneman/csloader/internal/log"
	"github.com/keithlinneman/csloader/internal/manifest"
)

// Runner is satisfied by *injector.Injector.
type Runner interface {
	TryInsert(ctx context.Context) (injector.RunInfo, error)
	Last() (injector.RunInfo, bool)
}

// ManifestSource is satisfied by *manifest.Manager.
type ManifestSource interface {
	Get() (*manifest.Snapshot, bool)
}

// Metrics is satisfied by *metrics.Metrics.
type Metrics interface {
	Handler() http.Handler
	Middleware(next http.Handler) http.Handler
	IncHttpPanic()
}

type Options struct {
	Port   int
	Logger log.Logger

	Metrics     Metrics
	EnablePprof bool

	Health    health.Probe
	Readiness health.Probe

	// Injector enables POST /-/inject and GET /-/inject/last.
	Injector    Runner
	// InjectLimit, when set, wraps POST /-/inject (ratelimit.IPLimiter).
	InjectLimit func(http.Handler) http.Handler
	// Manifest enables GET /-/manifest.
	Manifest    ManifestSource

	// WriteTimeout bounds every response except POST /-/inject, which lifts
	// its own deadline while the run is in flight. Defaults to 2 minutes.
	WriteTimeout time.Duration
}
