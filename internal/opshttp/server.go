// Package opshttp is the operator-facing HTTP server: probes, metrics,
// pprof and the manual injection trigger. It is never the public surface.
package opshttp

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/keithlinneman/csloader/internal/health"
	"github.com/keithlinneman/csloader/internal/httpmw"
	"github.com/keithlinneman/csloader/internal/log"
	"github.com/keithlinneman/csloader/internal/xerrors"
)

const (
	defaultPort         = 9000
	defaultWriteTimeout = 2 * time.Minute
	// POST /-/inject takes no body
	maxInjectBody = 1 << 10
)

// NewHandler builds the ops router.
func NewHandler(opts Options) http.Handler {
	L := opts.Logger
	if L == nil {
		L = log.Nop()
	}

	var onPanic func()
	if opts.Metrics != nil {
		onPanic = opts.Metrics.IncHttpPanic
	}

	r := chi.NewRouter()
	r.Use(
		httpmw.RequestID(""),
		httpmw.WithLogger(L),
		httpmw.Recover(L, onPanic),
		otelhttp.NewMiddleware("ops",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return r.Method + " " + r.URL.Path
			}),
		),
		httpmw.TraceResponseHeaders("", ""),
	)
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(httpmw.AccessLog(), httpmw.AnnotateHTTPRoute)

	r.Get("/-/healthy", health.Handler(opts.Health, "ok"))
	r.Get("/-/ready", health.Handler(opts.Readiness, "ready"))

	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics.Handler())
	}

	a := &api{logger: L, injector: opts.Injector, manifest: opts.Manifest}
	if opts.Injector != nil {
		r.Group(func(r chi.Router) {
			r.Use(RequireNonPublicNetwork)
			inject := r.With(httpmw.MaxBody(maxInjectBody))
			if opts.InjectLimit != nil {
				inject = inject.With(opts.InjectLimit)
			}
			inject.Post("/-/inject", a.handleInject)
			r.Get("/-/inject/last", a.handleLastRun)
		})
	}
	if opts.Manifest != nil {
		r.Get("/-/manifest", a.handleManifest)
	}

	if opts.EnablePprof {
		r.Group(func(r chi.Router) {
			r.Use(RequireNonPublicNetwork)
			r.Mount("/debug", middleware.Profiler())
		})
	}
	return r
}

// Start serves NewHandler on opts.Port and returns stop(ctx) for graceful
// shutdown. stop is idempotent.
func Start(ctx context.Context, L log.Logger, opts Options) (func(context.Context) error, error) {
	if L == nil {
		L = log.Nop()
	}
	if opts.Logger == nil {
		opts.Logger = L
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	addr := fmt.Sprintf(":%d", port)
	writeTimeout := opts.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           NewHandler(opts),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, xerrors.Wrapf(err, "could not listen for admin port on addr=%v", addr)
	}

	go func() {
		L.Info(ctx, "ops http server listening", "addr", addr)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			L.Error(ctx, err, "ops http server error")
		}
	}()

	var once sync.Once
	stop := func(sctx context.Context) (retErr error) {
		once.Do(func() {
			L.Info(sctx, "ops http server shutting down")
			c, cancel := context.WithTimeout(sctx, 5*time.Second)
			defer cancel()
			retErr = srv.Shutdown(c)
		})
		return retErr
	}
	return stop, nil
}
