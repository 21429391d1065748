package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/csloader/internal/cfg"
	"github.com/keithlinneman/csloader/internal/cryptoutil"
	"github.com/keithlinneman/csloader/internal/health"
	"github.com/keithlinneman/csloader/internal/host"
	"github.com/keithlinneman/csloader/internal/host/httphost"
	"github.com/keithlinneman/csloader/internal/injector"
	"github.com/keithlinneman/csloader/internal/log"
	"github.com/keithlinneman/csloader/internal/manifest"
	"github.com/keithlinneman/csloader/internal/metrics"
	"github.com/keithlinneman/csloader/internal/opshttp"
	"github.com/keithlinneman/csloader/internal/otelx"
	"github.com/keithlinneman/csloader/internal/prof"
	"github.com/keithlinneman/csloader/internal/ratelimit"
	v "github.com/keithlinneman/csloader/internal/version"
	"github.com/keithlinneman/csloader/internal/xerrors"
)

const component = "injector"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var conf cfg.App
	var showVersion bool
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(vi.String())
		os.Exit(0)
	}

	cfg.FillFromEnv(flag.CommandLine, cfg.EnvPrefix, func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})
	if err := cfg.Validate(conf); err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}

	lvl, _ := log.ParseLevel(conf.LogLevel)
	stackLvl, err := log.ParseLevel(conf.StacktraceLevel)
	if err != nil {
		stackLvl = slog.LevelError
	}
	lg, err := log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer lg.Sync()
	L := lg.With("component", component)
	ctx = log.WithContext(ctx, L)

	os.Exit(run(ctx, L, conf, vi))
}

// run wires the loader together and returns the process exit code.
func run(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info) int {
	L.Info(ctx, "initializing csloader",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"admin_port", conf.AdminPort,
		"manifest_file", conf.ManifestFile,
		"manifest_ssm_param", conf.ManifestSSMParam,
		"manifest_s3_bucket", conf.ManifestS3Bucket,
		"manifest_s3_prefix", conf.ManifestS3Prefix,
		"manifest_signing_key_arn", conf.ManifestSigningKeyARN,
		"enable_manifest_updates", conf.EnableManifestUpdates,
		"host_url", redactURL(conf.HostURL),
		"host_rps", conf.HostRPS,
		"once", conf.Once,
		"enable_tracing", conf.EnableTracing,
		"enable_pyroscope", conf.EnablePyroscope,
	)

	stopProf, profErr := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"app":       v.AppName,
			"component": component,
			"version":   vi.Version,
			"commit":    vi.Commit,
		},
	})
	if profErr != nil {
		L.Error(ctx, profErr, "pyroscope start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// the collector runs on localhost
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: component,
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
		shutdownOTEL = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTEL(sctx); err != nil {
			L.Error(sctx, err, "otel shutdown")
		}
	}()

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, component, &vi)
	m.SetProfilingActive(conf.EnablePyroscope && profErr == nil)

	mgr := manifest.NewManager()
	var loader *manifest.Loader
	if conf.RemoteManifest() {
		loader, err = newRemoteLoader(ctx, L, conf)
		if err != nil {
			L.Error(ctx, err, "failed to create manifest loader")
			return 1
		}
		if err := loader.LoadIntoManager(ctx, mgr); err != nil {
			L.Error(ctx, err, "failed to load manifest")
			return 1
		}
	} else {
		snap, err := manifest.LoadFile(conf.ManifestFile)
		if err != nil {
			L.Error(ctx, err, "failed to load manifest file", "path", conf.ManifestFile)
			return 1
		}
		mgr.Set(*snap)
	}
	recordManifest(m, mgr)
	L.Info(ctx, "manifest loaded",
		"manifest_version", mgr.Version(),
		"manifest_hash", mgr.Hash(),
		"source", mgr.Source(),
		"declarations", len(mgr.Declarations()),
	)

	h, err := newHost(L, conf)
	if err != nil {
		L.Error(ctx, err, "failed to create host bridge client")
		return 1
	}

	inj, err := injector.New(injector.Options{
		Logger:       L,
		Source:       mgr,
		Host:         h,
		IsPrivileged: host.IsPrivileged,
		Metrics:      m,
	})
	if err != nil {
		L.Error(ctx, err, "failed to create injector")
		return 1
	}

	if err := inj.Insert(ctx); err != nil {
		if conf.Once {
			return 1
		}
		// keep serving: readiness reports the failure and /-/inject can retry
		L.Warn(ctx, "initial injection run failed, waiting for manifest update or manual trigger")
	}
	if conf.Once {
		return 0
	}

	if loader != nil && conf.EnableManifestUpdates {
		watcher := manifest.NewWatcher(&manifest.WatcherOptions{
			Logger:       L,
			Loader:       loader,
			Manager:      mgr,
			PollInterval: conf.ManifestPollInterval,
			Metrics:      m,
			OnSwap: func(ctx context.Context, hash, version string) {
				recordManifest(m, mgr)
				if err := inj.Insert(ctx); err != nil {
					L.Warn(ctx, "injection after manifest swap failed",
						"manifest_hash", hash,
						"manifest_version", version,
					)
				}
			},
		})
		go func() { _ = watcher.Run(ctx) }()
	}

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), health.Manifest(mgr), health.LastRun(inj))

	// the security group limits the ops port to internal monitoring; the
	// inject and pprof routes additionally refuse public and proxied peers
	injectLimiter := ratelimit.New(ctx,
		ratelimit.WithRate(conf.InjectRPS, conf.InjectBurst),
		ratelimit.WithOnDenied(func(string) { m.IncRateLimitDenied() }),
		ratelimit.WithOnFirstDenied(func(ip string) {
			L.Warn(ctx, "manual injection trigger rate limited", "peer", ip)
		}),
	)

	opsHTTPStop, err := opshttp.Start(ctx, L, opshttp.Options{
		Port:        conf.AdminPort,
		Logger:      L,
		Metrics:     m,
		EnablePprof: conf.EnablePprof,
		Health:      health.Fixed(true, ""),
		Readiness:   readiness,
		Injector:    inj,
		InjectLimit: injectLimiter.Middleware,
		Manifest:    mgr,
	})
	if err != nil {
		L.Error(ctx, err, "failed to start ops http listener")
		return 1
	}

	if err := notifySystemd(); err != nil {
		L.Warn(ctx, "failed to notify systemd of readiness", "error", err)
	}

	<-ctx.Done()
	L.Info(context.Background(), "shutdown signal received")
	gate.Set("draining")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := opsHTTPStop(shutdownCtx); err != nil {
		L.Error(context.Background(), err, "ops http server shutdown")
	}
	L.Info(context.Background(), "shutdown complete")
	return 0
}

func newRemoteLoader(ctx context.Context, L log.Logger, conf cfg.App) (*manifest.Loader, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, xerrors.Wrap(err, "load AWS config")
	}

	var verifier manifest.SignatureVerifier
	if conf.ManifestSigningKeyARN != "" {
		verifier = cryptoutil.NewKMSVerifier(kms.NewFromConfig(awsCfg), conf.ManifestSigningKeyARN)
	}

	return manifest.NewLoader(manifest.LoaderOptions{
		Logger:    L,
		SSMParam:  conf.ManifestSSMParam,
		S3Bucket:  conf.ManifestS3Bucket,
		S3Prefix:  conf.ManifestS3Prefix,
		S3Client:  s3.NewFromConfig(awsCfg),
		SSMClient: ssm.NewFromConfig(awsCfg),
		Verifier:  verifier,
	})
}

func newHost(L log.Logger, conf cfg.App) (injector.Host, error) {
	u, err := url.Parse(conf.HostURL)
	if err != nil {
		return nil, xerrors.Wrap(err, "parse host url")
	}
	if u.Scheme == "memory" {
		// memory://?doc=<url>&doc=<url> opens fake documents for a dry run
		var docs []injector.Document
		for i, raw := range u.Query()["doc"] {
			docs = append(docs, injector.Document{ID: strconv.Itoa(i + 1), URL: raw})
		}
		return host.NewMemory(L, docs...), nil
	}
	return httphost.New(conf.HostURL,
		httphost.WithToken(conf.HostToken),
		httphost.WithTimeout(conf.HostTimeout),
		httphost.WithRate(conf.HostRPS, conf.HostBurst),
		httphost.WithLogger(L),
	)
}

func recordManifest(m *metrics.Metrics, mgr *manifest.Manager) {
	m.SetManifest(mgr.Hash(), mgr.Version(), string(mgr.Source()), len(mgr.Declarations()), mgr.LoadedAt())
}

// redactURL drops userinfo and query before the URL reaches logs.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	u.User = nil
	u.RawQuery = ""
	return u.String()
}

func notifySystemd() error {
	// systemd sets NOTIFY_SOCKET when the unit is Type=notify
	addr := os.Getenv("NOTIFY_SOCKET")
	if addr == "" {
		return xerrors.New("NOTIFY_SOCKET not set, skipping systemd notify")
	}
	conn, err := net.Dial("unixgram", addr)
	if err != nil {
		return xerrors.Wrap(err, "systemd notify: dial")
	}
	if _, err := conn.Write([]byte("READY=1")); err != nil {
		_ = conn.Close()
		return xerrors.Wrap(err, "systemd notify: write")
	}
	if err := conn.Close(); err != nil {
		return xerrors.Wrap(err, "systemd notify: close")
	}
	return nil
}
