package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/keithlinneman/csloader/internal/log"
)

// EnvPrefix is prepended to upper-cased flag names when reading the environment.
const EnvPrefix = "CSLOADER_"

type App struct {
	LogJSON           bool
	LogLevel          string
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int

	AdminPort       int
	EnablePprof     bool
	EnableTracing   bool
	OTLPEndpoint    string
	TraceSample     float64
	EnablePyroscope bool
	PyroServer      string
	PyroTenantID    string

	// manifest source: either a local file or the SSM pointer + S3 bucket pair
	ManifestFile          string
	ManifestSSMParam      string
	ManifestS3Bucket      string
	ManifestS3Prefix      string
	ManifestSigningKeyARN string
	EnableManifestUpdates bool
	ManifestPollInterval  time.Duration

	// host bridge
	HostURL     string
	HostToken   string
	HostTimeout time.Duration
	HostRPS     float64
	HostBurst   int

	// per-peer budget for POST /-/inject on the admin port
	InjectRPS   float64
	InjectBurst int

	// Once runs a single injection pass and exits.
	Once bool
}

// Register binds all config fields to the given FlagSet with defaults inline
func Register(fs *flag.FlagSet, c *App) {
	fs.BoolVar(&c.LogJSON, "log-json", true, "JSON logs (true) or logfmt (false)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "Include error links in log messages")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "max error chain depth (1..64)")

	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen TCP port (1..65535)")
	fs.BoolVar(&c.EnablePprof, "enable-pprof", false, "Enable pprof profiling (on admin port only)")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "Enable OTLP tracing and push to otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP endpoint to push to (gRPC) (host:port)")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "trace sampling ratio (0..1)")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "Enable pushing Pyroscope data to server set in -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url to push to")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "tenant (x-scope-orgid) to use for pyro-server")

	fs.StringVar(&c.ManifestFile, "manifest-file", "", "local manifest (.json|.yaml|.yml) holding content_scripts")
	fs.StringVar(&c.ManifestSSMParam, "manifest-ssm-param", "", "ssm parameter name holding the current manifest sha256")
	fs.StringVar(&c.ManifestS3Bucket, "manifest-s3-bucket", "", "s3 bucket holding manifests")
	fs.StringVar(&c.ManifestS3Prefix, "manifest-s3-prefix", "csloader/manifests", "s3 prefix (key) manifests are stored under")
	fs.StringVar(&c.ManifestSigningKeyARN, "manifest-signing-key-arn", "", "KMS key ARN for manifest signature verification")
	fs.BoolVar(&c.EnableManifestUpdates, "enable-manifest-updates", true, "Poll SSM for new manifests and re-inject on change")
	fs.DurationVar(&c.ManifestPollInterval, "manifest-poll-interval", 30*time.Second, "how often to poll for a new manifest")

	fs.StringVar(&c.HostURL, "host-url", "", "browser bridge base URL (http(s)://...) or memory://?doc=<url> for a dry run")
	fs.StringVar(&c.HostToken, "host-token", "", "bearer token sent to the browser bridge")
	fs.DurationVar(&c.HostTimeout, "host-timeout", 10*time.Second, "timeout for a single bridge call")
	fs.Float64Var(&c.HostRPS, "host-rps", 20, "max bridge calls per second (0 disables limiting)")
	fs.IntVar(&c.HostBurst, "host-burst", 5, "bridge call burst")

	fs.Float64Var(&c.InjectRPS, "inject-rps", 0.2, "manual /-/inject triggers per second per peer")
	fs.IntVar(&c.InjectBurst, "inject-burst", 3, "manual /-/inject trigger burst per peer")

	fs.BoolVar(&c.Once, "once", false, "run one injection pass and exit")
}

// FillFromEnv sets any flag not explicitly passed on the CLI from
// environment variables. Flag "foo-bar" maps to PREFIX_FOO_BAR.
// Precedence: cli flag > env var > default.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	explicit := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := prefix + strings.ReplaceAll(strings.ToUpper(f.Name), "-", "_")
		envVal, envSet := os.LookupEnv(key)
		if !envSet {
			return
		}
		if explicit[f.Name] {
			if logf != nil {
				logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, envVal)
			}
			return
		}
		prev := f.Value.String()
		if err := fs.Set(f.Name, envVal); err != nil {
			_ = fs.Set(f.Name, prev)
			if logf != nil {
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, envVal, err)
			}
		}
	})
}

// RemoteManifest reports whether manifests come from SSM/S3 rather than a file.
func (c App) RemoteManifest() bool { return c.ManifestFile == "" }

// Validate checks that config values are within expected ranges and formats.
// Returns an error describing all invalid fields, or nil if all valid.
func Validate(c App) error {
	var errs []error

	if c.AdminPort < 1 || c.AdminPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ADMIN_PORT %d (must be 1..65535)", c.AdminPort))
	}

	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err))
	}
	if c.StacktraceLevel != "" {
		if _, err := log.ParseLevel(c.StacktraceLevel); err != nil {
			errs = append(errs, fmt.Errorf("invalid STACKTRACE_LEVEL %q: %w", c.StacktraceLevel, err))
		}
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		errs = append(errs, fmt.Errorf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks))
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, fmt.Errorf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample))
	}
	if c.EnableTracing {
		if c.OTLPEndpoint == "" {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT required when ENABLE_TRACING=true"))
		} else if err := checkHostPort(c.OTLPEndpoint); err != nil {
			errs = append(errs, fmt.Errorf("OTLP_ENDPOINT must be host:port (got %q): %v", c.OTLPEndpoint, err))
		}
	}
	if c.EnablePyroscope {
		if c.PyroServer == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER required when ENABLE_PYROSCOPE=true"))
		} else if u, err := url.Parse(c.PyroServer); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("PYRO_SERVER must be a URL (got %q)", c.PyroServer))
		}
		if c.PyroTenantID == "" {
			errs = append(errs, fmt.Errorf("PYRO_TENANT required when ENABLE_PYROSCOPE=true"))
		}
	}

	if c.ManifestFile != "" {
		switch strings.ToLower(filepath.Ext(c.ManifestFile)) {
		case ".json", ".yaml", ".yml":
		default:
			errs = append(errs, fmt.Errorf("MANIFEST_FILE must end in .json, .yaml or .yml (got %q)", c.ManifestFile))
		}
		if c.ManifestSSMParam != "" || c.ManifestS3Bucket != "" {
			errs = append(errs, fmt.Errorf("MANIFEST_FILE cannot be combined with MANIFEST_SSM_PARAM/MANIFEST_S3_BUCKET"))
		}
	} else {
		if c.ManifestSSMParam == "" {
			errs = append(errs, fmt.Errorf("MANIFEST_SSM_PARAM is required when MANIFEST_FILE is not set"))
		}
		if c.ManifestS3Bucket == "" {
			errs = append(errs, fmt.Errorf("MANIFEST_S3_BUCKET is required when MANIFEST_FILE is not set"))
		}
	}
	if c.EnableManifestUpdates && !c.Once && c.ManifestPollInterval < time.Second {
		errs = append(errs, fmt.Errorf("MANIFEST_POLL_INTERVAL must be at least 1s (got %s)", c.ManifestPollInterval))
	}

	if c.HostURL == "" {
		errs = append(errs, fmt.Errorf("HOST_URL is required"))
	} else if u, err := url.Parse(c.HostURL); err != nil {
		errs = append(errs, fmt.Errorf("HOST_URL must be a URL (got %q): %v", c.HostURL, err))
	} else {
		switch u.Scheme {
		case "memory":
		case "http", "https":
			if u.Host == "" {
				errs = append(errs, fmt.Errorf("HOST_URL must include a host (got %q)", c.HostURL))
			}
		default:
			errs = append(errs, fmt.Errorf("HOST_URL scheme must be http, https or memory (got %q)", u.Scheme))
		}
	}
	if c.HostTimeout <= 0 {
		errs = append(errs, fmt.Errorf("HOST_TIMEOUT must be positive (got %s)", c.HostTimeout))
	}
	if c.HostRPS < 0 {
		errs = append(errs, fmt.Errorf("HOST_RPS must be >= 0 (got %.2f)", c.HostRPS))
	}
	if c.HostRPS > 0 && c.HostBurst < 1 {
		errs = append(errs, fmt.Errorf("HOST_BURST must be >= 1 when HOST_RPS > 0 (got %d)", c.HostBurst))
	}

	if c.InjectRPS <= 0 {
		errs = append(errs, fmt.Errorf("INJECT_RPS must be > 0 (got %.2f)", c.InjectRPS))
	}
	if c.InjectBurst < 1 {
		errs = append(errs, fmt.Errorf("INJECT_BURST must be >= 1 (got %d)", c.InjectBurst))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// checkHostPort accepts a bare host:port with a numeric port. URLs are
// rejected since the gRPC exporter takes an address, not a URL.
func checkHostPort(addr string) error {
	if strings.Contains(addr, "://") {
		return errors.New("looks like a URL")
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return err
	}
	if host == "" {
		return errors.New("missing host")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}
