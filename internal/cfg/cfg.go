package cfg

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/keithlinneman/reqguard/internal/log"
)

// App is the process configuration, filled from flags then REQGUARD_* env.
type App struct {
	LogJSON           bool
	LogLevel          string
	HTTPPort          int
	AdminPort         int
	EnablePprof       bool
	EnablePyroscope   bool
	EnableTracing     bool
	PyroServer        string
	PyroTenantID      string
	OTLPEndpoint      string
	TraceSample       float64
	StacktraceLevel   string
	IncludeErrorLinks bool
	MaxErrorLinks     int
	TrustedHops       int
	TrustedProxies    string
	PolicyFile        string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RedisDialTimeout  time.Duration
	StoreOpTimeout    time.Duration
	SSMKeyPrefix      string
	SSMKeyCacheTTL    time.Duration
	QuarantineBucket  string
	QuarantinePrefix  string
	UpstreamURL       string
	DrainDelay        time.Duration
}

// Register binds every App field to fs. Defaults live here and nowhere else.
func Register(fs *flag.FlagSet, c *App) {
	// listeners
	fs.IntVar(&c.HTTPPort, "http-port", 8080, "gateway listen port (1..65535)")
	fs.IntVar(&c.AdminPort, "admin-port", 9000, "admin listen port for metrics, probes and pprof (1..65535)")
	fs.IntVar(&c.TrustedHops, "trusted-hops", 1, "number of trusted reverse proxies in front of this server (0..5)")
	fs.StringVar(&c.TrustedProxies, "trusted-proxies", "", "comma-separated CIDRs allowed to set X-Forwarded-For (empty = private ranges)")
	fs.DurationVar(&c.DrainDelay, "drain-delay", 60*time.Second, "how long readiness fails before listeners close on shutdown")
	fs.StringVar(&c.UpstreamURL, "upstream-url", "", "application url that accepted requests are proxied to (empty = built-in echo handler)")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "pipeline policy YAML file (empty = built-in defaults)")

	// logging
	fs.BoolVar(&c.LogJSON, "log-json", true, "log as JSON (false = logfmt)")
	fs.StringVar(&c.LogLevel, "log-level", "info", "minimum log level: debug|info|warn|error")
	fs.StringVar(&c.StacktraceLevel, "stacktrace-level", "error", "level at which stack traces are attached: debug|info|warn|error")
	fs.BoolVar(&c.IncludeErrorLinks, "include-error-links", true, "log the wrapped error chain of each error")
	fs.IntVar(&c.MaxErrorLinks, "max-error-links", 5, "how deep the logged error chain goes (1..64)")

	// profiling and tracing
	fs.BoolVar(&c.EnablePprof, "enable-pprof", true, "serve /debug/pprof on the admin listener")
	fs.BoolVar(&c.EnablePyroscope, "enable-pyroscope", false, "push continuous profiles to -pyro-server")
	fs.StringVar(&c.PyroServer, "pyro-server", "", "pyroscope server url")
	fs.StringVar(&c.PyroTenantID, "pyro-tenant", "", "pyroscope tenant, sent as X-Scope-OrgID")
	fs.BoolVar(&c.EnableTracing, "enable-tracing", false, "export spans to -otlp-endpoint")
	fs.StringVar(&c.OTLPEndpoint, "otlp-endpoint", "", "OTLP gRPC collector host:port")
	fs.Float64Var(&c.TraceSample, "trace-sample", 0.0, "fraction of new traces sampled (0..1)")

	// shared state
	fs.StringVar(&c.RedisAddr, "redis-addr", "", "redis host:port for shared counters (empty = in-process store, single instance only)")
	fs.StringVar(&c.RedisPassword, "redis-password", "", "redis AUTH password")
	fs.IntVar(&c.RedisDB, "redis-db", 0, "redis logical database (0..15)")
	fs.DurationVar(&c.RedisDialTimeout, "redis-dial-timeout", 2*time.Second, "redis connect timeout")
	fs.DurationVar(&c.StoreOpTimeout, "store-op-timeout", 100*time.Millisecond, "per-operation store timeout applied by each stage")

	// aws
	fs.StringVar(&c.SSMKeyPrefix, "ssm-key-prefix", "", "ssm parameter path holding api key secrets, one SecureString per key id (empty = policy keys only)")
	fs.DurationVar(&c.SSMKeyCacheTTL, "ssm-key-cache-ttl", 5*time.Minute, "how long secrets fetched from ssm are cached")
	fs.StringVar(&c.QuarantineBucket, "quarantine-bucket", "", "s3 bucket receiving uploads flagged as malicious (empty = disabled)")
	fs.StringVar(&c.QuarantinePrefix, "quarantine-prefix", "reqguard/quarantine", "s3 key prefix for quarantined uploads")
}

// EnvKey maps flag "foo-bar" to PREFIX_FOO_BAR.
func EnvKey(prefix, flagName string) string {
	return prefix + strings.ToUpper(strings.ReplaceAll(flagName, "-", "_"))
}

// FillFromEnv fills flags that were not given on the command line from the
// environment. A flag always beats its env var, and an env value that does
// not parse leaves the default in place. logf, if set, reports both cases.
func FillFromEnv(fs *flag.FlagSet, prefix string, logf func(string, ...any)) {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	onCLI := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { onCLI[f.Name] = true })

	fs.VisitAll(func(f *flag.Flag) {
		key := EnvKey(prefix, f.Name)
		val, ok := os.LookupEnv(key)
		switch {
		case !ok:
		case onCLI[f.Name]:
			logf("flag -%s: cli value %q overrides env %s=%q", f.Name, f.Value.String(), key, val)
		default:
			def := f.Value.String()
			if err := f.Value.Set(val); err != nil {
				_ = f.Value.Set(def)
				logf("flag -%s: ignoring invalid env %s=%q: %v", f.Name, key, val, err)
			}
		}
	})
}

// problems collects every invalid field so one run reports them all.
type problems []error

func (p *problems) addf(format string, args ...any) {
	*p = append(*p, fmt.Errorf(format, args...))
}

func (p *problems) port(name string, v int) {
	if v < 1 || v > 65535 {
		p.addf("invalid %s %d (must be 1..65535)", name, v)
	}
}

func (p *problems) level(name, v string) {
	if _, err := log.ParseLevel(v); err != nil {
		p.addf("invalid %s %q: %w", name, v, err)
	}
}

func (p *problems) hostPort(name, v string) {
	if _, _, err := net.SplitHostPort(v); err != nil {
		p.addf("%s must be host:port (got %q): %v", name, v, err)
	}
}

// Validate reports every out of range or malformed field, joined, or nil.
func Validate(c App) error {
	var p problems

	p.port("HTTP_PORT", c.HTTPPort)
	p.port("ADMIN_PORT", c.AdminPort)
	if c.AdminPort == c.HTTPPort {
		p.addf("ADMIN_PORT and HTTP_PORT must differ (both %d)", c.HTTPPort)
	}
	if c.TrustedHops < 0 || c.TrustedHops > 5 {
		p.addf("TRUSTED_HOPS must be 0..5 (got %d)", c.TrustedHops)
	}
	if _, err := ParsePrefixes(c.TrustedProxies); err != nil {
		p.addf("invalid TRUSTED_PROXIES: %w", err)
	}
	if c.DrainDelay < 0 || c.DrainDelay > 5*time.Minute {
		p.addf("DRAIN_DELAY must be 0..5m (got %s)", c.DrainDelay)
	}
	if c.UpstreamURL != "" {
		if u, err := url.Parse(c.UpstreamURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			p.addf("UPSTREAM_URL must be an http(s) URL (got %q)", c.UpstreamURL)
		}
	}

	p.level("LOG_LEVEL", c.LogLevel)
	if c.StacktraceLevel != "" {
		p.level("STACKTRACE_LEVEL", c.StacktraceLevel)
	}
	if c.IncludeErrorLinks && (c.MaxErrorLinks < 1 || c.MaxErrorLinks > 64) {
		p.addf("MAX_ERROR_LINKS must be 1..64 (got %d)", c.MaxErrorLinks)
	}

	if c.TraceSample < 0 || c.TraceSample > 1 {
		p.addf("invalid TRACE_SAMPLE %.3f (must be 0..1)", c.TraceSample)
	}
	if c.EnableTracing {
		// the grpc exporter takes host:port with no scheme
		if c.OTLPEndpoint == "" {
			p.addf("OTLP_ENDPOINT required when ENABLE_TRACING=true")
		} else {
			p.hostPort("OTLP_ENDPOINT", c.OTLPEndpoint)
		}
	}
	if c.EnablePyroscope {
		if u, err := url.Parse(c.PyroServer); c.PyroServer == "" {
			p.addf("PYRO_SERVER required when ENABLE_PYROSCOPE=true")
		} else if err != nil || u.Scheme == "" || u.Host == "" {
			p.addf("PYRO_SERVER must be a URL (got %q)", c.PyroServer)
		}
		if c.PyroTenantID == "" {
			p.addf("PYRO_TENANT required when ENABLE_PYROSCOPE=true")
		}
	}

	if c.RedisAddr != "" {
		p.hostPort("REDIS_ADDR", c.RedisAddr)
	}
	if c.RedisDB < 0 || c.RedisDB > 15 {
		p.addf("REDIS_DB must be 0..15 (got %d)", c.RedisDB)
	}
	if c.RedisDialTimeout <= 0 {
		p.addf("REDIS_DIAL_TIMEOUT must be positive (got %s)", c.RedisDialTimeout)
	}
	// stages sit on the request path, anything over a second wedges traffic during an outage
	if c.StoreOpTimeout <= 0 || c.StoreOpTimeout > time.Second {
		p.addf("STORE_OP_TIMEOUT must be in (0, 1s] (got %s)", c.StoreOpTimeout)
	}

	if c.SSMKeyPrefix != "" {
		if !strings.HasPrefix(c.SSMKeyPrefix, "/") {
			p.addf("SSM_KEY_PREFIX must be an absolute parameter path (got %q)", c.SSMKeyPrefix)
		}
		if c.SSMKeyCacheTTL <= 0 {
			p.addf("SSM_KEY_CACHE_TTL must be positive (got %s)", c.SSMKeyCacheTTL)
		}
	}
	if c.QuarantineBucket != "" && c.QuarantinePrefix == "" {
		p.addf("QUARANTINE_PREFIX is required when QUARANTINE_BUCKET is set")
	}

	return errors.Join(p...)
}

// ParsePrefixes parses a comma-separated CIDR list. Bare addresses are
// accepted as single-host prefixes. An empty string yields nil.
func ParsePrefixes(s string) ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, f := range strings.Split(s, ",") {
		f = strings.TrimSpace(f)
		if f == "" {
			continue
		}
		if !strings.Contains(f, "/") {
			a, err := netip.ParseAddr(f)
			if err != nil {
				return nil, err
			}
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(f)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Masked())
	}
	return out, nil
}
