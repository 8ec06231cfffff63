package cfg

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Policy is the single configuration source for every pipeline stage.
type Policy struct {
	// MaxBodyBytes caps the raw body captured for signing and scanning.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	Signature SignaturePolicy `yaml:"signature"`
	RateLimit RateLimitPolicy `yaml:"rate_limit"`
	Threat    ThreatPolicy    `yaml:"threat"`
	Upload    UploadPolicy    `yaml:"upload"`
	Versions  VersionPolicy   `yaml:"versions"`
	Session   SessionPolicy   `yaml:"session"`
	CORS      CORSPolicy      `yaml:"cors"`
	Metrics   MetricsPolicy   `yaml:"metrics"`
}

type SignaturePolicy struct {
	// ProtectedPrefixes lists path prefixes that require signed requests.
	ProtectedPrefixes []string `yaml:"protected_prefixes"`
	// MaxSkew bounds |now - X-Timestamp|.
	MaxSkew time.Duration `yaml:"max_skew"`
	// NonceTTL is how long a used nonce is remembered. Must cover MaxSkew on
	// both sides or a replay inside the timestamp window could slip through.
	NonceTTL time.Duration `yaml:"nonce_ttl"`
	// Keys maps api key id to shared secret. Prefer ssm for real secrets.
	Keys map[string]string `yaml:"keys"`

	FailOpen      bool `yaml:"fail_open"`
	NonceFailOpen bool `yaml:"nonce_fail_open"`
}

type LimitClass struct {
	Max    int64         `yaml:"max"`
	Window time.Duration `yaml:"window"`
}

// LimitRule assigns requests to a limit class. The longest matching prefix
// wins; on equal prefixes a rule naming the method beats one that does not.
type LimitRule struct {
	Class      string   `yaml:"class"`
	PathPrefix string   `yaml:"path_prefix"`
	Methods    []string `yaml:"methods"`
}

type RateLimitPolicy struct {
	Classes  map[string]LimitClass `yaml:"classes"`
	Rules    []LimitRule           `yaml:"rules"`
	FailOpen bool                  `yaml:"fail_open"`
}

type ThreatPolicy struct {
	Enabled bool `yaml:"enabled"`
	// ExemptPrefixes skips body scanning, e.g. for endpoints carrying code samples.
	ExemptPrefixes []string `yaml:"exempt_prefixes"`
	// SuspiciousAgents are lowercase user-agent substrings logged as warnings.
	SuspiciousAgents []string `yaml:"suspicious_agents"`
}

type UploadPolicy struct {
	MaxFileSize       int64    `yaml:"max_file_size"`
	BlockedExtensions []string `yaml:"blocked_extensions"`
	AllowedTypes      []string `yaml:"allowed_types"`
	ScanContent       bool     `yaml:"scan_content"`
}

type VersionPrefix struct {
	Prefix string `yaml:"prefix"`
	// Default applies when the request names no version. Ignored if Require is set.
	Default string `yaml:"default"`
	Require bool   `yaml:"require"`
}

type VersionEntry struct {
	ID         string                `yaml:"id"`
	Supported  bool                  `yaml:"supported"`
	Deprecated bool                  `yaml:"deprecated"`
	Deprecates time.Time             `yaml:"deprecated_on"`
	Sunset     time.Time             `yaml:"sunset_on"`
	Features   []string              `yaml:"features"`
	RateLimits map[string]LimitClass `yaml:"rate_limits"`
}

type VersionPolicy struct {
	Current  string          `yaml:"current"`
	Min      string          `yaml:"min"`
	Max      string          `yaml:"max"`
	Prefixes []VersionPrefix `yaml:"prefixes"`
	Versions []VersionEntry  `yaml:"versions"`
}

type SessionPolicy struct {
	Enabled          bool          `yaml:"enabled"`
	CookieName       string        `yaml:"cookie_name"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	RotationInterval time.Duration `yaml:"rotation_interval"`
	BindUserAgent    bool          `yaml:"bind_user_agent"`
	BindIP           bool          `yaml:"bind_ip"`
	CookieSecure     bool          `yaml:"cookie_secure"`
	FailOpen         bool          `yaml:"fail_open"`
}

type CORSPolicy struct {
	AllowedOrigins   []string      `yaml:"allowed_origins"`
	AllowedMethods   []string      `yaml:"allowed_methods"`
	AllowedHeaders   []string      `yaml:"allowed_headers"`
	ExposedHeaders   []string      `yaml:"exposed_headers"`
	AllowCredentials bool          `yaml:"allow_credentials"`
	MaxAge           time.Duration `yaml:"max_age"`
}

type MetricsPolicy struct {
	SnapshotTTL   time.Duration `yaml:"snapshot_ttl"`
	SlowThreshold time.Duration `yaml:"slow_threshold"`
}

// DefaultPolicy returns a complete policy suitable for development.
func DefaultPolicy() Policy {
	return Policy{
		MaxBodyBytes: 12 << 20,
		Signature: SignaturePolicy{
			ProtectedPrefixes: []string{"/api/"},
			MaxSkew:           300 * time.Second,
			NonceTTL:          600 * time.Second,
		},
		RateLimit: RateLimitPolicy{
			Classes: map[string]LimitClass{
				"auth":             {Max: 5, Window: time.Minute},
				"chart_generation": {Max: 10, Window: time.Minute},
				"file_upload":      {Max: 20, Window: time.Hour},
				"api":              {Max: 100, Window: time.Minute},
				"default":          {Max: 200, Window: time.Minute},
			},
			Rules: []LimitRule{
				{Class: "auth", PathPrefix: "/auth/login", Methods: []string{"POST"}},
				{Class: "auth", PathPrefix: "/auth/register", Methods: []string{"POST"}},
				{Class: "auth", PathPrefix: "/auth/password", Methods: []string{"POST"}},
				{Class: "chart_generation", PathPrefix: "/api/charts", Methods: []string{"POST"}},
				{Class: "file_upload", PathPrefix: "/api/uploads", Methods: []string{"POST", "PUT"}},
				{Class: "api", PathPrefix: "/api/"},
			},
			FailOpen: true,
		},
		Threat: ThreatPolicy{
			Enabled: true,
			SuspiciousAgents: []string{
				"sqlmap", "nikto", "nmap", "masscan", "acunetix", "dirbuster", "wpscan", "havij",
			},
		},
		Upload: UploadPolicy{
			MaxFileSize: 10 << 20,
			BlockedExtensions: []string{
				".exe", ".bat", ".cmd", ".com", ".pif", ".scr", ".vbs", ".js",
				".jar", ".sh", ".php", ".py", ".pl", ".cgi",
			},
			AllowedTypes: []string{
				"image/jpeg", "image/png", "image/gif", "application/pdf", "text/plain", "text/csv",
			},
			ScanContent: true,
		},
		Versions: VersionPolicy{
			Current: "2.0",
			Min:     "1.0",
			Max:     "2.0",
			Prefixes: []VersionPrefix{
				{Prefix: "/api/", Default: "2.0"},
			},
			Versions: []VersionEntry{
				{ID: "1.0", Supported: true, Features: []string{"basic_charts"}},
				{ID: "2.0", Supported: true, Features: []string{"basic_charts", "advanced_charts", "bulk_export"}},
			},
		},
		Session: SessionPolicy{
			Enabled:          true,
			CookieName:       "sessionid",
			IdleTimeout:      30 * time.Minute,
			RotationInterval: 15 * time.Minute,
			BindUserAgent:    true,
			BindIP:           true,
			CookieSecure:     true,
			FailOpen:         true,
		},
		CORS: CORSPolicy{
			AllowedMethods: []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{
				"Content-Type", "Authorization", "X-Requested-With",
				"X-Signature", "X-Timestamp", "X-Nonce", "X-Api-Key", "X-API-Version",
			},
			ExposedHeaders: []string{
				"X-Request-Id", "X-Response-Time", "X-API-Version", "X-API-Deprecated", "Retry-After",
			},
			MaxAge: 24 * time.Hour,
		},
		Metrics: MetricsPolicy{
			SnapshotTTL:   time.Hour,
			SlowThreshold: time.Second,
		},
	}
}

// LoadPolicy reads a YAML policy file on top of DefaultPolicy. Unknown keys
// are rejected. An empty path returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	if path == "" {
		return p, ValidatePolicy(p)
	}

	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return Policy{}, fmt.Errorf("unsupported policy format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- policy path is provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	if err := decodePolicy(data, &p); err != nil {
		return Policy{}, err
	}
	if err := ValidatePolicy(p); err != nil {
		return Policy{}, fmt.Errorf("invalid policy %s: %w", path, err)
	}
	return p, nil
}

func decodePolicy(data []byte, p *Policy) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict policy parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("policy file contains multiple documents or trailing content")
	}
	return nil
}

var versionIDRe = regexp.MustCompile(`^\d+\.\d+$`)

// ValidatePolicy checks cross-field consistency and refuses fail-open
// configuration for the signature and nonce stages.
func ValidatePolicy(p Policy) error {
	var errs []error

	if p.MaxBodyBytes <= 0 {
		errs = append(errs, fmt.Errorf("max_body_bytes must be positive (got %d)", p.MaxBodyBytes))
	}

	// signature + nonce are security critical, an outage must never disable them
	if p.Signature.FailOpen {
		errs = append(errs, fmt.Errorf("signature.fail_open cannot be enabled"))
	}
	if p.Signature.NonceFailOpen {
		errs = append(errs, fmt.Errorf("signature.nonce_fail_open cannot be enabled"))
	}
	if p.Signature.MaxSkew <= 0 {
		errs = append(errs, fmt.Errorf("signature.max_skew must be positive"))
	}
	if p.Signature.NonceTTL < 2*p.Signature.MaxSkew {
		errs = append(errs, fmt.Errorf("signature.nonce_ttl (%s) must be at least twice max_skew (%s)", p.Signature.NonceTTL, p.Signature.MaxSkew))
	}
	for _, pre := range p.Signature.ProtectedPrefixes {
		if !strings.HasPrefix(pre, "/") {
			errs = append(errs, fmt.Errorf("signature.protected_prefixes entry %q must start with /", pre))
		}
	}
	for id, secret := range p.Signature.Keys {
		if len(secret) < 16 {
			errs = append(errs, fmt.Errorf("signature.keys[%s] secret must be at least 16 bytes", id))
		}
	}

	if _, ok := p.RateLimit.Classes["default"]; !ok {
		errs = append(errs, fmt.Errorf("rate_limit.classes must define \"default\""))
	}
	for name, c := range p.RateLimit.Classes {
		if c.Max <= 0 || c.Window < time.Second {
			errs = append(errs, fmt.Errorf("rate_limit.classes[%s] needs max > 0 and window >= 1s", name))
		}
	}
	for i, r := range p.RateLimit.Rules {
		if _, ok := p.RateLimit.Classes[r.Class]; !ok {
			errs = append(errs, fmt.Errorf("rate_limit.rules[%d] references unknown class %q", i, r.Class))
		}
		if !strings.HasPrefix(r.PathPrefix, "/") {
			errs = append(errs, fmt.Errorf("rate_limit.rules[%d] path_prefix %q must start with /", i, r.PathPrefix))
		}
	}

	if p.Upload.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("upload.max_file_size must be positive"))
	}
	if p.Upload.MaxFileSize > p.MaxBodyBytes {
		errs = append(errs, fmt.Errorf("upload.max_file_size (%d) exceeds max_body_bytes (%d)", p.Upload.MaxFileSize, p.MaxBodyBytes))
	}

	errs = append(errs, validateVersions(p.Versions, p.RateLimit.Classes)...)

	if p.Session.Enabled {
		if p.Session.CookieName == "" {
			errs = append(errs, fmt.Errorf("session.cookie_name is required"))
		}
		if p.Session.IdleTimeout <= 0 || p.Session.RotationInterval <= 0 {
			errs = append(errs, fmt.Errorf("session.idle_timeout and session.rotation_interval must be positive"))
		} else if p.Session.RotationInterval > p.Session.IdleTimeout {
			errs = append(errs, fmt.Errorf("session.rotation_interval (%s) must not exceed session.idle_timeout (%s)",
				p.Session.RotationInterval, p.Session.IdleTimeout))
		}
	}

	for _, o := range p.CORS.AllowedOrigins {
		if o == "*" && p.CORS.AllowCredentials {
			errs = append(errs, fmt.Errorf("cors.allowed_origins cannot contain * when allow_credentials is true"))
		}
	}

	if p.Metrics.SnapshotTTL <= 0 {
		errs = append(errs, fmt.Errorf("metrics.snapshot_ttl must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func validateVersions(v VersionPolicy, classes map[string]LimitClass) []error {
	var errs []error
	for _, id := range []string{v.Current, v.Min, v.Max} {
		if !versionIDRe.MatchString(id) {
			errs = append(errs, fmt.Errorf("versions current/min/max must be MAJOR.MINOR (got %q)", id))
		}
	}
	known := make(map[string]bool, len(v.Versions))
	for _, e := range v.Versions {
		if !versionIDRe.MatchString(e.ID) {
			errs = append(errs, fmt.Errorf("versions entry id %q must be MAJOR.MINOR", e.ID))
		}
		if known[e.ID] {
			errs = append(errs, fmt.Errorf("versions entry %q is duplicated", e.ID))
		}
		known[e.ID] = true
		if !e.Sunset.IsZero() && !e.Deprecates.IsZero() && e.Sunset.Before(e.Deprecates) {
			errs = append(errs, fmt.Errorf("versions entry %q sunsets before it is deprecated", e.ID))
		}
		for class := range e.RateLimits {
			if _, ok := classes[class]; !ok {
				errs = append(errs, fmt.Errorf("versions entry %q overrides unknown rate limit class %q", e.ID, class))
			}
		}
	}
	if !known[v.Current] {
		errs = append(errs, fmt.Errorf("versions.current %q is not in the version table", v.Current))
	}
	for _, pre := range v.Prefixes {
		if !strings.HasPrefix(pre.Prefix, "/") {
			errs = append(errs, fmt.Errorf("versions.prefixes entry %q must start with /", pre.Prefix))
		}
		if !pre.Require && pre.Default != "" && !known[pre.Default] {
			errs = append(errs, fmt.Errorf("versions.prefixes[%s] default %q is not in the version table", pre.Prefix, pre.Default))
		}
	}
	return errs
}
