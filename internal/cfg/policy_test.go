package cfg

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func writePolicy(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write policy: %v", err)
	}
	return p
}

func TestDefaultPolicy_IsValid(t *testing.T) {
	if err := ValidatePolicy(DefaultPolicy()); err != nil {
		t.Fatalf("DefaultPolicy invalid: %v", err)
	}
}

func TestLoadPolicy_EmptyPathReturnsDefaults(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if diff := cmp.Diff(DefaultPolicy(), p); diff != "" {
		t.Fatalf("policy differs from defaults (-want +got):\n%s", diff)
	}
}

func TestLoadPolicy_OverlaysDefaults(t *testing.T) {
	path := writePolicy(t, "policy.yaml", `
signature:
  protected_prefixes: ["/api/", "/partner/"]
  max_skew: 2m
  nonce_ttl: 5m
  keys:
    mobile: "0123456789abcdef0123"
rate_limit:
  classes:
    api: {max: 50, window: 30s}
versions:
  versions:
    - id: "1.0"
      supported: true
      deprecated: true
      deprecated_on: 2025-01-01
      sunset_on: 2027-01-01
    - id: "2.0"
      supported: true
      features: [bulk_export]
      rate_limits:
        api: {max: 500, window: 1m}
`)
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}

	if diff := cmp.Diff([]string{"/api/", "/partner/"}, p.Signature.ProtectedPrefixes); diff != "" {
		t.Errorf("protected prefixes (-want +got):\n%s", diff)
	}
	if p.Signature.MaxSkew != 2*time.Minute {
		t.Errorf("MaxSkew = %s, want 2m", p.Signature.MaxSkew)
	}
	if got := p.RateLimit.Classes["api"]; got != (LimitClass{Max: 50, Window: 30 * time.Second}) {
		t.Errorf("api class = %+v", got)
	}
	// untouched classes keep their defaults
	if got := p.RateLimit.Classes["auth"]; got.Max != 5 {
		t.Errorf("auth class = %+v, want default max 5", got)
	}
	v1 := p.Versions.Versions[0]
	if !v1.Deprecated || v1.Sunset.Year() != 2027 {
		t.Errorf("v1 = %+v", v1)
	}
	if got := p.Versions.Versions[1].RateLimits["api"].Max; got != 500 {
		t.Errorf("v2 api override max = %d, want 500", got)
	}
}

func TestLoadPolicy_RejectsUnknownKeys(t *testing.T) {
	path := writePolicy(t, "policy.yaml", "signature:\n  protectd_prefixes: [\"/api/\"]\n")
	_, err := LoadPolicy(path)
	wantErrContains(t, err, "strict policy parse error")
}

func TestLoadPolicy_RejectsMultipleDocuments(t *testing.T) {
	path := writePolicy(t, "policy.yaml", "max_body_bytes: 1048576\n---\nmax_body_bytes: 2\n")
	_, err := LoadPolicy(path)
	wantErrContains(t, err, "multiple documents")
}

func TestLoadPolicy_RejectsNonYAML(t *testing.T) {
	path := writePolicy(t, "policy.json", "{}")
	_, err := LoadPolicy(path)
	wantErrContains(t, err, "only YAML supported")
}

func TestLoadPolicy_MissingFile(t *testing.T) {
	_, err := LoadPolicy(filepath.Join(t.TempDir(), "nope.yaml"))
	wantErrContains(t, err, "read policy file")
}

func TestValidatePolicy_SignatureCannotFailOpen(t *testing.T) {
	p := DefaultPolicy()
	p.Signature.FailOpen = true
	p.Signature.NonceFailOpen = true
	err := ValidatePolicy(p)
	wantErrContains(t, err, "signature.fail_open cannot be enabled")
	wantErrContains(t, err, "signature.nonce_fail_open cannot be enabled")
}

func TestValidatePolicy_FailOpenFileIsRefused(t *testing.T) {
	path := writePolicy(t, "policy.yaml", "signature:\n  fail_open: true\n")
	_, err := LoadPolicy(path)
	wantErrContains(t, err, "signature.fail_open")
}

func TestValidatePolicy_Combined(t *testing.T) {
	p := DefaultPolicy()
	p.MaxBodyBytes = 0
	p.Signature.NonceTTL = time.Minute
	p.Signature.Keys = map[string]string{"short": "abc"}
	delete(p.RateLimit.Classes, "default")
	p.RateLimit.Rules = append(p.RateLimit.Rules, LimitRule{Class: "ghost", PathPrefix: "x"})
	p.Versions.Current = "v3"
	p.Versions.Versions = append(p.Versions.Versions, VersionEntry{ID: "1.0"})
	p.CORS.AllowedOrigins = []string{"*"}
	p.CORS.AllowCredentials = true

	err := ValidatePolicy(p)
	wantErrContains(t, err, "max_body_bytes must be positive")
	wantErrContains(t, err, "nonce_ttl")
	wantErrContains(t, err, "signature.keys[short]")
	wantErrContains(t, err, `must define "default"`)
	wantErrContains(t, err, `unknown class "ghost"`)
	wantErrContains(t, err, "path_prefix \"x\" must start with /")
	wantErrContains(t, err, "must be MAJOR.MINOR")
	wantErrContains(t, err, `versions entry "1.0" is duplicated`)
	wantErrContains(t, err, "cors.allowed_origins cannot contain *")
}

func TestValidatePolicy_SunsetBeforeDeprecation(t *testing.T) {
	p := DefaultPolicy()
	p.Versions.Versions[0].Deprecated = true
	p.Versions.Versions[0].Deprecates = time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	p.Versions.Versions[0].Sunset = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	wantErrContains(t, ValidatePolicy(p), "sunsets before it is deprecated")
}

func TestValidatePolicy_RotationWithinIdleTimeout(t *testing.T) {
	p := DefaultPolicy()
	p.Session.RotationInterval = time.Hour
	wantErrContains(t, ValidatePolicy(p), "session.rotation_interval (1h0m0s) must not exceed")

	p.Session.Enabled = false
	if err := ValidatePolicy(p); err != nil {
		t.Fatalf("disabled session still validated: %v", err)
	}
}
