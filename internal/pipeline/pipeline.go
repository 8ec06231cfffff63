// Package pipeline assembles the gateway stages into one handler.
//
// The stage list is fixed and ordered, outermost first:
//
//	recorder, cors, version, ratelimit, body, signature, threat, upload, session
//
// Every stage is built from the single cfg.Policy document and the injected
// store, so tests can run the whole chain against store.Memory and a fake
// clock. Response-phase work (X-Response-Time, deprecation headers, rotated
// session cookies) happens on the way back out in reverse order.
package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/keithlinneman/reqguard/internal/apiversion"
	"github.com/keithlinneman/reqguard/internal/audit"
	"github.com/keithlinneman/reqguard/internal/cfg"
	"github.com/keithlinneman/reqguard/internal/clock"
	"github.com/keithlinneman/reqguard/internal/httpmw"
	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/ratelimit"
	"github.com/keithlinneman/reqguard/internal/reject"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
	"github.com/keithlinneman/reqguard/internal/replay"
	"github.com/keithlinneman/reqguard/internal/session"
	"github.com/keithlinneman/reqguard/internal/signing"
	"github.com/keithlinneman/reqguard/internal/store"
	"github.com/keithlinneman/reqguard/internal/threat"
	"github.com/keithlinneman/reqguard/internal/upload"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

// Name tags a stage in the ordered list.
type Name string

const (
	StageRecorder  Name = "recorder"
	StageCORS      Name = "cors"
	StageVersion   Name = "version"
	StageRateLimit Name = "ratelimit"
	StageBody      Name = "body"
	StageSignature Name = "signature"
	StageThreat    Name = "threat"
	StageUpload    Name = "upload"
	StageSession   Name = "session"
)

// Stage is one tagged middleware in the chain.
type Stage struct {
	Name       Name
	Middleware func(http.Handler) http.Handler
}

// Metrics receives pipeline counters. *metrics.ServerMetrics satisfies it.
type Metrics interface {
	IncRejection(kind, code string)
	IncRateLimitDenied(class string)
	IncRateLimitCapacity(class string)
	IncViolation(typ, severity string)
	IncUploadProblem(reason string)
	IncStoreError(stage string)
	IncSlowRequest()
	IncSnapshotError()
}

// Deps are the collaborators injected into the stages.
type Deps struct {
	// Store is the shared store. Signature, nonce and session state always
	// live here so an outage is visible to those stages.
	Store store.Store
	// Degradable, when set, backs stages whose policy says fail_open
	// (rate limiting). Usually a store.Fallback around Store.
	Degradable store.Store
	// Keys resolves api key secrets. Nil uses the policy's static keys.
	Keys signing.KeyProvider
	// Quarantine receives malware-flagged uploads. Optional.
	Quarantine upload.Quarantine
	Metrics    Metrics
	Clock      clock.Clock
	Logger     log.Logger
	// OpTimeout bounds every store call made by a stage.
	OpTimeout time.Duration
}

// Pipeline is the assembled stage list.
type Pipeline struct {
	stages []Stage

	Recorder   *audit.Recorder
	Negotiator *apiversion.Negotiator
	Limiter    *ratelimit.Limiter
	Signatures *signing.Stage
	Sessions   *session.Guard
}

// New builds every stage from p. p should already have passed
// cfg.ValidatePolicy.
func New(p cfg.Policy, d Deps) (*Pipeline, error) {
	if d.Store == nil {
		return nil, xerrors.New("pipeline: store is required")
	}
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	if d.Logger == nil {
		d.Logger = log.Nop()
	}
	if d.OpTimeout <= 0 {
		d.OpTimeout = 100 * time.Millisecond
	}
	m := d.Metrics
	if m == nil {
		m = nopMetrics{}
	}

	pl := &Pipeline{}

	pl.Recorder = audit.New(audit.Config{
		Store:           d.Store,
		SnapshotTTL:     p.Metrics.SnapshotTTL,
		SlowThreshold:   p.Metrics.SlowThreshold,
		OpTimeout:       d.OpTimeout,
		Clock:           d.Clock,
		OnRejection:     m.IncRejection,
		OnSlow:          m.IncSlowRequest,
		OnSnapshotError: m.IncSnapshotError,
	})

	neg, err := apiversion.New(versionConfig(p.Versions, d.Clock))
	if err != nil {
		return nil, xerrors.Wrap(err, "build version negotiator")
	}
	pl.Negotiator = neg

	limitStore := d.Store
	if p.RateLimit.FailOpen && d.Degradable != nil {
		limitStore = d.Degradable
	}
	pl.Limiter = ratelimit.New(limitStore,
		ratelimit.WithClasses(limitClasses(p.RateLimit.Classes)),
		ratelimit.WithRules(limitRules(p.RateLimit.Rules)),
		ratelimit.WithOpTimeout(d.OpTimeout),
		ratelimit.WithFailOpen(p.RateLimit.FailOpen),
		ratelimit.WithClock(d.Clock),
		ratelimit.WithOnDenied(func(_, class string) { m.IncRateLimitDenied(class) }),
		ratelimit.WithOnFirstDenied(func(identity, class string) {
			m.IncRateLimitCapacity(class)
			d.Logger.Warn(context.Background(), "client reached rate limit", "identity", identity, "class", class)
		}),
		ratelimit.WithOnStoreError(func() { m.IncStoreError(string(StageRateLimit)) }),
	)

	nonces := replay.New(d.Store,
		replay.WithTTL(p.Signature.NonceTTL),
		replay.WithOpTimeout(d.OpTimeout),
		replay.WithFailOpen(p.Signature.NonceFailOpen),
		replay.WithLogger(d.Logger),
		replay.WithOnStoreError(func() { m.IncStoreError("nonce") }),
	)
	keys := d.Keys
	if keys == nil {
		keys = signing.StaticKeys(p.Signature.Keys)
	}
	pl.Signatures, err = signing.NewStage(signing.Config{
		ProtectedPrefixes: p.Signature.ProtectedPrefixes,
		MaxSkew:           p.Signature.MaxSkew,
		Keys:              keys,
		Nonces:            nonces,
		Clock:             d.Clock,
	})
	if err != nil {
		return nil, xerrors.Wrap(err, "build signature stage")
	}

	if p.Session.Enabled {
		pl.Sessions, err = session.New(d.Store, session.Config{
			CookieName:       p.Session.CookieName,
			IdleTimeout:      p.Session.IdleTimeout,
			RotationInterval: p.Session.RotationInterval,
			BindUserAgent:    p.Session.BindUserAgent,
			BindIP:           p.Session.BindIP,
			CookieSecure:     p.Session.CookieSecure,
			FailOpen:         p.Session.FailOpen,
			OpTimeout:        d.OpTimeout,
			Clock:            d.Clock,
		})
		if err != nil {
			return nil, xerrors.Wrap(err, "build session guard")
		}
	}

	pl.stages = []Stage{
		{StageRecorder, pl.Recorder.Middleware},
		{StageCORS, httpmw.CORS(httpmw.CORSOptions{
			AllowedOrigins:   p.CORS.AllowedOrigins,
			AllowedMethods:   p.CORS.AllowedMethods,
			AllowedHeaders:   p.CORS.AllowedHeaders,
			ExposedHeaders:   p.CORS.ExposedHeaders,
			AllowCredentials: p.CORS.AllowCredentials,
			MaxAgeSeconds:    int(p.CORS.MaxAge / time.Second),
		})},
		{StageVersion, pl.Negotiator.Middleware},
		{StageRateLimit, pl.Limiter.Middleware},
		{StageBody, httpmw.CaptureBody(p.MaxBodyBytes)},
		{StageSignature, pl.Signatures.Middleware},
	}
	if p.Threat.Enabled {
		pl.stages = append(pl.stages, Stage{StageThreat, threat.Middleware(threat.Options{
			Scanner:        threat.NewScanner(d.Clock, p.Threat.SuspiciousAgents),
			ExemptPrefixes: p.Threat.ExemptPrefixes,
			OnViolation: func(v threat.Violation) {
				m.IncViolation(v.Type, string(v.Severity))
			},
		})})
	}
	pl.stages = append(pl.stages, Stage{StageUpload, upload.Middleware(upload.Options{
		Guard: upload.NewGuard(upload.Policy{
			MaxFileSize:       p.Upload.MaxFileSize,
			BlockedExtensions: p.Upload.BlockedExtensions,
			AllowedTypes:      p.Upload.AllowedTypes,
			ScanContent:       p.Upload.ScanContent,
		}),
		Quarantine: d.Quarantine,
		OnRejected: func(r reject.UploadReason) { m.IncUploadProblem(string(r)) },
	})})
	if pl.Sessions != nil {
		pl.stages = append(pl.stages, Stage{StageSession, pl.Sessions.Middleware})
	}

	return pl, nil
}

// Stages returns the ordered stage list, outermost first.
func (pl *Pipeline) Stages() []Stage {
	return append([]Stage(nil), pl.stages...)
}

// Handler wraps next with every stage.
func (pl *Pipeline) Handler(next http.Handler) http.Handler {
	mws := make([]func(http.Handler) http.Handler, len(pl.stages))
	for i, s := range pl.stages {
		mws[i] = s.Middleware
	}
	return httpmw.Chain(next, mws...)
}

func versionConfig(v cfg.VersionPolicy, clk clock.Clock) apiversion.Config {
	c := apiversion.Config{
		Current: v.Current,
		Min:     v.Min,
		Max:     v.Max,
		Clock:   clk,
	}
	for _, p := range v.Prefixes {
		c.Prefixes = append(c.Prefixes, apiversion.Prefix{Prefix: p.Prefix, Default: p.Default, Require: p.Require})
	}
	for _, e := range v.Versions {
		entry := apiversion.Entry{
			ID:           e.ID,
			Supported:    e.Supported,
			Deprecated:   e.Deprecated,
			DeprecatedOn: e.Deprecates,
			SunsetOn:     e.Sunset,
			Features:     e.Features,
		}
		if len(e.RateLimits) > 0 {
			entry.RateLimits = make(map[string]reqmeta.LimitOverride, len(e.RateLimits))
			for class, lc := range e.RateLimits {
				entry.RateLimits[class] = reqmeta.LimitOverride{Max: lc.Max, Window: lc.Window}
			}
		}
		c.Versions = append(c.Versions, entry)
	}
	return c
}

func limitClasses(in map[string]cfg.LimitClass) map[string]ratelimit.Class {
	out := make(map[string]ratelimit.Class, len(in))
	for name, c := range in {
		out[name] = ratelimit.Class{Max: c.Max, Window: c.Window}
	}
	return out
}

func limitRules(in []cfg.LimitRule) []ratelimit.Rule {
	out := make([]ratelimit.Rule, 0, len(in))
	for _, r := range in {
		out = append(out, ratelimit.Rule{Class: r.Class, PathPrefix: r.PathPrefix, Methods: r.Methods})
	}
	return out
}

type nopMetrics struct{}

func (nopMetrics) IncRejection(string, string)  {}
func (nopMetrics) IncRateLimitDenied(string)    {}
func (nopMetrics) IncRateLimitCapacity(string)  {}
func (nopMetrics) IncViolation(string, string)  {}
func (nopMetrics) IncUploadProblem(string)      {}
func (nopMetrics) IncStoreError(string)         {}
func (nopMetrics) IncSlowRequest()              {}
func (nopMetrics) IncSnapshotError()            {}
