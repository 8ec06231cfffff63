package ratelimit

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/keithlinneman/reqguard/internal/clock"
	"github.com/keithlinneman/reqguard/internal/httpmw"
	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/reject"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
	"github.com/keithlinneman/reqguard/internal/store"
)

// DefaultClass is used when no rule matches.
const DefaultClass = "default"

// Class is a named budget: at most Max requests per Window.
type Class struct {
	Max    int64
	Window time.Duration
}

// Rule maps requests to a class by path prefix and, optionally, method.
type Rule struct {
	Class      string
	PathPrefix string
	Methods    []string
}

// Limiter enforces per-identity fixed-window limits over a store.
type Limiter struct {
	store     store.Store
	classes   map[string]Class
	rules     []Rule
	opTimeout time.Duration
	failOpen  bool
	clock     clock.Clock

	// firstDenied remembers when each identity/class pair was last reported
	// so OnFirstDenied fires once per offender per window rather than on every request
	firstDenied *lru.Cache[string, time.Time]

	// OnFirstDenied is called once per identity/class when it first gets limited
	OnFirstDenied func(identity, class string)

	// OnDenied is called on every denied request, used for incrementing prometheus counter
	OnDenied func(identity, class string)

	// OnStoreError is called when the store could not answer
	OnStoreError func()
}

type Option func(*Limiter)

// WithClasses replaces the class table. It must contain DefaultClass.
func WithClasses(c map[string]Class) Option {
	return func(l *Limiter) {
		l.classes = c
	}
}

// WithRules sets the class assignment rules.
func WithRules(r []Rule) Option {
	return func(l *Limiter) {
		l.rules = r
	}
}

// WithOpTimeout bounds each store round trip
func WithOpTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		l.opTimeout = d
	}
}

// WithFailOpen controls whether requests pass when the store is unreachable
func WithFailOpen(v bool) Option {
	return func(l *Limiter) {
		l.failOpen = v
	}
}

// WithClock sets the time source used to age first-denial records
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// WithOnFirstDenied sets a callback for the first denial per identity and class, used for logging.
// Intentionally separate from OnDenied to allow different handling - we log once, but increment prometheus counters on each denial
func WithOnFirstDenied(fn func(identity, class string)) Option {
	return func(l *Limiter) {
		l.OnFirstDenied = fn
	}
}

// WithOnDenied sets a callback for every denied request. used for incrementing prometheus counters
func WithOnDenied(fn func(identity, class string)) Option {
	return func(l *Limiter) {
		l.OnDenied = fn
	}
}

func WithOnStoreError(fn func()) Option {
	return func(l *Limiter) {
		l.OnStoreError = fn
	}
}

// New creates a Limiter over s
func New(s store.Store, opts ...Option) *Limiter {
	l := &Limiter{
		store: s,
		classes: map[string]Class{
			DefaultClass: {Max: 200, Window: time.Minute},
		},
		opTimeout: 100 * time.Millisecond,
		failOpen:  true,
		clock:     clock.System(),
	}
	for _, o := range opts {
		o(l)
	}
	if l.clock == nil {
		l.clock = clock.System()
	}
	if _, ok := l.classes[DefaultClass]; !ok {
		l.classes[DefaultClass] = Class{Max: 200, Window: time.Minute}
	}
	// size is a positive constant, New cannot fail
	l.firstDenied, _ = lru.New[string, time.Time](10000)

	l.rules = sortRules(l.rules)
	return l
}

// sortRules orders rules so the first match is the most specific: longer
// prefixes first, and on equal prefixes a method-restricted rule first.
func sortRules(in []Rule) []Rule {
	out := make([]Rule, len(in))
	copy(out, in)
	sort.SliceStable(out, func(i, j int) bool {
		if len(out[i].PathPrefix) != len(out[j].PathPrefix) {
			return len(out[i].PathPrefix) > len(out[j].PathPrefix)
		}
		return len(out[i].Methods) > 0 && len(out[j].Methods) == 0
	})
	return out
}

func methodMatches(methods []string, m string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, x := range methods {
		if strings.EqualFold(x, m) {
			return true
		}
	}
	return false
}

// Resolve returns the limit class for a request.
func (l *Limiter) Resolve(method, path string) string {
	for _, r := range l.rules {
		if strings.HasPrefix(path, r.PathPrefix) && methodMatches(r.Methods, method) {
			if _, ok := l.classes[r.Class]; ok {
				return r.Class
			}
		}
	}
	return DefaultClass
}

// Allow counts one request for identity in class. A denial returns the
// class window in seconds as the retry hint.
func (l *Limiter) Allow(ctx context.Context, identity, class string) (bool, int) {
	c, ok := l.classes[class]
	if !ok {
		class, c = DefaultClass, l.classes[DefaultClass]
	}
	return l.allow(ctx, identity, class, store.Key(store.NSRateLimit, identity, class), c)
}

func (l *Limiter) allow(ctx context.Context, identity, class, key string, c Class) (bool, int) {
	opCtx, cancel := context.WithTimeout(ctx, l.opTimeout)
	defer cancel()

	_, allowed, err := l.store.IncrBelow(opCtx, key, c.Max, c.Window)
	if err != nil {
		if l.OnStoreError != nil {
			l.OnStoreError()
		}
		log.FromContext(ctx).Warn(ctx, "rate limit store error",
			"class", class,
			"fail_open", l.failOpen,
			"error", err.Error(),
		)
		if l.failOpen {
			return true, 0
		}
		return false, windowSeconds(c.Window)
	}

	if allowed {
		return true, 0
	}

	dedupe := identity + "|" + class
	now := l.clock.Now()
	if at, seen := l.firstDenied.Get(dedupe); !seen || now.Sub(at) > c.Window {
		l.firstDenied.Add(dedupe, now)
		if l.OnFirstDenied != nil {
			l.OnFirstDenied(identity, class)
		}
	}
	if l.OnDenied != nil {
		l.OnDenied(identity, class)
	}
	return false, windowSeconds(c.Window)
}

func windowSeconds(d time.Duration) int {
	s := int(d / time.Second)
	if s < 1 {
		s = 1
	}
	return s
}

// classFor resolves the effective class and counter key for a request,
// applying any override carried by the negotiated API version.
func (l *Limiter) classFor(ctx context.Context, identity, class string) (string, Class) {
	c, ok := l.classes[class]
	if !ok {
		class, c = DefaultClass, l.classes[DefaultClass]
	}
	key := store.Key(store.NSRateLimit, identity, class)
	if v, ok := reqmeta.VersionFrom(ctx); ok {
		if o, ok := v.LimitOverrides[class]; ok && o.Max > 0 {
			c.Max = o.Max
			if o.Window > 0 {
				c.Window = o.Window
			}
			// separate counter so switching versions cannot inherit a window with a different length
			key = store.Key(store.NSRateLimit, identity, class, "v"+v.ID)
		}
	}
	return key, c
}

// Middleware returns middleware that rejects requests over their class limit with 429
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		// use the httpmw function for resolving client IP, which has extra protections for checking x-forwarded for and public ips
		ip := httpmw.ClientIPFromContext(ctx)
		identity := "ip:" + ip

		class := l.Resolve(r.Method, r.URL.Path)
		key, c := l.classFor(ctx, identity, class)

		ok, retryAfter := l.allow(ctx, identity, class, key, c)
		if !ok {
			reject.Write(ctx, w, &reject.RateLimitError{RetryAfter: retryAfter, Class: class})
			return
		}

		next.ServeHTTP(w, r)
	})
}
