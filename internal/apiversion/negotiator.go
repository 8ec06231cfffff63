// Package apiversion resolves the API version a request targets and enforces
// the supported range and the deprecation and sunset schedule.
package apiversion

import (
	"math"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/keithlinneman/reqguard/internal/clock"
	"github.com/keithlinneman/reqguard/internal/reject"
	"github.com/keithlinneman/reqguard/internal/reqmeta"
	"github.com/keithlinneman/reqguard/internal/xerrors"
)

const (
	HeaderVersion         = "X-API-Version"
	HeaderCurrent         = "X-API-Current-Version"
	HeaderMin             = "X-API-Min-Version"
	HeaderMax             = "X-API-Max-Version"
	HeaderFeatures        = "X-API-Features"
	HeaderDeprecated      = "X-API-Deprecated"
	HeaderDeprecatedDate  = "X-API-Deprecated-Date"
	HeaderSunsetDate      = "X-API-Sunset-Date"
	HeaderDaysUntilSunset = "X-API-Days-Until-Sunset"
)

// Entry is one row of the version table.
type Entry struct {
	ID           string
	Supported    bool
	Deprecated   bool
	DeprecatedOn time.Time
	SunsetOn     time.Time
	Features     []string
	// RateLimits overrides limit classes by name while this version is in use.
	RateLimits map[string]reqmeta.LimitOverride
}

// Prefix marks a path prefix as versioned.
type Prefix struct {
	Prefix string
	// Default is used when the request names no version. Empty means Current.
	Default string
	// Require rejects requests that name no version.
	Require bool
}

type Config struct {
	Current  string
	Min      string
	Max      string
	Prefixes []Prefix
	Versions []Entry
	Clock    clock.Clock
}

// Status is the terminal state of a negotiation.
type Status string

const (
	StatusUnversioned  Status = "unversioned"
	StatusOK           Status = "ok"
	StatusDeprecated   Status = "deprecated"
	StatusMissing      Status = "missing"
	StatusInvalid      Status = "invalid"
	StatusIncompatible Status = "incompatible"
	StatusSunset       Status = "sunset"
)

// Decision is the result of Resolve.
type Decision struct {
	Status Status
	// Requested is the raw token, or the applied default.
	Requested string
	// Entry is set for OK, Deprecated and Sunset.
	Entry *Entry
}

// Proceed reports whether the request may continue.
func (d Decision) Proceed() bool {
	switch d.Status {
	case StatusUnversioned, StatusOK, StatusDeprecated:
		return true
	}
	return false
}

type semver struct{ major, minor int }

func (v semver) String() string { return strconv.Itoa(v.major) + "." + strconv.Itoa(v.minor) }

func (v semver) less(o semver) bool {
	if v.major != o.major {
		return v.major < o.major
	}
	return v.minor < o.minor
}

var (
	tokenRe   = regexp.MustCompile(`^v?(\d{1,4})\.(\d{1,4})$|^v(\d{1,4})$`)
	segmentRe = regexp.MustCompile(`^v\d{1,4}(\.\d{1,4})?$`)
)

// Parse normalizes a version token ("v2", "2.1", "v2.1") to MAJOR.MINOR.
func Parse(tok string) (string, bool) {
	v, ok := parse(tok)
	if !ok {
		return "", false
	}
	return v.String(), true
}

func parse(tok string) (semver, bool) {
	m := tokenRe.FindStringSubmatch(strings.TrimSpace(tok))
	if m == nil {
		return semver{}, false
	}
	if m[3] != "" {
		major, _ := strconv.Atoi(m[3])
		return semver{major: major}, true
	}
	major, _ := strconv.Atoi(m[1])
	minor, _ := strconv.Atoi(m[2])
	return semver{major: major, minor: minor}, true
}

// Negotiator resolves versions against a fixed table.
type Negotiator struct {
	current, min, max semver
	prefixes          []Prefix
	entries           map[string]*Entry
	supported         []string
	clock             clock.Clock
}

func New(cfg Config) (*Negotiator, error) {
	n := &Negotiator{entries: make(map[string]*Entry, len(cfg.Versions)), clock: cfg.Clock}
	if n.clock == nil {
		n.clock = clock.System()
	}
	var ok bool
	if n.current, ok = parse(cfg.Current); !ok {
		return nil, xerrors.Newf("apiversion: invalid current version %q", cfg.Current)
	}
	if n.min, ok = parse(cfg.Min); !ok {
		return nil, xerrors.Newf("apiversion: invalid min version %q", cfg.Min)
	}
	if n.max, ok = parse(cfg.Max); !ok {
		return nil, xerrors.Newf("apiversion: invalid max version %q", cfg.Max)
	}
	for i := range cfg.Versions {
		e := cfg.Versions[i]
		id, ok := Parse(e.ID)
		if !ok {
			return nil, xerrors.Newf("apiversion: invalid version id %q", e.ID)
		}
		e.ID = id
		n.entries[id] = &e
		if e.Supported {
			n.supported = append(n.supported, id)
		}
	}
	sort.Slice(n.supported, func(i, j int) bool {
		a, _ := parse(n.supported[i])
		b, _ := parse(n.supported[j])
		return a.less(b)
	})

	n.prefixes = append([]Prefix(nil), cfg.Prefixes...)
	sort.SliceStable(n.prefixes, func(i, j int) bool { return len(n.prefixes[i].Prefix) > len(n.prefixes[j].Prefix) })
	return n, nil
}

// Supported lists the supported version ids in ascending order.
func (n *Negotiator) Supported() []string { return append([]string(nil), n.supported...) }

func (n *Negotiator) prefixFor(path string) (Prefix, bool) {
	for _, p := range n.prefixes {
		if strings.HasPrefix(path, p.Prefix) {
			return p, true
		}
	}
	return Prefix{}, false
}

// requestedVersion returns the header token, else the first path segment
// that looks like a version ("/api/v2/items").
func requestedVersion(r *http.Request) string {
	if h := strings.TrimSpace(r.Header.Get(HeaderVersion)); h != "" {
		return h
	}
	for _, seg := range strings.Split(r.URL.Path, "/") {
		if segmentRe.MatchString(seg) {
			return seg
		}
	}
	return ""
}

// Resolve runs the negotiation for r.
func (n *Negotiator) Resolve(r *http.Request) Decision {
	pre, ok := n.prefixFor(r.URL.Path)
	if !ok {
		return Decision{Status: StatusUnversioned}
	}

	tok := requestedVersion(r)
	if tok == "" {
		if pre.Require {
			return Decision{Status: StatusMissing}
		}
		tok = pre.Default
		if tok == "" {
			tok = n.current.String()
		}
	}

	v, ok := parse(tok)
	if !ok {
		return Decision{Status: StatusInvalid, Requested: tok}
	}
	id := v.String()
	if v.less(n.min) || n.max.less(v) {
		return Decision{Status: StatusIncompatible, Requested: id}
	}
	e, ok := n.entries[id]
	if !ok || !e.Supported {
		return Decision{Status: StatusIncompatible, Requested: id}
	}

	now := n.clock.Now()
	if !e.SunsetOn.IsZero() && !now.Before(e.SunsetOn) {
		return Decision{Status: StatusSunset, Requested: id, Entry: e}
	}
	if e.Deprecated || (!e.DeprecatedOn.IsZero() && !now.Before(e.DeprecatedOn)) {
		return Decision{Status: StatusDeprecated, Requested: id, Entry: e}
	}
	return Decision{Status: StatusOK, Requested: id, Entry: e}
}

// Middleware negotiates the version on versioned paths, rejects unusable
// versions and attaches the resolved version for later stages.
func (n *Negotiator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := n.Resolve(r)
		if d.Status == StatusUnversioned {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()

		h := w.Header()
		h.Set(HeaderCurrent, n.current.String())
		h.Set(HeaderMin, n.min.String())
		h.Set(HeaderMax, n.max.String())

		if !d.Proceed() {
			reject.Write(ctx, w, n.rejection(d))
			return
		}

		e := d.Entry
		h.Set(HeaderVersion, e.ID)
		if len(e.Features) > 0 {
			h.Set(HeaderFeatures, strings.Join(e.Features, ","))
		}
		if d.Status == StatusDeprecated {
			n.setDeprecationHeaders(h, e)
		}

		next.ServeHTTP(w, r.WithContext(reqmeta.WithVersion(ctx, reqmeta.Version{
			ID:             e.ID,
			Deprecated:     d.Status == StatusDeprecated,
			Features:       e.Features,
			LimitOverrides: e.RateLimits,
		})))
	})
}

func (n *Negotiator) rejection(d Decision) error {
	reason := reject.VersionIncompatible
	switch d.Status {
	case StatusMissing:
		reason = reject.VersionMissing
	case StatusInvalid:
		reason = reject.VersionInvalid
	case StatusSunset:
		reason = reject.VersionSunset
	}
	return &reject.VersionError{Reason: reason, Requested: d.Requested, Supported: n.Supported()}
}

func (n *Negotiator) setDeprecationHeaders(h http.Header, e *Entry) {
	h.Set(HeaderDeprecated, "true")
	if !e.DeprecatedOn.IsZero() {
		h.Set(HeaderDeprecatedDate, e.DeprecatedOn.UTC().Format(time.DateOnly))
	}
	if e.SunsetOn.IsZero() {
		return
	}
	h.Set(HeaderSunsetDate, e.SunsetOn.UTC().Format(time.DateOnly))
	h.Set("Sunset", e.SunsetOn.UTC().Format(http.TimeFormat))
	days := int(math.Ceil(e.SunsetOn.Sub(n.clock.Now()).Hours() / 24))
	h.Set(HeaderDaysUntilSunset, strconv.Itoa(days))
}
