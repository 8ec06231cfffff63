package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/reqguard/internal/version"
)

const namespace = "reqguard"

// ServerMetrics owns a private registry so tests and multiple instances in
// one process never collide on the default registerer. Labels are bounded:
// route is a chi pattern or "unmatched", never a raw path, and nothing keyed
// by client, key id or session is ever a label.
type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	// transport
	inflight    prometheus.Gauge
	reqTotal    *prometheus.CounterVec
	reqDur      *prometheus.HistogramVec
	respBytes   *prometheus.HistogramVec
	errorsTotal *prometheus.CounterVec
	panicsTotal prometheus.Counter

	// process
	buildInfo       *prometheus.GaugeVec
	profilingActive prometheus.Gauge

	// gateway stages
	rejections     *prometheus.CounterVec
	rateLimited    *prometheus.CounterVec
	rateLimitHit   *prometheus.CounterVec
	violations     *prometheus.CounterVec
	uploadProblems *prometheus.CounterVec
	storeErrors    *prometheus.CounterVec
	storeDegraded  *prometheus.CounterVec
	slowRequests   prometheus.Counter
	snapshotErrors prometheus.Counter
}

func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	httpOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: "http", Name: name, Help: help}
	}
	gwOpts := func(name, help string) prometheus.CounterOpts {
		return prometheus.CounterOpts{Namespace: namespace, Subsystem: "gateway", Name: name, Help: help}
	}

	m := &ServerMetrics{
		reg: reg,
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "http", Name: "inflight_requests",
			Help: "Requests currently being served.",
		}),
		reqTotal: f.NewCounterVec(httpOpts("requests_total",
			"Requests by method, route pattern and status."), []string{"method", "route", "status"}),
		reqDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "End to end latency including every gateway stage.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "response_size_bytes",
			Help:    "Response body size by method and route.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"method", "route"}),
		errorsTotal: f.NewCounterVec(httpOpts("errors_total",
			"5xx responses by method and route."), []string{"method", "route"}),
		panicsTotal: f.NewCounter(httpOpts("panics_total",
			"Handler panics recovered on either listener.")),

		buildInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "build_info",
			Help: "Build metadata, always 1.",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		profilingActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "profiling_active",
			Help: "1 while continuous profiling is pushing, 0 otherwise.",
		}),

		rejections: f.NewCounterVec(gwOpts("rejections_total",
			"Requests refused by a stage, by rejection kind and reason."), []string{"kind", "code"}),
		rateLimited: f.NewCounterVec(gwOpts("rate_limited_total",
			"Requests denied by the rate limiter, by limit class."), []string{"class"}),
		rateLimitHit: f.NewCounterVec(gwOpts("rate_limit_reached_total",
			"Windows in which a client first reached its limit, by limit class."), []string{"class"}),
		violations: f.NewCounterVec(gwOpts("threat_violations_total",
			"Threat scanner findings by type and severity."), []string{"type", "severity"}),
		uploadProblems: f.NewCounterVec(gwOpts("upload_problems_total",
			"Rejected upload findings by reason."), []string{"reason"}),
		storeErrors: f.NewCounterVec(gwOpts("store_errors_total",
			"Shared store failures seen by a stage."), []string{"stage"}),
		storeDegraded: f.NewCounterVec(gwOpts("store_degraded_total",
			"Store operations served by the in-process fallback, by operation."), []string{"op"}),
		slowRequests: f.NewCounter(gwOpts("slow_requests_total",
			"Requests slower than the audit slow threshold.")),
		snapshotErrors: f.NewCounter(gwOpts("snapshot_errors_total",
			"Failed updates of the shared request snapshot.")),
	}
	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{EnableOpenMetrics: true})
	return m
}

func (m *ServerMetrics) Handler() http.Handler { return m.handler }

func (m *ServerMetrics) IncHttpPanic() { m.panicsTotal.Inc() }

// SetBuildInfoFromVersion is called once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	v := 0.0
	if active {
		v = 1
	}
	m.profilingActive.Set(v)
}

func (m *ServerMetrics) IncRejection(kind, code string) {
	m.rejections.WithLabelValues(kind, code).Inc()
}

func (m *ServerMetrics) IncRateLimitDenied(class string) {
	m.rateLimited.WithLabelValues(class).Inc()
}

// IncRateLimitCapacity counts the first denial of a client within a window.
func (m *ServerMetrics) IncRateLimitCapacity(class string) {
	m.rateLimitHit.WithLabelValues(class).Inc()
}

func (m *ServerMetrics) IncViolation(typ, severity string) {
	m.violations.WithLabelValues(typ, severity).Inc()
}

func (m *ServerMetrics) IncUploadProblem(reason string) {
	m.uploadProblems.WithLabelValues(reason).Inc()
}

func (m *ServerMetrics) IncStoreError(stage string) {
	m.storeErrors.WithLabelValues(stage).Inc()
}

func (m *ServerMetrics) IncStoreDegraded(op string) {
	m.storeDegraded.WithLabelValues(op).Inc()
}

func (m *ServerMetrics) IncSlowRequest() { m.slowRequests.Inc() }

func (m *ServerMetrics) IncSnapshotError() { m.snapshotErrors.Inc() }
