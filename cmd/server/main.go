package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/keithlinneman/reqguard/internal/cfg"
	"github.com/keithlinneman/reqguard/internal/health"
	"github.com/keithlinneman/reqguard/internal/httpmw"
	"github.com/keithlinneman/reqguard/internal/httpserver"
	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/metrics"
	"github.com/keithlinneman/reqguard/internal/opshttp"
	"github.com/keithlinneman/reqguard/internal/otelx"
	"github.com/keithlinneman/reqguard/internal/pipeline"
	"github.com/keithlinneman/reqguard/internal/prof"
	v "github.com/keithlinneman/reqguard/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	vi := v.Get()

	var (
		conf        cfg.App
		showVersion bool
		sign        signFlags
	)
	cfg.Register(flag.CommandLine, &conf)
	flag.BoolVar(&showVersion, "V", false, "Print version+build information and exit")
	sign.register(flag.CommandLine)
	flag.Parse()

	switch {
	case showVersion:
		fmt.Println(vi)
		return
	case sign.enabled:
		if err := sign.run(os.Stdout, time.Now(), uuid.NewString()); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	cfg.FillFromEnv(flag.CommandLine, "REQGUARD_", func(format string, args ...any) {
		fmt.Fprintf(os.Stderr, format+"\n", args...)
	})

	if err := run(ctx, stop, conf, vi); err != nil {
		fmt.Fprintln(os.Stderr, v.AppName+":", err)
		os.Exit(1)
	}
}

// run serves until ctx is cancelled, then drains and shuts down. stop
// releases the signal handler so a second signal can cut the drain short.
func run(ctx context.Context, stop context.CancelFunc, conf cfg.App, vi v.Info) error {
	if err := cfg.Validate(conf); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	policy, err := loadPolicy(conf.PolicyFile)
	if err != nil {
		return fmt.Errorf("policy: %w", err)
	}

	lg, err := newLogger(conf, vi)
	if err != nil {
		return err
	}
	defer lg.Sync()
	L := lg.With("component", "server")
	ctx = log.WithContext(ctx, L)
	logStartup(ctx, L, conf, vi)

	m := metrics.New()
	m.SetBuildInfoFromVersion(v.AppName, "server", vi)

	stopProf, err := prof.Start(ctx, prof.Options{
		Enabled:       conf.EnablePyroscope,
		AppName:       v.AppName,
		ServerAddress: conf.PyroServer,
		TenantID:      conf.PyroTenantID,
		Tags: map[string]string{
			"component": "server",
			"version":   vi.Version,
			"commit":    vi.Commit,
			"build_id":  vi.BuildId,
		},
		OnActive: m.SetProfilingActive,
	})
	if err != nil {
		// profiling is best effort
		L.Error(ctx, err, "profiler start failed", "pyro_server", conf.PyroServer)
	}
	defer stopProf()

	// collector is on localhost, so no TLS
	shutdownOTEL, err := otelx.Init(ctx, otelx.Options{
		Enabled:   conf.EnableTracing,
		Endpoint:  conf.OTLPEndpoint,
		Insecure:  true,
		Sample:    conf.TraceSample,
		Service:   v.AppName,
		Component: "server",
		Version:   vi.Version,
	})
	if err != nil {
		L.Error(ctx, err, "otel init failed")
	}
	defer func() { _ = shutdownOTEL(context.Background()) }()

	st, err := openStore(ctx, conf, L, m.IncStoreDegraded)
	if err != nil {
		return err
	}
	defer func() { _ = st.close() }()

	ext, err := loadExternal(ctx, conf, policy, L)
	if err != nil {
		return err
	}

	pl, err := pipeline.New(policy, pipeline.Deps{
		Store:      st.primary,
		Degradable: st.degradable,
		Keys:       ext.keys,
		Quarantine: ext.quarantine,
		Metrics:    m,
		Logger:     L,
		OpTimeout:  conf.StoreOpTimeout,
	})
	if err != nil {
		return fmt.Errorf("build gateway pipeline: %w", err)
	}
	stageNames := make([]string, 0, len(pl.Stages()))
	for _, s := range pl.Stages() {
		stageNames = append(stageNames, string(s.Name))
	}
	L.Info(ctx, "gateway pipeline ready", "stages", stageNames)

	app, err := newUpstream(conf.UpstreamURL, L)
	if err != nil {
		return err
	}

	var gate health.ShutdownGate
	readiness := health.All(gate.Probe(), health.StoreProbe(st.primary, 0))

	// validated by cfg.Validate
	trustedProxies, _ := cfg.ParsePrefixes(conf.TrustedProxies)

	stopGateway, err := httpserver.Start(ctx, &httpserver.Options{
		Port:         conf.HTTPPort,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
		MetricsMW:    m.Middleware,
		Logger:       L,
		ClientIPOpts: httpmw.ClientIPOptions{TrustedHops: conf.TrustedHops, TrustedProxies: trustedProxies},
		MaxBodyBytes: policy.MaxBodyBytes,
		Gateway:      pl.Handler,
		Routes:       func(r chi.Router) { r.Handle("/*", app) },
	})
	if err != nil {
		return fmt.Errorf("gateway listener: %w", err)
	}
	defer func() { _ = stopGateway(context.Background()) }()

	// the admin listener also refuses public peers in middleware, in case
	// the network policy in front of it is ever wrong
	stopAdmin, err := opshttp.Start(ctx, L, &opshttp.Options{
		Port:         conf.AdminPort,
		Metrics:      m.Handler(),
		EnablePprof:  conf.EnablePprof,
		Health:       health.Fixed(true, ""),
		Readiness:    readiness,
		Snapshot:     pl.Recorder,
		UseRecoverMW: true,
		OnPanic:      m.IncHttpPanic,
	})
	if err != nil {
		return fmt.Errorf("admin listener: %w", err)
	}
	defer func() { _ = stopAdmin(context.Background()) }()

	if err := notifySystemd(); err != nil {
		L.Debug(ctx, "systemd readiness not sent", "error", err)
	}

	<-ctx.Done()
	stop()
	bg := context.Background()
	L.Info(bg, "shutdown signal received")

	gate.Set("draining")
	drain(bg, L, conf.DrainDelay)

	shutdownCtx, cancel := context.WithTimeout(bg, 10*time.Second)
	defer cancel()
	for _, step := range []struct {
		name string
		fn   func() error
	}{
		{"gateway listener", func() error { return stopGateway(shutdownCtx) }},
		{"admin listener", func() error { return stopAdmin(shutdownCtx) }},
		{"store", st.close},
		{"otel", func() error { return shutdownOTEL(shutdownCtx) }},
	} {
		if err := step.fn(); err != nil {
			L.Error(bg, err, "shutdown step failed", "step", step.name)
		}
	}
	stopProf()

	L.Info(bg, "shutdown complete")
	return nil
}
