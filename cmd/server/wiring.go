package main

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/keithlinneman/reqguard/internal/cfg"
	"github.com/keithlinneman/reqguard/internal/log"
	"github.com/keithlinneman/reqguard/internal/signing"
	"github.com/keithlinneman/reqguard/internal/store"
	"github.com/keithlinneman/reqguard/internal/upload"
	"github.com/keithlinneman/reqguard/internal/upstream"
	v "github.com/keithlinneman/reqguard/internal/version"
)

func loadPolicy(path string) (cfg.Policy, error) {
	p := cfg.DefaultPolicy()
	if path != "" {
		var err error
		if p, err = cfg.LoadPolicy(path); err != nil {
			return cfg.Policy{}, err
		}
	}
	return p, cfg.ValidatePolicy(p)
}

func newLogger(conf cfg.App, vi v.Info) (log.Logger, error) {
	lvl, err := log.ParseLevel(conf.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	stackLvl := lvl
	if conf.StacktraceLevel != "" {
		if stackLvl, err = log.ParseLevel(conf.StacktraceLevel); err != nil {
			return nil, fmt.Errorf("stacktrace level: %w", err)
		}
	}
	return log.New(log.Options{
		App:               v.AppName,
		Version:           vi.Version,
		Commit:            vi.Commit,
		BuildId:           vi.BuildId,
		Level:             lvl,
		StacktraceLevel:   stackLvl,
		JsonFormat:        conf.LogJSON,
		MaxErrorLinks:     conf.MaxErrorLinks,
		IncludeErrorLinks: conf.IncludeErrorLinks,
	})
}

func logStartup(ctx context.Context, L log.Logger, conf cfg.App, vi v.Info) {
	L.Info(ctx, "initializing gateway",
		"version", vi.Version,
		"commit", vi.Commit,
		"build_id", vi.BuildId,
		"go_version", vi.GoVersion,
		"http_port", conf.HTTPPort,
		"admin_port", conf.AdminPort,
		"log_level", conf.LogLevel,
		"enable_pprof", conf.EnablePprof,
		"enable_pyroscope", conf.EnablePyroscope,
		"enable_tracing", conf.EnableTracing,
		"otlp_endpoint", conf.OTLPEndpoint,
		"trace_sample", conf.TraceSample,
		"policy_file", conf.PolicyFile,
		"redis_addr", conf.RedisAddr,
		"ssm_key_prefix", conf.SSMKeyPrefix,
		"quarantine_bucket", conf.QuarantineBucket,
		"upstream_url", conf.UpstreamURL,
		"trusted_hops", conf.TrustedHops,
		"trusted_proxies", conf.TrustedProxies,
	)
}

type stores struct {
	primary    store.Store
	degradable store.Store // nil without redis
	close      func() error
}

// openStore connects the shared store. Without redis every counter is per
// process, which is only correct for a single instance.
func openStore(ctx context.Context, conf cfg.App, L log.Logger, onDegraded func(op string)) (stores, error) {
	if conf.RedisAddr == "" {
		L.Warn(ctx, "no redis configured, using in-process store (single instance only)")
		return stores{primary: store.NewMemory(nil), close: func() error { return nil }}, nil
	}

	rs, err := store.NewRedis(ctx, store.RedisOptions{
		Addr:         conf.RedisAddr,
		Password:     conf.RedisPassword,
		DB:           conf.RedisDB,
		DialTimeout:  conf.RedisDialTimeout,
		ReadTimeout:  conf.StoreOpTimeout,
		WriteTimeout: conf.StoreOpTimeout,
	})
	if err != nil {
		// nonces and sessions fail closed, so serving without redis would reject everything
		return stores{}, fmt.Errorf("redis %s: %w", conf.RedisAddr, err)
	}
	fb := store.NewFallback(rs, store.NewMemory(nil), L)
	fb.OnDegraded = onDegraded

	var once sync.Once
	var closeErr error
	return stores{
		primary:    rs,
		degradable: fb,
		close: func() error {
			once.Do(func() { closeErr = rs.Close() })
			return closeErr
		},
	}, nil
}

type external struct {
	keys       signing.ChainKeys
	quarantine upload.Quarantine
}

// loadExternal builds the AWS backed key provider and upload quarantine.
// Policy keys always resolve first.
func loadExternal(ctx context.Context, conf cfg.App, policy cfg.Policy, L log.Logger) (external, error) {
	ext := external{keys: signing.ChainKeys{signing.StaticKeys(policy.Signature.Keys)}}
	if conf.SSMKeyPrefix == "" && conf.QuarantineBucket == "" {
		return ext, nil
	}

	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return external{}, fmt.Errorf("aws config: %w", err)
	}
	if conf.SSMKeyPrefix != "" {
		ssmKeys, err := signing.NewSSMKeys(ssm.NewFromConfig(awsCfg), signing.SSMKeysOptions{
			Prefix: conf.SSMKeyPrefix,
			TTL:    conf.SSMKeyCacheTTL,
			Logger: L,
		})
		if err != nil {
			return external{}, fmt.Errorf("ssm key provider: %w", err)
		}
		ext.keys = append(ext.keys, ssmKeys)
	}
	if conf.QuarantineBucket != "" {
		q, err := upload.NewS3Quarantine(s3.NewFromConfig(awsCfg), conf.QuarantineBucket, conf.QuarantinePrefix)
		if err != nil {
			return external{}, fmt.Errorf("upload quarantine: %w", err)
		}
		ext.quarantine = q
		L.Info(ctx, "upload quarantine enabled", "bucket", conf.QuarantineBucket, "region", awsRegion(awsCfg))
	}
	return ext, nil
}

func awsRegion(c aws.Config) string {
	if c.Region == "" {
		return "unset"
	}
	return c.Region
}

// newUpstream proxies to target, or echoes requests back when target is empty.
func newUpstream(target string, L log.Logger) (http.Handler, error) {
	if target == "" {
		return upstream.Echo(), nil
	}
	h, err := upstream.New(target, L)
	if err != nil {
		return nil, fmt.Errorf("upstream %s: %w", target, err)
	}
	return h, nil
}
