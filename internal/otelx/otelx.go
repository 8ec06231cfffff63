// Package otelx sets up tracing for the gateway and records pipeline
// outcomes on the active request span.
package otelx

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/keithlinneman/reqguard/internal/xerrors"
)

type Options struct {
	Enabled   bool
	Endpoint  string
	Insecure  bool
	Sample    float64
	Service   string
	Component string
	Version   string
}

const (
	// the collector runs on localhost, so a slow connect means it is down
	exporterDialTimeout = 3 * time.Second
	batchQueueSize      = 2048
	batchTimeout        = 5 * time.Second
)

func noopShutdown(context.Context) error { return nil }

// Init installs the global tracer provider and W3C propagators. With tracing
// off it still installs an exporterless provider, so incoming trace context
// keeps flowing into logs and response headers.
func Init(ctx context.Context, o Options) (shutdown func(context.Context) error, err error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))
	if !o.Enabled {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
		return noopShutdown, nil
	}

	exp, err := newExporter(ctx, o)
	if err != nil {
		return noopShutdown, xerrors.Wrapf(err, "otlp exporter for %s", o.Endpoint)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(o.Sample)),
		sdktrace.WithBatcher(exp, sdktrace.WithMaxQueueSize(batchQueueSize), sdktrace.WithBatchTimeout(batchTimeout)),
		sdktrace.WithResource(newResource(ctx, o)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, o Options) (*otlptrace.Exporter, error) {
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(o.Endpoint)}
	if o.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	dialCtx, cancel := context.WithTimeout(ctx, exporterDialTimeout)
	defer cancel()
	return otlptracegrpc.New(dialCtx, opts...)
}

// sampler honours an upstream sampling decision and otherwise keeps the
// given fraction of new traces, clamped to [0,1].
func sampler(fraction float64) sdktrace.Sampler {
	switch {
	case fraction <= 0:
		return sdktrace.ParentBased(sdktrace.NeverSample())
	case fraction >= 1:
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(fraction))
}

// newResource describes this process. Detector errors still yield a usable
// partial resource, so they are dropped.
func newResource(ctx context.Context, o Options) *resource.Resource {
	res, _ := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(o.Service),
			semconv.ServiceVersionKey.String(o.Version),
			attribute.String("reqguard.component", o.Component),
		),
	)
	return res
}

// Attribute keys set on the request span by the gateway.
const (
	AttrRejectKind   = attribute.Key("reqguard.reject.kind")
	AttrRejectCode   = attribute.Key("reqguard.reject.code")
	AttrRejectStatus = attribute.Key("reqguard.reject.status")
)

// RecordRejection tags the span in ctx with the rejection and adds a
// "request.rejected" event. Client errors leave the span status unset;
// 5xx marks it as an error.
func RecordRejection(ctx context.Context, status int, kind, code string) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}
	attrs := []attribute.KeyValue{
		AttrRejectKind.String(kind),
		AttrRejectCode.String(code),
		AttrRejectStatus.Int(status),
	}
	span.SetAttributes(attrs...)
	span.AddEvent("request.rejected", trace.WithAttributes(attrs...))
	if status >= 500 {
		span.SetStatus(codes.Error, kind+"/"+code)
	}
}
