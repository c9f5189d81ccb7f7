// Package tracing provides optional OpenTelemetry-based observability for the
// acquisition pipeline. It detects an OTLP endpoint at runtime and falls back
// to a noop tracer when none is configured.
package tracing

import (
	"context"
	"os"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "bandrec"

var (
	tracer    trace.Tracer
	tp        *sdktrace.TracerProvider
	initOnce  sync.Once
	isEnabled bool
)

// Init initializes tracing by detecting environment variables at runtime.
// If BANDREC_OTLP_ENDPOINT is set, an OTLP HTTP exporter is configured;
// otherwise the global noop tracer is used.
func Init(ctx context.Context) error {
	var initErr error
	initOnce.Do(func() {
		initErr = initFromEnv(ctx)
	})
	return initErr
}

func initFromEnv(ctx context.Context) error {
	endpoint := os.Getenv("BANDREC_OTLP_ENDPOINT")
	if endpoint == "" {
		tracer = otel.Tracer(tracerName)
		isEnabled = false
		return nil
	}

	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
	)
	if err != nil {
		return err
	}

	tp = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName("bandrec"),
		)),
	)

	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(tracerName)
	isEnabled = true
	return nil
}

// Tracer returns the configured tracer instance.
// Safe to call before Init - returns a noop tracer if not initialized.
func Tracer() trace.Tracer {
	if tracer == nil {
		return otel.Tracer(tracerName)
	}
	return tracer
}

// IsEnabled reports whether a real exporter is active.
func IsEnabled() bool {
	return isEnabled
}

// Shutdown flushes pending spans and stops the provider.
func Shutdown(ctx context.Context) error {
	if tp == nil {
		return nil
	}
	return tp.Shutdown(ctx)
}

// StartSpan starts a span on the bandrec tracer.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name)
}
