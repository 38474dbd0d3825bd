// Package tracing installs the OpenTelemetry tracer provider used by the call
// coordinator spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Exporter names accepted by Config.Exporter
const (
	ExporterNone   = "none"
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

// Config selects the exporter and sampling
type Config struct {
	ServiceName  string
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
	SampleRatio  float64

	// Writer receives stdout spans; os.Stdout when nil
	Writer io.Writer
}

// Shutdown flushes pending spans
type Shutdown func(context.Context) error

// Setup registers the global tracer provider. With ExporterNone nothing is
// registered and the returned Shutdown is a no-op.
func Setup(ctx context.Context, cfg Config) (Shutdown, error) {
	noop := func(context.Context) error { return nil }

	var (
		exporter sdktrace.SpanExporter
		err      error
	)
	switch cfg.Exporter {
	case "", ExporterNone:
		return noop, nil
	case ExporterStdout:
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err = stdouttrace.New(stdouttrace.WithWriter(w))
	case ExporterOTLP:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.OTLPEndpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default:
		return noop, fmt.Errorf("unsupported trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return noop, fmt.Errorf("failed to create %s exporter: %w", cfg.Exporter, err)
	}

	tp, err := NewProvider(ctx, cfg.ServiceName, cfg.SampleRatio, sdktrace.WithBatcher(exporter))
	if err != nil {
		return noop, err
	}
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

// NewProvider builds a provider sampling ratio of root spans. Child spans
// follow their parent's decision.
func NewProvider(ctx context.Context, serviceName string, ratio float64, opts ...sdktrace.TracerProviderOption) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("failed to build trace resource: %w", err)
	}
	opts = append(opts,
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	return sdktrace.NewTracerProvider(opts...), nil
}
