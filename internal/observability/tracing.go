// Package observability sets up OpenTelemetry tracing.
package observability

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/config"
)

// TracerProvider owns the process tracer provider.
type TracerProvider struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracerProvider installs a global tracer provider. With tracing disabled
// it installs a no-op provider and exports nothing.
func NewTracerProvider(ctx context.Context, cfg config.TracingConfig, logger *zap.Logger) (*TracerProvider, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "nuka-experts"
	}
	if !cfg.Enabled {
		np := noop.NewTracerProvider()
		otel.SetTracerProvider(np)
		return &TracerProvider{tracer: np.Tracer(name)}, nil
	}

	rate := cfg.SampleRate
	if rate <= 0 || rate > 1 {
		rate = 1
	}

	var opts []otlptracehttp.Option
	switch endpoint := cfg.OTLPEndpoint; {
	case endpoint == "":
		opts = append(opts, otlptracehttp.WithEndpoint("localhost:4318"), otlptracehttp.WithInsecure())
	case strings.Contains(endpoint, "://"):
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	default:
		opts = append(opts, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", name))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	)
	otel.SetTracerProvider(provider)
	logger.Info("tracing enabled", zap.String("endpoint", cfg.OTLPEndpoint), zap.Float64("sample_rate", rate))

	return &TracerProvider{provider: provider, tracer: provider.Tracer(name)}, nil
}

// Tracer returns the service tracer.
func (tp *TracerProvider) Tracer() trace.Tracer {
	return tp.tracer
}

// Shutdown flushes pending spans.
func (tp *TracerProvider) Shutdown(ctx context.Context) error {
	if tp.provider == nil {
		return nil
	}
	if err := tp.provider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown tracer provider: %w", err)
	}
	return nil
}
