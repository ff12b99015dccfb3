package observability

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// Shutdown flushes and releases telemetry resources.
type Shutdown func(ctx context.Context) error

type TracingConfig struct {
	ServiceName  string
	OTLPEndpoint string
}

// SetupTracing installs a global tracer provider. Spans are exported over
// OTLP/HTTP when an endpoint is configured and dropped otherwise.
func SetupTracing(ctx context.Context, cfg TracingConfig, log zerolog.Logger) (Shutdown, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "lobbyd"
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", name),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if endpoint := strings.TrimSpace(cfg.OTLPEndpoint); endpoint != "" {
		insecure := true
		if strings.HasPrefix(endpoint, "https://") {
			insecure = false
		}
		endpoint = strings.TrimPrefix(strings.TrimPrefix(endpoint, "http://"), "https://")

		traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
		if insecure {
			traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
		}
		exporter, err := otlptracehttp.New(ctx, traceOpts...)
		if err != nil {
			return nil, fmt.Errorf("otlp trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter), sdktrace.WithSampler(sdktrace.AlwaysSample()))
		log.Info().Str("endpoint", cfg.OTLPEndpoint).Msg("tracing enabled")
	} else {
		log.Debug().Msg("tracing disabled, spans are not exported")
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp.Shutdown, nil
}
