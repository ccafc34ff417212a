// Package telemetry wires OpenTelemetry tracing for the broker's spans.
package telemetry

import (
	"context"
	"os"
	"strings"

	"github.com/dgellow/authbroker/internal/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	// EndpointEnvVar holds the OTLP/HTTP collector URL.
	EndpointEnvVar = "AUTHBROKER_OTEL_ENDPOINT"
	// EnabledEnvVar set to "false" turns tracing off even with an endpoint.
	EnabledEnvVar = "AUTHBROKER_OTEL_ENABLED"
)

// Setup registers a global tracer provider exporting to the collector named
// by AUTHBROKER_OTEL_ENDPOINT. Without it, Setup is a no-op and the broker's
// spans go to the default no-op provider.
//
// The returned shutdown function flushes pending spans.
func Setup(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv(EnabledEnvVar), "false") {
		return noop, nil
	}
	endpoint := os.Getenv(EndpointEnvVar)
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	log.LogInfoWithFields("telemetry", "Tracing enabled", map[string]any{
		"endpoint": endpoint,
		"service":  serviceName,
	})
	return tp.Shutdown, nil
}
