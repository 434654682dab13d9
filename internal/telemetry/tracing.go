// Package telemetry configures OpenTelemetry tracing for scanbridge.
//
// Custom span attributes use the `scanbridge.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mzyy94/scanbridge"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// NewOTLPExporter returns an OTLP gRPC span exporter for endpoint, or nil
// when endpoint is empty.
func NewOTLPExporter(ctx context.Context, endpoint string) (sdktrace.SpanExporter, error) {
	if endpoint == "" {
		return nil, nil
	}
	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}
	return exporter, nil
}

// InitTraceProvider installs a batching trace provider around exporter.
// A nil exporter leaves the global no-op provider in place.
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(exporter sdktrace.SpanExporter, version string) func(context.Context) error {
	if exporter == nil {
		return func(context.Context) error { return nil }
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", "scanbridge"),
		attribute.String("service.version", version),
	)
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}

// --- Span helpers ---

// StartScanSpan creates the parent span for one scan call.
func StartScanSpan(ctx context.Context, protocol, device string, resolution int, source string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "scanner.scan",
		trace.WithAttributes(
			attribute.String("scanbridge.protocol", protocol),
			attribute.String("scanbridge.device", device),
			attribute.Int("scanbridge.resolution", resolution),
			attribute.String("scanbridge.source", source),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndScanSpan records the scan outcome and ends the span.
func EndScanSpan(span trace.Span, outcome string, pages int, err error) {
	span.SetAttributes(
		attribute.String("scanbridge.outcome", outcome),
		attribute.Int("scanbridge.pages", pages),
	)
	EndSpan(span, err)
}

// StartDiscoverySpan creates a span for one discovery strategy run.
func StartDiscoverySpan(ctx context.Context, strategy string, force bool) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "discovery.run",
		trace.WithAttributes(
			attribute.String("scanbridge.strategy", strategy),
			attribute.Bool("scanbridge.force_refresh", force),
		),
	)
}

// StartValidateSpan creates a span for one candidate validation.
func StartValidateSpan(ctx context.Context, host string, port int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "discovery.validate",
		trace.WithAttributes(
			attribute.String("scanbridge.host", host),
			attribute.Int("scanbridge.port", port),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndSpan marks the span failed when err is non-nil and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
