// Package traces provides OpenTelemetry tracing for chain calls and webhook processing.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/mbd888/lendbridge"

// Init installs an OTLP/gRPC tracer provider. With an empty endpoint the
// global no-op provider stays in place. The returned func flushes spans.
func Init(ctx context.Context, otlpEndpoint, version string, logger *slog.Logger) (func(context.Context) error, error) {
	if otlpEndpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(otlpEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("lendbridge"),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", otlpEndpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a span named name with optional attributes.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}

// Fail marks span as errored. Nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func EscrowID(id string) attribute.KeyValue {
	return attribute.String("escrow.id", id)
}

func ContractAddress(addr string) attribute.KeyValue {
	return attribute.String("chain.contract", addr)
}

func TxHash(hash string) attribute.KeyValue {
	return attribute.String("chain.tx_hash", hash)
}

func WebhookID(id string) attribute.KeyValue {
	return attribute.String("webhook.id", id)
}

func EventType(t string) attribute.KeyValue {
	return attribute.String("webhook.event_type", t)
}

func DedupKey(key string) attribute.KeyValue {
	return attribute.String("webhook.dedup_key", key)
}

func Outcome(o string) attribute.KeyValue {
	return attribute.String("outcome", o)
}
