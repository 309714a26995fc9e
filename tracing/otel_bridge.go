package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// OTelBridge mirrors finished spans onto an OpenTelemetry tracer so traces
// flow into whatever exporter pipeline the host process configured. Identity
// is not preserved across the bridge (the SDK allocates its own ids); the
// original ids travel as attributes instead.
type OTelBridge struct {
	tracer oteltrace.Tracer
}

// NewOTelBridge builds a bridge from an SDK tracer provider; nil allocates a
// no-exporter provider, which is useful in tests.
func NewOTelBridge(tp *sdktrace.TracerProvider, scope string) *OTelBridge {
	if tp == nil {
		tp = sdktrace.NewTracerProvider()
	}
	if scope == "" {
		scope = "pulse"
	}
	return &OTelBridge{tracer: tp.Tracer(scope)}
}

// OnSpanFinished implements SpanObserver.
func (b *OTelBridge) OnSpanFinished(snap SpanSnapshot) {
	attrs := make([]attribute.KeyValue, 0, len(snap.Tags)+3)
	attrs = append(attrs,
		attribute.String("pulse.trace_id", snap.TraceID),
		attribute.String("pulse.span_id", snap.SpanID),
		attribute.String("service.name", snap.ServiceName),
	)
	for k, v := range snap.Tags {
		attrs = append(attrs, attribute.String(k, v))
	}

	_, span := b.tracer.Start(context.Background(), snap.OperationName,
		oteltrace.WithTimestamp(snap.Start),
		oteltrace.WithSpanKind(otelKind(snap.Kind)),
		oteltrace.WithAttributes(attrs...),
	)
	for _, ev := range snap.Events {
		evAttrs := make([]attribute.KeyValue, 0, len(ev.Tags))
		for k, v := range ev.Tags {
			evAttrs = append(evAttrs, attribute.String(k, v))
		}
		span.AddEvent(ev.Name, oteltrace.WithTimestamp(ev.Time), oteltrace.WithAttributes(evAttrs...))
	}
	switch snap.Status {
	case StatusError:
		span.SetStatus(codes.Error, snap.StatusMessage)
	case StatusOK:
		span.SetStatus(codes.Ok, "")
	}
	span.End(oteltrace.WithTimestamp(snap.End))
}

func otelKind(kind SpanKind) oteltrace.SpanKind {
	switch kind {
	case KindServer:
		return oteltrace.SpanKindServer
	case KindClient:
		return oteltrace.SpanKindClient
	case KindProducer:
		return oteltrace.SpanKindProducer
	case KindConsumer:
		return oteltrace.SpanKindConsumer
	}
	return oteltrace.SpanKindInternal
}
