package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for client spans.
var (
	AttrEndpoint   = attribute.Key("lasdash.endpoint")
	AttrStatusCode = attribute.Key("lasdash.status_code")
	AttrRetried    = attribute.Key("lasdash.retried")
	AttrEventType  = attribute.Key("lasdash.event.type")
)

// StartClientSpan starts a span for an outbound daemon call.
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// StartSpan starts an internal span (poll tick, dedup check, archive write).
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
