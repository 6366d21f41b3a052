package tracing

import (
	"context"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// StartDispatchSpan creates a child span covering one dispatch, including any
// failover attempts.
func StartDispatchSpan(ctx context.Context, category string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "dispatch",
		trace.WithAttributes(attribute.String("route.category", category)),
	)
}

// StartStageSpan creates a child span for a single pipeline stage execution.
func StartStageSpan(ctx context.Context, stage, direction string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "stage."+stage,
		trace.WithAttributes(
			attribute.String("stage.kind", stage),
			attribute.String("stage.direction", direction),
		),
	)
}

// StartUpstreamSpan creates a child span for an upstream HTTP exchange.
func StartUpstreamSpan(ctx context.Context, url, provider string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "upstream.exchange",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("upstream.url", url),
			attribute.String("upstream.provider", provider),
		),
	)
}

// StartStreamSpan creates a child span covering the SSE pump for one
// streamed response.
func StartStreamSpan(ctx context.Context, dialect string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "stream.pump",
		trace.WithAttributes(attribute.String("stream.dialect", dialect)),
	)
}

// InjectHeaders injects the current trace context (traceparent, tracestate)
// into the given HTTP request headers so the upstream service can continue
// the trace.
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// SetRequestAttributes adds request-level attributes to the current span.
func SetRequestAttributes(ctx context.Context, requestID, dialect, category string, stream bool) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("request.dialect", dialect),
		attribute.String("request.category", category),
		attribute.Bool("request.stream", stream),
	)
}

// SetDispatchAttributes records the outcome of a dispatch on the current span.
func SetDispatchAttributes(ctx context.Context, pipelineID string, attempts int, streamed bool) {
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("dispatch.pipeline_id", pipelineID),
		attribute.Int("dispatch.attempts", attempts),
		attribute.Bool("dispatch.streamed", streamed),
	)
}

// RecordError records an error on the current span.
func RecordError(ctx context.Context, err error) {
	if err != nil {
		trace.SpanFromContext(ctx).RecordError(err)
	}
}
