package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "procbus"

var propagator = propagation.TraceContext{}

// SpanManager handles span lifecycle and trace context propagation.
// Use NewSpanManager() for OTel tracing or NoopSpanManager{} when disabled.
type SpanManager interface {
	// StartExecSpan starts a client span for an outgoing request.
	StartExecSpan(ctx context.Context, target, action string) (context.Context, trace.Span)

	// StartHandleSpan starts a server span for an inbound request.
	StartHandleSpan(ctx context.Context, action string) (context.Context, trace.Span)

	// EndSpanWithError completes a span, optionally recording an error.
	EndSpanWithError(span trace.Span, err error)

	// Inject writes the span context of ctx into meta and returns it.
	// A nil meta is allocated only when there is something to write.
	Inject(ctx context.Context, meta map[string]string) map[string]string

	// Extract returns ctx carrying the remote span context found in meta.
	Extract(ctx context.Context, meta map[string]string) context.Context
}

type otelSpanManager struct {
	provider trace.TracerProvider
}

// NewSpanManager returns a SpanManager backed by the global OTel tracer
// provider. The provider is resolved on every span so it may be set later.
func NewSpanManager() SpanManager {
	return &otelSpanManager{}
}

// NewSpanManagerFrom returns a SpanManager bound to provider.
func NewSpanManagerFrom(provider trace.TracerProvider) SpanManager {
	return &otelSpanManager{provider: provider}
}

func (m *otelSpanManager) tracer() trace.Tracer {
	if m.provider != nil {
		return m.provider.Tracer(tracerName)
	}
	return otel.Tracer(tracerName)
}

func (m *otelSpanManager) StartExecSpan(ctx context.Context, target, action string) (context.Context, trace.Span) {
	if target == "" {
		target = "main"
	}
	return m.tracer().Start(ctx, "procbus.exec",
		trace.WithAttributes(
			attribute.String("ipc.target", target),
			attribute.String("ipc.action", action),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

func (m *otelSpanManager) StartHandleSpan(ctx context.Context, action string) (context.Context, trace.Span) {
	return m.tracer().Start(ctx, "procbus.handle",
		trace.WithAttributes(
			attribute.String("ipc.action", action),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

func (m *otelSpanManager) EndSpanWithError(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

func (m *otelSpanManager) Inject(ctx context.Context, meta map[string]string) map[string]string {
	if !trace.SpanContextFromContext(ctx).IsValid() {
		return meta
	}
	if meta == nil {
		meta = make(map[string]string, 2)
	}
	propagator.Inject(ctx, propagation.MapCarrier(meta))
	return meta
}

func (m *otelSpanManager) Extract(ctx context.Context, meta map[string]string) context.Context {
	if len(meta) == 0 {
		return ctx
	}
	return propagator.Extract(ctx, propagation.MapCarrier(meta))
}
