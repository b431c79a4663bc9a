package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// NoopMetrics is a MetricsRecorder that does nothing.
type NoopMetrics struct{}

var _ MetricsRecorder = NoopMetrics{}

// RecordCall does nothing.
func (NoopMetrics) RecordCall(_ context.Context, _, _ string, _ time.Duration, _ error) {}

// RecordHandled does nothing.
func (NoopMetrics) RecordHandled(_ context.Context, _ string, _ time.Duration, _ error) {}

// RecordEvent does nothing.
func (NoopMetrics) RecordEvent(_ context.Context, _, _ string, _ int) {}

// RecordDropped does nothing.
func (NoopMetrics) RecordDropped(_ context.Context, _ string) {}

// NoopSpanManager is a SpanManager that does nothing.
type NoopSpanManager struct{}

var _ SpanManager = NoopSpanManager{}

var noopSpan = noop.Span{}

// StartExecSpan returns ctx unchanged and a no-op span.
func (NoopSpanManager) StartExecSpan(ctx context.Context, _, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// StartHandleSpan returns ctx unchanged and a no-op span.
func (NoopSpanManager) StartHandleSpan(ctx context.Context, _ string) (context.Context, trace.Span) {
	return ctx, noopSpan
}

// EndSpanWithError does nothing.
func (NoopSpanManager) EndSpanWithError(_ trace.Span, _ error) {}

// Inject returns meta unchanged.
func (NoopSpanManager) Inject(_ context.Context, meta map[string]string) map[string]string {
	return meta
}

// Extract returns ctx unchanged.
func (NoopSpanManager) Extract(ctx context.Context, _ map[string]string) context.Context {
	return ctx
}
