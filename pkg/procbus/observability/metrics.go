package observability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricsRecorder records procbus metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordCall records a settled outgoing request.
	RecordCall(ctx context.Context, target, action string, duration time.Duration, err error)

	// RecordHandled records an inbound request served by a local handler.
	RecordHandled(ctx context.Context, action string, duration time.Duration, err error)

	// RecordEvent records an event and how many subscribers it reached.
	RecordEvent(ctx context.Context, origin, event string, deliveries int)

	// RecordDropped records an inbound envelope that was discarded.
	RecordDropped(ctx context.Context, reason string)
}

type otelMetrics struct {
	calls       metric.Int64Counter
	callLatency metric.Float64Histogram
	callErrors  metric.Int64Counter
	handled     metric.Int64Counter
	emitted     metric.Int64Counter
	dispatched  metric.Int64Counter
	dropped     metric.Int64Counter
}

var (
	defaultMetrics     *otelMetrics
	defaultMetricsOnce sync.Once
	defaultMetricsErr  error
)

func getDefaultMetrics() (*otelMetrics, error) {
	defaultMetricsOnce.Do(func() {
		defaultMetrics, defaultMetricsErr = newOtelMetrics(otel.GetMeterProvider())
	})
	return defaultMetrics, defaultMetricsErr
}

func newOtelMetrics(provider metric.MeterProvider) (*otelMetrics, error) {
	meter := provider.Meter("procbus")

	calls, err := meter.Int64Counter("procbus.calls",
		metric.WithDescription("Number of settled ipc requests"),
	)
	if err != nil {
		return nil, err
	}

	callLatency, err := meter.Float64Histogram("procbus.call.latency_ms",
		metric.WithDescription("Round-trip latency of ipc requests in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	callErrors, err := meter.Int64Counter("procbus.call.errors",
		metric.WithDescription("Number of ipc requests that failed"),
	)
	if err != nil {
		return nil, err
	}

	handled, err := meter.Int64Counter("procbus.handled",
		metric.WithDescription("Number of inbound requests served by local handlers"),
	)
	if err != nil {
		return nil, err
	}

	emitted, err := meter.Int64Counter("procbus.events.emitted",
		metric.WithDescription("Number of events routed by the hub"),
	)
	if err != nil {
		return nil, err
	}

	dispatched, err := meter.Int64Counter("procbus.events.dispatched",
		metric.WithDescription("Number of event deliveries to subscribers"),
	)
	if err != nil {
		return nil, err
	}

	dropped, err := meter.Int64Counter("procbus.messages.dropped",
		metric.WithDescription("Number of inbound envelopes discarded"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		calls:       calls,
		callLatency: callLatency,
		callErrors:  callErrors,
		handled:     handled,
		emitted:     emitted,
		dispatched:  dispatched,
		dropped:     dropped,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder backed by the global OTel
// meter provider. Configure the provider with otel.SetMeterProvider first.
// Falls back to a no-op recorder if the instruments cannot be created.
func NewMetricsRecorder() MetricsRecorder {
	m, err := getDefaultMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// NewMetricsRecorderFrom returns a MetricsRecorder bound to provider.
func NewMetricsRecorderFrom(provider metric.MeterProvider) MetricsRecorder {
	m, err := newOtelMetrics(provider)
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

func (m *otelMetrics) RecordCall(ctx context.Context, target, action string, duration time.Duration, err error) {
	attrs := metric.WithAttributes(
		attribute.String("target", target),
		attribute.String("action", action),
	)
	m.calls.Add(ctx, 1, attrs)
	m.callLatency.Record(ctx, Millis(duration), attrs)
	if err != nil {
		m.callErrors.Add(ctx, 1, attrs)
	}
}

func (m *otelMetrics) RecordHandled(ctx context.Context, action string, _ time.Duration, err error) {
	m.handled.Add(ctx, 1, metric.WithAttributes(
		attribute.String("action", action),
		attribute.Bool("success", err == nil),
	))
}

func (m *otelMetrics) RecordEvent(ctx context.Context, origin, event string, deliveries int) {
	attrs := metric.WithAttributes(
		attribute.String("origin", origin),
		attribute.String("event", event),
	)
	m.emitted.Add(ctx, 1, attrs)
	if deliveries > 0 {
		m.dispatched.Add(ctx, int64(deliveries), attrs)
	}
}

func (m *otelMetrics) RecordDropped(ctx context.Context, reason string) {
	m.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}
