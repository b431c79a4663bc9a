package main

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/randalmurphal/procbus/pkg/procbus/config"
	"github.com/randalmurphal/procbus/pkg/procbus/observability"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// telemetry owns the OpenTelemetry providers a CLI process installs.
// With metrics and tracing off it hands out no-op implementations.
type telemetry struct {
	metrics observability.MetricsRecorder
	spans   observability.SpanManager

	reader         *sdkmetric.ManualReader
	meterProvider  *sdkmetric.MeterProvider
	tracerProvider *sdktrace.TracerProvider
	logger         *slog.Logger
}

func newTelemetry(cfg config.Config, logger *slog.Logger) *telemetry {
	t := &telemetry{
		metrics: observability.NoopMetrics{},
		spans:   observability.NoopSpanManager{},
		logger:  logger,
	}
	if cfg.Metrics {
		t.reader = sdkmetric.NewManualReader()
		t.meterProvider = sdkmetric.NewMeterProvider(sdkmetric.WithReader(t.reader))
		t.metrics = observability.NewMetricsRecorderFrom(t.meterProvider)
	}
	if cfg.Tracing {
		t.tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithSyncer(&spanLogger{logger: logger}),
		)
		t.spans = observability.NewSpanManagerFrom(t.tracerProvider)
	}
	return t
}

// summary collects the current metric totals keyed by instrument name.
// Histograms report their observation count under "<name>.count".
func (t *telemetry) summary(ctx context.Context) (map[string]float64, error) {
	if t.reader == nil {
		return nil, nil
	}
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(ctx, &rm); err != nil {
		return nil, err
	}

	out := make(map[string]float64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += float64(dp.Value)
				}
			case metricdata.Sum[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name] += dp.Value
				}
			case metricdata.Histogram[float64]:
				for _, dp := range data.DataPoints {
					out[m.Name+".count"] += float64(dp.Count)
				}
			}
		}
	}
	return out, nil
}

// logSummary writes one line per metric, sorted by name.
func (t *telemetry) logSummary(ctx context.Context) {
	totals, err := t.summary(ctx)
	if err != nil {
		t.logger.Warn("collecting metrics", slog.String("error", err.Error()))
		return
	}
	names := make([]string, 0, len(totals))
	for name := range totals {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		t.logger.Info("metric", slog.String("name", name), slog.Float64("value", totals[name]))
	}
}

func (t *telemetry) shutdown(ctx context.Context) error {
	var errs []error
	if t.meterProvider != nil {
		errs = append(errs, t.meterProvider.Shutdown(ctx))
	}
	if t.tracerProvider != nil {
		errs = append(errs, t.tracerProvider.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// spanLogger exports finished spans as log lines.
type spanLogger struct {
	logger *slog.Logger
}

var _ sdktrace.SpanExporter = (*spanLogger)(nil)

func (e *spanLogger) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		attrs := []any{
			slog.String("name", s.Name()),
			slog.String("trace_id", s.SpanContext().TraceID().String()),
			slog.String("span_id", s.SpanContext().SpanID().String()),
			slog.Duration("duration", s.EndTime().Sub(s.StartTime()).Round(time.Microsecond)),
			slog.String("status", s.Status().Code.String()),
		}
		if s.Parent().IsValid() {
			attrs = append(attrs, slog.String("parent_id", s.Parent().SpanID().String()))
		}
		e.logger.Info("span", attrs...)
	}
	return nil
}

func (e *spanLogger) Shutdown(context.Context) error {
	return nil
}
