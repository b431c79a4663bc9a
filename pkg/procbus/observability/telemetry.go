package observability

import "log/slog"

// Telemetry bundles the logger, metrics recorder and span manager a
// component reports through. The zero value logs to slog.Default() and
// records nothing.
type Telemetry struct {
	Logger  *slog.Logger
	Metrics MetricsRecorder
	Spans   SpanManager
}

// WithDefaults fills unset fields.
func (t Telemetry) WithDefaults() Telemetry {
	if t.Logger == nil {
		t.Logger = slog.Default()
	}
	if t.Metrics == nil {
		t.Metrics = NoopMetrics{}
	}
	if t.Spans == nil {
		t.Spans = NoopSpanManager{}
	}
	return t
}
