package procbus

import (
	"log/slog"

	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	"github.com/randalmurphal/procbus/pkg/procbus/observability"
)

type config struct {
	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	codec   envelope.Codec
	token   string
}

func buildConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	if c.token == "" {
		c.token = envelope.NewToken()
	}
	if c.codec == nil {
		c.codec = envelope.JSON
	}
	return c
}

func (c config) telemetry(role string) observability.Telemetry {
	tel := observability.Telemetry{
		Logger:  c.logger,
		Metrics: c.metrics,
		Spans:   c.spans,
	}.WithDefaults()
	tel.Logger = observability.EnrichLogger(tel.Logger, role, c.token)
	return tel
}

// Option configures a Hub or Worker.
type Option func(*config)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetrics sets the metrics recorder. Default: no metrics.
//
// Example:
//
//	hub := procbus.NewHub(procbus.WithMetrics(observability.NewMetricsRecorder()))
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithSpans sets the span manager. Default: no tracing.
func WithSpans(s observability.SpanManager) Option {
	return func(c *config) {
		c.spans = s
	}
}

// WithCodec sets the codec the hub uses for its own payloads: local
// action calls and events it emits. Workers always use their channel's
// codec. Default: JSON.
func WithCodec(codec envelope.Codec) Option {
	return func(c *config) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithToken fixes the instance token instead of minting a random one.
func WithToken(token string) Option {
	return func(c *config) {
		c.token = token
	}
}
