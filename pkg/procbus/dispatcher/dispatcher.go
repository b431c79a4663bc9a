// Package dispatcher correlates outbound action calls with the responses
// that arrive asynchronously on a channel.
//
// A Dispatcher is bound to one channel endpoint. Each Exec registers a
// pending call under a fresh id, sends a request envelope and waits for
// the response carrying that id and the dispatcher's instance token.
// Responses may arrive in any order.
package dispatcher

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/randalmurphal/procbus/pkg/procbus/observability"
	"go.opentelemetry.io/otel/trace"
)

// Role is the side of the channel a dispatcher runs on.
type Role int

const (
	// RoleWorker dispatchers send requests to the hub and name a target.
	RoleWorker Role = iota
	// RoleHub dispatchers send requests to the one worker on the channel.
	RoleHub
)

// String returns "hub" or "worker".
func (r Role) String() string {
	if r == RoleHub {
		return "hub"
	}
	return "worker"
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTelemetry sets the logger, metrics recorder and span manager.
func WithTelemetry(tel observability.Telemetry) Option {
	return func(d *Dispatcher) {
		d.tel = tel
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.tel.Logger = logger
	}
}

// WithName labels the peer in logs and metrics, usually the worker name.
func WithName(name string) Option {
	return func(d *Dispatcher) {
		d.name = name
	}
}

type result struct {
	value envelope.Value
	err   error
}

// Dispatcher sends requests over one channel and resolves them when the
// matching response arrives. Safe for concurrent use.
type Dispatcher struct {
	role   Role
	token  string
	name   string
	ch     channel.Channel
	codec  envelope.Codec
	tel    observability.Telemetry
	logger *slog.Logger

	mu      sync.Mutex
	pending map[uint64]chan result
	nextID  uint64
	closed  bool

	unsubscribe func()
	stop        chan struct{}
	destroyOnce sync.Once
}

// New creates a dispatcher and starts listening for responses on ch.
func New(role Role, token string, ch channel.Channel, opts ...Option) (*Dispatcher, error) {
	if ch == nil {
		return nil, perr.ErrNotInitialized
	}
	if token == "" {
		return nil, fmt.Errorf("%w: instance token is required", perr.ErrInvalidParams)
	}

	d := &Dispatcher{
		role:    role,
		token:   token,
		ch:      ch,
		codec:   ch.Codec(),
		pending: make(map[uint64]chan result),
		stop:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.tel = d.tel.WithDefaults()
	d.logger = observability.EnrichLogger(d.tel.Logger, role.String(), token)
	if d.name != "" {
		d.logger = d.logger.With(slog.String("worker", d.name))
	}

	d.unsubscribe = ch.Subscribe(d.onMessage)
	go d.watch()
	return d, nil
}

// Token returns the instance token stamped on outgoing requests.
func (d *Dispatcher) Token() string {
	return d.token
}

// Role returns the side of the channel the dispatcher runs on.
func (d *Dispatcher) Role() Role {
	return d.role
}

// Codec returns the codec of the underlying channel.
func (d *Dispatcher) Codec() envelope.Codec {
	return d.codec
}

// Pending returns the number of calls awaiting a response.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Exec encodes params with the channel codec and calls action on target.
//
// On a worker, target names the process to run the action in ("main" for
// the hub); an empty target means "main". On the hub the channel already
// identifies the worker, so target must be empty.
//
// Exec blocks until the response arrives, ctx is done or the dispatcher is
// destroyed. A call abandoned through ctx is forgotten; its late response
// is logged and dropped.
func (d *Dispatcher) Exec(ctx context.Context, target, action string, params ...any) (envelope.Value, error) {
	if d == nil || d.ch == nil {
		return envelope.Value{}, perr.ErrNotInitialized
	}
	raw, err := envelope.EncodeParams(d.codec, params...)
	if err != nil {
		return envelope.Value{}, err
	}
	return d.ExecRaw(ctx, target, action, raw)
}

// ExecRaw is Exec with parameters already encoded with the channel codec.
func (d *Dispatcher) ExecRaw(ctx context.Context, target, action string, params []envelope.Raw) (envelope.Value, error) {
	if d == nil || d.ch == nil {
		return envelope.Value{}, perr.ErrNotInitialized
	}
	if action == "" {
		return envelope.Value{}, perr.ErrActionRequired
	}
	switch d.role {
	case RoleHub:
		if target != "" {
			return envelope.Value{}, fmt.Errorf("%w: got %q", perr.ErrSelfTarget, target)
		}
	default:
		if target == "" {
			target = envelope.MainTag
		}
	}

	peer := target
	if d.role == RoleHub {
		peer = d.name
	}

	ctx, span := d.tel.Spans.StartExecSpan(ctx, peer, action)
	elapsed := observability.TimedOperation()

	id, wait, err := d.register()
	if err != nil {
		d.tel.Spans.EndSpanWithError(span, err)
		return envelope.Value{}, err
	}

	req := envelope.NewRequest(id, d.token, target, action, params)
	req.Meta = d.tel.Spans.Inject(ctx, nil)

	observability.LogCallStart(d.logger, id, peer, action)
	if err := d.ch.Send(ctx, req); err != nil {
		d.forget(id)
		d.finish(ctx, span, id, peer, action, elapsed(), err)
		return envelope.Value{}, err
	}

	var res result
	select {
	case res = <-wait:
	case <-ctx.Done():
		d.forget(id)
		res = result{err: ctx.Err()}
	}

	d.finish(ctx, span, id, peer, action, elapsed(), res.err)
	return res.value, res.err
}

func (d *Dispatcher) finish(ctx context.Context, span trace.Span, id uint64, peer, action string, elapsed time.Duration, err error) {
	d.tel.Metrics.RecordCall(ctx, peer, action, elapsed, err)
	d.tel.Spans.EndSpanWithError(span, err)
	if err != nil {
		observability.LogCallError(d.logger, id, peer, action, err)
		return
	}
	observability.LogCallComplete(d.logger, id, peer, action, observability.Millis(elapsed))
}

// register allocates an id and a pending call slot.
func (d *Dispatcher) register() (uint64, chan result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return 0, nil, perr.ErrDispatcherClosed
	}
	d.nextID++
	// Skip ids still pending after a wrap-around.
	for d.nextID == 0 || d.pending[d.nextID] != nil {
		d.nextID++
	}
	wait := make(chan result, 1)
	d.pending[d.nextID] = wait
	return d.nextID, wait, nil
}

func (d *Dispatcher) forget(id uint64) {
	d.mu.Lock()
	delete(d.pending, id)
	d.mu.Unlock()
}

// take removes and returns the pending call for id.
func (d *Dispatcher) take(id uint64) (chan result, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	wait, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
	}
	return wait, ok
}

func (d *Dispatcher) onMessage(env *envelope.Envelope) {
	if env.Type != envelope.TypeResponse {
		return
	}
	if err := envelope.CheckVersion(env); err != nil {
		observability.LogVersionMismatch(d.logger, err)
		d.tel.Metrics.RecordDropped(context.Background(), "version")
		return
	}
	if env.Token() != d.token {
		d.logger.Debug("response for another instance",
			slog.Uint64("request_id", env.RequestID()),
			slog.String("response_instance", env.Token()),
		)
		return
	}

	id := env.RequestID()
	wait, ok := d.take(id)
	if !ok {
		observability.LogUnknownResponse(d.logger, id)
		d.tel.Metrics.RecordDropped(context.Background(), "unknown_request")
		return
	}

	if env.Error != nil {
		remote := *env.Error
		wait <- result{err: &remote}
		return
	}
	wait <- result{value: envelope.NewValue(d.codec, env.Response)}
}

// watch rejects pending calls when the channel goes away underneath us.
func (d *Dispatcher) watch() {
	select {
	case <-d.stop:
	case <-d.ch.Done():
		d.rejectAll(perr.ErrChannelClosed)
	}
}

func (d *Dispatcher) rejectAll(err error) int {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[uint64]chan result)
	d.mu.Unlock()

	for _, wait := range pending {
		wait <- result{err: err}
	}
	return len(pending)
}

// Destroy stops listening on the channel and rejects every pending call
// with ErrDispatcherClosed. Later calls to Exec fail the same way.
// The channel itself is left open. Safe to call more than once.
func (d *Dispatcher) Destroy() {
	if d == nil {
		return
	}
	d.destroyOnce.Do(func() {
		d.unsubscribe()
		close(d.stop)

		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		if n := d.rejectAll(perr.ErrDispatcherClosed); n > 0 {
			d.logger.Debug("rejected pending calls on destroy", slog.Int("count", n))
		}
	})
}
