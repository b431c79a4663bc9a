// Package broker routes action calls on the hub.
//
// The hub holds one channel per worker. For each registered worker the
// broker owns a router made of that channel and a hub-role dispatcher.
// Requests a worker sends to "main" run in the hub's own handler table;
// requests naming another worker are forwarded through that worker's
// dispatcher and the outcome is relayed back under the original request id.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/randalmurphal/procbus/pkg/procbus/action"
	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/dispatcher"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/randalmurphal/procbus/pkg/procbus/observability"
	"github.com/randalmurphal/procbus/pkg/procbus/registry"
)

// Option configures a Broker.
type Option func(*Broker)

// WithTelemetry sets the logger, metrics recorder and span manager.
func WithTelemetry(tel observability.Telemetry) Option {
	return func(b *Broker) {
		b.tel = tel
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Broker) {
		b.tel.Logger = logger
	}
}

// Broker routes requests between the hub and its workers.
type Broker struct {
	token   string
	local   *action.Registry
	tel     observability.Telemetry
	routers *registry.Registry[string, *router]

	// mu serializes Register and Unregister.
	mu sync.Mutex
}

// New creates a broker. token is the hub's instance token, used on every
// request the hub sends to a worker. local runs requests targeting "main".
func New(token string, local *action.Registry, opts ...Option) *Broker {
	b := &Broker{
		token:   token,
		local:   local,
		routers: registry.New[string, *router](),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.tel = b.tel.WithDefaults()
	return b
}

// Register starts routing for the worker reachable over ch. The broker
// takes ownership of ch and closes it on Unregister.
// Fails with ErrAlreadyRegistered if name is taken.
func (b *Broker) Register(name string, ch channel.Channel) error {
	if name == "" || name == envelope.MainTag {
		return fmt.Errorf("%w: invalid process name %q", perr.ErrInvalidParams, name)
	}
	if ch == nil {
		return perr.ErrNotInitialized
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Nothing reaches the router until it holds the name.
	mux := channel.NewMux(ch)
	r, err := newRouter(name, mux, b)
	if err != nil {
		return err
	}
	if !b.routers.Add(name, r) {
		r.discard()
		return &perr.RegistrationError{Name: name, Err: perr.ErrAlreadyRegistered}
	}
	mux.Start()
	b.tel.Logger.Info("process registered", slog.String("worker", name))
	return nil
}

// Unregister stops routing for name, rejects calls still pending on its
// dispatcher and closes its channel.
// Fails with ErrNotRegistered if name is unknown.
func (b *Broker) Unregister(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.routers.Remove(name)
	if !ok {
		return &perr.RegistrationError{Name: name, Err: perr.ErrNotRegistered}
	}
	r.close()
	b.tel.Logger.Info("process unregistered", slog.String("worker", name))
	return nil
}

// Has reports whether name is registered.
func (b *Broker) Has(name string) bool {
	return b.routers.Has(name)
}

// Workers returns the registered worker names in sorted order.
func (b *Broker) Workers() []string {
	names := b.routers.Keys()
	slices.Sort(names)
	return names
}

// Dispatcher returns the hub-side dispatcher for a worker.
func (b *Broker) Dispatcher(name string) (*dispatcher.Dispatcher, bool) {
	r, ok := b.routers.Get(name)
	if !ok {
		return nil, false
	}
	return r.disp, true
}

// Channel returns the channel of a registered worker.
func (b *Broker) Channel(name string) (channel.Channel, bool) {
	r, ok := b.routers.Get(name)
	if !ok {
		return nil, false
	}
	return r.ch, true
}

// Exec calls action on the worker named target. Params are encoded with
// that worker's channel codec. Fails with a TargetError when target is not
// registered.
func (b *Broker) Exec(ctx context.Context, target, action string, params ...any) (envelope.Value, error) {
	r, ok := b.routers.Get(target)
	if !ok {
		return envelope.Value{}, &perr.TargetError{Target: target}
	}
	return r.disp.Exec(ctx, "", action, params...)
}

// Forward calls action on the worker named target with params encoded by
// any codec, transcoding them for the worker's channel.
func (b *Broker) Forward(ctx context.Context, target, action string, params envelope.Params) (envelope.Value, error) {
	r, ok := b.routers.Get(target)
	if !ok {
		return envelope.Value{}, &perr.TargetError{Target: target}
	}
	raw, err := params.Transcode(r.ch.Codec())
	if err != nil {
		return envelope.Value{}, err
	}
	return r.disp.ExecRaw(ctx, "", action, raw)
}

// Close unregisters every worker.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name, r := range b.routers.Drain() {
		r.close()
		b.tel.Logger.Debug("process unregistered", slog.String("worker", name))
	}
}
