package procbus

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/randalmurphal/procbus/pkg/procbus/action"
	"github.com/randalmurphal/procbus/pkg/procbus/broker"
	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/randalmurphal/procbus/pkg/procbus/events"
	"github.com/randalmurphal/procbus/pkg/procbus/observability"
)

// Hub is the coordinating process. It runs its own actions, routes calls
// between workers and fans events out to subscribed workers.
type Hub struct {
	token string
	codec envelope.Codec
	tel   observability.Telemetry

	actions *action.Registry
	broker  *broker.Broker
	events  *events.HubBus

	// mu serializes Register, Unregister and Close.
	mu     sync.Mutex
	closed bool
}

// NewHub creates a hub with no workers.
func NewHub(opts ...Option) *Hub {
	cfg := buildConfig(opts)
	tel := cfg.telemetry(RoleHub.String())

	actions := action.NewRegistry(action.WithTelemetry(tel))
	return &Hub{
		token:   cfg.token,
		codec:   cfg.codec,
		tel:     tel,
		actions: actions,
		broker:  broker.New(cfg.token, actions, broker.WithTelemetry(tel)),
		events:  events.NewHubBus(events.WithTelemetry(tel), events.WithCodec(cfg.codec)),
	}
}

// Token returns the hub's instance token.
func (h *Hub) Token() string {
	return h.token
}

// Handle registers a hub action, callable by workers as target "main".
func (h *Hub) Handle(name string, fn Handler) error {
	return h.actions.Handle(name, fn)
}

// RemoveHandler unregisters a hub action.
func (h *Hub) RemoveHandler(name string) bool {
	return h.actions.RemoveHandler(name)
}

// Has reports whether the hub handles action name.
func (h *Hub) Has(name string) bool {
	return h.actions.Has(name)
}

// Events returns the hub's event bus.
func (h *Hub) Events() *events.HubBus {
	return h.events
}

// Listen adds a hub listener for events named event from origin.
func (h *Hub) Listen(origin, event string, fn ListenerFunc) (*Listener, error) {
	return h.events.Listen(origin, event, fn)
}

// Off removes a hub listener.
func (h *Hub) Off(origin, event string, l *Listener) bool {
	return h.events.Off(origin, event, l)
}

// Notify emits event with origin "main" to hub listeners and subscribed workers.
func (h *Hub) Notify(ctx context.Context, event string, data any) error {
	return h.events.Emit(ctx, event, data)
}

// Register connects the worker reachable over ch under name. The hub owns
// ch from here on and closes it on Unregister or Close.
func (h *Hub) Register(name string, ch channel.Channel) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return perr.ErrDispatcherClosed
	}

	if ch == nil {
		return perr.ErrNotInitialized
	}
	mux := channel.NewMux(ch)
	if err := h.events.Attach(name, mux); err != nil {
		return err
	}
	if err := h.broker.Register(name, mux); err != nil {
		if detachErr := h.events.Detach(name); detachErr != nil {
			h.tel.Logger.Error("rolling back event routing",
				slog.String("worker", name),
				slog.String("error", detachErr.Error()),
			)
		}
		return err
	}
	mux.Start()
	return nil
}

// Unregister disconnects a worker: its calls stop being routed, calls to
// it still pending are rejected, its event subscriptions are dropped and
// its channel is closed.
func (h *Hub) Unregister(name string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.broker.Has(name) {
		return &perr.RegistrationError{Name: name, Err: perr.ErrNotRegistered}
	}
	if err := h.events.Detach(name); err != nil && !errors.Is(err, perr.ErrNotRegistered) {
		return err
	}
	return h.broker.Unregister(name)
}

// Workers returns the registered worker names in sorted order.
func (h *Hub) Workers() []string {
	return h.broker.Workers()
}

// Exec calls action on target. Target "main" (or "") runs a hub action
// directly and fails with ErrActionNotSet if there is no handler. Any
// other target must be a registered worker.
func (h *Hub) Exec(ctx context.Context, target, action string, params ...any) (Value, error) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		return Value{}, perr.ErrDispatcherClosed
	}

	if target != "" && target != MainTag {
		return h.broker.Exec(ctx, target, action, params...)
	}

	raw, err := envelope.EncodeParams(h.codec, params...)
	if err != nil {
		return Value{}, err
	}
	result, err := h.actions.Exec(ctx, action, envelope.NewParams(h.codec, raw))
	if err != nil {
		return Value{}, err
	}
	out, err := envelope.EncodeAny(h.codec, result)
	if err != nil {
		return Value{}, err
	}
	return envelope.NewValue(h.codec, out), nil
}

// Close unregisters every worker and stops event delivery.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.events.Close()
	h.broker.Close()
	return nil
}
