package procbus

import (
	"context"
	"sync"

	"github.com/randalmurphal/procbus/pkg/procbus/action"
	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/dispatcher"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/randalmurphal/procbus/pkg/procbus/events"
	"github.com/randalmurphal/procbus/pkg/procbus/observability"
)

// Worker is the protocol stack of a worker process, talking to the hub
// over one channel. Several Workers may share a channel; each answers only
// the actions it handles and only the responses to its own calls.
type Worker struct {
	token string
	ch    channel.Channel
	tel   observability.Telemetry

	actions   *action.Registry
	stopServe func()
	disp      *dispatcher.Dispatcher
	events    *events.WorkerBus

	closeOnce sync.Once
}

// NewWorker starts serving on ch. Fails with ErrNotInitialized if ch is nil.
func NewWorker(ch channel.Channel, opts ...Option) (*Worker, error) {
	if ch == nil {
		return nil, perr.ErrNotInitialized
	}
	cfg := buildConfig(opts)
	tel := cfg.telemetry(RoleWorker.String())

	// Every component subscribes through mux so they all see the first
	// envelope that arrives.
	mux := channel.NewMux(ch)
	disp, err := dispatcher.New(dispatcher.RoleWorker, cfg.token, mux, dispatcher.WithTelemetry(tel))
	if err != nil {
		return nil, err
	}
	bus, err := events.NewWorkerBus(cfg.token, mux, events.WithTelemetry(tel))
	if err != nil {
		disp.Destroy()
		return nil, err
	}
	actions := action.NewRegistry(action.WithTelemetry(tel))
	stopServe := actions.Serve(context.Background(), mux)
	mux.Start()

	return &Worker{
		token:     cfg.token,
		ch:        ch,
		tel:       tel,
		actions:   actions,
		stopServe: stopServe,
		disp:      disp,
		events:    bus,
	}, nil
}

// Token returns the worker's instance token.
func (w *Worker) Token() string {
	return w.token
}

// Exec calls action on target: "main" for the hub or another worker's name.
// An empty target means "main".
func (w *Worker) Exec(ctx context.Context, target, action string, params ...any) (Value, error) {
	if w == nil {
		return Value{}, perr.ErrNotInitialized
	}
	return w.disp.Exec(ctx, target, action, params...)
}

// Handle registers an action callable by the hub and by other workers.
func (w *Worker) Handle(name string, fn Handler) error {
	return w.actions.Handle(name, fn)
}

// RemoveHandler unregisters an action.
func (w *Worker) RemoveHandler(name string) bool {
	return w.actions.RemoveHandler(name)
}

// Has reports whether the worker handles action name.
func (w *Worker) Has(name string) bool {
	return w.actions.Has(name)
}

// Events returns the worker's event bus.
func (w *Worker) Events() *events.WorkerBus {
	return w.events
}

// Listen subscribes fn to events named event from origin.
func (w *Worker) Listen(origin, event string, fn ListenerFunc) (*Listener, error) {
	return w.events.Listen(origin, event, fn)
}

// Off removes a listener.
func (w *Worker) Off(origin, event string, l *Listener) bool {
	return w.events.Off(origin, event, l)
}

// Notify emits event through the hub with this worker as origin.
func (w *Worker) Notify(ctx context.Context, event string, data any) error {
	return w.events.Emit(ctx, event, data)
}

// Close withdraws this instance's event subscriptions, stops serving
// actions and rejects calls still waiting for a response with
// ErrDispatcherClosed. The channel is left open.
func (w *Worker) Close() error {
	w.closeOnce.Do(func() {
		w.events.Close()
		w.stopServe()
		w.disp.Destroy()
	})
	return nil
}
