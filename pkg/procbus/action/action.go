// Package action holds a process's table of named action handlers.
//
// The table has two entry points with different contracts:
//
//   - Exec is for direct local calls. An unknown action is an error.
//   - Serve answers requests arriving on a channel. An unknown action is
//     ignored without a response, so several independent handler tables
//     can listen on one channel and only the one that knows the action
//     answers.
//
// In both cases a failing or panicking handler is turned into an error
// result. It never escapes into the message loop.
package action

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"

	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/randalmurphal/procbus/pkg/procbus/observability"
	"github.com/randalmurphal/procbus/pkg/procbus/registry"
)

// Handler runs an action. params holds the positional arguments in the
// encoding of the channel they arrived on. The returned value is encoded
// with that same codec; an envelope.Value is re-encoded when needed.
type Handler func(ctx context.Context, params envelope.Params) (any, error)

// Option configures a Registry.
type Option func(*Registry)

// WithTelemetry sets the logger, metrics recorder and span manager.
func WithTelemetry(tel observability.Telemetry) Option {
	return func(r *Registry) {
		r.tel = tel
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		r.tel.Logger = logger
	}
}

// Registry maps action names to handlers. Safe for concurrent use.
type Registry struct {
	handlers *registry.Registry[string, Handler]
	tel      observability.Telemetry
}

// NewRegistry creates an empty handler table.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{handlers: registry.New[string, Handler]()}
	for _, opt := range opts {
		opt(r)
	}
	r.tel = r.tel.WithDefaults()
	return r
}

// Handle registers fn under name, replacing any previous handler.
func (r *Registry) Handle(name string, fn Handler) error {
	if name == "" {
		return perr.ErrActionRequired
	}
	if fn == nil {
		return fmt.Errorf("%w: nil handler for action %q", perr.ErrInvalidParams, name)
	}
	r.handlers.Set(name, fn)
	return nil
}

// RemoveHandler unregisters name. Returns false if it was not registered.
func (r *Registry) RemoveHandler(name string) bool {
	_, ok := r.handlers.Remove(name)
	return ok
}

// Has reports whether name has a handler.
func (r *Registry) Has(name string) bool {
	return r.handlers.Has(name)
}

// Actions returns the registered action names in sorted order.
func (r *Registry) Actions() []string {
	names := r.handlers.Keys()
	slices.Sort(names)
	return names
}

// Exec runs the handler for name. Returns an *errors.ActionError when no
// handler is registered.
func (r *Registry) Exec(ctx context.Context, name string, params envelope.Params) (any, error) {
	if name == "" {
		return nil, perr.ErrActionRequired
	}
	fn, ok := r.handlers.Get(name)
	if !ok {
		return nil, &perr.ActionError{Action: name}
	}
	return r.invoke(ctx, name, fn, params)
}

// invoke runs fn inside a handle span and converts panics into errors.
func (r *Registry) invoke(ctx context.Context, name string, fn Handler, params envelope.Params) (result any, err error) {
	ctx, span := r.tel.Spans.StartHandleSpan(ctx, name)
	elapsed := observability.TimedOperation()

	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &perr.PanicError{Value: rec, Stack: string(debug.Stack())}
		}
		if err != nil {
			observability.LogHandlerError(r.tel.Logger, name, err)
		}
		r.tel.Metrics.RecordHandled(ctx, name, elapsed(), err)
		r.tel.Spans.EndSpanWithError(span, err)
	}()

	return fn(ctx, params)
}
