package procbus

import (
	"context"

	"github.com/randalmurphal/procbus/pkg/procbus/action"
	"github.com/randalmurphal/procbus/pkg/procbus/dispatcher"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	"github.com/randalmurphal/procbus/pkg/procbus/events"
)

// MainTag is the name of the hub as a call target and event origin.
const MainTag = envelope.MainTag

// Role is the side of a channel a process runs on.
type Role = dispatcher.Role

// Roles.
const (
	RoleHub    = dispatcher.RoleHub
	RoleWorker = dispatcher.RoleWorker
)

type (
	// Handler runs an action.
	Handler = action.Handler
	// Params are the positional arguments of a call.
	Params = envelope.Params
	// Value is an encoded result or event payload.
	Value = envelope.Value
	// Listener is a registered event callback.
	Listener = events.Listener
	// ListenerFunc receives an event payload.
	ListenerFunc = events.ListenerFunc
)

// NewListener wraps fn so it can be added and later removed.
func NewListener(fn ListenerFunc) *Listener {
	return events.NewListener(fn)
}

// Caller is implemented by Hub and Worker.
type Caller interface {
	Exec(ctx context.Context, target, action string, params ...any) (Value, error)
}

// Call runs action on target and decodes the result into T.
//
//	n, err := procbus.Call[int](ctx, worker, "main", "count")
func Call[T any](ctx context.Context, c Caller, target, action string, params ...any) (T, error) {
	var out T
	v, err := c.Exec(ctx, target, action, params...)
	if err != nil {
		return out, err
	}
	if err := v.Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
