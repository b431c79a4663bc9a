// Package events implements publish/subscribe between the hub and its
// workers, keyed by the pair (origin, event).
//
// Every emission travels through the hub. A worker bus tells the hub when
// it gains its first listener for a key and when it loses its last one,
// so the hub forwards each event only to workers that asked for it.
// Events are not buffered: a listener added after an emission does not
// see it.
package events

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"

	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/randalmurphal/procbus/pkg/procbus/observability"
)

// Key identifies one event stream.
type Key struct {
	// Origin is "main" for the hub or the registered name of a worker.
	Origin string
	Event  string
}

func (k Key) String() string {
	return k.Origin + ":" + k.Event
}

func (k Key) validate() error {
	if k.Origin == "" || k.Event == "" {
		return fmt.Errorf("%w: origin and event are required", perr.ErrInvalidParams)
	}
	return nil
}

// ListenerFunc receives the payload of an event. A returned error is logged.
type ListenerFunc func(ctx context.Context, data envelope.Value) error

// Listener is a registered callback. Listeners are compared by identity,
// so keep the pointer returned by NewListener to remove it later.
type Listener struct {
	fn ListenerFunc
}

// NewListener wraps fn.
func NewListener(fn ListenerFunc) *Listener {
	return &Listener{fn: fn}
}

// Option configures a bus.
type Option func(*options)

type options struct {
	tel   observability.Telemetry
	codec envelope.Codec
}

// WithTelemetry sets the logger, metrics recorder and span manager.
func WithTelemetry(tel observability.Telemetry) Option {
	return func(o *options) {
		o.tel = tel
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.tel.Logger = logger
	}
}

// WithCodec sets the codec used for payloads the hub emits itself.
// Ignored by worker buses, which use their channel's codec.
func WithCodec(codec envelope.Codec) Option {
	return func(o *options) {
		o.codec = codec
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	o.tel = o.tel.WithDefaults()
	if o.codec == nil {
		o.codec = envelope.JSON
	}
	return o
}

// listenerSet maps keys to the listeners registered for them.
type listenerSet struct {
	mu   sync.Mutex
	keys map[Key][]*Listener
}

func newListenerSet() *listenerSet {
	return &listenerSet{keys: make(map[Key][]*Listener)}
}

// add registers l. Returns added=false when l was already registered and
// first=true when the key had no listeners before.
func (s *listenerSet) add(key Key, l *Listener) (added, first bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.keys[key]
	if slices.Contains(current, l) {
		return false, false
	}
	s.keys[key] = append(current, l)
	return true, len(current) == 0
}

// remove unregisters l. Returns last=true when the key has no listeners left.
func (s *listenerSet) remove(key Key, l *Listener) (found, last bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current := s.keys[key]
	i := slices.Index(current, l)
	if i < 0 {
		return false, false
	}
	current = slices.Delete(slices.Clone(current), i, i+1)
	if len(current) == 0 {
		delete(s.keys, key)
		return true, true
	}
	s.keys[key] = current
	return true, false
}

func (s *listenerSet) snapshot(key Key) []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.keys[key])
}

// drain removes every listener and returns the keys that had any.
func (s *listenerSet) drain() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	clear(s.keys)
	return keys
}

func (s *listenerSet) keyList() []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]Key, 0, len(s.keys))
	for k := range s.keys {
		keys = append(keys, k)
	}
	return keys
}

// notify runs every listener for one event. A listener that fails or
// panics is logged and the rest still run.
func notify(ctx context.Context, logger *slog.Logger, key Key, listeners []*Listener, data envelope.Value) {
	for _, l := range listeners {
		if err := call(ctx, l, data); err != nil {
			observability.LogListenerError(logger, key.Origin, key.Event, err)
		}
	}
}

func call(ctx context.Context, l *Listener, data envelope.Value) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = &perr.PanicError{Value: rec, Stack: string(debug.Stack())}
		}
	}()
	return l.fn(ctx, data)
}
