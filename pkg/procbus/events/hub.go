package events

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/randalmurphal/procbus/pkg/procbus/observability"
)

// HubBus is the event bus of the hub. It delivers events to the hub's own
// listeners and forwards them to every attached worker subscribed to the
// event's key.
type HubBus struct {
	codec  envelope.Codec
	tel    observability.Telemetry
	logger *slog.Logger

	listeners *listenerSet
	queue     *serialQueue

	mu      sync.RWMutex
	workers map[string]*subscriber

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// subscriber is one attached worker and the keys it is subscribed to.
// Each key holds the instance tokens that asked for it, so independent
// bus instances inside one worker keep their interest separately.
type subscriber struct {
	name        string
	ch          channel.Channel
	unsubscribe func()

	mu   sync.Mutex
	subs map[Key]map[string]struct{}
}

// NewHubBus creates the hub's bus.
func NewHubBus(opts ...Option) *HubBus {
	o := buildOptions(opts)
	ctx, cancel := context.WithCancel(context.Background())
	return &HubBus{
		codec:     o.codec,
		tel:       o.tel,
		logger:    o.tel.Logger.With(slog.String("role", "hub")),
		listeners: newListenerSet(),
		queue:     newSerialQueue(),
		workers:   make(map[string]*subscriber),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Attach starts routing the events of the worker named name.
func (h *HubBus) Attach(name string, ch channel.Channel) error {
	if name == "" || name == envelope.MainTag {
		return fmt.Errorf("%w: invalid process name %q", perr.ErrInvalidParams, name)
	}
	if ch == nil {
		return perr.ErrNotInitialized
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.workers[name]; ok {
		return &perr.RegistrationError{Name: name, Err: perr.ErrAlreadyRegistered}
	}

	s := &subscriber{
		name: name,
		ch:   ch,
		subs: make(map[Key]map[string]struct{}),
	}
	s.unsubscribe = ch.Subscribe(func(env *envelope.Envelope) {
		h.onMessage(s, env)
	})
	h.workers[name] = s
	return nil
}

// Detach stops routing for name and forgets its subscriptions.
func (h *HubBus) Detach(name string) error {
	h.mu.Lock()
	s, ok := h.workers[name]
	delete(h.workers, name)
	h.mu.Unlock()

	if !ok {
		return &perr.RegistrationError{Name: name, Err: perr.ErrNotRegistered}
	}
	s.unsubscribe()
	return nil
}

// On adds a hub listener. The hub sends no control message: it sees every
// emission itself.
func (h *HubBus) On(origin, event string, l *Listener) error {
	key := Key{Origin: origin, Event: event}
	if err := key.validate(); err != nil {
		return err
	}
	if l == nil || l.fn == nil {
		return fmt.Errorf("%w: nil listener", perr.ErrInvalidParams)
	}
	h.listeners.add(key, l)
	return nil
}

// Listen wraps fn in a Listener, adds it and returns it.
func (h *HubBus) Listen(origin, event string, fn ListenerFunc) (*Listener, error) {
	l := NewListener(fn)
	if err := h.On(origin, event, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Off removes a hub listener. Returns false, and logs, if l was not registered.
func (h *HubBus) Off(origin, event string, l *Listener) bool {
	found, _ := h.listeners.remove(Key{Origin: origin, Event: event}, l)
	if !found {
		h.logger.Warn("listener not registered",
			slog.String("origin", origin),
			slog.String("event", event),
		)
	}
	return found
}

// Emit publishes an event with origin "main". data is encoded with the
// hub codec.
func (h *HubBus) Emit(ctx context.Context, event string, data any) error {
	if event == "" {
		return fmt.Errorf("%w: event is required", perr.ErrInvalidParams)
	}
	raw, err := envelope.EncodeAny(h.codec, data)
	if err != nil {
		return err
	}
	h.route(ctx, envelope.MainTag, event, envelope.NewValue(h.codec, raw))
	return nil
}

// Subscribers returns the sorted names of workers subscribed to (origin, event).
func (h *HubBus) Subscribers(origin, event string) []string {
	key := Key{Origin: origin, Event: event}
	var names []string
	for _, s := range h.snapshot() {
		if s.interested(key) {
			names = append(names, s.name)
		}
	}
	slices.Sort(names)
	return names
}

// Close detaches every worker and stops delivering to hub listeners.
func (h *HubBus) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		workers := h.workers
		h.workers = make(map[string]*subscriber)
		h.mu.Unlock()

		for _, s := range workers {
			s.unsubscribe()
		}
		h.cancel()
		h.queue.stop()
	})
}

func (h *HubBus) snapshot() []*subscriber {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*subscriber, 0, len(h.workers))
	for _, s := range h.workers {
		out = append(out, s)
	}
	return out
}

// route delivers an event to hub listeners, then forwards it to every
// subscribed worker.
func (h *HubBus) route(ctx context.Context, origin, event string, data envelope.Value) {
	key := Key{Origin: origin, Event: event}
	deliveries := 0

	if listeners := h.listeners.snapshot(key); len(listeners) > 0 {
		deliveries += len(listeners)
		h.queue.submit(func() {
			notify(h.ctx, h.logger, key, listeners, data)
		})
	}

	for _, s := range h.snapshot() {
		if !s.interested(key) {
			continue
		}
		raw, err := data.Transcode(s.ch.Codec())
		if err != nil {
			h.logger.Error("cannot encode event for worker",
				slog.String("worker", s.name),
				slog.String("event", key.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := s.ch.Send(ctx, envelope.NewDispatch(origin, event, raw)); err != nil {
			observability.LogSendError(h.logger.With(slog.String("worker", s.name)), "dispatch "+key.String(), err)
			continue
		}
		deliveries++
	}

	h.tel.Metrics.RecordEvent(ctx, origin, event, deliveries)
}

func (h *HubBus) onMessage(s *subscriber, env *envelope.Envelope) {
	switch env.Type {
	case envelope.TypeEmit, envelope.TypeSubscribe, envelope.TypeUnsubscribe:
	default:
		return
	}

	logger := h.logger.With(slog.String("worker", s.name))
	if err := envelope.CheckVersion(env); err != nil {
		observability.LogVersionMismatch(logger, err)
		h.tel.Metrics.RecordDropped(h.ctx, "version")
		return
	}
	if err := env.Validate(); err != nil {
		observability.LogMalformed(logger, err)
		h.tel.Metrics.RecordDropped(h.ctx, "malformed")
		return
	}

	switch env.Type {
	case envelope.TypeEmit:
		h.route(h.ctx, s.name, env.Event, envelope.NewValue(s.ch.Codec(), env.Data))
	case envelope.TypeSubscribe:
		if !s.subscribe(Key{Origin: env.Origin, Event: env.Event}, env.Token()) {
			logger.Warn("duplicate subscription",
				slog.String("origin", env.Origin),
				slog.String("event", env.Event),
				slog.String("instance", env.Token()),
			)
		}
	case envelope.TypeUnsubscribe:
		if !s.unsubscribeKey(Key{Origin: env.Origin, Event: env.Event}, env.Token()) {
			logger.Warn("unsubscribe for unknown subscription",
				slog.String("origin", env.Origin),
				slog.String("event", env.Event),
				slog.String("instance", env.Token()),
			)
		}
	}
}

func (s *subscriber) interested(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[key]) > 0
}

func (s *subscriber) subscribe(key Key, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, ok := s.subs[key]
	if !ok {
		tokens = make(map[string]struct{})
		s.subs[key] = tokens
	}
	if _, dup := tokens[token]; dup {
		return false
	}
	tokens[token] = struct{}{}
	return true
}

func (s *subscriber) unsubscribeKey(key Key, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tokens, ok := s.subs[key]
	if !ok {
		return false
	}
	if _, ok := tokens[token]; !ok {
		return false
	}
	delete(tokens, token)
	if len(tokens) == 0 {
		delete(s.subs, key)
	}
	return true
}
