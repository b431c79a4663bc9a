package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/randalmurphal/procbus/pkg/procbus/channel"
	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
	perr "github.com/randalmurphal/procbus/pkg/procbus/errors"
	"github.com/randalmurphal/procbus/pkg/procbus/observability"
)

// WorkerBus is the event bus of a worker process.
type WorkerBus struct {
	token  string
	ch     channel.Channel
	tel    observability.Telemetry
	logger *slog.Logger

	// control serializes listener changes with the subscribe and
	// unsubscribe messages they cause, so the hub sees them in order.
	control   sync.Mutex
	listeners *listenerSet

	queue       *serialQueue
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	closeOnce   sync.Once
}

// NewWorkerBus starts a bus on the worker end of ch. token is the
// instance token sent with subscription changes.
func NewWorkerBus(token string, ch channel.Channel, opts ...Option) (*WorkerBus, error) {
	if ch == nil {
		return nil, perr.ErrNotInitialized
	}
	if token == "" {
		return nil, fmt.Errorf("%w: instance token is required", perr.ErrInvalidParams)
	}
	o := buildOptions(opts)

	ctx, cancel := context.WithCancel(context.Background())
	b := &WorkerBus{
		token:     token,
		ch:        ch,
		tel:       o.tel,
		logger:    observability.EnrichLogger(o.tel.Logger, "worker", token),
		listeners: newListenerSet(),
		queue:     newSerialQueue(),
		ctx:       ctx,
		cancel:    cancel,
	}
	b.unsubscribe = ch.Subscribe(b.onMessage)
	return b, nil
}

// Emit publishes event through the hub. data is encoded with the channel
// codec; nil sends an empty payload.
func (b *WorkerBus) Emit(ctx context.Context, event string, data any) error {
	if event == "" {
		return fmt.Errorf("%w: event is required", perr.ErrInvalidParams)
	}
	raw, err := envelope.EncodeAny(b.ch.Codec(), data)
	if err != nil {
		return err
	}
	return b.ch.Send(ctx, envelope.NewEmit(event, raw))
}

// On adds l for events named event emitted by origin. The first listener
// for a key subscribes this worker at the hub; if that message cannot be
// sent the listener is not added. Adding the same listener twice is a no-op.
func (b *WorkerBus) On(origin, event string, l *Listener) error {
	key := Key{Origin: origin, Event: event}
	if err := key.validate(); err != nil {
		return err
	}
	if l == nil || l.fn == nil {
		return fmt.Errorf("%w: nil listener", perr.ErrInvalidParams)
	}

	b.control.Lock()
	defer b.control.Unlock()

	added, first := b.listeners.add(key, l)
	if !added || !first {
		return nil
	}
	if err := b.ch.Send(b.ctx, envelope.NewSubscribe(b.token, origin, event)); err != nil {
		b.listeners.remove(key, l)
		return fmt.Errorf("subscribe %s: %w", key, err)
	}
	return nil
}

// Listen wraps fn in a Listener, adds it and returns it.
func (b *WorkerBus) Listen(origin, event string, fn ListenerFunc) (*Listener, error) {
	l := NewListener(fn)
	if err := b.On(origin, event, l); err != nil {
		return nil, err
	}
	return l, nil
}

// Off removes l. Removing the last listener for a key unsubscribes this
// worker at the hub. Returns false, and logs, if l was not registered.
func (b *WorkerBus) Off(origin, event string, l *Listener) bool {
	key := Key{Origin: origin, Event: event}

	b.control.Lock()
	defer b.control.Unlock()

	found, last := b.listeners.remove(key, l)
	if !found {
		b.logger.Warn("listener not registered",
			slog.String("origin", origin),
			slog.String("event", event),
		)
		return false
	}
	if last {
		if err := b.ch.Send(b.ctx, envelope.NewUnsubscribe(b.token, origin, event)); err != nil {
			observability.LogSendError(b.logger, "unsubscribe "+key.String(), err)
		}
	}
	return true
}

// Keys returns the keys that currently have listeners.
func (b *WorkerBus) Keys() []Key {
	return b.listeners.keyList()
}

func (b *WorkerBus) onMessage(env *envelope.Envelope) {
	if env.Type != envelope.TypeDispatch {
		return
	}
	if err := envelope.CheckVersion(env); err != nil {
		observability.LogVersionMismatch(b.logger, err)
		b.tel.Metrics.RecordDropped(b.ctx, "version")
		return
	}
	if err := env.Validate(); err != nil {
		observability.LogMalformed(b.logger, err)
		b.tel.Metrics.RecordDropped(b.ctx, "malformed")
		return
	}

	key := Key{Origin: env.Origin, Event: env.Event}
	listeners := b.listeners.snapshot(key)
	if len(listeners) == 0 {
		observability.LogUnhandledEvent(b.logger, key.Origin, key.Event)
		b.tel.Metrics.RecordDropped(b.ctx, "no_listeners")
		return
	}

	data := envelope.NewValue(b.ch.Codec(), env.Data)
	b.queue.submit(func() {
		notify(b.ctx, b.logger, key, listeners, data)
	})
}

// Close stops delivering events and withdraws every subscription this
// instance holds at the hub. Other instances sharing the channel keep theirs.
func (b *WorkerBus) Close() {
	b.closeOnce.Do(func() {
		b.unsubscribe()

		b.control.Lock()
		for _, key := range b.listeners.drain() {
			err := b.ch.Send(b.ctx, envelope.NewUnsubscribe(b.token, key.Origin, key.Event))
			if err != nil && !errors.Is(err, perr.ErrChannelClosed) {
				observability.LogSendError(b.logger, "unsubscribe "+key.String(), err)
			}
		}
		b.control.Unlock()

		b.cancel()
		b.queue.stop()
	})
}
