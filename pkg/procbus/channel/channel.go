// Package channel provides the bidirectional message channels the hub and
// workers talk over.
//
// A Channel delivers envelopes to its subscribers in the order the peer sent
// them, on a single delivery goroutine per endpoint. Sends never block on
// the receiving side being busy: inbound frames queue until delivered.
// Frames that arrive before the first Subscribe wait for it.
//
// Three transports are provided:
//   - Pipe: an in-memory pair for tests and in-process workers
//   - Stream: length-prefixed frames over any io.Reader/io.Writer pair
//   - Spawn/Stdio: a Stream over a child process's stdin/stdout
//
// Mux wraps any of them when several components must start listening at once.
package channel

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

// DefaultMaxFrameSize bounds a single encoded envelope.
const DefaultMaxFrameSize = 64 << 20

// Listener receives inbound envelopes. The envelope is shared between all
// listeners of the channel and must not be modified.
type Listener func(env *envelope.Envelope)

// Channel is one endpoint of a bidirectional message channel.
type Channel interface {
	// Codec returns the codec envelopes are encoded with on this channel.
	Codec() envelope.Codec

	// Send encodes env and hands it to the peer.
	// Returns ErrChannelClosed once the channel is closed.
	Send(ctx context.Context, env *envelope.Envelope) error

	// Subscribe registers fn for every inbound envelope and returns a
	// function that removes it. Unsubscribing twice is a no-op.
	Subscribe(fn Listener) (unsubscribe func())

	// Close tears the channel down. Pending inbound frames are dropped.
	Close() error

	// Done is closed when the channel is closed from either side.
	Done() <-chan struct{}
}

// Option configures a channel endpoint.
type Option func(*options)

type options struct {
	logger       *slog.Logger
	maxFrameSize int
}

func defaultOptions() options {
	return options{
		logger:       slog.Default(),
		maxFrameSize: DefaultMaxFrameSize,
	}
}

// WithLogger sets the logger used for dropped frames and listener panics.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMaxFrameSize bounds the size of a single encoded envelope.
func WithMaxFrameSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxFrameSize = n
		}
	}
}

// endpoint holds the parts every transport shares: the listener table,
// the inbound queue and the delivery goroutine.
type endpoint struct {
	codec  envelope.Codec
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64

	// started is closed by the first Subscribe. Frames that arrive
	// earlier wait in the queue.
	started   chan struct{}
	startOnce sync.Once

	queueMu sync.Mutex
	queue   [][]byte
	signal  chan struct{}

	eof     chan struct{}
	eofOnce sync.Once

	done      chan struct{}
	closeOnce sync.Once
	onClose   func()
}

func newEndpoint(codec envelope.Codec, o options) *endpoint {
	e := &endpoint{
		codec:     codec,
		logger:    o.logger,
		listeners: make(map[uint64]Listener),
		signal:    make(chan struct{}, 1),
		started:   make(chan struct{}),
		eof:       make(chan struct{}),
		done:      make(chan struct{}),
	}
	go e.deliver()
	return e
}

func (e *endpoint) Codec() envelope.Codec {
	return e.codec
}

func (e *endpoint) Done() <-chan struct{} {
	return e.done
}

func (e *endpoint) closed() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *endpoint) Subscribe(fn Listener) func() {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[id] = fn
	e.mu.Unlock()
	e.startOnce.Do(func() { close(e.started) })

	return func() {
		e.mu.Lock()
		delete(e.listeners, id)
		e.mu.Unlock()
	}
}

// shutdown closes done exactly once. The transport hook runs outside the
// Once so a hook that closes a peer may re-enter shutdown on this endpoint.
func (e *endpoint) shutdown() {
	first := false
	e.closeOnce.Do(func() {
		close(e.done)
		first = true
	})
	if first && e.onClose != nil {
		e.onClose()
	}
}

// push queues an inbound frame for delivery.
func (e *endpoint) push(frame []byte) bool {
	if e.closed() {
		return false
	}
	e.queueMu.Lock()
	e.queue = append(e.queue, frame)
	e.queueMu.Unlock()

	select {
	case e.signal <- struct{}{}:
	default:
	}
	return true
}

// endInput marks that no more frames will arrive. Queued frames are
// delivered before the endpoint shuts down.
func (e *endpoint) endInput() {
	e.eofOnce.Do(func() { close(e.eof) })
}

func (e *endpoint) deliver() {
	select {
	case <-e.started:
	case <-e.eof:
	case <-e.done:
		return
	}

	for {
		draining := false
		select {
		case <-e.done:
			return
		case <-e.signal:
		case <-e.eof:
			draining = true
		}

		e.queueMu.Lock()
		batch := e.queue
		e.queue = nil
		e.queueMu.Unlock()

		for _, frame := range batch {
			if e.closed() {
				return
			}
			e.dispatch(frame)
		}
		if draining {
			e.shutdown()
			return
		}
	}
}

func (e *endpoint) dispatch(frame []byte) {
	env := new(envelope.Envelope)
	if err := e.codec.Unmarshal(frame, env); err != nil {
		observability.LogMalformed(e.logger, &perr.ProtocolError{Reason: err.Error()})
		return
	}

	e.mu.Lock()
	ids := make([]uint64, 0, len(e.listeners))
	for id := range e.listeners {
		ids = append(ids, id)
	}
	snapshot := make([]Listener, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		snapshot = append(snapshot, e.listeners[id])
	}
	e.mu.Unlock()

	for _, fn := range snapshot {
		e.invoke(fn, env)
	}
}

func (e *endpoint) invoke(fn Listener, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("channel listener panicked",
				slog.String("envelope", env.String()),
				slog.String("panic", fmt.Sprint(r)),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn(env)
}

func (e *endpoint) encode(ctx context.Context, env *envelope.Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", perr.ErrInvalidParams)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e.closed() {
		return nil, perr.ErrChannelClosed
	}
	data, err := e.codec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return data, nil
}
