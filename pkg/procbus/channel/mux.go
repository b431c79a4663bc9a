package channel

import (
	"slices"
	"sync"

	"github.com/randalmurphal/procbus/pkg/procbus/envelope"
)

// Mux lets several components subscribe to one channel and start receiving
// at the same moment. Listeners added before Start are collected; Start
// subscribes to the underlying channel once and fans every envelope out in
// subscription order. Everything else is passed through.
type Mux struct {
	Channel

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
	startOnce sync.Once
}

// NewMux wraps ch. Nothing is delivered until Start.
func NewMux(ch Channel) *Mux {
	return &Mux{Channel: ch, listeners: make(map[uint64]Listener)}
}

// Subscribe adds fn to the fan-out.
func (m *Mux) Subscribe(fn Listener) func() {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Start begins delivery. Later calls do nothing.
func (m *Mux) Start() {
	m.startOnce.Do(func() {
		m.Channel.Subscribe(m.deliver)
	})
}

func (m *Mux) deliver(env *envelope.Envelope) {
	m.mu.Lock()
	ids := make([]uint64, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	snapshot := make([]Listener, 0, len(ids))
	for _, id := range ids {
		snapshot = append(snapshot, m.listeners[id])
	}
	m.mu.Unlock()

	for _, fn := range snapshot {
		fn(env)
	}
}
