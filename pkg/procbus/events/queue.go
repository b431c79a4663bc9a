package events

import "sync"

// serialQueue runs submitted functions one at a time in submission order
// on its own goroutine. Listeners run there rather than on the channel's
// delivery goroutine, so a listener may make calls whose responses arrive
// on that same channel.
type serialQueue struct {
	mu     sync.Mutex
	tasks  []func()
	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

func newSerialQueue() *serialQueue {
	q := &serialQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *serialQueue) submit(fn func()) {
	select {
	case <-q.done:
		return
	default:
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *serialQueue) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.signal:
		}

		q.mu.Lock()
		batch := q.tasks
		q.tasks = nil
		q.mu.Unlock()

		for _, fn := range batch {
			select {
			case <-q.done:
				return
			default:
			}
			fn()
		}
	}
}

// stop discards queued tasks. A task already running finishes.
func (q *serialQueue) stop() {
	q.once.Do(func() { close(q.done) })
}
