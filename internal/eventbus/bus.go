// Package eventbus is an ordered, sequential async dispatcher. UI-facing
// side effects (title updates, redirects, completion signals) must apply in
// emission order even when individual handlers are slow, so the bus drains
// its queue one event at a time instead of dispatching concurrently.
package eventbus

import (
	"sync"

	"github.com/codefionn/plauderschnell/internal/logger"
)

// Event is anything published on the bus, discriminated by Kind.
type Event interface {
	Kind() Kind
}

// Kind names an event category for subscription.
type Kind string

// Handler consumes one event. Handlers run on the bus goroutine; the next
// event is not dispatched until the handler returns.
type Handler func(Event)

// Bus dispatches events in emission order.
type Bus struct {
	mu       sync.Mutex
	queue    []Event
	handlers map[Kind][]Handler
	all      []Handler
	wake     chan struct{}
	done     chan struct{}
	closed   bool
	wg       sync.WaitGroup
}

// New creates a bus and starts its drain goroutine.
func New() *Bus {
	b := &Bus{
		handlers: make(map[Kind][]Handler),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.wg.Add(1)
	go b.drain()
	return b
}

// Subscribe registers a handler for one event kind.
func (b *Bus) Subscribe(kind Kind, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[kind] = append(b.handlers[kind], h)
}

// SubscribeAll registers a handler for every event.
func (b *Bus) SubscribeAll(h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.all = append(b.all, h)
}

// Publish enqueues an event. The queue is unbounded so emission order is
// never sacrificed to backpressure; publishing never blocks.
func (b *Bus) Publish(ev Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		logger.Debug("eventbus: dropping %s after close", ev.Kind())
		return
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Close stops the bus after the queue is drained.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

func (b *Bus) drain() {
	defer b.wg.Done()

	for {
		ev, ok := b.next()
		if ok {
			b.dispatch(ev)
			continue
		}

		select {
		case <-b.wake:
		case <-b.done:
			// Flush whatever was queued before close.
			for {
				ev, ok := b.next()
				if !ok {
					return
				}
				b.dispatch(ev)
			}
		}
	}
}

func (b *Bus) next() (Event, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil, false
	}
	ev := b.queue[0]
	b.queue = b.queue[1:]
	return ev, true
}

func (b *Bus) dispatch(ev Event) {
	b.mu.Lock()
	hs := append([]Handler(nil), b.handlers[ev.Kind()]...)
	hs = append(hs, b.all...)
	b.mu.Unlock()

	for _, h := range hs {
		h(ev)
	}
}
