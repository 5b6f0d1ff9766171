package events

import (
	"log/slog"
	"sync"

	"github.com/1broseidon/winsync/internal/metrics"
)

// Handler receives one event.
type Handler func(Event)

type subscription struct {
	id uint64
	fn Handler
}

// delivery pairs an event with the handlers registered when it was
// published, so late subscribers never see earlier events.
type delivery struct {
	event    Event
	handlers []subscription
	flushed  chan struct{}
}

// Bus delivers events to handlers on a single dispatcher goroutine, in
// publish order. Publish never blocks on handlers.
type Bus struct {
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	cond     *sync.Cond
	queue    []delivery
	handlers map[Kind][]subscription
	wildcard []subscription
	nextID   uint64
	closed   bool
	done     chan struct{}
}

// NewBus starts the dispatcher goroutine. Call Close to stop it.
func NewBus(logger *slog.Logger, m *metrics.Metrics) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		logger:   logger,
		metrics:  m,
		handlers: make(map[Kind][]subscription),
		done:     make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	go b.run()
	return b
}

// On registers h for events of kind k. The returned func unregisters it.
func (b *Bus) On(k Kind, h Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[k] = append(b.handlers[k], subscription{id: id, fn: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[k] = remove(b.handlers[k], id)
	}
}

// OnAny registers h for every event.
func (b *Bus) OnAny(h Handler) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.wildcard = append(b.wildcard, subscription{id: id, fn: h})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.wildcard = remove(b.wildcard, id)
	}
}

// Publish queues events for delivery in the given order.
func (b *Bus) Publish(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for _, ev := range evs {
		hs := make([]subscription, 0, len(b.handlers[ev.Kind])+len(b.wildcard))
		hs = append(hs, b.handlers[ev.Kind]...)
		hs = append(hs, b.wildcard...)
		b.queue = append(b.queue, delivery{event: ev, handlers: hs})
	}
	b.metrics.PendingDispatch(len(b.queue))
	b.cond.Signal()
}

// Flush blocks until every event published before the call has been
// delivered.
func (b *Bus) Flush() {
	ch := make(chan struct{})
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, delivery{flushed: ch})
	b.cond.Signal()
	b.mu.Unlock()
	<-ch
}

// Close delivers what is already queued and stops the dispatcher.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		<-b.done
		return
	}
	b.closed = true
	b.cond.Signal()
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for {
		b.mu.Lock()
		for len(b.queue) == 0 && !b.closed {
			b.cond.Wait()
		}
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		d := b.queue[0]
		b.queue[0] = delivery{}
		b.queue = b.queue[1:]
		b.metrics.PendingDispatch(len(b.queue))
		b.mu.Unlock()

		if d.flushed != nil {
			close(d.flushed)
			continue
		}
		for _, s := range d.handlers {
			b.call(s, d.event)
		}
	}
}

func (b *Bus) call(s subscription, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "kind", ev.Kind, "panic", r)
		}
	}()
	s.fn(ev)
}

func remove(subs []subscription, id uint64) []subscription {
	out := make([]subscription, 0, len(subs))
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}
