// Package pubsub is an in-process event bus. Events are typed per subscription: a subscriber provides a channel of
// *Event[T] and only receives payloads of type T.
package pubsub

import (
	"sync"
	"sync/atomic"

	"replog/internal/replog"
)

// EventType identifies a kind of event. Packages define their own constants of this type.
type EventType int

// SubscriptionOptions configures the delivery to one subscriber
type SubscriptionOptions struct {
	// IsBlocking makes the bus wait for room in the subscriber's channel instead of dropping the event. A slow blocking
	// subscriber stalls every other subscriber.
	IsBlocking bool
}

// SubscriberID is returned by Subscribe and needed to Unsubscribe
type SubscriberID uint64

type Event[T any] struct {
	Type    EventType
	Payload T
}

func NewEvent[T any](eventType EventType, payload T) *Event[T] {
	return &Event[T]{Type: eventType, Payload: payload}
}

// subscriber hides the payload type of a subscription. send and close are closures over the typed channel, so
// subscriptions of different payload types share one registry.
type subscriber struct {
	send    func(eventType EventType, payload any) bool
	close   func()
	opts    SubscriptionOptions
	dropped atomic.Uint64
}

type message struct {
	eventType EventType
	payload   any
}

// Stats counts what happened on the bus since it was created
type Stats struct {
	Published   uint64
	Rejected    uint64
	Delivered   uint64
	Dropped     uint64
	Subscribers int
}

// Bus fans published events out to subscribers from a single goroutine, so all subscribers of an event type see
// events in publish order
type Bus struct {
	mu       sync.RWMutex
	wg       sync.WaitGroup
	registry map[EventType]map[SubscriberID]*subscriber
	nextID   SubscriberID

	// Buffered so that Publish does not wait for the previous fan-out, and drained on GracefulShutdown
	queue        chan message
	shuttingDown atomic.Bool

	logger    replog.Logger
	published atomic.Uint64
	rejected  atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// Subscribe registers ch for events of eventType. The caller owns the buffer size of ch; the bus closes ch on
// Unsubscribe and on shutdown.
//
// It is a function and not a method because methods cannot have type parameters.
func Subscribe[T any](b *Bus, eventType EventType, ch chan *Event[T], opts SubscriptionOptions) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID

	sub := &subscriber{opts: opts}
	sub.send = func(evType EventType, payload any) bool {
		typed, ok := payload.(T)
		if !ok {
			b.logger.Warnf("[PUBSUB] Event %v carries %T, subscriber %d expects %T", evType, payload, id, *new(T))
			return false
		}

		event := &Event[T]{Type: evType, Payload: typed}
		if opts.IsBlocking {
			ch <- event
			return true
		}
		select {
		case ch <- event:
			return true
		default:
			return false
		}
	}
	sub.close = func() { close(ch) }

	if b.shuttingDown.Load() {
		// Nothing will ever be delivered
		sub.close()
		return id
	}

	if _, ok := b.registry[eventType]; !ok {
		b.registry[eventType] = make(map[SubscriberID]*subscriber)
	}
	b.registry[eventType][id] = sub
	return id
}

// Unsubscribe removes a subscription and closes its channel
func (b *Bus) Unsubscribe(eventType EventType, id SubscriberID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, ok := b.registry[eventType]
	if !ok {
		return
	}
	sub, ok := subscribers[id]
	if !ok {
		return
	}

	delete(subscribers, id)
	sub.close()
	if len(subscribers) == 0 {
		delete(b.registry, eventType)
	}
	b.logger.Debugf("[PUBSUB] Unsubscribed %d from event type %v", id, eventType)
}

// Publish queues event for delivery. It returns false if the bus is shutting down and the event was dropped.
func Publish[T any](b *Bus, event *Event[T]) bool {
	// Holding the read lock keeps a shutdown from closing the queue between the check and the send
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.shuttingDown.Load() {
		b.rejected.Add(1)
		b.logger.Debugf("[PUBSUB] Dropping event %v, bus is shutting down", event.Type)
		return false
	}

	b.published.Add(1)
	b.queue <- message{eventType: event.Type, payload: event.Payload}
	return true
}

// Stats returns the counters of the bus
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	n := 0
	for _, subscribers := range b.registry {
		n += len(subscribers)
	}
	return Stats{
		Published:   b.published.Load(),
		Rejected:    b.rejected.Load(),
		Delivered:   b.delivered.Load(),
		Dropped:     b.dropped.Load(),
		Subscribers: n,
	}
}

// beginShutdown stops accepting events and closes the queue. It reports false if a shutdown already began.
func (b *Bus) beginShutdown() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.shuttingDown.Load() {
		return false
	}
	b.shuttingDown.Store(true)
	close(b.queue)
	return true
}

// ForceShutdown stops accepting events and returns without waiting for queued ones to be delivered
func (b *Bus) ForceShutdown() {
	if b.beginShutdown() {
		b.logger.Debugf("[PUBSUB] Force shutdown, %d events still queued", len(b.queue))
	}
}

// GracefulShutdown stops accepting events, delivers what is queued and closes all subscriber channels
func (b *Bus) GracefulShutdown() {
	b.beginShutdown()
	b.wg.Wait()
}

func (b *Bus) run() {
	defer b.wg.Done()

	for msg := range b.queue {
		b.mu.RLock()
		for id, sub := range b.registry[msg.eventType] {
			if sub.send(msg.eventType, msg.payload) {
				b.delivered.Add(1)
				continue
			}
			total := sub.dropped.Add(1)
			b.dropped.Add(1)
			b.logger.Warnf("[PUBSUB] Dropped event %v for subscriber %d (channel full), %d dropped so far",
				msg.eventType, id, total)
		}
		b.mu.RUnlock()
	}

	// Subscribers ranging over their channels stop here
	b.mu.Lock()
	for eventType, subscribers := range b.registry {
		for _, sub := range subscribers {
			sub.close()
		}
		delete(b.registry, eventType)
	}
	b.mu.Unlock()
}

// NewPubSub starts a bus. A nil logger logs through the standard logger.
func NewPubSub(logger replog.Logger) *Bus {
	if logger == nil {
		logger = replog.NewStdLogger("PUBSUB")
	}

	b := &Bus{
		registry: make(map[EventType]map[SubscriberID]*subscriber),
		queue:    make(chan message, 100),
		logger:   logger,
	}

	b.wg.Add(1)
	go b.run()
	return b
}
