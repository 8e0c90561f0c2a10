// Package bus is the in-process pub/sub spine connecting producers, the
// classifier, the alert and action engines, and the push layer.
//
// Every subscriber owns a bounded queue. Publishers never block on a slow
// subscriber: when a queue is full the oldest message for that subscriber is
// dropped and its drop counter incremented. Delivery is at-most-once per
// subscriber and FIFO within a topic for each subscriber.
package bus

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Topic names one of the fixed publish/subscribe channels.
type Topic string

const (
	TopicTelemetryRaw     Topic = "telemetry.raw"
	TopicEventsClassified Topic = "events.classified"
	TopicAlertsFired      Topic = "alerts.fired"
	TopicAlertsState      Topic = "alerts.state"
	TopicActionsRequested Topic = "actions.requested"
	TopicActionsCompleted Topic = "actions.completed"
	TopicReactDelta       Topic = "react.delta"
	TopicBudgetUpdate     Topic = "budget.update"
	TopicSystemStatus     Topic = "system.status"
)

// DefaultQueueSize is the subscriber queue capacity when none is given.
const DefaultQueueSize = 256

// Message is one published item. Payload holds one of the typed payload
// structs from this package (or models.Event for telemetry topics).
type Message struct {
	Topic       Topic
	Payload     any
	PublishedAt time.Time
}

// Subscription is one subscriber's bounded view of a topic. Receive from C
// until it is closed by Unsubscribe or Bus.Close.
type Subscription struct {
	Topic Topic
	Name  string
	C     <-chan Message

	ch      chan Message
	dropped atomic.Uint64
	bus     *Bus
	once    sync.Once
}

// Dropped returns how many messages were discarded because this
// subscription's queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Unsubscribe detaches the subscription and closes its channel. Safe to call
// more than once.
func (s *Subscription) Unsubscribe() {
	s.bus.unsubscribe(s)
}

// Bus fans published messages out to per-topic subscriber queues.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	closed bool

	dropHook func(topic Topic, subscriber string)
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropHook installs a callback invoked once per dropped message, used to
// feed the prometheus drop counter.
func WithDropHook(hook func(topic Topic, subscriber string)) Option {
	return func(b *Bus) { b.dropHook = hook }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{subs: make(map[Topic][]*Subscription)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a named subscriber on a topic with a bounded queue.
// A capacity below 1 uses DefaultQueueSize.
func (b *Bus) Subscribe(topic Topic, name string, capacity int) *Subscription {
	if capacity < 1 {
		capacity = DefaultQueueSize
	}
	ch := make(chan Message, capacity)
	sub := &Subscription{
		Topic: topic,
		Name:  name,
		C:     ch,
		ch:    ch,
		bus:   b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	b.subs[topic] = append(b.subs[topic], sub)
	return sub
}

// Publish enqueues the payload on every subscriber queue for the topic and
// returns. A full queue loses its oldest message, never the publisher's time.
func (b *Bus) Publish(topic Topic, payload any) {
	msg := Message{Topic: topic, Payload: payload, PublishedAt: time.Now().UTC()}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, sub := range b.subs[topic] {
		b.enqueue(sub, msg)
	}
}

func (b *Bus) enqueue(sub *Subscription, msg Message) {
	for {
		select {
		case sub.ch <- msg:
			return
		default:
		}
		// Queue full: shed the oldest entry and retry. The receive races
		// with the consumer, so it may find the queue already drained.
		select {
		case <-sub.ch:
			sub.dropped.Add(1)
			if b.dropHook != nil {
				b.dropHook(sub.Topic, sub.Name)
			}
		default:
		}
	}
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	list := b.subs[sub.Topic]
	for i, s := range list {
		if s == sub {
			b.subs[sub.Topic] = append(list[:i], list[i+1:]...)
			break
		}
	}
	sub.once.Do(func() { close(sub.ch) })
}

// Close detaches every subscription and closes their channels. Publishing
// after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for topic, list := range b.subs {
		for _, sub := range list {
			sub.once.Do(func() { close(sub.ch) })
		}
		delete(b.subs, topic)
	}
	slog.Debug("Event bus closed")
}

// Stats reports queue depth and drop counts per subscription, for the
// system status surface.
func (b *Bus) Stats() []SubscriptionStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []SubscriptionStats
	for topic, list := range b.subs {
		for _, sub := range list {
			out = append(out, SubscriptionStats{
				Topic:      topic,
				Subscriber: sub.Name,
				Depth:      len(sub.ch),
				Capacity:   cap(sub.ch),
				Dropped:    sub.dropped.Load(),
			})
		}
	}
	return out
}

// SubscriptionStats is a point-in-time snapshot of one subscriber queue.
type SubscriptionStats struct {
	Topic      Topic  `json:"topic"`
	Subscriber string `json:"subscriber"`
	Depth      int    `json:"depth"`
	Capacity   int    `json:"capacity"`
	Dropped    uint64 `json:"dropped"`
}
