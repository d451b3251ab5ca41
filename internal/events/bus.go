package events

import (
	"log"
	"sync"
	"sync/atomic"
)

const defaultBufSize = 256

// EventBus is a channel-based pub-sub event bus.
// A subscriber channel may listen on one topic, several topics, or all of them.
type EventBus struct {
	mu      sync.RWMutex
	subs    map[string][]chan Event // topic -> subscriber channels
	allSubs []chan Event            // channels subscribed to all topics
	owned   []chan Event            // every channel, each closed exactly once
	queues  map[string][]*queue     // topic -> lossless subscribers
	qowned  []*queue
	closed  bool
	dropped atomic.Int64
}

// NewEventBus creates a new event bus.
func NewEventBus() *EventBus {
	return &EventBus{
		subs:   make(map[string][]chan Event),
		queues: make(map[string][]*queue),
	}
}

// Subscribe creates a subscription to a single topic.
// bufSize determines the channel buffer size (defaults to 256 if <= 0).
func (b *EventBus) Subscribe(topic string, bufSize int) <-chan Event {
	return b.SubscribeTopics(bufSize, topic)
}

// SubscribeTopics returns one channel that receives events from every listed topic,
// in publish order.
func (b *EventBus) SubscribeTopics(bufSize int, topics ...string) <-chan Event {
	ch := b.newChannel(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.owned = append(b.owned, ch)
	for _, topic := range topics {
		b.subs[topic] = append(b.subs[topic], ch)
	}
	return ch
}

// SubscribeReliable returns a channel that receives every event of the listed
// topics in publish order. Unlike the buffered subscriptions it never drops:
// events queue without bound until the subscriber reads them, so Publish
// still never blocks. Use it for low-volume topics whose loss would leave
// state behind.
func (b *EventBus) SubscribeReliable(topics ...string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		ch := make(chan Event)
		close(ch)
		return ch
	}

	q := newQueue()
	b.qowned = append(b.qowned, q)
	for _, topic := range topics {
		b.queues[topic] = append(b.queues[topic], q)
	}
	return q.out
}

// SubscribeAll creates a subscription to ALL topics.
func (b *EventBus) SubscribeAll(bufSize int) <-chan Event {
	ch := b.newChannel(bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch
	}

	b.owned = append(b.owned, ch)
	b.allSubs = append(b.allSubs, ch)
	return ch
}

func (b *EventBus) newChannel(bufSize int) chan Event {
	if bufSize <= 0 {
		bufSize = defaultBufSize
	}
	return make(chan Event, bufSize)
}

// Publish delivers an event at most once to each subscriber of the topic and
// to every SubscribeAll channel. Non-blocking: a full subscriber loses the
// event and the drop is counted and logged.
func (b *EventBus) Publish(topic string, event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	for _, ch := range b.subs[topic] {
		b.send(ch, event)
	}
	for _, ch := range b.allSubs {
		b.send(ch, event)
	}
	for _, q := range b.queues[topic] {
		q.push(event)
	}
}

func (b *EventBus) send(ch chan Event, event Event) {
	select {
	case ch <- event:
	default:
		b.dropped.Add(1)
		if event.EventType() != EventTypeTerminalData {
			log.Printf("WARNING: event bus subscriber full, dropped %s for %q", event.EventType(), event.WorkerID())
		}
	}
}

// Dropped returns how many deliveries were discarded because a subscriber was full.
func (b *EventBus) Dropped() int64 {
	return b.dropped.Load()
}

// Close closes the event bus and all subscriber channels.
// Safe to call multiple times (idempotent).
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true

	for _, ch := range b.owned {
		close(ch)
	}
	for _, q := range b.qowned {
		q.close()
	}
}

// queue feeds a lossless subscription. push appends to pending and never
// blocks; run moves pending events to out in order.
type queue struct {
	mu      sync.Mutex
	pending []Event
	wake    chan struct{}
	done    chan struct{}
	out     chan Event
}

func newQueue() *queue {
	q := &queue{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
		out:  make(chan Event),
	}
	go q.run()
	return q
}

func (q *queue) push(e Event) {
	q.mu.Lock()
	q.pending = append(q.pending, e)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// close stops delivery. Events still pending are discarded, matching the
// buffered subscriptions.
func (q *queue) close() {
	close(q.done)
}

func (q *queue) run() {
	defer close(q.out)
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		for _, e := range batch {
			select {
			case q.out <- e:
			case <-q.done:
				return
			}
		}
		if len(batch) > 0 {
			continue
		}

		select {
		case <-q.wake:
		case <-q.done:
			return
		}
	}
}
