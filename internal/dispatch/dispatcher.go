// Package dispatch implements the process-local publish/subscribe bus that
// every per-session pipeline component communicates through.
//
// Topics are (session id, [MessageType]) pairs. A broadcast fans out to all
// current subscribers of the topic; there is no replay for late subscribers.
// Each subscription owns a bounded queue with a drop-oldest overflow policy,
// so a stalled consumer is penalized with dropped events instead of stalling
// upstream producers.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chillpanda/bamboo/internal/observe"
)

// DefaultCapacity is the per-subscription queue bound. When the queue is
// full the oldest event is evicted and [Subscription.Dropped] is incremented.
const DefaultCapacity = 256

// Event is one delivered message. Data holds the payload struct documented
// on the corresponding [MessageType] constant, or nil.
type Event struct {
	Type        MessageType
	Data        any
	PublishedAt time.Time
}

type topicKey struct {
	sessionID string
	msgType   MessageType
}

// Dispatcher is the process-wide bus. The zero value is not usable; create
// one with [New]. All methods are safe for concurrent use.
type Dispatcher struct {
	capacity int
	metrics  *observe.Metrics

	mu     sync.RWMutex
	topics map[topicKey][]*Subscription
	closed bool
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithCapacity overrides the per-subscription queue bound. Values < 1 are
// ignored.
func WithCapacity(n int) Option {
	return func(d *Dispatcher) {
		if n >= 1 {
			d.capacity = n
		}
	}
}

// New creates an empty dispatcher.
func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		capacity: DefaultCapacity,
		metrics:  observe.DefaultMetrics(),
		topics:   make(map[topicKey][]*Subscription),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Subscribe registers a new subscriber for (sessionID, mt) and returns its
// scoped handle. Events published before Subscribe returns are not delivered.
// The caller must call [Subscription.Release] on every exit path; releasing
// terminates the event sequence and removes the subscriber from the topic.
//
// Subscribing on a closed dispatcher returns an already-released handle
// whose event channel is closed.
func (d *Dispatcher) Subscribe(sessionID string, mt MessageType) *Subscription {
	sub := &Subscription{
		d:   d,
		key: topicKey{sessionID: sessionID, msgType: mt},
		ch:  make(chan Event, d.capacity),
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		sub.Release()
		return sub
	}
	d.topics[sub.key] = append(d.topics[sub.key], sub)
	d.mu.Unlock()

	return sub
}

// Broadcast publishes an event to every current subscriber of
// (sessionID, mt). It never blocks: a full subscriber queue evicts its
// oldest event instead. Broadcasting to a topic with no subscribers, or on
// a closed dispatcher, is a no-op.
func (d *Dispatcher) Broadcast(sessionID string, mt MessageType, data any) {
	ev := Event{Type: mt, Data: data, PublishedAt: time.Now()}

	d.mu.RLock()
	if d.closed {
		d.mu.RUnlock()
		return
	}
	subs := d.topics[topicKey{sessionID: sessionID, msgType: mt}]
	// Copy under the lock: remove() compacts the backing array in place, so
	// enqueueing must not iterate the live slice.
	snapshot := make([]*Subscription, len(subs))
	copy(snapshot, subs)
	d.mu.RUnlock()

	d.metrics.RecordEventPublished(context.Background(), string(mt))
	for _, sub := range snapshot {
		sub.enqueue(ev)
	}
}

// Close releases every subscription and discards all further broadcasts.
// Idempotent.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	var all []*Subscription
	for _, subs := range d.topics {
		all = append(all, subs...)
	}
	d.topics = make(map[topicKey][]*Subscription)
	d.mu.Unlock()

	for _, sub := range all {
		sub.close()
	}
}

// remove unregisters sub from its topic. Called by [Subscription.Release].
func (d *Dispatcher) remove(sub *Subscription) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.topics[sub.key]
	for i, s := range subs {
		if s == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(d.topics, sub.key)
	} else {
		d.topics[sub.key] = subs
	}
}

// ─── Subscription ────────────────────────────────────────────────────────────

// Subscription is a scoped handle onto one topic. Events are delivered FIFO
// per subscription. The handle is finite: after [Subscription.Release] the
// channel returned by [Subscription.Events] is closed and no further events
// arrive.
type Subscription struct {
	d   *Dispatcher
	key topicKey
	ch  chan Event

	dropped atomic.Uint64

	// sendMu serializes enqueue against close so an in-flight Broadcast can
	// never send on a closed channel.
	sendMu sync.Mutex
	closed bool

	releaseOnce sync.Once
}

// Events returns the subscription's event sequence. The channel is closed
// when the subscription is released or the dispatcher shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.ch
}

// TryNext polls for the next event without blocking. The second return is
// false when the queue is currently empty or the subscription is closed.
func (s *Subscription) TryNext() (Event, bool) {
	select {
	case ev, ok := <-s.ch:
		if !ok {
			return Event{}, false
		}
		return ev, true
	default:
		return Event{}, false
	}
}

// Dropped reports how many events were evicted because the queue was full.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Release unregisters the subscription and closes its event channel.
// Safe to call multiple times and from any goroutine.
func (s *Subscription) Release() {
	s.releaseOnce.Do(func() {
		s.d.remove(s)
		s.close()
	})
}

// close marks the subscription dead and closes the channel. The dispatcher
// calls it directly during Close after emptying the topic map.
func (s *Subscription) close() {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// enqueue delivers ev with the drop-oldest policy.
func (s *Subscription) enqueue(ev Event) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
		return
	default:
	}
	// Queue full: evict the oldest, then retry. The consumer may drain
	// concurrently, in which case the retry simply succeeds.
	select {
	case old := <-s.ch:
		s.drop(old.Type)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.drop(ev.Type)
	}
}

func (s *Subscription) drop(mt MessageType) {
	s.dropped.Add(1)
	s.d.metrics.RecordEventDrop(context.Background(), string(mt))
}
