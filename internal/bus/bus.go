// Package bus provides the in-process event bus: pub/sub with bounded
// per-subscriber queues and a replay ring of recent events.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/flowcore-ai/flowcore/internal/model"
)

const (
	// DefaultQueueSize bounds each subscriber's queue.
	DefaultQueueSize = 256
	// DefaultRingSize bounds the replay ring of recent events.
	DefaultRingSize = 1000
)

// Filter narrows which events a subscriber receives. Zero value matches
// everything.
type Filter struct {
	ExecutionID string
	NodeID      string
	Kinds       []model.EventKind
}

// Matches reports whether the event passes the filter.
func (f Filter) Matches(e *model.Event) bool {
	if f.ExecutionID != "" && e.ExecutionID != f.ExecutionID {
		return false
	}
	if f.NodeID != "" && e.NodeID != f.NodeID {
		return false
	}
	if len(f.Kinds) > 0 {
		found := false
		for _, k := range f.Kinds {
			if k == e.Kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Subscription is a registered subscriber. Events arrive on Events() in
// emission order; a slow consumer loses the oldest queued events first.
type Subscription struct {
	filter  Filter
	ch      chan *model.Event
	dropped int64
	bus     *Bus
	once    sync.Once
}

// Events returns the subscriber's event channel. The channel closes on
// Unsubscribe and on bus Close.
func (s *Subscription) Events() <-chan *model.Event {
	return s.ch
}

// Dropped returns how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() int64 {
	return atomic.LoadInt64(&s.dropped)
}

// Unsubscribe removes the subscription and closes its channel.
func (s *Subscription) Unsubscribe() {
	s.bus.remove(s)
}

// DropHook is invoked (if set) each time a subscriber drops an event.
type DropHook func()

// Bus is the process-wide event bus. Emission never blocks on subscribers.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	ring     []*model.Event
	ringNext int
	ringLen  int
	ringSize int
	qsize    int
	closed   bool
	onDrop   DropHook
}

// Option configures a Bus.
type Option func(*Bus)

// WithQueueSize overrides the per-subscriber queue bound.
func WithQueueSize(n int) Option {
	return func(b *Bus) { b.qsize = n }
}

// WithRingSize overrides the replay ring bound.
func WithRingSize(n int) Option {
	return func(b *Bus) { b.ringSize = n }
}

// WithDropHook installs a callback fired on every subscriber drop.
func WithDropHook(hook DropHook) Option {
	return func(b *Bus) { b.onDrop = hook }
}

// New creates a Bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:     make(map[*Subscription]struct{}),
		qsize:    DefaultQueueSize,
		ringSize: DefaultRingSize,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.ring = make([]*model.Event, b.ringSize)
	return b
}

// Emit publishes an event to all matching subscribers and records it in
// the replay ring. Delivery is FIFO per emission order; a full subscriber
// queue drops its oldest entry.
func (b *Bus) Emit(e *model.Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.ring[b.ringNext] = e
	b.ringNext = (b.ringNext + 1) % b.ringSize
	if b.ringLen < b.ringSize {
		b.ringLen++
	}
	b.mu.Unlock()

	// Deliver under the read lock so Unsubscribe/Close cannot close a
	// channel mid-send. Sends are non-blocking, so the lock is short.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		if !s.filter.Matches(e) {
			continue
		}
		for {
			select {
			case s.ch <- e:
			default:
				// Queue full: shed the oldest queued event and retry.
				select {
				case <-s.ch:
					atomic.AddInt64(&s.dropped, 1)
					if b.onDrop != nil {
						b.onDrop()
					}
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribe registers a subscriber with the given filter.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	s := &Subscription{
		filter: filter,
		ch:     make(chan *model.Event, b.qsize),
		bus:    b,
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(s.ch)
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Recent returns up to n of the most recent events matching the filter,
// oldest first.
func (b *Bus) Recent(n int, filter Filter) []*model.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []*model.Event
	start := b.ringNext - b.ringLen
	for i := 0; i < b.ringLen; i++ {
		idx := (start + i + b.ringSize) % b.ringSize
		e := b.ring[idx]
		if e != nil && filter.Matches(e) {
			out = append(out, e)
		}
	}
	if n > 0 && len(out) > n {
		out = out[len(out)-n:]
	}
	return out
}

// Close shuts the bus down and closes all subscriber channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.once.Do(func() { close(s.ch) })
		delete(b.subs, s)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s]; ok {
		delete(b.subs, s)
		s.once.Do(func() { close(s.ch) })
	}
}
