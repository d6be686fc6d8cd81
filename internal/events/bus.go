package events

import (
	"sync"
)

// Bus carries governance notifications in process: compliance events from
// the audit log, risk decisions, portfolio changes and alert outcomes.
// Publishers never block. A subscriber whose buffer is full misses the
// message and the miss is counted against the topic.
type Bus struct {
	mu      sync.RWMutex
	subs    map[Event][]chan any
	dropped map[Event]uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs:    make(map[Event][]chan any),
		dropped: make(map[Event]uint64),
	}
}

// Subscribe attaches a listener to one topic. The returned func detaches it
// and closes the channel; calling it again is a no-op.
func (b *Bus) Subscribe(e Event, buffer int) (<-chan any, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan any, buffer)
	b.subs[e] = append(b.subs[e], ch)

	var once sync.Once
	unsub := func() {
		once.Do(func() { b.remove(e, ch) })
	}
	return ch, unsub
}

func (b *Bus) remove(e Event, ch chan any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[e]
	for i, c := range subs {
		if c == ch {
			close(c)
			b.subs[e] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Subscribers returns how many listeners a topic has.
func (b *Bus) Subscribers(e Event) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[e])
}

// Publish offers payload to every subscriber of e.
func (b *Bus) Publish(e Event, payload any) {
	b.mu.RLock()
	missed := 0
	for _, ch := range b.subs[e] {
		select {
		case ch <- payload:
		default:
			missed++
		}
	}
	b.mu.RUnlock()

	if missed > 0 {
		b.mu.Lock()
		b.dropped[e] += uint64(missed)
		b.mu.Unlock()
	}
}

// Dropped returns per-topic counts of messages slow subscribers missed.
func (b *Bus) Dropped() map[Event]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make(map[Event]uint64, len(b.dropped))
	for e, n := range b.dropped {
		out[e] = n
	}
	return out
}
