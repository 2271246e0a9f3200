package eventmux

import (
	"fmt"
	"sync"
	"time"

	"github.com/Paintersrp/procreap/internal/events"
)

// Mux fans lifecycle events out to any number of subscribers, each backed by
// a bounded channel. Publishing never blocks: when a subscriber cannot keep
// up the mux drops events for it and, once there is room again, emits a
// synthesized dropped event carrying the number of discarded entries.
type Mux struct {
	size int

	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

type subscriber struct {
	out     chan events.Event
	dropped int
}

// New constructs a mux whose subscriber channels hold size events. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		size: size,
		subs: make(map[*subscriber]struct{}),
	}
}

// Subscribe registers a new subscriber. The returned cancel function removes
// the subscription and closes its channel; it is safe to call more than once.
func (m *Mux) Subscribe() (<-chan events.Event, func()) {
	sub := &subscriber{out: make(chan events.Event, m.size)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		close(sub.out)
		return sub.out, func() {}
	}
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if _, ok := m.subs[sub]; ok {
				delete(m.subs, sub)
				close(sub.out)
			}
		})
	}
	return sub.out, cancel
}

// Publish delivers evt to every subscriber without blocking.
func (m *Mux) Publish(evt events.Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	for sub := range m.subs {
		m.deliver(sub, evt)
	}
}

// Close flushes pending drop notices where there is room and closes every
// subscriber channel. Events published after Close are discarded.
func (m *Mux) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	for sub := range m.subs {
		m.flushPending(sub)
		close(sub.out)
		delete(m.subs, sub)
	}
}

func (m *Mux) deliver(sub *subscriber, evt events.Event) {
	if !m.flushPending(sub) {
		sub.dropped++
		return
	}
	if !trySend(sub.out, evt) {
		sub.dropped++
	}
}

func (m *Mux) flushPending(sub *subscriber) bool {
	if sub.dropped == 0 {
		return true
	}
	if !trySend(sub.out, synthesizeDropEvent(sub.dropped)) {
		return false
	}
	sub.dropped = 0
	return true
}

func trySend(out chan events.Event, evt events.Event) bool {
	select {
	case out <- evt:
		return true
	default:
		return false
	}
}

func synthesizeDropEvent(count int) events.Event {
	return events.Event{
		Timestamp: time.Now(),
		Type:      events.TypeDropped,
		Message:   fmt.Sprintf("dropped=%d", count),
	}
}
