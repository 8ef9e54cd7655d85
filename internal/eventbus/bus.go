// Package eventbus carries small in-process signals between daemon
// components. Publish never blocks: a subscriber that falls behind
// loses events instead of stalling the publisher.
package eventbus

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/glob"
)

// Event is one bus message. Data should stay small and JSON-friendly,
// since the notifier forwards selected events to webhooks as-is.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Stats counts bus traffic since the bus was created. Dropped counts
// events that matched a subscription but found its buffer full.
type Stats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
	Dropped   uint64 `json:"dropped"`
}

type Bus interface {
	Publish(e Event)
	// Subscribe registers a buffered subscription. Topics are glob
	// patterns matched against Event.Type ("task.*"); none means every
	// event. An invalid pattern panics, as with regexp.MustCompile.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	Stats() Stats
}

// New returns an in-memory fanout bus. It owns no goroutines; delivery
// happens on the publisher's stack.
func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

type subscription struct {
	ch     chan Event
	topics []glob.Glob // empty matches everything
}

func (s *subscription) wants(typ string) bool {
	if len(s.topics) == 0 {
		return true
	}
	for _, g := range s.topics {
		if g.Match(typ) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*subscription
	nextID atomic.Uint64

	published atomic.Uint64
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.published.Add(1)

	// Snapshot under the read lock so sends happen lock-free.
	b.mu.RLock()
	subs := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()

	for _, sub := range subs {
		if sub.wants(e.Type) {
			b.send(sub.ch, e)
		}
	}
}

// send delivers without blocking. A concurrent unsubscribe can close
// the channel mid-send; the recover absorbs that race and the event
// counts as dropped.
func (b *memBus) send(ch chan Event, e Event) {
	defer func() {
		if recover() != nil {
			b.dropped.Add(1)
		}
	}()
	select {
	case ch <- e:
		b.delivered.Add(1)
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	compiled := make([]glob.Glob, 0, len(topics))
	for _, t := range topics {
		compiled = append(compiled, glob.MustCompile(t))
	}

	ch := make(chan Event, buffer)
	id := b.nextID.Add(1)

	b.mu.Lock()
	b.subs[id] = &subscription{ch: ch, topics: compiled}
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *memBus) Stats() Stats {
	return Stats{
		Published: b.published.Load(),
		Delivered: b.delivered.Load(),
		Dropped:   b.dropped.Load(),
	}
}
