// Package eventbus is an in-process fanout used to decouple job execution
// from its observers (history persistence, debug logging).
package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lightweight, in-memory signal.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; slow subscribers drop events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Terminal reports whether the event closes a job's lifecycle.
func (e Event) Terminal() bool {
	switch e.Type {
	case "job.succeeded", "job.failed", "job.cancelled", "job.timeout", "job.discarded":
		return true
	}
	return false
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
	// SubscribePrefix only delivers events whose Type starts with prefix.
	SubscribePrefix(prefix string, buffer int) (ch <-chan Event, unsubscribe func())
}

// Option configures the bus.
type Option func(*memBus)

// WithDropHook calls fn for every event a full subscriber misses. prefix
// identifies the subscription ("" for Subscribe). fn runs on the
// publisher's goroutine and must not block.
func WithDropHook(fn func(prefix string, e Event)) Option {
	return func(b *memBus) { b.onDrop = fn }
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New(opts ...Option) Bus {
	b := &memBus{subs: map[uint64]*sub{}}
	for _, o := range opts {
		if o != nil {
			o(b)
		}
	}
	return b
}

type sub struct {
	prefix string
	ch     chan Event
}

type memBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*sub
	seq    atomic.Uint64
	onDrop func(prefix string, e Event)
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	targets := make([]*sub, 0, len(b.subs))
	for _, s := range b.subs {
		if s.prefix == "" || strings.HasPrefix(e.Type, s.prefix) {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if !s.send(e) && b.onDrop != nil {
			b.onDrop(s.prefix, e)
		}
	}
}

// send reports false when the subscriber was full. A concurrent unsubscribe
// may close ch; send-on-closed is recovered and not counted as a drop.
func (s *sub) send(e Event) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = true
		}
	}()
	select {
	case s.ch <- e:
		return true
	default:
		return false
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	return b.SubscribePrefix("", buffer)
}

func (b *memBus) SubscribePrefix(prefix string, buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = &sub{prefix: prefix, ch: ch}
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
