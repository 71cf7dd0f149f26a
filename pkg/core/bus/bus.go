// Package bus is a small typed publish/subscribe hub. Producers publish values
// of one event type; consumers register handlers per key or take a channel of
// every published value.
package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Handler receives one published event.
type Handler[E any] func(E)

// Subscription identifies a registered handler for Off.
type Subscription struct {
	key string
	id  uint64
}

// Key returns the key the subscription was registered under.
func (s Subscription) Key() string { return s.key }

type entry[E any] struct {
	id      uint64
	handler Handler[E]
}

type stream[E any] struct {
	ch   chan E
	done <-chan struct{}
}

// Bus dispatches events to handlers keyed by keyOf(event).
//
// Publish runs handlers synchronously on the caller's goroutine in
// registration order, so a single publisher observes a total order. The
// registry lock is never held while handlers run; handlers may publish,
// subscribe or unsubscribe.
type Bus[E any] struct {
	keyOf  func(E) string
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]entry[E]
	streams  map[uint64]*stream[E]
}

// New creates a bus that routes events by keyOf.
func New[E any](keyOf func(E) string, logger *slog.Logger) *Bus[E] {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus[E]{
		keyOf:    keyOf,
		logger:   logger,
		handlers: make(map[string][]entry[E]),
		streams:  make(map[uint64]*stream[E]),
	}
}

// On registers h for events whose key is key.
func (b *Bus[E]) On(key string, h Handler[E]) Subscription {
	if b == nil || h == nil {
		return Subscription{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[key] = append(b.handlers[key], entry[E]{id: id, handler: h})
	return Subscription{key: key, id: id}
}

// Off removes a handler registered with On. It reports whether one was removed.
func (b *Bus[E]) Off(sub Subscription) bool {
	if b == nil || sub.id == 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.handlers[sub.key]
	for i, e := range list {
		if e.id != sub.id {
			continue
		}
		next := make([]entry[E], 0, len(list)-1)
		next = append(next, list[:i]...)
		next = append(next, list[i+1:]...)
		if len(next) == 0 {
			delete(b.handlers, sub.key)
		} else {
			b.handlers[sub.key] = next
		}
		return true
	}
	return false
}

// Subscribe returns a channel receiving every published event until ctx is
// done. Events are dropped when the channel buffer is full.
func (b *Bus[E]) Subscribe(ctx context.Context, buffer int) <-chan E {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan E, buffer)
	if b == nil {
		close(ch)
		return ch
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.streams[id] = &stream[E]{ch: ch, done: ctx.Done()}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		s, ok := b.streams[id]
		delete(b.streams, id)
		b.mu.Unlock()
		if ok {
			close(s.ch)
		}
	}()
	return ch
}

// Publish delivers ev to every matching handler and stream.
func (b *Bus[E]) Publish(ev E) {
	if b == nil {
		return
	}
	key := b.keyOf(ev)

	b.mu.RLock()
	list := append([]entry[E](nil), b.handlers[key]...)
	for _, s := range b.streams {
		select {
		case <-s.done:
		case s.ch <- ev:
		default:
			b.logger.Warn("bus subscriber is full; dropping event", "event", key)
		}
	}
	b.mu.RUnlock()

	for _, e := range list {
		b.call(key, e.handler, ev)
	}
}

func (b *Bus[E]) call(key string, h Handler[E], ev E) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", key, "panic", fmt.Sprint(r))
		}
	}()
	h(ev)
}

// Len returns the number of handlers registered for key.
func (b *Bus[E]) Len(key string) int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[key])
}

// Clear removes every handler. Streams stay open until their context ends.
func (b *Bus[E]) Clear() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = make(map[string][]entry[E])
}
