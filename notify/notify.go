// Package notify delivers events to registered listeners from a single
// dispatcher goroutine, in the order they were posted.
package notify

import (
	"log/slog"
	"reflect"
	"sync"
	"sync/atomic"

	"github.com/c0deZ3R0/docsync/logging"
)

// Listener receives events of type E.
type Listener[E any] interface {
	Notify(event E)
}

// ListenerFunc adapts a function to Listener. Functions are not comparable,
// so registering the same ListenerFunc twice yields two registrations; use
// a comparable Listener value (typically a pointer) to get idempotence.
type ListenerFunc[E any] func(E)

func (f ListenerFunc[E]) Notify(event E) { f(event) }

// Token is returned by Add and is the only way to unregister.
type Token struct {
	remove func()
}

// Remove unregisters the listener. Removing twice is a no-op.
func (t *Token) Remove() {
	if t != nil && t.remove != nil {
		t.remove()
	}
}

type entry[E any] struct {
	key      string
	listener Listener[E]
	active   atomic.Bool
}

type queued[E any] struct {
	key   string
	event E
}

// Hub fans events out to listeners registered under a key. An empty key
// registers for every key.
type Hub[E any] struct {
	logger *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	entries []*entry[E]
	queue   []queued[E]
	closed  bool
	done    chan struct{}
}

// NewHub starts the dispatcher goroutine. Close stops it.
func NewHub[E any](logger *slog.Logger) *Hub[E] {
	h := &Hub[E]{
		logger: logging.Or(logger, "notify"),
		done:   make(chan struct{}),
	}
	h.cond = sync.NewCond(&h.mu)
	go h.run()
	return h
}

// Add registers l under key. Adding a comparable listener that is already
// registered under the same key returns a token for the existing
// registration instead of a duplicate; removing either token removes it.
func (h *Hub[E]) Add(key string, l Listener[E]) *Token {
	h.mu.Lock()
	defer h.mu.Unlock()

	if isComparable(l) {
		for _, e := range h.entries {
			if e.key == key && e.active.Load() && isComparable(e.listener) && e.listener == l {
				return h.tokenFor(e)
			}
		}
	}
	e := &entry[E]{key: key, listener: l}
	e.active.Store(true)
	h.entries = append(h.entries, e)
	return h.tokenFor(e)
}

func (h *Hub[E]) tokenFor(e *entry[E]) *Token {
	var once sync.Once
	return &Token{remove: func() {
		once.Do(func() { h.remove(e) })
	}}
}

func (h *Hub[E]) remove(e *entry[E]) {
	h.mu.Lock()
	defer h.mu.Unlock()
	e.active.Store(false)
	for i, cur := range h.entries {
		if cur == e {
			h.entries = append(h.entries[:i:i], h.entries[i+1:]...)
			break
		}
	}
}

// Post queues event for listeners of key. It never blocks on listeners.
func (h *Hub[E]) Post(key string, event E) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.queue = append(h.queue, queued[E]{key: key, event: event})
	h.cond.Signal()
}

// Len returns the number of active registrations.
func (h *Hub[E]) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.entries)
}

// Clear drops every registration.
func (h *Hub[E]) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range h.entries {
		e.active.Store(false)
	}
	h.entries = nil
}

// Close delivers what is already queued, then stops the dispatcher.
func (h *Hub[E]) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		<-h.done
		return
	}
	h.closed = true
	h.cond.Signal()
	h.mu.Unlock()
	<-h.done
}

func (h *Hub[E]) run() {
	defer close(h.done)
	for {
		h.mu.Lock()
		for len(h.queue) == 0 && !h.closed {
			h.cond.Wait()
		}
		if len(h.queue) == 0 && h.closed {
			h.mu.Unlock()
			return
		}
		q := h.queue[0]
		h.queue[0] = queued[E]{}
		h.queue = h.queue[1:]
		targets := make([]*entry[E], 0, len(h.entries))
		for _, e := range h.entries {
			if e.key == "" || e.key == q.key {
				targets = append(targets, e)
			}
		}
		h.mu.Unlock()

		for _, e := range targets {
			// Removal after the snapshot still suppresses delivery.
			if !e.active.Load() {
				continue
			}
			h.deliver(e, q.event)
		}
	}
}

func (h *Hub[E]) deliver(e *entry[E], event E) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("listener panicked", slog.String("key", e.key), slog.Any("panic", r))
		}
	}()
	e.listener.Notify(event)
}

// isComparable inspects dynamic values too, so a struct whose interface
// field holds a map or slice is not comparable.
func isComparable(v any) bool {
	return v != nil && reflect.ValueOf(v).Comparable()
}
