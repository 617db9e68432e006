// Package events provides the named-event notification surface that sessions
// expose to the surrounding application.
package events

import (
	"sync"
	"time"
)

// Event is one notification. Data holds the event-specific payload.
type Event struct {
	Name      string
	Data      any
	Timestamp int64
}

// Listener receives events synchronously on the emitting goroutine.
type Listener func(Event)

type listenerEntry struct {
	id int
	fn Listener
}

// Emitter dispatches events to named listeners and to channel subscribers.
// Listeners must not block; channel subscribers that fall behind lose events.
type Emitter struct {
	mu          sync.RWMutex
	nextID      int
	listeners   map[string][]listenerEntry
	subscribers map[chan Event]struct{}
}

func NewEmitter() *Emitter {
	return &Emitter{
		listeners:   make(map[string][]listenerEntry),
		subscribers: make(map[chan Event]struct{}),
	}
}

// On registers fn for events named name and returns a func that removes it.
func (e *Emitter) On(name string, fn Listener) (off func()) {
	e.mu.Lock()
	e.nextID++
	id := e.nextID
	e.listeners[name] = append(e.listeners[name], listenerEntry{id: id, fn: fn})
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { e.remove(name, id) })
	}
}

func (e *Emitter) remove(name string, id int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.listeners[name]
	for i, l := range entries {
		if l.id == id {
			e.listeners[name] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	if len(e.listeners[name]) == 0 {
		delete(e.listeners, name)
	}
}

// Emit delivers an event to every listener of name, then to every subscriber.
func (e *Emitter) Emit(name string, data any) {
	ev := Event{Name: name, Data: data, Timestamp: time.Now().Unix()}

	e.mu.RLock()
	entries := append([]listenerEntry(nil), e.listeners[name]...)
	e.mu.RUnlock()

	for _, l := range entries {
		l.fn(ev)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	for ch := range e.subscribers {
		select {
		case ch <- ev:
		default:
			// Drop event for slow consumer
		}
	}
}

// ListenerCount returns the number of listeners registered for name.
func (e *Emitter) ListenerCount(name string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.listeners[name])
}

// Subscribe returns a channel receiving every event. The caller must call
// Unsubscribe when done.
func (e *Emitter) Subscribe(buffer int) chan Event {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	e.mu.Lock()
	e.subscribers[ch] = struct{}{}
	e.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (e *Emitter) Unsubscribe(ch chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subscribers[ch]; ok {
		delete(e.subscribers, ch)
		close(ch)
	}
}
