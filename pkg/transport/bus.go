package transport

import "sync"

// Bus is the event queue shared by transport implementations. Emit blocks
// while the queue is full so a slow consumer applies back-pressure to readers.
type Bus struct {
	ch       chan Event
	done     chan struct{}
	doneOnce sync.Once
}

func NewBus(size int) *Bus {
	return &Bus{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
	}
}

// Emit queues ev. It returns false once the bus has been shut down.
func (b *Bus) Emit(ev Event) bool {
	select {
	case <-b.done:
		return false
	default:
	}
	select {
	case b.ch <- ev:
		return true
	case <-b.done:
		return false
	}
}

func (b *Bus) Events() <-chan Event {
	return b.ch
}

// Shutdown releases blocked emitters. The event channel is left open.
func (b *Bus) Shutdown() {
	b.doneOnce.Do(func() { close(b.done) })
}
