package transport

import "sync"

// DefaultOutboxLimit is the number of queued bytes past which a connection
// stops reporting itself writable.
const DefaultOutboxLimit = 1 << 20

// Outbox queues encoded frames for one connection and writes them from its
// own goroutine, so senders never block on a slow or stalled peer. Push always
// accepts a frame while the outbox is open; Writable is how bulk producers
// keep the queue bounded.
type Outbox struct {
	write  func([]byte) error
	finish func(error)
	limit  int

	mu      sync.Mutex
	cond    *sync.Cond
	frames  [][]byte
	queued  int
	room    chan struct{}
	blocked bool
	closing bool
	err     error
}

// NewOutbox starts the writer goroutine. write is called for every frame in
// order; finish is called once, after the queue has been drained on Close or
// with the first write error.
func NewOutbox(limit int, write func([]byte) error, finish func(error)) *Outbox {
	if limit <= 0 {
		limit = DefaultOutboxLimit
	}
	o := &Outbox{
		write:  write,
		finish: finish,
		limit:  limit,
		room:   make(chan struct{}),
	}
	close(o.room)
	o.cond = sync.NewCond(&o.mu)
	go o.run()
	return o
}

// Push queues frame. It fails with ErrClosed once Close has been called, or
// with the write error that stopped the writer.
func (o *Outbox) Push(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		if o.err != nil {
			return o.err
		}
		return ErrClosed
	}
	o.frames = append(o.frames, frame)
	o.queued += len(frame)
	if o.queued >= o.limit && !o.blocked {
		o.room = make(chan struct{})
		o.blocked = true
	}
	o.cond.Signal()
	return nil
}

// Writable returns a channel that is closed while the queue is below its
// limit, and after the outbox has shut down.
func (o *Outbox) Writable() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.room
}

// Queued reports the bytes waiting to be written.
func (o *Outbox) Queued() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.queued
}

// Err returns the write error that stopped the writer, if any.
func (o *Outbox) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Close stops accepting frames. Frames already queued are still written.
func (o *Outbox) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return
	}
	o.closing = true
	o.release()
	o.cond.Signal()
}

func (o *Outbox) release() {
	if o.blocked {
		close(o.room)
		o.blocked = false
	}
}

func (o *Outbox) run() {
	for {
		o.mu.Lock()
		for len(o.frames) == 0 && !o.closing {
			o.cond.Wait()
		}
		if len(o.frames) == 0 {
			o.mu.Unlock()
			o.finish(nil)
			return
		}
		frame := o.frames[0]
		o.frames[0] = nil
		o.frames = o.frames[1:]
		o.mu.Unlock()

		if err := o.write(frame); err != nil {
			o.mu.Lock()
			if !o.closing {
				o.err = err
			}
			o.closing = true
			o.frames = nil
			o.queued = 0
			o.release()
			o.mu.Unlock()
			o.finish(err)
			return
		}

		o.mu.Lock()
		o.queued -= len(frame)
		if o.queued < o.limit {
			o.release()
		}
		o.mu.Unlock()
	}
}
