package sender

import (
	"context"
	"sync"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

// always is a Writable channel that never blocks.
var always = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

// fakeConn records every message sent on it.
type fakeConn struct {
	id   string
	meta map[string]string

	mu     sync.Mutex
	sent   []protocol.Message
	closed bool
	// room, when set, is returned by Writable in place of always
	room chan struct{}
}

func newFakeConn(id string, meta map[string]string) *fakeConn {
	return &fakeConn{id: id, meta: meta}
}

func (c *fakeConn) ID() string         { return c.id }
func (c *fakeConn) RemoteAddr() string { return "fake://" + c.id }

func (c *fakeConn) Metadata() map[string]string {
	out := make(map[string]string, len(c.meta))
	for k, v := range c.meta {
		out[k] = v
	}
	return out
}

func (c *fakeConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeConn) Writable() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != nil {
		return c.room
	}
	return always
}

// stall makes the connection report a full outbound queue until the
// returned function is called.
func (c *fakeConn) stall() (drain func()) {
	room := make(chan struct{})
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		c.room = nil
		c.mu.Unlock()
		close(room)
	}
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) Messages() []protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.Message(nil), c.sent...)
}

func (c *fakeConn) Chunks() []protocol.Chunk {
	var out []protocol.Chunk
	for _, m := range c.Messages() {
		if ch, ok := m.(protocol.Chunk); ok {
			out = append(out, ch)
		}
	}
	return out
}

func (c *fakeConn) Last() protocol.Message {
	msgs := c.Messages()
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport hands events to the sender over an unbuffered channel, so a
// completed push means the loop has taken the event.
type fakeTransport struct {
	events chan transport.Event
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event)}
}

func (t *fakeTransport) ListenAndAccept() error         { return nil }
func (t *fakeTransport) Events() <-chan transport.Event { return t.events }
func (t *fakeTransport) Close() error                   { return nil }
func (t *fakeTransport) Addr() string                   { return "fake:0" }
func (t *fakeTransport) Dial(context.Context, string, map[string]string) (transport.Conn, error) {
	return nil, transport.ErrClosed
}

// taskQueue runs posted continuations only when told to.
type taskQueue struct {
	tasks []func()
}

func (q *taskQueue) Post(fn func()) { q.tasks = append(q.tasks, fn) }

func (q *taskQueue) runOne() bool {
	if len(q.tasks) == 0 {
		return false
	}
	fn := q.tasks[0]
	q.tasks = q.tasks[1:]
	fn()
	return true
}

func (q *taskQueue) drain() {
	for q.runOne() {
	}
}

// fakeKeeper counts channel API calls.
type fakeKeeper struct {
	mu        sync.Mutex
	renewals  int
	destroyed []string
	renewErr  error
}

func (k *fakeKeeper) RenewChannel(ctx context.Context, slug, secret string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.renewals++
	return k.renewErr
}

func (k *fakeKeeper) DestroyChannel(ctx context.Context, slug string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.destroyed = append(k.destroyed, slug)
	return nil
}

func (k *fakeKeeper) counts() (int, []string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.renewals, append([]string(nil), k.destroyed...)
}
