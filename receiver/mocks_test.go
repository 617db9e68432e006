package receiver

import (
	"context"
	"fmt"
	"io"
	"sync"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

type fakeConn struct {
	id   string
	meta map[string]string

	mu     sync.Mutex
	sent   []protocol.Message
	closed bool
}

func (c *fakeConn) ID() string                  { return c.id }
func (c *fakeConn) RemoteAddr() string          { return "fake://" + c.id }
func (c *fakeConn) Metadata() map[string]string { return c.meta }

func (c *fakeConn) Send(msg protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrClosed
	}
	c.sent = append(c.sent, msg)
	return nil
}

var always = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

func (c *fakeConn) Writable() <-chan struct{} { return always }

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

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport hands out fakeConns from Dial and feeds events to the
// receiver over an unbuffered channel.
type fakeTransport struct {
	events chan transport.Event

	mu      sync.Mutex
	dialed  []*fakeConn
	addrs   []string
	dialErr error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{events: make(chan transport.Event)}
}

func (t *fakeTransport) ListenAndAccept() error         { return nil }
func (t *fakeTransport) Events() <-chan transport.Event { return t.events }
func (t *fakeTransport) Close() error                   { return nil }
func (t *fakeTransport) Addr() string                   { return "fake:0" }

func (t *fakeTransport) Dial(_ context.Context, addr string, meta map[string]string) (transport.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.dialErr != nil {
		return nil, t.dialErr
	}
	c := &fakeConn{id: fmt.Sprintf("c%d", len(t.dialed)+1), meta: meta}
	t.dialed = append(t.dialed, c)
	t.addrs = append(t.addrs, addr)
	return c, nil
}

func (t *fakeTransport) conn(i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.dialed[i]
}

func (t *fakeTransport) dialCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.dialed)
}

// memPersister keeps persisted files in memory.
type memPersister struct {
	mu    sync.Mutex
	files map[string][]byte
	order []string
	err   error
	// gate, when set, holds every Persist until it is closed
	gate chan struct{}
}

func newMemPersister() *memPersister {
	return &memPersister{files: make(map[string][]byte)}
}

func (p *memPersister) Persist(ctx context.Context, name string, r io.Reader, _ int64) error {
	if p.gate != nil {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if p.err != nil {
		return p.err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.files[name] = data
	p.order = append(p.order, name)
	return nil
}

func (p *memPersister) names() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}

func (p *memPersister) get(name string) []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.files[name]
}
