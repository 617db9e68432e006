package tcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

// Scheme prefixes addresses served by this transport.
const Scheme = "tcp://"

const helloVersion = 1

// closeFlushTimeout bounds how long Close waits for queued frames to drain.
const closeFlushTimeout = 2 * time.Second

// hello is the first frame a dialer sends.
type hello struct {
	Version uint8             `msgpack:"v"`
	Meta    map[string]string `msgpack:"meta"`
}

// TCPConn implements transport.Conn. Frames are written by the outbox
// goroutine; the socket is closed once the outbox has drained.
type TCPConn struct {
	id   string
	conn net.Conn
	out  *transport.Outbox
	meta map[string]string
	// outbound -> true when we dialed
	outbound bool
	closed   atomic.Bool
}

func newTCPConn(conn net.Conn, outbound bool, meta map[string]string, limit int) *TCPConn {
	if meta == nil {
		meta = map[string]string{}
	}
	n := &TCPConn{
		id:       uuid.NewString(),
		conn:     conn,
		meta:     meta,
		outbound: outbound,
	}
	n.out = transport.NewOutbox(limit,
		func(payload []byte) error { return writeFrame(conn, FrameTypeMessage, payload) },
		func(err error) {
			if err != nil {
				logger.Sugar.Warnf("[TCPTransport] write error: remote=%s err=%v", conn.RemoteAddr(), err)
			}
			conn.Close()
		})
	return n
}

func (n *TCPConn) ID() string { return n.id }

func (n *TCPConn) Send(msg protocol.Message) error {
	if n.closed.Load() {
		return transport.ErrClosed
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := n.out.Push(payload); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type(), err)
	}
	return nil
}

func (n *TCPConn) Writable() <-chan struct{} { return n.out.Writable() }

// Close flushes queued frames for at most closeFlushTimeout, then closes the socket.
func (n *TCPConn) Close() error {
	if !n.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = n.conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
	n.out.Close()
	return nil
}

func (n *TCPConn) RemoteAddr() string {
	return n.conn.RemoteAddr().String()
}

func (n *TCPConn) Metadata() map[string]string {
	out := make(map[string]string, len(n.meta))
	for k, v := range n.meta {
		out[k] = v
	}
	return out
}

// TCPTransport implements transport.Transport
type TCPTransport struct {
	listenAddr string
	listener   net.Listener
	bus        *transport.Bus

	mu     sync.Mutex
	conns  map[string]*TCPConn
	closed bool

	// HandshakeTimeout bounds how long an accepted socket may take to send its hello.
	HandshakeTimeout time.Duration
	// OutboxLimit is the per-connection queue size, in bytes, past which a
	// connection stops being writable.
	OutboxLimit int
}

func NewTCPTransport(addr string) *TCPTransport {
	return &TCPTransport{
		listenAddr:       strings.TrimPrefix(addr, Scheme),
		bus:              transport.NewBus(1024),
		conns:            make(map[string]*TCPConn),
		HandshakeTimeout: 10 * time.Second,
		OutboxLimit:      transport.DefaultOutboxLimit,
	}
}

func (t *TCPTransport) ListenAndAccept() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.listener = ln
	t.mu.Unlock()

	go t.acceptLoop(ln)
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Sugar.Errorf("[TCPTransport] accept error: listen=%s err=%v", t.listenAddr, err)
			continue
		}
		go t.handleInbound(conn)
	}
}

func (t *TCPTransport) handleInbound(conn net.Conn) {
	if t.HandshakeTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(t.HandshakeTimeout))
	}
	msgType, payload, err := readFrame(conn)
	if err != nil {
		logger.Sugar.Warnf("[TCPTransport] handshake failed: remote=%s err=%v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	var h hello
	if msgType != FrameTypeHello {
		err = fmt.Errorf("expected hello frame, got type %d", msgType)
	} else {
		err = msgpack.Unmarshal(payload, &h)
	}
	if err != nil {
		logger.Sugar.Warnf("[TCPTransport] bad hello: remote=%s err=%v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	node := newTCPConn(conn, false, h.Meta, t.OutboxLimit)
	if !t.track(node) {
		node.Close()
		return
	}
	logger.Sugar.Debugf("[TCPTransport] accepted: id=%s remote=%s meta=%v", node.id, node.RemoteAddr(), h.Meta)
	t.bus.Emit(transport.Event{Kind: transport.EventOpen, Conn: node})
	t.readLoop(node)
}

// Dial connects to addr ("host:port" or "tcp://host:port") and announces meta.
func (t *TCPTransport) Dial(ctx context.Context, addr string, meta map[string]string) (transport.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", strings.TrimPrefix(addr, Scheme))
	if err != nil {
		return nil, err
	}

	payload, err := msgpack.Marshal(hello{Version: helloVersion, Meta: meta})
	if err != nil {
		conn.Close()
		return nil, err
	}
	if err := writeFrame(conn, FrameTypeHello, payload); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write hello: %w", err)
	}

	node := newTCPConn(conn, true, meta, t.OutboxLimit)
	if !t.track(node) {
		node.Close()
		return nil, transport.ErrClosed
	}
	t.bus.Emit(transport.Event{Kind: transport.EventOpen, Conn: node})
	go t.readLoop(node)

	return node, nil
}

func (t *TCPTransport) readLoop(node *TCPConn) {
	defer func() {
		node.Close()
		t.untrack(node)
	}()

	for {
		msgType, payload, err := readFrame(node.conn)
		if err != nil {
			t.emitTerminal(node, err)
			return
		}
		if msgType != FrameTypeMessage {
			t.emitTerminal(node, fmt.Errorf("unexpected frame type: %d", msgType))
			return
		}

		msg, err := protocol.Decode(payload)
		if err != nil {
			t.bus.Emit(transport.Event{Kind: transport.EventMalformed, Conn: node, Err: err})
			continue
		}
		if !t.bus.Emit(transport.Event{Kind: transport.EventMessage, Conn: node, Message: msg}) {
			return
		}
	}
}

func (t *TCPTransport) emitTerminal(node *TCPConn, err error) {
	if werr := node.out.Err(); werr != nil {
		t.bus.Emit(transport.Event{Kind: transport.EventError, Conn: node, Err: werr})
		return
	}
	if node.closed.Load() || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		t.bus.Emit(transport.Event{Kind: transport.EventClose, Conn: node})
		return
	}
	logger.Sugar.Errorf("[TCPTransport] read error: remote=%s err=%v", node.RemoteAddr(), err)
	t.bus.Emit(transport.Event{Kind: transport.EventError, Conn: node, Err: err})
}

func (t *TCPTransport) track(node *TCPConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[node.id] = node
	return true
}

func (t *TCPTransport) untrack(node *TCPConn) {
	t.mu.Lock()
	delete(t.conns, node.id)
	t.mu.Unlock()
}

func (t *TCPTransport) Events() <-chan transport.Event {
	return t.bus.Events()
}

func (t *TCPTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ln := t.listener
	conns := make([]*TCPConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	t.bus.Shutdown()
	if ln != nil {
		return ln.Close()
	}
	return nil
}

// Addr returns the bound listen address once listening, else the configured one.
func (t *TCPTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}
