// Package ws carries protocol messages over WebSocket binary frames, one
// message per frame. Connection metadata travels in the upgrade query string.
package ws

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

const (
	Scheme = "ws://"
	Path   = "/p2p"

	// MaxMessageSize bounds one inbound frame.
	MaxMessageSize = 32 << 20

	closeFlushTimeout = 2 * time.Second
)

// WSConn implements transport.Conn. Frames are written by the outbox
// goroutine, the only writer of data frames on the socket.
type WSConn struct {
	id     string
	conn   *websocket.Conn
	out    *transport.Outbox
	meta   map[string]string
	closed atomic.Bool
}

func newWSConn(conn *websocket.Conn, meta map[string]string, limit int) *WSConn {
	if meta == nil {
		meta = map[string]string{}
	}
	conn.SetReadLimit(MaxMessageSize)
	c := &WSConn{id: uuid.NewString(), conn: conn, meta: meta}
	c.out = transport.NewOutbox(limit,
		func(payload []byte) error { return conn.WriteMessage(websocket.BinaryMessage, payload) },
		func(err error) {
			if err != nil {
				logger.Sugar.Warnf("[WSTransport] write error: remote=%s err=%v", conn.RemoteAddr(), err)
			} else {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
			}
			conn.Close()
		})
	return c
}

func (c *WSConn) ID() string { return c.id }

func (c *WSConn) Send(msg protocol.Message) error {
	if c.closed.Load() {
		return transport.ErrClosed
	}
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.out.Push(payload); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type(), err)
	}
	return nil
}

func (c *WSConn) Writable() <-chan struct{} { return c.out.Writable() }

// Close flushes queued frames for at most closeFlushTimeout, sends a close
// frame and closes the socket.
func (c *WSConn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(closeFlushTimeout))
	c.out.Close()
	return nil
}

func (c *WSConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *WSConn) Metadata() map[string]string {
	out := make(map[string]string, len(c.meta))
	for k, v := range c.meta {
		out[k] = v
	}
	return out
}

// WSTransport implements transport.Transport
type WSTransport struct {
	listenAddr string
	listener   net.Listener
	server     *http.Server
	upgrader   websocket.Upgrader
	bus        *transport.Bus

	mu     sync.Mutex
	conns  map[string]*WSConn
	closed bool

	// OutboxLimit is the per-connection queue size, in bytes, past which a
	// connection stops being writable.
	OutboxLimit int
}

func NewWSTransport(addr string) *WSTransport {
	return &WSTransport{
		listenAddr: strings.TrimPrefix(addr, Scheme),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		bus:         transport.NewBus(1024),
		conns:       make(map[string]*WSConn),
		OutboxLimit: transport.DefaultOutboxLimit,
	}
}

func (t *WSTransport) ListenAndAccept() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, t.handleUpgrade)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	t.mu.Lock()
	t.listener = ln
	t.server = srv
	t.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Sugar.Errorf("[WSTransport] serve error: listen=%s err=%v", t.listenAddr, err)
		}
	}()
	return nil
}

func (t *WSTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Sugar.Warnf("[WSTransport] upgrade failed: remote=%s err=%v", r.RemoteAddr, err)
		return
	}
	meta := make(map[string]string)
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			meta[k] = v[0]
		}
	}

	node := newWSConn(conn, meta, t.OutboxLimit)
	if !t.track(node) {
		node.Close()
		return
	}
	t.bus.Emit(transport.Event{Kind: transport.EventOpen, Conn: node})
	t.readLoop(node)
}

// Dial connects to addr ("host:port" or "ws://host:port").
func (t *WSTransport) Dial(ctx context.Context, addr string, meta map[string]string) (transport.Conn, error) {
	query := url.Values{}
	for k, v := range meta {
		query.Set(k, v)
	}
	u := url.URL{Scheme: "ws", Host: strings.TrimPrefix(addr, Scheme), Path: Path, RawQuery: query.Encode()}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}

	node := newWSConn(conn, meta, t.OutboxLimit)
	if !t.track(node) {
		node.Close()
		return nil, transport.ErrClosed
	}
	t.bus.Emit(transport.Event{Kind: transport.EventOpen, Conn: node})
	go t.readLoop(node)
	return node, nil
}

func (t *WSTransport) readLoop(node *WSConn) {
	defer func() {
		node.Close()
		t.untrack(node)
	}()

	for {
		mt, data, err := node.conn.ReadMessage()
		if err != nil {
			if werr := node.out.Err(); werr != nil {
				t.bus.Emit(transport.Event{Kind: transport.EventError, Conn: node, Err: werr})
				return
			}
			if node.closed.Load() || errors.Is(err, net.ErrClosed) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.bus.Emit(transport.Event{Kind: transport.EventClose, Conn: node})
				return
			}
			logger.Sugar.Errorf("[WSTransport] read error: remote=%s err=%v", node.RemoteAddr(), err)
			t.bus.Emit(transport.Event{Kind: transport.EventError, Conn: node, Err: err})
			return
		}
		if mt != websocket.BinaryMessage {
			t.bus.Emit(transport.Event{Kind: transport.EventMalformed, Conn: node,
				Err: fmt.Errorf("%w: non-binary frame", protocol.ErrMalformed)})
			continue
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			t.bus.Emit(transport.Event{Kind: transport.EventMalformed, Conn: node, Err: err})
			continue
		}
		if !t.bus.Emit(transport.Event{Kind: transport.EventMessage, Conn: node, Message: msg}) {
			return
		}
	}
}

func (t *WSTransport) track(node *WSConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	t.conns[node.id] = node
	return true
}

func (t *WSTransport) untrack(node *WSConn) {
	t.mu.Lock()
	delete(t.conns, node.id)
	t.mu.Unlock()
}

func (t *WSTransport) Events() <-chan transport.Event {
	return t.bus.Events()
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	srv := t.server
	conns := make([]*WSConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	t.bus.Shutdown()
	if srv != nil {
		return srv.Close()
	}
	return nil
}

func (t *WSTransport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.listenAddr
}
