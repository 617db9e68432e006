package tcp

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/msgpack/v5"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

func nextEvent(t *testing.T, tr transport.Transport) transport.Event {
	t.Helper()
	select {
	case ev := <-tr.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for transport event")
		return transport.Event{}
	}
}

func newListening(t *testing.T) *TCPTransport {
	t.Helper()
	tr := NewTCPTransport("127.0.0.1:0")
	require.NoError(t, tr.ListenAndAccept())
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestDialExchangesMessagesAndMetadata(t *testing.T) {
	server := newListening(t)
	client := NewTCPTransport("")
	t.Cleanup(func() { client.Close() })

	conn, err := client.Dial(context.Background(), Scheme+server.Addr(), map[string]string{"role": "receiver"})
	require.NoError(t, err)

	ev := nextEvent(t, client)
	assert.Equal(t, transport.EventOpen, ev.Kind)
	assert.Equal(t, conn.ID(), ev.Conn.ID())

	ev = nextEvent(t, server)
	require.Equal(t, transport.EventOpen, ev.Kind)
	assert.Equal(t, "receiver", ev.Conn.Metadata()["role"])
	accepted := ev.Conn

	require.NoError(t, conn.Send(protocol.Start{FileName: "a.txt", Offset: 42}))
	ev = nextEvent(t, server)
	require.Equal(t, transport.EventMessage, ev.Kind)
	assert.Equal(t, protocol.Start{FileName: "a.txt", Offset: 42}, ev.Message)

	payload := []byte("0123456789")
	require.NoError(t, accepted.Send(protocol.Chunk{FileName: "a.txt", Offset: 0, Bytes: payload, Final: true}))
	ev = nextEvent(t, client)
	require.Equal(t, transport.EventMessage, ev.Kind)
	assert.Equal(t, payload, ev.Message.(protocol.Chunk).Bytes)
}

func TestCloseEmitsCloseOnBothSides(t *testing.T) {
	server := newListening(t)
	client := NewTCPTransport("")
	t.Cleanup(func() { client.Close() })

	conn, err := client.Dial(context.Background(), server.Addr(), nil)
	require.NoError(t, err)
	require.Equal(t, transport.EventOpen, nextEvent(t, client).Kind)
	require.Equal(t, transport.EventOpen, nextEvent(t, server).Kind)

	require.NoError(t, conn.Close())

	assert.Equal(t, transport.EventClose, nextEvent(t, client).Kind)
	assert.Equal(t, transport.EventClose, nextEvent(t, server).Kind)
	assert.ErrorIs(t, conn.Send(protocol.Pause{}), transport.ErrClosed)
}

func TestMalformedFrameDoesNotDropConnection(t *testing.T) {
	server := newListening(t)

	raw, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	defer raw.Close()

	h, err := msgpack.Marshal(hello{Version: helloVersion})
	require.NoError(t, err)
	require.NoError(t, writeFrame(raw, FrameTypeHello, h))
	require.Equal(t, transport.EventOpen, nextEvent(t, server).Kind)

	require.NoError(t, writeFrame(raw, FrameTypeMessage, []byte{0xc1, 0x00}))
	ev := nextEvent(t, server)
	assert.Equal(t, transport.EventMalformed, ev.Kind)
	assert.ErrorIs(t, ev.Err, protocol.ErrMalformed)

	good, err := protocol.Encode(protocol.Pause{})
	require.NoError(t, err)
	require.NoError(t, writeFrame(raw, FrameTypeMessage, good))
	ev = nextEvent(t, server)
	require.Equal(t, transport.EventMessage, ev.Kind)
	assert.Equal(t, protocol.TypePause, ev.Message.Type())
}

func TestAcceptRejectsMissingHello(t *testing.T) {
	server := newListening(t)

	raw, err := net.Dial("tcp", server.Addr())
	require.NoError(t, err)
	defer raw.Close()

	good, err := protocol.Encode(protocol.Pause{})
	require.NoError(t, err)
	require.NoError(t, writeFrame(raw, FrameTypeMessage, good))

	select {
	case ev := <-server.Events():
		t.Fatalf("unexpected event %v", ev.Kind)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestSendDoesNotBlockOnStalledPeer(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			accepted <- c
		}
	}()

	client := NewTCPTransport("")
	client.OutboxLimit = 256 * 1024
	t.Cleanup(func() { client.Close() })

	conn, err := client.Dial(context.Background(), ln.Addr().String(), nil)
	require.NoError(t, err)
	require.Equal(t, transport.EventOpen, nextEvent(t, client).Kind)
	// the peer accepts but never reads
	stalled := <-accepted
	t.Cleanup(func() { stalled.Close() })

	payload := make([]byte, 64*1024)
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		for i := 0; i < 1024; i++ {
			if conn.Send(protocol.Chunk{FileName: "big.bin", Offset: int64(i) * 64 * 1024, Bytes: payload}) != nil {
				return
			}
		}
	}()
	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("Send blocked on a peer that is not reading")
	}

	select {
	case <-conn.Writable():
		t.Fatal("connection reports room with 64 MiB queued")
	default:
	}

	require.NoError(t, conn.Close())
	select {
	case ev := <-client.Events():
		assert.Equal(t, transport.EventClose, ev.Kind)
	case <-time.After(closeFlushTimeout + 3*time.Second):
		t.Fatal("stalled connection was never torn down")
	}
}
