package transport

import (
	"context"
	"errors"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

// ErrClosed is returned when sending on a connection that has been closed.
var ErrClosed = errors.New("connection closed")

// MetaType is the metadata key that marks the purpose of a connection.
const (
	MetaType       = "type"
	MetaTypeReport = "report"
)

// EventKind classifies what happened on a connection.
type EventKind uint8

const (
	EventOpen EventKind = iota
	EventMessage
	EventMalformed
	EventClose
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventOpen:
		return "open"
	case EventMessage:
		return "message"
	case EventMalformed:
		return "malformed"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered on Transport.Events. Every connection yields exactly one
// EventOpen first and exactly one of EventClose or EventError last.
type Event struct {
	Kind    EventKind
	Conn    Conn
	Message protocol.Message // set for EventMessage
	Err     error            // set for EventMalformed and EventError
}

// Conn is one reliable, ordered connection to a remote peer.
type Conn interface {
	ID() string
	// Send queues msg and returns without waiting for the network.
	Send(msg protocol.Message) error
	// Writable is closed while the outbound queue has room.
	Writable() <-chan struct{}
	Close() error
	RemoteAddr() string
	Metadata() map[string]string
}

// Transport accepts and dials connections and reports their activity as a
// single ordered event stream.
type Transport interface {
	ListenAndAccept() error
	Dial(ctx context.Context, addr string, meta map[string]string) (Conn, error)
	Events() <-chan Event
	Close() error
	Addr() string
}
