// Package receiver downloads the files offered by one sender.
package receiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"tarun-kavipurapu/p2p-share/pkg/events"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/progress"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/scheduler"
	"tarun-kavipurapu/p2p-share/pkg/storage"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

// ErrInvalidState is returned for an operation the current state does not
// allow. Nothing is sent and the state is unchanged.
var ErrInvalidState = errors.New("operation not allowed in current state")

// Resolver maps a share slug to the sender's transport address.
type Resolver interface {
	Resolve(ctx context.Context, slug string) (string, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(ctx context.Context, slug string) (string, error)

func (f ResolverFunc) Resolve(ctx context.Context, slug string) (string, error) {
	return f(ctx, slug)
}

type Config struct {
	// Persister stores each file as it completes. Optional.
	Persister storage.Persister
	// ClientMeta is sent with RequestInfo; zero uses DefaultClientMeta.
	ClientMeta protocol.ClientMeta
}

type Receiver struct {
	trans     transport.Transport
	resolver  Resolver
	persister storage.Persister
	meta      protocol.ClientMeta
	loop      *scheduler.Loop[transport.Event]
	emitter   *events.Emitter

	// ctx is the Run context; set before the loop starts
	ctx context.Context

	// everything below is owned by the loop goroutine
	state         State
	connecting    bool
	addr          string
	conn          transport.Conn
	files         []protocol.FileDescriptor
	pwRequired    bool
	pwInvalid     bool
	pwError       string
	acct          *progress.Accountant
	last          progress.Record
	sinks         []*bytes.Buffer
	current       int
	completed     []CompletedFile
	received      int64
	errorAnswered bool
	// persisting is set while a finished file is being stored
	persisting bool
}

// New creates a receiver that dials over trans. The transport must not be
// shared with another consumer of its events.
func New(trans transport.Transport, resolver Resolver, cfg Config) *Receiver {
	meta := cfg.ClientMeta
	if meta == (protocol.ClientMeta{}) {
		meta = DefaultClientMeta()
	}
	r := &Receiver{
		trans:     trans,
		resolver:  resolver,
		persister: cfg.Persister,
		meta:      meta,
		emitter:   events.NewEmitter(),
		ctx:       context.Background(),
		state:     StateIdle,
		acct:      progress.NewAccountant(nil),
	}
	r.loop = scheduler.New[transport.Event](trans.Events(), r.handleEvent)
	return r
}

// Events exposes the receiver's notifications.
func (r *Receiver) Events() *events.Emitter {
	return r.emitter
}

// Run processes transport events until ctx is done.
func (r *Receiver) Run(ctx context.Context) error {
	r.ctx = ctx
	return r.loop.Run(ctx)
}

// Connect resolves slug, dials the sender and asks for its file list.
func (r *Receiver) Connect(ctx context.Context, slug string) error {
	if err := r.loop.Call(ctx, func() error {
		if r.state != StateIdle || r.connecting {
			return r.usageError("connect")
		}
		r.connecting = true
		return nil
	}); err != nil {
		return err
	}

	conn, addr, err := r.dial(ctx, slug)
	return r.loop.Call(ctx, func() error {
		r.connecting = false
		if err != nil {
			r.setState(StateError)
			r.emitter.Emit(EventError, err)
			return err
		}
		if r.state != StateIdle {
			// canceled while dialing
			conn.Close()
			return r.usageError("connect")
		}
		r.addr = addr
		r.conn = conn
		logger.Sugar.Infof("[Receiver] connected to %s", addr)
		if !r.send(protocol.RequestInfo{ClientMeta: r.meta}) {
			r.setState(StateError)
			return fmt.Errorf("failed to request file list from %s", addr)
		}
		r.setState(StatePending)
		return nil
	})
}

func (r *Receiver) dial(ctx context.Context, slug string) (transport.Conn, string, error) {
	addr, err := r.resolver.Resolve(ctx, slug)
	if err != nil {
		return nil, "", fmt.Errorf("resolve %s: %w", slug, err)
	}
	conn, err := r.trans.Dial(ctx, addr, nil)
	if err != nil {
		return nil, addr, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, addr, nil
}

// SubmitPassword answers a password prompt.
func (r *Receiver) SubmitPassword(ctx context.Context, password string) error {
	return r.loop.Call(ctx, func() error {
		if r.state != StateAuthenticating {
			return r.usageError("submit password")
		}
		r.send(protocol.UsePassword{Password: password})
		return nil
	})
}

// StartDownload requests every offered file in order. Only legal once the
// file list has arrived.
func (r *Receiver) StartDownload(ctx context.Context) error {
	return r.loop.Call(ctx, func() error {
		if r.state != StateReady {
			return r.usageError("start download")
		}
		r.acct.Reset(r.files)
		r.sinks = make([]*bytes.Buffer, len(r.files))
		for i := range r.sinks {
			r.sinks[i] = &bytes.Buffer{}
		}
		r.completed = nil
		r.current = 0
		r.received = 0
		r.last = r.acct.Record()

		if len(r.files) == 0 {
			r.finish()
			return nil
		}
		logger.Sugar.Infof("[Receiver] downloading %d file(s), %d bytes", len(r.files), r.acct.TotalBytes())
		r.send(protocol.Start{FileName: r.files[0].Name, Offset: 0})
		r.setState(StateDownloading)
		return nil
	})
}

// PauseDownload asks the sender to stop after the chunk in flight.
func (r *Receiver) PauseDownload(ctx context.Context) error {
	return r.loop.Call(ctx, func() error {
		if r.state != StateDownloading {
			return r.usageError("pause")
		}
		r.send(protocol.Pause{})
		r.setState(StatePaused)
		return nil
	})
}

// ResumeDownload continues the current file from the bytes already held.
func (r *Receiver) ResumeDownload(ctx context.Context) error {
	return r.loop.Call(ctx, func() error {
		if r.state != StatePaused {
			return r.usageError("resume")
		}
		if r.persisting {
			// the next file is requested once the store finishes
			r.setState(StateDownloading)
			return nil
		}
		name := r.files[r.current].Name
		offset := int64(r.sinks[r.current].Len())
		logger.Sugar.Infof("[Receiver] resuming %q at %d", name, offset)
		r.send(protocol.Resume{FileName: name, Offset: offset})
		r.setState(StateDownloading)
		return nil
	})
}

// CancelDownload drops every partial file and closes the connection. It is
// legal in any state; files completed before the cancel stay completed.
func (r *Receiver) CancelDownload(ctx context.Context) error {
	return r.loop.Call(ctx, func() error {
		if r.state == StateClosed {
			return nil
		}
		r.releaseSinks()
		r.closeConn()
		r.setState(StateClosed)
		logger.Sugar.Infof("[Receiver] download canceled")
		return nil
	})
}

// Report flags the share to its sender over a separate report connection.
func (r *Receiver) Report(ctx context.Context) error {
	var addr string
	if err := r.loop.Call(ctx, func() error {
		if r.addr == "" {
			return r.usageError("report")
		}
		addr = r.addr
		return nil
	}); err != nil {
		return err
	}

	conn, err := r.trans.Dial(ctx, addr, map[string]string{transport.MetaType: transport.MetaTypeReport})
	if err != nil {
		return fmt.Errorf("dial report channel: %w", err)
	}
	defer conn.Close()
	if err := conn.Send(protocol.Report{}); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	logger.Sugar.Infof("[Receiver] reported share at %s", addr)
	return nil
}

// Snapshot returns the current download context.
func (r *Receiver) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := r.loop.Call(ctx, func() error {
		snap = Snapshot{
			State:            r.state,
			Files:            append([]protocol.FileDescriptor(nil), r.files...),
			TotalBytes:       progress.TotalBytes(r.files),
			PasswordRequired: r.pwRequired,
			PasswordInvalid:  r.pwInvalid,
			PasswordError:    r.pwError,
			Progress:         r.last,
			CompletedFiles:   len(r.completed),
			BytesReceived:    r.received,
		}
		return nil
	})
	return snap, err
}

// CompletedFiles returns every file received so far, in offer order.
func (r *Receiver) CompletedFiles(ctx context.Context) ([]CompletedFile, error) {
	var out []CompletedFile
	err := r.loop.Call(ctx, func() error {
		out = append(out, r.completed...)
		return nil
	})
	return out, err
}

func (r *Receiver) usageError(op string) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, r.state)
}

func (r *Receiver) setState(to State) {
	if r.state == to {
		return
	}
	from := r.state
	r.state = to
	logger.Sugar.Debugf("[Receiver] %s -> %s", from, to)
	r.emitter.Emit(EventState, StateChange{From: from, To: to})
}

func (r *Receiver) send(msg protocol.Message) bool {
	if r.conn == nil {
		return false
	}
	if err := r.conn.Send(msg); err != nil {
		logger.Sugar.Errorf("[Receiver] failed to send %s: %v", msg.Type(), err)
		return false
	}
	return true
}

func (r *Receiver) releaseSinks() {
	r.sinks = nil
}

func (r *Receiver) closeConn() {
	if r.conn == nil {
		return
	}
	if err := r.conn.Close(); err != nil {
		logger.Sugar.Debugf("[Receiver] close: %v", err)
	}
}
