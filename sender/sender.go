// Package sender serves a set of files to any number of connected receivers.
// Every receiver gets its own state machine; all of them run on one event
// loop, so no state is shared between goroutines.
package sender

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"golang.org/x/crypto/bcrypt"

	"tarun-kavipurapu/p2p-share/pkg/events"
	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/scheduler"
	"tarun-kavipurapu/p2p-share/pkg/transfer"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

// ErrUnknownFile is reported to a receiver that requests a file not on offer.
var ErrUnknownFile = errors.New("unknown file")

// Event names published on Events().
const (
	EventPeerConnected = "peer:connected" // PeerInfo
	EventPeerState     = "peer:state"     // PeerStateChange
	EventPeerProgress  = "peer:progress"  // PeerProgress
	EventPeerClosed    = "peer:closed"    // PeerInfo
	EventReport        = "report"         // ReportInfo
)

const wrongPasswordMessage = "Invalid password"

// ReportInfo is the payload of EventReport.
type ReportInfo struct {
	ConnID     string
	RemoteAddr string
}

type Config struct {
	ChunkSize int
	// Password gates the file list when non-empty.
	Password string
	// PasswordCost is the bcrypt cost; 0 uses bcrypt.DefaultCost.
	PasswordCost int
}

type Sender struct {
	trans     transport.Transport
	loop      *scheduler.Loop[transport.Event]
	sched     transfer.Poster
	emitter   *events.Emitter
	chunkSize int
	cost      int

	// ctx is the Run context; set before the loop starts
	ctx context.Context

	// everything below is owned by the loop goroutine
	files        []transfer.Source
	offer        []protocol.FileDescriptor
	byName       map[string]int
	offerGen     uint64
	passwordHash []byte
	peers        map[string]*peer
	reporters    map[string]transport.Conn
	reported     bool
}

// New creates a sender offering files over trans. The transport must not
// be shared with another consumer of its events.
func New(trans transport.Transport, files []transfer.Source, cfg Config) (*Sender, error) {
	chunkSize, err := transfer.ValidateChunkSize(cfg.ChunkSize)
	if err != nil {
		return nil, err
	}
	cost := cfg.PasswordCost
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}

	s := &Sender{
		trans:     trans,
		emitter:   events.NewEmitter(),
		chunkSize: chunkSize,
		cost:      cost,
		ctx:       context.Background(),
		peers:     make(map[string]*peer),
		reporters: make(map[string]transport.Conn),
	}
	if err := s.replaceFiles(files); err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), cost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		s.passwordHash = hash
	}
	s.loop = scheduler.New[transport.Event](trans.Events(), s.handleEvent)
	s.sched = s.loop
	return s, nil
}

// Events exposes the sender's notifications.
func (s *Sender) Events() *events.Emitter {
	return s.emitter
}

// Run processes transport events until ctx is done.
func (s *Sender) Run(ctx context.Context) error {
	s.ctx = ctx
	logger.Sugar.Infof("[Sender] serving %d file(s) on %s", len(s.offer), s.trans.Addr())
	return s.loop.Run(ctx)
}

// SetFiles replaces the offer and re-announces it to every ready receiver.
// Uploads already in progress finish from the sources they started with.
func (s *Sender) SetFiles(ctx context.Context, files []transfer.Source) error {
	if _, err := transfer.Descriptors(files); err != nil {
		return err
	}
	return s.loop.Call(ctx, func() error {
		if err := s.replaceFiles(files); err != nil {
			return err
		}
		for _, p := range s.peers {
			if p.state != StateReady {
				continue
			}
			s.sendInfo(p)
		}
		logger.Sugar.Infof("[Sender] offer replaced with %d file(s)", len(s.offer))
		return nil
	})
}

// SetPassword changes the password required of receivers that have not yet
// been let in. An empty password disables the check.
func (s *Sender) SetPassword(ctx context.Context, password string) error {
	var hash []byte
	if password != "" {
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(password), s.cost)
		if err != nil {
			return fmt.Errorf("failed to hash password: %w", err)
		}
	}
	return s.loop.Call(ctx, func() error {
		s.passwordHash = hash
		return nil
	})
}

// Peers returns a snapshot of every connected receiver, ordered by id.
func (s *Sender) Peers(ctx context.Context) ([]PeerInfo, error) {
	var out []PeerInfo
	err := s.loop.Call(ctx, func() error {
		out = make([]PeerInfo, 0, len(s.peers))
		for _, p := range s.peers {
			out = append(out, p.info())
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, err
}

// Files returns the current offer.
func (s *Sender) Files(ctx context.Context) ([]protocol.FileDescriptor, error) {
	var out []protocol.FileDescriptor
	err := s.loop.Call(ctx, func() error {
		out = append(out, s.offer...)
		return nil
	})
	return out, err
}

func (s *Sender) replaceFiles(files []transfer.Source) error {
	offer, err := transfer.Descriptors(files)
	if err != nil {
		return err
	}
	byName := make(map[string]int, len(offer))
	for i, d := range offer {
		byName[d.Name] = i
	}
	s.files = append([]transfer.Source(nil), files...)
	s.offer = offer
	s.byName = byName
	s.offerGen++
	return nil
}

func (s *Sender) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.EventOpen:
		s.handleOpen(ev.Conn)
	case transport.EventMessage:
		s.handleMessage(ev.Conn, ev.Message)
	case transport.EventMalformed:
		s.handleMalformed(ev.Conn, ev.Err)
	case transport.EventClose, transport.EventError:
		s.handleClosed(ev.Conn, ev.Kind, ev.Err)
	}
}

func (s *Sender) handleOpen(conn transport.Conn) {
	if conn.Metadata()[transport.MetaType] == transport.MetaTypeReport {
		s.reporters[conn.ID()] = conn
		logger.Sugar.Infof("[Sender] report channel opened by %s", conn.RemoteAddr())
		return
	}

	p := newPeer(conn)
	s.peers[conn.ID()] = p
	monitor.PeerConnected()
	logger.Sugar.Infof("[Sender] receiver connected: %s (%s)", conn.ID(), conn.RemoteAddr())
	s.emitter.Emit(EventPeerConnected, p.info())
}

func (s *Sender) handleClosed(conn transport.Conn, kind transport.EventKind, err error) {
	id := conn.ID()
	if _, ok := s.reporters[id]; ok {
		delete(s.reporters, id)
		return
	}

	p, ok := s.peers[id]
	if !ok {
		return
	}
	delete(s.peers, id)
	p.gen++
	monitor.PeerDisconnected()

	if kind == transport.EventError {
		logger.Sugar.Errorf("[Sender] connection to %s failed in state %s: %v", id, p.state, err)
	} else {
		logger.Sugar.Infof("[Sender] receiver %s disconnected in state %s", id, p.state)
	}
	s.emitter.Emit(EventPeerClosed, p.info())
}

func (s *Sender) handleMalformed(conn transport.Conn, err error) {
	monitor.RecordMalformed(monitor.RoleSender)
	logger.Sugar.Warnf("[Sender] dropped message from %s: %v", conn.ID(), err)

	p, ok := s.peers[conn.ID()]
	if !ok || p.malformedAnswered {
		return
	}
	p.malformedAnswered = true
	s.send(p, protocol.Error{Error: err.Error()})
}

func (s *Sender) setState(p *peer, to PeerState) {
	if p.state == to {
		return
	}
	from := p.state
	p.state = to
	logger.Sugar.Debugf("[Sender] peer %s: %s -> %s", p.conn.ID(), from, to)
	s.emitter.Emit(EventPeerState, PeerStateChange{ID: p.conn.ID(), From: from, To: to})
}

func (s *Sender) send(p *peer, msg protocol.Message) bool {
	if err := p.conn.Send(msg); err != nil {
		logger.Sugar.Errorf("[Sender] failed to send %s to %s: %v", msg.Type(), p.conn.ID(), err)
		return false
	}
	return true
}

func (s *Sender) sendInfo(p *peer) {
	p.acct.Reset(s.offer)
	p.offerGen = s.offerGen
	p.last = p.acct.Record()
	s.send(p, protocol.Info{Files: append([]protocol.FileDescriptor(nil), s.offer...)})
}
