package sender

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/transfer"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

func (s *Sender) handleMessage(conn transport.Conn, msg protocol.Message) {
	if _, ok := s.reporters[conn.ID()]; ok {
		s.handleReportChannel(conn, msg)
		return
	}

	p, ok := s.peers[conn.ID()]
	if !ok {
		logger.Sugar.Warnf("[Sender] %s from unknown connection %s", msg.Type(), conn.ID())
		return
	}

	switch v := msg.(type) {
	case protocol.RequestInfo:
		s.handleRequestInfo(p, v)
	case protocol.UsePassword:
		s.handleUsePassword(p, v)
	case protocol.Start:
		s.handleStart(p, v.FileName, v.Offset)
	case protocol.Resume:
		s.handleStart(p, v.FileName, v.Offset)
	case protocol.Pause:
		s.handlePause(p)
	case protocol.Done:
		s.handleDone(p)
	case protocol.Error:
		logger.Sugar.Warnf("[Sender] receiver %s reported an error: %s", conn.ID(), v.Error)
	default:
		logger.Sugar.Warnf("[Sender] unexpected %s from %s in state %s", msg.Type(), conn.ID(), p.state)
	}
}

func (s *Sender) handleRequestInfo(p *peer, v protocol.RequestInfo) {
	p.meta = v.ClientMeta
	if s.reported {
		s.send(p, protocol.Report{})
		p.conn.Close()
		return
	}
	if p.state != StatePending && p.state != StateReady {
		logger.Sugar.Warnf("[Sender] RequestInfo from %s ignored in state %s", p.conn.ID(), p.state)
		return
	}

	if len(s.passwordHash) > 0 && p.state == StatePending {
		s.send(p, protocol.PasswordRequired{})
		s.setState(p, StateAuthenticating)
		return
	}
	s.sendInfo(p)
	s.setState(p, StateReady)
}

// handleUsePassword checks the password off the loop and applies the result
// back on it. The peer may have gone away in between.
func (s *Sender) handleUsePassword(p *peer, v protocol.UsePassword) {
	if !p.state.authenticating() {
		logger.Sugar.Warnf("[Sender] UsePassword from %s ignored in state %s", p.conn.ID(), p.state)
		return
	}

	hash := s.passwordHash
	if len(hash) == 0 {
		s.finishAuth(p, true)
		return
	}
	ctx := s.ctx
	go func() {
		ok := bcrypt.CompareHashAndPassword(hash, []byte(v.Password)) == nil
		err := s.loop.Call(ctx, func() error {
			s.finishAuth(p, ok)
			return nil
		})
		if err != nil {
			logger.Sugar.Debugf("[Sender] password result for %s dropped: %v", p.conn.ID(), err)
		}
	}()
}

func (s *Sender) finishAuth(p *peer, ok bool) {
	if s.peers[p.conn.ID()] != p || !p.state.authenticating() {
		return
	}
	if !ok {
		monitor.RecordPasswordFailure()
		logger.Sugar.Infof("[Sender] wrong password from %s", p.conn.ID())
		s.send(p, protocol.PasswordRequired{ErrorMessage: wrongPasswordMessage})
		s.setState(p, StateInvalidPassword)
		return
	}
	s.sendInfo(p)
	s.setState(p, StateReady)
}

// handleStart serves both Start and Resume. The offset is taken as given,
// clamped into the file.
func (s *Sender) handleStart(p *peer, name string, offset int64) {
	if !p.state.authorized() {
		logger.Sugar.Warnf("[Sender] request for %q from %s ignored in state %s", name, p.conn.ID(), p.state)
		return
	}

	index, ok := s.byName[name]
	if !ok {
		logger.Sugar.Warnf("[Sender] %s requested unknown file %q", p.conn.ID(), name)
		s.send(p, protocol.Error{Error: fmt.Sprintf("%v: %s", ErrUnknownFile, name)})
		return
	}
	src := s.files[index]
	offset = transfer.ClampOffset(offset, src.Size())

	if hw, seen := p.highWater[name]; seen && offset < hw {
		logger.Sugar.Debugf("[Sender] %s resumes %q at %d, behind %d already sent", p.conn.ID(), name, offset, hw)
	}

	p.gen++
	gen := p.gen
	p.uploadingFile = name
	p.uploadingOffset = offset
	if p.offerGen != s.offerGen {
		// the offer was replaced since this peer was last told about it
		p.acct.Reset(s.offer)
		p.offerGen = s.offerGen
	}
	p.acct.Seek(index, offset)
	s.setState(p, StateUploading)
	logger.Sugar.Infof("[Sender] uploading %q to %s from offset %d", name, p.conn.ID(), offset)

	pump := &transfer.Pump{
		Stream: transfer.NewStream(src, offset, s.chunkSize),
		Send:   func(c protocol.Chunk) error { return p.conn.Send(c) },
		Active: func() bool {
			return p.gen == gen && p.state == StateUploading && s.peers[p.conn.ID()] == p
		},
		Wait: func(next func()) { s.whenWritable(p, next) },
		OnChunk: func(c protocol.Chunk) {
			end := c.Offset + int64(len(c.Bytes))
			p.uploadingOffset = end
			if end > p.highWater[name] {
				p.highWater[name] = end
			}
			p.acct.Add(len(c.Bytes))
			monitor.RecordChunk(monitor.RoleSender, len(c.Bytes))
			s.publishProgress(p)
		},
		OnFinal: func() {
			s.finishFile(p, name)
		},
		OnError: func(err error) {
			logger.Sugar.Errorf("[Sender] upload of %q to %s failed: %v", name, p.conn.ID(), err)
			p.gen++
			s.setState(p, StateError)
		},
	}
	pump.Start(s.sched)
}

// whenWritable runs next on the loop once p's outbound queue has room. A
// receiver that stops reading only parks its own upload.
func (s *Sender) whenWritable(p *peer, next func()) {
	room := p.conn.Writable()
	select {
	case <-room:
		s.sched.Post(next)
		return
	default:
	}

	logger.Sugar.Debugf("[Sender] %s is not keeping up, upload parked", p.conn.ID())
	ctx := s.ctx
	go func() {
		select {
		case <-room:
		case <-ctx.Done():
			return
		}
		err := s.loop.Call(ctx, func() error {
			next()
			return nil
		})
		if err != nil {
			logger.Sugar.Debugf("[Sender] parked upload to %s dropped: %v", p.conn.ID(), err)
		}
	}()
}

func (s *Sender) finishFile(p *peer, name string) {
	p.acct.CompleteFile()
	monitor.RecordFileCompleted(monitor.RoleSender)
	s.publishProgress(p)
	p.uploadingFile = ""
	p.gen++

	if p.acct.Finished() {
		logger.Sugar.Infof("[Sender] all files sent to %s", p.conn.ID())
		s.setState(p, StateDone)
		return
	}
	logger.Sugar.Infof("[Sender] %q sent to %s", name, p.conn.ID())
	s.setState(p, StateReady)
}

func (s *Sender) publishProgress(p *peer) {
	p.last = p.acct.Record()
	s.emitter.Emit(EventPeerProgress, PeerProgress{ID: p.conn.ID(), Record: p.last})
}

func (s *Sender) handlePause(p *peer) {
	if p.state != StateUploading {
		logger.Sugar.Debugf("[Sender] Pause from %s ignored in state %s", p.conn.ID(), p.state)
		return
	}
	p.gen++
	s.setState(p, StatePaused)
	logger.Sugar.Infof("[Sender] %s paused %q at %d", p.conn.ID(), p.uploadingFile, p.uploadingOffset)
}

// handleDone closes the connection; the peer is removed by the close event.
func (s *Sender) handleDone(p *peer) {
	p.gen++
	s.setState(p, StateDone)
	logger.Sugar.Infof("[Sender] %s stored every file, closing", p.conn.ID())
	if err := p.conn.Close(); err != nil {
		logger.Sugar.Debugf("[Sender] close %s: %v", p.conn.ID(), err)
	}
}

// handleReportChannel takes a share down: every receiver is told it was
// reported and disconnected, and later receivers are turned away.
func (s *Sender) handleReportChannel(conn transport.Conn, msg protocol.Message) {
	if _, ok := msg.(protocol.Report); !ok {
		logger.Sugar.Warnf("[Sender] unexpected %s on report channel %s", msg.Type(), conn.ID())
		return
	}

	monitor.RecordReport()
	logger.Sugar.Warnf("[Sender] share reported by %s", conn.RemoteAddr())
	s.reported = true
	s.emitter.Emit(EventReport, ReportInfo{ConnID: conn.ID(), RemoteAddr: conn.RemoteAddr()})

	for _, p := range s.peers {
		p.gen++
		s.send(p, protocol.Report{})
		p.conn.Close()
	}
	conn.Close()
}
