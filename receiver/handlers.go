package receiver

import (
	"bytes"
	"fmt"

	"tarun-kavipurapu/p2p-share/pkg/logger"
	"tarun-kavipurapu/p2p-share/pkg/monitor"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

func (r *Receiver) handleEvent(ev transport.Event) {
	if r.conn == nil || ev.Conn == nil || ev.Conn.ID() != r.conn.ID() {
		// report channels and connections from an earlier session
		return
	}
	switch ev.Kind {
	case transport.EventOpen:
		logger.Sugar.Debugf("[Receiver] connection %s open", ev.Conn.ID())
	case transport.EventMessage:
		r.handleMessage(ev.Message)
	case transport.EventMalformed:
		r.handleMalformed(ev.Err)
	case transport.EventClose:
		r.handleClosed(nil)
	case transport.EventError:
		r.handleClosed(ev.Err)
	}
}

func (r *Receiver) handleMessage(msg protocol.Message) {
	if _, ok := msg.(protocol.Report); ok {
		// a takedown overrides every state, Done included
		r.handleReport()
		return
	}
	if r.state.Terminal() {
		logger.Sugar.Debugf("[Receiver] %s ignored in state %s", msg.Type(), r.state)
		return
	}
	switch v := msg.(type) {
	case protocol.PasswordRequired:
		r.handlePasswordRequired(v)
	case protocol.Info:
		r.handleInfo(v)
	case protocol.Chunk:
		r.handleChunk(v)
	case protocol.Error:
		logger.Sugar.Warnf("[Receiver] sender reported an error: %s", v.Error)
		r.emitter.Emit(EventError, fmt.Errorf("sender: %s", v.Error))
	default:
		logger.Sugar.Warnf("[Receiver] unexpected %s in state %s", msg.Type(), r.state)
	}
}

func (r *Receiver) handlePasswordRequired(v protocol.PasswordRequired) {
	if r.state != StatePending && r.state != StateAuthenticating {
		logger.Sugar.Warnf("[Receiver] PasswordRequired ignored in state %s", r.state)
		return
	}
	r.pwRequired = true
	r.pwInvalid = v.ErrorMessage != ""
	r.pwError = v.ErrorMessage
	if r.pwInvalid {
		logger.Sugar.Infof("[Receiver] password rejected: %s", v.ErrorMessage)
	}
	r.setState(StateAuthenticating)
	r.emitter.Emit(EventPassword, PasswordPrompt{Invalid: r.pwInvalid, Message: v.ErrorMessage})
}

func (r *Receiver) handleInfo(v protocol.Info) {
	if r.state != StatePending && r.state != StateAuthenticating && r.state != StateReady {
		logger.Sugar.Warnf("[Receiver] Info ignored in state %s", r.state)
		return
	}
	r.files = append([]protocol.FileDescriptor(nil), v.Files...)
	r.pwRequired = false
	r.pwInvalid = false
	r.pwError = ""
	r.acct.Reset(r.files)
	r.last = r.acct.Record()
	logger.Sugar.Infof("[Receiver] offered %d file(s), %d bytes", len(r.files), r.acct.TotalBytes())
	r.setState(StateReady)
	r.emitter.Emit(EventInfo, append([]protocol.FileDescriptor(nil), r.files...))
}

// handleChunk appends to the current file. Chunks still in flight after a
// pause are kept.
func (r *Receiver) handleChunk(c protocol.Chunk) {
	if r.state != StateDownloading && r.state != StatePaused {
		logger.Sugar.Warnf("[Receiver] chunk of %q ignored in state %s", c.FileName, r.state)
		return
	}
	if r.persisting {
		r.protocolError(fmt.Sprintf("chunk of %s while the previous file is being stored", c.FileName))
		return
	}
	want := r.files[r.current]
	if c.FileName != want.Name {
		r.protocolError(fmt.Sprintf("unexpected chunk for %s while receiving %s", c.FileName, want.Name))
		return
	}

	sink := r.sinks[r.current]
	have := int64(sink.Len())
	switch {
	case c.Offset > have:
		r.protocolError(fmt.Sprintf("gap in %s: chunk at %d, have %d", c.FileName, c.Offset, have))
		return
	case c.Offset < have:
		logger.Sugar.Debugf("[Receiver] %q rewound from %d to %d", c.FileName, have, c.Offset)
		sink.Truncate(int(c.Offset))
		r.acct.Seek(r.current, c.Offset)
	}

	sink.Write(c.Bytes)
	r.received += int64(len(c.Bytes))
	r.acct.Add(len(c.Bytes))
	monitor.RecordChunk(monitor.RoleReceiver, len(c.Bytes))
	r.publishProgress()

	if c.Final {
		r.completeFile()
	}
}

// completeFile seals the current file and hands it to the persister off the
// loop. The next file is requested once the store has succeeded.
func (r *Receiver) completeFile() {
	index := r.current
	desc := r.files[index]
	data := bytes.Clone(r.sinks[index].Bytes())
	if data == nil {
		data = []byte{}
	}
	r.sinks[index] = nil

	if r.persister == nil {
		r.filePersisted(index, data, nil)
		return
	}

	r.persisting = true
	persister, ctx := r.persister, r.ctx
	go func() {
		err := persister.Persist(ctx, desc.Name, bytes.NewReader(data), int64(len(data)))
		if cerr := r.loop.Call(ctx, func() error {
			r.filePersisted(index, data, err)
			return nil
		}); cerr != nil {
			logger.Sugar.Debugf("[Receiver] result of storing %q dropped: %v", desc.Name, cerr)
		}
	}()
}

func (r *Receiver) filePersisted(index int, data []byte, err error) {
	r.persisting = false
	desc := r.files[index]
	if r.state != StateDownloading && r.state != StatePaused {
		logger.Sugar.Debugf("[Receiver] %q stored after the download ended in state %s", desc.Name, r.state)
		return
	}
	if err != nil {
		logger.Sugar.Errorf("[Receiver] failed to store %q: %v", desc.Name, err)
		r.fail(fmt.Errorf("store %s: %w", desc.Name, err))
		return
	}

	done := CompletedFile{FileDescriptor: desc, Bytes: data}
	r.completed = append(r.completed, done)
	r.acct.CompleteFile()
	monitor.RecordFileCompleted(monitor.RoleReceiver)
	r.publishProgress()
	logger.Sugar.Infof("[Receiver] received %q (%d bytes)", desc.Name, len(data))
	r.emitter.Emit(EventFile, done)

	if index+1 >= len(r.files) {
		r.finish()
		return
	}
	r.current = index + 1
	r.acct.Seek(r.current, 0)
	if r.state == StateDownloading {
		r.send(protocol.Start{FileName: r.files[r.current].Name, Offset: 0})
	}
}

// finish ends a download in which every file has been stored.
func (r *Receiver) finish() {
	r.sinks = nil
	r.setState(StateDone)
	r.send(protocol.Done{})
	logger.Sugar.Infof("[Receiver] download complete: %d file(s)", len(r.completed))
	r.emitter.Emit(EventComplete, append([]CompletedFile(nil), r.completed...))
}

func (r *Receiver) publishProgress() {
	r.last = r.acct.Record()
	r.emitter.Emit(EventProgress, r.last)
}

func (r *Receiver) handleReport() {
	if r.state == StateReported {
		return
	}
	logger.Sugar.Warnf("[Receiver] share was reported and taken down")
	r.releaseSinks()
	r.setState(StateReported)
	r.emitter.Emit(EventReported, nil)
	r.closeConn()
}

func (r *Receiver) handleMalformed(err error) {
	monitor.RecordMalformed(monitor.RoleReceiver)
	logger.Sugar.Warnf("[Receiver] dropped message: %v", err)
	if r.errorAnswered {
		return
	}
	r.errorAnswered = true
	r.send(protocol.Error{Error: err.Error()})
}

func (r *Receiver) protocolError(text string) {
	logger.Sugar.Warnf("[Receiver] %s", text)
	if r.errorAnswered {
		return
	}
	r.errorAnswered = true
	r.send(protocol.Error{Error: text})
}

func (r *Receiver) handleClosed(err error) {
	if r.state.Terminal() {
		return
	}
	r.releaseSinks()
	if err != nil {
		r.fail(err)
		return
	}
	logger.Sugar.Infof("[Receiver] sender closed the connection in state %s", r.state)
	r.setState(StateClosed)
}

func (r *Receiver) fail(err error) {
	r.releaseSinks()
	r.closeConn()
	r.setState(StateError)
	r.emitter.Emit(EventError, err)
}
