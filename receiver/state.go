package receiver

import (
	"runtime"

	"tarun-kavipurapu/p2p-share/pkg/progress"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

// Version is reported to senders in the client metadata.
const Version = "1.0.0"

// State is the download state of a receiver session.
type State string

const (
	StateIdle           State = "idle" // not connected yet
	StatePending        State = "pending"
	StateAuthenticating State = "authenticating"
	StateReady          State = "ready"
	StateDownloading    State = "downloading"
	StatePaused         State = "paused"
	StateDone           State = "done"
	StateReported       State = "reported"
	StateClosed         State = "closed"
	StateError          State = "error"
)

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateReported, StateClosed, StateError:
		return true
	}
	return false
}

// Event names published on Events().
const (
	EventState    = "state"    // StateChange
	EventInfo     = "info"     // []protocol.FileDescriptor
	EventProgress = "progress" // progress.Record
	EventFile     = "file"     // CompletedFile
	EventComplete = "complete" // []CompletedFile
	EventError    = "error"    // error
	EventReported = "reported" // nil
	EventPassword = "password" // PasswordPrompt
)

type StateChange struct {
	From State
	To   State
}

// PasswordPrompt is the payload of EventPassword. Invalid is set when a
// submitted password was rejected.
type PasswordPrompt struct {
	Invalid bool
	Message string
}

// CompletedFile is one fully received file.
type CompletedFile struct {
	protocol.FileDescriptor
	Bytes []byte
}

// Snapshot is a point-in-time copy of the download context.
type Snapshot struct {
	State            State
	Files            []protocol.FileDescriptor
	TotalBytes       int64
	PasswordRequired bool
	PasswordInvalid  bool
	PasswordError    string
	Progress         progress.Record
	CompletedFiles   int
	// BytesReceived counts every byte appended to a sink, across all files.
	BytesReceived int64
}

// DefaultClientMeta describes this process to the sender.
func DefaultClientMeta() protocol.ClientMeta {
	return protocol.ClientMeta{
		BrowserName:    "p2p-share",
		BrowserVersion: Version,
		OSName:         runtime.GOOS,
		OSVersion:      runtime.GOARCH,
	}
}
