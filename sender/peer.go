package sender

import (
	"tarun-kavipurapu/p2p-share/pkg/progress"
	"tarun-kavipurapu/p2p-share/pkg/protocol"
	"tarun-kavipurapu/p2p-share/pkg/transport"
)

// PeerState is the serving state of one connected receiver.
type PeerState string

const (
	StatePending         PeerState = "pending"
	StateAuthenticating  PeerState = "authenticating"
	StateInvalidPassword PeerState = "invalid_password" // authenticating after a wrong password
	StateReady           PeerState = "ready"
	StateUploading       PeerState = "uploading"
	StatePaused          PeerState = "paused"
	StateDone            PeerState = "done"
	StateError           PeerState = "error"
)

// authenticating covers the first prompt and every retry.
func (s PeerState) authenticating() bool {
	return s == StateAuthenticating || s == StateInvalidPassword
}

// authorized reports whether file requests may be served in this state.
func (s PeerState) authorized() bool {
	return s == StateReady || s == StateUploading || s == StatePaused
}

// PeerInfo is a point-in-time copy of one receiver's context.
type PeerInfo struct {
	ID         string
	RemoteAddr string
	State      PeerState
	ClientMeta protocol.ClientMeta

	CurrentFileIndex    int
	TotalFiles          int
	BytesTransferred    int64
	TotalBytes          int64
	CurrentFileProgress float64
	OverallProgress     float64

	UploadingFileName string
	UploadingOffset   int64

	// HighWater is the end of the furthest chunk sent per file.
	HighWater map[string]int64
}

// PeerProgress is the payload of EventPeerProgress.
type PeerProgress struct {
	ID string
	progress.Record
}

// PeerStateChange is the payload of EventPeerState.
type PeerStateChange struct {
	ID   string
	From PeerState
	To   PeerState
}

type peer struct {
	conn  transport.Conn
	state PeerState
	meta  protocol.ClientMeta

	acct *progress.Accountant
	last progress.Record
	// offerGen is the offer generation acct was built from.
	offerGen uint64

	uploadingFile   string
	uploadingOffset int64
	// gen changes whenever an upload starts or stops; a pump only runs
	// while it holds the current value.
	gen       uint64
	highWater map[string]int64

	malformedAnswered bool
}

func newPeer(conn transport.Conn) *peer {
	return &peer{
		conn:      conn,
		state:     StatePending,
		acct:      progress.NewAccountant(nil),
		highWater: make(map[string]int64),
	}
}

func (p *peer) info() PeerInfo {
	hw := make(map[string]int64, len(p.highWater))
	for k, v := range p.highWater {
		hw[k] = v
	}
	return PeerInfo{
		ID:                  p.conn.ID(),
		RemoteAddr:          p.conn.RemoteAddr(),
		State:               p.state,
		ClientMeta:          p.meta,
		CurrentFileIndex:    p.last.FileIndex,
		TotalFiles:          p.last.TotalFiles,
		BytesTransferred:    p.last.BytesTransferred,
		TotalBytes:          p.last.TotalBytes,
		CurrentFileProgress: p.last.CurrentFileProgress,
		OverallProgress:     p.last.OverallProgress,
		UploadingFileName:   p.uploadingFile,
		UploadingOffset:     p.uploadingOffset,
		HighWater:           hw,
	}
}
