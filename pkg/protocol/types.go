package protocol

// Type is the tag carried by every message on the wire.
type Type string

const (
	TypeRequestInfo      Type = "RequestInfo"
	TypeUsePassword      Type = "UsePassword"
	TypePasswordRequired Type = "PasswordRequired"
	TypeInfo             Type = "Info"
	TypeStart            Type = "Start"
	TypeResume           Type = "Resume"
	TypePause            Type = "Pause"
	TypeChunk            Type = "Chunk"
	TypeDone             Type = "Done"
	TypeError            Type = "Error"
	TypeReport           Type = "Report"
)

// Message is the closed set of messages exchanged between a sender and a
// receiver. Only types in this package implement it.
type Message interface {
	Type() Type
	validate() error
}

// FileDescriptor describes one file on offer.
type FileDescriptor struct {
	Name      string `msgpack:"fileName"`
	Size      int64  `msgpack:"size"`
	MediaType string `msgpack:"type"`
}

// ClientMeta describes the receiver's environment.
type ClientMeta struct {
	BrowserName    string `msgpack:"browserName,omitempty"`
	BrowserVersion string `msgpack:"browserVersion,omitempty"`
	OSName         string `msgpack:"osName,omitempty"`
	OSVersion      string `msgpack:"osVersion,omitempty"`
	MobileVendor   string `msgpack:"mobileVendor,omitempty"`
	MobileModel    string `msgpack:"mobileModel,omitempty"`
}

// --- Receiver -> Sender ---

type RequestInfo struct {
	ClientMeta ClientMeta `msgpack:"clientMeta"`
}

type UsePassword struct {
	Password string `msgpack:"password"`
}

// Start asks the sender to stream FileName beginning at Offset.
type Start struct {
	FileName string `msgpack:"fileName"`
	Offset   int64  `msgpack:"offset"`
}

// Resume is handled exactly like Start.
type Resume struct {
	FileName string `msgpack:"fileName"`
	Offset   int64  `msgpack:"offset"`
}

type Pause struct{}

// Done tells the sender every file has been stored.
type Done struct{}

// --- Sender -> Receiver ---

// PasswordRequired carries an ErrorMessage when a submitted password was wrong.
type PasswordRequired struct {
	ErrorMessage string `msgpack:"errorMessage,omitempty"`
}

type Info struct {
	Files []FileDescriptor `msgpack:"files"`
}

// Chunk is one fragment of a file. Final marks the last fragment.
type Chunk struct {
	FileName string `msgpack:"fileName"`
	Offset   int64  `msgpack:"offset"`
	Bytes    []byte `msgpack:"bytes"`
	Final    bool   `msgpack:"final"`
}

// Report moves the receiver into the moderated state.
type Report struct{}

// --- Either direction ---

type Error struct {
	Error string `msgpack:"error"`
}

func (RequestInfo) Type() Type      { return TypeRequestInfo }
func (UsePassword) Type() Type      { return TypeUsePassword }
func (PasswordRequired) Type() Type { return TypePasswordRequired }
func (Info) Type() Type             { return TypeInfo }
func (Start) Type() Type            { return TypeStart }
func (Resume) Type() Type           { return TypeResume }
func (Pause) Type() Type            { return TypePause }
func (Chunk) Type() Type            { return TypeChunk }
func (Done) Type() Type             { return TypeDone }
func (Error) Type() Type            { return TypeError }
func (Report) Type() Type           { return TypeReport }
