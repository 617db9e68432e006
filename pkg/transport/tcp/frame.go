package tcp

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Frame Types
const (
	FrameTypeMessage = 0x01
	FrameTypeHello   = 0x02
)

// Header is the fixed-size frame header
// [Type (1 byte)] + [Length (4 bytes)]
const HeaderSize = 5

// MaxFrameSize bounds a single frame payload. A chunk of MaxChunkSize plus its
// envelope fits comfortably.
const MaxFrameSize = 32 << 20

// writeFrame writes header and payload as one buffer.
func writeFrame(w io.Writer, msgType uint8, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("frame too large: %d bytes", len(payload))
	}
	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = msgType
	binary.BigEndian.PutUint32(buf[1:HeaderSize], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	_, err := w.Write(buf)
	return err
}

// readFrame reads one frame from the reader
// returns msgType, payload, and error
func readFrame(r io.Reader) (uint8, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	msgType := header[0]
	length := binary.BigEndian.Uint32(header[1:])
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d bytes", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return msgType, payload, nil
}
