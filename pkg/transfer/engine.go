// Package transfer turns a byte source into a bounded-size chunk sequence and
// drives it one chunk per scheduler turn.
package transfer

import (
	"errors"
	"fmt"
	"io"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

const (
	// DefaultChunkSize is used when no chunk size is configured.
	DefaultChunkSize = 256 * 1024
	// MaxChunkSize caps configurable chunk sizes.
	MaxChunkSize = 16 * 1024 * 1024
)

// ErrChunkTooLarge indicates a configured chunk size above MaxChunkSize.
var ErrChunkTooLarge = errors.New("chunk size exceeds maximum allowed")

// ValidateChunkSize maps 0 to DefaultChunkSize and rejects out-of-range values.
func ValidateChunkSize(size int) (int, error) {
	switch {
	case size == 0:
		return DefaultChunkSize, nil
	case size < 0:
		return 0, fmt.Errorf("invalid chunk size %d", size)
	case size > MaxChunkSize:
		return 0, ErrChunkTooLarge
	}
	return size, nil
}

// ClampOffset forces a peer-supplied offset into [0, size].
func ClampOffset(offset, size int64) int64 {
	if offset < 0 {
		return 0
	}
	if offset > size {
		return size
	}
	return offset
}

// Stream yields the chunks of one source from a starting offset.
type Stream struct {
	src       Source
	offset    int64
	chunkSize int
	done      bool
}

// NewStream clamps offset into the source and starts there.
func NewStream(src Source, offset int64, chunkSize int) *Stream {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	return &Stream{
		src:       src,
		offset:    ClampOffset(offset, src.Size()),
		chunkSize: chunkSize,
	}
}

func (s *Stream) Offset() int64 { return s.offset }
func (s *Stream) Done() bool    { return s.done }

// Next reads [offset, min(size, offset+chunkSize)). A source of size zero, or a
// stream starting at the end, yields one empty final chunk.
func (s *Stream) Next() (protocol.Chunk, error) {
	if s.done {
		return protocol.Chunk{}, io.EOF
	}

	size := s.src.Size()
	end := s.offset + int64(s.chunkSize)
	if end > size {
		end = size
	}

	buf := make([]byte, end-s.offset)
	if len(buf) > 0 {
		n, err := s.src.ReadAt(buf, s.offset)
		if n < len(buf) {
			if err == nil || errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return protocol.Chunk{}, fmt.Errorf("read %s at %d: %w", s.src.Name(), s.offset, err)
		}
	}

	chunk := protocol.Chunk{
		FileName: s.src.Name(),
		Offset:   s.offset,
		Bytes:    buf,
		Final:    end >= size,
	}
	s.offset = end
	s.done = chunk.Final
	return chunk, nil
}

// Poster schedules a continuation on the owning event loop.
type Poster interface {
	Post(fn func())
}

// Pump sends a Stream one chunk per scheduler turn. Active is consulted
// before every chunk; once it reports false the pump stops without sending.
type Pump struct {
	Stream *Stream
	Send   func(protocol.Chunk) error
	Active func() bool
	// Wait, when set, runs next once the connection can take another chunk.
	// Without it the next step is posted straight away.
	Wait    func(next func())
	OnChunk func(protocol.Chunk)
	OnFinal func()
	OnError func(error)
}

// Start sends the first chunk immediately and posts the rest.
func (p *Pump) Start(sched Poster) {
	p.step(sched)
}

func (p *Pump) step(sched Poster) {
	if !p.Active() {
		return
	}

	chunk, err := p.Stream.Next()
	if err == nil {
		err = p.Send(chunk)
	}
	if err != nil {
		if p.OnError != nil {
			p.OnError(err)
		}
		return
	}

	if p.OnChunk != nil {
		p.OnChunk(chunk)
	}
	if chunk.Final {
		if p.OnFinal != nil {
			p.OnFinal()
		}
		return
	}
	if !p.Active() {
		return
	}
	next := func() { p.step(sched) }
	if p.Wait != nil {
		p.Wait(next)
		return
	}
	sched.Post(next)
}
