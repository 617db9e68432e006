package transfer

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"tarun-kavipurapu/p2p-share/pkg/protocol"
)

// Source is a named, sized, randomly readable byte source on offer.
type Source interface {
	io.ReaderAt
	Name() string
	Size() int64
	MediaType() string
}

// Descriptor returns the wire description of src.
func Descriptor(src Source) protocol.FileDescriptor {
	return protocol.FileDescriptor{Name: src.Name(), Size: src.Size(), MediaType: src.MediaType()}
}

// Descriptors describes every source in order and rejects duplicate names.
func Descriptors(srcs []Source) ([]protocol.FileDescriptor, error) {
	out := make([]protocol.FileDescriptor, 0, len(srcs))
	seen := make(map[string]struct{}, len(srcs))
	for _, src := range srcs {
		d := Descriptor(src)
		if d.Name == "" {
			return nil, fmt.Errorf("file %d has no name", len(out))
		}
		if d.Size < 0 {
			return nil, fmt.Errorf("file %q has negative size", d.Name)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("duplicate file name %q", d.Name)
		}
		seen[d.Name] = struct{}{}
		out = append(out, d)
	}
	return out, nil
}

// BytesSource serves an in-memory buffer.
type BytesSource struct {
	*bytes.Reader
	name      string
	mediaType string
}

func NewBytesSource(name, mediaType string, data []byte) *BytesSource {
	return &BytesSource{Reader: bytes.NewReader(data), name: name, mediaType: mediaType}
}

func (b *BytesSource) Name() string      { return b.name }
func (b *BytesSource) MediaType() string { return b.mediaType }

// FileSource serves a file on disk. The file is opened once and read with
// ReadAt, so one FileSource may back many concurrent uploads.
type FileSource struct {
	f         *os.File
	name      string
	size      int64
	mediaType string
}

// OpenFile opens path for sharing under its base name.
func OpenFile(path string) (*FileSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to get file info: %w", err)
	}
	if info.IsDir() {
		f.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &FileSource{
		f:         f,
		name:      filepath.Base(path),
		size:      info.Size(),
		mediaType: detectMediaType(f, path),
	}, nil
}

func (s *FileSource) ReadAt(p []byte, off int64) (int, error) { return s.f.ReadAt(p, off) }
func (s *FileSource) Name() string                             { return s.name }
func (s *FileSource) Size() int64                              { return s.size }
func (s *FileSource) MediaType() string                        { return s.mediaType }
func (s *FileSource) Close() error                             { return s.f.Close() }

func detectMediaType(f *os.File, path string) string {
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		return t
	}
	head := make([]byte, 512)
	n, _ := f.ReadAt(head, 0)
	return http.DetectContentType(head[:n])
}
