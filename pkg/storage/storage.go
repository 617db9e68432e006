// Package storage persists received files.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"tarun-kavipurapu/p2p-share/pkg/logger"
)

// ErrDirectoryTraversal is returned for names that would escape the target.
var ErrDirectoryTraversal = errors.New("path contains directory traversal")

// Persister stores one completed file. r yields exactly size bytes.
type Persister interface {
	Persist(ctx context.Context, name string, r io.Reader, size int64) error
}

// PersisterFunc adapts a function to Persister.
type PersisterFunc func(ctx context.Context, name string, r io.Reader, size int64) error

func (f PersisterFunc) Persist(ctx context.Context, name string, r io.Reader, size int64) error {
	return f(ctx, name, r, size)
}

// ValidateName checks that a peer-supplied file name is a single path
// element and returns it cleaned.
func ValidateName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty file name")
	}
	cleaned := filepath.Clean(name)
	if cleaned == "." || cleaned == ".." {
		return "", ErrDirectoryTraversal
	}
	if filepath.IsAbs(cleaned) || strings.ContainsAny(cleaned, `/\`) {
		return "", ErrDirectoryTraversal
	}
	return cleaned, nil
}

// DiskPersister writes files into Dir. Existing files are never
// overwritten; a numbered name is chosen instead.
type DiskPersister struct {
	Dir string
}

func NewDiskPersister(dir string) (*DiskPersister, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &DiskPersister{Dir: dir}, nil
}

func (d *DiskPersister) Persist(ctx context.Context, name string, r io.Reader, size int64) error {
	name, err := ValidateName(name)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(d.Dir, ".p2p-share-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	n, err := io.Copy(tmp, r)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	if n != size {
		return fmt.Errorf("wrote %d bytes of %s, expected %d", n, name, size)
	}

	target, err := d.freePath(name)
	if err != nil {
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", name, err)
	}
	logger.Sugar.Infof("[Storage] saved %s (%d bytes)", target, size)
	return nil
}

func (d *DiskPersister) freePath(name string) (string, error) {
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	for i := 0; i < 1000; i++ {
		candidate := name
		if i > 0 {
			candidate = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}
		path := filepath.Join(d.Dir, candidate)
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path, nil
		} else if err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("no free file name for %s", name)
}
