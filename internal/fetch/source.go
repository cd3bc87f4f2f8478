package fetch

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-git/go-billy/v5"
)

// Source reads raw file bytes backing a snapshot.
type Source interface {
	// ReadRange returns up to length bytes of path starting at offset. A
	// short result means the content ended early.
	ReadRange(path string, offset int64, length int) ([]byte, error)
}

// FSSource serves content from a billy filesystem rooted at the served
// directory.
type FSSource struct {
	fs billy.Filesystem
}

func NewFSSource(fs billy.Filesystem) *FSSource {
	return &FSSource{fs: fs}
}

// Filesystem exposes the underlying filesystem to the scanner.
func (s *FSSource) Filesystem() billy.Filesystem {
	return s.fs
}

func (s *FSSource) ReadRange(path string, offset int64, length int) ([]byte, error) {
	f, err := s.fs.Open("/" + path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("opening %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, fmt.Errorf("reading %s at %d: %w", path, offset, err)
	}
	return buf[:n], nil
}
