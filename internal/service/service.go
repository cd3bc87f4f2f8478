// Package service implements the read-only file server operations over the
// current snapshot. Each call loads the snapshot once, so a concurrent swap
// never mixes two trees in one answer.
package service

import (
	"context"
	stderrors "errors"
	"os"

	"patchd/internal/errors"
	"patchd/internal/fetch"
	"patchd/internal/inventory"
	"patchd/internal/snapshot"
	"patchd/internal/tree"

	"go.uber.org/zap"
)

// ErrNoSnapshot is returned before the first snapshot is published.
var ErrNoSnapshot = errors.Unavailable("no snapshot published yet")

// Children is the listing of one directory node.
type Children struct {
	Node     int          `json:"node"`
	Path     string       `json:"path"`
	Checksum string       `json:"checksum"`
	Children []tree.Child `json:"children"`
}

// Service answers queries against whatever snapshot is current.
type Service struct {
	holder  *snapshot.Holder
	source  fetch.Source
	fetcher *fetch.Fetcher
	logger  *zap.Logger
}

func New(holder *snapshot.Holder, source fetch.Source, fetcher *fetch.Fetcher, logger *zap.Logger) *Service {
	return &Service{
		holder:  holder,
		source:  source,
		fetcher: fetcher,
		logger:  logger,
	}
}

func (s *Service) current() (*snapshot.Snapshot, error) {
	snap := s.holder.Current()
	if snap == nil {
		return nil, ErrNoSnapshot
	}
	return snap, nil
}

// Snapshot returns the snapshot currently being served.
func (s *Service) Snapshot() (*snapshot.Snapshot, error) {
	return s.current()
}

// GetFileInfoSeq returns count entries of the pre-order flattening starting
// at first. Pages past the end are empty.
func (s *Service) GetFileInfoSeq(first, count int) ([]inventory.FileEntry, error) {
	snap, err := s.current()
	if err != nil {
		return nil, err
	}
	return snap.Tree.Entries(first, count), nil
}

// GetChecksum0 returns the root aggregate checksum.
func (s *Service) GetChecksum0() (inventory.Digest, error) {
	snap, err := s.current()
	if err != nil {
		return inventory.Digest{}, err
	}
	return snap.Tree.Root(), nil
}

// GetChecksum1Seq returns the checksums of the root's children in name order.
func (s *Service) GetChecksum1Seq() ([]inventory.Digest, error) {
	return s.GetChecksum2Seq(tree.RootNode)
}

// GetChecksum2Seq returns the checksums of node's children in name order.
func (s *Service) GetChecksum2Seq(node int) ([]inventory.Digest, error) {
	snap, err := s.current()
	if err != nil {
		return nil, err
	}
	return snap.Tree.ChildChecksums(node)
}

// ListChildren returns node's children with the node index of each
// subdirectory, which is what a client needs to descend.
func (s *Service) ListChildren(node int) (Children, error) {
	snap, err := s.current()
	if err != nil {
		return Children{}, err
	}
	kids, err := snap.Tree.Children(node)
	if err != nil {
		return Children{}, err
	}
	// Children succeeded, so node is valid.
	path, _ := snap.Tree.NodePath(node)
	sum, _ := snap.Tree.NodeChecksum(node)
	return Children{
		Node:     node,
		Path:     path,
		Checksum: sum.String(),
		Children: kids,
	}, nil
}

// Stat returns the entry at path.
func (s *Service) Stat(path string) (inventory.FileEntry, error) {
	snap, err := s.current()
	if err != nil {
		return inventory.FileEntry{}, err
	}
	e, ok := snap.Tree.Lookup(path)
	if !ok {
		return inventory.FileEntry{}, errors.FileNotFound(path)
	}
	return e, nil
}

// GetFileCompressed returns a zstd frame holding the bytes of path in
// [offset, offset+min(length, max chunk, size-offset)).
func (s *Service) GetFileCompressed(ctx context.Context, path string, offset int64, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	snap, err := s.current()
	if err != nil {
		return nil, err
	}
	entry, ok := snap.Tree.Lookup(path)
	if !ok {
		return nil, errors.FileNotFound(path)
	}

	chunk, err := s.fetcher.Fetch(s.source, snap.ID, entry, offset, length)
	if err != nil {
		if stderrors.Is(err, os.ErrNotExist) {
			s.logger.Warn("File vanished after snapshot",
				zap.String("path", path),
				zap.String("snapshot", snap.ID),
			)
			return nil, errors.FileNotFound(path)
		}
		return nil, err
	}
	return chunk, nil
}
