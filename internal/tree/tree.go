// Package tree builds the immutable checksum tree of a snapshot and answers
// the read-only queries clients use to locate changed files.
//
// Directory nodes live in an arena indexed in pre-order: the root is node 0,
// then each subdirectory depth-first with siblings ordered by name. A node's
// checksum is SHA-256 over name || 0x00 || mode || checksum for each child
// in that same order, where mode is 1 for an executable file. The aggregate
// changes on any content, mode, add, remove or rename below it.
package tree

import (
	"crypto/sha256"
	"slices"

	"patchd/internal/errors"
	"patchd/internal/inventory"
)

// RootNode is the arena index of the root directory.
const RootNode = 0

// NoNode marks a child that is a file.
const NoNode = -1

// Child is one entry of a directory node.
type Child struct {
	Name  string              `json:"name"`
	Entry inventory.FileEntry `json:"entry"`
	Node  int                 `json:"node"`
}

// Node is one directory level.
type Node struct {
	Path     string
	Children []Child
	Checksum inventory.Digest
}

// Tree is immutable once built and safe for concurrent readers.
type Tree struct {
	nodes   []Node
	entries []inventory.FileEntry
	byPath  map[string]int
	nodeOf  map[string]int
}

// Root is the aggregate checksum of the whole tree.
func (t *Tree) Root() inventory.Digest {
	return t.nodes[RootNode].Checksum
}

// Len is the number of entries, excluding the root.
func (t *Tree) Len() int {
	return len(t.entries)
}

// NodeCount is the number of directory nodes, including the root.
func (t *Tree) NodeCount() int {
	return len(t.nodes)
}

// Entries returns count entries of the pre-order flattening starting at
// first. Out-of-range pages are empty, not errors.
func (t *Tree) Entries(first, count int) []inventory.FileEntry {
	if first < 0 || count <= 0 || first >= len(t.entries) {
		return []inventory.FileEntry{}
	}
	end := len(t.entries)
	if count < end-first {
		end = first + count
	}
	return slices.Clone(t.entries[first:end])
}

// ChildChecksums lists the checksums of node's children in name order.
func (t *Tree) ChildChecksums(node int) ([]inventory.Digest, error) {
	n, err := t.node(node)
	if err != nil {
		return nil, err
	}
	sums := make([]inventory.Digest, len(n.Children))
	for i, c := range n.Children {
		sums[i] = c.Entry.Checksum
	}
	return sums, nil
}

// Children lists node's children in name order.
func (t *Tree) Children(node int) ([]Child, error) {
	n, err := t.node(node)
	if err != nil {
		return nil, err
	}
	return slices.Clone(n.Children), nil
}

// NodeChecksum is the aggregate checksum of a single directory node.
func (t *Tree) NodeChecksum(node int) (inventory.Digest, error) {
	n, err := t.node(node)
	if err != nil {
		return inventory.Digest{}, err
	}
	return n.Checksum, nil
}

// NodePath is the directory path of node, "" for the root.
func (t *Tree) NodePath(node int) (string, error) {
	n, err := t.node(node)
	if err != nil {
		return "", err
	}
	return n.Path, nil
}

// NodeIndex maps a directory path to its arena index.
func (t *Tree) NodeIndex(path string) (int, bool) {
	i, ok := t.nodeOf[path]
	return i, ok
}

// Lookup returns the entry at path. Directory entries carry their aggregate
// checksum.
func (t *Tree) Lookup(path string) (inventory.FileEntry, bool) {
	i, ok := t.byPath[path]
	if !ok {
		return inventory.FileEntry{}, false
	}
	return t.entries[i], true
}

func (t *Tree) node(node int) (*Node, error) {
	if node < 0 || node >= len(t.nodes) {
		return nil, errors.NodeNotFound(node)
	}
	return &t.nodes[node], nil
}

func aggregate(children []Child) inventory.Digest {
	h := sha256.New()
	for _, c := range children {
		h.Write([]byte(c.Name))
		h.Write([]byte{0, modeByte(c.Entry)})
		h.Write(c.Entry.Checksum[:])
	}
	var sum inventory.Digest
	copy(sum[:], h.Sum(nil))
	return sum
}

// modeByte is 1 for executable files and 0 otherwise.
func modeByte(e inventory.FileEntry) byte {
	if e.Executable && !e.Dir {
		return 1
	}
	return 0
}
